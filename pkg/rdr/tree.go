package rdr

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pbinitiative/zenflow/pkg/script"
)

// Node is one rule of a ripple-down-rule tree: a predicate over case data,
// an optional conclusion, and exception (true) / alternative (false)
// children. Nodes are never mutated after registration; refinements build
// a new tree.
type Node struct {
	Predicate  string
	Conclusion string
	True       *Node
	False      *Node
}

func (n *Node) isLeaf() bool {
	return n.True == nil && n.False == nil
}

// copy returns a shallow copy; children are shared with the original.
func (n *Node) copy() *Node {
	cp := *n
	return &cp
}

// validate checks the tree invariants: every leaf carries a conclusion,
// and the all-false path from the root terminates in a node with a
// conclusion (the default).
func validate(root *Node) error {
	if root == nil {
		return fmt.Errorf("rule tree has no root")
	}
	var walk func(n *Node) error
	walk = func(n *Node) error {
		if n.isLeaf() && n.Conclusion == "" {
			return fmt.Errorf("leaf node with predicate %q has no conclusion", n.Predicate)
		}
		if n.True != nil {
			if err := walk(n.True); err != nil {
				return err
			}
		}
		if n.False != nil {
			if err := walk(n.False); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return err
	}
	last := root
	for last.False != nil {
		last = last.False
	}
	if last.Conclusion == "" {
		return fmt.Errorf("default path ends at node %q without a conclusion", last.Predicate)
	}
	return nil
}

// EvaluationError reports a predicate that failed to evaluate, or a tree
// that yielded no conclusion. It is always distinct from a predicate that
// legitimately evaluates to false.
type EvaluationError struct {
	Predicate string
	Err       error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rule evaluation failed at predicate %q: %s", e.Predicate, e.Err)
	}
	return fmt.Sprintf("rule evaluation failed at predicate %q", e.Predicate)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// RuleSet is the rule tree bound to one task. The root is held behind an
// atomic pointer: AddRefinement swaps in a rebuilt tree, so concurrent
// evaluations see either the old or the new tree, never a partially
// linked one.
type RuleSet struct {
	root atomic.Pointer[Node]

	// serializes refinements; readers never take it
	writeMu sync.Mutex
}

func NewRuleSet(root *Node) (*RuleSet, error) {
	if err := validate(root); err != nil {
		return nil, err
	}
	rs := &RuleSet{}
	rs.root.Store(root)
	return rs, nil
}

func (rs *RuleSet) Root() *Node {
	return rs.root.Load()
}

// Evaluate walks the tree: a true predicate records the node's conclusion
// (when present) and descends the true edge, a false predicate descends
// the false edge. The walk strictly descends a finite tree, so it always
// terminates; by the tree invariant it yields a conclusion.
func (rs *RuleSet) Evaluate(eval script.Evaluator, data map[string]any) (string, error) {
	node := rs.root.Load()
	result := ""
	for node != nil {
		ok, err := eval.UnaryTest(node.Predicate, data)
		if err != nil {
			return "", &EvaluationError{Predicate: node.Predicate, Err: err}
		}
		if ok {
			if node.Conclusion != "" {
				result = node.Conclusion
			}
			node = node.True
		} else {
			node = node.False
		}
	}
	if result == "" {
		return "", &EvaluationError{Err: fmt.Errorf("no conclusion reached")}
	}
	return result, nil
}

// AddRefinement attaches newNode at the empty child slot named by
// leafPath, a string of 'T'/'F' edges from the root; all but the final
// edge must address existing nodes and the final edge an empty slot. The
// affected path is copied and the root pointer swapped atomically.
func (rs *RuleSet) AddRefinement(leafPath string, newNode *Node) error {
	if leafPath == "" {
		return fmt.Errorf("empty refinement path")
	}
	if err := validate(newNode); err != nil {
		return fmt.Errorf("invalid refinement subtree: %w", err)
	}

	rs.writeMu.Lock()
	defer rs.writeMu.Unlock()

	oldRoot := rs.root.Load()
	newRoot := oldRoot.copy()
	node := newRoot
	for i := 0; i < len(leafPath)-1; i++ {
		switch leafPath[i] {
		case 'T':
			if node.True == nil {
				return fmt.Errorf("refinement path %q leaves the tree at step %d", leafPath, i)
			}
			node.True = node.True.copy()
			node = node.True
		case 'F':
			if node.False == nil {
				return fmt.Errorf("refinement path %q leaves the tree at step %d", leafPath, i)
			}
			node.False = node.False.copy()
			node = node.False
		default:
			return fmt.Errorf("refinement path %q contains %q, want 'T' or 'F'", leafPath, leafPath[i])
		}
	}
	switch leafPath[len(leafPath)-1] {
	case 'T':
		if node.True != nil {
			return fmt.Errorf("refinement slot %q is already occupied", leafPath)
		}
		node.True = newNode
	case 'F':
		if node.False != nil {
			return fmt.Errorf("refinement slot %q is already occupied", leafPath)
		}
		node.False = newNode
	default:
		return fmt.Errorf("refinement path %q contains %q, want 'T' or 'F'", leafPath, leafPath[len(leafPath)-1])
	}

	if err := validate(newRoot); err != nil {
		return fmt.Errorf("refinement breaks tree invariants: %w", err)
	}
	rs.root.Store(newRoot)
	return nil
}

// Store holds the rule sets registered per task id.
type Store struct {
	mu   sync.RWMutex
	sets map[string]*RuleSet
}

func NewStore() *Store {
	return &Store{sets: make(map[string]*RuleSet)}
}

func (s *Store) Register(taskId string, root *Node) (*RuleSet, error) {
	rs, err := NewRuleSet(root)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[taskId] = rs
	return rs, nil
}

func (s *Store) RuleSetFor(taskId string) (*RuleSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.sets[taskId]
	return rs, ok
}

// AddRefinement is the only supported mutation of a registered tree.
func (s *Store) AddRefinement(taskId string, leafPath string, newNode *Node) error {
	rs, ok := s.RuleSetFor(taskId)
	if !ok {
		return fmt.Errorf("no rule set registered for task %s", taskId)
	}
	return rs.AddRefinement(leafPath, newNode)
}
