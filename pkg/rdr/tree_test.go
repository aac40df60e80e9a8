package rdr

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// comparisonEvaluator understands predicates of the form
// "<variable> <op> <integer>" plus the literals "true" and "false".
type comparisonEvaluator struct{}

func (comparisonEvaluator) Evaluate(expression string, variableContext map[string]any) (any, error) {
	return nil, fmt.Errorf("not an expression evaluator")
}

func (comparisonEvaluator) UnaryTest(expression string, variableContext map[string]any) (bool, error) {
	switch expression {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	fields := strings.Fields(expression)
	if len(fields) != 3 {
		return false, fmt.Errorf("cannot parse predicate %q", expression)
	}
	value, ok := variableContext[fields[0]].(int)
	if !ok {
		return false, fmt.Errorf("variable %q is not an integer", fields[0])
	}
	bound, err := strconv.Atoi(fields[2])
	if err != nil {
		return false, err
	}
	switch fields[1] {
	case "<":
		return value < bound, nil
	case ">=":
		return value >= bound, nil
	}
	return false, fmt.Errorf("unknown operator %q", fields[1])
}

// approvalTree returns the canonical escalation tree: failed predicates
// fall through the false chain to ever-cheaper approvals, ending in the
// default leaf.
func approvalTree() *Node {
	return &Node{
		Predicate:  "amount >= 10000",
		Conclusion: "ExecutiveApprovalWorklet",
		False: &Node{
			Predicate:  "amount >= 1000",
			Conclusion: "ManagerApprovalWorklet",
			False: &Node{
				Predicate:  "true",
				Conclusion: "AutoApprovalWorklet",
			},
		},
	}
}

func TestEvaluateWalksRefinementChain(t *testing.T) {
	rs, err := NewRuleSet(approvalTree())
	assert.NoError(t, err)

	cases := []struct {
		amount int
		want   string
	}{
		{amount: 500, want: "AutoApprovalWorklet"},
		{amount: 5000, want: "ManagerApprovalWorklet"},
		{amount: 20000, want: "ExecutiveApprovalWorklet"},
	}
	for _, tc := range cases {
		got, err := rs.Evaluate(comparisonEvaluator{}, map[string]any{"amount": tc.amount})
		assert.NoError(t, err)
		assert.Equal(t, tc.want, got, "amount %d", tc.amount)
	}
}

func TestEvaluateIsPureAndRepeatable(t *testing.T) {
	rs, err := NewRuleSet(approvalTree())
	assert.NoError(t, err)
	data := map[string]any{"amount": 5000, "other": "untouched"}

	first, err := rs.Evaluate(comparisonEvaluator{}, data)
	assert.NoError(t, err)
	second, err := rs.Evaluate(comparisonEvaluator{}, data)
	assert.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, map[string]any{"amount": 5000, "other": "untouched"}, data)
}

func TestEvaluatePredicateFailureIsAnError(t *testing.T) {
	rs, err := NewRuleSet(&Node{Predicate: "broken predicate", Conclusion: "Fallback"})
	assert.NoError(t, err)

	_, err = rs.Evaluate(comparisonEvaluator{}, map[string]any{})

	var evalErr *EvaluationError
	assert.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "broken predicate", evalErr.Predicate)
	assert.Error(t, evalErr.Err)
}

func TestEvaluateWithoutConclusionIsAnError(t *testing.T) {
	// the root holds a conclusion but its predicate never fires, so the
	// walk ends without recording anything
	rs, err := NewRuleSet(&Node{Predicate: "false", Conclusion: "Unreachable"})
	assert.NoError(t, err)

	_, err = rs.Evaluate(comparisonEvaluator{}, map[string]any{})

	var evalErr *EvaluationError
	assert.ErrorAs(t, err, &evalErr)
}

func TestNewRuleSetValidatesTree(t *testing.T) {
	_, err := NewRuleSet(nil)
	assert.Error(t, err)

	// a leaf without a conclusion
	_, err = NewRuleSet(&Node{
		Predicate:  "true",
		Conclusion: "Root",
		True:       &Node{Predicate: "amount >= 1000"},
	})
	assert.Error(t, err)

	// the all-false path ends without a default conclusion
	_, err = NewRuleSet(&Node{
		Predicate: "amount >= 1000",
		True:      &Node{Predicate: "true", Conclusion: "High"},
		False:     &Node{Predicate: "true", Conclusion: "Low"},
	})
	assert.Error(t, err)
}

func TestAddRefinementExtendsTheTrueChain(t *testing.T) {
	rs, err := NewRuleSet(approvalTree())
	assert.NoError(t, err)

	err = rs.AddRefinement("T", &Node{
		Predicate:  "amount >= 50000",
		Conclusion: "BoardApprovalWorklet",
	})
	assert.NoError(t, err)

	got, err := rs.Evaluate(comparisonEvaluator{}, map[string]any{"amount": 60000})
	assert.NoError(t, err)
	assert.Equal(t, "BoardApprovalWorklet", got)

	// below the new bound the prior conclusion still wins
	got, err = rs.Evaluate(comparisonEvaluator{}, map[string]any{"amount": 20000})
	assert.NoError(t, err)
	assert.Equal(t, "ExecutiveApprovalWorklet", got)
}

func TestAddRefinementLeavesTheOldTreeIntact(t *testing.T) {
	rs, err := NewRuleSet(approvalTree())
	assert.NoError(t, err)
	oldRoot := rs.Root()

	err = rs.AddRefinement("T", &Node{Predicate: "amount >= 50000", Conclusion: "BoardApprovalWorklet"})
	assert.NoError(t, err)

	assert.NotSame(t, oldRoot, rs.Root())
	assert.Nil(t, oldRoot.True)
	assert.NotNil(t, rs.Root().True)
	// the shared false chain is untouched
	assert.Same(t, oldRoot.False, rs.Root().False)
}

func TestAddRefinementRejectsBadPaths(t *testing.T) {
	rs, err := NewRuleSet(approvalTree())
	assert.NoError(t, err)
	refinement := &Node{Predicate: "true", Conclusion: "X"}

	// empty path
	assert.Error(t, rs.AddRefinement("", refinement))
	// occupied slot
	assert.Error(t, rs.AddRefinement("F", refinement))
	// path leaves the tree
	assert.Error(t, rs.AddRefinement("TT", refinement))
	// invalid edge character
	assert.Error(t, rs.AddRefinement("FX", refinement))
	// invalid subtree
	assert.Error(t, rs.AddRefinement("T", &Node{Predicate: "true"}))

	// the tree is unchanged after every rejection
	got, err := rs.Evaluate(comparisonEvaluator{}, map[string]any{"amount": 500})
	assert.NoError(t, err)
	assert.Equal(t, "AutoApprovalWorklet", got)
}

func TestConcurrentEvaluationDuringRefinement(t *testing.T) {
	rs, err := NewRuleSet(approvalTree())
	assert.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				got, err := rs.Evaluate(comparisonEvaluator{}, map[string]any{"amount": 20000})
				assert.NoError(t, err)
				// either tree yields a conclusion from the known set
				assert.Contains(t, []string{"ExecutiveApprovalWorklet", "BoardApprovalWorklet"}, got)
			}
		}()
	}
	err = rs.AddRefinement("T", &Node{Predicate: "amount >= 10001", Conclusion: "BoardApprovalWorklet"})
	assert.NoError(t, err)
	wg.Wait()
}

func TestStoreRegistersAndRefinesPerTask(t *testing.T) {
	store := NewStore()

	_, err := store.Register("approve", approvalTree())
	assert.NoError(t, err)

	rs, ok := store.RuleSetFor("approve")
	assert.True(t, ok)
	_, ok = store.RuleSetFor("unknown")
	assert.False(t, ok)

	err = store.AddRefinement("approve", "T", &Node{Predicate: "amount >= 50000", Conclusion: "BoardApprovalWorklet"})
	assert.NoError(t, err)
	conclusion, err := rs.Evaluate(comparisonEvaluator{}, map[string]any{"amount": 60000})
	assert.NoError(t, err)
	assert.Equal(t, "BoardApprovalWorklet", conclusion)

	err = store.AddRefinement("unknown", "T", &Node{Predicate: "true", Conclusion: "X"})
	assert.Error(t, err)
}
