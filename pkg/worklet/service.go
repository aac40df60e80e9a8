package worklet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/pbinitiative/zenflow/pkg/eventbus"
	"github.com/pbinitiative/zenflow/pkg/petri"
	"github.com/pbinitiative/zenflow/pkg/petri/runtime"
	"github.com/pbinitiative/zenflow/pkg/rdr"
	"github.com/pbinitiative/zenflow/pkg/script"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

// WorkletFailureError reports a worklet sub-case that terminated
// abnormally. The parent work item is cancelled, never silently
// completed.
type WorkletFailureError struct {
	ParentWorkItemKey int64
	ChildCaseKey      int64
	Conclusion        string
	Reason            string
}

func (e *WorkletFailureError) Error() string {
	return fmt.Sprintf("worklet %s (case %d) for work item %d failed: %s",
		e.Conclusion, e.ChildCaseKey, e.ParentWorkItemKey, e.Reason)
}

// FailureHandler receives errors the service cannot return to a caller:
// rule evaluation failures and abnormal worklet terminations.
type FailureHandler func(err error)

// Service substitutes worklet sub-cases for the static behavior of
// registered tasks. It consumes ItemEnabled to intercept work, launches
// the concluded worklet specification as a sub-case carrying only the
// task's designated input slice, and resumes the parent work item when
// the sub-case completes.
type Service struct {
	engine    *petri.Engine
	bus       *eventbus.Bus
	store     storage.Storage
	evaluator script.Evaluator
	rules     *rdr.Store
	logger    hclog.Logger
	launched  metric.Int64Counter

	subscriptions []*eventbus.Subscription

	failureMu sync.RWMutex
	onFailure []FailureHandler
}

func NewService(engine *petri.Engine, bus *eventbus.Bus, store storage.Storage, evaluator script.Evaluator) *Service {
	launched, _ := otel.Meter("zenflow.worklet").Int64Counter("zenflow.worklets.launched",
		metric.WithDescription("Number of worklet sub-cases launched"))
	return &Service{
		engine:    engine,
		bus:       bus,
		store:     store,
		evaluator: evaluator,
		rules:     rdr.NewStore(),
		logger:    hclog.Default().Named("worklet-service"),
		launched:  launched,
	}
}

// Register binds a rule tree to a task id. Enabled work items of that
// task are intercepted from then on.
func (s *Service) Register(taskId string, root *rdr.Node) error {
	_, err := s.rules.Register(taskId, root)
	return err
}

// AddRefinement is the only supported mutation of a registered tree.
func (s *Service) AddRefinement(taskId string, leafPath string, newNode *rdr.Node) error {
	return s.rules.AddRefinement(taskId, leafPath, newNode)
}

// OnFailure registers a handler for asynchronous substitution failures.
func (s *Service) OnFailure(fn FailureHandler) {
	s.failureMu.Lock()
	defer s.failureMu.Unlock()
	s.onFailure = append(s.onFailure, fn)
}

func (s *Service) reportFailure(err error) {
	s.logger.Error("worklet substitution failure", "error", err)
	s.failureMu.RLock()
	handlers := make([]FailureHandler, len(s.onFailure))
	copy(handlers, s.onFailure)
	s.failureMu.RUnlock()
	for _, fn := range handlers {
		fn(err)
	}
}

// Start subscribes the service to the engine's lifecycle events.
func (s *Service) Start(ctx context.Context) {
	s.subscriptions = []*eventbus.Subscription{
		s.bus.Subscribe(eventbus.ItemEnabled, func(event eventbus.Event) {
			s.handleItemEnabled(ctx, event)
		}),
		s.bus.Subscribe(eventbus.CaseCompleted, func(event eventbus.Event) {
			s.handleCaseCompleted(ctx, event)
		}),
		s.bus.Subscribe(eventbus.CaseCancelled, func(event eventbus.Event) {
			s.handleCaseCancelled(ctx, event)
		}),
	}
}

func (s *Service) Stop() {
	for _, sub := range s.subscriptions {
		s.bus.Unsubscribe(sub)
	}
	s.subscriptions = nil
}

func (s *Service) handleItemEnabled(ctx context.Context, event eventbus.Event) {
	ruleSet, ok := s.rules.RuleSetFor(event.TaskId)
	if !ok {
		return
	}
	c, err := s.store.FindCaseByKey(ctx, event.CaseKey)
	if err != nil {
		s.reportFailure(fmt.Errorf("failed to load case %d for enabled item %d: %w", event.CaseKey, event.WorkItemKey, err))
		return
	}

	// rule evaluation sees the case data with the item's own slice on top
	data := make(map[string]any, len(c.VariableHolder.Variables())+len(event.Variables))
	for k, v := range c.VariableHolder.Variables() {
		data[k] = v
	}
	for k, v := range event.Variables {
		data[k] = v
	}

	conclusion, err := ruleSet.Evaluate(s.evaluator, data)
	if err != nil {
		// the item stays Enabled for manual intervention
		s.reportFailure(fmt.Errorf("rule evaluation for task %s on work item %d: %w", event.TaskId, event.WorkItemKey, err))
		return
	}

	if err := s.launchWorklet(ctx, &c, event, conclusion); err != nil {
		s.reportFailure(err)
	}
}

func (s *Service) launchWorklet(ctx context.Context, c *runtime.Case, event eventbus.Event, conclusion string) error {
	task := c.Net().TaskById(event.TaskId)
	if task == nil {
		return fmt.Errorf("net %s has no task %s", c.NetId, event.TaskId)
	}

	inputs := make(map[string]any, len(task.InputVars)+len(event.Variables))
	for _, name := range task.InputVars {
		if v := c.GetVariable(name); v != nil {
			inputs[name] = v
		}
	}
	for k, v := range event.Variables {
		inputs[k] = v
	}

	child, err := s.engine.CreateSubCaseById(ctx, conclusion, event.WorkItemKey, inputs)
	if err != nil {
		return fmt.Errorf("failed to create worklet sub-case %s for work item %d: %w", conclusion, event.WorkItemKey, err)
	}

	// the binding must exist before the child makes any progress, so a
	// sub-case completing immediately still finds its way back
	binding := runtime.WorkletBinding{
		ParentWorkItemKey: event.WorkItemKey,
		ChildCaseKey:      child.Key,
		RuleConclusion:    conclusion,
		CreatedAt:         time.Now(),
	}
	if err := s.store.SaveBinding(ctx, binding); err != nil {
		return fmt.Errorf("failed to record worklet binding for work item %d: %w", event.WorkItemKey, err)
	}
	if err := s.engine.StartWorkItem(ctx, event.WorkItemKey); err != nil {
		// the parent could not be suspended; the binding and the never
		// started child must not outlive the failed launch
		if delErr := s.store.DeleteBinding(ctx, binding.ParentWorkItemKey); delErr != nil {
			s.logger.Error("failed to delete binding after launch failure", "workItemKey", binding.ParentWorkItemKey, "error", delErr)
		}
		if cancelErr := s.engine.CancelCase(ctx, child.Key); cancelErr != nil {
			s.logger.Error("failed to cancel worklet sub-case after launch failure", "childCaseKey", child.Key, "error", cancelErr)
		}
		return fmt.Errorf("failed to suspend work item %d behind worklet %s: %w", event.WorkItemKey, conclusion, err)
	}
	s.launched.Add(ctx, 1)
	s.logger.Info("worklet launched", "taskId", event.TaskId, "workItemKey", event.WorkItemKey,
		"conclusion", conclusion, "childCaseKey", child.Key)

	if err := s.engine.RunCase(ctx, child.Key); err != nil {
		return s.failParent(ctx, binding, fmt.Sprintf("sub-case run failed: %s", err))
	}
	return nil
}

func (s *Service) handleCaseCompleted(ctx context.Context, event eventbus.Event) {
	binding, err := s.store.FindBindingByChildCase(ctx, event.CaseKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		s.reportFailure(fmt.Errorf("failed to look up binding for case %d: %w", event.CaseKey, err))
		return
	}

	if err := s.engine.CompleteWorkItem(ctx, binding.ParentWorkItemKey, event.Variables); err != nil {
		s.reportFailure(fmt.Errorf("failed to resume work item %d from worklet case %d: %w", binding.ParentWorkItemKey, event.CaseKey, err))
		return
	}
	if err := s.store.DeleteBinding(ctx, binding.ParentWorkItemKey); err != nil {
		s.reportFailure(fmt.Errorf("failed to delete binding for work item %d: %w", binding.ParentWorkItemKey, err))
		return
	}
	s.logger.Info("worklet completed, parent resumed", "workItemKey", binding.ParentWorkItemKey,
		"childCaseKey", event.CaseKey, "conclusion", binding.RuleConclusion)
}

func (s *Service) handleCaseCancelled(ctx context.Context, event eventbus.Event) {
	binding, err := s.store.FindBindingByChildCase(ctx, event.CaseKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		s.reportFailure(fmt.Errorf("failed to look up binding for case %d: %w", event.CaseKey, err))
		return
	}
	if err := s.failParent(ctx, binding, "sub-case was cancelled"); err != nil {
		s.reportFailure(err)
	}
}

// failParent cancels the suspended parent work item and reports a
// WorkletFailureError. An abnormal worklet termination never masquerades
// as success.
func (s *Service) failParent(ctx context.Context, binding runtime.WorkletBinding, reason string) error {
	if err := s.engine.CancelWorkItem(ctx, binding.ParentWorkItemKey); err != nil {
		return fmt.Errorf("failed to cancel work item %d after worklet failure: %w", binding.ParentWorkItemKey, err)
	}
	if err := s.store.DeleteBinding(ctx, binding.ParentWorkItemKey); err != nil {
		return fmt.Errorf("failed to delete binding for work item %d: %w", binding.ParentWorkItemKey, err)
	}
	s.reportFailure(&WorkletFailureError{
		ParentWorkItemKey: binding.ParentWorkItemKey,
		ChildCaseKey:      binding.ChildCaseKey,
		Conclusion:        binding.RuleConclusion,
		Reason:            reason,
	})
	return nil
}
