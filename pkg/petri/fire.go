package petri

import (
	"context"
	"errors"
	"time"

	"github.com/pbinitiative/zenflow/pkg/eventbus"
	"github.com/pbinitiative/zenflow/pkg/petri/model"
	"github.com/pbinitiative/zenflow/pkg/petri/runtime"
)

// FireTask fires a task explicitly and returns the activation key of the
// created work. Fails with NotEnabledError when the task's preset does
// not hold the required tokens.
func (engine *Engine) FireTask(ctx context.Context, caseKey int64, taskId string) (int64, error) {
	engine.runningCases.lockCase(caseKey)
	exec := engine.newExecution()
	activationKey, followUps, err := engine.fireTaskLocked(ctx, exec, caseKey, taskId)
	if err == nil {
		err = exec.batch.Flush(ctx)
	}
	engine.runningCases.unlockCase(caseKey)
	if err != nil {
		return 0, err
	}
	engine.publishPending(exec)
	return activationKey, engine.runFollowUps(ctx, followUps)
}

func (engine *Engine) fireTaskLocked(ctx context.Context, exec *execution, caseKey int64, taskId string) (int64, []followUp, error) {
	c, err := engine.persistence.FindCaseByKey(ctx, caseKey)
	if err != nil {
		return 0, nil, errors.Join(newEngineErrorf("failed to find case with key: %d", caseKey), err)
	}
	if c.State != runtime.CaseStateActive {
		return 0, nil, newEngineErrorf("case %d is not active", caseKey)
	}
	task := c.Net().TaskById(taskId)
	if task == nil {
		return 0, nil, newEngineErrorf("net %s has no task %s", c.NetId, taskId)
	}
	marking, err := engine.persistence.MarkingSnapshot(ctx, c.Key)
	if err != nil {
		return 0, nil, err
	}
	if !taskEnabled(marking, task) {
		return 0, nil, &NotEnabledError{CaseKey: caseKey, TaskId: taskId}
	}
	activation, followUps, err := engine.fireEnabledTask(ctx, exec, &c, task)
	if err != nil {
		return 0, followUps, err
	}
	return activation.Key, followUps, nil
}

// taskEnabled reports whether the task's preset holds the tokens its join
// type requires: AND needs every preset place marked, XOR and OR need at
// least one.
func taskEnabled(marking runtime.Marking, task *model.Task) bool {
	if len(task.Preset) == 0 {
		return false
	}
	switch task.Join {
	case model.JoinAnd:
		for _, placeId := range task.Preset {
			if marking.Tokens(placeId) < 1 {
				return false
			}
		}
		return true
	default: // XOR and OR joins fire on any marked preset place
		for _, placeId := range task.Preset {
			if marking.Tokens(placeId) >= 1 {
				return true
			}
		}
		return false
	}
}

// fireEnabledTask consumes the input tokens and creates the activation
// plus its work items. The caller has verified enablement under the
// case's exclusive section.
func (engine *Engine) fireEnabledTask(ctx context.Context, exec *execution, c *runtime.Case, task *model.Task) (runtime.Activation, []followUp, error) {
	if err := engine.consumeInputTokens(ctx, c, task); err != nil {
		return runtime.Activation{}, nil, err
	}

	if task.IsMultiInstance() {
		return engine.createMultiInstanceActivation(ctx, exec, c, task)
	}
	return engine.createSingleActivation(ctx, exec, c, task)
}

// consumeInputTokens removes tokens per the join type: AND consumes one
// token from every preset place, XOR from the first marked place, OR from
// every marked place.
func (engine *Engine) consumeInputTokens(ctx context.Context, c *runtime.Case, task *model.Task) error {
	switch task.Join {
	case model.JoinAnd:
		for _, placeId := range task.Preset {
			ok, err := engine.persistence.ConsumeToken(ctx, c.Key, placeId, 1)
			if err != nil {
				return err
			}
			if !ok {
				return &NotEnabledError{CaseKey: c.Key, TaskId: task.Id}
			}
		}
		return nil
	case model.JoinXor:
		for _, placeId := range task.Preset {
			ok, err := engine.persistence.ConsumeToken(ctx, c.Key, placeId, 1)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
		return &NotEnabledError{CaseKey: c.Key, TaskId: task.Id}
	case model.JoinOr:
		consumed := false
		for _, placeId := range task.Preset {
			ok, err := engine.persistence.ConsumeToken(ctx, c.Key, placeId, 1)
			if err != nil {
				return err
			}
			consumed = consumed || ok
		}
		if !consumed {
			return &NotEnabledError{CaseKey: c.Key, TaskId: task.Id}
		}
		return nil
	}
	return newEngineErrorf("task %s has unknown join type %q", task.Id, task.Join)
}

// createSingleActivation creates the one-work-item activation of a
// non-multi-instance firing. Its bounds are all 1, so completion flows
// through the same threshold exit as multi-instance work.
func (engine *Engine) createSingleActivation(ctx context.Context, exec *execution, c *runtime.Case, task *model.Task) (runtime.Activation, []followUp, error) {
	activation := runtime.Activation{
		Key:       engine.generateKey(),
		CaseKey:   c.Key,
		TaskId:    task.Id,
		Minimum:   1,
		Maximum:   1,
		Threshold: 1,
		Created:   1,
		State:     runtime.ActivationStateOpen,
		CreatedAt: time.Now(),
	}
	if err := exec.batch.SaveActivation(ctx, activation); err != nil {
		return runtime.Activation{}, nil, err
	}
	_, followUps, err := engine.createWorkItem(ctx, exec, c, task, &activation, nil)
	if err != nil {
		return runtime.Activation{}, nil, err
	}
	return activation, followUps, nil
}

// createWorkItem creates one work item under an activation. Composite
// tasks start Executing and launch their sub-case once the case's
// exclusive section is released; atomic tasks start Enabled and wait for
// an external completion.
func (engine *Engine) createWorkItem(ctx context.Context, exec *execution, c *runtime.Case, task *model.Task, activation *runtime.Activation, variables map[string]any) (runtime.WorkItem, []followUp, error) {
	item := runtime.WorkItem{
		Key:           engine.generateKey(),
		CaseKey:       c.Key,
		TaskId:        task.Id,
		ActivationKey: activation.Key,
		State:         runtime.WorkItemStateEnabled,
		Variables:     variables,
		CreatedAt:     time.Now(),
	}
	if task.IsComposite() {
		item.State = runtime.WorkItemStateExecuting
	}
	if err := exec.batch.SaveWorkItem(ctx, item); err != nil {
		return runtime.WorkItem{}, nil, err
	}
	engine.metrics.workItemTransition(ctx, item.State)

	if task.IsComposite() {
		engine.publishItemEvent(exec, eventbus.ItemExecuting, c, &item)
		inputs := subCaseInputs(c, task, item.Variables)
		spec := *c.Specification
		subNetId := task.SubNetId
		itemKey := item.Key
		launch := func(ctx context.Context) error {
			sub, err := engine.createCase(ctx, spec, subNetId, itemKey, inputs)
			if err != nil {
				return errors.Join(newEngineErrorf("failed to launch sub-case for task %s", task.Id), err)
			}
			return engine.RunCase(ctx, sub.Key)
		}
		return item, []followUp{launch}, nil
	}

	engine.publishItemEvent(exec, eventbus.ItemEnabled, c, &item)
	return item, nil, nil
}

// subCaseInputs builds the data document for a sub-case: the task's
// declared input variables from the parent scope plus the work item's own
// slice, never the full parent context.
func subCaseInputs(c *runtime.Case, task *model.Task, itemVariables map[string]any) map[string]any {
	inputs := make(map[string]any, len(task.InputVars)+len(itemVariables))
	for _, name := range task.InputVars {
		if v := c.GetVariable(name); v != nil {
			inputs[name] = v
		}
	}
	for k, v := range itemVariables {
		inputs[k] = v
	}
	return inputs
}
