package petri

import (
	"context"
	"errors"
	"sort"

	"github.com/pbinitiative/zenflow/pkg/eventbus"
	"github.com/pbinitiative/zenflow/pkg/petri/model"
	"github.com/pbinitiative/zenflow/pkg/petri/runtime"
)

// CompleteWorkItem marks a work item Complete with the handler's output
// data. For non-multi-instance work the output tokens are produced
// immediately; multi-instance work delegates to the activation's
// threshold exit. Terminal items fail with CompleteError.
func (engine *Engine) CompleteWorkItem(ctx context.Context, workItemKey int64, output map[string]any) error {
	item, err := engine.persistence.FindWorkItemByKey(ctx, workItemKey)
	if err != nil {
		return errors.Join(&CompleteError{WorkItemKey: workItemKey, Msg: "work item not found"}, err)
	}

	engine.runningCases.lockCase(item.CaseKey)
	exec := engine.newExecution()
	followUps, err := engine.completeWorkItemLocked(ctx, exec, workItemKey, output)
	if err == nil {
		err = exec.batch.Flush(ctx)
	}
	engine.runningCases.unlockCase(item.CaseKey)
	if err != nil {
		return err
	}
	engine.publishPending(exec)
	return engine.runFollowUps(ctx, followUps)
}

func (engine *Engine) completeWorkItemLocked(ctx context.Context, exec *execution, workItemKey int64, output map[string]any) ([]followUp, error) {
	// reload under the case's exclusive section; a sibling completion may
	// have cancelled the item since the caller looked it up
	item, err := engine.persistence.FindWorkItemByKey(ctx, workItemKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find work item with key: %d", workItemKey), err)
	}
	if item.State.IsTerminal() {
		return nil, &CompleteError{WorkItemKey: workItemKey, Msg: "state is " + string(item.State)}
	}
	c, err := engine.persistence.FindCaseByKey(ctx, item.CaseKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find case with key: %d", item.CaseKey), err)
	}
	task := c.Net().TaskById(item.TaskId)
	if task == nil {
		return nil, newEngineErrorf("net %s has no task %s", c.NetId, item.TaskId)
	}
	activation, err := engine.persistence.FindActivationByKey(ctx, item.ActivationKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find activation with key: %d", item.ActivationKey), err)
	}
	if activation.State == runtime.ActivationStateClosed {
		return nil, &ActivationClosedError{ActivationKey: activation.Key}
	}

	item.State = runtime.WorkItemStateComplete
	if err := exec.batch.SaveWorkItem(ctx, item); err != nil {
		return nil, err
	}
	engine.metrics.workItemTransition(ctx, runtime.WorkItemStateComplete)
	engine.publishItemEvent(exec, eventbus.ItemCompleted, &c, &item)

	activation.Completed++
	activation.Outputs = append(activation.Outputs, extractInstanceOutput(task, output))

	if activation.Completed < activation.Threshold {
		siblings, err := engine.persistence.FindActivationWorkItems(ctx, activation.Key)
		if err != nil {
			return nil, err
		}
		for _, sibling := range siblings {
			if sibling.Key != item.Key && !sibling.State.IsTerminal() {
				return nil, exec.batch.SaveActivation(ctx, activation)
			}
		}
		// every instance is terminal and a fully terminal activation can
		// never grow: the task exits with the outputs collected so far
		engine.logger.Warn("activation exiting below threshold, every instance finished",
			"activationKey", activation.Key, "caseKey", c.Key, "taskId", item.TaskId,
			"completed", activation.Completed, "threshold", activation.Threshold)
	}

	// activation exit: one atomic step under the case's exclusive section,
	// so concurrent sibling completions cannot double-fire it
	activation.State = runtime.ActivationStateClosed
	if err := exec.batch.SaveActivation(ctx, activation); err != nil {
		return nil, err
	}
	if err := engine.cancelSiblings(ctx, exec, &c, &activation, item.Key); err != nil {
		return nil, err
	}
	if err := engine.writeTaskOutput(&c, task, &activation, output); err != nil {
		return nil, err
	}
	if err := engine.produceOutputTokens(ctx, &c, task); err != nil {
		return nil, err
	}
	return engine.advance(ctx, exec, &c)
}

// extractInstanceOutput picks the value collected into the activation's
// output list for one completed instance.
func extractInstanceOutput(task *model.Task, output map[string]any) any {
	mi := task.MultiInstance
	if mi == nil || mi.FormalOutputParam == "" {
		return output
	}
	return output[mi.FormalOutputParam]
}

// writeTaskOutput writes the completed activation's result into the case
// data document: non-multi-instance outputs merge directly, multi-instance
// outputs are aggregated through outputJoinExpr into outputTargetVar.
func (engine *Engine) writeTaskOutput(c *runtime.Case, task *model.Task, activation *runtime.Activation, lastOutput map[string]any) error {
	mi := task.MultiInstance
	if mi == nil {
		c.VariableHolder.SetVariables(lastOutput)
		return nil
	}

	var aggregate any = activation.Outputs
	if mi.OutputJoinExpr != "" {
		scope := make(map[string]any, len(c.VariableHolder.Variables())+1)
		for k, v := range c.VariableHolder.Variables() {
			scope[k] = v
		}
		scope["instances"] = activation.Outputs
		res, err := engine.evaluateExpression(mi.OutputJoinExpr, scope)
		if err != nil {
			return err
		}
		aggregate = res
	}
	if mi.OutputTargetVar != "" {
		c.SetVariable(mi.OutputTargetVar, aggregate)
	}
	return nil
}

// cancelSiblings cancels the activation's remaining open work items after
// the threshold exit.
func (engine *Engine) cancelSiblings(ctx context.Context, exec *execution, c *runtime.Case, activation *runtime.Activation, completedItemKey int64) error {
	siblings, err := engine.persistence.FindActivationWorkItems(ctx, activation.Key)
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if sibling.Key == completedItemKey || sibling.State.IsTerminal() {
			continue
		}
		sibling.State = runtime.WorkItemStateCancelled
		if err := exec.batch.SaveWorkItem(ctx, sibling); err != nil {
			return err
		}
		engine.metrics.workItemTransition(ctx, runtime.WorkItemStateCancelled)
		engine.publishItemEvent(exec, eventbus.ItemCancelled, c, &sibling)
	}
	return nil
}

// produceOutputTokens applies the task's split policy: AND produces into
// every flow, XOR into the first flow whose predicate holds (or the
// default flow), OR into every flow whose predicate holds (or the default
// flow when none does). All-false guards with no default flow are a
// PredicateError; so is a guard that fails to evaluate.
func (engine *Engine) produceOutputTokens(ctx context.Context, c *runtime.Case, task *model.Task) error {
	flows := orderedFlows(task)
	variables := c.VariableHolder.Variables()

	switch task.Split {
	case model.SplitAnd:
		for _, flow := range flows {
			if err := engine.persistence.ProduceToken(ctx, c.Key, flow.TargetPlaceId, 1); err != nil {
				return err
			}
		}
		return nil

	case model.SplitXor:
		for _, flow := range flows {
			if flow.IsDefault {
				continue
			}
			ok, err := engine.guardHolds(task, flow, variables)
			if err != nil {
				return err
			}
			if ok {
				return engine.persistence.ProduceToken(ctx, c.Key, flow.TargetPlaceId, 1)
			}
		}
		if def := task.DefaultFlow(); def != nil {
			return engine.persistence.ProduceToken(ctx, c.Key, def.TargetPlaceId, 1)
		}
		return &PredicateError{TaskId: task.Id}

	case model.SplitOr:
		produced := false
		for _, flow := range flows {
			if flow.IsDefault {
				continue
			}
			ok, err := engine.guardHolds(task, flow, variables)
			if err != nil {
				return err
			}
			if ok {
				if err := engine.persistence.ProduceToken(ctx, c.Key, flow.TargetPlaceId, 1); err != nil {
					return err
				}
				produced = true
			}
		}
		if produced {
			return nil
		}
		if def := task.DefaultFlow(); def != nil {
			return engine.persistence.ProduceToken(ctx, c.Key, def.TargetPlaceId, 1)
		}
		return &PredicateError{TaskId: task.Id}
	}
	return newEngineErrorf("task %s has unknown split type %q", task.Id, task.Split)
}

// guardHolds treats an empty predicate as unconditional.
func (engine *Engine) guardHolds(task *model.Task, flow model.Flow, variables map[string]any) (bool, error) {
	if flow.Predicate == "" {
		return true, nil
	}
	return engine.evaluateGuard(task, flow.Predicate, variables)
}

func orderedFlows(task *model.Task) []model.Flow {
	flows := make([]model.Flow, len(task.Flows))
	copy(flows, task.Flows)
	sort.SliceStable(flows, func(i, j int) bool {
		return flows[i].Order < flows[j].Order
	})
	return flows
}

// CancelWorkItem forces a work item to Cancelled. Cancelling an already
// terminal item is a no-op, not an error.
func (engine *Engine) CancelWorkItem(ctx context.Context, workItemKey int64) error {
	item, err := engine.persistence.FindWorkItemByKey(ctx, workItemKey)
	if err != nil {
		return errors.Join(&CancelError{WorkItemKey: workItemKey, Msg: "work item not found"}, err)
	}

	engine.runningCases.lockCase(item.CaseKey)
	exec := engine.newExecution()
	followUps, err := engine.cancelWorkItemLocked(ctx, exec, workItemKey)
	if err == nil {
		err = exec.batch.Flush(ctx)
	}
	engine.runningCases.unlockCase(item.CaseKey)
	if err != nil {
		return err
	}
	engine.publishPending(exec)
	return engine.runFollowUps(ctx, followUps)
}

func (engine *Engine) cancelWorkItemLocked(ctx context.Context, exec *execution, workItemKey int64) ([]followUp, error) {
	item, err := engine.persistence.FindWorkItemByKey(ctx, workItemKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find work item with key: %d", workItemKey), err)
	}
	if item.State.IsTerminal() {
		return nil, nil
	}
	c, err := engine.persistence.FindCaseByKey(ctx, item.CaseKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find case with key: %d", item.CaseKey), err)
	}

	item.State = runtime.WorkItemStateCancelled
	if err := exec.batch.SaveWorkItem(ctx, item); err != nil {
		return nil, err
	}
	engine.metrics.workItemTransition(ctx, runtime.WorkItemStateCancelled)
	engine.publishItemEvent(exec, eventbus.ItemCancelled, &c, &item)

	var followUps []followUp
	subCases, err := engine.persistence.FindSubCases(ctx, item.Key)
	if err != nil {
		return nil, err
	}
	for _, sub := range subCases {
		subKey := sub.Key
		followUps = append(followUps, func(ctx context.Context) error {
			return engine.CancelCase(ctx, subKey)
		})
	}

	activation, err := engine.persistence.FindActivationByKey(ctx, item.ActivationKey)
	if err != nil {
		return followUps, errors.Join(newEngineErrorf("failed to find activation with key: %d", item.ActivationKey), err)
	}
	if activation.State == runtime.ActivationStateClosed {
		return followUps, nil
	}
	siblings, err := engine.persistence.FindActivationWorkItems(ctx, activation.Key)
	if err != nil {
		return followUps, err
	}
	for _, sibling := range siblings {
		if sibling.Key != item.Key && !sibling.State.IsTerminal() {
			return followUps, nil
		}
	}
	// every instance is terminal and the threshold was never reached: the
	// activation cannot produce its output anymore
	activation.State = runtime.ActivationStateClosed
	if err := exec.batch.SaveActivation(ctx, activation); err != nil {
		return followUps, err
	}
	engine.logger.Warn("activation closed below threshold, no output token produced",
		"activationKey", activation.Key, "caseKey", c.Key, "taskId", item.TaskId,
		"completed", activation.Completed, "threshold", activation.Threshold)
	return followUps, nil
}

// StartWorkItem moves an Enabled work item to Executing: an external
// handler (or the worklet service) has picked it up. No state re-enters
// Enabled.
func (engine *Engine) StartWorkItem(ctx context.Context, workItemKey int64) error {
	item, err := engine.persistence.FindWorkItemByKey(ctx, workItemKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find work item with key: %d", workItemKey), err)
	}

	caseKey := item.CaseKey
	engine.runningCases.lockCase(caseKey)
	exec := &execution{}
	err = engine.startWorkItemLocked(ctx, exec, workItemKey)
	engine.runningCases.unlockCase(caseKey)
	if err != nil {
		return err
	}
	engine.publishPending(exec)
	return nil
}

func (engine *Engine) startWorkItemLocked(ctx context.Context, exec *execution, workItemKey int64) error {
	item, err := engine.persistence.FindWorkItemByKey(ctx, workItemKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find work item with key: %d", workItemKey), err)
	}
	if item.State != runtime.WorkItemStateEnabled {
		return newEngineErrorf("work item %d is %s, only Enabled items can start", workItemKey, item.State)
	}
	c, err := engine.persistence.FindCaseByKey(ctx, item.CaseKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find case with key: %d", item.CaseKey), err)
	}

	item.State = runtime.WorkItemStateExecuting
	if err := engine.persistence.SaveWorkItem(ctx, item); err != nil {
		return err
	}
	engine.metrics.workItemTransition(ctx, runtime.WorkItemStateExecuting)
	engine.publishItemEvent(exec, eventbus.ItemExecuting, &c, &item)
	return nil
}
