package petri

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pbinitiative/zenflow/pkg/petri/model"
	"github.com/pbinitiative/zenflow/pkg/petri/runtime"
)

// resolvedCardinality is the per-activation result of evaluating the
// literal-or-expression bounds against case data.
type resolvedCardinality struct {
	minimum   int
	maximum   int
	threshold int
}

func (engine *Engine) resolveCardinalities(task *model.Task, variables map[string]any) (resolvedCardinality, error) {
	mi := task.MultiInstance
	minimum, err := engine.resolveCardinality(mi.Minimum, variables)
	if err != nil {
		return resolvedCardinality{}, errors.Join(&CardinalityError{TaskId: task.Id, Msg: "minimum did not resolve"}, err)
	}
	maximum, err := engine.resolveCardinality(mi.Maximum, variables)
	if err != nil {
		return resolvedCardinality{}, errors.Join(&CardinalityError{TaskId: task.Id, Msg: "maximum did not resolve"}, err)
	}
	threshold, err := engine.resolveCardinality(mi.Threshold, variables)
	if err != nil {
		return resolvedCardinality{}, errors.Join(&CardinalityError{TaskId: task.Id, Msg: "threshold did not resolve"}, err)
	}
	rc := resolvedCardinality{minimum: minimum, maximum: maximum, threshold: threshold}

	if minimum < 1 || maximum < 1 || threshold < 1 {
		return rc, &CardinalityError{TaskId: task.Id, Msg: fmt.Sprintf("minimum=%d maximum=%d threshold=%d, all must be >= 1", minimum, maximum, threshold)}
	}
	if minimum > maximum {
		return rc, &CardinalityError{TaskId: task.Id, Msg: fmt.Sprintf("minimum=%d exceeds maximum=%d", minimum, maximum)}
	}
	if threshold > maximum {
		return rc, &CardinalityError{TaskId: task.Id, Msg: fmt.Sprintf("threshold=%d exceeds maximum=%d", threshold, maximum)}
	}
	return rc, nil
}

// createMultiInstanceActivation expands one firing into a set of work
// items: the input split expression yields the ordered input collection,
// static mode creates clamp(K, minimum, maximum) instances up front,
// dynamic mode creates minimum instances and grows through AddInstance.
func (engine *Engine) createMultiInstanceActivation(ctx context.Context, exec *execution, c *runtime.Case, task *model.Task) (runtime.Activation, []followUp, error) {
	mi := task.MultiInstance
	variables := c.VariableHolder.Variables()

	cardinality, err := engine.resolveCardinalities(task, variables)
	if err != nil {
		return runtime.Activation{}, nil, err
	}

	splitResult, err := engine.evaluateExpression(mi.InputSplitExpr, variables)
	if err != nil {
		return runtime.Activation{}, nil, err
	}
	elements, err := toList(splitResult)
	if err != nil {
		return runtime.Activation{}, nil, errors.Join(newEngineErrorf("input split expression %s of task %s did not yield a collection", mi.InputSplitExpr, task.Id), err)
	}

	if len(elements) < cardinality.minimum {
		return runtime.Activation{}, nil, &InsufficientDataError{TaskId: task.Id, Size: len(elements), Minimum: cardinality.minimum}
	}

	count := len(elements)
	if count > cardinality.maximum {
		if mi.CreationMode == model.CreationModeStatic && engine.excessPolicy == ExcessPolicyError {
			return runtime.Activation{}, nil, &CardinalityError{TaskId: task.Id,
				Msg: fmt.Sprintf("input collection holds %d elements, maximum is %d", len(elements), cardinality.maximum)}
		}
		engine.logger.Warn("multi-instance input collection exceeds maximum, dropping excess elements",
			"taskId", task.Id, "caseKey", c.Key, "size", len(elements), "maximum", cardinality.maximum)
		count = cardinality.maximum
	}
	if mi.CreationMode == model.CreationModeDynamic {
		// dynamic activations start at minimum; the rest arrive through
		// AddInstance, one input slice at a time
		count = cardinality.minimum
	}

	activation := runtime.Activation{
		Key:       engine.generateKey(),
		CaseKey:   c.Key,
		TaskId:    task.Id,
		Minimum:   cardinality.minimum,
		Maximum:   cardinality.maximum,
		Threshold: cardinality.threshold,
		Created:   count,
		State:     runtime.ActivationStateOpen,
		CreatedAt: time.Now(),
	}
	if err := exec.batch.SaveActivation(ctx, activation); err != nil {
		return runtime.Activation{}, nil, err
	}

	var followUps []followUp
	for i := 0; i < count; i++ {
		instanceVariables := map[string]any{mi.FormalInputParam: elements[i]}
		_, fus, err := engine.createWorkItem(ctx, exec, c, task, &activation, instanceVariables)
		if err != nil {
			return runtime.Activation{}, followUps, err
		}
		followUps = append(followUps, fus...)
	}
	engine.logger.Debug("multi-instance activation created", "taskId", task.Id, "caseKey", c.Key,
		"instances", count, "threshold", cardinality.threshold, "mode", mi.CreationMode)
	return activation, followUps, nil
}

// AddInstance grows a dynamic multi-instance activation by one work item
// carrying the given input slice. Fails with ActivationClosedError once
// the activation reached its threshold and with CardinalityError at the
// maximum.
func (engine *Engine) AddInstance(ctx context.Context, activationKey int64, input any) (*runtime.WorkItem, error) {
	activation, err := engine.persistence.FindActivationByKey(ctx, activationKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find activation with key: %d", activationKey), err)
	}

	engine.runningCases.lockCase(activation.CaseKey)
	exec := engine.newExecution()
	item, followUps, err := engine.addInstanceLocked(ctx, exec, activationKey, input)
	if err == nil {
		err = exec.batch.Flush(ctx)
	}
	engine.runningCases.unlockCase(activation.CaseKey)
	if err != nil {
		return nil, err
	}
	engine.publishPending(exec)
	return item, engine.runFollowUps(ctx, followUps)
}

func (engine *Engine) addInstanceLocked(ctx context.Context, exec *execution, activationKey int64, input any) (*runtime.WorkItem, []followUp, error) {
	activation, err := engine.persistence.FindActivationByKey(ctx, activationKey)
	if err != nil {
		return nil, nil, errors.Join(newEngineErrorf("failed to find activation with key: %d", activationKey), err)
	}
	if activation.State == runtime.ActivationStateClosed {
		return nil, nil, &ActivationClosedError{ActivationKey: activationKey}
	}
	c, err := engine.persistence.FindCaseByKey(ctx, activation.CaseKey)
	if err != nil {
		return nil, nil, errors.Join(newEngineErrorf("failed to find case with key: %d", activation.CaseKey), err)
	}
	task := c.Net().TaskById(activation.TaskId)
	if task == nil {
		return nil, nil, newEngineErrorf("net %s has no task %s", c.NetId, activation.TaskId)
	}
	mi := task.MultiInstance
	if mi == nil || mi.CreationMode != model.CreationModeDynamic {
		return nil, nil, newEngineErrorf("task %s does not accept dynamic instances", activation.TaskId)
	}
	if activation.Created >= activation.Maximum {
		return nil, nil, &CardinalityError{TaskId: task.Id,
			Msg: fmt.Sprintf("activation %d already holds maximum=%d instances", activationKey, activation.Maximum)}
	}

	activation.Created++
	if err := exec.batch.SaveActivation(ctx, activation); err != nil {
		return nil, nil, err
	}

	item, followUps, err := engine.createWorkItem(ctx, exec, &c, task, &activation, map[string]any{mi.FormalInputParam: input})
	if err != nil {
		return nil, nil, err
	}
	return &item, followUps, nil
}
