package petri

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pbinitiative/zenflow/internal/appcontext"
	"github.com/pbinitiative/zenflow/pkg/eventbus"
	"github.com/pbinitiative/zenflow/pkg/petri/model"
	"github.com/pbinitiative/zenflow/pkg/petri/runtime"
	"github.com/pbinitiative/zenflow/pkg/script"
	"github.com/pbinitiative/zenflow/pkg/script/feel"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

// ExcessPolicy decides what happens when a static multi-instance input
// collection holds more elements than the resolved maximum.
type ExcessPolicy string

const (
	// ExcessPolicyWarn distributes the first maximum elements and drops
	// the rest with a logged warning.
	ExcessPolicyWarn ExcessPolicy = "warn"
	// ExcessPolicyError rejects the firing with a CardinalityError.
	ExcessPolicyError ExcessPolicy = "error"
)

// CaseCompleteCallback is invoked after a case completes, with the case's
// final data document.
type CaseCompleteCallback func(caseKey int64, outputData map[string]any)

const specCacheSize = 32

type Engine struct {
	name         string
	snowflake    *snowflake.Node
	persistence  storage.Storage
	bus          *eventbus.Bus
	evaluator    script.Evaluator
	logger       hclog.Logger
	excessPolicy ExcessPolicy
	specCache    *lru.Cache[string, model.Specification]
	runningCases *runningCasesCache
	metrics      *engineMetrics

	callbackMu sync.RWMutex
	onComplete []CaseCompleteCallback
}

type EngineOption = func(*Engine)

// NewEngine creates a new instance of the workflow engine;
func NewEngine(options ...EngineOption) Engine {
	name := fmt.Sprintf("Petri-Engine-%d", getGlobalSnowflakeIdGenerator().Generate().Int64())
	cache, _ := lru.New[string, model.Specification](specCacheSize)
	engine := Engine{
		name:         name,
		snowflake:    getGlobalSnowflakeIdGenerator(),
		evaluator:    feel.NewRuntime(),
		logger:       hclog.Default().Named("petri-engine"),
		excessPolicy: ExcessPolicyWarn,
		specCache:    cache,
		runningCases: newRunningCasesCache(),
		metrics:      newEngineMetrics(),
		persistence:  nil,
	}

	for _, option := range options {
		option(&engine)
	}

	return engine
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func EngineWithEventBus(bus *eventbus.Bus) EngineOption {
	return func(engine *Engine) {
		engine.bus = bus
	}
}

func EngineWithScriptRuntime(evaluator script.Evaluator) EngineOption {
	return func(engine *Engine) {
		engine.evaluator = evaluator
	}
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

func EngineWithExcessPolicy(policy ExcessPolicy) EngineOption {
	return func(engine *Engine) {
		engine.excessPolicy = policy
	}
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

// Name returns the name of the engine, only useful in case you control multiple ones
func (engine *Engine) Name() string {
	return engine.name
}

// OnCaseComplete registers a case lifecycle callback. The worklet service
// and external case-tracking layers register here; callbacks run outside
// the case's exclusive section.
func (engine *Engine) OnCaseComplete(fn CaseCompleteCallback) {
	engine.callbackMu.Lock()
	defer engine.callbackMu.Unlock()
	engine.onComplete = append(engine.onComplete, fn)
}

func (engine *Engine) notifyCaseComplete(caseKey int64, outputData map[string]any) {
	engine.callbackMu.RLock()
	callbacks := make([]CaseCompleteCallback, len(engine.onComplete))
	copy(callbacks, engine.onComplete)
	engine.callbackMu.RUnlock()
	for _, fn := range callbacks {
		fn(caseKey, outputData)
	}
}

// AddSpecification registers a specification under the next version for
// its id and returns the stored copy with Key and Version assigned.
func (engine *Engine) AddSpecification(ctx context.Context, specification model.Specification) (model.Specification, error) {
	if specification.RootNet() == nil {
		return model.Specification{}, newEngineErrorf("specification %s names no root net", specification.Id)
	}
	existing, err := engine.persistence.FindSpecificationsById(ctx, specification.Id)
	if err != nil {
		return model.Specification{}, errors.Join(newEngineErrorf("failed to look up prior versions of specification %s", specification.Id), err)
	}
	specification.Version = 1
	if len(existing) > 0 {
		specification.Version = existing[len(existing)-1].Version + 1
	}
	specification.Key = engine.generateKey()
	if err := engine.persistence.SaveSpecification(ctx, specification); err != nil {
		return model.Specification{}, errors.Join(newEngineErrorf("failed to save specification %s", specification.Id), err)
	}
	engine.specCache.Remove(specification.Id)
	return specification, nil
}

// FindLatestSpecificationById returns the latest registered version,
// served from a bounded cache of hot definitions.
func (engine *Engine) FindLatestSpecificationById(ctx context.Context, specificationId string) (model.Specification, error) {
	if spec, ok := engine.specCache.Get(specificationId); ok {
		return spec, nil
	}
	spec, err := engine.persistence.FindLatestSpecificationById(ctx, specificationId)
	if err != nil {
		return model.Specification{}, err
	}
	engine.specCache.Add(specificationId, spec)
	return spec, nil
}

// CreateCaseById creates a new case for the latest version of the
// specification with the given id, seeding the root net's input place.
// Might return EngineError, when no specification with the given id was found
func (engine *Engine) CreateCaseById(ctx context.Context, specificationId string, variableContext map[string]any) (*runtime.Case, error) {
	spec, err := engine.FindLatestSpecificationById(ctx, specificationId)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("no specification with id=%s was found (prior loaded into the engine)", specificationId), err)
	}
	return engine.createCase(ctx, spec, spec.RootNetId, 0, variableContext)
}

// CreateAndRunCaseById creates a new case and advances it immediately,
// firing every enabled task until the case waits on external completions.
func (engine *Engine) CreateAndRunCaseById(ctx context.Context, specificationId string, variableContext map[string]any) (*runtime.Case, error) {
	c, err := engine.CreateCaseById(ctx, specificationId, variableContext)
	if err != nil {
		return nil, err
	}
	if err := engine.RunCase(ctx, c.Key); err != nil {
		return nil, errors.Join(newEngineErrorf("failed to run case %d", c.Key), err)
	}
	refreshed, err := engine.persistence.FindCaseByKey(ctx, c.Key)
	if err != nil {
		return nil, err
	}
	return &refreshed, nil
}

// CreateSubCaseById creates a case for another specification on behalf of
// a suspended parent work item, without advancing it. The worklet service
// records the binding first and then calls RunCase, so a sub-case that
// completes immediately cannot outrun its own binding.
func (engine *Engine) CreateSubCaseById(ctx context.Context, specificationId string, parentWorkItemKey int64, variableContext map[string]any) (*runtime.Case, error) {
	spec, err := engine.FindLatestSpecificationById(ctx, specificationId)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("no specification with id=%s was found (prior loaded into the engine)", specificationId), err)
	}
	return engine.createCase(ctx, spec, spec.RootNetId, parentWorkItemKey, variableContext)
}

func (engine *Engine) createCase(ctx context.Context, spec model.Specification, netId string, parentWorkItemKey int64, variableContext map[string]any) (*runtime.Case, error) {
	c := runtime.Case{
		Key:               engine.generateKey(),
		Specification:     &spec,
		NetId:             netId,
		VariableHolder:    runtime.NewVariableHolder(nil, variableContext),
		State:             runtime.CaseStateActive,
		CreatedAt:         time.Now(),
		ParentWorkItemKey: parentWorkItemKey,
	}
	net := c.Net()
	if net == nil {
		return nil, newEngineErrorf("specification %s has no net %s", spec.Id, netId)
	}
	if err := engine.persistence.SaveCase(ctx, c); err != nil {
		return nil, err
	}
	if err := engine.persistence.ProduceToken(ctx, c.Key, net.InputPlaceId, 1); err != nil {
		return nil, err
	}
	engine.metrics.caseStarted(ctx)
	exec := &execution{}
	engine.publishCaseEvent(exec, eventbus.CaseStarted, &c)
	engine.publishPending(exec)
	return &c, nil
}

// FindCase searches for a given case key
func (engine *Engine) FindCase(ctx context.Context, caseKey int64) (runtime.Case, error) {
	return engine.persistence.FindCaseByKey(ctx, caseKey)
}

// RunCase advances a case: every enabled task is fired until the case
// only waits on external completions; a marked output place with no
// remaining work completes the case.
func (engine *Engine) RunCase(ctx context.Context, caseKey int64) error {
	executionKey := engine.snowflake.Generate().Int64()
	ctx = context.WithValue(ctx, appcontext.ExecutionKey, executionKey)

	engine.runningCases.lockCase(caseKey)
	exec := engine.newExecution()
	followUps, err := engine.advanceCase(ctx, exec, caseKey)
	if err == nil {
		err = exec.batch.Flush(ctx)
	}
	engine.runningCases.unlockCase(caseKey)
	if err != nil {
		return err
	}
	engine.publishPending(exec)
	return engine.runFollowUps(ctx, followUps)
}

// followUp is work that must run outside the owning case's exclusive
// section, such as launching a sub-case or resuming a parent case.
type followUp func(ctx context.Context) error

func (engine *Engine) runFollowUps(ctx context.Context, followUps []followUp) error {
	var errs []error
	for _, fu := range followUps {
		if err := fu(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// advanceCase runs under the case's exclusive section.
func (engine *Engine) advanceCase(ctx context.Context, exec *execution, caseKey int64) ([]followUp, error) {
	c, err := engine.persistence.FindCaseByKey(ctx, caseKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find case with key: %d", caseKey), err)
	}
	if c.State != runtime.CaseStateActive {
		return nil, nil
	}
	return engine.advance(ctx, exec, &c)
}

func (engine *Engine) advance(ctx context.Context, exec *execution, c *runtime.Case) ([]followUp, error) {
	net := c.Net()
	var followUps []followUp

	for {
		marking, err := engine.persistence.MarkingSnapshot(ctx, c.Key)
		if err != nil {
			return followUps, err
		}
		fired := false
		for i := range net.Tasks {
			task := &net.Tasks[i]
			if !taskEnabled(marking, task) {
				continue
			}
			_, fus, err := engine.fireEnabledTask(ctx, exec, c, task)
			if err != nil {
				// written directly: a failed pass never flushes its batch
				c.State = runtime.CaseStateFailed
				if saveErr := engine.persistence.SaveCase(ctx, *c); saveErr != nil {
					err = errors.Join(err, saveErr)
				}
				return followUps, errors.Join(newEngineErrorf("failed to fire task %s in case %d", task.Id, c.Key), err)
			}
			followUps = append(followUps, fus...)
			fired = true
			break
		}
		if !fired {
			break
		}
	}

	fus, err := engine.checkCaseCompletion(ctx, exec, c)
	if err != nil {
		return followUps, err
	}
	followUps = append(followUps, fus...)

	if err := exec.batch.SaveCase(ctx, *c); err != nil {
		return followUps, errors.Join(newEngineErrorf("failed to add save case %d into batch", c.Key), err)
	}
	return followUps, nil
}

// checkCaseCompletion completes the case when the net's output place is
// marked and no work item remains open.
func (engine *Engine) checkCaseCompletion(ctx context.Context, exec *execution, c *runtime.Case) ([]followUp, error) {
	if c.State != runtime.CaseStateActive {
		return nil, nil
	}
	// work item states written earlier in this pass decide completion, so
	// they must be visible before the open-items query
	if err := exec.batch.Flush(ctx); err != nil {
		return nil, err
	}
	net := c.Net()
	marking, err := engine.persistence.MarkingSnapshot(ctx, c.Key)
	if err != nil {
		return nil, err
	}
	if marking.Tokens(net.OutputPlaceId) < 1 {
		return nil, nil
	}
	open, err := engine.persistence.FindCaseWorkItems(ctx, c.Key, runtime.WorkItemStateEnabled, runtime.WorkItemStateExecuting)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		return nil, nil
	}
	return engine.completeCase(ctx, exec, c)
}

func (engine *Engine) completeCase(ctx context.Context, exec *execution, c *runtime.Case) ([]followUp, error) {
	c.State = runtime.CaseStateCompleted
	// callbacks and the composite resumption run outside the case lock
	outputData := c.VariableHolder.Snapshot()
	engine.metrics.caseCompleted(ctx)
	engine.publishCaseEvent(exec, eventbus.CaseCompleted, c)
	executionKey, _ := appcontext.GetExecutionContext(ctx)
	engine.logger.Debug("case completed", "caseKey", c.Key, "specification", c.Specification.Id, "executionKey", executionKey)

	caseKey := c.Key
	parentItemKey := c.ParentWorkItemKey
	fu := func(ctx context.Context) error {
		engine.notifyCaseComplete(caseKey, outputData)
		if parentItemKey == 0 {
			return nil
		}
		return engine.resumeCompositeParent(ctx, parentItemKey, outputData)
	}
	return []followUp{fu}, nil
}

// resumeCompositeParent completes the parent work item of a finished
// composite sub-case. Worklet sub-cases are resumed by the worklet
// service instead, through the CaseCompleted event and the binding table.
func (engine *Engine) resumeCompositeParent(ctx context.Context, parentWorkItemKey int64, outputData map[string]any) error {
	item, err := engine.persistence.FindWorkItemByKey(ctx, parentWorkItemKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find parent work item %d", parentWorkItemKey), err)
	}
	parentCase, err := engine.persistence.FindCaseByKey(ctx, item.CaseKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find parent case %d", item.CaseKey), err)
	}
	task := parentCase.Net().TaskById(item.TaskId)
	if task == nil || !task.IsComposite() {
		// a worklet parent; the worklet service owns its resumption
		return nil
	}
	return engine.CompleteWorkItem(ctx, parentWorkItemKey, outputData)
}

// cancelCompositeParent cancels the parent work item of a cancelled
// composite sub-case. Worklet parents are cancelled by the worklet
// service instead, through the CaseCancelled event and the binding table.
func (engine *Engine) cancelCompositeParent(ctx context.Context, parentWorkItemKey int64) error {
	item, err := engine.persistence.FindWorkItemByKey(ctx, parentWorkItemKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find parent work item %d", parentWorkItemKey), err)
	}
	parentCase, err := engine.persistence.FindCaseByKey(ctx, item.CaseKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find parent case %d", item.CaseKey), err)
	}
	task := parentCase.Net().TaskById(item.TaskId)
	if task == nil || !task.IsComposite() {
		return nil
	}
	return engine.CancelWorkItem(ctx, parentWorkItemKey)
}

// CancelCase cancels a case administratively: every open work item is
// cancelled exactly once, open activations are closed, and running
// sub-cases are cancelled in turn. Cancelling a terminal case is a no-op.
func (engine *Engine) CancelCase(ctx context.Context, caseKey int64) error {
	engine.runningCases.lockCase(caseKey)
	exec := engine.newExecution()
	followUps, err := engine.cancelCaseLocked(ctx, exec, caseKey)
	if err == nil {
		err = exec.batch.Flush(ctx)
	}
	engine.runningCases.unlockCase(caseKey)
	if err != nil {
		return err
	}
	engine.publishPending(exec)
	return engine.runFollowUps(ctx, followUps)
}

func (engine *Engine) cancelCaseLocked(ctx context.Context, exec *execution, caseKey int64) ([]followUp, error) {
	c, err := engine.persistence.FindCaseByKey(ctx, caseKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find case with key: %d", caseKey), err)
	}
	if c.State != runtime.CaseStateActive {
		return nil, nil
	}

	open, err := engine.persistence.FindCaseWorkItems(ctx, c.Key, runtime.WorkItemStateEnabled, runtime.WorkItemStateExecuting)
	if err != nil {
		return nil, err
	}
	var followUps []followUp
	closedActivations := map[int64]bool{}
	for _, item := range open {
		item.State = runtime.WorkItemStateCancelled
		if err := exec.batch.SaveWorkItem(ctx, item); err != nil {
			return followUps, err
		}
		engine.metrics.workItemTransition(ctx, runtime.WorkItemStateCancelled)
		engine.publishItemEvent(exec, eventbus.ItemCancelled, &c, &item)

		if !closedActivations[item.ActivationKey] {
			closedActivations[item.ActivationKey] = true
			activation, err := engine.persistence.FindActivationByKey(ctx, item.ActivationKey)
			if err != nil {
				return followUps, err
			}
			if activation.State == runtime.ActivationStateOpen {
				activation.State = runtime.ActivationStateClosed
				if err := exec.batch.SaveActivation(ctx, activation); err != nil {
					return followUps, err
				}
			}
		}

		subCases, err := engine.persistence.FindSubCases(ctx, item.Key)
		if err != nil {
			return followUps, err
		}
		for _, sub := range subCases {
			subKey := sub.Key
			followUps = append(followUps, func(ctx context.Context) error {
				return engine.CancelCase(ctx, subKey)
			})
		}
	}

	c.State = runtime.CaseStateCancelled
	if err := exec.batch.SaveCase(ctx, c); err != nil {
		return followUps, err
	}
	engine.metrics.caseCancelled(ctx)
	engine.publishCaseEvent(exec, eventbus.CaseCancelled, &c)
	engine.logger.Info("case cancelled", "caseKey", c.Key, "openItems", len(open))

	if c.ParentWorkItemKey != 0 {
		parentKey := c.ParentWorkItemKey
		followUps = append(followUps, func(ctx context.Context) error {
			return engine.cancelCompositeParent(ctx, parentKey)
		})
	}
	return followUps, nil
}
