package inmemory

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"

	"github.com/pbinitiative/zenflow/pkg/petri/model"
	"github.com/pbinitiative/zenflow/pkg/petri/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

// Storage keeps all engine state in memory; please use NewStorage to
// create a new object of this type. A single mutex guards the maps because
// independent cases touch them concurrently.
type Storage struct {
	mu             sync.RWMutex
	Specifications map[int64]model.Specification
	Cases          map[int64]runtime.Case
	Markings       map[int64]runtime.Marking
	WorkItems      map[int64]runtime.WorkItem
	Activations    map[int64]runtime.Activation
	Bindings       map[int64]runtime.WorkletBinding // keyed by parent work item
}

func NewStorage() *Storage {
	return &Storage{
		Specifications: make(map[int64]model.Specification),
		Cases:          make(map[int64]runtime.Case),
		Markings:       make(map[int64]runtime.Marking),
		WorkItems:      make(map[int64]runtime.WorkItem),
		Activations:    make(map[int64]runtime.Activation),
		Bindings:       make(map[int64]runtime.WorkletBinding),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) GenerateId() int64 {
	return rand.Int63()
}

func (mem *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        mem,
		stmtToRun: make([]func() error, 0, 10),
	}
}

var _ storage.SpecificationStorageReader = &Storage{}

func (mem *Storage) FindLatestSpecificationById(ctx context.Context, specificationId string) (model.Specification, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res model.Specification
	found := false
	for _, spec := range mem.Specifications {
		if spec.Id != specificationId {
			continue
		}
		if found && spec.Version < res.Version {
			continue
		}
		found = true
		res = spec
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindSpecificationByKey(ctx context.Context, specificationKey int64) (model.Specification, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Specifications[specificationKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindSpecificationsById(ctx context.Context, specificationId string) ([]model.Specification, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]model.Specification, 0)
	for _, spec := range mem.Specifications {
		if spec.Id != specificationId {
			continue
		}
		res = append(res, spec)
	}
	slices.SortFunc(res, func(a, b model.Specification) int {
		return int(a.Version - b.Version)
	})
	return res, nil
}

var _ storage.SpecificationStorageWriter = &Storage{}

func (mem *Storage) SaveSpecification(ctx context.Context, specification model.Specification) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Specifications[specification.Key] = specification
	return nil
}

var _ storage.CaseStorageReader = &Storage{}

func (mem *Storage) FindCaseByKey(ctx context.Context, caseKey int64) (runtime.Case, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Cases[caseKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	// callers mutate the case data under their own case lock; the stored
	// map must stay private
	res.VariableHolder = res.VariableHolder.Copy()
	return res, nil
}

func (mem *Storage) FindSubCases(ctx context.Context, parentWorkItemKey int64) ([]runtime.Case, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Case, 0)
	for _, c := range mem.Cases {
		if c.ParentWorkItemKey == parentWorkItemKey {
			c.VariableHolder = c.VariableHolder.Copy()
			res = append(res, c)
		}
	}
	return res, nil
}

var _ storage.CaseStorageWriter = &Storage{}

func (mem *Storage) SaveCase(ctx context.Context, c runtime.Case) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	c.VariableHolder = c.VariableHolder.Copy()
	mem.Cases[c.Key] = c
	return nil
}

var _ storage.MarkingStorage = &Storage{}

func (mem *Storage) ConsumeToken(ctx context.Context, caseKey int64, placeId string, n int64) (bool, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	marking, ok := mem.Markings[caseKey]
	if !ok {
		return false, nil
	}
	return marking.Consume(placeId, n), nil
}

func (mem *Storage) ProduceToken(ctx context.Context, caseKey int64, placeId string, n int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	marking, ok := mem.Markings[caseKey]
	if !ok {
		marking = runtime.NewMarking()
		mem.Markings[caseKey] = marking
	}
	marking.Produce(placeId, n)
	return nil
}

func (mem *Storage) MarkingSnapshot(ctx context.Context, caseKey int64) (runtime.Marking, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	marking, ok := mem.Markings[caseKey]
	if !ok {
		return runtime.NewMarking(), nil
	}
	return marking.Copy(), nil
}

var _ storage.WorkItemStorageReader = &Storage{}

func (mem *Storage) FindWorkItemByKey(ctx context.Context, workItemKey int64) (runtime.WorkItem, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.WorkItems[workItemKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindActivationWorkItems(ctx context.Context, activationKey int64) ([]runtime.WorkItem, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.WorkItem, 0)
	for _, item := range mem.WorkItems {
		if item.ActivationKey == activationKey {
			res = append(res, item)
		}
	}
	sortByCreation(res)
	return res, nil
}

func (mem *Storage) FindCaseWorkItems(ctx context.Context, caseKey int64, states ...runtime.WorkItemState) ([]runtime.WorkItem, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.WorkItem, 0)
	for _, item := range mem.WorkItems {
		if item.CaseKey != caseKey {
			continue
		}
		if len(states) > 0 && !slices.Contains(states, item.State) {
			continue
		}
		res = append(res, item)
	}
	sortByCreation(res)
	return res, nil
}

func sortByCreation(items []runtime.WorkItem) {
	slices.SortFunc(items, func(a, b runtime.WorkItem) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return int(a.Key - b.Key)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
}

var _ storage.WorkItemStorageWriter = &Storage{}

func (mem *Storage) SaveWorkItem(ctx context.Context, item runtime.WorkItem) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.WorkItems[item.Key] = item
	return nil
}

var _ storage.ActivationStorageReader = &Storage{}

func (mem *Storage) FindActivationByKey(ctx context.Context, activationKey int64) (runtime.Activation, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Activations[activationKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

var _ storage.ActivationStorageWriter = &Storage{}

func (mem *Storage) SaveActivation(ctx context.Context, activation runtime.Activation) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Activations[activation.Key] = activation
	return nil
}

var _ storage.BindingStorageReader = &Storage{}

func (mem *Storage) FindBindingByParentItem(ctx context.Context, parentWorkItemKey int64) (runtime.WorkletBinding, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Bindings[parentWorkItemKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindBindingByChildCase(ctx context.Context, childCaseKey int64) (runtime.WorkletBinding, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, b := range mem.Bindings {
		if b.ChildCaseKey == childCaseKey {
			return b, nil
		}
	}
	return runtime.WorkletBinding{}, storage.ErrNotFound
}

var _ storage.BindingStorageWriter = &Storage{}

func (mem *Storage) SaveBinding(ctx context.Context, binding runtime.WorkletBinding) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Bindings[binding.ParentWorkItemKey] = binding
	return nil
}

func (mem *Storage) DeleteBinding(ctx context.Context, parentWorkItemKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.Bindings, parentWorkItemKey)
	return nil
}

type StorageBatch struct {
	db        *Storage
	stmtToRun []func() error
}

var _ storage.Batch = &StorageBatch{}

func (b *StorageBatch) Flush(ctx context.Context) error {
	var joinErr error
	for _, stmt := range b.stmtToRun {
		if err := stmt(); err != nil {
			joinErr = errors.Join(joinErr, err)
		}
	}
	if joinErr != nil {
		return joinErr
	}
	b.stmtToRun = b.stmtToRun[:0]
	return nil
}

func (b *StorageBatch) SaveCase(ctx context.Context, c runtime.Case) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveCase(ctx, c)
	})
	return nil
}

func (b *StorageBatch) SaveWorkItem(ctx context.Context, item runtime.WorkItem) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveWorkItem(ctx, item)
	})
	return nil
}

func (b *StorageBatch) SaveActivation(ctx context.Context, activation runtime.Activation) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveActivation(ctx, activation)
	})
	return nil
}

func (b *StorageBatch) SaveBinding(ctx context.Context, binding runtime.WorkletBinding) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveBinding(ctx, binding)
	})
	return nil
}

func (b *StorageBatch) DeleteBinding(ctx context.Context, parentWorkItemKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.DeleteBinding(ctx, parentWorkItemKey)
	})
	return nil
}
