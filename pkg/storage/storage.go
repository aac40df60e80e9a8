package storage

import (
	"context"
	"errors"

	"github.com/pbinitiative/zenflow/pkg/petri/model"
	"github.com/pbinitiative/zenflow/pkg/petri/runtime"
)

// ErrNotFound is returned by methods that look for one exact item when the
// item does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the interface the petri engine and the worklet service use to
// interact with state. Engine state held here is the durable system of
// record; events are only notifications.
//
// Methods that are expected to return exactly one match MUST return
// ErrNotFound when the result does not exist.
type Storage interface {
	SpecificationStorageReader
	SpecificationStorageWriter
	CaseStorageReader
	CaseStorageWriter
	MarkingStorage
	WorkItemStorageReader
	WorkItemStorageWriter
	ActivationStorageReader
	ActivationStorageWriter
	BindingStorageReader
	BindingStorageWriter

	GenerateId() int64
	NewBatch() Batch
}

// Batch collects writes so one engine pass over a case flushes as a unit.
type Batch interface {
	CaseStorageWriter
	WorkItemStorageWriter
	ActivationStorageWriter
	BindingStorageWriter

	// Flush writes the batch into the storage and prepares the batch for
	// new statements.
	Flush(ctx context.Context) error
}

type SpecificationStorageReader interface {
	FindLatestSpecificationById(ctx context.Context, specificationId string) (model.Specification, error)

	FindSpecificationByKey(ctx context.Context, specificationKey int64) (model.Specification, error)

	// FindSpecificationsById returns zero or many registered specifications
	// with the given ID, ordered by version from 1 (first) to largest (last).
	FindSpecificationsById(ctx context.Context, specificationId string) ([]model.Specification, error)
}

type SpecificationStorageWriter interface {
	// SaveSpecification persists a Specification and potentially overwrites
	// prior data stored with the given Key.
	SaveSpecification(ctx context.Context, specification model.Specification) error
}

type CaseStorageReader interface {
	FindCaseByKey(ctx context.Context, caseKey int64) (runtime.Case, error)

	// FindSubCases returns the cases launched with the given parent work
	// item key.
	FindSubCases(ctx context.Context, parentWorkItemKey int64) ([]runtime.Case, error)
}

type CaseStorageWriter interface {
	// SaveCase persists the case and potentially overwrites prior data
	// stored with the given case key.
	SaveCase(ctx context.Context, c runtime.Case) error
}

// MarkingStorage holds, per case, the distribution of tokens over places.
// Consume and Produce for one firing run under the owning case's exclusive
// section, which makes consume-then-produce atomic per firing.
type MarkingStorage interface {
	// ConsumeToken removes n tokens from a place and reports whether the
	// place held enough; on false the marking is unchanged.
	ConsumeToken(ctx context.Context, caseKey int64, placeId string, n int64) (bool, error)

	ProduceToken(ctx context.Context, caseKey int64, placeId string, n int64) error

	// MarkingSnapshot returns a copy of the case's current marking.
	MarkingSnapshot(ctx context.Context, caseKey int64) (runtime.Marking, error)
}

type WorkItemStorageReader interface {
	FindWorkItemByKey(ctx context.Context, workItemKey int64) (runtime.WorkItem, error)

	// FindActivationWorkItems returns the work items sharing one
	// activation key, ordered by creation.
	FindActivationWorkItems(ctx context.Context, activationKey int64) ([]runtime.WorkItem, error)

	// FindCaseWorkItems returns the case's work items in the given states;
	// with no states given, all of them.
	FindCaseWorkItems(ctx context.Context, caseKey int64, states ...runtime.WorkItemState) ([]runtime.WorkItem, error)
}

type WorkItemStorageWriter interface {
	SaveWorkItem(ctx context.Context, item runtime.WorkItem) error
}

type ActivationStorageReader interface {
	FindActivationByKey(ctx context.Context, activationKey int64) (runtime.Activation, error)
}

type ActivationStorageWriter interface {
	SaveActivation(ctx context.Context, activation runtime.Activation) error
}

type BindingStorageReader interface {
	FindBindingByParentItem(ctx context.Context, parentWorkItemKey int64) (runtime.WorkletBinding, error)

	FindBindingByChildCase(ctx context.Context, childCaseKey int64) (runtime.WorkletBinding, error)
}

type BindingStorageWriter interface {
	SaveBinding(ctx context.Context, binding runtime.WorkletBinding) error

	DeleteBinding(ctx context.Context, parentWorkItemKey int64) error
}
