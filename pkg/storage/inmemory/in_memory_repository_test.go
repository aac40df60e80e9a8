package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pbinitiative/zenflow/pkg/petri/model"
	"github.com/pbinitiative/zenflow/pkg/petri/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

func TestSpecificationVersionLookups(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()

	assert.NoError(t, store.SaveSpecification(ctx, model.Specification{Id: "spec", Key: 1, Version: 1}))
	assert.NoError(t, store.SaveSpecification(ctx, model.Specification{Id: "spec", Key: 2, Version: 2}))
	assert.NoError(t, store.SaveSpecification(ctx, model.Specification{Id: "other", Key: 3, Version: 1}))

	latest, err := store.FindLatestSpecificationById(ctx, "spec")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), latest.Key)

	all, err := store.FindSpecificationsById(ctx, "spec")
	assert.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, int32(1), all[0].Version)
	assert.Equal(t, int32(2), all[1].Version)

	byKey, err := store.FindSpecificationByKey(ctx, 3)
	assert.NoError(t, err)
	assert.Equal(t, "other", byKey.Id)

	_, err = store.FindLatestSpecificationById(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.FindSpecificationByKey(ctx, 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCaseAndSubCaseLookups(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()

	assert.NoError(t, store.SaveCase(ctx, runtime.Case{Key: 1}))
	assert.NoError(t, store.SaveCase(ctx, runtime.Case{Key: 2, ParentWorkItemKey: 10}))
	assert.NoError(t, store.SaveCase(ctx, runtime.Case{Key: 3, ParentWorkItemKey: 10}))

	c, err := store.FindCaseByKey(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), c.Key)
	_, err = store.FindCaseByKey(ctx, 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	subs, err := store.FindSubCases(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, subs, 2)
	subs, err = store.FindSubCases(ctx, 11)
	assert.NoError(t, err)
	assert.Empty(t, subs)
}

func TestCaseVariablesAreCopiedOnSaveAndRead(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()

	vh := runtime.NewVariableHolder(nil, map[string]any{"amount": 500})
	assert.NoError(t, store.SaveCase(ctx, runtime.Case{Key: 7, VariableHolder: vh}))

	// mutating the saved holder must not reach the stored case
	vh.SetVariable("amount", 900)
	got, err := store.FindCaseByKey(ctx, 7)
	assert.NoError(t, err)
	assert.Equal(t, 500, got.VariableHolder.GetVariable("amount"))

	// mutating a fetched case must not reach the stored one either
	got.VariableHolder.SetVariable("amount", 1200)
	again, err := store.FindCaseByKey(ctx, 7)
	assert.NoError(t, err)
	assert.Equal(t, 500, again.VariableHolder.GetVariable("amount"))

	sub := runtime.NewVariableHolder(nil, map[string]any{"item": "a"})
	assert.NoError(t, store.SaveCase(ctx, runtime.Case{Key: 8, ParentWorkItemKey: 20, VariableHolder: sub}))
	subs, err := store.FindSubCases(ctx, 20)
	assert.NoError(t, err)
	subs[0].VariableHolder.SetVariable("item", "b")
	fresh, err := store.FindCaseByKey(ctx, 8)
	assert.NoError(t, err)
	assert.Equal(t, "a", fresh.VariableHolder.GetVariable("item"))
}

func TestMarkingConsumeAndProduce(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()

	ok, err := store.ConsumeToken(ctx, 1, "p1", 1)
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, store.ProduceToken(ctx, 1, "p1", 2))

	ok, err = store.ConsumeToken(ctx, 1, "p1", 1)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ConsumeToken(ctx, 1, "p1", 2)
	assert.NoError(t, err)
	assert.False(t, ok)

	snapshot, err := store.MarkingSnapshot(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.Tokens("p1"))

	// the snapshot is a copy, not a live view
	snapshot.Produce("p1", 5)
	fresh, err := store.MarkingSnapshot(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), fresh.Tokens("p1"))
}

func TestWorkItemQueriesFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()
	base := time.Now()

	assert.NoError(t, store.SaveWorkItem(ctx, runtime.WorkItem{Key: 2, CaseKey: 1, ActivationKey: 7, State: runtime.WorkItemStateEnabled, CreatedAt: base.Add(time.Millisecond)}))
	assert.NoError(t, store.SaveWorkItem(ctx, runtime.WorkItem{Key: 1, CaseKey: 1, ActivationKey: 7, State: runtime.WorkItemStateComplete, CreatedAt: base}))
	assert.NoError(t, store.SaveWorkItem(ctx, runtime.WorkItem{Key: 3, CaseKey: 2, ActivationKey: 8, State: runtime.WorkItemStateEnabled, CreatedAt: base}))

	all, err := store.FindCaseWorkItems(ctx, 1)
	assert.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].Key)
	assert.Equal(t, int64(2), all[1].Key)

	enabled, err := store.FindCaseWorkItems(ctx, 1, runtime.WorkItemStateEnabled)
	assert.NoError(t, err)
	assert.Len(t, enabled, 1)
	assert.Equal(t, int64(2), enabled[0].Key)

	byActivation, err := store.FindActivationWorkItems(ctx, 7)
	assert.NoError(t, err)
	assert.Len(t, byActivation, 2)

	_, err = store.FindWorkItemByKey(ctx, 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBindingLookups(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()

	binding := runtime.WorkletBinding{ParentWorkItemKey: 5, ChildCaseKey: 6, RuleConclusion: "W"}
	assert.NoError(t, store.SaveBinding(ctx, binding))

	byParent, err := store.FindBindingByParentItem(ctx, 5)
	assert.NoError(t, err)
	assert.Equal(t, int64(6), byParent.ChildCaseKey)

	byChild, err := store.FindBindingByChildCase(ctx, 6)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), byChild.ParentWorkItemKey)

	assert.NoError(t, store.DeleteBinding(ctx, 5))
	_, err = store.FindBindingByParentItem(ctx, 5)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.FindBindingByChildCase(ctx, 6)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBatchDefersWritesUntilFlush(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()
	batch := store.NewBatch()

	assert.NoError(t, batch.SaveCase(ctx, runtime.Case{Key: 1}))
	assert.NoError(t, batch.SaveWorkItem(ctx, runtime.WorkItem{Key: 2, CaseKey: 1}))
	assert.NoError(t, batch.SaveActivation(ctx, runtime.Activation{Key: 3, CaseKey: 1}))

	_, err := store.FindCaseByKey(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.NoError(t, batch.Flush(ctx))

	_, err = store.FindCaseByKey(ctx, 1)
	assert.NoError(t, err)
	_, err = store.FindWorkItemByKey(ctx, 2)
	assert.NoError(t, err)
	_, err = store.FindActivationByKey(ctx, 3)
	assert.NoError(t, err)

	// a flushed batch starts over empty
	assert.NoError(t, batch.Flush(ctx))
}
