package petri

import (
	"maps"
	"time"

	"github.com/pbinitiative/zenflow/pkg/eventbus"
	"github.com/pbinitiative/zenflow/pkg/petri/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

// execution carries the per-operation write batch and the lifecycle
// events collected while the case's exclusive section is held. Events are
// published only after the batch is flushed and the section released, so
// a subscriber that re-enters the engine can never deadlock against the
// publishing operation, and events never describe unpersisted state.
type execution struct {
	batch  storage.Batch
	events []eventbus.Event
}

func (engine *Engine) newExecution() *execution {
	return &execution{batch: engine.persistence.NewBatch()}
}

func (engine *Engine) publishItemEvent(exec *execution, eventType eventbus.Type, c *runtime.Case, item *runtime.WorkItem) {
	exec.events = append(exec.events, eventbus.Event{
		Type:            eventType,
		SpecificationId: c.Specification.Id,
		CaseKey:         c.Key,
		TaskId:          item.TaskId,
		WorkItemKey:     item.Key,
		ActivationKey:   item.ActivationKey,
		Variables:       maps.Clone(item.Variables),
		OccurredAt:      time.Now(),
	})
}

// publishCaseEvent snapshots the case data: events are dispatched on
// subscriber goroutines after the case's exclusive section is released,
// so they must never share the live variable map.
func (engine *Engine) publishCaseEvent(exec *execution, eventType eventbus.Type, c *runtime.Case) {
	exec.events = append(exec.events, eventbus.Event{
		Type:            eventType,
		SpecificationId: c.Specification.Id,
		CaseKey:         c.Key,
		Variables:       c.VariableHolder.Snapshot(),
		OccurredAt:      time.Now(),
	})
}

// publishPending flushes the collected events to the bus in order.
func (engine *Engine) publishPending(exec *execution) {
	if engine.bus == nil {
		return
	}
	for _, event := range exec.events {
		engine.bus.Publish(event)
	}
	exec.events = nil
}
