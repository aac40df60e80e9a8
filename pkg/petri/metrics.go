package petri

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pbinitiative/zenflow/pkg/petri/runtime"
)

// engineMetrics holds the engine's counters. With no meter provider
// registered the otel API degrades to no-ops.
type engineMetrics struct {
	casesStarted   metric.Int64Counter
	casesCompleted metric.Int64Counter
	casesCancelled metric.Int64Counter
	workItems      metric.Int64Counter
}

func newEngineMetrics() *engineMetrics {
	meter := otel.Meter("zenflow.petri")
	m := &engineMetrics{}
	m.casesStarted, _ = meter.Int64Counter("zenflow.cases.started",
		metric.WithDescription("Number of cases started"))
	m.casesCompleted, _ = meter.Int64Counter("zenflow.cases.completed",
		metric.WithDescription("Number of cases completed"))
	m.casesCancelled, _ = meter.Int64Counter("zenflow.cases.cancelled",
		metric.WithDescription("Number of cases cancelled"))
	m.workItems, _ = meter.Int64Counter("zenflow.work_items.transitions",
		metric.WithDescription("Work item state transitions by resulting state"))
	return m
}

func (m *engineMetrics) caseStarted(ctx context.Context) {
	m.casesStarted.Add(ctx, 1)
}

func (m *engineMetrics) caseCompleted(ctx context.Context) {
	m.casesCompleted.Add(ctx, 1)
}

func (m *engineMetrics) caseCancelled(ctx context.Context) {
	m.casesCancelled.Add(ctx, 1)
}

func (m *engineMetrics) workItemTransition(ctx context.Context, state runtime.WorkItemState) {
	m.workItems.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
}
