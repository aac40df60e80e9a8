package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Type tags a lifecycle notification. Each type has its own independent
// delivery channels, so a slow consumer of one type never delays another
// type.
type Type string

const (
	ItemEnabled   Type = "ITEM_ENABLED"
	ItemExecuting Type = "ITEM_EXECUTING"
	ItemCompleted Type = "ITEM_COMPLETED"
	ItemCancelled Type = "ITEM_CANCELLED"
	CaseStarted   Type = "CASE_STARTED"
	CaseCompleted Type = "CASE_COMPLETED"
	CaseCancelled Type = "CASE_CANCELLED"
)

// Event is a notification, not the system of record: a lost event must
// never corrupt case state, which is recoverable by querying storage.
type Event struct {
	Type            Type
	SpecificationId string
	CaseKey         int64
	TaskId          string
	WorkItemKey     int64
	ActivationKey   int64
	Variables       map[string]any
	OccurredAt      time.Time
}

type Handler func(event Event)

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	id        string
	eventType Type
	ch        chan Event
	done      chan struct{}

	// sendMu serializes sends against close, and keeps delivery FIFO per
	// subscription.
	sendMu sync.Mutex
	closed bool
}

// trySend delivers without blocking; ok reports delivery.
func (s *Subscription) trySend(event Event) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

// send blocks until the subscriber's buffer has room.
func (s *Subscription) send(event Event) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	s.ch <- event
}

func (s *Subscription) shutdown() {
	s.sendMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.sendMu.Unlock()
	<-s.done
}

// Bus fans lifecycle events out to subscribers. Every subscriber owns a
// bounded buffered channel drained by its own dispatch goroutine, so
// back-pressure from a full buffer stalls only deliveries to that
// subscriber.
type Bus struct {
	mu         sync.RWMutex
	subs       map[Type][]*Subscription
	bufferSize int
	closed     bool
	logger     hclog.Logger
	published  metric.Int64Counter
}

func New(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	published, _ := otel.Meter("zenflow.eventbus").Int64Counter("zenflow.events.published",
		metric.WithDescription("Number of events published by type"))
	return &Bus{
		subs:       make(map[Type][]*Subscription),
		bufferSize: bufferSize,
		logger:     hclog.Default().Named("event-bus"),
		published:  published,
	}
}

// Subscribe registers a handler invoked on a dispatch goroutine separate
// from the publishing call stack. Delivery is FIFO per subscription.
func (b *Bus) Subscribe(eventType Type, handler Handler) *Subscription {
	sub := &Subscription{
		id:        uuid.NewString(),
		eventType: eventType,
		ch:        make(chan Event, b.bufferSize),
		done:      make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		for ev := range sub.ch {
			handler(ev)
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	return sub
}

// Unsubscribe removes the subscription and waits for its dispatch
// goroutine to drain.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	subs := b.subs[sub.eventType]
	for i, s := range subs {
		if s.id == sub.id {
			b.subs[sub.eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	sub.shutdown()
}

// Publish delivers the event to every subscriber of its type. Subscribers
// with buffer room are served first; a subscriber whose bounded buffer is
// full back-pressures only its own delivery.
func (b *Bus) Publish(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.logger.Debug("dropping event published after close", "type", event.Type, "case", event.CaseKey)
		return
	}
	subs := make([]*Subscription, len(b.subs[event.Type]))
	copy(subs, b.subs[event.Type])
	b.mu.RUnlock()

	b.published.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("type", string(event.Type))))

	var full []*Subscription
	for _, sub := range subs {
		if !sub.trySend(event) {
			full = append(full, sub)
		}
	}
	for _, sub := range full {
		sub.send(event)
	}
}

// Close stops delivery and drains all dispatch goroutines.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[Type][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.shutdown()
	}
}
