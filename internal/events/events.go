// Package events defines the structured progress events emitted during
// an orchestration run and an in-process bus for delivering them.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type names a progress event.
type Type string

const (
	TypeRunStarted        Type = "run_started"
	TypeRunCompleted      Type = "run_completed"
	TypePhaseStarted      Type = "phase_started"
	TypePhaseCompleted    Type = "phase_completed"
	TypeDispatchRouted    Type = "dispatch_routed"
	TypeDispatchCompleted Type = "dispatch_completed"
	TypeAuditStage        Type = "audit_stage"
	TypeItemFailed        Type = "item_failed"
)

// Event is one structured progress event. The payload shape is
// event-type specific; consumers treat it as opaque JSON.
type Event struct {
	Type      Type           `json:"type"`
	RunID     string         `json:"run_id"`
	ItemID    string         `json:"item_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives published events. Delivery is best-effort; a slow sink
// must not block the publisher.
type Sink interface {
	Publish(event Event)
}

// Bus fans events out to subscribers over bounded channels. When a
// subscriber's channel is full the event is dropped for that
// subscriber and a warning is logged; publishing never blocks.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	sinks   []Sink
	buffer  int
	logger  *zap.Logger
	dropped int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{buffer: buffer, logger: logger}
}

// Subscribe returns a channel receiving all subsequently published
// events.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	b.subs = append(b.subs, ch)
	return ch
}

// AddSink attaches an additional delivery sink, such as a NATS
// publisher.
func (b *Bus) AddSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Publish stamps and delivers an event to all subscribers and sinks.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subs
	sinks := b.sinks
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			b.logger.Warn("event subscriber full, dropping event",
				zap.String("type", string(event.Type)),
				zap.String("run_id", event.RunID),
			)
		}
	}
	for _, sink := range sinks {
		sink.Publish(event)
	}
}

// Close closes all subscriber channels. Publish must not be called
// after Close.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// Dropped returns the number of events dropped due to slow subscribers.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
