// Package events provides the in-process execution event bus. The bus
// decouples the engine from observers: the service layer exposes it as
// a subscription stream and the metrics recorder feeds counters from
// it. Delivery is best-effort; dropped events never stall execution.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type enumerates execution events.
type Type string

const (
	ExecutionStarted       Type = "execution-started"
	ExecutionStatusChanged Type = "execution-status-changed"
	StepStarted            Type = "step-started"
	StepCompleted          Type = "step-completed"
	StepFailed             Type = "step-failed"
	LogAppended            Type = "log-appended"
	ExecutionTerminated    Type = "execution-terminated"
)

// Event is one execution lifecycle notification. Fields beyond Type
// and ExecutionID are populated per event type.
type Event struct {
	Type        Type           `json:"type"`
	ExecutionID string         `json:"executionId"`
	TenantID    string         `json:"tenantId,omitempty"`
	WorkflowID  string         `json:"workflowId,omitempty"`
	StepID      string         `json:"stepId,omitempty"`
	Status      string         `json:"status,omitempty"`
	ErrorKind   string         `json:"errorKind,omitempty"`
	Sequence    int64          `json:"sequence,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Terminal reports whether the event closes its execution's stream.
func (e Event) Terminal() bool { return e.Type == ExecutionTerminated }

// subscriber is one registered channel. Events for an execution are
// delivered in publish order; a full buffer drops the event for that
// subscriber only.
type subscriber struct {
	id int64
	ch chan Event

	// executionID filters delivery; empty means all executions.
	executionID string
}

// Bus fans execution events out to subscribers. Publish never blocks.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64
	logger *slog.Logger

	bufferSize int
	dropped    atomic.Int64
}

// DefaultBufferSize is the per-subscriber channel depth.
const DefaultBufferSize = 256

// Option customizes a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithBufferSize overrides the per-subscriber buffer depth.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[int64]*subscriber),
		logger:     slog.Default(),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a channel for one execution's events, or for all
// executions when executionID is empty. The returned cancel func must
// be called exactly once; it closes the channel.
func (b *Bus) Subscribe(executionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{
		id:          b.nextID,
		ch:          make(chan Event, b.bufferSize),
		executionID: executionID,
	}
	b.subs[sub.id] = sub

	id := sub.id
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber. A stamped
// timestamp is added when the caller left it zero.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.executionID != "" && sub.executionID != ev.ExecutionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber buffer full",
				"event", string(ev.Type),
				"execution_id", ev.ExecutionID,
			)
		}
	}
}

// Dropped returns how many events were dropped since creation.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
