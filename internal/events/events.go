// Package events carries the engine's observability events. Delivery is
// best-effort: a slow or absent consumer never affects engine correctness.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/engramkit/engram/internal/store"
)

// Type identifies an event.
type Type string

const (
	TickAdvance           Type = "tick:advance"
	ChunkCreated          Type = "chunk:created"
	ChunkAccessed         Type = "chunk:accessed"
	ChunkDecayed          Type = "chunk:decayed"
	ChunkStatusChanged    Type = "chunk:status_changed"
	RelationshipCreated   Type = "relationship:created"
	SearchExecuted        Type = "search:executed"
	ContradictionDetected Type = "contradiction:detected"
)

// Event is one observability record.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Tick      store.Tick     `json:"tick"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New stamps a fresh event.
func New(t Type, tick store.Tick, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Tick:      tick,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Sink consumes events. Emit must never block the engine.
type Sink interface {
	Emit(Event)
}

// NopSink drops everything.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(Event) {}

// SlogSink writes events to a structured logger at debug level.
type SlogSink struct {
	Logger *slog.Logger
}

// Emit implements Sink.
func (s SlogSink) Emit(e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("engine_event",
		slog.String("event_id", e.ID),
		slog.String("event_type", string(e.Type)),
		slog.Int64("tick", int64(e.Tick)),
		slog.Any("data", e.Data))
}

// Bus fans events out to subscribers over buffered channels. Overflowing
// subscribers drop events rather than stall the producer.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	buffer      int
	dropped     atomic.Int64
	closed      bool
}

// NewBus creates a bus with the given per-subscriber buffer (default 256).
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		buffer:      buffer,
	}
}

// Verify interface implementation at compile time.
var _ Sink = (*Bus)(nil)

// Subscribe registers a consumer and returns its channel plus a cancel
// function. The channel closes on cancel or bus Close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Emit delivers to every subscriber without blocking; full buffers drop.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were dropped on full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close shuts the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
