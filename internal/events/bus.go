// Package events carries domain events from the lifecycle coordinators to
// the gateway's push layer and any other in-process subscriber.
//
// Publishing is always non-blocking: a slow subscriber loses events (with a
// warning and a counter) rather than stalling the pipeline that produced
// them. Persistent state, not the bus, is the source of truth.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind enumerates the domain events the engine emits.
type Kind string

const (
	SystemStatus         Kind = "SYSTEM_STATUS"
	SessionLoginRequired Kind = "SESSION_LOGIN_REQUIRED"
	CandleFinalized      Kind = "CANDLE_FINALIZED"
	SignalPublished      Kind = "SIGNAL_PUBLISHED"
	IntentApproved       Kind = "INTENT_APPROVED"
	IntentRejected       Kind = "INTENT_REJECTED"
	OrderCreated         Kind = "ORDER_CREATED"
	OrderRejected        Kind = "ORDER_REJECTED"
	OrderTimeout         Kind = "ORDER_TIMEOUT"
	ExitIntentPlaced     Kind = "EXIT_INTENT_PLACED"
	ExitIntentFilled     Kind = "EXIT_INTENT_FILLED"
	ExitIntentFailed     Kind = "EXIT_INTENT_FAILED"
	ExitIntentCancelled  Kind = "EXIT_INTENT_CANCELLED"
)

// Event is the envelope for all domain events. Payload carries the ids
// needed to join back to persistent state.
type Event struct {
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Bus fans events out to subscribers over bounded channels.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger.With("component", "events")}
}

// Subscribe registers a new subscriber and returns its channel. buffer
// bounds how far the subscriber may fall behind before losing events.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(kind Kind, payload map[string]any) {
	evt := Event{Kind: kind, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber behind, dropping event", "kind", kind)
		}
	}
}

// Dropped returns how many events were lost to slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
