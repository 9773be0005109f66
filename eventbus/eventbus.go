// Package eventbus implements the per-tenant typed publish/subscribe bus
// spec.md §4.1 describes: best-effort, in-process, FIFO per (publisher,
// event type).
package eventbus

import (
	"log/slog"
	"sync"
)

// EventType names one of the fixed channels a Bus carries.
type EventType string

const (
	StockChange          EventType = "stock:change"
	StockUpdated         EventType = "stock:updated"
	SyncStarted          EventType = "sync:started"
	SyncCompleted        EventType = "sync:completed"
	SyncFailed           EventType = "sync:failed"
	DriftDetected        EventType = "drift:detected"
	DriftRepaired        EventType = "drift:repaired"
	AlertTriggered       EventType = "alert:triggered"
	ChannelConnected     EventType = "channel:connected"
	ChannelDisconnected  EventType = "channel:disconnected"
	AlertRuleChanged     EventType = "alertrule:changed"
	TenantStarted        EventType = "tenant:started"
	TenantStopped        EventType = "tenant:stopped"
	TenantCrashed        EventType = "tenant:crashed"
	TenantRestarted      EventType = "tenant:restarted"
	TenantMaxRestarts    EventType = "tenant:max_restarts"
)

// Event is one published message: Type identifies the channel, Payload
// carries whatever that event type's producer decided to attach (a
// domain.StockChange, a drift report, an alert, ...).
type Event struct {
	Type    EventType
	Payload any
}

// TenantEvent wraps an Event relayed from one tenant worker's own Bus onto
// the orchestrator's process-wide Bus (spec.md §4.7's "pass-through ... so
// the parent can relay to external observers"), since the process-wide bus
// sees the same EventType from many tenants and a subscriber needs to know
// which one produced it.
type TenantEvent struct {
	TenantID string
	Event    Event
}

// Subscriber is called once per published Event of the type it registered
// for. A subscriber that must itself publish downstream events should do so
// from its own goroutine — Publish calls subscribers synchronously on the
// publisher's goroutine, and a subscriber publishing back onto the same bus
// inline would recurse unboundedly (see spec.md §9's redesign note).
type Subscriber func(Event)

// Bus is one tenant worker's in-process event bus. Never shared across
// tenants: cross-tenant visibility goes through the orchestrator's event
// forwarding instead.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	logger      *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		subscribers: map[EventType][]Subscriber{},
		logger:      logger,
	}
}

// Subscribe registers fn to run on every future Publish of the given type.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], fn)
}

// Publish delivers event to every subscriber of its type, in registration
// order, on the calling goroutine. A panicking subscriber is recovered and
// logged so it cannot take down the publisher or starve its siblings.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers[event.Type]))
	copy(subs, b.subscribers[event.Type])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(sub, event)
	}
}

func (b *Bus) dispatch(sub Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error("event bus subscriber panicked", slog.String("event_type", string(event.Type)), slog.Any("recovered", r))
			}
		}
	}()
	sub(event)
}
