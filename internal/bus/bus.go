// Package bus provides the event distribution system for the context engine.
// Storage, cache and migration components publish lightweight events here;
// the metrics collector subscribes to build session statistics without the
// engine components knowing about each other.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies the kind of engine event.
type EventType string

const (
	// Record lifecycle
	EventRecordCreated EventType = "record.created"
	EventRecordUpdated EventType = "record.updated"
	EventRecordDeleted EventType = "record.deleted"
	EventRecordRead    EventType = "record.read"

	// Secondary index health
	EventIndexMirrorFailed EventType = "index.mirror_failed"
	EventIndexSynced       EventType = "index.synced"

	// Cache activity
	EventCacheHit      EventType = "cache.hit"
	EventCacheMiss     EventType = "cache.miss"
	EventCacheEviction EventType = "cache.eviction"

	// Migration pipeline
	EventMigrationPhase    EventType = "migration.phase"
	EventMigrationFinished EventType = "migration.finished"
)

// Event is a single engine event.
type Event struct {
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	RecordID   string    `json:"record_id,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// SubscriptionID identifies a registered subscriber.
type SubscriptionID string

type subscription struct {
	id        SubscriptionID
	eventType EventType // "" means wildcard
	handler   func(Event)
}

// Bus is a thread-safe pub/sub hub. Handlers run synchronously in the
// publisher's goroutine, so they must stay cheap.
type Bus struct {
	mu         sync.RWMutex
	subs       map[SubscriptionID]*subscription
	subCounter uint64
	closed     atomic.Bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[SubscriptionID]*subscription)}
}

// Subscribe registers a handler for one event type. An empty event type
// subscribes to everything. Returns an id usable with Unsubscribe.
func (b *Bus) Subscribe(eventType EventType, handler func(Event)) SubscriptionID {
	if b.closed.Load() || handler == nil {
		return ""
	}
	id := SubscriptionID(fmt.Sprintf("sub_%d", atomic.AddUint64(&b.subCounter, 1)))
	b.mu.Lock()
	b.subs[id] = &subscription{id: id, eventType: eventType, handler: handler}
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers an event to every matching subscriber. A zero timestamp
// is stamped with the current time.
func (b *Bus) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.eventType == "" || sub.eventType == event.Type {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Close stops delivery and drops all subscriptions.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	b.subs = make(map[SubscriptionID]*subscription)
	b.mu.Unlock()
}
