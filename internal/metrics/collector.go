// Package metrics aggregates engine events into session statistics. The
// collector subscribes to the event bus; engine components stay unaware of
// it.
package metrics

import (
	"sync"
	"time"

	"github.com/normanking/contextcore/internal/bus"
)

// SessionStats holds counters for the current engine session.
type SessionStats struct {
	StartTime        time.Time `json:"start_time"`
	RecordsCreated   int       `json:"records_created"`
	RecordsUpdated   int       `json:"records_updated"`
	RecordsDeleted   int       `json:"records_deleted"`
	RecordsRead      int       `json:"records_read"`
	IndexMirrorFails int       `json:"index_mirror_fails"`
	IndexSyncs       int       `json:"index_syncs"`
	CacheHits        int       `json:"cache_hits"`
	CacheMisses      int       `json:"cache_misses"`
	CacheEvictions   int       `json:"cache_evictions"`
	MigrationsRun    int       `json:"migrations_run"`
	LastEvent        string    `json:"last_event,omitempty"`
	LastEventTime    time.Time `json:"last_event_time,omitempty"`
}

// Collector subscribes to the event bus and aggregates session metrics.
type Collector struct {
	bus     *bus.Bus
	mu      sync.RWMutex
	session SessionStats
	sub     bus.SubscriptionID
	stopped bool
}

// NewCollector creates a collector bound to eventBus. Call Start to begin
// listening.
func NewCollector(eventBus *bus.Bus) *Collector {
	return &Collector{
		bus:     eventBus,
		session: SessionStats{StartTime: time.Now()},
	}
}

// Start subscribes to all engine events. Safe to call with a nil bus.
func (c *Collector) Start() {
	if c.bus == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.sub != "" {
		return
	}
	c.sub = c.bus.Subscribe("", c.handleEvent)
}

// Stop unsubscribes from the bus.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.bus != nil && c.sub != "" {
		c.bus.Unsubscribe(c.sub)
	}
}

func (c *Collector) handleEvent(event bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Type {
	case bus.EventRecordCreated:
		c.session.RecordsCreated++
	case bus.EventRecordUpdated:
		c.session.RecordsUpdated++
	case bus.EventRecordDeleted:
		c.session.RecordsDeleted++
	case bus.EventRecordRead:
		c.session.RecordsRead++
	case bus.EventIndexMirrorFailed:
		c.session.IndexMirrorFails++
	case bus.EventIndexSynced:
		c.session.IndexSyncs++
	case bus.EventCacheHit:
		c.session.CacheHits++
	case bus.EventCacheMiss:
		c.session.CacheMisses++
	case bus.EventCacheEviction:
		c.session.CacheEvictions++
	case bus.EventMigrationFinished:
		c.session.MigrationsRun++
	}
	c.session.LastEvent = string(event.Type)
	c.session.LastEventTime = event.Timestamp
}

// Session returns a copy of the current session statistics.
func (c *Collector) Session() SessionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}
