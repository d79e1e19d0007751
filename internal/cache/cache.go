// Package cache implements the bounded context cache: approximate-priority
// LRU eviction, transparent gzip compression for large entries, TTL and
// recompression background sweeps, and per-key access telemetry. Entries are
// non-authoritative and may be evicted or invalidated at any time.
package cache

import (
	"bytes"
	"compress/gzip"
	"container/list"
	"io"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/contextcore/internal/bus"
)

// Priority marks how protected an entry is from eviction.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

const (
	// evictionScanDepth bounds how many LRU-oldest entries the eviction
	// pass inspects when looking for a low-priority victim.
	evictionScanDepth = 10

	// compressionMinSaving is the fraction of bytes compression must save
	// for the compressed form to be kept.
	compressionMinSaving = 0.20

	// accessHistoryLimit bounds the per-key retrieval latency history.
	accessHistoryLimit = 50

	// heapPressureThreshold is the heap utilization above which
	// ForceCleanup escalates to a full clear.
	heapPressureThreshold = 0.90
)

// Config bounds and tunes the cache.
type Config struct {
	MaxEntries           int
	MaxBytes             int64
	CompressionThreshold int           // entries at or above this size are compression candidates
	DefaultTTL           time.Duration // 0 disables expiry for entries without explicit TTL
	SweepInterval        time.Duration
	RecompressInterval   time.Duration

	// Performance targets checked by PerformanceMetrics.
	TargetHitRate      float64
	TargetMemoryBytes  int64
	TargetP95LatencyMs float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:           1000,
		MaxBytes:             64 << 20, // 64 MiB
		CompressionThreshold: 4096,
		DefaultTTL:           30 * time.Minute,
		SweepInterval:        time.Minute,
		RecompressInterval:   5 * time.Minute,
		TargetHitRate:        0.70,
		TargetMemoryBytes:    64 << 20,
		TargetP95LatencyMs:   10,
	}
}

type entry struct {
	key          string
	data         []byte
	compressed   bool
	originalSize int
	priority     Priority
	storedAt     time.Time
	expiresAt    time.Time // zero means no expiry

	// access telemetry
	reads      int
	writes     int
	lastAccess time.Time
	latencies  []time.Duration // bounded retrieval history

	elem *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is the bounded context cache. All public methods are safe for
// concurrent use.
type Cache struct {
	cfg    Config
	events *bus.Bus

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recent, back = oldest
	bytes   int64

	hits      int64
	misses    int64
	evictions int64
	expiries  int64

	stopCh  chan struct{}
	stopped sync.Once
	started bool
}

// New builds a cache. Call Start to run the background sweeps and Stop to
// shut them down.
func New(cfg Config, events *bus.Bus) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig().MaxBytes
	}
	return &Cache{
		cfg:     cfg,
		events:  events,
		entries: make(map[string]*entry),
		lru:     list.New(),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the TTL expiry sweep and the recompression sweep on
// independent timers. Each cycle is idempotent and safe to skip.
func (c *Cache) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	if c.cfg.SweepInterval > 0 {
		go c.runSweep(c.cfg.SweepInterval, c.SweepExpired)
	}
	if c.cfg.RecompressInterval > 0 {
		go c.runSweep(c.cfg.RecompressInterval, c.RecompressLarge)
	}
}

// Stop terminates the background sweeps.
func (c *Cache) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
}

func (c *Cache) runSweep(interval time.Duration, fn func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-c.stopCh:
			return
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CORE OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Set stores a value. Values at or above the compression threshold are
// gzip-compressed when that saves at least 20% of their bytes.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	data, compressed := maybeCompress(value, c.cfg.CompressionThreshold)

	if ttl == 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := time.Now()
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.bytes -= int64(len(existing.data))
		existing.data = data
		existing.compressed = compressed
		existing.originalSize = len(value)
		existing.storedAt = now
		existing.expiresAt = expires
		existing.writes++
		existing.lastAccess = now
		c.bytes += int64(len(data))
		c.lru.MoveToFront(existing.elem)
	} else {
		e := &entry{
			key:          key,
			data:         data,
			compressed:   compressed,
			originalSize: len(value),
			priority:     PriorityNormal,
			storedAt:     now,
			expiresAt:    expires,
			writes:       1,
			lastAccess:   now,
		}
		e.elem = c.lru.PushFront(e)
		c.entries[key] = e
		c.bytes += int64(len(data))
	}

	c.enforceBoundsLocked()
}

// Get retrieves a value, transparently decompressing it. The second return
// is false on miss or expiry.
func (c *Cache) Get(key string) ([]byte, bool) {
	start := time.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.expired(start) {
		if ok {
			c.removeLocked(e)
			c.expiries++
		}
		c.misses++
		if e != nil {
			e.reads++ // counted as an attempted read on the expired key
		}
		c.mu.Unlock()
		c.publish(bus.EventCacheMiss, key, 0)
		return nil, false
	}

	data := e.data
	wasCompressed := e.compressed
	c.hits++
	e.reads++
	e.lastAccess = start
	c.lru.MoveToFront(e.elem)
	c.mu.Unlock()

	var value []byte
	if wasCompressed {
		decompressed, err := decompress(data)
		if err != nil {
			// Corrupt entry; drop it rather than serve garbage.
			log.Warn().Err(err).Str("key", key).Msg("cache entry failed decompression, invalidating")
			c.Delete(key)
			return nil, false
		}
		value = decompressed
	} else {
		value = append([]byte(nil), data...)
	}

	elapsed := time.Since(start)
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.latencies = append(e.latencies, elapsed)
		if len(e.latencies) > accessHistoryLimit {
			e.latencies = e.latencies[len(e.latencies)-accessHistoryLimit:]
		}
	}
	c.mu.Unlock()

	c.publish(bus.EventCacheHit, key, elapsed.Milliseconds())
	return value, true
}

// Delete removes a key. Missing keys are ignored.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.lru.Init()
	c.bytes = 0
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SetPriority pins a key's eviction priority.
func (c *Cache) SetPriority(key string, p Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.priority = p
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVICTION & SWEEPS
// ═══════════════════════════════════════════════════════════════════════════════

// enforceBoundsLocked evicts until both the entry and byte bounds hold.
func (c *Cache) enforceBoundsLocked() {
	for (len(c.entries) > c.cfg.MaxEntries || c.bytes > c.cfg.MaxBytes) && c.lru.Len() > 0 {
		c.evictOneLocked()
	}
}

// evictOneLocked implements the bounded-latency approximate-priority policy:
// among the oldest evictionScanDepth entries, evict the first low-priority
// one; if none qualifies, evict the strict LRU tail. High-priority entries
// are only taken as the strict tail when nothing else is left.
func (c *Cache) evictOneLocked() {
	elem := c.lru.Back()
	scanned := 0
	for cursor := c.lru.Back(); cursor != nil && scanned < evictionScanDepth; cursor = cursor.Prev() {
		if cursor.Value.(*entry).priority == PriorityLow {
			elem = cursor
			break
		}
		scanned++
	}
	if elem == nil {
		return
	}
	victim := elem.Value.(*entry)
	c.removeLocked(victim)
	c.evictions++
	c.publish(bus.EventCacheEviction, victim.key, 0)
}

func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	c.bytes -= int64(len(e.data))
}

// SweepExpired drops every expired entry. Returns how many were removed.
func (c *Cache) SweepExpired() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*entry
	for _, e := range c.entries {
		if e.expired(now) {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		c.removeLocked(e)
		c.expiries++
	}
	return len(victims)
}

// RecompressLarge compresses currently-uncompressed entries that have grown
// past the threshold (e.g. stored before the threshold applied, or where
// compression previously did not pay off but content changed). Returns how
// many entries were recompressed.
func (c *Cache) RecompressLarge() int {
	c.mu.Lock()
	var candidates []*entry
	for _, e := range c.entries {
		if !e.compressed && len(e.data) >= c.cfg.CompressionThreshold {
			candidates = append(candidates, e)
		}
	}
	c.mu.Unlock()

	recompressed := 0
	for _, e := range candidates {
		c.mu.Lock()
		current, ok := c.entries[e.key]
		if !ok || current.compressed {
			c.mu.Unlock()
			continue
		}
		data, compressed := maybeCompress(current.data, c.cfg.CompressionThreshold)
		if compressed {
			c.bytes -= int64(len(current.data))
			current.data = data
			current.compressed = true
			c.bytes += int64(len(data))
			recompressed++
		}
		c.mu.Unlock()
	}
	if recompressed > 0 {
		log.Debug().Int("entries", recompressed).Msg("background recompression pass")
	}
	return recompressed
}

// ═══════════════════════════════════════════════════════════════════════════════
// OPTIMIZATION & METRICS
// ═══════════════════════════════════════════════════════════════════════════════

// Optimize promotes frequently-hit keys to high priority and demotes keys
// idle for over an hour with fewer than two reads to low priority.
func (c *Cache) Optimize() (promoted, demoted int) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		switch {
		case e.reads >= 5 && e.priority != PriorityHigh:
			e.priority = PriorityHigh
			promoted++
		case now.Sub(e.lastAccess) > time.Hour && e.reads < 2 && e.priority != PriorityLow:
			e.priority = PriorityLow
			demoted++
		}
	}
	return promoted, demoted
}

// MetricCheck is one pass/fail measurement against a configured target.
type MetricCheck struct {
	Value  float64 `json:"value"`
	Target float64 `json:"target"`
	Pass   bool    `json:"pass"`
}

// PerformanceMetrics reports cache health against the configured targets.
type PerformanceMetrics struct {
	Entries        int         `json:"entries"`
	Hits           int64       `json:"hits"`
	Misses         int64       `json:"misses"`
	Evictions      int64       `json:"evictions"`
	Expiries       int64       `json:"expiries"`
	HitRate        MetricCheck `json:"hit_rate"`
	MemoryBytes    MetricCheck `json:"memory_bytes"`
	P95RetrievalMs MetricCheck `json:"p95_retrieval_ms"`
}

// Metrics computes the current performance report.
func (c *Cache) Metrics() PerformanceMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := PerformanceMetrics{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expiries:  c.expiries,
	}

	hitRate := 0.0
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	m.HitRate = MetricCheck{Value: hitRate, Target: c.cfg.TargetHitRate, Pass: hitRate >= c.cfg.TargetHitRate}
	m.MemoryBytes = MetricCheck{
		Value:  float64(c.bytes),
		Target: float64(c.cfg.TargetMemoryBytes),
		Pass:   c.bytes <= c.cfg.TargetMemoryBytes,
	}

	p95 := c.p95RetrievalLocked()
	m.P95RetrievalMs = MetricCheck{Value: p95, Target: c.cfg.TargetP95LatencyMs, Pass: p95 <= c.cfg.TargetP95LatencyMs}
	return m
}

func (c *Cache) p95RetrievalLocked() float64 {
	var all []time.Duration
	for _, e := range c.entries {
		all = append(all, e.latencies...)
	}
	if len(all) == 0 {
		return 0
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	idx := int(float64(len(all)) * 0.95)
	if idx >= len(all) {
		idx = len(all) - 1
	}
	return float64(all[idx].Microseconds()) / 1000.0
}

// KeyStats is the per-key telemetry view.
type KeyStats struct {
	Reads      int       `json:"reads"`
	Writes     int       `json:"writes"`
	LastAccess time.Time `json:"last_access"`
	Compressed bool      `json:"compressed"`
	SizeBytes  int       `json:"size_bytes"`
	Priority   Priority  `json:"priority"`
}

// Stats returns telemetry for a single key.
func (c *Cache) Stats(key string) (KeyStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return KeyStats{}, false
	}
	return KeyStats{
		Reads:      e.reads,
		Writes:     e.writes,
		LastAccess: e.lastAccess,
		Compressed: e.compressed,
		SizeBytes:  len(e.data),
		Priority:   e.priority,
	}, true
}

// Evictions returns the lifetime eviction counter.
func (c *Cache) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

// ForceCleanup sweeps expired entries and re-enforces bounds. When process
// heap utilization exceeds 90% it escalates to a full cache clear.
func (c *Cache) ForceCleanup() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.HeapSys > 0 && float64(stats.HeapAlloc)/float64(stats.HeapSys) > heapPressureThreshold {
		log.Warn().Uint64("heap_alloc", stats.HeapAlloc).Uint64("heap_sys", stats.HeapSys).
			Msg("heap pressure critical, clearing cache")
		c.Clear()
		return
	}

	c.SweepExpired()
	c.mu.Lock()
	c.enforceBoundsLocked()
	c.mu.Unlock()
}

func (c *Cache) publish(eventType bus.EventType, key string, durationMs int64) {
	if c.events != nil {
		c.events.Publish(bus.Event{Type: eventType, Detail: key, DurationMs: durationMs})
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMPRESSION
// ═══════════════════════════════════════════════════════════════════════════════

// maybeCompress gzips value when it meets the size threshold and compression
// saves at least 20% of the bytes. Returns the stored form and whether it is
// compressed.
func maybeCompress(value []byte, threshold int) ([]byte, bool) {
	if threshold <= 0 || len(value) < threshold {
		return append([]byte(nil), value...), false
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		w.Close()
		return append([]byte(nil), value...), false
	}
	if err := w.Close(); err != nil {
		return append([]byte(nil), value...), false
	}

	if float64(buf.Len()) > float64(len(value))*(1-compressionMinSaving) {
		return append([]byte(nil), value...), false // not worth it
	}
	return buf.Bytes(), true
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
