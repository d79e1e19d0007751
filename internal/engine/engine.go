// Package engine assembles the context storage engine: primary store,
// relational index, coordinator, cache, event bus and metrics collector,
// owned by one instance with an explicit start/stop lifecycle. There are no
// package-level singletons; everything hangs off the Engine.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/contextcore/internal/bus"
	"github.com/normanking/contextcore/internal/cache"
	"github.com/normanking/contextcore/internal/config"
	"github.com/normanking/contextcore/internal/index"
	"github.com/normanking/contextcore/internal/metrics"
	"github.com/normanking/contextcore/internal/migration"
	"github.com/normanking/contextcore/internal/primary"
	"github.com/normanking/contextcore/internal/storage"
	"github.com/normanking/contextcore/internal/transform"
	"github.com/normanking/contextcore/internal/validate"
	"github.com/normanking/contextcore/pkg/types"
)

// Engine is the assembled context storage and migration engine.
type Engine struct {
	cfg *config.Config

	events      *bus.Bus
	collector   *metrics.Collector
	primary     *primary.Store
	index       *index.Store
	coordinator *storage.Coordinator
	cache       *cache.Cache

	started bool
}

// New wires an engine from configuration. Call Start before use and Stop on
// shutdown.
func New(cfg *config.Config) (*Engine, error) {
	events := bus.New()

	primaryStore, err := primary.New(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	indexStore, err := index.NewDB(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.MaxEntries = cfg.Cache.MaxEntries
	cacheCfg.MaxBytes = cfg.Cache.MaxBytes
	cacheCfg.CompressionThreshold = cfg.Cache.CompressionThreshold
	cacheCfg.DefaultTTL = cfg.Cache.DefaultTTL
	cacheCfg.SweepInterval = cfg.Cache.SweepInterval
	cacheCfg.RecompressInterval = cfg.Cache.RecompressInterval
	if cfg.Cache.TargetHitRate > 0 {
		cacheCfg.TargetHitRate = cfg.Cache.TargetHitRate
	}
	if cfg.Cache.TargetP95LatencyMs > 0 {
		cacheCfg.TargetP95LatencyMs = cfg.Cache.TargetP95LatencyMs
	}
	cacheCfg.TargetMemoryBytes = cfg.Cache.MaxBytes

	return &Engine{
		cfg:         cfg,
		events:      events,
		collector:   metrics.NewCollector(events),
		primary:     primaryStore,
		index:       indexStore,
		coordinator: storage.New(primaryStore, indexStore, events),
		cache:       cache.New(cacheCfg, events),
	}, nil
}

// Start launches background maintenance and optionally repairs index
// consistency from the authoritative store.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}
	e.collector.Start()
	e.cache.Start()

	if e.cfg.Storage.SyncOnStart {
		if _, err := e.coordinator.SyncStorages(ctx); err != nil {
			// Index divergence is recoverable; the engine still serves
			// from the primary store.
			log.Warn().Err(err).Msg("startup storage sync incomplete")
		}
	}
	e.started = true
	return nil
}

// Stop halts timers and closes the index database.
func (e *Engine) Stop() error {
	e.cache.Stop()
	e.collector.Stop()
	e.events.Close()
	return e.index.Close()
}

// Coordinator exposes the storage coordinator.
func (e *Engine) Coordinator() *storage.Coordinator { return e.coordinator }

// Cache exposes the context cache.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Session returns the metrics collector's session statistics.
func (e *Engine) Session() metrics.SessionStats { return e.collector.Session() }

// NewPipeline builds a migration pipeline bound to this engine's storage.
func (e *Engine) NewPipeline() *migration.Pipeline {
	cfg := migration.Config{
		LegacyRoot:      e.cfg.Migration.LegacyRoot,
		BackupDir:       e.cfg.BackupDir(),
		BackupEnabled:   e.cfg.Migration.BackupEnabled,
		CheckpointEvery: e.cfg.Migration.CheckpointEvery,
		IgnorePatterns:  e.cfg.Migration.IgnorePatterns,
		Transform:       transform.DefaultConfig(),
		Validate:        validate.DefaultConfig(),
	}
	if e.cfg.Migration.MaxContentBytes > 0 {
		cfg.Transform.MaxContentBytes = e.cfg.Migration.MaxContentBytes
	}
	return migration.New(cfg, e.coordinator, e.events)
}

// ═══════════════════════════════════════════════════════════════════════════════
// CACHED READ/WRITE TRAFFIC
// ═══════════════════════════════════════════════════════════════════════════════

func cacheKey(id string) string { return "record:" + id }

// GetContext reads a record, serving from the cache when possible. Cache
// entries are non-authoritative: any miss or decode failure falls through to
// the coordinator.
func (e *Engine) GetContext(ctx context.Context, id string) (*types.ContextRecord, error) {
	if data, ok := e.cache.Get(cacheKey(id)); ok {
		var record types.ContextRecord
		if err := json.Unmarshal(data, &record); err == nil {
			return &record, nil
		}
		e.cache.Delete(cacheKey(id))
	}

	record, err := e.coordinator.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(record); err == nil {
		e.cache.Set(cacheKey(id), data, 0)
	}
	return record, nil
}

// CreateContext persists a new record and primes the cache.
func (e *Engine) CreateContext(ctx context.Context, record *types.ContextRecord) error {
	if err := e.coordinator.Create(ctx, record); err != nil {
		return err
	}
	if data, err := json.Marshal(record); err == nil {
		e.cache.Set(cacheKey(record.ID), data, 0)
	}
	return nil
}

// UpdateContext patches a record and refreshes its cache entry.
func (e *Engine) UpdateContext(ctx context.Context, id string, patch *types.RecordPatch) (*types.ContextRecord, error) {
	record, err := e.coordinator.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	if data, merr := json.Marshal(record); merr == nil {
		e.cache.Set(cacheKey(id), data, 0)
	}
	return record, nil
}

// DeleteContext removes a record and invalidates its cache entry.
func (e *Engine) DeleteContext(ctx context.Context, id string) error {
	if err := e.coordinator.Delete(ctx, id); err != nil {
		return err
	}
	e.cache.Delete(cacheKey(id))
	return nil
}

// OptimizeCache runs the promotion/demotion pass and returns what changed.
func (e *Engine) OptimizeCache() (promoted, demoted int) {
	return e.cache.Optimize()
}

// MaintenanceTick runs one forced cleanup cycle. Exposed for operational
// tooling; the background sweeps cover normal operation.
func (e *Engine) MaintenanceTick() {
	e.cache.ForceCleanup()
}

// Uptime reports how long the session has been running.
func (e *Engine) Uptime() time.Duration {
	return time.Since(e.collector.Session().StartTime)
}
