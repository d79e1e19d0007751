// Package storage combines the authoritative primary store with the
// best-effort relational index behind one coordinator. The contract is
// eventual consistency: primary failures abort the calling operation, index
// failures are logged warnings, and SyncStorages is the named repair
// operation that restores full consistency from the authoritative side.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/normanking/contextcore/internal/bus"
	"github.com/normanking/contextcore/internal/index"
	"github.com/normanking/contextcore/internal/primary"
	"github.com/normanking/contextcore/pkg/types"
)

// Coordinator routes every read and write across both backends.
type Coordinator struct {
	primary *primary.Store
	index   *index.Store
	events  *bus.Bus
}

// New builds a coordinator. The bus may be nil when no telemetry consumer is
// wired.
func New(primaryStore *primary.Store, indexStore *index.Store, events *bus.Bus) *Coordinator {
	return &Coordinator{primary: primaryStore, index: indexStore, events: events}
}

// Primary exposes the authoritative store for health probes.
func (c *Coordinator) Primary() *primary.Store { return c.primary }

// Index exposes the secondary store for analytics.
func (c *Coordinator) Index() *index.Store { return c.index }

func (c *Coordinator) publish(eventType bus.EventType, recordID, detail string) {
	if c.events != nil {
		c.events.Publish(bus.Event{Type: eventType, RecordID: recordID, Detail: detail})
	}
}

// mirror applies an index-side mutation, swallowing failure as a warning.
// Index divergence is tolerated, data loss is not.
func (c *Coordinator) mirror(op string, recordID string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn().Err(err).Str("op", op).Str("id", recordID).
			Msg("index mirror failed, continuing with primary result")
		c.publish(bus.EventIndexMirrorFailed, recordID, op)
	}
}

// Create writes to the primary store first (fatal on failure), then mirrors
// to the index.
func (c *Coordinator) Create(ctx context.Context, record *types.ContextRecord) error {
	if err := c.primary.Create(record); err != nil {
		return err
	}
	c.mirror("create", record.ID, func() error { return c.index.Create(ctx, record) })
	c.linkParent(ctx, record)
	c.publish(bus.EventRecordCreated, record.ID, string(record.Type))
	return nil
}

// linkParent back-fills the parent's children set when a record carries a
// parent reference. Same eventual-consistency contract as the index mirror:
// a missing parent or a failed parent write is a warning, never fatal to the
// calling operation.
func (c *Coordinator) linkParent(ctx context.Context, record *types.ContextRecord) {
	parentID := record.Relationships.Parent
	if parentID == "" || parentID == record.ID {
		return
	}

	parent, err := c.primary.Read(parentID)
	if err != nil {
		log.Warn().Err(err).Str("id", record.ID).Str("parent", parentID).
			Msg("parent not found, children back-link skipped")
		return
	}
	for _, child := range parent.Relationships.Children {
		if child == record.ID {
			return // already linked
		}
	}

	rel := parent.Relationships
	rel.Children = append(append([]string(nil), rel.Children...), record.ID)
	merged, err := c.primary.Update(parentID, &types.RecordPatch{Relationships: &rel})
	if err != nil {
		log.Warn().Err(err).Str("parent", parentID).Msg("children back-link update failed")
		return
	}
	c.mirror("link-parent", parentID, func() error { return c.index.Upsert(ctx, merged) })
}

// Read serves full content from the primary store and lazily backfills the
// index when the record is missing there.
func (c *Coordinator) Read(ctx context.Context, id string) (*types.ContextRecord, error) {
	record, err := c.primary.Read(id)
	if err != nil {
		return nil, err
	}

	c.mirror("backfill", id, func() error {
		ok, err := c.index.Has(ctx, id)
		if err != nil || ok {
			return err
		}
		return c.index.Create(ctx, record)
	})
	c.publish(bus.EventRecordRead, id, "")
	return record, nil
}

// Update patches the primary record, then mirrors the merged result.
func (c *Coordinator) Update(ctx context.Context, id string, patch *types.RecordPatch) (*types.ContextRecord, error) {
	record, err := c.primary.Update(id, patch)
	if err != nil {
		return nil, err
	}
	c.mirror("update", id, func() error { return c.index.Upsert(ctx, record) })
	c.linkParent(ctx, record)
	c.publish(bus.EventRecordUpdated, id, "")
	return record, nil
}

// Delete removes the record from both backends.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	if err := c.primary.Delete(id); err != nil {
		return err
	}
	c.mirror("delete", id, func() error { return c.index.Delete(ctx, id) })
	c.publish(bus.EventRecordDeleted, id, "")
	return nil
}

// List prefers the index for speed and falls back to a primary-store walk on
// index failure. IncludeContent hydrates each result from the primary store.
func (c *Coordinator) List(ctx context.Context, filter types.ListFilter, includeContent bool) (*types.ListResult, error) {
	summaries, err := c.index.List(ctx, filter)
	if err != nil {
		log.Warn().Err(err).Msg("index list failed, falling back to primary store")
		return c.listFromPrimary(filter)
	}

	result := &types.ListResult{Summaries: summaries, Total: len(summaries), FromIndex: true}
	if includeContent {
		result.Records = c.hydrate(summaries)
	}
	return result, nil
}

// Search prefers the index, falling back to the primary store.
func (c *Coordinator) Search(ctx context.Context, query string, includeContent bool) (*types.ListResult, error) {
	summaries, err := c.index.Search(ctx, query)
	if err != nil {
		log.Warn().Err(err).Msg("index search failed, falling back to primary store")
		records, perr := c.primary.Search(query)
		if perr != nil {
			return nil, perr
		}
		return resultFromRecords(records), nil
	}

	result := &types.ListResult{Summaries: summaries, Total: len(summaries), FromIndex: true}
	if includeContent {
		result.Records = c.hydrate(summaries)
	}
	return result, nil
}

// GetByHierarchy lists everything at or below a hierarchy prefix.
func (c *Coordinator) GetByHierarchy(ctx context.Context, prefix string, includeContent bool) (*types.ListResult, error) {
	return c.List(ctx, types.ListFilter{HierarchyPrefix: prefix}, includeContent)
}

func (c *Coordinator) listFromPrimary(filter types.ListFilter) (*types.ListResult, error) {
	records, err := c.primary.List(filter)
	if err != nil {
		return nil, err
	}
	return resultFromRecords(records), nil
}

func resultFromRecords(records []*types.ContextRecord) *types.ListResult {
	result := &types.ListResult{Records: records, Total: len(records)}
	for _, record := range records {
		result.Summaries = append(result.Summaries, types.RecordSummary{
			ID:            record.ID,
			Type:          record.Type,
			HierarchyPath: record.HierarchyPath(),
			Importance:    record.Importance,
			AgentID:       record.Metadata.AgentID,
			Tags:          record.Metadata.Tags,
			Created:       record.Created,
			Updated:       record.Updated,
		})
	}
	return result
}

// hydrate loads full records for each summary. Per-result read failures are
// logged and skipped so one broken file cannot sink a whole listing.
func (c *Coordinator) hydrate(summaries []types.RecordSummary) []*types.ContextRecord {
	records := make([]*types.ContextRecord, 0, len(summaries))
	for _, summary := range summaries {
		record, err := c.primary.Read(summary.ID)
		if err != nil {
			log.Warn().Err(err).Str("id", summary.ID).Msg("content hydration failed")
			continue
		}
		records = append(records, record)
	}
	return records
}

// SyncStorages walks every primary record and upserts index rows that are
// missing or stale (primary updated_at newer than the index's). Transient
// index errors are retried with capped exponential backoff. Returns the
// number of rows repaired.
func (c *Coordinator) SyncStorages(ctx context.Context) (int, error) {
	synced := 0
	err := c.primary.WalkAll(func(record *types.ContextRecord) error {
		indexed, found, err := c.index.UpdatedAt(ctx, record.ID)
		if err == nil && found && !record.Updated.After(indexed) {
			return nil // fresh enough
		}

		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		if err := backoff.Retry(func() error { return c.index.Upsert(ctx, record) }, policy); err != nil {
			return &types.StorageError{Backend: "index", Op: "sync", Err: err}
		}
		synced++
		return nil
	})
	if err != nil {
		return synced, fmt.Errorf("sync storages: %w", err)
	}
	if synced > 0 {
		log.Info().Int("synced", synced).Msg("storages synchronized")
	}
	c.publish(bus.EventIndexSynced, "", fmt.Sprintf("synced=%d", synced))
	return synced, nil
}

// RebuildIndex drops and recreates the index schema, then resyncs from the
// primary store.
func (c *Coordinator) RebuildIndex(ctx context.Context) (int, error) {
	if err := c.index.DropSchema(); err != nil {
		return 0, &types.StorageError{Backend: "index", Op: "drop-schema", Err: err}
	}
	if err := c.index.Migrate(); err != nil {
		return 0, &types.StorageError{Backend: "index", Op: "migrate", Err: err}
	}
	return c.SyncStorages(ctx)
}

// HealthCheck probes both backends. An index failure is reported but does
// not fail the check; a primary failure does.
func (c *Coordinator) HealthCheck(ctx context.Context) types.OperationResult {
	result := types.OperationResult{Success: true, Message: "storage healthy"}

	if err := c.primary.HealthCheck(); err != nil {
		return types.OperationResult{
			Success: false,
			Message: "primary store unhealthy",
			Errors:  []string{err.Error()},
		}
	}
	if err := c.index.Health(); err != nil {
		result.Message = "primary healthy, index degraded"
		result.Errors = append(result.Errors, err.Error())
	}
	return result
}

// Exists reports whether a record is present in the primary store.
func (c *Coordinator) Exists(id string) bool {
	_, err := c.primary.Read(id)
	return err == nil
}

// WaitHealthy blocks until the primary store answers a health probe or the
// deadline passes. Used by migration setup.
func (c *Coordinator) WaitHealthy(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := c.primary.HealthCheck(); err == nil {
			return nil
		} else if time.Now().After(deadline) {
			return fmt.Errorf("storage did not become healthy within %s: %w", timeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// IsNotFound reports whether err represents a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}
