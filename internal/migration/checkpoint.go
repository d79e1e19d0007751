package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/normanking/contextcore/pkg/types"
)

// writeCheckpoint snapshots the full pipeline state to disk under the backup
// directory for crash inspection and recovery.
func (p *Pipeline) writeCheckpoint(name string) error {
	p.mu.Lock()
	checkpoint := types.Checkpoint{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Phase:     p.phase,
		Processed: p.processed,
		State: map[string]any{
			"migration_id": p.migrationID,
			"total":        p.total,
			"ledger":       append([]string(nil), p.ledger...),
			"warnings":     append([]string(nil), p.warnings...),
			"progress":     p.progress,
		},
	}
	p.mu.Unlock()

	dir := filepath.Join(p.backupRoot(), "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare checkpoint directory: %w", err)
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json", checkpoint.CreatedAt.Format("20060102T150405.000"), name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	p.mu.Lock()
	p.checkpoints = append(p.checkpoints, path)
	p.mu.Unlock()
	log.Debug().Str("checkpoint", path).Msg("pipeline state snapshotted")
	return nil
}

// pruneCheckpoints keeps only the newest keep checkpoint files.
func (p *Pipeline) pruneCheckpoints(keep int) {
	p.mu.Lock()
	paths := append([]string(nil), p.checkpoints...)
	p.mu.Unlock()

	if len(paths) <= keep {
		return
	}
	// Timestamped names sort chronologically.
	sort.Strings(paths)
	stale := paths[:len(paths)-keep]
	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("checkpoint", path).Msg("checkpoint prune failed")
		}
	}

	p.mu.Lock()
	p.checkpoints = paths[len(paths)-keep:]
	p.mu.Unlock()
}

// LoadLatestCheckpoint reads the newest checkpoint of a previous migration,
// or nil when none exists.
func LoadLatestCheckpoint(backupDir, migrationID string) (*types.Checkpoint, error) {
	dir := filepath.Join(backupDir, migrationID, "checkpoints")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)

	data, err := os.ReadFile(filepath.Join(dir, names[len(names)-1]))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var checkpoint types.Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// Checkpoints returns the checkpoint files written so far.
func (p *Pipeline) Checkpoints() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.checkpoints...)
}
