package migration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/contextcore/internal/bus"
	"github.com/normanking/contextcore/internal/index"
	"github.com/normanking/contextcore/internal/primary"
	"github.com/normanking/contextcore/internal/storage"
	"github.com/normanking/contextcore/internal/transform"
	"github.com/normanking/contextcore/internal/validate"
	"github.com/normanking/contextcore/pkg/types"
)

type pipelineEnv struct {
	coordinator *storage.Coordinator
	events      *bus.Bus
	legacyRoot  string
	backupDir   string
}

func setupPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()

	dataDir := t.TempDir()
	primaryStore, err := primary.New(dataDir)
	require.NoError(t, err)
	indexStore, err := index.NewDB(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { indexStore.Close() })

	events := bus.New()
	return &pipelineEnv{
		coordinator: storage.New(primaryStore, indexStore, events),
		events:      events,
		legacyRoot:  filepath.Join(dataDir, "legacy"),
		backupDir:   filepath.Join(dataDir, "backups"),
	}
}

func (env *pipelineEnv) writeLegacyFiles(t *testing.T) {
	t.Helper()
	require.NoError(t, os.MkdirAll(env.legacyRoot, 0o755))
	files := map[string]string{
		"project-brief.md":   "# Orion\n\nGoals live here, see progress-report.md.\n",
		"progress-report.md": "# Week 12\n\nStorage done. #milestone\n",
		"session-log.json":   `{"title": "Planning", "topic": "storage"}`,
		"notes.txt":          "Scratch note\nsecond line\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(env.legacyRoot, name), []byte(content), 0o644))
	}
}

func (env *pipelineEnv) newPipeline() *Pipeline {
	cfg := Config{
		LegacyRoot:      env.legacyRoot,
		BackupDir:       env.backupDir,
		BackupEnabled:   true,
		CheckpointEvery: 2,
		Transform:       transform.DefaultConfig(),
		Validate:        validate.DefaultConfig(),
	}
	cfg.Transform.BatchPause = 0
	return New(cfg, env.coordinator, env.events)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HAPPY PATH
// ═══════════════════════════════════════════════════════════════════════════════

func TestMigrateSuccess(t *testing.T) {
	env := setupPipelineEnv(t)
	env.writeLegacyFiles(t)
	ctx := context.Background()

	var phases []string
	env.events.Subscribe(bus.EventMigrationPhase, func(e bus.Event) {
		phases = append(phases, e.Phase)
	})

	pipeline := env.newPipeline()
	report := pipeline.Migrate(ctx)

	t.Run("completes with a full report", func(t *testing.T) {
		require.True(t, report.Success, "report: %+v", report)
		assert.Equal(t, types.PhaseCompleted, report.Phase)
		assert.Equal(t, 4, report.Discovered)
		assert.Equal(t, 4, report.Transformed)
		assert.Equal(t, 4, report.Persisted)
		assert.Equal(t, 4, report.Verified)
		assert.Len(t, report.RecordIDs, 4)
		assert.False(t, report.FinishedAt.Before(report.StartedAt))
	})

	t.Run("phases ran in order", func(t *testing.T) {
		want := []string{"setup", "planning", "backup", "transformation", "storage", "verification", "cleanup", "completed"}
		assert.Equal(t, want, phases)
		assert.Equal(t, 1.0, pipeline.Progress())
	})

	t.Run("records are readable with migration tags", func(t *testing.T) {
		record, err := env.coordinator.Read(ctx, "project-brief")
		require.NoError(t, err)
		assert.Equal(t, types.TypeProject, record.Type)
		assert.Equal(t, "project/core", record.HierarchyPath())
		assert.Contains(t, record.Metadata.Tags, "migrated")
	})

	t.Run("cross-file references resolved", func(t *testing.T) {
		record, err := env.coordinator.Read(ctx, "project-brief")
		require.NoError(t, err)
		assert.Equal(t, []string{"progress-report"}, record.Relationships.References)
	})

	t.Run("validation graded the migration", func(t *testing.T) {
		require.NotNil(t, report.Validation)
		assert.True(t, report.Validation.Valid)
		assert.Contains(t, []string{"A", "B"}, report.Validation.Grade)
		assert.Equal(t, 4, report.Validation.Checked)
	})

	t.Run("backup holds every source file", func(t *testing.T) {
		manifest, err := LoadBackupManifest(env.backupDir, report.MigrationID)
		require.NoError(t, err)
		require.NotNil(t, manifest)
		assert.Len(t, manifest.Files, 4)
		for _, pair := range manifest.Files {
			_, err := os.Stat(pair.BackupPath)
			assert.NoError(t, err, "backup copy %s", pair.BackupPath)
		}
	})

	t.Run("checkpoints pruned to three", func(t *testing.T) {
		assert.LessOrEqual(t, len(pipeline.Checkpoints()), 3)
		checkpoint, err := LoadLatestCheckpoint(env.backupDir, report.MigrationID)
		require.NoError(t, err)
		require.NotNil(t, checkpoint)
		assert.NotEmpty(t, checkpoint.State["ledger"])
	})

	t.Run("legacy sources are untouched", func(t *testing.T) {
		entries, err := os.ReadDir(env.legacyRoot)
		require.NoError(t, err)
		assert.Len(t, entries, 4)
	})
}

func TestMigrateWithoutBackup(t *testing.T) {
	env := setupPipelineEnv(t)
	env.writeLegacyFiles(t)

	pipeline := env.newPipeline()
	pipeline.cfg.BackupEnabled = false
	report := pipeline.Migrate(context.Background())

	require.True(t, report.Success)
	assert.Nil(t, pipeline.BackupManifest())
	manifest, err := LoadBackupManifest(env.backupDir, report.MigrationID)
	require.NoError(t, err)
	assert.Nil(t, manifest)
}

// ═══════════════════════════════════════════════════════════════════════════════
// FAILURE & ROLLBACK
// ═══════════════════════════════════════════════════════════════════════════════

func TestMigrateMissingLegacyRoot(t *testing.T) {
	env := setupPipelineEnv(t)
	// No legacy files written: the root does not exist.

	pipeline := env.newPipeline()
	report := pipeline.Migrate(context.Background())

	assert.False(t, report.Success)
	// Setup failures leave nothing to roll back.
	assert.Equal(t, types.PhaseFailed, report.Phase)
	require.NotEmpty(t, report.Errors)
	assert.Contains(t, report.Errors[0], "setup")
}

func TestMigrateReuseResetsState(t *testing.T) {
	env := setupPipelineEnv(t)
	env.writeLegacyFiles(t)
	ctx := context.Background()

	pipeline := env.newPipeline()
	first := pipeline.Migrate(ctx)
	require.True(t, first.Success)
	require.NotNil(t, pipeline.BackupManifest())
	require.NotEmpty(t, pipeline.Checkpoints())

	// Second run on the same pipeline fails at setup; nothing from the first
	// run may leak into its report.
	pipeline.cfg.LegacyRoot = filepath.Join(env.legacyRoot, "does-not-exist")
	second := pipeline.Migrate(ctx)

	assert.False(t, second.Success)
	assert.Zero(t, second.Discovered)
	assert.Zero(t, second.Transformed)
	assert.Zero(t, second.Persisted)
	assert.Zero(t, second.Verified)
	assert.Empty(t, second.RecordIDs)
	assert.Nil(t, pipeline.BackupManifest())
	assert.Empty(t, pipeline.Checkpoints())
}

func TestRollback(t *testing.T) {
	env := setupPipelineEnv(t)
	env.writeLegacyFiles(t)
	ctx := context.Background()

	pipeline := env.newPipeline()
	report := pipeline.Migrate(ctx)
	require.True(t, report.Success)
	require.Len(t, report.RecordIDs, 4)

	t.Run("rollback removes every migrated record", func(t *testing.T) {
		require.NoError(t, pipeline.Rollback(ctx))
		for _, id := range report.RecordIDs {
			assert.False(t, env.coordinator.Exists(id), "record %s should be gone", id)
		}
	})

	t.Run("rollback restores deleted legacy sources", func(t *testing.T) {
		victim := filepath.Join(env.legacyRoot, "notes.txt")
		require.NoError(t, os.Remove(victim))

		require.NoError(t, pipeline.Rollback(ctx))
		_, err := os.Stat(victim)
		assert.NoError(t, err, "expected notes.txt restored from backup")
	})
}

func TestRollbackFromArtifacts(t *testing.T) {
	env := setupPipelineEnv(t)
	env.writeLegacyFiles(t)
	ctx := context.Background()

	pipeline := env.newPipeline()
	report := pipeline.Migrate(ctx)
	require.True(t, report.Success)

	// Simulate a fresh process: only the on-disk artifacts are available.
	deleted, warnings, err := RollbackFromArtifacts(ctx, env.coordinator, env.backupDir, report.MigrationID)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, 4, deleted)
	for _, id := range report.RecordIDs {
		assert.False(t, env.coordinator.Exists(id))
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	env := setupPipelineEnv(t)
	env.writeLegacyFiles(t)

	pipeline := env.newPipeline()

	var last float64
	env.events.Subscribe(bus.EventMigrationPhase, func(bus.Event) {
		p := pipeline.Progress()
		assert.GreaterOrEqual(t, p, last, "progress regressed")
		last = p
	})

	report := pipeline.Migrate(context.Background())
	require.True(t, report.Success)
	assert.Equal(t, 1.0, pipeline.Progress())
}
