// Package migration orchestrates the one-shot import of legacy flat-file
// data into the context engine: a strict sequential phase state machine with
// durable checkpoints, a rollback ledger, and best-effort automatic rollback
// on failure. Migration is one-directional and never destructive to the
// legacy source files.
package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/normanking/contextcore/internal/bus"
	"github.com/normanking/contextcore/internal/legacy"
	"github.com/normanking/contextcore/internal/storage"
	"github.com/normanking/contextcore/internal/transform"
	"github.com/normanking/contextcore/internal/validate"
	"github.com/normanking/contextcore/pkg/types"
)

// Config tunes the pipeline.
type Config struct {
	LegacyRoot      string
	BackupDir       string
	BackupEnabled   bool
	CheckpointEvery int // snapshot cadence during the storage phase
	IgnorePatterns  []string
	Transform       transform.Config
	Validate        validate.Config
}

// DefaultConfig returns standard pipeline settings rooted at dataDir.
func DefaultConfig(legacyRoot, backupDir string) Config {
	return Config{
		LegacyRoot:      legacyRoot,
		BackupDir:       backupDir,
		BackupEnabled:   true,
		CheckpointEvery: 10,
		Transform:       transform.DefaultConfig(),
		Validate:        validate.DefaultConfig(),
	}
}

// phaseFloors are the monotonic progress floors per phase. Progress blends
// item counts (80% weight) with these so it never regresses mid-run.
var phaseFloors = map[types.MigrationPhase]float64{
	types.PhaseIdle:           0,
	types.PhaseSetup:          0.05,
	types.PhasePlanning:       0.15,
	types.PhaseBackup:         0.25,
	types.PhaseTransformation: 0.40,
	types.PhaseStorage:        0.60,
	types.PhaseVerification:   0.85,
	types.PhaseCleanup:        0.95,
	types.PhaseCompleted:      1.0,
}

// Pipeline is single-flight per invocation: phases run strictly
// sequentially and records within a phase are processed in order.
type Pipeline struct {
	cfg         Config
	coordinator *storage.Coordinator
	events      *bus.Bus

	mu          sync.Mutex
	migrationID string
	phase       types.MigrationPhase
	progress    float64
	processed   int
	total       int
	ledger      []string // successfully created record ids, in order
	warnings    []string

	// phase outputs
	reader         *legacy.Reader
	manifest       *types.MigrationManifest
	files          []*types.LegacyFile
	transformed    *types.TransformResult
	backupManifest *types.BackupManifest
	checkpoints    []string
	verifiedCount  int
}

// New builds a pipeline. The bus may be nil.
func New(cfg Config, coordinator *storage.Coordinator, events *bus.Bus) *Pipeline {
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 10
	}
	return &Pipeline{
		cfg:         cfg,
		coordinator: coordinator,
		events:      events,
		phase:       types.PhaseIdle,
	}
}

// Phase returns the current pipeline phase.
func (p *Pipeline) Phase() types.MigrationPhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Progress returns completion in [0,1]: 80% item-count progress blended with
// the monotonic per-phase floor.
func (p *Pipeline) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

func (p *Pipeline) enterPhase(phase types.MigrationPhase) {
	p.mu.Lock()
	p.phase = phase
	p.bumpProgressLocked()
	p.mu.Unlock()

	if p.events != nil {
		p.events.Publish(bus.Event{Type: bus.EventMigrationPhase, Phase: string(phase)})
	}
	log.Info().Str("phase", string(phase)).Msg("migration phase")
}

func (p *Pipeline) bumpProgressLocked() {
	floor := phaseFloors[p.phase]
	candidate := floor
	if p.total > 0 {
		item := float64(p.processed) / float64(p.total)
		candidate = 0.8*item + 0.2*floor
	}
	if floor > candidate {
		candidate = floor
	}
	if candidate > p.progress {
		p.progress = candidate
	}
}

func (p *Pipeline) markProcessed() {
	p.mu.Lock()
	p.processed++
	p.bumpProgressLocked()
	p.mu.Unlock()
}

func (p *Pipeline) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.mu.Lock()
	p.warnings = append(p.warnings, msg)
	p.mu.Unlock()
	log.Warn().Msg(msg)
}

// Migrate runs the full state machine. Phase errors never surface as panics
// or naked errors: any failure beyond setup triggers best-effort automatic
// rollback and is returned inside the structured report.
func (p *Pipeline) Migrate(ctx context.Context) *types.MigrationReport {
	report := &types.MigrationReport{
		MigrationID: uuid.NewString(),
		StartedAt:   time.Now().UTC(),
	}

	p.mu.Lock()
	p.migrationID = report.MigrationID
	p.ledger = nil
	p.warnings = nil
	p.processed = 0
	p.total = 0
	p.progress = 0
	p.reader = nil
	p.manifest = nil
	p.files = nil
	p.transformed = nil
	p.backupManifest = nil
	p.checkpoints = nil
	p.verifiedCount = 0
	p.mu.Unlock()

	type phaseStep struct {
		phase types.MigrationPhase
		run   func(context.Context) error
		skip  func() bool
	}
	steps := []phaseStep{
		{types.PhaseSetup, p.runSetup, nil},
		{types.PhasePlanning, p.runPlanning, nil},
		{types.PhaseBackup, p.runBackup, func() bool { return !p.cfg.BackupEnabled }},
		{types.PhaseTransformation, p.runTransformation, nil},
		{types.PhaseStorage, p.runStorage, nil},
		{types.PhaseVerification, p.runVerification, nil},
		{types.PhaseCleanup, p.runCleanup, nil},
	}

	for _, step := range steps {
		if step.skip != nil && step.skip() {
			continue
		}
		p.enterPhase(step.phase)
		if err := step.run(ctx); err != nil {
			phaseErr := &types.MigrationPhaseError{Phase: string(step.phase), Err: err}
			p.failAndRollback(ctx, phaseErr, report)
			p.finishReport(report)
			return report
		}
	}

	p.enterPhase(types.PhaseCompleted)
	report.Success = true
	report.Phase = types.PhaseCompleted
	report.Validation = p.runValidation()
	p.finishReport(report)
	report.Message = fmt.Sprintf("migrated %d of %d legacy files", report.Persisted, report.Discovered)
	return report
}

// runValidation grades the migrated set against the original source blobs.
func (p *Pipeline) runValidation() *types.ValidationReport {
	var records []*types.ContextRecord
	sources := make(map[string]string)
	byPath := make(map[string]*types.LegacyFile, len(p.files))
	for _, file := range p.files {
		byPath[file.Path] = file
	}
	for _, outcome := range p.transformed.Outcomes {
		if outcome.Record == nil {
			continue
		}
		records = append(records, outcome.Record)
		if file, ok := byPath[outcome.SourcePath]; ok {
			sources[outcome.Record.ID] = file.Raw
		}
	}
	return validate.New(p.cfg.Validate).ValidateMigration(records, sources)
}

// failAndRollback transitions to failed, attempts automatic rollback, and
// lands in rolled_back on success. A secondary rollback failure is recorded
// but never masks the original failure.
func (p *Pipeline) failAndRollback(ctx context.Context, phaseErr *types.MigrationPhaseError, report *types.MigrationReport) {
	log.Error().Err(phaseErr).Msg("migration failed")
	p.mu.Lock()
	p.phase = types.PhaseFailed
	p.mu.Unlock()

	report.Success = false
	report.Phase = types.PhaseFailed
	report.Message = phaseErr.Error()
	report.Errors = append(report.Errors, phaseErr.Error())

	// Setup failures leave nothing behind to undo.
	if phaseErr.Phase == string(types.PhaseSetup) {
		return
	}

	if rollbackErr := p.Rollback(ctx); rollbackErr != nil {
		wrapped := &types.RollbackError{Original: phaseErr, Err: rollbackErr}
		report.Errors = append(report.Errors, wrapped.Error())
	} else {
		p.mu.Lock()
		p.phase = types.PhaseRolledBack
		p.mu.Unlock()
		report.Phase = types.PhaseRolledBack
	}
}

func (p *Pipeline) finishReport(report *types.MigrationReport) {
	p.mu.Lock()
	report.Warnings = append(report.Warnings, p.warnings...)
	report.RecordIDs = append([]string(nil), p.ledger...)
	report.Persisted = len(p.ledger)
	report.Verified = p.verifiedCount
	p.mu.Unlock()
	if p.manifest != nil {
		report.Discovered = len(p.manifest.Files)
	}
	if p.transformed != nil {
		report.Transformed = p.transformed.Stats.Succeeded
	}
	report.FinishedAt = time.Now().UTC()

	if p.events != nil {
		p.events.Publish(bus.Event{
			Type:   bus.EventMigrationFinished,
			Phase:  string(report.Phase),
			Detail: report.Message,
		})
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// PHASES
// ═══════════════════════════════════════════════════════════════════════════════

// runSetup initializes target storage, verifies the legacy root exists
// (fatal otherwise), and prepares the backup scaffolding.
func (p *Pipeline) runSetup(ctx context.Context) error {
	reader, err := legacy.NewReader(p.cfg.LegacyRoot, p.cfg.IgnorePatterns)
	if err != nil {
		return err
	}
	if !reader.RootExists() {
		return fmt.Errorf("legacy root %s does not exist", p.cfg.LegacyRoot)
	}
	p.reader = reader

	if err := p.coordinator.WaitHealthy(ctx, 5*time.Second); err != nil {
		return fmt.Errorf("target storage not ready: %w", err)
	}
	return p.prepareBackupDir()
}

// runPlanning runs discovery and manifest generation. Conflicts and size
// warnings are surfaced, never fatal.
func (p *Pipeline) runPlanning(ctx context.Context) error {
	manifest, files, err := p.reader.Analyze()
	if err != nil {
		return err
	}
	p.manifest = manifest
	p.files = files

	p.mu.Lock()
	p.total = len(files)
	p.mu.Unlock()

	for _, conflict := range manifest.Conflicts {
		p.warn("storage key conflict: %s claimed by %v", conflict.StorageKey, conflict.SourcePaths)
	}
	for _, rec := range manifest.Recommendations {
		p.warn("planner: %s", rec)
	}

	if health := p.coordinator.HealthCheck(ctx); !health.Success {
		return fmt.Errorf("target storage unhealthy: %s", health.Message)
	}
	return nil
}

// runTransformation runs the batch transformer. Whole-batch failure is
// fatal; per-file failures are tolerated and reported.
func (p *Pipeline) runTransformation(ctx context.Context) error {
	transformer := transform.New(p.cfg.Transform)
	result := transformer.TransformBatch(p.files, p.manifest)
	p.transformed = result

	if result.Stats.Attempted > 0 && result.Stats.Succeeded == 0 {
		return fmt.Errorf("batch transformation produced no records (%d failures)", result.Stats.Failed)
	}
	for _, outcome := range result.Outcomes {
		if outcome.Err != "" {
			p.warn("transform %s: %s", outcome.SourcePath, outcome.Err)
		}
		for _, w := range outcome.Warnings {
			p.warn("transform %s: %s", outcome.SourcePath, w)
		}
	}
	return nil
}

// runStorage persists every transformed record. Each success is appended to
// the rollback ledger; a full-state checkpoint is snapshotted every K
// records. The phase fails only when persisted < attempted.
func (p *Pipeline) runStorage(ctx context.Context) error {
	attempted, persisted := 0, 0
	for _, outcome := range p.transformed.Outcomes {
		if outcome.Record == nil {
			p.markProcessed()
			continue
		}
		attempted++

		if err := p.coordinator.Create(ctx, outcome.Record); err != nil {
			p.warn("persist %s: %v", outcome.Record.ID, err)
		} else {
			persisted++
			p.mu.Lock()
			p.ledger = append(p.ledger, outcome.Record.ID)
			p.mu.Unlock()
		}
		p.markProcessed()

		if persisted > 0 && persisted%p.cfg.CheckpointEvery == 0 {
			if err := p.writeCheckpoint(fmt.Sprintf("storage-%d", persisted)); err != nil {
				p.warn("checkpoint: %v", err)
			}
		}
	}

	if persisted < attempted {
		return fmt.Errorf("persisted %d of %d records", persisted, attempted)
	}
	return nil
}

// runVerification re-reads every persisted record and asserts type and
// hierarchy equality with the transformed value. Anything short of 100%
// verified is fatal.
func (p *Pipeline) runVerification(ctx context.Context) error {
	expected := make(map[string]*types.ContextRecord)
	for _, outcome := range p.transformed.Outcomes {
		if outcome.Record != nil {
			expected[outcome.Record.ID] = outcome.Record
		}
	}

	p.mu.Lock()
	ids := append([]string(nil), p.ledger...)
	p.mu.Unlock()

	verified := 0
	for _, id := range ids {
		stored, err := p.coordinator.Read(ctx, id)
		if err != nil {
			p.warn("verify %s: %v", id, err)
			continue
		}
		want := expected[id]
		if want == nil {
			p.warn("verify %s: persisted record missing from transform output", id)
			continue
		}
		if stored.Type != want.Type || stored.HierarchyPath() != want.HierarchyPath() {
			p.warn("verify %s: stored %s/%s, expected %s/%s",
				id, stored.Type, stored.HierarchyPath(), want.Type, want.HierarchyPath())
			continue
		}
		verified++
	}

	p.mu.Lock()
	p.verifiedCount = verified
	p.mu.Unlock()

	if verified < len(ids) {
		return fmt.Errorf("verified %d of %d persisted records", verified, len(ids))
	}
	return nil
}

// runCleanup prunes checkpoints beyond the most recent 3. Legacy source
// files are never deleted.
func (p *Pipeline) runCleanup(ctx context.Context) error {
	p.pruneCheckpoints(3)
	return nil
}
