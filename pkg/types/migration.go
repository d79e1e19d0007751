package types

import "time"

// ═══════════════════════════════════════════════════════════════════════════════
// LEGACY DISCOVERY & MANIFEST
// ═══════════════════════════════════════════════════════════════════════════════

// LegacyFormat identifies the source file format of a legacy context file.
type LegacyFormat string

const (
	FormatMarkdown LegacyFormat = "markdown"
	FormatJSON     LegacyFormat = "json"
	FormatText     LegacyFormat = "text"
)

// LegacySection is one heading-delimited block of a legacy markdown file.
type LegacySection struct {
	Level   int    `json:"level"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// LegacyFile is a parsed legacy source file.
type LegacyFile struct {
	Path     string          `json:"path"`
	Name     string          `json:"name"`
	Format   LegacyFormat    `json:"format"`
	Size     int64           `json:"size"`
	Modified time.Time       `json:"modified"`
	Title    string          `json:"title,omitempty"`
	Sections []LegacySection `json:"sections,omitempty"`
	// Structured holds the decoded document for JSON sources.
	Structured map[string]any `json:"structured,omitempty"`
	// Raw holds the full original text for text and markdown sources.
	Raw string `json:"raw,omitempty"`
	// LegacyType is the inferred category (project/progress/tech/...).
	LegacyType string `json:"legacy_type"`
}

// ManifestFile is the migration plan for a single legacy file.
type ManifestFile struct {
	SourcePath      string       `json:"source_path"`
	LegacyType      string       `json:"legacy_type"`
	Format          LegacyFormat `json:"format"`
	Size            int64        `json:"size"`
	Modified        time.Time    `json:"modified"`
	TargetHierarchy []string     `json:"target_hierarchy"`
	TargetType      RecordType   `json:"target_type"`
	StorageKey      string       `json:"storage_key"`
	TransformSteps  []string     `json:"transform_steps"`
}

// ManifestMapping pairs a source path with its target storage key.
type ManifestMapping struct {
	SourcePath string `json:"source_path"`
	StorageKey string `json:"storage_key"`
}

// ManifestConflict groups every source file that resolves to the same
// storage key.
type ManifestConflict struct {
	StorageKey  string   `json:"storage_key"`
	SourcePaths []string `json:"source_paths"`
}

// MigrationManifest is the declarative mapping of legacy sources to target
// locations plus the transformation plan.
type MigrationManifest struct {
	Version         string             `json:"version"`
	GeneratedAt     time.Time          `json:"generated_at"`
	SourceRoot      string             `json:"source_root"`
	Files           []ManifestFile     `json:"files"`
	Mappings        []ManifestMapping  `json:"mappings"`
	Conflicts       []ManifestConflict `json:"conflicts"`
	Recommendations []string           `json:"recommendations"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRANSFORMATION
// ═══════════════════════════════════════════════════════════════════════════════

// TransformOutcome is the per-file result of a transformation.
type TransformOutcome struct {
	SourcePath string         `json:"source_path"`
	Record     *ContextRecord `json:"record,omitempty"`
	Err        string         `json:"error,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
}

// TransformStats aggregates a batch transformation.
type TransformStats struct {
	Attempted    int   `json:"attempted"`
	Succeeded    int   `json:"succeeded"`
	Failed       int   `json:"failed"`
	WarningCount int   `json:"warning_count"`
	BytesIn      int64 `json:"bytes_in"`
	BytesOut     int64 `json:"bytes_out"`
}

// TransformResult is the envelope returned by a batch transformation.
type TransformResult struct {
	Outcomes []TransformOutcome `json:"outcomes"`
	Stats    TransformStats     `json:"stats"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// BACKUP, CHECKPOINT, MIGRATION REPORT
// ═══════════════════════════════════════════════════════════════════════════════

// BackupPair maps an original legacy file to its backup copy.
type BackupPair struct {
	OriginalPath string `json:"original_path"`
	BackupPath   string `json:"backup_path"`
}

// BackupManifest records what the backup phase copied. It is the only
// artifact rollback can restore from.
type BackupManifest struct {
	MigrationID string       `json:"migration_id"`
	CreatedAt   time.Time    `json:"created_at"`
	LegacyRoot  string       `json:"legacy_root"`
	Files       []BackupPair `json:"files"`
}

// MigrationPhase names one stage of the pipeline state machine.
type MigrationPhase string

const (
	PhaseIdle           MigrationPhase = "idle"
	PhaseSetup          MigrationPhase = "setup"
	PhasePlanning       MigrationPhase = "planning"
	PhaseBackup         MigrationPhase = "backup"
	PhaseTransformation MigrationPhase = "transformation"
	PhaseStorage        MigrationPhase = "storage"
	PhaseVerification   MigrationPhase = "verification"
	PhaseCleanup        MigrationPhase = "cleanup"
	PhaseCompleted      MigrationPhase = "completed"
	PhaseFailed         MigrationPhase = "failed"
	PhaseRolledBack     MigrationPhase = "rolled_back"
)

// Checkpoint is a durable snapshot of pipeline state written during the
// storage phase for crash inspection and recovery.
type Checkpoint struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	Phase     MigrationPhase `json:"phase"`
	Processed int            `json:"processed"`
	State     map[string]any `json:"state"`
}

// MigrationReport is the structured result of a migrate() invocation.
type MigrationReport struct {
	MigrationID string            `json:"migration_id"`
	Success     bool              `json:"success"`
	Phase       MigrationPhase    `json:"phase"`
	Message     string            `json:"message,omitempty"`
	Errors      []string          `json:"errors,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Discovered  int               `json:"discovered"`
	Transformed int               `json:"transformed"`
	Persisted   int               `json:"persisted"`
	Verified    int               `json:"verified"`
	RecordIDs   []string          `json:"record_ids,omitempty"`
	Validation  *ValidationReport `json:"validation,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// VALIDATION
// ═══════════════════════════════════════════════════════════════════════════════

// ValidationReport is the post-migration integrity assessment. WarningCount
// always equals len(Warnings); both are serialized.
type ValidationReport struct {
	Valid           bool     `json:"valid"`
	Checked         int      `json:"checked"`
	Passed          int      `json:"passed"`
	ErrorCount      int      `json:"error_count"`
	WarningCount    int      `json:"warning_count"`
	Errors          []string `json:"errors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	SuccessRate     float64  `json:"success_rate"`
	Grade           string   `json:"grade"`
	Recommendations []string `json:"recommendations,omitempty"`
}
