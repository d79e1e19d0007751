// Package validate performs post-migration integrity checks and grading:
// schema shape, content integrity against the source blobs, relationship
// resolution within the migrated set, storage-key consistency, and
// pre-migration manifest checks.
package validate

import (
	"fmt"
	"math"

	"github.com/normanking/contextcore/internal/schema"
	"github.com/normanking/contextcore/pkg/types"
)

// Config tunes the validator.
type Config struct {
	// ContentDeltaThreshold is the relative length change between source
	// and migrated content above which a warning is raised.
	ContentDeltaThreshold float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{ContentDeltaThreshold: 0.10}
}

// Validator runs integrity checks over migrated records.
type Validator struct {
	cfg Config
}

// New builds a validator.
func New(cfg Config) *Validator {
	if cfg.ContentDeltaThreshold <= 0 {
		cfg.ContentDeltaThreshold = DefaultConfig().ContentDeltaThreshold
	}
	return &Validator{cfg: cfg}
}

// ValidateMigration checks every migrated record. sources maps record id to
// the original source content and may omit entries; content checks only run
// for ids present there and never hard-fail on their own.
func (v *Validator) ValidateMigration(records []*types.ContextRecord, sources map[string]string) *types.ValidationReport {
	report := &types.ValidationReport{Checked: len(records)}

	migrated := make(map[string]*types.ContextRecord, len(records))
	for _, record := range records {
		migrated[record.ID] = record
	}

	keys := make(map[string][]string)
	for _, record := range records {
		failed := false

		if err := schema.Validate(record); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", record.ID, err))
			failed = true
		}

		if source, ok := sources[record.ID]; ok {
			v.checkContent(record, source, report)
		}

		if !v.checkRelationships(record, migrated, report) {
			failed = true
		}

		key := schema.StorageKey(record.Hierarchy, record.Type, record.ID)
		keys[key] = append(keys[key], record.ID)

		if !failed {
			report.Passed++
		}
	}

	for key, ids := range keys {
		if len(ids) > 1 {
			report.Errors = append(report.Errors,
				fmt.Sprintf("duplicate storage key %s shared by %d records", key, len(ids)))
		}
	}

	v.finalize(report)
	return report
}

// checkContent flags suspicious source-to-target content changes. Warnings
// only: compaction legitimately shrinks content.
func (v *Validator) checkContent(record *types.ContextRecord, source string, report *types.ValidationReport) {
	if len(source) > 0 && len(record.Content) == 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%s: non-empty source migrated to empty content", record.ID))
		return
	}
	if len(source) == 0 {
		return
	}
	delta := math.Abs(float64(len(record.Content))-float64(len(source))) / float64(len(source))
	if delta > v.cfg.ContentDeltaThreshold {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%s: content length changed by %.0f%% during migration", record.ID, delta*100))
	}
}

// checkRelationships verifies every parent/child/reference id resolves
// within the migrated set, and that resolved parent/child links are
// symmetric: a parent must list the record among its children and a listed
// child must name the record as its parent. Violations are errors.
func (v *Validator) checkRelationships(record *types.ContextRecord, migrated map[string]*types.ContextRecord, report *types.ValidationReport) bool {
	ok := true
	if parentID := record.Relationships.Parent; parentID != "" {
		parent, found := migrated[parentID]
		switch {
		case !found:
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s: parent %s not in migrated set", record.ID, parentID))
			ok = false
		case !containsID(parent.Relationships.Children, record.ID):
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s: parent %s does not list it as a child", record.ID, parentID))
			ok = false
		}
	}
	for _, childID := range record.Relationships.Children {
		child, found := migrated[childID]
		switch {
		case !found:
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s: child %s not in migrated set", record.ID, childID))
			ok = false
		case child.Relationships.Parent != record.ID:
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s: child %s names parent %q instead", record.ID, childID, child.Relationships.Parent))
			ok = false
		}
	}
	for _, ref := range record.Relationships.References {
		if _, found := migrated[ref]; !found {
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s: reference %s not in migrated set", record.ID, ref))
			ok = false
		}
	}
	return ok
}

func containsID(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// ValidateManifest runs the pre-migration checks: required fields, duplicate
// sources (warning), duplicate target keys (error), conflict count
// (warning).
func (v *Validator) ValidateManifest(manifest *types.MigrationManifest) *types.ValidationReport {
	report := &types.ValidationReport{Checked: len(manifest.Files)}

	if manifest.Version == "" {
		report.Errors = append(report.Errors, "manifest missing version")
	}
	if manifest.SourceRoot == "" {
		report.Errors = append(report.Errors, "manifest missing source root")
	}

	sources := make(map[string]int)
	targets := make(map[string]int)
	for _, file := range manifest.Files {
		failed := false
		if file.SourcePath == "" || file.StorageKey == "" || len(file.TargetHierarchy) == 0 {
			report.Errors = append(report.Errors,
				fmt.Sprintf("manifest entry %q missing required fields", file.SourcePath))
			failed = true
		}
		sources[file.SourcePath]++
		targets[file.StorageKey]++
		if !failed {
			report.Passed++
		}
	}

	for source, count := range sources {
		if count > 1 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("source %s appears %d times in manifest", source, count))
		}
	}
	for key, count := range targets {
		if count > 1 {
			report.Errors = append(report.Errors,
				fmt.Sprintf("target storage key %s mapped by %d sources", key, count))
		}
	}
	if len(manifest.Conflicts) > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("manifest carries %d unresolved conflict group(s)", len(manifest.Conflicts)))
	}

	v.finalize(report)
	return report
}

// finalize computes counters, success rate, grade and recommendations.
func (v *Validator) finalize(report *types.ValidationReport) {
	report.ErrorCount = len(report.Errors)
	report.WarningCount = len(report.Warnings)
	report.Valid = report.ErrorCount == 0

	if report.Checked > 0 {
		report.SuccessRate = float64(report.Passed) / float64(report.Checked)
	} else {
		report.SuccessRate = 1.0
	}
	report.Grade = gradeFor(report.SuccessRate)
	report.Recommendations = recommendationsFor(report)
}

// gradeFor maps a success rate to a letter grade.
func gradeFor(rate float64) string {
	switch {
	case rate >= 0.95:
		return "A"
	case rate >= 0.85:
		return "B"
	case rate >= 0.70:
		return "C"
	case rate >= 0.60:
		return "D"
	default:
		return "F"
	}
}

// recommendationsFor derives textual advice from the failure patterns.
func recommendationsFor(report *types.ValidationReport) []string {
	var recs []string
	if report.ErrorCount > 0 {
		recs = append(recs, "resolve the listed errors and re-run validation before trusting the migrated data")
	}
	if report.WarningCount > report.Checked/2 && report.Checked > 0 {
		recs = append(recs, "over half of the records produced warnings; review the transformation configuration")
	}
	if report.Grade == "D" || report.Grade == "F" {
		recs = append(recs, "success rate is low; consider rolling back and migrating in smaller batches")
	}
	if report.Valid && report.WarningCount == 0 {
		recs = append(recs, "migration is clean; no further action required")
	}
	return recs
}
