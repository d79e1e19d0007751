// Package transform maps parsed legacy files onto context records: content
// extraction and compaction, initial importance scoring, tag and dependency
// derivation, and batch processing with reference resolution.
package transform

import (
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/contextcore/internal/schema"
	"github.com/normanking/contextcore/pkg/types"
)

// Config tunes the transformer.
type Config struct {
	// MaxContentBytes is the size ceiling above which content is
	// compacted and truncated. Zero disables compaction.
	MaxContentBytes int

	// BatchPause is the pause inserted every batchPauseEvery records to
	// bound write pressure during large batches.
	BatchPause time.Duration
}

// DefaultConfig returns the standard transformer settings.
func DefaultConfig() Config {
	return Config{
		MaxContentBytes: 256 << 10, // 256 KiB
		BatchPause:      25 * time.Millisecond,
	}
}

const batchPauseEvery = 10

// Transformer converts legacy files into context records.
type Transformer struct {
	cfg Config
	now func() time.Time
}

// New builds a transformer.
func New(cfg Config) *Transformer {
	return &Transformer{cfg: cfg, now: time.Now}
}

// TransformFile converts one parsed legacy file according to its manifest
// plan. Unknown step tags are recorded as warnings and skipped, never fatal.
func (t *Transformer) TransformFile(file *types.LegacyFile, plan types.ManifestFile) (*types.ContextRecord, []string, error) {
	sc := &stepContext{file: file, plan: plan, content: file.Raw}

	var warnings []string
	for _, step := range plan.TransformSteps {
		fn, ok := registry[step]
		if !ok {
			warnings = append(warnings, "unknown transform step "+step+", skipped")
			continue
		}
		fn(t, sc)
	}

	record := t.buildRecord(sc)
	return record, warnings, nil
}

// buildRecord assembles the final record from the step context.
func (t *Transformer) buildRecord(sc *stepContext) *types.ContextRecord {
	file := sc.file
	now := t.now().UTC()

	record := &types.ContextRecord{
		ID:         recordIDFor(file.Path),
		Type:       sc.plan.TargetType,
		Hierarchy:  append([]string(nil), sc.plan.TargetHierarchy...),
		Importance: t.scoreImportance(file, len(sc.content)),
		Created:    now,
		Updated:    now,
		Content:    sc.content,
		Metadata: types.Metadata{
			Tags:            sc.tags,
			Dependencies:    deriveDependencies(sc.content, file.Name),
			RetentionPolicy: types.RetentionStandard,
		},
	}
	schema.Normalize(record)
	return record
}

// scoreImportance computes the initial importance score: base 30, a size
// bonus capped at 20, a type bonus, and a recency bonus, clamped to [0,100].
func (t *Transformer) scoreImportance(file *types.LegacyFile, contentSize int) int {
	score := 30

	sizeBonus := contentSize / 1000
	if sizeBonus > 20 {
		sizeBonus = 20
	}
	score += sizeBonus

	switch file.LegacyType {
	case "project":
		score += 25
	case "tech", "product":
		score += 20
	case "progress", "agent":
		score += 15
	case "style":
		score += 10
	default: // session, generic
		score += 5
	}

	age := t.now().Sub(file.Modified)
	switch {
	case age < 30*24*time.Hour:
		score += 15
	case age < 90*24*time.Hour:
		score += 5
	}

	return schema.ClampImportance(score)
}

// dependencyRe matches bare references to sibling legacy files by name.
var dependencyRe = regexp.MustCompile(`\b([A-Za-z0-9_-]+\.(?:md|markdown|json|txt))\b`)

// deriveDependencies scans content for references to sibling legacy files
// (markdown links or bare known-extension names) and returns their names,
// excluding the file itself.
func deriveDependencies(content, selfName string) []string {
	matches := dependencyRe.FindAllStringSubmatch(content, -1)
	var deps []string
	seen := map[string]struct{}{}
	for _, m := range matches {
		name := strings.TrimSpace(m[1])
		if name == "" || strings.EqualFold(name, selfName) {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		deps = append(deps, name)
	}
	return deps
}

// recordIDFor mirrors the manifest's id derivation so transformed records
// land exactly where the manifest mapped them.
func recordIDFor(path string) string {
	base := path
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.LastIndexByte(base, '.'); idx > 0 {
		base = base[:idx]
	}
	return schema.SanitizeSegment(base)
}

// TransformBatch applies TransformFile to every manifest entry, pausing
// briefly every few records as backpressure, then resolves dependency names
// to transformed record ids and stores them as references.
func (t *Transformer) TransformBatch(files []*types.LegacyFile, manifest *types.MigrationManifest) *types.TransformResult {
	plans := make(map[string]types.ManifestFile, len(manifest.Files))
	for _, plan := range manifest.Files {
		plans[plan.SourcePath] = plan
	}

	result := &types.TransformResult{}
	for i, file := range files {
		if i > 0 && i%batchPauseEvery == 0 && t.cfg.BatchPause > 0 {
			time.Sleep(t.cfg.BatchPause)
		}

		plan, ok := plans[file.Path]
		if !ok {
			result.Outcomes = append(result.Outcomes, types.TransformOutcome{
				SourcePath: file.Path,
				Err:        "no manifest entry for source file",
			})
			result.Stats.Attempted++
			result.Stats.Failed++
			continue
		}

		record, warnings, err := t.TransformFile(file, plan)
		outcome := types.TransformOutcome{SourcePath: file.Path, Warnings: warnings}
		result.Stats.Attempted++
		result.Stats.WarningCount += len(warnings)
		result.Stats.BytesIn += file.Size
		if err != nil {
			outcome.Err = err.Error()
			result.Stats.Failed++
		} else {
			outcome.Record = record
			result.Stats.Succeeded++
			result.Stats.BytesOut += int64(len(record.Content))
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	t.resolveReferences(result)
	return result
}

// resolveReferences is the second pass: dependency names recorded during
// transformation are matched to transformed records by substring on the
// original filename and stored as reference ids.
func (t *Transformer) resolveReferences(result *types.TransformResult) {
	type transformed struct {
		name string
		id   string
	}
	var index []transformed
	for _, outcome := range result.Outcomes {
		if outcome.Record != nil {
			name := outcome.SourcePath
			if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
				name = name[idx+1:]
			}
			index = append(index, transformed{name: strings.ToLower(name), id: outcome.Record.ID})
		}
	}

	for _, outcome := range result.Outcomes {
		if outcome.Record == nil {
			continue
		}
		for _, dep := range outcome.Record.Metadata.Dependencies {
			want := strings.ToLower(dep)
			for _, candidate := range index {
				if candidate.id == outcome.Record.ID {
					continue
				}
				if strings.Contains(candidate.name, want) || strings.Contains(want, candidate.name) {
					outcome.Record.Relationships.References = appendUnique(
						outcome.Record.Relationships.References, candidate.id)
					break
				}
			}
		}
		if n := len(outcome.Record.Relationships.References); n > 0 {
			log.Debug().Str("id", outcome.Record.ID).Int("references", n).Msg("resolved legacy dependencies")
		}
	}
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}
