package legacy

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/normanking/contextcore/internal/schema"
	"github.com/normanking/contextcore/internal/transform"
	"github.com/normanking/contextcore/pkg/types"
)

// ManifestVersion is the current manifest format version.
const ManifestVersion = "1.0"

const (
	largeFileThreshold = 1 << 20 // 1 MiB
	largeBatchSize     = 100
)

// targetMapping is the static mapping from a legacy category to its target
// hierarchy and record type.
type targetMapping struct {
	hierarchy  []string
	recordType types.RecordType
}

var targetMappings = map[string]targetMapping{
	"project":  {[]string{"project", "core"}, types.TypeProject},
	"progress": {[]string{"project", "progress"}, types.TypeProgress},
	"tech":     {[]string{"project", "technical"}, types.TypeTech},
	"style":    {[]string{"project", "style"}, types.TypeStyle},
	"product":  {[]string{"project", "product"}, types.TypeProduct},
	"session":  {[]string{"session", "history"}, types.TypeSession},
	"agent":    {[]string{"agent", "notes"}, types.TypeAgent},
	"generic":  {[]string{"imported", "generic"}, types.TypeGeneric},
}

// TargetFor resolves the mapping for a legacy category, defaulting to the
// generic mapping.
func TargetFor(legacyType string) ([]string, types.RecordType) {
	m, ok := targetMappings[legacyType]
	if !ok {
		m = targetMappings["generic"]
	}
	return append([]string(nil), m.hierarchy...), m.recordType
}

// RecordIDFor derives the deterministic record id for a legacy source file:
// its sanitized base name without extension.
func RecordIDFor(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return schema.SanitizeSegment(base)
}

// GenerateManifest computes the migration plan for a set of parsed legacy
// files: per-file target hierarchy/type, deterministic storage keys, ordered
// transform steps (validated against the step registry), storage-key
// collisions grouped as conflicts, and advisory recommendations.
func (r *Reader) GenerateManifest(files []*types.LegacyFile) (*types.MigrationManifest, error) {
	manifest := &types.MigrationManifest{
		Version:     ManifestVersion,
		GeneratedAt: time.Now().UTC(),
		SourceRoot:  r.root,
	}

	byKey := make(map[string][]string)
	for _, file := range files {
		hierarchy, recordType := TargetFor(file.LegacyType)
		steps := transform.StepsForFormat(file.Format)
		for _, step := range steps {
			if !transform.KnownStep(step) {
				return nil, fmt.Errorf("manifest references unknown transform step %q", step)
			}
		}

		key := schema.StorageKey(hierarchy, recordType, RecordIDFor(file.Path))
		manifest.Files = append(manifest.Files, types.ManifestFile{
			SourcePath:      file.Path,
			LegacyType:      file.LegacyType,
			Format:          file.Format,
			Size:            file.Size,
			Modified:        file.Modified,
			TargetHierarchy: hierarchy,
			TargetType:      recordType,
			StorageKey:      key,
			TransformSteps:  steps,
		})
		manifest.Mappings = append(manifest.Mappings, types.ManifestMapping{
			SourcePath: file.Path,
			StorageKey: key,
		})
		byKey[key] = append(byKey[key], file.Path)

		if file.Size > largeFileThreshold {
			manifest.Recommendations = append(manifest.Recommendations, fmt.Sprintf(
				"%s is %s; consider enabling content compaction before migrating it",
				file.Path, humanize.IBytes(uint64(file.Size))))
		}
	}

	// Every set of sources sharing a storage key is one conflict entry.
	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if sources := byKey[key]; len(sources) > 1 {
			sort.Strings(sources)
			manifest.Conflicts = append(manifest.Conflicts, types.ManifestConflict{
				StorageKey:  key,
				SourcePaths: sources,
			})
		}
	}

	if len(files) > largeBatchSize {
		manifest.Recommendations = append(manifest.Recommendations, fmt.Sprintf(
			"batch of %d files; consider migrating in smaller groups to keep checkpoints useful", len(files)))
	}
	if len(manifest.Conflicts) > 0 {
		manifest.Recommendations = append(manifest.Recommendations, fmt.Sprintf(
			"%d storage key conflict(s) detected; later files would overwrite earlier ones, rename the sources", len(manifest.Conflicts)))
	}

	return manifest, nil
}

// Analyze is the one-call discovery + parse + manifest pipeline. Running it
// twice over an unchanged directory yields an identical plan.
func (r *Reader) Analyze() (*types.MigrationManifest, []*types.LegacyFile, error) {
	files, err := r.ParseAll()
	if err != nil {
		return nil, nil, err
	}
	manifest, err := r.GenerateManifest(files)
	if err != nil {
		return nil, nil, err
	}
	return manifest, files, nil
}
