package transform

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/normanking/contextcore/pkg/types"
)

// Step names. The registry below is the closed set of transformation steps a
// manifest may reference; manifests are validated against it when they are
// built, not re-checked at apply time.
const (
	StepExtractSections  = "extract_sections"
	StepFlattenStructure = "flatten_structure"
	StepNormalizeContent = "normalize_content"
	StepDeriveTags       = "derive_tags"
	StepScoreImportance  = "score_importance"
)

// stepContext carries the evolving state of one file transformation through
// its step chain.
type stepContext struct {
	file    *types.LegacyFile
	plan    types.ManifestFile
	content string
	tags    []string
}

// stepFunc is a pure transformation applied to the step context.
type stepFunc func(*Transformer, *stepContext)

// registry maps step name to its implementation. Unknown names fail manifest
// validation and are skipped with a warning at apply time for manifests built
// elsewhere.
var registry = map[string]stepFunc{
	StepExtractSections:  (*Transformer).stepExtractSections,
	StepFlattenStructure: (*Transformer).stepFlattenStructure,
	StepNormalizeContent: (*Transformer).stepNormalizeContent,
	StepDeriveTags:       (*Transformer).stepDeriveTags,
	StepScoreImportance:  (*Transformer).stepScoreImportance,
}

// KnownStep reports whether a step name is in the registry.
func KnownStep(name string) bool {
	_, ok := registry[name]
	return ok
}

// StepsForFormat returns the ordered step plan for a legacy format.
func StepsForFormat(format types.LegacyFormat) []string {
	switch format {
	case types.FormatMarkdown:
		return []string{StepExtractSections, StepNormalizeContent, StepDeriveTags, StepScoreImportance}
	case types.FormatJSON:
		return []string{StepFlattenStructure, StepNormalizeContent, StepDeriveTags, StepScoreImportance}
	default:
		return []string{StepNormalizeContent, StepDeriveTags, StepScoreImportance}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// STEP IMPLEMENTATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// stepExtractSections rebuilds markdown content as title plus flattened
// sections.
func (t *Transformer) stepExtractSections(sc *stepContext) {
	if len(sc.file.Sections) == 0 {
		sc.content = sc.file.Raw
		return
	}
	var b strings.Builder
	if sc.file.Title != "" {
		b.WriteString(sc.file.Title)
		b.WriteString("\n\n")
	}
	for _, section := range sc.file.Sections {
		b.WriteString(section.Title)
		b.WriteString("\n")
		if section.Content != "" {
			b.WriteString(section.Content)
			b.WriteString("\n\n")
		}
	}
	sc.content = strings.TrimSpace(b.String())
}

// stepFlattenStructure renders a structured JSON document as key/value
// lines, depth-first.
func (t *Transformer) stepFlattenStructure(sc *stepContext) {
	if sc.file.Structured == nil {
		sc.content = sc.file.Raw
		return
	}
	var b strings.Builder
	flattenInto(&b, "", sc.file.Structured)
	sc.content = strings.TrimSpace(b.String())
}

var (
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
	spaceRunRe   = regexp.MustCompile(`[ \t]{2,}`)
	truncateMark = "\n[... truncated]"
)

// stepNormalizeContent applies the optional compaction pass: strip blank
// line runs, collapse whitespace, and hard-truncate oversized content with a
// visible marker.
func (t *Transformer) stepNormalizeContent(sc *stepContext) {
	if sc.content == "" {
		sc.content = sc.file.Raw
	}
	limit := t.cfg.MaxContentBytes
	if limit <= 0 || len(sc.content) <= limit {
		return
	}
	compacted := blankRunRe.ReplaceAllString(sc.content, "\n\n")
	compacted = spaceRunRe.ReplaceAllString(compacted, " ")
	if len(compacted) > limit {
		compacted = compacted[:limit] + truncateMark
	}
	sc.content = compacted
}

var hashtagRe = regexp.MustCompile(`#([a-zA-Z][a-zA-Z0-9_-]{1,30})`)

// stepDeriveTags collects legacy markers, discovered hashtags, the inferred
// type, and the source format into the tag set.
func (t *Transformer) stepDeriveTags(sc *stepContext) {
	tags := []string{"migrated", "legacy-import"}
	tags = append(tags, sc.file.LegacyType, string(sc.file.Format))
	for _, match := range hashtagRe.FindAllStringSubmatch(sc.content, -1) {
		tags = append(tags, strings.ToLower(match[1]))
	}
	sc.tags = tags
}

// stepScoreImportance is a registry placeholder: scoring reads the whole
// step context, so it runs in buildRecord once the content is final.
func (t *Transformer) stepScoreImportance(sc *stepContext) {}

func flattenInto(b *strings.Builder, prefix string, value any) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenInto(b, key, v[k])
		}
	case []any:
		for _, item := range v {
			flattenInto(b, prefix, item)
		}
	default:
		fmt.Fprintf(b, "%s: %v\n", prefix, v)
	}
}
