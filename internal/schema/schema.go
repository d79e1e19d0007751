// Package schema validates and normalizes context records before they reach
// storage. Every write path runs through Validate; storage keys derived here
// are the single source of truth for record placement.
package schema

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/contextcore/pkg/types"
)

// MaxHierarchyDepth bounds how deep a hierarchy path may nest.
const MaxHierarchyDepth = 8

var segmentSanitizer = regexp.MustCompile(`[^a-z0-9_-]+`)

// Validate checks a record against the schema invariants. It returns the
// first violation found as a *types.ValidationError.
func Validate(r *types.ContextRecord) error {
	if r == nil {
		return &types.ValidationError{Reason: "record is nil"}
	}
	if r.ID == "" {
		return &types.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if !r.Type.Valid() {
		return &types.ValidationError{Field: "type", Reason: "unknown record type " + string(r.Type)}
	}
	if len(r.Hierarchy) == 0 {
		return &types.ValidationError{Field: "hierarchy", Reason: "requires at least one segment"}
	}
	if len(r.Hierarchy) > MaxHierarchyDepth {
		return &types.ValidationError{Field: "hierarchy", Reason: "exceeds maximum depth"}
	}
	for _, seg := range r.Hierarchy {
		if strings.TrimSpace(seg) == "" {
			return &types.ValidationError{Field: "hierarchy", Reason: "contains empty segment"}
		}
		if strings.ContainsAny(seg, `/\`) {
			return &types.ValidationError{Field: "hierarchy", Reason: "segment contains path separator"}
		}
	}
	if r.Importance < 0 || r.Importance > 100 {
		return &types.ValidationError{Field: "importance", Reason: "must be within [0,100]"}
	}
	return nil
}

// Normalize fills server-assigned fields and clamps out-of-range values so a
// caller-supplied record becomes storable. It assigns a UUID when the id is
// missing and lowercases hierarchy segments.
func Normalize(r *types.ContextRecord) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Type == "" {
		r.Type = types.TypeGeneric
	}
	for i, seg := range r.Hierarchy {
		r.Hierarchy[i] = SanitizeSegment(seg)
	}
	r.Importance = ClampImportance(r.Importance)
	now := time.Now().UTC()
	if r.Created.IsZero() {
		r.Created = now
	}
	if r.Updated.IsZero() {
		r.Updated = now
	}
	if r.Metadata.RetentionPolicy == "" {
		r.Metadata.RetentionPolicy = types.RetentionStandard
	}
	r.Metadata.Tags = dedupe(r.Metadata.Tags)
	r.Metadata.Dependencies = dedupe(r.Metadata.Dependencies)
	r.Relationships.Children = dedupe(r.Relationships.Children)
	r.Relationships.References = dedupe(r.Relationships.References)
}

// ClampImportance forces an importance score into [0,100].
func ClampImportance(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// SanitizeSegment lowercases a hierarchy segment and strips characters that
// cannot appear in a filesystem path component.
func SanitizeSegment(seg string) string {
	s := strings.ToLower(strings.TrimSpace(seg))
	s = strings.ReplaceAll(s, " ", "-")
	s = segmentSanitizer.ReplaceAllString(s, "")
	if s == "" {
		s = "unnamed"
	}
	return s
}

// StorageKey derives the deterministic key locating a record:
// <hierarchy path>/<type>/<sanitized id>. Identical inputs always produce
// identical keys, which is what makes manifest conflict detection possible.
func StorageKey(hierarchy []string, recordType types.RecordType, id string) string {
	parts := make([]string, 0, len(hierarchy)+2)
	for _, seg := range hierarchy {
		parts = append(parts, SanitizeSegment(seg))
	}
	parts = append(parts, string(recordType), SanitizeSegment(id))
	return strings.Join(parts, "/")
}

// ApplyPatch merges a partial update into a copy of base and returns the
// merged record. Updated is always refreshed; ID and Created are immutable.
func ApplyPatch(base *types.ContextRecord, patch *types.RecordPatch) *types.ContextRecord {
	merged := base.Clone()
	if patch != nil {
		if patch.Type != nil {
			merged.Type = *patch.Type
		}
		if patch.Hierarchy != nil {
			merged.Hierarchy = append([]string(nil), patch.Hierarchy...)
		}
		if patch.Importance != nil {
			merged.Importance = ClampImportance(*patch.Importance)
		}
		if patch.Content != nil {
			merged.Content = *patch.Content
		}
		if patch.Metadata != nil {
			merged.Metadata = *patch.Metadata
			merged.Metadata.Tags = dedupe(patch.Metadata.Tags)
			merged.Metadata.Dependencies = dedupe(patch.Metadata.Dependencies)
		}
		if patch.Relationships != nil {
			merged.Relationships = *patch.Relationships
			merged.Relationships.Children = dedupe(patch.Relationships.Children)
			merged.Relationships.References = dedupe(patch.Relationships.References)
		}
	}
	merged.ID = base.ID
	merged.Created = base.Created
	merged.Updated = time.Now().UTC()
	return merged
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
