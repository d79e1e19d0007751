package schema

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/normanking/contextcore/pkg/types"
)

func validRecord() *types.ContextRecord {
	return &types.ContextRecord{
		ID:         "rec-1",
		Type:       types.TypeProject,
		Hierarchy:  []string{"project", "core"},
		Importance: 50,
		Content:    "body",
	}
}

func TestValidate(t *testing.T) {
	t.Run("accepts a well-formed record", func(t *testing.T) {
		if err := Validate(validRecord()); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
	})

	t.Run("rejects nil record", func(t *testing.T) {
		if err := Validate(nil); err == nil {
			t.Error("expected error for nil record")
		}
	})

	t.Run("rejects empty id", func(t *testing.T) {
		r := validRecord()
		r.ID = ""
		if err := Validate(r); err == nil {
			t.Error("expected error for empty id")
		}
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		r := validRecord()
		r.Type = "blog-post"
		if err := Validate(r); err == nil {
			t.Error("expected error for unknown type")
		}
	})

	t.Run("rejects empty hierarchy", func(t *testing.T) {
		r := validRecord()
		r.Hierarchy = nil
		if err := Validate(r); err == nil {
			t.Error("expected error for empty hierarchy")
		}
	})

	t.Run("rejects hierarchy deeper than the maximum", func(t *testing.T) {
		r := validRecord()
		r.Hierarchy = make([]string, MaxHierarchyDepth+1)
		for i := range r.Hierarchy {
			r.Hierarchy[i] = "level"
		}
		if err := Validate(r); err == nil {
			t.Error("expected error for overly deep hierarchy")
		}
	})

	t.Run("rejects segment with path separator", func(t *testing.T) {
		r := validRecord()
		r.Hierarchy = []string{"project", "a/b"}
		if err := Validate(r); err == nil {
			t.Error("expected error for separator in segment")
		}
	})

	t.Run("rejects out-of-range importance", func(t *testing.T) {
		r := validRecord()
		r.Importance = 101
		if err := Validate(r); err == nil {
			t.Error("expected error for importance above 100")
		}
		r.Importance = -1
		if err := Validate(r); err == nil {
			t.Error("expected error for negative importance")
		}
	})

	t.Run("violations are ValidationErrors", func(t *testing.T) {
		r := validRecord()
		r.ID = ""
		err := Validate(r)
		var verr *types.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected *types.ValidationError, got %T", err)
		}
		if verr.Field != "id" {
			t.Errorf("expected field 'id', got %q", verr.Field)
		}
		if !errors.Is(err, types.ErrValidation) {
			t.Error("expected error to unwrap to ErrValidation")
		}
	})
}

func TestNormalize(t *testing.T) {
	t.Run("assigns uuid when id is missing", func(t *testing.T) {
		r := validRecord()
		r.ID = ""
		Normalize(r)
		if r.ID == "" {
			t.Error("expected generated id")
		}
	})

	t.Run("sanitizes hierarchy segments", func(t *testing.T) {
		r := validRecord()
		r.Hierarchy = []string{"My Project", "Tech Stack!"}
		Normalize(r)
		if r.Hierarchy[0] != "my-project" || r.Hierarchy[1] != "tech-stack" {
			t.Errorf("unexpected hierarchy after normalize: %v", r.Hierarchy)
		}
	})

	t.Run("clamps importance and sets timestamps", func(t *testing.T) {
		r := validRecord()
		r.Importance = 250
		Normalize(r)
		if r.Importance != 100 {
			t.Errorf("expected importance 100, got %d", r.Importance)
		}
		if r.Created.IsZero() || r.Updated.IsZero() {
			t.Error("expected timestamps to be set")
		}
		if r.Metadata.RetentionPolicy != types.RetentionStandard {
			t.Errorf("expected standard retention, got %s", r.Metadata.RetentionPolicy)
		}
	})

	t.Run("deduplicates tags and dependencies", func(t *testing.T) {
		r := validRecord()
		r.Metadata.Tags = []string{"a", "a", "", "b"}
		Normalize(r)
		if len(r.Metadata.Tags) != 2 {
			t.Errorf("expected 2 tags, got %v", r.Metadata.Tags)
		}
	})
}

func TestSanitizeSegment(t *testing.T) {
	cases := map[string]string{
		"Project Alpha": "project-alpha",
		"  trimmed  ":   "trimmed",
		"UPPER_case":    "upper_case",
		"weird!@#chars": "weirdchars",
		"!!!":           "unnamed",
	}
	for in, want := range cases {
		if got := SanitizeSegment(in); got != want {
			t.Errorf("SanitizeSegment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStorageKey(t *testing.T) {
	t.Run("is deterministic", func(t *testing.T) {
		a := StorageKey([]string{"Project", "Core"}, types.TypeProject, "My Brief")
		b := StorageKey([]string{"Project", "Core"}, types.TypeProject, "My Brief")
		if a != b {
			t.Errorf("same inputs produced different keys: %q vs %q", a, b)
		}
	})

	t.Run("joins sanitized parts with slashes", func(t *testing.T) {
		key := StorageKey([]string{"Project", "Core"}, types.TypeProject, "My Brief")
		want := "project/core/project/my-brief"
		if key != want {
			t.Errorf("StorageKey = %q, want %q", key, want)
		}
	})
}

func TestApplyPatch(t *testing.T) {
	base := validRecord()
	base.Created = time.Now().Add(-time.Hour).UTC()
	base.Updated = base.Created

	t.Run("nil patch only refreshes updated", func(t *testing.T) {
		merged := ApplyPatch(base, nil)
		if merged.Content != base.Content || merged.ID != base.ID {
			t.Error("nil patch should not change fields")
		}
		if !merged.Updated.After(base.Updated) {
			t.Error("expected Updated to be refreshed")
		}
	})

	t.Run("id and created are immutable", func(t *testing.T) {
		newContent := "changed"
		merged := ApplyPatch(base, &types.RecordPatch{Content: &newContent})
		if merged.ID != base.ID {
			t.Error("patch must not change id")
		}
		if !merged.Created.Equal(base.Created) {
			t.Error("patch must not change created")
		}
		if merged.Content != "changed" {
			t.Errorf("expected patched content, got %q", merged.Content)
		}
	})

	t.Run("patch importance is clamped", func(t *testing.T) {
		big := 999
		merged := ApplyPatch(base, &types.RecordPatch{Importance: &big})
		if merged.Importance != 100 {
			t.Errorf("expected clamped importance 100, got %d", merged.Importance)
		}
	})

	t.Run("does not mutate the base record", func(t *testing.T) {
		hierarchy := []string{"other", "place"}
		_ = ApplyPatch(base, &types.RecordPatch{Hierarchy: hierarchy})
		if strings.Join(base.Hierarchy, "/") != "project/core" {
			t.Errorf("base hierarchy mutated: %v", base.Hierarchy)
		}
	})
}
