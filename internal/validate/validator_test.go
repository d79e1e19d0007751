package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/contextcore/pkg/types"
)

func migratedRecord(id string) *types.ContextRecord {
	return &types.ContextRecord{
		ID:         id,
		Type:       types.TypeProject,
		Hierarchy:  []string{"project", "core"},
		Importance: 50,
		Content:    "migrated content for " + id,
	}
}

func TestValidateMigration(t *testing.T) {
	v := New(DefaultConfig())

	t.Run("clean set grades A", func(t *testing.T) {
		records := []*types.ContextRecord{migratedRecord("v-1"), migratedRecord("v-2")}
		report := v.ValidateMigration(records, nil)

		require.True(t, report.Valid)
		assert.Equal(t, 2, report.Checked)
		assert.Equal(t, 2, report.Passed)
		assert.Equal(t, 0, report.ErrorCount)
		assert.Equal(t, 1.0, report.SuccessRate)
		assert.Equal(t, "A", report.Grade)
		assert.Contains(t, report.Recommendations[0], "clean")
	})

	t.Run("schema violation fails the record", func(t *testing.T) {
		bad := migratedRecord("v-bad")
		bad.Hierarchy = nil
		report := v.ValidateMigration([]*types.ContextRecord{bad, migratedRecord("v-ok")}, nil)

		assert.False(t, report.Valid)
		assert.Equal(t, 1, report.Passed)
		assert.Equal(t, 1, report.ErrorCount)
		assert.Equal(t, 0.5, report.SuccessRate)
		assert.Equal(t, "F", report.Grade)
	})

	t.Run("unresolved relationships are errors", func(t *testing.T) {
		r := migratedRecord("v-rel")
		r.Relationships.Parent = "ghost-parent"
		r.Relationships.References = []string{"ghost-ref"}
		report := v.ValidateMigration([]*types.ContextRecord{r}, nil)

		assert.False(t, report.Valid)
		assert.Equal(t, 2, report.ErrorCount)
		assert.Equal(t, 0, report.Passed)
	})

	t.Run("resolved relationships pass", func(t *testing.T) {
		parent := migratedRecord("v-parent")
		child := migratedRecord("v-child")
		child.Relationships.Parent = "v-parent"
		parent.Relationships.Children = []string{"v-child"}
		report := v.ValidateMigration([]*types.ContextRecord{parent, child}, nil)

		assert.True(t, report.Valid)
		assert.Equal(t, 2, report.Passed)
	})

	t.Run("one-way parent link is an error", func(t *testing.T) {
		parent := migratedRecord("v-half-parent")
		child := migratedRecord("v-half-child")
		child.Relationships.Parent = "v-half-parent"
		// parent never lists the child
		report := v.ValidateMigration([]*types.ContextRecord{parent, child}, nil)

		assert.False(t, report.Valid)
		require.Len(t, report.Errors, 1)
		assert.Contains(t, report.Errors[0], "does not list it as a child")
	})

	t.Run("child naming a different parent is an error", func(t *testing.T) {
		parent := migratedRecord("v-claim-parent")
		child := migratedRecord("v-claim-child")
		parent.Relationships.Children = []string{"v-claim-child"}
		// child's parent field stays empty
		report := v.ValidateMigration([]*types.ContextRecord{parent, child}, nil)

		assert.False(t, report.Valid)
		require.Len(t, report.Errors, 1)
		assert.Contains(t, report.Errors[0], "names parent")
	})

	t.Run("duplicate storage keys are errors", func(t *testing.T) {
		a := migratedRecord("dup-key")
		b := migratedRecord("dup-key") // same id, type, hierarchy: same key
		report := v.ValidateMigration([]*types.ContextRecord{a, b}, nil)

		assert.False(t, report.Valid)
		require.NotEmpty(t, report.Errors)
		assert.Contains(t, report.Errors[0], "duplicate storage key")
	})

	t.Run("empty target content is a warning", func(t *testing.T) {
		r := migratedRecord("v-empty")
		r.Content = ""
		report := v.ValidateMigration([]*types.ContextRecord{r},
			map[string]string{"v-empty": "source had content"})

		assert.True(t, report.Valid, "content checks warn, never fail")
		assert.Equal(t, 1, report.WarningCount)
		assert.Len(t, report.Warnings, report.WarningCount)
	})

	t.Run("large content delta is a warning", func(t *testing.T) {
		r := migratedRecord("v-delta")
		r.Content = "short"
		report := v.ValidateMigration([]*types.ContextRecord{r},
			map[string]string{"v-delta": string(make([]byte, 10000))})

		assert.True(t, report.Valid)
		require.Equal(t, 1, report.WarningCount)
		assert.Contains(t, report.Warnings[0], "content length changed")
	})

	t.Run("delta within threshold is silent", func(t *testing.T) {
		r := migratedRecord("v-near")
		r.Content = string(make([]byte, 95))
		report := v.ValidateMigration([]*types.ContextRecord{r},
			map[string]string{"v-near": string(make([]byte, 100))})

		assert.Zero(t, report.WarningCount)
	})

	t.Run("empty set is trivially valid", func(t *testing.T) {
		report := v.ValidateMigration(nil, nil)
		assert.True(t, report.Valid)
		assert.Equal(t, 1.0, report.SuccessRate)
		assert.Equal(t, "A", report.Grade)
	})
}

func TestGrades(t *testing.T) {
	cases := []struct {
		rate float64
		want string
	}{
		{1.0, "A"}, {0.95, "A"}, {0.90, "B"}, {0.85, "B"},
		{0.75, "C"}, {0.70, "C"}, {0.65, "D"}, {0.60, "D"}, {0.30, "F"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, gradeFor(tc.rate), "rate %.2f", tc.rate)
	}
}

func TestValidateManifest(t *testing.T) {
	v := New(DefaultConfig())

	goodManifest := func() *types.MigrationManifest {
		return &types.MigrationManifest{
			Version:    "1.0",
			SourceRoot: "/legacy",
			Files: []types.ManifestFile{
				{SourcePath: "/legacy/a.md", StorageKey: "project/core/project/a", TargetHierarchy: []string{"project", "core"}},
				{SourcePath: "/legacy/b.md", StorageKey: "project/core/project/b", TargetHierarchy: []string{"project", "core"}},
			},
		}
	}

	t.Run("clean manifest passes", func(t *testing.T) {
		report := v.ValidateManifest(goodManifest())
		assert.True(t, report.Valid)
		assert.Equal(t, 2, report.Passed)
	})

	t.Run("missing header fields are errors", func(t *testing.T) {
		m := goodManifest()
		m.Version = ""
		m.SourceRoot = ""
		report := v.ValidateManifest(m)
		assert.False(t, report.Valid)
		assert.Equal(t, 2, report.ErrorCount)
	})

	t.Run("duplicate target key is an error", func(t *testing.T) {
		m := goodManifest()
		m.Files[1].StorageKey = m.Files[0].StorageKey
		report := v.ValidateManifest(m)
		assert.False(t, report.Valid)
	})

	t.Run("duplicate source is only a warning", func(t *testing.T) {
		m := goodManifest()
		m.Files[1].SourcePath = m.Files[0].SourcePath
		report := v.ValidateManifest(m)
		assert.True(t, report.Valid)
		assert.Equal(t, 1, report.WarningCount)
	})

	t.Run("carried conflicts are warnings", func(t *testing.T) {
		m := goodManifest()
		m.Conflicts = []types.ManifestConflict{{StorageKey: "k", SourcePaths: []string{"a", "b"}}}
		report := v.ValidateManifest(m)
		assert.True(t, report.Valid)
		assert.Equal(t, 1, report.WarningCount)
	})
}
