package legacy

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/normanking/contextcore/pkg/types"
)

// writeLegacyTree lays down a small but representative legacy store: a
// project brief, a progress report, a JSON session log and a plain-text note.
func writeLegacyTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	files := map[string]string{
		"project-brief.md": `# Orion Rewrite

## Goals
Ship the storage engine.

## Constraints
` + "```" + `
# not a heading, inside a fence
` + "```" + `
Budget is fixed.
`,
		"progress-report.md": "# Week 12\n\nStorage layer done, see project-brief.md for goals.\n",
		"session-log.json":   `{"title": "Planning session", "attendees": ["a", "b"]}`,
		"notes.txt":          "Random scratch note\nwith a second line.\n",
		"ignore.bin":         "binary blob", // unknown extension, never discovered
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return root
}

func TestDiscover(t *testing.T) {
	root := writeLegacyTree(t)

	t.Run("finds known extensions sorted", func(t *testing.T) {
		reader, err := NewReader(root, nil)
		if err != nil {
			t.Fatalf("NewReader failed: %v", err)
		}
		paths, err := reader.Discover()
		if err != nil {
			t.Fatalf("Discover failed: %v", err)
		}
		if len(paths) != 4 {
			t.Fatalf("expected 4 files, got %d: %v", len(paths), paths)
		}
		if filepath.Base(paths[0]) != "notes.txt" {
			t.Errorf("expected sorted order, first was %s", paths[0])
		}
	})

	t.Run("missing root yields empty result", func(t *testing.T) {
		reader, err := NewReader(filepath.Join(root, "does-not-exist"), nil)
		if err != nil {
			t.Fatalf("NewReader failed: %v", err)
		}
		paths, err := reader.Discover()
		if err != nil {
			t.Fatalf("Discover on missing root should not error: %v", err)
		}
		if len(paths) != 0 {
			t.Errorf("expected no files, got %v", paths)
		}
	})

	t.Run("ignore patterns filter by relative path", func(t *testing.T) {
		reader, err := NewReader(root, []string{"*.txt", "session-*"})
		if err != nil {
			t.Fatalf("NewReader failed: %v", err)
		}
		paths, err := reader.Discover()
		if err != nil {
			t.Fatalf("Discover failed: %v", err)
		}
		if len(paths) != 2 {
			t.Errorf("expected 2 files after ignores, got %v", paths)
		}
	})

	t.Run("invalid ignore pattern is an error", func(t *testing.T) {
		if _, err := NewReader(root, []string{"[unclosed"}); err == nil {
			t.Error("expected error for invalid glob")
		}
	})
}

func TestParseFile(t *testing.T) {
	root := writeLegacyTree(t)
	reader, err := NewReader(root, nil)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}

	t.Run("markdown sections and fence handling", func(t *testing.T) {
		file, err := reader.ParseFile(filepath.Join(root, "project-brief.md"))
		if err != nil {
			t.Fatalf("ParseFile failed: %v", err)
		}
		if file.Format != types.FormatMarkdown {
			t.Errorf("expected markdown format, got %s", file.Format)
		}
		if file.Title != "Orion Rewrite" {
			t.Errorf("expected title 'Orion Rewrite', got %q", file.Title)
		}
		// Title heading + Goals + Constraints; the fenced "# not a heading"
		// must not create a fourth section.
		if len(file.Sections) != 3 {
			t.Fatalf("expected 3 sections, got %d: %+v", len(file.Sections), file.Sections)
		}
		if file.Sections[1].Title != "Goals" || file.Sections[1].Level != 2 {
			t.Errorf("unexpected second section: %+v", file.Sections[1])
		}
	})

	t.Run("json structure and title field", func(t *testing.T) {
		file, err := reader.ParseFile(filepath.Join(root, "session-log.json"))
		if err != nil {
			t.Fatalf("ParseFile failed: %v", err)
		}
		if file.Format != types.FormatJSON {
			t.Errorf("expected json format, got %s", file.Format)
		}
		if file.Title != "Planning session" {
			t.Errorf("expected title from json field, got %q", file.Title)
		}
		if file.Structured == nil {
			t.Error("expected structured document")
		}
	})

	t.Run("text first line becomes title", func(t *testing.T) {
		file, err := reader.ParseFile(filepath.Join(root, "notes.txt"))
		if err != nil {
			t.Fatalf("ParseFile failed: %v", err)
		}
		if file.Title != "Random scratch note" {
			t.Errorf("expected first-line title, got %q", file.Title)
		}
	})

	t.Run("infers categories from filenames", func(t *testing.T) {
		cases := map[string]string{
			"project-brief.md":   "project",
			"progress-report.md": "progress",
			"session-log.json":   "session",
			"notes.txt":          "generic",
		}
		for name, want := range cases {
			file, err := reader.ParseFile(filepath.Join(root, name))
			if err != nil {
				t.Fatalf("ParseFile %s: %v", name, err)
			}
			if file.LegacyType != want {
				t.Errorf("%s: expected category %q, got %q", name, want, file.LegacyType)
			}
		}
	})
}

func TestGenerateManifest(t *testing.T) {
	root := writeLegacyTree(t)
	reader, err := NewReader(root, nil)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}

	manifest, files, err := reader.Analyze()
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	t.Run("one plan entry per file, no conflicts", func(t *testing.T) {
		if len(manifest.Files) != 4 {
			t.Fatalf("expected 4 plan entries, got %d", len(manifest.Files))
		}
		if len(manifest.Conflicts) != 0 {
			t.Errorf("expected no conflicts, got %+v", manifest.Conflicts)
		}
		if manifest.Version != ManifestVersion || manifest.SourceRoot != root {
			t.Errorf("bad manifest header: %s / %s", manifest.Version, manifest.SourceRoot)
		}
	})

	t.Run("categories map to distinct hierarchies", func(t *testing.T) {
		seen := map[string]bool{}
		for _, entry := range manifest.Files {
			seen[entry.StorageKey] = true
			if len(entry.TargetHierarchy) == 0 || entry.TargetType == "" {
				t.Errorf("entry %s missing target", entry.SourcePath)
			}
			if len(entry.TransformSteps) == 0 {
				t.Errorf("entry %s has no transform steps", entry.SourcePath)
			}
		}
		if len(seen) != 4 {
			t.Errorf("expected 4 distinct storage keys, got %d", len(seen))
		}
	})

	t.Run("analysis is deterministic", func(t *testing.T) {
		again, _, err := reader.Analyze()
		if err != nil {
			t.Fatalf("second Analyze failed: %v", err)
		}
		for i := range manifest.Files {
			if manifest.Files[i].StorageKey != again.Files[i].StorageKey ||
				manifest.Files[i].SourcePath != again.Files[i].SourcePath {
				t.Errorf("plan entry %d differs between runs", i)
			}
		}
		if !reflect.DeepEqual(manifest.Mappings, again.Mappings) {
			t.Error("mappings differ between runs")
		}
	})

	t.Run("parsed files align with plan entries", func(t *testing.T) {
		if len(files) != len(manifest.Files) {
			t.Errorf("files/plan mismatch: %d vs %d", len(files), len(manifest.Files))
		}
	})
}

func TestManifestConflicts(t *testing.T) {
	root := t.TempDir()
	// Same base name in two directories resolves to the same storage key.
	for _, dir := range []string{"a", "b"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(root, dir, "project-brief.md"), []byte("# Brief\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	reader, err := NewReader(root, nil)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	manifest, _, err := reader.Analyze()
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if len(manifest.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict group, got %d", len(manifest.Conflicts))
	}
	if len(manifest.Conflicts[0].SourcePaths) != 2 {
		t.Errorf("expected 2 sources in conflict, got %v", manifest.Conflicts[0].SourcePaths)
	}
	if len(manifest.Recommendations) == 0 {
		t.Error("expected a conflict recommendation")
	}
}

func TestTargetFor(t *testing.T) {
	hierarchy, recordType := TargetFor("tech")
	if recordType != types.TypeTech || hierarchy[0] != "project" || hierarchy[1] != "technical" {
		t.Errorf("unexpected tech mapping: %v %s", hierarchy, recordType)
	}

	hierarchy, recordType = TargetFor("made-up-category")
	if recordType != types.TypeGeneric || hierarchy[0] != "imported" {
		t.Errorf("unknown category should map to generic: %v %s", hierarchy, recordType)
	}
}

func TestRecordIDFor(t *testing.T) {
	if got := RecordIDFor("/some/dir/My Notes.md"); got != "my-notes" {
		t.Errorf("RecordIDFor = %q, want my-notes", got)
	}
}
