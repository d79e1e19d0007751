// Package legacy reads the flat-file context store that predates the
// engine: discovery of known file formats, format-specific parsing, context
// type inference, and migration manifest generation.
package legacy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/normanking/contextcore/pkg/types"
)

// knownExtensions maps file extensions to their legacy format.
var knownExtensions = map[string]types.LegacyFormat{
	".md":       types.FormatMarkdown,
	".markdown": types.FormatMarkdown,
	".json":     types.FormatJSON,
	".txt":      types.FormatText,
}

// Reader discovers and parses legacy context files under a fixed root.
type Reader struct {
	root    string
	ignores []glob.Glob
}

// NewReader builds a reader for the given legacy root. Ignore patterns use
// glob syntax and are matched against paths relative to the root; an invalid
// pattern is an error.
func NewReader(root string, ignorePatterns []string) (*Reader, error) {
	r := &Reader{root: root}
	for _, pattern := range ignorePatterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("compile ignore pattern %q: %w", pattern, err)
		}
		r.ignores = append(r.ignores, g)
	}
	return r, nil
}

// Root returns the legacy root directory.
func (r *Reader) Root() string { return r.root }

// RootExists reports whether the legacy root is present.
func (r *Reader) RootExists() bool {
	info, err := os.Stat(r.root)
	return err == nil && info.IsDir()
}

// Discover lists every legacy file with a known extension under the root,
// sorted by path. A missing root is a recoverable "no legacy data" result,
// never an error.
func (r *Reader) Discover() ([]string, error) {
	if !r.RootExists() {
		log.Info().Str("root", r.root).Msg("legacy root not found, nothing to migrate")
		return nil, nil
	}

	var paths []string
	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, known := knownExtensions[strings.ToLower(filepath.Ext(path))]; !known {
			return nil
		}
		rel, rerr := filepath.Rel(r.root, path)
		if rerr != nil {
			return rerr
		}
		if r.ignored(filepath.ToSlash(rel)) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk legacy root: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (r *Reader) ignored(rel string) bool {
	for _, g := range r.ignores {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// ParseFile reads one legacy file and parses it by extension: markdown into
// title plus leveled sections, JSON structurally, anything else as opaque
// text.
func (r *Reader) ParseFile(path string) (*types.LegacyFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat legacy file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read legacy file: %w", err)
	}

	format, known := knownExtensions[strings.ToLower(filepath.Ext(path))]
	if !known {
		format = types.FormatText
	}

	file := &types.LegacyFile{
		Path:     path,
		Name:     filepath.Base(path),
		Format:   format,
		Size:     info.Size(),
		Modified: info.ModTime(),
		Raw:      string(data),
	}

	switch format {
	case types.FormatMarkdown:
		file.Title, file.Sections = parseMarkdown(string(data))
	case types.FormatJSON:
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse json %s: %w", path, err)
		}
		file.Structured = doc
		if title, ok := doc["title"].(string); ok {
			file.Title = title
		}
	default:
		// opaque text, first line doubles as the title
		if idx := strings.IndexByte(file.Raw, '\n'); idx > 0 {
			file.Title = strings.TrimSpace(file.Raw[:idx])
		} else {
			file.Title = strings.TrimSpace(file.Raw)
		}
	}

	file.LegacyType = inferContextType(file.Name, file.Title)
	return file, nil
}

// ParseAll discovers and parses every legacy file. Unparseable files are
// skipped with a warning rather than failing the batch.
func (r *Reader) ParseAll() ([]*types.LegacyFile, error) {
	paths, err := r.Discover()
	if err != nil {
		return nil, err
	}
	files := make([]*types.LegacyFile, 0, len(paths))
	for _, path := range paths {
		file, err := r.ParseFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping unparseable legacy file")
			continue
		}
		files = append(files, file)
	}
	return files, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARKDOWN PARSING
// ═══════════════════════════════════════════════════════════════════════════════

var headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)

// parseMarkdown scans for headings line by line, ignoring anything inside
// fenced code blocks. The first level-1 heading becomes the title.
func parseMarkdown(content string) (string, []types.LegacySection) {
	var (
		title    string
		sections []types.LegacySection
		current  *types.LegacySection
		body     strings.Builder
		inFence  bool
	)

	flush := func() {
		if current != nil {
			current.Content = strings.TrimSpace(body.String())
			sections = append(sections, *current)
			current = nil
		}
		body.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			body.WriteString(line)
			body.WriteByte('\n')
			continue
		}
		if !inFence {
			if m := headingRe.FindStringSubmatch(line); m != nil {
				flush()
				level := len(m[1])
				heading := strings.TrimSpace(m[2])
				if level == 1 && title == "" {
					title = heading
				}
				current = &types.LegacySection{Level: level, Title: heading}
				continue
			}
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()
	return title, sections
}

// ═══════════════════════════════════════════════════════════════════════════════
// TYPE INFERENCE
// ═══════════════════════════════════════════════════════════════════════════════

// categoryPatterns maps legacy categories to filename fragments, checked in
// order so the more specific categories win.
var categoryPatterns = []struct {
	category string
	patterns []string
}{
	{"progress", []string{"progress", "status", "report"}},
	{"project", []string{"project", "brief", "overview", "readme"}},
	{"tech", []string{"tech", "architecture", "stack", "technical"}},
	{"style", []string{"style", "convention", "format"}},
	{"product", []string{"product", "feature", "requirement"}},
	{"session", []string{"session", "meeting", "log"}},
	{"agent", []string{"agent", "assistant", "bot"}},
}

// inferContextType matches the filename against known category patterns,
// falling back to content-title heuristics, defaulting to "generic".
func inferContextType(filename, title string) string {
	name := strings.ToLower(filename)
	for _, cat := range categoryPatterns {
		for _, pattern := range cat.patterns {
			if strings.Contains(name, pattern) {
				return cat.category
			}
		}
	}

	lowTitle := strings.ToLower(title)
	if lowTitle != "" {
		for _, cat := range categoryPatterns {
			for _, pattern := range cat.patterns {
				if strings.Contains(lowTitle, pattern) {
					return cat.category
				}
			}
		}
	}
	return "generic"
}

// IsNotExist reports whether err came from a missing legacy root.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
