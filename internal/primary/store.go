// Package primary implements the authoritative content-tree store. Records
// live as JSON files under <baseDir>/contexts/<hierarchy...>/<type>/<id>.json
// with a sibling path-index file for fast id resolution. The index is a pure
// accelerator: any read that misses it falls back to a recursive scan and
// repairs the entry, so a stale or corrupted index never loses data.
package primary

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/normanking/contextcore/internal/schema"
	"github.com/normanking/contextcore/pkg/types"
)

const (
	contextsDirName = "contexts"
	indexFileName   = ".path-index.json"
)

// indexState captures, once at load time, whether the path index is usable.
// The indexed-vs-scan decision is made here instead of being re-probed in
// every read call.
type indexState int

const (
	indexReady indexState = iota
	indexRebuilding
)

// indexEntry is the summary metadata the path index keeps per record id.
type indexEntry struct {
	Path          string           `json:"path"` // relative to baseDir
	Type          types.RecordType `json:"type"`
	HierarchyPath string           `json:"hierarchy_path"`
	Importance    int              `json:"importance"`
	Updated       time.Time        `json:"updated"`
}

// Store is the file-backed primary context store.
type Store struct {
	baseDir string

	mu    sync.RWMutex // guards index and locks maps
	index map[string]indexEntry
	state indexState

	locks sync.Map // record id -> *sync.Mutex
}

// New opens (or initializes) a primary store rooted at baseDir. A missing or
// unreadable path index is rebuilt from a tree scan.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, contextsDirName), 0o755); err != nil {
		return nil, &types.StorageError{Backend: "primary", Op: "init", Err: err}
	}

	s := &Store{baseDir: baseDir, index: make(map[string]indexEntry)}
	if err := s.loadIndex(); err != nil {
		log.Warn().Err(err).Msg("path index unreadable, rebuilding from tree scan")
		s.state = indexRebuilding
		if err := s.rebuildIndex(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// BaseDir returns the store root.
func (s *Store) BaseDir() string { return s.baseDir }

// lockFor returns the per-id mutex, creating it on first use. Different ids
// may be written concurrently; two writers on one id serialize here.
func (s *Store) lockFor(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// recordPath builds the canonical relative path for a record.
func recordPath(r *types.ContextRecord) string {
	parts := append([]string{contextsDirName}, r.Hierarchy...)
	parts = append(parts, string(r.Type), schema.SanitizeSegment(r.ID)+".json")
	return filepath.Join(parts...)
}

// Create persists a new record. The target path must be unoccupied.
func (s *Store) Create(record *types.ContextRecord) error {
	schema.Normalize(record)
	if err := schema.Validate(record); err != nil {
		return err
	}

	lock := s.lockFor(record.ID)
	lock.Lock()
	defer lock.Unlock()

	rel := recordPath(record)
	abs := filepath.Join(s.baseDir, rel)
	if _, err := os.Stat(abs); err == nil {
		return &types.ConflictError{Key: rel, Reason: "target path already occupied"}
	}
	if s.hasID(record.ID) {
		return &types.ConflictError{Key: record.ID, Reason: "id already exists"}
	}

	if err := s.writeRecordFile(abs, record); err != nil {
		return err
	}
	s.putIndexEntry(record, rel)
	log.Debug().Str("id", record.ID).Str("path", rel).Msg("context created")
	return nil
}

// Read loads a record by id. It resolves the path through the index first
// and falls back to a full tree scan, repairing the index entry on the way.
func (s *Store) Read(id string) (*types.ContextRecord, error) {
	s.mu.RLock()
	entry, ok := s.index[id]
	s.mu.RUnlock()

	if ok {
		record, err := s.readRecordFile(filepath.Join(s.baseDir, entry.Path))
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		// Index pointed at a file that is gone. Fall through to the scan.
	}

	record, rel, err := s.scanForID(id)
	if err != nil {
		return nil, err
	}
	s.putIndexEntry(record, rel)
	return record, nil
}

// Update merges a patch into the stored record, re-validates it, and
// persists the result. A hierarchy change moves the file: the new location
// is written before the old one is removed.
func (s *Store) Update(id string, patch *types.RecordPatch) (*types.ContextRecord, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.Read(id)
	if err != nil {
		return nil, err
	}

	merged := schema.ApplyPatch(current, patch)
	schema.Normalize(merged)
	if err := schema.Validate(merged); err != nil {
		return nil, err
	}

	oldRel := recordPath(current)
	newRel := recordPath(merged)
	newAbs := filepath.Join(s.baseDir, newRel)

	if err := s.writeRecordFile(newAbs, merged); err != nil {
		return nil, err
	}
	if newRel != oldRel {
		if err := os.Remove(filepath.Join(s.baseDir, oldRel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("id", id).Str("path", oldRel).Msg("stale record file left behind after move")
		}
	}
	s.putIndexEntry(merged, newRel)
	return merged, nil
}

// Delete removes the record file and its index entry. A missing file means
// the record is already gone and is not an error.
func (s *Store) Delete(id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	entry, ok := s.index[id]
	s.mu.RUnlock()

	var rel string
	if ok {
		rel = entry.Path
	} else {
		record, found, err := s.tryScanForID(id)
		if err != nil {
			return err
		}
		if !found {
			return nil // already deleted
		}
		rel = recordPath(record)
	}

	if err := os.Remove(filepath.Join(s.baseDir, rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &types.StorageError{Backend: "primary", Op: "delete", Err: err}
	}
	s.mu.Lock()
	delete(s.index, id)
	s.mu.Unlock()
	s.persistIndex()
	s.locks.Delete(id)
	return nil
}

// List returns records matching the filter, ordered by the filter's sort
// key. It serves from the path index and falls back to a raw tree walk when
// the index is being rebuilt.
func (s *Store) List(filter types.ListFilter) ([]*types.ContextRecord, error) {
	ids, err := s.candidateIDs()
	if err != nil {
		return nil, err
	}

	var out []*types.ContextRecord
	for _, id := range ids {
		record, err := s.Read(id)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if matchesFilter(record, filter) {
			out = append(out, record)
		}
	}
	sortRecords(out, filter)
	return paginate(out, filter), nil
}

// Search performs substring matching across type, hierarchy path, agent id,
// tags and hierarchy segment names.
func (s *Store) Search(query string) ([]*types.ContextRecord, error) {
	q := strings.ToLower(query)
	all, err := s.List(types.ListFilter{})
	if err != nil {
		return nil, err
	}
	var out []*types.ContextRecord
	for _, record := range all {
		if recordMatchesQuery(record, q) {
			out = append(out, record)
		}
	}
	return out, nil
}

// GetByHierarchy returns every record at or beneath the given hierarchy
// prefix.
func (s *Store) GetByHierarchy(prefix []string) ([]*types.ContextRecord, error) {
	return s.List(types.ListFilter{HierarchyPrefix: strings.Join(prefix, "/")})
}

// WalkAll streams every stored record to fn. Used by the storage
// coordinator's sync pass.
func (s *Store) WalkAll(fn func(*types.ContextRecord) error) error {
	ids, err := s.candidateIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		record, err := s.Read(id)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

// HealthCheck performs a write/read/delete round trip with a throwaway
// record.
func (s *Store) HealthCheck() error {
	probe := &types.ContextRecord{
		ID:        "health-probe-" + uuid.NewString(),
		Type:      types.TypeGeneric,
		Hierarchy: []string{"system", "health"},
		Content:   "probe",
	}
	if err := s.Create(probe); err != nil {
		return fmt.Errorf("health probe create: %w", err)
	}
	if _, err := s.Read(probe.ID); err != nil {
		return fmt.Errorf("health probe read: %w", err)
	}
	if err := s.Delete(probe.ID); err != nil {
		return fmt.Errorf("health probe delete: %w", err)
	}
	return nil
}

// Count returns the number of indexed records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// ═══════════════════════════════════════════════════════════════════════════════
// INTERNALS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Store) hasID(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

func (s *Store) candidateIDs() ([]string, error) {
	s.mu.RLock()
	state := s.state
	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	if state == indexRebuilding {
		if err := s.rebuildIndex(); err != nil {
			return nil, err
		}
		return s.candidateIDs()
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) writeRecordFile(abs string, record *types.ContextRecord) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return &types.StorageError{Backend: "primary", Op: "mkdir", Err: err}
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return &types.StorageError{Backend: "primary", Op: "marshal", Err: err}
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return &types.StorageError{Backend: "primary", Op: "write", Err: err}
	}
	return nil
}

func (s *Store) readRecordFile(abs string) (*types.ContextRecord, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, &types.StorageError{Backend: "primary", Op: "read", Err: err}
	}
	var record types.ContextRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, &types.StorageError{Backend: "primary", Op: "unmarshal", Err: err}
	}
	return &record, nil
}

// scanForID walks the whole content tree looking for a record file. The
// self-healing path for a stale index.
func (s *Store) scanForID(id string) (*types.ContextRecord, string, error) {
	record, found, err := s.tryScanForID(id)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return nil, "", &types.NotFoundError{ID: id}
	}
	return record, recordPath(record), nil
}

func (s *Store) tryScanForID(id string) (*types.ContextRecord, bool, error) {
	want := schema.SanitizeSegment(id) + ".json"
	var result *types.ContextRecord
	root := filepath.Join(s.baseDir, contextsDirName)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if d.Name() != want {
			return nil
		}
		record, rerr := s.readRecordFile(path)
		if rerr != nil {
			return nil // unreadable candidate, keep walking
		}
		if record.ID == id {
			result = record
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, false, &types.StorageError{Backend: "primary", Op: "scan", Err: err}
	}
	return result, result != nil, nil
}

func (s *Store) putIndexEntry(record *types.ContextRecord, rel string) {
	s.mu.Lock()
	s.index[record.ID] = indexEntry{
		Path:          rel,
		Type:          record.Type,
		HierarchyPath: record.HierarchyPath(),
		Importance:    record.Importance,
		Updated:       record.Updated,
	}
	s.mu.Unlock()
	s.persistIndex()
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.baseDir, indexFileName))
	if err != nil {
		return err
	}
	index := make(map[string]indexEntry)
	if err := json.Unmarshal(data, &index); err != nil {
		return err
	}
	s.mu.Lock()
	s.index = index
	s.state = indexReady
	s.mu.Unlock()
	return nil
}

// persistIndex writes the index file. Failures are logged, never fatal: the
// index can always be rebuilt from the tree.
func (s *Store) persistIndex() {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.index, "", "  ")
	s.mu.RUnlock()
	if err == nil {
		err = os.WriteFile(filepath.Join(s.baseDir, indexFileName), data, 0o644)
	}
	if err != nil {
		log.Warn().Err(err).Msg("path index persist failed")
	}
}

// rebuildIndex scans the content tree and regenerates the path index.
func (s *Store) rebuildIndex() error {
	index := make(map[string]indexEntry)
	root := filepath.Join(s.baseDir, contextsDirName)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return err
		}
		record, rerr := s.readRecordFile(path)
		if rerr != nil {
			log.Warn().Str("path", path).Msg("skipping unreadable record file during index rebuild")
			return nil
		}
		rel, rerr := filepath.Rel(s.baseDir, path)
		if rerr != nil {
			return rerr
		}
		index[record.ID] = indexEntry{
			Path:          rel,
			Type:          record.Type,
			HierarchyPath: record.HierarchyPath(),
			Importance:    record.Importance,
			Updated:       record.Updated,
		}
		return nil
	})
	if err != nil {
		return &types.StorageError{Backend: "primary", Op: "rebuild-index", Err: err}
	}
	s.mu.Lock()
	s.index = index
	s.state = indexReady
	s.mu.Unlock()
	s.persistIndex()
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// FILTERING
// ═══════════════════════════════════════════════════════════════════════════════

func matchesFilter(r *types.ContextRecord, f types.ListFilter) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.HierarchyPrefix != "" {
		hp := r.HierarchyPath()
		if hp != f.HierarchyPrefix && !strings.HasPrefix(hp, f.HierarchyPrefix+"/") {
			return false
		}
	}
	if r.Importance < f.MinImportance {
		return false
	}
	if f.MaxImportance > 0 && r.Importance > f.MaxImportance {
		return false
	}
	if f.AgentID != "" && r.Metadata.AgentID != f.AgentID {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range r.Metadata.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sortRecords(records []*types.ContextRecord, f types.ListFilter) {
	less := func(a, b *types.ContextRecord) bool {
		switch f.SortBy {
		case "importance":
			return a.Importance < b.Importance
		case "created":
			return a.Created.Before(b.Created)
		case "type":
			return a.Type < b.Type
		default:
			return a.Updated.Before(b.Updated)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if f.SortDesc {
			return less(records[j], records[i])
		}
		return less(records[i], records[j])
	})
}

func paginate(records []*types.ContextRecord, f types.ListFilter) []*types.ContextRecord {
	if f.Offset > 0 {
		if f.Offset >= len(records) {
			return nil
		}
		records = records[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(records) {
		records = records[:f.Limit]
	}
	return records
}

func recordMatchesQuery(r *types.ContextRecord, q string) bool {
	if strings.Contains(strings.ToLower(string(r.Type)), q) {
		return true
	}
	if strings.Contains(strings.ToLower(r.HierarchyPath()), q) {
		return true
	}
	if strings.Contains(strings.ToLower(r.Metadata.AgentID), q) {
		return true
	}
	for _, tag := range r.Metadata.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	for _, seg := range r.Hierarchy {
		if strings.Contains(strings.ToLower(seg), q) {
			return true
		}
	}
	return false
}
