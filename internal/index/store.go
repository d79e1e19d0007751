package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/contextcore/internal/schema"
	"github.com/normanking/contextcore/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONTEXT ROW OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Create inserts the index rows for a record. Main row and every set-valued
// table are written in a single transaction.
func (s *Store) Create(ctx context.Context, record *types.ContextRecord) error {
	start := time.Now()
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO contexts (
				id, type, hierarchy_path, importance, agent_id,
				retention_policy, storage_key, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := tx.ExecContext(ctx, query,
			record.ID, string(record.Type), record.HierarchyPath(), record.Importance,
			nullString(record.Metadata.AgentID), string(record.Metadata.RetentionPolicy),
			schema.StorageKey(record.Hierarchy, record.Type, record.ID),
			record.Created, record.Updated,
		)
		if err != nil {
			return fmt.Errorf("insert context row: %w", err)
		}
		return insertSetRows(ctx, tx, record)
	})
	s.logAccess(record.ID, "create", record.Metadata.AgentID, time.Since(start))
	return err
}

// Update rewrites the index rows for a record. The set-valued tables are
// deleted and reinserted since they represent sets, not diffs.
func (s *Store) Update(ctx context.Context, record *types.ContextRecord) error {
	start := time.Now()
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE contexts SET
				type = ?, hierarchy_path = ?, importance = ?, agent_id = ?,
				retention_policy = ?, storage_key = ?, updated_at = ?
			WHERE id = ?
		`
		res, err := tx.ExecContext(ctx, query,
			string(record.Type), record.HierarchyPath(), record.Importance,
			nullString(record.Metadata.AgentID), string(record.Metadata.RetentionPolicy),
			schema.StorageKey(record.Hierarchy, record.Type, record.ID),
			record.Updated, record.ID,
		)
		if err != nil {
			return fmt.Errorf("update context row: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return &types.NotFoundError{ID: record.ID}
		}
		if err := deleteSetRows(ctx, tx, record.ID); err != nil {
			return err
		}
		return insertSetRows(ctx, tx, record)
	})
	s.logAccess(record.ID, "update", record.Metadata.AgentID, time.Since(start))
	return err
}

// Upsert creates the record's index rows, falling back to Update when the
// row already exists. Used by the coordinator's sync and lazy backfill.
func (s *Store) Upsert(ctx context.Context, record *types.ContextRecord) error {
	ok, err := s.Has(ctx, record.ID)
	if err != nil {
		return err
	}
	if ok {
		return s.Update(ctx, record)
	}
	return s.Create(ctx, record)
}

// Get returns the indexed summary for an id.
func (s *Store) Get(ctx context.Context, id string) (*types.RecordSummary, error) {
	start := time.Now()
	defer func() { s.logAccess(id, "read", "", time.Since(start)) }()

	query := `
		SELECT id, type, hierarchy_path, importance, agent_id, created_at, updated_at
		FROM contexts WHERE id = ?
	`
	var summary types.RecordSummary
	var agentID sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&summary.ID, &summary.Type, &summary.HierarchyPath, &summary.Importance,
		&agentID, &summary.Created, &summary.Updated,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &types.NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("query context row: %w", err)
	}
	summary.AgentID = agentID.String
	summary.Tags, err = s.tagsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// Has reports whether an id is present in the index.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM contexts WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe context row: %w", err)
	}
	return true, nil
}

// UpdatedAt returns the indexed updated timestamp, used by the sync pass to
// detect stale rows.
func (s *Store) UpdatedAt(ctx context.Context, id string) (time.Time, bool, error) {
	var updated time.Time
	err := s.db.QueryRowContext(ctx, "SELECT updated_at FROM contexts WHERE id = ?", id).Scan(&updated)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query updated_at: %w", err)
	}
	return updated, true, nil
}

// Delete removes every index row derived from the record.
func (s *Store) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := deleteSetRows(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM contexts WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete context row: %w", err)
		}
		return nil
	})
	s.logAccess(id, "delete", "", time.Since(start))
	return err
}

func insertSetRows(ctx context.Context, tx *sql.Tx, record *types.ContextRecord) error {
	for i, segment := range record.Hierarchy {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO hierarchy_levels (context_id, level, segment) VALUES (?, ?, ?)",
			record.ID, i, segment); err != nil {
			return fmt.Errorf("insert hierarchy level: %w", err)
		}
	}
	for _, tag := range record.Metadata.Tags {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tags (context_id, tag) VALUES (?, ?)", record.ID, tag); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}
	for _, dep := range record.Metadata.Dependencies {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO dependencies (context_id, dependency) VALUES (?, ?)", record.ID, dep); err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
	}
	for _, ref := range record.Relationships.References {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO refs (context_id, ref_id) VALUES (?, ?)", record.ID, ref); err != nil {
			return fmt.Errorf("insert reference: %w", err)
		}
	}
	return nil
}

func deleteSetRows(ctx context.Context, tx *sql.Tx, id string) error {
	for _, table := range []string{"hierarchy_levels", "tags", "dependencies", "refs"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE context_id = ?", id); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) tagsFor(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT tag FROM tags WHERE context_id = ? ORDER BY tag", id)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIST & SEARCH
// ═══════════════════════════════════════════════════════════════════════════════

var sortColumns = map[string]string{
	"importance": "importance",
	"updated":    "updated_at",
	"created":    "created_at",
	"type":       "type",
}

// List returns summaries matching the filter, sorted and paginated in SQL.
func (s *Store) List(ctx context.Context, filter types.ListFilter) ([]types.RecordSummary, error) {
	start := time.Now()
	defer func() { s.logAccess("", "list", filter.AgentID, time.Since(start)) }()

	var conditions []string
	var args []any

	if filter.Type != "" {
		conditions = append(conditions, "c.type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.HierarchyPrefix != "" {
		conditions = append(conditions, "(c.hierarchy_path = ? OR c.hierarchy_path LIKE ?)")
		args = append(args, filter.HierarchyPrefix, filter.HierarchyPrefix+"/%")
	}
	if filter.MinImportance > 0 {
		conditions = append(conditions, "c.importance >= ?")
		args = append(args, filter.MinImportance)
	}
	if filter.MaxImportance > 0 {
		conditions = append(conditions, "c.importance <= ?")
		args = append(args, filter.MaxImportance)
	}
	if filter.AgentID != "" {
		conditions = append(conditions, "c.agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if len(filter.Tags) > 0 {
		// Tag intersection: the record must carry every requested tag.
		placeholders := strings.Repeat("?,", len(filter.Tags))
		placeholders = placeholders[:len(placeholders)-1]
		conditions = append(conditions, fmt.Sprintf(
			`c.id IN (SELECT context_id FROM tags WHERE tag IN (%s)
			 GROUP BY context_id HAVING COUNT(DISTINCT tag) = ?)`, placeholders))
		for _, tag := range filter.Tags {
			args = append(args, tag)
		}
		args = append(args, len(filter.Tags))
	}

	query := "SELECT c.id, c.type, c.hierarchy_path, c.importance, c.agent_id, c.created_at, c.updated_at FROM contexts c"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	column, ok := sortColumns[filter.SortBy]
	if !ok {
		column = "updated_at"
	}
	direction := "ASC"
	if filter.SortDesc {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY c.%s %s", column, direction)

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, filter.Offset)
	}

	return s.querySummaries(ctx, query, args...)
}

// Search does substring matching across type, hierarchy path, agent id, tags
// and hierarchy segment names.
func (s *Store) Search(ctx context.Context, query string) ([]types.RecordSummary, error) {
	start := time.Now()
	defer func() { s.logAccess("", "search", "", time.Since(start)) }()

	like := "%" + strings.ToLower(query) + "%"
	sqlQuery := `
		SELECT DISTINCT c.id, c.type, c.hierarchy_path, c.importance, c.agent_id, c.created_at, c.updated_at
		FROM contexts c
		LEFT JOIN tags t ON t.context_id = c.id
		LEFT JOIN hierarchy_levels h ON h.context_id = c.id
		WHERE LOWER(c.type) LIKE ?
		   OR LOWER(c.hierarchy_path) LIKE ?
		   OR LOWER(COALESCE(c.agent_id, '')) LIKE ?
		   OR LOWER(COALESCE(t.tag, '')) LIKE ?
		   OR LOWER(COALESCE(h.segment, '')) LIKE ?
		ORDER BY c.updated_at DESC
	`
	return s.querySummaries(ctx, sqlQuery, like, like, like, like, like)
}

func (s *Store) querySummaries(ctx context.Context, query string, args ...any) ([]types.RecordSummary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query contexts: %w", err)
	}
	defer rows.Close()

	var out []types.RecordSummary
	for rows.Next() {
		var summary types.RecordSummary
		var agentID sql.NullString
		if err := rows.Scan(&summary.ID, &summary.Type, &summary.HierarchyPath,
			&summary.Importance, &agentID, &summary.Created, &summary.Updated); err != nil {
			return nil, fmt.Errorf("scan context row: %w", err)
		}
		summary.AgentID = agentID.String
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		tags, err := s.tagsFor(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Tags = tags
	}
	return out, nil
}

// Count returns the number of indexed contexts.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM contexts").Scan(&n); err != nil {
		return 0, fmt.Errorf("count contexts: %w", err)
	}
	return n, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ACCESS LOG & ANALYTICS
// ═══════════════════════════════════════════════════════════════════════════════

// logAccess appends an access-log row. Runs in the calling goroutine but
// never fails the caller: the log is telemetry, not state.
func (s *Store) logAccess(contextID, operation, agentID string, duration time.Duration) {
	_, err := s.db.Exec(
		"INSERT INTO access_log (context_id, operation, agent_id, duration_ms, created_at) VALUES (?, ?, ?, ?, ?)",
		nullString(contextID), operation, nullString(agentID), duration.Milliseconds(), time.Now().UTC(),
	)
	if err != nil {
		log.Warn().Err(err).Str("operation", operation).Msg("access log append failed")
	}
}

// Analytics aggregates the access log into per-operation and per-agent
// latency statistics.
func (s *Store) Analytics(ctx context.Context) (*types.AccessAnalytics, error) {
	analytics := &types.AccessAnalytics{
		ByOperation: make(map[string]types.OperationStats),
		ByAgent:     make(map[string]types.OperationStats),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT operation, COUNT(*), AVG(duration_ms), MAX(duration_ms)
		FROM access_log GROUP BY operation
	`)
	if err != nil {
		return nil, fmt.Errorf("query operation analytics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var op string
		var stats types.OperationStats
		if err := rows.Scan(&op, &stats.Count, &stats.AvgDurationMs, &stats.MaxDurationMs); err != nil {
			return nil, fmt.Errorf("scan operation analytics: %w", err)
		}
		analytics.ByOperation[op] = stats
		analytics.TotalOperations += stats.Count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	agentRows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, COUNT(*), AVG(duration_ms), MAX(duration_ms)
		FROM access_log WHERE agent_id IS NOT NULL GROUP BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query agent analytics: %w", err)
	}
	defer agentRows.Close()
	for agentRows.Next() {
		var agent string
		var stats types.OperationStats
		if err := agentRows.Scan(&agent, &stats.Count, &stats.AvgDurationMs, &stats.MaxDurationMs); err != nil {
			return nil, fmt.Errorf("scan agent analytics: %w", err)
		}
		analytics.ByAgent[agent] = stats
	}
	return analytics, agentRows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
