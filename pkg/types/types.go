// Package types defines shared types used across all contextcore modules.
package types

import (
	"strings"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONTEXT RECORDS
// ═══════════════════════════════════════════════════════════════════════════════

// RecordType defines the category of a context record.
type RecordType string

const (
	TypeProject  RecordType = "project"  // Project briefs and goals
	TypeTask     RecordType = "task"     // Actionable work items
	TypeSession  RecordType = "session"  // Recorded working sessions
	TypeAgent    RecordType = "agent"    // Agent operating notes
	TypeProgress RecordType = "progress" // Progress reports
	TypeTech     RecordType = "tech"     // Technical context
	TypeStyle    RecordType = "style"    // Style and convention notes
	TypeProduct  RecordType = "product"  // Product context
	TypeGeneric  RecordType = "generic"  // Anything else
)

// KnownRecordTypes lists every valid record type.
var KnownRecordTypes = []RecordType{
	TypeProject, TypeTask, TypeSession, TypeAgent, TypeProgress,
	TypeTech, TypeStyle, TypeProduct, TypeGeneric,
}

// Valid reports whether t is a known record type.
func (t RecordType) Valid() bool {
	for _, k := range KnownRecordTypes {
		if t == k {
			return true
		}
	}
	return false
}

// RetentionPolicy controls how long a record should be kept.
type RetentionPolicy string

const (
	RetentionPermanent RetentionPolicy = "permanent"
	RetentionStandard  RetentionPolicy = "standard"
	RetentionEphemeral RetentionPolicy = "ephemeral"
)

// Metadata carries secondary attributes of a context record.
type Metadata struct {
	AgentID         string          `json:"agent_id,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	Dependencies    []string        `json:"dependencies,omitempty"`
	RetentionPolicy RetentionPolicy `json:"retention_policy,omitempty"`
}

// Relationships links a record to its neighbors in the context graph.
// Parent/child consistency is validated after migration, not enforced
// transactionally at write time.
type Relationships struct {
	Parent     string   `json:"parent,omitempty"`
	Children   []string `json:"children,omitempty"`
	References []string `json:"references,omitempty"`
}

// ContextRecord is a unit of stored knowledge with hierarchy and metadata.
// ID is assigned once at creation and never changes.
type ContextRecord struct {
	ID            string        `json:"id"`
	Type          RecordType    `json:"type"`
	Hierarchy     []string      `json:"hierarchy"` // ordered, at least one segment
	Importance    int           `json:"importance"` // 0-100
	Created       time.Time     `json:"created"`
	Updated       time.Time     `json:"updated"`
	Content       string        `json:"content"`
	Metadata      Metadata      `json:"metadata"`
	Relationships Relationships `json:"relationships"`
}

// HierarchyPath returns the slash-joined hierarchy (e.g. "project/technical").
func (r *ContextRecord) HierarchyPath() string {
	return strings.Join(r.Hierarchy, "/")
}

// Clone returns a deep copy of the record.
func (r *ContextRecord) Clone() *ContextRecord {
	out := *r
	out.Hierarchy = append([]string(nil), r.Hierarchy...)
	out.Metadata.Tags = append([]string(nil), r.Metadata.Tags...)
	out.Metadata.Dependencies = append([]string(nil), r.Metadata.Dependencies...)
	out.Relationships.Children = append([]string(nil), r.Relationships.Children...)
	out.Relationships.References = append([]string(nil), r.Relationships.References...)
	return &out
}

// RecordPatch is a partial update applied to an existing record.
// Nil fields are left untouched.
type RecordPatch struct {
	Type          *RecordType    `json:"type,omitempty"`
	Hierarchy     []string       `json:"hierarchy,omitempty"`
	Importance    *int           `json:"importance,omitempty"`
	Content       *string        `json:"content,omitempty"`
	Metadata      *Metadata      `json:"metadata,omitempty"`
	Relationships *Relationships `json:"relationships,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	Type            RecordType
	HierarchyPrefix string
	MinImportance   int
	MaxImportance   int // 0 means unbounded
	AgentID         string
	Tags            []string // intersection: every tag must be present
	SortBy          string   // importance | updated | created | type
	SortDesc        bool
	Limit           int
	Offset          int
}

// RecordSummary is the index-level view of a record, without content.
type RecordSummary struct {
	ID            string     `json:"id"`
	Type          RecordType `json:"type"`
	HierarchyPath string     `json:"hierarchy_path"`
	Importance    int        `json:"importance"`
	AgentID       string     `json:"agent_id,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Created       time.Time  `json:"created"`
	Updated       time.Time  `json:"updated"`
}

// ListResult is the envelope returned by list/search operations.
type ListResult struct {
	Records   []*ContextRecord `json:"records,omitempty"`
	Summaries []RecordSummary  `json:"summaries,omitempty"`
	Total     int              `json:"total"`
	FromIndex bool             `json:"from_index"` // served by the relational index
}

// OperationResult is the uniform success/failure envelope for public
// operations.
type OperationResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// ANALYTICS
// ═══════════════════════════════════════════════════════════════════════════════

// OperationStats aggregates access-log rows for one operation or agent.
type OperationStats struct {
	Count         int     `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MaxDurationMs int64   `json:"max_duration_ms"`
}

// AccessAnalytics is the per-operation and per-agent latency breakdown
// derived from the index access log.
type AccessAnalytics struct {
	TotalOperations int                       `json:"total_operations"`
	ByOperation     map[string]OperationStats `json:"by_operation"`
	ByAgent         map[string]OperationStats `json:"by_agent"`
}
