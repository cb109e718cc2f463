package model

import (
	"time"

	"github.com/google/uuid"
)

// DefaultUserID is assumed when a request does not name a user. Single-user
// deployments never need to pass user_id.
var DefaultUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Memory is a single atomic assertion about a user.
// Each row is one version; the current version of a lineage is the row
// where ValidTo IS NULL. Superseded rows are retained for temporal queries.
type Memory struct {
	// ID is the primary key (UUID).
	ID uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`

	// UserID is the owning user. A memory belongs to exactly one user.
	UserID uuid.UUID `json:"user_id" gorm:"not null;type:uuid;index:idx_memories_bucket,priority:1"`

	// Scope is "global" or "agent". AgentID is non-null iff Scope is "agent".
	Scope   Scope   `json:"scope" gorm:"not null;default:'global';index:idx_memories_bucket,priority:2"`
	AgentID *string `json:"agent_id,omitempty" gorm:"index:idx_memories_bucket,priority:3"`

	// Content is the normalized atomic assertion.
	Content string `json:"content" gorm:"not null"`

	// ContentHash is the SHA-256 hex digest of the canonical content.
	// Used for exact-duplicate suppression within a (user, scope, agent) bucket.
	ContentHash string `json:"content_hash,omitempty"`

	// Embedding is the dense vector of Content. It is persisted by the store
	// backend (pgvector column or serialized blob) and excluded from gorm's
	// column mapping.
	Embedding []float32 `json:"-" gorm:"-"`

	// MemoryType selects the update strategy. Immutable after creation.
	MemoryType MemoryType `json:"memory_type" gorm:"not null"`

	// Tags are short searchable labels.
	Tags []string `json:"tags" gorm:"type:jsonb;serializer:json"`

	// RelatedEntities holds structured named references (e.g. project:X).
	RelatedEntities map[string]interface{} `json:"related_entities,omitempty" gorm:"type:jsonb;serializer:json"`

	Importance int     `json:"importance" gorm:"not null;default:3"`
	Confidence float64 `json:"confidence" gorm:"not null;default:0.7"`

	// Provenance.
	Source       *string      `json:"source,omitempty"`
	InputChannel InputChannel `json:"input_channel" gorm:"not null;default:'api'"`

	// EventTime is when the described event occurred (mainly for episodes).
	EventTime *time.Time `json:"event_time,omitempty" gorm:"index"`

	// ValidFrom/ValidTo bound the interval during which this version is the
	// truth. ValidTo IS NULL marks the current version.
	ValidFrom time.Time  `json:"valid_from" gorm:"not null;index"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`

	// SupersedesID links to the version this row replaced.
	SupersedesID *uuid.UUID `json:"supersedes_id,omitempty" gorm:"type:uuid"`

	// LastAccessed is bumped by retrieval (best-effort).
	LastAccessed *time.Time `json:"last_accessed,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

// TableName implements gorm.Tabler.
func (Memory) TableName() string { return "memories" }

// Current reports whether this version is the active one in its lineage.
func (m *Memory) Current() bool { return m.ValidTo == nil }

// AuditLog is an append-only record of a memory state transition.
// Deleting a memory cascades to its audit rows.
type AuditLog struct {
	ID        uuid.UUID              `json:"id" gorm:"primaryKey;type:uuid"`
	MemoryID  uuid.UUID              `json:"memory_id" gorm:"not null;type:uuid;index"`
	Action    AuditAction            `json:"action" gorm:"not null"`
	ActorType ActorType              `json:"actor_type" gorm:"not null;default:'system'"`
	Diff      map[string]interface{} `json:"diff,omitempty" gorm:"type:jsonb;serializer:json"`
	CreatedAt time.Time              `json:"created_at" gorm:"not null"`
}

// TableName implements gorm.Tabler.
func (AuditLog) TableName() string { return "memory_audit_logs" }

// IngestJob is one asynchronous analyze-and-ingest request.
// Job IDs are ULIDs so rows sort by acceptance time.
type IngestJob struct {
	ID             string    `json:"job_id" gorm:"primaryKey"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty" gorm:"index:idx_ingest_jobs_idem,priority:2"`
	UserID         uuid.UUID `json:"user_id" gorm:"not null;type:uuid;index:idx_ingest_jobs_idem,priority:1"`
	Scope          Scope     `json:"scope" gorm:"not null;default:'global'"`
	AgentID        *string   `json:"agent_id,omitempty"`
	Status         JobStatus `json:"status" gorm:"not null;default:'accepted';index"`

	// Result mirrors the ingest response once the job is done.
	Result map[string]interface{} `json:"result,omitempty" gorm:"type:jsonb;serializer:json"`
	Error  *string                `json:"error,omitempty"`

	ReceivedAt time.Time  `json:"received_at" gorm:"not null;index"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TableName implements gorm.Tabler.
func (IngestJob) TableName() string { return "ingest_jobs" }
