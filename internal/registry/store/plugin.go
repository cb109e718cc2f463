package store

import (
	"context"
	"fmt"
	"time"

	"github.com/antigravity/cortex/internal/model"
	"github.com/google/uuid"
)

// SimilarMemory is a vector search hit.
type SimilarMemory struct {
	Memory     model.Memory `json:"memory"`
	Similarity float64      `json:"similarity"`
}

// NearestQuery finds neighbors of an embedding within one
// (user, scope, agent) bucket restricted to a single memory type.
// Used by the ingestion pipeline for near-duplicate detection.
type NearestQuery struct {
	UserID     uuid.UUID
	Scope      model.Scope
	AgentID    *string
	MemoryType model.MemoryType
	Embedding  []float32
	Limit      int
}

// SemanticQuery is the candidate fetch for context retrieval. It searches
// one (user, scope, agent) bucket across all memory types.
type SemanticQuery struct {
	UserID         uuid.UUID
	Scope          model.Scope
	AgentID        *string
	Embedding      []float32
	Limit          int
	IncludeRetired bool
}

// MemoryQuery is the structured filter for listing memories.
// Only current rows are returned unless ValidAt is set.
type MemoryQuery struct {
	UserID        uuid.UUID
	Scope         *model.Scope
	AgentID       *string
	MemoryType    *model.MemoryType
	Tags          []string
	Q             string
	ValidAt       *time.Time
	EventTimeFrom *time.Time
	EventTimeTo   *time.Time
	AfterCursor   *string
	Limit         int
}

// MemoryPatch defines the mutable fields of a memory. Nil fields are left
// unchanged. When Content is set the caller must supply the recomputed
// ContentHash and Embedding.
type MemoryPatch struct {
	Content         *string
	ContentHash     *string
	Embedding       []float32
	Tags            []string
	RelatedEntities map[string]interface{}
	Importance      *int
	Confidence      *float64
	Source          *string
	EventTime       *time.Time
}

// MemoryStore defines the primary data access interface for the cortex service.
// Mutating methods emit the matching audit rows in the same transaction.
type MemoryStore interface {
	// Memories
	InsertMemory(ctx context.Context, m *model.Memory, actor model.ActorType) error
	// SupersedeMemory atomically retires the old version (valid_to = m.ValidFrom)
	// and inserts m as its successor. The predecessor row is locked for the
	// duration of the transaction.
	SupersedeMemory(ctx context.Context, oldID uuid.UUID, m *model.Memory, actor model.ActorType) (*model.Memory, error)
	FindByContentHash(ctx context.Context, userID uuid.UUID, scope model.Scope, agentID *string, hash string) (*model.Memory, error)
	NearestMemories(ctx context.Context, q NearestQuery) ([]SimilarMemory, error)
	SearchMemories(ctx context.Context, q SemanticQuery) ([]SimilarMemory, error)
	GetMemory(ctx context.Context, userID uuid.UUID, id uuid.UUID) (*model.Memory, error)
	ListMemories(ctx context.Context, q MemoryQuery) ([]model.Memory, *string, error)
	UpdateMemory(ctx context.Context, userID uuid.UUID, id uuid.UUID, patch MemoryPatch, actor model.ActorType) (*model.Memory, error)
	DeleteMemory(ctx context.Context, userID uuid.UUID, id uuid.UUID, hard bool, actor model.ActorType) error
	// TouchMemories bumps last_accessed. Best-effort; callers may ignore errors.
	TouchMemories(ctx context.Context, ids []uuid.UUID, at time.Time) error
	// EachMemory streams current memories (all users when userID is nil) in
	// created_at order. Used by the admin dump endpoint.
	EachMemory(ctx context.Context, userID *uuid.UUID, fn func(model.Memory) error) error

	// Audit
	ListAuditLogs(ctx context.Context, memoryID uuid.UUID) ([]model.AuditLog, error)

	// Ingest jobs
	CreateJob(ctx context.Context, job *model.IngestJob) error
	GetJob(ctx context.Context, jobID string) (*model.IngestJob, error)
	FindJobByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string, since time.Time) (*model.IngestJob, error)
	MarkJobRunning(ctx context.Context, jobID string, at time.Time) error
	FinishJob(ctx context.Context, jobID string, status model.JobStatus, result map[string]interface{}, errMsg *string, at time.Time) error
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error
}

// Loader creates a MemoryStore from config.
type Loader func(ctx context.Context) (MemoryStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
