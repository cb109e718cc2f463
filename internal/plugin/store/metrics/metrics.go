package metrics

import (
	"context"
	"time"

	"github.com/antigravity/cortex/internal/model"
	"github.com/antigravity/cortex/internal/registry/store"
	"github.com/antigravity/cortex/internal/security"
	"github.com/google/uuid"
)

// Wrap returns a MemoryStore that records StoreLatency for every operation.
func Wrap(inner store.MemoryStore) store.MemoryStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.MemoryStore
}

func observe(op string, start time.Time) {
	security.ObserveStoreLatency(op, start)
}

func (m *metricsStore) InsertMemory(ctx context.Context, mem *model.Memory, actor model.ActorType) error {
	defer observe("insert_memory", time.Now())
	return m.inner.InsertMemory(ctx, mem, actor)
}

func (m *metricsStore) SupersedeMemory(ctx context.Context, oldID uuid.UUID, mem *model.Memory, actor model.ActorType) (*model.Memory, error) {
	defer observe("supersede_memory", time.Now())
	return m.inner.SupersedeMemory(ctx, oldID, mem, actor)
}

func (m *metricsStore) FindByContentHash(ctx context.Context, userID uuid.UUID, scope model.Scope, agentID *string, hash string) (*model.Memory, error) {
	defer observe("find_by_content_hash", time.Now())
	return m.inner.FindByContentHash(ctx, userID, scope, agentID, hash)
}

func (m *metricsStore) NearestMemories(ctx context.Context, q store.NearestQuery) ([]store.SimilarMemory, error) {
	defer observe("nearest_memories", time.Now())
	return m.inner.NearestMemories(ctx, q)
}

func (m *metricsStore) SearchMemories(ctx context.Context, q store.SemanticQuery) ([]store.SimilarMemory, error) {
	defer observe("search_memories", time.Now())
	return m.inner.SearchMemories(ctx, q)
}

func (m *metricsStore) GetMemory(ctx context.Context, userID uuid.UUID, id uuid.UUID) (*model.Memory, error) {
	defer observe("get_memory", time.Now())
	return m.inner.GetMemory(ctx, userID, id)
}

func (m *metricsStore) ListMemories(ctx context.Context, q store.MemoryQuery) ([]model.Memory, *string, error) {
	defer observe("list_memories", time.Now())
	return m.inner.ListMemories(ctx, q)
}

func (m *metricsStore) UpdateMemory(ctx context.Context, userID uuid.UUID, id uuid.UUID, patch store.MemoryPatch, actor model.ActorType) (*model.Memory, error) {
	defer observe("update_memory", time.Now())
	return m.inner.UpdateMemory(ctx, userID, id, patch, actor)
}

func (m *metricsStore) DeleteMemory(ctx context.Context, userID uuid.UUID, id uuid.UUID, hard bool, actor model.ActorType) error {
	defer observe("delete_memory", time.Now())
	return m.inner.DeleteMemory(ctx, userID, id, hard, actor)
}

func (m *metricsStore) TouchMemories(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	defer observe("touch_memories", time.Now())
	return m.inner.TouchMemories(ctx, ids, at)
}

func (m *metricsStore) EachMemory(ctx context.Context, userID *uuid.UUID, fn func(model.Memory) error) error {
	defer observe("each_memory", time.Now())
	return m.inner.EachMemory(ctx, userID, fn)
}

func (m *metricsStore) ListAuditLogs(ctx context.Context, memoryID uuid.UUID) ([]model.AuditLog, error) {
	defer observe("list_audit_logs", time.Now())
	return m.inner.ListAuditLogs(ctx, memoryID)
}

func (m *metricsStore) CreateJob(ctx context.Context, job *model.IngestJob) error {
	defer observe("create_job", time.Now())
	return m.inner.CreateJob(ctx, job)
}

func (m *metricsStore) GetJob(ctx context.Context, jobID string) (*model.IngestJob, error) {
	defer observe("get_job", time.Now())
	return m.inner.GetJob(ctx, jobID)
}

func (m *metricsStore) FindJobByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string, since time.Time) (*model.IngestJob, error) {
	defer observe("find_job_by_idempotency_key", time.Now())
	return m.inner.FindJobByIdempotencyKey(ctx, userID, key, since)
}

func (m *metricsStore) MarkJobRunning(ctx context.Context, jobID string, at time.Time) error {
	defer observe("mark_job_running", time.Now())
	return m.inner.MarkJobRunning(ctx, jobID, at)
}

func (m *metricsStore) FinishJob(ctx context.Context, jobID string, status model.JobStatus, result map[string]interface{}, errMsg *string, at time.Time) error {
	defer observe("finish_job", time.Now())
	return m.inner.FinishJob(ctx, jobID, status, result, errMsg, at)
}

func (m *metricsStore) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	defer observe("delete_terminal_jobs_before", time.Now())
	return m.inner.DeleteTerminalJobsBefore(ctx, cutoff, limit)
}

func (m *metricsStore) Ping(ctx context.Context) error {
	defer observe("ping", time.Now())
	return m.inner.Ping(ctx)
}
