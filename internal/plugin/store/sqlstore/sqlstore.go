// Package sqlstore implements the MemoryStore contract on top of gorm.
// Backend plugins (postgres, sqlite) supply a Dialect for the pieces that
// differ between engines: embedding persistence, vector search, and tag
// containment filters.
package sqlstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/antigravity/cortex/internal/model"
	registrystore "github.com/antigravity/cortex/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VectorHit is one vector search result before the memory row is loaded.
type VectorHit struct {
	ID         uuid.UUID
	Similarity float64
}

// Dialect covers the engine-specific parts of the store.
type Dialect interface {
	// SaveEmbedding persists the embedding column for one memory row.
	SaveEmbedding(tx *gorm.DB, id uuid.UUID, embedding []float32) error
	// Nearest returns the closest current rows in one bucket and memory type.
	Nearest(tx *gorm.DB, q registrystore.NearestQuery) ([]VectorHit, error)
	// Search returns the closest rows in one bucket across all memory types.
	Search(tx *gorm.DB, q registrystore.SemanticQuery) ([]VectorHit, error)
	// FilterTags narrows tx to rows whose tags contain every given tag.
	FilterTags(tx *gorm.DB, tags []string) *gorm.DB
}

// Store implements registrystore.MemoryStore over a gorm DB.
type Store struct {
	db      *gorm.DB
	dialect Dialect
	// rowLock enables SELECT ... FOR UPDATE on supersession. Disabled for
	// engines without row locks (sqlite serializes writers anyway).
	rowLock bool
}

// New builds a Store.
func New(db *gorm.DB, dialect Dialect, rowLock bool) *Store {
	return &Store{db: db, dialect: dialect, rowLock: rowLock}
}

// DB exposes the underlying gorm handle for backend-specific maintenance.
func (s *Store) DB() *gorm.DB { return s.db }

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}

func validateScope(scope model.Scope, agentID *string) error {
	if !model.ValidScope(scope) {
		return &registrystore.ValidationError{Field: "scope", Message: fmt.Sprintf("unknown scope %q", scope)}
	}
	if scope == model.ScopeAgent && (agentID == nil || strings.TrimSpace(*agentID) == "") {
		return &registrystore.ValidationError{Field: "agent_id", Message: "agent_id is required when scope is agent"}
	}
	if scope == model.ScopeGlobal && agentID != nil {
		return &registrystore.ValidationError{Field: "agent_id", Message: "agent_id must be empty when scope is global"}
	}
	return nil
}

func writeAudit(tx *gorm.DB, memoryID uuid.UUID, action model.AuditAction, actor model.ActorType, diff map[string]interface{}, at time.Time) error {
	row := model.AuditLog{
		ID:        uuid.New(),
		MemoryID:  memoryID,
		Action:    action,
		ActorType: actor,
		Diff:      diff,
		CreatedAt: at,
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// --- Memories ---

func (s *Store) InsertMemory(ctx context.Context, m *model.Memory, actor model.ActorType) error {
	if err := validateScope(m.Scope, m.AgentID); err != nil {
		return err
	}
	if !model.ValidMemoryType(m.MemoryType) {
		return &registrystore.ValidationError{Field: "memory_type", Message: fmt.Sprintf("unknown memory type %q", m.MemoryType)}
	}

	now := time.Now().UTC()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.ValidFrom.IsZero() {
		m.ValidFrom = now
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	m.CreatedAt = now
	m.UpdatedAt = now

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			if isUniqueViolation(err) {
				return &registrystore.ConflictError{
					Message: "a current memory with the same content already exists in this bucket",
					Details: map[string]interface{}{"content_hash": m.ContentHash},
				}
			}
			return fmt.Errorf("failed to insert memory: %w", err)
		}
		if len(m.Embedding) > 0 {
			if err := s.dialect.SaveEmbedding(tx, m.ID, m.Embedding); err != nil {
				return fmt.Errorf("failed to save embedding: %w", err)
			}
		}
		return writeAudit(tx, m.ID, model.AuditCreate, actor, map[string]interface{}{
			"after": map[string]interface{}{"content": m.Content, "memory_type": m.MemoryType},
		}, now)
	})
}

func (s *Store) SupersedeMemory(ctx context.Context, oldID uuid.UUID, m *model.Memory, actor model.ActorType) (*model.Memory, error) {
	if err := validateScope(m.Scope, m.AgentID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.ValidFrom.IsZero() {
		m.ValidFrom = now
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	m.CreatedAt = now
	m.UpdatedAt = now

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if s.rowLock {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var old model.Memory
		result := q.Where("id = ? AND user_id = ?", oldID, m.UserID).Limit(1).Find(&old)
		if result.Error != nil {
			return fmt.Errorf("failed to load predecessor: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return &registrystore.NotFoundError{Resource: "memory", ID: oldID.String()}
		}
		if old.ValidTo != nil {
			return &registrystore.ConflictError{
				Message: "memory has already been superseded",
				Details: map[string]interface{}{"memory_id": oldID.String()},
			}
		}
		if !old.MemoryType.Supersedable() {
			return &registrystore.ConflictError{Message: "episode memories cannot be superseded"}
		}
		if old.MemoryType != m.MemoryType {
			return &registrystore.ConflictError{Message: "memory type is immutable across a lineage"}
		}
		// Temporal monotonicity: the successor starts no earlier than the
		// predecessor, and exactly where the predecessor ends.
		if m.ValidFrom.Before(old.ValidFrom) {
			m.ValidFrom = old.ValidFrom
		}
		if err := tx.Model(&model.Memory{}).Where("id = ?", old.ID).
			Updates(map[string]interface{}{"valid_to": m.ValidFrom, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("failed to retire predecessor: %w", err)
		}

		m.SupersedesID = &old.ID
		if err := tx.Create(m).Error; err != nil {
			if isUniqueViolation(err) {
				return &registrystore.ConflictError{Message: "a current memory with the same content already exists in this bucket"}
			}
			return fmt.Errorf("failed to insert successor: %w", err)
		}
		if len(m.Embedding) > 0 {
			if err := s.dialect.SaveEmbedding(tx, m.ID, m.Embedding); err != nil {
				return fmt.Errorf("failed to save embedding: %w", err)
			}
		}
		return writeAudit(tx, old.ID, model.AuditUpdate, actor, map[string]interface{}{
			"before":        map[string]interface{}{"content": old.Content},
			"after":         map[string]interface{}{"content": m.Content},
			"superseded_by": m.ID.String(),
		}, now)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) FindByContentHash(ctx context.Context, userID uuid.UUID, scope model.Scope, agentID *string, hash string) (*model.Memory, error) {
	var m model.Memory
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND scope = ? AND COALESCE(agent_id, '') = ? AND content_hash = ? AND valid_to IS NULL",
			userID, scope, derefAgent(agentID), hash).
		Limit(1).Find(&m)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to look up content hash: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &m, nil
}

func derefAgent(agentID *string) string {
	if agentID == nil {
		return ""
	}
	return *agentID
}

func (s *Store) NearestMemories(ctx context.Context, q registrystore.NearestQuery) ([]registrystore.SimilarMemory, error) {
	hits, err := s.dialect.Nearest(s.db.WithContext(ctx), q)
	if err != nil {
		return nil, err
	}
	return s.resolveHits(ctx, hits)
}

func (s *Store) SearchMemories(ctx context.Context, q registrystore.SemanticQuery) ([]registrystore.SimilarMemory, error) {
	hits, err := s.dialect.Search(s.db.WithContext(ctx), q)
	if err != nil {
		return nil, err
	}
	return s.resolveHits(ctx, hits)
}

// resolveHits loads the memory rows for vector hits, preserving hit order.
func (s *Store) resolveHits(ctx context.Context, hits []VectorHit) ([]registrystore.SimilarMemory, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	var rows []model.Memory
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load search hits: %w", err)
	}
	byID := make(map[uuid.UUID]model.Memory, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	out := make([]registrystore.SimilarMemory, 0, len(hits))
	for _, h := range hits {
		if m, ok := byID[h.ID]; ok {
			out = append(out, registrystore.SimilarMemory{Memory: m, Similarity: h.Similarity})
		}
	}
	return out, nil
}

func (s *Store) GetMemory(ctx context.Context, userID uuid.UUID, id uuid.UUID) (*model.Memory, error) {
	var m model.Memory
	result := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Limit(1).Find(&m)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get memory: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
	}
	return &m, nil
}

type listCursor struct {
	CreatedAt time.Time `json:"c"`
	ID        string    `json:"i"`
}

func encodeCursor(m model.Memory) *string {
	data, err := json.Marshal(listCursor{CreatedAt: m.CreatedAt, ID: m.ID.String()})
	if err != nil {
		return nil
	}
	c := base64.RawURLEncoding.EncodeToString(data)
	return &c
}

func decodeCursor(raw string) (*listCursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, &registrystore.ValidationError{Field: "cursor", Message: "malformed cursor"}
	}
	var c listCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &registrystore.ValidationError{Field: "cursor", Message: "malformed cursor"}
	}
	return &c, nil
}

func (s *Store) ListMemories(ctx context.Context, q registrystore.MemoryQuery) ([]model.Memory, *string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	tx := s.db.WithContext(ctx).Model(&model.Memory{}).Where("user_id = ?", q.UserID)
	if q.Scope != nil {
		tx = tx.Where("scope = ?", *q.Scope)
	}
	if q.AgentID != nil {
		tx = tx.Where("agent_id = ?", *q.AgentID)
	}
	if q.MemoryType != nil {
		tx = tx.Where("memory_type = ?", *q.MemoryType)
	}
	if len(q.Tags) > 0 {
		tx = s.dialect.FilterTags(tx, q.Tags)
	}
	if q.Q != "" {
		tx = tx.Where("LOWER(content) LIKE ?", "%"+strings.ToLower(q.Q)+"%")
	}
	if q.ValidAt != nil {
		tx = tx.Where("valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)", *q.ValidAt, *q.ValidAt)
	} else {
		tx = tx.Where("valid_to IS NULL")
	}
	if q.EventTimeFrom != nil {
		tx = tx.Where("event_time >= ?", *q.EventTimeFrom)
	}
	if q.EventTimeTo != nil {
		tx = tx.Where("event_time < ?", *q.EventTimeTo)
	}
	if q.AfterCursor != nil {
		cur, err := decodeCursor(*q.AfterCursor)
		if err != nil {
			return nil, nil, err
		}
		tx = tx.Where("created_at < ? OR (created_at = ? AND id > ?)", cur.CreatedAt, cur.CreatedAt, cur.ID)
	}

	var rows []model.Memory
	if err := tx.Order("created_at DESC, id ASC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list memories: %w", err)
	}
	var cursor *string
	if len(rows) > limit {
		rows = rows[:limit]
		cursor = encodeCursor(rows[len(rows)-1])
	}
	return rows, cursor, nil
}

func (s *Store) UpdateMemory(ctx context.Context, userID uuid.UUID, id uuid.UUID, patch registrystore.MemoryPatch, actor model.ActorType) (*model.Memory, error) {
	var updated model.Memory
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if s.rowLock {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var m model.Memory
		result := q.Where("id = ? AND user_id = ?", id, userID).Limit(1).Find(&m)
		if result.Error != nil {
			return fmt.Errorf("failed to load memory: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
		}

		now := time.Now().UTC()
		before := map[string]interface{}{}
		after := map[string]interface{}{}
		updates := map[string]interface{}{"updated_at": now}

		if patch.Content != nil && *patch.Content != m.Content {
			before["content"], after["content"] = m.Content, *patch.Content
			updates["content"] = *patch.Content
			if patch.ContentHash != nil {
				updates["content_hash"] = *patch.ContentHash
			}
		}
		if patch.Tags != nil {
			before["tags"], after["tags"] = m.Tags, patch.Tags
			updates["tags"] = jsonValue(patch.Tags)
		}
		if patch.RelatedEntities != nil {
			before["related_entities"], after["related_entities"] = m.RelatedEntities, patch.RelatedEntities
			updates["related_entities"] = jsonValue(patch.RelatedEntities)
		}
		if patch.Importance != nil && *patch.Importance != m.Importance {
			before["importance"], after["importance"] = m.Importance, *patch.Importance
			updates["importance"] = *patch.Importance
		}
		if patch.Confidence != nil && *patch.Confidence != m.Confidence {
			before["confidence"], after["confidence"] = m.Confidence, *patch.Confidence
			updates["confidence"] = *patch.Confidence
		}
		if patch.Source != nil {
			before["source"], after["source"] = m.Source, *patch.Source
			updates["source"] = *patch.Source
		}
		if patch.EventTime != nil {
			before["event_time"], after["event_time"] = m.EventTime, *patch.EventTime
			updates["event_time"] = *patch.EventTime
		}

		if err := tx.Model(&model.Memory{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			if isUniqueViolation(err) {
				return &registrystore.ConflictError{Message: "a current memory with the same content already exists in this bucket"}
			}
			return fmt.Errorf("failed to update memory: %w", err)
		}
		if len(patch.Embedding) > 0 {
			if err := s.dialect.SaveEmbedding(tx, id, patch.Embedding); err != nil {
				return fmt.Errorf("failed to save embedding: %w", err)
			}
		}
		if len(after) > 0 {
			if err := writeAudit(tx, id, model.AuditUpdate, actor, map[string]interface{}{
				"before": before, "after": after,
			}, now); err != nil {
				return err
			}
		}

		reload := tx.Where("id = ?", id).Limit(1).Find(&updated)
		if reload.Error != nil {
			return fmt.Errorf("failed to reload memory: %w", reload.Error)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// jsonValue forces serializer:json fields through the map-based Updates path.
func jsonValue(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	return string(data)
}

func (s *Store) DeleteMemory(ctx context.Context, userID uuid.UUID, id uuid.UUID, hard bool, actor model.ActorType) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m model.Memory
		result := tx.Where("id = ? AND user_id = ?", id, userID).Limit(1).Find(&m)
		if result.Error != nil {
			return fmt.Errorf("failed to load memory: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
		}

		now := time.Now().UTC()
		if hard {
			// Audit rows cascade with the memory row.
			if err := tx.Where("memory_id = ?", id).Delete(&model.AuditLog{}).Error; err != nil {
				return fmt.Errorf("failed to delete audit logs: %w", err)
			}
			if err := tx.Where("id = ?", id).Delete(&model.Memory{}).Error; err != nil {
				return fmt.Errorf("failed to delete memory: %w", err)
			}
			return nil
		}

		if m.ValidTo != nil {
			// Already retired; soft delete is idempotent.
			return nil
		}
		if err := tx.Model(&model.Memory{}).Where("id = ?", id).
			Updates(map[string]interface{}{"valid_to": now, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("failed to retire memory: %w", err)
		}
		return writeAudit(tx, id, model.AuditDelete, actor, map[string]interface{}{
			"before": map[string]interface{}{"valid_to": nil},
			"after":  map[string]interface{}{"valid_to": now},
		}, now)
	})
}

func (s *Store) TouchMemories(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&model.Memory{}).
		Where("id IN ?", ids).
		Update("last_accessed", at).Error
}

func (s *Store) EachMemory(ctx context.Context, userID *uuid.UUID, fn func(model.Memory) error) error {
	tx := s.db.WithContext(ctx).Where("valid_to IS NULL").Order("created_at ASC, id ASC")
	if userID != nil {
		tx = tx.Where("user_id = ?", *userID)
	}
	var batch []model.Memory
	result := tx.FindInBatches(&batch, 500, func(_ *gorm.DB, _ int) error {
		for _, m := range batch {
			if err := fn(m); err != nil {
				return err
			}
		}
		return nil
	})
	return result.Error
}

// --- Audit ---

func (s *Store) ListAuditLogs(ctx context.Context, memoryID uuid.UUID) ([]model.AuditLog, error) {
	var rows []model.AuditLog
	err := s.db.WithContext(ctx).
		Where("memory_id = ?", memoryID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return rows, nil
}

// --- Ingest jobs ---

func (s *Store) CreateJob(ctx context.Context, job *model.IngestJob) error {
	if job.ReceivedAt.IsZero() {
		job.ReceivedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = model.JobAccepted
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		if isUniqueViolation(err) {
			return &registrystore.ConflictError{
				Message: "a job with the same idempotency key already exists",
				Details: map[string]interface{}{"idempotency_key": job.IdempotencyKey},
			}
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*model.IngestJob, error) {
	var job model.IngestJob
	result := s.db.WithContext(ctx).Where("id = ?", jobID).Limit(1).Find(&job)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "job", ID: jobID}
	}
	return &job, nil
}

func (s *Store) FindJobByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string, since time.Time) (*model.IngestJob, error) {
	var job model.IngestJob
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ? AND received_at >= ?", userID, key, since).
		Limit(1).Find(&job)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &job, nil
}

func (s *Store) MarkJobRunning(ctx context.Context, jobID string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&model.IngestJob{}).
		Where("id = ? AND status = ?", jobID, model.JobAccepted).
		Updates(map[string]interface{}{"status": model.JobRunning, "started_at": at})
	if result.Error != nil {
		return fmt.Errorf("failed to mark job running: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return &registrystore.ConflictError{Message: "job is not in the accepted state"}
	}
	return nil
}

func (s *Store) FinishJob(ctx context.Context, jobID string, status model.JobStatus, result map[string]interface{}, errMsg *string, at time.Time) error {
	if !status.Terminal() {
		return &registrystore.ValidationError{Field: "status", Message: "finish requires a terminal status"}
	}
	updates := map[string]interface{}{
		"status":      status,
		"finished_at": at,
	}
	if result != nil {
		updates["result"] = jsonValue(result)
	}
	if errMsg != nil {
		updates["error"] = *errMsg
	}
	return s.db.WithContext(ctx).Model(&model.IngestJob{}).
		Where("id = ?", jobID).
		Updates(updates).Error
}

func (s *Store) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	result := s.db.WithContext(ctx).Exec(
		`DELETE FROM ingest_jobs WHERE id IN (
			SELECT id FROM ingest_jobs
			WHERE status IN ('done', 'failed') AND finished_at < ?
			ORDER BY finished_at ASC LIMIT ?)`,
		cutoff, limit,
	)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete expired jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return &registrystore.UnavailableError{Cause: err}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return &registrystore.UnavailableError{Cause: err}
	}
	return nil
}

var _ registrystore.MemoryStore = (*Store)(nil)
