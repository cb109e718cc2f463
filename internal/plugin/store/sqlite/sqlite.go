// Package sqlite provides a MemoryStore backend for development and tests.
// Embeddings are stored as JSON arrays and cosine similarity is computed
// in process, so no vector extension is required.
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/antigravity/cortex/internal/config"
	"github.com/antigravity/cortex/internal/plugin/store/sqlstore"
	registrymigrate "github.com/antigravity/cortex/internal/registry/migrate"
	registrystore "github.com/antigravity/cortex/internal/registry/store"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    scope TEXT NOT NULL DEFAULT 'global',
    agent_id TEXT,
    content TEXT NOT NULL,
    content_hash TEXT,
    embedding TEXT,
    memory_type TEXT NOT NULL,
    tags TEXT NOT NULL DEFAULT '[]',
    related_entities TEXT,
    importance INTEGER NOT NULL DEFAULT 3,
    confidence REAL NOT NULL DEFAULT 0.7,
    source TEXT,
    input_channel TEXT NOT NULL DEFAULT 'api',
    event_time DATETIME,
    valid_from DATETIME NOT NULL,
    valid_to DATETIME,
    supersedes_id TEXT,
    last_accessed DATETIME,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_bucket ON memories (user_id, scope, agent_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_dedup
    ON memories (user_id, scope, COALESCE(agent_id, ''), content_hash)
    WHERE content_hash IS NOT NULL AND valid_to IS NULL;
CREATE INDEX IF NOT EXISTS idx_memories_valid_from ON memories (valid_from);
CREATE INDEX IF NOT EXISTS idx_memories_event_time ON memories (event_time);

CREATE TABLE IF NOT EXISTS memory_audit_logs (
    id TEXT PRIMARY KEY,
    memory_id TEXT NOT NULL,
    action TEXT NOT NULL,
    actor_type TEXT NOT NULL DEFAULT 'system',
    diff TEXT,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_memory ON memory_audit_logs (memory_id);

CREATE TABLE IF NOT EXISTS ingest_jobs (
    id TEXT PRIMARY KEY,
    idempotency_key TEXT,
    user_id TEXT NOT NULL,
    scope TEXT NOT NULL DEFAULT 'global',
    agent_id TEXT,
    status TEXT NOT NULL DEFAULT 'accepted',
    result TEXT,
    error TEXT,
    received_at DATETIME NOT NULL,
    started_at DATETIME,
    finished_at DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_ingest_jobs_idem
    ON ingest_jobs (user_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_ingest_jobs_status ON ingest_jobs (status, received_at);
`

func init() {
	registrystore.Register(registrystore.Plugin{
		Name:   "sqlite",
		Loader: Load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqliteMigrator{}})
}

// Load opens the sqlite store. Exported so tests can build one directly.
func Load(ctx context.Context) (registrystore.MemoryStore, error) {
	cfg := config.FromContext(ctx)
	db, err := gorm.Open(sqlite.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent ingests.
	sqlDB.SetMaxOpenConns(1)
	return sqlstore.New(db, &sqliteDialect{}, false), nil
}

type sqliteMigrator struct{}

func (m *sqliteMigrator) Name() string { return "sqlite-schema" }

func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "sqlite" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(sqlite.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	return nil
}

// MigrateDB applies the schema on an already-open handle. Used by tests
// that run against a private in-memory database.
func MigrateDB(db *gorm.DB) error {
	return db.Exec(schemaSQL).Error
}

// NewStore wraps an open gorm sqlite handle as a MemoryStore.
func NewStore(db *gorm.DB) registrystore.MemoryStore {
	return sqlstore.New(db, &sqliteDialect{}, false)
}

type sqliteDialect struct{}

func (d *sqliteDialect) SaveEmbedding(tx *gorm.DB, id uuid.UUID, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return err
	}
	return tx.Exec("UPDATE memories SET embedding = ? WHERE id = ?", string(data), id).Error
}

type embeddingRow struct {
	ID        uuid.UUID `gorm:"column:id"`
	Embedding string    `gorm:"column:embedding"`
}

func (d *sqliteDialect) Nearest(tx *gorm.DB, q registrystore.NearestQuery) ([]sqlstore.VectorHit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}
	var rows []embeddingRow
	err := tx.Raw(`
		SELECT id, embedding FROM memories
		WHERE user_id = ? AND scope = ? AND COALESCE(agent_id, '') = ?
		  AND memory_type = ? AND valid_to IS NULL AND embedding IS NOT NULL`,
		q.UserID, q.Scope, agentOrEmpty(q.AgentID), q.MemoryType,
	).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("nearest search failed: %w", err)
	}
	return rankRows(rows, q.Embedding, limit)
}

func (d *sqliteDialect) Search(tx *gorm.DB, q registrystore.SemanticQuery) ([]sqlstore.VectorHit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 30
	}
	sql := `
		SELECT id, embedding FROM memories
		WHERE user_id = ? AND scope = ? AND COALESCE(agent_id, '') = ?
		  AND embedding IS NOT NULL`
	if !q.IncludeRetired {
		sql += " AND valid_to IS NULL"
	}
	var rows []embeddingRow
	err := tx.Raw(sql, q.UserID, q.Scope, agentOrEmpty(q.AgentID)).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}
	return rankRows(rows, q.Embedding, limit)
}

func (d *sqliteDialect) FilterTags(tx *gorm.DB, tags []string) *gorm.DB {
	// Tags are stored as a JSON array of strings; substring match on the
	// quoted value is sufficient for containment.
	for _, tag := range tags {
		data, _ := json.Marshal(tag)
		tx = tx.Where("tags LIKE ?", "%"+string(data)+"%")
	}
	return tx
}

func rankRows(rows []embeddingRow, query []float32, limit int) ([]sqlstore.VectorHit, error) {
	hits := make([]sqlstore.VectorHit, 0, len(rows))
	for _, r := range rows {
		var vec []float32
		if err := json.Unmarshal([]byte(r.Embedding), &vec); err != nil {
			continue
		}
		hits = append(hits, sqlstore.VectorHit{ID: r.ID, Similarity: cosine(query, vec)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	// Negative similarity carries no signal for ranking; clamp to 0.
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	return sim
}

func agentOrEmpty(agentID *string) string {
	if agentID == nil {
		return ""
	}
	return *agentID
}
