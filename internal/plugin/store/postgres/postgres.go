package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antigravity/cortex/internal/config"
	"github.com/antigravity/cortex/internal/plugin/store/sqlstore"
	registrymigrate "github.com/antigravity/cortex/internal/registry/migrate"
	registrystore "github.com/antigravity/cortex/internal/registry/store"
	"github.com/antigravity/cortex/internal/security"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.MemoryStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			return sqlstore.New(db, &pgDialect{}, true), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }

func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "" && cfg.DatastoreType != "postgres" {
		return nil // skip if not using postgres
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	// The embedding dimension is baked into the column type at migration time.
	ddl := strings.ReplaceAll(schemaSQL, "{{DIM}}", fmt.Sprintf("%d", cfg.EmbeddingDim))
	if _, err := sqlDB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("Postgres schema migration complete")
	return nil
}

// pgDialect implements sqlstore.Dialect with pgvector cosine distance.
type pgDialect struct{}

func (d *pgDialect) SaveEmbedding(tx *gorm.DB, id uuid.UUID, embedding []float32) error {
	return tx.Exec("UPDATE memories SET embedding = ? WHERE id = ?",
		pgvector.NewVector(embedding), id).Error
}

func (d *pgDialect) Nearest(tx *gorm.DB, q registrystore.NearestQuery) ([]sqlstore.VectorHit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}
	vec := pgvector.NewVector(q.Embedding)
	var hits []sqlstore.VectorHit
	err := tx.Raw(`
		SELECT id, GREATEST(1 - (embedding <=> ?), 0) AS similarity
		FROM memories
		WHERE user_id = ? AND scope = ? AND COALESCE(agent_id, '') = ?
		  AND memory_type = ? AND valid_to IS NULL AND embedding IS NOT NULL
		ORDER BY embedding <=> ?
		LIMIT ?`,
		vec, q.UserID, q.Scope, agentOrEmpty(q.AgentID), q.MemoryType, vec, limit,
	).Scan(&hits).Error
	if err != nil {
		return nil, fmt.Errorf("nearest search failed: %w", err)
	}
	return hits, nil
}

func (d *pgDialect) Search(tx *gorm.DB, q registrystore.SemanticQuery) ([]sqlstore.VectorHit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 30
	}
	vec := pgvector.NewVector(q.Embedding)
	sql := `
		SELECT id, GREATEST(1 - (embedding <=> ?), 0) AS similarity
		FROM memories
		WHERE user_id = ? AND scope = ? AND COALESCE(agent_id, '') = ?
		  AND embedding IS NOT NULL`
	if !q.IncludeRetired {
		sql += " AND valid_to IS NULL"
	}
	sql += `
		ORDER BY embedding <=> ?
		LIMIT ?`
	var hits []sqlstore.VectorHit
	err := tx.Raw(sql, vec, q.UserID, q.Scope, agentOrEmpty(q.AgentID), vec, limit).Scan(&hits).Error
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}
	return hits, nil
}

func (d *pgDialect) FilterTags(tx *gorm.DB, tags []string) *gorm.DB {
	for _, tag := range tags {
		tx = tx.Where("tags @> ?", fmt.Sprintf(`[%q]`, tag))
	}
	return tx
}

func agentOrEmpty(agentID *string) string {
	if agentID == nil {
		return ""
	}
	return *agentID
}
