package config

import (
	"context"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the cortex service.
type Config struct {
	// Database
	DatabaseURL string

	// Datastore backend type: "postgres" or "sqlite".
	DatastoreType string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Cache backend type: "redis" or "none".
	CacheType string
	RedisURL  string
	CacheTTL  time.Duration

	// Embedder type: "local" or "openai".
	EmbedType string
	// EmbeddingDim is the fixed dimensionality D of memory embeddings.
	// Changing it requires a schema migration.
	EmbeddingDim int

	// Analyzer type: "openai" or "static".
	AnalyzeType string

	// LLM provider (analyzer + embedder when remote).
	LLMAPIKey      string
	LLMBaseURL     string
	LLMModelName   string
	EmbedModelName string

	// Ingestion
	UpsertThreshold float64
	// MinConfidence drops extracted chunks below this confidence with a warning.
	MinConfidence float64
	// AdapterConcurrency caps in-flight analyzer/embedder calls per adapter.
	AdapterConcurrency int64
	ChunkTimeout       time.Duration

	// Retrieval
	StateFreshnessWindow time.Duration
	ContextBudgetChars   int
	DecayHalfLifeDays    float64

	// Jobs
	WorkerPoolSize     int
	PerUserConcurrency int
	JobQueueSize       int
	JobTimeout         time.Duration
	IdempotencyWindow  time.Duration
	JobGCInterval      time.Duration

	// Server
	Port           int
	RequestTimeout time.Duration
	MaxBodySize    int64
	DrainTimeout   int // seconds

	// Security
	// APIKeys maps API key values to client IDs (CORTEX_API_KEYS_<CLIENT_ID>=<key>;
	// CORTEX_API_KEY populates the "default" client).
	APIKeys      map[string]string
	AdminClients string
	OIDCIssuer   string
	AdminRole    string

	// Normalizer
	// Synonyms is a comma-separated list of alias=canonical pairs merged into
	// the built-in synonym table.
	Synonyms string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		CacheType:               "none",
		CacheTTL:                10 * time.Minute,
		EmbedType:               "local",
		EmbeddingDim:            768,
		AnalyzeType:             "static",
		LLMBaseURL:              "https://api.openai.com/v1",
		LLMModelName:            "gpt-4o-mini",
		EmbedModelName:          "text-embedding-3-small",
		UpsertThreshold:         0.95,
		MinConfidence:           0.3,
		AdapterConcurrency:      8,
		ChunkTimeout:            20 * time.Second,
		StateFreshnessWindow:    24 * time.Hour,
		ContextBudgetChars:      4000,
		DecayHalfLifeDays:       14,
		WorkerPoolSize:          4,
		PerUserConcurrency:      1,
		JobQueueSize:            256,
		JobTimeout:              5 * time.Minute,
		IdempotencyWindow:       24 * time.Hour,
		JobGCInterval:           10 * time.Minute,
		Port:                    8080,
		RequestTimeout:          30 * time.Second,
		MaxBodySize:             1 << 20, // 1 MiB
		DrainTimeout:            30,
		AdminRole:               "admin",
	}
}
