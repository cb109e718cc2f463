package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/antigravity/cortex/internal/config"
	registryanalyze "github.com/antigravity/cortex/internal/registry/analyze"
	registrycache "github.com/antigravity/cortex/internal/registry/cache"
	registryembed "github.com/antigravity/cortex/internal/registry/embed"
	registrystore "github.com/antigravity/cortex/internal/registry/store"
	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/antigravity/cortex/internal/plugin/analyze/openai"
	_ "github.com/antigravity/cortex/internal/plugin/analyze/static"
	_ "github.com/antigravity/cortex/internal/plugin/cache/noop"
	_ "github.com/antigravity/cortex/internal/plugin/cache/redis"
	_ "github.com/antigravity/cortex/internal/plugin/embed/local"
	_ "github.com/antigravity/cortex/internal/plugin/embed/openai"
	_ "github.com/antigravity/cortex/internal/plugin/route/system"
	_ "github.com/antigravity/cortex/internal/plugin/store/postgres"
	_ "github.com/antigravity/cortex/internal/plugin/store/sqlite"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var apiKey string
	var apiKeys string
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the cortex HTTP server",
		Flags: flags(&cfg, &apiKey, &apiKeys),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var err error
			cfg.APIKeys, err = parseAPIKeys(apiKey, apiKeys)
			if err != nil {
				return err
			}
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

// parseAPIKeys builds the key-to-client map. single becomes the "default"
// client; pairs is a comma-separated list of client=key entries.
func parseAPIKeys(single, pairs string) (map[string]string, error) {
	keys := map[string]string{}
	if single != "" {
		keys[single] = "default"
	}
	for _, pair := range strings.Split(pairs, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.IndexByte(pair, '=')
		if idx <= 0 || idx == len(pair)-1 {
			return nil, cli.Exit("invalid --api-keys entry; expected client=key", 1)
		}
		keys[pair[idx+1:]] = pair[:idx]
	}
	return keys, nil
}

func flags(cfg *config.Config, apiKey, apiKeys *string) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("CORTEX_PORT"),
			Destination: &cfg.Port,
			Value:       cfg.Port,
			Usage:       "HTTP server port",
		},
		&cli.DurationFlag{
			Name:        "request-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("CORTEX_REQUEST_TIMEOUT"),
			Destination: &cfg.RequestTimeout,
			Value:       cfg.RequestTimeout,
			Usage:       "Per-request deadline for non-streaming endpoints",
		},
		&cli.IntFlag{
			Name:     "request-timeout-seconds",
			Category: "Server:",
			Sources:  cli.EnvVars("CORTEX_REQUEST_TIMEOUT_SECONDS"),
			Usage:    "Per-request deadline in whole seconds; overrides --request-timeout",
			Action: func(_ context.Context, _ *cli.Command, v int) error {
				cfg.RequestTimeout = time.Duration(v) * time.Second
				return nil
			},
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CORTEX_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Seconds to wait for in-flight requests during shutdown",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("CORTEX_DATABASE_URL", "CORTEX_DB_URL"),
			Destination: &cfg.DatabaseURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("CORTEX_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("CORTEX_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run schema migrations on startup",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CORTEX_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CORTEX_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CORTEX_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CORTEX_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CORTEX_CACHE_TTL"),
			Destination: &cfg.CacheTTL,
			Value:       cfg.CacheTTL,
			Usage:       "TTL for cached memory lookups",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CORTEX_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (" + strings.Join(registryembed.Names(), "|") + ")",
		},
		&cli.IntFlag{
			Name:        "embedding-dim",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CORTEX_EMBEDDING_DIM"),
			Destination: &cfg.EmbeddingDim,
			Value:       cfg.EmbeddingDim,
			Usage:       "Embedding dimensionality; changing it requires a schema migration",
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CORTEX_EMBEDDING_MODEL"),
			Destination: &cfg.EmbedModelName,
			Value:       cfg.EmbedModelName,
			Usage:       "Embedding model name for remote providers",
		},

		// ── Analyzer ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "analyzer-kind",
			Category:    "Analyzer:",
			Sources:     cli.EnvVars("CORTEX_ANALYZER_KIND"),
			Destination: &cfg.AnalyzeType,
			Value:       cfg.AnalyzeType,
			Usage:       "Analyzer provider (" + strings.Join(registryanalyze.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "llm-api-key",
			Category:    "Analyzer:",
			Sources:     cli.EnvVars("CORTEX_LLM_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.LLMAPIKey,
			Usage:       "API key for the LLM provider",
		},
		&cli.StringFlag{
			Name:        "llm-base-url",
			Category:    "Analyzer:",
			Sources:     cli.EnvVars("CORTEX_LLM_BASE_URL"),
			Destination: &cfg.LLMBaseURL,
			Value:       cfg.LLMBaseURL,
			Usage:       "Base URL for the LLM provider",
		},
		&cli.StringFlag{
			Name:        "llm-model",
			Category:    "Analyzer:",
			Sources:     cli.EnvVars("CORTEX_LLM_MODEL"),
			Destination: &cfg.LLMModelName,
			Value:       cfg.LLMModelName,
			Usage:       "Chat model used for extraction and synthesis",
		},

		// ── Ingestion ─────────────────────────────────────────────
		&cli.FloatFlag{
			Name:        "upsert-threshold",
			Category:    "Ingestion:",
			Sources:     cli.EnvVars("CORTEX_UPSERT_THRESHOLD"),
			Destination: &cfg.UpsertThreshold,
			Value:       cfg.UpsertThreshold,
			Usage:       "Cosine similarity above which a new chunk supersedes its nearest neighbor",
		},
		&cli.FloatFlag{
			Name:        "min-confidence",
			Category:    "Ingestion:",
			Sources:     cli.EnvVars("CORTEX_MIN_CONFIDENCE"),
			Destination: &cfg.MinConfidence,
			Value:       cfg.MinConfidence,
			Usage:       "Extracted chunks below this confidence are dropped with a warning",
		},
		&cli.IntFlag{
			Name:     "adapter-concurrency",
			Category: "Ingestion:",
			Sources:  cli.EnvVars("CORTEX_ADAPTER_CONCURRENCY"),
			Value:    int(cfg.AdapterConcurrency),
			Usage:    "Maximum in-flight analyzer/embedder calls",
			Action: func(_ context.Context, _ *cli.Command, v int) error {
				cfg.AdapterConcurrency = int64(v)
				return nil
			},
		},
		&cli.DurationFlag{
			Name:        "chunk-timeout",
			Category:    "Ingestion:",
			Sources:     cli.EnvVars("CORTEX_CHUNK_TIMEOUT"),
			Destination: &cfg.ChunkTimeout,
			Value:       cfg.ChunkTimeout,
			Usage:       "Deadline for a single analyzer/embedder call",
		},
		&cli.StringFlag{
			Name:        "synonyms",
			Category:    "Ingestion:",
			Sources:     cli.EnvVars("CORTEX_SYNONYMS"),
			Destination: &cfg.Synonyms,
			Usage:       "Comma-separated alias=canonical pairs merged into the normalizer's synonym table",
		},

		// ── Retrieval ─────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "state-freshness-window",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("CORTEX_STATE_FRESHNESS_WINDOW"),
			Destination: &cfg.StateFreshnessWindow,
			Value:       cfg.StateFreshnessWindow,
			Usage:       "States untouched for longer than this are excluded from context",
		},
		&cli.IntFlag{
			Name:     "state-freshness-window-seconds",
			Category: "Retrieval:",
			Sources:  cli.EnvVars("CORTEX_STATE_FRESHNESS_WINDOW_SECONDS"),
			Usage:    "Freshness window in whole seconds; overrides --state-freshness-window",
			Action: func(_ context.Context, _ *cli.Command, v int) error {
				cfg.StateFreshnessWindow = time.Duration(v) * time.Second
				return nil
			},
		},
		&cli.IntFlag{
			Name:        "context-budget-chars",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("CORTEX_CONTEXT_BUDGET_CHARS"),
			Destination: &cfg.ContextBudgetChars,
			Value:       cfg.ContextBudgetChars,
			Usage:       "Character budget for assembled context",
		},
		&cli.FloatFlag{
			Name:        "decay-half-life-days",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("CORTEX_DECAY_HALF_LIFE_DAYS"),
			Destination: &cfg.DecayHalfLifeDays,
			Value:       cfg.DecayHalfLifeDays,
			Usage:       "Recency decay constant for states and episodes",
		},

		// ── Jobs ──────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "worker-pool-size",
			Category:    "Jobs:",
			Sources:     cli.EnvVars("CORTEX_WORKER_POOL_SIZE"),
			Destination: &cfg.WorkerPoolSize,
			Value:       cfg.WorkerPoolSize,
			Usage:       "Number of ingest worker goroutines",
		},
		&cli.IntFlag{
			Name:        "per-user-concurrency",
			Category:    "Jobs:",
			Sources:     cli.EnvVars("CORTEX_PER_USER_CONCURRENCY"),
			Destination: &cfg.PerUserConcurrency,
			Value:       cfg.PerUserConcurrency,
			Usage:       "Maximum jobs running at once for a single user",
		},
		&cli.IntFlag{
			Name:        "job-queue-size",
			Category:    "Jobs:",
			Sources:     cli.EnvVars("CORTEX_JOB_QUEUE_SIZE"),
			Destination: &cfg.JobQueueSize,
			Value:       cfg.JobQueueSize,
			Usage:       "Maximum accepted-but-unfinished jobs before acceptance blocks",
		},
		&cli.DurationFlag{
			Name:        "job-timeout",
			Category:    "Jobs:",
			Sources:     cli.EnvVars("CORTEX_JOB_TIMEOUT"),
			Destination: &cfg.JobTimeout,
			Value:       cfg.JobTimeout,
			Usage:       "Hard cap on a single ingest job",
		},
		&cli.DurationFlag{
			Name:        "idempotency-window",
			Category:    "Jobs:",
			Sources:     cli.EnvVars("CORTEX_IDEMPOTENCY_WINDOW"),
			Destination: &cfg.IdempotencyWindow,
			Value:       cfg.IdempotencyWindow,
			Usage:       "How long an idempotency key deduplicates ingest requests",
		},
		&cli.DurationFlag{
			Name:        "job-gc-interval",
			Category:    "Jobs:",
			Sources:     cli.EnvVars("CORTEX_JOB_GC_INTERVAL"),
			Destination: &cfg.JobGCInterval,
			Value:       cfg.JobGCInterval,
			Usage:       "How often terminal jobs past the idempotency window are purged",
		},

		// ── Authorization ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "api-key",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CORTEX_API_KEY"),
			Destination: apiKey,
			Usage:       "API key for the default client",
		},
		&cli.StringFlag{
			Name:        "api-keys",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CORTEX_API_KEYS"),
			Destination: apiKeys,
			Usage:       "Comma-separated client=key pairs",
		},
		&cli.StringFlag{
			Name:        "admin-clients",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CORTEX_ADMIN_CLIENTS"),
			Destination: &cfg.AdminClients,
			Usage:       "Comma-separated client IDs with admin permissions",
		},
		&cli.StringFlag{
			Name:        "oidc-issuer",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CORTEX_OIDC_ISSUER"),
			Destination: &cfg.OIDCIssuer,
			Usage:       "OIDC issuer URL (enables bearer token auth)",
		},
		&cli.StringFlag{
			Name:        "admin-role",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CORTEX_ADMIN_ROLE"),
			Destination: &cfg.AdminRole,
			Value:       cfg.AdminRole,
			Usage:       "OIDC role name that maps to admin permissions",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("CORTEX_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=cortex",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

// requestTimeoutMiddleware bounds handler time for everything except the
// streaming dump endpoint.
func requestTimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 || c.Request.URL.Path == "/v1/dump" {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
