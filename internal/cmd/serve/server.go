package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/antigravity/cortex/internal/config"
	"github.com/antigravity/cortex/internal/jobs"
	"github.com/antigravity/cortex/internal/manager"
	"github.com/antigravity/cortex/internal/plugin/route/admin"
	"github.com/antigravity/cortex/internal/plugin/route/contextapi"
	"github.com/antigravity/cortex/internal/plugin/route/ingest"
	"github.com/antigravity/cortex/internal/plugin/route/memories"
	routesystem "github.com/antigravity/cortex/internal/plugin/route/system"
	storemetrics "github.com/antigravity/cortex/internal/plugin/store/metrics"
	registryanalyze "github.com/antigravity/cortex/internal/registry/analyze"
	registrycache "github.com/antigravity/cortex/internal/registry/cache"
	registryembed "github.com/antigravity/cortex/internal/registry/embed"
	registrymigrate "github.com/antigravity/cortex/internal/registry/migrate"
	registryroute "github.com/antigravity/cortex/internal/registry/route"
	registrystore "github.com/antigravity/cortex/internal/registry/store"
	"github.com/antigravity/cortex/internal/retrieval"
	"github.com/antigravity/cortex/internal/security"
	"github.com/antigravity/cortex/internal/service"
	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config *config.Config
	Store  registrystore.MemoryStore
	Router *gin.Engine
	Jobs   *jobs.Service
	// Port is the bound listen port (useful when configured as 0).
	Port int

	httpSrv *http.Server
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// StartServer initializes all subsystems and starts the HTTP server.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting cortex",
		"port", cfg.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"embedding", cfg.EmbedType,
		"analyzer", cfg.AnalyzeType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)
	routesystem.SetStore(store)

	// Initialize cache; fall back to the noop cache on failure.
	memCache, err := loadCache(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Initialize embedder and analyzer.
	embedLoader, err := registryembed.Select(cfg.EmbedType)
	if err != nil {
		return nil, err
	}
	embedder, err := embedLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	analyzeLoader, err := registryanalyze.Select(cfg.AnalyzeType)
	if err != nil {
		return nil, err
	}
	analyzer, err := analyzeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize analyzer: %w", err)
	}

	// Domain services.
	mgr, err := manager.New(cfg, store, embedder, analyzer, memCache)
	if err != nil {
		return nil, err
	}
	retriever, err := retrieval.New(cfg, store, mgr)
	if err != nil {
		return nil, err
	}
	jobSvc := jobs.New(cfg, store, mgr)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	router.Use(requestTimeoutMiddleware(cfg.RequestTimeout))

	// Mount system route plugins (health, ready, metrics).
	for _, loader := range registryroute.Loaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	// Create shared token resolver and auth middleware.
	resolver := security.NewTokenResolver(cfg)
	auth := security.AuthMiddleware(resolver)

	// Mount API routes.
	ingest.MountRoutes(router, jobSvc, auth)
	memories.MountRoutes(router, mgr, store, auth)
	contextapi.MountRoutes(router, retriever, auth)
	admin.MountRoutes(router, store, auth)

	// Start background services.
	jobSvc.Start(ctx)
	jobGC := service.NewJobGCService(cfg, store)
	go jobGC.Start(ctx)

	// Start HTTP.
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	httpSrv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}
	go func() {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "err", err)
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	log.Info("Server listening", "port", port)

	routesystem.MarkReady()
	return &Server{
		Config:  cfg,
		Store:   store,
		Router:  router,
		Jobs:    jobSvc,
		Port:    port,
		httpSrv: httpSrv,
	}, nil
}

func loadCache(ctx context.Context, cfg *config.Config) (registrycache.MemoryCache, error) {
	cacheLoader, err := registrycache.Select(cfg.CacheType)
	if err != nil {
		return nil, err
	}
	memCache, err := cacheLoader(ctx)
	if err != nil {
		log.Warn("Failed to initialize cache; continuing without one", "cache", cfg.CacheType, "err", err)
		noopLoader, nerr := registrycache.Select("none")
		if nerr != nil {
			return nil, nerr
		}
		return noopLoader(ctx)
	}
	return memCache, nil
}
