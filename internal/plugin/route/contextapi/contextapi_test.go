package contextapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/antigravity/cortex/internal/config"
	"github.com/antigravity/cortex/internal/manager"
	"github.com/antigravity/cortex/internal/model"
	"github.com/antigravity/cortex/internal/plugin/route/contextapi"
	sqliteplugin "github.com/antigravity/cortex/internal/plugin/store/sqlite"
	registryanalyze "github.com/antigravity/cortex/internal/registry/analyze"
	registrycache "github.com/antigravity/cortex/internal/registry/cache"
	registryembed "github.com/antigravity/cortex/internal/registry/embed"
	"github.com/antigravity/cortex/internal/retrieval"
	"github.com/antigravity/cortex/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	_ "github.com/antigravity/cortex/internal/plugin/analyze/static"
	_ "github.com/antigravity/cortex/internal/plugin/cache/noop"
	_ "github.com/antigravity/cortex/internal/plugin/embed/local"
)

func setupRouter(t *testing.T) (*gin.Engine, *manager.Manager) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, sqliteplugin.MigrateDB(db))
	store := sqliteplugin.NewStore(db)

	cfg := config.DefaultConfig()
	cfg.APIKeys = map[string]string{"test-key": "tester"}
	ctx := config.WithContext(context.Background(), &cfg)

	cacheLoader, err := registrycache.Select("none")
	require.NoError(t, err)
	memCache, err := cacheLoader(ctx)
	require.NoError(t, err)
	embedLoader, err := registryembed.Select("local")
	require.NoError(t, err)
	embedder, err := embedLoader(ctx)
	require.NoError(t, err)
	analyzeLoader, err := registryanalyze.Select("static")
	require.NoError(t, err)
	analyzer, err := analyzeLoader(ctx)
	require.NoError(t, err)

	mgr, err := manager.New(&cfg, store, embedder, analyzer, memCache)
	require.NoError(t, err)
	retriever, err := retrieval.New(&cfg, store, mgr)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := security.AuthMiddleware(security.NewTokenResolver(&cfg))
	contextapi.MountRoutes(router, retriever, auth)
	return router, mgr
}

func post(t *testing.T, router *gin.Engine, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/context", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", "test-key")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestPostContext_ReturnsRankedMemories(t *testing.T) {
	router, mgr := setupRouter(t)

	_, err := mgr.CreateMemory(context.Background(), &model.Memory{
		UserID:     model.DefaultUserID,
		Scope:      model.ScopeGlobal,
		Content:    "The user likes coffee.",
		MemoryType: model.MemoryTypeFact,
	}, false, model.ActorUser)
	require.NoError(t, err)

	w := post(t, router, gin.H{"query": "the user likes coffee", "k": 5})
	require.Equal(t, http.StatusOK, w.Code)

	var result struct {
		Memories []struct {
			Memory struct {
				Content string `json:"content"`
			} `json:"memory"`
			Similarity float64 `json:"similarity"`
			Score      float64 `json:"score"`
		} `json:"memories"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Memories, 1)
	require.Equal(t, "The user likes coffee.", result.Memories[0].Memory.Content)
	require.Greater(t, result.Memories[0].Similarity, 0.5)
	require.Greater(t, result.Memories[0].Score, 0.0)
}

func TestPostContext_Synthesize(t *testing.T) {
	router, mgr := setupRouter(t)

	_, err := mgr.CreateMemory(context.Background(), &model.Memory{
		UserID:     model.DefaultUserID,
		Scope:      model.ScopeGlobal,
		Content:    "The user likes coffee.",
		MemoryType: model.MemoryTypeFact,
	}, false, model.ActorUser)
	require.NoError(t, err)

	w := post(t, router, gin.H{"query": "the user likes coffee", "synthesize": true})
	require.Equal(t, http.StatusOK, w.Code)

	var result struct {
		Synthesis *struct {
			Bullets []string `json:"bullets"`
		} `json:"synthesis"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.NotNil(t, result.Synthesis)
	require.Equal(t, []string{"The user likes coffee."}, result.Synthesis.Bullets)
}

func TestPostContext_ScopeIsolation(t *testing.T) {
	router, mgr := setupRouter(t)
	agentID := "finance"

	_, err := mgr.CreateMemory(context.Background(), &model.Memory{
		UserID:     model.DefaultUserID,
		Scope:      model.ScopeAgent,
		AgentID:    &agentID,
		Content:    "Risk tolerance: low.",
		MemoryType: model.MemoryTypeFact,
	}, false, model.ActorUser)
	require.NoError(t, err)
	_, err = mgr.CreateMemory(context.Background(), &model.Memory{
		UserID:     model.DefaultUserID,
		Scope:      model.ScopeGlobal,
		Content:    "Risk tolerance: high.",
		MemoryType: model.MemoryTypeFact,
	}, false, model.ActorUser)
	require.NoError(t, err)

	type response struct {
		Memories []struct {
			Memory struct {
				Content string `json:"content"`
				Scope   string `json:"scope"`
			} `json:"memory"`
		} `json:"memories"`
	}

	w := post(t, router, gin.H{
		"query": "risk tolerance", "scope": "agent", "agent_id": agentID, "include_global": false,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var isolated response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &isolated))
	require.Len(t, isolated.Memories, 1)
	require.Equal(t, "Risk tolerance: low.", isolated.Memories[0].Memory.Content)

	w = post(t, router, gin.H{
		"query": "risk tolerance", "scope": "agent", "agent_id": agentID, "include_global": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var merged response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &merged))
	require.Len(t, merged.Memories, 2)
	// Agent-scoped beats global at equal similarity.
	require.Equal(t, "Risk tolerance: low.", merged.Memories[0].Memory.Content)
}

func TestPostContext_Validation(t *testing.T) {
	router, _ := setupRouter(t)

	w := post(t, router, gin.H{"query": ""})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, router, gin.H{"query": "x", "k": 200})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, router, gin.H{"query": "x", "user_id": "nope"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, router, gin.H{"query": "x", "scope": "agent"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostContext_RequiresAuth(t *testing.T) {
	router, _ := setupRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/context", bytes.NewReader([]byte(`{"query":"x"}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
