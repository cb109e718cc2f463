package memories_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/antigravity/cortex/internal/config"
	"github.com/antigravity/cortex/internal/manager"
	"github.com/antigravity/cortex/internal/plugin/route/memories"
	sqliteplugin "github.com/antigravity/cortex/internal/plugin/store/sqlite"
	registryanalyze "github.com/antigravity/cortex/internal/registry/analyze"
	registrycache "github.com/antigravity/cortex/internal/registry/cache"
	registryembed "github.com/antigravity/cortex/internal/registry/embed"
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

func setupRouter(t *testing.T) *gin.Engine {
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
	cfg.APIKeys = map[string]string{"user-key": "agent-a", "admin-key": "ops"}
	cfg.AdminClients = "ops"
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

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := security.AuthMiddleware(security.NewTokenResolver(&cfg))
	memories.MountRoutes(router, mgr, store, auth)
	return router
}

func do(t *testing.T, router *gin.Engine, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", apiKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createMemory(t *testing.T, router *gin.Engine, content string) string {
	t.Helper()
	w := do(t, router, http.MethodPost, "/v1/memories", "user-key", gin.H{
		"content":     content,
		"memory_type": "fact",
		"tags":        []string{"test"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	return created.ID
}

func TestMemoriesCRUD(t *testing.T) {
	router := setupRouter(t)
	id := createMemory(t, router, "The user likes coffee.")

	w := do(t, router, http.MethodGet, "/v1/memories/"+id, "user-key", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "The user likes coffee.")

	w = do(t, router, http.MethodGet, "/v1/memories", "user-key", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Memories []map[string]interface{} `json:"memories"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Memories, 1)

	w = do(t, router, http.MethodPatch, "/v1/memories/"+id, "user-key", gin.H{"importance": 5})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"importance":5`)

	w = do(t, router, http.MethodGet, "/v1/memories/"+id+"/audit", "user-key", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var audit struct {
		AuditLogs []map[string]interface{} `json:"audit_logs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &audit))
	require.Len(t, audit.AuditLogs, 2) // create + update

	w = do(t, router, http.MethodDelete, "/v1/memories/"+id, "user-key", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestCreateMemory_DuplicateConflicts(t *testing.T) {
	router := setupRouter(t)
	createMemory(t, router, "The user likes coffee.")

	w := do(t, router, http.MethodPost, "/v1/memories", "user-key", gin.H{
		"content":     "The user likes coffee.",
		"memory_type": "fact",
	})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateMemory_Validation(t *testing.T) {
	router := setupRouter(t)

	w := do(t, router, http.MethodPost, "/v1/memories", "user-key", gin.H{
		"content":     "",
		"memory_type": "fact",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPost, "/v1/memories", "user-key", gin.H{
		"content":     "x",
		"memory_type": "opinion",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPost, "/v1/memories", "user-key", gin.H{
		"content":     "x",
		"memory_type": "fact",
		"scope":       "agent",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPatchMemory_Validation(t *testing.T) {
	router := setupRouter(t)
	id := createMemory(t, router, "The user likes coffee.")

	w := do(t, router, http.MethodPatch, "/v1/memories/"+id, "user-key", gin.H{"importance": 9})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPatch, "/v1/memories/"+id, "user-key", gin.H{"confidence": 1.5})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPatch, "/v1/memories/not-a-uuid", "user-key", gin.H{"importance": 3})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteMemory_HardRequiresAdmin(t *testing.T) {
	router := setupRouter(t)
	id := createMemory(t, router, "The user likes coffee.")

	w := do(t, router, http.MethodDelete, "/v1/memories/"+id+"?hard=true", "user-key", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, http.MethodDelete, "/v1/memories/"+id+"?hard=true", "admin-key", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, router, http.MethodGet, "/v1/memories/"+id, "user-key", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListMemories_Validation(t *testing.T) {
	router := setupRouter(t)

	w := do(t, router, http.MethodGet, "/v1/memories?scope=cosmic", "user-key", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodGet, "/v1/memories?limit=9999", "user-key", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodGet, "/v1/memories?valid_at=not-a-time", "user-key", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetMemory_UnknownID(t *testing.T) {
	router := setupRouter(t)
	w := do(t, router, http.MethodGet, "/v1/memories/7f1ee6ab-4f7c-4ea2-9a07-3a6c3f0a2b11", "user-key", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
