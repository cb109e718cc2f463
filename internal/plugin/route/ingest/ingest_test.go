package ingest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/antigravity/cortex/internal/config"
	"github.com/antigravity/cortex/internal/jobs"
	"github.com/antigravity/cortex/internal/manager"
	"github.com/antigravity/cortex/internal/plugin/route/ingest"
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
	svc := jobs.New(&cfg, store, mgr)
	workerCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc.Start(workerCtx)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := security.AuthMiddleware(security.NewTokenResolver(&cfg))
	ingest.MountRoutes(router, svc, auth)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", "test-key")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope.Error.Code
}

func TestPostIngest_RequiresAuth(t *testing.T) {
	router := setupRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader([]byte(`{"text":"x"}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPostIngest_AcceptsAndCompletes(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/ingest", gin.H{"text": "The user likes coffee."})
	require.Equal(t, http.StatusAccepted, w.Code)

	var accepted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.JobID)
	require.Equal(t, "accepted", accepted.Status)

	require.Eventually(t, func() bool {
		w := doJSON(t, router, http.MethodGet, "/v1/ingest/"+accepted.JobID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		var got struct {
			Status string                 `json:"status"`
			Result map[string]interface{} `json:"result"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			return false
		}
		return got.Status == "done" && got.Result["created"] == float64(1)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPostIngest_Validation(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/ingest", gin.H{"text": ""})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_argument", errorCode(t, w))

	w = doJSON(t, router, http.MethodPost, "/v1/ingest", gin.H{"text": "x", "user_id": "not-a-uuid"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_argument", errorCode(t, w))

	w = doJSON(t, router, http.MethodPost, "/v1/ingest", gin.H{"text": "x", "input_channel": "carrier-pigeon"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_argument", errorCode(t, w))
}

func TestPostIngest_ScopeValidation(t *testing.T) {
	router := setupRouter(t)

	// Scope agent without an agent id is rejected before a job is created.
	w := doJSON(t, router, http.MethodPost, "/v1/ingest", gin.H{"text": "x", "scope": "agent"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_argument", errorCode(t, w))

	w = doJSON(t, router, http.MethodPost, "/v1/ingest", gin.H{"text": "x", "scope": "cosmic"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_argument", errorCode(t, w))

	w = doJSON(t, router, http.MethodPost, "/v1/ingest", gin.H{"text": "x", "agent_id": "finance"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_argument", errorCode(t, w))
}

func TestPostIngest_IdempotencyKeyHeader(t *testing.T) {
	router := setupRouter(t)

	post := func() string {
		data, err := json.Marshal(gin.H{"text": "The user likes coffee."})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-KEY", "test-key")
		req.Header.Set("Idempotency-Key", "abc-123")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusAccepted, w.Code)
		var accepted struct {
			JobID string `json:"job_id"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
		require.NotEmpty(t, accepted.JobID)
		return accepted.JobID
	}

	first := post()
	require.Equal(t, first, post())
}

func TestGetIngest_UnknownJob(t *testing.T) {
	router := setupRouter(t)
	w := doJSON(t, router, http.MethodGet, "/v1/ingest/01UNKNOWNJOB0000000000000", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not_found", errorCode(t, w))
}

func TestGetIngest_WrongUserIsNotFound(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/ingest", gin.H{"text": "The user likes coffee."})
	require.Equal(t, http.StatusAccepted, w.Code)
	var accepted struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))

	// Jobs are owned by the submitting user; another user_id cannot read them.
	w = doJSON(t, router, http.MethodGet,
		"/v1/ingest/"+accepted.JobID+"?user_id=7f1ee6ab-4f7c-4ea2-9a07-3a6c3f0a2b11", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
