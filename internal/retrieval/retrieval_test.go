package retrieval_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/antigravity/cortex/internal/config"
	"github.com/antigravity/cortex/internal/manager"
	"github.com/antigravity/cortex/internal/model"
	sqliteplugin "github.com/antigravity/cortex/internal/plugin/store/sqlite"
	registryanalyze "github.com/antigravity/cortex/internal/registry/analyze"
	registrycache "github.com/antigravity/cortex/internal/registry/cache"
	registrystore "github.com/antigravity/cortex/internal/registry/store"
	"github.com/antigravity/cortex/internal/retrieval"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	_ "github.com/antigravity/cortex/internal/plugin/cache/noop"
)

type fixedEmbedder struct {
	vectors map[string][]float32
}

func (e *fixedEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := e.vectors[text]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func (e *fixedEmbedder) ModelName() string { return "fixed" }
func (e *fixedEmbedder) Dimension() int    { return 3 }

type failingAnalyzer struct{}

func (failingAnalyzer) Analyze(_ context.Context, _ registryanalyze.Request) (*registryanalyze.Result, error) {
	return &registryanalyze.Result{}, nil
}

func (failingAnalyzer) Synthesize(_ context.Context, _ string, _ []registryanalyze.Evidence) (*registryanalyze.Synthesis, error) {
	return nil, context.DeadlineExceeded
}

func (failingAnalyzer) Name() string { return "failing" }

type env struct {
	retriever *retrieval.Retriever
	store     registrystore.MemoryStore
	db        *gorm.DB
	cfg       *config.Config
}

func newEnv(t *testing.T, embedder *fixedEmbedder, analyzer registryanalyze.Analyzer) *env {
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
	loader, err := registrycache.Select("none")
	require.NoError(t, err)
	memCache, err := loader(context.Background())
	require.NoError(t, err)

	mgr, err := manager.New(&cfg, store, embedder, analyzer, memCache)
	require.NoError(t, err)
	retriever, err := retrieval.New(&cfg, store, mgr)
	require.NoError(t, err)
	return &env{retriever: retriever, store: store, db: db, cfg: &cfg}
}

func insert(t *testing.T, store registrystore.MemoryStore, m *model.Memory) *model.Memory {
	t.Helper()
	require.NoError(t, store.InsertMemory(context.Background(), m, model.ActorSystem))
	return m
}

func fact(userID uuid.UUID, content string, embedding []float32) *model.Memory {
	return &model.Memory{
		UserID:      userID,
		Scope:       model.ScopeGlobal,
		Content:     content,
		ContentHash: "hash-" + content,
		Embedding:   embedding,
		MemoryType:  model.MemoryTypeFact,
		Importance:  3,
		Confidence:  1.0,
	}
}

func TestRetrieve_ScoresAndOrders(t *testing.T) {
	embedder := &fixedEmbedder{vectors: map[string][]float32{"coffee": {1, 0, 0}}}
	e := newEnv(t, embedder, failingAnalyzer{})
	userID := uuid.New()

	low := fact(userID, "The user likes coffee.", []float32{1, 0, 0})
	low.Importance = 1
	insert(t, e.store, low)

	high := fact(userID, "The user roasts coffee beans.", []float32{1, 0, 0})
	high.Importance = 5
	insert(t, e.store, high)

	result, err := e.retriever.Retrieve(context.Background(), retrieval.Request{
		UserID: userID,
		Query:  "coffee",
		K:      10,
	})
	require.NoError(t, err)
	require.Len(t, result.Memories, 2)
	require.Equal(t, high.ID, result.Memories[0].Memory.ID)
	require.Equal(t, low.ID, result.Memories[1].Memory.ID)

	// score = sim * (0.6 + 0.1*importance) * (0.5 + 0.5*confidence) * decay
	require.InDelta(t, 1.0*(0.6+0.1*5)*(0.5+0.5*1.0)*1.0, result.Memories[0].Score, 1e-6)
	require.InDelta(t, 1.0*(0.6+0.1*1)*(0.5+0.5*1.0)*1.0, result.Memories[1].Score, 1e-6)
	require.InDelta(t, 1.0, result.Memories[0].Similarity, 1e-6)
}

func TestRetrieve_ExcludesStaleStates(t *testing.T) {
	embedder := &fixedEmbedder{vectors: map[string][]float32{"mood": {1, 0, 0}}}
	e := newEnv(t, embedder, failingAnalyzer{})
	userID := uuid.New()

	fresh := fact(userID, "The user is feeling great.", []float32{1, 0, 0})
	fresh.MemoryType = model.MemoryTypeState
	insert(t, e.store, fresh)

	stale := fact(userID, "The user is feeling tired.", []float32{1, 0, 0})
	stale.MemoryType = model.MemoryTypeState
	insert(t, e.store, stale)
	past := time.Now().UTC().Add(-25 * time.Hour)
	require.NoError(t, e.db.Exec("UPDATE memories SET updated_at = ? WHERE id = ?", past, stale.ID).Error)

	result, err := e.retriever.Retrieve(context.Background(), retrieval.Request{
		UserID: userID,
		Query:  "mood",
		K:      10,
	})
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	require.Equal(t, fresh.ID, result.Memories[0].Memory.ID)
}

func TestRetrieve_EpisodeDecay(t *testing.T) {
	embedder := &fixedEmbedder{vectors: map[string][]float32{"trip": {1, 0, 0}}}
	e := newEnv(t, embedder, failingAnalyzer{})
	userID := uuid.New()

	episode := fact(userID, "The user visited Kyoto.", []float32{1, 0, 0})
	episode.MemoryType = model.MemoryTypeEpisode
	eventTime := time.Now().UTC().Add(-14 * 24 * time.Hour)
	episode.EventTime = &eventTime
	insert(t, e.store, episode)

	result, err := e.retriever.Retrieve(context.Background(), retrieval.Request{
		UserID: userID,
		Query:  "trip",
		K:      10,
	})
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	// One half-life old: decay = e^-1.
	expected := 1.0 * (0.6 + 0.1*3) * (0.5 + 0.5*1.0) * math.Exp(-1)
	require.InDelta(t, expected, result.Memories[0].Score, 1e-3)
}

func TestRetrieve_AgentBucketPreferred(t *testing.T) {
	embedder := &fixedEmbedder{vectors: map[string][]float32{"style": {1, 0, 0}}}
	e := newEnv(t, embedder, failingAnalyzer{})
	userID := uuid.New()
	agentID := "coach"

	global := fact(userID, "The user prefers short answers.", []float32{1, 0, 0})
	insert(t, e.store, global)

	agent := fact(userID, "The user prefers bullet lists.", []float32{1, 0, 0})
	agent.Scope = model.ScopeAgent
	agent.AgentID = &agentID
	insert(t, e.store, agent)
	// Align timestamps so only the scope tie-break decides the order.
	require.NoError(t, e.db.Exec("UPDATE memories SET updated_at = ? WHERE user_id = ?",
		time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), userID).Error)

	result, err := e.retriever.Retrieve(context.Background(), retrieval.Request{
		UserID:        userID,
		AgentID:       &agentID,
		IncludeGlobal: true,
		Query:         "style",
		K:             10,
	})
	require.NoError(t, err)
	require.Len(t, result.Memories, 2)
	require.Equal(t, agent.ID, result.Memories[0].Memory.ID)

	// Without an agent id only the global bucket is searched.
	result, err = e.retriever.Retrieve(context.Background(), retrieval.Request{
		UserID: userID,
		Query:  "style",
		K:      10,
	})
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	require.Equal(t, global.ID, result.Memories[0].Memory.ID)
}

func TestRetrieve_ScopeIsolation(t *testing.T) {
	embedder := &fixedEmbedder{vectors: map[string][]float32{"risk": {1, 0, 0}}}
	e := newEnv(t, embedder, failingAnalyzer{})
	userID := uuid.New()
	agentID := "finance"

	agent := fact(userID, "Risk tolerance: low.", []float32{1, 0, 0})
	agent.Scope = model.ScopeAgent
	agent.AgentID = &agentID
	insert(t, e.store, agent)

	global := fact(userID, "Risk tolerance: high.", []float32{1, 0, 0})
	insert(t, e.store, global)
	require.NoError(t, e.db.Exec("UPDATE memories SET updated_at = ? WHERE user_id = ?",
		time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), userID).Error)

	// Agent scope without include_global never sees the global bucket.
	result, err := e.retriever.Retrieve(context.Background(), retrieval.Request{
		UserID:  userID,
		Scope:   model.ScopeAgent,
		AgentID: &agentID,
		Query:   "risk",
		K:       10,
	})
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	require.Equal(t, agent.ID, result.Memories[0].Memory.ID)

	// With include_global both rows return and agent outranks global at
	// equal score.
	result, err = e.retriever.Retrieve(context.Background(), retrieval.Request{
		UserID:        userID,
		Scope:         model.ScopeAgent,
		AgentID:       &agentID,
		IncludeGlobal: true,
		Query:         "risk",
		K:             10,
	})
	require.NoError(t, err)
	require.Len(t, result.Memories, 2)
	require.Equal(t, agent.ID, result.Memories[0].Memory.ID)
	require.Equal(t, global.ID, result.Memories[1].Memory.ID)
}

func TestRetrieve_IncludeRetired(t *testing.T) {
	embedder := &fixedEmbedder{vectors: map[string][]float32{"city": {1, 0, 0}}}
	e := newEnv(t, embedder, failingAnalyzer{})
	userID := uuid.New()

	old := fact(userID, "The user lives in Tokyo.", []float32{1, 0, 0})
	insert(t, e.store, old)
	succ := fact(userID, "The user lives in Osaka.", []float32{1, 0, 0})
	_, err := e.store.SupersedeMemory(context.Background(), old.ID, succ, model.ActorSystem)
	require.NoError(t, err)

	result, err := e.retriever.Retrieve(context.Background(), retrieval.Request{
		UserID: userID,
		Query:  "city",
		K:      10,
	})
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	require.Equal(t, succ.ID, result.Memories[0].Memory.ID)

	result, err = e.retriever.Retrieve(context.Background(), retrieval.Request{
		UserID:         userID,
		Query:          "city",
		K:              10,
		IncludeRetired: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Memories, 2)
}

func TestRetrieve_NegativeSimilarityClampsToZero(t *testing.T) {
	embedder := &fixedEmbedder{vectors: map[string][]float32{"coffee": {1, 0, 0}}}
	e := newEnv(t, embedder, failingAnalyzer{})
	userID := uuid.New()

	insert(t, e.store, fact(userID, "The user hates coffee.", []float32{-1, 0, 0}))

	result, err := e.retriever.Retrieve(context.Background(), retrieval.Request{
		UserID: userID,
		Query:  "coffee",
		K:      10,
	})
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	require.Zero(t, result.Memories[0].Similarity)
	require.Zero(t, result.Memories[0].Score)
}

func TestRetrieve_BudgetAlwaysKeepsFirst(t *testing.T) {
	embedder := &fixedEmbedder{vectors: map[string][]float32{"coffee": {1, 0, 0}}}
	e := newEnv(t, embedder, failingAnalyzer{})
	userID := uuid.New()

	first := fact(userID, "The user likes coffee.", []float32{1, 0, 0})
	first.Importance = 5
	insert(t, e.store, first)
	second := fact(userID, "The user also likes tea with milk in the afternoon.", []float32{1, 0, 0})
	second.Importance = 1
	insert(t, e.store, second)

	result, err := e.retriever.Retrieve(context.Background(), retrieval.Request{
		UserID:      userID,
		Query:       "coffee",
		K:           10,
		BudgetChars: 1,
	})
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	require.Equal(t, first.ID, result.Memories[0].Memory.ID)
}

func TestRetrieve_SynthesisDegradesToBullets(t *testing.T) {
	embedder := &fixedEmbedder{vectors: map[string][]float32{"coffee": {1, 0, 0}}}
	e := newEnv(t, embedder, failingAnalyzer{})
	userID := uuid.New()

	insert(t, e.store, fact(userID, "The user likes coffee.", []float32{1, 0, 0}))

	result, err := e.retriever.Retrieve(context.Background(), retrieval.Request{
		UserID:     userID,
		Query:      "coffee",
		K:          10,
		Synthesize: true,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Synthesis)
	require.Equal(t, []string{"The user likes coffee."}, result.Synthesis.Bullets)
}

func TestRetrieve_Validation(t *testing.T) {
	e := newEnv(t, &fixedEmbedder{}, failingAnalyzer{})
	var validation *registrystore.ValidationError

	_, err := e.retriever.Retrieve(context.Background(), retrieval.Request{UserID: uuid.New(), Query: ""})
	require.ErrorAs(t, err, &validation)

	_, err = e.retriever.Retrieve(context.Background(), retrieval.Request{UserID: uuid.Nil, Query: "q"})
	require.ErrorAs(t, err, &validation)

	_, err = e.retriever.Retrieve(context.Background(), retrieval.Request{
		UserID: uuid.New(), Query: "q", Scope: model.ScopeAgent,
	})
	require.ErrorAs(t, err, &validation)

	_, err = e.retriever.Retrieve(context.Background(), retrieval.Request{
		UserID: uuid.New(), Query: "q", Scope: model.Scope("cosmic"),
	})
	require.ErrorAs(t, err, &validation)
}
