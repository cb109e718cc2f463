// Package retrieval ranks stored memories against a query and assembles a
// budgeted context block for agents.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/antigravity/cortex/internal/config"
	"github.com/antigravity/cortex/internal/manager"
	"github.com/antigravity/cortex/internal/model"
	registryanalyze "github.com/antigravity/cortex/internal/registry/analyze"
	registrystore "github.com/antigravity/cortex/internal/registry/store"
	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	minCandidates   = 30
	candidateFactor = 3
)

// Retriever answers context queries. Query embeddings are memoized in an
// in-process cache keyed by the query text.
type Retriever struct {
	store      registrystore.MemoryStore
	mgr        *manager.Manager
	cfg        *config.Config
	queryCache *ristretto.Cache[string, []float32]
}

// New builds a Retriever.
func New(cfg *config.Config, store registrystore.MemoryStore, mgr *manager.Manager) (*Retriever, error) {
	queryCache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Retriever{store: store, mgr: mgr, cfg: cfg, queryCache: queryCache}, nil
}

// Request is one context query.
type Request struct {
	UserID uuid.UUID
	// Scope selects the bucket searched. Empty defaults to agent when
	// AgentID is set, global otherwise.
	Scope   model.Scope
	AgentID *string
	// IncludeGlobal widens an agent-scoped query to the global bucket.
	IncludeGlobal bool
	// IncludeRetired keeps superseded versions in the candidate set.
	IncludeRetired bool
	Query          string
	K              int
	// BudgetChars overrides the configured context budget when positive.
	BudgetChars int
	// Synthesize asks for an LLM summary of the selected evidence.
	Synthesize bool
}

// RankedMemory is one selected memory with its scoring breakdown.
type RankedMemory struct {
	Memory     model.Memory `json:"memory"`
	Similarity float64      `json:"similarity"`
	Score      float64      `json:"score"`
}

// Result is the assembled context.
type Result struct {
	Memories  []RankedMemory             `json:"memories"`
	Synthesis *registryanalyze.Synthesis `json:"synthesis,omitempty"`
}

// Retrieve embeds the query, fetches candidates from the requested buckets
// in parallel, scores them, and returns the top K within the character
// budget. An agent-scoped query touches the global bucket only when
// IncludeGlobal is set. Access timestamps are bumped best-effort.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*Result, error) {
	if req.UserID == uuid.Nil {
		return nil, &registrystore.ValidationError{Field: "user_id", Message: "must be set"}
	}
	if req.Query == "" {
		return nil, &registrystore.ValidationError{Field: "query", Message: "must not be empty"}
	}
	scope := req.Scope
	if scope == "" {
		scope = model.ScopeGlobal
		if req.AgentID != nil && *req.AgentID != "" {
			scope = model.ScopeAgent
		}
	}
	if !model.ValidScope(scope) {
		return nil, &registrystore.ValidationError{Field: "scope", Message: fmt.Sprintf("unknown scope %q", scope)}
	}
	if scope == model.ScopeAgent && (req.AgentID == nil || *req.AgentID == "") {
		return nil, &registrystore.ValidationError{Field: "agent_id", Message: "required when scope is agent"}
	}
	k := req.K
	if k <= 0 {
		k = 5
	}

	embedding, err := r.embedQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	fetch := k * candidateFactor
	if fetch < minCandidates {
		fetch = minCandidates
	}

	var globalHits, agentHits []registrystore.SimilarMemory
	g, gctx := errgroup.WithContext(ctx)
	if scope == model.ScopeGlobal || req.IncludeGlobal {
		g.Go(func() error {
			hits, err := r.store.SearchMemories(gctx, registrystore.SemanticQuery{
				UserID:         req.UserID,
				Scope:          model.ScopeGlobal,
				Embedding:      embedding,
				Limit:          fetch,
				IncludeRetired: req.IncludeRetired,
			})
			globalHits = hits
			return err
		})
	}
	if scope == model.ScopeAgent {
		g.Go(func() error {
			hits, err := r.store.SearchMemories(gctx, registrystore.SemanticQuery{
				UserID:         req.UserID,
				Scope:          model.ScopeAgent,
				AgentID:        req.AgentID,
				Embedding:      embedding,
				Limit:          fetch,
				IncludeRetired: req.IncludeRetired,
			})
			agentHits = hits
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ranked := make([]RankedMemory, 0, len(globalHits)+len(agentHits))
	for _, hit := range append(globalHits, agentHits...) {
		if r.staleState(hit.Memory, now) {
			continue
		}
		if hit.Similarity < 0 {
			hit.Similarity = 0
		}
		ranked = append(ranked, RankedMemory{
			Memory:     hit.Memory,
			Similarity: hit.Similarity,
			Score:      r.score(hit, now),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return less(ranked[i], ranked[j]) })
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	ranked = r.applyBudget(ranked, req.BudgetChars)

	result := &Result{Memories: ranked}
	if req.Synthesize && len(ranked) > 0 {
		evidence := make([]registryanalyze.Evidence, len(ranked))
		for i, rm := range ranked {
			evidence[i] = registryanalyze.Evidence{
				MemoryID: rm.Memory.ID.String(),
				Content:  rm.Memory.Content,
				Score:    rm.Score,
			}
		}
		synth, err := r.mgr.Synthesize(ctx, req.Query, evidence)
		if err != nil {
			// Degrade to the raw evidence rather than failing the query.
			log.Warn("synthesis failed; returning raw evidence", "err", err)
			bullets := make([]string, len(evidence))
			for i, e := range evidence {
				bullets[i] = e.Content
			}
			synth = &registryanalyze.Synthesis{Bullets: bullets}
		}
		result.Synthesis = synth
	}

	r.touch(ranked)
	return result, nil
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if vec, ok := r.queryCache.Get(query); ok {
		return vec, nil
	}
	vec, err := r.mgr.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	r.queryCache.Set(query, vec, 1)
	return vec, nil
}

// staleState filters states whose last update fell out of the freshness
// window. They remain queryable via the list API but never enter context.
func (r *Retriever) staleState(m model.Memory, now time.Time) bool {
	if m.MemoryType != model.MemoryTypeState {
		return false
	}
	window := r.cfg.StateFreshnessWindow
	if window <= 0 {
		return false
	}
	return now.Sub(m.UpdatedAt) > window
}

// score combines semantic similarity with importance, confidence, and
// recency decay. Facts and policies do not decay.
func (r *Retriever) score(hit registrystore.SimilarMemory, now time.Time) float64 {
	m := hit.Memory
	importance := 0.6 + 0.1*float64(m.Importance)
	confidence := 0.5 + 0.5*m.Confidence
	return hit.Similarity * importance * confidence * r.decay(m, now)
}

func (r *Retriever) decay(m model.Memory, now time.Time) float64 {
	var basis time.Time
	switch m.MemoryType {
	case model.MemoryTypeState:
		basis = m.UpdatedAt
	case model.MemoryTypeEpisode:
		basis = m.CreatedAt
		if m.EventTime != nil {
			basis = *m.EventTime
		}
	default:
		return 1.0
	}
	halfLife := r.cfg.DecayHalfLifeDays
	if halfLife <= 0 {
		halfLife = 14
	}
	ageDays := now.Sub(basis).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / halfLife)
}

// less orders by score, then agent scope over global, then importance,
// recency, and finally id for a stable total order.
func less(a, b RankedMemory) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Memory.Scope != b.Memory.Scope {
		return a.Memory.Scope == model.ScopeAgent
	}
	if a.Memory.Importance != b.Memory.Importance {
		return a.Memory.Importance > b.Memory.Importance
	}
	if !a.Memory.UpdatedAt.Equal(b.Memory.UpdatedAt) {
		return a.Memory.UpdatedAt.After(b.Memory.UpdatedAt)
	}
	return a.Memory.ID.String() < b.Memory.ID.String()
}

// applyBudget truncates the list once cumulative content length exceeds the
// character budget. At least one memory is always returned when any matched.
func (r *Retriever) applyBudget(ranked []RankedMemory, override int) []RankedMemory {
	budget := r.cfg.ContextBudgetChars
	if override > 0 {
		budget = override
	}
	if budget <= 0 {
		return ranked
	}
	total := 0
	for i, rm := range ranked {
		total += len(rm.Memory.Content)
		if total > budget && i > 0 {
			return ranked[:i]
		}
	}
	return ranked
}

// touch bumps last_accessed without blocking the response.
func (r *Retriever) touch(ranked []RankedMemory) {
	if len(ranked) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(ranked))
	for i, rm := range ranked {
		ids[i] = rm.Memory.ID
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.TouchMemories(ctx, ids, time.Now().UTC()); err != nil {
			log.Debug("touch failed", "err", err)
		}
	}()
}
