// Package manager implements the ingestion pipeline: analyze raw text into
// atomic chunks, normalize and deduplicate each chunk, then insert it or
// supersede the near-duplicate it replaces.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antigravity/cortex/internal/config"
	"github.com/antigravity/cortex/internal/model"
	"github.com/antigravity/cortex/internal/normalize"
	registryanalyze "github.com/antigravity/cortex/internal/registry/analyze"
	registrycache "github.com/antigravity/cortex/internal/registry/cache"
	registryembed "github.com/antigravity/cortex/internal/registry/embed"
	registrystore "github.com/antigravity/cortex/internal/registry/store"
	"github.com/antigravity/cortex/internal/security"
	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Manager coordinates the analyzer, embedder, and store for all memory writes.
type Manager struct {
	store    registrystore.MemoryStore
	embedder registryembed.Embedder
	analyzer registryanalyze.Analyzer
	cache    registrycache.MemoryCache
	norm     *normalize.Normalizer
	cfg      *config.Config

	// adapterSem caps concurrent analyzer/embedder calls across all jobs.
	adapterSem *semaphore.Weighted
}

// New builds a Manager. The synonym table is merged from the built-ins and
// cfg.Synonyms; a malformed synonym list fails startup.
func New(cfg *config.Config, store registrystore.MemoryStore, embedder registryembed.Embedder,
	analyzer registryanalyze.Analyzer, memCache registrycache.MemoryCache) (*Manager, error) {
	extra, err := normalize.ParseSynonyms(cfg.Synonyms)
	if err != nil {
		return nil, fmt.Errorf("invalid synonym config: %w", err)
	}
	concurrency := cfg.AdapterConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Manager{
		store:      store,
		embedder:   embedder,
		analyzer:   analyzer,
		cache:      memCache,
		norm:       normalize.New(extra),
		cfg:        cfg,
		adapterSem: semaphore.NewWeighted(concurrency),
	}, nil
}

// IngestRequest is one text to analyze and store.
type IngestRequest struct {
	UserID       uuid.UUID
	Scope        model.Scope
	AgentID      *string
	Text         string
	Source       *string
	InputChannel model.InputChannel
	// ReferenceTime anchors relative dates in the text. Zero means now.
	ReferenceTime time.Time
}

// IngestResult summarizes what one ingest produced.
type IngestResult struct {
	Created   int         `json:"created"`
	Updated   int         `json:"updated"`
	Skipped   int         `json:"skipped"`
	Dropped   int         `json:"dropped"`
	MemoryIDs []uuid.UUID `json:"memory_ids"`
	Warnings  []string    `json:"warnings,omitempty"`
}

// IngestText runs the full pipeline for one text. Analysis and store
// failures abort the ingest; an embedder failure on a single chunk keeps
// the writes of earlier chunks, records a warning, and moves on to the
// next chunk. An empty extraction yields zero counts and writes nothing.
func (mgr *Manager) IngestText(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if err := validateBucket(req.UserID, req.Scope, req.AgentID); err != nil {
		return nil, err
	}
	if req.Text == "" {
		return nil, &registrystore.ValidationError{Field: "text", Message: "must not be empty"}
	}
	ref := req.ReferenceTime
	if ref.IsZero() {
		ref = time.Now().UTC()
	}

	analysis, err := mgr.analyze(ctx, registryanalyze.Request{
		Text:          req.Text,
		ReferenceTime: ref,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	result := &IngestResult{Warnings: analysis.Warnings}
	for _, chunk := range analysis.Chunks {
		if chunk.Confidence < mgr.cfg.MinConfidence {
			result.Dropped++
			security.CountChunk("dropped")
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("dropped low-confidence chunk (%.2f): %s", chunk.Confidence, chunk.Content))
			continue
		}
		id, outcome, err := mgr.ingestChunk(ctx, req, chunk, ref)
		if err != nil {
			var adapter *adapterFailure
			if errors.As(err, &adapter) && ctx.Err() == nil {
				security.CountChunk("failed")
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("failed to process chunk %q: %v", chunk.Content, adapter.err))
				log.Warn("chunk failed; continuing ingest", "err", adapter.err)
				continue
			}
			return nil, err
		}
		security.CountChunk(outcome)
		switch outcome {
		case "created":
			result.Created++
			result.MemoryIDs = append(result.MemoryIDs, id)
		case "updated":
			result.Updated++
			result.MemoryIDs = append(result.MemoryIDs, id)
		case "skipped":
			result.Skipped++
		}
	}
	return result, nil
}

// adapterFailure marks an embedder error on a single chunk. Store errors
// are never wrapped in it; they abort the whole ingest because the prior
// chunk's transaction visibility cannot be guaranteed.
type adapterFailure struct{ err error }

func (e *adapterFailure) Error() string { return e.err.Error() }
func (e *adapterFailure) Unwrap() error { return e.err }

// ingestChunk stores one chunk. Outcomes: created, updated (superseded a
// near-duplicate), skipped (exact duplicate already current).
func (mgr *Manager) ingestChunk(ctx context.Context, req IngestRequest, chunk registryanalyze.Chunk, ref time.Time) (uuid.UUID, string, error) {
	canonical := mgr.norm.Normalize(chunk.Content, ref)
	hash := mgr.norm.Hash(canonical)

	existing, err := mgr.store.FindByContentHash(ctx, req.UserID, req.Scope, req.AgentID, hash)
	if err != nil {
		return uuid.Nil, "", err
	}
	if existing != nil {
		log.Debug("skipping exact duplicate", "memory_id", existing.ID, "hash", hash)
		return existing.ID, "skipped", nil
	}

	embedding, err := mgr.embedOne(ctx, canonical)
	if err != nil {
		return uuid.Nil, "", &adapterFailure{err: fmt.Errorf("embedding failed: %w", err)}
	}

	now := time.Now().UTC()
	m := &model.Memory{
		ID:              uuid.New(),
		UserID:          req.UserID,
		Scope:           req.Scope,
		AgentID:         req.AgentID,
		Content:         canonical,
		ContentHash:     hash,
		Embedding:       embedding,
		MemoryType:      chunk.MemoryType,
		Tags:            chunk.Tags,
		RelatedEntities: chunk.RelatedEntities,
		Importance:      chunk.Importance,
		Confidence:      chunk.Confidence,
		Source:          req.Source,
		InputChannel:    req.InputChannel,
		EventTime:       chunk.EventTime,
		ValidFrom:       now,
	}
	if m.InputChannel == "" {
		m.InputChannel = model.ChannelAPI
	}

	// Supersedable types replace their nearest neighbor above the threshold.
	// Episodes always append.
	if chunk.MemoryType.Supersedable() {
		hits, err := mgr.store.NearestMemories(ctx, registrystore.NearestQuery{
			UserID:     req.UserID,
			Scope:      req.Scope,
			AgentID:    req.AgentID,
			MemoryType: chunk.MemoryType,
			Embedding:  embedding,
			Limit:      1,
		})
		if err != nil {
			return uuid.Nil, "", err
		}
		if len(hits) > 0 && hits[0].Similarity >= mgr.cfg.UpsertThreshold {
			old := hits[0].Memory
			if _, err := mgr.store.SupersedeMemory(ctx, old.ID, m, model.ActorSystem); err != nil {
				return uuid.Nil, "", err
			}
			mgr.invalidate(ctx, old.ID)
			log.Info("superseded memory", "old", old.ID, "new", m.ID, "similarity", hits[0].Similarity)
			return m.ID, "updated", nil
		}
	}

	if err := mgr.store.InsertMemory(ctx, m, model.ActorSystem); err != nil {
		var conflict *registrystore.ConflictError
		// A concurrent ingest of the same content wins the race; that is a skip.
		if errors.As(err, &conflict) {
			return uuid.Nil, "skipped", nil
		}
		return uuid.Nil, "", err
	}
	return m.ID, "created", nil
}

// CreateMemory handles the manual create path. Content is normalized and
// hashed the same way as ingested chunks; an exact duplicate is a conflict.
// When upsert is true and the type is supersedable, a near-duplicate above
// the threshold is superseded instead.
func (mgr *Manager) CreateMemory(ctx context.Context, m *model.Memory, upsert bool, actor model.ActorType) (*model.Memory, error) {
	if err := validateBucket(m.UserID, m.Scope, m.AgentID); err != nil {
		return nil, err
	}
	if m.Content == "" {
		return nil, &registrystore.ValidationError{Field: "content", Message: "must not be empty"}
	}
	if !model.ValidMemoryType(m.MemoryType) {
		return nil, &registrystore.ValidationError{Field: "memory_type", Message: fmt.Sprintf("unknown type %q", m.MemoryType)}
	}

	now := time.Now().UTC()
	m.ID = uuid.New()
	m.Content = mgr.norm.Normalize(m.Content, now)
	m.ContentHash = mgr.norm.Hash(m.Content)
	if m.ValidFrom.IsZero() {
		m.ValidFrom = now
	}
	if m.Importance == 0 {
		m.Importance = 3
	}
	if m.Confidence == 0 {
		m.Confidence = 0.7
	}
	if m.InputChannel == "" {
		m.InputChannel = model.ChannelManual
	}

	embedding, err := mgr.embedOne(ctx, m.Content)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	m.Embedding = embedding

	if upsert && m.MemoryType.Supersedable() {
		hits, err := mgr.store.NearestMemories(ctx, registrystore.NearestQuery{
			UserID:     m.UserID,
			Scope:      m.Scope,
			AgentID:    m.AgentID,
			MemoryType: m.MemoryType,
			Embedding:  embedding,
			Limit:      1,
		})
		if err != nil {
			return nil, err
		}
		if len(hits) > 0 && hits[0].Similarity >= mgr.cfg.UpsertThreshold {
			if _, err := mgr.store.SupersedeMemory(ctx, hits[0].Memory.ID, m, actor); err != nil {
				return nil, err
			}
			mgr.invalidate(ctx, hits[0].Memory.ID)
			return m, nil
		}
	}

	if err := mgr.store.InsertMemory(ctx, m, actor); err != nil {
		return nil, err
	}
	return m, nil
}

// GetMemory reads through the cache.
func (mgr *Manager) GetMemory(ctx context.Context, userID, id uuid.UUID) (*model.Memory, error) {
	if mgr.cache.Available() {
		if m, err := mgr.cache.Get(ctx, id); err == nil && m != nil && m.UserID == userID {
			if security.CacheHitsTotal != nil {
				security.CacheHitsTotal.Inc()
			}
			return m, nil
		}
		if security.CacheMissesTotal != nil {
			security.CacheMissesTotal.Inc()
		}
	}
	m, err := mgr.store.GetMemory(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if mgr.cache.Available() {
		if err := mgr.cache.Set(ctx, m, 0); err != nil {
			log.Debug("cache set failed", "memory_id", id, "err", err)
		}
	}
	return m, nil
}

// UpdateMemory applies a patch. When the content changes, the canonical
// form, hash, and embedding are recomputed before the store write.
func (mgr *Manager) UpdateMemory(ctx context.Context, userID, id uuid.UUID, patch registrystore.MemoryPatch, actor model.ActorType) (*model.Memory, error) {
	if patch.Content != nil {
		canonical := mgr.norm.Normalize(*patch.Content, time.Now().UTC())
		if canonical == "" {
			return nil, &registrystore.ValidationError{Field: "content", Message: "must not be empty"}
		}
		hash := mgr.norm.Hash(canonical)
		embedding, err := mgr.embedOne(ctx, canonical)
		if err != nil {
			return nil, fmt.Errorf("embedding failed: %w", err)
		}
		patch.Content = &canonical
		patch.ContentHash = &hash
		patch.Embedding = embedding
	}
	m, err := mgr.store.UpdateMemory(ctx, userID, id, patch, actor)
	if err != nil {
		return nil, err
	}
	mgr.invalidate(ctx, id)
	return m, nil
}

// DeleteMemory retires (or hard-deletes) a memory and drops it from the cache.
func (mgr *Manager) DeleteMemory(ctx context.Context, userID, id uuid.UUID, hard bool, actor model.ActorType) error {
	if err := mgr.store.DeleteMemory(ctx, userID, id, hard, actor); err != nil {
		return err
	}
	mgr.invalidate(ctx, id)
	return nil
}

// analyze calls the analyzer under the concurrency cap, the per-call
// timeout, and a bounded exponential backoff for transient failures.
func (mgr *Manager) analyze(ctx context.Context, req registryanalyze.Request) (*registryanalyze.Result, error) {
	var result *registryanalyze.Result
	err := mgr.withAdapter(ctx, func(callCtx context.Context) error {
		r, err := mgr.analyzer.Analyze(callCtx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (mgr *Manager) embedOne(ctx context.Context, text string) ([]float32, error) {
	var embedding []float32
	err := mgr.withAdapter(ctx, func(callCtx context.Context) error {
		vecs, err := mgr.embedder.EmbedTexts(callCtx, []string{text})
		if err != nil {
			return err
		}
		if len(vecs) != 1 {
			return backoff.Permanent(fmt.Errorf("embedder returned %d vectors for 1 text", len(vecs)))
		}
		embedding = vecs[0]
		return nil
	})
	return embedding, err
}

// EmbedQuery embeds retrieval queries through the same adapter guard rails.
func (mgr *Manager) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return mgr.embedOne(ctx, text)
}

// Synthesize summarizes ranked evidence through the analyzer.
func (mgr *Manager) Synthesize(ctx context.Context, query string, evidence []registryanalyze.Evidence) (*registryanalyze.Synthesis, error) {
	var synth *registryanalyze.Synthesis
	err := mgr.withAdapter(ctx, func(callCtx context.Context) error {
		s, err := mgr.analyzer.Synthesize(callCtx, query, evidence)
		if err != nil {
			return err
		}
		synth = s
		return nil
	})
	return synth, err
}

const maxAdapterRetries = 2 // 3 attempts total

func (mgr *Manager) withAdapter(ctx context.Context, fn func(context.Context) error) error {
	if err := mgr.adapterSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer mgr.adapterSem.Release(1)

	attempt := func() error {
		callCtx := ctx
		if mgr.cfg.ChunkTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, mgr.cfg.ChunkTimeout)
			defer cancel()
		}
		return fn(callCtx)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAdapterRetries), ctx)
	return backoff.RetryNotify(attempt, policy, func(err error, next time.Duration) {
		log.Warn("adapter call failed; retrying", "err", err, "backoff", next)
	})
}

func (mgr *Manager) invalidate(ctx context.Context, id uuid.UUID) {
	if !mgr.cache.Available() {
		return
	}
	if err := mgr.cache.Remove(ctx, id); err != nil {
		log.Debug("cache invalidation failed", "memory_id", id, "err", err)
	}
}

func validateBucket(userID uuid.UUID, scope model.Scope, agentID *string) error {
	if userID == uuid.Nil {
		return &registrystore.ValidationError{Field: "user_id", Message: "must be set"}
	}
	if !model.ValidScope(scope) {
		return &registrystore.ValidationError{Field: "scope", Message: fmt.Sprintf("unknown scope %q", scope)}
	}
	if scope == model.ScopeAgent && (agentID == nil || *agentID == "") {
		return &registrystore.ValidationError{Field: "agent_id", Message: "required when scope is agent"}
	}
	if scope == model.ScopeGlobal && agentID != nil {
		return &registrystore.ValidationError{Field: "agent_id", Message: "must be empty when scope is global"}
	}
	return nil
}
