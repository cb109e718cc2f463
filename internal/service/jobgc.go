package service

import (
	"context"
	"time"

	"github.com/antigravity/cortex/internal/config"
	registrystore "github.com/antigravity/cortex/internal/registry/store"
	"github.com/charmbracelet/log"
)

const gcBatchSize = 500

// JobGCService periodically deletes terminal ingest jobs whose idempotency
// window has lapsed, keeping the jobs table bounded.
type JobGCService struct {
	store    registrystore.MemoryStore
	interval time.Duration
	window   time.Duration
}

// NewJobGCService builds the sweeper from config.
func NewJobGCService(cfg *config.Config, store registrystore.MemoryStore) *JobGCService {
	return &JobGCService{
		store:    store,
		interval: cfg.JobGCInterval,
		window:   cfg.IdempotencyWindow,
	}
}

// Start runs the sweep loop until ctx is canceled.
func (s *JobGCService) Start(ctx context.Context) {
	if s == nil || s.store == nil || s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *JobGCService) sweepOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.window)
	var total int64
	for {
		deleted, err := s.store.DeleteTerminalJobsBefore(ctx, cutoff, gcBatchSize)
		if err != nil {
			log.Error("job gc sweep failed", "err", err)
			return
		}
		total += deleted
		if deleted < gcBatchSize {
			break
		}
	}
	if total > 0 {
		log.Info("job gc sweep removed terminal jobs", "count", total, "cutoff", cutoff)
	}
}
