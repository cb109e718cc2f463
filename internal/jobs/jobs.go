// Package jobs runs asynchronous ingest work. Jobs are serialized per user
// (FIFO) while distinct users proceed in parallel on a fixed worker pool.
// The total backlog is bounded; when full, acceptance blocks until the
// request deadline and then fails with a resource-exhausted error.
package jobs

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/antigravity/cortex/internal/apierr"
	"github.com/antigravity/cortex/internal/config"
	"github.com/antigravity/cortex/internal/manager"
	"github.com/antigravity/cortex/internal/model"
	registrystore "github.com/antigravity/cortex/internal/registry/store"
	"github.com/antigravity/cortex/internal/security"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"
)

// queued is one accepted job waiting to run.
type queued struct {
	jobID string
	req   manager.IngestRequest
}

// Service accepts ingest jobs and schedules them.
type Service struct {
	store registrystore.MemoryStore
	mgr   *manager.Manager
	cfg   *config.Config

	// slots bounds the total number of accepted-but-unfinished jobs.
	slots *semaphore.Weighted

	mu       sync.Mutex
	queues   map[uuid.UUID][]queued
	running  map[uuid.UUID]int
	runnable chan uuid.UUID
}

// New builds the job service. Start must be called before Accept.
func New(cfg *config.Config, store registrystore.MemoryStore, mgr *manager.Manager) *Service {
	queueSize := cfg.JobQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Service{
		store:    store,
		mgr:      mgr,
		cfg:      cfg,
		slots:    semaphore.NewWeighted(int64(queueSize)),
		queues:   map[uuid.UUID][]queued{},
		running:  map[uuid.UUID]int{},
		runnable: make(chan uuid.UUID, queueSize),
	}
}

// Start launches the worker pool. Workers exit when ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	workers := s.cfg.WorkerPoolSize
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go s.worker(ctx)
	}
	log.Info("job workers started", "workers", workers, "queue_size", s.cfg.JobQueueSize)
}

// AcceptRequest is one POST /v1/ingest body after validation.
type AcceptRequest struct {
	IngestRequest  manager.IngestRequest
	IdempotencyKey *string
}

// Accept registers a job and returns it in the accepted state. When an
// idempotency key matches a job received within the idempotency window, the
// existing job is returned instead of creating a new one.
func (s *Service) Accept(ctx context.Context, req AcceptRequest) (*model.IngestJob, error) {
	now := time.Now().UTC()

	if req.IdempotencyKey != nil && *req.IdempotencyKey != "" {
		since := now.Add(-s.cfg.IdempotencyWindow)
		existing, err := s.store.FindJobByIdempotencyKey(ctx, req.IngestRequest.UserID, *req.IdempotencyKey, since)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	// Block for a backlog slot until the request deadline.
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, apierr.New(apierr.CodeResourceExhausted, "ingest queue is full")
	}

	job := &model.IngestJob{
		ID:             ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.IngestRequest.UserID,
		Scope:          req.IngestRequest.Scope,
		AgentID:        req.IngestRequest.AgentID,
		Status:         model.JobAccepted,
		ReceivedAt:     now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		s.slots.Release(1)
		// A concurrent request with the same idempotency key won the insert.
		var conflict *registrystore.ConflictError
		if errors.As(err, &conflict) && req.IdempotencyKey != nil {
			since := now.Add(-s.cfg.IdempotencyWindow)
			if existing, ferr := s.store.FindJobByIdempotencyKey(ctx, req.IngestRequest.UserID, *req.IdempotencyKey, since); ferr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	s.enqueue(job.UserID, queued{jobID: job.ID, req: req.IngestRequest})
	return job, nil
}

// GetJob returns a job owned by the given user.
func (s *Service) GetJob(ctx context.Context, userID uuid.UUID, jobID string) (*model.IngestJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	// Job IDs are unguessable, but ownership is still enforced.
	if job.UserID != userID {
		return nil, &registrystore.NotFoundError{Resource: "job", ID: jobID}
	}
	return job, nil
}

func (s *Service) enqueue(userID uuid.UUID, q queued) {
	s.mu.Lock()
	s.queues[userID] = append(s.queues[userID], q)
	s.mu.Unlock()
	if security.JobQueueDepth != nil {
		security.JobQueueDepth.Inc()
	}
	// Non-blocking: the channel is sized to the backlog bound.
	select {
	case s.runnable <- userID:
	default:
	}
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case userID := <-s.runnable:
			q, ok := s.claim(userID)
			if !ok {
				continue
			}
			s.run(ctx, userID, q)
		}
	}
}

// claim pops the next job for a user unless the user is already at the
// per-user concurrency cap. A dropped signal is re-sent by the finisher.
func (s *Service) claim(userID uuid.UUID) (queued, bool) {
	perUser := s.cfg.PerUserConcurrency
	if perUser <= 0 {
		perUser = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[userID] >= perUser {
		return queued{}, false
	}
	queue := s.queues[userID]
	if len(queue) == 0 {
		return queued{}, false
	}
	q := queue[0]
	if len(queue) == 1 {
		delete(s.queues, userID)
	} else {
		s.queues[userID] = queue[1:]
	}
	s.running[userID]++
	return q, true
}

// run executes one job under the job timeout, then releases the user and
// the backlog slot. The next queued job for the user is resignaled before
// the slot is released so FIFO order holds under contention.
func (s *Service) run(ctx context.Context, userID uuid.UUID, q queued) {
	if security.JobQueueDepth != nil {
		security.JobQueueDepth.Dec()
	}
	if security.JobsInFlight != nil {
		security.JobsInFlight.Inc()
	}

	jobCtx := ctx
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	now := time.Now().UTC()
	if err := s.store.MarkJobRunning(jobCtx, q.jobID, now); err != nil {
		log.Error("failed to mark job running", "job_id", q.jobID, "err", err)
	}

	result, err := s.mgr.IngestText(jobCtx, q.req)
	finished := time.Now().UTC()
	if err != nil {
		msg := err.Error()
		if ferr := s.store.FinishJob(context.WithoutCancel(jobCtx), q.jobID, model.JobFailed, nil, &msg, finished); ferr != nil {
			log.Error("failed to finish job", "job_id", q.jobID, "err", ferr)
		}
		if security.JobsTotal != nil {
			security.JobsTotal.WithLabelValues(string(model.JobFailed)).Inc()
		}
		log.Warn("ingest job failed", "job_id", q.jobID, "user_id", userID, "err", err)
	} else {
		payload := map[string]interface{}{
			"created":  result.Created,
			"updated":  result.Updated,
			"skipped":  result.Skipped,
			"dropped":  result.Dropped,
			"warnings": result.Warnings,
		}
		ids := make([]string, len(result.MemoryIDs))
		for i, id := range result.MemoryIDs {
			ids[i] = id.String()
		}
		payload["memory_ids"] = ids
		if ferr := s.store.FinishJob(context.WithoutCancel(jobCtx), q.jobID, model.JobDone, payload, nil, finished); ferr != nil {
			log.Error("failed to finish job", "job_id", q.jobID, "err", ferr)
		}
		if security.JobsTotal != nil {
			security.JobsTotal.WithLabelValues(string(model.JobDone)).Inc()
		}
		log.Info("ingest job done", "job_id", q.jobID, "user_id", userID,
			"created", result.Created, "updated", result.Updated,
			"skipped", result.Skipped, "dropped", result.Dropped,
			"duration", finished.Sub(now))
	}

	if security.JobsInFlight != nil {
		security.JobsInFlight.Dec()
	}

	s.mu.Lock()
	s.running[userID]--
	if s.running[userID] <= 0 {
		delete(s.running, userID)
	}
	more := len(s.queues[userID]) > 0
	s.mu.Unlock()

	if more {
		select {
		case s.runnable <- userID:
		default:
		}
	}
	s.slots.Release(1)
}
