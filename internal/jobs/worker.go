package jobs

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/studyloop/studyloop-backend/internal/jobs/runtime"
	"github.com/studyloop/studyloop-backend/internal/logger"
	"github.com/studyloop/studyloop-backend/internal/repos"
	"github.com/studyloop/studyloop-backend/internal/types"
)

// WorkerConfig sizes the claim pool and the runnable policy. Zero values get
// sensible defaults in NewWorker.
type WorkerConfig struct {
	PoolSize       int
	PollInterval   time.Duration
	HeartbeatEvery time.Duration
	Policy         RunnablePolicy
}

// Worker runs a fixed pool of claim loops against the generation_job table.
// Each loop claims at most one job at a time, so PoolSize bounds concurrent
// executions per instance; SKIP LOCKED keeps instances from colliding.
type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	store    JobStore
	repo     repos.GenerationJobRepo
	registry *runtime.Registry
	notify   runtime.Notifier
	cfg      WorkerConfig
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, store JobStore, repo repos.GenerationJobRepo, registry *runtime.Registry, notify runtime.Notifier, cfg WorkerConfig) *Worker {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 30 * time.Second
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy.MaxAttempts = 5
	}
	if cfg.Policy.RetryDelay <= 0 {
		cfg.Policy.RetryDelay = 30 * time.Second
	}
	if cfg.Policy.StaleRunning <= 0 {
		cfg.Policy.StaleRunning = 2 * time.Minute
	}
	return &Worker{
		db:       db,
		log:      baseLog.With("component", "JobWorker"),
		store:    store,
		repo:     repo,
		registry: registry,
		notify:   notify,
		cfg:      cfg,
	}
}

func (w *Worker) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.PoolSize; i++ {
		worker := i
		g.Go(func() error {
			w.claimLoop(gctx, worker)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		w.log.Info("job worker stopped")
	}()
}

func (w *Worker) claimLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.claimOnce(ctx, worker)
		}
	}
}

// claimOnce goes through the store so the runnable policy is always the
// defaulted one, never a zero value that would make every running row look
// stale.
func (w *Worker) claimOnce(ctx context.Context, worker int) {
	job, err := w.store.ClaimNextRunnable(ctx, nil, w.cfg.Policy)
	if err != nil {
		w.log.Warn("ClaimNextRunnable failed", "worker", worker, "error", err)
		return
	}
	if job == nil {
		return
	}
	w.runJob(ctx, worker, job)
}

func (w *Worker) runJob(ctx context.Context, worker int, job *types.GenerationJob) {
	jc := runtime.NewContext(ctx, w.db, job, w.repo, w.notify)

	h, ok := w.registry.Get(job.JobType)
	if !ok {
		w.log.Warn("no handler registered for job_type", "job_type", job.JobType, "job_id", job.ID)
		jc.Fail("dispatch", fmt.Errorf("no handler registered for job_type=%s", job.JobType))
		return
	}

	// Background heartbeat keeps a slow handler from looking stale; progress
	// writes refresh it too. Stops when the handler returns.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeatLoop(hbCtx, job)
	defer stopHeartbeat()

	w.log.Info("job claimed", "worker", worker, "job_id", job.ID, "job_type", job.JobType, "attempts", job.Attempts)

	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("job handler panic", "job_id", job.ID, "job_type", job.JobType, "panic", r)
				jc.Fail("panic", fmt.Errorf("handler panic: %v", r))
			}
		}()
		if err := h.Run(jc); err != nil {
			// Handlers own their terminal transitions; an error return is
			// only logged so a handler bug cannot strand a running row.
			w.log.Warn("job handler returned error", "job_id", job.ID, "job_type", job.JobType, "error", err)
		}
	}()
}

func (w *Worker) heartbeatLoop(ctx context.Context, job *types.GenerationJob) {
	ticker := time.NewTicker(w.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.repo.Heartbeat(ctx, w.db, job.ID); err != nil {
				w.log.Warn("heartbeat failed", "job_id", job.ID, "error", err)
			}
		}
	}
}
