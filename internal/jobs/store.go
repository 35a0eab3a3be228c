package jobs

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/studyloop/studyloop-backend/internal/types"
)

// RunnablePolicy decides which rows a worker may claim: fresh queued jobs,
// failed jobs whose exponential backoff has elapsed (up to MaxAttempts), and
// running jobs whose heartbeat went stale past StaleRunning.
type RunnablePolicy struct {
	MaxAttempts  int
	RetryDelay   time.Duration
	StaleRunning time.Duration
}

// JobStore is the runtime's view of the queue, backed by the generation_job
// table. Lifecycle writes after a claim go through runtime.Context, not the
// store.
type JobStore interface {
	// Enqueue creates a new job row.
	Enqueue(ctx context.Context, tx *gorm.DB, job *types.GenerationJob) (*types.GenerationJob, error)
	// ClaimNextRunnable picks one runnable job and marks it running (SKIP LOCKED).
	ClaimNextRunnable(ctx context.Context, tx *gorm.DB, policy RunnablePolicy) (*types.GenerationJob, error)
}
