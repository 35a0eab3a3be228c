package jobs

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studyloop/studyloop-backend/internal/logger"
	"github.com/studyloop/studyloop-backend/internal/types"
)

// claimRepo mirrors the database claim query in memory so the runnable rules
// can be exercised without Postgres. A single mutex stands in for FOR UPDATE
// SKIP LOCKED: a claim either takes a whole row or sees it already running.
type claimRepo struct {
	memJobRepo

	mu   sync.Mutex
	rows []*types.GenerationJob
}

func (f *claimRepo) runnable(job *types.GenerationJob, maxAttempts int, retryBase, staleRunning time.Duration, now time.Time) bool {
	switch job.Status {
	case types.JobStatusQueued:
		return true
	case types.JobStatusFailed:
		if job.Attempts >= maxAttempts {
			return false
		}
		if job.LastErrorAt == nil {
			return true
		}
		backoff := time.Duration(float64(retryBase) * math.Pow(2, math.Max(float64(job.Attempts-1), 0)))
		return now.Sub(*job.LastErrorAt) > backoff
	case types.JobStatusRunning:
		return job.HeartbeatAt != nil && job.HeartbeatAt.Before(now.Add(-staleRunning))
	default:
		return false
	}
}

func (f *claimRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, maxAttempts int, retryBase, staleRunning time.Duration) (*types.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, job := range f.rows {
		if !f.runnable(job, maxAttempts, retryBase, staleRunning, now) {
			continue
		}
		job.Status = types.JobStatusRunning
		job.Attempts++
		job.LockedAt = &now
		job.HeartbeatAt = &now
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		snapshot := *job
		return &snapshot, nil
	}
	return nil, nil
}

func claimStore(repo *claimRepo) *GenerationJobStore {
	return NewGenerationJobStore(nil, logger.NewNop(), repo)
}

func queuedJob() *types.GenerationJob {
	return &types.GenerationJob{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Status: types.JobStatusQueued,
	}
}

func TestClaimNextRunnable_ConcurrentClaimersGetDisjointJobs(t *testing.T) {
	repo := &claimRepo{}
	for i := 0; i < 8; i++ {
		repo.rows = append(repo.rows, queuedJob())
	}
	store := claimStore(repo)

	var mu sync.Mutex
	seen := map[uuid.UUID]int{}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := store.ClaimNextRunnable(context.Background(), nil, RunnablePolicy{})
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 8 {
		t.Fatalf("expected all 8 jobs claimed, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestClaimNextRunnable_SkipsFreshRunningReclaimsStale(t *testing.T) {
	fresh := time.Now().Add(-10 * time.Second)
	stale := time.Now().Add(-3 * time.Minute)
	held := &types.GenerationJob{ID: uuid.New(), Status: types.JobStatusRunning, HeartbeatAt: &fresh, Attempts: 1}
	abandoned := &types.GenerationJob{ID: uuid.New(), Status: types.JobStatusRunning, HeartbeatAt: &stale, Attempts: 1}
	repo := &claimRepo{rows: []*types.GenerationJob{held, abandoned}}
	store := claimStore(repo)

	job, err := store.ClaimNextRunnable(context.Background(), nil, RunnablePolicy{})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job == nil || job.ID != abandoned.ID {
		t.Fatalf("expected stale running job reclaimed, got %+v", job)
	}
	if job.Attempts != 2 {
		t.Fatalf("expected attempts bumped to 2, got %d", job.Attempts)
	}

	job, err = store.ClaimNextRunnable(context.Background(), nil, RunnablePolicy{})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job != nil {
		t.Fatalf("fresh-heartbeat running job must not be claimable, got %s", job.ID)
	}
}

func TestClaimNextRunnable_FailedJobBackoffAndExhaustion(t *testing.T) {
	recent := time.Now().Add(-5 * time.Second)
	elapsed := time.Now().Add(-5 * time.Minute)
	exhausted := &types.GenerationJob{ID: uuid.New(), Status: types.JobStatusFailed, Attempts: 5, LastErrorAt: &elapsed}
	cooling := &types.GenerationJob{ID: uuid.New(), Status: types.JobStatusFailed, Attempts: 2, LastErrorAt: &recent}
	ready := &types.GenerationJob{ID: uuid.New(), Status: types.JobStatusFailed, Attempts: 2, LastErrorAt: &elapsed}
	repo := &claimRepo{rows: []*types.GenerationJob{exhausted, cooling, ready}}
	store := claimStore(repo)

	job, err := store.ClaimNextRunnable(context.Background(), nil, RunnablePolicy{})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job == nil || job.ID != ready.ID {
		t.Fatalf("expected failed job with elapsed backoff, got %+v", job)
	}

	job, err = store.ClaimNextRunnable(context.Background(), nil, RunnablePolicy{})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job != nil {
		t.Fatalf("neither the exhausted nor the cooling-down job should be handed out, got %s", job.ID)
	}
	if exhausted.Status != types.JobStatusFailed || exhausted.Attempts != 5 {
		t.Fatalf("exhausted job must stay failed at attempts=5, got %s/%d", exhausted.Status, exhausted.Attempts)
	}
}
