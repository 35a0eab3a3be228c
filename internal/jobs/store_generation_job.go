package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/studyloop/studyloop-backend/internal/logger"
	"github.com/studyloop/studyloop-backend/internal/repos"
	"github.com/studyloop/studyloop-backend/internal/types"
)

type GenerationJobStore struct {
	db   *gorm.DB
	log  *logger.Logger
	repo repos.GenerationJobRepo
}

func NewGenerationJobStore(db *gorm.DB, baseLog *logger.Logger, repo repos.GenerationJobRepo) *GenerationJobStore {
	return &GenerationJobStore{
		db:   db,
		log:  baseLog.With("component", "JobStore"),
		repo: repo,
	}
}

func (s *GenerationJobStore) Enqueue(ctx context.Context, tx *gorm.DB, job *types.GenerationJob) (*types.GenerationJob, error) {
	if job == nil {
		return nil, fmt.Errorf("nil job")
	}
	transaction := tx
	if transaction == nil {
		transaction = s.db
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = types.JobStatusQueued
	}
	if job.Stage == "" {
		job.Stage = types.StageLoadingContext
	}
	if job.Payload == nil {
		job.Payload = datatypes.JSON([]byte(`{}`))
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	created, err := s.repo.Create(ctx, transaction, []*types.GenerationJob{job})
	if err != nil {
		return nil, err
	}
	if len(created) == 0 || created[0] == nil {
		return nil, fmt.Errorf("failed to enqueue job")
	}
	return created[0], nil
}

func (s *GenerationJobStore) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, policy RunnablePolicy) (*types.GenerationJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = s.db
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if policy.RetryDelay <= 0 {
		policy.RetryDelay = 30 * time.Second
	}
	if policy.StaleRunning <= 0 {
		policy.StaleRunning = 2 * time.Minute
	}
	return s.repo.ClaimNextRunnable(ctx, transaction, policy.MaxAttempts, policy.RetryDelay, policy.StaleRunning)
}
