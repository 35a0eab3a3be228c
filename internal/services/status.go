package services

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studyloop/studyloop-backend/internal/logger"
	"github.com/studyloop/studyloop-backend/internal/repos"
	"github.com/studyloop/studyloop-backend/internal/types"
)

// JobStatusService is the read side of the status contract: point lookups by
// job id and latest-per-course, always scoped to the requesting user.
type JobStatusService interface {
	GetJob(ctx context.Context, userID, jobID uuid.UUID) (*types.GenerationJob, error)
	GetLatestForCourse(ctx context.Context, userID, courseID uuid.UUID) (*types.GenerationJob, error)
}

type jobStatusService struct {
	db   *gorm.DB
	log  *logger.Logger
	repo repos.GenerationJobRepo
}

func NewJobStatusService(db *gorm.DB, baseLog *logger.Logger, repo repos.GenerationJobRepo) JobStatusService {
	return &jobStatusService{
		db:   db,
		log:  baseLog.With("service", "JobStatusService"),
		repo: repo,
	}
}

func (s *jobStatusService) GetJob(ctx context.Context, userID, jobID uuid.UUID) (*types.GenerationJob, error) {
	rows, err := s.repo.GetByIDs(ctx, s.db, []uuid.UUID{jobID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrJobNotFound
	}
	if rows[0].UserID != userID {
		return nil, ErrJobNotOwned
	}
	return rows[0], nil
}

func (s *jobStatusService) GetLatestForCourse(ctx context.Context, userID, courseID uuid.UUID) (*types.GenerationJob, error) {
	job, err := s.repo.GetLatestByCourseID(ctx, s.db, courseID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	if job.UserID != userID {
		return nil, ErrJobNotOwned
	}
	return job, nil
}
