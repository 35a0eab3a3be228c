package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/studyloop/studyloop-backend/internal/jobs"
	"github.com/studyloop/studyloop-backend/internal/logger"
	"github.com/studyloop/studyloop-backend/internal/repos"
	"github.com/studyloop/studyloop-backend/internal/types"
)

const JobTypeCourseGeneration = "course_generation"

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobNotOwned    = errors.New("job does not belong to user")
	ErrJobFinished    = errors.New("job already finished")
	ErrCourseAbsent   = errors.New("course not found")
	ErrInvalidRequest = errors.New("invalid generation request")
)

// GenerationService owns the write side of course generation: enqueueing
// jobs, canceling them, and the handler the worker dispatches to.
type GenerationService interface {
	Enqueue(ctx context.Context, req *types.GenerationRequest) (*types.GenerationJob, error)
	Cancel(ctx context.Context, userID, jobID uuid.UUID) (*types.GenerationJob, error)
}

type generationService struct {
	db      *gorm.DB
	log     *logger.Logger
	store   jobs.JobStore
	jobRepo repos.GenerationJobRepo
	courses repos.CourseRepo
	notify  JobNotifier
}

func NewGenerationService(db *gorm.DB, baseLog *logger.Logger, store jobs.JobStore, jobRepo repos.GenerationJobRepo, courses repos.CourseRepo, notify JobNotifier) GenerationService {
	return &generationService{
		db:      db,
		log:     baseLog.With("service", "GenerationService"),
		store:   store,
		jobRepo: jobRepo,
		courses: courses,
		notify:  notify,
	}
}

// Enqueue validates the request, creates the placeholder course and the job
// row in one transaction, and emits a created event. The course carries the
// request in its metadata until the agent fills in real content.
func (s *generationService) Enqueue(ctx context.Context, req *types.GenerationRequest) (*types.GenerationJob, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	course := &types.Course{
		ID:         uuid.New(),
		UserID:     req.UserID,
		Title:      fmt.Sprintf("Generating: %s", req.Topic),
		Difficulty: req.Difficulty,
		Metadata:   datatypes.JSON(payload),
	}
	job := &types.GenerationJob{
		UserID:   req.UserID,
		CourseID: course.ID,
		JobType:  JobTypeCourseGeneration,
		Payload:  datatypes.JSON(payload),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.courses.Create(ctx, tx, []*types.Course{course}); err != nil {
			return fmt.Errorf("create placeholder course: %w", err)
		}
		created, err := s.store.Enqueue(ctx, tx, job)
		if err != nil {
			return fmt.Errorf("enqueue job: %w", err)
		}
		job = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("generation job enqueued", "job_id", job.ID, "course_id", course.ID, "user_id", req.UserID, "trigger", req.TriggerSource)
	if s.notify != nil {
		s.notify.JobCreated(req.UserID, job)
	}
	return job, nil
}

// Cancel flips a queued, running or retry-pending job to canceled. A running
// attempt notices at its next checkpoint; the worker never interrupts a tool
// mid-flight.
func (s *generationService) Cancel(ctx context.Context, userID, jobID uuid.UUID) (*types.GenerationJob, error) {
	rows, err := s.jobRepo.GetByIDs(ctx, s.db, []uuid.UUID{jobID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrJobNotFound
	}
	job := rows[0]
	if job.UserID != userID {
		return nil, ErrJobNotOwned
	}

	ok, err := s.jobRepo.MarkCanceled(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobFinished
	}

	rows, err = s.jobRepo.GetByIDs(ctx, s.db, []uuid.UUID{jobID})
	if err == nil && len(rows) > 0 {
		job = rows[0]
	}
	s.log.Info("generation job canceled", "job_id", jobID, "user_id", userID)
	if s.notify != nil {
		s.notify.JobCanceled(userID, job)
	}
	return job, nil
}
