package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studyloop/studyloop-backend/internal/agent"
	"github.com/studyloop/studyloop-backend/internal/jobs/runtime"
	"github.com/studyloop/studyloop-backend/internal/logger"
	"github.com/studyloop/studyloop-backend/internal/repos"
	"github.com/studyloop/studyloop-backend/internal/types"
)

// CourseGenerationHandler is the worker-side of course generation: it loads
// the request off the claimed job, drives the agent, validates the finished
// tree and persists it transactionally. A retried job re-runs the whole
// orchestration from scratch; persistence replaces any partial content from
// an earlier attempt.
type CourseGenerationHandler struct {
	log          *logger.Logger
	orchestrator *agent.Orchestrator
	courses      repos.CourseRepo
	lessons      repos.LessonRepo
	sections     repos.SectionRepo
}

func NewCourseGenerationHandler(baseLog *logger.Logger, orchestrator *agent.Orchestrator, courses repos.CourseRepo, lessons repos.LessonRepo, sections repos.SectionRepo) *CourseGenerationHandler {
	return &CourseGenerationHandler{
		log:          baseLog.With("handler", JobTypeCourseGeneration),
		orchestrator: orchestrator,
		courses:      courses,
		lessons:      lessons,
		sections:     sections,
	}
}

func (h *CourseGenerationHandler) Type() string { return JobTypeCourseGeneration }

// sinkAdapter routes agent progress events into the job runtime, which owns
// persistence, clamping and fanout.
type sinkAdapter struct{ jc *runtime.Context }

func (s sinkAdapter) Report(ev agent.ProgressEvent) {
	s.jc.ProgressSteps(ev.Stage, ev.Percentage, ev.Message, ev.StepNumber, ev.TotalSteps)
}

func (h *CourseGenerationHandler) Run(jc *runtime.Context) error {
	job := jc.Job

	jc.Progress(types.StageLoadingContext, 5, "loading course context")

	var req types.GenerationRequest
	if err := jc.DecodePayload(&req); err != nil {
		jc.Fail(types.StageLoadingContext, fmt.Errorf("decode payload: %w", err))
		return nil
	}
	if err := req.Validate(); err != nil {
		jc.Fail(types.StageLoadingContext, fmt.Errorf("invalid payload: %w", err))
		return nil
	}

	courses, err := h.courses.GetByIDs(jc.Ctx, jc.DB, []uuid.UUID{job.CourseID})
	if err != nil || len(courses) == 0 {
		if err == nil {
			err = ErrCourseAbsent
		}
		jc.Fail(types.StageLoadingContext, fmt.Errorf("load course %s: %w", job.CourseID, err))
		return nil
	}

	jc.Progress(types.StageBuildingPrompt, 15, "preparing generation prompt")

	tree, err := h.orchestrator.Run(jc.Ctx, &req, sinkAdapter{jc: jc}, jc.Canceled)
	if err != nil {
		if errors.Is(err, agent.ErrCanceled) {
			// Cancel already wrote the terminal status; nothing to persist.
			h.log.Info("generation canceled mid-run", "job_id", job.ID)
			return nil
		}
		var inv *agent.InvariantError
		if errors.As(err, &inv) {
			h.log.Error("agent finished with incomplete plan",
				"job_id", job.ID, "incomplete", strings.Join(inv.Plan.Incomplete(), ","))
		}
		jc.Fail(types.StageAgentRunning, err)
		return nil
	}

	jc.Progress(types.StageValidatingContent, 90, "validating generated content")
	if err := validateTree(tree); err != nil {
		jc.Fail(types.StageValidatingContent, err)
		return nil
	}

	jc.Progress(types.StageStoringContent, 95, "storing course content")
	if err := h.persistTree(jc, job, tree); err != nil {
		jc.Fail(types.StageStoringContent, err)
		return nil
	}

	jc.Succeed(map[string]any{
		"course_id":     job.CourseID,
		"course_slug":   tree.Course.Slug,
		"lesson_count":  len(tree.Lessons),
		"section_count": tree.SectionCount(),
	})
	return nil
}

// validateTree is the last gate before persistence. The agent's tool
// invariants should make these unreachable; a hit here is a defect, not a
// model mistake.
func validateTree(tree *agent.ContentTree) error {
	if tree == nil {
		return fmt.Errorf("agent returned no content")
	}
	if strings.TrimSpace(tree.Course.Title) == "" || strings.TrimSpace(tree.Course.Slug) == "" {
		return fmt.Errorf("course summary missing title or slug")
	}
	if len(tree.Lessons) == 0 {
		return fmt.Errorf("course has no lessons")
	}
	for _, l := range tree.Lessons {
		if strings.TrimSpace(l.Title) == "" || strings.TrimSpace(l.Slug) == "" {
			return fmt.Errorf("lesson missing title or slug")
		}
		if len(l.Sections) == 0 {
			return fmt.Errorf("lesson %s has no sections", l.Slug)
		}
		for _, s := range l.Sections {
			if strings.TrimSpace(s.Body) == "" {
				return fmt.Errorf("section %s/%s has empty body", l.Slug, s.Slug)
			}
		}
	}
	return nil
}

// persistTree writes the finished tree in one transaction, replacing any
// content a previous attempt left behind so retries stay idempotent.
func (h *CourseGenerationHandler) persistTree(jc *runtime.Context, job *types.GenerationJob, tree *agent.ContentTree) error {
	return jc.DB.WithContext(jc.Ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := h.lessons.GetByCourseIDs(jc.Ctx, tx, []uuid.UUID{job.CourseID})
		if err != nil {
			return fmt.Errorf("load existing lessons: %w", err)
		}
		if len(existing) > 0 {
			ids := make([]uuid.UUID, 0, len(existing))
			for _, l := range existing {
				ids = append(ids, l.ID)
			}
			if err := h.sections.DeleteByLessonIDs(jc.Ctx, tx, ids); err != nil {
				return fmt.Errorf("clear stale sections: %w", err)
			}
			if err := h.lessons.DeleteByCourseID(jc.Ctx, tx, job.CourseID); err != nil {
				return fmt.Errorf("clear stale lessons: %w", err)
			}
		}

		if err := h.courses.UpdateFields(jc.Ctx, tx, job.CourseID, map[string]interface{}{
			"title":       tree.Course.Title,
			"slug":        tree.Course.Slug,
			"description": tree.Course.Description,
		}); err != nil {
			return fmt.Errorf("update course: %w", err)
		}

		for li, lc := range tree.Lessons {
			lesson := &types.Lesson{
				ID:          uuid.New(),
				CourseID:    job.CourseID,
				Index:       li,
				Title:       lc.Title,
				Slug:        lc.Slug,
				Description: lc.Description,
			}
			if _, err := h.lessons.Create(jc.Ctx, tx, []*types.Lesson{lesson}); err != nil {
				return fmt.Errorf("create lesson %s: %w", lc.Slug, err)
			}
			rows := make([]*types.Section, 0, len(lc.Sections))
			for si, sc := range lc.Sections {
				rows = append(rows, &types.Section{
					ID:       uuid.New(),
					LessonID: lesson.ID,
					Index:    si,
					Title:    sc.Title,
					Slug:     sc.Slug,
					Body:     sc.Body,
				})
			}
			if _, err := h.sections.Create(jc.Ctx, tx, rows); err != nil {
				return fmt.Errorf("create sections for %s: %w", lc.Slug, err)
			}
		}
		return nil
	})
}
