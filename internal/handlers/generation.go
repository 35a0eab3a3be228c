package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/studyloop/studyloop-backend/internal/services"
	"github.com/studyloop/studyloop-backend/internal/types"
)

type GenerationHandler struct {
	generation services.GenerationService
	status     services.JobStatusService
}

func NewGenerationHandler(generation services.GenerationService, status services.JobStatusService) *GenerationHandler {
	return &GenerationHandler{generation: generation, status: status}
}

type enqueueRequest struct {
	Topic                    string `json:"topic"`
	Difficulty               string `json:"difficulty"`
	Context                  string `json:"context"`
	EstimatedDurationMinutes int    `json:"estimated_duration_minutes"`
	LanguagePreference       string `json:"language_preference"`
	ParadigmPreference       string `json:"paradigm_preference"`
}

// POST /api/courses/generate
func (h *GenerationHandler) Enqueue(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing user"))
		return
	}

	var body enqueueRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}

	req := &types.GenerationRequest{
		UserID:                   userID,
		Topic:                    body.Topic,
		Difficulty:               body.Difficulty,
		Context:                  body.Context,
		EstimatedDurationMinutes: body.EstimatedDurationMinutes,
		LanguagePreference:       body.LanguagePreference,
		ParadigmPreference:       body.ParadigmPreference,
		TriggerSource:            "api",
	}

	job, err := h.generation.Enqueue(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidRequest) {
			RespondError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "enqueue_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// GET /api/generation-jobs/:id
func (h *GenerationHandler) GetJobByID(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing user"))
		return
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}

	job, err := h.status.GetJob(c.Request.Context(), userID, jobID)
	if err != nil {
		respondStatusError(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// GET /api/courses/:id/generation
func (h *GenerationHandler) GetLatestForCourse(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing user"))
		return
	}
	courseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_course_id", err)
		return
	}

	job, err := h.status.GetLatestForCourse(c.Request.Context(), userID, courseID)
	if err != nil {
		respondStatusError(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// POST /api/generation-jobs/:id/cancel
func (h *GenerationHandler) Cancel(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing user"))
		return
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}

	job, err := h.generation.Cancel(c.Request.Context(), userID, jobID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrJobFinished):
			RespondError(c, http.StatusConflict, "job_finished", err)
		default:
			respondStatusError(c, err)
		}
		return
	}
	RespondOK(c, gin.H{"job": job})
}

func respondStatusError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrJobNotFound):
		RespondError(c, http.StatusNotFound, "job_not_found", err)
	case errors.Is(err, services.ErrJobNotOwned):
		RespondError(c, http.StatusForbidden, "forbidden", err)
	default:
		RespondError(c, http.StatusInternalServerError, "internal_error", err)
	}
}
