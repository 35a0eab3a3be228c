package services

import (
	"context"

	"github.com/google/uuid"

	redisclient "github.com/studyloop/studyloop-backend/internal/clients/redis"
	"github.com/studyloop/studyloop-backend/internal/logger"
	"github.com/studyloop/studyloop-backend/internal/sse"
	"github.com/studyloop/studyloop-backend/internal/types"
)

// JobNotifier fans job lifecycle events out to connected SSE clients. When a
// JobBus is configured the event also goes through Redis so every instance
// reaches its own clients.
type JobNotifier interface {
	JobCreated(userID uuid.UUID, job *types.GenerationJob)
	JobProgress(userID uuid.UUID, job *types.GenerationJob, stage string, progress int, message string)
	JobFailed(userID uuid.UUID, job *types.GenerationJob, stage string, errorMessage string)
	JobDone(userID uuid.UUID, job *types.GenerationJob)
	JobCanceled(userID uuid.UUID, job *types.GenerationJob)
}

type jobNotifier struct {
	hub *sse.SSEHub
	bus redisclient.JobBus
	log *logger.Logger
}

func NewJobNotifier(hub *sse.SSEHub, bus redisclient.JobBus, baseLog *logger.Logger) JobNotifier {
	return &jobNotifier{hub: hub, bus: bus, log: baseLog.With("component", "JobNotifier")}
}

func (n *jobNotifier) publish(msg sse.SSEMessage) {
	n.hub.Broadcast(msg)
	if n.bus != nil {
		if err := n.bus.Publish(context.Background(), msg); err != nil {
			n.log.Warn("job bus publish failed", "event", msg.Event, "error", err)
		}
	}
}

func (n *jobNotifier) JobCreated(userID uuid.UUID, job *types.GenerationJob) {
	n.publish(sse.SSEMessage{
		Channel: userID.String(),
		Event:   sse.SSEEventJobCreated,
		Data:    map[string]any{"job": job},
	})
}

func (n *jobNotifier) JobProgress(userID uuid.UUID, job *types.GenerationJob, stage string, progress int, message string) {
	n.publish(sse.SSEMessage{
		Channel: userID.String(),
		Event:   sse.SSEEventJobProgress,
		Data: map[string]any{
			"job_id":      job.ID,
			"job_type":    job.JobType,
			"stage":       stage,
			"progress":    progress,
			"message":     message,
			"step_number": job.StepNumber,
			"total_steps": job.TotalSteps,
			"job":         job,
		},
	})
}

func (n *jobNotifier) JobFailed(userID uuid.UUID, job *types.GenerationJob, stage string, errorMessage string) {
	n.publish(sse.SSEMessage{
		Channel: userID.String(),
		Event:   sse.SSEEventJobFailed,
		Data: map[string]any{
			"job_id":   job.ID,
			"job_type": job.JobType,
			"stage":    stage,
			"error":    errorMessage,
			"job":      job,
		},
	})
}

func (n *jobNotifier) JobDone(userID uuid.UUID, job *types.GenerationJob) {
	n.publish(sse.SSEMessage{
		Channel: userID.String(),
		Event:   sse.SSEEventJobDone,
		Data: map[string]any{
			"job_id":   job.ID,
			"job_type": job.JobType,
			"job":      job,
		},
	})
}

func (n *jobNotifier) JobCanceled(userID uuid.UUID, job *types.GenerationJob) {
	n.publish(sse.SSEMessage{
		Channel: userID.String(),
		Event:   sse.SSEEventJobCanceled,
		Data: map[string]any{
			"job_id":   job.ID,
			"job_type": job.JobType,
			"job":      job,
		},
	})
}
