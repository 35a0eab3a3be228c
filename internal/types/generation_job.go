package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Job status values. A job is terminal once it reaches succeeded, canceled,
// or failed with attempts >= max. A failed row below the attempt cap is the
// "delayed" state: it becomes claimable again after the backoff cutoff.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

// Stage taxonomy reported through the progress protocol.
const (
	StageLoadingContext    = "loading_context"
	StageBuildingPrompt    = "building_prompt"
	StageAgentRunning      = "agent_running"
	StageValidatingContent = "validating_content"
	StageStoringContent    = "storing_content"
	StageDone              = "done"
)

type GenerationJob struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	CourseID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"course_id"`
	JobType     string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	Stage       string         `gorm:"column:stage;not null;index" json:"stage"`
	Progress    int            `gorm:"column:progress;not null;default:0" json:"progress"`
	StepNumber  int            `gorm:"column:step_number;not null;default:0" json:"step_number"`
	TotalSteps  int            `gorm:"column:total_steps;not null;default:0" json:"total_steps"`
	Message     string         `gorm:"column:message" json:"message"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	LastErrorAt *time.Time     `gorm:"column:last_error_at;index" json:"last_error_at,omitempty"`
	LockedAt    *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Result      datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt  *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (GenerationJob) TableName() string { return "generation_job" }

// Terminal reports whether no further status transitions can occur.
func (j *GenerationJob) Terminal(maxAttempts int) bool {
	switch j.Status {
	case JobStatusSucceeded, JobStatusCanceled:
		return true
	case JobStatusFailed:
		return j.Attempts >= maxAttempts
	default:
		return false
	}
}
