package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/studyloop/studyloop-backend/internal/repos"
	"github.com/studyloop/studyloop-backend/internal/types"
)

// Notifier is the side-channel the runtime publishes lifecycle events on.
// services.JobNotifier satisfies it; the indirection keeps this package free
// of a services import.
type Notifier interface {
	JobProgress(userID uuid.UUID, job *types.GenerationJob, stage string, pct int, msg string)
	JobFailed(userID uuid.UUID, job *types.GenerationJob, stage string, errMsg string)
	JobDone(userID uuid.UUID, job *types.GenerationJob)
}

// Context is the execution contract between the job system and handler code.
// It wraps the claimed job row, the repo, and the only sanctioned ways to
// report progress or terminate execution. Handlers never write generation_job
// directly.
type Context struct {
	Ctx     context.Context
	DB      *gorm.DB
	Job     *types.GenerationJob
	Repo    repos.GenerationJobRepo
	Notify  Notifier
	payload map[string]any
}

// NewContext builds a Context for a claimed job. The payload JSON is decoded
// eagerly; a malformed payload yields an empty map and handlers validate
// required fields themselves.
func NewContext(ctx context.Context, db *gorm.DB, job *types.GenerationJob, repo repos.GenerationJobRepo, notify Notifier) *Context {
	c := &Context{
		Ctx:    ctx,
		DB:     db,
		Job:    job,
		Repo:   repo,
		Notify: notify,
	}
	_ = c.decodePayload()
	return c
}

func (c *Context) decodePayload() error {
	if c.Job == nil {
		return nil
	}
	if len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload never returns nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// DecodePayload unmarshals the raw payload into a typed value.
func (c *Context) DecodePayload(out any) error {
	if c.Job == nil || len(c.Job.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(c.Job.Payload, out)
}

// Canceled re-reads the job row and reports whether it was canceled
// out-of-band. Handlers poll this between units of work; a read failure is
// treated as not-canceled so transient DB errors never abort a run.
func (c *Context) Canceled() bool {
	if c.Job == nil || c.Job.ID == uuid.Nil {
		return false
	}
	rows, err := c.Repo.GetByIDs(c.Ctx, c.DB, []uuid.UUID{c.Job.ID})
	if err != nil || len(rows) == 0 {
		return false
	}
	return rows[0].Status == types.JobStatusCanceled
}

// Progress publishes a non-terminal update: stage/progress/message plus a
// heartbeat refresh, guarded so canceled jobs are never overwritten. The
// persisted percentage never moves backwards, including across retries of
// the same job.
func (c *Context) Progress(stage string, pct int, msg string) {
	c.ProgressSteps(stage, pct, msg, 0, 0)
}

// ProgressSteps is Progress with agent step counters attached.
func (c *Context) ProgressSteps(stage string, pct int, msg string, stepNumber, totalSteps int) {
	if c == nil || c.Job == nil {
		return
	}
	if pct < c.Job.Progress {
		pct = c.Job.Progress
	}
	now := time.Now()

	updates := map[string]interface{}{
		"stage":        stage,
		"progress":     pct,
		"message":      msg,
		"heartbeat_at": now,
		"updated_at":   now,
	}
	if stepNumber > 0 {
		updates["step_number"] = stepNumber
	}
	if totalSteps > 0 {
		updates["total_steps"] = totalSteps
	}

	if c.Repo != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.Ctx, c.DB, c.Job.ID, []string{types.JobStatusCanceled}, updates)
		if !ok {
			return
		}
	}

	c.Job.Stage = stage
	c.Job.Progress = pct
	c.Job.Message = msg
	c.Job.HeartbeatAt = &now
	c.Job.UpdatedAt = now
	if stepNumber > 0 {
		c.Job.StepNumber = stepNumber
	}
	if totalSteps > 0 {
		c.Job.TotalSteps = totalSteps
	}

	if c.Notify != nil {
		c.Notify.JobProgress(c.Job.UserID, c.Job, stage, pct, msg)
	}
}

// Fail records a failed attempt. The row stays claimable until attempts
// reaches the policy maximum; the claim query owns retry timing. A canceled
// job is never overwritten. The last progress message is left in place so
// pollers see what the job was doing when it failed.
func (c *Context) Fail(stage string, err error) {
	if c == nil || c.Job == nil {
		return
	}
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	if c.Repo != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.Ctx, c.DB, c.Job.ID, []string{types.JobStatusCanceled}, map[string]interface{}{
			"status":        types.JobStatusFailed,
			"stage":         stage,
			"error":         msg,
			"last_error_at": now,
			"locked_at":     nil,
			"updated_at":    now,
		})
		if !ok {
			return
		}
	}

	c.Job.Status = types.JobStatusFailed
	c.Job.Stage = stage
	c.Job.Error = msg
	c.Job.LastErrorAt = &now
	c.Job.LockedAt = nil
	c.Job.UpdatedAt = now

	if c.Notify != nil {
		c.Notify.JobFailed(c.Job.UserID, c.Job, stage, msg)
	}
}

// Succeed marks the job terminally succeeded with a result payload.
func (c *Context) Succeed(result any) {
	if c == nil || c.Job == nil {
		return
	}
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}

	if c.Repo != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.Ctx, c.DB, c.Job.ID, []string{types.JobStatusCanceled}, map[string]interface{}{
			"status":       types.JobStatusSucceeded,
			"stage":        types.StageDone,
			"progress":     100,
			"message":      "",
			"error":        "",
			"result":       res,
			"locked_at":    nil,
			"heartbeat_at": now,
			"finished_at":  now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	c.Job.Status = types.JobStatusSucceeded
	c.Job.Stage = types.StageDone
	c.Job.Progress = 100
	c.Job.Message = ""
	c.Job.Error = ""
	c.Job.Result = res
	c.Job.LockedAt = nil
	c.Job.HeartbeatAt = &now
	c.Job.FinishedAt = &now
	c.Job.UpdatedAt = now

	if c.Notify != nil {
		c.Notify.JobDone(c.Job.UserID, c.Job)
	}
}
