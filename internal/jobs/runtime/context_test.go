package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studyloop/studyloop-backend/internal/types"
)

var errTest = errors.New("boom")

// fakeJobRepo keeps one job row in memory and mimics the status guard of the
// real UpdateFieldsUnlessStatus.
type fakeJobRepo struct {
	job        *types.GenerationJob
	updates    []map[string]interface{}
	heartbeats int
}

func (f *fakeJobRepo) Create(ctx context.Context, tx *gorm.DB, jobs []*types.GenerationJob) ([]*types.GenerationJob, error) {
	return jobs, nil
}

func (f *fakeJobRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.GenerationJob, error) {
	if f.job == nil {
		return nil, nil
	}
	return []*types.GenerationJob{f.job}, nil
}

func (f *fakeJobRepo) GetLatestByCourseID(ctx context.Context, tx *gorm.DB, courseID uuid.UUID) (*types.GenerationJob, error) {
	return f.job, nil
}

func (f *fakeJobRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, maxAttempts int, retryBase, staleRunning time.Duration) (*types.GenerationJob, error) {
	return nil, nil
}

func (f *fakeJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	f.updates = append(f.updates, updates)
	return nil
}

func (f *fakeJobRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, excluded []string, updates map[string]interface{}) (bool, error) {
	for _, s := range excluded {
		if f.job.Status == s {
			return false, nil
		}
	}
	f.updates = append(f.updates, updates)
	if s, ok := updates["status"].(string); ok {
		f.job.Status = s
	}
	return true, nil
}

func (f *fakeJobRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	f.heartbeats++
	return nil
}

func (f *fakeJobRepo) MarkCanceled(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error) {
	if f.job.Status == types.JobStatusSucceeded || f.job.Status == types.JobStatusCanceled {
		return false, nil
	}
	f.job.Status = types.JobStatusCanceled
	return true, nil
}

type recordingNotifier struct {
	progress, failed, done int
}

func (n *recordingNotifier) JobProgress(userID uuid.UUID, job *types.GenerationJob, stage string, pct int, msg string) {
	n.progress++
}
func (n *recordingNotifier) JobFailed(userID uuid.UUID, job *types.GenerationJob, stage string, errMsg string) {
	n.failed++
}
func (n *recordingNotifier) JobDone(userID uuid.UUID, job *types.GenerationJob) { n.done++ }

func newTestContext(t *testing.T) (*Context, *fakeJobRepo, *recordingNotifier) {
	t.Helper()
	repo := &fakeJobRepo{job: &types.GenerationJob{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Status: types.JobStatusRunning,
	}}
	notify := &recordingNotifier{}
	jc := NewContext(context.Background(), nil, repo.job, repo, notify)
	return jc, repo, notify
}

func TestContextProgress_NeverMovesBackwards(t *testing.T) {
	jc, _, _ := newTestContext(t)

	jc.Progress(types.StageAgentRunning, 40, "forward")
	if jc.Job.Progress != 40 {
		t.Fatalf("expected 40, got %d", jc.Job.Progress)
	}

	jc.Progress(types.StageAgentRunning, 25, "stale write")
	if jc.Job.Progress != 40 {
		t.Fatalf("progress regressed to %d", jc.Job.Progress)
	}

	jc.Progress(types.StageValidatingContent, 90, "forward again")
	if jc.Job.Progress != 90 {
		t.Fatalf("expected 90, got %d", jc.Job.Progress)
	}
}

func TestContextProgress_RefreshesHeartbeat(t *testing.T) {
	jc, repo, _ := newTestContext(t)

	jc.Progress(types.StageAgentRunning, 20, "working")
	if jc.Job.HeartbeatAt == nil {
		t.Fatalf("expected heartbeat timestamp")
	}
	if len(repo.updates) != 1 {
		t.Fatalf("expected one persisted update, got %d", len(repo.updates))
	}
	if _, ok := repo.updates[0]["heartbeat_at"]; !ok {
		t.Fatalf("progress write must refresh heartbeat_at")
	}
}

func TestContextProgress_StepCountersPersisted(t *testing.T) {
	jc, repo, _ := newTestContext(t)

	jc.ProgressSteps(types.StageAgentRunning, 30, "step", 7, 50)
	if jc.Job.StepNumber != 7 || jc.Job.TotalSteps != 50 {
		t.Fatalf("expected counters 7/50, got %d/%d", jc.Job.StepNumber, jc.Job.TotalSteps)
	}
	if repo.updates[0]["step_number"] != 7 {
		t.Fatalf("step_number must be persisted")
	}
}

func TestContextWrites_DroppedForCanceledJob(t *testing.T) {
	jc, repo, notify := newTestContext(t)
	repo.job.Status = types.JobStatusCanceled

	jc.Progress(types.StageAgentRunning, 50, "too late")
	jc.Fail(types.StageAgentRunning, errTest)
	jc.Succeed(map[string]any{"x": 1})

	if len(repo.updates) != 0 {
		t.Fatalf("canceled job must not be overwritten, got %d writes", len(repo.updates))
	}
	if notify.progress != 0 || notify.failed != 0 || notify.done != 0 {
		t.Fatalf("rejected writes must not notify")
	}
	if repo.job.Status != types.JobStatusCanceled {
		t.Fatalf("status changed to %q", repo.job.Status)
	}
}

func TestContextFail_LeavesRowClaimable(t *testing.T) {
	jc, repo, notify := newTestContext(t)

	jc.Fail(types.StageStoringContent, errTest)

	if jc.Job.Status != types.JobStatusFailed {
		t.Fatalf("expected failed, got %q", jc.Job.Status)
	}
	last := repo.updates[len(repo.updates)-1]
	if v, ok := last["locked_at"]; !ok || v != nil {
		t.Fatalf("fail must clear locked_at, got %v", v)
	}
	if last["last_error_at"] == nil {
		t.Fatalf("fail must stamp last_error_at")
	}
	if notify.failed != 1 {
		t.Fatalf("expected failed notification")
	}
}

func TestContextFail_PreservesLastProgressMessage(t *testing.T) {
	jc, repo, _ := newTestContext(t)

	jc.Progress(types.StageAgentRunning, 50, "halfway through lesson 2")
	jc.Fail(types.StageAgentRunning, errTest)

	if jc.Job.Message != "halfway through lesson 2" {
		t.Fatalf("fail must not clear the progress message, got %q", jc.Job.Message)
	}
	last := repo.updates[len(repo.updates)-1]
	if _, ok := last["message"]; ok {
		t.Fatalf("fail must not write the message column")
	}
	if last["error"] != errTest.Error() {
		t.Fatalf("expected error %q persisted, got %v", errTest.Error(), last["error"])
	}
}

func TestContextSucceed_TerminalState(t *testing.T) {
	jc, _, notify := newTestContext(t)

	jc.Succeed(map[string]any{"lesson_count": 3})

	if jc.Job.Status != types.JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %q", jc.Job.Status)
	}
	if jc.Job.Progress != 100 || jc.Job.Stage != types.StageDone {
		t.Fatalf("expected 100%%/done, got %d%%/%s", jc.Job.Progress, jc.Job.Stage)
	}
	if jc.Job.FinishedAt == nil {
		t.Fatalf("expected finished_at")
	}
	if len(jc.Job.Result) == 0 {
		t.Fatalf("expected serialized result")
	}
	if notify.done != 1 {
		t.Fatalf("expected done notification")
	}
}

func TestContextCanceled_ReflectsStoredStatus(t *testing.T) {
	jc, repo, _ := newTestContext(t)

	if jc.Canceled() {
		t.Fatalf("running job must not report canceled")
	}
	repo.job.Status = types.JobStatusCanceled
	if !jc.Canceled() {
		t.Fatalf("canceled job must report canceled")
	}
}

func TestContextPayload_DecodesJSON(t *testing.T) {
	repo := &fakeJobRepo{job: &types.GenerationJob{
		ID:      uuid.New(),
		Status:  types.JobStatusRunning,
		Payload: []byte(`{"topic":"graphs","difficulty":"beginner"}`),
	}}
	jc := NewContext(context.Background(), nil, repo.job, repo, nil)

	if jc.Payload()["topic"] != "graphs" {
		t.Fatalf("unexpected payload %+v", jc.Payload())
	}
	var req types.GenerationRequest
	if err := jc.DecodePayload(&req); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if req.Topic != "graphs" {
		t.Fatalf("unexpected request %+v", req)
	}
}
