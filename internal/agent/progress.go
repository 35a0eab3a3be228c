package agent

// ProgressEvent is the value every component of the pipeline emits and the
// status endpoint serves. Only the latest event is kept per job.
type ProgressEvent struct {
	Stage      string `json:"stage"`
	Percentage int    `json:"percentage"`
	Message    string `json:"message"`
	StepNumber int    `json:"step_number,omitempty"`
	TotalSteps int    `json:"total_steps,omitempty"`
}

// ProgressSink receives progress events. The job runtime implements it with
// a persistent, monotonic-clamped write.
type ProgressSink interface {
	Report(ev ProgressEvent)
}

// The first 15% of a job belongs to pre-agent setup (context loading, prompt
// building) reported by the job handler; the agent owns the 70% above it and
// the final 15% covers validation and persistence.
const (
	agentBasePercent = 15
	agentSpanPercent = 70
	agentDonePercent = agentBasePercent + agentSpanPercent
)

// agentPercentage maps plan completion onto the agent's progress window.
// Pinned at the base before a plan exists; monotone and bounded regardless
// of plan size.
func agentPercentage(done, total int) int {
	if total < 1 {
		total = 1
	}
	if done < 0 {
		done = 0
	}
	if done > total {
		done = total
	}
	return agentBasePercent + (agentSpanPercent*done)/total
}
