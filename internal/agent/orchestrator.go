package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/studyloop/studyloop-backend/internal/logger"
	"github.com/studyloop/studyloop-backend/internal/pkg/httpx"
	"github.com/studyloop/studyloop-backend/internal/platform/openai"
	"github.com/studyloop/studyloop-backend/internal/types"
)

const (
	defaultMaxSteps             = 50
	defaultMaxWallClock         = 10 * time.Minute
	defaultProviderRetries      = 3
	defaultProviderRetryBackoff = 2 * time.Second
)

// Config bounds a single orchestration run. Zero values fall back to the
// defaults above.
type Config struct {
	MaxSteps             int
	MaxWallClock         time.Duration
	ProviderRetries      int
	ProviderRetryBackoff time.Duration
}

// CancelCheck reports whether the job was canceled out-of-band. It is polled
// before every provider call and every tool execution; the agent never
// interrupts a tool mid-flight.
type CancelCheck func() bool

// Orchestrator drives the bounded tool-calling loop that turns a generation
// request into a full ContentTree. It owns no persistence: progress goes out
// through the sink and the finished tree is returned to the caller.
type Orchestrator struct {
	log *logger.Logger
	llm openai.Client
	cfg Config
}

func NewOrchestrator(log *logger.Logger, llm openai.Client, cfg Config) *Orchestrator {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.MaxWallClock <= 0 {
		cfg.MaxWallClock = defaultMaxWallClock
	}
	if cfg.ProviderRetries <= 0 {
		cfg.ProviderRetries = defaultProviderRetries
	}
	if cfg.ProviderRetryBackoff <= 0 {
		cfg.ProviderRetryBackoff = defaultProviderRetryBackoff
	}
	return &Orchestrator{log: log, llm: llm, cfg: cfg}
}

// Run executes the agent loop until finish_with_summary succeeds or a budget,
// cancellation, invariant or provider failure ends it. Tool calls within one
// model turn execute sequentially in the order the model emitted them.
func (o *Orchestrator) Run(ctx context.Context, req *types.GenerationRequest, sink ProgressSink, canceled CancelCheck) (*ContentTree, error) {
	st := newToolState()
	tools := toolDefinitions()
	system := systemPrompt()
	conversation := []openai.ConversationItem{openai.UserMessage(userPrompt(req))}

	deadline := time.Now().Add(o.cfg.MaxWallClock)
	step := 0

	for {
		if canceled() {
			return nil, ErrCanceled
		}
		if time.Now().After(deadline) {
			return nil, ErrWallClockExceeded
		}
		if step >= o.cfg.MaxSteps {
			return nil, ErrStepBudgetExceeded
		}

		turn, err := o.generate(ctx, system, conversation, tools)
		if err != nil {
			return nil, err
		}

		if len(turn.ToolCalls) == 0 {
			// A plain text reply makes no forward progress. Nudge the model
			// back onto the tool rails; the wasted turn still costs a step.
			step++
			o.log.Warn("model replied without tool calls", "step", step, "text_len", len(turn.Text))
			conversation = append(conversation, openai.UserMessage(
				"Respond only with tool calls. Continue building the course with the plan, create_lesson, create_section and finish_with_summary tools."))
			continue
		}

		for _, tc := range turn.ToolCalls {
			if canceled() {
				return nil, ErrCanceled
			}
			if time.Now().After(deadline) {
				return nil, ErrWallClockExceeded
			}
			step++
			if step > o.cfg.MaxSteps {
				return nil, ErrStepBudgetExceeded
			}

			out, err := runToolCall(o.log, sink, st, step, o.cfg.MaxSteps, tc.Name, tc.Arguments)
			if err != nil {
				return nil, err
			}
			conversation = append(conversation,
				openai.AssistantToolCall(tc),
				openai.ToolOutput(tc.CallID, out))

			if st.finished {
				sink.Report(ProgressEvent{
					Stage:      types.StageAgentRunning,
					Percentage: agentDonePercent,
					Message:    "course content complete",
					StepNumber: step,
					TotalSteps: o.cfg.MaxSteps,
				})
				return st.tree, nil
			}
		}
	}
}

// generate calls the provider with a bounded retry loop. Only transport and
// retryable HTTP failures are retried; everything else escalates immediately.
func (o *Orchestrator) generate(ctx context.Context, system string, conversation []openai.ConversationItem, tools []openai.ToolDefinition) (*openai.Turn, error) {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.ProviderRetries; attempt++ {
		if attempt > 0 {
			wait := httpx.JitterSleep(o.cfg.ProviderRetryBackoff * time.Duration(1<<(attempt-1)))
			o.log.Warn("retrying model call", "attempt", attempt, "wait", wait, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		turn, err := o.llm.GenerateToolCalls(ctx, system, conversation, tools)
		if err == nil {
			return turn, nil
		}
		if !httpx.IsRetryableError(err) {
			return nil, fmt.Errorf("model call failed: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("model call failed after %d retries: %w", o.cfg.ProviderRetries, lastErr)
}

func systemPrompt() string {
	return strings.Join([]string{
		"You are a course author. You build one complete course through tool calls only.",
		"Rules:",
		"1. Your first tool call must be plan, committing every lesson and its section titles. plan can only be called once.",
		"2. Create each planned lesson with create_lesson, then its sections with create_section. Sections carry the full teaching text in markdown.",
		"3. Every slug is lowercase letters, digits and hyphens.",
		"4. When every planned section exists, call finish_with_summary exactly once with the course title, slug and description. It must be your last call.",
		"5. If a tool rejects a call, read its error and correct yourself; never repeat a rejected call unchanged.",
	}, "\n")
}

func userPrompt(req *types.GenerationRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Build a %s-level course about: %s\n", req.Difficulty, req.Topic)
	fmt.Fprintf(&b, "Target total duration: about %d minutes of study.\n", req.EstimatedDurationMinutes)
	if req.LanguagePreference != "" {
		fmt.Fprintf(&b, "Write all content in %s.\n", req.LanguagePreference)
	}
	if req.ParadigmPreference != "" {
		fmt.Fprintf(&b, "Preferred teaching style: %s.\n", req.ParadigmPreference)
	}
	if req.Context != "" {
		fmt.Fprintf(&b, "Additional context from the learner:\n%s\n", req.Context)
	}
	return b.String()
}
