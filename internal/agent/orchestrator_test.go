package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/studyloop/studyloop-backend/internal/logger"
	"github.com/studyloop/studyloop-backend/internal/platform/openai"
	"github.com/studyloop/studyloop-backend/internal/types"
)

type scriptedLLM struct {
	turns []func(conv []openai.ConversationItem) (*openai.Turn, error)
	calls int
	convs [][]openai.ConversationItem
}

func (f *scriptedLLM) GenerateToolCalls(ctx context.Context, system string, conv []openai.ConversationItem, tools []openai.ToolDefinition) (*openai.Turn, error) {
	f.convs = append(f.convs, append([]openai.ConversationItem(nil), conv...))
	if f.calls >= len(f.turns) {
		return nil, fmt.Errorf("script exhausted after %d calls", f.calls)
	}
	fn := f.turns[f.calls]
	f.calls++
	return fn(conv)
}

func fixedTurn(calls ...openai.ToolCall) func([]openai.ConversationItem) (*openai.Turn, error) {
	return func([]openai.ConversationItem) (*openai.Turn, error) {
		return &openai.Turn{ToolCalls: calls}, nil
	}
}

type recordingSink struct {
	events []ProgressEvent
}

func (s *recordingSink) Report(ev ProgressEvent) { s.events = append(s.events, ev) }

type retryableErr struct{ code int }

func (e *retryableErr) Error() string       { return fmt.Sprintf("http %d", e.code) }
func (e *retryableErr) HTTPStatusCode() int { return e.code }

func neverCanceled() bool { return false }

func testRequest() *types.GenerationRequest {
	return &types.GenerationRequest{
		Topic:                    "recursion",
		Difficulty:               "beginner",
		EstimatedDurationMinutes: 30,
		TriggerSource:            "test",
	}
}

func testOrchestrator(llm openai.Client, cfg Config) *Orchestrator {
	return NewOrchestrator(logger.NewNop(), llm, cfg)
}

func TestOrchestratorRun_HappyPath(t *testing.T) {
	llm := &scriptedLLM{turns: []func([]openai.ConversationItem) (*openai.Turn, error){
		fixedTurn(openai.ToolCall{CallID: "c1", Name: ToolPlan,
			Arguments: `{"lessons":[{"title":"Basics","slug":"basics","section_titles":["What","Base case"]}]}`}),
		fixedTurn(
			openai.ToolCall{CallID: "c2", Name: ToolCreateLesson,
				Arguments: `{"title":"Basics","slug":"basics","description":"d"}`},
			openai.ToolCall{CallID: "c3", Name: ToolCreateSection,
				Arguments: `{"lesson_slug":"basics","title":"What","slug":"what","content":"body one"}`},
			openai.ToolCall{CallID: "c4", Name: ToolCreateSection,
				Arguments: `{"lesson_slug":"basics","title":"Base case","slug":"base-case","content":"body two"}`},
			openai.ToolCall{CallID: "c5", Name: ToolFinishWithSummary,
				Arguments: `{"title":"Recursion","slug":"recursion","description":"d"}`},
		),
	}}
	sink := &recordingSink{}

	tree, err := testOrchestrator(llm, Config{}).Run(context.Background(), testRequest(), sink, neverCanceled)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if tree.Course.Slug != "recursion" {
		t.Fatalf("unexpected course slug %q", tree.Course.Slug)
	}
	if len(tree.Lessons) != 1 || tree.SectionCount() != 2 {
		t.Fatalf("unexpected tree shape: %d lessons, %d sections", len(tree.Lessons), tree.SectionCount())
	}
	if llm.calls != 2 {
		t.Fatalf("expected 2 model calls, got %d", llm.calls)
	}

	prev := -1
	for _, ev := range sink.events {
		if ev.Percentage < prev {
			t.Fatalf("progress regressed: %d after %d", ev.Percentage, prev)
		}
		prev = ev.Percentage
	}
	last := sink.events[len(sink.events)-1]
	if last.Percentage != agentDonePercent {
		t.Fatalf("expected final percentage %d, got %d", agentDonePercent, last.Percentage)
	}
}

func TestOrchestratorRun_StepBudgetExceeded(t *testing.T) {
	textTurn := func([]openai.ConversationItem) (*openai.Turn, error) {
		return &openai.Turn{Text: "thinking about it"}, nil
	}
	llm := &scriptedLLM{turns: []func([]openai.ConversationItem) (*openai.Turn, error){textTurn, textTurn, textTurn}}

	_, err := testOrchestrator(llm, Config{MaxSteps: 2}).Run(context.Background(), testRequest(), &recordingSink{}, neverCanceled)
	if !errors.Is(err, ErrStepBudgetExceeded) {
		t.Fatalf("expected ErrStepBudgetExceeded, got %v", err)
	}
	if llm.calls != 2 {
		t.Fatalf("expected exactly 2 model calls, got %d", llm.calls)
	}
}

func TestOrchestratorRun_WallClockExceeded(t *testing.T) {
	llm := &scriptedLLM{}
	_, err := testOrchestrator(llm, Config{MaxWallClock: time.Nanosecond}).Run(context.Background(), testRequest(), &recordingSink{}, neverCanceled)
	if !errors.Is(err, ErrWallClockExceeded) {
		t.Fatalf("expected ErrWallClockExceeded, got %v", err)
	}
	if llm.calls != 0 {
		t.Fatalf("expected no model calls, got %d", llm.calls)
	}
}

func TestOrchestratorRun_CanceledBeforeFirstCall(t *testing.T) {
	llm := &scriptedLLM{}
	_, err := testOrchestrator(llm, Config{}).Run(context.Background(), testRequest(), &recordingSink{}, func() bool { return true })
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if llm.calls != 0 {
		t.Fatalf("expected no model calls, got %d", llm.calls)
	}
}

func TestOrchestratorRun_ToolErrorFedBackToModel(t *testing.T) {
	llm := &scriptedLLM{turns: []func([]openai.ConversationItem) (*openai.Turn, error){
		// finish before plan: recoverable, must come back as a tool output
		fixedTurn(openai.ToolCall{CallID: "c1", Name: ToolFinishWithSummary,
			Arguments: `{"title":"T","slug":"t","description":"d"}`}),
		fixedTurn(openai.ToolCall{CallID: "c2", Name: ToolPlan,
			Arguments: `{"lessons":[{"title":"A","slug":"a","section_titles":["S"]}]}`}),
		fixedTurn(
			openai.ToolCall{CallID: "c3", Name: ToolCreateLesson,
				Arguments: `{"title":"A","slug":"a","description":"d"}`},
			openai.ToolCall{CallID: "c4", Name: ToolCreateSection,
				Arguments: `{"lesson_slug":"a","title":"S","slug":"s","content":"body"}`},
			openai.ToolCall{CallID: "c5", Name: ToolFinishWithSummary,
				Arguments: `{"title":"T","slug":"t","description":"d"}`},
		),
	}}

	tree, err := testOrchestrator(llm, Config{}).Run(context.Background(), testRequest(), &recordingSink{}, neverCanceled)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if tree.Course.Slug != "t" {
		t.Fatalf("unexpected course slug %q", tree.Course.Slug)
	}

	// the second call must see the rejected finish as a function_call_output
	secondConv := llm.convs[1]
	found := false
	for _, item := range secondConv {
		if item.Type == "function_call_output" && strings.Contains(item.Output, "plan_required") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected plan_required tool output in conversation, got %+v", secondConv)
	}
}

func TestOrchestratorRun_InvariantFailureEndsRun(t *testing.T) {
	llm := &scriptedLLM{turns: []func([]openai.ConversationItem) (*openai.Turn, error){
		fixedTurn(openai.ToolCall{CallID: "c1", Name: ToolPlan,
			Arguments: `{"lessons":[{"title":"A","slug":"a","section_titles":["S1","S2"]}]}`}),
		fixedTurn(
			openai.ToolCall{CallID: "c2", Name: ToolCreateLesson,
				Arguments: `{"title":"A","slug":"a","description":"d"}`},
			openai.ToolCall{CallID: "c3", Name: ToolFinishWithSummary,
				Arguments: `{"title":"T","slug":"t","description":"d"}`},
		),
	}}

	_, err := testOrchestrator(llm, Config{}).Run(context.Background(), testRequest(), &recordingSink{}, neverCanceled)
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvariantError, got %v", err)
	}
}

func TestOrchestratorGenerate_RetriesRetryableErrors(t *testing.T) {
	attempts := 0
	flaky := func([]openai.ConversationItem) (*openai.Turn, error) {
		attempts++
		if attempts <= 2 {
			return nil, &retryableErr{code: 503}
		}
		return &openai.Turn{Text: "ok"}, nil
	}
	llm := &scriptedLLM{turns: []func([]openai.ConversationItem) (*openai.Turn, error){flaky, flaky, flaky}}

	o := testOrchestrator(llm, Config{ProviderRetryBackoff: time.Millisecond})
	turn, err := o.generate(context.Background(), "sys", nil, nil)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if turn.Text != "ok" {
		t.Fatalf("unexpected turn %+v", turn)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestOrchestratorGenerate_NonRetryableEscalates(t *testing.T) {
	llm := &scriptedLLM{turns: []func([]openai.ConversationItem) (*openai.Turn, error){
		func([]openai.ConversationItem) (*openai.Turn, error) {
			return nil, &retryableErr{code: 400}
		},
	}}

	o := testOrchestrator(llm, Config{ProviderRetryBackoff: time.Millisecond})
	if _, err := o.generate(context.Background(), "sys", nil, nil); err == nil {
		t.Fatalf("expected error")
	}
	if llm.calls != 1 {
		t.Fatalf("expected single attempt, got %d", llm.calls)
	}
}
