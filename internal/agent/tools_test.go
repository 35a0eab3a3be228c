package agent

import (
	"errors"
	"testing"
)

func mustToolError(t *testing.T, err error, code string) {
	t.Helper()
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if te.Code != code {
		t.Fatalf("expected code %q, got %q (%s)", code, te.Code, te.Message)
	}
}

func planOneLesson(t *testing.T, st *toolState) {
	t.Helper()
	_, err := executeTool(st, ToolPlan, `{"lessons":[{"title":"Intro","slug":"intro","section_titles":["What","Why"]}]}`)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
}

func TestExecuteTool_FinishBeforePlanIsRecoverable(t *testing.T) {
	st := newToolState()
	_, err := executeTool(st, ToolFinishWithSummary, `{"title":"T","slug":"t","description":"d"}`)
	mustToolError(t, err, "plan_required")
	if st.finished {
		t.Fatalf("state must not be finished")
	}
}

func TestExecuteTool_PlanOnlyOnce(t *testing.T) {
	st := newToolState()
	planOneLesson(t, st)
	_, err := executeTool(st, ToolPlan, `{"lessons":[{"title":"X","slug":"x","section_titles":["a"]}]}`)
	mustToolError(t, err, "plan_already_set")
	if len(st.plan.Lessons) != 1 {
		t.Fatalf("rejected plan must not mutate state")
	}
}

func TestExecuteTool_PlanRejectsBadSlugs(t *testing.T) {
	st := newToolState()
	_, err := executeTool(st, ToolPlan, `{"lessons":[{"title":"X","slug":"Bad Slug!","section_titles":["a"]}]}`)
	mustToolError(t, err, "invalid_slug")
	if st.plan.Established() {
		t.Fatalf("invalid plan must not be committed")
	}
}

func TestExecuteTool_PlanRejectsDuplicateSlugs(t *testing.T) {
	st := newToolState()
	_, err := executeTool(st, ToolPlan, `{"lessons":[{"title":"A","slug":"x","section_titles":["a"]},{"title":"B","slug":"x","section_titles":["b"]}]}`)
	mustToolError(t, err, "duplicate_slug")
}

func TestExecuteTool_CreateLessonRequiresPlanEntry(t *testing.T) {
	st := newToolState()
	planOneLesson(t, st)
	_, err := executeTool(st, ToolCreateLesson, `{"title":"Ghost","slug":"ghost","description":"d"}`)
	mustToolError(t, err, "unknown_lesson")
}

func TestExecuteTool_CreateLessonOnlyOnce(t *testing.T) {
	st := newToolState()
	planOneLesson(t, st)
	if _, err := executeTool(st, ToolCreateLesson, `{"title":"Intro","slug":"intro","description":"d"}`); err != nil {
		t.Fatalf("create_lesson failed: %v", err)
	}
	_, err := executeTool(st, ToolCreateLesson, `{"title":"Intro","slug":"intro","description":"d"}`)
	mustToolError(t, err, "duplicate_lesson")
}

func TestExecuteTool_CreateSectionRequiresCreatedLesson(t *testing.T) {
	st := newToolState()
	planOneLesson(t, st)
	_, err := executeTool(st, ToolCreateSection, `{"lesson_slug":"intro","title":"W","slug":"w","content":"body"}`)
	mustToolError(t, err, "unknown_lesson")
}

func TestExecuteTool_CreateSectionNeverExceedsPlan(t *testing.T) {
	st := newToolState()
	planOneLesson(t, st)
	if _, err := executeTool(st, ToolCreateLesson, `{"title":"Intro","slug":"intro","description":"d"}`); err != nil {
		t.Fatalf("create_lesson failed: %v", err)
	}
	if _, err := executeTool(st, ToolCreateSection, `{"lesson_slug":"intro","title":"A","slug":"a","content":"x"}`); err != nil {
		t.Fatalf("section a failed: %v", err)
	}
	if _, err := executeTool(st, ToolCreateSection, `{"lesson_slug":"intro","title":"B","slug":"b","content":"x"}`); err != nil {
		t.Fatalf("section b failed: %v", err)
	}
	_, err := executeTool(st, ToolCreateSection, `{"lesson_slug":"intro","title":"C","slug":"c","content":"x"}`)
	mustToolError(t, err, "plan_exceeded")

	l, _ := st.plan.Lesson("intro")
	if l.CreatedSectionCount != l.PlannedSectionCount {
		t.Fatalf("created must equal planned, got %d/%d", l.CreatedSectionCount, l.PlannedSectionCount)
	}
}

func TestExecuteTool_CreateSectionRejectsDuplicateSlug(t *testing.T) {
	st := newToolState()
	planOneLesson(t, st)
	if _, err := executeTool(st, ToolCreateLesson, `{"title":"Intro","slug":"intro","description":"d"}`); err != nil {
		t.Fatalf("create_lesson failed: %v", err)
	}
	if _, err := executeTool(st, ToolCreateSection, `{"lesson_slug":"intro","title":"A","slug":"a","content":"x"}`); err != nil {
		t.Fatalf("section failed: %v", err)
	}
	_, err := executeTool(st, ToolCreateSection, `{"lesson_slug":"intro","title":"A2","slug":"a","content":"y"}`)
	mustToolError(t, err, "duplicate_slug")
}

func TestExecuteTool_FinishWithIncompletePlanIsInvariant(t *testing.T) {
	st := newToolState()
	planOneLesson(t, st)
	if _, err := executeTool(st, ToolCreateLesson, `{"title":"Intro","slug":"intro","description":"d"}`); err != nil {
		t.Fatalf("create_lesson failed: %v", err)
	}
	_, err := executeTool(st, ToolFinishWithSummary, `{"title":"T","slug":"t","description":"d"}`)
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvariantError, got %v", err)
	}
	if len(inv.Plan.Incomplete()) == 0 {
		t.Fatalf("invariant error must carry incomplete lessons")
	}
	if st.finished {
		t.Fatalf("failed finish must not mark state finished")
	}
}

func TestExecuteTool_FullFlowFinishes(t *testing.T) {
	st := newToolState()
	planOneLesson(t, st)
	if _, err := executeTool(st, ToolCreateLesson, `{"title":"Intro","slug":"intro","description":"d"}`); err != nil {
		t.Fatalf("create_lesson failed: %v", err)
	}
	if _, err := executeTool(st, ToolCreateSection, `{"lesson_slug":"intro","title":"A","slug":"a","content":"x"}`); err != nil {
		t.Fatalf("section a failed: %v", err)
	}
	if _, err := executeTool(st, ToolCreateSection, `{"lesson_slug":"intro","title":"B","slug":"b","content":"y"}`); err != nil {
		t.Fatalf("section b failed: %v", err)
	}
	if _, err := executeTool(st, ToolFinishWithSummary, `{"title":"T","slug":"t","description":"d"}`); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if !st.finished {
		t.Fatalf("expected finished state")
	}
	if st.tree.Course.Slug != "t" || st.tree.SectionCount() != 2 {
		t.Fatalf("unexpected tree: %+v", st.tree)
	}
}

func TestExecuteTool_MalformedArgumentsAreRecoverable(t *testing.T) {
	st := newToolState()
	_, err := executeTool(st, ToolPlan, `{"lessons": not-json`)
	mustToolError(t, err, "malformed_arguments")
}

func TestExecuteTool_UnknownToolIsRecoverable(t *testing.T) {
	st := newToolState()
	_, err := executeTool(st, "delete_course", `{}`)
	mustToolError(t, err, "unknown_tool")
}
