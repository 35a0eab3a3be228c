package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/studyloop/studyloop-backend/internal/platform/openai"
)

// The closed tool set. Adding a tool means adding a definition here and a
// case to executeTool; the execution wrapper never changes.
const (
	ToolPlan              = "plan"
	ToolCreateLesson      = "create_lesson"
	ToolCreateSection     = "create_section"
	ToolFinishWithSummary = "finish_with_summary"
)

var slugRe = regexp.MustCompile(`^[a-z0-9-]+$`)

func toolDefinitions() []openai.ToolDefinition {
	return []openai.ToolDefinition{
		{
			Name:        ToolPlan,
			Description: "Commit to the full lesson/section skeleton for the course. Must be the first tool call and may only be called once.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"lessons": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"title":          map[string]any{"type": "string"},
								"slug":           map[string]any{"type": "string"},
								"section_titles": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							},
							"required":             []string{"title", "slug", "section_titles"},
							"additionalProperties": false,
						},
					},
				},
				"required":             []string{"lessons"},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolCreateLesson,
			Description: "Create one lesson from the plan. Must reference a planned lesson slug that has not been created yet.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":       map[string]any{"type": "string"},
					"slug":        map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
				},
				"required":             []string{"title", "slug", "description"},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolCreateSection,
			Description: "Create one section of an already-created lesson, with the full section body.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"lesson_slug": map[string]any{"type": "string"},
					"title":       map[string]any{"type": "string"},
					"slug":        map[string]any{"type": "string"},
					"content":     map[string]any{"type": "string"},
				},
				"required":             []string{"lesson_slug", "title", "slug", "content"},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolFinishWithSummary,
			Description: "Finalize the course with its title, slug and description. Must be the last tool call, after every planned section has been created.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":       map[string]any{"type": "string"},
					"slug":        map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
				},
				"required":             []string{"title", "slug", "description"},
				"additionalProperties": false,
			},
		},
	}
}

// toolState is the per-job mutable state every tool call executes against.
type toolState struct {
	plan     *CoursePlan
	tree     *ContentTree
	finished bool
}

func newToolState() *toolState {
	return &toolState{
		plan: NewCoursePlan(),
		tree: &ContentTree{},
	}
}

type planArgs struct {
	Lessons []struct {
		Title         string   `json:"title"`
		Slug          string   `json:"slug"`
		SectionTitles []string `json:"section_titles"`
	} `json:"lessons"`
}

type createLessonArgs struct {
	Title       string `json:"title"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
}

type createSectionArgs struct {
	LessonSlug string `json:"lesson_slug"`
	Title      string `json:"title"`
	Slug       string `json:"slug"`
	Content    string `json:"content"`
}

type finishArgs struct {
	Title       string `json:"title"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
}

// executeTool runs a single tool call against the job state. Returned errors
// are either *ToolError (recoverable, serialized back to the model),
// *InvariantError (defect, fails the job), or decode failures treated as
// recoverable malformed-arguments errors by the caller.
func executeTool(st *toolState, name string, rawArgs string) (map[string]any, error) {
	switch name {
	case ToolPlan:
		var args planArgs
		if err := decodeArgs(rawArgs, &args); err != nil {
			return nil, err
		}
		return execPlan(st, args)
	case ToolCreateLesson:
		var args createLessonArgs
		if err := decodeArgs(rawArgs, &args); err != nil {
			return nil, err
		}
		return execCreateLesson(st, args)
	case ToolCreateSection:
		var args createSectionArgs
		if err := decodeArgs(rawArgs, &args); err != nil {
			return nil, err
		}
		return execCreateSection(st, args)
	case ToolFinishWithSummary:
		var args finishArgs
		if err := decodeArgs(rawArgs, &args); err != nil {
			return nil, err
		}
		return execFinish(st, args)
	default:
		return nil, NewToolError("unknown_tool", "tool %q is not available", name)
	}
}

func decodeArgs(raw string, out any) error {
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return NewToolError("malformed_arguments", "could not parse tool arguments: %v", err)
	}
	return nil
}

func validSlug(slug string) bool {
	return slug != "" && slugRe.MatchString(slug)
}

func execPlan(st *toolState, args planArgs) (map[string]any, error) {
	if st.plan.Established() {
		return nil, NewToolError("plan_already_set", "the plan was already committed; it cannot be changed")
	}
	if len(args.Lessons) == 0 {
		return nil, NewToolError("empty_plan", "a plan needs at least one lesson")
	}
	seen := map[string]bool{}
	for _, l := range args.Lessons {
		if !validSlug(l.Slug) {
			return nil, NewToolError("invalid_slug", "lesson slug %q is not URL-safe (want [a-z0-9-]+)", l.Slug)
		}
		if seen[l.Slug] {
			return nil, NewToolError("duplicate_slug", "lesson slug %q appears twice in the plan", l.Slug)
		}
		if strings.TrimSpace(l.Title) == "" {
			return nil, NewToolError("missing_title", "lesson %q has no title", l.Slug)
		}
		if len(l.SectionTitles) == 0 {
			return nil, NewToolError("empty_lesson", "lesson %q plans no sections", l.Slug)
		}
		seen[l.Slug] = true
	}
	for _, l := range args.Lessons {
		st.plan.AddLesson(&PlannedLesson{
			Title:               l.Title,
			Slug:                l.Slug,
			SectionTitles:       append([]string(nil), l.SectionTitles...),
			PlannedSectionCount: len(l.SectionTitles),
		})
	}
	return map[string]any{
		"ok":            true,
		"lesson_count":  len(st.plan.Lessons),
		"section_count": st.plan.TotalSections(),
		"next":          "call create_lesson for each planned lesson, then create_section for each of its sections",
	}, nil
}

func execCreateLesson(st *toolState, args createLessonArgs) (map[string]any, error) {
	if !st.plan.Established() {
		return nil, NewToolError("plan_required", "call plan before creating lessons")
	}
	if !validSlug(args.Slug) {
		return nil, NewToolError("invalid_slug", "lesson slug %q is not URL-safe (want [a-z0-9-]+)", args.Slug)
	}
	planned, ok := st.plan.Lesson(args.Slug)
	if !ok {
		return nil, NewToolError("unknown_lesson", "lesson slug %q is not in the plan", args.Slug)
	}
	if planned.Created {
		return nil, NewToolError("duplicate_lesson", "lesson %q was already created", args.Slug)
	}
	planned.Created = true
	st.tree.Lessons = append(st.tree.Lessons, &LessonContent{
		Title:       args.Title,
		Slug:        args.Slug,
		Description: args.Description,
	})
	return map[string]any{
		"ok":                    true,
		"lesson_slug":           args.Slug,
		"planned_section_count": planned.PlannedSectionCount,
	}, nil
}

func execCreateSection(st *toolState, args createSectionArgs) (map[string]any, error) {
	if !st.plan.Established() {
		return nil, NewToolError("plan_required", "call plan before creating sections")
	}
	planned, ok := st.plan.Lesson(args.LessonSlug)
	if !ok || !planned.Created {
		return nil, NewToolError("unknown_lesson", "lesson %q has not been created via create_lesson", args.LessonSlug)
	}
	if !validSlug(args.Slug) {
		return nil, NewToolError("invalid_slug", "section slug %q is not URL-safe (want [a-z0-9-]+)", args.Slug)
	}
	if strings.TrimSpace(args.Content) == "" {
		return nil, NewToolError("empty_section", "section %q has no content", args.Slug)
	}
	lesson := st.tree.lesson(args.LessonSlug)
	if lesson == nil {
		return nil, fmt.Errorf("plan/tree out of sync for lesson %q", args.LessonSlug)
	}
	for _, s := range lesson.Sections {
		if s.Slug == args.Slug {
			return nil, NewToolError("duplicate_slug", "section slug %q already exists in lesson %q", args.Slug, args.LessonSlug)
		}
	}
	if planned.CreatedSectionCount >= planned.PlannedSectionCount {
		return nil, NewToolError("plan_exceeded", "lesson %q already has all %d planned sections", args.LessonSlug, planned.PlannedSectionCount)
	}
	lesson.Sections = append(lesson.Sections, SectionContent{
		Title: args.Title,
		Slug:  args.Slug,
		Body:  args.Content,
	})
	planned.CreatedSectionCount++
	return map[string]any{
		"ok":               true,
		"lesson_slug":      args.LessonSlug,
		"created_sections": planned.CreatedSectionCount,
		"planned_sections": planned.PlannedSectionCount,
	}, nil
}

func execFinish(st *toolState, args finishArgs) (map[string]any, error) {
	if !st.plan.Established() {
		return nil, NewToolError("plan_required", "finish_with_summary cannot be the first tool call; commit a plan and build the course first")
	}
	if !validSlug(args.Slug) {
		return nil, NewToolError("invalid_slug", "course slug %q is not URL-safe (want [a-z0-9-]+)", args.Slug)
	}
	if incomplete := st.plan.Incomplete(); len(incomplete) > 0 {
		return nil, &InvariantError{
			Message: fmt.Sprintf("finish_with_summary called with incomplete lessons: %s", strings.Join(incomplete, ", ")),
			Plan:    st.plan,
		}
	}
	st.tree.Course = CourseContent{
		Title:       args.Title,
		Slug:        args.Slug,
		Description: args.Description,
	}
	st.finished = true
	return map[string]any{"ok": true}, nil
}
