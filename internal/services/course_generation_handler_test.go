package services

import (
	"strings"
	"testing"

	"github.com/studyloop/studyloop-backend/internal/agent"
)

func completeTree() *agent.ContentTree {
	return &agent.ContentTree{
		Course: agent.CourseContent{Title: "Recursion", Slug: "recursion", Description: "d"},
		Lessons: []*agent.LessonContent{
			{
				Title: "Basics", Slug: "basics", Description: "d",
				Sections: []agent.SectionContent{
					{Title: "What", Slug: "what", Body: "body"},
				},
			},
		},
	}
}

func TestValidateTree_AcceptsCompleteTree(t *testing.T) {
	if err := validateTree(completeTree()); err != nil {
		t.Fatalf("expected valid tree, got %v", err)
	}
}

func TestValidateTree_RejectsNil(t *testing.T) {
	if err := validateTree(nil); err == nil {
		t.Fatalf("expected error for nil tree")
	}
}

func TestValidateTree_RejectsMissingCourseSlug(t *testing.T) {
	tree := completeTree()
	tree.Course.Slug = "  "
	if err := validateTree(tree); err == nil {
		t.Fatalf("expected error for missing slug")
	}
}

func TestValidateTree_RejectsEmptyLessons(t *testing.T) {
	tree := completeTree()
	tree.Lessons = nil
	if err := validateTree(tree); err == nil {
		t.Fatalf("expected error for no lessons")
	}
}

func TestValidateTree_RejectsSectionlessLesson(t *testing.T) {
	tree := completeTree()
	tree.Lessons[0].Sections = nil
	err := validateTree(tree)
	if err == nil || !strings.Contains(err.Error(), "basics") {
		t.Fatalf("expected lesson-scoped error, got %v", err)
	}
}

func TestValidateTree_RejectsEmptySectionBody(t *testing.T) {
	tree := completeTree()
	tree.Lessons[0].Sections[0].Body = ""
	if err := validateTree(tree); err == nil {
		t.Fatalf("expected error for empty body")
	}
}
