package agent

// ContentTree is the accumulated course hierarchy the agent hands back on
// success. The job handler persists it in one transaction.
type ContentTree struct {
	Course  CourseContent
	Lessons []*LessonContent
}

type CourseContent struct {
	Title       string
	Slug        string
	Description string
	Summary     string
}

type LessonContent struct {
	Title       string
	Slug        string
	Description string
	Sections    []SectionContent
}

type SectionContent struct {
	Title string
	Slug  string
	Body  string
}

// SectionCount is the total number of sections across all lessons.
func (t *ContentTree) SectionCount() int {
	n := 0
	for _, l := range t.Lessons {
		n += len(l.Sections)
	}
	return n
}

func (t *ContentTree) lesson(slug string) *LessonContent {
	for _, l := range t.Lessons {
		if l.Slug == slug {
			return l
		}
	}
	return nil
}
