package agent

// PlannedLesson tracks one lesson of the agreed plan: how many sections the
// plan promised and how many create_section calls have landed.
type PlannedLesson struct {
	Title               string
	Slug                string
	SectionTitles       []string
	PlannedSectionCount int
	CreatedSectionCount int
	Created             bool // create_lesson has been accepted for this slug
}

// CoursePlan is the in-memory skeleton the agent commits to with its first
// tool call. Owned exclusively by the worker running the job; discarded when
// the job ends.
type CoursePlan struct {
	Lessons []*PlannedLesson

	bySlug map[string]*PlannedLesson
}

func NewCoursePlan() *CoursePlan {
	return &CoursePlan{
		bySlug: map[string]*PlannedLesson{},
	}
}

func (p *CoursePlan) Established() bool { return len(p.Lessons) > 0 }

func (p *CoursePlan) Lesson(slug string) (*PlannedLesson, bool) {
	l, ok := p.bySlug[slug]
	return l, ok
}

func (p *CoursePlan) AddLesson(l *PlannedLesson) {
	p.Lessons = append(p.Lessons, l)
	p.bySlug[l.Slug] = l
}

// TotalSections is the sum of planned section counts across all lessons.
func (p *CoursePlan) TotalSections() int {
	total := 0
	for _, l := range p.Lessons {
		total += l.PlannedSectionCount
	}
	return total
}

// DoneSections is the sum of created section counts across all lessons.
func (p *CoursePlan) DoneSections() int {
	done := 0
	for _, l := range p.Lessons {
		done += l.CreatedSectionCount
	}
	return done
}

// Percentage maps the current plan completion to the agent progress window.
func (p *CoursePlan) Percentage() int {
	if !p.Established() {
		return agentBasePercent
	}
	return agentPercentage(p.DoneSections(), p.TotalSections())
}

// Incomplete returns the slugs of planned lessons whose sections were not
// all created. Empty iff the plan is fully built.
func (p *CoursePlan) Incomplete() []string {
	var out []string
	for _, l := range p.Lessons {
		if !l.Created || l.CreatedSectionCount != l.PlannedSectionCount {
			out = append(out, l.Slug)
		}
	}
	return out
}
