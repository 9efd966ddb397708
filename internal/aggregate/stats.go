package aggregate

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/swecha/gitlab-activity/internal/gitlabapi"
)

const (
	phaseCommits       = "commits"
	phaseMergeRequests = "merge_requests"
	phaseIssues        = "issues"
)

// UserStats is the accumulated activity of one tracked member.
type UserStats struct {
	Username      string
	Commits       int
	MergeRequests int
	Issues        int
	Projects      ProjectSet
	LastActivity  time.Time
}

// ProjectSet is the set of project names a member contributed to. It
// serializes as a sorted name list so consumers see the projects themselves,
// not just a count.
type ProjectSet map[string]struct{}

// NewProjectSet builds a set from project names.
func NewProjectSet(names ...string) ProjectSet {
	set := make(ProjectSet, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// Contains reports whether the set holds a project name.
func (s ProjectSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the project names in sorted order.
func (s ProjectSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)
	if names == nil {
		names = []string{}
	}
	return names
}

func (s ProjectSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

func (s *ProjectSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = NewProjectSet(names...)
	return nil
}

// Report maps member display names to their accumulated stats. Attribution
// keys on display names because commits carry only a free-text author name.
type Report map[string]UserStats

// Contribution is the partial result of aggregating one project. Counts are
// keyed by member display name.
type Contribution struct {
	ProjectID     int64
	ProjectName   string
	Commits       map[string]int
	MergeRequests map[string]int
	Issues        map[string]int
	LastActivity  map[string]time.Time
	// PhaseFailures counts fetch phases that failed for this project, keyed
	// by resource name.
	PhaseFailures map[string]int
}

// NewContribution creates an empty per-project contribution.
func NewContribution(projectID int64, projectName string) Contribution {
	return Contribution{
		ProjectID:     projectID,
		ProjectName:   projectName,
		Commits:       make(map[string]int),
		MergeRequests: make(map[string]int),
		Issues:        make(map[string]int),
		LastActivity:  make(map[string]time.Time),
		PhaseFailures: make(map[string]int),
	}
}

// InitStats builds a report with one zero-valued entry per member, so that
// inactive members still appear in output.
func InitStats(members []gitlabapi.Member) Report {
	report := make(Report, len(members))
	for _, member := range members {
		name := strings.TrimSpace(member.Name)
		if name == "" {
			continue
		}
		if _, exists := report[name]; exists {
			continue
		}
		report[name] = UserStats{Username: member.Username}
	}
	return report
}

// Fold merges one project contribution into the report. Fold is commutative
// and associative over contributions: counts add, project participation
// unions the contributing project's name, and last activity keeps the
// maximum. Names absent from the report are dropped.
func Fold(report Report, contribution Contribution) {
	touched := make(map[string]bool)

	for name, count := range contribution.Commits {
		stats, ok := report[name]
		if !ok {
			continue
		}
		stats.Commits += count
		report[name] = stats
		if count > 0 {
			touched[name] = true
		}
	}
	for name, count := range contribution.MergeRequests {
		stats, ok := report[name]
		if !ok {
			continue
		}
		stats.MergeRequests += count
		report[name] = stats
		if count > 0 {
			touched[name] = true
		}
	}
	for name, count := range contribution.Issues {
		stats, ok := report[name]
		if !ok {
			continue
		}
		stats.Issues += count
		report[name] = stats
		if count > 0 {
			touched[name] = true
		}
	}
	for name, latest := range contribution.LastActivity {
		stats, ok := report[name]
		if !ok {
			continue
		}
		if latest.After(stats.LastActivity) {
			stats.LastActivity = latest
			report[name] = stats
		}
	}

	projectName := strings.TrimSpace(contribution.ProjectName)
	if projectName == "" {
		return
	}
	for name := range touched {
		stats := report[name]
		if stats.Projects == nil {
			stats.Projects = make(ProjectSet, 1)
		}
		stats.Projects[projectName] = struct{}{}
		report[name] = stats
	}
}

// NameSet indexes member display names for attribution gating.
type NameSet map[string]struct{}

// NewNameSet builds the set of valid display names from the member roster.
func NewNameSet(members []gitlabapi.Member) NameSet {
	set := make(NameSet, len(members))
	for _, member := range members {
		name := strings.TrimSpace(member.Name)
		if name == "" {
			continue
		}
		set[name] = struct{}{}
	}
	return set
}

// Contains reports whether a raw author name belongs to a tracked member.
func (s NameSet) Contains(name string) bool {
	_, ok := s[strings.TrimSpace(name)]
	return ok
}
