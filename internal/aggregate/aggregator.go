package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/swecha/gitlab-activity/internal/gitlabapi"
)

const defaultActivityWindow = 7 * 24 * time.Hour

// DataClient is the typed GitLab API surface consumed by the aggregator.
type DataClient interface {
	ListCommits(ctx context.Context, projectID int64, since time.Time) (gitlabapi.CommitList, error)
	ListMergeRequests(ctx context.Context, projectID int64, updatedAfter time.Time) (gitlabapi.MergeRequestList, error)
	ListIssues(ctx context.Context, projectID int64, updatedAfter time.Time, filter gitlabapi.IssueFilter) (gitlabapi.IssueList, error)
}

// ProjectAggregatorConfig configures per-project aggregation behavior.
type ProjectAggregatorConfig struct {
	Window time.Duration
	Now    func() time.Time
	Logger *zap.Logger
}

// ProjectAggregator turns one project's recent activity into a per-member
// contribution. The commit, merge request, and issue phases are isolated: a
// failed phase is recorded and skipped while the others still run. Only
// authentication failures abort, since they would fail every later call too.
type ProjectAggregator struct {
	client DataClient
	window time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewProjectAggregator creates a project aggregator over a typed data client.
func NewProjectAggregator(client DataClient, cfg ProjectAggregatorConfig) *ProjectAggregator {
	if cfg.Window <= 0 {
		cfg.Window = defaultActivityWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ProjectAggregator{
		client: client,
		window: cfg.Window,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
}

// Aggregate collects one project's activity for the given roster. The
// returned contribution is always usable, even when some phases failed.
func (a *ProjectAggregator) Aggregate(
	ctx context.Context,
	project gitlabapi.Project,
	members []gitlabapi.Member,
) (Contribution, error) {
	contribution := NewContribution(project.ID, project.Name)
	names := NewNameSet(members)
	cutoff := a.now().UTC().Add(-a.window)

	if err := a.aggregateCommits(ctx, project, names, cutoff, &contribution); err != nil {
		return contribution, err
	}
	if err := a.aggregateMergeRequests(ctx, project, names, cutoff, &contribution); err != nil {
		return contribution, err
	}
	if err := a.aggregateIssues(ctx, project, members, cutoff, &contribution); err != nil {
		return contribution, err
	}

	return contribution, nil
}

func (a *ProjectAggregator) aggregateCommits(
	ctx context.Context,
	project gitlabapi.Project,
	names NameSet,
	cutoff time.Time,
	contribution *Contribution,
) error {
	commits, err := a.client.ListCommits(ctx, project.ID, cutoff)
	if err != nil {
		if abortErr := a.recordPhaseFailure(ctx, project, phaseCommits, err, contribution); abortErr != nil {
			return abortErr
		}
		return nil
	}

	for _, commit := range commits.Commits {
		if !names.Contains(commit.AuthorName) {
			continue
		}
		contribution.Commits[commit.AuthorName]++
		observeActivity(contribution, commit.AuthorName, commit.CreatedAt)
	}
	return nil
}

func (a *ProjectAggregator) aggregateMergeRequests(
	ctx context.Context,
	project gitlabapi.Project,
	names NameSet,
	cutoff time.Time,
	contribution *Contribution,
) error {
	mergeRequests, err := a.client.ListMergeRequests(ctx, project.ID, cutoff)
	if err != nil {
		if abortErr := a.recordPhaseFailure(ctx, project, phaseMergeRequests, err, contribution); abortErr != nil {
			return abortErr
		}
		return nil
	}

	for _, mr := range mergeRequests.MergeRequests {
		if !names.Contains(mr.AuthorName) {
			continue
		}
		contribution.MergeRequests[mr.AuthorName]++
		observeActivity(contribution, mr.AuthorName, latestOf(mr.UpdatedAt, mr.CreatedAt))
	}
	return nil
}

func (a *ProjectAggregator) aggregateIssues(
	ctx context.Context,
	project gitlabapi.Project,
	members []gitlabapi.Member,
	cutoff time.Time,
	contribution *Contribution,
) error {
	fullScan, err := a.client.ListIssues(ctx, project.ID, cutoff, gitlabapi.IssueFilter{})
	if err != nil {
		if abortErr := a.recordPhaseFailure(ctx, project, phaseIssues, err, contribution); abortErr != nil {
			return abortErr
		}
		// Filtered strategies can still attribute without the full scan.
		fullScan = gitlabapi.IssueList{}
	}

	for _, member := range members {
		if member.Name == "" {
			continue
		}

		filters := []gitlabapi.IssueFilter{
			{AssigneeID: member.ID},
			{AssigneeUsername: member.Username},
			{AuthorID: member.ID},
		}
		strategies := make([][]gitlabapi.Issue, 0, len(filters))
		for _, filter := range filters {
			list, err := a.client.ListIssues(ctx, project.ID, cutoff, filter)
			if err != nil {
				if abortErr := a.recordPhaseFailure(ctx, project, phaseIssues, err, contribution); abortErr != nil {
					return abortErr
				}
				continue
			}
			strategies = append(strategies, list.Issues)
		}

		for _, issue := range ReconcileIssues(strategies, fullScan.Issues, member.Name) {
			contribution.Issues[member.Name]++
			observeActivity(contribution, member.Name, latestOf(issue.UpdatedAt, issue.CreatedAt))
		}
	}
	return nil
}

// recordPhaseFailure logs and counts one failed fetch phase. It returns a
// non-nil error only when the whole project run must stop.
func (a *ProjectAggregator) recordPhaseFailure(
	ctx context.Context,
	project gitlabapi.Project,
	phase string,
	err error,
	contribution *Contribution,
) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, gitlabapi.ErrAuth) {
		return fmt.Errorf("aggregate project %d phase %s: %w", project.ID, phase, err)
	}

	contribution.PhaseFailures[phase]++
	a.logger.Warn("fetch phase failed",
		zap.Int64("project_id", project.ID),
		zap.String("project", project.Name),
		zap.String("phase", phase),
		zap.Error(err),
	)
	return nil
}

// observeActivity raises a member's last-seen activity. Zero timestamps come
// from unparseable payloads and never move the marker.
func observeActivity(contribution *Contribution, name string, at time.Time) {
	if at.IsZero() {
		return
	}
	if at.After(contribution.LastActivity[name]) {
		contribution.LastActivity[name] = at
	}
}

func latestOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
