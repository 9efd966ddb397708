package aggregate

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/swecha/gitlab-activity/internal/gitlabapi"
)

const (
	defaultWorkerCount = 8
	defaultProjectCap  = 150
)

// Aggregator produces one project's contribution.
type Aggregator interface {
	Aggregate(ctx context.Context, project gitlabapi.Project, members []gitlabapi.Member) (Contribution, error)
}

// RunStats summarizes one scheduler run.
type RunStats struct {
	ProjectsPlanned   int
	ProjectsProcessed int
	ProjectsFailed    int
	Truncated         bool
	PhaseFailures     map[string]int
}

// SchedulerConfig configures the project fan-out.
type SchedulerConfig struct {
	Workers     int
	MaxProjects int
	// Progress, when set, is invoked after each project completes with the
	// number of finished projects and the planned total.
	Progress func(completed, total int)
	Logger   *zap.Logger
}

// Scheduler fans project aggregation out over a bounded worker pool and folds
// the contributions into one report. Contributions fold in completion order;
// the fold is commutative, so the result is independent of scheduling.
type Scheduler struct {
	aggregator Aggregator
	cfg        SchedulerConfig
}

// NewScheduler creates a scheduler over a project aggregator.
func NewScheduler(aggregator Aggregator, cfg SchedulerConfig) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkerCount
	}
	if cfg.MaxProjects <= 0 {
		cfg.MaxProjects = defaultProjectCap
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		aggregator: aggregator,
		cfg:        cfg,
	}
}

type projectOutcome struct {
	project      gitlabapi.Project
	contribution Contribution
	err          error
}

// Run aggregates every project for the roster. A project failure contributes
// nothing and the run continues; an authentication failure cancels remaining
// work and is returned alongside the partial report.
func (s *Scheduler) Run(
	ctx context.Context,
	projects []gitlabapi.Project,
	members []gitlabapi.Member,
) (Report, RunStats, error) {
	stats := RunStats{
		PhaseFailures: make(map[string]int),
	}

	if len(projects) > s.cfg.MaxProjects {
		s.cfg.Logger.Warn("project list capped",
			zap.Int("projects", len(projects)),
			zap.Int("cap", s.cfg.MaxProjects),
		)
		projects = projects[:s.cfg.MaxProjects]
		stats.Truncated = true
	}
	stats.ProjectsPlanned = len(projects)

	report := InitStats(members)
	if len(projects) == 0 {
		return report, stats, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan gitlabapi.Project, len(projects))
	outcomes := make(chan projectOutcome, len(projects))

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for project := range jobs {
				contribution, err := s.aggregator.Aggregate(runCtx, project, members)
				outcomes <- projectOutcome{
					project:      project,
					contribution: contribution,
					err:          err,
				}
			}
		}()
	}

	for _, project := range projects {
		jobs <- project
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	var abortErr error
	completed := 0
	for outcome := range outcomes {
		completed++

		switch {
		case outcome.err != nil && errors.Is(outcome.err, gitlabapi.ErrAuth):
			stats.ProjectsFailed++
			if abortErr == nil {
				abortErr = outcome.err
				cancel()
			}
		case outcome.err != nil && errors.Is(outcome.err, context.Canceled):
			stats.ProjectsFailed++
		case outcome.err != nil:
			stats.ProjectsFailed++
			s.cfg.Logger.Warn("project aggregation failed",
				zap.Int64("project_id", outcome.project.ID),
				zap.String("project", outcome.project.Name),
				zap.Error(outcome.err),
			)
		default:
			stats.ProjectsProcessed++
			Fold(report, outcome.contribution)
			for phase, count := range outcome.contribution.PhaseFailures {
				stats.PhaseFailures[phase] += count
			}
		}

		if s.cfg.Progress != nil {
			s.cfg.Progress(completed, stats.ProjectsPlanned)
		}
	}

	return report, stats, abortErr
}
