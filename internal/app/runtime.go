package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swecha/gitlab-activity/internal/aggregate"
	"github.com/swecha/gitlab-activity/internal/config"
	"github.com/swecha/gitlab-activity/internal/exporter"
	"github.com/swecha/gitlab-activity/internal/gitlabapi"
	"github.com/swecha/gitlab-activity/internal/health"
	"github.com/swecha/gitlab-activity/internal/store"
)

type rosterClient interface {
	ListGroupMembers(ctx context.Context, group string) (gitlabapi.MemberList, error)
	ListGroupProjects(ctx context.Context, group string) (gitlabapi.ProjectList, error)
	ListAccessibleProjects(ctx context.Context) (gitlabapi.ProjectList, error)
}

type runScheduler interface {
	Run(ctx context.Context, projects []gitlabapi.Project, members []gitlabapi.Member) (aggregate.Report, aggregate.RunStats, error)
}

type profileChecker interface {
	Check(ctx context.Context, members []gitlabapi.Member) map[string]bool
}

// Runtime drives the periodic aggregation cycle and exposes the HTTP surface.
type Runtime struct {
	cfg       *config.Config
	client    rosterClient
	scheduler runScheduler
	readme    profileChecker
	store     store.Store
	evaluator *health.StatusEvaluator
	logger    *zap.Logger

	mu            sync.RWMutex
	tokenValid    bool
	storeHealthy  bool
	gitlabHealthy bool
	lastRun       time.Time
	failureStreak int
	cooldownUntil time.Time

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewRuntime creates a runtime instance.
func NewRuntime(
	cfg *config.Config,
	client rosterClient,
	scheduler runScheduler,
	readme profileChecker,
	snapshotStore store.Store,
	logger *zap.Logger,
) *Runtime {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		cfg:           cfg,
		client:        client,
		scheduler:     scheduler,
		readme:        readme,
		store:         snapshotStore,
		evaluator:     health.NewStatusEvaluator(),
		logger:        logger,
		tokenValid:    true,
		storeHealthy:  true,
		gitlabHealthy: true,
		Now:           time.Now,
	}
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	metricsHandler := exporter.NewHandler(r.store)
	healthHandler := health.NewHandler(r)
	return NewHTTPHandler(metricsHandler, r.statsHandler(), healthHandler)
}

// Start runs aggregation cycles until ctx is canceled. The first cycle runs
// immediately, later ones on the configured interval.
func (r *Runtime) Start(ctx context.Context) {
	interval := r.interval()
	r.logger.Info("starting aggregation loop",
		zap.Duration("interval", interval),
		zap.Duration("window", r.cfg.Scrape.Window),
		zap.String("project_source", r.cfg.Scrape.ProjectSource),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := r.RunCycle(ctx); err != nil {
		r.logger.Warn("aggregation cycle finished with errors", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("aggregation loop stopped")
			return
		case <-ticker.C:
			if err := r.RunCycle(ctx); err != nil {
				r.logger.Warn("aggregation cycle finished with errors", zap.Error(err))
			}
		}
	}
}

// RunCycle executes one aggregation cycle: fetch the roster, aggregate every
// project, optionally check profile READMEs, and persist the snapshot.
func (r *Runtime) RunCycle(ctx context.Context) error {
	now := r.Now()
	cycleStart := time.Now()

	if r.inCooldown(now) {
		r.logger.Info("skipping cycle during cooldown", zap.Time("cooldown_until", r.cooldownDeadline()))
		return nil
	}

	acquired, err := r.store.AcquireRunLock(ctx, r.interval())
	if err != nil {
		r.setStoreHealthy(false)
		return fmt.Errorf("acquire run lock: %w", err)
	}
	r.setStoreHealthy(true)
	if !acquired {
		r.logger.Info("run lock held by another replica, skipping cycle")
		return nil
	}

	members, projects, err := r.fetchRoster(ctx)
	if err != nil {
		r.recordFetchFailure(now, err)
		return err
	}

	report, stats, runErr := r.scheduler.Run(ctx, projects.Projects, members.Members)

	var profileReadme map[string]bool
	if r.cfg.Scrape.CheckProfileReadme && runErr == nil {
		profileReadme = r.readme.Check(ctx, members.Members)
	}

	snapshot := store.Snapshot{
		TakenAt:           now,
		Window:            r.cfg.Scrape.Window,
		Stats:             report,
		ProfileReadme:     profileReadme,
		ProjectsPlanned:   stats.ProjectsPlanned,
		ProjectsProcessed: stats.ProjectsProcessed,
		ProjectsFailed:    stats.ProjectsFailed,
		ProjectsTruncated: stats.Truncated,
		PhaseFailures:     stats.PhaseFailures,
	}
	if err := r.store.UpsertSnapshot(ctx, snapshot); err != nil {
		r.setStoreHealthy(false)
		r.logger.Warn("failed to persist snapshot", zap.Error(err))
		runErr = errors.Join(runErr, fmt.Errorf("persist snapshot: %w", err))
	} else {
		r.setStoreHealthy(true)
	}

	if runErr != nil {
		r.recordFetchFailure(now, runErr)
	} else {
		r.recordCycleSuccess(now)
	}

	r.logger.Info("aggregation cycle completed",
		zap.Int("members", len(members.Members)),
		zap.Int("projects_planned", stats.ProjectsPlanned),
		zap.Int("projects_processed", stats.ProjectsProcessed),
		zap.Int("projects_failed", stats.ProjectsFailed),
		zap.Bool("truncated", stats.Truncated),
		zap.Any("phase_failures", stats.PhaseFailures),
		zap.Duration("duration", time.Since(cycleStart)),
	)
	return runErr
}

// CurrentStatus returns current health status.
func (r *Runtime) CurrentStatus(_ context.Context) health.Status {
	now := r.Now()
	r.mu.RLock()
	input := health.Input{
		TokenValid:    r.tokenValid,
		StoreHealthy:  r.storeHealthy,
		GitLabHealthy: r.gitlabHealthy,
		SnapshotFresh: r.lastRun.IsZero() || now.Sub(r.lastRun) <= 2*r.interval(),
	}
	r.mu.RUnlock()
	return r.evaluator.Evaluate(input)
}

func (r *Runtime) fetchRoster(ctx context.Context) (gitlabapi.MemberList, gitlabapi.ProjectList, error) {
	members, err := r.client.ListGroupMembers(ctx, r.cfg.GitLab.Group)
	if err != nil {
		return gitlabapi.MemberList{}, gitlabapi.ProjectList{}, fmt.Errorf("list group members: %w", err)
	}

	var projects gitlabapi.ProjectList
	if r.cfg.Scrape.ProjectSource == "membership" {
		projects, err = r.client.ListAccessibleProjects(ctx)
	} else {
		projects, err = r.client.ListGroupProjects(ctx, r.cfg.GitLab.Group)
	}
	if err != nil {
		return gitlabapi.MemberList{}, gitlabapi.ProjectList{}, fmt.Errorf("list projects: %w", err)
	}
	return members, projects, nil
}

func (r *Runtime) statsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		snapshot, found, err := r.store.Latest(req.Context())
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"load snapshot"}`))
			return
		}
		if !found {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"no snapshot yet"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(snapshot); err != nil {
			return
		}
	})
}

func (r *Runtime) interval() time.Duration {
	if r.cfg.Scrape.Interval > 0 {
		return r.cfg.Scrape.Interval
	}
	return time.Hour
}

func (r *Runtime) inCooldown(now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.cooldownUntil.IsZero() && now.Before(r.cooldownUntil)
}

func (r *Runtime) cooldownDeadline() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cooldownUntil
}

func (r *Runtime) setStoreHealthy(healthy bool) {
	r.mu.Lock()
	r.storeHealthy = healthy
	r.mu.Unlock()
}

func (r *Runtime) recordFetchFailure(now time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if errors.Is(err, gitlabapi.ErrAuth) {
		r.tokenValid = false
	}

	threshold := r.cfg.GitLab.UnhealthyFailureThreshold
	if threshold <= 0 {
		threshold = 1
	}
	cooldown := r.cfg.GitLab.UnhealthyCooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}

	r.failureStreak++
	if r.failureStreak >= threshold {
		r.gitlabHealthy = false
		r.cooldownUntil = now.Add(cooldown)
	}
}

func (r *Runtime) recordCycleSuccess(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenValid = true
	r.gitlabHealthy = true
	r.failureStreak = 0
	r.cooldownUntil = time.Time{}
	r.lastRun = now
}
