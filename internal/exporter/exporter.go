package exporter

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swecha/gitlab-activity/internal/store"
)

const namespace = "gitlab_activity"

var (
	memberLabels = []string{"name", "username"}

	commitsDesc = prometheus.NewDesc(
		namespace+"_commits",
		"Commits authored by a tracked member inside the activity window.",
		memberLabels, nil,
	)
	mergeRequestsDesc = prometheus.NewDesc(
		namespace+"_merge_requests",
		"Merge requests authored by a tracked member inside the activity window.",
		memberLabels, nil,
	)
	issuesDesc = prometheus.NewDesc(
		namespace+"_issues",
		"Issues attributed to a tracked member inside the activity window.",
		memberLabels, nil,
	)
	projectsDesc = prometheus.NewDesc(
		namespace+"_projects",
		"Projects a tracked member contributed to inside the activity window.",
		memberLabels, nil,
	)
	totalDesc = prometheus.NewDesc(
		namespace+"_total",
		"Total counted events for a tracked member inside the activity window.",
		memberLabels, nil,
	)
	lastActivityDesc = prometheus.NewDesc(
		namespace+"_last_activity_unixtime",
		"Unix time of the member's most recent observed activity.",
		memberLabels, nil,
	)
	profileReadmeDesc = prometheus.NewDesc(
		namespace+"_profile_readme",
		"Whether the member's profile project carries a README.",
		[]string{"username"}, nil,
	)

	snapshotAgeDesc = prometheus.NewDesc(
		namespace+"_snapshot_age_seconds",
		"Age of the served snapshot.",
		nil, nil,
	)
	projectsPlannedDesc = prometheus.NewDesc(
		namespace+"_run_projects_planned",
		"Projects planned for the last aggregation run.",
		nil, nil,
	)
	projectsProcessedDesc = prometheus.NewDesc(
		namespace+"_run_projects_processed",
		"Projects aggregated successfully in the last run.",
		nil, nil,
	)
	projectsFailedDesc = prometheus.NewDesc(
		namespace+"_run_projects_failed",
		"Projects that failed aggregation in the last run.",
		nil, nil,
	)
	truncatedDesc = prometheus.NewDesc(
		namespace+"_run_projects_truncated",
		"Whether the last run capped the project list.",
		nil, nil,
	)
	phaseFailuresDesc = prometheus.NewDesc(
		namespace+"_run_fetch_failures",
		"Fetch phase failures in the last run, by resource.",
		[]string{"phase"}, nil,
	)
)

// SnapshotSource reads the latest persisted snapshot.
type SnapshotSource interface {
	Latest(ctx context.Context) (store.Snapshot, bool, error)
}

// NewHandler returns a handler that renders the latest snapshot through the
// Prometheus OpenMetrics encoder.
func NewHandler(source SnapshotSource) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&snapshotCollector{source: source, now: time.Now})

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

type snapshotCollector struct {
	source SnapshotSource
	now    func() time.Time
}

func (c *snapshotCollector) Describe(_ chan<- *prometheus.Desc) {}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.source == nil {
		return
	}

	snapshot, found, err := c.source.Latest(context.Background())
	if err != nil || !found {
		return
	}

	for name, stats := range snapshot.Stats {
		labels := []string{name, stats.Username}
		emitGauge(ch, commitsDesc, float64(stats.Commits), labels...)
		emitGauge(ch, mergeRequestsDesc, float64(stats.MergeRequests), labels...)
		emitGauge(ch, issuesDesc, float64(stats.Issues), labels...)
		emitGauge(ch, projectsDesc, float64(len(stats.Projects)), labels...)
		emitGauge(ch, totalDesc, float64(stats.Commits+stats.MergeRequests+stats.Issues), labels...)
		if !stats.LastActivity.IsZero() {
			emitGauge(ch, lastActivityDesc, float64(stats.LastActivity.Unix()), labels...)
		}
	}

	for username, present := range snapshot.ProfileReadme {
		value := 0.0
		if present {
			value = 1
		}
		emitGauge(ch, profileReadmeDesc, value, username)
	}

	if !snapshot.TakenAt.IsZero() {
		emitGauge(ch, snapshotAgeDesc, c.now().Sub(snapshot.TakenAt).Seconds())
	}
	emitGauge(ch, projectsPlannedDesc, float64(snapshot.ProjectsPlanned))
	emitGauge(ch, projectsProcessedDesc, float64(snapshot.ProjectsProcessed))
	emitGauge(ch, projectsFailedDesc, float64(snapshot.ProjectsFailed))
	truncated := 0.0
	if snapshot.ProjectsTruncated {
		truncated = 1
	}
	emitGauge(ch, truncatedDesc, truncated)
	for phase, count := range snapshot.PhaseFailures {
		emitGauge(ch, phaseFailuresDesc, float64(count), phase)
	}
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, value float64, labels ...string) {
	metric, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, value, labels...)
	if err != nil {
		return
	}
	ch <- metric
}
