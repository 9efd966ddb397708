package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/swecha/gitlab-activity/internal/aggregate"
	"github.com/swecha/gitlab-activity/internal/store"
)

func newTestRuntime(t *testing.T) (*Runtime, *fakeStore) {
	t.Helper()

	snapshots := &fakeStore{}
	runtime := NewRuntime(testConfig(), testRoster(), &fakeScheduler{}, &fakeChecker{}, snapshots, nil)
	return runtime, snapshots
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()

	runtime, snapshots := newTestRuntime(t)
	snapshots.snapshot = store.Snapshot{
		TakenAt: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		Stats: aggregate.Report{
			"Alice Kumar": {Username: "alice", Commits: 5},
		},
	}
	snapshots.hasSnapshot = true

	handler := runtime.Handler()

	testCases := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "metrics", path: "/metrics", wantStatus: http.StatusOK},
		{name: "stats", path: "/stats", wantStatus: http.StatusOK},
		{name: "livez", path: "/livez", wantStatus: http.StatusOK},
		{name: "readyz", path: "/readyz", wantStatus: http.StatusOK},
		{name: "healthz", path: "/healthz", wantStatus: http.StatusOK},
		{name: "unknown", path: "/nope", wantStatus: http.StatusNotFound},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
			if rec.Code != tc.wantStatus {
				t.Fatalf("GET %s = %d, want %d", tc.path, rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("no_snapshot_yet", func(t *testing.T) {
		t.Parallel()

		runtime, _ := newTestRuntime(t)
		rec := httptest.NewRecorder()
		runtime.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

		if rec.Code != http.StatusNotFound {
			t.Fatalf("GET /stats = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})

	t.Run("serves_latest_snapshot", func(t *testing.T) {
		t.Parallel()

		runtime, _ := newTestRuntime(t)
		if err := runtime.RunCycle(context.Background()); err != nil {
			t.Fatalf("RunCycle() = %v, want nil", err)
		}

		rec := httptest.NewRecorder()
		runtime.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("GET /stats = %d, want %d", rec.Code, http.StatusOK)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
			t.Fatalf("GET /stats Content-Type = %q, want application/json", ct)
		}

		var decoded store.Snapshot
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode /stats body: %v", err)
		}
		if _, ok := decoded.Stats["Alice Kumar"]; !ok {
			t.Fatalf("stats payload missing member, got %v", decoded.Stats)
		}
	})
}

func TestMetricsEndpointRendersSnapshot(t *testing.T) {
	t.Parallel()

	runtime, snapshots := newTestRuntime(t)
	snapshots.snapshot = store.Snapshot{
		TakenAt: time.Now(),
		Stats: aggregate.Report{
			"Alice Kumar": {Username: "alice", Commits: 7},
		},
	}
	snapshots.hasSnapshot = true

	rec := httptest.NewRecorder()
	runtime.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `gitlab_activity_commits{name="Alice Kumar",username="alice"} 7`) {
		t.Fatalf("metrics body missing commit sample:\n%s", rec.Body.String())
	}
}
