package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen_addr: ":9100"
  log_level: "info"
gitlab:
  api_base_url: "https://code.swecha.org/api/v4"
  token: "glpat-test"
  group: "soai"
  request_timeout: "20s"
  courtesy_delay: "100ms"
  unhealthy_failure_threshold: 3
  unhealthy_cooldown: "10m"
scrape:
  interval: "1h"
  window: "1w"
  workers: 8
  max_projects: 150
  max_pages: 50
  project_source: "group"
  check_profile_readme: true
retry:
  max_attempts: 3
  initial_backoff: "1s"
  max_backoff: "1m"
store:
  backend: "redis"
  redis_addr: "redis:6379"
  redis_password: ""
  redis_db: 0
  key_prefix: "gitlab_activity"
  snapshot_ttl: "1d"
telemetry:
  otel_enabled: false
  otel_trace_mode: "off"
  otel_trace_sample_ratio: 0.05
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	if cfg.GitLab.Group != "soai" {
		t.Fatalf("GitLab.Group = %q, want soai", cfg.GitLab.Group)
	}
	if cfg.Scrape.Window != 7*24*time.Hour {
		t.Fatalf("Scrape.Window = %v, want one week", cfg.Scrape.Window)
	}
	if cfg.Store.SnapshotTTL != 24*time.Hour {
		t.Fatalf("Store.SnapshotTTL = %v, want one day", cfg.Store.SnapshotTTL)
	}
	if cfg.GitLab.CourtesyDelay != 100*time.Millisecond {
		t.Fatalf("GitLab.CourtesyDelay = %v, want 100ms", cfg.GitLab.CourtesyDelay)
	}
	if !cfg.Scrape.CheckProfileReadme {
		t.Fatalf("Scrape.CheckProfileReadme = false, want true")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	yaml := `
gitlab:
  token: "glpat-test"
  group: "soai"
`
	cfg, err := Load(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9100" {
		t.Fatalf("Server.ListenAddr = %q, want :9100", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != "info" {
		t.Fatalf("Server.LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Scrape.Workers != 8 {
		t.Fatalf("Scrape.Workers = %d, want 8", cfg.Scrape.Workers)
	}
	if cfg.Scrape.MaxProjects != 150 {
		t.Fatalf("Scrape.MaxProjects = %d, want 150", cfg.Scrape.MaxProjects)
	}
	if cfg.Scrape.ProjectSource != "group" {
		t.Fatalf("Scrape.ProjectSource = %q, want group", cfg.Scrape.ProjectSource)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("Store.Backend = %q, want memory", cfg.Store.Backend)
	}
}

func TestLoadCourtesyDelay(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
		want time.Duration
	}{
		{
			name: "absent_key_gets_default",
			yaml: `
gitlab:
  token: "glpat-test"
  group: "soai"
`,
			want: 100 * time.Millisecond,
		},
		{
			name: "explicit_zero_disables_pause",
			yaml: `
gitlab:
  token: "glpat-test"
  group: "soai"
  courtesy_delay: "0s"
`,
			want: 0,
		},
		{
			name: "explicit_value_kept",
			yaml: `
gitlab:
  token: "glpat-test"
  group: "soai"
  courtesy_delay: "250ms"
`,
			want: 250 * time.Millisecond,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(strings.NewReader(tc.yaml))
			if err != nil {
				t.Fatalf("Load() unexpected error: %v", err)
			}
			if cfg.GitLab.CourtesyDelay != tc.want {
				t.Fatalf("GitLab.CourtesyDelay = %v, want %v", cfg.GitLab.CourtesyDelay, tc.want)
			}
		})
	}
}

func TestLoadTokenEnvFallback(t *testing.T) {
	t.Setenv("GITLAB_TOKEN", "glpat-from-env")

	yaml := `
gitlab:
  group: "soai"
`
	cfg, err := Load(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if cfg.GitLab.Token != "glpat-from-env" {
		t.Fatalf("GitLab.Token = %q, want env fallback", cfg.GitLab.Token)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	t.Setenv("GITLAB_TOKEN", "")

	testCases := []struct {
		name       string
		yaml       string
		errSubstrs []string
	}{
		{
			name: "missing_token_and_group",
			yaml: `
server:
  log_level: "info"
`,
			errSubstrs: []string{"gitlab.token is required", "gitlab.group is required"},
		},
		{
			name: "bad_log_level",
			yaml: `
server:
  log_level: "verbose"
gitlab:
  token: "glpat-test"
  group: "soai"
`,
			errSubstrs: []string{"server.log_level"},
		},
		{
			name: "bad_project_source",
			yaml: `
gitlab:
  token: "glpat-test"
scrape:
  project_source: "everything"
`,
			errSubstrs: []string{"scrape.project_source"},
		},
		{
			name: "redis_backend_without_addr",
			yaml: `
gitlab:
  token: "glpat-test"
  group: "soai"
store:
  backend: "redis"
`,
			errSubstrs: []string{"store.redis_addr is required"},
		},
		{
			name: "backoff_ordering",
			yaml: `
gitlab:
  token: "glpat-test"
  group: "soai"
retry:
  initial_backoff: "1m"
  max_backoff: "1s"
`,
			errSubstrs: []string{"retry.max_backoff"},
		},
		{
			name: "unknown_field_rejected",
			yaml: `
gitlab:
  token: "glpat-test"
  group: "soai"
  api_base: "https://typo.example"
`,
			errSubstrs: []string{"unmarshal yaml"},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("Load() expected error, got nil")
			}
			for _, substr := range tc.errSubstrs {
				if !strings.Contains(err.Error(), substr) {
					t.Fatalf("Load() error = %q, missing %q", err.Error(), substr)
				}
			}
		})
	}
}

func TestParseFlexibleDuration(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "standard_unit", input: "90s", want: 90 * time.Second},
		{name: "days", input: "2d", want: 48 * time.Hour},
		{name: "weeks", input: "1w", want: 7 * 24 * time.Hour},
		{name: "fractional_days", input: "0.5d", want: 12 * time.Hour},
		{name: "empty", input: "", want: 0},
		{name: "bad_unit", input: "3fortnights", wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseFlexibleDuration(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseFlexibleDuration(%q) expected error, got nil", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFlexibleDuration(%q) unexpected error: %v", tc.input, err)
			}
			if got != tc.want {
				t.Fatalf("parseFlexibleDuration(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}
