package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const tokenEnvVar = "GITLAB_TOKEN"

var (
	validLogLevels      = []string{"debug", "info", "warn", "error"}
	validStoreBackends  = []string{"memory", "redis"}
	validProjectSources = []string{"group", "membership"}
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	GitLab    GitLabConfig
	Scrape    ScrapeConfig
	Retry     RetryConfig
	Store     StoreConfig
	Telemetry TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// GitLabConfig configures GitLab API access.
type GitLabConfig struct {
	APIBaseURL                string
	Token                     string
	Group                     string
	RequestTimeout            time.Duration
	CourtesyDelay             time.Duration
	UnhealthyFailureThreshold int
	UnhealthyCooldown         time.Duration
}

// ScrapeConfig configures the aggregation cycle.
type ScrapeConfig struct {
	Interval           time.Duration
	Window             time.Duration
	Workers            int
	MaxProjects        int
	MaxPages           int
	ProjectSource      string
	CheckProfileReadme bool
}

// RetryConfig configures GitLab request retries.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// StoreConfig configures snapshot storage.
type StoreConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	SnapshotTTL   time.Duration
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled     bool
	OTELTraceMode   string
	OTELSampleRatio float64
}

// Load reads configuration from YAML and validates the result. The GitLab
// token falls back to the GITLAB_TOKEN environment variable so it can stay
// out of config files.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)
	if cfg.GitLab.Token == "" {
		cfg.GitLab.Token = strings.TrimSpace(os.Getenv(tokenEnvVar))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if c.GitLab.Token == "" {
		errs = append(errs, "gitlab.token is required (config or "+tokenEnvVar+" env)")
	}
	if !slices.Contains(validProjectSources, c.Scrape.ProjectSource) {
		errs = append(errs, "scrape.project_source must be group or membership")
	}
	if c.Scrape.ProjectSource == "group" && c.GitLab.Group == "" {
		errs = append(errs, "gitlab.group is required when scrape.project_source=group")
	}
	if c.Scrape.Interval <= 0 {
		errs = append(errs, "scrape.interval must be > 0")
	}
	if c.Scrape.Window <= 0 {
		errs = append(errs, "scrape.window must be > 0")
	}
	if c.Scrape.Workers <= 0 {
		errs = append(errs, "scrape.workers must be > 0")
	}
	if c.Scrape.MaxProjects <= 0 {
		errs = append(errs, "scrape.max_projects must be > 0")
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be > 0")
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, "retry.max_backoff must be >= retry.initial_backoff")
	}

	if !slices.Contains(validStoreBackends, c.Store.Backend) {
		errs = append(errs, "store.backend must be memory or redis")
	}
	if c.Store.Backend == "redis" && c.Store.RedisAddr == "" {
		errs = append(errs, "store.redis_addr is required when store.backend=redis")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":9100"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.GitLab.RequestTimeout <= 0 {
		cfg.GitLab.RequestTimeout = 30 * time.Second
	}
	if cfg.GitLab.CourtesyDelay < 0 {
		cfg.GitLab.CourtesyDelay = 0
	}
	if cfg.GitLab.UnhealthyFailureThreshold <= 0 {
		cfg.GitLab.UnhealthyFailureThreshold = 3
	}
	if cfg.GitLab.UnhealthyCooldown <= 0 {
		cfg.GitLab.UnhealthyCooldown = 10 * time.Minute
	}
	if cfg.Scrape.Interval <= 0 {
		cfg.Scrape.Interval = time.Hour
	}
	if cfg.Scrape.Window <= 0 {
		cfg.Scrape.Window = 7 * 24 * time.Hour
	}
	if cfg.Scrape.Workers <= 0 {
		cfg.Scrape.Workers = 8
	}
	if cfg.Scrape.MaxProjects <= 0 {
		cfg.Scrape.MaxProjects = 150
	}
	if cfg.Scrape.MaxPages <= 0 {
		cfg.Scrape.MaxPages = 50
	}
	if cfg.Scrape.ProjectSource == "" {
		cfg.Scrape.ProjectSource = "group"
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = time.Second
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = "gitlab_activity"
	}
	if cfg.Store.SnapshotTTL <= 0 {
		cfg.Store.SnapshotTTL = 24 * time.Hour
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    ServerConfig `yaml:"server"`
	GitLab    rawGitLab    `yaml:"gitlab"`
	Scrape    rawScrape    `yaml:"scrape"`
	Retry     rawRetry     `yaml:"retry"`
	Store     rawStore     `yaml:"store"`
	Telemetry rawTelemetry `yaml:"telemetry"`
}

type rawGitLab struct {
	APIBaseURL                string    `yaml:"api_base_url"`
	Token                     string    `yaml:"token"`
	Group                     string    `yaml:"group"`
	RequestTimeout            duration  `yaml:"request_timeout"`
	CourtesyDelay             *duration `yaml:"courtesy_delay"`
	UnhealthyFailureThreshold int       `yaml:"unhealthy_failure_threshold"`
	UnhealthyCooldown         duration  `yaml:"unhealthy_cooldown"`
}

type rawScrape struct {
	Interval           duration `yaml:"interval"`
	Window             duration `yaml:"window"`
	Workers            int      `yaml:"workers"`
	MaxProjects        int      `yaml:"max_projects"`
	MaxPages           int      `yaml:"max_pages"`
	ProjectSource      string   `yaml:"project_source"`
	CheckProfileReadme bool     `yaml:"check_profile_readme"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
}

type rawStore struct {
	Backend       string   `yaml:"backend"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	KeyPrefix     string   `yaml:"key_prefix"`
	SnapshotTTL   duration `yaml:"snapshot_ttl"`
}

type rawTelemetry struct {
	OTELEnabled     bool    `yaml:"otel_enabled"`
	OTELTraceMode   string  `yaml:"otel_trace_mode"`
	OTELSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

// courtesyDelay applies the default only when the key is absent. An explicit
// zero turns the per-request pause off.
func courtesyDelay(d *duration) time.Duration {
	if d == nil {
		return 100 * time.Millisecond
	}
	return d.Duration
}

func (r rawConfig) toConfig() *Config {
	return &Config{
		Server: r.Server,
		GitLab: GitLabConfig{
			APIBaseURL:                strings.TrimSpace(r.GitLab.APIBaseURL),
			Token:                     strings.TrimSpace(r.GitLab.Token),
			Group:                     strings.TrimSpace(r.GitLab.Group),
			RequestTimeout:            r.GitLab.RequestTimeout.Duration,
			CourtesyDelay:             courtesyDelay(r.GitLab.CourtesyDelay),
			UnhealthyFailureThreshold: r.GitLab.UnhealthyFailureThreshold,
			UnhealthyCooldown:         r.GitLab.UnhealthyCooldown.Duration,
		},
		Scrape: ScrapeConfig{
			Interval:           r.Scrape.Interval.Duration,
			Window:             r.Scrape.Window.Duration,
			Workers:            r.Scrape.Workers,
			MaxProjects:        r.Scrape.MaxProjects,
			MaxPages:           r.Scrape.MaxPages,
			ProjectSource:      strings.TrimSpace(r.Scrape.ProjectSource),
			CheckProfileReadme: r.Scrape.CheckProfileReadme,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
		},
		Store: StoreConfig{
			Backend:       strings.TrimSpace(r.Store.Backend),
			RedisAddr:     strings.TrimSpace(r.Store.RedisAddr),
			RedisPassword: r.Store.RedisPassword,
			RedisDB:       r.Store.RedisDB,
			KeyPrefix:     strings.TrimSpace(r.Store.KeyPrefix),
			SnapshotTTL:   r.Store.SnapshotTTL.Duration,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:     r.Telemetry.OTELEnabled,
			OTELTraceMode:   r.Telemetry.OTELTraceMode,
			OTELSampleRatio: r.Telemetry.OTELSampleRatio,
		},
	}
}
