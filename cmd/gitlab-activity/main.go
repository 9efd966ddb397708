package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/swecha/gitlab-activity/internal/aggregate"
	"github.com/swecha/gitlab-activity/internal/app"
	"github.com/swecha/gitlab-activity/internal/config"
	"github.com/swecha/gitlab-activity/internal/gitlabapi"
	"github.com/swecha/gitlab-activity/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "gitlab-activity: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "config/local.yaml", "path to YAML config file")
	flag.Parse()

	configFile, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer func() {
		_ = configFile.Close()
	}()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.Server.LogLevel))
	logger, err := loggerConfig.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:     cfg.Telemetry.OTELEnabled,
		ServiceName: "gitlab-activity",
		Mode:        cfg.Telemetry.OTELTraceMode,
		SampleRatio: cfg.Telemetry.OTELSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryRuntime.Shutdown(shutdownCtx)
	}()

	httpClient := &http.Client{Timeout: cfg.GitLab.RequestTimeout}
	requestClient := gitlabapi.NewClient(httpClient, cfg.GitLab.Token, gitlabapi.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}, cfg.GitLab.CourtesyDelay)

	dataClient, err := gitlabapi.NewDataClient(cfg.GitLab.APIBaseURL, requestClient, cfg.Scrape.MaxPages)
	if err != nil {
		return fmt.Errorf("build data client: %w", err)
	}

	snapshotStore, err := app.NewStoreBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("build snapshot store: %w", err)
	}
	defer func() {
		_ = snapshotStore.Close()
	}()

	aggregator := aggregate.NewProjectAggregator(dataClient, aggregate.ProjectAggregatorConfig{
		Window: cfg.Scrape.Window,
		Logger: logger,
	})
	scheduler := aggregate.NewScheduler(aggregator, aggregate.SchedulerConfig{
		Workers:     cfg.Scrape.Workers,
		MaxProjects: cfg.Scrape.MaxProjects,
		Logger:      logger,
	})
	readmeChecker := aggregate.NewReadmeChecker(dataClient, cfg.Scrape.Workers, logger)

	runtime := app.NewRuntime(cfg, dataClient, scheduler, readmeChecker, snapshotStore, logger)
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           runtime.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	rootCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go runtime.Start(rootCtx)

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.ListenAddr))
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			serverErrCh <- serveErr
		}
		close(serverErrCh)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-serverErrCh:
		if serveErr != nil {
			return fmt.Errorf("http server failed: %w", serveErr)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
