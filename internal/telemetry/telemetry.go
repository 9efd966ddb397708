package telemetry

import (
	"context"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Mode selects how much tracing the service emits.
type Mode string

const (
	ModeOff      Mode = "off"
	ModeErrors   Mode = "errors"
	ModeSampled  Mode = "sampled"
	ModeDetailed Mode = "detailed"
)

var activeMode atomic.Value

// Config configures OpenTelemetry tracing setup.
type Config struct {
	Enabled     bool
	ServiceName string
	Mode        string
	SampleRatio float64
}

// Runtime holds the initialized tracer provider and its shutdown hook.
type Runtime struct {
	TracerProvider *sdktrace.TracerProvider
	Shutdown       func(ctx context.Context) error
}

// Setup installs the global tracer provider for the aggregation service.
func Setup(cfg Config) (Runtime, error) {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "gitlab-activity"
	}

	mode := normalizeMode(cfg.Mode)
	if !cfg.Enabled {
		mode = ModeOff
	}
	activeMode.Store(mode)

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return Runtime{}, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(samplerFor(mode, cfg.SampleRatio)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return Runtime{
		TracerProvider: provider,
		Shutdown:       provider.Shutdown,
	}, nil
}

// ActiveMode reports the mode installed by the last Setup call.
func ActiveMode() Mode {
	value := activeMode.Load()
	if value == nil {
		return ModeOff
	}
	mode, ok := value.(Mode)
	if !ok || mode == "" {
		return ModeOff
	}
	return mode
}

// ShouldTraceDependencies reports whether outbound GitLab calls should carry
// their own spans. Only detailed mode pays that cost.
func ShouldTraceDependencies() bool {
	return ActiveMode() == ModeDetailed
}

func samplerFor(mode Mode, ratio float64) sdktrace.Sampler {
	clamped := clampRatio(ratio)

	switch mode {
	case ModeOff:
		return sdktrace.NeverSample()
	case ModeDetailed:
		return sdktrace.AlwaysSample()
	case ModeErrors:
		if clamped <= 0 {
			clamped = 0.01
		}
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clamped))
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clamped))
	}
}

func normalizeMode(raw string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeOff:
		return ModeOff
	case ModeErrors:
		return ModeErrors
	case ModeDetailed:
		return ModeDetailed
	default:
		return ModeSampled
	}
}

func clampRatio(ratio float64) float64 {
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}
