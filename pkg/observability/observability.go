// Package observability provides OpenTelemetry-based tracing and metrics for
// the workflow engine, plus slog helpers for component-scoped logging.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool // dev only
}

// DefaultConfig returns development defaults with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "puda-workflow-engine",
		ServiceVersion: "1.2.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logger         *slog.Logger
}

// NewProvider initializes OTLP exporters and registers global providers.
// With cfg.Enabled false it returns a no-op provider.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	p := &Provider{logger: Logger("observability")}
	if cfg == nil || !cfg.Enabled {
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.logger.Info("telemetry enabled", "endpoint", cfg.OTLPEndpoint)
	return p, nil
}

// Tracer returns a named tracer from the global provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Logger returns a component-scoped slog logger.
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// SetupLogging installs a JSON slog handler at the given level as the
// process default.
func SetupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

// Metrics holds the engine-level counters.
type Metrics struct {
	transitions        metric.Int64Counter
	breaches           metric.Int64Counter
	chainVerifications metric.Int64Counter
}

// NewMetrics registers the engine counters on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("puda-workflow-engine")

	transitions, err := meter.Int64Counter("workflow_transitions_total",
		metric.WithDescription("State transitions executed, by service and action"))
	if err != nil {
		return nil, fmt.Errorf("observability: register counter: %w", err)
	}
	breaches, err := meter.Int64Counter("sla_breaches_total",
		metric.WithDescription("Tasks found past their SLA due time"))
	if err != nil {
		return nil, fmt.Errorf("observability: register counter: %w", err)
	}
	verifications, err := meter.Int64Counter("audit_chain_verifications_total",
		metric.WithDescription("Audit chain verification passes, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("observability: register counter: %w", err)
	}
	return &Metrics{
		transitions:        transitions,
		breaches:           breaches,
		chainVerifications: verifications,
	}, nil
}

// RecordTransition counts one executed transition.
func (m *Metrics) RecordTransition(ctx context.Context, serviceKey, action string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", serviceKey),
		attribute.String("action", action),
	))
}

// RecordBreaches counts tasks swept as breached.
func (m *Metrics) RecordBreaches(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.breaches.Add(ctx, int64(n))
}

// RecordVerification counts one chain verification pass.
func (m *Metrics) RecordVerification(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	m.chainVerifications.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}
