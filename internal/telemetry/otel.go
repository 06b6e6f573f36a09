package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`    // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`    // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"` // Use insecure connection for OTLP
}

// Provider manages OpenTelemetry tracing
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("csrd"),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "csrd"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	// Create exporter based on config
	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		slog.Debug("creating OTLP exporter")
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		slog.Debug("creating stdout exporter")
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		// No exporter - tracing disabled
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("csrd"),
		}, nil
	}

	// Create simple trace provider without resource (avoids schema version conflicts)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter), // Use sync exporter for simplicity
	)

	// Set as global provider
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("csrd"),
		provider: tp,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter
func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Scan/check span attributes
const (
	AttrJobID        = "csr.job.id"
	AttrJobState     = "csr.job.state"
	AttrEngine       = "csr.engine"
	AttrTarget       = "csr.target"
	AttrTargetCount  = "csr.target.count"
	AttrDetected     = "csr.detected"
	AttrSeverity     = "csr.severity"
	AttrDurationMs   = "csr.duration.ms"
	AttrRequestMethod = "csr.command"
	AttrRequestPath   = "csr.endpoint"
	AttrResponseCode  = "csr.error.code"
	AttrStreaming     = "csr.async"
)

// StartRequestSpan starts a span for a dispatched command.
func (p *Provider) StartRequestSpan(ctx context.Context, jobID, command, endpoint string, streaming bool) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "csr.command",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrJobID, jobID),
			attribute.String(AttrRequestMethod, command),
			attribute.String(AttrRequestPath, endpoint),
			attribute.Bool(AttrStreaming, streaming),
		),
	)
	return ctx, span
}

// EndRequestSpan ends a command span with its outcome.
func (p *Provider) EndRequestSpan(span trace.Span, errCode int, targetCount int64, err error) {
	span.SetAttributes(
		attribute.Int(AttrResponseCode, errCode),
		attribute.Int64(AttrTargetCount, targetCount),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordScanStarted records a scan job's start as a span event.
func (p *Provider) RecordScanStarted(ctx context.Context, jobID, engine, target string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("scan.started",
		trace.WithAttributes(
			attribute.String(AttrJobID, jobID),
			attribute.String(AttrEngine, engine),
			attribute.String(AttrTarget, target),
		),
	)
}

// RecordScanCompleted records one scan job's terminal state for audit,
// mirroring the history row written to storage.
func (p *Provider) RecordScanCompleted(ctx context.Context, jobID, state, engine, target string, durationMs int64, targetCount int, severity string) {
	_, span := p.tracer.Start(ctx, "scan.record",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrJobID, jobID),
			attribute.String(AttrJobState, state),
			attribute.String(AttrEngine, engine),
			attribute.String(AttrTarget, target),
			attribute.Int64(AttrDurationMs, durationMs),
			attribute.Int(AttrTargetCount, targetCount),
			attribute.String(AttrSeverity, severity),
		),
	)
	span.End()

	slog.Info("scan job recorded",
		"job_id", jobID,
		"state", state,
		"engine", engine,
		"duration_ms", durationMs,
		"targets", targetCount,
		"severity", severity,
	)
}

// RecordScanCancelled records a job cancellation event (peer-close or
// explicit CANCEL).
func (p *Provider) RecordScanCancelled(ctx context.Context, jobID string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("scan.cancelled",
		trace.WithAttributes(
			attribute.String(AttrJobID, jobID),
		),
	)
}

// DefaultConfig returns a default telemetry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "none",
		ServiceName: "csrd",
	}
}

// ConfigFromEnv creates config from environment variables
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}

	if os.Getenv("CSRD_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if os.Getenv("CSRD_TELEMETRY_EXPORTER") != "" {
		cfg.Exporter = os.Getenv("CSRD_TELEMETRY_EXPORTER")
	}
	if os.Getenv("CSRD_TELEMETRY_ENDPOINT") != "" {
		cfg.Endpoint = os.Getenv("CSRD_TELEMETRY_ENDPOINT")
	}

	return cfg
}

// NoopProvider returns a provider that does nothing (for testing)
func NoopProvider() *Provider {
	return &Provider{
		config: Config{Enabled: false},
		tracer: otel.Tracer("csrd-noop"),
	}
}

// SpanFromContext extracts a span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout for shutdown
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
