package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	promclient "github.com/prometheus/client_golang/prometheus"
)

// Global telemetry handles
var (
	// Tracer for distributed tracing
	Tracer = otel.Tracer("github.com/revertd/revertd")

	// Meter for metrics
	Meter = otel.Meter("github.com/revertd/revertd")

	// PrometheusRegistry for Prometheus scraping (dual export pattern)
	// The OTEL exporter automatically registers itself with this registry
	PrometheusRegistry *promclient.Registry

	// Metrics - following OTEL naming conventions
	ChangesDetected   metric.Int64Counter
	SnapshotsCaptured metric.Int64Counter
	RevertsTotal      metric.Int64Counter
	ConfirmsTotal     metric.Int64Counter
	CaptureDuration   metric.Float64Histogram
	RestoreDuration   metric.Float64Histogram
	PendingChanges    metric.Int64Gauge
	SnapshotBytes     metric.Int64Gauge
)

func init() {
	// Instruments exist from process start, bound to the global
	// (no-op) meter; InitOTEL rebinds them to the real provider.
	_ = initMetrics()
}

// Config for OTEL initialization
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTELEndpoint   string // e.g., "localhost:4317"; empty keeps export local-only
	Insecure       bool   // true for local dev
}

// InitOTEL initializes OpenTelemetry with traces and metrics
func InitOTEL(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	cfg = applyConfigDefaults(cfg)

	res, err := createOTELResource(cfg)
	if err != nil {
		return nil, err
	}

	return setupProviders(ctx, cfg, res)
}

// applyConfigDefaults applies default values to config
func applyConfigDefaults(cfg Config) Config {
	if cfg.OTELEndpoint == "" {
		// Empty endpoint disables OTLP export unless the standard
		// environment variable overrides it.
		cfg.OTELEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "revertd"
	}

	return cfg
}

// createOTELResource creates the OTEL resource with service information
func createOTELResource(cfg Config) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// setupProviders sets up trace and metric providers
func setupProviders(ctx context.Context, cfg Config, res *resource.Resource) (func(context.Context) error, error) {
	traceShutdown, err := setupTraceProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("failed to setup traces: %w", err)
	}

	metricShutdown, err := setupMetricProvider(ctx, cfg, res)
	if err != nil {
		_ = traceShutdown(ctx)
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	if err := initMetrics(); err != nil {
		_ = traceShutdown(ctx)
		_ = metricShutdown(ctx)
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return createCombinedShutdown(traceShutdown, metricShutdown), nil
}

// createCombinedShutdown creates a combined shutdown function
func createCombinedShutdown(traceShutdown, metricShutdown func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		var err error
		if e := traceShutdown(ctx); e != nil {
			err = fmt.Errorf("trace shutdown failed: %w", e)
		}
		if e := metricShutdown(ctx); e != nil && err == nil {
			err = fmt.Errorf("metric shutdown failed: %w", e)
		}
		return err
	}
}

// setupTraceProvider configures the trace provider. With an OTLP
// endpoint spans are batched out over gRPC; without one the provider
// still runs so spans exist for log correlation, just unexported.
func setupTraceProvider(ctx context.Context, cfg Config, res *resource.Resource) (func(context.Context) error, error) {
	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}

	if cfg.OTELEndpoint != "" {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.OTELEndpoint),
		}

		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithDialOption(
				grpc.WithTransportCredentials(insecure.NewCredentials()),
			))
		}

		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}

		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
		))
	}

	provider := sdktrace.NewTracerProvider(providerOpts...)

	// Set global provider
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	// Update global tracer
	Tracer = provider.Tracer("github.com/revertd/revertd")

	return provider.Shutdown, nil
}

// setupMetricProvider configures metric provider with dual export (Prometheus + OTLP)
func setupMetricProvider(ctx context.Context, cfg Config, res *resource.Resource) (func(context.Context) error, error) {
	var readers []sdkmetric.Reader

	// 1. Prometheus exporter (pull-based)
	// Create a custom registry for the OTEL exporter
	registry := promclient.NewRegistry()
	PrometheusRegistry = registry

	prometheusExporter, err := prometheus.New(
		prometheus.WithRegisterer(registry),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	readers = append(readers, prometheusExporter)

	// 2. OTLP exporter (push-based), only when an endpoint is configured
	if cfg.OTELEndpoint != "" {
		otlpReader, err := createOTLPReader(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric reader: %w", err)
		}
		readers = append(readers, otlpReader)
	}

	// Create metric provider with both readers
	providerOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}
	for _, reader := range readers {
		providerOpts = append(providerOpts, sdkmetric.WithReader(reader))
	}

	provider := sdkmetric.NewMeterProvider(providerOpts...)

	// Set global provider
	otel.SetMeterProvider(provider)

	// Update global meter
	Meter = provider.Meter("github.com/revertd/revertd")

	return provider.Shutdown, nil
}

// createOTLPReader creates an OTLP periodic reader for push-based export
func createOTLPReader(ctx context.Context, cfg Config) (sdkmetric.Reader, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.OTELEndpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	return sdkmetric.NewPeriodicReader(exporter,
		sdkmetric.WithInterval(10*time.Second),
	), nil
}

// initMetrics initializes all metric instruments
func initMetrics() error {
	if err := initCounters(); err != nil {
		return err
	}

	if err := initHistograms(); err != nil {
		return err
	}

	return initGauges()
}

// initCounters initializes counter metrics
func initCounters() error {
	var err error

	ChangesDetected, err = Meter.Int64Counter("revertd.changes.detected.total",
		metric.WithDescription("Total number of configuration changes detected"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create changes_detected counter: %w", err)
	}

	SnapshotsCaptured, err = Meter.Int64Counter("revertd.snapshots.captured.total",
		metric.WithDescription("Total number of snapshots captured"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create snapshots_captured counter: %w", err)
	}

	RevertsTotal, err = Meter.Int64Counter("revertd.reverts.total",
		metric.WithDescription("Total number of revert attempts by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create reverts counter: %w", err)
	}

	ConfirmsTotal, err = Meter.Int64Counter("revertd.confirms.total",
		metric.WithDescription("Total number of confirmed changes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create confirms counter: %w", err)
	}

	return nil
}

// initHistograms initializes histogram metrics
func initHistograms() error {
	var err error

	CaptureDuration, err = Meter.Float64Histogram("revertd.capture.duration.seconds",
		metric.WithDescription("Duration of snapshot capture operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create capture_duration histogram: %w", err)
	}

	RestoreDuration, err = Meter.Float64Histogram("revertd.restore.duration.seconds",
		metric.WithDescription("Duration of snapshot restore operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create restore_duration histogram: %w", err)
	}

	return nil
}

// initGauges initializes gauge metrics
func initGauges() error {
	var err error

	PendingChanges, err = Meter.Int64Gauge("revertd.changes.pending.current",
		metric.WithDescription("Current number of unconfirmed pending changes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pending_changes gauge: %w", err)
	}

	SnapshotBytes, err = Meter.Int64Gauge("revertd.snapshots.bytes.current",
		metric.WithDescription("Total bytes of stored snapshot archives"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create snapshot_bytes gauge: %w", err)
	}

	return nil
}
