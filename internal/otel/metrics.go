package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig holds configuration for metric collection.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false.
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters.
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "nexus-router",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps the nexus-router metric instruments.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.Mutex

	runCounter      metric.Int64Counter
	toolCallCounter metric.Int64Counter
	stepLatency     metric.Float64Histogram
	eventCounter    metric.Int64Counter
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{config: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := createMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := createResource(cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

func createMetricExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.runCounter, err = m.meter.Int64Counter(
		"nexus.runs",
		metric.WithDescription("Count of runs by outcome"),
	)
	if err != nil {
		return fmt.Errorf("failed to create run counter: %w", err)
	}

	m.toolCallCounter, err = m.meter.Int64Counter(
		"nexus.tool_calls",
		metric.WithDescription("Count of tool calls by result"),
	)
	if err != nil {
		return fmt.Errorf("failed to create tool call counter: %w", err)
	}

	m.stepLatency, err = m.meter.Float64Histogram(
		"nexus.step.latency",
		metric.WithDescription("Latency of plan steps"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create step latency histogram: %w", err)
	}

	m.eventCounter, err = m.meter.Int64Counter(
		"nexus.events.appended",
		metric.WithDescription("Count of events appended to the store"),
	)
	if err != nil {
		return fmt.Errorf("failed to create event counter: %w", err)
	}

	return nil
}

// RecordRun records a finished run with its outcome ("ok" or "error").
func (m *Metrics) RecordRun(ctx context.Context, mode, outcome string) {
	if m.runCounter == nil {
		return
	}
	m.runCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	))
}

// RecordToolCall records one tool call result. Code is empty on success.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, code string) {
	if m.toolCallCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
		attribute.Bool("success", code == ""),
	}
	if code != "" {
		attrs = append(attrs, attribute.String("error_code", code))
	}
	m.toolCallCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordStepLatency records the latency of one plan step.
func (m *Metrics) RecordStepLatency(ctx context.Context, stepStatus string, latencyMs float64) {
	if m.stepLatency == nil {
		return
	}
	m.stepLatency.Record(ctx, latencyMs, metric.WithAttributes(
		attribute.String("status", stepStatus),
	))
}

// RecordEventAppended counts one appended event by type.
func (m *Metrics) RecordEventAppended(ctx context.Context, eventType string) {
	if m.eventCounter == nil {
		return
	}
	m.eventCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
	))
}

// Shutdown gracefully shuts down the metrics provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// SetGlobalMetrics installs the process-wide metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m
}

// GlobalMetrics returns the process-wide metrics, creating a disabled
// instance if none has been installed.
func GlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	m := globalMetrics
	globalMetricsMu.RUnlock()
	if m != nil {
		return m
	}

	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	if globalMetrics == nil {
		globalMetrics, _ = NewMetrics(context.Background(), DefaultMetricsConfig())
	}
	return globalMetrics
}
