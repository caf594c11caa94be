// Package telemetry exports the collector's own metrics through
// OpenTelemetry. It implements the recorder hooks of the ingest, alerts and
// sweeper packages.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
	"github.com/4Noyis/netpulse/internal/server/alerts"
	"github.com/4Noyis/netpulse/internal/server/config"
	"github.com/4Noyis/netpulse/internal/server/ingest"
	"github.com/4Noyis/netpulse/internal/server/sweeper"
)

const meterName = "github.com/4Noyis/netpulse"

// Metrics holds the collector instruments.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	ingests          metric.Int64Counter
	ingestDuration   metric.Float64Histogram
	alertTransitions metric.Int64Counter
	pointsPruned     metric.Int64Counter
	sweeps           metric.Int64Counter
	hosts            metric.Int64ObservableGauge
	points           metric.Int64ObservableGauge

	mu  sync.Mutex
	reg metric.Registration
}

var (
	_ ingest.Recorder  = (*Metrics)(nil)
	_ alerts.Recorder  = (*Metrics)(nil)
	_ sweeper.Recorder = (*Metrics)(nil)
)

// New builds the meter provider for the configured exporter. With the
// "none" exporter instruments still work but nothing leaves the process.
func New(ctx context.Context, cfg config.TelemetryConfig) (*Metrics, error) {
	var reader sdkmetric.Reader
	if cfg.Exporter != config.ExporterNone && cfg.Exporter != "" {
		exp, err := newExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval))
	}
	m, err := newMetrics(cfg.ServiceName, reader)
	if err != nil {
		return nil, err
	}
	if reader != nil {
		otel.SetMeterProvider(m.provider)
		appLogger.Info("Exporting collector metrics via %s every %s", cfg.Exporter, cfg.Interval)
	}
	return m, nil
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig) (sdkmetric.Exporter, error) {
	switch cfg.Exporter {
	case config.ExporterStdout:
		return stdoutmetric.New()
	case config.ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case config.ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.Exporter)
	}
}

func newMetrics(serviceName string, reader sdkmetric.Reader) (*Metrics, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader != nil {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	provider := sdkmetric.NewMeterProvider(opts...)
	m := &Metrics{provider: provider, meter: provider.Meter(meterName)}
	if err := m.registerInstruments(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) registerInstruments() error {
	var err error
	if m.ingests, err = m.meter.Int64Counter("netpulse.ingest.requests",
		metric.WithDescription("Agent reports by result")); err != nil {
		return fmt.Errorf("failed to create ingest counter: %w", err)
	}
	if m.ingestDuration, err = m.meter.Float64Histogram("netpulse.ingest.duration",
		metric.WithDescription("Time to apply one agent report"),
		metric.WithUnit("ms")); err != nil {
		return fmt.Errorf("failed to create ingest histogram: %w", err)
	}
	if m.alertTransitions, err = m.meter.Int64Counter("netpulse.alerts.transitions",
		metric.WithDescription("Alert state changes by type and transition")); err != nil {
		return fmt.Errorf("failed to create alert counter: %w", err)
	}
	if m.pointsPruned, err = m.meter.Int64Counter("netpulse.timeseries.pruned",
		metric.WithDescription("History points removed by retention")); err != nil {
		return fmt.Errorf("failed to create prune counter: %w", err)
	}
	if m.sweeps, err = m.meter.Int64Counter("netpulse.sweeps",
		metric.WithDescription("Background sweeps by task and result")); err != nil {
		return fmt.Errorf("failed to create sweep counter: %w", err)
	}
	if m.hosts, err = m.meter.Int64ObservableGauge("netpulse.hosts",
		metric.WithDescription("Hosts with a snapshot")); err != nil {
		return fmt.Errorf("failed to create hosts gauge: %w", err)
	}
	if m.points, err = m.meter.Int64ObservableGauge("netpulse.timeseries.points",
		metric.WithDescription("History points held in memory")); err != nil {
		return fmt.Errorf("failed to create points gauge: %w", err)
	}
	return nil
}

// ObserveState registers the gauge callback. Calling it again replaces the
// previous sources.
func (m *Metrics) ObserveState(hosts, points func() int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reg != nil {
		if err := m.reg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister gauge callback: %w", err)
		}
	}
	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.hosts, int64(hosts()))
		o.ObserveInt64(m.points, int64(points()))
		return nil
	}, m.hosts, m.points)
	if err != nil {
		return fmt.Errorf("failed to register gauge callback: %w", err)
	}
	m.reg = reg
	return nil
}

func (m *Metrics) IngestDone(ctx context.Context, result string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.ingests.Add(ctx, 1, attrs)
	m.ingestDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}

func (m *Metrics) AlertTransition(ctx context.Context, alertType, transition string) {
	m.alertTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("alert_type", alertType),
		attribute.String("transition", transition),
	))
}

func (m *Metrics) SweepDone(ctx context.Context, task string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sweeps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("result", result),
	))
}

func (m *Metrics) PointsPruned(ctx context.Context, n int) {
	m.pointsPruned.Add(ctx, int64(n))
}

// Shutdown flushes pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	reg := m.reg
	m.reg = nil
	m.mu.Unlock()
	if reg != nil {
		if err := reg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister gauge callback: %w", err)
		}
	}
	return m.provider.Shutdown(ctx)
}
