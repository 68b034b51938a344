package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes license engine instruments.
type Metrics struct {
	grants           metric.Int64Counter
	revokes          metric.Int64Counter
	tierChanges      metric.Int64Counter
	capacityExceeded metric.Int64Counter
	reconcileDrift   metric.Int64Counter
	auditFailures    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New registers the license engine counters on the service meter.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "licensepool"
	}
	meter := provider.Meter(name)

	var errs []error
	counter := func(instrument, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(instrument, metric.WithDescription(desc), metric.WithUnit("{event}"))
		errs = append(errs, err)
		return c
	}
	m := &Metrics{
		grants:           counter("licensepool_grants_total", "Grant attempts by licensing mode and result."),
		revokes:          counter("licensepool_revokes_total", "Revoke attempts by result."),
		tierChanges:      counter("licensepool_tier_changes_total", "Tier change attempts by result."),
		capacityExceeded: counter("licensepool_capacity_exceeded_total", "Operations refused because the pool had no free seat."),
		reconcileDrift:   counter("licensepool_reconcile_drift_total", "Seats corrected by reconciliation."),
		auditFailures:    counter("licensepool_audit_failures_total", "Audit entries that could not be written."),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// NewRegistry returns the Prometheus registry shared by the seat gauges, the ops
// /metrics endpoint and the push exporters.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// RecordGrant counts a grant attempt by outcome ("ok" or an error code).
func (m *Metrics) RecordGrant(ctx context.Context, mode, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("mode", strings.TrimSpace(mode)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.grants.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRevoke(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.revokes.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("result", strings.TrimSpace(result)))...))
}

func (m *Metrics) RecordTierChange(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.tierChanges.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("result", strings.TrimSpace(result)))...))
}

func (m *Metrics) RecordCapacityExceeded(ctx context.Context, mode, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("mode", strings.TrimSpace(mode)),
		attribute.String("operation", strings.TrimSpace(operation)),
	)
	m.capacityExceeded.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconcileDrift adds the absolute counter correction applied to one pool.
func (m *Metrics) RecordReconcileDrift(ctx context.Context, drift int64) {
	if m == nil || drift == 0 {
		return
	}
	if drift < 0 {
		drift = -drift
	}
	m.reconcileDrift.Add(ctx, drift)
}

func (m *Metrics) RecordAuditFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.auditFailures.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"mode":      {},
	"result":    {},
	"operation": {},
	"reason":    {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
