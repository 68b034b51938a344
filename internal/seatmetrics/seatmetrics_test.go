package seatmetrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/licensepool/internal/config"
	"github.com/smallbiznis/licensepool/internal/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

func TestBuildRemoteWriteSeriesSkipsHistograms(t *testing.T) {
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "seats", Help: "seats"}, []string{"status", "application_id"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "latency", Help: "latency"})
	registry.MustRegister(gauge, histogram)
	gauge.WithLabelValues("ACTIVE", "app_crm").Set(7)
	histogram.Observe(0.2)

	families, err := registry.Gather()
	require.NoError(t, err)

	series := buildRemoteWriteSeries(families, 1700000000000)
	require.Len(t, series, 1)
	assert.Equal(t, []prompb.Label{
		{Name: "__name__", Value: "seats"},
		{Name: "application_id", Value: "app_crm"},
		{Name: "status", Value: "ACTIVE"},
	}, series[0].Labels)
	require.Len(t, series[0].Samples, 1)
	assert.Equal(t, 7.0, series[0].Samples[0].Value)
	assert.Equal(t, int64(1700000000000), series[0].Samples[0].Timestamp)
}

func TestCollectorAggregatesPoolsAcrossTenants(t *testing.T) {
	db := dbtest.Open(t)
	node := dbtest.MustNode(t)
	tierID := node.Generate()
	dbtest.SeedTier(t, db, tierID, "app_crm", "Pro", "ACTIVE", nil)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	dbtest.SeedPool(t, db, node.Generate(), "tenant_a", "app_crm", tierID, 10, 4, "ACTIVE", now)
	dbtest.SeedPool(t, db, node.Generate(), "tenant_b", "app_crm", tierID, 5, 5, "ACTIVE", now)
	dbtest.SeedPool(t, db, node.Generate(), "tenant_c", "app_crm", tierID, 3, 0, "CANCELED", now)

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(db, zap.NewNop()))

	families, err := registry.Gather()
	require.NoError(t, err)

	assert.Equal(t, 2.0, gaugeValue(t, families, "licensepool_pools", "ACTIVE"))
	assert.Equal(t, 15.0, gaugeValue(t, families, "licensepool_seats_purchased", "ACTIVE"))
	assert.Equal(t, 9.0, gaugeValue(t, families, "licensepool_seats_assigned", "ACTIVE"))
	assert.Equal(t, 1.0, gaugeValue(t, families, "licensepool_pools", "CANCELED"))
	assert.Equal(t, 0.0, gaugeValue(t, families, "licensepool_seat_scrape_errors", ""))
}

func TestRemoteWritePusherSendsSnappyProtobuf(t *testing.T) {
	var received prompb.WriteRequest
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		decoded, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, proto.Unmarshal(decoded, protoadapt.MessageV2Of(&received)))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "licensepool_seats_assigned", Help: "assigned"})
	registry.MustRegister(gauge)
	gauge.Set(3)

	pusher := NewRemoteWritePusher(server.URL, "secret")
	pusher.now = func() time.Time { return time.UnixMilli(1700000000000) }
	require.NoError(t, pusher.Push(context.Background(), registry))

	assert.Equal(t, "snappy", headers.Get("Content-Encoding"))
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))
	require.Len(t, received.Timeseries, 1)
	assert.Equal(t, 3.0, received.Timeseries[0].Samples[0].Value)
	assert.Equal(t, int64(1700000000000), received.Timeseries[0].Samples[0].Timestamp)
}

func TestRemoteWritePusherReportsRejectedWrites(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "up_seats", Help: "seats"})
	registry.MustRegister(gauge)

	err := NewRemoteWritePusher(server.URL, "").Push(context.Background(), registry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestNewPusherSelection(t *testing.T) {
	cases := []struct {
		name     string
		cfg      config.SeatMetricsConfig
		wantType any
	}{
		{name: "disabled", cfg: config.SeatMetricsConfig{Exporter: exporterPrometheusRemoteWrite, Endpoint: "http://sink/api/v1/write"}},
		{name: "missing exporter", cfg: config.SeatMetricsConfig{Enabled: true, Endpoint: "http://sink"}},
		{name: "missing endpoint", cfg: config.SeatMetricsConfig{Enabled: true, Exporter: exporterPrometheusPushgateway}},
		{name: "unknown exporter", cfg: config.SeatMetricsConfig{Enabled: true, Exporter: "statsd", Endpoint: "http://sink"}},
		{name: "bad remote write url", cfg: config.SeatMetricsConfig{Enabled: true, Exporter: exporterPrometheusRemoteWrite, Endpoint: "sink"}},
		{name: "remote write", cfg: config.SeatMetricsConfig{Enabled: true, Exporter: exporterPrometheusRemoteWrite, Endpoint: "http://sink/api/v1/write"}, wantType: &RemoteWritePusher{}},
		{name: "pushgateway", cfg: config.SeatMetricsConfig{Enabled: true, Exporter: exporterPrometheusPushgateway, Endpoint: "http://gateway:9091"}, wantType: &PushgatewayPusher{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pusher := NewPusher(config.Config{AppName: "licensepool", SeatMetrics: tc.cfg}, zap.NewNop())
			if tc.wantType == nil {
				assert.Nil(t, pusher)
				return
			}
			assert.IsType(t, tc.wantType, pusher)
		})
	}
}

type capturingPusher struct {
	names []string
}

func (p *capturingPusher) Push(_ context.Context, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	for _, family := range families {
		p.names = append(p.names, family.GetName())
	}
	return err
}

func TestExporterPushesOnlySeatFamilies(t *testing.T) {
	registry := prometheus.NewRegistry()
	seats := prometheus.NewGauge(prometheus.GaugeOpts{Name: "licensepool_seats_assigned", Help: "assigned"})
	queries := prometheus.NewCounter(prometheus.CounterOpts{Name: "gorm_dbstats_queries", Help: "queries"})
	registry.MustRegister(seats, queries)

	pusher := &capturingPusher{}
	require.NoError(t, NewExporter(pusher, registry, time.Minute, zap.NewNop()).PushOnce(context.Background()))
	assert.Equal(t, []string{"licensepool_seats_assigned"}, pusher.names)
}

type countingPusher struct {
	pushes chan struct{}
}

func (p *countingPusher) Push(context.Context, prometheus.Gatherer) error {
	select {
	case p.pushes <- struct{}{}:
	default:
	}
	return nil
}

func TestExporterPushesUntilCanceled(t *testing.T) {
	pusher := &countingPusher{pushes: make(chan struct{}, 16)}
	exporter := NewExporter(pusher, prometheus.NewRegistry(), 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		exporter.Run(ctx)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-pusher.pushes:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected push %d", i+1)
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("exporter did not stop")
	}
}

func gaugeValue(t *testing.T, families []*dto.MetricFamily, name, status string) float64 {
	t.Helper()
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if status == "" {
				return metric.GetGauge().GetValue()
			}
			for _, label := range metric.GetLabel() {
				if label.GetName() == "status" && label.GetValue() == status {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{status=%q} not found", name, status)
	return 0
}
