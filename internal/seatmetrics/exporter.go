package seatmetrics

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

const seatMetricPrefix = "licensepool_"

// seatGatherer hides everything on the shared registry except the seat
// gauges, so gorm and runtime metrics stay on the /metrics scrape only.
type seatGatherer struct {
	prometheus.Gatherer
}

func (g seatGatherer) Gather() ([]*dto.MetricFamily, error) {
	families, err := g.Gatherer.Gather()
	kept := families[:0]
	for _, family := range families {
		if strings.HasPrefix(family.GetName(), seatMetricPrefix) {
			kept = append(kept, family)
		}
	}
	return kept, err
}

// Exporter pushes the gathered registry on a fixed interval.
type Exporter struct {
	pusher   Pusher
	gatherer prometheus.Gatherer
	interval time.Duration
	log      *zap.Logger
}

func NewExporter(pusher Pusher, gatherer prometheus.Gatherer, interval time.Duration, log *zap.Logger) *Exporter {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if gatherer != nil {
		gatherer = seatGatherer{gatherer}
	}
	return &Exporter{
		pusher:   pusher,
		gatherer: gatherer,
		interval: interval,
		log:      log.Named("seatmetrics.exporter"),
	}
}

func (e *Exporter) PushOnce(ctx context.Context) error {
	if e == nil || e.pusher == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()
	return e.pusher.Push(ctx, e.gatherer)
}

// Run pushes immediately and then on every tick until ctx is done.
// Push failures are logged and retried on the next tick.
func (e *Exporter) Run(ctx context.Context) {
	if err := e.PushOnce(ctx); err != nil {
		e.log.Warn("initial seat metrics push failed", zap.Error(err))
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.PushOnce(ctx); err != nil {
				e.log.Warn("periodic seat metrics push failed", zap.Error(err))
			}
		}
	}
}
