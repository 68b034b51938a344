package seatmetrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/licensepool/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("seatmetrics",
	fx.Provide(NewCollector),
	fx.Provide(NewPusher),
	fx.Invoke(Register),
)

// Register exposes the seat gauges on the shared registry and, when a push
// exporter is configured, starts the background push loop.
func Register(lc fx.Lifecycle, cfg config.Config, registry *prometheus.Registry, collector *Collector, pusher Pusher, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := registry.Register(collector); err != nil {
		return err
	}
	if pusher == nil {
		return nil
	}

	exporter := NewExporter(pusher, registry, cfg.SeatMetrics.Interval, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting seat metrics exporter",
				zap.String("exporter", cfg.SeatMetrics.Exporter),
				zap.Duration("interval", exporter.interval),
			)
			go func() {
				defer close(done)
				exporter.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
	return nil
}
