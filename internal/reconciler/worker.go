// Package reconciler periodically recounts every pool's assigned seats. With
// redis configured, replicas share a lease so one sweep runs per interval.
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/licensepool/internal/auditcontext"
	"github.com/smallbiznis/licensepool/internal/clock"
	"github.com/smallbiznis/licensepool/internal/config"
	pooldomain "github.com/smallbiznis/licensepool/internal/pool/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	lockKey        = "licensepool:reconcile:lock"
	actorID        = "reconciler"
	releaseTimeout = 2 * time.Second
)

var (
	ErrLockHeld  = errors.New("reconcile_lock_held")
	ErrLeaseLost = errors.New("reconcile_lease_lost")
)

type Params struct {
	fx.In

	Log    *zap.Logger
	Clock  clock.Clock
	Config config.Config
	Pools  pooldomain.Service
	Locker *Locker `optional:"true"`
}

type Worker struct {
	log    *zap.Logger
	clock  clock.Clock
	cfg    config.ReconcileConfig
	pools  pooldomain.Service
	locker *Locker
}

func New(p Params) *Worker {
	cfg := p.Config.Reconcile
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	return &Worker{
		log:    p.Log.Named("reconciler").With(zap.String("component", "reconciler")),
		clock:  p.Clock,
		cfg:    cfg,
		pools:  p.Pools,
		locker: p.Locker,
	}
}

// RunOnce performs one sweep. It returns ErrLockHeld when another replica owns
// the lease. The lease is renewed while the sweep runs; if it is lost the sweep
// is canceled so two replicas never recount concurrently.
func (w *Worker) RunOnce(ctx context.Context) (pooldomain.ReconcileReport, error) {
	if w.locker != nil {
		lease, err := w.locker.Acquire(ctx, lockKey, w.cfg.LockTTL)
		if err != nil {
			return pooldomain.ReconcileReport{}, err
		}

		var cancel context.CancelCauseFunc
		ctx, cancel = context.WithCancelCause(ctx)
		go lease.keepAlive(ctx, func(err error) {
			w.log.Warn("reconcile lease lost, aborting sweep", zap.Error(err))
			cancel(ErrLeaseLost)
		})
		defer func() {
			cancel(nil)
			releaseCtx, stop := context.WithTimeout(context.Background(), releaseTimeout)
			defer stop()
			if err := lease.Release(releaseCtx); err != nil {
				w.log.Warn("failed to release reconcile lock", zap.Error(err))
			}
		}()
	}

	ctx = auditcontext.WithActor(ctx, auditcontext.ActorTypeSystem, actorID)
	start := w.clock.Now()
	report, err := w.pools.ReconcileAll(ctx)
	if cause := context.Cause(ctx); errors.Is(cause, ErrLeaseLost) {
		err = cause
	}
	w.log.Info("reconcile run finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("corrected", report.Corrected),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", w.clock.Now().Sub(start)),
	)
	return report, err
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			if errors.Is(err, ErrLockHeld) {
				w.log.Debug("reconcile skipped, lock held by another replica")
			} else if ctx.Err() == nil {
				w.log.Warn("reconcile run failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
