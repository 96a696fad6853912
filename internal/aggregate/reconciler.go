package aggregate

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reconciler periodically re-derives every window the aggregator has
// touched since the previous pass, correcting any drift from missed or
// partial incremental updates.
type Reconciler struct {
	logger     *zap.Logger
	aggregator *Aggregator
	interval   time.Duration
}

func NewReconciler(logger *zap.Logger, aggregator *Aggregator, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Reconciler{
		logger:     logger,
		aggregator: aggregator,
		interval:   interval,
	}
}

// Start launches the background loop. It stops when ctx is cancelled,
// running one final pass so a clean shutdown leaves aggregates settled.
func (r *Reconciler) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Reconciler) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-ctx.Done():
			r.runOnce(context.Background())
			return
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	windows := r.aggregator.drainTouched()
	if len(windows) == 0 {
		return
	}

	var mismatches int
	for _, w := range windows {
		drifted, err := r.aggregator.Reconcile(ctx, w.OrgID, w.PeriodType, w.PeriodStart)
		if err != nil {
			r.logger.Error("Reconcile pass failed",
				zap.String("org_id", w.OrgID),
				zap.String("period_type", w.PeriodType),
				zap.Error(err))
			continue
		}
		if drifted {
			mismatches++
		}
	}

	r.logger.Info("Reconcile pass complete",
		zap.Int("windows", len(windows)),
		zap.Int("mismatches", mismatches))
}
