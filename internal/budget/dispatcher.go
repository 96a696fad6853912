package budget

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/meterly/cost-ledger-api/internal/store"
	"github.com/meterly/cost-ledger-api/internal/store/model"
	"go.uber.org/zap"
)

// Notifier is the external alerting collaborator. Delivery is
// at-least-once; implementations must tolerate repeats.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogNotifier is the default sink when no external notifier is wired.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	n.Logger.Warn("Budget threshold crossed",
		zap.String("org_id", alert.OrgID),
		zap.String("period_type", alert.PeriodType),
		zap.Float64("percent_used", alert.PercentUsed),
		zap.Float64("threshold_percent", alert.ThresholdPercent),
	)
	return nil
}

// Dispatcher delivers alerts off the recording path through a buffered
// channel and a single worker. A full buffer drops with a log line rather
// than backpressuring the ledger.
type Dispatcher struct {
	logger    *zap.Logger
	repo      store.Repository
	notifier  Notifier
	alertChan chan Alert
	attempts  int
	retryWait time.Duration

	// mu serializes Dispatch against Stop so a late alert lands in the
	// dead-letter table instead of a closed channel.
	mu      sync.Mutex
	stopped bool
}

func NewDispatcher(logger *zap.Logger, repo store.Repository, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		repo:      repo,
		notifier:  notifier,
		alertChan: make(chan Alert, 1024),
		attempts:  2,
		retryWait: 500 * time.Millisecond,
	}
}

// Dispatch enqueues an alert for delivery. Never blocks, and a stopped
// dispatcher parks the alert rather than panicking.
func (d *Dispatcher) Dispatch(alert Alert) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.logger.Warn("Dispatcher stopped, parking alert", zap.String("org_id", alert.OrgID))
		d.deadLetter(context.Background(), alert, "dispatcher stopped")
		return
	}
	select {
	case d.alertChan <- alert:
		d.mu.Unlock()
	default:
		d.mu.Unlock()
		d.logger.Warn("Alert buffer full, dropping to dead letter", zap.String("org_id", alert.OrgID))
		d.deadLetter(context.Background(), alert, "alert buffer full")
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	go d.worker(ctx)
}

// Stop closes the queue. Safe to call more than once; the worker drains
// whatever was already enqueued before exiting.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	close(d.alertChan)
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case alert, ok := <-d.alertChan:
			if !ok {
				return
			}
			d.deliver(ctx, alert)
		case <-ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case alert, ok := <-d.alertChan:
					if !ok {
						return
					}
					d.deliver(context.Background(), alert)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, alert Alert) {
	var lastErr error
	for i := 0; i < d.attempts; i++ {
		if i > 0 {
			time.Sleep(d.retryWait)
		}
		if lastErr = d.notifier.Notify(ctx, alert); lastErr == nil {
			return
		}
	}

	d.logger.Error("Alert delivery failed after retries",
		zap.String("org_id", alert.OrgID),
		zap.Error(lastErr))
	d.deadLetter(ctx, alert, lastErr.Error())
}

func (d *Dispatcher) deadLetter(ctx context.Context, alert Alert, reason string) {
	payload, err := json.Marshal(alert)
	if err != nil {
		d.logger.Error("Failed to encode dead-letter alert", zap.Error(err))
		return
	}
	dl := &model.DeadLetter{
		Kind:    model.DeadLetterAlert,
		Payload: string(payload),
		Reason:  reason,
	}
	if err := d.repo.DeadLetters().Append(ctx, dl); err != nil {
		d.logger.Error("Failed to persist dead-letter alert", zap.Error(err))
	}
}
