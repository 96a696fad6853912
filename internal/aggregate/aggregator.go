// Package aggregate maintains the per-org cost roll-ups derived from the
// audit log. Incremental updates happen on every append; reconcile
// recomputes a window from the entries themselves and always wins.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meterly/cost-ledger-api/internal/store"
	"github.com/meterly/cost-ledger-api/internal/store/model"
	"go.uber.org/zap"
)

type Aggregator struct {
	logger      *zap.Logger
	repo        store.Repository
	periodTypes []string

	mu      sync.Mutex
	touched map[string]store.Window
}

func New(logger *zap.Logger, repo store.Repository, periodTypes []string) *Aggregator {
	if len(periodTypes) == 0 {
		periodTypes = AllPeriodTypes
	}
	return &Aggregator{
		logger:      logger,
		repo:        repo,
		periodTypes: periodTypes,
		touched:     make(map[string]store.Window),
	}
}

// OnAppend incrementally folds a freshly appended entry into every
// configured period window. The caller must only invoke this for entries
// that were actually inserted; duplicates would double-count.
func (a *Aggregator) OnAppend(ctx context.Context, entry *model.AuditLogEntry) error {
	category := model.CategoryFor(entry.Operation)

	windows := make([]store.Window, 0, len(a.periodTypes))
	for _, pt := range a.periodTypes {
		start, end, err := WindowFor(pt, entry.Timestamp)
		if err != nil {
			return err
		}
		window := store.Window{
			OrgID:       entry.OrgID,
			PeriodType:  pt,
			PeriodStart: start,
			PeriodEnd:   end,
		}
		// Mark before writing: a failed increment still leaves the window
		// in the next reconcile pass, which recomputes it from entries.
		a.markTouched(window)
		windows = append(windows, window)
	}

	for _, window := range windows {
		if err := a.repo.Aggregates().AddEntry(ctx, window, category, entry.CostMicros, entry.TotalTokens); err != nil {
			return fmt.Errorf("aggregate %s/%s: %w", entry.OrgID, window.PeriodType, err)
		}
	}

	return nil
}

// Reconcile recomputes one window from the audit log and overwrites the
// stored aggregate. It is idempotent; a repeat run stores the same values.
// The returned flag reports whether the stored aggregate had drifted.
func (a *Aggregator) Reconcile(ctx context.Context, orgID, periodType string, periodStart time.Time) (bool, error) {
	start, end, err := WindowFor(periodType, periodStart)
	if err != nil {
		return false, err
	}

	sum, err := a.repo.Entries().SumWindow(ctx, orgID, start, end)
	if err != nil {
		return false, fmt.Errorf("sum window: %w", err)
	}

	prev, err := a.repo.Aggregates().Get(ctx, orgID, periodType, start)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	mismatch := prev != nil && (prev.TotalCostMicros != sum.TotalCostMicros ||
		prev.RequestCount != sum.RequestCount ||
		prev.TotalTokens != sum.TotalTokens)
	if mismatch {
		a.logger.Warn("Reconciliation mismatch, recomputed value wins",
			zap.String("org_id", orgID),
			zap.String("period_type", periodType),
			zap.Time("period_start", start),
			zap.Int64("stored_micros", prev.TotalCostMicros),
			zap.Int64("recomputed_micros", sum.TotalCostMicros),
		)
	}

	if sum.RequestCount == 0 {
		// Nothing left in the window (e.g. after a purge); drop the row
		// rather than keeping an all-zero aggregate around.
		if prev != nil {
			if err := a.repo.Aggregates().Delete(ctx, orgID, periodType, start); err != nil {
				return mismatch, err
			}
		}
		return mismatch, nil
	}

	window := store.Window{OrgID: orgID, PeriodType: periodType, PeriodStart: start, PeriodEnd: end}
	if err := a.repo.Aggregates().Replace(ctx, window, sum); err != nil {
		return mismatch, err
	}

	return mismatch, nil
}

// ReconcileWindows re-derives a known set of windows, e.g. the ones a
// purge invalidated.
func (a *Aggregator) ReconcileWindows(ctx context.Context, windows []store.Window) error {
	for _, w := range windows {
		if _, err := a.Reconcile(ctx, w.OrgID, w.PeriodType, w.PeriodStart); err != nil {
			return err
		}
	}
	return nil
}

func windowKey(w store.Window) string {
	return fmt.Sprintf("%s|%s|%d", w.OrgID, w.PeriodType, w.PeriodStart.Unix())
}

func (a *Aggregator) markTouched(w store.Window) {
	a.mu.Lock()
	a.touched[windowKey(w)] = w
	a.mu.Unlock()
}

// drainTouched hands the set of windows written since the last drain to
// the reconciler and resets it.
func (a *Aggregator) drainTouched() []store.Window {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.touched) == 0 {
		return nil
	}
	windows := make([]store.Window, 0, len(a.touched))
	for _, w := range a.touched {
		windows = append(windows, w)
	}
	a.touched = make(map[string]store.Window)
	return windows
}
