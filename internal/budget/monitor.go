// Package budget compares current-period spend against an org's
// allocation. Checking is observational only: it never blocks or fails
// the recording path.
package budget

import (
	"context"
	"errors"
	"time"

	"github.com/meterly/cost-ledger-api/internal/aggregate"
	"github.com/meterly/cost-ledger-api/internal/store"
	"go.uber.org/zap"
)

// ErrNoAllocation is returned when the org has no budget configured.
var ErrNoAllocation = errors.New("budget: no allocation for org")

// percentCap stands in for the percentage when the allocation is zero but
// spend exists. +Inf would be truthful but is not JSON-encodable; any
// finite threshold is crossed either way.
const percentCap = 1e6

// Alert describes one threshold crossing, handed to the Notifier.
type Alert struct {
	OrgID            string    `json:"org_id"`
	PeriodType       string    `json:"period_type"`
	PeriodStart      time.Time `json:"period_start"`
	AllocatedMicros  int64     `json:"allocated_micros"`
	SpentMicros      int64     `json:"spent_micros"`
	PercentUsed      float64   `json:"percent_used"`
	ThresholdPercent float64   `json:"threshold_percent"`
}

// CheckResult is what CheckAlert returns.
type CheckResult struct {
	Triggered        bool
	PercentUsed      float64
	AllocatedMicros  int64
	SpentMicros      int64
	ThresholdPercent float64
	PeriodType       string
	PeriodStart      time.Time
}

type Monitor struct {
	logger *zap.Logger
	repo   store.Repository
	// now is swappable for tests.
	now func() time.Time
}

func NewMonitor(logger *zap.Logger, repo store.Repository) *Monitor {
	return &Monitor{
		logger: logger,
		repo:   repo,
		now:    time.Now,
	}
}

// CheckAlert computes spend/allocation for the window containing now,
// using the allocation's own period type. thresholdOverride, when
// non-nil, replaces the allocation's threshold for this check only.
func (m *Monitor) CheckAlert(ctx context.Context, orgID string, thresholdOverride *float64) (*CheckResult, error) {
	alloc, err := m.lookupAllocation(ctx, orgID)
	if err != nil {
		return nil, err
	}

	start, end, err := aggregate.WindowFor(alloc.PeriodType, m.now())
	if err != nil {
		return nil, err
	}

	spent, err := m.currentSpend(ctx, orgID, alloc.PeriodType, start, end)
	if err != nil {
		return nil, err
	}

	threshold := alloc.ThresholdPercent
	if thresholdOverride != nil {
		threshold = *thresholdOverride
	}

	var pct float64
	if alloc.AllocatedMicros > 0 {
		pct = float64(spent) / float64(alloc.AllocatedMicros) * 100
		if pct > percentCap {
			pct = percentCap
		}
	} else if spent > 0 {
		pct = percentCap
	}

	return &CheckResult{
		Triggered:        pct >= threshold,
		PercentUsed:      pct,
		AllocatedMicros:  alloc.AllocatedMicros,
		SpentMicros:      spent,
		ThresholdPercent: threshold,
		PeriodType:       alloc.PeriodType,
		PeriodStart:      start,
	}, nil
}

func (m *Monitor) lookupAllocation(ctx context.Context, orgID string) (allocation, error) {
	// An org may allocate any single period type; probe monthly-first
	// since that is the common configuration.
	for _, pt := range []string{aggregate.PeriodMonthly, aggregate.PeriodWeekly, aggregate.PeriodDaily, aggregate.PeriodHourly} {
		alloc, err := m.repo.Budgets().Get(ctx, orgID, pt)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return allocation{}, err
		}
		return allocation{
			PeriodType:       alloc.PeriodType,
			AllocatedMicros:  alloc.AllocatedMicros,
			ThresholdPercent: alloc.ThresholdPercent,
		}, nil
	}
	return allocation{}, ErrNoAllocation
}

type allocation struct {
	PeriodType       string
	AllocatedMicros  int64
	ThresholdPercent float64
}

// currentSpend prefers the maintained aggregate and falls back to a live
// sum over entries when no aggregate row exists yet for the window.
func (m *Monitor) currentSpend(ctx context.Context, orgID, periodType string, start, end time.Time) (int64, error) {
	agg, err := m.repo.Aggregates().Get(ctx, orgID, periodType, start)
	if err == nil {
		return agg.TotalCostMicros, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	sum, err := m.repo.Entries().SumWindow(ctx, orgID, start, end)
	if err != nil {
		return 0, err
	}
	return sum.TotalCostMicros, nil
}
