package budget

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/meterly/cost-ledger-api/internal/aggregate"
	"github.com/meterly/cost-ledger-api/internal/store"
	"github.com/meterly/cost-ledger-api/internal/store/memory"
	"github.com/meterly/cost-ledger-api/internal/store/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var checkTime = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

func setupMonitor(t *testing.T, allocatedMicros int64, threshold float64, spentMicros int64) (*Monitor, *memory.MemoryRepository) {
	t.Helper()
	repo := memory.NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Budgets().Upsert(ctx, &model.BudgetAllocation{
		OrgID:            "org_1",
		PeriodType:       aggregate.PeriodMonthly,
		AllocatedMicros:  allocatedMicros,
		ThresholdPercent: threshold,
	}))

	if spentMicros > 0 {
		start, end, err := aggregate.WindowFor(aggregate.PeriodMonthly, checkTime)
		require.NoError(t, err)
		window := store.Window{OrgID: "org_1", PeriodType: aggregate.PeriodMonthly, PeriodStart: start, PeriodEnd: end}
		require.NoError(t, repo.Aggregates().AddEntry(ctx, window, model.CategoryText, spentMicros, 100))
	}

	m := NewMonitor(zap.NewNop(), repo)
	m.now = func() time.Time { return checkTime }
	return m, repo
}

func TestCheckAlert_TriggersAtThreshold(t *testing.T) {
	// $100 allocated, $81 spent, threshold 80%.
	m, _ := setupMonitor(t, 100_000_000, 80, 81_000_000)

	res, err := m.CheckAlert(context.Background(), "org_1", nil)
	require.NoError(t, err)

	assert.True(t, res.Triggered)
	assert.InDelta(t, 81.0, res.PercentUsed, 1e-9)
	assert.Equal(t, int64(81_000_000), res.SpentMicros)
	assert.Equal(t, aggregate.PeriodMonthly, res.PeriodType)
}

func TestCheckAlert_BelowThreshold(t *testing.T) {
	m, _ := setupMonitor(t, 100_000_000, 80, 79_000_000)

	res, err := m.CheckAlert(context.Background(), "org_1", nil)
	require.NoError(t, err)

	assert.False(t, res.Triggered)
	assert.InDelta(t, 79.0, res.PercentUsed, 1e-9)
}

func TestCheckAlert_ThresholdOverride(t *testing.T) {
	m, _ := setupMonitor(t, 100_000_000, 80, 79_000_000)

	override := 75.0
	res, err := m.CheckAlert(context.Background(), "org_1", &override)
	require.NoError(t, err)

	assert.True(t, res.Triggered)
	assert.Equal(t, 75.0, res.ThresholdPercent)
}

func TestCheckAlert_NoAllocation(t *testing.T) {
	repo := memory.NewMemoryRepository()
	m := NewMonitor(zap.NewNop(), repo)

	_, err := m.CheckAlert(context.Background(), "org_without_budget", nil)
	assert.ErrorIs(t, err, ErrNoAllocation)
}

func TestCheckAlert_LiveSumFallback(t *testing.T) {
	repo := memory.NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Budgets().Upsert(ctx, &model.BudgetAllocation{
		OrgID:            "org_1",
		PeriodType:       aggregate.PeriodDaily,
		AllocatedMicros:  10_000_000,
		ThresholdPercent: 80,
	}))

	// Entries exist but no aggregate row does.
	_, err := repo.Entries().Append(ctx, &model.AuditLogEntry{
		ID:         "e1",
		Timestamp:  checkTime.Add(-time.Hour),
		Operation:  "text-generation",
		UserID:     "user_1",
		OrgID:      "org_1",
		CostMicros: 9_000_000,
		Success:    true,
	})
	require.NoError(t, err)

	m := NewMonitor(zap.NewNop(), repo)
	m.now = func() time.Time { return checkTime }

	res, err := m.CheckAlert(ctx, "org_1", nil)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, int64(9_000_000), res.SpentMicros)
}

func TestCheckAlert_ZeroAllocationWithSpend(t *testing.T) {
	m, _ := setupMonitor(t, 0, 80, 1_000_000)

	res, err := m.CheckAlert(context.Background(), "org_1", nil)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, float64(percentCap), res.PercentUsed)

	// The result must survive JSON encoding for the status endpoint.
	_, err = json.Marshal(res)
	require.NoError(t, err)
}
