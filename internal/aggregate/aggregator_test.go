package aggregate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/meterly/cost-ledger-api/internal/store"
	"github.com/meterly/cost-ledger-api/internal/store/memory"
	"github.com/meterly/cost-ledger-api/internal/store/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testEntry(id string, ts time.Time, operation string, micros, tokens int64) *model.AuditLogEntry {
	return &model.AuditLogEntry{
		ID:           id,
		Timestamp:    ts,
		Operation:    operation,
		UserID:       "user_1",
		OrgID:        "org_1",
		ResourceID:   "asset_" + id,
		ResourceType: "article",
		CostMicros:   micros,
		TotalTokens:  tokens,
		Success:      true,
	}
}

func TestOnAppend_FoldsIntoEveryPeriodType(t *testing.T) {
	repo := memory.NewMemoryRepository()
	agg := New(zap.NewNop(), repo, AllPeriodTypes)
	ctx := context.Background()

	ts := time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)
	entry := testEntry("e1", ts, "text-generation", 250_000, 10_000)

	_, err := repo.Entries().Append(ctx, entry)
	require.NoError(t, err)
	require.NoError(t, agg.OnAppend(ctx, entry))

	for _, pt := range AllPeriodTypes {
		start, _, err := WindowFor(pt, ts)
		require.NoError(t, err)

		row, err := repo.Aggregates().Get(ctx, "org_1", pt, start)
		require.NoError(t, err, pt)
		assert.Equal(t, int64(250_000), row.TotalCostMicros, pt)
		assert.Equal(t, int64(250_000), row.TextMicros, pt)
		assert.Equal(t, int64(10_000), row.TotalTokens, pt)
		assert.Equal(t, int64(1), row.RequestCount, pt)
	}
}

func TestOnAppend_ExactConservation(t *testing.T) {
	repo := memory.NewMemoryRepository()
	agg := New(zap.NewNop(), repo, []string{PeriodDaily})
	ctx := context.Background()

	ts := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)

	// Awkward micro amounts that would expose float drift.
	amounts := []int64{333_333, 166_667, 1, 999_999, 7}
	var want int64
	for i, micros := range amounts {
		entry := testEntry(fmt.Sprintf("e%d", i), ts.Add(time.Duration(i)*time.Minute), "embedding", micros, 100)
		_, err := repo.Entries().Append(ctx, entry)
		require.NoError(t, err)
		require.NoError(t, agg.OnAppend(ctx, entry))
		want += micros
	}

	start, _, err := WindowFor(PeriodDaily, ts)
	require.NoError(t, err)
	row, err := repo.Aggregates().Get(ctx, "org_1", PeriodDaily, start)
	require.NoError(t, err)

	assert.Equal(t, want, row.TotalCostMicros)
	assert.Equal(t, want, row.EmbeddingMicros)
	assert.Equal(t, int64(len(amounts)), row.RequestCount)
}

func TestReconcile_RepairsDriftedAggregate(t *testing.T) {
	repo := memory.NewMemoryRepository()
	agg := New(zap.NewNop(), repo, []string{PeriodDaily})
	ctx := context.Background()

	ts := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	entry := testEntry("e1", ts, "text-generation", 500_000, 1_000)
	_, err := repo.Entries().Append(ctx, entry)
	require.NoError(t, err)

	start, end, err := WindowFor(PeriodDaily, ts)
	require.NoError(t, err)
	window := store.Window{OrgID: "org_1", PeriodType: PeriodDaily, PeriodStart: start, PeriodEnd: end}

	// Seed a wrong aggregate.
	require.NoError(t, repo.Aggregates().AddEntry(ctx, window, model.CategoryText, 999_999_999, 5))

	drifted, err := agg.Reconcile(ctx, "org_1", PeriodDaily, ts)
	require.NoError(t, err)
	assert.True(t, drifted)

	row, err := repo.Aggregates().Get(ctx, "org_1", PeriodDaily, start)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), row.TotalCostMicros)
	assert.Equal(t, int64(1), row.RequestCount)

	// A second run is a no-op.
	drifted, err = agg.Reconcile(ctx, "org_1", PeriodDaily, ts)
	require.NoError(t, err)
	assert.False(t, drifted)
}

func TestReconcile_DeletesEmptiedWindow(t *testing.T) {
	repo := memory.NewMemoryRepository()
	agg := New(zap.NewNop(), repo, []string{PeriodDaily})
	ctx := context.Background()

	ts := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	start, end, err := WindowFor(PeriodDaily, ts)
	require.NoError(t, err)
	window := store.Window{OrgID: "org_1", PeriodType: PeriodDaily, PeriodStart: start, PeriodEnd: end}

	// Aggregate exists but no entries back it (as after a purge).
	require.NoError(t, repo.Aggregates().AddEntry(ctx, window, model.CategoryText, 100, 1))

	drifted, err := agg.Reconcile(ctx, "org_1", PeriodDaily, ts)
	require.NoError(t, err)
	assert.True(t, drifted)

	_, err = repo.Aggregates().Get(ctx, "org_1", PeriodDaily, start)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// stuckAggregates fails every increment while leaving reads intact.
type stuckAggregates struct {
	store.AggregateRepository
}

func (s *stuckAggregates) AddEntry(ctx context.Context, window store.Window, category model.Category, costMicros, tokens int64) error {
	return errors.New("database is locked")
}

type stuckRepo struct {
	store.Repository
}

func (s *stuckRepo) Aggregates() store.AggregateRepository {
	return &stuckAggregates{AggregateRepository: s.Repository.Aggregates()}
}

func TestOnAppend_FailedIncrementStillMarksWindows(t *testing.T) {
	inner := memory.NewMemoryRepository()
	repo := &stuckRepo{Repository: inner}
	agg := New(zap.NewNop(), repo, AllPeriodTypes)
	ctx := context.Background()

	ts := time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)
	entry := testEntry("e1", ts, "text-generation", 250_000, 10_000)
	_, err := inner.Entries().Append(ctx, entry)
	require.NoError(t, err)

	require.Error(t, agg.OnAppend(ctx, entry))

	// Every window of the entry must reach the next reconcile pass even
	// though no increment landed.
	windows := agg.drainTouched()
	assert.Len(t, windows, len(AllPeriodTypes))
}

func TestDrainTouched(t *testing.T) {
	repo := memory.NewMemoryRepository()
	agg := New(zap.NewNop(), repo, []string{PeriodDaily, PeriodHourly})
	ctx := context.Background()

	ts := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	entry := testEntry("e1", ts, "text-generation", 100, 1)
	require.NoError(t, agg.OnAppend(ctx, entry))

	// Same windows again must not produce duplicates.
	entry2 := testEntry("e2", ts.Add(time.Minute), "text-generation", 100, 1)
	require.NoError(t, agg.OnAppend(ctx, entry2))

	windows := agg.drainTouched()
	assert.Len(t, windows, 2)

	assert.Nil(t, agg.drainTouched())
}
