package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meterly/cost-ledger-api/internal/aggregate"
	"github.com/meterly/cost-ledger-api/internal/budget"
	"github.com/meterly/cost-ledger-api/internal/pricing"
	"github.com/meterly/cost-ledger-api/internal/store"
	"github.com/meterly/cost-ledger-api/internal/store/cache"
	"github.com/meterly/cost-ledger-api/internal/store/memory"
	"github.com/meterly/cost-ledger-api/internal/store/model"
	"github.com/meterly/cost-ledger-api/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, repo store.Repository) *service {
	t.Helper()

	logger := zap.NewNop()
	table, err := pricing.Default()
	require.NoError(t, err)

	aggregator := aggregate.New(logger, repo, aggregate.AllPeriodTypes)
	monitor := budget.NewMonitor(logger, repo)
	dispatcher := budget.NewDispatcher(logger, repo, &budget.LogNotifier{Logger: logger})

	svc := NewService(logger, repo, pricing.NewProvider(table),
		aggregator, monitor, dispatcher, cache.NewMemoryCache()).(*service)
	svc.writeBaseDelay = time.Millisecond
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func testEvent(resourceID string) *api.UsageEvent {
	return &api.UsageEvent{
		Operation:    api.OpTextGeneration,
		Model:        "gpt-4o",
		UserID:       "user_1",
		OrgID:        "org_1",
		ResourceID:   resourceID,
		ResourceType: "article",
		Timestamp:    fixedNow.Add(-time.Hour),
		Success:      true,
		Tokens:       &api.TokenUsage{InputTokens: 1_000_000, OutputTokens: 100_000},
	}
}

func TestRecordOperation_PersistsEntryAndAggregates(t *testing.T) {
	repo := memory.NewMemoryRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	event := testEvent("asset_1")
	resp, err := svc.RecordOperation(ctx, event)
	require.NoError(t, err)

	wantID := EntryID("text-generation", "user_1", "article", "asset_1", event.Timestamp)
	assert.Equal(t, wantID, resp.AuditID)
	assert.False(t, resp.Duplicate)
	// 1M input @ $2.50/M + 100k output @ $10/M
	assert.InDelta(t, 3.50, resp.CostUSD, 1e-9)

	entry, err := repo.Entries().GetByID(ctx, wantID)
	require.NoError(t, err)
	assert.Equal(t, int64(3_500_000), entry.CostMicros)
	assert.Equal(t, int64(1_100_000), entry.TotalTokens)
	assert.Equal(t, "2026.8.1", entry.PricingVersion)

	start, _, err := aggregate.WindowFor(aggregate.PeriodDaily, event.Timestamp)
	require.NoError(t, err)
	agg, err := repo.Aggregates().Get(ctx, "org_1", aggregate.PeriodDaily, start)
	require.NoError(t, err)
	assert.Equal(t, int64(3_500_000), agg.TotalCostMicros)
	assert.Equal(t, int64(3_500_000), agg.TextMicros)
	assert.Equal(t, int64(1), agg.RequestCount)
}

func TestRecordOperation_DuplicateDeliveryIsIdempotent(t *testing.T) {
	repo := memory.NewMemoryRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	first, err := svc.RecordOperation(ctx, testEvent("asset_1"))
	require.NoError(t, err)

	second, err := svc.RecordOperation(ctx, testEvent("asset_1"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.AuditID, second.AuditID)
	assert.Equal(t, first.CostUSD, second.CostUSD)

	// The duplicate must not double-count the aggregate.
	start, _, err := aggregate.WindowFor(aggregate.PeriodDaily, fixedNow.Add(-time.Hour))
	require.NoError(t, err)
	agg, err := repo.Aggregates().Get(ctx, "org_1", aggregate.PeriodDaily, start)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.RequestCount)
	assert.Equal(t, int64(3_500_000), agg.TotalCostMicros)
}

func TestRecordManualAction_ZeroCost(t *testing.T) {
	repo := memory.NewMemoryRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	resp, err := svc.RecordManualAction(ctx, &api.ManualActionRequest{
		UserID:       "editor_1",
		OrgID:        "org_1",
		Action:       "approved-copy",
		ResourceID:   "asset_9",
		ResourceType: "article",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(0), resp.CostUSD)

	entry, err := repo.Entries().GetByID(ctx, resp.AuditID)
	require.NoError(t, err)
	assert.Equal(t, "approved-copy", entry.Action)
	assert.Equal(t, int64(0), entry.CostMicros)
	assert.False(t, entry.Model.Valid)
	assert.Equal(t, fixedNow, entry.Timestamp)
}

func TestRecordOperation_RejectsUnknownMetadataKey(t *testing.T) {
	repo := memory.NewMemoryRepository()
	svc := newTestService(t, repo)

	event := testEvent("asset_1")
	event.Metadata = map[string]string{"prompt": "never store me"}

	_, err := svc.RecordOperation(context.Background(), event)
	assert.Error(t, err)

	_, total, err := repo.Entries().List(context.Background(), store.EntryFilter{}, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

// brokenEntries simulates a store whose appends always fail.
type brokenEntries struct {
	store.EntryRepository
	calls int
}

func (b *brokenEntries) Append(ctx context.Context, entry *model.AuditLogEntry) (*store.AppendResult, error) {
	b.calls++
	return nil, errors.New("disk is on fire")
}

type brokenRepo struct {
	store.Repository
	entries *brokenEntries
}

func (b *brokenRepo) Entries() store.EntryRepository { return b.entries }

func TestRecordOperation_WriteExhaustionParksEntry(t *testing.T) {
	inner := memory.NewMemoryRepository()
	repo := &brokenRepo{
		Repository: inner,
		entries:    &brokenEntries{EntryRepository: inner.Entries()},
	}
	svc := newTestService(t, repo)

	_, err := svc.RecordOperation(context.Background(), testEvent("asset_1"))
	require.Error(t, err)

	var exhausted *WriteExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, int64(3_500_000), exhausted.CostMicros)
	assert.Equal(t, 3, repo.entries.calls)

	letters, err := inner.DeadLetters().List(context.Background(), model.DeadLetterEntry, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].Payload, exhausted.AuditID)
	assert.Contains(t, letters[0].Reason, "disk is on fire")
}

func TestPurgeUser_RemovesEntriesAndRepairsAggregates(t *testing.T) {
	repo := memory.NewMemoryRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.RecordOperation(ctx, testEvent("asset_1"))
	require.NoError(t, err)
	_, err = svc.RecordOperation(ctx, testEvent("asset_2"))
	require.NoError(t, err)

	other := testEvent("asset_3")
	other.UserID = "user_2"
	_, err = svc.RecordOperation(ctx, other)
	require.NoError(t, err)

	deleted, err := svc.PurgeUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, total, err := repo.Entries().List(ctx, store.EntryFilter{UserID: "user_1"}, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)

	// The shared window now reflects only the surviving user's spend.
	start, _, err := aggregate.WindowFor(aggregate.PeriodDaily, fixedNow.Add(-time.Hour))
	require.NoError(t, err)
	agg, err := repo.Aggregates().Get(ctx, "org_1", aggregate.PeriodDaily, start)
	require.NoError(t, err)
	assert.Equal(t, int64(3_500_000), agg.TotalCostMicros)
	assert.Equal(t, int64(1), agg.RequestCount)
}

func TestDrain_WaitsForBudgetChecks(t *testing.T) {
	repo := memory.NewMemoryRepository()
	svc := newTestService(t, repo)

	_, err := svc.RecordOperation(context.Background(), testEvent("asset_1"))
	require.NoError(t, err)

	// Must return once the spawned budget check has finished.
	svc.Drain()
}

func TestPurgeUser_NoEntriesIsSuccess(t *testing.T) {
	repo := memory.NewMemoryRepository()
	svc := newTestService(t, repo)

	deleted, err := svc.PurgeUser(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}

func TestGetCostSummary_FromAggregate(t *testing.T) {
	repo := memory.NewMemoryRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.RecordOperation(ctx, testEvent("asset_1"))
	require.NoError(t, err)

	summary, err := svc.GetCostSummary(ctx, "org_1", api.PeriodDaily, fixedNow.Add(-time.Hour))
	require.NoError(t, err)

	assert.True(t, summary.FromAggregate)
	assert.InDelta(t, 3.50, summary.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(1), summary.RequestCount)
	assert.InDelta(t, 3.50, summary.Breakdown.TextGeneration, 1e-9)
	require.Len(t, summary.TopModels, 1)
	assert.Equal(t, "gpt-4o", summary.TopModels[0].Model)
	require.Len(t, summary.TopUsers, 1)
	assert.Equal(t, "user_1", summary.TopUsers[0].UserID)
	assert.Nil(t, summary.Budget)
}

func TestGetCostSummary_LiveFallbackWithoutAggregate(t *testing.T) {
	repo := memory.NewMemoryRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	// Append directly, bypassing the aggregator, so no roll-up row exists.
	entry := &model.AuditLogEntry{
		ID:           "raw-entry-1",
		Timestamp:    fixedNow.Add(-time.Hour),
		Operation:    string(api.OpEmbedding),
		UserID:       "user_1",
		OrgID:        "org_1",
		ResourceID:   "asset_1",
		ResourceType: "article",
		CostMicros:   42_000,
		TotalTokens:  2_000_000,
		Success:      true,
	}
	_, err := repo.Entries().Append(ctx, entry)
	require.NoError(t, err)

	summary, err := svc.GetCostSummary(ctx, "org_1", api.PeriodDaily, fixedNow.Add(-time.Hour))
	require.NoError(t, err)

	assert.False(t, summary.FromAggregate)
	assert.InDelta(t, 0.042, summary.TotalCostUSD, 1e-9)
	assert.InDelta(t, 0.042, summary.Breakdown.Embeddings, 1e-9)
	assert.Equal(t, int64(1), summary.RequestCount)
}

func TestGetCostSummary_RejectsUnknownPeriod(t *testing.T) {
	repo := memory.NewMemoryRepository()
	svc := newTestService(t, repo)

	_, err := svc.GetCostSummary(context.Background(), "org_1", "fortnightly", fixedNow)
	assert.Error(t, err)
}

func TestGetCampaignReport(t *testing.T) {
	repo := memory.NewMemoryRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	for i, resource := range []string{"asset_1", "asset_1", "asset_2"} {
		event := testEvent(resource)
		event.CampaignTag = "summer-launch"
		event.Timestamp = fixedNow.Add(-time.Duration(i+1) * time.Hour)
		_, err := svc.RecordOperation(ctx, event)
		require.NoError(t, err)
	}

	// An entry outside the campaign must not leak in.
	_, err := svc.RecordOperation(ctx, testEvent("asset_0"))
	require.NoError(t, err)

	report, err := svc.GetCampaignReport(ctx, "org_1", "summer-launch", time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, "org_1", report.OrgID)
	assert.Equal(t, int64(3), report.RequestCount)
	assert.InDelta(t, 10.50, report.TotalCostUSD, 1e-9)
	require.Len(t, report.ByAsset, 2)
	assert.Equal(t, "asset_1", report.ByAsset[0].ResourceID)
	assert.Equal(t, int64(2), report.ByAsset[0].Requests)
	require.Len(t, report.ByUser, 1)
}

func TestGetCampaignReport_IsolatesOrgsSharingATag(t *testing.T) {
	repo := memory.NewMemoryRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	mine := testEvent("asset_1")
	mine.CampaignTag = "shared-tag"
	_, err := svc.RecordOperation(ctx, mine)
	require.NoError(t, err)

	// Another org reuses the tag with colliding timestamps.
	theirs := testEvent("asset_1")
	theirs.OrgID = "org_2"
	theirs.UserID = "user_2"
	theirs.CampaignTag = "shared-tag"
	_, err = svc.RecordOperation(ctx, theirs)
	require.NoError(t, err)

	report, err := svc.GetCampaignReport(ctx, "org_1", "shared-tag", time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.RequestCount)
	assert.InDelta(t, 3.50, report.TotalCostUSD, 1e-9)
	require.Len(t, report.ByUser, 1)
	assert.Equal(t, "user_1", report.ByUser[0].UserID)
}
