// Package ledger is the public contract of the cost & audit subsystem:
// it prices usage events, appends immutable audit entries, keeps the
// aggregates current, and consults the budget monitor off the hot path.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meterly/cost-ledger-api/internal/aggregate"
	"github.com/meterly/cost-ledger-api/internal/budget"
	"github.com/meterly/cost-ledger-api/internal/pricing"
	"github.com/meterly/cost-ledger-api/internal/store"
	"github.com/meterly/cost-ledger-api/internal/store/cache"
	"github.com/meterly/cost-ledger-api/internal/store/model"
	"github.com/meterly/cost-ledger-api/pkg/api"
	"go.uber.org/zap"
)

// entryNamespace seeds the deterministic entry ids. Changing it would
// break idempotency across deployments, so it never changes.
var entryNamespace = uuid.MustParse("c05f1edb-7a91-4a36-9d10-5d7aa1b3f2ce")

const summaryCacheTTL = 30 * time.Second

// WriteExhaustedError reports an append that failed after all retries.
// The computed cost is still attached so the caller can display it; the
// operation itself is parked in the dead-letter table.
type WriteExhaustedError struct {
	AuditID    string
	CostMicros int64
	Err        error
}

func (e *WriteExhaustedError) Error() string {
	return fmt.Sprintf("audit write exhausted retries for %s: %v", e.AuditID, e.Err)
}

func (e *WriteExhaustedError) Unwrap() error { return e.Err }

// Service is the ledger's public contract.
type Service interface {
	RecordOperation(ctx context.Context, event *api.UsageEvent) (*api.RecordResponse, error)
	RecordManualAction(ctx context.Context, req *api.ManualActionRequest) (*api.RecordResponse, error)
	GetCostSummary(ctx context.Context, orgID string, period api.PeriodType, at time.Time) (*api.CostSummary, error)
	GetCampaignReport(ctx context.Context, orgID, tag string, from, to time.Time) (*api.CampaignCostReport, error)
	ListEntries(ctx context.Context, filter store.EntryFilter, page store.Page) ([]model.AuditLogEntry, int64, error)
	PurgeUser(ctx context.Context, userID string) (int64, error)
	Reconcile(ctx context.Context, orgID, periodType string, periodStart time.Time) (bool, error)
	// Drain blocks until in-flight budget checks have finished. Called on
	// shutdown before the alert dispatcher stops.
	Drain()
}

type service struct {
	logger     *zap.Logger
	repo       store.Repository
	prices     *pricing.Provider
	aggregator *aggregate.Aggregator
	monitor    *budget.Monitor
	dispatcher *budget.Dispatcher
	cache      cache.CacheService

	writeAttempts  int
	writeBaseDelay time.Duration
	now            func() time.Time

	// checks tracks the budget checks spawned off the recording path so
	// shutdown can wait for them instead of racing the dispatcher.
	checks sync.WaitGroup
}

func NewService(
	logger *zap.Logger,
	repo store.Repository,
	prices *pricing.Provider,
	aggregator *aggregate.Aggregator,
	monitor *budget.Monitor,
	dispatcher *budget.Dispatcher,
	cacheService cache.CacheService,
) Service {
	return &service{
		logger:         logger,
		repo:           repo,
		prices:         prices,
		aggregator:     aggregator,
		monitor:        monitor,
		dispatcher:     dispatcher,
		cache:          cacheService,
		writeAttempts:  3,
		writeBaseDelay: 100 * time.Millisecond,
		now:            time.Now,
	}
}

// EntryID derives the deterministic audit id for an event. Identical
// (operation, user, resource, timestamp) content always maps to the same
// id, which is what makes duplicate delivery a no-op.
func EntryID(operation, userID, resourceType, resourceID string, ts time.Time) string {
	key := fmt.Sprintf("%s|%s|%s|%s|%d", operation, userID, resourceType, resourceID, ts.UTC().UnixNano())
	return uuid.NewSHA1(entryNamespace, []byte(key)).String()
}

func (s *service) RecordOperation(ctx context.Context, event *api.UsageEvent) (*api.RecordResponse, error) {
	if err := model.ValidateMetadata(event.Metadata); err != nil {
		return nil, err
	}

	table := s.prices.Current()
	cost := CalculateCost(event.Operation, event.Model, event.Tokens, table)
	if cost.Fallback {
		s.logger.Warn("Unknown model, priced with fallback rate",
			zap.String("model", event.Model),
			zap.String("priced_as", cost.PricedModel),
			zap.String("pricing_version", cost.PricingVersion),
		)
	}

	entry, err := s.buildEntry(event, cost)
	if err != nil {
		return nil, err
	}

	return s.append(ctx, entry)
}

func (s *service) RecordManualAction(ctx context.Context, req *api.ManualActionRequest) (*api.RecordResponse, error) {
	if err := model.ValidateMetadata(req.Metadata); err != nil {
		return nil, err
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	event := &api.UsageEvent{
		Operation:    api.OpManualAction,
		UserID:       req.UserID,
		OrgID:        req.OrgID,
		CampaignTag:  req.CampaignTag,
		ResourceID:   req.ResourceID,
		ResourceType: req.ResourceType,
		Timestamp:    ts,
		Success:      true,
		Metadata:     req.Metadata,
	}

	entry, err := s.buildEntry(event, CostResult{PricingVersion: s.prices.Current().Version()})
	if err != nil {
		return nil, err
	}
	entry.Action = req.Action

	return s.append(ctx, entry)
}

func (s *service) buildEntry(event *api.UsageEvent, cost CostResult) (*model.AuditLogEntry, error) {
	metaJSON, err := model.EncodeMetadata(event.Metadata)
	if err != nil {
		return nil, err
	}

	ts := event.Timestamp.UTC()

	entry := &model.AuditLogEntry{
		ID:             EntryID(string(event.Operation), event.UserID, event.ResourceType, event.ResourceID, ts),
		Timestamp:      ts,
		Operation:      string(event.Operation),
		UserID:         event.UserID,
		OrgID:          event.OrgID,
		CampaignTag:    event.CampaignTag,
		ResourceID:     event.ResourceID,
		ResourceType:   event.ResourceType,
		Action:         string(event.Operation),
		CostMicros:     cost.Micros,
		PricingVersion: cost.PricingVersion,
		MetaJSON:       metaJSON,
		Success:        event.Success,
		ErrorMessage:   event.ErrorMessage,
		CreatedAt:      s.now().UTC(),
	}

	if event.Operation != api.OpManualAction && event.Model != "" {
		entry.Model = sql.NullString{String: event.Model, Valid: true}
	}

	if t := event.Tokens; t != nil {
		entry.InputTokens = t.InputTokens
		entry.OutputTokens = t.OutputTokens
		entry.TotalTokens = t.TotalTokens
		if entry.TotalTokens == 0 {
			entry.TotalTokens = t.InputTokens + t.OutputTokens
		}
		entry.ReasoningTokens = t.ReasoningTokens
		entry.CachedInputTokens = t.CachedInputTokens
	}

	return entry, nil
}

// append is the write path: bounded retry on the store, aggregate update
// and async budget check on first insert, idempotent return on duplicate.
func (s *service) append(ctx context.Context, entry *model.AuditLogEntry) (*api.RecordResponse, error) {
	var res *store.AppendResult
	var err error

	delay := s.writeBaseDelay
	for attempt := 1; attempt <= s.writeAttempts; attempt++ {
		res, err = s.repo.Entries().Append(ctx, entry)
		if err == nil {
			break
		}
		s.logger.Warn("Audit append failed",
			zap.String("audit_id", entry.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == s.writeAttempts {
			s.parkEntry(ctx, entry, err)
			return nil, &WriteExhaustedError{AuditID: entry.ID, CostMicros: entry.CostMicros, Err: err}
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.parkEntry(context.Background(), entry, ctx.Err())
			return nil, &WriteExhaustedError{AuditID: entry.ID, CostMicros: entry.CostMicros, Err: ctx.Err()}
		}
		delay *= 2
	}

	if !res.Inserted {
		// Duplicate delivery: the original entry's cost and id stand.
		return &api.RecordResponse{
			AuditID:   res.ID,
			CostUSD:   res.Entry.CostUSD(),
			Duplicate: true,
		}, nil
	}

	if err := s.aggregator.OnAppend(ctx, entry); err != nil {
		// The entry is safely stored; the nightly reconcile will repair
		// the aggregate from it.
		s.logger.Error("Aggregate update failed, reconcile will repair",
			zap.String("audit_id", entry.ID),
			zap.Error(err))
	}

	s.invalidateSummaries(ctx, entry)
	s.checkBudgetAsync(entry.OrgID)

	return &api.RecordResponse{AuditID: entry.ID, CostUSD: entry.CostUSD()}, nil
}

func (s *service) parkEntry(ctx context.Context, entry *model.AuditLogEntry, cause error) {
	payload, err := encodeEntry(entry)
	if err != nil {
		s.logger.Error("Failed to encode dead-letter entry", zap.String("audit_id", entry.ID), zap.Error(err))
		return
	}
	dl := &model.DeadLetter{
		Kind:    model.DeadLetterEntry,
		Payload: payload,
		Reason:  cause.Error(),
	}
	if err := s.repo.DeadLetters().Append(ctx, dl); err != nil {
		s.logger.Error("Failed to persist dead-letter entry",
			zap.String("audit_id", entry.ID),
			zap.Error(err))
	}
}

func (s *service) checkBudgetAsync(orgID string) {
	s.checks.Add(1)
	go func() {
		defer s.checks.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		result, err := s.monitor.CheckAlert(ctx, orgID, nil)
		if errors.Is(err, budget.ErrNoAllocation) {
			return
		}
		if err != nil {
			s.logger.Warn("Budget check failed", zap.String("org_id", orgID), zap.Error(err))
			return
		}
		if !result.Triggered {
			return
		}

		s.dispatcher.Dispatch(budget.Alert{
			OrgID:            orgID,
			PeriodType:       result.PeriodType,
			PeriodStart:      result.PeriodStart,
			AllocatedMicros:  result.AllocatedMicros,
			SpentMicros:      result.SpentMicros,
			PercentUsed:      result.PercentUsed,
			ThresholdPercent: result.ThresholdPercent,
		})
	}()
}

func (s *service) Drain() {
	s.checks.Wait()
}

func summaryCacheKey(orgID, periodType string, periodStart time.Time) string {
	return fmt.Sprintf("summary:%s:%s:%d", orgID, periodType, periodStart.Unix())
}

func (s *service) invalidateSummaries(ctx context.Context, entry *model.AuditLogEntry) {
	for _, pt := range aggregate.AllPeriodTypes {
		start, _, err := aggregate.WindowFor(pt, entry.Timestamp)
		if err != nil {
			continue
		}
		_ = s.cache.Delete(ctx, summaryCacheKey(entry.OrgID, pt, start))
	}
}

func (s *service) GetCostSummary(ctx context.Context, orgID string, period api.PeriodType, at time.Time) (*api.CostSummary, error) {
	if !aggregate.ValidPeriodType(string(period)) {
		return nil, api.BadRequestError(fmt.Sprintf("Unknown period type %q", period))
	}
	if at.IsZero() {
		at = s.now()
	}

	start, end, err := aggregate.WindowFor(string(period), at)
	if err != nil {
		return nil, err
	}

	key := summaryCacheKey(orgID, string(period), start)
	var cached api.CostSummary
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	summary := &api.CostSummary{
		OrgID:       orgID,
		Period:      period,
		PeriodStart: start,
		PeriodEnd:   end,
	}

	agg, err := s.repo.Aggregates().Get(ctx, orgID, string(period), start)
	switch {
	case err == nil:
		summary.FromAggregate = true
		summary.TotalCostUSD = microsToUSD(agg.TotalCostMicros)
		summary.TotalTokens = agg.TotalTokens
		summary.RequestCount = agg.RequestCount
		summary.Breakdown = api.CategoryBreakdown{
			TextGeneration: microsToUSD(agg.TextMicros),
			Embeddings:     microsToUSD(agg.EmbeddingMicros),
			Research:       microsToUSD(agg.ResearchMicros),
			Image:          microsToUSD(agg.ImageMicros),
		}
	case errors.Is(err, store.ErrNotFound):
		// No roll-up yet for this window; sum the entries live.
		sum, err := s.repo.Entries().SumWindow(ctx, orgID, start, end)
		if err != nil {
			return nil, err
		}
		summary.TotalCostUSD = microsToUSD(sum.TotalCostMicros)
		summary.TotalTokens = sum.TotalTokens
		summary.RequestCount = sum.RequestCount
		summary.Breakdown = api.CategoryBreakdown{
			TextGeneration: microsToUSD(sum.TextMicros),
			Embeddings:     microsToUSD(sum.EmbeddingMicros),
			Research:       microsToUSD(sum.ResearchMicros),
			Image:          microsToUSD(sum.ImageMicros),
		}
	default:
		return nil, err
	}

	models, err := s.repo.Entries().TopModels(ctx, orgID, start, end, 5)
	if err != nil {
		return nil, err
	}
	for _, m := range models {
		summary.TopModels = append(summary.TopModels, api.TopModel{
			Model:    m.Model,
			CostUSD:  microsToUSD(m.CostMicros),
			Requests: m.Requests,
		})
	}

	users, err := s.repo.Entries().TopUsers(ctx, orgID, start, end, 5)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		summary.TopUsers = append(summary.TopUsers, api.TopUser{
			UserID:   u.UserID,
			CostUSD:  microsToUSD(u.CostMicros),
			Requests: u.Requests,
		})
	}

	if status, err := s.monitor.CheckAlert(ctx, orgID, nil); err == nil {
		summary.Budget = &api.BudgetStatus{
			AllocatedUSD:     microsToUSD(status.AllocatedMicros),
			SpentUSD:         microsToUSD(status.SpentMicros),
			PercentUsed:      status.PercentUsed,
			ThresholdPercent: status.ThresholdPercent,
			AlertTriggered:   status.Triggered,
		}
	} else if !errors.Is(err, budget.ErrNoAllocation) {
		s.logger.Warn("Budget status unavailable for summary", zap.String("org_id", orgID), zap.Error(err))
	}

	if err := s.cache.Set(ctx, key, summary, summaryCacheTTL); err != nil {
		s.logger.Debug("Summary cache write failed", zap.Error(err))
	}

	return summary, nil
}

func (s *service) GetCampaignReport(ctx context.Context, orgID, tag string, from, to time.Time) (*api.CampaignCostReport, error) {
	if to.IsZero() {
		to = s.now().UTC()
	}
	if from.IsZero() {
		from = to.AddDate(0, -1, 0)
	}

	assets, err := s.repo.Entries().CampaignAssets(ctx, orgID, tag, from, to)
	if err != nil {
		return nil, err
	}
	users, err := s.repo.Entries().CampaignUsers(ctx, orgID, tag, from, to)
	if err != nil {
		return nil, err
	}

	report := &api.CampaignCostReport{
		OrgID:       orgID,
		CampaignTag: tag,
		From:        from.UTC(),
		To:          to.UTC(),
	}

	var totalMicros int64
	for _, a := range assets {
		totalMicros += a.CostMicros
		report.RequestCount += a.Requests
		report.ByAsset = append(report.ByAsset, api.CampaignAssetCost{
			ResourceID:   a.ResourceID,
			ResourceType: a.ResourceType,
			CostUSD:      microsToUSD(a.CostMicros),
			Requests:     a.Requests,
		})
	}
	report.TotalCostUSD = microsToUSD(totalMicros)

	for _, u := range users {
		report.ByUser = append(report.ByUser, api.TopUser{
			UserID:   u.UserID,
			CostUSD:  microsToUSD(u.CostMicros),
			Requests: u.Requests,
		})
	}

	return report, nil
}

func (s *service) ListEntries(ctx context.Context, filter store.EntryFilter, page store.Page) ([]model.AuditLogEntry, int64, error) {
	return s.repo.Entries().List(ctx, filter, page)
}

// PurgeUser is the compliance erasure path: the only deletion the ledger
// performs. Zero matching entries is success, not an error.
func (s *service) PurgeUser(ctx context.Context, userID string) (int64, error) {
	deleted, windows, err := s.repo.Entries().PurgeUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if deleted == 0 {
		return 0, nil
	}

	if err := s.aggregator.ReconcileWindows(ctx, windows); err != nil {
		s.logger.Error("Post-purge reconcile failed", zap.String("user_id", userID), zap.Error(err))
		return deleted, err
	}

	for _, w := range windows {
		_ = s.cache.Delete(ctx, summaryCacheKey(w.OrgID, w.PeriodType, w.PeriodStart))
	}

	s.logger.Info("Purged user entries",
		zap.String("user_id", userID),
		zap.Int64("deleted", deleted),
		zap.Int("reconciled_windows", len(windows)))

	return deleted, nil
}

func (s *service) Reconcile(ctx context.Context, orgID, periodType string, periodStart time.Time) (bool, error) {
	return s.aggregator.Reconcile(ctx, orgID, periodType, periodStart)
}

func microsToUSD(micros int64) float64 {
	return float64(micros) / 1e6
}

func encodeEntry(entry *model.AuditLogEntry) (string, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
