// Package memory provides a mutex-guarded in-memory store.Repository.
// It backs unit tests and doubles as a throwaway dev backend; semantics
// match the sqlite implementation, including idempotent appends and the
// atomic aggregate increment.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meterly/cost-ledger-api/internal/store"
	"github.com/meterly/cost-ledger-api/internal/store/model"
)

type MemoryRepository struct {
	mu          sync.Mutex
	entries     map[string]model.AuditLogEntry
	aggregates  map[string]model.CostAggregate
	budgets     map[string]model.BudgetAllocation
	deadLetters []model.DeadLetter
	nextDLID    int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		entries:    make(map[string]model.AuditLogEntry),
		aggregates: make(map[string]model.CostAggregate),
		budgets:    make(map[string]model.BudgetAllocation),
		nextDLID:   1,
	}
}

func (r *MemoryRepository) Entries() store.EntryRepository         { return &entryRepo{r} }
func (r *MemoryRepository) Aggregates() store.AggregateRepository  { return &aggregateRepo{r} }
func (r *MemoryRepository) Budgets() store.BudgetRepository        { return &budgetRepo{r} }
func (r *MemoryRepository) DeadLetters() store.DeadLetterRepository { return &deadLetterRepo{r} }

// WithTx runs fn against the same repository. The single mutex already
// serializes each operation; multi-statement atomicity is best-effort here,
// which is acceptable for a test/dev backend.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	return fn(r)
}

func (r *MemoryRepository) Close() error { return nil }

func aggKey(orgID, periodType string, periodStart time.Time) string {
	return strings.Join([]string{orgID, periodType, periodStart.UTC().Format(time.RFC3339)}, "|")
}

func budgetKey(orgID, periodType string) string {
	return orgID + "|" + periodType
}

type entryRepo struct{ r *MemoryRepository }

func (e *entryRepo) Append(ctx context.Context, entry *model.AuditLogEntry) (*store.AppendResult, error) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()

	if existing, ok := e.r.entries[entry.ID]; ok {
		copied := existing
		return &store.AppendResult{ID: existing.ID, Inserted: false, Entry: &copied}, nil
	}

	e.r.entries[entry.ID] = *entry
	return &store.AppendResult{ID: entry.ID, Inserted: true, Entry: entry}, nil
}

func (e *entryRepo) GetByID(ctx context.Context, id string) (*model.AuditLogEntry, error) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()

	entry, ok := e.r.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := entry
	return &copied, nil
}

func matches(entry *model.AuditLogEntry, f store.EntryFilter) bool {
	if f.OrgID != "" && entry.OrgID != f.OrgID {
		return false
	}
	if f.UserID != "" && entry.UserID != f.UserID {
		return false
	}
	if f.CampaignTag != "" && entry.CampaignTag != f.CampaignTag {
		return false
	}
	if f.ResourceID != "" && entry.ResourceID != f.ResourceID {
		return false
	}
	if f.ResourceType != "" && entry.ResourceType != f.ResourceType {
		return false
	}
	if !f.From.IsZero() && entry.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !entry.Timestamp.Before(f.To) {
		return false
	}
	return true
}

func (e *entryRepo) collect(f store.EntryFilter) []model.AuditLogEntry {
	out := make([]model.AuditLogEntry, 0)
	for _, entry := range e.r.entries {
		entry := entry
		if matches(&entry, f) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func (e *entryRepo) List(ctx context.Context, filter store.EntryFilter, page store.Page) ([]model.AuditLogEntry, int64, error) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()

	all := e.collect(filter)
	total := int64(len(all))

	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	start := page.Offset
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	return all[start:end], total, nil
}

func (e *entryRepo) SumWindow(ctx context.Context, orgID string, from, to time.Time) (*model.WindowSum, error) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()

	sum := &model.WindowSum{}
	for _, entry := range e.r.entries {
		if entry.OrgID != orgID || entry.Timestamp.Before(from) || !entry.Timestamp.Before(to) {
			continue
		}
		sum.TotalCostMicros += entry.CostMicros
		sum.TotalTokens += entry.TotalTokens
		sum.RequestCount++
		switch model.CategoryFor(entry.Operation) {
		case model.CategoryText:
			sum.TextMicros += entry.CostMicros
		case model.CategoryEmbeddings:
			sum.EmbeddingMicros += entry.CostMicros
		case model.CategoryResearch:
			sum.ResearchMicros += entry.CostMicros
		case model.CategoryImage:
			sum.ImageMicros += entry.CostMicros
		}
	}
	return sum, nil
}

func (e *entryRepo) TopModels(ctx context.Context, orgID string, from, to time.Time, limit int) ([]model.ModelStat, error) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()

	byModel := make(map[string]*model.ModelStat)
	for _, entry := range e.r.entries {
		if entry.OrgID != orgID || entry.Timestamp.Before(from) || !entry.Timestamp.Before(to) || !entry.Model.Valid {
			continue
		}
		stat, ok := byModel[entry.Model.String]
		if !ok {
			stat = &model.ModelStat{Model: entry.Model.String}
			byModel[entry.Model.String] = stat
		}
		stat.CostMicros += entry.CostMicros
		stat.Requests++
	}

	stats := make([]model.ModelStat, 0, len(byModel))
	for _, s := range byModel {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].CostMicros > stats[j].CostMicros })
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, nil
}

func (e *entryRepo) TopUsers(ctx context.Context, orgID string, from, to time.Time, limit int) ([]model.UserStat, error) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()

	byUser := make(map[string]*model.UserStat)
	for _, entry := range e.r.entries {
		if entry.OrgID != orgID || entry.Timestamp.Before(from) || !entry.Timestamp.Before(to) {
			continue
		}
		stat, ok := byUser[entry.UserID]
		if !ok {
			stat = &model.UserStat{UserID: entry.UserID}
			byUser[entry.UserID] = stat
		}
		stat.CostMicros += entry.CostMicros
		stat.Requests++
	}

	stats := make([]model.UserStat, 0, len(byUser))
	for _, s := range byUser {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].CostMicros > stats[j].CostMicros })
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, nil
}

func (e *entryRepo) CampaignAssets(ctx context.Context, orgID, tag string, from, to time.Time) ([]model.ResourceStat, error) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()

	byAsset := make(map[string]*model.ResourceStat)
	for _, entry := range e.r.entries {
		if entry.OrgID != orgID || entry.CampaignTag != tag || entry.Timestamp.Before(from) || !entry.Timestamp.Before(to) {
			continue
		}
		key := entry.ResourceID + "|" + entry.ResourceType
		stat, ok := byAsset[key]
		if !ok {
			stat = &model.ResourceStat{ResourceID: entry.ResourceID, ResourceType: entry.ResourceType}
			byAsset[key] = stat
		}
		stat.CostMicros += entry.CostMicros
		stat.Requests++
	}

	stats := make([]model.ResourceStat, 0, len(byAsset))
	for _, s := range byAsset {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].CostMicros > stats[j].CostMicros })
	return stats, nil
}

func (e *entryRepo) CampaignUsers(ctx context.Context, orgID, tag string, from, to time.Time) ([]model.UserStat, error) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()

	byUser := make(map[string]*model.UserStat)
	for _, entry := range e.r.entries {
		if entry.OrgID != orgID || entry.CampaignTag != tag || entry.Timestamp.Before(from) || !entry.Timestamp.Before(to) {
			continue
		}
		stat, ok := byUser[entry.UserID]
		if !ok {
			stat = &model.UserStat{UserID: entry.UserID}
			byUser[entry.UserID] = stat
		}
		stat.CostMicros += entry.CostMicros
		stat.Requests++
	}

	stats := make([]model.UserStat, 0, len(byUser))
	for _, s := range byUser {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].CostMicros > stats[j].CostMicros })
	return stats, nil
}

func (e *entryRepo) PurgeUser(ctx context.Context, userID string) (int64, []store.Window, error) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()

	var deleted int64
	touched := make(map[string]store.Window)

	for id, entry := range e.r.entries {
		if entry.UserID != userID {
			continue
		}
		for key, agg := range e.r.aggregates {
			if agg.OrgID == entry.OrgID &&
				!entry.Timestamp.Before(agg.PeriodStart) && entry.Timestamp.Before(agg.PeriodEnd) {
				touched[key] = store.Window{
					OrgID:       agg.OrgID,
					PeriodType:  agg.PeriodType,
					PeriodStart: agg.PeriodStart,
					PeriodEnd:   agg.PeriodEnd,
				}
			}
		}
		delete(e.r.entries, id)
		deleted++
	}

	windows := make([]store.Window, 0, len(touched))
	for _, w := range touched {
		windows = append(windows, w)
	}
	return deleted, windows, nil
}

type aggregateRepo struct{ r *MemoryRepository }

func (a *aggregateRepo) Get(ctx context.Context, orgID, periodType string, periodStart time.Time) (*model.CostAggregate, error) {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()

	agg, ok := a.r.aggregates[aggKey(orgID, periodType, periodStart)]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := agg
	return &copied, nil
}

func (a *aggregateRepo) AddEntry(ctx context.Context, window store.Window, category model.Category, costMicros, tokens int64) error {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()

	key := aggKey(window.OrgID, window.PeriodType, window.PeriodStart)
	agg, ok := a.r.aggregates[key]
	if !ok {
		agg = model.CostAggregate{
			OrgID:       window.OrgID,
			PeriodType:  window.PeriodType,
			PeriodStart: window.PeriodStart.UTC(),
			PeriodEnd:   window.PeriodEnd.UTC(),
		}
	}

	agg.TotalCostMicros += costMicros
	agg.TotalTokens += tokens
	agg.RequestCount++
	switch category {
	case model.CategoryText:
		agg.TextMicros += costMicros
	case model.CategoryEmbeddings:
		agg.EmbeddingMicros += costMicros
	case model.CategoryResearch:
		agg.ResearchMicros += costMicros
	case model.CategoryImage:
		agg.ImageMicros += costMicros
	}
	agg.UpdatedAt = time.Now().UTC()

	a.r.aggregates[key] = agg
	return nil
}

func (a *aggregateRepo) Replace(ctx context.Context, window store.Window, sum *model.WindowSum) error {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()

	a.r.aggregates[aggKey(window.OrgID, window.PeriodType, window.PeriodStart)] = model.CostAggregate{
		OrgID:           window.OrgID,
		PeriodType:      window.PeriodType,
		PeriodStart:     window.PeriodStart.UTC(),
		PeriodEnd:       window.PeriodEnd.UTC(),
		TotalCostMicros: sum.TotalCostMicros,
		TextMicros:      sum.TextMicros,
		EmbeddingMicros: sum.EmbeddingMicros,
		ResearchMicros:  sum.ResearchMicros,
		ImageMicros:     sum.ImageMicros,
		TotalTokens:     sum.TotalTokens,
		RequestCount:    sum.RequestCount,
		UpdatedAt:       time.Now().UTC(),
	}
	return nil
}

func (a *aggregateRepo) Delete(ctx context.Context, orgID, periodType string, periodStart time.Time) error {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()

	delete(a.r.aggregates, aggKey(orgID, periodType, periodStart))
	return nil
}

type budgetRepo struct{ r *MemoryRepository }

func (b *budgetRepo) Get(ctx context.Context, orgID, periodType string) (*model.BudgetAllocation, error) {
	b.r.mu.Lock()
	defer b.r.mu.Unlock()

	alloc, ok := b.r.budgets[budgetKey(orgID, periodType)]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := alloc
	return &copied, nil
}

func (b *budgetRepo) Upsert(ctx context.Context, alloc *model.BudgetAllocation) error {
	b.r.mu.Lock()
	defer b.r.mu.Unlock()

	b.r.budgets[budgetKey(alloc.OrgID, alloc.PeriodType)] = *alloc
	return nil
}

type deadLetterRepo struct{ r *MemoryRepository }

func (d *deadLetterRepo) Append(ctx context.Context, dl *model.DeadLetter) error {
	d.r.mu.Lock()
	defer d.r.mu.Unlock()

	dl.ID = d.r.nextDLID
	d.r.nextDLID++
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	d.r.deadLetters = append(d.r.deadLetters, *dl)
	return nil
}

func (d *deadLetterRepo) List(ctx context.Context, kind string, limit int) ([]model.DeadLetter, error) {
	d.r.mu.Lock()
	defer d.r.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	out := make([]model.DeadLetter, 0, limit)
	for i := len(d.r.deadLetters) - 1; i >= 0 && len(out) < limit; i-- {
		if d.r.deadLetters[i].Kind == kind {
			out = append(out, d.r.deadLetters[i])
		}
	}
	return out, nil
}
