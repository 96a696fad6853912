package store

import (
	"context"
	"errors"
	"time"

	"github.com/meterly/cost-ledger-api/internal/store/model"
)

var (
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("store: not found")
)

// EntryFilter narrows audit-log queries. Zero values mean "no filter".
type EntryFilter struct {
	OrgID        string
	UserID       string
	CampaignTag  string
	ResourceID   string
	ResourceType string
	From         time.Time
	To           time.Time
}

// Page bounds a query. Limit <= 0 falls back to the implementation default.
type Page struct {
	Limit  int
	Offset int
}

// AppendResult reports the outcome of an idempotent append.
type AppendResult struct {
	ID string
	// Inserted is false when an entry with the same id already existed;
	// Entry then holds the original row.
	Inserted bool
	Entry    *model.AuditLogEntry
}

// Window identifies one aggregate row.
type Window struct {
	OrgID       string
	PeriodType  string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Repository is the main contract for the data layer.
type Repository interface {
	Entries() EntryRepository
	Aggregates() AggregateRepository
	Budgets() BudgetRepository
	DeadLetters() DeadLetterRepository

	// transaction support
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	Close() error
}

// EntryRepository is deliberately append-only: there is no update method,
// and the only deletion is the compliance purge.
type EntryRepository interface {
	// Append stores an entry unless one with the same deterministic id
	// already exists, in which case the original is returned untouched.
	Append(ctx context.Context, entry *model.AuditLogEntry) (*AppendResult, error)
	// GetByID returns a single entry.
	GetByID(ctx context.Context, id string) (*model.AuditLogEntry, error)
	// List returns matching entries ordered by timestamp descending.
	List(ctx context.Context, filter EntryFilter, page Page) ([]model.AuditLogEntry, int64, error)
	// SumWindow recomputes aggregate truth for one window from entries.
	SumWindow(ctx context.Context, orgID string, from, to time.Time) (*model.WindowSum, error)
	// TopModels returns the costliest models for an org and range.
	TopModels(ctx context.Context, orgID string, from, to time.Time, limit int) ([]model.ModelStat, error)
	// TopUsers returns the costliest users for an org and range.
	TopUsers(ctx context.Context, orgID string, from, to time.Time, limit int) ([]model.UserStat, error)
	// CampaignAssets groups one org's campaign spend by resource. Two orgs
	// may reuse the same tag; their entries never mix.
	CampaignAssets(ctx context.Context, orgID, tag string, from, to time.Time) ([]model.ResourceStat, error)
	// CampaignUsers groups one org's campaign spend by user.
	CampaignUsers(ctx context.Context, orgID, tag string, from, to time.Time) ([]model.UserStat, error)
	// PurgeUser hard-deletes all of a user's entries and returns the
	// affected count plus the windows whose aggregates now need reconciling.
	PurgeUser(ctx context.Context, userID string) (int64, []Window, error)
}

type AggregateRepository interface {
	// Get returns one aggregate row or ErrNotFound.
	Get(ctx context.Context, orgID, periodType string, periodStart time.Time) (*model.CostAggregate, error)
	// AddEntry atomically increments the row's running sums, creating the
	// row seeded by the entry when absent. This is the single statement
	// that serializes concurrent appends into the same window.
	AddEntry(ctx context.Context, window Window, category model.Category, costMicros, tokens int64) error
	// Replace overwrites the row with a recomputed sum (reconcile).
	Replace(ctx context.Context, window Window, sum *model.WindowSum) error
	// Delete removes an aggregate row that no longer has source entries.
	Delete(ctx context.Context, orgID, periodType string, periodStart time.Time) error
}

type BudgetRepository interface {
	// Get returns the allocation for an org and period type.
	Get(ctx context.Context, orgID, periodType string) (*model.BudgetAllocation, error)
	// Upsert is used by administrative tooling (cmd/seed), not the ledger.
	Upsert(ctx context.Context, alloc *model.BudgetAllocation) error
}

type DeadLetterRepository interface {
	// Append records an undeliverable entry or alert.
	Append(ctx context.Context, dl *model.DeadLetter) error
	// List returns recent dead letters, newest first.
	List(ctx context.Context, kind string, limit int) ([]model.DeadLetter, error)
}
