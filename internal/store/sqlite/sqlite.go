package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meterly/cost-ledger-api/internal/store"
	"github.com/meterly/cost-ledger-api/internal/store/model"
)

// DB defines the interface for database operations (satisfied by *sqlx.DB and *sqlx.Tx)
type DB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SqliteRepository implements store.Repository
type SqliteRepository struct {
	db       *sqlx.DB // Required for starting new transactions
	executor DB       // Used for actual queries (can be *sqlx.DB or *sqlx.Tx)
}

func NewSqliteRepository(db *sqlx.DB) *SqliteRepository {
	return &SqliteRepository{
		db:       db,
		executor: db,
	}
}

func (r *SqliteRepository) Close() error {
	return r.db.Close()
}

func (r *SqliteRepository) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	txRepo := &SqliteRepository{
		db:       r.db,
		executor: tx,
	}

	if err := fn(txRepo); err != nil {
		// attempt rollback, but prioritize original error
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (r *SqliteRepository) Entries() store.EntryRepository {
	return &entryRepo{db: r.executor}
}

func (r *SqliteRepository) Aggregates() store.AggregateRepository {
	return &aggregateRepo{db: r.executor}
}

func (r *SqliteRepository) Budgets() store.BudgetRepository {
	return &budgetRepo{db: r.executor}
}

func (r *SqliteRepository) DeadLetters() store.DeadLetterRepository {
	return &deadLetterRepo{db: r.executor}
}

type entryRepo struct {
	db DB
}

func (r *entryRepo) Append(ctx context.Context, entry *model.AuditLogEntry) (*store.AppendResult, error) {
	// INSERT OR IGNORE is the idempotency guard: an entry with the same
	// deterministic id is a duplicate delivery, not new data.
	query := `
	INSERT OR IGNORE INTO audit_log_entries (
		id, ts, operation, user_id, org_id, campaign_tag,
		resource_id, resource_type, action, model,
		input_tokens, output_tokens, total_tokens, reasoning_tokens, cached_input_tokens,
		cost_micros, pricing_version, meta_json, success, error_message, created_at
	) VALUES (
		:id, :ts, :operation, :user_id, :org_id, :campaign_tag,
		:resource_id, :resource_type, :action, :model,
		:input_tokens, :output_tokens, :total_tokens, :reasoning_tokens, :cached_input_tokens,
		:cost_micros, :pricing_version, :meta_json, :success, :error_message, :created_at
	)`

	res, err := r.db.NamedExecContext(ctx, query, entry)
	if err != nil {
		return nil, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	if affected == 0 {
		existing, err := r.GetByID(ctx, entry.ID)
		if err != nil {
			return nil, fmt.Errorf("duplicate entry %s exists but could not be read: %w", entry.ID, err)
		}
		return &store.AppendResult{ID: existing.ID, Inserted: false, Entry: existing}, nil
	}

	return &store.AppendResult{ID: entry.ID, Inserted: true, Entry: entry}, nil
}

func (r *entryRepo) GetByID(ctx context.Context, id string) (*model.AuditLogEntry, error) {
	var entry model.AuditLogEntry
	err := r.db.GetContext(ctx, &entry, `SELECT * FROM audit_log_entries WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// buildFilter turns an EntryFilter into a WHERE clause and its args.
func buildFilter(f store.EntryFilter) (string, []interface{}) {
	clauses := make([]string, 0, 6)
	args := make([]interface{}, 0, 6)

	if f.OrgID != "" {
		clauses = append(clauses, "org_id = ?")
		args = append(args, f.OrgID)
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.CampaignTag != "" {
		clauses = append(clauses, "campaign_tag = ?")
		args = append(args, f.CampaignTag)
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if f.ResourceType != "" {
		clauses = append(clauses, "resource_type = ?")
		args = append(args, f.ResourceType)
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "ts < ?")
		args = append(args, f.To.UTC())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (r *entryRepo) List(ctx context.Context, filter store.EntryFilter, page store.Page) ([]model.AuditLogEntry, int64, error) {
	where, args := buildFilter(filter)

	var total int64
	if err := r.db.GetContext(ctx, &total,
		fmt.Sprintf(`SELECT COUNT(*) FROM audit_log_entries %s`, where), args...); err != nil {
		return nil, 0, err
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}

	var entries []model.AuditLogEntry
	query := fmt.Sprintf(
		`SELECT * FROM audit_log_entries %s ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`, where)
	args = append(args, limit, page.Offset)
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}

func (r *entryRepo) SumWindow(ctx context.Context, orgID string, from, to time.Time) (*model.WindowSum, error) {
	var sum model.WindowSum
	query := `
	SELECT
		COALESCE(SUM(cost_micros), 0) AS total_cost_micros,
		COALESCE(SUM(CASE WHEN operation IN ('text-generation', 'object-generation') THEN cost_micros ELSE 0 END), 0) AS text_micros,
		COALESCE(SUM(CASE WHEN operation = 'embedding' THEN cost_micros ELSE 0 END), 0) AS embedding_micros,
		COALESCE(SUM(CASE WHEN operation = 'external-research' THEN cost_micros ELSE 0 END), 0) AS research_micros,
		COALESCE(SUM(CASE WHEN operation = 'image-generation' THEN cost_micros ELSE 0 END), 0) AS image_micros,
		COALESCE(SUM(total_tokens), 0) AS total_tokens,
		COUNT(*) AS request_count
	FROM audit_log_entries
	WHERE org_id = ? AND ts >= ? AND ts < ?`
	if err := r.db.GetContext(ctx, &sum, query, orgID, from.UTC(), to.UTC()); err != nil {
		return nil, err
	}
	return &sum, nil
}

func (r *entryRepo) TopModels(ctx context.Context, orgID string, from, to time.Time, limit int) ([]model.ModelStat, error) {
	var stats []model.ModelStat
	query := `
	SELECT model, SUM(cost_micros) AS cost_micros, COUNT(*) AS requests
	FROM audit_log_entries
	WHERE org_id = ? AND ts >= ? AND ts < ? AND model IS NOT NULL
	GROUP BY model
	ORDER BY cost_micros DESC
	LIMIT ?`
	err := r.db.SelectContext(ctx, &stats, query, orgID, from.UTC(), to.UTC(), limit)
	return stats, err
}

func (r *entryRepo) TopUsers(ctx context.Context, orgID string, from, to time.Time, limit int) ([]model.UserStat, error) {
	var stats []model.UserStat
	query := `
	SELECT user_id, SUM(cost_micros) AS cost_micros, COUNT(*) AS requests
	FROM audit_log_entries
	WHERE org_id = ? AND ts >= ? AND ts < ?
	GROUP BY user_id
	ORDER BY cost_micros DESC
	LIMIT ?`
	err := r.db.SelectContext(ctx, &stats, query, orgID, from.UTC(), to.UTC(), limit)
	return stats, err
}

func (r *entryRepo) CampaignAssets(ctx context.Context, orgID, tag string, from, to time.Time) ([]model.ResourceStat, error) {
	var stats []model.ResourceStat
	query := `
	SELECT resource_id, resource_type, SUM(cost_micros) AS cost_micros, COUNT(*) AS requests
	FROM audit_log_entries
	WHERE org_id = ? AND campaign_tag = ? AND ts >= ? AND ts < ?
	GROUP BY resource_id, resource_type
	ORDER BY cost_micros DESC`
	err := r.db.SelectContext(ctx, &stats, query, orgID, tag, from.UTC(), to.UTC())
	return stats, err
}

func (r *entryRepo) CampaignUsers(ctx context.Context, orgID, tag string, from, to time.Time) ([]model.UserStat, error) {
	var stats []model.UserStat
	query := `
	SELECT user_id, SUM(cost_micros) AS cost_micros, COUNT(*) AS requests
	FROM audit_log_entries
	WHERE org_id = ? AND campaign_tag = ? AND ts >= ? AND ts < ?
	GROUP BY user_id
	ORDER BY cost_micros DESC`
	err := r.db.SelectContext(ctx, &stats, query, orgID, tag, from.UTC(), to.UTC())
	return stats, err
}

func (r *entryRepo) PurgeUser(ctx context.Context, userID string) (int64, []store.Window, error) {
	// Snapshot the aggregate windows that contain this user's entries
	// before deleting, so the caller knows what to reconcile.
	var windows []store.Window
	windowQuery := `
	SELECT a.org_id AS orgid, a.period_type AS periodtype, a.period_start AS periodstart, a.period_end AS periodend
	FROM cost_aggregates a
	WHERE EXISTS (
		SELECT 1 FROM audit_log_entries e
		WHERE e.user_id = ? AND e.org_id = a.org_id
		  AND e.ts >= a.period_start AND e.ts < a.period_end
	)`
	rows := []struct {
		OrgID       string    `db:"orgid"`
		PeriodType  string    `db:"periodtype"`
		PeriodStart time.Time `db:"periodstart"`
		PeriodEnd   time.Time `db:"periodend"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, windowQuery, userID); err != nil {
		return 0, nil, err
	}
	for _, w := range rows {
		windows = append(windows, store.Window{
			OrgID:       w.OrgID,
			PeriodType:  w.PeriodType,
			PeriodStart: w.PeriodStart,
			PeriodEnd:   w.PeriodEnd,
		})
	}

	res, err := r.db.ExecContext(ctx, `DELETE FROM audit_log_entries WHERE user_id = ?`, userID)
	if err != nil {
		return 0, nil, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, nil, err
	}

	return deleted, windows, nil
}

type aggregateRepo struct {
	db DB
}

func (r *aggregateRepo) Get(ctx context.Context, orgID, periodType string, periodStart time.Time) (*model.CostAggregate, error) {
	var agg model.CostAggregate
	query := `SELECT * FROM cost_aggregates WHERE org_id = ? AND period_type = ? AND period_start = ?`
	err := r.db.GetContext(ctx, &agg, query, orgID, periodType, periodStart.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// categoryColumns maps a breakdown bucket to its aggregate column.
var categoryColumns = map[model.Category]string{
	model.CategoryText:       "text_micros",
	model.CategoryEmbeddings: "embedding_micros",
	model.CategoryResearch:   "research_micros",
	model.CategoryImage:      "image_micros",
}

func (r *aggregateRepo) AddEntry(ctx context.Context, window store.Window, category model.Category, costMicros, tokens int64) error {
	textAdd, embAdd, resAdd, imgAdd := int64(0), int64(0), int64(0), int64(0)
	switch category {
	case model.CategoryText:
		textAdd = costMicros
	case model.CategoryEmbeddings:
		embAdd = costMicros
	case model.CategoryResearch:
		resAdd = costMicros
	case model.CategoryImage:
		imgAdd = costMicros
	}

	// Single conditional upsert: concurrent appends into the same window
	// serialize here instead of racing a read-modify-write.
	query := `
	INSERT INTO cost_aggregates (
		org_id, period_type, period_start, period_end,
		total_cost_micros, text_micros, embedding_micros, research_micros, image_micros,
		total_tokens, request_count, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP)
	ON CONFLICT(org_id, period_type, period_start) DO UPDATE SET
		total_cost_micros = total_cost_micros + excluded.total_cost_micros,
		text_micros       = text_micros + excluded.text_micros,
		embedding_micros  = embedding_micros + excluded.embedding_micros,
		research_micros   = research_micros + excluded.research_micros,
		image_micros      = image_micros + excluded.image_micros,
		total_tokens      = total_tokens + excluded.total_tokens,
		request_count     = request_count + 1,
		updated_at        = CURRENT_TIMESTAMP`

	_, err := r.db.ExecContext(ctx, query,
		window.OrgID, window.PeriodType, window.PeriodStart.UTC(), window.PeriodEnd.UTC(),
		costMicros, textAdd, embAdd, resAdd, imgAdd, tokens)
	return err
}

func (r *aggregateRepo) Replace(ctx context.Context, window store.Window, sum *model.WindowSum) error {
	query := `
	INSERT INTO cost_aggregates (
		org_id, period_type, period_start, period_end,
		total_cost_micros, text_micros, embedding_micros, research_micros, image_micros,
		total_tokens, request_count, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(org_id, period_type, period_start) DO UPDATE SET
		period_end        = excluded.period_end,
		total_cost_micros = excluded.total_cost_micros,
		text_micros       = excluded.text_micros,
		embedding_micros  = excluded.embedding_micros,
		research_micros   = excluded.research_micros,
		image_micros      = excluded.image_micros,
		total_tokens      = excluded.total_tokens,
		request_count     = excluded.request_count,
		updated_at        = CURRENT_TIMESTAMP`

	_, err := r.db.ExecContext(ctx, query,
		window.OrgID, window.PeriodType, window.PeriodStart.UTC(), window.PeriodEnd.UTC(),
		sum.TotalCostMicros, sum.TextMicros, sum.EmbeddingMicros, sum.ResearchMicros, sum.ImageMicros,
		sum.TotalTokens, sum.RequestCount)
	return err
}

func (r *aggregateRepo) Delete(ctx context.Context, orgID, periodType string, periodStart time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM cost_aggregates WHERE org_id = ? AND period_type = ? AND period_start = ?`,
		orgID, periodType, periodStart.UTC())
	return err
}

type budgetRepo struct {
	db DB
}

func (r *budgetRepo) Get(ctx context.Context, orgID, periodType string) (*model.BudgetAllocation, error) {
	var alloc model.BudgetAllocation
	query := `SELECT * FROM budget_allocations WHERE org_id = ? AND period_type = ?`
	err := r.db.GetContext(ctx, &alloc, query, orgID, periodType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &alloc, nil
}

func (r *budgetRepo) Upsert(ctx context.Context, alloc *model.BudgetAllocation) error {
	query := `
	INSERT INTO budget_allocations (org_id, period_type, allocated_micros, threshold_percent, created_at, updated_at)
	VALUES (:org_id, :period_type, :allocated_micros, :threshold_percent, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	ON CONFLICT(org_id, period_type) DO UPDATE SET
		allocated_micros  = excluded.allocated_micros,
		threshold_percent = excluded.threshold_percent,
		updated_at        = CURRENT_TIMESTAMP`
	_, err := r.db.NamedExecContext(ctx, query, alloc)
	return err
}

type deadLetterRepo struct {
	db DB
}

func (r *deadLetterRepo) Append(ctx context.Context, dl *model.DeadLetter) error {
	query := `
	INSERT INTO dead_letters (kind, payload, reason, created_at)
	VALUES (:kind, :payload, :reason, CURRENT_TIMESTAMP)`
	_, err := r.db.NamedExecContext(ctx, query, dl)
	return err
}

func (r *deadLetterRepo) List(ctx context.Context, kind string, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	var letters []model.DeadLetter
	query := `SELECT * FROM dead_letters WHERE kind = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	err := r.db.SelectContext(ctx, &letters, query, kind, limit)
	return letters, err
}
