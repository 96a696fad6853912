package model

import (
	"database/sql"
	"time"
)

// Category buckets an operation kind for aggregate breakdowns.
type Category string

const (
	CategoryText       Category = "text"
	CategoryEmbeddings Category = "embeddings"
	CategoryResearch   Category = "research"
	CategoryImage      Category = "image"
	CategoryOther      Category = "other"
)

// CategoryFor maps an operation kind to its breakdown bucket.
func CategoryFor(operation string) Category {
	switch operation {
	case "text-generation", "object-generation":
		return CategoryText
	case "embedding":
		return CategoryEmbeddings
	case "external-research":
		return CategoryResearch
	case "image-generation":
		return CategoryImage
	default:
		return CategoryOther
	}
}

// AuditLogEntry is the immutable record of one completed operation.
// Entries are append-only: nothing in the repository interface can
// mutate one after Append, and the only delete path is PurgeUser.
type AuditLogEntry struct {
	ID           string    `db:"id" json:"id"`
	Timestamp    time.Time `db:"ts" json:"timestamp"`
	Operation    string    `db:"operation" json:"operation"`
	UserID       string    `db:"user_id" json:"user_id"`
	OrgID        string    `db:"org_id" json:"org_id"`
	CampaignTag  string    `db:"campaign_tag" json:"campaign_tag,omitempty"`
	ResourceID   string    `db:"resource_id" json:"resource_id"`
	ResourceType string    `db:"resource_type" json:"resource_type"`
	Action       string    `db:"action" json:"action"`

	// Model is null for manual actions.
	Model sql.NullString `db:"model" json:"model,omitempty"`

	InputTokens       int64 `db:"input_tokens" json:"input_tokens"`
	OutputTokens      int64 `db:"output_tokens" json:"output_tokens"`
	TotalTokens       int64 `db:"total_tokens" json:"total_tokens"`
	ReasoningTokens   int64 `db:"reasoning_tokens" json:"reasoning_tokens,omitempty"`
	CachedInputTokens int64 `db:"cached_input_tokens" json:"cached_input_tokens,omitempty"`

	// CostMicros is the final priced amount in micro-USD. It is computed
	// once, against PricingVersion, and never recomputed.
	CostMicros     int64  `db:"cost_micros" json:"cost_micros"`
	PricingVersion string `db:"pricing_version" json:"pricing_version,omitempty"`

	// MetaJSON holds the validated metadata bag, serialized.
	MetaJSON     string `db:"meta_json" json:"meta_json,omitempty"`
	Success      bool   `db:"success" json:"success"`
	ErrorMessage string `db:"error_message" json:"error_message,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CostUSD converts the stored micros to display dollars.
func (e *AuditLogEntry) CostUSD() float64 {
	return float64(e.CostMicros) / 1e6
}

// CostAggregate is the derived per-org, per-window roll-up. Invariant:
// TotalCostMicros equals the sum of CostMicros over all entries whose
// (org_id, ts) falls in [PeriodStart, PeriodEnd).
type CostAggregate struct {
	OrgID       string    `db:"org_id" json:"org_id"`
	PeriodType  string    `db:"period_type" json:"period_type"`
	PeriodStart time.Time `db:"period_start" json:"period_start"`
	PeriodEnd   time.Time `db:"period_end" json:"period_end"`

	TotalCostMicros int64 `db:"total_cost_micros" json:"total_cost_micros"`
	TextMicros      int64 `db:"text_micros" json:"text_micros"`
	EmbeddingMicros int64 `db:"embedding_micros" json:"embedding_micros"`
	ResearchMicros  int64 `db:"research_micros" json:"research_micros"`
	ImageMicros     int64 `db:"image_micros" json:"image_micros"`

	TotalTokens  int64     `db:"total_tokens" json:"total_tokens"`
	RequestCount int64     `db:"request_count" json:"request_count"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// BudgetAllocation is an org's spending cap for one period type.
// The ledger only reads these; administration happens elsewhere.
type BudgetAllocation struct {
	OrgID            string    `db:"org_id" json:"org_id"`
	PeriodType       string    `db:"period_type" json:"period_type"`
	AllocatedMicros  int64     `db:"allocated_micros" json:"allocated_micros"`
	ThresholdPercent float64   `db:"threshold_percent" json:"threshold_percent"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// DeadLetter is a durable record of something the ledger could not
// deliver: an audit entry after write retries, or a budget alert after
// notification retries. Kept so nothing is silently lost.
type DeadLetter struct {
	ID        int64     `db:"id" json:"id"`
	Kind      string    `db:"kind" json:"kind"` // 'entry' or 'alert'
	Payload   string    `db:"payload" json:"payload"`
	Reason    string    `db:"reason" json:"reason"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

const (
	DeadLetterEntry = "entry"
	DeadLetterAlert = "alert"
)

// ModelStat is a per-model roll-up row used for summary leaderboards.
type ModelStat struct {
	Model      string `db:"model" json:"model"`
	CostMicros int64  `db:"cost_micros" json:"cost_micros"`
	Requests   int64  `db:"requests" json:"requests"`
}

// UserStat is a per-user roll-up row used for summary leaderboards
// and campaign reports.
type UserStat struct {
	UserID     string `db:"user_id" json:"user_id"`
	CostMicros int64  `db:"cost_micros" json:"cost_micros"`
	Requests   int64  `db:"requests" json:"requests"`
}

// ResourceStat is a per-asset roll-up row used for campaign reports.
type ResourceStat struct {
	ResourceID   string `db:"resource_id" json:"resource_id"`
	ResourceType string `db:"resource_type" json:"resource_type"`
	CostMicros   int64  `db:"cost_micros" json:"cost_micros"`
	Requests     int64  `db:"requests" json:"requests"`
}

// WindowSum is the recomputed truth for one aggregate window, produced
// by summing entries. Reconcile overwrites the stored aggregate with it.
type WindowSum struct {
	TotalCostMicros int64 `db:"total_cost_micros"`
	TextMicros      int64 `db:"text_micros"`
	EmbeddingMicros int64 `db:"embedding_micros"`
	ResearchMicros  int64 `db:"research_micros"`
	ImageMicros     int64 `db:"image_micros"`
	TotalTokens     int64 `db:"total_tokens"`
	RequestCount    int64 `db:"request_count"`
}
