package api

import "time"

// PeriodType selects the aggregation window for summaries and budgets.
type PeriodType string

const (
	PeriodHourly  PeriodType = "hourly"
	PeriodDaily   PeriodType = "daily"
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
)

// CategoryBreakdown splits spend by operation category, all USD.
type CategoryBreakdown struct {
	TextGeneration float64 `json:"text_generation"`
	Embeddings     float64 `json:"embeddings"`
	Research       float64 `json:"research"`
	Image          float64 `json:"image"`
}

// TopModel is one row of the per-model leaderboard in a summary.
type TopModel struct {
	Model    string  `json:"model"`
	CostUSD  float64 `json:"cost_usd"`
	Requests int64   `json:"requests"`
}

// TopUser is one row of the per-user leaderboard in a summary.
type TopUser struct {
	UserID   string  `json:"user_id"`
	CostUSD  float64 `json:"cost_usd"`
	Requests int64   `json:"requests"`
}

// BudgetStatus reports current spend against the org's allocation.
type BudgetStatus struct {
	AllocatedUSD     float64 `json:"allocated_usd"`
	SpentUSD         float64 `json:"spent_usd"`
	PercentUsed      float64 `json:"percent_used"`
	ThresholdPercent float64 `json:"threshold_percent"`
	AlertTriggered   bool    `json:"alert_triggered"`
}

// CostSummary is the read model returned by GET /summary.
type CostSummary struct {
	OrgID         string            `json:"org_id"`
	Period        PeriodType        `json:"period"`
	PeriodStart   time.Time         `json:"period_start"`
	PeriodEnd     time.Time         `json:"period_end"`
	TotalCostUSD  float64           `json:"total_cost_usd"`
	TotalTokens   int64             `json:"total_tokens"`
	RequestCount  int64             `json:"request_count"`
	Breakdown     CategoryBreakdown `json:"breakdown"`
	TopModels     []TopModel        `json:"top_models,omitempty"`
	TopUsers      []TopUser         `json:"top_users,omitempty"`
	Budget        *BudgetStatus     `json:"budget,omitempty"`
	FromAggregate bool              `json:"from_aggregate"`
}

// CampaignAssetCost groups campaign spend by the resource it produced.
type CampaignAssetCost struct {
	ResourceID   string  `json:"resource_id"`
	ResourceType string  `json:"resource_type"`
	CostUSD      float64 `json:"cost_usd"`
	Requests     int64   `json:"requests"`
}

// CampaignCostReport is the read model returned by the campaign endpoint.
// It is always scoped to a single org; a shared tag never merges orgs.
type CampaignCostReport struct {
	OrgID        string              `json:"org_id"`
	CampaignTag  string              `json:"campaign_tag"`
	From         time.Time           `json:"from"`
	To           time.Time           `json:"to"`
	TotalCostUSD float64             `json:"total_cost_usd"`
	RequestCount int64               `json:"request_count"`
	ByAsset      []CampaignAssetCost `json:"by_asset"`
	ByUser       []TopUser           `json:"by_user"`
}

// EntryPage is a paged slice of audit entries, newest first.
type EntryPage struct {
	Object string      `json:"object"`
	Data   interface{} `json:"data"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
	Total  int64       `json:"total"`
}

// PurgeResponse reports the outcome of a compliance erasure.
type PurgeResponse struct {
	UserID  string `json:"user_id"`
	Deleted int64  `json:"deleted"`
}
