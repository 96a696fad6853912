package api

import "time"

// OperationKind enumerates the tracked operation categories.
type OperationKind string

const (
	OpTextGeneration   OperationKind = "text-generation"
	OpObjectGeneration OperationKind = "object-generation"
	OpEmbedding        OperationKind = "embedding"
	OpImageGeneration  OperationKind = "image-generation"
	OpExternalResearch OperationKind = "external-research"
	OpManualAction     OperationKind = "manual-action"
)

// TokenUsage is the raw token breakdown reported by the caller.
// Reasoning and CachedInput are optional; zero means "not reported".
type TokenUsage struct {
	InputTokens       int64 `json:"input_tokens" binding:"min=0"`
	OutputTokens      int64 `json:"output_tokens" binding:"min=0"`
	TotalTokens       int64 `json:"total_tokens" binding:"min=0"`
	ReasoningTokens   int64 `json:"reasoning_tokens,omitempty" binding:"min=0"`
	CachedInputTokens int64 `json:"cached_input_tokens,omitempty" binding:"min=0"`
}

// UsageEvent is the inbound contract for recording one completed AI
// operation. It is transient: the ledger consumes it to produce an
// immutable audit entry and never stores the event itself.
type UsageEvent struct {
	Operation    OperationKind     `json:"operation" binding:"required,oneof=text-generation object-generation embedding image-generation external-research manual-action"`
	Model        string            `json:"model,omitempty"`
	Tokens       *TokenUsage       `json:"tokens,omitempty"`
	UserID       string            `json:"user_id" binding:"required"`
	OrgID        string            `json:"org_id" binding:"required"`
	CampaignTag  string            `json:"campaign_tag,omitempty"`
	ResourceID   string            `json:"resource_id" binding:"required"`
	ResourceType string            `json:"resource_type" binding:"required"`
	Timestamp    time.Time         `json:"timestamp" binding:"required"`
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ManualActionRequest records a zero-cost human action in the audit trail.
type ManualActionRequest struct {
	UserID       string            `json:"user_id" binding:"required"`
	OrgID        string            `json:"org_id" binding:"required"`
	Action       string            `json:"action" binding:"required"`
	ResourceID   string            `json:"resource_id" binding:"required"`
	ResourceType string            `json:"resource_type" binding:"required"`
	CampaignTag  string            `json:"campaign_tag,omitempty"`
	Timestamp    time.Time         `json:"timestamp,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RecordResponse is returned for both usage events and manual actions.
// Duplicate is true when the event had already been recorded; the original
// entry's id and cost are returned unchanged.
type RecordResponse struct {
	AuditID   string  `json:"audit_id"`
	CostUSD   float64 `json:"cost_usd"`
	Duplicate bool    `json:"duplicate,omitempty"`
}
