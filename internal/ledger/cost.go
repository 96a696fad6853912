package ledger

import (
	"github.com/meterly/cost-ledger-api/internal/pricing"
	"github.com/meterly/cost-ledger-api/pkg/api"
	"github.com/shopspring/decimal"
)

var mega = decimal.NewFromInt(1_000_000)

// CostResult is the outcome of pricing one usage event.
type CostResult struct {
	// Micros is the amount persisted on the audit entry, in micro-USD.
	Micros int64
	// PricingVersion records which table priced the event.
	PricingVersion string
	// Fallback is true when the model was unknown and the default
	// model's rate was substituted.
	Fallback bool
	// PricedModel is the model whose rate was actually applied.
	PricedModel string
}

// CalculateCost prices a usage event against a pricing table. It is pure:
// the same (event, table) pair always yields the same result, and the
// result is never negative. Manual actions cost zero; flat-rate operations
// (external research) price by tier regardless of token counts.
func CalculateCost(op api.OperationKind, modelID string, tokens *api.TokenUsage, table *pricing.Table) CostResult {
	if op == api.OpManualAction {
		return CostResult{Micros: 0, PricingVersion: table.Version()}
	}

	if op == api.OpExternalResearch {
		if flat, ok := table.FlatRate(modelID); ok {
			return CostResult{
				Micros:         usdToMicros(flat),
				PricingVersion: table.Version(),
				PricedModel:    modelID,
			}
		}
		// Unknown tier: fall through to token pricing with the default
		// model's rate so the operation is still recorded with a cost.
	}

	res := table.Rate(modelID)
	fallback := res.Fallback || op == api.OpExternalResearch

	if tokens == nil {
		return CostResult{Micros: 0, PricingVersion: table.Version(), Fallback: fallback, PricedModel: res.Model}
	}

	total := tokenCost(tokens, res.Rate)

	return CostResult{
		Micros:         usdToMicros(total),
		PricingVersion: table.Version(),
		Fallback:       fallback,
		PricedModel:    res.Model,
	}
}

func tokenCost(tokens *api.TokenUsage, rate pricing.ModelRate) decimal.Decimal {
	input := clamp(tokens.InputTokens)
	output := clamp(tokens.OutputTokens)
	cached := clamp(tokens.CachedInputTokens)
	reasoning := clamp(tokens.ReasoningTokens)

	total := decimal.Zero

	// Cached portion of the input is discounted only when the model
	// defines a cached rate; otherwise everything is standard input.
	if rate.CachedInputPerMTok != nil && cached > 0 {
		if cached > input {
			cached = input
		}
		total = total.Add(perMTok(cached, *rate.CachedInputPerMTok))
		input -= cached
	}

	total = total.Add(perMTok(input, rate.InputPerMTok))
	total = total.Add(perMTok(output, rate.OutputPerMTok))

	if rate.ReasoningPerMTok != nil && reasoning > 0 {
		total = total.Add(perMTok(reasoning, *rate.ReasoningPerMTok))
	}

	return total
}

func perMTok(tokens int64, ratePerMTok decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(tokens).Mul(ratePerMTok).Div(mega)
}

func usdToMicros(usd decimal.Decimal) int64 {
	micros := usd.Mul(mega).Round(0).IntPart()
	if micros < 0 {
		return 0
	}
	return micros
}

func clamp(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
