package routing

import (
	"math"
	"time"

	"github.com/slimclaw/slimclaw/openai"
	"github.com/slimclaw/slimclaw/pricing"
)

// PriceLookup is the slice of the pricing cache the recommender needs.
type PriceLookup interface {
	GetPricing(model string) pricing.ModelPricing
}

const (
	DefaultOpenRouterReferer = "slimclaw"
	DefaultOpenRouterTitle   = "SlimClaw"
)

// CostDelta compares the actual and recommended model on a reference workload
// of 1k input plus 1k output tokens.
type CostDelta struct {
	ActualCostPer1K      float64 `json:"actual_cost_per_1k"`
	RecommendedCostPer1K float64 `json:"recommended_cost_per_1k"`
	SavingsPercent       float64 `json:"savings_percent"`
}

// ShadowRecommendation is the full record of what the optimizer recommends
// for a request, whether or not the recommendation was applied.
type ShadowRecommendation struct {
	RunId               string            `json:"run_id"`
	Timestamp           time.Time         `json:"timestamp"`
	ActualModel         string            `json:"actual_model"`
	RecommendedModel    string            `json:"recommended_model"`
	RecommendedProvider string            `json:"recommended_provider"`
	Decision            RoutingDecision   `json:"decision"`
	CostDelta           CostDelta         `json:"cost_delta"`
	RecommendedHeaders  map[string]string `json:"recommended_headers,omitempty"`
	RecommendedThinking *openai.Thinking  `json:"recommended_thinking,omitempty"`
	WouldApply          bool              `json:"would_apply"`
}

// BuildShadowRecommendation expands a routing decision into the persisted
// recommendation shape. SavingsPercent is never negative and is zero when the
// decision keeps the original model.
func BuildShadowRecommendation(runId string, decision RoutingDecision, cfg *Config, prices PriceLookup, now time.Time) ShadowRecommendation {
	var tierProviders map[string]string
	if cfg != nil {
		tierProviders = cfg.TierProviders
	}
	resolution := ResolveProvider(decision.TargetModel, tierProviders)

	actualCost := pricing.ReferenceCost(prices.GetPricing(decision.OriginalModel))
	recommendedCost := pricing.ReferenceCost(prices.GetPricing(decision.TargetModel))

	savings := 0.0
	if decision.OriginalModel != decision.TargetModel && actualCost > 0 {
		savings = math.Round(math.Max(0, (actualCost-recommendedCost)/actualCost*100)*100) / 100
	}

	recommendation := ShadowRecommendation{
		RunId:            runId,
		Timestamp:        now,
		ActualModel:      decision.OriginalModel,
		RecommendedModel: decision.TargetModel,

		RecommendedProvider: resolution.Provider,
		Decision:            decision,
		CostDelta: CostDelta{
			ActualCostPer1K:      actualCost,
			RecommendedCostPer1K: recommendedCost,
			SavingsPercent:       savings,
		},
		RecommendedThinking: decision.Thinking,
		WouldApply:          decision.Applied,
	}

	if resolution.Provider == DefaultProvider {
		referer, title := DefaultOpenRouterReferer, DefaultOpenRouterTitle
		if cfg != nil && cfg.OpenRouterReferer != "" {
			referer = cfg.OpenRouterReferer
		}
		if cfg != nil && cfg.OpenRouterTitle != "" {
			title = cfg.OpenRouterTitle
		}
		recommendation.RecommendedHeaders = map[string]string{
			"HTTP-Referer": referer,
			"X-Title":      title,
		}
	}

	return recommendation
}
