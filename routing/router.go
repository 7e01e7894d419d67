// Package routing turns a classification into a concrete model choice,
// resolves the serving provider, and builds the shadow recommendation that
// records what the optimizer would have done.
package routing

import (
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	slimclaw "github.com/slimclaw/slimclaw"
	"github.com/slimclaw/slimclaw/classifier"
	"github.com/slimclaw/slimclaw/openai"
	"github.com/slimclaw/slimclaw/utils/array"
)

// Reason explains why a routing decision chose its target model.
type Reason string

const (
	ReasonRouted          Reason = "routed"
	ReasonPinned          Reason = "pinned"
	ReasonLowConfidence   Reason = "low-confidence"
	ReasonRoutingDisabled Reason = "routing-disabled"
)

// PinnedModelHeader forces the target model for a single request.
const PinnedModelHeader = "X-Model-Pinned"

const (
	DefaultMinConfidence   = 0.4
	DefaultReasoningBudget = 10000
)

// Config is the runtime routing configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// When false, a request is never moved to a cheaper tier than its
	// original model implies.
	AllowDowngrade bool `yaml:"allow_downgrade"`

	// Classifications below this confidence pass through unrouted.
	MinConfidence float64 `yaml:"min_confidence"`

	// Models that are never rerouted.
	PinnedModels []string `yaml:"pinned_models"`

	// Tier to model id mapping; missing tiers use built-in defaults.
	Tiers map[slimclaw.Tier]string `yaml:"tiers"`

	// Model glob to provider mapping consulted by ResolveProvider.
	TierProviders map[string]string `yaml:"tier_providers"`

	// Thinking budget granted to reasoning-tier requests.
	ReasoningBudget int `yaml:"reasoning_budget"`

	// Attribution headers for OpenRouter-bound recommendations.
	OpenRouterReferer string `yaml:"openrouter_referer"`
	OpenRouterTitle   string `yaml:"openrouter_title"`
}

// RequestContext carries the per-request attributes the router consults.
type RequestContext struct {
	OriginalModel string
	Headers       http.Header
	SessionKey    string
	AgentId       string
	RunId         string
}

// RoutingDecision is the router's verdict for a single request.
// Applied is true exactly when Reason is "routed".
type RoutingDecision struct {
	OriginalModel string           `json:"original_model"`
	TargetModel   string           `json:"target_model"`
	Tier          slimclaw.Tier    `json:"tier"`
	Confidence    float64          `json:"confidence"`
	Reason        Reason           `json:"reason"`
	Thinking      *openai.Thinking `json:"thinking,omitempty"`
	Applied       bool             `json:"applied"`
}

var defaultTierModels = map[slimclaw.Tier]string{
	slimclaw.TierSimple:    "anthropic/claude-3-5-haiku-20241022",
	slimclaw.TierMid:       "anthropic/claude-sonnet-4-20250514",
	slimclaw.TierComplex:   "anthropic/claude-opus-4-20250514",
	slimclaw.TierReasoning: "openai/o3",
}

type Router struct {
	logger *zap.SugaredLogger
}

func NewRouter(logger *zap.SugaredLogger) *Router {
	return &Router{logger: logger}
}

// ResolveModel picks the target model for a classified request. Overrides are
// checked in order: header pin, config pin, low confidence, routing disabled.
// Only when none fires does the tier mapping apply. The function never fails;
// a nil config yields a passthrough decision.
func (r *Router) ResolveModel(classification classifier.Result, cfg *Config, reqCtx RequestContext) RoutingDecision {
	decision := RoutingDecision{
		OriginalModel: reqCtx.OriginalModel,
		TargetModel:   reqCtx.OriginalModel,
		Tier:          classification.Tier,
		Confidence:    classification.Confidence,
		Reason:        ReasonRoutingDisabled,
	}
	if cfg == nil {
		return decision
	}

	if pinned := reqCtx.Headers.Get(PinnedModelHeader); pinned != "" {
		decision.TargetModel = pinned
		decision.Reason = ReasonPinned
		return decision
	}

	if array.Contains(cfg.PinnedModels, reqCtx.OriginalModel) {
		decision.Reason = ReasonPinned
		return decision
	}

	minConfidence := cfg.MinConfidence
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	if classification.Confidence < minConfidence {
		decision.Reason = ReasonLowConfidence
		return decision
	}

	if !cfg.Enabled {
		return decision
	}

	if !cfg.AllowDowngrade && classification.Tier.Rank() < InferTier(reqCtx.OriginalModel).Rank() {
		r.logger.Debugw("Downgrade guard kept original model",
			"original_model", reqCtx.OriginalModel, "classified_tier", classification.Tier)
		decision.Reason = ReasonPinned
		return decision
	}

	decision.TargetModel = TierModel(classification.Tier, cfg)
	decision.Reason = ReasonRouted
	decision.Applied = true

	if classification.Tier == slimclaw.TierReasoning {
		decision.Thinking = ReasoningThinking(cfg)
	}

	r.logger.Debugw("Routed request",
		"original_model", reqCtx.OriginalModel,
		"target_model", decision.TargetModel,
		"tier", classification.Tier,
		"confidence", classification.Confidence)
	return decision
}

// ReasoningThinking builds the thinking budget a reasoning-tier decision
// carries.
func ReasoningThinking(cfg *Config) *openai.Thinking {
	budget := 0
	if cfg != nil {
		budget = cfg.ReasoningBudget
	}
	if budget <= 0 {
		budget = DefaultReasoningBudget
	}
	return &openai.Thinking{BudgetTokens: budget}
}

// TierModel maps a tier to its configured model, falling back to the
// built-in defaults.
func TierModel(tier slimclaw.Tier, cfg *Config) string {
	if cfg != nil {
		if model, ok := cfg.Tiers[tier]; ok && model != "" {
			return model
		}
	}
	return defaultTierModels[tier]
}

var numberedMiniPattern = regexp.MustCompile(`o[0-9]+-mini`)

// InferTier guesses the tier a model id belongs to from its name. The
// downgrade guard compares this against the classified tier. Unknown names
// rank as complex so the guard errs on the expensive side.
func InferTier(model string) slimclaw.Tier {
	name := strings.ToLower(model)
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}

	switch {
	case strings.Contains(name, "o3"),
		strings.Contains(name, "o4-mini"),
		strings.Contains(name, "r1"),
		strings.Contains(name, "gemini-2.5-pro"):
		return slimclaw.TierReasoning
	case strings.Contains(name, "haiku"),
		strings.Contains(name, "nano"),
		strings.Contains(name, "v3"),
		strings.Contains(name, "mini") && !strings.Contains(name, "gemini") && !numberedMiniPattern.MatchString(name):
		return slimclaw.TierSimple
	case strings.Contains(name, "sonnet"),
		strings.Contains(name, "flash"),
		strings.Contains(name, "llama-4"),
		strings.Contains(name, "qwen3-coder"):
		return slimclaw.TierMid
	case strings.Contains(name, "opus"),
		strings.Contains(name, "gpt-4") && !strings.Contains(name, "turbo"):
		return slimclaw.TierComplex
	}
	return slimclaw.TierComplex
}
