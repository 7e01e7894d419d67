// Package pipeline orchestrates the per-request optimization flow: window,
// classify, route, resolve, recommend, inject, and record. Every stage is
// fail-open: a failure anywhere yields a passthrough result, never an error
// to the caller.
package pipeline

import (
	"context"
	"net/http"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	slimclaw "github.com/slimclaw/slimclaw"
	"github.com/slimclaw/slimclaw/abtest"
	"github.com/slimclaw/slimclaw/budget"
	"github.com/slimclaw/slimclaw/caching"
	"github.com/slimclaw/slimclaw/classifier"
	"github.com/slimclaw/slimclaw/config"
	"github.com/slimclaw/slimclaw/latency"
	"github.com/slimclaw/slimclaw/metrics"
	"github.com/slimclaw/slimclaw/monitoring"
	"github.com/slimclaw/slimclaw/openai"
	"github.com/slimclaw/slimclaw/pricing"
	"github.com/slimclaw/slimclaw/routing"
	"github.com/slimclaw/slimclaw/tokenizer"
	"github.com/slimclaw/slimclaw/utils"
	"github.com/slimclaw/slimclaw/window"
)

// AutoModel is the virtual model id that always routes by tier.
const AutoModel = "auto"

// Request is one conversation entering the pipeline.
type Request struct {
	RequestId     string
	RunId         string
	SessionKey    string
	AgentId       string
	Messages      []openai.Message
	OriginalModel string
	Headers       http.Header
	Bypass        bool
}

// Result is the full outcome of optimizing one request.
type Result struct {
	RequestId  string
	RunId      string
	SessionKey string
	AgentId    string
	Mode       slimclaw.Mode

	// The optimized conversation to forward.
	Messages []openai.Message

	Window           window.Outcome
	WindowingApplied bool
	Classification   classifier.Result
	Decision         routing.RoutingDecision
	Provider         routing.ProviderResolution
	Recommendation   routing.ShadowRecommendation
	CacheStats       caching.Stats
	Assignment       *abtest.Assignment

	BudgetAllowed bool
	BudgetAlert   bool

	OriginalTokens  int
	OptimizedTokens int
	TokensSaved     int

	// True when the caller should rewrite the outgoing request with
	// Decision.TargetModel (active mode and a routed decision).
	Applied bool
}

// Outcome carries the post-response observations for one request. Failed
// means the forward never completed; such outcomes record latency only and
// claim no savings. Nil token counts mean the upstream reported no usage.
type Outcome struct {
	LatencyMs        float64
	Failed           bool
	InputTokens      *int
	OutputTokens     *int
	CacheReadTokens  *int
	CacheWriteTokens *int
}

// Components are the subsystems the pipeline drives. RouterBridge is
// optional; when nil the heuristic classifier runs alone.
type Components struct {
	Windower     *window.Windower
	Classifier   *classifier.Classifier
	RouterBridge *classifier.RouterBacked
	Injector     *caching.Injector
	Router       *routing.Router
	Pricing      *pricing.Cache
	Latency      *latency.Tracker
	Budget       *budget.Tracker
	ABTests      *abtest.Manager
	Collector    *metrics.Collector
	Monitor      *monitoring.Monitor
}

type Pipeline struct {
	cfg        *config.Config
	components Components
	logger     *zap.SugaredLogger
	clock      clock.Clock
}

func NewPipeline(cfg *config.Config, components Components, logger *zap.SugaredLogger) *Pipeline {
	return newPipelineWithClock(cfg, components, logger, clock.New())
}

func newPipelineWithClock(cfg *config.Config, components Components, logger *zap.SugaredLogger, clk clock.Clock) *Pipeline {
	return &Pipeline{cfg: cfg, components: components, logger: logger, clock: clk}
}

// Optimize runs the request through every enabled stage. It never fails: a
// panic in any stage is logged and the original request passes through.
func (p *Pipeline) Optimize(ctx context.Context, request Request) (result Result) {
	result = p.passthrough(request)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorw("Optimization failed, passing request through", "request_id", request.RequestId, "panic", r)
			result = p.passthrough(request)
		}
	}()

	if !p.cfg.Enabled || request.Bypass {
		return result
	}

	messages := request.Messages

	// Windowing.
	if p.cfg.Windowing.Enabled {
		outcome := p.components.Windower.Window(messages, p.cfg.Windowing.Options())
		result.Window = outcome
		result.WindowingApplied = outcome.TrimmedMessageCount > 0
		result.OriginalTokens = outcome.OriginalTokenEstimate
		result.OptimizedTokens = outcome.WindowedTokenEstimate
		messages = window.BuildMessages(outcome)
	} else {
		estimate := tokenizer.EstimateMessages(messages)
		result.Window = window.Outcome{
			RecentMessages:        messages,
			OriginalMessageCount:  len(messages),
			WindowedMessageCount:  len(messages),
			OriginalTokenEstimate: estimate,
			WindowedTokenEstimate: estimate,
			Method:                window.MethodNone,
		}
		result.OriginalTokens = estimate
		result.OptimizedTokens = estimate
	}
	result.TokensSaved = result.OriginalTokens - result.OptimizedTokens

	// Classification.
	if p.components.RouterBridge != nil {
		result.Classification = p.components.RouterBridge.Classify(ctx, messages, result.OptimizedTokens)
	} else {
		result.Classification = p.components.Classifier.Classify(messages)
	}

	// Routing, with the "auto" virtual model always eligible for tier routing.
	routingCfg := p.cfg.Routing.Config
	isAuto := p.cfg.Proxy.VirtualModels.Auto.Enabled && request.OriginalModel == AutoModel
	if isAuto {
		routingCfg.AllowDowngrade = true
	}
	result.Decision = p.components.Router.ResolveModel(result.Classification, &routingCfg, routing.RequestContext{
		OriginalModel: request.OriginalModel,
		Headers:       request.Headers,
		SessionKey:    request.SessionKey,
		AgentId:       request.AgentId,
		RunId:         request.RunId,
	})
	if isAuto && result.Decision.TargetModel == AutoModel {
		// A passthrough target of "auto" is not forwardable; fall back to
		// the tier mapping.
		result.Decision.TargetModel = routing.TierModel(result.Classification.Tier, &routingCfg)
		result.Decision.Reason = routing.ReasonRouted
		result.Decision.Applied = true
		if result.Classification.Tier == slimclaw.TierReasoning && result.Decision.Thinking == nil {
			result.Decision.Thinking = routing.ReasoningThinking(&routingCfg)
		}
	}

	// Budget overlay.
	check := p.components.Budget.Check(result.Decision.Tier)
	result.BudgetAllowed = check.Allowed
	result.BudgetAlert = check.AlertTriggered
	if !check.Allowed && p.cfg.Routing.Budget.EnforcementAction == slimclaw.EnforcementDowngrade {
		if cheaper, ok := cheaperTier(result.Decision.Tier); ok && result.Decision.Reason == routing.ReasonRouted {
			p.logger.Warnw("Budget exhausted, downgrading tier",
				"request_id", request.RequestId, "from", result.Decision.Tier, "to", cheaper)
			result.Decision.Tier = cheaper
			result.Decision.TargetModel = routing.TierModel(cheaper, &routingCfg)
			result.BudgetAllowed = true
		}
	}

	// A/B overlay.
	if result.Decision.Reason == routing.ReasonRouted {
		result.Assignment = p.components.ABTests.Assign(result.Decision.Tier, request.RunId)
		if result.Assignment != nil && result.Assignment.Model != "" {
			result.Decision.TargetModel = result.Assignment.Model
		}
	}

	result.Provider = routing.ResolveProvider(result.Decision.TargetModel, routingCfg.TierProviders)
	result.Recommendation = routing.BuildShadowRecommendation(
		request.RunId, result.Decision, &routingCfg, p.components.Pricing, p.clock.Now())

	// Cache breakpoints.
	if p.cfg.Caching.Enabled && p.cfg.Caching.InjectBreakpoints {
		messages, result.CacheStats = p.components.Injector.Inject(messages, p.cfg.Caching.Options())
	}

	result.Messages = messages
	result.Applied = p.cfg.Mode == slimclaw.ModeActive && result.Decision.Applied
	return result
}

// RecordOutcome fans the observed outcome out to the latency, budget, A/B,
// monitoring, and metrics subsystems.
func (p *Pipeline) RecordOutcome(result Result, outcome Outcome) {
	model := result.Decision.OriginalModel
	if result.Applied {
		model = result.Decision.TargetModel
	}

	outputTokens := 0
	if outcome.OutputTokens != nil {
		outputTokens = *outcome.OutputTokens
	}
	p.components.Latency.RecordLatency(model, outcome.LatencyMs, outputTokens)

	tokensSaved := result.TokensSaved
	if outcome.Failed {
		tokensSaved = 0
	}

	cost := 0.0
	costSaved := float64(tokensSaved) / 1000 * p.components.Pricing.GetPricing(model).InputPer1K
	if outcome.InputTokens != nil && outcome.OutputTokens != nil {
		cost = pricing.Cost(p.components.Pricing.GetPricing(model), *outcome.InputTokens, *outcome.OutputTokens)
		if result.Applied && result.Decision.OriginalModel != result.Decision.TargetModel {
			originalCost := pricing.Cost(
				p.components.Pricing.GetPricing(result.Decision.OriginalModel),
				*outcome.InputTokens, *outcome.OutputTokens)
			if originalCost > cost {
				costSaved += originalCost - cost
			}
		}
	}

	p.components.Budget.Record(result.Decision.Tier, cost)
	if result.Assignment != nil {
		p.components.ABTests.RecordOutcome(result.RunId, abtest.Outcome{
			LatencyMs:    outcome.LatencyMs,
			Cost:         cost,
			OutputTokens: outputTokens,
		})
	}

	p.components.Monitor.RecordRequest(result.Classification.Tier, string(result.Decision.Reason), result.Mode)
	p.components.Monitor.RecordSavings(tokensSaved, costSaved)
	p.components.Monitor.RecordBreakpoints(result.CacheStats.BreakpointsInjected)
	p.components.Monitor.ObserveLatency(model, outcome.LatencyMs/1000)
	check := p.components.Budget.Check(result.Decision.Tier)
	p.components.Monitor.SetBudgetRemaining(result.Decision.Tier, "daily", check.DailyRemaining)
	p.components.Monitor.SetBudgetRemaining(result.Decision.Tier, "weekly", check.WeeklyRemaining)

	p.components.Collector.Record(metrics.OptimizerMetrics{
		RequestId:  result.RequestId,
		Timestamp:  p.clock.Now().UTC(),
		SessionKey: result.SessionKey,
		AgentId:    result.AgentId,
		Mode:       result.Mode,

		OriginalMessageCount:  result.Window.OriginalMessageCount,
		WindowedMessageCount:  result.Window.WindowedMessageCount,
		TrimmedMessageCount:   result.Window.TrimmedMessageCount,
		OriginalTokenEstimate: result.OriginalTokens,
		WindowedTokenEstimate: result.OptimizedTokens,
		WindowingApplied:      result.WindowingApplied,

		ClassifiedTier:           result.Classification.Tier,
		ClassificationConfidence: utils.ToPtr(result.Classification.Confidence),

		OriginalModel:  result.Decision.OriginalModel,
		TargetModel:    result.Decision.TargetModel,
		RoutingReason:  string(result.Decision.Reason),
		RoutingApplied: result.Applied,

		CacheBreakpointsInjected: result.CacheStats.BreakpointsInjected,

		ActualInputTokens:  outcome.InputTokens,
		ActualOutputTokens: outcome.OutputTokens,
		CacheReadTokens:    outcome.CacheReadTokens,
		CacheWriteTokens:   outcome.CacheWriteTokens,
		LatencyMs:          utils.ToPtr(outcome.LatencyMs),

		TokensSaved:        tokensSaved,
		EstimatedCostSaved: costSaved,
	})
}

// Shutdown flushes buffered metrics. Call once the server has stopped
// accepting requests.
func (p *Pipeline) Shutdown() {
	p.components.Collector.Flush()
}

// passthrough is the fail-open result: the input unchanged and a disabled
// routing decision. The provider still resolves from the original model so
// the request stays forwardable.
func (p *Pipeline) passthrough(request Request) Result {
	return Result{
		RequestId:  request.RequestId,
		RunId:      request.RunId,
		SessionKey: request.SessionKey,
		AgentId:    request.AgentId,
		Mode:       p.cfg.Mode,
		Messages:   request.Messages,
		Decision: routing.RoutingDecision{
			OriginalModel: request.OriginalModel,
			TargetModel:   request.OriginalModel,
			Reason:        routing.ReasonRoutingDisabled,
		},
		Provider:      routing.ResolveProvider(request.OriginalModel, p.cfg.Routing.TierProviders),
		BudgetAllowed: true,
	}
}

func cheaperTier(tier slimclaw.Tier) (slimclaw.Tier, bool) {
	rank := tier.Rank()
	if rank == 0 {
		return tier, false
	}
	return slimclaw.Tiers[rank-1], true
}
