package classifier

import (
	"context"

	"go.uber.org/zap"

	slimclaw "github.com/slimclaw/slimclaw"
	"github.com/slimclaw/slimclaw/openai"
)

// RoutingProvider is the capability an external router exposes to the
// classifier bridge. The bridge depends on this interface, not on the router
// package, which keeps the dependency pointing one way.
type RoutingProvider interface {
	Route(ctx context.Context, text string, contextTokens int) (RouteResult, error)
}

// RouteResult is what an external router answers with.
type RouteResult struct {
	Model      string
	Tier       slimclaw.Tier
	Confidence float64
}

// RouterBacked consults an external routing provider and falls back to the
// heuristic classifier when the provider fails or answers nonsense.
type RouterBacked struct {
	provider  RoutingProvider
	heuristic *Classifier
	logger    *zap.SugaredLogger
}

func NewRouterBacked(provider RoutingProvider, heuristic *Classifier, logger *zap.SugaredLogger) *RouterBacked {
	return &RouterBacked{provider: provider, heuristic: heuristic, logger: logger}
}

func (rb *RouterBacked) Classify(ctx context.Context, messages []openai.Message, contextTokens int) Result {
	if rb.provider == nil {
		return rb.heuristic.Classify(messages)
	}

	routed, err := rb.provider.Route(ctx, flatten(messages), contextTokens)
	if err != nil || !routed.Tier.Valid() {
		rb.logger.Warnw("Routing provider failed, falling back to heuristic classifier", "error", err)
		return rb.heuristic.Classify(messages)
	}

	return Result{
		Tier:       routed.Tier,
		Confidence: round2(clamp01(routed.Confidence)),
		Scores:     providerScores(routed.Tier, routed.Confidence),
		Signals:    []string{"router:" + string(routed.Tier)},
		Reason:     "routing provider selected tier " + string(routed.Tier),
	}
}

// providerScores turns a single tier answer into a distribution whose argmax
// is that tier. The provider's confidence becomes the top mass, floored so
// the argmax invariant holds even for low-confidence answers.
func providerScores(tier slimclaw.Tier, confidence float64) map[slimclaw.Tier]float64 {
	top := clamp01(confidence)
	if top < 0.4 {
		top = 0.4
	}
	rest := (1 - top) / float64(len(slimclaw.Tiers)-1)

	scores := map[slimclaw.Tier]float64{}
	for _, t := range slimclaw.Tiers {
		if t == tier {
			scores[t] = top
		} else {
			scores[t] = rest
		}
	}
	return scores
}
