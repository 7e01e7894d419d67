package classifier

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	slimclaw "github.com/slimclaw/slimclaw"
	"github.com/slimclaw/slimclaw/openai"
)

func newTestClassifier() *Classifier {
	return NewClassifier(zap.NewNop().Sugar())
}

func userMessage(text string) []openai.Message {
	return []openai.Message{openai.NewTextMessage("user", text)}
}

func TestClassify(t *testing.T) {
	t.Run("Greeting classifies as simple", func(t *testing.T) {
		result := newTestClassifier().Classify(userMessage("Hi, how are you?"))
		assert.Equal(t, slimclaw.TierSimple, result.Tier)
		assert.GreaterOrEqual(t, result.Confidence, 0.4)
	})

	t.Run("Proof request classifies as reasoning", func(t *testing.T) {
		result := newTestClassifier().Classify(userMessage(
			"Please prove mathematically that the square root of 2 is irrational."))
		assert.Equal(t, slimclaw.TierReasoning, result.Tier)
	})

	t.Run("Architecture question classifies as complex", func(t *testing.T) {
		result := newTestClassifier().Classify(userMessage(
			"Help me design a system for a distributed cache with strong security and good performance trade-offs. " +
				"It must be scalable across regions and survive concurrent writers without data loss. " +
				"What replication strategy should we analyze first, how do we optimize reads, and how do we migrate safely? " +
				"Assume tens of millions of keys and a multi-tenant workload with strict latency budgets throughout."))
		assert.Equal(t, slimclaw.TierComplex, result.Tier)
	})

	t.Run("Scores form a distribution with argmax at the tier", func(t *testing.T) {
		inputs := []string{
			"Hi!",
			"Explain how garbage collection works and write a small example.",
			"prove this theorem step by step",
			strings.Repeat("analyze this distributed design in depth ", 80),
		}
		for _, input := range inputs {
			result := newTestClassifier().Classify(userMessage(input))
			sum := 0.0
			for _, score := range result.Scores {
				sum += score
			}
			assert.InDelta(t, 1.0, sum, 1e-9, "input %q", input)
			for tier, score := range result.Scores {
				assert.LessOrEqual(t, score, result.Scores[result.Tier]+1e-12, "tier %s beats argmax for %q", tier, input)
			}
			assert.GreaterOrEqual(t, result.Confidence, 0.0)
			assert.LessOrEqual(t, result.Confidence, 1.0)
		}
	})

	t.Run("Code blocks bias toward complex and mid", func(t *testing.T) {
		plain := newTestClassifier().Classify(userMessage("please look at my function and tell me more about it and its behavior in production today"))
		withCode := newTestClassifier().Classify(userMessage("please look at my function and tell me more about it and its behavior in production today\n```go\nfunc a() {}\n```"))
		assert.Greater(t, withCode.Scores[slimclaw.TierComplex], plain.Scores[slimclaw.TierComplex])
	})

	t.Run("Tool calls bias toward complex", func(t *testing.T) {
		messages := []openai.Message{
			openai.NewTextMessage("user", "run the deployment checks for the release and report back with anything unusual you find"),
			{Role: "assistant", ToolCalls: []openai.ToolCall{{Id: "call_1", Type: "function", Function: &openai.FunctionCall{Name: "deploy", Arguments: "{}"}}}},
		}
		withTools := newTestClassifier().Classify(messages)
		without := newTestClassifier().Classify(messages[:1])
		assert.Greater(t, withTools.Scores[slimclaw.TierComplex], without.Scores[slimclaw.TierComplex])
	})

	t.Run("Deterministic", func(t *testing.T) {
		messages := userMessage("Explain how to refactor this code and fix the bug.")
		first := newTestClassifier().Classify(messages)
		second := newTestClassifier().Classify(messages)
		assert.Equal(t, first, second)
	})

	t.Run("Empty input does not panic", func(t *testing.T) {
		result := newTestClassifier().Classify(nil)
		assert.True(t, result.Tier.Valid())
	})
}

type stubProvider struct {
	result RouteResult
	err    error
	called bool
}

func (s *stubProvider) Route(_ context.Context, _ string, _ int) (RouteResult, error) {
	s.called = true
	return s.result, s.err
}

func TestRouterBacked(t *testing.T) {
	logger := zap.NewNop().Sugar()

	t.Run("Uses provider answer", func(t *testing.T) {
		provider := &stubProvider{result: RouteResult{Model: "m", Tier: slimclaw.TierMid, Confidence: 0.8}}
		bridge := NewRouterBacked(provider, newTestClassifier(), logger)
		result := bridge.Classify(context.Background(), userMessage("whatever"), 100)

		require.True(t, provider.called)
		assert.Equal(t, slimclaw.TierMid, result.Tier)
		assert.InDelta(t, 0.8, result.Confidence, 1e-9)
		assert.Equal(t, result.Scores[slimclaw.TierMid], maxScore(result.Scores))
	})

	t.Run("Falls back to heuristic on error", func(t *testing.T) {
		provider := &stubProvider{err: errors.New("router unavailable")}
		bridge := NewRouterBacked(provider, newTestClassifier(), logger)
		result := bridge.Classify(context.Background(), userMessage("Hi, how are you?"), 10)

		assert.Equal(t, slimclaw.TierSimple, result.Tier)
	})

	t.Run("Falls back on invalid tier", func(t *testing.T) {
		provider := &stubProvider{result: RouteResult{Tier: "mystery"}}
		bridge := NewRouterBacked(provider, newTestClassifier(), logger)
		result := bridge.Classify(context.Background(), userMessage("Hi, how are you?"), 10)

		assert.Equal(t, slimclaw.TierSimple, result.Tier)
	})

	t.Run("Low provider confidence still keeps argmax at tier", func(t *testing.T) {
		provider := &stubProvider{result: RouteResult{Tier: slimclaw.TierReasoning, Confidence: 0.1}}
		bridge := NewRouterBacked(provider, newTestClassifier(), logger)
		result := bridge.Classify(context.Background(), userMessage("x"), 1)

		assert.Equal(t, slimclaw.TierReasoning, result.Tier)
		assert.Equal(t, result.Scores[slimclaw.TierReasoning], maxScore(result.Scores))
	})
}

func maxScore(scores map[slimclaw.Tier]float64) float64 {
	max := 0.0
	for _, score := range scores {
		if score > max {
			max = score
		}
	}
	return max
}
