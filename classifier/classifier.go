// Package classifier maps a conversation to a complexity tier using keyword
// and structural heuristics. Classification is pure: the same conversation
// always yields the same result.
package classifier

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	slimclaw "github.com/slimclaw/slimclaw"
	"github.com/slimclaw/slimclaw/openai"
)

// Result is the outcome of classifying a conversation.
type Result struct {
	Tier       slimclaw.Tier             `json:"tier"`
	Confidence float64                   `json:"confidence"`
	Scores     map[slimclaw.Tier]float64 `json:"scores"`
	Signals    []string                  `json:"signals"`
	Reason     string                    `json:"reason"`
}

type keyword struct {
	phrase string
	weight float64
}

// Tier dictionaries. Phrases are matched case-insensitively against the
// flattened conversation text.
var tierKeywords = map[slimclaw.Tier][]keyword{
	slimclaw.TierSimple: {
		{"hi,", 1.0}, {"hi!", 1.0}, {"hello", 1.0},
		{"thanks", 1.0}, {"thank you", 1.0}, {"how are you", 1.0},
		{"what is", 0.6}, {"what's", 0.5}, {"define", 0.6},
		{"translate", 0.8}, {"good morning", 1.0}, {"yes or no", 0.8},
	},
	slimclaw.TierMid: {
		{"explain", 0.8}, {"write a", 0.8}, {"implement", 0.8},
		{"fix", 0.7}, {"debug", 0.8}, {"refactor", 0.9},
		{"how do i", 0.7}, {"how can i", 0.7}, {"convert", 0.6},
		{"summarize", 0.6}, {"example", 0.5}, {"unit test", 0.8},
	},
	slimclaw.TierComplex: {
		{"architect", 1.0}, {"design a system", 1.2}, {"optimize", 0.9},
		{"analyze", 0.8}, {"review", 0.6}, {"migrate", 0.9},
		{"distributed", 1.0}, {"concurren", 0.9}, {"scalab", 0.9},
		{"security", 0.8}, {"performance", 0.7}, {"trade-off", 0.9},
		{"tradeoff", 0.9}, {"end-to-end", 0.8},
	},
	slimclaw.TierReasoning: {
		{"prove", 1.2}, {"theorem", 1.2}, {"mathematically", 1.0},
		{"derive", 1.0}, {"step by step", 0.9}, {"step-by-step", 0.9},
		{"formally", 1.0}, {"logic puzzle", 1.2}, {"deduce", 1.0},
		{"chain of thought", 1.0}, {"rigorous", 0.9}, {"contradiction", 0.9},
	},
}

// Structural adjustment weights.
const (
	codeBlockComplexWeight = 1.0
	codeBlockMidWeight     = 0.5
	toolCallComplexWeight  = 1.0
	shortTextSimpleWeight  = 1.0
	midTextMidWeight       = 0.5
	longTextComplexWeight  = 1.0
	questionsComplexWeight = 0.5

	shortTextLength = 100
	midTextLength   = 500
	longTextLength  = 2000
)

type Classifier struct {
	logger *zap.SugaredLogger
}

func NewClassifier(logger *zap.SugaredLogger) *Classifier {
	return &Classifier{logger: logger}
}

// Classify scores the conversation against the four tier dictionaries plus
// structural signals and returns a normalized distribution over tiers.
func (c *Classifier) Classify(messages []openai.Message) Result {
	text := flatten(messages)
	lowered := strings.ToLower(text)

	raw := map[slimclaw.Tier]float64{}
	signals := []string{}

	keywordHits := 0
	for _, tier := range slimclaw.Tiers {
		for _, kw := range tierKeywords[tier] {
			if strings.Contains(lowered, kw.phrase) {
				raw[tier] += kw.weight
				signals = append(signals, fmt.Sprintf("keyword:%s:%s", tier, kw.phrase))
				keywordHits++
			}
		}
	}

	if strings.Contains(text, "```") {
		raw[slimclaw.TierComplex] += codeBlockComplexWeight
		raw[slimclaw.TierMid] += codeBlockMidWeight
		signals = append(signals, "structural:code-blocks")
	}
	if hasToolCalls(messages) {
		raw[slimclaw.TierComplex] += toolCallComplexWeight
		signals = append(signals, "structural:tool-calls")
	}

	switch length := len(text); {
	case length < shortTextLength:
		raw[slimclaw.TierSimple] += shortTextSimpleWeight
		signals = append(signals, "structural:short-text")
	case length < midTextLength:
		raw[slimclaw.TierMid] += midTextMidWeight
		signals = append(signals, "structural:mid-text")
	case length > longTextLength:
		raw[slimclaw.TierComplex] += longTextComplexWeight
		signals = append(signals, "structural:long-text")
	}

	if questions := strings.Count(text, "?"); questions > 2 {
		raw[slimclaw.TierComplex] += questionsComplexWeight
		signals = append(signals, "structural:multiple-questions")
	}

	scores := normalize(raw)
	tier := argmax(scores)
	confidence := confidenceOf(scores)
	c.logger.Debugw("Classified request", "tier", tier, "confidence", confidence, "signals", len(signals))

	return Result{
		Tier:       tier,
		Confidence: confidence,
		Scores:     scores,
		Signals:    signals,
		Reason: fmt.Sprintf("%d keyword match(es), %d structural signal(s); top tier %s at %.2f",
			keywordHits, len(signals)-keywordHits, tier, scores[tier]),
	}
}

// normalize shifts every tier score by +1 (floored at 0.01) and divides by
// the sum, yielding a proper distribution even when nothing fired.
func normalize(raw map[slimclaw.Tier]float64) map[slimclaw.Tier]float64 {
	shifted := map[slimclaw.Tier]float64{}
	sum := 0.0
	for _, tier := range slimclaw.Tiers {
		value := raw[tier] + 1
		if value < 0.01 {
			value = 0.01
		}
		shifted[tier] = value
		sum += value
	}
	for tier, value := range shifted {
		shifted[tier] = value / sum
	}
	return shifted
}

// argmax returns the highest-scoring tier; ties resolve to the cheaper tier.
func argmax(scores map[slimclaw.Tier]float64) slimclaw.Tier {
	best := slimclaw.TierSimple
	bestScore := math.Inf(-1)
	for _, tier := range slimclaw.Tiers {
		if scores[tier] > bestScore {
			best = tier
			bestScore = scores[tier]
		}
	}
	return best
}

func confidenceOf(scores map[slimclaw.Tier]float64) float64 {
	sorted := make([]float64, 0, len(scores))
	for _, score := range scores {
		sorted = append(sorted, score)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	confidence := 0.5
	if len(sorted) > 1 {
		confidence = 0.5 + (sorted[0] - sorted[1])
	}
	return round2(clamp01(confidence))
}

func flatten(messages []openai.Message) string {
	var builder strings.Builder
	for i := range messages {
		if text := messages[i].TextContent(); text != "" {
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}
	return builder.String()
}

func hasToolCalls(messages []openai.Message) bool {
	for i := range messages {
		if len(messages[i].ToolCalls) > 0 {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
