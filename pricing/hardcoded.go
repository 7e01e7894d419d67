// Package pricing owns the process-wide model price table: a hardcoded
// baseline plus a TTL-refreshed dynamic cache fed from the OpenRouter models
// endpoint.
package pricing

import (
	"strings"
	"time"
)

// ModelPricing holds USD prices per 1k tokens.
type ModelPricing struct {
	InputPer1K  float64   `json:"input_per_1k"`
	OutputPer1K float64   `json:"output_per_1k"`
	FetchedAt   time.Time `json:"fetched_at,omitempty"`
}

// DefaultPricing is the ultra-generic fallback for models nothing knows about.
var DefaultPricing = ModelPricing{InputPer1K: 0.001, OutputPer1K: 0.002}

// Hardcoded prices per 1k tokens in USD. Keys are bare model families; use
// HardcodedPricing to look up fully-qualified ids.
var hardcodedPricing = map[string]ModelPricing{
	// Anthropic
	"claude-opus-4":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-sonnet-4":   {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-7-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},

	// OpenAI
	"gpt-4.1":      {InputPer1K: 0.002, OutputPer1K: 0.008},
	"gpt-4.1-mini": {InputPer1K: 0.0004, OutputPer1K: 0.0016},
	"gpt-4.1-nano": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	"gpt-4o":       {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":  {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4-turbo":  {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4":        {InputPer1K: 0.03, OutputPer1K: 0.06},
	"o3":           {InputPer1K: 0.01, OutputPer1K: 0.04},
	"o4-mini":      {InputPer1K: 0.0011, OutputPer1K: 0.0044},

	// Google
	"gemini-2.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.01},
	"gemini-2.5-flash": {InputPer1K: 0.0003, OutputPer1K: 0.0025},
	"gemini-2.0-flash": {InputPer1K: 0.0001, OutputPer1K: 0.0004},

	// Open-weight families, OpenRouter ballpark.
	"llama-4-maverick": {InputPer1K: 0.0002, OutputPer1K: 0.0006},
	"llama-4-scout":    {InputPer1K: 0.0001, OutputPer1K: 0.0003},
	"qwen3-coder":      {InputPer1K: 0.0002, OutputPer1K: 0.0008},
	"deepseek-v3":      {InputPer1K: 0.00027, OutputPer1K: 0.0011},
	"deepseek-r1":      {InputPer1K: 0.00055, OutputPer1K: 0.00219},
}

// HardcodedPricing resolves a model id against the baseline table. Provider
// prefixes and date suffixes are tolerated: "anthropic/claude-3-haiku-20240307"
// matches the "claude-3-haiku" entry.
func HardcodedPricing(model string) ModelPricing {
	bare := strings.ToLower(model)
	if idx := strings.LastIndex(bare, "/"); idx >= 0 {
		bare = bare[idx+1:]
	}

	if pricing, ok := hardcodedPricing[bare]; ok {
		return pricing
	}

	// Longest-prefix family match handles dated snapshots.
	bestLen := 0
	best := DefaultPricing
	for family, pricing := range hardcodedPricing {
		if strings.HasPrefix(bare, family) && len(family) > bestLen {
			bestLen = len(family)
			best = pricing
		}
	}
	return best
}

// ReferenceCost is the cost of the standard 1k-input + 1k-output reference
// workload used by shadow recommendations.
func ReferenceCost(pricing ModelPricing) float64 {
	return pricing.InputPer1K + pricing.OutputPer1K
}

// Cost returns the USD cost of a request given actual token counts.
func Cost(pricing ModelPricing, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*pricing.InputPer1K/1000 + float64(outputTokens)*pricing.OutputPer1K/1000
}
