// Package tokenizer provides a fast, deterministic token estimate used by the
// windowing and classification stages. It is intentionally model-agnostic: a
// real tokenizer would tie the optimizer to one provider's vocabulary.
package tokenizer

import (
	"math"
	"strings"

	"github.com/slimclaw/slimclaw/openai"
)

// Words in code-heavy text expand into more tokens than prose.
const (
	codeTokensPerWord  = 1.3
	proseTokensPerWord = 1.1

	// Punctuation density at or above this ratio marks text as code-like.
	codePunctuationRatio = 0.1
)

// EstimateText returns the estimated token count of a plain string.
// The estimate is the maximum of a word-based and a character-based guess,
// which keeps it monotone non-decreasing under concatenation.
func EstimateText(text string) int {
	if text == "" {
		return 0
	}

	words := strings.Fields(text)
	wordCount := len(words)

	perWord := proseTokensPerWord
	if wordCount > 0 && codePunctuationCount(text) >= codePunctuationRatio*float64(wordCount) {
		perWord = codeTokensPerWord
	}

	wordEstimate := int(math.Ceil(float64(wordCount) * perWord))
	charEstimate := int(math.Ceil(float64(len(text)) / 4))

	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// EstimateMessages sums the estimates of each message's flattened text.
// Non-text content blocks contribute only their text payload.
func EstimateMessages(messages []openai.Message) int {
	total := 0
	for i := range messages {
		total += EstimateText(messages[i].TextContent())
	}
	return total
}

func codePunctuationCount(text string) float64 {
	count := 0
	for _, ch := range text {
		switch ch {
		case '{', '}', '(', ')', '[', ']', ';':
			count++
		}
	}
	return float64(count)
}
