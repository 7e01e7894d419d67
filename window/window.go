// Package window trims and summarizes conversation history so that requests
// stay within a configured message and token envelope while preserving the
// system prompt and the most recent turns.
package window

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/slimclaw/slimclaw/openai"
	"github.com/slimclaw/slimclaw/tokenizer"
)

// Method identifies how a windowing outcome was produced.
type Method string

const (
	MethodNone      Method = "none"
	MethodHeuristic Method = "heuristic"

	// MethodLLM is reserved for model-generated summaries. Not produced yet.
	MethodLLM Method = "llm"
)

// Options bound the windowed conversation.
type Options struct {
	// Maximum number of non-system messages kept verbatim.
	MaxMessages int

	// Token budget for the windowed conversation.
	MaxTokens int

	// Conversations at or below this length pass through untouched.
	SummarizeThreshold int
}

// Outcome reports what windowing did to a conversation.
type Outcome struct {
	SystemPrompt   string
	ContextSummary string
	RecentMessages []openai.Message

	OriginalMessageCount int
	WindowedMessageCount int
	TrimmedMessageCount  int

	OriginalTokenEstimate int
	WindowedTokenEstimate int
	SummaryTokenEstimate  int

	Method Method
}

// Summaries are bounded regardless of how much history was trimmed.
const maxSummaryLength = 600

// Per-message excerpt length used when building the heuristic summary.
const summaryExcerptLength = 80

type Windower struct {
	logger *zap.SugaredLogger
}

func NewWindower(logger *zap.SugaredLogger) *Windower {
	return &Windower{logger: logger}
}

// Window produces an Outcome for the given conversation. It never fails: any
// input it cannot improve passes through with Method set to MethodNone.
func (w *Windower) Window(messages []openai.Message, opts Options) Outcome {
	systemPrompt, conversation := splitSystemPrompt(messages)
	originalTokens := tokenizer.EstimateMessages(messages)

	passthrough := Outcome{
		SystemPrompt:          systemPrompt,
		RecentMessages:        conversation,
		OriginalMessageCount:  len(messages),
		WindowedMessageCount:  len(conversation),
		OriginalTokenEstimate: originalTokens,
		WindowedTokenEstimate: originalTokens,
		Method:                MethodNone,
	}

	if opts.MaxMessages < 1 || len(conversation) == 0 {
		return passthrough
	}

	if len(conversation) <= opts.SummarizeThreshold && originalTokens <= opts.MaxTokens {
		return passthrough
	}

	recent := conversation
	if len(recent) > opts.MaxMessages {
		recent = recent[len(recent)-opts.MaxMessages:]
	}

	// The window may still be over budget when recent messages are large.
	// Keep dropping the oldest until the budget holds or one remains.
	systemTokens := tokenizer.EstimateText(systemPrompt)
	for len(recent) > 1 && systemTokens+tokenizer.EstimateMessages(recent) > opts.MaxTokens {
		recent = recent[1:]
	}

	trimmed := conversation[:len(conversation)-len(recent)]
	if len(trimmed) == 0 {
		// Nothing was dropped; report the pass as untouched.
		return passthrough
	}

	summary := summarize(trimmed)
	outcome := Outcome{
		SystemPrompt:          systemPrompt,
		ContextSummary:        summary,
		RecentMessages:        recent,
		OriginalMessageCount:  len(messages),
		WindowedMessageCount:  len(recent),
		TrimmedMessageCount:   len(trimmed),
		OriginalTokenEstimate: originalTokens,
		WindowedTokenEstimate: systemTokens + tokenizer.EstimateMessages(recent),
		SummaryTokenEstimate:  tokenizer.EstimateText(summary),
		Method:                MethodHeuristic,
	}

	w.logger.Infow("Windowed conversation",
		"original_messages", outcome.OriginalMessageCount,
		"windowed_messages", outcome.WindowedMessageCount,
		"trimmed_messages", outcome.TrimmedMessageCount,
		"original_tokens", outcome.OriginalTokenEstimate,
		"windowed_tokens", outcome.WindowedTokenEstimate)
	return outcome
}

// BuildMessages reconstructs the forwarded message sequence from an outcome.
// The system message carries the original system prompt followed by the
// context summary block; it is omitted when both are empty.
func BuildMessages(outcome Outcome) []openai.Message {
	messages := make([]openai.Message, 0, len(outcome.RecentMessages)+1)

	systemText := outcome.SystemPrompt
	if outcome.ContextSummary != "" {
		block := fmt.Sprintf("<context_summary>\n%s\n</context_summary>", outcome.ContextSummary)
		if systemText != "" {
			systemText += "\n\n" + block
		} else {
			systemText = block
		}
	}
	if systemText != "" {
		messages = append(messages, openai.NewTextMessage("system", systemText))
	}

	return append(messages, outcome.RecentMessages...)
}

func splitSystemPrompt(messages []openai.Message) (string, []openai.Message) {
	conversation := make([]openai.Message, 0, len(messages))
	systemPrompt := ""
	found := false
	for i := range messages {
		if !found && messages[i].Role == "system" {
			systemPrompt = messages[i].TextContent()
			found = true
			continue
		}
		conversation = append(conversation, messages[i])
	}
	return systemPrompt, conversation
}

// summarize compresses trimmed history into a bounded plain-text digest. The
// digest is informational only; it is never fed back into classification.
func summarize(trimmed []openai.Message) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("Earlier conversation (%d messages summarized): ", len(trimmed)))

	for i := range trimmed {
		text := strings.TrimSpace(trimmed[i].TextContent())
		if text == "" {
			continue
		}
		excerpt := firstLine(text)
		if len(excerpt) > summaryExcerptLength {
			excerpt = excerpt[:summaryExcerptLength] + "…"
		}
		entry := fmt.Sprintf("[%s] %s ", trimmed[i].Role, excerpt)
		if builder.Len()+len(entry) > maxSummaryLength {
			builder.WriteString("…")
			break
		}
		builder.WriteString(entry)
	}
	return strings.TrimSpace(builder.String())
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx]
	}
	return text
}
