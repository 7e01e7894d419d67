package window

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slimclaw/slimclaw/openai"
)

func newTestWindower() *Windower {
	return NewWindower(zap.NewNop().Sugar())
}

func conversationOf(length int) []openai.Message {
	messages := []openai.Message{openai.NewTextMessage("system", "You are a helpful assistant.")}
	for i := 0; i < length; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		messages = append(messages, openai.NewTextMessage(role, fmt.Sprintf("turn %d with a little bit of content", i)))
	}
	return messages
}

func TestWindow(t *testing.T) {
	opts := Options{MaxMessages: 4, MaxTokens: 4000, SummarizeThreshold: 6}

	t.Run("Short conversation passes through", func(t *testing.T) {
		messages := conversationOf(4)
		outcome := newTestWindower().Window(messages, opts)

		assert.Equal(t, MethodNone, outcome.Method)
		assert.Equal(t, 0, outcome.TrimmedMessageCount)
		assert.Equal(t, 4, outcome.WindowedMessageCount)
		assert.Equal(t, outcome.OriginalTokenEstimate, outcome.WindowedTokenEstimate)
	})

	t.Run("Long conversation is trimmed with a summary", func(t *testing.T) {
		messages := conversationOf(10)
		outcome := newTestWindower().Window(messages, opts)

		assert.Equal(t, MethodHeuristic, outcome.Method)
		assert.Equal(t, 4, outcome.WindowedMessageCount)
		assert.Equal(t, 6, outcome.TrimmedMessageCount)
		assert.NotEmpty(t, outcome.ContextSummary)
		assert.Greater(t, outcome.SummaryTokenEstimate, 0)
	})

	t.Run("Message count invariant holds", func(t *testing.T) {
		for _, length := range []int{0, 1, 5, 9, 25} {
			messages := conversationOf(length)
			outcome := newTestWindower().Window(messages, opts)
			assert.Equal(t, outcome.OriginalMessageCount-1,
				outcome.WindowedMessageCount+outcome.TrimmedMessageCount,
				"length %d", length)
		}
	})

	t.Run("Windowed tokens never exceed original", func(t *testing.T) {
		messages := conversationOf(30)
		outcome := newTestWindower().Window(messages, opts)
		assert.LessOrEqual(t, outcome.WindowedTokenEstimate, outcome.OriginalTokenEstimate)
	})

	t.Run("Token budget drops further recent messages", func(t *testing.T) {
		big := strings.Repeat("lorem ipsum dolor sit amet ", 200)
		messages := []openai.Message{}
		for i := 0; i < 9; i++ {
			messages = append(messages, openai.NewTextMessage("user", big))
		}
		outcome := newTestWindower().Window(messages, Options{MaxMessages: 6, MaxTokens: 800, SummarizeThreshold: 2})

		assert.Equal(t, MethodHeuristic, outcome.Method)
		assert.Equal(t, 1, outcome.WindowedMessageCount, "only one message fits the budget")
		assert.Equal(t, 8, outcome.TrimmedMessageCount)
	})

	t.Run("Empty input never fails", func(t *testing.T) {
		outcome := newTestWindower().Window(nil, opts)
		assert.Equal(t, MethodNone, outcome.Method)
		assert.Equal(t, 0, outcome.OriginalMessageCount)
		assert.Empty(t, BuildMessages(outcome))
	})
}

func TestBuildMessages(t *testing.T) {
	t.Run("System message combines prompt and summary", func(t *testing.T) {
		outcome := Outcome{
			SystemPrompt:   "You are terse.",
			ContextSummary: "Earlier conversation (2 messages summarized): [user] hi",
			RecentMessages: []openai.Message{openai.NewTextMessage("user", "what now?")},
		}
		built := BuildMessages(outcome)

		require.Len(t, built, 2)
		assert.Equal(t, "system", built[0].Role)
		text := built[0].TextContent()
		assert.Contains(t, text, "You are terse.")
		assert.Contains(t, text, "<context_summary>")
		assert.Contains(t, text, "</context_summary>")
	})

	t.Run("No system message when prompt and summary are empty", func(t *testing.T) {
		outcome := Outcome{RecentMessages: []openai.Message{openai.NewTextMessage("user", "hello")}}
		built := BuildMessages(outcome)

		require.Len(t, built, 1)
		assert.Equal(t, "user", built[0].Role)
	})

	t.Run("Windowed non-system messages are a suffix of the original", func(t *testing.T) {
		messages := conversationOf(12)
		outcome := newTestWindower().Window(messages, Options{MaxMessages: 5, MaxTokens: 4000, SummarizeThreshold: 4})
		built := BuildMessages(outcome)

		var rebuilt []string
		for i := range built {
			if built[i].Role != "system" {
				rebuilt = append(rebuilt, built[i].TextContent())
			}
		}
		var original []string
		for i := range messages {
			if messages[i].Role != "system" {
				original = append(original, messages[i].TextContent())
			}
		}
		require.LessOrEqual(t, len(rebuilt), len(original))
		assert.Equal(t, original[len(original)-len(rebuilt):], rebuilt)
	})
}
