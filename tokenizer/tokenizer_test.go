package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slimclaw/slimclaw/openai"
)

func TestEstimateText(t *testing.T) {
	t.Run("Empty input", func(t *testing.T) {
		assert.Equal(t, 0, EstimateText(""))
	})

	t.Run("Prose uses word estimate or char estimate, whichever is larger", func(t *testing.T) {
		// 4 words, 20 chars: word estimate ceil(4*1.1)=5, char estimate ceil(20/4)=5.
		assert.Equal(t, 5, EstimateText("this is some prose."))
	})

	t.Run("Code-like text uses the higher per-word factor", func(t *testing.T) {
		code := "func main() { fmt.Println(x); }"
		prose := "func main and fmt Println x etc"
		assert.GreaterOrEqual(t, EstimateText(code), EstimateText(prose))
	})

	t.Run("Long character runs dominate", func(t *testing.T) {
		// One "word" of 400 chars: char estimate 100 beats word estimate 2.
		assert.Equal(t, 100, EstimateText(strings.Repeat("a", 400)))
	})

	t.Run("Monotone under concatenation", func(t *testing.T) {
		a := "short question?"
		b := "a considerably longer continuation with many more words in it"
		assert.GreaterOrEqual(t, EstimateText(a+" "+b), EstimateText(a))
		assert.GreaterOrEqual(t, EstimateText(a+" "+b), EstimateText(b))
	})
}

func TestEstimateMessages(t *testing.T) {
	t.Run("Empty slice", func(t *testing.T) {
		assert.Equal(t, 0, EstimateMessages(nil))
	})

	t.Run("Sums per-message estimates", func(t *testing.T) {
		messages := []openai.Message{
			openai.NewTextMessage("user", "hello there"),
			openai.NewTextMessage("assistant", "hi, how can I help?"),
		}
		total := EstimateMessages(messages)
		assert.Equal(t, EstimateText("hello there")+EstimateText("hi, how can I help?"), total)
	})

	t.Run("Non-text parts contribute only their text payload", func(t *testing.T) {
		messages := []openai.Message{
			{
				Role: "user",
				Content: &openai.MessageContent{Parts: []openai.Part{
					{Type: "text", Text: "describe this image"},
					{Type: "image_url", ImageUrl: &openai.ImageUrl{Url: "https://example.com/a.png"}},
				}},
			},
		}
		assert.Equal(t, EstimateText("describe this image"), EstimateMessages(messages))
	})

	t.Run("Nil content is zero", func(t *testing.T) {
		messages := []openai.Message{{Role: "assistant", ToolCalls: []openai.ToolCall{{Id: "call_1", Type: "function"}}}}
		assert.Equal(t, 0, EstimateMessages(messages))
	})
}
