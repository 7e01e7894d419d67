package openai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Reference: https://platform.openai.com/docs/api-reference/chat/create
//
// Only the parts of the chat surface that the optimizer inspects or rewrites
// are modeled here. Unknown fields of inbound requests are preserved verbatim
// by the proxy, which forwards the raw body with only the routed fields
// replaced.
type ChatCompletionRequest struct {
	// A list of messages comprising the conversation so far.
	Messages []Message `json:"messages"`

	Model string `json:"model"`

	// Deprecated in favor of max_completion_tokens.
	MaxTokens *int32 `json:"max_tokens,omitempty"`

	MaxCompletionTokens *int32 `json:"max_completion_tokens,omitempty"`

	Temperature *float32 `json:"temperature,omitempty"`

	TopP *float32 `json:"top_p,omitempty"`

	// If set to true, the response is streamed as server-sent events.
	Stream *bool `json:"stream,omitempty"`

	StreamOptions *StreamOptions `json:"stream_options,omitempty"`

	Tools []Tool `json:"tools,omitempty"`

	User *string `json:"user,omitempty"`

	// Extended thinking budget, attached when a request routes to the
	// reasoning tier. Anthropic-compatible shape.
	Thinking *Thinking `json:"thinking,omitempty"`
}

type StreamOptions struct {
	IncludeUsage *bool `json:"include_usage,omitempty"`
}

type Tool struct {
	Type     string       `json:"type"`
	Function FunctionTool `json:"function"`
}

type FunctionTool struct {
	Name        string          `json:"name"`
	Description *string         `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Thinking carries the token budget granted to extended reasoning.
type Thinking struct {
	Type         string `json:"type,omitempty"`
	BudgetTokens int    `json:"budget_tokens"`
}

// CacheControlEphemeral marks the prefix up to and including the carrying
// message as cacheable by the provider.
const CacheControlEphemeral = "ephemeral"

type CacheControl struct {
	Type string `json:"type"`
}

type Message struct {
	Role string `json:"role"`
	// When the role is "tool", the content must be a JSON string.
	Content      *MessageContent `json:"content"`
	Name         *string         `json:"name,omitempty"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallId   *string         `json:"tool_call_id,omitempty"`
	CacheControl *CacheControl   `json:"cache_control,omitempty"`
}

// TextContent flattens the textual payload of the message. Non-text parts
// contribute nothing.
func (m *Message) TextContent() string {
	if m.Content == nil {
		return ""
	}
	if m.Content.String != nil {
		return *m.Content.String
	}
	var builder strings.Builder
	for _, part := range m.Content.Parts {
		if part.Text != "" {
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(part.Text)
		}
	}
	return builder.String()
}

// Clone returns a shallow-plus-content copy safe to mutate without touching
// the original message.
func (m Message) Clone() Message {
	cloned := m
	if m.Content != nil {
		content := *m.Content
		if m.Content.Parts != nil {
			content.Parts = append([]Part(nil), m.Content.Parts...)
		}
		cloned.Content = &content
	}
	if m.CacheControl != nil {
		control := *m.CacheControl
		cloned.CacheControl = &control
	}
	if m.ToolCalls != nil {
		cloned.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return cloned
}

// NewTextMessage builds a plain string-content message.
func NewTextMessage(role string, text string) Message {
	return Message{Role: role, Content: &MessageContent{String: &text}}
}

// MessageContent is either a plain string or an ordered list of content
// blocks, mirroring the wire format.
type MessageContent struct {
	String *string
	Parts  []Part
}

func (mc *MessageContent) MarshalJSON() ([]byte, error) {
	if mc.String != nil {
		return json.Marshal(mc.String)
	}
	return json.Marshal(mc.Parts)
}

func (mc *MessageContent) UnmarshalJSON(data []byte) error {
	var stringValue string
	if err := json.Unmarshal(data, &stringValue); err == nil {
		mc.String = &stringValue
		return nil
	}
	var parts []Part
	if err := json.Unmarshal(data, &parts); err == nil {
		mc.Parts = parts
		return nil
	}
	return fmt.Errorf("expected string or parts, got %s", data)
}

// Part is a single content block. Text blocks carry `text`; other block
// types keep their payload in ImageUrl or are ignored by the optimizer.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageUrl *ImageUrl `json:"image_url,omitempty"`
}

type ImageUrl struct {
	Url    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type ToolCall struct {
	Id       string        `json:"id"`
	Type     string        `json:"type"`
	Function *FunctionCall `json:"function,omitempty"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ChatCompletionResponse struct {
	Id                string   `json:"id"`
	Choices           []Choice `json:"choices"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
	Object            string   `json:"object"`
	Usage             Usage    `json:"usage"`
}

type Choice struct {
	Index        int32   `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens        int32                `json:"prompt_tokens"`
	CompletionTokens    int32                `json:"completion_tokens"`
	TotalTokens         int32                `json:"total_tokens"`
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`

	// Anthropic-compatible cache accounting, passed through when present.
	CacheReadInputTokens     *int32 `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens *int32 `json:"cache_creation_input_tokens,omitempty"`
}

type PromptTokensDetails struct {
	AudioTokens  int32 `json:"audio_tokens,omitempty"`
	CachedTokens int32 `json:"cached_tokens"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
