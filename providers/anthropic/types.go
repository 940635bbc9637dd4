package anthropic

import (
	"encoding/json"

	"github.com/parleyai/parley/core"
)

type anthropicRequest struct {
	Model         string              `json:"model"`
	MaxTokens     int                 `json:"max_tokens"`
	Messages      []anthropicMessage  `json:"messages"`
	System        string              `json:"system,omitempty"`
	Stream        bool                `json:"stream,omitempty"`
	Temperature   float32             `json:"temperature,omitempty"`
	TopP          float32             `json:"top_p,omitempty"`
	TopK          int                 `json:"top_k,omitempty"`
	StopSequences []string            `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool     `json:"tools,omitempty"`
	ToolChoice    *anthropicToolChoice `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

// anthropicContent is one content block. The same struct covers request
// blocks, response blocks, and the merged stream accumulator; partial_json
// holds tool input accumulated from input_json_delta events and never
// appears on the wire outbound.
type anthropicContent struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`

	Thinking string `json:"thinking,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	Source *anthropicSource `json:"source,omitempty"`

	Index       *int   `json:"index,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// anthropicResponse covers both the full response body and the merged stream
// accumulator.
type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

func (u *anthropicUsage) toUsage() core.Usage {
	if u == nil {
		return core.Usage{}
	}
	input := u.InputTokens + u.CacheReadInputTokens
	return core.Usage{
		InputTokens:       input,
		OutputTokens:      u.OutputTokens,
		CachedInputTokens: u.CacheReadInputTokens,
		TotalTokens:       input + u.OutputTokens,
	}
}

type apiErrorEnvelope struct {
	Type  string   `json:"type"`
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
