package anthropic

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parleyai/parley/core"
	"github.com/parleyai/parley/internal/jsonmerge"
	"github.com/parleyai/parley/schema"
)

// Dialect is the JSON Schema flavor the messages API accepts for tool input
// schemas. Open objects are expressible, so additionalProperties passes
// through as declared.
var Dialect = schema.Dialect{
	Name:            "anthropic",
	AdditionalProps: true,
	RawPassthrough:  true,
}

var mergeRules = jsonmerge.Rules{
	AppendKeys: map[string]bool{"text": true, "partial_json": true, "thinking": true},
	IndexKey:   "index",
}

// structuredToolName is the forced tool that carries structured output. The
// messages API has no response_format; a schema-constrained request instead
// forces a tool call whose input is the structured value.
const structuredToolName = "structured_output"

// Codec translates between canonical turns and the messages wire format. The
// zero value is ready to use.
type Codec struct{}

func (c Codec) BuildRequest(req core.Request, streaming bool) ([]byte, error) {
	system, rest := splitSystem(req.Turns)
	messages, err := encodeTurns(rest)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, core.NewError(core.ErrBadRequest, "anthropic: request requires at least one user turn")
	}

	payload := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   chooseMaxTokens(req.MaxTokens),
		Messages:    messages,
		System:      system,
		Stream:      streaming,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
	}

	if len(req.Tools) > 0 {
		tools, err := c.encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		payload.Tools = tools
		payload.ToolChoice = encodeToolChoice(req.ToolChoice)
	}

	if req.Schema != nil {
		compiled, err := c.Compile(req.Schema)
		if err != nil {
			return nil, err
		}
		payload.Tools = append(payload.Tools, anthropicTool{
			Name:        structuredToolName,
			Description: "Record the structured response.",
			InputSchema: compiled,
		})
		payload.ToolChoice = &anthropicToolChoice{Type: "tool", Name: structuredToolName}
	}

	return overlayOptions(payload, req.ProviderOptions)
}

func (Codec) ParseResponse(body []byte) (*core.Turn, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode message response: %w", err)
	}
	parts, err := decodeBlocks(resp.Content)
	if err != nil {
		return nil, err
	}
	turn := &core.Turn{
		Role:  core.Assistant,
		Parts: parts,
		Raw:   append(json.RawMessage(nil), body...),
		Usage: resp.Usage.toUsage(),
	}
	return turn, nil
}

// ParseStreamEvent reshapes one messages stream event into a fragment in the
// response shape, so that folding fragments reconstructs the message the
// non-streaming endpoint would have returned. Block-level events become a
// single-element content array addressed by index; text, tool input, and
// thinking grow by append.
func (Codec) ParseStreamEvent(data []byte) (*core.StreamDelta, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	var env struct {
		Type         string         `json:"type"`
		Index        *int           `json:"index"`
		Message      map[string]any `json:"message"`
		ContentBlock map[string]any `json:"content_block"`
		Delta        map[string]any `json:"delta"`
		Usage        map[string]any `json:"usage"`
		Error        *apiError      `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode stream event: %w", err)
	}

	switch env.Type {
	case "message_start":
		if env.Message == nil {
			return nil, nil
		}
		return &core.StreamDelta{Fragment: env.Message}, nil
	case "content_block_start":
		if env.ContentBlock == nil {
			return nil, nil
		}
		block := env.ContentBlock
		block["index"] = blockIndex(env.Index)
		return &core.StreamDelta{Fragment: map[string]any{"content": []any{block}}}, nil
	case "content_block_delta":
		if env.Delta == nil {
			return nil, nil
		}
		block := env.Delta
		delete(block, "type")
		block["index"] = blockIndex(env.Index)
		return &core.StreamDelta{Fragment: map[string]any{"content": []any{block}}}, nil
	case "message_delta":
		fragment := map[string]any{}
		for key, value := range env.Delta {
			fragment[key] = value
		}
		if env.Usage != nil {
			fragment["usage"] = env.Usage
		}
		if len(fragment) == 0 {
			return nil, nil
		}
		return &core.StreamDelta{Fragment: fragment}, nil
	case "message_stop":
		return &core.StreamDelta{Terminal: true}, nil
	case "error":
		if env.Error != nil {
			return nil, fmt.Errorf("%s: %s", env.Error.Type, env.Error.Message)
		}
		return nil, fmt.Errorf("stream error: %s", trimmed)
	default:
		// ping, content_block_stop, and anything newer carry no content.
		return nil, nil
	}
}

func (Codec) MergeChunks(acc, delta map[string]any) map[string]any {
	return jsonmerge.Merge(acc, delta, mergeRules)
}

func (Codec) Finalize(acc map[string]any) (*core.Turn, error) {
	if acc == nil {
		return nil, fmt.Errorf("empty stream accumulator")
	}
	raw, err := json.Marshal(acc)
	if err != nil {
		return nil, fmt.Errorf("marshal accumulator: %w", err)
	}
	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode accumulator: %w", err)
	}
	parts, err := decodeBlocks(resp.Content)
	if err != nil {
		return nil, err
	}
	return &core.Turn{
		Role:  core.Assistant,
		Parts: parts,
		Raw:   raw,
		Usage: resp.Usage.toUsage(),
	}, nil
}

func (Codec) Compile(node *schema.Node) (map[string]any, error) {
	compiled, err := schema.Compile(node, Dialect)
	if err != nil {
		if schema.IsUnsupported(err) {
			return nil, core.NewError(core.ErrSchemaUnsupported, err.Error(), core.WithWrapped(err))
		}
		return nil, err
	}
	return compiled, nil
}

func blockIndex(idx *int) int {
	if idx == nil {
		return 0
	}
	return *idx
}

func splitSystem(turns []core.Turn) (string, []core.Turn) {
	var systemParts []string
	rest := make([]core.Turn, 0, len(turns))
	for _, turn := range turns {
		if turn.Role == core.System {
			if text := turn.Text(); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}
		rest = append(rest, turn)
	}
	return strings.Join(systemParts, "\n"), rest
}

func encodeTurns(turns []core.Turn) ([]anthropicMessage, error) {
	messages := make([]anthropicMessage, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case core.User:
			content, err := encodeUserParts(turn.Parts)
			if err != nil {
				return nil, err
			}
			messages = append(messages, anthropicMessage{Role: "user", Content: content})
		case core.Assistant:
			content, err := encodeAssistantParts(turn.Parts)
			if err != nil {
				return nil, err
			}
			messages = append(messages, anthropicMessage{Role: "assistant", Content: content})
		default:
			return nil, fmt.Errorf("unsupported role %q", turn.Role)
		}
	}
	return messages, nil
}

// encodeUserParts orders tool results ahead of other content; the messages
// API requires tool_result blocks to lead the user message.
func encodeUserParts(parts []core.Part) ([]anthropicContent, error) {
	content := make([]anthropicContent, 0, len(parts))
	for _, part := range parts {
		if res, ok := part.(core.ToolResult); ok {
			content = append(content, anthropicContent{
				Type:      "tool_result",
				ToolUseID: res.ID,
				Content:   resultText(res),
				IsError:   res.Error != "",
			})
		}
	}
	for _, part := range parts {
		switch p := part.(type) {
		case core.ToolResult:
		case core.Text:
			content = append(content, anthropicContent{Type: "text", Text: p.Text})
		case core.ImageURL:
			content = append(content, anthropicContent{Type: "image", Source: &anthropicSource{Type: "url", URL: p.URL}})
		case core.ImageData:
			content = append(content, anthropicContent{Type: "image", Source: &anthropicSource{
				Type:      "base64",
				MediaType: p.MIME,
				Data:      base64.StdEncoding.EncodeToString(p.Data),
			}})
		case core.Document:
			content = append(content, anthropicContent{Type: "document", Source: &anthropicSource{
				Type:      "base64",
				MediaType: p.MIME,
				Data:      base64.StdEncoding.EncodeToString(p.Data),
			}})
		default:
			return nil, fmt.Errorf("unsupported part type %T in user turn", part)
		}
	}
	return content, nil
}

func encodeAssistantParts(parts []core.Part) ([]anthropicContent, error) {
	content := make([]anthropicContent, 0, len(parts))
	for _, part := range parts {
		switch p := part.(type) {
		case core.Text:
			content = append(content, anthropicContent{Type: "text", Text: p.Text})
		case core.Structured:
			payload, err := json.Marshal(p.Value)
			if err != nil {
				return nil, fmt.Errorf("marshal structured part: %w", err)
			}
			content = append(content, anthropicContent{Type: "text", Text: string(payload)})
		case core.ToolRequest:
			args, err := json.Marshal(p.Args)
			if err != nil {
				return nil, fmt.Errorf("marshal arguments for %s: %w", p.Name, err)
			}
			content = append(content, anthropicContent{Type: "tool_use", ID: p.ID, Name: p.Name, Input: args})
		default:
			return nil, fmt.Errorf("unsupported part type %T in assistant turn", part)
		}
	}
	return content, nil
}

func resultText(res core.ToolResult) string {
	if res.Error != "" {
		return res.Error
	}
	switch v := res.Value.(type) {
	case nil:
		return "null"
	case string:
		return v
	default:
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(payload)
	}
}

func (c Codec) encodeTools(handles []core.ToolHandle) ([]anthropicTool, error) {
	out := make([]anthropicTool, 0, len(handles))
	for _, handle := range handles {
		if handle == nil {
			continue
		}
		params, err := c.Compile(handle.Parameters())
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", handle.Name(), err)
		}
		out = append(out, anthropicTool{
			Name:        handle.Name(),
			Description: handle.Description(),
			InputSchema: params,
		})
	}
	return out, nil
}

func encodeToolChoice(choice core.ToolChoice) *anthropicToolChoice {
	switch choice {
	case core.ToolChoiceNone:
		return &anthropicToolChoice{Type: "none"}
	case core.ToolChoiceRequired:
		return &anthropicToolChoice{Type: "any"}
	default:
		return &anthropicToolChoice{Type: "auto"}
	}
}

func decodeBlocks(blocks []anthropicContent) ([]core.Part, error) {
	var parts []core.Part
	for i, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, core.Text{Text: block.Text})
			}
		case "tool_use":
			args := map[string]any{}
			input := strings.TrimSpace(block.PartialJSON)
			if input == "" && len(block.Input) > 0 {
				input = string(block.Input)
			}
			if input != "" && input != "{}" {
				if err := json.Unmarshal([]byte(input), &args); err != nil {
					return nil, fmt.Errorf("parse input for %s: %w", block.Name, err)
				}
			}
			id := block.ID
			if id == "" {
				id = fmt.Sprintf("toolu_%d", i)
			}
			parts = append(parts, core.ToolRequest{ID: id, Name: block.Name, Args: args})
		}
		// thinking and redacted_thinking blocks stay in Raw only.
	}
	return parts, nil
}

// attachStructured resolves structured output for this provider: the value
// arrives as the forced tool's input rather than as message text. The tool
// request is consumed by the attachment. Plain text responses fall back to
// the shared text path.
func attachStructured(turn *core.Turn, node *schema.Node) error {
	if turn == nil || node == nil {
		return nil
	}
	for i, part := range turn.Parts {
		req, ok := part.(core.ToolRequest)
		if !ok || req.Name != structuredToolName {
			continue
		}
		payload, err := json.Marshal(req.Args)
		if err != nil {
			return core.NewError(core.ErrExtraction, "marshal structured tool input", core.WithWrapped(err))
		}
		value, err := schema.DecodeRaw(node, payload)
		if err != nil {
			return core.NewError(core.ErrExtraction, "structured response did not match the requested shape", core.WithWrapped(err))
		}
		turn.Parts = append(turn.Parts[:i], turn.Parts[i+1:]...)
		turn.Parts = append(turn.Parts, core.Structured{Value: value})
		return nil
	}
	return core.AttachStructured(turn, node)
}

func chooseMaxTokens(maxTokens int) int {
	if maxTokens > 0 {
		return maxTokens
	}
	return 1024
}

// overlayOptions merges provider options over the encoded payload. Keys
// namespaced for other vendors are skipped; an "anthropic." prefix is
// stripped.
func overlayOptions(payload *anthropicRequest, opts map[string]any) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if len(opts) == 0 {
		return buf, nil
	}
	var m map[string]any
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, err
	}
	for key, value := range opts {
		if dot := strings.IndexByte(key, '.'); dot >= 0 {
			if key[:dot] != "anthropic" {
				continue
			}
			key = key[dot+1:]
		}
		m[key] = value
	}
	return json.Marshal(m)
}
