package openai

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

// Dialect is the JSON Schema flavor OpenAI's strict structured output mode
// accepts: every property listed in required, objects closed, optional
// fields expressed as null unions.
var Dialect = schema.Dialect{
	Name:           "openai",
	StrictRequired: true,
	CloseObjects:   true,
	RawPassthrough: true,
}

var mergeRules = jsonmerge.Rules{
	AppendKeys: map[string]bool{"content": true, "arguments": true, "refusal": true},
	IndexKey:   "index",
}

var doneSentinel = []byte("[DONE]")

// Codec translates between canonical turns and the chat completions wire
// format. The zero value is ready to use.
type Codec struct{}

func (c Codec) BuildRequest(req core.Request, streaming bool) ([]byte, error) {
	messages, err := encodeTurns(req.Turns)
	if err != nil {
		return nil, err
	}

	profile := profileForModel(req.Model)
	payload := &chatRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		if profile.UseMaxCompletionTokens {
			payload.MaxCompletionTokens = req.MaxTokens
		} else {
			payload.MaxTokens = req.MaxTokens
		}
	}
	if req.Temperature != 0 && profile.AllowTemperature {
		payload.Temperature = req.Temperature
	}
	if req.TopP != 0 && profile.AllowTopP {
		payload.TopP = req.TopP
	}
	if streaming {
		payload.Stream = true
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
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
		payload.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchemaSpec{
				Name:   schemaName(req),
				Strict: true,
				Schema: compiled,
			},
		}
	}

	return overlayOptions(payload, req.ProviderOptions)
}

func (Codec) ParseResponse(body []byte) (*core.Turn, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion carried no choices")
	}
	parts, err := decodeMessage(resp.Choices[0].Message)
	if err != nil {
		return nil, err
	}
	turn := &core.Turn{
		Role:  core.Assistant,
		Parts: parts,
		Raw:   append(json.RawMessage(nil), body...),
	}
	if resp.Usage != nil {
		turn.Usage = resp.Usage.toUsage()
	}
	return turn, nil
}

func (Codec) ParseStreamEvent(data []byte) (*core.StreamDelta, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if bytes.Equal(trimmed, doneSentinel) {
		return &core.StreamDelta{Terminal: true}, nil
	}
	var fragment map[string]any
	if err := json.Unmarshal(trimmed, &fragment); err != nil {
		return nil, fmt.Errorf("decode stream chunk: %w", err)
	}
	return &core.StreamDelta{Fragment: fragment}, nil
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
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode accumulator: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("stream carried no choices")
	}
	msg := resp.Choices[0].Delta
	if msg.isZero() {
		msg = resp.Choices[0].Message
	}
	parts, err := decodeMessage(msg)
	if err != nil {
		return nil, err
	}
	turn := &core.Turn{Role: core.Assistant, Parts: parts, Raw: raw}
	if resp.Usage != nil {
		turn.Usage = resp.Usage.toUsage()
	}
	return turn, nil
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

func encodeTurns(turns []core.Turn) ([]chatMessage, error) {
	messages := make([]chatMessage, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case core.System:
			messages = append(messages, chatMessage{
				Role:    "system",
				Content: []chatContent{{Type: "text", Text: turn.Text()}},
			})
		case core.User:
			results, rest := splitToolResults(turn)
			for _, res := range results {
				messages = append(messages, chatMessage{
					Role:       "tool",
					ToolCallID: res.ID,
					Content:    []chatContent{{Type: "text", Text: resultText(res)}},
				})
			}
			if len(rest) > 0 {
				content, err := encodeUserParts(rest)
				if err != nil {
					return nil, err
				}
				messages = append(messages, chatMessage{Role: "user", Content: content})
			}
		case core.Assistant:
			msg, err := encodeAssistantTurn(turn)
			if err != nil {
				return nil, err
			}
			messages = append(messages, msg)
		default:
			return nil, fmt.Errorf("unsupported role %q", turn.Role)
		}
	}
	return messages, nil
}

func splitToolResults(turn core.Turn) ([]core.ToolResult, []core.Part) {
	var results []core.ToolResult
	var rest []core.Part
	for _, part := range turn.Parts {
		if res, ok := part.(core.ToolResult); ok {
			results = append(results, res)
			continue
		}
		rest = append(rest, part)
	}
	return results, rest
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

func encodeUserParts(parts []core.Part) ([]chatContent, error) {
	content := make([]chatContent, 0, len(parts))
	for _, part := range parts {
		switch p := part.(type) {
		case core.Text:
			content = append(content, chatContent{Type: "text", Text: p.Text})
		case core.ImageURL:
			content = append(content, chatContent{Type: "image_url", ImageURL: &chatImageURL{URL: p.URL, Detail: p.Detail}})
		case core.ImageData:
			uri := fmt.Sprintf("data:%s;base64,%s", p.MIME, base64.StdEncoding.EncodeToString(p.Data))
			content = append(content, chatContent{Type: "image_url", ImageURL: &chatImageURL{URL: uri}})
		case core.Document:
			uri := fmt.Sprintf("data:%s;base64,%s", p.MIME, base64.StdEncoding.EncodeToString(p.Data))
			content = append(content, chatContent{Type: "file", File: &chatFile{Filename: p.Name, FileData: uri}})
		default:
			return nil, fmt.Errorf("unsupported part type %T in user turn", part)
		}
	}
	return content, nil
}

func encodeAssistantTurn(turn core.Turn) (chatMessage, error) {
	msg := chatMessage{Role: "assistant"}
	for _, part := range turn.Parts {
		switch p := part.(type) {
		case core.Text:
			msg.Content = append(msg.Content, chatContent{Type: "text", Text: p.Text})
		case core.Structured:
			payload, err := json.Marshal(p.Value)
			if err != nil {
				return chatMessage{}, fmt.Errorf("marshal structured part: %w", err)
			}
			msg.Content = append(msg.Content, chatContent{Type: "text", Text: string(payload)})
		case core.ToolRequest:
			args, err := json.Marshal(p.Args)
			if err != nil {
				return chatMessage{}, fmt.Errorf("marshal arguments for %s: %w", p.Name, err)
			}
			msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
				ID:       p.ID,
				Type:     "function",
				Function: chatFunctionCall{Name: p.Name, Arguments: string(args)},
			})
		default:
			return chatMessage{}, fmt.Errorf("unsupported part type %T in assistant turn", part)
		}
	}
	return msg, nil
}

func encodeTools(handles []core.ToolHandle) ([]chatTool, error) {
	out := make([]chatTool, 0, len(handles))
	for _, handle := range handles {
		if handle == nil {
			continue
		}
		params, err := Codec{}.Compile(handle.Parameters())
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", handle.Name(), err)
		}
		out = append(out, chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        handle.Name(),
				Description: handle.Description(),
				Parameters:  params,
				Strict:      true,
			},
		})
	}
	return out, nil
}

func encodeToolChoice(choice core.ToolChoice) any {
	switch choice {
	case core.ToolChoiceNone:
		return "none"
	case core.ToolChoiceRequired:
		return "required"
	default:
		return "auto"
	}
}

func decodeMessage(msg chatMessage) ([]core.Part, error) {
	var parts []core.Part
	if text := msg.joinText(); text != "" {
		parts = append(parts, core.Text{Text: text})
	}
	if msg.Refusal != "" {
		parts = append(parts, core.Text{Text: msg.Refusal})
	}
	for i, call := range msg.ToolCalls {
		if call.Function.Name == "" {
			continue
		}
		args := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("parse arguments for %s: %w", call.Function.Name, err)
			}
		}
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		parts = append(parts, core.ToolRequest{ID: id, Name: call.Function.Name, Args: args})
	}
	return parts, nil
}

// schemaName picks the name the response_format schema is registered under.
func schemaName(req core.Request) string {
	if name, ok := req.Metadata["schema_name"].(string); ok && name != "" {
		return name
	}
	return "response"
}

// overlayOptions merges provider options over the encoded payload. Keys
// namespaced for other vendors are skipped; an "openai." prefix is stripped.
func overlayOptions(payload *chatRequest, opts map[string]any) ([]byte, error) {
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
			if key[:dot] != "openai" {
				continue
			}
			key = key[dot+1:]
		}
		m[key] = value
	}
	return json.Marshal(m)
}
