package gemini

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

// Dialect is the OpenAPI-flavored schema subset responseSchema accepts:
// SCREAMING type names, optionality spelled "nullable", property order as a
// hint field. Open objects and raw schema fragments have no encoding at all.
var Dialect = schema.Dialect{
	Name:             "gemini",
	UppercaseTypes:   true,
	NullableField:    true,
	PropertyOrdering: true,
}

var mergeRules = jsonmerge.Rules{IndexKey: "index"}

var doneSentinel = []byte("[DONE]")

// Codec translates between canonical turns and the generateContent wire
// format. The zero value is ready to use.
type Codec struct{}

func (c Codec) BuildRequest(req core.Request, streaming bool) ([]byte, error) {
	system, rest := splitSystem(req.Turns)
	contents, err := encodeTurns(rest)
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return nil, core.NewError(core.ErrBadRequest, "gemini: request requires at least one user turn")
	}

	payload := &geminiRequest{Contents: contents}
	if system != "" {
		payload.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	cfg := geminiGenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		MaxOutputTokens: req.MaxTokens,
	}
	if req.Schema != nil {
		compiled, err := c.Compile(req.Schema)
		if err != nil {
			return nil, err
		}
		cfg.ResponseMimeType = "application/json"
		cfg.ResponseSchema = compiled
	}
	if budget, ok := intOption(req.ProviderOptions, "gemini.thinking_budget"); ok {
		cfg.ThinkingConfig = &geminiThinkingConfig{ThinkingBudget: budget}
	}
	if include, ok := boolOption(req.ProviderOptions, "gemini.include_thoughts"); ok && include {
		if cfg.ThinkingConfig == nil {
			cfg.ThinkingConfig = &geminiThinkingConfig{}
		}
		cfg.ThinkingConfig.IncludeThoughts = true
	}
	if !cfg.isZero() {
		payload.GenerationConfig = &cfg
	}

	if len(req.Tools) > 0 {
		decls, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		payload.Tools = []geminiTool{{FunctionDeclarations: decls}}
		payload.ToolConfig = encodeToolConfig(req.ToolChoice, req.Tools)
	}

	return overlayOptions(payload, req.ProviderOptions)
}

func (Codec) ParseResponse(body []byte) (*core.Turn, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decodeResponse(&resp, append(json.RawMessage(nil), body...))
}

func (Codec) ParseStreamEvent(data []byte) (*core.StreamDelta, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	// alt=sse closes without a sentinel, but gateways fronting the API
	// often append one.
	if bytes.Equal(trimmed, doneSentinel) {
		return &core.StreamDelta{Terminal: true}, nil
	}
	var fragment map[string]any
	if err := json.Unmarshal(trimmed, &fragment); err != nil {
		return nil, fmt.Errorf("decode stream chunk: %w", err)
	}
	if vendor, ok := fragment["error"].(map[string]any); ok {
		status, _ := vendor["status"].(string)
		message, _ := vendor["message"].(string)
		return nil, fmt.Errorf("%s: %s", status, message)
	}
	return &core.StreamDelta{Fragment: fragment}, nil
}

// MergeChunks folds a streamed fragment into the accumulator. Candidates
// merge by index, but their parts carry no index at all: consecutive text
// fragments extend the open text part and anything else starts a new part,
// which is how the API slices its output.
func (Codec) MergeChunks(acc, delta map[string]any) map[string]any {
	if delta == nil {
		return acc
	}
	deltaCands, _ := delta["candidates"].([]any)
	rest := make(map[string]any, len(delta))
	for key, value := range delta {
		if key != "candidates" {
			rest[key] = value
		}
	}
	acc = jsonmerge.Merge(acc, rest, mergeRules)
	if acc == nil {
		acc = map[string]any{}
	}
	if len(deltaCands) > 0 {
		existing, _ := acc["candidates"].([]any)
		acc["candidates"] = mergeCandidates(existing, deltaCands)
	}
	return acc
}

func (Codec) Finalize(acc map[string]any) (*core.Turn, error) {
	if acc == nil {
		return nil, fmt.Errorf("empty stream accumulator")
	}
	raw, err := json.Marshal(acc)
	if err != nil {
		return nil, fmt.Errorf("marshal accumulator: %w", err)
	}
	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode accumulator: %w", err)
	}
	return decodeResponse(&resp, raw)
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

func mergeCandidates(acc, delta []any) []any {
	for pos, elem := range delta {
		cand, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		idx := pos
		if declared, ok := candidateIndex(cand["index"]); ok {
			idx = declared
		}
		for len(acc) <= idx {
			acc = append(acc, nil)
		}
		current, _ := acc[idx].(map[string]any)
		acc[idx] = mergeCandidate(current, cand)
	}
	return acc
}

func mergeCandidate(acc, delta map[string]any) map[string]any {
	content, _ := delta["content"].(map[string]any)
	rest := make(map[string]any, len(delta))
	for key, value := range delta {
		if key != "content" {
			rest[key] = value
		}
	}
	acc = jsonmerge.Merge(acc, rest, mergeRules)
	if content != nil {
		existing, _ := acc["content"].(map[string]any)
		acc["content"] = mergeContent(existing, content)
	}
	return acc
}

func mergeContent(acc, delta map[string]any) map[string]any {
	parts, _ := delta["parts"].([]any)
	rest := make(map[string]any, len(delta))
	for key, value := range delta {
		if key != "parts" {
			rest[key] = value
		}
	}
	acc = jsonmerge.Merge(acc, rest, mergeRules)
	if acc == nil {
		acc = map[string]any{}
	}
	if len(parts) > 0 {
		existing, _ := acc["parts"].([]any)
		acc["parts"] = appendParts(existing, parts)
	}
	return acc
}

func appendParts(acc, delta []any) []any {
	for _, elem := range delta {
		part, ok := elem.(map[string]any)
		if !ok {
			acc = append(acc, elem)
			continue
		}
		if text, ok := appendableText(part); ok && len(acc) > 0 {
			if last, lok := acc[len(acc)-1].(map[string]any); lok {
				if prev, pok := appendableText(last); pok && last["thought"] == part["thought"] {
					last["text"] = prev + text
					continue
				}
			}
		}
		acc = append(acc, jsonmerge.Merge(nil, part, mergeRules))
	}
	return acc
}

// appendableText reports whether the part is a pure text fragment that can
// grow by concatenation rather than starting a new part.
func appendableText(part map[string]any) (string, bool) {
	text, ok := part["text"].(string)
	if !ok {
		return "", false
	}
	for key := range part {
		switch key {
		case "text", "thought":
		default:
			return "", false
		}
	}
	return text, true
}

func candidateIndex(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n >= 0 {
			return int(n), true
		}
	case int:
		if n >= 0 {
			return n, true
		}
	}
	return 0, false
}

func decodeResponse(resp *geminiResponse, raw json.RawMessage) (*core.Turn, error) {
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, core.NewError(core.ErrBadRequest, "gemini: prompt blocked: "+resp.PromptFeedback.BlockReason)
		}
		return nil, fmt.Errorf("response carried no candidates")
	}
	turn := &core.Turn{
		Role:  core.Assistant,
		Parts: decodeParts(resp.Candidates[0].Content.Parts),
		Raw:   raw,
	}
	turn.Usage = resp.UsageMetadata.toUsage()
	return turn, nil
}

func decodeParts(vendor []geminiPart) []core.Part {
	var parts []core.Part
	calls := 0
	for _, part := range vendor {
		switch {
		case part.FunctionCall != nil:
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			// no id on the wire; results pair by function name
			parts = append(parts, core.ToolRequest{
				ID:   fmt.Sprintf("call_%d", calls),
				Name: part.FunctionCall.Name,
				Args: args,
			})
			calls++
		case part.Thought:
			// thought summaries stay in Raw only
		case part.Text != "":
			parts = append(parts, core.Text{Text: part.Text})
		}
	}
	return parts
}

func splitSystem(turns []core.Turn) (string, []core.Turn) {
	var system []string
	rest := make([]core.Turn, 0, len(turns))
	for _, turn := range turns {
		if turn.Role == core.System {
			if text := turn.Text(); text != "" {
				system = append(system, text)
			}
			continue
		}
		rest = append(rest, turn)
	}
	return strings.Join(system, "\n"), rest
}

func encodeTurns(turns []core.Turn) ([]geminiContent, error) {
	contents := make([]geminiContent, 0, len(turns))
	// functionResponse carries the function name, not a call id, so track
	// which name each issued call id maps to as the turns replay.
	callNames := map[string]string{}
	for _, turn := range turns {
		switch turn.Role {
		case core.User:
			parts, err := encodeUserParts(turn.Parts, callNames)
			if err != nil {
				return nil, err
			}
			contents = append(contents, geminiContent{Role: "user", Parts: parts})
		case core.Assistant:
			for _, req := range turn.ToolRequests() {
				callNames[req.ID] = req.Name
			}
			parts, err := encodeAssistantParts(turn.Parts)
			if err != nil {
				return nil, err
			}
			contents = append(contents, geminiContent{Role: "model", Parts: parts})
		default:
			return nil, fmt.Errorf("unsupported role %q", turn.Role)
		}
	}
	return contents, nil
}

func encodeUserParts(parts []core.Part, callNames map[string]string) ([]geminiPart, error) {
	out := make([]geminiPart, 0, len(parts))
	for _, part := range parts {
		switch p := part.(type) {
		case core.Text:
			out = append(out, geminiPart{Text: p.Text})
		case core.ImageData:
			out = append(out, geminiPart{InlineData: &geminiInlineData{
				MimeType: p.MIME,
				Data:     base64.StdEncoding.EncodeToString(p.Data),
			}})
		case core.ImageURL:
			out = append(out, geminiPart{FileData: &geminiFileData{FileURI: p.URL}})
		case core.Document:
			out = append(out, geminiPart{InlineData: &geminiInlineData{
				MimeType: p.MIME,
				Data:     base64.StdEncoding.EncodeToString(p.Data),
			}})
		case core.ToolResult:
			name, ok := callNames[p.ID]
			if !ok {
				return nil, fmt.Errorf("tool result %s answers no prior function call", p.ID)
			}
			out = append(out, geminiPart{FunctionResponse: &geminiFunctionResponse{
				Name:     name,
				Response: resultPayload(p),
			}})
		default:
			return nil, fmt.Errorf("unsupported part type %T in user turn", part)
		}
	}
	return out, nil
}

func encodeAssistantParts(parts []core.Part) ([]geminiPart, error) {
	out := make([]geminiPart, 0, len(parts))
	for _, part := range parts {
		switch p := part.(type) {
		case core.Text:
			out = append(out, geminiPart{Text: p.Text})
		case core.Structured:
			payload, err := json.Marshal(p.Value)
			if err != nil {
				return nil, fmt.Errorf("marshal structured part: %w", err)
			}
			out = append(out, geminiPart{Text: string(payload)})
		case core.ToolRequest:
			out = append(out, geminiPart{FunctionCall: &geminiFunctionCall{
				Name: p.Name,
				Args: p.Args,
			}})
		default:
			return nil, fmt.Errorf("unsupported part type %T in assistant turn", part)
		}
	}
	return out, nil
}

// resultPayload shapes a tool outcome as the object functionResponse wants.
// Scalar results ride under an "output" key the way the function calling
// guide shows them.
func resultPayload(res core.ToolResult) map[string]any {
	if res.Error != "" {
		return map[string]any{"error": res.Error}
	}
	switch v := res.Value.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	default:
		return map[string]any{"output": v}
	}
}

func encodeTools(handles []core.ToolHandle) ([]geminiFunctionDeclaration, error) {
	decls := make([]geminiFunctionDeclaration, 0, len(handles))
	for _, handle := range handles {
		if handle == nil {
			continue
		}
		params, err := Codec{}.Compile(handle.Parameters())
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", handle.Name(), err)
		}
		decls = append(decls, geminiFunctionDeclaration{
			Name:        handle.Name(),
			Description: handle.Description(),
			Parameters:  params,
		})
	}
	return decls, nil
}

func encodeToolConfig(choice core.ToolChoice, handles []core.ToolHandle) *geminiToolConfig {
	cfg := &geminiFunctionCallingConfig{Mode: "AUTO"}
	switch choice {
	case core.ToolChoiceNone:
		cfg.Mode = "NONE"
	case core.ToolChoiceRequired:
		cfg.Mode = "ANY"
		names := make([]string, 0, len(handles))
		for _, handle := range handles {
			if handle != nil {
				names = append(names, handle.Name())
			}
		}
		cfg.AllowedFunctionNames = names
	}
	return &geminiToolConfig{FunctionCallingConfig: cfg}
}

func (g *geminiGenerationConfig) isZero() bool {
	return g.Temperature == 0 && g.TopP == 0 && g.TopK == 0 && g.MaxOutputTokens == 0 &&
		len(g.StopSequences) == 0 && g.ResponseMimeType == "" && g.ResponseSchema == nil &&
		g.ThinkingConfig == nil
}

// consumedOptions are translated into generationConfig fields during encoding
// rather than overlaid verbatim.
var consumedOptions = map[string]bool{
	"thinking_budget":  true,
	"include_thoughts": true,
}

// overlayOptions merges provider options over the encoded payload. Keys
// namespaced for other vendors are skipped; a "gemini." prefix is stripped.
func overlayOptions(payload *geminiRequest, opts map[string]any) ([]byte, error) {
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
			if key[:dot] != "gemini" {
				continue
			}
			key = key[dot+1:]
		}
		if consumedOptions[key] {
			continue
		}
		m[key] = value
	}
	return json.Marshal(m)
}

func intOption(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func boolOption(opts map[string]any, key string) (bool, bool) {
	v, ok := opts[key].(bool)
	return v, ok
}
