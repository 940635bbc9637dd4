package gemini

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/parleyai/parley/core"
	"github.com/parleyai/parley/schema"
)

const textResponseBody = `{
	"candidates": [{
		"content": {"parts": [{"text": "Hello there"}], "role": "model"},
		"finishReason": "STOP",
		"index": 0
	}],
	"usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 3, "totalTokenCount": 12},
	"modelVersion": "gemini-2.5-flash"
}`

var textStreamChunks = []string{
	`{"candidates":[{"content":{"parts":[{"text":"Hello"}],"role":"model"},"index":0}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":1,"totalTokenCount":10},"modelVersion":"gemini-2.5-flash"}`,
	`{"candidates":[{"content":{"parts":[{"text":" there"}],"role":"model"},"index":0}]}`,
	`{"candidates":[{"content":{"parts":[],"role":"model"},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":3,"totalTokenCount":12}}`,
}

const toolResponseBody = `{
	"candidates": [{
		"content": {"parts": [
			{"text": "Checking the weather."},
			{"functionCall": {"name": "get_weather", "args": {"city": "Oslo"}}}
		], "role": "model"},
		"finishReason": "STOP",
		"index": 0
	}],
	"usageMetadata": {"promptTokenCount": 30, "candidatesTokenCount": 15, "totalTokenCount": 45}
}`

// Function calls arrive whole in a single chunk, never spread across several.
var toolStreamChunks = []string{
	`{"candidates":[{"content":{"parts":[{"text":"Checking the"}],"role":"model"},"index":0}],"usageMetadata":{"promptTokenCount":30,"candidatesTokenCount":2,"totalTokenCount":32}}`,
	`{"candidates":[{"content":{"parts":[{"text":" weather."}],"role":"model"},"index":0}]}`,
	`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"Oslo"}}}],"role":"model"},"index":0}]}`,
	`{"candidates":[{"content":{"parts":[],"role":"model"},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":30,"candidatesTokenCount":15,"totalTokenCount":45}}`,
}

func foldChunks(t *testing.T, codec Codec, chunks []string) *core.Turn {
	t.Helper()
	var acc map[string]any
	for _, chunk := range chunks {
		delta, err := codec.ParseStreamEvent([]byte(chunk))
		if err != nil {
			t.Fatalf("parse chunk %q: %v", chunk, err)
		}
		if delta == nil || delta.Terminal {
			continue
		}
		acc = codec.MergeChunks(acc, delta.Fragment)
	}
	turn, err := codec.Finalize(acc)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return turn
}

func assertContentEqual(t *testing.T, parsed, folded *core.Turn) {
	t.Helper()
	if parsed.Text() != folded.Text() {
		t.Fatalf("text mismatch: %q vs %q", parsed.Text(), folded.Text())
	}
	a, b := parsed.ToolRequests(), folded.ToolRequests()
	if len(a) != len(b) {
		t.Fatalf("tool request count mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Name != b[i].Name {
			t.Fatalf("tool request %d mismatch: %+v vs %+v", i, a[i], b[i])
		}
		if !reflect.DeepEqual(a[i].Args, b[i].Args) {
			t.Fatalf("tool request %d args mismatch: %v vs %v", i, a[i].Args, b[i].Args)
		}
	}
}

func TestStreamMatchesResponseText(t *testing.T) {
	var codec Codec
	parsed, err := codec.ParseResponse([]byte(textResponseBody))
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	folded := foldChunks(t, codec, textStreamChunks)
	assertContentEqual(t, parsed, folded)
	if parsed.Usage.TotalTokens != 12 || folded.Usage.TotalTokens != 12 {
		t.Fatalf("usage not carried: %+v vs %+v", parsed.Usage, folded.Usage)
	}
}

func TestStreamMatchesResponseFunctionCall(t *testing.T) {
	var codec Codec
	parsed, err := codec.ParseResponse([]byte(toolResponseBody))
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	folded := foldChunks(t, codec, toolStreamChunks)
	assertContentEqual(t, parsed, folded)

	requests := folded.ToolRequests()
	if len(requests) != 1 || requests[0].Name != "get_weather" {
		t.Fatalf("tool requests = %+v", requests)
	}
	if requests[0].Args["city"] != "Oslo" {
		t.Fatalf("args = %v", requests[0].Args)
	}
	if folded.Text() != "Checking the weather." {
		t.Fatalf("text = %q", folded.Text())
	}
}

// A function call chunk must open a new part, not bleed into the text part
// the previous chunks were growing.
func TestMergeChunksSeparatesParts(t *testing.T) {
	var codec Codec
	var acc map[string]any
	for _, chunk := range []string{
		`{"candidates":[{"content":{"parts":[{"text":"Hello"}],"role":"model"},"index":0}]}`,
		`{"candidates":[{"content":{"parts":[{"text":" there"}],"role":"model"},"index":0}]}`,
		`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup","args":{}}}],"role":"model"},"index":0}]}`,
	} {
		delta, err := codec.ParseStreamEvent([]byte(chunk))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		acc = codec.MergeChunks(acc, delta.Fragment)
	}

	cands := acc["candidates"].([]any)
	content := cands[0].(map[string]any)["content"].(map[string]any)
	parts := content["parts"].([]any)
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2: %v", len(parts), parts)
	}
	first := parts[0].(map[string]any)
	if first["text"] != "Hello there" {
		t.Fatalf("first part = %v", first)
	}
	second := parts[1].(map[string]any)
	if _, present := second["functionCall"]; !present {
		t.Fatalf("second part = %v", second)
	}
	if _, present := second["text"]; present {
		t.Fatalf("function call part absorbed text: %v", second)
	}
}

func TestParseStreamEventShapes(t *testing.T) {
	var codec Codec

	delta, err := codec.ParseStreamEvent([]byte("[DONE]"))
	if err != nil || delta == nil || !delta.Terminal {
		t.Fatalf("sentinel: delta=%+v err=%v", delta, err)
	}

	delta, err = codec.ParseStreamEvent([]byte("  "))
	if err != nil || delta != nil {
		t.Fatalf("blank: delta=%+v err=%v", delta, err)
	}

	delta, err = codec.ParseStreamEvent([]byte(textStreamChunks[0]))
	if err != nil || delta == nil || delta.Terminal {
		t.Fatalf("chunk: delta=%+v err=%v", delta, err)
	}
	if len(delta.Fragment) == 0 {
		t.Fatalf("chunk carried no fragment")
	}

	_, err = codec.ParseStreamEvent([]byte(`{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`))
	if err == nil || !strings.Contains(err.Error(), "RESOURCE_EXHAUSTED") {
		t.Fatalf("error event: %v", err)
	}
}

func TestParseResponsePromptBlocked(t *testing.T) {
	var codec Codec
	_, err := codec.ParseResponse([]byte(`{"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`))
	if !core.IsBadRequest(err) {
		t.Fatalf("err = %v, want bad request", err)
	}
	if !strings.Contains(err.Error(), "SAFETY") {
		t.Fatalf("block reason not surfaced: %v", err)
	}
}

func TestParseResponseSkipsThoughts(t *testing.T) {
	var codec Codec
	body := `{"candidates":[{"content":{"parts":[
		{"text": "Considering the options.", "thought": true},
		{"text": "Go with the second one."}
	],"role":"model"},"finishReason":"STOP"}]}`
	turn, err := codec.ParseResponse([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(turn.Parts) != 1 {
		t.Fatalf("parts = %d, want 1", len(turn.Parts))
	}
	if turn.Text() != "Go with the second one." {
		t.Fatalf("text = %q", turn.Text())
	}
}

func TestBuildRequestShape(t *testing.T) {
	var codec Codec
	payload, err := codec.BuildRequest(core.Request{
		Model: "gemini-2.5-flash",
		Turns: []core.Turn{
			core.SystemTurn("You are terse."),
			core.UserTextTurn("hi"),
		},
		MaxTokens: 256,
		TopK:      40,
	}, true)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	// model and streaming ride in the URL, never in the body
	if _, present := m["model"]; present {
		t.Fatalf("body carries model: %v", m)
	}
	if _, present := m["stream"]; present {
		t.Fatalf("body carries stream flag: %v", m)
	}

	system := m["systemInstruction"].(map[string]any)
	sysParts := system["parts"].([]any)
	if sysParts[0].(map[string]any)["text"] != "You are terse." {
		t.Fatalf("systemInstruction = %v", system)
	}

	contents := m["contents"].([]any)
	if len(contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(contents))
	}
	if contents[0].(map[string]any)["role"] != "user" {
		t.Fatalf("role = %v", contents[0])
	}

	cfg := m["generationConfig"].(map[string]any)
	if cfg["maxOutputTokens"] != float64(256) || cfg["topK"] != float64(40) {
		t.Fatalf("generationConfig = %v", cfg)
	}
}

func TestBuildRequestRequiresUserTurn(t *testing.T) {
	var codec Codec
	_, err := codec.BuildRequest(core.Request{
		Turns: []core.Turn{core.SystemTurn("only system")},
	}, false)
	if !core.IsBadRequest(err) {
		t.Fatalf("err = %v, want bad request", err)
	}
}

func TestBuildRequestToolLoop(t *testing.T) {
	var codec Codec
	turns := []core.Turn{
		core.UserTextTurn("What's the weather in Oslo?"),
		core.AssistantTurn(
			core.ToolRequest{ID: "call_0", Name: "get_weather", Args: map[string]any{"city": "Oslo"}},
		),
		core.UserTurn(
			core.ToolResult{ID: "call_0", Value: map[string]any{"temp": 7}},
			core.Text{Text: "use celsius"},
		),
	}
	payload, err := codec.BuildRequest(core.Request{Model: "gemini-2.5-pro", Turns: turns}, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var m struct {
		Contents []geminiContent `json:"contents"`
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(m.Contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(m.Contents))
	}

	model := m.Contents[1]
	if model.Role != "model" || model.Parts[0].FunctionCall == nil {
		t.Fatalf("assistant content = %+v", model)
	}
	if model.Parts[0].FunctionCall.Args["city"] != "Oslo" {
		t.Fatalf("call args = %v", model.Parts[0].FunctionCall.Args)
	}

	user := m.Contents[2]
	if user.Role != "user" {
		t.Fatalf("result role = %q", user.Role)
	}
	fr := user.Parts[0].FunctionResponse
	if fr == nil || fr.Name != "get_weather" {
		t.Fatalf("function response = %+v", user.Parts[0])
	}
	if fr.Response["temp"] != float64(7) {
		t.Fatalf("response payload = %v", fr.Response)
	}
	if user.Parts[1].Text != "use celsius" {
		t.Fatalf("trailing text = %+v", user.Parts[1])
	}
}

func TestBuildRequestToolResultError(t *testing.T) {
	var codec Codec
	turns := []core.Turn{
		core.UserTextTurn("look this up"),
		core.AssistantTurn(core.ToolRequest{ID: "call_0", Name: "lookup", Args: map[string]any{}}),
		core.UserTurn(core.ToolResult{ID: "call_0", Error: "lookup failed: no route"}),
	}
	payload, err := codec.BuildRequest(core.Request{Model: "gemini-2.5-flash", Turns: turns}, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var m struct {
		Contents []geminiContent `json:"contents"`
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	fr := m.Contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Response["error"] != "lookup failed: no route" {
		t.Fatalf("error payload = %+v", fr)
	}
}

func TestBuildRequestCompilesTools(t *testing.T) {
	var codec Codec
	handle := stubHandle{
		name: "lookup",
		params: schema.ObjectOf(
			schema.Prop("id", schema.String()),
			schema.Prop("verbose", schema.Bool().Optional()),
		),
	}
	payload, err := codec.BuildRequest(core.Request{
		Model: "gemini-2.5-pro",
		Turns: []core.Turn{core.UserTextTurn("hi")},
		Tools: []core.ToolHandle{handle},
	}, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var m struct {
		Tools []struct {
			FunctionDeclarations []struct {
				Name       string         `json:"name"`
				Parameters map[string]any `json:"parameters"`
			} `json:"functionDeclarations"`
		} `json:"tools"`
		ToolConfig struct {
			FunctionCallingConfig struct {
				Mode string `json:"mode"`
			} `json:"functionCallingConfig"`
		} `json:"toolConfig"`
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(m.Tools) != 1 || len(m.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %+v", m.Tools)
	}
	decl := m.Tools[0].FunctionDeclarations[0]
	if decl.Name != "lookup" {
		t.Fatalf("name = %q", decl.Name)
	}

	params := decl.Parameters
	if params["type"] != "OBJECT" {
		t.Fatalf("type = %v", params["type"])
	}
	props := params["properties"].(map[string]any)
	if props["id"].(map[string]any)["type"] != "STRING" {
		t.Fatalf("id prop = %v", props["id"])
	}
	if props["verbose"].(map[string]any)["nullable"] != true {
		t.Fatalf("optional prop not nullable: %v", props["verbose"])
	}
	required, _ := params["required"].([]any)
	if len(required) != 1 || required[0] != "id" {
		t.Fatalf("required = %v", required)
	}
	ordering, _ := params["propertyOrdering"].([]any)
	if len(ordering) != 2 || ordering[0] != "id" || ordering[1] != "verbose" {
		t.Fatalf("propertyOrdering = %v", ordering)
	}
	if m.ToolConfig.FunctionCallingConfig.Mode != "AUTO" {
		t.Fatalf("mode = %q", m.ToolConfig.FunctionCallingConfig.Mode)
	}
}

func TestBuildRequestRequiredToolChoice(t *testing.T) {
	var codec Codec
	handle := stubHandle{name: "lookup", params: schema.ObjectOf(schema.Prop("id", schema.String()))}
	payload, err := codec.BuildRequest(core.Request{
		Model:      "gemini-2.5-pro",
		Turns:      []core.Turn{core.UserTextTurn("hi")},
		Tools:      []core.ToolHandle{handle},
		ToolChoice: core.ToolChoiceRequired,
	}, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var m struct {
		ToolConfig struct {
			FunctionCallingConfig struct {
				Mode                 string   `json:"mode"`
				AllowedFunctionNames []string `json:"allowedFunctionNames"`
			} `json:"functionCallingConfig"`
		} `json:"toolConfig"`
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cfg := m.ToolConfig.FunctionCallingConfig
	if cfg.Mode != "ANY" {
		t.Fatalf("mode = %q", cfg.Mode)
	}
	if len(cfg.AllowedFunctionNames) != 1 || cfg.AllowedFunctionNames[0] != "lookup" {
		t.Fatalf("allowed = %v", cfg.AllowedFunctionNames)
	}
}

func TestBuildRequestSchema(t *testing.T) {
	var codec Codec
	payload, err := codec.BuildRequest(core.Request{
		Model:  "gemini-2.5-pro",
		Turns:  []core.Turn{core.UserTextTurn("extract")},
		Schema: schema.ObjectOf(schema.Prop("city", schema.String())),
	}, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cfg := m["generationConfig"].(map[string]any)
	if cfg["responseMimeType"] != "application/json" {
		t.Fatalf("mime = %v", cfg["responseMimeType"])
	}
	compiled, _ := cfg["responseSchema"].(map[string]any)
	if compiled["type"] != "OBJECT" {
		t.Fatalf("responseSchema = %v", compiled)
	}
}

func TestBuildRequestRejectsOpenSchema(t *testing.T) {
	var codec Codec
	handle := stubHandle{
		name:   "free_form",
		params: schema.ObjectOf(schema.Prop("data", schema.String())).AllowAdditional(),
	}
	_, err := codec.BuildRequest(core.Request{
		Model: "gemini-2.5-pro",
		Turns: []core.Turn{core.UserTextTurn("hi")},
		Tools: []core.ToolHandle{handle},
	}, false)
	if !core.IsSchemaUnsupported(err) {
		t.Fatalf("err = %v, want schema unsupported", err)
	}
}

func TestBuildRequestRejectsRawSchema(t *testing.T) {
	var codec Codec
	_, err := codec.BuildRequest(core.Request{
		Model:  "gemini-2.5-pro",
		Turns:  []core.Turn{core.UserTextTurn("hi")},
		Schema: schema.Raw(map[string]any{"type": "object"}),
	}, false)
	if !core.IsSchemaUnsupported(err) {
		t.Fatalf("err = %v, want schema unsupported", err)
	}
}

func TestBuildRequestThinkingOptions(t *testing.T) {
	var codec Codec
	payload, err := codec.BuildRequest(core.Request{
		Model: "gemini-2.5-pro",
		Turns: []core.Turn{core.UserTextTurn("hi")},
		ProviderOptions: BuildProviderOptions(
			WithThinkingBudget(2048),
			WithIncludeThoughts(true),
		),
	}, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cfg := m["generationConfig"].(map[string]any)
	thinking := cfg["thinkingConfig"].(map[string]any)
	if thinking["thinkingBudget"] != float64(2048) || thinking["includeThoughts"] != true {
		t.Fatalf("thinkingConfig = %v", thinking)
	}
	if _, present := m["thinking_budget"]; present {
		t.Fatalf("consumed option leaked into body: %v", m)
	}
}

func TestOverlayProviderOptions(t *testing.T) {
	var codec Codec
	payload, err := codec.BuildRequest(core.Request{
		Model: "gemini-2.5-flash",
		Turns: []core.Turn{core.UserTextTurn("hi")},
		ProviderOptions: map[string]any{
			"gemini.cachedContent": "cachedContents/abc",
			"openai.user":          "u-123",
		},
	}, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["cachedContent"] != "cachedContents/abc" {
		t.Fatalf("cachedContent = %v", m["cachedContent"])
	}
	if _, present := m["user"]; present {
		t.Fatalf("cross-vendor option applied: %v", m)
	}
}

type stubHandle struct {
	name   string
	params *schema.Node
}

func (s stubHandle) Name() string             { return s.name }
func (s stubHandle) Description() string      { return "stub" }
func (s stubHandle) Parameters() *schema.Node { return s.params }
func (s stubHandle) Mode() core.ExecMode      { return core.ExecSync }
func (s stubHandle) Call(ctx context.Context, args map[string]any) (any, error) {
	return nil, nil
}
