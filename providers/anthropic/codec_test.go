package anthropic

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
	"id": "msg_01",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4-20250514",
	"content": [{"type": "text", "text": "Hello there"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 9, "output_tokens": 3}
}`

var textStreamEvents = []string{
	`{"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","model":"claude-sonnet-4-20250514","content":[],"usage":{"input_tokens":9,"output_tokens":1}}}`,
	`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
	`{"type":"ping"}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`,
	`{"type":"content_block_stop","index":0}`,
	`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":3}}`,
	`{"type":"message_stop"}`,
}

const toolResponseBody = `{
	"id": "msg_02",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4-20250514",
	"content": [
		{"type": "text", "text": "Checking the weather."},
		{"type": "tool_use", "id": "toolu_A", "name": "get_weather", "input": {"city": "Oslo"}}
	],
	"stop_reason": "tool_use",
	"usage": {"input_tokens": 30, "output_tokens": 15}
}`

// Tool input arrives as partial_json fragments on the block's index.
var toolStreamEvents = []string{
	`{"type":"message_start","message":{"id":"msg_02","type":"message","role":"assistant","model":"claude-sonnet-4-20250514","content":[],"usage":{"input_tokens":30,"output_tokens":2}}}`,
	`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking the"}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" weather."}}`,
	`{"type":"content_block_stop","index":0}`,
	`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_A","name":"get_weather","input":{}}}`,
	`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"ci"}}`,
	`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"ty\":\"Oslo\"}"}}`,
	`{"type":"content_block_stop","index":1}`,
	`{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":15}}`,
	`{"type":"message_stop"}`,
}

func foldEvents(t *testing.T, codec Codec, events []string) *core.Turn {
	t.Helper()
	var acc map[string]any
	for _, event := range events {
		delta, err := codec.ParseStreamEvent([]byte(event))
		if err != nil {
			t.Fatalf("parse event %q: %v", event, err)
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
	folded := foldEvents(t, codec, textStreamEvents)
	assertContentEqual(t, parsed, folded)
	if parsed.Usage.TotalTokens != 12 || folded.Usage.TotalTokens != 12 {
		t.Fatalf("usage not carried: %+v vs %+v", parsed.Usage, folded.Usage)
	}
}

func TestStreamMatchesResponseToolUse(t *testing.T) {
	var codec Codec
	parsed, err := codec.ParseResponse([]byte(toolResponseBody))
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	folded := foldEvents(t, codec, toolStreamEvents)
	assertContentEqual(t, parsed, folded)

	reqs := folded.ToolRequests()
	if len(reqs) != 1 {
		t.Fatalf("tool requests = %d, want 1", len(reqs))
	}
	if reqs[0].ID != "toolu_A" || reqs[0].Name != "get_weather" || reqs[0].Args["city"] != "Oslo" {
		t.Fatalf("request wrong: %+v", reqs[0])
	}
	if folded.Text() != "Checking the weather." {
		t.Fatalf("text = %q", folded.Text())
	}
}

func TestParseStreamEventShapes(t *testing.T) {
	var codec Codec

	delta, err := codec.ParseStreamEvent([]byte(`{"type":"message_stop"}`))
	if err != nil || delta == nil || !delta.Terminal {
		t.Fatalf("message_stop: delta=%+v err=%v", delta, err)
	}

	if delta, _ := codec.ParseStreamEvent([]byte(`{"type":"ping"}`)); delta != nil {
		t.Fatalf("ping should yield nil, got %+v", delta)
	}
	if delta, _ := codec.ParseStreamEvent([]byte(`{"type":"content_block_stop","index":0}`)); delta != nil {
		t.Fatalf("content_block_stop should yield nil, got %+v", delta)
	}

	delta, err = codec.ParseStreamEvent([]byte(`{"type":"content_block_delta","index":2,"delta":{"type":"text_delta","text":"hi"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	blocks, _ := delta.Fragment["content"].([]any)
	if len(blocks) != 1 {
		t.Fatalf("fragment = %+v", delta.Fragment)
	}
	block, _ := blocks[0].(map[string]any)
	if block["index"] != 2 || block["text"] != "hi" {
		t.Fatalf("block = %v", block)
	}
	if _, present := block["type"]; present {
		t.Fatalf("delta type leaked into block: %v", block)
	}

	if _, err := codec.ParseStreamEvent([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`)); err == nil {
		t.Fatalf("error event should surface an error")
	}
}

func TestParseResponseSkipsThinking(t *testing.T) {
	var codec Codec
	body := `{
		"id": "msg_03", "role": "assistant", "model": "claude-sonnet-4-20250514",
		"content": [
			{"type": "thinking", "thinking": "step by step", "signature": "sig"},
			{"type": "text", "text": "Done"}
		],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 5, "output_tokens": 2}
	}`
	turn, err := codec.ParseResponse([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(turn.Parts) != 1 || turn.Text() != "Done" {
		t.Fatalf("parts = %+v", turn.Parts)
	}
}

func TestBuildRequestShape(t *testing.T) {
	var codec Codec
	req := core.Request{
		Model:       "claude-sonnet-4-20250514",
		Temperature: 0.4,
		TopK:        40,
		Turns: []core.Turn{
			core.SystemTurn("Be terse."),
			core.UserTextTurn("What is the capital of Norway?"),
		},
	}
	payload, err := codec.BuildRequest(req, true)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if m["model"] != "claude-sonnet-4-20250514" {
		t.Fatalf("model = %v", m["model"])
	}
	if m["system"] != "Be terse." {
		t.Fatalf("system = %v", m["system"])
	}
	if m["stream"] != true {
		t.Fatalf("stream flag missing")
	}
	if m["max_tokens"] != float64(1024) {
		t.Fatalf("max_tokens default = %v", m["max_tokens"])
	}
	if m["top_k"] != float64(40) {
		t.Fatalf("top_k = %v", m["top_k"])
	}
	msgs, _ := m["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("system turn should not reach messages: %v", m["messages"])
	}
	first, _ := msgs[0].(map[string]any)
	if first["role"] != "user" {
		t.Fatalf("first role = %v", first["role"])
	}
}

func TestBuildRequestRequiresUserTurn(t *testing.T) {
	var codec Codec
	_, err := codec.BuildRequest(core.Request{
		Model: "claude-sonnet-4-20250514",
		Turns: []core.Turn{core.SystemTurn("only system")},
	}, false)
	if !core.IsBadRequest(err) {
		t.Fatalf("err = %v, want bad request", err)
	}
}

func TestBuildRequestToolLoop(t *testing.T) {
	var codec Codec
	turns := []core.Turn{
		core.UserTextTurn("weather in oslo"),
		core.AssistantTurn(
			core.ToolRequest{ID: "toolu_A", Name: "get_weather", Args: map[string]any{"city": "Oslo"}},
		),
		core.UserTurn(
			core.TextPart("use celsius"),
			core.ToolResult{ID: "toolu_A", Value: map[string]any{"temp": 4}},
		),
	}
	payload, err := codec.BuildRequest(core.Request{Model: "claude-sonnet-4-20250514", Turns: turns}, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var m struct {
		Messages []struct {
			Role    string           `json:"role"`
			Content []map[string]any `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(m.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(m.Messages))
	}
	assistant := m.Messages[1]
	if assistant.Role != "assistant" || assistant.Content[0]["type"] != "tool_use" {
		t.Fatalf("assistant message wrong: %+v", assistant)
	}
	input, _ := assistant.Content[0]["input"].(map[string]any)
	if input["city"] != "Oslo" {
		t.Fatalf("tool_use input = %v", assistant.Content[0]["input"])
	}
	last := m.Messages[2]
	if last.Role != "user" || len(last.Content) != 2 {
		t.Fatalf("trailing user message wrong: %+v", last)
	}
	if last.Content[0]["type"] != "tool_result" || last.Content[0]["tool_use_id"] != "toolu_A" {
		t.Fatalf("tool_result must lead the user message: %+v", last.Content)
	}
	text, _ := last.Content[0]["content"].(string)
	if !strings.Contains(text, "temp") {
		t.Fatalf("tool result value not encoded: %q", text)
	}
	if last.Content[1]["text"] != "use celsius" {
		t.Fatalf("user text should follow tool results: %+v", last.Content[1])
	}
}

func TestBuildRequestToolResultError(t *testing.T) {
	var codec Codec
	turns := []core.Turn{
		core.UserTextTurn("hi"),
		core.AssistantTurn(core.ToolRequest{ID: "toolu_B", Name: "lookup", Args: map[string]any{}}),
		core.UserTurn(core.ToolResult{ID: "toolu_B", Error: "lookup failed: no route"}),
	}
	payload, err := codec.BuildRequest(core.Request{Model: "claude-sonnet-4-20250514", Turns: turns}, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var m struct {
		Messages []struct {
			Content []map[string]any `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	block := m.Messages[2].Content[0]
	if block["is_error"] != true {
		t.Fatalf("is_error not set: %v", block)
	}
	if block["content"] != "lookup failed: no route" {
		t.Fatalf("error text not carried: %v", block)
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
		Model: "claude-sonnet-4-20250514",
		Turns: []core.Turn{core.UserTextTurn("hi")},
		Tools: []core.ToolHandle{handle},
	}, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var m struct {
		Tools []struct {
			Name        string         `json:"name"`
			InputSchema map[string]any `json:"input_schema"`
		} `json:"tools"`
		ToolChoice map[string]any `json:"tool_choice"`
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(m.Tools) != 1 || m.Tools[0].Name != "lookup" {
		t.Fatalf("tools = %+v", m.Tools)
	}
	params := m.Tools[0].InputSchema
	required, _ := params["required"].([]any)
	if len(required) != 1 || required[0] != "id" {
		t.Fatalf("only required properties belong in required: %v", params["required"])
	}
	if _, present := params["additionalProperties"]; present {
		t.Fatalf("objects are not closed by default: %v", params)
	}
	if m.ToolChoice["type"] != "auto" {
		t.Fatalf("tool_choice = %v", m.ToolChoice)
	}
}

func TestBuildRequestAllowsOpenSchema(t *testing.T) {
	var codec Codec
	node := schema.ObjectOf(schema.Prop("data", schema.String())).AllowAdditional()
	payload, err := codec.BuildRequest(core.Request{
		Model:  "claude-sonnet-4-20250514",
		Turns:  []core.Turn{core.UserTextTurn("extract")},
		Schema: node,
	}, false)
	if err != nil {
		t.Fatalf("open objects are expressible here: %v", err)
	}
	var m struct {
		Tools []struct {
			Name        string         `json:"name"`
			InputSchema map[string]any `json:"input_schema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Tools[0].InputSchema["additionalProperties"] != true {
		t.Fatalf("additionalProperties not preserved: %v", m.Tools[0].InputSchema)
	}
}

func TestBuildRequestSchemaForcesTool(t *testing.T) {
	var codec Codec
	node := schema.ObjectOf(
		schema.Prop("answer", schema.String()),
		schema.Prop("confidence", schema.Number()),
	)
	payload, err := codec.BuildRequest(core.Request{
		Model:  "claude-sonnet-4-20250514",
		Turns:  []core.Turn{core.UserTextTurn("extract")},
		Schema: node,
	}, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var m struct {
		Tools []struct {
			Name        string         `json:"name"`
			InputSchema map[string]any `json:"input_schema"`
		} `json:"tools"`
		ToolChoice map[string]any `json:"tool_choice"`
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(m.Tools) != 1 || m.Tools[0].Name != structuredToolName {
		t.Fatalf("schema tool missing: %+v", m.Tools)
	}
	if m.ToolChoice["type"] != "tool" || m.ToolChoice["name"] != structuredToolName {
		t.Fatalf("tool_choice must force the schema tool: %v", m.ToolChoice)
	}
	if m.Tools[0].InputSchema["type"] != "object" {
		t.Fatalf("schema not compiled: %v", m.Tools[0].InputSchema)
	}
}

func TestAttachStructuredFromToolUse(t *testing.T) {
	node := schema.ObjectOf(schema.Prop("city", schema.String()))
	turn := &core.Turn{
		Role: core.Assistant,
		Parts: []core.Part{
			core.ToolRequest{ID: "toolu_S", Name: structuredToolName, Args: map[string]any{"city": "Oslo"}},
		},
	}
	if err := attachStructured(turn, node); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if len(turn.ToolRequests()) != 0 {
		t.Fatalf("structured tool request should be consumed: %+v", turn.Parts)
	}
	value, ok := turn.StructuredValue()
	if !ok {
		t.Fatalf("no structured part attached: %+v", turn.Parts)
	}
	obj, _ := value.(map[string]any)
	if obj["city"] != "Oslo" {
		t.Fatalf("structured value = %v", value)
	}
}

func TestAttachStructuredFallsBackToText(t *testing.T) {
	node := schema.ObjectOf(schema.Prop("city", schema.String()))
	turn := &core.Turn{
		Role:  core.Assistant,
		Parts: []core.Part{core.TextPart(`{"city":"Oslo"}`)},
	}
	if err := attachStructured(turn, node); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, ok := turn.StructuredValue(); !ok {
		t.Fatalf("text fallback failed: %+v", turn.Parts)
	}
}

func TestOverlayProviderOptions(t *testing.T) {
	var codec Codec
	payload, err := codec.BuildRequest(core.Request{
		Model: "claude-sonnet-4-20250514",
		Turns: []core.Turn{core.UserTextTurn("hi")},
		ProviderOptions: map[string]any{
			"metadata":        map[string]any{"user_id": "u1"},
			"anthropic.top_k": 5,
			"openai.user":     "tester",
		},
	}, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var m map[string]any
	json.Unmarshal(payload, &m)
	meta, _ := m["metadata"].(map[string]any)
	if meta["user_id"] != "u1" {
		t.Fatalf("metadata = %v", m["metadata"])
	}
	if m["top_k"] != float64(5) {
		t.Fatalf("namespaced option not applied: %v", m["top_k"])
	}
	if _, present := m["user"]; present {
		t.Fatalf("foreign namespaced option applied")
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
