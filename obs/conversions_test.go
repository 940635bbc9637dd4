package obs

import (
	"testing"

	"github.com/parleyai/parley/core"
)

func TestUsageFromCore(t *testing.T) {
	usage := core.Usage{InputTokens: 12, OutputTokens: 7, CachedInputTokens: 3, TotalTokens: 19}
	got := UsageFromCore(usage)
	if got.InputTokens != 12 || got.OutputTokens != 7 || got.TotalTokens != 19 {
		t.Fatalf("unexpected token mapping: %+v", got)
	}
	if got.CachedTokens != 3 {
		t.Fatalf("cached tokens not mapped: %+v", got)
	}
}

func TestMessageFromTurn(t *testing.T) {
	turn := core.AssistantTurn(
		core.TextPart("checking"),
		core.ToolRequest{ID: "call_1", Name: "get_time", Args: map[string]any{"zone": "UTC"}},
	)
	msg := MessageFromTurn(turn)
	if msg.Role != "assistant" {
		t.Fatalf("role = %q", msg.Role)
	}
	if msg.Text != "checking" {
		t.Fatalf("text = %q", msg.Text)
	}
	call, ok := msg.Data["tool_request_call_1"].(map[string]any)
	if !ok {
		t.Fatalf("tool request missing: %#v", msg.Data)
	}
	if call["name"] != "get_time" {
		t.Fatalf("tool name missing: %#v", call)
	}
}

func TestMessageFromTurnSummarizesBinary(t *testing.T) {
	turn := core.UserTurn(
		core.TextPart("describe this"),
		core.ImagePart(make([]byte, 2048), "image/png"),
	)
	msg := MessageFromTurn(turn)
	img, ok := msg.Data["image"].(map[string]any)
	if !ok {
		t.Fatalf("image summary missing: %#v", msg.Data)
	}
	if img["bytes"] != 2048 {
		t.Fatalf("image bytes = %#v", img["bytes"])
	}
	if img["mime"] != "image/png" {
		t.Fatalf("image mime = %#v", img["mime"])
	}
}

func TestToolCallsFromTurns(t *testing.T) {
	turns := []core.Turn{
		core.UserTextTurn("what time is it?"),
		core.AssistantTurn(core.ToolRequest{ID: "call_1", Name: "get_time", Args: map[string]any{}}),
		core.UserTurn(core.ToolResult{ID: "call_1", Value: map[string]any{"time": "12:00"}}),
		core.AssistantTurn(core.TextPart("noon")),
	}
	records := ToolCallsFromTurns(turns)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.Step != 1 || rec.ID != "call_1" || rec.Name != "get_time" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	result, ok := rec.Result.(map[string]any)
	if !ok {
		t.Fatalf("result not captured: %#v", rec.Result)
	}
	if result["time"] != "12:00" {
		t.Fatalf("result value missing: %#v", result)
	}
}

func TestToolCallsFromTurnsRecordsErrors(t *testing.T) {
	turns := []core.Turn{
		core.AssistantTurn(core.ToolRequest{ID: "call_9", Name: "lookup", Args: map[string]any{"q": "x"}}),
		core.UserTurn(core.ToolResult{ID: "call_9", Error: "backend unavailable"}),
	}
	records := ToolCallsFromTurns(turns)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Error != "backend unavailable" {
		t.Fatalf("error not recorded: %+v", records[0])
	}
	if records[0].Input["q"] != "x" {
		t.Fatalf("input not normalized: %#v", records[0].Input)
	}
}
