package obs

import (
	"encoding/json"
	"fmt"

	"github.com/parleyai/parley/core"
)

// Completion is the sink-facing record of one finished exchange: the inputs,
// the final output, usage, and the tool calls made along the way.
type Completion struct {
	Provider     string
	Model        string
	RequestID    string
	Input        []Message
	Output       Message
	Usage        UsageTokens
	LatencyMS    int64
	Metadata     map[string]any
	Error        string
	CreatedAtUTC int64
	ToolCalls    []ToolCallRecord
}

// Message is the observability projection of a conversation turn. Text
// carries the joined text parts; Data summarizes everything else.
type Message struct {
	Role string         `json:"role"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// ToolCallRecord summarizes one tool invocation for sinks.
type ToolCallRecord struct {
	Step       int            `json:"step"`
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// UsageTokens carries token counts in sink-neutral form.
type UsageTokens struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CachedTokens int
}

// UsageFromCore builds a UsageTokens struct from a core.Usage value.
func UsageFromCore(u core.Usage) UsageTokens {
	return UsageTokens{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
		CachedTokens: u.CachedInputTokens,
	}
}

// MessageFromTurn converts a core.Turn into an observability-safe message.
// Inline binary payloads are summarized rather than copied.
func MessageFromTurn(turn core.Turn) Message {
	text := ""
	data := map[string]any{}
	for _, part := range turn.Parts {
		switch p := part.(type) {
		case core.Text:
			if text != "" {
				text += "\n"
			}
			text += p.Text
		case core.ToolRequest:
			dataKey := fmt.Sprintf("tool_request_%s", p.ID)
			data[dataKey] = map[string]any{
				"id":   p.ID,
				"name": p.Name,
				"args": NormalizeMap(p.Args),
			}
		case core.ToolResult:
			dataKey := fmt.Sprintf("tool_result_%s", p.ID)
			entry := map[string]any{"id": p.ID}
			if p.Value != nil {
				entry["value"] = NormalizeValue(p.Value)
			}
			if p.Error != "" {
				entry["error"] = p.Error
			}
			data[dataKey] = entry
		case core.Structured:
			data["structured"] = NormalizeValue(p.Value)
		case core.ImageURL:
			data["image_url"] = p.URL
		case core.ImageData:
			data["image"] = map[string]any{"mime": p.MIME, "bytes": len(p.Data)}
		case core.Document:
			entry := map[string]any{"mime": p.MIME, "bytes": len(p.Data)}
			if p.Name != "" {
				entry["name"] = p.Name
			}
			data["document"] = entry
		default:
			pt := string(part.Type())
			if pt == "" {
				pt = fmt.Sprintf("part_%T", part)
			}
			data[pt] = NormalizeValue(part.Content())
		}
	}
	if len(data) == 0 {
		data = nil
	}
	return Message{Role: string(turn.Role), Text: text, Data: data}
}

// MessagesFromTurns converts a slice of core.Turn.
func MessagesFromTurns(turns []core.Turn) []Message {
	out := make([]Message, 0, len(turns))
	for _, turn := range turns {
		out = append(out, MessageFromTurn(turn))
	}
	return out
}

// ToolCallsFromTurns pairs the tool requests issued on assistant turns with
// the results that answered them on following user turns, producing
// ToolCallRecord entries in conversation order. Step counts assistant turns
// starting at 1.
func ToolCallsFromTurns(turns []core.Turn) []ToolCallRecord {
	records := make([]ToolCallRecord, 0)
	index := map[string]int{}
	step := 0
	for _, turn := range turns {
		switch turn.Role {
		case core.Assistant:
			step++
			for _, req := range turn.ToolRequests() {
				index[req.ID] = len(records)
				records = append(records, ToolCallRecord{
					Step:  step,
					ID:    req.ID,
					Name:  req.Name,
					Input: NormalizeMap(req.Args),
				})
			}
		case core.User:
			for _, res := range turn.ToolResults() {
				i, ok := index[res.ID]
				if !ok {
					continue
				}
				if res.Value != nil {
					records[i].Result = NormalizeValue(res.Value)
				}
				records[i].Error = res.Error
			}
		}
	}
	if len(records) == 0 {
		return nil
	}
	return records
}

// ToolCallsToAny converts tool call records to JSON-friendly objects.
func ToolCallsToAny(records []ToolCallRecord) []map[string]any {
	if len(records) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		entry := map[string]any{
			"step": rec.Step,
		}
		if rec.ID != "" {
			entry["id"] = rec.ID
		}
		if rec.Name != "" {
			entry["name"] = rec.Name
		}
		if len(rec.Input) > 0 {
			entry["input"] = rec.Input
		}
		if rec.Result != nil {
			entry["result"] = rec.Result
		}
		if rec.Error != "" {
			entry["error"] = rec.Error
		}
		if rec.DurationMS > 0 {
			entry["duration_ms"] = rec.DurationMS
		}
		out = append(out, entry)
	}
	return out
}

// NormalizeMap ensures nested map values are JSON-serializable.
func NormalizeMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}
	clean := make(map[string]any, len(input))
	for k, v := range input {
		clean[k] = NormalizeValue(v)
	}
	return clean
}

// NormalizeValue flattens arbitrary values into JSON-safe types.
func NormalizeValue(v any) any {
	switch typed := v.(type) {
	case nil,
		string,
		bool,
		int,
		int8,
		int16,
		int32,
		int64,
		uint,
		uint8,
		uint16,
		uint32,
		uint64,
		float32,
		float64:
		return typed
	case map[string]any:
		return NormalizeMap(typed)
	case []any:
		if len(typed) == 0 {
			return []any{}
		}
		out := make([]any, 0, len(typed))
		for _, item := range typed {
			out = append(out, NormalizeValue(item))
		}
		return out
	default:
		data, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return string(data)
		}
		return generic
	}
}
