package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Turn represents a single conversation turn. Raw preserves the vendor-native
// JSON the turn was decoded from, when one exists, for debugging and replay.
type Turn struct {
	Role  Role            `json:"role"`
	Parts []Part          `json:"parts"`
	Raw   json.RawMessage `json:"raw,omitempty"`
	Usage Usage           `json:"usage,omitempty"`
}

// SystemTurn creates a system turn with the given text.
func SystemTurn(text string) Turn {
	return Turn{Role: System, Parts: []Part{Text{Text: text}}}
}

// UserTurn creates a user turn from the provided parts.
func UserTurn(parts ...Part) Turn {
	clone := append([]Part(nil), parts...)
	return Turn{Role: User, Parts: clone}
}

// UserTextTurn creates a user turn with plain text.
func UserTextTurn(text string) Turn {
	return Turn{Role: User, Parts: []Part{Text{Text: text}}}
}

// AssistantTurn creates an assistant turn from the provided parts.
func AssistantTurn(parts ...Part) Turn {
	clone := append([]Part(nil), parts...)
	return Turn{Role: Assistant, Parts: clone}
}

// Text concatenates the turn's text parts.
func (t Turn) Text() string {
	var sb strings.Builder
	for _, part := range t.Parts {
		if text, ok := part.(Text); ok {
			sb.WriteString(text.Text)
		}
	}
	return sb.String()
}

// ToolRequests returns the tool invocations issued by the turn.
func (t Turn) ToolRequests() []ToolRequest {
	var reqs []ToolRequest
	for _, part := range t.Parts {
		if req, ok := part.(ToolRequest); ok {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// ToolResults returns the tool outcomes carried by the turn.
func (t Turn) ToolResults() []ToolResult {
	var results []ToolResult
	for _, part := range t.Parts {
		if res, ok := part.(ToolResult); ok {
			results = append(results, res)
		}
	}
	return results
}

// StructuredValue returns the first structured part's value, if any.
func (t Turn) StructuredValue() (any, bool) {
	for _, part := range t.Parts {
		if s, ok := part.(Structured); ok {
			return s.Value, true
		}
	}
	return nil, false
}

// onlyToolResults reports whether every part of the turn is a ToolResult.
func (t Turn) onlyToolResults() bool {
	if len(t.Parts) == 0 {
		return false
	}
	for _, part := range t.Parts {
		if _, ok := part.(ToolResult); !ok {
			return false
		}
	}
	return true
}

// ValidateTurns checks the conversation sequencing rules: at most one leading
// system turn, alternating user/assistant roles afterwards, with the single
// exception that a user turn made up entirely of ToolResult parts may follow
// an assistant turn that issued the matching ToolRequest parts.
func ValidateTurns(turns []Turn) error {
	var prev *Turn
	for i := range turns {
		turn := &turns[i]
		switch turn.Role {
		case System:
			if i != 0 {
				return fmt.Errorf("turn %d: system turn must come first", i)
			}
		case User, Assistant:
			if len(turn.Parts) == 0 {
				return fmt.Errorf("turn %d: no parts", i)
			}
			if prev == nil || prev.Role == System {
				prev = turn
				continue
			}
			if prev.Role == turn.Role {
				return fmt.Errorf("turn %d: consecutive %s turns", i, turn.Role)
			}
			if turn.Role == User && turn.onlyToolResults() {
				if err := matchToolResults(prev, turn, i); err != nil {
					return err
				}
			}
			prev = turn
		case "":
			return fmt.Errorf("turn %d: missing role", i)
		default:
			return fmt.Errorf("turn %d: unknown role %q", i, turn.Role)
		}
	}
	return nil
}

// matchToolResults verifies that every ToolResult in the continuation turn
// answers a ToolRequest issued by the preceding assistant turn.
func matchToolResults(assistant, results *Turn, pos int) error {
	issued := make(map[string]bool)
	for _, req := range assistant.ToolRequests() {
		issued[req.ID] = true
	}
	if len(issued) == 0 {
		return fmt.Errorf("turn %d: tool results follow a turn with no tool requests", pos)
	}
	for _, res := range results.ToolResults() {
		if !issued[res.ID] {
			return fmt.Errorf("turn %d: tool result %q answers no pending request", pos, res.ID)
		}
	}
	return nil
}
