package core

import (
	"strings"

	"github.com/parleyai/parley/schema"
)

// AttachStructured decodes the turn's text as the value described by node and
// appends a Structured part carrying it. Vendors return structured output as
// the message text, so this runs after response parsing on requests that set
// a schema. Some models wrap the JSON in a markdown fence; the fence is
// stripped before decoding.
func AttachStructured(turn *Turn, node *schema.Node) error {
	if turn == nil || node == nil {
		return nil
	}
	text := strings.TrimSpace(turn.Text())
	if text == "" {
		return NewError(ErrExtraction, "structured response carried no text")
	}
	text = stripFence(text)
	value, err := schema.DecodeRaw(node, []byte(text))
	if err != nil {
		return NewError(ErrExtraction, "structured response did not match the requested shape", WithWrapped(err))
	}
	turn.Parts = append(turn.Parts, Structured{Value: value})
	return nil
}

func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	trimmed := strings.TrimPrefix(text, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
