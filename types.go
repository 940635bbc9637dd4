package parley

import "github.com/parleyai/parley/core"

// Conversation types, re-exported from core so most programs only import
// this package.
type (
	// Turn represents a single conversation turn.
	Turn = core.Turn

	// Role identifies the author of a turn.
	Role = core.Role
)

// Role constants.
const (
	System    = core.System
	User      = core.User
	Assistant = core.Assistant
)

// Content part types.
type (
	// Part is the interface implemented by all turn fragments.
	Part = core.Part

	// Text is plain text content.
	Text = core.Text

	// ImageURL references remote image content.
	ImageURL = core.ImageURL

	// ImageData carries inline image bytes.
	ImageData = core.ImageData

	// Document carries a named file.
	Document = core.Document

	// Structured carries a schema-constrained value.
	Structured = core.Structured

	// ToolRequest records a model-issued tool invocation.
	ToolRequest = core.ToolRequest

	// ToolResult records the outcome of a tool invocation.
	ToolResult = core.ToolResult
)

// Tool types.
type (
	// ToolHandle is the interface tool definitions implement.
	ToolHandle = core.ToolHandle

	// ToolChoice controls how the model uses the supplied tools.
	ToolChoice = core.ToolChoice
)

// ToolChoice constants.
const (
	ToolChoiceAuto     = core.ToolChoiceAuto
	ToolChoiceNone     = core.ToolChoiceNone
	ToolChoiceRequired = core.ToolChoiceRequired
)

// Request and reply types.
type (
	// Request is a single generation request.
	Request = core.Request

	// Reply is the outcome of a completed generation.
	Reply = core.Reply

	// Usage tracks token consumption.
	Usage = core.Usage

	// Warning surfaces a non-fatal condition.
	Warning = core.Warning

	// Capabilities describes what a provider supports.
	Capabilities = core.Capabilities
)

// Streaming types.
type (
	// Stream delivers normalized events from a streaming generation.
	Stream = core.Stream

	// StreamEvent is one event within a stream.
	StreamEvent = core.StreamEvent

	// EventType identifies the kind of a stream event.
	EventType = core.EventType
)

// Stream event constants.
const (
	EventStart       = core.EventStart
	EventTextDelta   = core.EventTextDelta
	EventToolRequest = core.EventToolRequest
	EventToolResult  = core.EventToolResult
	EventFinish      = core.EventFinish
	EventError       = core.EventError
)

// Loop control types.
type (
	// StopCondition decides when a chat loop halts.
	StopCondition = core.StopCondition

	// StopReason documents why a loop ended.
	StopReason = core.StopReason

	// LoopState is the progress snapshot handed to stop conditions.
	LoopState = core.LoopState
)

// Turn constructors.

// SystemTurn creates a system turn with text content.
func SystemTurn(text string) Turn {
	return core.SystemTurn(text)
}

// UserTurn creates a user turn from parts.
func UserTurn(parts ...Part) Turn {
	return core.UserTurn(parts...)
}

// UserTextTurn creates a user turn with plain text.
func UserTextTurn(text string) Turn {
	return core.UserTextTurn(text)
}

// AssistantTurn creates an assistant turn from parts.
func AssistantTurn(parts ...Part) Turn {
	return core.AssistantTurn(parts...)
}

// Part constructors.

// TextPart creates a text part.
func TextPart(text string) Text {
	return core.TextPart(text)
}

// ImagePart creates an inline image part from raw bytes.
func ImagePart(data []byte, mime string) ImageData {
	return core.ImagePart(data, mime)
}

// ImageURLPart creates an image part referencing a URL.
func ImageURLPart(url string) ImageURL {
	return core.ImageURLPart(url)
}

// DocumentPart creates a document part from raw bytes.
func DocumentPart(name string, data []byte, mime string) Document {
	return core.DocumentPart(name, data, mime)
}
