package core

// Role identifies the author of a turn.
type Role string

const (
	System    Role = "system"
	User      Role = "user"
	Assistant Role = "assistant"
)

// PartType identifies the kind of content stored in a Part.
type PartType string

const (
	PartTypeText        PartType = "text"
	PartTypeImageURL    PartType = "image_url"
	PartTypeImageData   PartType = "image"
	PartTypeDocument    PartType = "document"
	PartTypeToolRequest PartType = "tool_request"
	PartTypeToolResult  PartType = "tool_result"
	PartTypeStructured  PartType = "structured"
)

// Part is the interface implemented by all content units carried by a Turn.
type Part interface {
	Type() PartType
	Content() any
}

// Text represents plain text content.
type Text struct {
	Text string `json:"text"`
}

func (t Text) Type() PartType { return PartTypeText }
func (t Text) Content() any   { return t.Text }

// ImageURL references remote image content by URL. Detail is the vendor
// fidelity hint ("low", "high", "auto") and may be empty.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

func (i ImageURL) Type() PartType { return PartTypeImageURL }
func (i ImageURL) Content() any   { return i.URL }

// ImageData carries inline image bytes. Adapters encode the payload as
// base64 on the wire.
type ImageData struct {
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

func (i ImageData) Type() PartType { return PartTypeImageData }
func (i ImageData) Content() any   { return i.Data }

// Document carries an inline document such as a PDF. Adapters encode the
// payload as base64 on the wire.
type Document struct {
	Name string `json:"name,omitempty"`
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

func (d Document) Type() PartType { return PartTypeDocument }
func (d Document) Content() any   { return d.Data }

// ToolRequest records a model-initiated tool invocation. Tool holds the
// resolved registry entry once the invocation runtime has looked the name up;
// it stays nil for requests naming unregistered tools.
type ToolRequest struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`

	Tool ToolHandle `json:"-"`
}

func (t ToolRequest) Type() PartType { return PartTypeToolRequest }
func (t ToolRequest) Content() any   { return t }

// ToolResult records the outcome of a tool invocation, keyed back to the
// originating request by ID. A non-empty Error means the invocation failed and
// Value carries no meaning; both zero is legal only when the tool genuinely
// returned null. Extra carries tool-supplied passthrough data that adapters
// must not interpret.
type ToolResult struct {
	ID    string         `json:"id"`
	Value any            `json:"value,omitempty"`
	Error string         `json:"error,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

func (t ToolResult) Type() PartType { return PartTypeToolResult }
func (t ToolResult) Content() any   { return t }

// OK reports whether the invocation succeeded.
func (t ToolResult) OK() bool { return t.Error == "" }

// Structured carries a parsed structured-output value.
type Structured struct {
	Value any `json:"value"`
}

func (s Structured) Type() PartType { return PartTypeStructured }
func (s Structured) Content() any   { return s.Value }

// UnknownToolMessage prefixes the error carried by a ToolResult whose request
// named a tool absent from the registry.
const UnknownToolMessage = "Unknown tool"

// TextPart is a convenience constructor for a text part.
func TextPart(text string) Text {
	return Text{Text: text}
}

// ImagePart builds an inline image part from raw bytes.
func ImagePart(data []byte, mime string) ImageData {
	return ImageData{MIME: mime, Data: data}
}

// ImageURLPart builds a remote image part.
func ImageURLPart(url string) ImageURL {
	return ImageURL{URL: url}
}

// DocumentPart builds an inline document part.
func DocumentPart(name string, data []byte, mime string) Document {
	return Document{Name: name, MIME: mime, Data: data}
}
