package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// partJSON is the flat serialization envelope for Part values. One struct
// covers every part type so persisted conversations stay greppable.
type partJSON struct {
	Type PartType `json:"type"`

	// Text
	Text string `json:"text,omitempty"`

	// Images
	ImageURL    string `json:"image_url,omitempty"`
	ImageDetail string `json:"image_detail,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	ImageMIME   string `json:"image_mime,omitempty"`

	// Documents
	DocName   string `json:"doc_name,omitempty"`
	DocMIME   string `json:"doc_mime,omitempty"`
	DocBase64 string `json:"doc_base64,omitempty"`

	// Tool request
	ToolID   string         `json:"tool_id,omitempty"`
	ToolName string         `json:"tool_name,omitempty"`
	ToolArgs map[string]any `json:"tool_args,omitempty"`

	// Tool result
	ResultID    string         `json:"result_id,omitempty"`
	ResultValue any            `json:"result_value,omitempty"`
	ResultError string         `json:"result_error,omitempty"`
	ResultExtra map[string]any `json:"result_extra,omitempty"`

	// Structured
	Value any `json:"value,omitempty"`
}

type turnJSON struct {
	Role  Role            `json:"role"`
	Parts []partJSON      `json:"parts"`
	Raw   json.RawMessage `json:"raw,omitempty"`
	Usage Usage           `json:"usage,omitempty"`
}

// MarshalJSON serializes the turn with tagged parts.
func (t Turn) MarshalJSON() ([]byte, error) {
	out := turnJSON{Role: t.Role, Raw: t.Raw, Usage: t.Usage, Parts: make([]partJSON, 0, len(t.Parts))}
	for _, part := range t.Parts {
		pj, err := encodePart(part)
		if err != nil {
			return nil, err
		}
		out.Parts = append(out.Parts, pj)
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a turn serialized by MarshalJSON.
func (t *Turn) UnmarshalJSON(data []byte) error {
	var in turnJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	turn := Turn{Role: in.Role, Raw: in.Raw, Usage: in.Usage}
	for i, pj := range in.Parts {
		part, err := decodePart(pj)
		if err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
		turn.Parts = append(turn.Parts, part)
	}
	*t = turn
	return nil
}

func encodePart(part Part) (partJSON, error) {
	switch p := part.(type) {
	case Text:
		return partJSON{Type: PartTypeText, Text: p.Text}, nil
	case ImageURL:
		return partJSON{Type: PartTypeImageURL, ImageURL: p.URL, ImageDetail: p.Detail}, nil
	case ImageData:
		return partJSON{Type: PartTypeImageData, ImageMIME: p.MIME, ImageBase64: base64.StdEncoding.EncodeToString(p.Data)}, nil
	case Document:
		return partJSON{Type: PartTypeDocument, DocName: p.Name, DocMIME: p.MIME, DocBase64: base64.StdEncoding.EncodeToString(p.Data)}, nil
	case ToolRequest:
		return partJSON{Type: PartTypeToolRequest, ToolID: p.ID, ToolName: p.Name, ToolArgs: p.Args}, nil
	case ToolResult:
		return partJSON{Type: PartTypeToolResult, ResultID: p.ID, ResultValue: p.Value, ResultError: p.Error, ResultExtra: p.Extra}, nil
	case Structured:
		return partJSON{Type: PartTypeStructured, Value: p.Value}, nil
	default:
		return partJSON{}, fmt.Errorf("unsupported part type %T", part)
	}
}

func decodePart(pj partJSON) (Part, error) {
	switch pj.Type {
	case PartTypeText:
		return Text{Text: pj.Text}, nil
	case PartTypeImageURL:
		return ImageURL{URL: pj.ImageURL, Detail: pj.ImageDetail}, nil
	case PartTypeImageData:
		data, err := base64.StdEncoding.DecodeString(pj.ImageBase64)
		if err != nil {
			return nil, fmt.Errorf("decode image data: %w", err)
		}
		return ImageData{MIME: pj.ImageMIME, Data: data}, nil
	case PartTypeDocument:
		data, err := base64.StdEncoding.DecodeString(pj.DocBase64)
		if err != nil {
			return nil, fmt.Errorf("decode document data: %w", err)
		}
		return Document{Name: pj.DocName, MIME: pj.DocMIME, Data: data}, nil
	case PartTypeToolRequest:
		return ToolRequest{ID: pj.ToolID, Name: pj.ToolName, Args: pj.ToolArgs}, nil
	case PartTypeToolResult:
		return ToolResult{ID: pj.ResultID, Value: pj.ResultValue, Error: pj.ResultError, Extra: pj.ResultExtra}, nil
	case PartTypeStructured:
		return Structured{Value: pj.Value}, nil
	default:
		return nil, fmt.Errorf("unknown part type %q", pj.Type)
	}
}
