package core

import "github.com/parleyai/parley/schema"

// Request represents a single generation request presented to a provider.
type Request struct {
	Model string `json:"model,omitempty"`

	Turns []Turn `json:"turns"`

	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	TopP        float32 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`

	Tools      []ToolHandle `json:"-"`
	ToolChoice ToolChoice   `json:"tool_choice,omitempty"`

	// Schema constrains the response to a structured shape when set.
	Schema *schema.Node `json:"-"`

	Metadata        map[string]any `json:"metadata,omitempty"`
	ProviderOptions map[string]any `json:"provider_options,omitempty"`
}

// Clone returns a shallow copy of the request with safe slice and map
// duplication where callers might append.
func (r Request) Clone() Request {
	clone := r
	if len(r.Turns) > 0 {
		clone.Turns = append([]Turn(nil), r.Turns...)
	}
	if r.Tools != nil {
		clone.Tools = append([]ToolHandle(nil), r.Tools...)
	}
	if r.Metadata != nil {
		clone.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			clone.Metadata[k] = v
		}
	}
	if r.ProviderOptions != nil {
		clone.ProviderOptions = make(map[string]any, len(r.ProviderOptions))
		for k, v := range r.ProviderOptions {
			clone.ProviderOptions[k] = v
		}
	}
	return clone
}

// ToolChoice enumerates how the provider should treat the supplied tools.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)
