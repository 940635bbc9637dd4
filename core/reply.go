package core

// Warning surfaces a non-fatal condition encountered while serving a request,
// such as a dropped sampling parameter or a contained tool failure.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Reply is the outcome of one completed generation, potentially spanning
// several request legs when tools were invoked. Turn is the final assistant
// turn; Warnings aggregates everything non-fatal that happened along the way.
type Reply struct {
	Turn     Turn      `json:"turn"`
	Model    string    `json:"model,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Usage    Usage     `json:"usage"`
	Warnings []Warning `json:"warnings,omitempty"`

	// Stop records why an orchestrated loop finished. Single-leg provider
	// calls leave it nil.
	Stop *StopReason `json:"stop,omitempty"`

	LatencyMS int64 `json:"latency_ms,omitempty"`
}

// Text returns the reply's concatenated text content.
func (r *Reply) Text() string {
	if r == nil {
		return ""
	}
	return r.Turn.Text()
}

// StructuredValue returns the reply's structured value, if one was produced.
func (r *Reply) StructuredValue() (any, bool) {
	if r == nil {
		return nil, false
	}
	return r.Turn.StructuredValue()
}
