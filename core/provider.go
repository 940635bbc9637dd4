package core

import "context"

// Provider is the operation surface implemented by every vendor package. It
// exposes full-response and streaming generation while remaining
// vendor-agnostic; structured output rides on Request.Schema.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Reply, error)
	Stream(ctx context.Context, req Request) (*Stream, error)
	Capabilities() Capabilities
}

// Capabilities describes the features supported by a provider.
type Capabilities struct {
	Streaming         bool
	ParallelToolCalls bool
	StrictJSON        bool
	Batch             bool

	Images    bool
	Documents bool
	Caching   bool

	MaxInputTokens  int
	MaxOutputTokens int

	Provider string
	Models   []string
}
