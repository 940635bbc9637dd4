// Package compat points the OpenAI chat completions client at vendors that
// speak the same wire format. A preset pins the vendor's name, base URL, and
// capability profile; the codec and transport come from the openai package
// unchanged, so requests, streams, and batch payloads behave identically.
package compat

import (
	"net/http"

	"github.com/parleyai/parley/core"
	"github.com/parleyai/parley/providers/openai"
)

// CompatOpts configures a client for an OpenAI-compatible API surface.
type CompatOpts struct {
	BaseURL    string
	APIKey     string
	Model      string
	Headers    map[string]string
	HTTPClient *http.Client
}

// Client is an openai wire client relabeled for a compatible vendor. Replies,
// stream events, and errors carry the vendor's name rather than "openai".
type Client struct {
	*openai.Client
	caps core.Capabilities
}

// Capabilities reports the preset's profile rather than OpenAI's; compatible
// vendors rarely carry the full feature set.
func (c *Client) Capabilities() core.Capabilities { return c.caps }

// Batch returns the Files and Batches service for vendors that run those
// endpoints, nil for the rest.
func (c *Client) Batch() *openai.BatchService {
	if !c.caps.Batch {
		return nil
	}
	return openai.NewBatchService(c.Client)
}

// New constructs a client for any OpenAI-compatible surface not covered by a
// preset. BaseURL should point at the vendor's /v1 root; the name labels
// replies and errors.
func New(name string, opts CompatOpts) *Client {
	if name == "" {
		name = "openai"
	}
	return build(preset{name: name, baseURL: opts.BaseURL, caps: genericCaps}, opts)
}

// Groq constructs a client for api.groq.com.
func Groq(opts CompatOpts) *Client { return build(groqPreset, opts) }

// XAI constructs a client for api.x.ai.
func XAI(opts CompatOpts) *Client { return build(xaiPreset, opts) }

// DeepSeek constructs a client for api.deepseek.com.
func DeepSeek(opts CompatOpts) *Client { return build(deepseekPreset, opts) }

// Together constructs a client for api.together.xyz.
func Together(opts CompatOpts) *Client { return build(togetherPreset, opts) }

// OpenRouter constructs a client for openrouter.ai.
func OpenRouter(opts CompatOpts) *Client { return build(openrouterPreset, opts) }

// Ollama constructs a client for a local Ollama server. No API key is
// required; override BaseURL to reach a remote host.
func Ollama(opts CompatOpts) *Client { return build(ollamaPreset, opts) }

func build(p preset, opts CompatOpts) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = p.baseURL
	}
	options := []openai.Option{
		openai.WithProviderName(p.name),
		openai.WithAPIKey(opts.APIKey),
		openai.WithModel(opts.Model),
	}
	if baseURL != "" {
		options = append(options, openai.WithBaseURL(baseURL))
	}
	if opts.HTTPClient != nil {
		options = append(options, openai.WithHTTPClient(opts.HTTPClient))
	}
	for k, v := range opts.Headers {
		options = append(options, openai.WithHeader(k, v))
	}
	caps := p.caps
	caps.Provider = p.name
	return &Client{Client: openai.New(options...), caps: caps}
}

// preset pins what distinguishes one compatible vendor from another.
type preset struct {
	name    string
	baseURL string
	keyEnv  string
	urlEnv  string
	caps    core.Capabilities
}

// genericCaps is the profile for unknown surfaces: the wire features every
// compatible gateway has to support to be called compatible.
var genericCaps = core.Capabilities{
	Streaming:         true,
	ParallelToolCalls: true,
}

// The capability tables mirror each vendor's published API surface. Batch
// means the vendor runs the Files and Batches endpoints, not merely that it
// accepts many requests.
var (
	groqPreset = preset{
		name:    "groq",
		baseURL: "https://api.groq.com/openai/v1",
		keyEnv:  "GROQ_API_KEY",
		urlEnv:  "GROQ_BASE_URL",
		caps: core.Capabilities{
			Streaming:         true,
			ParallelToolCalls: true,
			StrictJSON:        true,
			Batch:             true,
			Images:            true,
		},
	}
	xaiPreset = preset{
		name:    "xai",
		baseURL: "https://api.x.ai/v1",
		keyEnv:  "XAI_API_KEY",
		urlEnv:  "XAI_BASE_URL",
		caps: core.Capabilities{
			Streaming:         true,
			ParallelToolCalls: true,
			StrictJSON:        true,
			Images:            true,
			Caching:           true,
		},
	}
	deepseekPreset = preset{
		name:    "deepseek",
		baseURL: "https://api.deepseek.com/v1",
		keyEnv:  "DEEPSEEK_API_KEY",
		urlEnv:  "DEEPSEEK_BASE_URL",
		caps: core.Capabilities{
			Streaming:         true,
			ParallelToolCalls: true,
			Caching:           true,
		},
	}
	togetherPreset = preset{
		name:    "together",
		baseURL: "https://api.together.xyz/v1",
		keyEnv:  "TOGETHER_API_KEY",
		urlEnv:  "TOGETHER_BASE_URL",
		caps: core.Capabilities{
			Streaming:         true,
			ParallelToolCalls: true,
			StrictJSON:        true,
			Images:            true,
		},
	}
	openrouterPreset = preset{
		name:    "openrouter",
		baseURL: "https://openrouter.ai/api/v1",
		keyEnv:  "OPENROUTER_API_KEY",
		urlEnv:  "OPENROUTER_BASE_URL",
		caps: core.Capabilities{
			Streaming:         true,
			ParallelToolCalls: true,
			StrictJSON:        true,
			Images:            true,
			Documents:         true,
		},
	}
	ollamaPreset = preset{
		name:    "ollama",
		baseURL: "http://localhost:11434/v1",
		urlEnv:  "OLLAMA_BASE_URL",
		caps: core.Capabilities{
			Streaming:  true,
			StrictJSON: true,
			Images:     true,
		},
	}
)
