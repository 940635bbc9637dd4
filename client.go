package parley

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/parleyai/parley/core"
)

// Client is the entry point for generation across providers. It holds
// configured provider instances and routes requests to them by
// "provider/model" strings, so callers can switch vendors by changing
// one string.
type Client struct {
	mu           sync.RWMutex
	providers    map[string]core.Provider
	aliases      map[string]string
	defaultModel string
	httpClient   *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a client, auto-configuring every registered provider
// whose API key is present in the environment (OPENAI_API_KEY,
// ANTHROPIC_API_KEY, and so on). Import provider packages to register them:
//
//	import (
//	    "github.com/parleyai/parley"
//	    _ "github.com/parleyai/parley/providers/openai"
//	    _ "github.com/parleyai/parley/providers/anthropic"
//	)
//
//	client := parley.NewClient()
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]core.Provider),
		aliases:   make(map[string]string),
	}

	// Options first so explicit providers win over auto-configuration.
	for _, opt := range opts {
		opt(c)
	}
	c.autoConfigureProviders()

	return c
}

// autoConfigureProviders initializes registered providers from environment
// variables. Providers whose key variable is unset are skipped; configure
// keyless endpoints such as Ollama explicitly with WithProviderConfig.
func (c *Client) autoConfigureProviders() {
	registryMu.RLock()
	defer registryMu.RUnlock()

	for name, factory := range registry {
		if _, exists := c.providers[name]; exists {
			continue
		}

		config := factory.DefaultConfig()
		if config.APIKey == "" {
			continue
		}
		if config.HTTPClient == nil {
			config.HTTPClient = c.httpClient
		}
		if provider, err := factory.New(config); err == nil {
			c.providers[name] = provider
		}
	}
}

// resolveModel maps a model string to a configured provider and the bare
// model identifier. Aliases are resolved first, then the default model fills
// an empty string, then the "provider/model" form is split. The model part
// may itself contain slashes, as OpenRouter identifiers do.
func (c *Client) resolveModel(model string) (core.Provider, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if resolved, ok := c.aliases[model]; ok {
		model = resolved
	}
	if model == "" {
		model = c.defaultModel
	}
	if model == "" {
		return nil, "", &ModelError{Model: model, Err: ErrNoModel}
	}

	providerID, modelID, ok := strings.Cut(model, "/")
	if !ok || providerID == "" || modelID == "" {
		return nil, "", &ModelError{
			Model:     model,
			Err:       ErrInvalidModel,
			Available: c.configuredLocked(),
		}
	}

	provider, ok := c.providers[providerID]
	if !ok {
		return nil, "", &ModelError{
			Model:     model,
			Err:       ErrNoProvider,
			Available: c.configuredLocked(),
		}
	}
	return provider, modelID, nil
}

func (c *Client) configuredLocked() []string {
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Providers returns the names of all configured providers, sorted.
func (c *Client) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configuredLocked()
}

// HasProvider reports whether a provider is configured.
func (c *Client) HasProvider(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.providers[name]
	return ok
}

// Provider returns the configured provider instance for name. Useful for
// reaching vendor-specific surfaces such as batch services.
func (c *Client) Provider(name string) (core.Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	provider, ok := c.providers[name]
	return provider, ok
}

// Generate resolves req.Model and forwards the request to its provider.
// The provider receives the bare model identifier.
func (c *Client) Generate(ctx context.Context, req core.Request) (*core.Reply, error) {
	provider, modelID, err := c.resolveModel(req.Model)
	if err != nil {
		return nil, err
	}
	req.Model = modelID
	return provider.Generate(ctx, req)
}

// Stream resolves req.Model and opens a streaming generation against its
// provider.
func (c *Client) Stream(ctx context.Context, req core.Request) (*core.Stream, error) {
	provider, modelID, err := c.resolveModel(req.Model)
	if err != nil {
		return nil, err
	}
	req.Model = modelID
	return provider.Stream(ctx, req)
}

// Capabilities reports the capability surface of the provider behind model.
func (c *Client) Capabilities(model string) (core.Capabilities, error) {
	provider, _, err := c.resolveModel(model)
	if err != nil {
		return core.Capabilities{}, err
	}
	return provider.Capabilities(), nil
}

// Chat starts a conversation bound to the provider behind model. Options
// configure the system prompt, sampling, tools, and loop guards.
func (c *Client) Chat(model string, opts ...ChatOption) (*Chat, error) {
	provider, modelID, err := c.resolveModel(model)
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithModel(modelID))
	return NewChat(provider, opts...), nil
}
