package parley

import (
	"net/http"

	"github.com/parleyai/parley/core"
)

// WithProvider registers a provider instance directly. Use it for custom
// configurations or for fakes in tests.
func WithProvider(id string, provider core.Provider) ClientOption {
	return func(c *Client) {
		c.providers[id] = provider
	}
}

// WithAPIKey configures a provider with the given API key and its defaults
// otherwise. The provider package must be imported; unregistered names are
// skipped silently.
func WithAPIKey(providerID, apiKey string) ClientOption {
	return func(c *Client) {
		factory, ok := GetProviderFactory(providerID)
		if !ok {
			return
		}

		config := factory.DefaultConfig()
		config.APIKey = apiKey
		if config.HTTPClient == nil {
			config.HTTPClient = c.httpClient
		}

		if provider, err := factory.New(config); err == nil {
			c.providers[providerID] = provider
		}
	}
}

// WithBaseURL configures a provider against a custom endpoint, for
// self-hosted models and proxies.
func WithBaseURL(providerID, baseURL string) ClientOption {
	return func(c *Client) {
		factory, ok := GetProviderFactory(providerID)
		if !ok {
			return
		}

		config := factory.DefaultConfig()
		config.BaseURL = baseURL
		if config.HTTPClient == nil {
			config.HTTPClient = c.httpClient
		}

		if provider, err := factory.New(config); err == nil {
			c.providers[providerID] = provider
		}
	}
}

// WithProviderConfig configures a provider with full configuration.
func WithProviderConfig(providerID string, config ProviderConfig) ClientOption {
	return func(c *Client) {
		factory, ok := GetProviderFactory(providerID)
		if !ok {
			return
		}

		if config.HTTPClient == nil {
			config.HTTPClient = c.httpClient
		}

		if provider, err := factory.New(config); err == nil {
			c.providers[providerID] = provider
		}
	}
}

// WithDefaultModel sets the model used when a request names none. It must be
// a full "provider/model" string, not an alias.
func WithDefaultModel(model string) ClientOption {
	return func(c *Client) {
		c.defaultModel = model
	}
}

// WithAlias defines a short name for a model string:
//
//	client := parley.NewClient(
//	    parley.WithAlias("fast", "groq/llama-3.3-70b-versatile"),
//	    parley.WithAlias("smart", "anthropic/claude-sonnet-4-20250514"),
//	)
func WithAlias(alias, model string) ClientOption {
	return func(c *Client) {
		c.aliases[alias] = model
	}
}

// WithAliases defines multiple aliases at once.
func WithAliases(aliases map[string]string) ClientOption {
	return func(c *Client) {
		for alias, model := range aliases {
			c.aliases[alias] = model
		}
	}
}

// WithHTTPClient sets the HTTP client handed to providers configured after
// this option, including auto-configured ones. Providers left at nil build
// their own retrying transport.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}
