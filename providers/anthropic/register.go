package anthropic

import (
	"os"

	"github.com/parleyai/parley"
	"github.com/parleyai/parley/core"
)

func init() {
	parley.RegisterProvider("anthropic", &Factory{})
}

// Factory creates Anthropic provider instances.
type Factory struct{}

// New creates a new Anthropic provider with the given configuration.
func (f *Factory) New(config parley.ProviderConfig) (core.Provider, error) {
	var opts []Option

	if config.APIKey != "" {
		opts = append(opts, WithAPIKey(config.APIKey))
	}
	if config.BaseURL != "" {
		opts = append(opts, WithBaseURL(config.BaseURL))
	}
	if config.DefaultModel != "" {
		opts = append(opts, WithModel(config.DefaultModel))
	}
	if config.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(config.HTTPClient))
	}
	for key, value := range config.Headers {
		opts = append(opts, WithHeader(key, value))
	}

	return New(opts...), nil
}

// DefaultConfig returns default configuration from environment variables.
func (f *Factory) DefaultConfig() parley.ProviderConfig {
	return parley.ProviderConfig{
		APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
	}
}
