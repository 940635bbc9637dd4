package gemini

import (
	"os"

	"github.com/parleyai/parley"
	"github.com/parleyai/parley/core"
)

func init() {
	parley.RegisterProvider("gemini", &Factory{})
}

// Factory creates Gemini provider instances.
type Factory struct{}

// New creates a new Gemini provider with the given configuration.
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
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		key = os.Getenv("GOOGLE_API_KEY")
	}
	return parley.ProviderConfig{
		APIKey:  key,
		BaseURL: os.Getenv("GEMINI_BASE_URL"),
	}
}
