package compat

import (
	"os"

	"github.com/parleyai/parley"
	"github.com/parleyai/parley/core"
)

func init() {
	for _, p := range []preset{groqPreset, xaiPreset, deepseekPreset, togetherPreset, openrouterPreset, ollamaPreset} {
		parley.RegisterProvider(p.name, &Factory{preset: p})
	}
}

// Factory creates clients for one compatible vendor.
type Factory struct {
	preset preset
}

// New creates a provider for the factory's vendor with the given configuration.
func (f *Factory) New(config parley.ProviderConfig) (core.Provider, error) {
	return build(f.preset, CompatOpts{
		BaseURL:    config.BaseURL,
		APIKey:     config.APIKey,
		Model:      config.DefaultModel,
		Headers:    config.Headers,
		HTTPClient: config.HTTPClient,
	}), nil
}

// DefaultConfig returns default configuration from the vendor's environment
// variables.
func (f *Factory) DefaultConfig() parley.ProviderConfig {
	config := parley.ProviderConfig{BaseURL: os.Getenv(f.preset.urlEnv)}
	if f.preset.keyEnv != "" {
		config.APIKey = os.Getenv(f.preset.keyEnv)
	}
	return config
}
