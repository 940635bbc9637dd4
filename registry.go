package parley

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/parleyai/parley/core"
)

// ProviderConfig carries the settings a factory needs to build a provider.
type ProviderConfig struct {
	// APIKey authenticates against the vendor API.
	APIKey string

	// BaseURL overrides the vendor endpoint, for proxies and self-hosted
	// gateways.
	BaseURL string

	// DefaultModel is used when a request names no model.
	DefaultModel string

	// Headers are added to every outbound request.
	Headers map[string]string

	// HTTPClient overrides the transport. Nil means the provider's default
	// retrying client.
	HTTPClient *http.Client
}

// ProviderFactory builds providers from configuration. Provider packages
// register a factory in their init func so importing the package is enough to
// make the vendor routable.
type ProviderFactory interface {
	// New creates a provider instance with the given configuration.
	New(config ProviderConfig) (core.Provider, error)

	// DefaultConfig returns configuration read from the environment, with an
	// empty APIKey when the vendor's key variable is unset.
	DefaultConfig() ProviderConfig
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]ProviderFactory)
)

// RegisterProvider registers a provider factory under name. It is typically
// called from a provider package's init func:
//
//	func init() {
//	    parley.RegisterProvider("openai", &Factory{})
//	}
//
// Panics if the name is already taken; registration happens at init time
// where a duplicate is a programming error.
func RegisterProvider(name string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("parley: provider %q already registered", name))
	}
	registry[name] = factory
}

// GetProviderFactory returns the factory registered under name.
func GetProviderFactory(name string) (ProviderFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	return factory, ok
}

// RegisteredProviders returns the names of all registered providers, sorted.
func RegisteredProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsProviderRegistered reports whether a factory exists for name.
func IsProviderRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// clearRegistry removes all registered providers. For testing only.
func clearRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[string]ProviderFactory)
}
