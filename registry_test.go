package parley

import (
	"testing"

	"github.com/parleyai/parley/core"
	"github.com/parleyai/parley/internal/testutil"
)

type fakeFactory struct {
	config ProviderConfig
	built  int
}

func (f *fakeFactory) New(config ProviderConfig) (core.Provider, error) {
	f.built++
	return testutil.NewMockProvider(), nil
}

func (f *fakeFactory) DefaultConfig() ProviderConfig {
	return f.config
}

func TestRegisterProvider(t *testing.T) {
	clearRegistry()
	t.Cleanup(clearRegistry)

	RegisterProvider("alpha", &fakeFactory{})
	RegisterProvider("beta", &fakeFactory{})

	if !IsProviderRegistered("alpha") {
		t.Fatal("alpha should be registered")
	}
	if IsProviderRegistered("gamma") {
		t.Fatal("gamma should not be registered")
	}
	if _, ok := GetProviderFactory("beta"); !ok {
		t.Fatal("beta factory should resolve")
	}

	names := RegisteredProviders()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("unexpected registered names: %v", names)
	}
}

func TestRegisterProviderDuplicatePanics(t *testing.T) {
	clearRegistry()
	t.Cleanup(clearRegistry)

	RegisterProvider("dup", &fakeFactory{})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterProvider("dup", &fakeFactory{})
}
