package factory

import (
	"errors"
	"fmt"
	"sort"

	"github.com/vnmchuo/storefront-ai/internal/provider"
	"github.com/vnmchuo/storefront-ai/internal/provider/anthropic"
	"github.com/vnmchuo/storefront-ai/internal/provider/gemini"
	"github.com/vnmchuo/storefront-ai/internal/provider/openai"
)

var ErrUnsupportedProvider = errors.New("unsupported provider")

type constructor func(desc provider.Descriptor, apiKey string) provider.Provider

var constructors = map[string]constructor{
	openai.Name: func(d provider.Descriptor, k string) provider.Provider {
		return openai.New(d, k)
	},
	anthropic.Name: func(d provider.Descriptor, k string) provider.Provider {
		return anthropic.New(d, k)
	},
	gemini.Name: func(d provider.Descriptor, k string) provider.Provider {
		return gemini.New(d, k)
	},
}

// Factory builds concrete providers from descriptors. It satisfies the
// orchestrator's ProviderFactory contract.
type Factory struct{}

func New() *Factory {
	return &Factory{}
}

func (f *Factory) Create(desc provider.Descriptor, apiKey string) (provider.Provider, error) {
	return CreateProvider(desc, apiKey)
}

// CreateProvider dispatches on desc.Name.
func CreateProvider(desc provider.Descriptor, apiKey string) (provider.Provider, error) {
	build, ok := constructors[desc.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, desc.Name)
	}
	return build(desc, apiKey), nil
}

func SupportedProviders() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func IsSupported(name string) bool {
	_, ok := constructors[name]
	return ok
}
