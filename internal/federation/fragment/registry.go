package fragment

import (
	"fmt"
	"slices"
)

// Factory creates a fresh Fragment instance. Called once per mount; two
// slots showing the same fragment each get their own instance.
type Factory func() Fragment

// ErrUnknownProvider is returned when an unregistered provider is requested.
var ErrUnknownProvider = fmt.Errorf("unknown fragment provider")

// Provider registry for compiled-in fragments. Providers register in their
// init() functions; the shell imports them blank. Remote entry manifests
// reference providers by the same keys.
var providerRegistry = make(map[string]Factory)

// Register registers a fragment factory under the given provider key.
// Builtin descriptors use their fragment id as the key. This should be
// called in init() functions of provider packages.
func Register(key string, factory Factory) {
	providerRegistry[key] = factory
}

// New creates a Fragment from the registered provider.
// Returns ErrUnknownProvider if the key is not registered.
func New(key string) (Fragment, error) {
	factory, err := Lookup(key)
	if err != nil {
		return nil, err
	}
	return factory(), nil
}

// Lookup returns the registered factory for the given provider key.
// Returns ErrUnknownProvider if the key is not registered.
func Lookup(key string) (Factory, error) {
	factory, ok := providerRegistry[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, key)
	}
	return factory, nil
}

// RegisteredProviders returns all registered provider keys, sorted.
func RegisteredProviders() []string {
	keys := make([]string, 0, len(providerRegistry))
	for k := range providerRegistry {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// IsRegistered returns true if the given provider key has been registered.
func IsRegistered(key string) bool {
	_, ok := providerRegistry[key]
	return ok
}
