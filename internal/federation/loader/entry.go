package loader

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/zjrosen/tessera/internal/federation/fragment"
	"github.com/zjrosen/tessera/internal/federation/sharedscope"
)

// SharedRequirement declares a library a remote needs from the share scope.
type SharedRequirement struct {
	Lib             string `json:"lib"`
	RequiredVersion string `json:"requiredVersion"`
	Singleton       bool   `json:"singleton"`
}

// manifest is the remote entry wire format. A remote publishes one at its
// descriptor URL; the loader fetches and materializes it.
type manifest struct {
	Name       string               `json:"name"`
	FragmentID string               `json:"fragmentId"`
	ShareScope string               `json:"shareScope"`
	Shared     []SharedRequirement  `json:"shared"`
	Modules    map[string]moduleRef `json:"modules"`
}

type moduleRef struct {
	Factory string `json:"factory"`
}

// RemoteEntry is a materialized remote: its exposed entry points resolved
// against the provider registry, plus the shared libraries it requires.
// Entries are cached per fragment id and shared by every slot showing the
// fragment; they hold no per-instance state.
type RemoteEntry struct {
	FragmentID string
	Name       string
	ShareScope string
	Shared     []SharedRequirement

	// modules maps entry point to provider key.
	modules map[string]string
}

// Init acquires the entry's shared requirements from the scope. On any
// failure (typically a version conflict) the already-acquired leases are
// released and the error is returned; a fragment never mounts with a
// partially satisfied share scope.
func (e *RemoteEntry) Init(scope sharedscope.Registry) ([]*sharedscope.Lease, error) {
	leases := make([]*sharedscope.Lease, 0, len(e.Shared))
	for _, req := range e.Shared {
		lease, err := scope.Acquire(req.Lib, req.RequiredVersion)
		if err != nil {
			for _, held := range leases {
				scope.Release(held)
			}
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

// Get returns the fragment factory behind an exposed entry point.
// Fails with ErrEntryPointMissing when the entry point is not exposed or
// its factory is not registered.
func (e *RemoteEntry) Get(entryPoint string) (fragment.Factory, error) {
	key, ok := e.modules[entryPoint]
	if !ok {
		return nil, fmt.Errorf("%w: %s does not expose %q", ErrEntryPointMissing, e.FragmentID, entryPoint)
	}
	factory, err := fragment.Lookup(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s exposes %q but its factory %q is not registered",
			ErrEntryPointMissing, e.FragmentID, entryPoint, key)
	}
	return factory, nil
}

// EntryPoints returns the exposed entry points, sorted.
func (e *RemoteEntry) EntryPoints() []string {
	points := make([]string, 0, len(e.modules))
	for p := range e.modules {
		points = append(points, p)
	}
	slices.Sort(points)
	return points
}

// parseManifest decodes and sanity-checks a fetched manifest body.
func parseManifest(fragmentID string, body []byte) (manifest, error) {
	var m manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return manifest{}, fmt.Errorf("%w: %s returned a malformed remote entry: %w", ErrNetwork, fragmentID, err)
	}
	if len(m.Modules) == 0 {
		return manifest{}, fmt.Errorf("%w: %s exposes no modules", ErrEntryPointMissing, fragmentID)
	}
	return m, nil
}
