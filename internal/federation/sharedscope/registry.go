package sharedscope

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/zjrosen/tessera/internal/log"
)

// Registry is the shared dependency scope for one shell session. It is
// constructed per session and passed explicitly to whoever needs it; there
// is no process-wide ambient scope.
type Registry interface {
	// Provide registers a library. Fails with ErrAlreadyProvided on a
	// duplicate name and rejects unparseable versions.
	Provide(dep Dependency) error

	// Acquire requests a library under a semver constraint such as
	// "^18.0.0". A compatible slot yields a lease on the (possibly just
	// created) instance; an incompatible constraint fails with ErrConflict
	// and an unregistered name with ErrUnknownDependency.
	Acquire(name, constraint string) (*Lease, error)

	// Release hands a lease back. For singleton libraries the instance
	// stays alive for the session; for non-singletons the instance is
	// dropped when its last lease is released. Safe to call twice.
	Release(lease *Lease)

	// Snapshot returns all slots sorted by library name.
	Snapshot() []SlotStatus
}

type slot struct {
	dep       Dependency
	version   *semver.Version
	instance  any
	live      bool
	consumers int
}

type registry struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewRegistry creates an empty shared dependency registry.
func NewRegistry() Registry {
	return &registry{slots: make(map[string]*slot)}
}

// NewRegistryWith creates a registry pre-populated with deps. Any Provide
// failure aborts; a session must not start with a partial scope.
func NewRegistryWith(deps ...Dependency) (Registry, error) {
	r := NewRegistry()
	for _, dep := range deps {
		if err := r.Provide(dep); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *registry) Provide(dep Dependency) error {
	if strings.TrimSpace(dep.Name) == "" {
		return fmt.Errorf("shared dependency name is required")
	}
	if dep.Factory == nil {
		return fmt.Errorf("shared dependency %s: factory is required", dep.Name)
	}
	v, err := semver.NewVersion(dep.Version)
	if err != nil {
		return fmt.Errorf("shared dependency %s: invalid version %q: %w", dep.Name, dep.Version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slots[dep.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyProvided, dep.Name)
	}
	r.slots[dep.Name] = &slot{dep: dep, version: v}

	log.Debug(log.CatScope, "shared dependency provided",
		"library", dep.Name, "version", dep.Version, "singleton", dep.Singleton)
	return nil
}

func (r *registry) Acquire(name, constraint string) (*Lease, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("shared dependency %s: invalid constraint %q: %w", name, constraint, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDependency, name)
	}

	if !c.Check(s.version) {
		// Refuse rather than double-instantiate a conflicting copy.
		return nil, fmt.Errorf("%w: %s@%s does not satisfy %q",
			ErrConflict, name, s.dep.Version, constraint)
	}

	if !s.live {
		instance, err := s.dep.Factory()
		if err != nil {
			return nil, fmt.Errorf("initializing shared dependency %s: %w", name, err)
		}
		s.instance = instance
		s.live = true
		log.Debug(log.CatScope, "shared dependency instantiated",
			"library", name, "version", s.dep.Version)
	}

	s.consumers++
	return &Lease{Library: name, Version: s.dep.Version, Instance: s.instance}, nil
}

func (r *registry) Release(lease *Lease) {
	if lease == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if lease.released {
		return
	}
	lease.released = true

	s, ok := r.slots[lease.Library]
	if !ok {
		return
	}
	if s.consumers > 0 {
		s.consumers--
	}

	// Singletons live for the session regardless of consumer count.
	if s.dep.Singleton || s.consumers > 0 || !s.live {
		return
	}

	if closer, ok := s.instance.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Warn(log.CatScope, "shared dependency close failed",
				"library", lease.Library, "error", err)
		}
	}
	s.instance = nil
	s.live = false
	log.Debug(log.CatScope, "shared dependency released", "library", lease.Library)
}

func (r *registry) Snapshot() []SlotStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SlotStatus, 0, len(r.slots))
	for name, s := range r.slots {
		out = append(out, SlotStatus{
			Library:      name,
			Version:      s.dep.Version,
			Singleton:    s.dep.Singleton,
			Instantiated: s.live,
			Consumers:    s.consumers,
		})
	}
	slices.SortFunc(out, func(a, b SlotStatus) int {
		return strings.Compare(a.Library, b.Library)
	})
	return out
}
