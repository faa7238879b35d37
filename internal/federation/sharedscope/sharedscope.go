// Package sharedscope manages the libraries a shell session shares across
// fragments. Each library occupies one slot holding a provided version and a
// lazily created instance. Singleton slots hand every compatible consumer
// the same instance for the life of the session; non-singleton slots
// reference-count consumers and drop the instance when the last one
// releases.
package sharedscope

import "errors"

var (
	// ErrConflict is returned when a version constraint cannot be satisfied
	// by the provided library. The registry refuses rather than instantiate
	// a second conflicting copy, which would corrupt shared state.
	ErrConflict = errors.New("shared dependency conflict")

	// ErrUnknownDependency is returned when acquiring a library no provider
	// registered.
	ErrUnknownDependency = errors.New("unknown shared dependency")

	// ErrAlreadyProvided is returned when providing a library name twice.
	ErrAlreadyProvided = errors.New("shared dependency already provided")
)

// InstanceFactory creates the live instance for a shared library. It runs
// at most once per instantiation; for singletons that means at most once
// per session.
type InstanceFactory func() (any, error)

// Dependency declares a library the shell offers to fragments.
type Dependency struct {
	// Name is the logical library name fragments request.
	Name string
	// Version is the concrete provided version, e.g. "18.2.0".
	Version string
	// Singleton pins the instance for the whole session.
	Singleton bool
	// Factory lazily creates the instance on first compatible acquire.
	Factory InstanceFactory
}

// Lease is one consumer's hold on a shared library instance. Consumers keep
// the lease for the lifetime of their use and hand it back to
// Registry.Release when done.
type Lease struct {
	// Library is the logical name the lease was acquired under.
	Library string
	// Version is the provided version backing the lease.
	Version string
	// Instance is the live shared instance.
	Instance any

	released bool
}

// SlotStatus is a read-only view of one library slot, for diagnostics.
type SlotStatus struct {
	Library      string `json:"library"`
	Version      string `json:"version"`
	Singleton    bool   `json:"singleton"`
	Instantiated bool   `json:"instantiated"`
	Consumers    int    `json:"consumers"`
}
