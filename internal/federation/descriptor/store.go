package descriptor

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrUnknownFragment is returned when resolving an id with no descriptor.
	ErrUnknownFragment = errors.New("unknown fragment")
	// ErrDuplicateFragmentID is returned when registering an id twice.
	ErrDuplicateFragmentID = errors.New("duplicate fragment id")
	// ErrStoreFrozen is returned when registering after startup completed.
	ErrStoreFrozen = errors.New("descriptor store is frozen")
)

// Store holds fragment descriptors keyed by id. Population happens during
// shell startup; Freeze marks the end of startup, after which the store is
// read-only and safe for concurrent resolution without coordination.
type Store interface {
	// Register adds a descriptor. Fails with ErrDuplicateFragmentID if the
	// id is already present and ErrStoreFrozen after Freeze.
	Register(d FragmentDescriptor) error

	// Resolve returns the descriptor for id, or ErrUnknownFragment.
	Resolve(id string) (FragmentDescriptor, error)

	// List returns all descriptors sorted by id.
	List() []FragmentDescriptor

	// Len returns the number of registered descriptors.
	Len() int

	// Freeze ends the population phase. Idempotent.
	Freeze()

	// Frozen reports whether Freeze has been called.
	Frozen() bool
}

type inMemoryStore struct {
	mu          sync.RWMutex
	descriptors map[string]FragmentDescriptor
	frozen      bool
}

// NewStore creates an empty, unfrozen descriptor store.
func NewStore() Store {
	return &inMemoryStore{
		descriptors: make(map[string]FragmentDescriptor),
	}
}

// FromConfiguration builds a frozen store from a validated shell
// configuration. Any registration failure aborts; a shell must not start
// with a partial descriptor set.
func FromConfiguration(cfg ShellConfiguration) (Store, error) {
	s := NewStore()
	for _, d := range cfg.AvailableFragments {
		if err := s.Register(d); err != nil {
			return nil, err
		}
	}
	s.Freeze()
	return s, nil
}

func (s *inMemoryStore) Register(d FragmentDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return fmt.Errorf("%w: cannot register %s", ErrStoreFrozen, d.ID)
	}
	if _, exists := s.descriptors[d.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFragmentID, d.ID)
	}
	s.descriptors[d.ID] = d
	return nil
}

func (s *inMemoryStore) Resolve(id string) (FragmentDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.descriptors[id]
	if !ok {
		return FragmentDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownFragment, id)
	}
	return d, nil
}

func (s *inMemoryStore) List() []FragmentDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]FragmentDescriptor, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		out = append(out, d)
	}
	// Sorted by id for deterministic listings and diffs.
	slices.SortFunc(out, func(a, b FragmentDescriptor) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (s *inMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.descriptors)
}

func (s *inMemoryStore) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}

func (s *inMemoryStore) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}
