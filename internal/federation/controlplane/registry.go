package controlplane

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ListQuery filters slots for listing.
type ListQuery struct {
	// FrameID filters by owning frame. If empty, all frames are included.
	FrameID string

	// FragmentID filters by assigned fragment. If empty, all fragments
	// are included.
	FragmentID string

	// States filters by slot state(s). If empty, all states are included.
	States []SlotState
}

// Registry stores and queries slots.
// Implementations must be thread-safe for concurrent access.
type Registry interface {
	// Put stores a slot. Returns an error if a slot with the same ID
	// already exists.
	Put(slot *Slot) error

	// Update atomically modifies a slot. The update function is called
	// while holding an exclusive lock on the slot. Returns an error if
	// the slot is not found.
	Update(id string, fn func(*Slot)) error

	// Snapshot returns a value copy of a slot, safe to read without
	// further locking. Returns false if the slot is not found.
	Snapshot(id string) (Slot, bool)

	// List returns value copies of slots matching the query, sorted by ID.
	List(q ListQuery) []Slot

	// Remove deletes a slot from the registry. Returns an error if the
	// slot is not found.
	Remove(id string) error

	// Count returns the number of slots in each state.
	Count() map[SlotState]int
}

// inMemoryRegistry is a thread-safe in-memory implementation of Registry.
type inMemoryRegistry struct {
	mu    sync.RWMutex
	slots map[string]*Slot
}

// NewInMemoryRegistry creates a new in-memory Registry.
func NewInMemoryRegistry() Registry {
	return &inMemoryRegistry{
		slots: make(map[string]*Slot),
	}
}

// Put stores a slot.
func (r *inMemoryRegistry) Put(slot *Slot) error {
	if slot == nil {
		return fmt.Errorf("slot cannot be nil")
	}
	if slot.ID == "" {
		return fmt.Errorf("slot has empty ID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slots[slot.ID]; exists {
		return fmt.Errorf("slot with ID %s already exists", slot.ID)
	}

	r.slots[slot.ID] = slot
	return nil
}

// Update atomically modifies a slot.
func (r *inMemoryRegistry) Update(id string, fn func(*Slot)) error {
	if fn == nil {
		return fmt.Errorf("update function cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[id]
	if !ok {
		return fmt.Errorf("slot with ID %s not found", id)
	}

	fn(slot)
	return nil
}

// Snapshot returns a value copy of a slot.
func (r *inMemoryRegistry) Snapshot(id string) (Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slot, ok := r.slots[id]
	if !ok {
		return Slot{}, false
	}
	return slot.snapshot(), true
}

// List returns value copies of slots matching the query.
func (r *inMemoryRegistry) List(q ListQuery) []Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Slot
	for _, slot := range r.slots {
		if matchesQuery(slot, &q) {
			results = append(results, slot.snapshot())
		}
	}

	slices.SortFunc(results, func(a, b Slot) int {
		return strings.Compare(a.ID, b.ID)
	})

	return results
}

// Remove deletes a slot from the registry.
func (r *inMemoryRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slots[id]; !ok {
		return fmt.Errorf("slot with ID %s not found", id)
	}

	delete(r.slots, id)
	return nil
}

// Count returns the number of slots in each state.
func (r *inMemoryRegistry) Count() map[SlotState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[SlotState]int)
	for _, slot := range r.slots {
		counts[slot.State]++
	}
	return counts
}

// matchesQuery checks if a slot matches the given query filters.
func matchesQuery(slot *Slot, q *ListQuery) bool {
	if q.FrameID != "" && slot.FrameID != q.FrameID {
		return false
	}
	if q.FragmentID != "" && slot.FragmentID != q.FragmentID {
		return false
	}
	if len(q.States) > 0 && !slices.Contains(q.States, slot.State) {
		return false
	}
	return true
}
