// Package controlplane manages fragment instances inside slots: the state
// machine each slot follows, the registry that stores slots, and the manager
// that drives activation, deactivation, and retry.
package controlplane

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/tessera/internal/federation/events"
	"github.com/zjrosen/tessera/internal/federation/fragment"
	"github.com/zjrosen/tessera/internal/federation/sharedscope"
)

// InstanceID uniquely identifies one fragment instance.
type InstanceID string

// NewInstanceID generates a new unique instance ID.
func NewInstanceID() InstanceID {
	return InstanceID(uuid.New().String())
}

// String returns the string representation of the InstanceID.
func (id InstanceID) String() string {
	return string(id)
}

// IsValid checks if the InstanceID is a valid UUID.
func (id InstanceID) IsValid() bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}

// SlotState represents the lifecycle state of a slot.
//
// State transitions:
//
//	empty ──▶ loading ──▶ mounted ──▶ unmounted ──▶ empty
//	             │            │
//	             ▼            ▼
//	           failed ◀── (render failure)
//	             │
//	             ▼
//	           empty
//
// Loading can also go straight to unmounted when the slot is deactivated
// before its load completes. Failed and unmounted both recycle to empty on
// the next activation, so no state is terminal.
type SlotState string

const (
	// SlotEmpty is the initial state. Nothing is assigned or in flight.
	SlotEmpty SlotState = "empty"

	// SlotLoading means an activation is in flight: the remote entry is
	// being fetched or the fragment is bootstrapping and mounting.
	SlotLoading SlotState = "loading"

	// SlotMounted means a fragment instance is live in the slot.
	SlotMounted SlotState = "mounted"

	// SlotFailed means the last activation or the mounted instance failed.
	// The slot holds the error until the next activation or retry.
	SlotFailed SlotState = "failed"

	// SlotUnmounted means the instance was deactivated cleanly.
	SlotUnmounted SlotState = "unmounted"
)

// validTransitions defines the legal state transitions for slots.
var validTransitions = map[SlotState]map[SlotState]bool{
	SlotEmpty: {
		SlotLoading: true,
	},
	SlotLoading: {
		SlotMounted:   true,
		SlotFailed:    true,
		SlotUnmounted: true, // deactivated before the load finished
	},
	SlotMounted: {
		SlotFailed:    true, // render or unmount failure
		SlotUnmounted: true,
	},
	SlotFailed: {
		SlotEmpty: true, // recycled by the next activation
	},
	SlotUnmounted: {
		SlotEmpty: true, // recycled by the next activation
	},
}

// String returns the string representation of the state.
func (s SlotState) String() string {
	return string(s)
}

// IsValid checks if the state is a known slot state.
func (s SlotState) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransitionTo checks if a transition to the target state is allowed.
func (s SlotState) CanTransitionTo(target SlotState) bool {
	targets, ok := validTransitions[s]
	if !ok {
		return false
	}
	return targets[target]
}

// ValidTargets returns the states reachable from this state.
func (s SlotState) ValidTargets() []SlotState {
	targets := validTransitions[s]
	result := make([]SlotState, 0, len(targets))
	for target := range targets {
		result = append(result, target)
	}
	return result
}

// IsSettled reports whether no activation is in flight for this state.
// Operations queued on a slot only proceed once it settles.
func (s SlotState) IsSettled() bool {
	return s != SlotLoading
}

// FragmentInstance is one live (or recently live) occupancy of a slot.
// The zero value is not valid; instances are created by the manager during
// activation.
type FragmentInstance struct {
	// ID uniquely identifies this instance. Two activations of the same
	// fragment, even in the same slot, produce distinct IDs.
	ID InstanceID `json:"id"`

	// FragmentID names the fragment this instance was created from.
	FragmentID string `json:"fragmentId"`

	// SlotID names the slot the instance occupies.
	SlotID string `json:"slotId"`

	// Status mirrors the slot state the instance last reached.
	Status SlotState `json:"status"`

	// MountedAt is when the instance finished mounting. Zero until then.
	MountedAt time.Time `json:"mountedAt"`

	// Container receives the instance's rendered content.
	Container *fragment.BufferContainer `json:"-"`

	// handle releases the instance on unmount. Nil until mounted.
	handle fragment.Handle

	// leases are the shared dependencies acquired for this instance.
	// Released when the instance unmounts or fails.
	leases []*sharedscope.Lease
}

// Slot is one mount position: a frame paired with an assigned fragment.
// All mutation happens through the registry so reads stay consistent.
type Slot struct {
	// ID identifies the slot, by convention "frameID/fragmentID".
	ID string `json:"id"`

	// FrameID names the frame this slot belongs to.
	FrameID string `json:"frameId"`

	// FragmentID names the fragment currently assigned to the slot.
	FragmentID string `json:"fragmentId"`

	// State is the current lifecycle state.
	State SlotState `json:"state"`

	// Generation counts activations and supersessions. An in-flight load
	// whose generation no longer matches commits nothing.
	Generation uint64 `json:"generation"`

	// Instance is the current occupancy. Nil while the slot is empty.
	Instance *FragmentInstance `json:"instance,omitempty"`

	// LastError holds the message of the most recent failure.
	LastError string `json:"lastError,omitempty"`

	// LastErrorKind classifies the most recent failure.
	LastErrorKind events.Kind `json:"lastErrorKind,omitempty"`

	// CreatedAt is when the slot was first registered.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is when the slot last changed state.
	UpdatedAt time.Time `json:"updatedAt"`
}

// SlotID builds the canonical slot identifier for a frame and fragment pair.
func SlotID(frameID, fragmentID string) string {
	return frameID + "/" + fragmentID
}

// frameOf extracts the frame component from a slot ID. Returns "" when the
// ID does not follow the frameID/fragmentID convention.
func frameOf(slotID string) string {
	frame, _, ok := strings.Cut(slotID, "/")
	if !ok {
		return ""
	}
	return frame
}

// NewSlot creates an empty slot for a frame and fragment pair.
func NewSlot(frameID, fragmentID string) *Slot {
	now := time.Now()
	return &Slot{
		ID:         SlotID(frameID, fragmentID),
		FrameID:    frameID,
		FragmentID: fragmentID,
		State:      SlotEmpty,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TransitionTo attempts to transition the slot to a new state.
// Returns an error if the transition is not allowed.
func (s *Slot) TransitionTo(target SlotState) error {
	if !s.State.CanTransitionTo(target) {
		return fmt.Errorf("invalid slot transition from %s to %s", s.State, target)
	}

	s.State = target
	s.UpdatedAt = time.Now()

	if s.Instance != nil {
		switch target {
		case SlotMounted, SlotFailed, SlotUnmounted:
			s.Instance.Status = target
		case SlotEmpty:
			// Recycling discards the previous occupancy.
			s.Instance = nil
		}
	}
	if target == SlotEmpty {
		s.LastError = ""
		s.LastErrorKind = events.KindNone
	}

	return nil
}

// InstanceIDString returns the current instance ID, or "" when the slot has
// no occupancy. Convenience for event construction.
func (s *Slot) InstanceIDString() string {
	if s.Instance == nil {
		return ""
	}
	return s.Instance.ID.String()
}

// Content returns the rendered content of the current instance, or "" when
// nothing is mounted.
func (s *Slot) Content() string {
	if s.Instance == nil || s.Instance.Container == nil {
		return ""
	}
	return s.Instance.Container.Content()
}

// snapshot returns a value copy safe to hand outside the registry lock.
// The instance is copied shallowly; handle and leases stay private to the
// manager.
func (s *Slot) snapshot() Slot {
	cp := *s
	if s.Instance != nil {
		inst := *s.Instance
		inst.handle = nil
		inst.leases = nil
		cp.Instance = &inst
	}
	return cp
}
