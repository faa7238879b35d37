package controlplane

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/tessera/internal/federation/events"
)

// === InstanceID Tests ===

func TestNewInstanceID_GeneratesValidUUID(t *testing.T) {
	id := NewInstanceID()

	require.True(t, id.IsValid(), "NewInstanceID should generate a valid UUID")
	require.NotEmpty(t, id.String())
}

func TestInstanceID_IsValid(t *testing.T) {
	tests := []struct {
		name  string
		id    InstanceID
		valid bool
	}{
		{"valid UUID v4", InstanceID("550e8400-e29b-41d4-a716-446655440000"), true},
		{"empty string", InstanceID(""), false},
		{"invalid format", InstanceID("not-a-uuid"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.valid, tt.id.IsValid())
		})
	}
}

// === SlotState Tests ===

func TestSlotState_String(t *testing.T) {
	tests := []struct {
		state    SlotState
		expected string
	}{
		{SlotEmpty, "empty"},
		{SlotLoading, "loading"},
		{SlotMounted, "mounted"},
		{SlotFailed, "failed"},
		{SlotUnmounted, "unmounted"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			require.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestSlotState_IsValid(t *testing.T) {
	tests := []struct {
		state SlotState
		valid bool
	}{
		{SlotEmpty, true},
		{SlotLoading, true},
		{SlotMounted, true},
		{SlotFailed, true},
		{SlotUnmounted, true},
		{SlotState("invalid"), false},
		{SlotState(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			require.Equal(t, tt.valid, tt.state.IsValid())
		})
	}
}

func TestSlotState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    SlotState
		to      SlotState
		allowed bool
	}{
		{"empty to loading", SlotEmpty, SlotLoading, true},
		{"empty to mounted", SlotEmpty, SlotMounted, false},
		{"loading to mounted", SlotLoading, SlotMounted, true},
		{"loading to failed", SlotLoading, SlotFailed, true},
		{"loading to unmounted", SlotLoading, SlotUnmounted, true},
		{"loading to empty", SlotLoading, SlotEmpty, false},
		{"mounted to failed", SlotMounted, SlotFailed, true},
		{"mounted to unmounted", SlotMounted, SlotUnmounted, true},
		{"mounted to loading", SlotMounted, SlotLoading, false},
		{"mounted to empty", SlotMounted, SlotEmpty, false},
		{"failed to empty", SlotFailed, SlotEmpty, true},
		{"failed to loading", SlotFailed, SlotLoading, false},
		{"failed to mounted", SlotFailed, SlotMounted, false},
		{"unmounted to empty", SlotUnmounted, SlotEmpty, true},
		{"unmounted to loading", SlotUnmounted, SlotLoading, false},
		{"unknown state", SlotState("bogus"), SlotEmpty, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestSlotState_NoStateIsStuck(t *testing.T) {
	// Every state has at least one outgoing transition, so any slot can
	// always be recycled by a later activation.
	for state := range validTransitions {
		require.NotEmpty(t, state.ValidTargets(), "state %s has no outgoing transitions", state)
	}
}

func TestSlotState_IsSettled(t *testing.T) {
	require.True(t, SlotEmpty.IsSettled())
	require.True(t, SlotMounted.IsSettled())
	require.True(t, SlotFailed.IsSettled())
	require.True(t, SlotUnmounted.IsSettled())
	require.False(t, SlotLoading.IsSettled())
}

// === Slot Tests ===

func TestSlotID_JoinsFrameAndFragment(t *testing.T) {
	require.Equal(t, "jobs/job-management", SlotID("jobs", "job-management"))
	require.Equal(t, "jobs", frameOf("jobs/job-management"))
	require.Equal(t, "", frameOf("no-separator"))
}

func TestNewSlot_StartsEmpty(t *testing.T) {
	slot := NewSlot("home", "catalog")

	require.Equal(t, "home/catalog", slot.ID)
	require.Equal(t, "home", slot.FrameID)
	require.Equal(t, "catalog", slot.FragmentID)
	require.Equal(t, SlotEmpty, slot.State)
	require.Zero(t, slot.Generation)
	require.Nil(t, slot.Instance)
	require.False(t, slot.CreatedAt.IsZero())
}

func TestSlot_TransitionTo_RejectsInvalidTransition(t *testing.T) {
	slot := NewSlot("home", "catalog")

	err := slot.TransitionTo(SlotMounted)

	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid slot transition from empty to mounted")
	require.Equal(t, SlotEmpty, slot.State, "state should not change on invalid transition")
}

func TestSlot_TransitionTo_MirrorsInstanceStatus(t *testing.T) {
	slot := NewSlot("home", "catalog")
	require.NoError(t, slot.TransitionTo(SlotLoading))
	slot.Instance = &FragmentInstance{ID: NewInstanceID(), FragmentID: "catalog", SlotID: slot.ID, Status: SlotLoading}

	require.NoError(t, slot.TransitionTo(SlotMounted))
	require.Equal(t, SlotMounted, slot.Instance.Status)

	require.NoError(t, slot.TransitionTo(SlotUnmounted))
	require.Equal(t, SlotUnmounted, slot.Instance.Status)
}

func TestSlot_TransitionTo_RecyclingClearsOccupancyAndError(t *testing.T) {
	slot := NewSlot("home", "catalog")
	require.NoError(t, slot.TransitionTo(SlotLoading))
	slot.Instance = &FragmentInstance{ID: NewInstanceID(), Status: SlotLoading}
	require.NoError(t, slot.TransitionTo(SlotFailed))
	slot.LastError = "remote entry fetch blew up"
	slot.LastErrorKind = events.KindRemoteLoadNetworkError

	require.NoError(t, slot.TransitionTo(SlotEmpty))

	require.Nil(t, slot.Instance)
	require.Empty(t, slot.LastError)
	require.Equal(t, events.KindNone, slot.LastErrorKind)
}

func TestSlot_Snapshot_StripsRuntimeHandles(t *testing.T) {
	slot := NewSlot("home", "catalog")
	require.NoError(t, slot.TransitionTo(SlotLoading))
	slot.Instance = &FragmentInstance{ID: NewInstanceID(), Status: SlotLoading}

	snap := slot.snapshot()
	snap.State = SlotFailed
	snap.Instance.Status = SlotFailed

	// The copy is fully detached from the stored slot.
	require.Equal(t, SlotLoading, slot.State)
	require.Equal(t, SlotLoading, slot.Instance.Status)
}
