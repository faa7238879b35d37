package controlplane

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// === Put Tests ===

func TestRegistry_Put_StoresSlot(t *testing.T) {
	r := NewInMemoryRegistry()

	require.NoError(t, r.Put(NewSlot("home", "catalog")))

	snap, ok := r.Snapshot("home/catalog")
	require.True(t, ok)
	require.Equal(t, SlotEmpty, snap.State)
}

func TestRegistry_Put_RejectsDuplicateID(t *testing.T) {
	r := NewInMemoryRegistry()
	require.NoError(t, r.Put(NewSlot("home", "catalog")))

	err := r.Put(NewSlot("home", "catalog"))

	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")
}

func TestRegistry_Put_RejectsNilAndEmptyID(t *testing.T) {
	r := NewInMemoryRegistry()

	require.Error(t, r.Put(nil))
	require.Error(t, r.Put(&Slot{}))
}

// === Update Tests ===

func TestRegistry_Update_ModifiesStoredSlot(t *testing.T) {
	r := NewInMemoryRegistry()
	require.NoError(t, r.Put(NewSlot("home", "catalog")))

	err := r.Update("home/catalog", func(s *Slot) {
		s.Generation = 7
		require.NoError(t, s.TransitionTo(SlotLoading))
	})
	require.NoError(t, err)

	snap, ok := r.Snapshot("home/catalog")
	require.True(t, ok)
	require.Equal(t, uint64(7), snap.Generation)
	require.Equal(t, SlotLoading, snap.State)
}

func TestRegistry_Update_UnknownSlot(t *testing.T) {
	r := NewInMemoryRegistry()

	err := r.Update("home/ghost", func(s *Slot) {})

	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestRegistry_Update_NilFunction(t *testing.T) {
	r := NewInMemoryRegistry()
	require.NoError(t, r.Put(NewSlot("home", "catalog")))

	require.Error(t, r.Update("home/catalog", nil))
}

// === Snapshot Tests ===

func TestRegistry_Snapshot_UnknownSlot(t *testing.T) {
	r := NewInMemoryRegistry()

	_, ok := r.Snapshot("home/ghost")

	require.False(t, ok)
}

func TestRegistry_Snapshot_IsDetachedCopy(t *testing.T) {
	r := NewInMemoryRegistry()
	require.NoError(t, r.Put(NewSlot("home", "catalog")))

	snap, ok := r.Snapshot("home/catalog")
	require.True(t, ok)
	snap.State = SlotFailed

	stored, ok := r.Snapshot("home/catalog")
	require.True(t, ok)
	require.Equal(t, SlotEmpty, stored.State)
}

// === List Tests ===

func seedRegistry(t *testing.T) Registry {
	t.Helper()
	r := NewInMemoryRegistry()
	for _, pair := range [][2]string{
		{"home", "catalog"},
		{"home", "billing"},
		{"jobs", "job-management"},
	} {
		require.NoError(t, r.Put(NewSlot(pair[0], pair[1])))
	}
	require.NoError(t, r.Update("jobs/job-management", func(s *Slot) {
		require.NoError(t, s.TransitionTo(SlotLoading))
	}))
	return r
}

func TestRegistry_List_SortedByID(t *testing.T) {
	r := seedRegistry(t)

	slots := r.List(ListQuery{})

	require.Len(t, slots, 3)
	require.Equal(t, "home/billing", slots[0].ID)
	require.Equal(t, "home/catalog", slots[1].ID)
	require.Equal(t, "jobs/job-management", slots[2].ID)
}

func TestRegistry_List_FiltersByFrame(t *testing.T) {
	r := seedRegistry(t)

	slots := r.List(ListQuery{FrameID: "home"})

	require.Len(t, slots, 2)
	for _, s := range slots {
		require.Equal(t, "home", s.FrameID)
	}
}

func TestRegistry_List_FiltersByState(t *testing.T) {
	r := seedRegistry(t)

	slots := r.List(ListQuery{States: []SlotState{SlotLoading}})

	require.Len(t, slots, 1)
	require.Equal(t, "jobs/job-management", slots[0].ID)
}

func TestRegistry_List_FiltersByFragment(t *testing.T) {
	r := seedRegistry(t)

	slots := r.List(ListQuery{FragmentID: "billing"})

	require.Len(t, slots, 1)
	require.Equal(t, "home/billing", slots[0].ID)
}

// === Remove and Count Tests ===

func TestRegistry_Remove(t *testing.T) {
	r := seedRegistry(t)

	require.NoError(t, r.Remove("home/catalog"))
	_, ok := r.Snapshot("home/catalog")
	require.False(t, ok)

	require.Error(t, r.Remove("home/catalog"))
}

func TestRegistry_Count_GroupsByState(t *testing.T) {
	r := seedRegistry(t)

	counts := r.Count()

	require.Equal(t, 2, counts[SlotEmpty])
	require.Equal(t, 1, counts[SlotLoading])
}

// === Concurrency Tests ===

func TestRegistry_ConcurrentUpdatesAndReads(t *testing.T) {
	r := NewInMemoryRegistry()
	for i := range 10 {
		require.NoError(t, r.Put(NewSlot("home", fmt.Sprintf("frag-%d", i))))
	}

	var wg sync.WaitGroup
	for i := range 10 {
		id := fmt.Sprintf("home/frag-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = r.Update(id, func(s *Slot) {
					s.Generation++
				})
			}
		}()
		go func() {
			defer wg.Done()
			for range 100 {
				r.Snapshot(id)
				r.List(ListQuery{FrameID: "home"})
				r.Count()
			}
		}()
	}
	wg.Wait()

	for i := range 10 {
		snap, ok := r.Snapshot(fmt.Sprintf("home/frag-%d", i))
		require.True(t, ok)
		require.Equal(t, uint64(100), snap.Generation)
	}
}
