package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// slotEvent stands in for the shell's lifecycle payloads.
type slotEvent struct {
	SlotID string
	State  string
}

func recv[T any](t *testing.T, ch <-chan Event[T]) Event[T] {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed while waiting for event")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event[T]{}
	}
}

// === Delivery ===

func TestBroker_DeliversToSubscriber(t *testing.T) {
	broker := NewBroker[slotEvent]()
	defer broker.Close()

	ch := broker.Subscribe(context.Background())
	broker.Publish(CreatedEvent, slotEvent{SlotID: "home/welcome", State: "mounted"})

	ev := recv(t, ch)
	require.Equal(t, CreatedEvent, ev.Type)
	require.Equal(t, "home/welcome", ev.Payload.SlotID)
	require.Equal(t, "mounted", ev.Payload.State)
	require.False(t, ev.Timestamp.IsZero(), "broker should stamp publish time")
}

func TestBroker_FansOutToEverySubscriber(t *testing.T) {
	broker := NewBroker[slotEvent]()
	defer broker.Close()

	chs := []<-chan Event[slotEvent]{
		broker.Subscribe(context.Background()),
		broker.Subscribe(context.Background()),
		broker.Subscribe(context.Background()),
	}
	require.Equal(t, 3, broker.SubscriberCount())

	broker.Publish(UpdatedEvent, slotEvent{SlotID: "jobs/job-management", State: "loading"})

	for _, ch := range chs {
		ev := recv(t, ch)
		require.Equal(t, "jobs/job-management", ev.Payload.SlotID)
	}
}

func TestBroker_ConcurrentPublishers(t *testing.T) {
	broker := NewBrokerWithBuffer[slotEvent](256)
	defer broker.Close()

	ch := broker.Subscribe(context.Background())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 16 {
				broker.Publish(UpdatedEvent, slotEvent{SlotID: "home/welcome"})
			}
		}()
	}
	wg.Wait()

	for range 8 * 16 {
		recv(t, ch)
	}
	require.Equal(t, int64(0), broker.Dropped())
}

// === Backpressure ===

func TestBroker_FullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	broker := NewBrokerWithBuffer[slotEvent](1)
	defer broker.Close()

	ch := broker.Subscribe(context.Background())

	broker.Publish(UpdatedEvent, slotEvent{SlotID: "first"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		broker.Publish(UpdatedEvent, slotEvent{SlotID: "second"})
		broker.Publish(UpdatedEvent, slotEvent{SlotID: "third"})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	require.Equal(t, "first", recv(t, ch).Payload.SlotID, "only the buffered event survives")
	require.Equal(t, int64(2), broker.Dropped())
}

// === Subscription lifecycle ===

func TestBroker_SubscriptionEndsWithContext(t *testing.T) {
	broker := NewBroker[slotEvent]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := broker.Subscribe(ctx)
	require.Equal(t, 1, broker.SubscriberCount())

	cancel()

	require.Eventually(t, func() bool {
		return broker.SubscriberCount() == 0
	}, time.Second, 5*time.Millisecond)

	_, ok := <-ch
	require.False(t, ok, "channel should close when the context ends")
}

func TestBroker_CloseShutsDownSubscribers(t *testing.T) {
	broker := NewBroker[slotEvent]()

	ch1 := broker.Subscribe(context.Background())
	ch2 := broker.Subscribe(context.Background())

	broker.Close()

	_, ok := <-ch1
	require.False(t, ok)
	_, ok = <-ch2
	require.False(t, ok)
	require.Equal(t, 0, broker.SubscriberCount())
}

func TestBroker_SubscribeAfterCloseYieldsClosedChannel(t *testing.T) {
	broker := NewBroker[slotEvent]()
	broker.Close()

	ch := broker.Subscribe(context.Background())
	_, ok := <-ch
	require.False(t, ok, "subscription on a closed broker closes immediately")

	broker.Publish(UpdatedEvent, slotEvent{SlotID: "late"}) // must not panic
}

func TestBroker_CloseIsIdempotent(t *testing.T) {
	broker := NewBroker[slotEvent]()
	ch := broker.Subscribe(context.Background())

	broker.Close()
	broker.Close()

	_, ok := <-ch
	require.False(t, ok)
}
