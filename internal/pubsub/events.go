// Package pubsub provides a generic publish/subscribe event system. The
// shell's lifecycle broker and the log stream are both brokers from this
// package with different payload types; subscribers range from the slot
// dashboard to the SSE endpoint to the journal recorder.
package pubsub

import (
	"context"
	"time"
)

// EventType classifies the envelope. Streams whose payload carries its own
// discriminator (slot lifecycle, log entries) publish everything as
// CreatedEvent; Updated and Deleted cover replaceable records such as
// preference profiles.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// Event is a published envelope. Timestamp is stamped by the broker at
// publish time, not by the producer.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events. The channel closes
// when the context ends or the broker shuts down.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
