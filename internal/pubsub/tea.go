package pubsub

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
)

// Listener bridges a broker subscription into the Bubble Tea update loop.
// Each Wait command resolves to the next event as a tea.Msg; re-issue Wait
// from Update after handling an event to keep the stream flowing.
type Listener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewListener subscribes to the broker. The subscription ends when ctx is
// cancelled.
func NewListener[T any](ctx context.Context, broker *Broker[T]) *Listener[T] {
	return &Listener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Wait returns a tea.Cmd that blocks until the next event arrives.
// Resolves to nil once the context is cancelled or the broker closes,
// which ends the listen loop.
func (l *Listener[T]) Wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-l.ctx.Done():
			return nil
		case event, ok := <-l.ch:
			if !ok {
				return nil
			}
			return event
		}
	}
}
