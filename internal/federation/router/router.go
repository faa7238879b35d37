// Package router maps the user-facing navigation model onto slot
// operations. The router owns the ordered frame list and the active frame;
// switching frames deactivates the outgoing frame's slots and claims the
// incoming frame's slots, leaving mounts to complete in the background.
package router

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/zjrosen/tessera/internal/federation/controlplane"
	"github.com/zjrosen/tessera/internal/federation/descriptor"
	"github.com/zjrosen/tessera/internal/federation/events"
	"github.com/zjrosen/tessera/internal/log"
	"github.com/zjrosen/tessera/internal/pubsub"
)

// ErrUnknownFrame is returned when navigating to a frame that is not part
// of the configuration.
var ErrUnknownFrame = fmt.Errorf("unknown frame")

// Router drives the fragment instance manager for whole frames. It is
// immutable after construction; a configuration change builds a new router
// for the new session epoch.
type Router struct {
	manager controlplane.Manager
	broker  *events.Broker

	mu     sync.RWMutex
	frames []descriptor.Frame
	byID   map[string]descriptor.Frame
	active string
}

// New creates a Router over the given frames, sorted into display order.
// Navigation events publish to the manager's broker.
func New(frames []descriptor.Frame, manager controlplane.Manager) (*Router, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager is required")
	}

	ordered := slices.Clone(frames)
	descriptor.SortFrames(ordered)

	byID := make(map[string]descriptor.Frame, len(ordered))
	for _, f := range ordered {
		if _, exists := byID[f.ID]; exists {
			return nil, fmt.Errorf("duplicate frame id %s", f.ID)
		}
		byID[f.ID] = f
	}

	return &Router{
		manager: manager,
		broker:  manager.Broker(),
		frames:  ordered,
		byID:    byID,
	}, nil
}

// Start activates the first frame in display order. A configuration with no
// frames starts with no active frame.
func (r *Router) Start(ctx context.Context) error {
	r.mu.RLock()
	var first string
	if len(r.frames) > 0 {
		first = r.frames[0].ID
	}
	r.mu.RUnlock()

	if first == "" {
		log.Debug(log.CatRouter, "No frames configured; nothing to activate")
		return nil
	}
	return r.Navigate(ctx, first)
}

// Navigate switches the active frame. The switch itself is synchronous:
// outgoing slots are deactivated and incoming slots are claimed before this
// returns, so a later navigation always supersedes the mounts this one left
// in flight. Mount completion is asynchronous.
//
// Navigating to the already-active frame is a no-op.
func (r *Router) Navigate(ctx context.Context, frameID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	frame, ok := r.byID[frameID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFrame, frameID)
	}
	if frameID == r.active {
		return nil
	}

	from := r.active
	if prev, ok := r.byID[from]; ok {
		for _, fragID := range prev.AssignedFragmentIDs {
			slotID := controlplane.SlotID(from, fragID)
			if err := r.manager.Deactivate(ctx, slotID); err != nil {
				// Contained by the boundary; the slot still came down.
				log.Warn(log.CatRouter, "Deactivating outgoing slot failed",
					"slotID", slotID, "error", err)
			}
		}
	}

	r.active = frameID
	r.broker.Publish(pubsub.CreatedEvent, events.Navigation(from, frameID))
	log.Info(log.CatRouter, "Navigated",
		"from", from, "to", frameID, "slots", len(frame.AssignedFragmentIDs))

	for _, fragID := range frame.AssignedFragmentIDs {
		slotID := controlplane.SlotID(frameID, fragID)
		if err := r.manager.ActivateAsync(ctx, slotID, fragID); err != nil {
			log.Warn(log.CatRouter, "Claiming incoming slot failed",
				"slotID", slotID, "error", err)
		}
	}

	return nil
}

// ActiveFrame returns the id of the active frame, or "" before Start.
func (r *Router) ActiveFrame() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Frames returns the frames in display order.
func (r *Router) Frames() []descriptor.Frame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.frames)
}

// Frame returns a frame by id.
func (r *Router) Frame(id string) (descriptor.Frame, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byID[id]
	return f, ok
}

// SlotIDs returns the slot ids for a frame's assigned fragments, in
// assignment order.
func (r *Router) SlotIDs(frameID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	frame, ok := r.byID[frameID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(frame.AssignedFragmentIDs))
	for _, fragID := range frame.AssignedFragmentIDs {
		ids = append(ids, controlplane.SlotID(frameID, fragID))
	}
	return ids
}
