// Package events defines the typed lifecycle events the shell emits: slot
// transitions, navigation, reconfiguration. Events flow through a generic
// pubsub broker to the SSE stream and the dashboard.
package events

import (
	"errors"

	"github.com/zjrosen/tessera/internal/federation/boundary"
	"github.com/zjrosen/tessera/internal/federation/descriptor"
	"github.com/zjrosen/tessera/internal/federation/fragment"
	"github.com/zjrosen/tessera/internal/federation/loader"
	"github.com/zjrosen/tessera/internal/federation/sharedscope"
	"github.com/zjrosen/tessera/internal/pubsub"
)

// Type discriminates lifecycle events.
type Type string

const (
	// TypeSlotTransition marks a slot state change.
	TypeSlotTransition Type = "slot-transition"
	// TypeNavigation marks an active-frame change.
	TypeNavigation Type = "navigation"
	// TypeReconfigured marks a configuration epoch swap.
	TypeReconfigured Type = "reconfigured"
)

// Kind names an error from the failure taxonomy, for events and the API.
type Kind string

const (
	KindNone                     Kind = ""
	KindUnknownFragment          Kind = "UnknownFragment"
	KindDuplicateFragmentID      Kind = "DuplicateFragmentId"
	KindSharedDependencyConflict Kind = "SharedDependencyConflict"
	KindRemoteLoadTimeout        Kind = "RemoteLoadTimeout"
	KindRemoteLoadNetworkError   Kind = "RemoteLoadNetworkError"
	KindRemoteEntryPointMissing  Kind = "RemoteEntryPointMissing"
	KindFragmentBootstrapFailed  Kind = "FragmentBootstrapFailed"
	KindFragmentRenderFailure    Kind = "FragmentRenderFailure"
	KindInternal                 Kind = "InternalError"
)

// Classify maps an error chain onto its taxonomy kind. Unrecognized errors
// classify as KindInternal.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, descriptor.ErrDuplicateFragmentID):
		return KindDuplicateFragmentID
	case errors.Is(err, descriptor.ErrUnknownFragment):
		return KindUnknownFragment
	case errors.Is(err, sharedscope.ErrConflict):
		return KindSharedDependencyConflict
	case errors.Is(err, loader.ErrTimeout):
		return KindRemoteLoadTimeout
	case errors.Is(err, loader.ErrNetwork):
		return KindRemoteLoadNetworkError
	case errors.Is(err, loader.ErrEntryPointMissing):
		return KindRemoteEntryPointMissing
	case errors.Is(err, fragment.ErrBootstrapFailed):
		return KindFragmentBootstrapFailed
	case errors.Is(err, boundary.ErrRenderFailure):
		return KindFragmentRenderFailure
	default:
		return KindInternal
	}
}

// Event is one lifecycle occurrence. The broker wrapper supplies the
// timestamp.
type Event struct {
	Type       Type   `json:"type"`
	FrameID    string `json:"frameId,omitempty"`
	SlotID     string `json:"slotId,omitempty"`
	FragmentID string `json:"fragmentId,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	ErrorKind  Kind   `json:"errorKind,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Broker carries lifecycle events to subscribers.
type Broker = pubsub.Broker[Event]

// NewBroker creates a lifecycle event broker.
func NewBroker() *Broker {
	return pubsub.NewBroker[Event]()
}

// SlotTransition builds a slot state change event. A non-nil err is
// classified and recorded on the event.
func SlotTransition(slotID, fragmentID, instanceID, from, to string, err error) Event {
	e := Event{
		Type:       TypeSlotTransition,
		SlotID:     slotID,
		FragmentID: fragmentID,
		InstanceID: instanceID,
		From:       from,
		To:         to,
	}
	if err != nil {
		e.ErrorKind = Classify(err)
		e.Error = err.Error()
	}
	return e
}

// Navigation builds an active-frame change event.
func Navigation(fromFrame, toFrame string) Event {
	return Event{Type: TypeNavigation, From: fromFrame, To: toFrame, FrameID: toFrame}
}

// Reconfigured builds a configuration epoch swap event.
func Reconfigured(activeFrame string) Event {
	return Event{Type: TypeReconfigured, FrameID: activeFrame}
}
