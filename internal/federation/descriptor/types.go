// Package descriptor provides the shell configuration model and the frozen
// store of remote fragment descriptors. The shell fetches its configuration
// once at startup, builds a store from it, and treats both as immutable for
// the rest of the session.
package descriptor

import (
	"fmt"
	"slices"
	"strings"
)

// Kind describes how a fragment's code is materialized.
type Kind string

const (
	// KindRemoteModule marks a fragment loaded over the network from URL.
	KindRemoteModule Kind = "remote-module"
	// KindBuiltin marks a fragment compiled into the host and registered
	// with the provider registry; URL is empty.
	KindBuiltin Kind = "builtin"
)

// CanonicalBackendKey is the canonical service endpoint key for the main
// backend. The legacy top-level mainBackendUrl field is accepted as a
// deprecated alias and normalized onto this key.
const CanonicalBackendKey = "main-backend"

// FragmentDescriptor describes where and how to load a fragment's code.
type FragmentDescriptor struct {
	ID                string `json:"id" yaml:"id"`
	Name              string `json:"name" yaml:"name"`
	Kind              Kind   `json:"kind" yaml:"kind"`
	URL               string `json:"url" yaml:"url"`
	ExposedEntryPoint string `json:"exposedEntryPoint" yaml:"exposedEntryPoint"`
}

// Validate checks that the descriptor is well formed.
func (d FragmentDescriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("fragment id is required")
	}
	if d.ExposedEntryPoint == "" {
		return fmt.Errorf("fragment %s: exposedEntryPoint is required", d.ID)
	}
	switch d.Kind {
	case KindRemoteModule, "":
		if d.URL == "" {
			return fmt.Errorf("fragment %s: url is required for remote-module fragments", d.ID)
		}
	case KindBuiltin:
		// Builtin fragments resolve through the provider registry; no URL.
	default:
		return fmt.Errorf("fragment %s: unknown kind %q", d.ID, d.Kind)
	}
	return nil
}

// EffectiveKind returns the descriptor kind, defaulting to remote-module.
func (d FragmentDescriptor) EffectiveKind() Kind {
	if d.Kind == "" {
		return KindRemoteModule
	}
	return d.Kind
}

// Frame is one user-facing navigation target. A frame hosts the fragments
// assigned to it; a frame with zero assigned fragments is valid and renders
// empty.
type Frame struct {
	ID                  string   `json:"id" yaml:"id"`
	Name                string   `json:"name" yaml:"name"`
	Order               int      `json:"order" yaml:"order"`
	AssignedFragmentIDs []string `json:"assignedFragmentIds" yaml:"assignedFragmentIds"`
}

// Validate checks that the frame is well formed.
func (f Frame) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("frame id is required")
	}
	for i, fragID := range f.AssignedFragmentIDs {
		if strings.TrimSpace(fragID) == "" {
			return fmt.Errorf("frame %s: assigned fragment %d has empty id", f.ID, i)
		}
	}
	return nil
}

// SortFrames orders frames for display: Order ascending, ties broken by ID.
func SortFrames(frames []Frame) {
	slices.SortStableFunc(frames, func(a, b Frame) int {
		if a.Order != b.Order {
			return a.Order - b.Order
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// ShellConfiguration is the resolved configuration for one shell session.
// Created at startup, read-only during normal operation. Preference edits
// produce a new ShellConfiguration for a fresh session epoch rather than
// mutating this one.
type ShellConfiguration struct {
	Frames             []Frame                       `json:"frames" yaml:"frames"`
	AvailableFragments map[string]FragmentDescriptor `json:"availableFragments" yaml:"availableFragments"`
	ServiceEndpoints   map[string]string             `json:"serviceEndpoints" yaml:"serviceEndpoints"`
}

// Validate checks configuration integrity: well-formed frames and
// descriptors, and descriptor map keys matching descriptor IDs.
func (c ShellConfiguration) Validate() error {
	seen := make(map[string]bool, len(c.Frames))
	for _, fr := range c.Frames {
		if err := fr.Validate(); err != nil {
			return err
		}
		if seen[fr.ID] {
			return fmt.Errorf("duplicate frame id %q", fr.ID)
		}
		seen[fr.ID] = true
	}

	for key, d := range c.AvailableFragments {
		if err := d.Validate(); err != nil {
			return err
		}
		if key != d.ID {
			return fmt.Errorf("fragment map key %q does not match descriptor id %q", key, d.ID)
		}
	}

	return nil
}

// OrderedFrames returns a sorted copy of the frames for display.
func (c ShellConfiguration) OrderedFrames() []Frame {
	frames := slices.Clone(c.Frames)
	SortFrames(frames)
	return frames
}

// MainBackendURL returns the canonical main backend endpoint, if set.
func (c ShellConfiguration) MainBackendURL() (string, bool) {
	u, ok := c.ServiceEndpoints[CanonicalBackendKey]
	return u, ok
}

// Clone returns a deep copy, so a new session epoch can be built from an
// edited copy without touching the original.
func (c ShellConfiguration) Clone() ShellConfiguration {
	out := ShellConfiguration{
		Frames:             make([]Frame, len(c.Frames)),
		AvailableFragments: make(map[string]FragmentDescriptor, len(c.AvailableFragments)),
		ServiceEndpoints:   make(map[string]string, len(c.ServiceEndpoints)),
	}
	for i, fr := range c.Frames {
		out.Frames[i] = fr
		out.Frames[i].AssignedFragmentIDs = slices.Clone(fr.AssignedFragmentIDs)
	}
	for k, v := range c.AvailableFragments {
		out.AvailableFragments[k] = v
	}
	for k, v := range c.ServiceEndpoints {
		out.ServiceEndpoints[k] = v
	}
	return out
}
