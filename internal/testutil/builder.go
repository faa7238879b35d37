// Package testutil provides builders for shell configurations and a
// migrated temp-dir database, for tests across packages.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/tessera/internal/federation/descriptor"
)

// Builder accumulates frames, fragments, and endpoints and assembles them
// into a valid ShellConfiguration.
type Builder struct {
	t         *testing.T
	frames    []frameData
	fragments []fragmentData
	endpoints map[string]string
}

// NewBuilder creates a configuration builder.
func NewBuilder(t *testing.T) *Builder {
	t.Helper()
	return &Builder{t: t, endpoints: map[string]string{
		descriptor.CanonicalBackendKey: "http://localhost:3001",
	}}
}

// WithFrame adds a frame with optional configuration. Frames default to
// display order in the sequence they are added.
func (b *Builder) WithFrame(id string, opts ...FrameOption) *Builder {
	frame := defaultFrame(id, len(b.frames)+1)
	for _, opt := range opts {
		opt(&frame)
	}
	b.frames = append(b.frames, frame)
	return b
}

// WithFragment adds a fragment descriptor with optional configuration.
// Fragments default to builtin kind so tests can back them with registered
// providers.
func (b *Builder) WithFragment(id string, opts ...FragmentOption) *Builder {
	frag := defaultFragment(id)
	for _, opt := range opts {
		opt(&frag)
	}
	b.fragments = append(b.fragments, frag)
	return b
}

// WithEndpoint sets a service endpoint.
func (b *Builder) WithEndpoint(key, url string) *Builder {
	b.endpoints[key] = url
	return b
}

// Build assembles the configuration. Fragments assigned to frames but never
// added explicitly are filled in as builtins; the result must validate.
func (b *Builder) Build() descriptor.ShellConfiguration {
	b.t.Helper()

	cfg := descriptor.ShellConfiguration{
		AvailableFragments: make(map[string]descriptor.FragmentDescriptor, len(b.fragments)),
		ServiceEndpoints:   make(map[string]string, len(b.endpoints)),
	}
	for k, v := range b.endpoints {
		cfg.ServiceEndpoints[k] = v
	}

	for _, frag := range b.fragments {
		cfg.AvailableFragments[frag.id] = frag.toDescriptor()
	}

	for _, frame := range b.frames {
		cfg.Frames = append(cfg.Frames, descriptor.Frame{
			ID:                  frame.id,
			Name:                frame.name,
			Order:               frame.order,
			AssignedFragmentIDs: frame.assigned,
		})
		for _, fragID := range frame.assigned {
			if _, ok := cfg.AvailableFragments[fragID]; !ok {
				cfg.AvailableFragments[fragID] = defaultFragment(fragID).toDescriptor()
			}
		}
	}

	require.NoError(b.t, cfg.Validate(), "built configuration should validate")
	return cfg
}
