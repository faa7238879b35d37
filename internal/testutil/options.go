package testutil

import (
	"github.com/zjrosen/tessera/internal/federation/descriptor"
)

// === Frame Options ===

// frameData holds all data for a frame being assembled.
type frameData struct {
	id       string
	name     string
	order    int
	assigned []string
}

// defaultFrame returns a frameData with sensible defaults.
func defaultFrame(id string, order int) frameData {
	return frameData{
		id:    id,
		name:  titleize(id),
		order: order,
	}
}

// FrameOption configures a frame during builder setup.
type FrameOption func(*frameData)

// Named sets the frame display name.
func Named(name string) FrameOption {
	return func(f *frameData) { f.name = name }
}

// AtOrder overrides the frame display order.
func AtOrder(order int) FrameOption {
	return func(f *frameData) { f.order = order }
}

// Assigned assigns fragment ids to the frame (nested option).
func Assigned(fragmentIDs ...string) FrameOption {
	return func(f *frameData) { f.assigned = append(f.assigned, fragmentIDs...) }
}

// === Fragment Options ===

// fragmentData holds all data for a fragment descriptor being assembled.
type fragmentData struct {
	id    string
	name  string
	kind  descriptor.Kind
	url   string
	entry string
}

// defaultFragment returns a fragmentData with sensible defaults. Builtin kind
// so tests can back fragments with registered providers.
func defaultFragment(id string) fragmentData {
	return fragmentData{
		id:    id,
		name:  titleize(id),
		kind:  descriptor.KindBuiltin,
		entry: "./mount",
	}
}

func (f fragmentData) toDescriptor() descriptor.FragmentDescriptor {
	return descriptor.FragmentDescriptor{
		ID:                f.id,
		Name:              f.name,
		Kind:              f.kind,
		URL:               f.url,
		ExposedEntryPoint: f.entry,
	}
}

// FragmentOption configures a fragment during builder setup.
type FragmentOption func(*fragmentData)

// FragmentNamed sets the fragment display name.
func FragmentNamed(name string) FragmentOption {
	return func(f *fragmentData) { f.name = name }
}

// Remote marks the fragment as a remote module served from url.
func Remote(url string) FragmentOption {
	return func(f *fragmentData) {
		f.kind = descriptor.KindRemoteModule
		f.url = url
	}
}

// EntryPoint sets the exposed entry point.
func EntryPoint(entry string) FragmentOption {
	return func(f *fragmentData) { f.entry = entry }
}

// titleize turns "job-management" into "Job Management" for default names.
func titleize(id string) string {
	out := make([]byte, 0, len(id))
	upper := true
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c == '-' || c == '_' {
			out = append(out, ' ')
			upper = true
			continue
		}
		if upper && c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper = false
		out = append(out, c)
	}
	return string(out)
}
