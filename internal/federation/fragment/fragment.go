// Package fragment defines the contract between the shell and the UI
// fragments it hosts: the Fragment interface with Mount and an optional
// Bootstrap hook, the mount property bag, and the provider registry through
// which compiled-in fragment implementations register themselves.
package fragment

import (
	"context"
	"errors"
)

// ErrBootstrapFailed is returned when a fragment's pre-mount initialization
// hook reports failure. The mount is aborted; the slot is marked failed.
var ErrBootstrapFailed = errors.New("fragment bootstrap failed")

// Handle is a live mount. Unmount releases everything the mount acquired;
// the manager resolves it fully before the slot accepts another fragment.
type Handle interface {
	Unmount(ctx context.Context) error
}

// HandleFunc adapts a function to a Handle. A nil HandleFunc unmounts
// cleanly, for fragments with nothing to release.
type HandleFunc func(ctx context.Context) error

// Unmount calls f, or returns nil when f is nil.
func (f HandleFunc) Unmount(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

// Fragment is one mountable unit of UI. Mount attaches the fragment to the
// container in props and returns the handle used to detach it. Mount is
// called at most once per instance; remounting creates a fresh instance.
type Fragment interface {
	Mount(ctx context.Context, props Props) (Handle, error)
}

// Func adapts a mount function to a Fragment.
type Func func(ctx context.Context, props Props) (Handle, error)

// Mount calls f.
func (f Func) Mount(ctx context.Context, props Props) (Handle, error) {
	return f(ctx, props)
}

// Bootstrapper is the optional pre-mount initialization hook. When a
// fragment implements it, the shell calls Bootstrap before Mount and aborts
// the mount with ErrBootstrapFailed if the result is unsuccessful.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, fragmentID string) (BootstrapResult, error)
}

// BootstrapResult is the outcome of a Bootstrap call.
type BootstrapResult struct {
	// Success gates the mount.
	Success bool `json:"success"`
	// Config carries fragment-provided configuration into Mount via props.
	Config map[string]any `json:"config,omitempty"`
	// Err describes the failure when Success is false.
	Err string `json:"error,omitempty"`
}
