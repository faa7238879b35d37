// Package boundary isolates fragment failures from the shell. Every call
// into fragment code (bootstrap, mount, unmount) goes through here: returned
// errors are tagged, panics are recovered and converted into errors, and
// nothing a fragment does propagates to sibling instances or the shell's own
// lifecycle.
package boundary

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/zjrosen/tessera/internal/federation/fragment"
	"github.com/zjrosen/tessera/internal/log"
)

// ErrRenderFailure is returned when a fragment fails or panics while
// rendering, mounting, or unmounting.
var ErrRenderFailure = errors.New("fragment render failure")

// PanicError carries a recovered panic value and its stack, preserved in
// the error chain for diagnostics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// MountResult is the outcome of a guarded mount. Exactly one of Handle and
// Err is set.
type MountResult struct {
	Handle fragment.Handle
	Err    error
}

// Mounted reports whether the mount succeeded.
func (r MountResult) Mounted() bool {
	return r.Err == nil
}

// Bootstrap runs the fragment's optional pre-mount hook. Fragments without
// the hook succeed trivially. A failed or erroring hook yields
// fragment.ErrBootstrapFailed; a panicking one yields ErrRenderFailure.
func Bootstrap(ctx context.Context, frag fragment.Fragment, fragmentID string) (result fragment.BootstrapResult, err error) {
	b, ok := frag.(fragment.Bootstrapper)
	if !ok {
		return fragment.BootstrapResult{Success: true}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = recovered("bootstrap", fragmentID, r)
			result = fragment.BootstrapResult{}
		}
	}()

	result, hookErr := b.Bootstrap(ctx, fragmentID)
	if hookErr != nil {
		return fragment.BootstrapResult{}, fmt.Errorf("%w: %s: %w", fragment.ErrBootstrapFailed, fragmentID, hookErr)
	}
	if !result.Success {
		if result.Err != "" {
			return fragment.BootstrapResult{}, fmt.Errorf("%w: %s: %s", fragment.ErrBootstrapFailed, fragmentID, result.Err)
		}
		return fragment.BootstrapResult{}, fmt.Errorf("%w: %s", fragment.ErrBootstrapFailed, fragmentID)
	}
	return result, nil
}

// Mount runs the fragment's mount guarded. Errors and panics come back as a
// failed MountResult tagged ErrRenderFailure.
func Mount(ctx context.Context, frag fragment.Fragment, props fragment.Props) (result MountResult) {
	defer func() {
		if r := recover(); r != nil {
			result = MountResult{Err: recovered("mount", props.FragmentID, r)}
		}
	}()

	handle, err := frag.Mount(ctx, props)
	if err != nil {
		return MountResult{Err: fmt.Errorf("%w: %s: %w", ErrRenderFailure, props.FragmentID, err)}
	}
	if handle == nil {
		return MountResult{Err: fmt.Errorf("%w: %s: mount returned no handle", ErrRenderFailure, props.FragmentID)}
	}
	return MountResult{Handle: handle}
}

// Unmount resolves the handle guarded. The caller decides whether a failed
// unmount blocks anything; the failure never escapes as a panic.
func Unmount(ctx context.Context, handle fragment.Handle, fragmentID string) (err error) {
	if handle == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = recovered("unmount", fragmentID, r)
		}
	}()

	if unmountErr := handle.Unmount(ctx); unmountErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrRenderFailure, fragmentID, unmountErr)
	}
	return nil
}

func recovered(phase, fragmentID string, value any) error {
	log.Error(log.CatFrag, "fragment panic contained",
		"phase", phase, "fragment", fragmentID, "panic", value,
		"stack", string(debug.Stack()))
	return fmt.Errorf("%w: %s %s: %w", ErrRenderFailure, fragmentID, phase,
		&PanicError{Value: value, Stack: debug.Stack()})
}
