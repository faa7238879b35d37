package boundary

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/tessera/internal/federation/fragment"
)

// === Helper Functions ===

// bootFragment is a Fragment with a scriptable Bootstrap hook.
type bootFragment struct {
	mount     func(ctx context.Context, props fragment.Props) (fragment.Handle, error)
	bootstrap func(ctx context.Context, fragmentID string) (fragment.BootstrapResult, error)
}

func (f *bootFragment) Mount(ctx context.Context, props fragment.Props) (fragment.Handle, error) {
	if f.mount != nil {
		return f.mount(ctx, props)
	}
	return fragment.HandleFunc(nil), nil
}

func (f *bootFragment) Bootstrap(ctx context.Context, fragmentID string) (fragment.BootstrapResult, error) {
	return f.bootstrap(ctx, fragmentID)
}

// === Unit Tests: Bootstrap ===

func TestBootstrap_FragmentWithoutHookSucceeds(t *testing.T) {
	plain := fragment.Func(func(ctx context.Context, props fragment.Props) (fragment.Handle, error) {
		return fragment.HandleFunc(nil), nil
	})

	result, err := Bootstrap(context.Background(), plain, "catalog")
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestBootstrap_SuccessfulHookReturnsConfig(t *testing.T) {
	frag := &bootFragment{
		bootstrap: func(ctx context.Context, fragmentID string) (fragment.BootstrapResult, error) {
			return fragment.BootstrapResult{
				Success: true,
				Config:  map[string]any{"mode": "full"},
			}, nil
		},
	}

	result, err := Bootstrap(context.Background(), frag, "catalog")
	require.NoError(t, err)
	assert.Equal(t, "full", result.Config["mode"])
}

func TestBootstrap_UnsuccessfulResultFails(t *testing.T) {
	frag := &bootFragment{
		bootstrap: func(ctx context.Context, fragmentID string) (fragment.BootstrapResult, error) {
			return fragment.BootstrapResult{Success: false, Err: "license expired"}, nil
		},
	}

	_, err := Bootstrap(context.Background(), frag, "catalog")
	require.ErrorIs(t, err, fragment.ErrBootstrapFailed)
	assert.Contains(t, err.Error(), "license expired")
}

func TestBootstrap_HookErrorFails(t *testing.T) {
	boom := errors.New("backend unreachable")
	frag := &bootFragment{
		bootstrap: func(ctx context.Context, fragmentID string) (fragment.BootstrapResult, error) {
			return fragment.BootstrapResult{}, boom
		},
	}

	_, err := Bootstrap(context.Background(), frag, "catalog")
	require.ErrorIs(t, err, fragment.ErrBootstrapFailed)
	require.ErrorIs(t, err, boom)
}

func TestBootstrap_PanicIsContained(t *testing.T) {
	frag := &bootFragment{
		bootstrap: func(ctx context.Context, fragmentID string) (fragment.BootstrapResult, error) {
			panic("bootstrap exploded")
		},
	}

	_, err := Bootstrap(context.Background(), frag, "catalog")
	require.ErrorIs(t, err, ErrRenderFailure)

	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "bootstrap exploded", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
}

// === Unit Tests: Mount ===

func TestMount_SuccessYieldsHandle(t *testing.T) {
	frag := fragment.Func(func(ctx context.Context, props fragment.Props) (fragment.Handle, error) {
		return fragment.HandleFunc(func(context.Context) error { return nil }), nil
	})

	result := Mount(context.Background(), frag, fragment.Props{FragmentID: "catalog"})
	require.True(t, result.Mounted())
	require.NotNil(t, result.Handle)
}

func TestMount_ErrorIsTagged(t *testing.T) {
	frag := fragment.Func(func(ctx context.Context, props fragment.Props) (fragment.Handle, error) {
		return nil, errors.New("container rejected attach")
	})

	result := Mount(context.Background(), frag, fragment.Props{FragmentID: "catalog"})
	require.False(t, result.Mounted())
	require.ErrorIs(t, result.Err, ErrRenderFailure)
	assert.Contains(t, result.Err.Error(), "container rejected attach")
}

func TestMount_NilHandleIsFailure(t *testing.T) {
	frag := fragment.Func(func(ctx context.Context, props fragment.Props) (fragment.Handle, error) {
		return nil, nil
	})

	result := Mount(context.Background(), frag, fragment.Props{FragmentID: "catalog"})
	require.False(t, result.Mounted())
	require.ErrorIs(t, result.Err, ErrRenderFailure)
}

func TestMount_PanicIsContained(t *testing.T) {
	frag := fragment.Func(func(ctx context.Context, props fragment.Props) (fragment.Handle, error) {
		panic(errors.New("render blew up"))
	})

	result := Mount(context.Background(), frag, fragment.Props{FragmentID: "catalog"})
	require.False(t, result.Mounted())
	require.ErrorIs(t, result.Err, ErrRenderFailure)

	var panicErr *PanicError
	require.ErrorAs(t, result.Err, &panicErr)
}

// === Unit Tests: Unmount ===

func TestUnmount_NilHandleIsNoOp(t *testing.T) {
	require.NoError(t, Unmount(context.Background(), nil, "catalog"))
}

func TestUnmount_Success(t *testing.T) {
	released := false
	handle := fragment.HandleFunc(func(ctx context.Context) error {
		released = true
		return nil
	})

	require.NoError(t, Unmount(context.Background(), handle, "catalog"))
	assert.True(t, released)
}

func TestUnmount_ErrorIsTagged(t *testing.T) {
	handle := fragment.HandleFunc(func(ctx context.Context) error {
		return errors.New("detach failed")
	})

	err := Unmount(context.Background(), handle, "catalog")
	require.ErrorIs(t, err, ErrRenderFailure)
}

func TestUnmount_PanicIsContained(t *testing.T) {
	handle := fragment.HandleFunc(func(ctx context.Context) error {
		panic("unmount exploded")
	})

	err := Unmount(context.Background(), handle, "catalog")
	require.ErrorIs(t, err, ErrRenderFailure)
}
