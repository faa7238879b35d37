package welcome

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/tessera/internal/federation/fragment"
)

func TestWelcome_RegistersProvider(t *testing.T) {
	require.True(t, fragment.IsRegistered(Key))

	frag, err := fragment.New(Key)
	require.NoError(t, err)
	require.NotNil(t, frag)
}

func TestWelcome_Mount_RendersEndpoints(t *testing.T) {
	container := fragment.NewBufferContainer("home/welcome")
	props := fragment.Props{
		FragmentID: "welcome",
		Container:  container,
		Endpoints: map[string]string{
			"main-backend": "https://api.example.com",
			"auth":         "https://auth.example.com",
		},
		Custom: map[string]any{fragment.PropTimestamp: "2025-06-01T12:00:00Z"},
	}

	handle, err := New().Mount(context.Background(), props)
	require.NoError(t, err)

	content := container.Content()
	assert.Contains(t, content, "Welcome to Tessera")
	assert.Contains(t, content, "Session started 2025-06-01T12:00:00Z")
	assert.Contains(t, content, "auth: https://auth.example.com")
	assert.Contains(t, content, "main-backend: https://api.example.com")

	require.NoError(t, handle.Unmount(context.Background()))
	assert.Empty(t, container.Content(), "unmount should clear the container")
}

func TestWelcome_Mount_NoEndpoints(t *testing.T) {
	container := fragment.NewBufferContainer("home/welcome")

	handle, err := New().Mount(context.Background(), fragment.Props{Container: container})
	require.NoError(t, err)
	defer func() { _ = handle.Unmount(context.Background()) }()

	assert.Contains(t, container.Content(), "Welcome to Tessera")
	assert.NotContains(t, container.Content(), "Service endpoints")
}
