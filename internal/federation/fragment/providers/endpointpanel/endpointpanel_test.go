package endpointpanel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/tessera/internal/federation/fragment"
)

func TestPanel_RegistersProvider(t *testing.T) {
	require.True(t, fragment.IsRegistered(Key))
}

func TestPanel_Bootstrap_Succeeds(t *testing.T) {
	result, err := New().Bootstrap(context.Background(), "endpoint-panel")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "Service Endpoints", result.Config["heading"])
	assert.NotEmpty(t, result.Config["initializedAt"])
}

func TestPanel_Mount_UsesBootstrapConfig(t *testing.T) {
	container := fragment.NewBufferContainer("admin/endpoint-panel")

	panel := New()
	result, err := panel.Bootstrap(context.Background(), "endpoint-panel")
	require.NoError(t, err)

	handle, err := panel.Mount(context.Background(), fragment.Props{
		Container:       container,
		BootstrapConfig: result.Config,
		Endpoints:       map[string]string{"main-backend": "https://api.example.com"},
	})
	require.NoError(t, err)

	content := container.Content()
	assert.Contains(t, content, "Service Endpoints")
	assert.Contains(t, content, "initialized ")
	assert.Contains(t, content, "main-backend -> https://api.example.com")

	require.NoError(t, handle.Unmount(context.Background()))
	assert.Empty(t, container.Content())
}

func TestPanel_Mount_EmptyEndpoints(t *testing.T) {
	container := fragment.NewBufferContainer("admin/endpoint-panel")

	handle, err := New().Mount(context.Background(), fragment.Props{Container: container})
	require.NoError(t, err)
	defer func() { _ = handle.Unmount(context.Background()) }()

	assert.Contains(t, container.Content(), "(no endpoints configured)")
}
