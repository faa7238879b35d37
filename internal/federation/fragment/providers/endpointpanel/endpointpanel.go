// Package endpointpanel provides a builtin diagnostic fragment listing the
// shell's service endpoints. It exercises the full mount pipeline including
// the optional Bootstrap hook.
//
// To register:
//
//	import _ "github.com/zjrosen/tessera/internal/federation/fragment/providers/endpointpanel"
package endpointpanel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zjrosen/tessera/internal/federation/fragment"
)

// Key is the provider key the endpoint panel registers under.
const Key = "endpoint-panel"

func init() {
	fragment.Register(Key, func() fragment.Fragment {
		return New()
	})
}

// Panel renders the shell's service endpoints with a bootstrap-stamped
// heading.
type Panel struct{}

// New creates a new Panel fragment.
func New() *Panel {
	return &Panel{}
}

// Bootstrap records when the panel initialized; Mount renders the stamp.
func (p *Panel) Bootstrap(ctx context.Context, fragmentID string) (fragment.BootstrapResult, error) {
	return fragment.BootstrapResult{
		Success: true,
		Config: map[string]any{
			"heading":       "Service Endpoints",
			"initializedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// Mount renders into the container and returns a handle that clears it.
func (p *Panel) Mount(ctx context.Context, props fragment.Props) (fragment.Handle, error) {
	heading := "Service Endpoints"
	if h, ok := props.BootstrapConfig["heading"].(string); ok {
		heading = h
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", heading)
	if at, ok := props.BootstrapConfig["initializedAt"].(string); ok {
		fmt.Fprintf(&b, "initialized %s\n", at)
	}
	b.WriteString("\n")

	if len(props.Endpoints) == 0 {
		b.WriteString("(no endpoints configured)\n")
	} else {
		names := make([]string, 0, len(props.Endpoints))
		for name := range props.Endpoints {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "%s -> %s\n", name, props.Endpoints[name])
		}
	}

	props.Container.SetContent(b.String())

	return fragment.HandleFunc(func(context.Context) error {
		props.Container.SetContent("")
		return nil
	}), nil
}

// Ensure Panel implements both contract interfaces at compile time.
var (
	_ fragment.Fragment     = (*Panel)(nil)
	_ fragment.Bootstrapper = (*Panel)(nil)
)
