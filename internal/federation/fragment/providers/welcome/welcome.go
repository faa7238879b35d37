// Package welcome provides the builtin launch fragment shown when a shell
// has no remote fragments configured yet.
//
// To register:
//
//	import _ "github.com/zjrosen/tessera/internal/federation/fragment/providers/welcome"
package welcome

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zjrosen/tessera/internal/federation/fragment"
)

// Key is the provider key the welcome fragment registers under.
const Key = "welcome"

func init() {
	fragment.Register(Key, func() fragment.Fragment {
		return New()
	})
}

// Welcome renders a greeting plus the shell's configured service endpoints.
type Welcome struct{}

// New creates a new Welcome fragment.
func New() *Welcome {
	return &Welcome{}
}

// Mount renders into the container and returns a handle that clears it.
func (w *Welcome) Mount(ctx context.Context, props fragment.Props) (fragment.Handle, error) {
	var b strings.Builder
	b.WriteString("Welcome to Tessera\n")

	if ts, ok := props.Custom[fragment.PropTimestamp]; ok {
		fmt.Fprintf(&b, "Session started %v\n", ts)
	}

	if len(props.Endpoints) > 0 {
		b.WriteString("\nService endpoints:\n")
		names := make([]string, 0, len(props.Endpoints))
		for name := range props.Endpoints {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "  %s: %s\n", name, props.Endpoints[name])
		}
	}

	props.Container.SetContent(b.String())

	return fragment.HandleFunc(func(context.Context) error {
		props.Container.SetContent("")
		return nil
	}), nil
}

// Ensure Welcome implements fragment.Fragment at compile time.
var _ fragment.Fragment = (*Welcome)(nil)
