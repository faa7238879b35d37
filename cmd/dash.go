package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/zjrosen/tessera/internal/config"
	"github.com/zjrosen/tessera/internal/federation/controlplane/api"
	"github.com/zjrosen/tessera/internal/log"
	"github.com/zjrosen/tessera/internal/paths"
	"github.com/zjrosen/tessera/internal/ui/dash"
)

var dashCmd = &cobra.Command{
	Use:   "dash",
	Short: "Open the live slot dashboard",
	Long: `Run the shell runtime and open the slot dashboard on top of it. The
dashboard shows every slot with its lifecycle state, generation, and last
error, updating live from the session's event stream. The HTTP API serves
alongside the dashboard unless disabled in config.

Keys: j/k select, tab cycles the active frame, r retries a failed slot,
R refreshes, q quits.`,
	RunE: runDash,
}

func init() {
	rootCmd.AddCommand(dashCmd)
}

func runDash(_ *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.RequireConfigSource(cfg.Shell); err != nil {
		return err
	}

	stateDir := paths.ResolveStateDir(cfg.StateDir)
	cleanup, err := initLogging(stateDir)
	if err != nil {
		return err
	}
	defer cleanup()

	log.Info(log.CatConfig, "Tessera dash starting",
		"stateDir", stateDir, "source", cfg.Shell.ConfigSource, "profile", profileFlag)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := buildRuntime(ctx, stateDir)
	if err != nil {
		return err
	}

	// The API keeps serving while the dashboard is up so preference edits
	// and external navigation show live in the table.
	var server *api.Server
	apiPort := 0
	if cfg.API.Enabled {
		server, err = api.NewServer(api.ServerConfig{
			Addr:        fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
			Session:     rt.session,
			Preferences: rt.db.Preferences(),
			Profile:     profileFlag,
		})
		if err != nil {
			rt.Shutdown(ctx)
			return fmt.Errorf("creating API server: %w", err)
		}
		apiPort = server.Port()
		log.SafeGo("dash-api", func() {
			if serveErr := server.Start(); serveErr != nil {
				log.ErrorErr(log.CatAPI, "API server stopped", serveErr)
			}
		})
	}

	model := dash.New(dash.Config{Session: rt.session, APIPort: apiPort})
	p := tea.NewProgram(model, tea.WithAltScreen())

	_, runErr := p.Run()
	model.Cleanup()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Stop(shutdownCtx); err != nil {
			log.ErrorErr(log.CatAPI, "Error stopping API server", err)
		}
	}
	rt.Shutdown(shutdownCtx)

	if runErr != nil {
		return fmt.Errorf("running dashboard: %w", runErr)
	}
	return nil
}
