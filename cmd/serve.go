package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/tessera/internal/config"
	"github.com/zjrosen/tessera/internal/federation/controlplane/api"
	"github.com/zjrosen/tessera/internal/federation/descriptor"
	"github.com/zjrosen/tessera/internal/federation/loader"
	"github.com/zjrosen/tessera/internal/federation/sharedscope"
	"github.com/zjrosen/tessera/internal/federation/shell"
	"github.com/zjrosen/tessera/internal/federation/tracing"
	"github.com/zjrosen/tessera/internal/infrastructure/sqlite"
	"github.com/zjrosen/tessera/internal/log"
	"github.com/zjrosen/tessera/internal/paths"
	"github.com/zjrosen/tessera/internal/watcher"

	// Register builtin fragment providers (resolved by descriptor kind "builtin")
	_ "github.com/zjrosen/tessera/internal/federation/fragment/providers/endpointpanel"
	_ "github.com/zjrosen/tessera/internal/federation/fragment/providers/welcome"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the shell runtime with the HTTP API",
	Long: `Run the shell runtime as a long-lived process. Serve fetches the shell
configuration, starts a session on the default frame, records slot
transitions to the journal, and exposes the HTTP API for navigation,
preference edits, and the SSE event stream.

The configuration fetch is fatal on failure: a shell without frames has
nothing to serve.

Example:
  tessera serve                                    # config source from config.yaml
  tessera serve --config-source ./shell-config.yaml
  tessera serve --addr :8080                       # override the API bind address`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "API address to listen on (overrides config)")
}

// hostRuntimeVersion is the concrete version of the rendering runtime the
// host shell ships. Remotes requiring a compatible range share this single
// instance instead of materializing their own.
const hostRuntimeVersion = "18.2.0"

type hostRuntime struct {
	Version string
}

func hostDependencies() []sharedscope.Dependency {
	return []sharedscope.Dependency{
		{
			Name:      "rendering-runtime",
			Version:   hostRuntimeVersion,
			Singleton: true,
			Factory: func() (any, error) {
				return &hostRuntime{Version: hostRuntimeVersion}, nil
			},
		},
	}
}

// shellRuntime bundles the long-lived pieces serve and dash share: the
// session, its persistence, the journal recorder, and the override watcher.
type shellRuntime struct {
	stateDir string
	session  *shell.Session
	db       *sqlite.DB
	recorder *sqlite.JournalRecorder
	watcher  *watcher.Watcher
	client   *descriptor.Client
}

// composeConfiguration resolves the configuration the session should run:
// the fetched source, replaced by the persisted preference profile when one
// exists, with the local override file applied last.
func (rt *shellRuntime) composeConfiguration(ctx context.Context) (descriptor.ShellConfiguration, error) {
	fetched, err := rt.client.Fetch(ctx, cfg.Shell.ConfigSource)
	if err != nil {
		return descriptor.ShellConfiguration{}, fmt.Errorf("fetching shell configuration: %w", err)
	}

	base := fetched
	pref, err := rt.db.Preferences().Find(profileFlag)
	var notFound *sqlite.PreferenceNotFoundError
	switch {
	case err == nil:
		base = pref.Config
		log.Info(log.CatConfig, "Using persisted preferences",
			"profile", profileFlag, "savedAt", pref.UpdatedAt.Format(time.RFC3339))
	case errors.As(err, &notFound):
		// First run for this profile; the fetched configuration stands.
	default:
		log.ErrorErr(log.CatDB, "Reading preferences failed, using fetched configuration", err,
			"profile", profileFlag)
	}

	if cfg.Shell.OverrideFile != "" {
		ov, err := descriptor.LoadOverrides(cfg.Shell.OverrideFile)
		if err != nil {
			return descriptor.ShellConfiguration{}, fmt.Errorf("loading override file: %w", err)
		}
		base, err = ov.Apply(base)
		if err != nil {
			return descriptor.ShellConfiguration{}, fmt.Errorf("applying override file: %w", err)
		}
	}

	return base, nil
}

// reload recomposes the configuration and swaps it into the running session.
// Unlike startup, a failure here keeps the current epoch serving.
func (rt *shellRuntime) reload(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, cfg.Shell.FetchTimeout)
	defer cancel()

	next, err := rt.composeConfiguration(fetchCtx)
	if err != nil {
		log.ErrorErr(log.CatWatch, "Override reload failed, keeping current configuration", err)
		return
	}
	if err := rt.session.Reconfigure(ctx, next); err != nil {
		log.ErrorErr(log.CatWatch, "Reconfigure failed, keeping current configuration", err)
		return
	}
	log.Info(log.CatWatch, "Reconfigured from override change",
		"generation", rt.session.Generation())
}

// Shutdown tears the runtime down: watcher first so no reconfigure races the
// session teardown, then the session (which closes the broker), then the
// recorder once its event stream has ended.
func (rt *shellRuntime) Shutdown(ctx context.Context) {
	if rt.watcher != nil {
		if err := rt.watcher.Stop(); err != nil {
			log.ErrorErr(log.CatWatch, "Error stopping override watcher", err)
		}
	}
	if err := rt.session.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatShell, "Error shutting down session", err)
	}
	if rt.recorder != nil {
		rt.recorder.Stop()
	}
	if err := rt.db.Close(); err != nil {
		log.ErrorErr(log.CatDB, "Error closing database", err)
	}
}

// buildRuntime fetches the configuration and brings up the full runtime:
// database, session, journal recorder, and (when configured) the override
// watcher.
func buildRuntime(ctx context.Context, stateDir string) (*shellRuntime, error) {
	db, err := sqlite.NewDB(cfg.DatabasePath(stateDir))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	rt := &shellRuntime{
		stateDir: stateDir,
		db:       db,
		client:   descriptor.NewClient(cfg.Shell.FetchTimeout),
	}

	shellCfg, err := rt.composeConfiguration(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	tracingCfg := tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	}
	if tracingCfg.FilePath == "" {
		tracingCfg.FilePath = config.DefaultTracesFilePath()
	}
	provider, err := tracing.NewProvider(tracingCfg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating tracing provider: %w", err)
	}

	session, err := shell.New(shellCfg, hostDependencies(),
		shell.WithLoaderConfig(loader.Config{
			Timeout:  cfg.Loader.Timeout,
			CacheTTL: cfg.Loader.CacheTTL,
		}),
		shell.WithTracing(provider),
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating shell session: %w", err)
	}

	// Record transitions from the first activation onward.
	rt.session = session
	rt.recorder = sqlite.StartJournalRecorder(session.Broker(), db.Journal())

	if err := session.Start(ctx, cfg.Shell.DefaultFrame); err != nil {
		rt.Shutdown(ctx)
		return nil, fmt.Errorf("starting session: %w", err)
	}

	if cfg.Shell.OverrideFile != "" && cfg.Shell.AutoReload {
		w, err := watcher.New(watcher.DefaultConfig(cfg.Shell.OverrideFile))
		if err != nil {
			rt.Shutdown(ctx)
			return nil, fmt.Errorf("creating override watcher: %w", err)
		}
		changes, err := w.Start()
		if err != nil {
			rt.Shutdown(ctx)
			return nil, fmt.Errorf("starting override watcher: %w", err)
		}
		rt.watcher = w
		log.SafeGo("override-reload", func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-changes:
					rt.reload(ctx)
				}
			}
		})
	}

	return rt, nil
}

func initLogging(stateDir string) (func(), error) {
	logPath := cfg.LogFilePath(stateDir)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	level := log.ParseLevel(cfg.Log.Level)
	if debugFlag || os.Getenv("TESSERA_DEBUG") != "" {
		level = log.LevelDebug
	}
	log.SetMinLevel(level)
	return cleanup, nil
}

func runServe(_ *cobra.Command, _ []string) error {
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

	log.Info(log.CatConfig, "Tessera serve starting",
		"stateDir", stateDir, "source", cfg.Shell.ConfigSource, "profile", profileFlag)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := buildRuntime(ctx, stateDir)
	if err != nil {
		return err
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var server *api.Server
	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		addr := serveAddr
		if addr == "" {
			addr = fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		}
		server, err = api.NewServer(api.ServerConfig{
			Addr:        addr,
			Session:     rt.session,
			Preferences: rt.db.Preferences(),
			Profile:     profileFlag,
		})
		if err != nil {
			rt.Shutdown(ctx)
			return fmt.Errorf("creating API server: %w", err)
		}

		go func() {
			errCh <- server.Start()
		}()

		fmt.Printf("Tessera serving on port %d (frame %q)\n", server.Port(), rt.session.Router().ActiveFrame())
	} else {
		fmt.Printf("Tessera serving headless (frame %q, API disabled)\n", rt.session.Router().ActiveFrame())
	}
	fmt.Println("Press Ctrl+C to stop")

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			rt.Shutdown(ctx)
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Stop(shutdownCtx); err != nil {
			log.ErrorErr(log.CatAPI, "Error stopping API server", err)
		}
	}
	rt.Shutdown(shutdownCtx)

	fmt.Println("Stopped")
	return nil
}
