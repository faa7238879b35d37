package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/tessera/internal/config"
)

func init() {
	// Force lipgloss/termenv to query terminal background color BEFORE
	// any Bubble Tea program starts. This prevents the terminal's OSC 11
	// response from racing with Bubble Tea's input loop and appearing as
	// garbage text in input fields.
	//
	// See: https://github.com/charmbracelet/bubbletea/issues/1036
	_ = lipgloss.HasDarkBackground()
}

var (
	version     = "dev"
	cfgFile     string
	debugFlag   bool
	profileFlag string
	cfg         config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tessera",
	Short: "A host shell runtime for federated micro frontends",
	Long: `Tessera orchestrates remotely loaded UI fragments inside a host shell:
it fetches the shell configuration, routes frames, loads remote entries,
shares singleton dependencies, and isolates fragment failures per slot.

Run without arguments to open the live slot dashboard.`,
	Version: version,
	RunE:    runDash,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .tessera/config.yaml, then ~/.config/tessera/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging")
	rootCmd.PersistentFlags().String("config-source", "",
		"shell configuration source (http(s) URL or local YAML/JSON file)")
	rootCmd.PersistentFlags().String("state-dir", "",
		"state directory holding the database and logs (default: ./.tessera)")
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "default",
		"preference profile to load and persist")

	// Bind flags to viper
	_ = viper.BindPFlag("shell.config_source", rootCmd.PersistentFlags().Lookup("config-source"))
	_ = viper.BindPFlag("state_dir", rootCmd.PersistentFlags().Lookup("state-dir"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("shell.fetch_timeout", defaults.Shell.FetchTimeout)
	viper.SetDefault("shell.auto_reload", defaults.Shell.AutoReload)
	viper.SetDefault("loader.timeout", defaults.Loader.Timeout)
	viper.SetDefault("loader.cache_ttl", defaults.Loader.CacheTTL)
	viper.SetDefault("api.enabled", defaults.API.Enabled)
	viper.SetDefault("api.host", defaults.API.Host)
	viper.SetDefault("api.port", defaults.API.Port)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("log.level", defaults.Log.Level)

	viper.SetEnvPrefix("TESSERA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .tessera/config.yaml (current directory)
		// 2. ~/.config/tessera/config.yaml (user config)
		if _, err := os.Stat(".tessera/config.yaml"); err == nil {
			viper.SetConfigFile(".tessera/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "tessera"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .tessera/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".tessera/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
