// Package config provides configuration types and defaults for tessera.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zjrosen/tessera/internal/log"
)

// Config holds all configuration options for tessera.
type Config struct {
	StateDir string         `mapstructure:"state_dir"`
	Shell    ShellConfig    `mapstructure:"shell"`
	Loader   LoaderConfig   `mapstructure:"loader"`
	API      APIConfig      `mapstructure:"api"`
	Database DatabaseConfig `mapstructure:"database"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Log      LogConfig      `mapstructure:"log"`
}

// ShellConfig holds shell configuration source settings.
type ShellConfig struct {
	// ConfigSource is where the shell configuration comes from.
	// Accepts an http(s) URL or a local YAML/JSON file path.
	// Required for serve; startup fails if it cannot be fetched.
	ConfigSource string `mapstructure:"config_source"`

	// FetchTimeout bounds the configuration fetch at startup.
	// Default: 10s
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`

	// OverrideFile is an optional local file whose frames and endpoints
	// override the fetched configuration. Watched for changes when
	// auto_reload is true.
	OverrideFile string `mapstructure:"override_file"`

	// AutoReload re-applies the override file when it changes on disk.
	// Default: true
	AutoReload bool `mapstructure:"auto_reload"`

	// DefaultFrame is navigated to after startup.
	// Empty means the first frame by display order.
	DefaultFrame string `mapstructure:"default_frame"`
}

// LoaderConfig holds remote loader settings.
type LoaderConfig struct {
	// Timeout is the per-load deadline for fetching a remote entry.
	// Default: 15s
	Timeout time.Duration `mapstructure:"timeout"`

	// CacheTTL bounds how long resolved entries stay cached.
	// Zero or negative means entries live for the whole session.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// APIConfig holds HTTP API settings.
type APIConfig struct {
	// Enabled controls whether serve exposes the HTTP API.
	// Default: true
	Enabled bool `mapstructure:"enabled"`

	// Host to bind. Default: 127.0.0.1
	Host string `mapstructure:"host"`

	// Port to bind. Default: 4170
	Port int `mapstructure:"port"`
}

// DatabaseConfig holds persistence settings.
type DatabaseConfig struct {
	// Path to the sqlite database file.
	// Default: <state_dir>/tessera.db, derived at runtime when empty.
	Path string `mapstructure:"path"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.config/tessera/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum level written: debug, info, warn, error.
	// Default: info
	Level string `mapstructure:"level"`

	// File is the log output path.
	// Default: <state_dir>/tessera.log, derived at runtime when empty.
	File string `mapstructure:"file"`
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/tessera/traces/traces.jsonl or empty string if home dir unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tessera", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Shell: ShellConfig{
			FetchTimeout: 10 * time.Second,
			AutoReload:   true,
		},
		Loader: LoaderConfig{
			Timeout:  15 * time.Second,
			CacheTTL: 0,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    4170,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ValidateShell checks shell configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateShell(shell ShellConfig) error {
	if shell.FetchTimeout < 0 {
		return fmt.Errorf("shell.fetch_timeout must not be negative, got %v", shell.FetchTimeout)
	}

	if shell.ConfigSource != "" && looksLikeURL(shell.ConfigSource) {
		u, err := url.Parse(shell.ConfigSource)
		if err != nil {
			return fmt.Errorf("shell.config_source is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("shell.config_source scheme must be http or https, got %q", u.Scheme)
		}
	}

	return nil
}

// RequireConfigSource checks that a shell configuration source is set.
// Serve calls this; read-only commands do not.
func RequireConfigSource(shell ShellConfig) error {
	if strings.TrimSpace(shell.ConfigSource) == "" {
		return fmt.Errorf("shell.config_source is required (set it in config.yaml or pass --config-source)")
	}
	return nil
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// ValidateLoader checks loader configuration for errors.
func ValidateLoader(loader LoaderConfig) error {
	if loader.Timeout < 0 {
		return fmt.Errorf("loader.timeout must not be negative, got %v", loader.Timeout)
	}
	return nil
}

// ValidateAPI checks API configuration for errors.
func ValidateAPI(api APIConfig) error {
	if api.Port < 0 || api.Port > 65535 {
		return fmt.Errorf("api.port must be between 0 and 65535, got %d", api.Port)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	// Validate SampleRate is in range [0.0, 1.0]
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	// Validate Exporter is a valid option
	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		// FilePath is required when Exporter is "file"
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}

		// OTLPEndpoint is required when Exporter is "otlp"
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// ValidateLog checks logging configuration for errors.
func ValidateLog(lc LogConfig) error {
	if lc.Level != "" {
		switch strings.ToLower(lc.Level) {
		case "debug", "info", "warn", "warning", "error":
			// Valid
		default:
			return fmt.Errorf("log.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", lc.Level)
		}
	}
	return nil
}

// Validate checks the whole configuration for errors.
func (c Config) Validate() error {
	if err := ValidateShell(c.Shell); err != nil {
		return err
	}
	if err := ValidateLoader(c.Loader); err != nil {
		return err
	}
	if err := ValidateAPI(c.API); err != nil {
		return err
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	if err := ValidateLog(c.Log); err != nil {
		return err
	}
	return nil
}

// DatabasePath returns the configured database path, or the default
// under the given state dir when unset.
func (c Config) DatabasePath(stateDir string) string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(stateDir, "tessera.db")
}

// LogFilePath returns the configured log path, or the default under
// the given state dir when unset.
func (c Config) LogFilePath(stateDir string) string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(stateDir, "tessera.log")
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Tessera Configuration

# Path to the state directory (default: ./.tessera)
# state_dir: /path/to/project/.tessera

# Shell configuration source
shell:
  # Where the shell configuration comes from. Required for serve.
  # Accepts an http(s) URL or a local YAML/JSON file path.
  # config_source: http://localhost:8089/shell/config
  # config_source: ./shell-config.yaml

  # Deadline for the startup configuration fetch
  fetch_timeout: 10s

  # Optional local override file. Frames and endpoints defined here
  # take precedence over the fetched configuration.
  # override_file: ./shell-overrides.yaml

  # Re-apply the override file when it changes on disk
  auto_reload: true

  # Frame to activate after startup (default: first frame by order)
  # default_frame: jobs

# Remote loader settings
loader:
  # Per-load deadline for fetching a remote entry
  timeout: 15s

  # How long resolved entries stay cached. 0 = session lifetime.
  cache_ttl: 0

# HTTP API
api:
  enabled: true
  host: 127.0.0.1
  port: 4170

# Persistence
# database:
#   path: /path/to/tessera.db   # default: <state_dir>/tessera.db

# Distributed tracing
# Enables end-to-end visibility into load and mount flows
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/tessera/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces

# Logging
log:
  level: info   # debug, info, warn, error
  # file: /path/to/tessera.log  # default: <state_dir>/tessera.log
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	// Create parent directory if needed
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write the template
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
