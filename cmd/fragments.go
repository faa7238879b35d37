package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/tessera/internal/config"
	"github.com/zjrosen/tessera/internal/federation/descriptor"
	"github.com/zjrosen/tessera/internal/infrastructure/sqlite"
	"github.com/zjrosen/tessera/internal/paths"
	"github.com/zjrosen/tessera/internal/ui/styles"
)

var fragmentsCmd = &cobra.Command{
	Use:   "fragments",
	Short: "Inspect the fragment catalog",
}

var fragmentsJSON bool

var fragmentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the fragments the shell configuration offers",
	Long: `Fetch the shell configuration and list every available fragment with its
kind, entry point, and source.

Examples:
  tessera fragments list
  tessera fragments list --json | jq '.[].id'`,
	RunE: runFragmentsList,
}

var fragmentsDiffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Diff persisted preferences against the live configuration",
	Long: `Compare the preference profile persisted by PUT /shell/preferences with
what the configuration endpoint currently serves. Shows what a profile
reset would change.

Examples:
  tessera fragments diff
  tessera fragments diff --profile kiosk`,
	RunE: runFragmentsDiff,
}

func init() {
	fragmentsListCmd.Flags().BoolVar(&fragmentsJSON, "json", false, "output as JSON")
	fragmentsCmd.AddCommand(fragmentsListCmd)
	fragmentsCmd.AddCommand(fragmentsDiffCmd)
	rootCmd.AddCommand(fragmentsCmd)
}

// fetchLiveConfiguration fetches the configuration source and applies the
// local override file, skipping persisted preferences. Read-only commands
// use it to see what serve would fetch fresh.
func fetchLiveConfiguration(ctx context.Context, applyOverrides bool) (descriptor.ShellConfiguration, error) {
	client := descriptor.NewClient(cfg.Shell.FetchTimeout)
	live, err := client.Fetch(ctx, cfg.Shell.ConfigSource)
	if err != nil {
		return descriptor.ShellConfiguration{}, fmt.Errorf("fetching shell configuration: %w", err)
	}

	if applyOverrides && cfg.Shell.OverrideFile != "" {
		ov, err := descriptor.LoadOverrides(cfg.Shell.OverrideFile)
		if err != nil {
			return descriptor.ShellConfiguration{}, fmt.Errorf("loading override file: %w", err)
		}
		live, err = ov.Apply(live)
		if err != nil {
			return descriptor.ShellConfiguration{}, fmt.Errorf("applying override file: %w", err)
		}
	}

	return live, nil
}

func runFragmentsList(cmd *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.RequireConfigSource(cfg.Shell); err != nil {
		return err
	}

	shellCfg, err := fetchLiveConfiguration(cmd.Context(), true)
	if err != nil {
		return err
	}

	store, err := descriptor.FromConfiguration(shellCfg)
	if err != nil {
		return fmt.Errorf("building descriptor store: %w", err)
	}
	descriptors := store.List()

	if fragmentsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(descriptors)
	}

	idStyle := lipgloss.NewStyle().Bold(true).Foreground(styles.TextPrimaryColor)
	remoteStyle := lipgloss.NewStyle().Foreground(styles.BorderFocusColor)
	builtinStyle := lipgloss.NewStyle().Foreground(styles.TextMutedColor)
	dimStyle := lipgloss.NewStyle().Foreground(styles.TextSecondaryColor)

	remotes := 0
	for _, d := range descriptors {
		kind := d.EffectiveKind()
		kindText := builtinStyle.Render(string(kind))
		source := dimStyle.Render("(in-process)")
		if kind == descriptor.KindRemoteModule {
			remotes++
			kindText = remoteStyle.Render(string(kind))
			source = dimStyle.Render(d.URL)
		}
		fmt.Printf("%s  %s  %s → %s\n",
			idStyle.Render(padRight(d.ID, 24)),
			padRight(kindText, 24),
			d.ExposedEntryPoint,
			source)
	}

	fmt.Printf("\n%d fragments (%d remote, %d builtin), %d frames\n",
		len(descriptors), remotes, len(descriptors)-remotes, len(shellCfg.Frames))
	return nil
}

// padRight pads styled text to a display width without truncating.
func padRight(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

func runFragmentsDiff(cmd *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.RequireConfigSource(cfg.Shell); err != nil {
		return err
	}

	stateDir := paths.ResolveStateDir(cfg.StateDir)
	db, err := sqlite.NewDB(cfg.DatabasePath(stateDir))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pref, err := db.Preferences().Find(profileFlag)
	if err != nil {
		return fmt.Errorf("loading preference profile: %w", err)
	}

	// Diff against the endpoint itself; the override file is a local
	// concern and would mask upstream drift.
	live, err := fetchLiveConfiguration(cmd.Context(), false)
	if err != nil {
		return err
	}

	savedYAML, err := configYAML(pref.Config)
	if err != nil {
		return fmt.Errorf("serializing saved preferences: %w", err)
	}
	liveYAML, err := configYAML(live)
	if err != nil {
		return fmt.Errorf("serializing live configuration: %w", err)
	}

	if savedYAML == liveYAML {
		fmt.Printf("Profile %q matches the live configuration.\n", profileFlag)
		return nil
	}

	fmt.Printf("--- saved preferences (profile %q, %s)\n", profileFlag, pref.UpdatedAt.Format("2006-01-02 15:04"))
	fmt.Printf("+++ live configuration (%s)\n\n", cfg.Shell.ConfigSource)
	added, removed := printLineDiff(savedYAML, liveYAML)
	fmt.Printf("\n%d additions, %d deletions\n", added, removed)
	return nil
}

// configYAML renders a configuration as YAML with frames in display order
// so both diff sides line up.
func configYAML(shellCfg descriptor.ShellConfiguration) (string, error) {
	normalized := shellCfg.Clone()
	normalized.Frames = normalized.OrderedFrames()
	out, err := yaml.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// printLineDiff writes a colored line diff to stdout and returns the
// added/removed line counts. Long unchanged runs are collapsed.
func printLineDiff(oldText, newText string) (added, removed int) {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	addStyle := lipgloss.NewStyle().Foreground(styles.StatusSuccessColor)
	delStyle := lipgloss.NewStyle().Foreground(styles.StatusErrorColor)
	ctxStyle := lipgloss.NewStyle().Foreground(styles.TextMutedColor)

	const contextRun = 3

	for _, d := range diffs {
		lines := strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n")
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len(lines)
			for _, line := range lines {
				fmt.Println(addStyle.Render("+ " + line))
			}
		case diffmatchpatch.DiffDelete:
			removed += len(lines)
			for _, line := range lines {
				fmt.Println(delStyle.Render("- " + line))
			}
		case diffmatchpatch.DiffEqual:
			if len(lines) > contextRun*2+1 {
				for _, line := range lines[:contextRun] {
					fmt.Println(ctxStyle.Render("  " + line))
				}
				fmt.Println(ctxStyle.Render(fmt.Sprintf("  … %d unchanged lines …", len(lines)-contextRun*2)))
				for _, line := range lines[len(lines)-contextRun:] {
					fmt.Println(ctxStyle.Render("  " + line))
				}
			} else {
				for _, line := range lines {
					fmt.Println(ctxStyle.Render("  " + line))
				}
			}
		}
	}
	return added, removed
}
