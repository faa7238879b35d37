package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/tessera/internal/config"
	"github.com/zjrosen/tessera/internal/federation/descriptor"
	"github.com/zjrosen/tessera/internal/ui/styles"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Probe remote fragments for federation health",
	Long: `Fetch the shell configuration, then fetch every remote fragment's entry
over plain HTTP and check the response for the module federation markers
(an init function and a shareScope reference). A missing marker usually
means the URL serves the wrong artifact.

Builtin fragments resolve in-process and are not probed.

Examples:
  tessera doctor
  tessera doctor --report           # render a markdown report
  tessera doctor --timeout 10s`,
	RunE: runDoctor,
}

var (
	doctorReport  bool
	doctorTimeout time.Duration
)

func init() {
	doctorCmd.Flags().BoolVar(&doctorReport, "report", false, "render the result as a markdown report")
	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 5*time.Second, "per-probe timeout")
	rootCmd.AddCommand(doctorCmd)
}

// probeResult is one remote's health check outcome.
type probeResult struct {
	ID            string
	URL           string
	StatusCode    int
	Latency       time.Duration
	HasInit       bool
	HasShareScope bool
	Err           error
}

// Healthy reports whether the remote looks like a servable federation entry.
func (r probeResult) Healthy() bool {
	return r.Err == nil && r.HasInit && r.HasShareScope
}

func (r probeResult) problem() string {
	switch {
	case r.Err != nil:
		return r.Err.Error()
	case !r.HasInit && !r.HasShareScope:
		return "no federation markers in response"
	case !r.HasInit:
		return "no init function in response"
	case !r.HasShareScope:
		return "no shareScope reference in response"
	default:
		return ""
	}
}

// probeBodyLimit caps how much of a remote entry doctor reads. Federation
// manifests are small; anything larger is checked on its first megabytes.
const probeBodyLimit = 4 << 20

func probeRemote(ctx context.Context, client *http.Client, d descriptor.FragmentDescriptor) probeResult {
	result := probeResult{ID: d.ID, URL: d.URL}

	probeCtx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, d.URL, nil)
	if err != nil {
		result.Err = fmt.Errorf("building request: %w", err)
		return result
	}

	start := time.Now()
	resp, err := client.Do(req)
	result.Latency = time.Since(start)
	if err != nil {
		result.Err = err
		return result
	}
	defer func() { _ = resp.Body.Close() }()

	result.StatusCode = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, probeBodyLimit))
	if err != nil {
		result.Err = fmt.Errorf("reading response: %w", err)
		return result
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		return result
	}

	result.HasInit = bytes.Contains(body, []byte("init(")) || bytes.Contains(body, []byte(`"init"`))
	result.HasShareScope = bytes.Contains(body, []byte("shareScope"))
	return result
}

func runDoctor(cmd *cobra.Command, _ []string) error {
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

	var remotes []descriptor.FragmentDescriptor
	builtins := 0
	for _, d := range store.List() {
		if d.EffectiveKind() == descriptor.KindRemoteModule {
			remotes = append(remotes, d)
		} else {
			builtins++
		}
	}

	if len(remotes) == 0 {
		fmt.Printf("No remote fragments to probe (%d builtin).\n", builtins)
		return nil
	}

	client := &http.Client{Timeout: doctorTimeout}
	results := make([]probeResult, len(remotes))

	eg, egCtx := errgroup.WithContext(cmd.Context())
	eg.SetLimit(4)
	for i, d := range remotes {
		eg.Go(func() error {
			results[i] = probeRemote(egCtx, client, d)
			return nil
		})
	}
	_ = eg.Wait()

	failing := 0
	for _, r := range results {
		if !r.Healthy() {
			failing++
		}
	}

	if doctorReport {
		if err := printDoctorReport(results, builtins, failing); err != nil {
			return err
		}
	} else {
		printDoctorSummary(results, builtins, failing)
	}

	if failing > 0 {
		return fmt.Errorf("%d of %d remote fragments failing", failing, len(results))
	}
	return nil
}

func printDoctorSummary(results []probeResult, builtins, failing int) {
	okStyle := lipgloss.NewStyle().Foreground(styles.StatusSuccessColor)
	failStyle := lipgloss.NewStyle().Foreground(styles.StatusErrorColor)
	dimStyle := lipgloss.NewStyle().Foreground(styles.TextMutedColor)

	for _, r := range results {
		if r.Healthy() {
			fmt.Printf("%s %s %s\n",
				okStyle.Render("✓"),
				padRight(r.ID, 24),
				dimStyle.Render(fmt.Sprintf("%d, init+shareScope, %dms", r.StatusCode, r.Latency.Milliseconds())))
		} else {
			fmt.Printf("%s %s %s\n",
				failStyle.Render("✗"),
				padRight(r.ID, 24),
				failStyle.Render(r.problem()))
		}
	}

	fmt.Printf("\n%d healthy, %d failing of %d remotes", len(results)-failing, failing, len(results))
	if builtins > 0 {
		fmt.Printf(" (%d builtin skipped)", builtins)
	}
	fmt.Println()
}

func printDoctorReport(results []probeResult, builtins, failing int) error {
	var md strings.Builder
	md.WriteString("# Tessera Doctor Report\n\n")
	md.WriteString(fmt.Sprintf("Probed **%d** remote fragments against `%s`.\n\n", len(results), cfg.Shell.ConfigSource))
	md.WriteString("| Fragment | Status | Markers | Latency | Problem |\n")
	md.WriteString("|---|---|---|---|---|\n")
	for _, r := range results {
		status := "—"
		if r.StatusCode != 0 {
			status = fmt.Sprintf("%d", r.StatusCode)
		}
		markers := markerSummary(r)
		problem := r.problem()
		if problem == "" {
			problem = "—"
		}
		md.WriteString(fmt.Sprintf("| `%s` | %s | %s | %dms | %s |\n",
			r.ID, status, markers, r.Latency.Milliseconds(), problem))
	}
	md.WriteString(fmt.Sprintf("\n**%d healthy, %d failing** of %d remotes", len(results)-failing, failing, len(results)))
	if builtins > 0 {
		md.WriteString(fmt.Sprintf("; %d builtin fragments resolve in-process and were skipped", builtins))
	}
	md.WriteString(".\n")

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		// Plain markdown still reads fine.
		fmt.Print(md.String())
		return nil
	}
	out, err := renderer.Render(md.String())
	if err != nil {
		fmt.Print(md.String())
		return nil
	}
	fmt.Print(out)
	return nil
}

func markerSummary(r probeResult) string {
	switch {
	case r.HasInit && r.HasShareScope:
		return "init, shareScope"
	case r.HasInit:
		return "init only"
	case r.HasShareScope:
		return "shareScope only"
	default:
		return "none"
	}
}
