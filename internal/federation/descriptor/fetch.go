package descriptor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/tessera/internal/log"
)

// WirePayload is the shell configuration as served by the configuration
// endpoint. It differs from ShellConfiguration in two ways: fragments arrive
// as an array rather than a map, and older endpoints carry the backend URL
// in the deprecated top-level mainBackendUrl field.
type WirePayload struct {
	Frames           []Frame              `json:"frames" yaml:"frames"`
	AvailableApps    []FragmentDescriptor `json:"availableApps" yaml:"availableApps"`
	MainBackendURL   string               `json:"mainBackendUrl" yaml:"mainBackendUrl"`
	ServiceEndpoints map[string]string    `json:"serviceEndpoints" yaml:"serviceEndpoints"`
}

// Client fetches and normalizes shell configuration. Sources may be HTTP(S)
// URLs or local file paths; files exist for development and tests.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a configuration client with the given fetch timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch retrieves the shell configuration from source and normalizes it.
// A failure here is fatal to shell startup; callers are expected to abort
// rather than start with a partial configuration.
func (c *Client) Fetch(ctx context.Context, source string) (ShellConfiguration, error) {
	var (
		payload WirePayload
		err     error
	)
	if isRemoteSource(source) {
		payload, err = c.fetchHTTP(ctx, source)
	} else {
		payload, err = loadFile(source)
	}
	if err != nil {
		return ShellConfiguration{}, err
	}
	return payload.Resolve()
}

func isRemoteSource(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

func (c *Client) fetchHTTP(ctx context.Context, url string) (WirePayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return WirePayload{}, fmt.Errorf("failed to build shell config request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return WirePayload{}, fmt.Errorf("failed to fetch shell config from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return WirePayload{}, fmt.Errorf("shell config endpoint %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return WirePayload{}, fmt.Errorf("failed to read shell config response: %w", err)
	}

	var payload WirePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return WirePayload{}, fmt.Errorf("failed to parse shell config from %s: %w", url, err)
	}
	return payload, nil
}

func loadFile(path string) (WirePayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WirePayload{}, fmt.Errorf("failed to read shell config file: %w", err)
	}

	var payload WirePayload
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &payload); err != nil {
			return WirePayload{}, fmt.Errorf("failed to parse shell config file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &payload); err != nil {
			return WirePayload{}, fmt.Errorf("failed to parse shell config file %s: %w", path, err)
		}
	}
	return payload, nil
}

// Resolve converts the wire form into the resolved configuration:
// fragments become a map keyed by id, and the deprecated mainBackendUrl
// field folds into serviceEndpoints under the canonical key. The canonical
// key wins when both are present.
func (p WirePayload) Resolve() (ShellConfiguration, error) {
	fragments := make(map[string]FragmentDescriptor, len(p.AvailableApps))
	for _, d := range p.AvailableApps {
		if err := d.Validate(); err != nil {
			return ShellConfiguration{}, err
		}
		if _, exists := fragments[d.ID]; exists {
			return ShellConfiguration{}, fmt.Errorf("%w: %s appears twice in availableApps", ErrDuplicateFragmentID, d.ID)
		}
		fragments[d.ID] = d
	}

	endpoints := make(map[string]string, len(p.ServiceEndpoints)+1)
	for k, v := range p.ServiceEndpoints {
		endpoints[k] = v
	}
	if p.MainBackendURL != "" {
		if _, ok := endpoints[CanonicalBackendKey]; ok {
			log.Warn(log.CatStore, "ignoring deprecated mainBackendUrl, serviceEndpoints takes precedence",
				"key", CanonicalBackendKey)
		} else {
			log.Warn(log.CatStore, "mainBackendUrl is deprecated, migrate to serviceEndpoints",
				"key", CanonicalBackendKey)
			endpoints[CanonicalBackendKey] = p.MainBackendURL
		}
	}

	cfg := ShellConfiguration{
		Frames:             p.Frames,
		AvailableFragments: fragments,
		ServiceEndpoints:   endpoints,
	}
	if err := cfg.Validate(); err != nil {
		return ShellConfiguration{}, err
	}
	return cfg, nil
}

// ToWire converts a resolved configuration back into the wire form, for
// re-serving. Frames come out in display order and fragments sorted by id;
// mainBackendUrl is mirrored from the canonical endpoint for old clients.
func ToWire(cfg ShellConfiguration) WirePayload {
	apps := make([]FragmentDescriptor, 0, len(cfg.AvailableFragments))
	for _, d := range cfg.AvailableFragments {
		apps = append(apps, d)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].ID < apps[j].ID })

	p := WirePayload{
		Frames:           cfg.OrderedFrames(),
		AvailableApps:    apps,
		ServiceEndpoints: cfg.ServiceEndpoints,
	}
	if u, ok := cfg.MainBackendURL(); ok {
		p.MainBackendURL = u
	}
	return p
}
