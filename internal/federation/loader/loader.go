// Package loader fetches and materializes remote fragment entries. Loads
// are idempotent per fragment id: concurrent requests share one in-flight
// fetch, resolved entries are cached for the session, and a failed load
// clears its cache slot so a later retry re-attempts the network fetch.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zjrosen/tessera/internal/cachemanager"
	"github.com/zjrosen/tessera/internal/federation/descriptor"
	"github.com/zjrosen/tessera/internal/log"
)

var (
	// ErrTimeout is returned when a remote fetch exceeds the configured
	// deadline.
	ErrTimeout = errors.New("remote load timeout")
	// ErrNetwork is returned on transport failure, non-2xx status, or a
	// body that is not a remote entry.
	ErrNetwork = errors.New("remote load network error")
	// ErrEntryPointMissing is returned when a loaded remote does not expose
	// the descriptor's declared entry point.
	ErrEntryPointMissing = errors.New("remote entry point missing")
)

const cacheUseCase = "remote-entry"

// Config controls fetch deadlines and cache lifetime.
type Config struct {
	// Timeout bounds each remote fetch. Zero means DefaultTimeout.
	Timeout time.Duration
	// CacheTTL bounds how long a resolved entry stays cached. Zero or
	// negative means the session lifetime.
	CacheTTL time.Duration
}

// DefaultTimeout bounds remote fetches when no timeout is configured.
const DefaultTimeout = 15 * time.Second

// Loader resolves fragment descriptors into remote entries.
type Loader struct {
	client  *http.Client
	timeout time.Duration
	cache   cachemanager.CacheManager[string, *RemoteEntry]
	group   singleflight.Group
}

// New creates a loader with a session-scoped entry cache.
func New(cfg Config) *Loader {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ttl := cfg.CacheTTL
	cleanup := 2 * ttl
	if ttl <= 0 {
		ttl = cachemanager.NoExpiration
		cleanup = 0
	}
	return &Loader{
		client:  &http.Client{},
		timeout: timeout,
		cache:   cachemanager.NewInMemoryCacheManager[string, *RemoteEntry](cacheUseCase, ttl, cleanup),
	}
}

// Load materializes the remote entry for a descriptor. Idempotent per
// descriptor id: repeated and concurrent calls share one fetch, and the
// result is cached until eviction or failure. Builtin descriptors skip the
// network and resolve against the provider registry directly.
func (l *Loader) Load(ctx context.Context, d descriptor.FragmentDescriptor) (*RemoteEntry, error) {
	if entry, ok := l.cache.Get(ctx, d.ID); ok {
		return entry, nil
	}

	result, err, shared := l.group.Do(d.ID, func() (any, error) {
		// A call that queued behind the winning flight finds the entry
		// already cached.
		if entry, ok := l.cache.Get(ctx, d.ID); ok {
			return entry, nil
		}

		entry, err := l.materialize(ctx, d)
		if err != nil {
			// Clear any stale entry so a retry re-attempts the fetch.
			_ = l.cache.Delete(ctx, d.ID)
			return nil, err
		}

		l.cache.Set(ctx, d.ID, entry, 0)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		log.Debug(log.CatLoader, "load shared with in-flight fetch", "fragment", d.ID)
	}
	return result.(*RemoteEntry), nil
}

// Evict drops a cached entry so the next load re-fetches.
func (l *Loader) Evict(ctx context.Context, id string) {
	_ = l.cache.Delete(ctx, id)
}

// CachedIDs returns the fragment ids currently resolved, for diagnostics.
func (l *Loader) CachedIDs(ctx context.Context) []string {
	manager, ok := l.cache.(*cachemanager.InMemoryCacheManager[string, *RemoteEntry])
	if !ok {
		return nil
	}
	return manager.Keys(ctx)
}

func (l *Loader) materialize(ctx context.Context, d descriptor.FragmentDescriptor) (*RemoteEntry, error) {
	if d.EffectiveKind() == descriptor.KindBuiltin {
		return l.builtinEntry(d)
	}

	body, err := l.fetch(ctx, d)
	if err != nil {
		return nil, err
	}

	m, err := parseManifest(d.ID, body)
	if err != nil {
		return nil, err
	}

	entry := &RemoteEntry{
		FragmentID: d.ID,
		Name:       m.Name,
		ShareScope: m.ShareScope,
		Shared:     m.Shared,
		modules:    make(map[string]string, len(m.Modules)),
	}
	for entryPoint, ref := range m.Modules {
		entry.modules[entryPoint] = ref.Factory
	}

	// The declared entry point must be usable now, not at mount time.
	if _, err := entry.Get(d.ExposedEntryPoint); err != nil {
		return nil, err
	}

	log.Info(log.CatLoader, "remote entry resolved",
		"fragment", d.ID, "entryPoints", len(entry.modules), "shared", len(entry.Shared))
	return entry, nil
}

// builtinEntry short-circuits to the provider registry for fragments
// compiled into the host. The provider key is the fragment id.
func (l *Loader) builtinEntry(d descriptor.FragmentDescriptor) (*RemoteEntry, error) {
	entry := &RemoteEntry{
		FragmentID: d.ID,
		Name:       d.Name,
		ShareScope: "default",
		modules:    map[string]string{d.ExposedEntryPoint: d.ID},
	}
	if _, err := entry.Get(d.ExposedEntryPoint); err != nil {
		return nil, err
	}
	return entry, nil
}

func (l *Loader) fetch(parent context.Context, d descriptor.FragmentDescriptor) ([]byte, error) {
	ctx, cancel := context.WithTimeout(parent, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNetwork, d.ID, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, l.classifyFetchError(parent, d, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrNetwork, d.ID, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, l.classifyFetchError(parent, d, err)
	}

	log.Debug(log.CatLoader, "remote entry fetched",
		"fragment", d.ID, "bytes", len(body), "elapsed", time.Since(start).Round(time.Millisecond))
	return body, nil
}

// classifyFetchError separates deadline expiry from transport failure.
// Caller-driven cancellation passes through untagged; it is not a load
// failure.
func (l *Loader) classifyFetchError(parent context.Context, d descriptor.FragmentDescriptor, err error) error {
	if errors.Is(err, context.Canceled) && parent.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s exceeded %s", ErrTimeout, d.ID, l.timeout)
	}
	return fmt.Errorf("%w: %s: %w", ErrNetwork, d.ID, err)
}
