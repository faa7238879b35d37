package loader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/tessera/internal/federation/descriptor"
	"github.com/zjrosen/tessera/internal/federation/fragment"
	"github.com/zjrosen/tessera/internal/federation/sharedscope"
)

// === Helper Functions ===

const testFactoryKey = "loader-test-main"

func init() {
	fragment.Register(testFactoryKey, func() fragment.Fragment {
		return fragment.Func(func(ctx context.Context, props fragment.Props) (fragment.Handle, error) {
			return fragment.HandleFunc(nil), nil
		})
	})
}

const catalogManifest = `{
	"name": "Catalog",
	"fragmentId": "catalog",
	"shareScope": "default",
	"shared": [{"lib": "rendering-runtime", "requiredVersion": "^18.0.0", "singleton": true}],
	"modules": {"./mount": {"factory": "loader-test-main"}}
}`

// manifestServer serves catalogManifest and counts fetches.
func manifestServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	fetches := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_, _ = w.Write([]byte(catalogManifest))
	}))
	t.Cleanup(srv.Close)
	return srv, fetches
}

func catalogDescriptor(url string) descriptor.FragmentDescriptor {
	return descriptor.FragmentDescriptor{
		ID:                "catalog",
		Name:              "Catalog",
		Kind:              descriptor.KindRemoteModule,
		URL:               url,
		ExposedEntryPoint: "./mount",
	}
}

// === Unit Tests: Load ===

func TestLoader_Load_ResolvesManifest(t *testing.T) {
	srv, _ := manifestServer(t)
	l := New(Config{Timeout: 5 * time.Second})

	entry, err := l.Load(context.Background(), catalogDescriptor(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, "catalog", entry.FragmentID)
	assert.Equal(t, "Catalog", entry.Name)
	assert.Equal(t, []string{"./mount"}, entry.EntryPoints())
	require.Len(t, entry.Shared, 1)
	assert.Equal(t, "rendering-runtime", entry.Shared[0].Lib)

	factory, err := entry.Get("./mount")
	require.NoError(t, err)
	require.NotNil(t, factory())
}

func TestLoader_Load_SecondCallHitsCache(t *testing.T) {
	srv, fetches := manifestServer(t)
	l := New(Config{Timeout: 5 * time.Second})
	d := catalogDescriptor(srv.URL)

	first, err := l.Load(context.Background(), d)
	require.NoError(t, err)
	second, err := l.Load(context.Background(), d)
	require.NoError(t, err)

	assert.Same(t, first, second, "cached entry should be the same object")
	assert.Equal(t, int32(1), fetches.Load())
}

func TestLoader_Load_ConcurrentCallsShareOneFetch(t *testing.T) {
	srv, fetches := manifestServer(t)
	l := New(Config{Timeout: 5 * time.Second})
	d := catalogDescriptor(srv.URL)

	const numCallers = 20
	var wg sync.WaitGroup
	wg.Add(numCallers)
	start := make(chan struct{})

	for i := 0; i < numCallers; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, err := l.Load(context.Background(), d)
			require.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load(), "concurrent loads must share one network fetch")
}

func TestLoader_Load_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	l := New(Config{Timeout: 50 * time.Millisecond})

	_, err := l.Load(context.Background(), catalogDescriptor(srv.URL))
	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "catalog")
}

func TestLoader_Load_NotFoundIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	l := New(Config{Timeout: 5 * time.Second})

	_, err := l.Load(context.Background(), catalogDescriptor(srv.URL))
	require.ErrorIs(t, err, ErrNetwork)
	assert.Contains(t, err.Error(), "status 404")
}

func TestLoader_Load_ConnectionRefusedIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	l := New(Config{Timeout: time.Second})

	_, err := l.Load(context.Background(), catalogDescriptor(srv.URL))
	require.ErrorIs(t, err, ErrNetwork)
}

func TestLoader_Load_MalformedManifestIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>definitely not a manifest</html>"))
	}))
	defer srv.Close()

	l := New(Config{Timeout: 5 * time.Second})

	_, err := l.Load(context.Background(), catalogDescriptor(srv.URL))
	require.ErrorIs(t, err, ErrNetwork)
	assert.Contains(t, err.Error(), "malformed")
}

func TestLoader_Load_DeclaredEntryPointMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"Catalog","modules":{"./other":{"factory":"loader-test-main"}}}`))
	}))
	defer srv.Close()

	l := New(Config{Timeout: 5 * time.Second})

	_, err := l.Load(context.Background(), catalogDescriptor(srv.URL))
	require.ErrorIs(t, err, ErrEntryPointMissing)
	assert.Contains(t, err.Error(), "./mount")
}

func TestLoader_Load_UnregisteredFactoryIsEntryPointMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"Catalog","modules":{"./mount":{"factory":"no-such-provider"}}}`))
	}))
	defer srv.Close()

	l := New(Config{Timeout: 5 * time.Second})

	_, err := l.Load(context.Background(), catalogDescriptor(srv.URL))
	require.ErrorIs(t, err, ErrEntryPointMissing)
	assert.Contains(t, err.Error(), "no-such-provider")
}

func TestLoader_Load_CallerCancellationIsNotTagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	l := New(Config{Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := l.Load(ctx, catalogDescriptor(srv.URL))
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrNetwork)
}

// === Unit Tests: Failure Clears Cache ===

func TestLoader_Load_FailureIsNotPoisoned(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	fetches := &atomic.Int32{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		if failing.Load() {
			http.Error(w, "remote down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(catalogManifest))
	}))
	defer srv.Close()

	l := New(Config{Timeout: 5 * time.Second})
	d := catalogDescriptor(srv.URL)

	_, err := l.Load(context.Background(), d)
	require.ErrorIs(t, err, ErrNetwork)

	// Remote recovers; the retry must re-fetch rather than replay the failure.
	failing.Store(false)
	entry, err := l.Load(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "catalog", entry.FragmentID)
	assert.Equal(t, int32(2), fetches.Load())
}

// === Unit Tests: Builtin Short-Circuit ===

func TestLoader_Load_BuiltinSkipsNetwork(t *testing.T) {
	fragment.Register("builtin-clock", func() fragment.Fragment {
		return fragment.Func(func(ctx context.Context, props fragment.Props) (fragment.Handle, error) {
			return fragment.HandleFunc(nil), nil
		})
	})

	l := New(Config{Timeout: 5 * time.Second})
	d := descriptor.FragmentDescriptor{
		ID:                "builtin-clock",
		Name:              "Clock",
		Kind:              descriptor.KindBuiltin,
		ExposedEntryPoint: "./mount",
	}

	entry, err := l.Load(context.Background(), d)
	require.NoError(t, err)

	factory, err := entry.Get("./mount")
	require.NoError(t, err)
	require.NotNil(t, factory())
}

func TestLoader_Load_BuiltinWithoutProviderFails(t *testing.T) {
	l := New(Config{Timeout: 5 * time.Second})
	d := descriptor.FragmentDescriptor{
		ID:                "never-compiled-in",
		Kind:              descriptor.KindBuiltin,
		ExposedEntryPoint: "./mount",
	}

	_, err := l.Load(context.Background(), d)
	require.ErrorIs(t, err, ErrEntryPointMissing)
}

// === Unit Tests: Evict / CachedIDs ===

func TestLoader_Evict_ForcesRefetch(t *testing.T) {
	srv, fetches := manifestServer(t)
	l := New(Config{Timeout: 5 * time.Second})
	d := catalogDescriptor(srv.URL)

	_, err := l.Load(context.Background(), d)
	require.NoError(t, err)

	l.Evict(context.Background(), d.ID)

	_, err = l.Load(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetches.Load())
}

func TestLoader_CachedIDs(t *testing.T) {
	srv, _ := manifestServer(t)
	l := New(Config{Timeout: 5 * time.Second})

	assert.Empty(t, l.CachedIDs(context.Background()))

	_, err := l.Load(context.Background(), catalogDescriptor(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, []string{"catalog"}, l.CachedIDs(context.Background()))
}

// === Unit Tests: RemoteEntry.Init ===

func TestRemoteEntry_Init_AcquiresAllRequirements(t *testing.T) {
	scope, err := sharedscope.NewRegistryWith(
		sharedscope.Dependency{
			Name: "rendering-runtime", Version: "18.2.0", Singleton: true,
			Factory: func() (any, error) { return &struct{ x int }{}, nil },
		},
		sharedscope.Dependency{
			Name: "widget-kit", Version: "2.4.1",
			Factory: func() (any, error) { return &struct{ y int }{}, nil },
		},
	)
	require.NoError(t, err)

	entry := &RemoteEntry{
		FragmentID: "catalog",
		Shared: []SharedRequirement{
			{Lib: "rendering-runtime", RequiredVersion: "^18.0.0", Singleton: true},
			{Lib: "widget-kit", RequiredVersion: "^2.0.0"},
		},
	}

	leases, err := entry.Init(scope)
	require.NoError(t, err)
	require.Len(t, leases, 2)

	snap := scope.Snapshot()
	assert.Equal(t, 1, snap[0].Consumers)
	assert.Equal(t, 1, snap[1].Consumers)
}

func TestRemoteEntry_Init_ConflictReleasesPartialLeases(t *testing.T) {
	scope, err := sharedscope.NewRegistryWith(
		sharedscope.Dependency{
			Name: "rendering-runtime", Version: "18.2.0", Singleton: true,
			Factory: func() (any, error) { return &struct{ x int }{}, nil },
		},
		sharedscope.Dependency{
			Name: "widget-kit", Version: "2.4.1",
			Factory: func() (any, error) { return &struct{ y int }{}, nil },
		},
	)
	require.NoError(t, err)

	entry := &RemoteEntry{
		FragmentID: "legacy-app",
		Shared: []SharedRequirement{
			{Lib: "widget-kit", RequiredVersion: "^2.0.0"},
			{Lib: "rendering-runtime", RequiredVersion: "^17.0.0", Singleton: true},
		},
	}

	_, err = entry.Init(scope)
	require.ErrorIs(t, err, sharedscope.ErrConflict)

	// The widget-kit lease acquired before the conflict must be released.
	for _, slot := range scope.Snapshot() {
		assert.Equal(t, 0, slot.Consumers, "no leaked consumers on %s", slot.Library)
	}
}
