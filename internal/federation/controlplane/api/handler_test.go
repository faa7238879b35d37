package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/tessera/internal/federation/controlplane"
	"github.com/zjrosen/tessera/internal/federation/descriptor"
	"github.com/zjrosen/tessera/internal/federation/fragment"
	"github.com/zjrosen/tessera/internal/federation/sharedscope"
	"github.com/zjrosen/tessera/internal/federation/shell"
	"github.com/zjrosen/tessera/internal/testutil"
)

// === Helpers ===

// Provider keys carry an api- prefix so tests do not collide in the
// process-wide provider registry.

type stubFragment struct {
	mounts atomic.Int32
}

func (f *stubFragment) Mount(ctx context.Context, props fragment.Props) (fragment.Handle, error) {
	f.mounts.Add(1)
	props.Container.SetContent("ok")
	return fragment.HandleFunc(func(ctx context.Context) error {
		props.Container.SetContent("")
		return nil
	}), nil
}

// flakyFragment fails its first mount and succeeds afterwards.
type flakyFragment struct {
	mounts atomic.Int32
}

func (f *flakyFragment) Mount(ctx context.Context, props fragment.Props) (fragment.Handle, error) {
	if f.mounts.Add(1) == 1 {
		return nil, errors.New("render runtime exploded")
	}
	props.Container.SetContent("recovered")
	return fragment.HandleFunc(nil), nil
}

func registerFragment(t *testing.T, key string, f fragment.Fragment) {
	t.Helper()
	fragment.Register(key, func() fragment.Fragment { return f })
}

func newSession(t *testing.T, cfg descriptor.ShellConfiguration, deps ...sharedscope.Dependency) *shell.Session {
	t.Helper()
	s, err := shell.New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

// startedSession builds a session over frames one and two, each hosting a
// single builtin fragment, starts it on frame one, and waits for the mount.
func startedSession(t *testing.T, fragOne, fragTwo string) *shell.Session {
	t.Helper()
	registerFragment(t, fragOne, &stubFragment{})
	registerFragment(t, fragTwo, &stubFragment{})
	cfg := testutil.NewBuilder(t).
		WithFrame("one", testutil.Assigned(fragOne)).
		WithFrame("two", testutil.Assigned(fragTwo)).
		Build()
	s := newSession(t, cfg)
	require.NoError(t, s.Start(context.Background(), ""))
	waitForSlot(t, s, controlplane.SlotID("one", fragOne), controlplane.SlotMounted)
	return s
}

func waitForSlot(t *testing.T, s *shell.Session, slotID string, state controlplane.SlotState) {
	t.Helper()
	require.Eventually(t, func() bool {
		slot, err := s.Manager().Get(context.Background(), slotID)
		return err == nil && slot.State == state
	}, 2*time.Second, 5*time.Millisecond, "slot %s never reached %s", slotID, state)
}

func doRequest(t *testing.T, h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

// === Config Tests ===

func TestHandler_GetConfig(t *testing.T) {
	registerFragment(t, "api-cfg-welcome", &stubFragment{})
	cfg := testutil.NewBuilder(t).
		WithJobsScenario().
		WithFrame("home", testutil.AtOrder(0), testutil.Assigned("api-cfg-welcome")).
		Build()
	s := newSession(t, cfg)
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodGet, "/shell/config", nil)

	require.Equal(t, http.StatusOK, w.Code)
	payload := decodeBody[descriptor.WirePayload](t, w)

	// Frames come out in display order; home was forced ahead of jobs.
	require.Len(t, payload.Frames, 2)
	assert.Equal(t, "home", payload.Frames[0].ID)
	assert.Equal(t, "jobs", payload.Frames[1].ID)

	// Apps sorted by id, endpoint mirrored onto the deprecated alias.
	require.Len(t, payload.AvailableApps, 2)
	assert.Equal(t, "api-cfg-welcome", payload.AvailableApps[0].ID)
	assert.Equal(t, "job-management", payload.AvailableApps[1].ID)
	assert.Equal(t, "http://localhost:3001", payload.MainBackendURL)
	assert.Equal(t, "http://localhost:3001", payload.ServiceEndpoints[descriptor.CanonicalBackendKey])
}

func TestHandler_GetConfig_RoundTrips(t *testing.T) {
	cfg := testutil.NewBuilder(t).WithJobsScenario().Build()
	s := newSession(t, cfg)
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodGet, "/shell/config", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resolved, err := decodeBody[descriptor.WirePayload](t, w).Resolve()
	require.NoError(t, err)
	assert.Equal(t, cfg.OrderedFrames(), resolved.OrderedFrames())
	assert.Equal(t, cfg.AvailableFragments, resolved.AvailableFragments)
}

// === Fragment Catalog Tests ===

func TestHandler_ListFragments(t *testing.T) {
	cfg := testutil.NewBuilder(t).WithJobsScenario().Build()
	s := newSession(t, cfg)
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodGet, "/fragments", nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[ListFragmentsResponse](t, w)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "job-management", resp.Fragments[0].ID)
}

func TestHandler_GetFragment(t *testing.T) {
	cfg := testutil.NewBuilder(t).WithJobsScenario().Build()
	s := newSession(t, cfg)
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodGet, "/fragments/job-management", nil)

	require.Equal(t, http.StatusOK, w.Code)
	d := decodeBody[descriptor.FragmentDescriptor](t, w)
	assert.Equal(t, "job-management", d.ID)
	assert.Equal(t, descriptor.KindRemoteModule, d.Kind)
	assert.Equal(t, "./JobManagementApp", d.ExposedEntryPoint)
}

func TestHandler_GetFragment_NotFound(t *testing.T) {
	cfg := testutil.NewBuilder(t).WithJobsScenario().Build()
	s := newSession(t, cfg)
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodGet, "/fragments/ghost", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeBody[ErrorResponse](t, w)
	assert.Equal(t, "not_found", resp.Code)
}

// === Frame Tests ===

func TestHandler_ListFrames(t *testing.T) {
	s := startedSession(t, "api-lf-one", "api-lf-two")
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodGet, "/frames", nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[ListFramesResponse](t, w)
	require.Len(t, resp.Frames, 2)
	assert.Equal(t, "one", resp.ActiveFrame)

	assert.Equal(t, "one", resp.Frames[0].ID)
	assert.True(t, resp.Frames[0].Active)
	require.Len(t, resp.Frames[0].Slots, 1)
	assert.Equal(t, controlplane.SlotMounted, resp.Frames[0].Slots[0].State)

	assert.Equal(t, "two", resp.Frames[1].ID)
	assert.False(t, resp.Frames[1].Active)
	assert.Empty(t, resp.Frames[1].Slots)
}

func TestHandler_Navigate(t *testing.T) {
	s := startedSession(t, "api-nav-one", "api-nav-two")
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodPost, "/navigate", NavigateRequest{FrameID: "two"})

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "two", s.Router().ActiveFrame())
	waitForSlot(t, s, controlplane.SlotID("two", "api-nav-two"), controlplane.SlotMounted)
}

func TestHandler_Navigate_UnknownFrame(t *testing.T) {
	s := startedSession(t, "api-nuf-one", "api-nuf-two")
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodPost, "/navigate", NavigateRequest{FrameID: "ghost"})

	require.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeBody[ErrorResponse](t, w)
	assert.Equal(t, "not_found", resp.Code)
}

func TestHandler_Navigate_MissingFrameID(t *testing.T) {
	s := startedSession(t, "api-nmf-one", "api-nmf-two")
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodPost, "/navigate", NavigateRequest{})

	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeBody[ErrorResponse](t, w)
	assert.Equal(t, "validation_error", resp.Code)
}

func TestHandler_Navigate_InvalidJSON(t *testing.T) {
	s := startedSession(t, "api-nij-one", "api-nij-two")
	h := NewHandler(s)

	req := httptest.NewRequest(http.MethodPost, "/navigate", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeBody[ErrorResponse](t, w)
	assert.Equal(t, "invalid_json", resp.Code)
}

// === Slot Tests ===

func TestHandler_ListSlots(t *testing.T) {
	s := startedSession(t, "api-ls-one", "api-ls-two")
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodGet, "/slots", nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[ListSlotsResponse](t, w)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "one/api-ls-one", resp.Slots[0].ID)
}

func TestHandler_ListSlots_FilterState(t *testing.T) {
	s := startedSession(t, "api-lsf-one", "api-lsf-two")
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodGet, "/slots?frame=one&state=mounted", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[ListSlotsResponse](t, w)
	require.Equal(t, 1, resp.Total)

	w = doRequest(t, h, http.MethodGet, "/slots?state=failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeBody[ListSlotsResponse](t, w)
	assert.Zero(t, resp.Total)
}

func TestHandler_ListSlots_InvalidState(t *testing.T) {
	s := startedSession(t, "api-lsi-one", "api-lsi-two")
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodGet, "/slots?state=melted", nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeBody[ErrorResponse](t, w)
	assert.Equal(t, "validation_error", resp.Code)
}

func TestHandler_GetSlot(t *testing.T) {
	s := startedSession(t, "api-gs-one", "api-gs-two")
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodGet, "/slots/one/api-gs-one", nil)

	require.Equal(t, http.StatusOK, w.Code)
	slot := decodeBody[controlplane.Slot](t, w)
	assert.Equal(t, "one/api-gs-one", slot.ID)
	assert.Equal(t, controlplane.SlotMounted, slot.State)
	assert.Equal(t, uint64(1), slot.Generation)
}

func TestHandler_GetSlot_NotFound(t *testing.T) {
	s := startedSession(t, "api-gsn-one", "api-gsn-two")
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodGet, "/slots/one/ghost", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeBody[ErrorResponse](t, w)
	assert.Equal(t, "not_found", resp.Code)
}

func TestHandler_RetrySlot(t *testing.T) {
	registerFragment(t, "api-retry", &flakyFragment{})
	cfg := testutil.NewBuilder(t).
		WithFrame("one", testutil.Assigned("api-retry")).
		Build()
	s := newSession(t, cfg)
	require.NoError(t, s.Start(context.Background(), ""))
	slotID := controlplane.SlotID("one", "api-retry")
	waitForSlot(t, s, slotID, controlplane.SlotFailed)
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodPost, "/slots/one/api-retry/retry", nil)

	require.Equal(t, http.StatusOK, w.Code)
	slot := decodeBody[controlplane.Slot](t, w)
	assert.Equal(t, controlplane.SlotMounted, slot.State)
	assert.Equal(t, uint64(2), slot.Generation)
}

func TestHandler_RetrySlot_NotFailed(t *testing.T) {
	s := startedSession(t, "api-rnf-one", "api-rnf-two")
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodPost, "/slots/one/api-rnf-one/retry", nil)

	require.Equal(t, http.StatusConflict, w.Code)
	resp := decodeBody[ErrorResponse](t, w)
	assert.Equal(t, "not_failed", resp.Code)
}

func TestHandler_RetrySlot_NotFound(t *testing.T) {
	s := startedSession(t, "api-rnx-one", "api-rnx-two")
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodPost, "/slots/one/ghost/retry", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeBody[ErrorResponse](t, w)
	assert.Equal(t, "not_found", resp.Code)
}

// === Shared Scope Tests ===

func TestHandler_GetShared(t *testing.T) {
	cfg := testutil.NewBuilder(t).WithJobsScenario().Build()
	s := newSession(t, cfg, sharedscope.Dependency{
		Name:      "rendering-runtime",
		Version:   "18.2.0",
		Singleton: true,
		Factory:   func() (any, error) { return struct{}{}, nil },
	})
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodGet, "/shared", nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[SharedResponse](t, w)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "rendering-runtime", resp.Dependencies[0].Library)
	assert.Equal(t, "18.2.0", resp.Dependencies[0].Version)
	assert.True(t, resp.Dependencies[0].Singleton)
	assert.False(t, resp.Dependencies[0].Instantiated)
}

// === Health Tests ===

func TestHandler_Health(t *testing.T) {
	s := startedSession(t, "api-hl-one", "api-hl-two")
	h := NewHandler(s)

	w := doRequest(t, h, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "one", resp.ActiveFrame)
	assert.Equal(t, 1, resp.Generation)
	assert.Equal(t, 1, resp.Slots["mounted"])
}

// === Preference Tests ===

func TestHandler_PutPreferences(t *testing.T) {
	registerFragment(t, "api-pref-a", &stubFragment{})
	registerFragment(t, "api-pref-b", &stubFragment{})
	cfg := testutil.NewBuilder(t).
		WithFrame("start", testutil.Assigned("api-pref-a")).
		Build()
	s := newSession(t, cfg)
	require.NoError(t, s.Start(context.Background(), ""))

	db := testutil.NewTestDB(t)
	h := NewHandlerWithConfig(HandlerConfig{
		Session:     s,
		Preferences: db.Preferences(),
	})

	payload := descriptor.ToWire(testutil.NewBuilder(t).
		WithFrame("edited", testutil.Assigned("api-pref-b")).
		Build())
	w := doRequest(t, h, http.MethodPut, "/shell/preferences", payload)

	require.Equal(t, http.StatusNoContent, w.Code)

	// The running session swapped to the edited configuration.
	assert.Equal(t, 2, s.Generation())
	require.Len(t, s.Configuration().Frames, 1)
	assert.Equal(t, "edited", s.Configuration().Frames[0].ID)
	waitForSlot(t, s, controlplane.SlotID("edited", "api-pref-b"), controlplane.SlotMounted)

	// And the preference survived to disk under the default profile.
	saved, err := db.Preferences().Find("default")
	require.NoError(t, err)
	require.Len(t, saved.Config.Frames, 1)
	assert.Equal(t, "edited", saved.Config.Frames[0].ID)
}

func TestHandler_PutPreferences_ProfileOverride(t *testing.T) {
	registerFragment(t, "api-prof-a", &stubFragment{})
	cfg := testutil.NewBuilder(t).
		WithFrame("start", testutil.Assigned("api-prof-a")).
		Build()
	s := newSession(t, cfg)

	db := testutil.NewTestDB(t)
	h := NewHandlerWithConfig(HandlerConfig{Session: s, Preferences: db.Preferences()})

	payload := descriptor.ToWire(cfg)
	w := doRequest(t, h, http.MethodPut, "/shell/preferences?profile=work", payload)

	require.Equal(t, http.StatusNoContent, w.Code)

	_, err := db.Preferences().Find("work")
	require.NoError(t, err)
	_, err = db.Preferences().Find("default")
	require.Error(t, err)
}

func TestHandler_PutPreferences_InvalidConfiguration(t *testing.T) {
	registerFragment(t, "api-pinv-a", &stubFragment{})
	cfg := testutil.NewBuilder(t).
		WithFrame("start", testutil.Assigned("api-pinv-a")).
		Build()
	s := newSession(t, cfg)
	h := NewHandler(s)

	payload := descriptor.WirePayload{
		Frames:        []descriptor.Frame{{ID: "broken"}},
		AvailableApps: []descriptor.FragmentDescriptor{{ID: "no-entry-point"}},
	}
	w := doRequest(t, h, http.MethodPut, "/shell/preferences", payload)

	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeBody[ErrorResponse](t, w)
	assert.Equal(t, "invalid_configuration", resp.Code)

	// The running configuration is untouched.
	assert.Equal(t, 1, s.Generation())
	assert.Equal(t, "start", s.Configuration().Frames[0].ID)
}

func TestHandler_PutPreferences_InvalidJSON(t *testing.T) {
	registerFragment(t, "api-pjson-a", &stubFragment{})
	cfg := testutil.NewBuilder(t).
		WithFrame("start", testutil.Assigned("api-pjson-a")).
		Build()
	s := newSession(t, cfg)
	h := NewHandler(s)

	req := httptest.NewRequest(http.MethodPut, "/shell/preferences", strings.NewReader("{nope"))
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeBody[ErrorResponse](t, w)
	assert.Equal(t, "invalid_json", resp.Code)
}

// === SSE Tests ===

func TestHandler_StreamEvents(t *testing.T) {
	registerFragment(t, "api-sse", &stubFragment{})
	cfg := testutil.NewBuilder(t).
		WithFrame("one", testutil.Assigned("api-sse")).
		Build()
	s := newSession(t, cfg)
	h := NewHandler(s)

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	// The connected handshake confirms the subscription exists before any
	// lifecycle events are published.
	requireEventLine(t, lines, "event: connected")

	require.NoError(t, s.Start(ctx, ""))

	requireEventLine(t, lines, "event: navigation")
	data := requireEventLine(t, lines, "data: ")
	assert.Contains(t, data, `"to":"one"`)

	// The mount pipeline follows with slot transitions.
	requireEventLine(t, lines, "event: slot-transition")
	data = requireEventLine(t, lines, "data: ")
	assert.Contains(t, data, `"one/api-sse"`)
}

// requireEventLine reads lines until one starts with prefix, failing the
// test if the stream ends or the deadline passes first.
func requireEventLine(t *testing.T, lines <-chan string, prefix string) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream ended before a %q line", prefix)
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-deadline:
			t.Fatalf("no line with prefix %q within deadline", prefix)
		}
	}
}
