// Package api provides the HTTP surface of the shell runtime.
// It exposes REST endpoints for configuration, frames, slots, and the shared
// dependency scope, plus SSE for lifecycle event streaming.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/tessera/internal/federation/controlplane"
	"github.com/zjrosen/tessera/internal/federation/descriptor"
	"github.com/zjrosen/tessera/internal/federation/events"
	"github.com/zjrosen/tessera/internal/federation/router"
	"github.com/zjrosen/tessera/internal/federation/sharedscope"
	"github.com/zjrosen/tessera/internal/federation/shell"
	"github.com/zjrosen/tessera/internal/infrastructure/sqlite"
	"github.com/zjrosen/tessera/internal/log"
)

// Handler provides HTTP endpoints for one shell session.
type Handler struct {
	session *shell.Session
	prefs   *sqlite.PreferencesRepository
	profile string
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// Session is the running shell session (required).
	Session *shell.Session
	// Preferences persists configurations submitted through
	// PUT /shell/preferences (optional). If nil, preference edits apply
	// to the session but do not survive a restart.
	Preferences *sqlite.PreferencesRepository
	// Profile names the preference profile to persist under.
	// Defaults to "default".
	Profile string
}

// NewHandler creates an API handler for the given session.
func NewHandler(session *shell.Session) *Handler {
	return &Handler{session: session, profile: "default"}
}

// NewHandlerWithConfig creates an API handler with full configuration.
func NewHandlerWithConfig(cfg HandlerConfig) *Handler {
	profile := cfg.Profile
	if profile == "" {
		profile = "default"
	}
	return &Handler{
		session: cfg.Session,
		prefs:   cfg.Preferences,
		profile: profile,
	}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Shell configuration
	mux.HandleFunc("GET /shell/config", h.GetConfig)
	mux.HandleFunc("PUT /shell/preferences", h.PutPreferences)

	// Fragment catalog
	mux.HandleFunc("GET /fragments", h.ListFragments)
	mux.HandleFunc("GET /fragments/{id}", h.GetFragment)

	// Frames and navigation
	mux.HandleFunc("GET /frames", h.ListFrames)
	mux.HandleFunc("POST /navigate", h.Navigate)

	// Slots
	mux.HandleFunc("GET /slots", h.ListSlots)
	mux.HandleFunc("GET /slots/{frame}/{fragment}", h.GetSlot)
	mux.HandleFunc("POST /slots/{frame}/{fragment}/retry", h.RetrySlot)

	// Shared dependency scope
	mux.HandleFunc("GET /shared", h.GetShared)

	// Event streaming
	mux.HandleFunc("GET /events", h.StreamEvents)

	// Health check
	mux.HandleFunc("GET /healthz", h.Health)

	return mux
}

// === Request/Response Types ===

// NavigateRequest is the request body for switching the active frame.
type NavigateRequest struct {
	FrameID string `json:"frameId"`
}

// FrameResponse is one frame with its live slot states.
type FrameResponse struct {
	ID     string              `json:"id"`
	Name   string              `json:"name"`
	Order  int                 `json:"order"`
	Active bool                `json:"active"`
	Slots  []controlplane.Slot `json:"slots"`
}

// ListFramesResponse is the response body for listing frames.
type ListFramesResponse struct {
	Frames      []FrameResponse `json:"frames"`
	ActiveFrame string          `json:"activeFrame"`
}

// ListFragmentsResponse is the response body for the fragment catalog.
type ListFragmentsResponse struct {
	Fragments []descriptor.FragmentDescriptor `json:"fragments"`
	Total     int                             `json:"total"`
}

// ListSlotsResponse is the response body for listing slots.
type ListSlotsResponse struct {
	Slots []controlplane.Slot `json:"slots"`
	Total int                 `json:"total"`
}

// SharedResponse is the response body for the shared dependency snapshot.
type SharedResponse struct {
	Dependencies []sharedscope.SlotStatus `json:"dependencies"`
	Total        int                      `json:"total"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status      string         `json:"status"`
	ActiveFrame string         `json:"activeFrame,omitempty"`
	Generation  int            `json:"generation"`
	Slots       map[string]int `json:"slots,omitempty"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// StreamedEvent is the SSE data payload: the lifecycle event plus the
// broker's publish timestamp.
type StreamedEvent struct {
	events.Event
	Timestamp time.Time `json:"timestamp"`
}

// === Handlers ===

// GetConfig serves the session's resolved configuration in the wire shape
// consumed at startup, so the runtime can stand in for the configuration
// endpoint it was booted from.
// GET /shell/config
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.session.Configuration()
	h.writeJSON(w, http.StatusOK, descriptor.ToWire(cfg))
}

// PutPreferences applies a locally mutated configuration: persists it under
// the preference profile and reconfigures the running session.
// PUT /shell/preferences
func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	var payload descriptor.WirePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	cfg, err := payload.Resolve()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_configuration", "Configuration rejected", err.Error())
		return
	}

	if h.prefs != nil {
		profile := h.profile
		if p := r.URL.Query().Get("profile"); p != "" {
			profile = p
		}
		if err := h.prefs.Save(&sqlite.Preference{Profile: profile, Config: cfg}); err != nil {
			h.writeError(w, http.StatusInternalServerError, "persist_failed", "Failed to save preferences", err.Error())
			return
		}
	}

	if err := h.session.Reconfigure(r.Context(), cfg); err != nil {
		if errors.Is(err, shell.ErrSessionClosed) {
			h.writeError(w, http.StatusServiceUnavailable, "session_closed", "Session is shut down", "")
			return
		}
		h.writeError(w, http.StatusBadRequest, "reconfigure_failed", "Failed to apply configuration", err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListFragments returns the fragment catalog.
// GET /fragments
func (h *Handler) ListFragments(w http.ResponseWriter, r *http.Request) {
	fragments := h.session.Store().List()
	h.writeJSON(w, http.StatusOK, ListFragmentsResponse{
		Fragments: fragments,
		Total:     len(fragments),
	})
}

// GetFragment returns a single fragment descriptor by id.
// GET /fragments/{id}
func (h *Handler) GetFragment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	d, err := h.session.Store().Resolve(id)
	if err != nil {
		if errors.Is(err, descriptor.ErrUnknownFragment) {
			h.writeError(w, http.StatusNotFound, "not_found", "Fragment not found", id)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "resolve_failed", "Failed to resolve fragment", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, d)
}

// ListFrames returns the frames in display order with their live slot
// states.
// GET /frames
func (h *Handler) ListFrames(w http.ResponseWriter, r *http.Request) {
	rt := h.session.Router()
	mgr := h.session.Manager()
	active := rt.ActiveFrame()

	frames := rt.Frames()
	resp := ListFramesResponse{
		Frames:      make([]FrameResponse, 0, len(frames)),
		ActiveFrame: active,
	}

	for _, f := range frames {
		slots, err := mgr.List(r.Context(), controlplane.ListQuery{FrameID: f.ID})
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list slots", err.Error())
			return
		}
		resp.Frames = append(resp.Frames, FrameResponse{
			ID:     f.ID,
			Name:   f.Name,
			Order:  f.Order,
			Active: f.ID == active,
			Slots:  slots,
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Navigate switches the active frame. The frame switch is synchronous but
// mounts complete in the background, hence 202.
// POST /navigate
func (h *Handler) Navigate(w http.ResponseWriter, r *http.Request) {
	var req NavigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.FrameID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "frameId is required", "")
		return
	}

	if err := h.session.Navigate(r.Context(), req.FrameID); err != nil {
		switch {
		case errors.Is(err, router.ErrUnknownFrame):
			h.writeError(w, http.StatusNotFound, "not_found", "Frame not found", req.FrameID)
		case errors.Is(err, shell.ErrSessionClosed):
			h.writeError(w, http.StatusServiceUnavailable, "session_closed", "Session is shut down", "")
		default:
			h.writeError(w, http.StatusInternalServerError, "navigate_failed", "Failed to navigate", err.Error())
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ListSlots returns slot snapshots matching optional filters.
// GET /slots?frame=home&fragment=catalog&state=mounted
func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	query := controlplane.ListQuery{
		FrameID:    r.URL.Query().Get("frame"),
		FragmentID: r.URL.Query().Get("fragment"),
	}
	if stateStr := r.URL.Query().Get("state"); stateStr != "" {
		state := controlplane.SlotState(stateStr)
		if !state.IsValid() {
			h.writeError(w, http.StatusBadRequest, "validation_error", "unknown slot state", stateStr)
			return
		}
		query.States = []controlplane.SlotState{state}
	}

	slots, err := h.session.Manager().List(r.Context(), query)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list slots", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, ListSlotsResponse{Slots: slots, Total: len(slots)})
}

// GetSlot returns a snapshot of one slot.
// GET /slots/{frame}/{fragment}
func (h *Handler) GetSlot(w http.ResponseWriter, r *http.Request) {
	slotID := controlplane.SlotID(r.PathValue("frame"), r.PathValue("fragment"))

	slot, err := h.session.Manager().Get(r.Context(), slotID)
	if err != nil {
		if errors.Is(err, controlplane.ErrSlotNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Slot not found", slotID)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "get_failed", "Failed to get slot", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, slot)
}

// RetrySlot re-runs activation for a failed slot. The retry itself runs to
// completion; the response carries the slot's resulting state, failed again
// or mounted.
// POST /slots/{frame}/{fragment}/retry
func (h *Handler) RetrySlot(w http.ResponseWriter, r *http.Request) {
	slotID := controlplane.SlotID(r.PathValue("frame"), r.PathValue("fragment"))
	mgr := h.session.Manager()

	if err := mgr.Retry(r.Context(), slotID); err != nil {
		switch {
		case errors.Is(err, controlplane.ErrSlotNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Slot not found", slotID)
			return
		case errors.Is(err, controlplane.ErrSlotNotFailed):
			h.writeError(w, http.StatusConflict, "not_failed", "Slot is not in a failed state", err.Error())
			return
		}
		// The retry ran and the activation failed again; the slot
		// snapshot below carries the failure.
	}

	slot, err := mgr.Get(r.Context(), slotID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "get_failed", "Failed to get slot after retry", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, slot)
}

// GetShared returns the shared dependency scope snapshot.
// GET /shared
func (h *Handler) GetShared(w http.ResponseWriter, r *http.Request) {
	deps := h.session.Scope().Snapshot()
	h.writeJSON(w, http.StatusOK, SharedResponse{Dependencies: deps, Total: len(deps)})
}

// StreamEvents streams lifecycle events via SSE.
// GET /events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return
	}

	clientID := uuid.NewString()
	log.Debug(log.CatAPI, "SSE client connected", "client", clientID)
	defer log.Debug(log.CatAPI, "SSE client disconnected", "client", clientID)

	ch := h.session.Broker().Subscribe(r.Context())

	// Send initial connection event
	_, _ = fmt.Fprintf(w, "event: connected\ndata: {\"client\":%q}\n\n", clientID)
	flusher.Flush()

	// Heartbeat ticker to keep connection alive
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Comment line, not a real event; keeps proxies from
			// closing the stream.
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}

			data, err := json.Marshal(StreamedEvent{Event: ev.Payload, Timestamp: ev.Timestamp})
			if err != nil {
				log.Error(log.CatAPI, "Failed to marshal event", "error", err)
				continue
			}

			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Payload.Type, data)
			flusher.Flush()
		}
	}
}

// Health returns liveness plus a slot-state summary.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	counts := h.session.Manager().Registry().Count()
	slots := make(map[string]int, len(counts))
	for state, n := range counts {
		slots[string(state)] = n
	}

	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		ActiveFrame: h.session.Router().ActiveFrame(),
		Generation:  h.session.Generation(),
		Slots:       slots,
	})
}

// === Helpers ===

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(log.CatAPI, "Failed to encode JSON response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	addr     string
	port     int // Actual port after binding (useful when using :0)
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., "localhost:7333").
	Addr string
	// Session is the shell session to expose via HTTP.
	Session *shell.Session
	// Preferences persists configurations from PUT /shell/preferences
	// (optional).
	Preferences *sqlite.PreferencesRepository
	// Profile names the preference profile to persist under.
	Profile string
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration before timing out writes of
	// the response. Zero means none, which SSE requires.
	WriteTimeout time.Duration
}

// NewServer creates a new API server.
// If Addr uses port 0 (e.g., "localhost:0"), the OS assigns an available
// port. Use Port() after NewServer to get the actual port.
func NewServer(cfg ServerConfig) (*Server, error) {
	handler := NewHandlerWithConfig(HandlerConfig{
		Session:     cfg.Session,
		Preferences: cfg.Preferences,
		Profile:     cfg.Profile,
	})

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	// Create listener first to get the actual port (important for :0)
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		handler:  handler,
		addr:     cfg.Addr,
		port:     port,
		listener: listener,
		server: &http.Server{
			Handler:           handler.Routes(),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
	}, nil
}

// Start starts the HTTP server. It blocks until the server is stopped or
// fails.
func (s *Server) Start() error {
	log.Info(log.CatAPI, "Starting API server", "addr", s.listener.Addr().String(), "port", s.port)
	return s.server.Serve(s.listener)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatAPI, "Stopping API server")
	return s.server.Shutdown(ctx)
}

// Port returns the actual port the server is listening on.
// This is useful when the server was configured with port 0.
func (s *Server) Port() int {
	return s.port
}
