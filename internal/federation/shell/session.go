// Package shell owns one shell session end to end. A Session builds the
// descriptor store, remote loader, slot manager, and frame router from a
// resolved configuration and swaps those for a fresh set when the
// configuration changes. The shared dependency scope and the event broker
// live as long as the session, so singleton instances and subscribers
// survive reconfiguration.
package shell

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/tessera/internal/federation/controlplane"
	"github.com/zjrosen/tessera/internal/federation/descriptor"
	"github.com/zjrosen/tessera/internal/federation/events"
	"github.com/zjrosen/tessera/internal/federation/loader"
	"github.com/zjrosen/tessera/internal/federation/router"
	"github.com/zjrosen/tessera/internal/federation/sharedscope"
	"github.com/zjrosen/tessera/internal/federation/tracing"
	"github.com/zjrosen/tessera/internal/log"
	"github.com/zjrosen/tessera/internal/pubsub"
)

// ErrSessionClosed is returned by operations on a session after Shutdown.
var ErrSessionClosed = fmt.Errorf("session closed")

// Session is the explicitly owned composition root for one shell run.
// All components hang off the session; nothing lives in package globals
// except the compiled-in fragment provider registry.
type Session struct {
	mu     sync.RWMutex
	closed bool

	// Session-scoped. Survive reconfiguration.
	scope   sharedscope.Registry
	broker  *events.Broker
	tracing *tracing.Provider

	// Construction options, reused for every configuration build.
	loaderCfg loader.Config
	baseProps map[string]any

	current    *configuredComponents
	generation int
}

// configuredComponents is the component set rebuilt for each configuration.
type configuredComponents struct {
	cfg     descriptor.ShellConfiguration
	store   descriptor.Store
	loader  *loader.Loader
	manager controlplane.Manager
	router  *router.Router
}

// Option configures a Session.
type Option func(*Session)

// WithLoaderConfig sets fetch deadlines and cache lifetime for the remote
// loader. Each configuration build gets its own loader from this.
func WithLoaderConfig(cfg loader.Config) Option {
	return func(s *Session) {
		s.loaderCfg = cfg
	}
}

// WithBaseProps sets props merged into every fragment instance's custom
// props.
func WithBaseProps(props map[string]any) Option {
	return func(s *Session) {
		s.baseProps = props
	}
}

// WithTracing hands the session a tracing provider. The session shuts it
// down with everything else.
func WithTracing(p *tracing.Provider) Option {
	return func(s *Session) {
		s.tracing = p
	}
}

// New builds a session from a resolved shell configuration. Host-owned
// shared dependencies are registered in the scope before any fragment can
// acquire them.
func New(cfg descriptor.ShellConfiguration, hostDeps []sharedscope.Dependency, opts ...Option) (*Session, error) {
	scope, err := sharedscope.NewRegistryWith(hostDeps...)
	if err != nil {
		return nil, fmt.Errorf("host shared dependencies: %w", err)
	}

	s := &Session{
		scope:  scope,
		broker: events.NewBroker(),
	}
	for _, opt := range opts {
		opt(s)
	}

	current, err := s.build(cfg)
	if err != nil {
		return nil, err
	}
	s.current = current
	s.generation = 1

	log.Info(log.CatShell, "Session created",
		"frames", len(cfg.Frames),
		"fragments", len(cfg.AvailableFragments),
		"hostDeps", len(hostDeps))
	return s, nil
}

// build wires a component set for one configuration. Pure construction; no
// slots are claimed and nothing is mounted.
func (s *Session) build(cfg descriptor.ShellConfiguration) (*configuredComponents, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shell configuration: %w", err)
	}
	cfg = cfg.Clone()

	store, err := descriptor.FromConfiguration(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid shell configuration: %w", err)
	}

	ldr := loader.New(s.loaderCfg)

	mgrCfg := controlplane.Config{
		Store:     store,
		Loader:    ldr,
		Scope:     s.scope,
		Broker:    s.broker,
		Endpoints: cfg.ServiceEndpoints,
		BaseProps: s.baseProps,
	}
	if s.tracing != nil {
		mgrCfg.Tracer = s.tracing.Tracer()
	}
	manager, err := controlplane.NewManager(mgrCfg)
	if err != nil {
		return nil, err
	}

	rt, err := router.New(cfg.Frames, manager)
	if err != nil {
		return nil, fmt.Errorf("invalid shell configuration: %w", err)
	}

	return &configuredComponents{
		cfg:     cfg,
		store:   store,
		loader:  ldr,
		manager: manager,
		router:  rt,
	}, nil
}

// Start activates the initial frame: the given frame id, or the first frame
// in display order when empty.
func (s *Session) Start(ctx context.Context, frameID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	if frameID == "" {
		return s.current.router.Start(ctx)
	}
	return s.current.router.Navigate(ctx, frameID)
}

// Navigate switches the active frame.
func (s *Session) Navigate(ctx context.Context, frameID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.tracing != nil {
		var span trace.Span
		ctx, span = s.tracing.Tracer().Start(ctx, tracing.SpanNavigate,
			trace.WithAttributes(
				attribute.String(tracing.AttrFromFrame, s.current.router.ActiveFrame()),
				attribute.String(tracing.AttrToFrame, frameID),
			))
		defer span.End()
	}
	return s.current.router.Navigate(ctx, frameID)
}

// Reconfigure swaps in a new configuration. The new component set is built
// first, so a bad configuration leaves the running one untouched. Every
// slot of the old set comes down before the new router navigates; fragment
// instances never span configurations. The session lands on the previously
// active frame when the new configuration still has it, else on the first
// frame.
func (s *Session) Reconfigure(ctx context.Context, cfg descriptor.ShellConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	next, err := s.build(cfg)
	if err != nil {
		return err
	}

	prev := s.current
	prevFrame := prev.router.ActiveFrame()
	if err := prev.manager.Shutdown(ctx); err != nil {
		// Unmount errors are contained; the slots still came down.
		log.Warn(log.CatShell, "Teardown of previous configuration reported errors", "error", err)
	}

	s.current = next
	s.generation++

	target := prevFrame
	if _, ok := next.router.Frame(target); !ok {
		target = ""
	}
	if target == "" {
		err = next.router.Start(ctx)
	} else {
		err = next.router.Navigate(ctx, target)
	}
	if err != nil {
		return err
	}

	s.broker.Publish(pubsub.CreatedEvent, events.Reconfigured(next.router.ActiveFrame()))
	log.Info(log.CatShell, "Configuration applied",
		"generation", s.generation,
		"frames", len(next.cfg.Frames),
		"fragments", len(next.cfg.AvailableFragments),
		"activeFrame", next.router.ActiveFrame())
	return nil
}

// Shutdown tears the session down: every slot is deactivated, the broker
// closes, and the tracing provider flushes. Idempotent.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.current.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.broker.Close()
	if s.tracing != nil {
		if err := s.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	log.Info(log.CatShell, "Session closed", "errors", len(errs))
	if len(errs) > 0 {
		return fmt.Errorf("session shutdown completed with %d errors: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Manager returns the slot manager for the current configuration.
func (s *Session) Manager() controlplane.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.manager
}

// Router returns the frame router for the current configuration.
func (s *Session) Router() *router.Router {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.router
}

// Store returns the descriptor store for the current configuration.
func (s *Session) Store() descriptor.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.store
}

// Loader returns the remote loader for the current configuration.
func (s *Session) Loader() *loader.Loader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.loader
}

// Scope returns the session's shared dependency registry.
func (s *Session) Scope() sharedscope.Registry {
	return s.scope
}

// Broker returns the session's lifecycle event broker.
func (s *Session) Broker() *events.Broker {
	return s.broker
}

// Configuration returns a copy of the current shell configuration.
func (s *Session) Configuration() descriptor.ShellConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.cfg.Clone()
}

// Generation returns the configuration generation, starting at 1 and
// incremented by each successful Reconfigure.
func (s *Session) Generation() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}
