package controlplane

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/tessera/internal/federation/boundary"
	"github.com/zjrosen/tessera/internal/federation/descriptor"
	"github.com/zjrosen/tessera/internal/federation/events"
	"github.com/zjrosen/tessera/internal/federation/fragment"
	"github.com/zjrosen/tessera/internal/federation/loader"
	"github.com/zjrosen/tessera/internal/federation/sharedscope"
	"github.com/zjrosen/tessera/internal/federation/tracing"
	"github.com/zjrosen/tessera/internal/log"
	"github.com/zjrosen/tessera/internal/pubsub"
)

// ErrSlotNotFound is returned when a slot is not found in the registry.
var ErrSlotNotFound = fmt.Errorf("slot not found")

// ErrSlotNotFailed is returned when Retry is called on a slot that is not
// in the failed state.
var ErrSlotNotFailed = fmt.Errorf("slot is not failed")

// ErrSlotSuperseded is returned when an activation completes after a newer
// operation claimed the slot. The completed work was torn down and nothing
// was committed.
var ErrSlotSuperseded = fmt.Errorf("slot activation superseded")

// Manager drives the fragment instance lifecycle. It coordinates the
// descriptor store, the remote loader, the shared dependency scope, and the
// slot registry to provide a unified API for slot operations.
//
// Operations on the same slot run strictly in sequence. Slow work (fetching
// a remote entry, bootstrapping, mounting) runs outside the slot lock; a
// generation check at commit time discards results that a newer operation
// superseded while they were in flight.
type Manager interface {
	// Activate mounts a fragment into a slot and waits for the outcome.
	// The slot is created on first use. A mounted occupant is unmounted
	// first; a failed or unmounted slot recycles to empty; an in-flight
	// activation is superseded. Failures are recorded on the slot (an
	// unknown fragment marks it failed) and returned. Returns
	// ErrSlotSuperseded when a newer operation claimed the slot before
	// this activation could commit.
	Activate(ctx context.Context, slotID, fragmentID string) error

	// ActivateAsync claims the slot synchronously, leaving it loading,
	// and runs the rest of the pipeline in the background. Once this
	// returns, a subsequent Deactivate or Activate on the slot is
	// guaranteed to supersede the in-flight work. Failures surface on
	// the slot and through the event broker.
	ActivateAsync(ctx context.Context, slotID, fragmentID string) error

	// Deactivate unmounts the slot's instance and marks the slot
	// unmounted. Deactivating an empty, failed, unmounted, or unknown
	// slot is a no-op. Deactivating a loading slot supersedes the
	// in-flight activation.
	Deactivate(ctx context.Context, slotID string) error

	// Retry re-runs activation for a failed slot with its assigned
	// fragment. Returns ErrSlotNotFound if the slot does not exist and
	// ErrSlotNotFailed if it is in any other state.
	Retry(ctx context.Context, slotID string) error

	// Get returns a snapshot of a slot.
	// Returns ErrSlotNotFound if the slot does not exist.
	Get(ctx context.Context, slotID string) (Slot, error)

	// List returns snapshots of slots matching the query.
	List(ctx context.Context, q ListQuery) ([]Slot, error)

	// Registry returns the underlying slot registry.
	Registry() Registry

	// Broker returns the lifecycle event broker slot transitions are
	// published to.
	Broker() *events.Broker

	// Shutdown deactivates every slot and aggregates any unmount errors.
	Shutdown(ctx context.Context) error
}

// Config configures the Manager.
type Config struct {
	// Store resolves fragment descriptors. Required.
	Store descriptor.Store
	// Loader fetches and caches remote entries. Required.
	Loader *loader.Loader
	// Scope holds the session's shared dependency instances. Required.
	Scope sharedscope.Registry
	// Registry stores slots. A new in-memory registry is created when nil.
	Registry Registry
	// Broker receives slot transition events. A new broker is created
	// when nil.
	Broker *events.Broker
	// Endpoints is handed to every fragment as its service endpoint map.
	Endpoints map[string]string
	// BaseProps is merged into every instance's custom props. The mount
	// timestamp prop is added per activation when the base carries
	// neither the canonical key nor its alias.
	BaseProps map[string]any
	// Tracer creates a span per activation pipeline. A no-op tracer is
	// used when nil.
	Tracer trace.Tracer
}

// Validate checks that all required fields are provided.
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("Store is required")
	}
	if c.Loader == nil {
		return fmt.Errorf("Loader is required")
	}
	if c.Scope == nil {
		return fmt.Errorf("Scope is required")
	}
	return nil
}

// defaultManager is the default implementation of Manager.
type defaultManager struct {
	store     descriptor.Store
	loader    *loader.Loader
	scope     sharedscope.Registry
	slots     Registry
	broker    *events.Broker
	endpoints map[string]string
	baseProps map[string]any
	tracer    trace.Tracer
	locks     slotLocks
}

// NewManager creates a new Manager with the given configuration.
func NewManager(cfg Config) (Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewInMemoryRegistry()
	}
	broker := cfg.Broker
	if broker == nil {
		broker = events.NewBroker()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("controlplane")
	}

	return &defaultManager{
		store:     cfg.Store,
		loader:    cfg.Loader,
		scope:     cfg.Scope,
		slots:     registry,
		broker:    broker,
		endpoints: cfg.Endpoints,
		baseProps: cfg.BaseProps,
		tracer:    tracer,
	}, nil
}

// slotLocks hands out one mutex per slot ID so operations on the same slot
// run strictly in sequence while distinct slots proceed in parallel.
type slotLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *slotLocks) forSlot(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := l.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[id] = lock
	}
	return lock
}

// Activate mounts a fragment into a slot and waits for the outcome.
func (m *defaultManager) Activate(ctx context.Context, slotID, fragmentID string) error {
	gen, instID, err := m.claim(ctx, slotID, fragmentID)
	if err != nil {
		return err
	}
	return m.runActivation(ctx, slotID, fragmentID, gen, instID)
}

// ActivateAsync claims the slot synchronously and runs the load pipeline in
// the background.
func (m *defaultManager) ActivateAsync(ctx context.Context, slotID, fragmentID string) error {
	gen, instID, err := m.claim(ctx, slotID, fragmentID)
	if err != nil {
		return err
	}
	log.SafeGo("controlplane.activate", func() {
		// Failures are recorded on the slot and published as events.
		_ = m.runActivation(context.Background(), slotID, fragmentID, gen, instID)
	})
	return nil
}

// claim takes the slot's operation lock and begins an activation.
func (m *defaultManager) claim(ctx context.Context, slotID, fragmentID string) (uint64, InstanceID, error) {
	lock := m.locks.forSlot(slotID)
	lock.Lock()
	defer lock.Unlock()
	return m.beginActivation(ctx, slotID, fragmentID)
}

// beginActivation settles the slot down to empty, claims a fresh generation,
// and transitions it to loading. Caller must hold the slot's operation lock.
func (m *defaultManager) beginActivation(ctx context.Context, slotID, fragmentID string) (uint64, InstanceID, error) {
	if err := m.ensureSlot(slotID, fragmentID); err != nil {
		return 0, "", err
	}

	// A mounted occupant comes down before the slot recycles.
	oldInstID, oldFragID, unmountErr, hadMount := m.unmountCurrent(ctx, slotID)

	var (
		gen         uint64
		instID      InstanceID
		superseding bool
		pending     []events.Event
	)
	err := m.slots.Update(slotID, func(s *Slot) {
		if hadMount {
			_ = s.TransitionTo(SlotUnmounted)
			pending = append(pending, events.SlotTransition(
				slotID, oldFragID, oldInstID,
				SlotMounted.String(), SlotUnmounted.String(), unmountErr))
		}

		switch s.State {
		case SlotFailed, SlotUnmounted:
			from := s.State
			prevInstID := s.InstanceIDString()
			prevFragID := s.FragmentID
			_ = s.TransitionTo(SlotEmpty)
			pending = append(pending, events.SlotTransition(
				slotID, prevFragID, prevInstID,
				from.String(), SlotEmpty.String(), nil))
		}

		superseding = s.State == SlotLoading

		s.FragmentID = fragmentID
		s.Generation++
		gen = s.Generation
		instID = NewInstanceID()
		s.Instance = &FragmentInstance{
			ID:         instID,
			FragmentID: fragmentID,
			SlotID:     slotID,
			Status:     SlotLoading,
		}

		if !superseding {
			_ = s.TransitionTo(SlotLoading)
			pending = append(pending, events.SlotTransition(
				slotID, fragmentID, instID.String(),
				SlotEmpty.String(), SlotLoading.String(), nil))
		}
		s.UpdatedAt = time.Now()
	})
	if err != nil {
		return 0, "", err
	}

	for _, ev := range pending {
		m.publish(ev)
	}
	if superseding {
		log.Debug(log.CatPlane, "Superseding in-flight activation",
			"slotID", slotID, "fragmentID", fragmentID, "generation", gen)
	}
	return gen, instID, nil
}

// runActivation performs the slow part of activation with no slot lock held:
// resolve the descriptor, load the remote entry, satisfy shared
// dependencies, bootstrap, and mount. The result commits only if the claimed
// generation still holds.
func (m *defaultManager) runActivation(ctx context.Context, slotID, fragmentID string, gen uint64, instID InstanceID) error {
	ctx, span := m.tracer.Start(ctx, tracing.SpanActivate,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(tracing.AttrSlotID, slotID),
			attribute.String(tracing.AttrFragmentID, fragmentID),
			attribute.Int64(tracing.AttrGeneration, int64(gen)),
		))
	defer span.End()

	err := m.activationPipeline(ctx, slotID, fragmentID, gen, instID)
	switch {
	case err == nil:
		span.AddEvent(tracing.EventMountCommitted)
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, ErrSlotSuperseded):
		// Not a failure; a newer operation won the slot.
		span.AddEvent(tracing.EventSuperseded)
		span.SetStatus(codes.Ok, "")
	default:
		span.RecordError(err)
		span.SetAttributes(attribute.String(tracing.AttrErrorKind, string(events.Classify(err))))
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *defaultManager) activationPipeline(ctx context.Context, slotID, fragmentID string, gen uint64, instID InstanceID) error {
	// Resolution failures land on the slot like any other: a frame that
	// references a missing fragment shows a failed slot, not a broken
	// navigation.
	d, err := m.store.Resolve(fragmentID)
	if err != nil {
		return m.failActivation(slotID, fragmentID, gen, instID, err)
	}
	trace.SpanFromContext(ctx).AddEvent(tracing.EventResolved)

	loadCtx, loadSpan := m.tracer.Start(ctx, tracing.SpanLoad,
		trace.WithAttributes(
			attribute.String(tracing.AttrRemoteURL, d.URL),
			attribute.String(tracing.AttrFragmentKind, string(d.Kind)),
		))
	entry, err := m.loader.Load(loadCtx, d)
	if err != nil {
		loadSpan.RecordError(err)
	}
	loadSpan.End()
	if err != nil {
		return m.failActivation(slotID, d.ID, gen, instID, err)
	}

	leases, err := entry.Init(m.scope)
	if err != nil {
		return m.failActivation(slotID, d.ID, gen, instID, err)
	}

	factory, err := entry.Get(d.ExposedEntryPoint)
	if err != nil {
		m.releaseLeases(leases)
		return m.failActivation(slotID, d.ID, gen, instID, err)
	}
	frag := factory()

	bootCtx, bootSpan := m.tracer.Start(ctx, tracing.SpanBootstrap)
	boot, err := boundary.Bootstrap(bootCtx, frag, d.ID)
	if err != nil {
		bootSpan.RecordError(err)
	}
	bootSpan.End()
	if err != nil {
		m.releaseLeases(leases)
		return m.failActivation(slotID, d.ID, gen, instID, err)
	}

	container := fragment.NewBufferContainer(slotID)
	props := fragment.Props{
		FragmentID:      d.ID,
		SlotID:          slotID,
		InstanceID:      instID.String(),
		Container:       container,
		Endpoints:       maps.Clone(m.endpoints),
		BootstrapConfig: boot.Config,
		Custom:          m.customProps(),
	}.Normalize()

	mountCtx, mountSpan := m.tracer.Start(ctx, tracing.SpanMount,
		trace.WithAttributes(
			attribute.String(tracing.AttrInstanceID, instID.String()),
			attribute.String(tracing.AttrEntryPoint, d.ExposedEntryPoint),
		))
	res := boundary.Mount(mountCtx, frag, props)
	if !res.Mounted() {
		mountSpan.RecordError(res.Err)
	}
	mountSpan.End()
	if !res.Mounted() {
		m.releaseLeases(leases)
		return m.failActivation(slotID, d.ID, gen, instID, res.Err)
	}

	return m.commitMount(ctx, slotID, d.ID, gen, instID, res.Handle, leases, container)
}

// customProps builds the per-activation custom props from the base set.
func (m *defaultManager) customProps() map[string]any {
	custom := maps.Clone(m.baseProps)
	if custom == nil {
		custom = make(map[string]any)
	}
	if _, ok := custom[fragment.PropTimestamp]; !ok {
		if _, ok := custom[fragment.PropDateAlias]; !ok {
			custom[fragment.PropTimestamp] = time.Now()
		}
	}
	return custom
}

// failActivation marks the slot failed if the claimed generation still
// holds, and returns the cause. A superseded failure is discarded quietly.
func (m *defaultManager) failActivation(slotID, fragmentID string, gen uint64, instID InstanceID, cause error) error {
	var (
		committed bool
		ev        events.Event
	)
	err := m.slots.Update(slotID, func(s *Slot) {
		if s.Generation != gen {
			return
		}
		_ = s.TransitionTo(SlotFailed)
		s.LastError = cause.Error()
		s.LastErrorKind = events.Classify(cause)
		ev = events.SlotTransition(slotID, fragmentID, instID.String(),
			SlotLoading.String(), SlotFailed.String(), cause)
		committed = true
	})
	if err != nil || !committed {
		log.Debug(log.CatPlane, "Discarding failure for superseded activation",
			"slotID", slotID, "fragmentID", fragmentID, "error", cause)
		return ErrSlotSuperseded
	}

	m.publish(ev)
	log.Warn(log.CatPlane, "Slot activation failed",
		"slotID", slotID, "fragmentID", fragmentID,
		"kind", events.Classify(cause), "error", cause)
	return cause
}

// commitMount installs the mounted instance if the claimed generation still
// holds; otherwise the orphaned instance is torn down.
func (m *defaultManager) commitMount(ctx context.Context, slotID, fragmentID string, gen uint64, instID InstanceID, handle fragment.Handle, leases []*sharedscope.Lease, container *fragment.BufferContainer) error {
	var (
		committed bool
		ev        events.Event
	)
	err := m.slots.Update(slotID, func(s *Slot) {
		if s.Generation != gen {
			return
		}
		_ = s.TransitionTo(SlotMounted)
		s.Instance.MountedAt = time.Now()
		s.Instance.Container = container
		s.Instance.handle = handle
		s.Instance.leases = leases
		s.LastError = ""
		s.LastErrorKind = events.KindNone
		ev = events.SlotTransition(slotID, fragmentID, instID.String(),
			SlotLoading.String(), SlotMounted.String(), nil)
		committed = true
	})
	if err != nil || !committed {
		// A newer operation claimed the slot while this mount was in
		// flight. Tear the orphaned instance back down.
		if unmountErr := boundary.Unmount(ctx, handle, fragmentID); unmountErr != nil {
			log.Warn(log.CatPlane, "Unmounting superseded instance failed",
				"slotID", slotID, "fragmentID", fragmentID, "error", unmountErr)
		}
		m.releaseLeases(leases)
		log.Debug(log.CatPlane, "Discarding mount for superseded activation",
			"slotID", slotID, "fragmentID", fragmentID)
		return ErrSlotSuperseded
	}

	m.publish(ev)
	log.Info(log.CatPlane, "Fragment mounted",
		"slotID", slotID, "fragmentID", fragmentID, "instanceID", instID)
	return nil
}

// Deactivate unmounts the slot's instance and marks the slot unmounted.
func (m *defaultManager) Deactivate(ctx context.Context, slotID string) error {
	lock := m.locks.forSlot(slotID)
	lock.Lock()
	defer lock.Unlock()

	snap, ok := m.slots.Snapshot(slotID)
	if !ok {
		return nil
	}

	switch snap.State {
	case SlotEmpty, SlotFailed, SlotUnmounted:
		return nil

	case SlotLoading:
		// Supersede the in-flight activation; its completion finds a
		// newer generation and tears itself down.
		var ev events.Event
		_ = m.slots.Update(slotID, func(s *Slot) {
			s.Generation++
			instID := s.InstanceIDString()
			fragID := s.FragmentID
			_ = s.TransitionTo(SlotUnmounted)
			ev = events.SlotTransition(slotID, fragID, instID,
				SlotLoading.String(), SlotUnmounted.String(), nil)
		})
		m.publish(ev)
		log.Debug(log.CatPlane, "Deactivated loading slot", "slotID", slotID)
		return nil

	case SlotMounted:
		instID, fragID, unmountErr, _ := m.unmountCurrent(ctx, slotID)
		var ev events.Event
		_ = m.slots.Update(slotID, func(s *Slot) {
			s.Generation++
			_ = s.TransitionTo(SlotUnmounted)
			if unmountErr != nil {
				s.LastError = unmountErr.Error()
				s.LastErrorKind = events.Classify(unmountErr)
			}
			ev = events.SlotTransition(slotID, fragID, instID,
				SlotMounted.String(), SlotUnmounted.String(), unmountErr)
		})
		m.publish(ev)
		return unmountErr
	}

	return nil
}

// Retry re-runs activation for a failed slot.
func (m *defaultManager) Retry(ctx context.Context, slotID string) error {
	snap, ok := m.slots.Snapshot(slotID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSlotNotFound, slotID)
	}
	if snap.State != SlotFailed {
		return fmt.Errorf("%w: %s is %s", ErrSlotNotFailed, slotID, snap.State)
	}

	log.Info(log.CatPlane, "Retrying failed slot",
		"slotID", slotID, "fragmentID", snap.FragmentID)
	return m.Activate(ctx, slotID, snap.FragmentID)
}

// Get returns a snapshot of a slot.
func (m *defaultManager) Get(ctx context.Context, slotID string) (Slot, error) {
	snap, ok := m.slots.Snapshot(slotID)
	if !ok {
		return Slot{}, fmt.Errorf("%w: %s", ErrSlotNotFound, slotID)
	}
	return snap, nil
}

// List returns snapshots of slots matching the query.
func (m *defaultManager) List(ctx context.Context, q ListQuery) ([]Slot, error) {
	return m.slots.List(q), nil
}

// Registry returns the underlying slot registry.
func (m *defaultManager) Registry() Registry {
	return m.slots
}

// Broker returns the lifecycle event broker.
func (m *defaultManager) Broker() *events.Broker {
	return m.broker
}

// Shutdown deactivates every slot and aggregates any unmount errors.
func (m *defaultManager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, slot := range m.slots.List(ListQuery{}) {
		if err := m.Deactivate(ctx, slot.ID); err != nil {
			errs = append(errs, fmt.Errorf("slot %s: %w", slot.ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown completed with %d errors: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// ensureSlot registers the slot on first use. Caller must hold the slot's
// operation lock.
func (m *defaultManager) ensureSlot(slotID, fragmentID string) error {
	if _, ok := m.slots.Snapshot(slotID); ok {
		return nil
	}
	slot := NewSlot(frameOf(slotID), fragmentID)
	slot.ID = slotID
	return m.slots.Put(slot)
}

// unmountCurrent detaches a mounted occupant and unmounts it outside the
// registry lock. Caller must hold the slot's operation lock. Reports false
// when the slot holds no mounted instance.
func (m *defaultManager) unmountCurrent(ctx context.Context, slotID string) (instanceID, fragmentID string, unmountErr error, hadMount bool) {
	var (
		handle fragment.Handle
		leases []*sharedscope.Lease
	)
	_ = m.slots.Update(slotID, func(s *Slot) {
		if s.State != SlotMounted || s.Instance == nil {
			return
		}
		handle = s.Instance.handle
		leases = s.Instance.leases
		instanceID = s.Instance.ID.String()
		fragmentID = s.Instance.FragmentID
		s.Instance.handle = nil
		s.Instance.leases = nil
		hadMount = true
	})
	if !hadMount {
		return "", "", nil, false
	}

	unmountCtx, span := m.tracer.Start(ctx, tracing.SpanUnmount,
		trace.WithAttributes(
			attribute.String(tracing.AttrSlotID, slotID),
			attribute.String(tracing.AttrFragmentID, fragmentID),
		))
	unmountErr = boundary.Unmount(unmountCtx, handle, fragmentID)
	if unmountErr != nil {
		span.RecordError(unmountErr)
	}
	span.End()
	m.releaseLeases(leases)
	return instanceID, fragmentID, unmountErr, true
}

// releaseLeases returns shared dependency leases to the scope.
func (m *defaultManager) releaseLeases(leases []*sharedscope.Lease) {
	for _, lease := range leases {
		m.scope.Release(lease)
	}
}

// publish sends a slot transition event to the broker. Zero-value events
// from update closures that committed nothing are skipped.
func (m *defaultManager) publish(ev events.Event) {
	if ev.Type == "" {
		return
	}
	m.broker.Publish(pubsub.CreatedEvent, ev)
}
