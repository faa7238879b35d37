package tracing

// Span attribute keys for fragment lifecycle tracing.
const (
	// Slot attributes
	AttrSlotID     = "slot.id"
	AttrGeneration = "slot.generation"

	// Fragment attributes
	AttrFragmentID   = "fragment.id"
	AttrFragmentKind = "fragment.kind"
	AttrInstanceID   = "fragment.instance.id"
	AttrEntryPoint   = "fragment.entry_point"

	// Remote load attributes
	AttrRemoteURL = "remote.url"
	AttrCacheHit  = "remote.cache_hit"

	// Navigation attributes
	AttrFrameID   = "frame.id"
	AttrFromFrame = "frame.from"
	AttrToFrame   = "frame.to"

	// Shared scope attributes
	AttrSharedLibrary = "shared.library"
	AttrSharedVersion = "shared.version"

	// Error attributes
	AttrErrorKind = "error.kind"
)

// Span names for the activation pipeline and its surroundings.
const (
	SpanActivate  = "slot.activate"
	SpanLoad      = "loader.load"
	SpanBootstrap = "fragment.bootstrap"
	SpanMount     = "fragment.mount"
	SpanUnmount   = "fragment.unmount"
	SpanNavigate  = "router.navigate"
)

// Event names for span events.
const (
	EventResolved       = "descriptor.resolved"
	EventScopeSeeded    = "shared_scope.seeded"
	EventSuperseded     = "slot.superseded"
	EventMountCommitted = "slot.mount_committed"
)
