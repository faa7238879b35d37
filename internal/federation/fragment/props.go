package fragment

import (
	"sync"

	"github.com/zjrosen/tessera/internal/log"
)

const (
	// PropTimestamp is the canonical key for the mount timestamp custom
	// property.
	PropTimestamp = "timestamp"
	// PropDateAlias is the deprecated input alias for PropTimestamp,
	// accepted and normalized for older fragment hosts.
	PropDateAlias = "date"
)

// Container is the attach target a fragment renders into. Each slot owns
// exactly one container; a stale load must never touch a container that has
// moved on to another instance.
type Container interface {
	// ID identifies the container, conventionally the slot id.
	ID() string
	// SetContent replaces the rendered content.
	SetContent(content string)
	// Content returns the current rendered content.
	Content() string
}

// Props is the property bag handed to Mount: the target container plus
// identity and an arbitrary bag of custom properties.
type Props struct {
	// FragmentID is the descriptor id being mounted.
	FragmentID string
	// SlotID is the slot the instance occupies.
	SlotID string
	// InstanceID uniquely identifies this mount.
	InstanceID string
	// Container is the attach target.
	Container Container
	// Endpoints are the shell's service endpoints by logical name.
	Endpoints map[string]string
	// BootstrapConfig carries the fragment's own Bootstrap result config.
	BootstrapConfig map[string]any
	// Custom holds arbitrary caller-supplied properties.
	Custom map[string]any
}

// Normalize returns a copy of p with deprecated custom property keys folded
// onto their canonical names. A "date" key becomes "timestamp" unless
// "timestamp" is already present, in which case the alias is dropped.
func (p Props) Normalize() Props {
	if p.Custom == nil {
		return p
	}
	aliased, hasAlias := p.Custom[PropDateAlias]
	if !hasAlias {
		return p
	}

	custom := make(map[string]any, len(p.Custom))
	for k, v := range p.Custom {
		custom[k] = v
	}
	delete(custom, PropDateAlias)

	if _, hasCanonical := custom[PropTimestamp]; hasCanonical {
		log.Warn(log.CatFrag, "ignoring deprecated prop, canonical key present",
			"alias", PropDateAlias, "canonical", PropTimestamp, "fragment", p.FragmentID)
	} else {
		log.Warn(log.CatFrag, "prop key is deprecated, migrate to canonical key",
			"alias", PropDateAlias, "canonical", PropTimestamp, "fragment", p.FragmentID)
		custom[PropTimestamp] = aliased
	}

	p.Custom = custom
	return p
}

// BufferContainer is a Container backed by an in-memory buffer. Slots use
// it to expose whatever their fragment last rendered.
type BufferContainer struct {
	id string

	mu      sync.RWMutex
	content string
}

// NewBufferContainer creates an empty container with the given id.
func NewBufferContainer(id string) *BufferContainer {
	return &BufferContainer{id: id}
}

// ID returns the container id.
func (c *BufferContainer) ID() string { return c.id }

// SetContent replaces the rendered content.
func (c *BufferContainer) SetContent(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content = content
}

// Content returns the current rendered content.
func (c *BufferContainer) Content() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.content
}

var _ Container = (*BufferContainer)(nil)
