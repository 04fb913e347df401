package syncer

import (
	"fmt"
	"sort"
	"sync"
)

// Collection describes one syncable domain collection. Tag is the open
// collection key used on queue entries and cached records; Resource is the
// remote store's resource name for it (defaults to the tag).
type Collection struct {
	Tag      string
	Resource string
}

// Registry maps collection tags to their remote resources. New record types
// are added by registration rather than code edits; the processor and
// reconciler carry no per-collection branches.
type Registry struct {
	mu          sync.RWMutex
	collections map[string]Collection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{collections: make(map[string]Collection)}
}

// DefaultRegistry returns a registry with the finance tracker's built-in
// collections registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Collection{Tag: "expenses"})
	r.Register(Collection{Tag: "income"})
	return r
}

// Register adds a collection. Registering an already-registered tag is an
// error: a tag must map to exactly one remote resource.
func (r *Registry) Register(c Collection) error {
	if c.Tag == "" {
		return fmt.Errorf("collection tag cannot be empty")
	}
	if c.Resource == "" {
		c.Resource = c.Tag
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.collections[c.Tag]; exists {
		return fmt.Errorf("collection %q already registered", c.Tag)
	}
	r.collections[c.Tag] = c
	return nil
}

// Lookup resolves a collection tag.
func (r *Registry) Lookup(tag string) (Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collections[tag]
	return c, ok
}

// Tags returns all registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.collections))
	for tag := range r.collections {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
