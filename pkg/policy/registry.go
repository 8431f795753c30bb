package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds a handler from a step configuration.
type Factory func(config map[string]any) (Handler, error)

// Registry maps policy ids to factories. Ids may carry a version suffix
// ("rate-limit@v1"); an unversioned lookup resolves through the aliases.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	aliases   map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		aliases:   make(map[string]string),
	}
}

// Register adds a factory under id and optional aliases.
func (r *Registry) Register(id string, factory Factory, aliases ...string) error {
	if factory == nil {
		return fmt.Errorf("register policy %q: nil factory", id)
	}
	kind, version := parseID(id)
	if kind == "" {
		return fmt.Errorf("register policy: empty id")
	}
	canonical := canonicalID(kind, version)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[canonical]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePolicy, canonical)
	}
	r.factories[canonical] = factory
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
	if _, exists := r.aliases[kind]; !exists {
		r.aliases[kind] = canonical
	}
	return nil
}

// MustRegister is Register that panics on error. Used for built-in catalogs.
func (r *Registry) MustRegister(id string, factory Factory, aliases ...string) {
	if err := r.Register(id, factory, aliases...); err != nil {
		panic(err)
	}
}

// Lookup returns the factory for id, resolving aliases.
func (r *Registry) Lookup(id string) (Factory, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	raw := strings.TrimSpace(id)
	kind, version := parseID(raw)
	canonical := canonicalID(kind, version)
	if factory, ok := r.factories[canonical]; ok {
		return factory, canonical, true
	}
	if alias, ok := r.aliases[raw]; ok {
		if factory, ok := r.factories[alias]; ok {
			return factory, alias, true
		}
	}
	return nil, "", false
}

// IDs returns the canonical ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func parseID(raw string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(raw), "@", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	return parts[0], ""
}

func canonicalID(kind, version string) string {
	if version == "" {
		return kind
	}
	return kind + "@" + version
}
