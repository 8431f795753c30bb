// Package connector maps connector type ids to constructors and selects the
// entrypoint and endpoint connectors serving a request.
package connector

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// ErrDuplicateConnector is returned when a connector type id is registered twice.
var ErrDuplicateConnector = errors.New("connector type already registered")

// EntrypointFactory builds an entrypoint connector from its declared configuration.
type EntrypointFactory func(config map[string]any) (domain.EntrypointConnector, error)

// EndpointFactory builds an endpoint connector from its declared configuration.
type EndpointFactory func(config map[string]any) (domain.EndpointConnector, error)

// Registry holds the connector factories known to the gateway.
type Registry struct {
	mu          sync.RWMutex
	entrypoints map[string]EntrypointFactory
	endpoints   map[string]EndpointFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entrypoints: make(map[string]EntrypointFactory),
		endpoints:   make(map[string]EndpointFactory),
	}
}

// RegisterEntrypoint adds an entrypoint factory.
func (r *Registry) RegisterEntrypoint(typeID string, factory EntrypointFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entrypoints[typeID]; exists {
		return fmt.Errorf("%w: entrypoint %q", ErrDuplicateConnector, typeID)
	}
	r.entrypoints[typeID] = factory
	return nil
}

// RegisterEndpoint adds an endpoint factory.
func (r *Registry) RegisterEndpoint(typeID string, factory EndpointFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.endpoints[typeID]; exists {
		return fmt.Errorf("%w: endpoint %q", ErrDuplicateConnector, typeID)
	}
	r.endpoints[typeID] = factory
	return nil
}

// EntrypointFactory returns the factory registered for the type id.
func (r *Registry) EntrypointFactory(typeID string) (EntrypointFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.entrypoints[typeID]
	return f, ok
}

// EndpointFactory returns the factory registered for the type id.
func (r *Registry) EndpointFactory(typeID string) (EndpointFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.endpoints[typeID]
	return f, ok
}

// Types lists the registered entrypoint and endpoint type ids.
func (r *Registry) Types() (entrypoints, endpoints []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.entrypoints {
		entrypoints = append(entrypoints, id)
	}
	for id := range r.endpoints {
		endpoints = append(endpoints, id)
	}
	sort.Strings(entrypoints)
	sort.Strings(endpoints)
	return entrypoints, endpoints
}

// Decode maps a connector configuration onto a typed struct.
func Decode(input map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}
	return nil
}

var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// IsHopByHop reports whether a header applies to a single connection and must
// not be forwarded by a proxy.
func IsHopByHop(header string) bool {
	return hopByHop[http.CanonicalHeaderKey(header)]
}
