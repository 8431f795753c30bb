package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/storage"
)

type route struct {
	host    string
	path    string
	reactor *Reactor
}

// Manager holds the reactors of the current deployment and the context-path
// index used to dispatch requests. A deployment replaces the whole set.
type Manager struct {
	store storage.DeploymentStore
	deps  Dependencies

	mu       sync.RWMutex
	reactors map[string]*Reactor
	routes   []route
}

// NewManager creates a manager deploying into the given store. The store
// also backs the organization flows and the subscription lookups.
func NewManager(store storage.DeploymentStore, deps Dependencies) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Organization = store
	deps.Subscriptions = store
	return &Manager{
		store:    store,
		deps:     deps,
		reactors: map[string]*Reactor{},
	}
}

// Deploy validates the snapshot, stores it and swaps the reactor set. On
// error the previous deployment stays active.
func (m *Manager) Deploy(ctx context.Context, snapshot domain.Snapshot) error {
	reactors := make(map[string]*Reactor, len(snapshot.APIs))
	var routes []route
	owners := map[string]string{}

	for i := range snapshot.APIs {
		api := snapshot.APIs[i]
		reactor := NewReactor(&api, m.deps)
		if len(reactor.Entrypoints().Connectors()) == 0 {
			m.deps.Metrics.RecordDeployment(false, 0)
			return fmt.Errorf("%w: api %s has no usable entrypoint", domain.ErrConfigInvalid, api.ID)
		}
		reactors[api.ID] = reactor

		for _, p := range api.ContextPaths() {
			key := p.Host + p.Path
			if owner, dup := owners[key]; dup && owner != api.ID {
				m.deps.Metrics.RecordDeployment(false, 0)
				return fmt.Errorf("%w: context path %s%s is claimed by api %s and api %s", domain.ErrConfigInvalid, p.Host, p.Path, owner, api.ID)
			}
			owners[key] = api.ID
			routes = append(routes, route{host: p.Host, path: p.Path, reactor: reactor})
		}
	}
	sortRoutes(routes)

	if err := m.store.Deploy(ctx, snapshot); err != nil {
		m.deps.Metrics.RecordDeployment(false, 0)
		return fmt.Errorf("deploy snapshot: %w", err)
	}
	m.deps.Policies.Invalidate()

	m.mu.Lock()
	m.reactors = reactors
	m.routes = routes
	m.mu.Unlock()

	m.deps.Metrics.RecordDeployment(true, len(reactors))
	m.deps.Logger.Info("deployment activated",
		"generation", m.store.Generation(),
		"apis", len(reactors),
		"routes", len(routes),
	)
	return nil
}

// sortRoutes orders the index from the longest context path to the shortest;
// host bound routes win over host-less ones of the same path.
func sortRoutes(routes []route) {
	sort.SliceStable(routes, func(i, j int) bool {
		if len(routes[i].path) != len(routes[j].path) {
			return len(routes[i].path) > len(routes[j].path)
		}
		return routes[i].host != "" && routes[j].host == ""
	})
}

// Match finds the reactor serving a host and path and returns the matched
// context path.
func (m *Manager) Match(host, path string) (*Reactor, string, bool) {
	host = normalizeHost(host)
	path = domain.NormalizePath(path)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rt := range m.routes {
		if rt.host != "" && rt.host != host {
			continue
		}
		if matchesContextPath(rt.path, path) {
			return rt.reactor, rt.path, true
		}
	}
	return nil, "", false
}

// Reactor returns the reactor of an API.
func (m *Manager) Reactor(apiID string) (*Reactor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reactors[apiID]
	return r, ok
}

// Len returns the number of deployed APIs.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reactors)
}

// Store returns the deployment store.
func (m *Manager) Store() storage.DeploymentStore {
	return m.store
}

func matchesContextPath(contextPath, path string) bool {
	if contextPath == "/" {
		return true
	}
	return path == contextPath || strings.HasPrefix(path, contextPath+"/")
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
