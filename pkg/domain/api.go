package domain

import (
	"strings"
	"time"
)

// ListenerType identifies the kind of listener an API exposes.
type ListenerType string

const (
	// ListenerHTTP accepts HTTP requests routed by host and context path.
	ListenerHTTP ListenerType = "HTTP"
	// ListenerSubscription is reserved for push-based listeners.
	ListenerSubscription ListenerType = "SUBSCRIPTION"
)

// ListenerPath is a host/context path pair the API is reachable on.
type ListenerPath struct {
	Host string
	Path string
}

// Entrypoint is one declared client-facing connector of a listener.
type Entrypoint struct {
	Type          string
	Configuration map[string]any
}

// Listener groups the entrypoints reachable on a set of paths.
type Listener struct {
	Type        ListenerType
	Paths       []ListenerPath
	Entrypoints []Entrypoint
}

// Endpoint is one declared backend-facing connector.
type Endpoint struct {
	Name          string
	Type          string
	Weight        int
	Configuration map[string]any
}

// EndpointGroup groups endpoints of the same type.
type EndpointGroup struct {
	Name      string
	Type      string
	Endpoints []Endpoint
}

// API is a deployed API definition. It is never mutated after deployment;
// redeploying replaces the whole value.
type API struct {
	ID             string
	Name           string
	Version        string
	Listeners      []Listener
	EndpointGroups []EndpointGroup
	Flows          []Flow
	Plans          []Plan
	FlowExecution  FlowExecution
	DeployedAt     time.Time
}

// Plan returns the plan with the given id.
func (a *API) Plan(id string) (*Plan, bool) {
	for i := range a.Plans {
		if a.Plans[i].ID == id {
			return &a.Plans[i], true
		}
	}
	return nil, false
}

// GetPlan implements PlanStore over the API's own plans.
func (a *API) GetPlan(planID string) (*Plan, bool) {
	return a.Plan(planID)
}

// HTTPListeners returns the HTTP listeners of the API.
func (a *API) HTTPListeners() []Listener {
	listeners := make([]Listener, 0, len(a.Listeners))
	for _, l := range a.Listeners {
		if l.Type == ListenerHTTP || l.Type == "" {
			listeners = append(listeners, l)
		}
	}
	return listeners
}

// ContextPaths returns every listener path of the API.
func (a *API) ContextPaths() []ListenerPath {
	var paths []ListenerPath
	for _, l := range a.HTTPListeners() {
		for _, p := range l.Paths {
			paths = append(paths, ListenerPath{Host: strings.ToLower(p.Host), Path: NormalizePath(p.Path)})
		}
	}
	return paths
}

// Securable reports whether callers must be admitted through a non keyless plan.
func (a *API) Securable() bool {
	for _, p := range a.Plans {
		if !p.Status.Usable() {
			continue
		}
		if p.Security.Type != SecurityKeyless {
			return true
		}
	}
	return false
}

// Organization carries platform-scope flows applied to every API.
type Organization struct {
	ID    string
	Flows []Flow
}

// Snapshot is one deployment generation of the whole API graph.
type Snapshot struct {
	Generation    int64
	APIs          []API
	Subscriptions []Subscription
	Organization  Organization
	ReceivedAt    time.Time
}

// NormalizePath ensures a leading slash and strips a trailing one (except for root).
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}
