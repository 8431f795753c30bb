package connector

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// Ordering decides whether specific or generic entrypoints are tried first.
type Ordering string

const (
	// MostSpecificFirst tries connectors with the highest match criteria count first.
	MostSpecificFirst Ordering = "most-specific-first"
	// LeastSpecificFirst tries connectors with the lowest match criteria count first.
	LeastSpecificFirst Ordering = "least-specific-first"
)

// ParseOrdering parses an ordering name. The empty string selects MostSpecificFirst.
func ParseOrdering(raw string) (Ordering, error) {
	switch Ordering(strings.ToLower(strings.TrimSpace(raw))) {
	case "", MostSpecificFirst:
		return MostSpecificFirst, nil
	case LeastSpecificFirst:
		return LeastSpecificFirst, nil
	default:
		return "", fmt.Errorf("%w: unknown connector ordering %q", domain.ErrConfigInvalid, raw)
	}
}

// EntrypointResolver selects the entrypoint connector accepting a request.
// It is built once per deployment and only read afterwards.
type EntrypointResolver struct {
	connectors []domain.EntrypointConnector
	ordering   Ordering
}

// NewEntrypointResolver instantiates one connector per entrypoint declared on
// the API's HTTP listeners. Entries whose factory is missing, fails or
// panics are logged and dropped.
func NewEntrypointResolver(api *domain.API, registry *Registry, ordering Ordering, logger *slog.Logger) *EntrypointResolver {
	if logger == nil {
		logger = slog.Default()
	}
	var connectors []domain.EntrypointConnector
	for _, listener := range api.HTTPListeners() {
		for _, ep := range listener.Entrypoints {
			factory, ok := registry.EntrypointFactory(ep.Type)
			if !ok {
				logger.Warn("unknown entrypoint type",
					"api_id", api.ID,
					"type", ep.Type,
				)
				continue
			}
			connector, err := buildEntrypoint(factory, ep.Configuration)
			if err != nil {
				logger.Error("entrypoint connector creation failed",
					"api_id", api.ID,
					"type", ep.Type,
					"error", err,
				)
				continue
			}
			connectors = append(connectors, connector)
		}
	}
	return NewStaticEntrypointResolver(connectors, ordering)
}

// NewStaticEntrypointResolver sorts already built connectors.
func NewStaticEntrypointResolver(connectors []domain.EntrypointConnector, ordering Ordering) *EntrypointResolver {
	if ordering == "" {
		ordering = MostSpecificFirst
	}
	sorted := append([]domain.EntrypointConnector(nil), connectors...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if ordering == LeastSpecificFirst {
			return sorted[i].MatchCriteriaCount() < sorted[j].MatchCriteriaCount()
		}
		return sorted[i].MatchCriteriaCount() > sorted[j].MatchCriteriaCount()
	})
	return &EntrypointResolver{connectors: sorted, ordering: ordering}
}

// Resolve returns the first connector, in ordering, that accepts the request.
func (r *EntrypointResolver) Resolve(execCtx *domain.ExecutionContext) (domain.EntrypointConnector, bool) {
	for _, c := range r.connectors {
		if c.Matches(execCtx) {
			return c, true
		}
	}
	return nil, false
}

// Connectors returns the connectors in evaluation order.
func (r *EntrypointResolver) Connectors() []domain.EntrypointConnector {
	return append([]domain.EntrypointConnector(nil), r.connectors...)
}

func buildEntrypoint(factory EntrypointFactory, config map[string]any) (c domain.EntrypointConnector, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("entrypoint factory panicked: %v", r)
		}
	}()
	c, err = factory(config)
	if err == nil && c == nil {
		err = fmt.Errorf("entrypoint factory returned nil")
	}
	return c, err
}

func buildEndpoint(factory EndpointFactory, config map[string]any) (c domain.EndpointConnector, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("endpoint factory panicked: %v", r)
		}
	}()
	c, err = factory(config)
	if err == nil && c == nil {
		err = fmt.Errorf("endpoint factory returned nil")
	}
	return c, err
}

type endpointEntry struct {
	name      string
	weight    int
	connector domain.EndpointConnector
}

type endpointGroup struct {
	name    string
	entries []endpointEntry
	next    atomic.Uint64
}

// EndpointResolver selects the backend connector for a request.
type EndpointResolver struct {
	groups []*endpointGroup
}

// NewEndpointResolver instantiates the API's endpoints. Failing entries are
// logged and dropped; empty groups are kept so that targeting them yields
// no endpoint.
func NewEndpointResolver(api *domain.API, registry *Registry, logger *slog.Logger) *EndpointResolver {
	if logger == nil {
		logger = slog.Default()
	}
	resolver := &EndpointResolver{}
	for _, g := range api.EndpointGroups {
		group := &endpointGroup{name: g.Name}
		for _, ep := range g.Endpoints {
			typeID := ep.Type
			if typeID == "" {
				typeID = g.Type
			}
			factory, ok := registry.EndpointFactory(typeID)
			if !ok {
				logger.Warn("unknown endpoint type",
					"api_id", api.ID,
					"group", g.Name,
					"endpoint", ep.Name,
					"type", typeID,
				)
				continue
			}
			connector, err := buildEndpoint(factory, ep.Configuration)
			if err != nil {
				logger.Error("endpoint connector creation failed",
					"api_id", api.ID,
					"group", g.Name,
					"endpoint", ep.Name,
					"error", err,
				)
				continue
			}
			weight := ep.Weight
			if weight <= 0 {
				weight = 1
			}
			group.entries = append(group.entries, endpointEntry{name: ep.Name, weight: weight, connector: connector})
		}
		resolver.groups = append(resolver.groups, group)
	}
	return resolver
}

// Resolve picks the endpoint for the request. The endpoint target attribute
// may name a group ("group") or a single endpoint ("group:endpoint");
// otherwise the first group is used. Within a group endpoints are chosen by
// weighted round robin among those supporting the entrypoint mode.
func (r *EndpointResolver) Resolve(execCtx *domain.ExecutionContext) (domain.EndpointConnector, bool) {
	mode := domain.ModeRequestResponse
	if ep := execCtx.Entrypoint(); ep != nil {
		mode = ep.Mode()
	}

	target := strings.TrimSpace(execCtx.StringAttribute(domain.AttrEndpointTarget))
	if target == "" {
		if len(r.groups) == 0 {
			return nil, false
		}
		return r.groups[0].pick(mode, "")
	}

	groupName, endpointName, _ := strings.Cut(target, ":")
	for _, g := range r.groups {
		if g.name == groupName {
			return g.pick(mode, endpointName)
		}
	}
	// A bare endpoint name is looked up across groups.
	if endpointName == "" {
		for _, g := range r.groups {
			if c, ok := g.pick(mode, groupName); ok {
				return c, true
			}
		}
	}
	return nil, false
}

func (g *endpointGroup) pick(mode domain.ConnectorMode, name string) (domain.EndpointConnector, bool) {
	var candidates []endpointEntry
	total := 0
	for _, e := range g.entries {
		if name != "" && e.name != name {
			continue
		}
		if !domain.SupportsMode(e.connector, mode) {
			continue
		}
		candidates = append(candidates, e)
		total += e.weight
	}
	if len(candidates) == 0 {
		return nil, false
	}
	slot := int((g.next.Add(1) - 1) % uint64(total))
	for _, e := range candidates {
		if slot < e.weight {
			return e.connector, true
		}
		slot -= e.weight
	}
	return candidates[len(candidates)-1].connector, true
}
