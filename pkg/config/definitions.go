package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// Definitions is the file representation of a deployment (DTO).
type Definitions struct {
	Generation    int64              `json:"generation" yaml:"generation"`
	Organization  OrganizationSpec   `json:"organization" yaml:"organization"`
	APIs          []APISpec          `json:"apis" yaml:"apis"`
	Subscriptions []SubscriptionSpec `json:"subscriptions" yaml:"subscriptions"`
}

// OrganizationSpec carries the platform flows.
type OrganizationSpec struct {
	ID    string     `json:"id" yaml:"id"`
	Flows []FlowSpec `json:"flows" yaml:"flows"`
}

// APISpec describes one API.
type APISpec struct {
	ID             string              `json:"id" yaml:"id"`
	Name           string              `json:"name" yaml:"name"`
	Version        string              `json:"version" yaml:"version"`
	FlowExecution  FlowExecutionSpec   `json:"flowExecution" yaml:"flowExecution"`
	Listeners      []ListenerSpec      `json:"listeners" yaml:"listeners"`
	EndpointGroups []EndpointGroupSpec `json:"endpointGroups" yaml:"endpointGroups"`
	Flows          []FlowSpec          `json:"flows" yaml:"flows"`
	Plans          []PlanSpec          `json:"plans" yaml:"plans"`
}

// FlowExecutionSpec configures flow matching.
type FlowExecutionSpec struct {
	Mode          string `json:"mode" yaml:"mode"`
	MatchRequired bool   `json:"matchRequired" yaml:"matchRequired"`
}

// ListenerSpec describes a listener.
type ListenerSpec struct {
	Type        string           `json:"type" yaml:"type"`
	Paths       []PathSpec       `json:"paths" yaml:"paths"`
	Entrypoints []EntrypointSpec `json:"entrypoints" yaml:"entrypoints"`
}

// PathSpec is a host/context path pair.
type PathSpec struct {
	Host string `json:"host" yaml:"host"`
	Path string `json:"path" yaml:"path"`
}

// EntrypointSpec declares an entrypoint connector.
type EntrypointSpec struct {
	Type          string         `json:"type" yaml:"type"`
	Configuration map[string]any `json:"configuration" yaml:"configuration"`
}

// EndpointGroupSpec declares a group of endpoints.
type EndpointGroupSpec struct {
	Name      string         `json:"name" yaml:"name"`
	Type      string         `json:"type" yaml:"type"`
	Endpoints []EndpointSpec `json:"endpoints" yaml:"endpoints"`
}

// EndpointSpec declares an endpoint connector.
type EndpointSpec struct {
	Name          string         `json:"name" yaml:"name"`
	Type          string         `json:"type" yaml:"type"`
	Weight        int            `json:"weight" yaml:"weight"`
	Configuration map[string]any `json:"configuration" yaml:"configuration"`
}

// FlowSpec declares a flow. Enabled defaults to true.
type FlowSpec struct {
	ID        string       `json:"id" yaml:"id"`
	Name      string       `json:"name" yaml:"name"`
	Enabled   *bool        `json:"enabled" yaml:"enabled"`
	Condition string       `json:"condition" yaml:"condition"`
	Selector  SelectorSpec `json:"selector" yaml:"selector"`
	Pre       []StepSpec   `json:"pre" yaml:"pre"`
	Post      []StepSpec   `json:"post" yaml:"post"`
}

// SelectorSpec restricts a flow to matching requests.
type SelectorSpec struct {
	Path     string   `json:"path" yaml:"path"`
	Operator string   `json:"operator" yaml:"operator"`
	Methods  []string `json:"methods" yaml:"methods"`
}

// StepSpec declares a policy step. Enabled defaults to true.
type StepSpec struct {
	Policy        string         `json:"policy" yaml:"policy"`
	Name          string         `json:"name" yaml:"name"`
	Description   string         `json:"description" yaml:"description"`
	Configuration map[string]any `json:"configuration" yaml:"configuration"`
	Condition     string         `json:"condition" yaml:"condition"`
	Enabled       *bool          `json:"enabled" yaml:"enabled"`
}

// PlanSpec declares a plan.
type PlanSpec struct {
	ID            string                `json:"id" yaml:"id"`
	Name          string                `json:"name" yaml:"name"`
	Status        string                `json:"status" yaml:"status"`
	Security      SecuritySpec          `json:"security" yaml:"security"`
	SelectionRule string                `json:"selectionRule" yaml:"selectionRule"`
	Order         int                   `json:"order" yaml:"order"`
	Tags          []string              `json:"tags" yaml:"tags"`
	Flows         []FlowSpec            `json:"flows" yaml:"flows"`
	Paths         map[string][]RuleSpec `json:"paths" yaml:"paths"`
}

// SecuritySpec is the security definition of a plan.
type SecuritySpec struct {
	Type          string         `json:"type" yaml:"type"`
	Configuration map[string]any `json:"configuration" yaml:"configuration"`
}

// RuleSpec maps methods to one policy in a plan path table. Enabled defaults to true.
type RuleSpec struct {
	Methods       []string       `json:"methods" yaml:"methods"`
	Policy        string         `json:"policy" yaml:"policy"`
	Description   string         `json:"description" yaml:"description"`
	Configuration map[string]any `json:"configuration" yaml:"configuration"`
	Enabled       *bool          `json:"enabled" yaml:"enabled"`
}

// SubscriptionSpec binds an application to a plan.
type SubscriptionSpec struct {
	ID          string `json:"id" yaml:"id"`
	API         string `json:"api" yaml:"api"`
	Plan        string `json:"plan" yaml:"plan"`
	Application string `json:"application" yaml:"application"`
	APIKey      string `json:"apiKey" yaml:"apiKey"`
	Status      string `json:"status" yaml:"status"`
}

// LoadDefinitions reads and converts a definitions file.
func LoadDefinitions(path string) (domain.Snapshot, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to read definitions file: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes YAML or JSON definitions and converts them.
func ParseDefinitions(data []byte) (domain.Snapshot, error) {
	// An empty file is what a reader sees halfway through a rewrite.
	if len(bytes.TrimSpace(data)) == 0 {
		return domain.Snapshot{}, fmt.Errorf("%w: definitions are empty", domain.ErrConfigInvalid)
	}
	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		if jsonErr := json.Unmarshal(data, &defs); jsonErr != nil {
			return domain.Snapshot{}, fmt.Errorf("%w: failed to parse definitions: %v", domain.ErrConfigInvalid, err)
		}
	}
	return defs.ToDomain()
}

// ToDomain validates the definitions and converts them to a domain snapshot.
// Every problem found is reported.
func (d Definitions) ToDomain() (domain.Snapshot, error) {
	snapshot := domain.Snapshot{
		Generation: d.Generation,
		ReceivedAt: time.Now(),
	}

	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	orgFlows, err := convertFlows(d.Organization.Flows)
	if err != nil {
		fail("organization: %w", err)
	}
	snapshot.Organization = domain.Organization{ID: d.Organization.ID, Flows: orgFlows}

	apiPlans := map[string]map[string]bool{}
	planOwners := map[string]string{}
	for i, spec := range d.APIs {
		api, err := spec.toDomain()
		if err != nil {
			fail("api %d (%s): %w", i, spec.ID, err)
			continue
		}
		if _, dup := apiPlans[api.ID]; dup {
			fail("api %d: duplicate id %q", i, api.ID)
			continue
		}
		apiPlans[api.ID] = map[string]bool{}
		for _, plan := range api.Plans {
			if owner, dup := planOwners[plan.ID]; dup {
				fail("api %s: plan %q already declared by api %s", api.ID, plan.ID, owner)
				continue
			}
			planOwners[plan.ID] = api.ID
			apiPlans[api.ID][plan.ID] = true
		}
		snapshot.APIs = append(snapshot.APIs, api)
	}

	keys := map[string]string{}
	for i, spec := range d.Subscriptions {
		sub, err := spec.toDomain()
		if err != nil {
			fail("subscription %d (%s): %w", i, spec.ID, err)
			continue
		}
		plans, ok := apiPlans[sub.APIID]
		if !ok {
			fail("subscription %s: unknown api %q", sub.ID, sub.APIID)
			continue
		}
		if !plans[sub.PlanID] {
			fail("subscription %s: plan %q is not a plan of api %s", sub.ID, sub.PlanID, sub.APIID)
			continue
		}
		if sub.APIKey != "" {
			scoped := sub.APIID + "/" + sub.APIKey
			if other, dup := keys[scoped]; dup {
				fail("subscription %s: api key already used by subscription %s", sub.ID, other)
				continue
			}
			keys[scoped] = sub.ID
		}
		snapshot.Subscriptions = append(snapshot.Subscriptions, sub)
	}

	if len(errs) > 0 {
		return domain.Snapshot{}, fmt.Errorf("%w: %w", domain.ErrConfigInvalid, errors.Join(errs...))
	}
	return snapshot, nil
}

func (s APISpec) toDomain() (domain.API, error) {
	if strings.TrimSpace(s.ID) == "" {
		return domain.API{}, errors.New("id is required")
	}
	api := domain.API{ID: s.ID, Name: s.Name, Version: s.Version}
	if api.Name == "" {
		api.Name = s.ID
	}

	switch mode := domain.FlowMode(strings.ToUpper(s.FlowExecution.Mode)); mode {
	case "":
		api.FlowExecution.Mode = domain.FlowModeDefault
	case domain.FlowModeDefault, domain.FlowModeBestMatch:
		api.FlowExecution.Mode = mode
	default:
		return domain.API{}, fmt.Errorf("unknown flow execution mode %q", s.FlowExecution.Mode)
	}
	api.FlowExecution.MatchRequired = s.FlowExecution.MatchRequired

	reachable := false
	for i, l := range s.Listeners {
		listener := domain.Listener{Type: domain.ListenerType(strings.ToUpper(l.Type))}
		switch listener.Type {
		case "":
			listener.Type = domain.ListenerHTTP
		case domain.ListenerHTTP, domain.ListenerSubscription:
		default:
			return domain.API{}, fmt.Errorf("listener %d: unknown type %q", i, l.Type)
		}
		for _, p := range l.Paths {
			listener.Paths = append(listener.Paths, domain.ListenerPath{Host: p.Host, Path: domain.NormalizePath(p.Path)})
		}
		for j, e := range l.Entrypoints {
			if e.Type == "" {
				return domain.API{}, fmt.Errorf("listener %d entrypoint %d: type is required", i, j)
			}
			listener.Entrypoints = append(listener.Entrypoints, domain.Entrypoint{Type: e.Type, Configuration: e.Configuration})
		}
		if listener.Type == domain.ListenerHTTP && len(listener.Paths) > 0 && len(listener.Entrypoints) > 0 {
			reachable = true
		}
		api.Listeners = append(api.Listeners, listener)
	}
	if !reachable {
		return domain.API{}, errors.New("at least one HTTP listener with a path and an entrypoint is required")
	}

	for i, g := range s.EndpointGroups {
		if g.Name == "" {
			return domain.API{}, fmt.Errorf("endpoint group %d: name is required", i)
		}
		group := domain.EndpointGroup{Name: g.Name, Type: g.Type}
		for j, e := range g.Endpoints {
			typ := e.Type
			if typ == "" {
				typ = g.Type
			}
			if typ == "" {
				return domain.API{}, fmt.Errorf("endpoint group %s endpoint %d: type is required", g.Name, j)
			}
			name := e.Name
			if name == "" {
				name = fmt.Sprintf("%s-%d", g.Name, j)
			}
			weight := e.Weight
			if weight <= 0 {
				weight = 1
			}
			group.Endpoints = append(group.Endpoints, domain.Endpoint{Name: name, Type: typ, Weight: weight, Configuration: e.Configuration})
		}
		api.EndpointGroups = append(api.EndpointGroups, group)
	}

	flows, err := convertFlows(s.Flows)
	if err != nil {
		return domain.API{}, err
	}
	api.Flows = flows

	for i, p := range s.Plans {
		plan, err := p.toDomain(api.ID)
		if err != nil {
			return domain.API{}, fmt.Errorf("plan %d (%s): %w", i, p.ID, err)
		}
		api.Plans = append(api.Plans, plan)
	}
	return api, nil
}

func (p PlanSpec) toDomain(apiID string) (domain.Plan, error) {
	if strings.TrimSpace(p.ID) == "" {
		return domain.Plan{}, errors.New("id is required")
	}
	plan := domain.Plan{
		ID:            p.ID,
		Name:          p.Name,
		APIID:         apiID,
		SelectionRule: p.SelectionRule,
		Order:         p.Order,
		Tags:          p.Tags,
	}

	switch status := domain.PlanStatus(strings.ToUpper(p.Status)); status {
	case "":
		plan.Status = domain.PlanPublished
	case domain.PlanPublished, domain.PlanDeprecated, domain.PlanStaging, domain.PlanClosed:
		plan.Status = status
	default:
		return domain.Plan{}, fmt.Errorf("unknown status %q", p.Status)
	}

	switch typ := domain.SecurityType(strings.ToUpper(strings.ReplaceAll(p.Security.Type, "-", "_"))); typ {
	case "", "KEYLESS", domain.SecurityKeyless:
		plan.Security.Type = domain.SecurityKeyless
	case "APIKEY", domain.SecurityAPIKey:
		plan.Security.Type = domain.SecurityAPIKey
	default:
		return domain.Plan{}, fmt.Errorf("unknown security type %q", p.Security.Type)
	}
	plan.Security.Configuration = p.Security.Configuration

	flows, err := convertFlows(p.Flows)
	if err != nil {
		return domain.Plan{}, err
	}
	plan.Flows = flows

	if len(p.Paths) > 0 {
		plan.Paths = make(map[string][]domain.Rule, len(p.Paths))
		for path, rules := range p.Paths {
			converted := make([]domain.Rule, 0, len(rules))
			for i, r := range rules {
				if r.Policy == "" {
					return domain.Plan{}, fmt.Errorf("path %s rule %d: policy is required", path, i)
				}
				converted = append(converted, domain.Rule{
					Methods:     r.Methods,
					Enabled:     enabled(r.Enabled),
					Description: r.Description,
					Step: domain.Step{
						Policy:        r.Policy,
						Description:   r.Description,
						Configuration: r.Configuration,
						Enabled:       true,
					},
				})
			}
			plan.Paths[domain.NormalizePath(path)] = converted
		}
	}
	return plan, nil
}

func (s SubscriptionSpec) toDomain() (domain.Subscription, error) {
	if s.ID == "" {
		return domain.Subscription{}, errors.New("id is required")
	}
	sub := domain.Subscription{
		ID:          s.ID,
		APIID:       s.API,
		PlanID:      s.Plan,
		Application: s.Application,
		APIKey:      s.APIKey,
	}
	switch status := domain.SubscriptionStatus(strings.ToUpper(s.Status)); status {
	case "":
		sub.Status = domain.SubscriptionAccepted
	case domain.SubscriptionAccepted, domain.SubscriptionPaused, domain.SubscriptionClosed:
		sub.Status = status
	default:
		return domain.Subscription{}, fmt.Errorf("unknown status %q", s.Status)
	}
	return sub, nil
}

func convertFlows(specs []FlowSpec) ([]domain.Flow, error) {
	flows := make([]domain.Flow, 0, len(specs))
	for i, s := range specs {
		flow := domain.Flow{
			ID:        s.ID,
			Name:      s.Name,
			Enabled:   enabled(s.Enabled),
			Condition: s.Condition,
			Selector: domain.FlowSelector{
				Path:    s.Selector.Path,
				Methods: s.Selector.Methods,
			},
		}
		switch op := domain.PathOperator(strings.ToUpper(s.Selector.Operator)); op {
		case "":
			flow.Selector.Operator = domain.PathStartsWith
		case domain.PathEquals, domain.PathStartsWith:
			flow.Selector.Operator = op
		default:
			return nil, fmt.Errorf("flow %d (%s): unknown path operator %q", i, flow.DisplayName(), s.Selector.Operator)
		}

		var err error
		if flow.Pre, err = convertSteps(s.Pre); err != nil {
			return nil, fmt.Errorf("flow %d (%s) pre: %w", i, flow.DisplayName(), err)
		}
		if flow.Post, err = convertSteps(s.Post); err != nil {
			return nil, fmt.Errorf("flow %d (%s) post: %w", i, flow.DisplayName(), err)
		}
		flows = append(flows, flow)
	}
	return flows, nil
}

func convertSteps(specs []StepSpec) ([]domain.Step, error) {
	steps := make([]domain.Step, 0, len(specs))
	for i, s := range specs {
		if strings.TrimSpace(s.Policy) == "" {
			return nil, fmt.Errorf("step %d: policy is required", i)
		}
		steps = append(steps, domain.Step{
			Policy:        s.Policy,
			Name:          s.Name,
			Description:   s.Description,
			Configuration: s.Configuration,
			Condition:     s.Condition,
			Enabled:       enabled(s.Enabled),
		})
	}
	return steps, nil
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}
