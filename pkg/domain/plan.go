package domain

import (
	"sort"
	"strings"
)

// PlanStatus is the lifecycle status of a plan.
type PlanStatus string

const (
	PlanPublished  PlanStatus = "PUBLISHED"
	PlanDeprecated PlanStatus = "DEPRECATED"
	PlanStaging    PlanStatus = "STAGING"
	PlanClosed     PlanStatus = "CLOSED"
)

// Usable reports whether callers may be admitted through a plan in this status.
func (s PlanStatus) Usable() bool {
	return s == PlanPublished || s == PlanDeprecated
}

// SecurityType identifies how callers of a plan authenticate.
type SecurityType string

const (
	SecurityKeyless SecurityType = "KEY_LESS"
	SecurityAPIKey  SecurityType = "API_KEY"
)

// PlanSecurity is the security definition of a plan.
type PlanSecurity struct {
	Type          SecurityType
	Configuration map[string]any
}

// Rule maps a set of HTTP methods to a single policy step inside a plan path table.
type Rule struct {
	Methods     []string
	Step        Step
	Enabled     bool
	Description string
}

// AcceptsMethod reports whether the rule applies to the given HTTP method.
// An empty method set applies to every method.
func (r Rule) AcceptsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Plan bundles a security definition with plan-scope flows and legacy path rules.
type Plan struct {
	ID            string
	Name          string
	APIID         string
	Status        PlanStatus
	Security      PlanSecurity
	SelectionRule string
	Order         int
	Tags          []string
	Flows         []Flow
	Paths         map[string][]Rule
}

// SortedPaths returns the plan path keys ordered from the most to the least specific.
func (p *Plan) SortedPaths() []string {
	paths := make([]string, 0, len(p.Paths))
	for path := range p.Paths {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) > len(paths[j])
		}
		return paths[i] < paths[j]
	})
	return paths
}

// SortPlans orders plans by their declared order, then by id for stability.
func SortPlans(plans []Plan) []Plan {
	sorted := append([]Plan(nil), plans...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Order != sorted[j].Order {
			return sorted[i].Order < sorted[j].Order
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// SubscriptionStatus is the lifecycle status of a subscription.
type SubscriptionStatus string

const (
	SubscriptionAccepted SubscriptionStatus = "ACCEPTED"
	SubscriptionPaused   SubscriptionStatus = "PAUSED"
	SubscriptionClosed   SubscriptionStatus = "CLOSED"
)

// Subscription binds an application to a plan of an API, optionally through an API key.
type Subscription struct {
	ID          string
	APIID       string
	PlanID      string
	Application string
	APIKey      string
	Status      SubscriptionStatus
}

// PlanStore looks plans up by id.
type PlanStore interface {
	GetPlan(planID string) (*Plan, bool)
}
