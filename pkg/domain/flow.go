package domain

import "strings"

// PathOperator controls how a flow selector path is compared to the request path.
type PathOperator string

const (
	// PathEquals requires the path info to equal the selector path.
	PathEquals PathOperator = "EQUALS"
	// PathStartsWith requires the path info to start with the selector path.
	PathStartsWith PathOperator = "STARTS_WITH"
)

// FlowSelector restricts a flow to matching requests. The zero value matches every request.
type FlowSelector struct {
	Path     string
	Operator PathOperator
	Methods  []string
}

// Flow is a named, conditionally-activated pair of step lists attached to a scope.
// Flows are immutable once deployed.
type Flow struct {
	ID        string
	Name      string
	Enabled   bool
	Condition string
	Selector  FlowSelector
	Pre       []Step
	Post      []Step
}

// Steps returns the step list for the given phase.
func (f Flow) Steps(phase Phase) []Step {
	if phase.IsRequest() {
		return f.Pre
	}
	return f.Post
}

// DisplayName returns the flow name or a generated fallback.
func (f Flow) DisplayName() string {
	if f.Name != "" {
		return f.Name
	}
	if f.ID != "" {
		return f.ID
	}
	if f.Selector.Path != "" {
		return strings.Join(f.Selector.Methods, ",") + " " + f.Selector.Path
	}
	return "unnamed"
}

// Step is one configured policy reference inside a flow.
type Step struct {
	Policy        string
	Name          string
	Description   string
	Configuration map[string]any
	Condition     string
	Enabled       bool
}

// EnabledSteps filters out disabled steps, preserving declaration order.
func EnabledSteps(steps []Step) []Step {
	enabled := make([]Step, 0, len(steps))
	for _, step := range steps {
		if step.Enabled {
			enabled = append(enabled, step)
		}
	}
	return enabled
}

// FlowMode selects how many matching flows of a scope are executed.
type FlowMode string

const (
	// FlowModeDefault runs every matching flow in declaration order.
	FlowModeDefault FlowMode = "DEFAULT"
	// FlowModeBestMatch runs only the matching flow with the most specific path.
	FlowModeBestMatch FlowMode = "BEST_MATCH"
)

// FlowExecution configures flow matching for an API.
type FlowExecution struct {
	Mode          FlowMode
	MatchRequired bool
}
