// Package plan turns the path rules of the caller's plan into the
// request-phase security policies.
package plan

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// ErrPlanUnresolved is returned when the context carries no plan id.
var ErrPlanUnresolved = errors.New("no plan resolved for request")

// PolicyResolver computes the steps of the plan selected for the caller.
type PolicyResolver struct {
	plans  domain.PlanStore
	logger *slog.Logger
}

// NewPolicyResolver creates a resolver reading plans from the store.
func NewPolicyResolver(plans domain.PlanStore, logger *slog.Logger) *PolicyResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyResolver{plans: plans, logger: logger}
}

// Calculate returns the steps for the request. Only the request phase has
// plan steps. A context without plan id yields ErrPlanUnresolved so callers
// can tell it apart from a plan that simply has no matching rule.
func (r *PolicyResolver) Calculate(phase domain.Phase, execCtx *domain.ExecutionContext) ([]domain.Step, error) {
	if !phase.IsRequest() {
		return nil, nil
	}

	planID := execCtx.PlanID()
	if planID == "" {
		return nil, ErrPlanUnresolved
	}

	plan, ok := r.plans.GetPlan(planID)
	if !ok {
		r.logger.Warn("plan not found",
			"plan_id", planID,
			"application_id", execCtx.ApplicationID(),
		)
		return nil, nil
	}
	if len(plan.Paths) == 0 {
		r.logger.Warn("plan has no path rules",
			"plan_id", planID,
			"application_id", execCtx.ApplicationID(),
		)
		return nil, nil
	}

	path, ok := SelectPath(plan, execCtx.Request.PathInfo)
	if !ok {
		r.logger.Debug("no plan path matches request",
			"plan_id", planID,
			"path", execCtx.Request.PathInfo,
		)
		return nil, nil
	}

	var steps []domain.Step
	for _, rule := range plan.Paths[path] {
		if !rule.Enabled || !rule.AcceptsMethod(execCtx.Request.Method) {
			continue
		}
		step := rule.Step
		step.Enabled = true
		if step.Description == "" {
			step.Description = rule.Description
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// SelectPath returns the longest plan path that prefixes the request path on
// a segment boundary. The root path matches every request.
func SelectPath(plan *domain.Plan, requestPath string) (string, bool) {
	requestPath = domain.NormalizePath(requestPath)
	for _, candidate := range plan.SortedPaths() {
		normalized := domain.NormalizePath(candidate)
		if normalized == "/" || normalized == requestPath || strings.HasPrefix(requestPath, normalized+"/") {
			return candidate, true
		}
	}
	return "", false
}
