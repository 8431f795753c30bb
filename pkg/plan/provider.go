package plan

import (
	"context"
	"errors"
	"log/slog"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/policy"
)

// UnresolvablePolicyID names the synthetic policy rejecting callers without a plan.
const UnresolvablePolicyID = "plan-unresolvable"

// ChainProvider builds the plan policy chain for a request.
type ChainProvider struct {
	resolver *PolicyResolver
	manager  *policy.Manager
	hooks    []policy.Hook
	logger   *slog.Logger
}

// NewChainProvider creates a provider.
func NewChainProvider(resolver *PolicyResolver, manager *policy.Manager, logger *slog.Logger, hooks ...policy.Hook) *ChainProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainProvider{resolver: resolver, manager: manager, hooks: hooks, logger: logger}
}

// Provide returns the chain for the phase. A securable API without a plan
// in the context gets a chain that rejects the request with 401.
func (p *ChainProvider) Provide(_ context.Context, execCtx *domain.ExecutionContext, phase domain.Phase) (*policy.Chain, error) {
	id := "plan-paths"
	steps, err := p.resolver.Calculate(phase, execCtx)
	switch {
	case errors.Is(err, ErrPlanUnresolved):
		if !Securable(execCtx.API) {
			return p.chain(id, phase, nil), nil
		}
		p.logger.Debug("rejecting request without plan",
			"request_id", execCtx.Request.ID,
			"path", execCtx.Request.Path,
		)
		return p.chain(id, phase, []policy.Policy{policy.Terminal(UnresolvablePolicyID, *domain.Unauthorized())}), nil
	case err != nil:
		return nil, err
	}

	policies := make([]policy.Policy, 0, len(steps))
	for _, step := range steps {
		resolved, err := p.manager.Create(step, phase)
		if err != nil {
			p.logger.Warn("dropping plan step",
				"plan_id", execCtx.PlanID(),
				"policy_id", step.Policy,
				"error", err,
			)
			continue
		}
		policies = append(policies, resolved)
	}
	return p.chain(id, phase, policies), nil
}

func (p *ChainProvider) chain(id string, phase domain.Phase, policies []policy.Policy) *policy.Chain {
	return policy.NewChain(id, phase, policies, policy.WithHooks(p.hooks...), policy.WithLogger(p.logger))
}

// Securable reports whether callers of the API must come through a plan. An
// unknown API is treated as securable.
func Securable(api *domain.API) bool {
	if api == nil {
		return true
	}
	if api.Securable() {
		return true
	}
	return api.FlowExecution.MatchRequired && len(api.Plans) > 0
}
