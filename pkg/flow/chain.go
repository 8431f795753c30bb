package flow

import (
	"context"
	"errors"
	"log/slog"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/policy"
)

const memoPrefix = "flow.chain."

// resolution is the resolve-once cell stored in the execution context.
type resolution struct {
	flows []domain.Flow
	err   error
}

// Chain runs the flows of one scope. Flows are resolved on the first
// Execute for a request and reused by every later phase of that request.
type Chain struct {
	id       string
	resolver Resolver
	manager  *policy.Manager
	hooks    []policy.Hook
	logger   *slog.Logger
}

// Option customises a Chain.
type Option func(*Chain)

// WithHooks attaches hooks to the policy chains built for each flow.
func WithHooks(hooks ...policy.Hook) Option {
	return func(c *Chain) {
		c.hooks = append(c.hooks, hooks...)
	}
}

// WithLogger sets the chain logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChain builds a flow chain. The id scopes the memoized resolution, so it
// must be unique among the chains run for one request.
func NewChain(id string, resolver Resolver, manager *policy.Manager, opts ...Option) *Chain {
	c := &Chain{
		id:       id,
		resolver: resolver,
		manager:  manager,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the chain id.
func (c *Chain) ID() string { return c.id }

// Started reports whether the chain already resolved its flows for this request.
func (c *Chain) Started(execCtx *domain.ExecutionContext) bool {
	_, ok := execCtx.InternalAttribute(memoPrefix + c.id)
	return ok
}

// Execute runs the steps of every resolved flow for the phase, in order.
// Remaining flows are skipped once the phase is interrupted. A resolution
// error interrupts the request with a 500 failure.
func (c *Chain) Execute(ctx context.Context, execCtx *domain.ExecutionContext, phase domain.Phase) error {
	flows, err := c.resolve(ctx, execCtx)
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return err
		}
		c.logger.Error("flow resolution failed",
			"chain_id", c.id,
			"request_id", execCtx.Request.ID,
			"error", err,
		)
		execCtx.InterruptWith(domain.InternalFailure(domain.KeyFlowResolution, err).WithParameter("chain", c.id))
		return nil
	}

	for _, f := range flows {
		if execCtx.IsInterruptedIn(phase) {
			c.logger.Debug("skipping flows after interruption",
				"chain_id", c.id,
				"flow", f.DisplayName(),
				"phase", string(phase),
			)
			return nil
		}

		policies := c.policies(f, phase)
		if len(policies) == 0 {
			continue
		}

		chain := policy.NewChain(c.id+"/"+f.DisplayName(), phase, policies,
			policy.WithHooks(c.hooks...),
			policy.WithLogger(c.logger),
		)
		if err := chain.Execute(ctx, execCtx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chain) resolve(ctx context.Context, execCtx *domain.ExecutionContext) ([]domain.Flow, error) {
	key := memoPrefix + c.id
	if cached, ok := execCtx.InternalAttribute(key); ok {
		res := cached.(*resolution)
		return res.flows, res.err
	}

	flows, err := c.resolver.Resolve(ctx, execCtx)
	if err != nil && ctx.Err() != nil {
		return nil, err
	}
	execCtx.SetInternalAttribute(key, &resolution{flows: flows, err: err})
	return flows, err
}

// policies instantiates the enabled steps of the flow for the phase. Steps
// whose policy cannot be created are logged and dropped.
func (c *Chain) policies(f domain.Flow, phase domain.Phase) []policy.Policy {
	steps := domain.EnabledSteps(f.Steps(phase))
	policies := make([]policy.Policy, 0, len(steps))
	for _, step := range steps {
		p, err := c.manager.Create(step, phase)
		if err != nil {
			c.logger.Warn("dropping step",
				"chain_id", c.id,
				"flow", f.DisplayName(),
				"policy_id", step.Policy,
				"phase", string(phase),
				"error", err,
			)
			continue
		}
		policies = append(policies, p)
	}
	return policies
}
