package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// Chain runs an ordered list of policies for one phase.
type Chain struct {
	id       string
	phase    domain.Phase
	policies []Policy
	hooks    []Hook
	logger   *slog.Logger
}

// ChainOption customises a Chain.
type ChainOption func(*Chain)

// WithHooks attaches observers to the chain.
func WithHooks(hooks ...Hook) ChainOption {
	return func(c *Chain) {
		for _, h := range hooks {
			if h != nil {
				c.hooks = append(c.hooks, h)
			}
		}
	}
}

// WithLogger sets the chain logger.
func WithLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChain builds a chain executing policies in the given order.
func NewChain(id string, phase domain.Phase, policies []Policy, opts ...ChainOption) *Chain {
	chain := &Chain{
		id:       id,
		phase:    phase,
		policies: append([]Policy(nil), policies...),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(chain)
	}
	return chain
}

// ID returns the chain id.
func (c *Chain) ID() string { return c.id }

// Phase returns the phase the chain was built for.
func (c *Chain) Phase() domain.Phase { return c.phase }

// Len returns the number of policies in the chain.
func (c *Chain) Len() int { return len(c.policies) }

// Policies returns a copy of the chain's policies.
func (c *Chain) Policies() []Policy { return append([]Policy(nil), c.policies...) }

// Execute runs the policies one at a time. Before each policy the chain checks
// whether its phase was interrupted and whether ctx is done. A structured
// failure interrupts execCtx and the chain completes without error; other
// errors interrupt with a 500 failure. Cancellation is returned unchanged.
func (c *Chain) Execute(ctx context.Context, execCtx *domain.ExecutionContext) error {
	execCtx.EnterPhase(c.phase)

	chainEvent := Event{Kind: KindChain, ChainID: c.id, Phase: c.phase, ExecCtx: execCtx}
	chainCtx := c.before(ctx, chainEvent)

	for _, p := range c.policies {
		if execCtx.IsInterruptedIn(c.phase) {
			c.after(chainCtx, chainEvent, OutcomeInterrupted, nil)
			return nil
		}
		if err := ctx.Err(); err != nil {
			c.after(chainCtx, chainEvent, OutcomeCancelled, err)
			return err
		}

		event := Event{Kind: KindPolicy, ChainID: c.id, PolicyID: p.ID(), Phase: c.phase, ExecCtx: execCtx}
		policyCtx := c.before(chainCtx, event)
		err := invoke(policyCtx, p, execCtx)

		switch {
		case err == nil:
			outcome := OutcomeSuccess
			if execCtx.IsInterruptedIn(c.phase) {
				outcome = OutcomeInterrupted
			}
			c.after(policyCtx, event, outcome, nil)

		case isCancellation(ctx, err):
			c.after(policyCtx, event, OutcomeCancelled, err)
			c.after(chainCtx, chainEvent, OutcomeCancelled, err)
			return err

		default:
			if failure, ok := domain.AsFailure(err); ok {
				execCtx.InterruptWith(failure)
				c.after(policyCtx, event, OutcomeFailure, err)
				c.logger.Debug("policy interrupted request",
					"chain_id", c.id,
					"policy_id", p.ID(),
					"phase", string(c.phase),
					"status", failure.StatusCode,
					"key", failure.Key,
				)
				continue
			}
			execCtx.InterruptWith(domain.InternalFailure(domain.KeyPolicyError, err).WithParameter("policy", p.ID()))
			c.after(policyCtx, event, OutcomeError, err)
			c.logger.Error("policy execution failed",
				"chain_id", c.id,
				"policy_id", p.ID(),
				"phase", string(c.phase),
				"error", err,
			)
		}
	}

	outcome := OutcomeSuccess
	if execCtx.IsInterruptedIn(c.phase) {
		outcome = OutcomeInterrupted
	}
	c.after(chainCtx, chainEvent, outcome, nil)
	return nil
}

func (c *Chain) before(ctx context.Context, event Event) context.Context {
	for _, h := range c.hooks {
		ctx = h.Before(ctx, event)
	}
	return ctx
}

func (c *Chain) after(ctx context.Context, event Event, outcome Outcome, err error) {
	for i := len(c.hooks) - 1; i >= 0; i-- {
		c.hooks[i].After(ctx, event, outcome, err)
	}
}

func invoke(ctx context.Context, p Policy, execCtx *domain.ExecutionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrPolicyPanic, p.ID(), r)
		}
	}()
	return p.Execute(ctx, execCtx)
}

// isCancellation reports whether err is the request context giving up, as
// opposed to a policy-internal timeout.
func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
