package policy

import (
	"context"
	"errors"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/expr"
)

// ConditionalPolicy runs the wrapped policy only when its condition holds.
type ConditionalPolicy struct {
	policy    Policy
	condition string
	evaluator *expr.Evaluator
}

// NewConditionalPolicy wraps policy with a condition.
func NewConditionalPolicy(policy Policy, condition string, evaluator *expr.Evaluator) *ConditionalPolicy {
	if evaluator == nil {
		evaluator = expr.NewEvaluator()
	}
	return &ConditionalPolicy{policy: policy, condition: condition, evaluator: evaluator}
}

// ID returns the wrapped policy id.
func (c *ConditionalPolicy) ID() string { return c.policy.ID() }

// Execute evaluates the condition and, when it holds, the wrapped policy. An
// evaluation error becomes a 500 failure; cancellation is returned as is.
func (c *ConditionalPolicy) Execute(ctx context.Context, execCtx *domain.ExecutionContext) error {
	ok, err := c.evaluator.Evaluate(ctx, c.condition, execCtx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return domain.InternalFailure(domain.KeyConditionError, err).
			WithParameter("policy", c.policy.ID()).
			WithParameter("condition", c.condition)
	}
	if !ok {
		return nil
	}
	return c.policy.Execute(ctx, execCtx)
}
