// Package security selects the plan a caller is admitted through.
package security

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/expr"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// Handler authenticates callers for one plan security type.
type Handler interface {
	Type() domain.SecurityType
	// CanHandle reports whether the request carries what this plan needs.
	CanHandle(ctx context.Context, execCtx *domain.ExecutionContext, plan *domain.Plan) bool
	// Authenticate admits the caller or returns a failure.
	Authenticate(ctx context.Context, execCtx *domain.ExecutionContext, plan *domain.Plan) error
}

// Chain walks the usable plans of an API in order and admits the caller
// through the first plan whose handler accepts the request.
type Chain struct {
	plans     []domain.Plan
	handlers  map[domain.SecurityType]Handler
	evaluator *expr.Evaluator
	logger    *slog.Logger
}

// NewChain builds the security chain for an API.
func NewChain(api *domain.API, evaluator *expr.Evaluator, logger *slog.Logger, handlers ...Handler) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	if evaluator == nil {
		evaluator = expr.NewEvaluator()
	}
	byType := make(map[domain.SecurityType]Handler, len(handlers))
	for _, h := range handlers {
		byType[h.Type()] = h
	}

	var usable []domain.Plan
	if api != nil {
		for _, p := range domain.SortPlans(api.Plans) {
			if !p.Status.Usable() {
				continue
			}
			if _, ok := byType[p.Security.Type]; !ok {
				logger.Warn("no security handler for plan",
					"api_id", api.ID,
					"plan_id", p.ID,
					"security_type", string(p.Security.Type),
				)
				continue
			}
			usable = append(usable, p)
		}
	}
	return &Chain{plans: usable, handlers: byType, evaluator: evaluator, logger: logger}
}

// Plans returns the plans the chain considers, in evaluation order.
func (c *Chain) Plans() []domain.Plan {
	return append([]domain.Plan(nil), c.plans...)
}

// Execute admits the caller or interrupts the request. Only cancellation is
// returned as an error.
func (c *Chain) Execute(ctx context.Context, execCtx *domain.ExecutionContext) error {
	span := trace.SpanFromContext(ctx)
	for i := range c.plans {
		plan := &c.plans[i]
		if err := ctx.Err(); err != nil {
			return err
		}

		handler := c.handlers[plan.Security.Type]
		if !handler.CanHandle(ctx, execCtx, plan) {
			continue
		}

		if plan.SelectionRule != "" {
			ok, err := c.evaluator.Evaluate(ctx, plan.SelectionRule, execCtx)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				execCtx.InterruptWith(domain.InternalFailure(domain.KeyConditionError, err).WithParameter("plan", plan.ID))
				return nil
			}
			if !ok {
				continue
			}
		}

		if err := handler.Authenticate(ctx, execCtx, plan); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			failure, ok := domain.AsFailure(err)
			if !ok {
				failure = domain.InternalFailure(domain.KeyInternal, err)
			}
			telemetry.RecordSecurityEvent(span, true, failure.Key, plan.ID)
			c.logger.Debug("caller rejected",
				"request_id", execCtx.Request.ID,
				"plan_id", plan.ID,
				"key", failure.Key,
			)
			execCtx.InterruptWith(failure)
			return nil
		}

		execCtx.SetAttribute(domain.AttrPlan, plan.ID)
		execCtx.SetAttribute(domain.AttrSecurityType, string(plan.Security.Type))
		telemetry.RecordSecurityEvent(span, false, "", plan.ID)
		return nil
	}

	telemetry.RecordSecurityEvent(span, true, domain.KeyPlanUnresolvable, "")
	execCtx.InterruptWith(domain.Unauthorized())
	return nil
}
