package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/expr"
)

// FilteringResolver narrows the flows of an inner resolver to the ones that
// apply to the request.
type FilteringResolver struct {
	inner     Resolver
	evaluator *expr.Evaluator
	mode      domain.FlowMode
	logger    *slog.Logger
}

// NewFilteringResolver wraps inner. A nil evaluator gets a fresh one.
func NewFilteringResolver(inner Resolver, evaluator *expr.Evaluator, mode domain.FlowMode, logger *slog.Logger) *FilteringResolver {
	if evaluator == nil {
		evaluator = expr.NewEvaluator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = domain.FlowModeDefault
	}
	return &FilteringResolver{inner: inner, evaluator: evaluator, mode: mode, logger: logger}
}

// Resolve drops disabled flows and flows whose selector or condition does not
// match. In best match mode only the most specific matching flow is kept.
func (r *FilteringResolver) Resolve(ctx context.Context, execCtx *domain.ExecutionContext) ([]domain.Flow, error) {
	flows, err := r.inner.Resolve(ctx, execCtx)
	if err != nil {
		return nil, err
	}

	path := domain.NormalizePath(execCtx.Request.PathInfo)
	method := execCtx.Request.Method

	matched := make([]domain.Flow, 0, len(flows))
	for _, f := range flows {
		if !f.Enabled {
			continue
		}
		if !MethodMatches(f.Selector, method) || !PathMatches(f.Selector, path) {
			continue
		}
		if f.Condition != "" {
			ok, err := r.evaluator.Evaluate(ctx, f.Condition, execCtx)
			if err != nil {
				return nil, fmt.Errorf("flow %q condition: %w", f.DisplayName(), err)
			}
			if !ok {
				continue
			}
		}
		matched = append(matched, f)
	}

	if r.mode == domain.FlowModeBestMatch && len(matched) > 1 {
		matched = []domain.Flow{bestMatch(matched)}
	}

	r.logger.Debug("flows resolved",
		"request_id", execCtx.Request.ID,
		"declared", len(flows),
		"matched", len(matched),
	)
	return matched, nil
}

// MethodMatches reports whether the selector accepts the method. An empty method set accepts all.
func MethodMatches(selector domain.FlowSelector, method string) bool {
	if len(selector.Methods) == 0 {
		return true
	}
	for _, m := range selector.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// PathMatches reports whether the selector accepts the path. Selector
// segments starting with ':' match any single segment. STARTS_WITH compares
// whole segments, so /orders does not match /ordersX.
func PathMatches(selector domain.FlowSelector, path string) bool {
	if strings.TrimSpace(selector.Path) == "" {
		return true
	}
	pattern := segments(domain.NormalizePath(selector.Path))
	actual := segments(domain.NormalizePath(path))

	if len(actual) < len(pattern) {
		return false
	}
	if selector.Operator == domain.PathEquals && len(actual) != len(pattern) {
		return false
	}
	for i, seg := range pattern {
		if strings.HasPrefix(seg, ":") {
			continue
		}
		if seg != actual[i] {
			return false
		}
	}
	return true
}

func segments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// bestMatch keeps the flow whose selector is the most specific: more
// segments first, then more literal segments, then EQUALS over STARTS_WITH.
// Ties keep declaration order.
func bestMatch(flows []domain.Flow) domain.Flow {
	best := flows[0]
	bestScore := specificity(best.Selector)
	for _, f := range flows[1:] {
		if score := specificity(f.Selector); score.greater(bestScore) {
			best, bestScore = f, score
		}
	}
	return best
}

type score struct {
	segments int
	literals int
	exact    int
}

func (s score) greater(o score) bool {
	if s.segments != o.segments {
		return s.segments > o.segments
	}
	if s.literals != o.literals {
		return s.literals > o.literals
	}
	return s.exact > o.exact
}

func specificity(selector domain.FlowSelector) score {
	var s score
	for _, seg := range segments(domain.NormalizePath(selector.Path)) {
		s.segments++
		if !strings.HasPrefix(seg, ":") {
			s.literals++
		}
	}
	if selector.Operator == domain.PathEquals {
		s.exact = 1
	}
	return s
}
