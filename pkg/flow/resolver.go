// Package flow resolves the flows that apply to a request at platform, plan
// and API scope and runs their steps for one phase.
package flow

import (
	"context"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// Resolver returns the ordered flows of one scope for a request.
type Resolver interface {
	Resolve(ctx context.Context, execCtx *domain.ExecutionContext) ([]domain.Flow, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, execCtx *domain.ExecutionContext) ([]domain.Flow, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, execCtx *domain.ExecutionContext) ([]domain.Flow, error) {
	return f(ctx, execCtx)
}

// OrganizationSource supplies the platform scope flows.
type OrganizationSource interface {
	Organization() domain.Organization
}

// PlatformResolver returns the organization flows applied to every API.
type PlatformResolver struct {
	Source OrganizationSource
}

// Resolve implements Resolver.
func (r PlatformResolver) Resolve(context.Context, *domain.ExecutionContext) ([]domain.Flow, error) {
	if r.Source == nil {
		return nil, nil
	}
	return r.Source.Organization().Flows, nil
}

// APIResolver returns the flows declared on the API being served.
type APIResolver struct {
	API *domain.API
}

// Resolve implements Resolver.
func (r APIResolver) Resolve(_ context.Context, execCtx *domain.ExecutionContext) ([]domain.Flow, error) {
	api := r.API
	if api == nil {
		api = execCtx.API
	}
	if api == nil {
		return nil, nil
	}
	return api.Flows, nil
}

// PlanResolver returns the flows of the plan selected for the caller. No plan
// in the context resolves to no flows.
type PlanResolver struct {
	Plans domain.PlanStore
}

// Resolve implements Resolver.
func (r PlanResolver) Resolve(_ context.Context, execCtx *domain.ExecutionContext) ([]domain.Flow, error) {
	planID := execCtx.PlanID()
	if planID == "" || r.Plans == nil {
		return nil, nil
	}
	plan, ok := r.Plans.GetPlan(planID)
	if !ok {
		return nil, nil
	}
	return plan.Flows, nil
}
