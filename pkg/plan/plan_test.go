package plan

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/policy"
	"github.com/polisai/polis-gateway/pkg/policy/builtin"
)

func apiKeyStep() domain.Step {
	return domain.Step{
		Policy:        "auth-apikey",
		Enabled:       true,
		Configuration: map[string]any{"keys": []any{"secret"}},
	}
}

func ordersAPI() *domain.API {
	return &domain.API{
		ID: "orders",
		Plans: []domain.Plan{
			{
				ID:       "plan-1",
				Status:   domain.PlanPublished,
				Security: domain.PlanSecurity{Type: domain.SecurityAPIKey},
				Paths: map[string][]domain.Rule{
					"/": {
						{Methods: []string{http.MethodGet}, Step: apiKeyStep(), Enabled: true},
						{Methods: []string{http.MethodPost}, Step: domain.Step{Policy: "mock"}, Enabled: true},
					},
				},
			},
			{ID: "empty", Status: domain.PlanPublished, Security: domain.PlanSecurity{Type: domain.SecurityAPIKey}},
		},
	}
}

func newExecCtx(api *domain.API, method, path, planID string) *domain.ExecutionContext {
	execCtx := domain.NewExecutionContext(&domain.Request{ID: "req-1", Method: method, Path: path, PathInfo: path})
	execCtx.API = api
	if planID != "" {
		execCtx.SetAttribute(domain.AttrPlan, planID)
	}
	return execCtx
}

func newManager(t *testing.T) *policy.Manager {
	t.Helper()
	registry := policy.NewRegistry()
	require.NoError(t, builtin.Register(registry, nil))
	return policy.NewManager(policy.ManagerConfig{Registry: registry})
}

func TestCalculate_Scenario(t *testing.T) {
	api := ordersAPI()
	resolver := NewPolicyResolver(api, nil)

	steps, err := resolver.Calculate(domain.PhaseRequest, newExecCtx(api, http.MethodGet, "/orders", "plan-1"))
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "auth-apikey", steps[0].Policy)
	assert.True(t, steps[0].Enabled)
}

func TestCalculate_MethodFiltering(t *testing.T) {
	api := ordersAPI()
	resolver := NewPolicyResolver(api, nil)

	steps, err := resolver.Calculate(domain.PhaseRequest, newExecCtx(api, http.MethodDelete, "/orders", "plan-1"))
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestCalculate_EdgeCases(t *testing.T) {
	api := ordersAPI()
	resolver := NewPolicyResolver(api, nil)

	steps, err := resolver.Calculate(domain.PhaseResponse, newExecCtx(api, http.MethodGet, "/orders", "plan-1"))
	require.NoError(t, err)
	assert.Empty(t, steps, "no plan steps on responses")

	steps, err = resolver.Calculate(domain.PhaseRequest, newExecCtx(api, http.MethodGet, "/orders", ""))
	assert.True(t, errors.Is(err, ErrPlanUnresolved))
	assert.Empty(t, steps)

	steps, err = resolver.Calculate(domain.PhaseRequest, newExecCtx(api, http.MethodGet, "/orders", "missing"))
	require.NoError(t, err)
	assert.Empty(t, steps)

	steps, err = resolver.Calculate(domain.PhaseRequest, newExecCtx(api, http.MethodGet, "/orders", "empty"))
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestCalculate_DisabledRule(t *testing.T) {
	api := ordersAPI()
	api.Plans[0].Paths["/"][0].Enabled = false
	resolver := NewPolicyResolver(api, nil)

	steps, err := resolver.Calculate(domain.PhaseRequest, newExecCtx(api, http.MethodGet, "/orders", "plan-1"))
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestSelectPath(t *testing.T) {
	plan := &domain.Plan{Paths: map[string][]domain.Rule{
		"/":              nil,
		"/orders":        nil,
		"/orders/refund": nil,
	}}
	cases := map[string]string{
		"/orders/refund/1": "/orders/refund",
		"/orders/1":        "/orders",
		"/orders":          "/orders",
		"/ordersX":         "/",
		"/":                "/",
	}
	for path, want := range cases {
		got, ok := SelectPath(plan, path)
		require.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}

	_, ok := SelectPath(&domain.Plan{Paths: map[string][]domain.Rule{"/admin": nil}}, "/orders")
	assert.False(t, ok)
}

func TestProvide_ExecutesPlanSteps(t *testing.T) {
	api := ordersAPI()
	provider := NewChainProvider(NewPolicyResolver(api, nil), newManager(t), nil)
	ctx := context.Background()

	t.Run("passing key", func(t *testing.T) {
		execCtx := newExecCtx(api, http.MethodGet, "/orders", "plan-1")
		execCtx.Request.Headers.Set("X-Api-Key", "secret")

		chain, err := provider.Provide(ctx, execCtx, domain.PhaseRequest)
		require.NoError(t, err)
		require.Equal(t, 1, chain.Len())
		require.NoError(t, chain.Execute(ctx, execCtx))
		assert.False(t, execCtx.IsInterrupted())
	})

	t.Run("failing key", func(t *testing.T) {
		execCtx := newExecCtx(api, http.MethodGet, "/orders", "plan-1")
		execCtx.Request.Headers.Set("X-Api-Key", "nope")

		chain, err := provider.Provide(ctx, execCtx, domain.PhaseRequest)
		require.NoError(t, err)
		require.NoError(t, chain.Execute(ctx, execCtx))
		assert.True(t, execCtx.IsInterrupted())
		require.NotNil(t, execCtx.Failure())
		assert.Equal(t, http.StatusUnauthorized, execCtx.Failure().StatusCode)
	})
}

func TestProvide_MissingPlanIsUnauthorized(t *testing.T) {
	api := ordersAPI()
	provider := NewChainProvider(NewPolicyResolver(api, nil), newManager(t), nil)
	ctx := context.Background()

	execCtx := newExecCtx(api, http.MethodGet, "/orders", "")
	chain, err := provider.Provide(ctx, execCtx, domain.PhaseRequest)
	require.NoError(t, err)
	require.Equal(t, 1, chain.Len(), "a missing plan never yields an empty chain")
	require.NoError(t, chain.Execute(ctx, execCtx))

	require.True(t, execCtx.IsInterrupted())
	failure := execCtx.Failure()
	require.NotNil(t, failure)
	assert.Equal(t, http.StatusUnauthorized, failure.StatusCode)
	assert.Equal(t, domain.KeyPlanUnresolvable, failure.Key)
	assert.Equal(t, "Unauthorized", failure.Message)
}

func TestProvide_KeylessAPIWithoutPlan(t *testing.T) {
	api := &domain.API{ID: "open", Plans: []domain.Plan{
		{ID: "free", Status: domain.PlanPublished, Security: domain.PlanSecurity{Type: domain.SecurityKeyless}},
	}}
	provider := NewChainProvider(NewPolicyResolver(api, nil), newManager(t), nil)
	ctx := context.Background()

	execCtx := newExecCtx(api, http.MethodGet, "/", "")
	chain, err := provider.Provide(ctx, execCtx, domain.PhaseRequest)
	require.NoError(t, err)
	assert.Equal(t, 0, chain.Len())

	api.FlowExecution.MatchRequired = true
	chain, err = provider.Provide(ctx, execCtx, domain.PhaseRequest)
	require.NoError(t, err)
	assert.Equal(t, 1, chain.Len())
}

func TestProvide_DropsUnknownPolicies(t *testing.T) {
	api := ordersAPI()
	api.Plans[0].Paths["/"] = append(api.Plans[0].Paths["/"], domain.Rule{Step: domain.Step{Policy: "nope"}, Enabled: true})
	provider := NewChainProvider(NewPolicyResolver(api, nil), newManager(t), nil)

	execCtx := newExecCtx(api, http.MethodGet, "/orders", "plan-1")
	chain, err := provider.Provide(context.Background(), execCtx, domain.PhaseRequest)
	require.NoError(t, err)
	assert.Equal(t, 1, chain.Len())
}
