package security

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-gateway/pkg/domain"
)

type fakeStore map[string]domain.Subscription

func (f fakeStore) SubscriptionByAPIKey(apiID, key string) (domain.Subscription, bool) {
	sub, ok := f[apiID+"/"+key]
	return sub, ok
}

func newExecCtx(api *domain.API, headers http.Header) *domain.ExecutionContext {
	execCtx := domain.NewExecutionContext(&domain.Request{
		ID:         "req-1",
		Method:     http.MethodGet,
		Path:       "/orders",
		PathInfo:   "/orders",
		Headers:    headers,
		RemoteAddr: "192.0.2.10:4242",
	})
	execCtx.API = api
	return execCtx
}

func testAPI() *domain.API {
	return &domain.API{
		ID: "api-1",
		Plans: []domain.Plan{
			{ID: "keyless", Order: 3, Status: domain.PlanPublished, Security: domain.PlanSecurity{Type: domain.SecurityKeyless}},
			{ID: "gold", Order: 1, Status: domain.PlanPublished, Security: domain.PlanSecurity{Type: domain.SecurityAPIKey}},
			{ID: "silver", Order: 2, Status: domain.PlanDeprecated, Security: domain.PlanSecurity{Type: domain.SecurityAPIKey}},
			{ID: "staging", Order: 0, Status: domain.PlanStaging, Security: domain.PlanSecurity{Type: domain.SecurityAPIKey}},
		},
	}
}

func testStore() fakeStore {
	return fakeStore{
		"api-1/gold-key":   {ID: "sub-gold", APIID: "api-1", PlanID: "gold", Application: "app-gold", Status: domain.SubscriptionAccepted},
		"api-1/silver-key": {ID: "sub-silver", APIID: "api-1", PlanID: "silver", Application: "app-silver", Status: domain.SubscriptionAccepted},
		"api-1/paused-key": {ID: "sub-paused", APIID: "api-1", PlanID: "gold", Application: "app-paused", Status: domain.SubscriptionPaused},
	}
}

func newChain(api *domain.API) *Chain {
	return NewChain(api, nil, nil, Keyless{}, NewAPIKey(testStore()))
}

func TestChain_PlansSortedByOrder(t *testing.T) {
	chain := newChain(testAPI())
	var ids []string
	for _, p := range chain.Plans() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"gold", "silver", "keyless"}, ids, "staging plans are not usable")
}

func TestChain_Execute(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		headers     http.Header
		wantPlan    string
		wantApp     string
		wantFailure string
	}{
		{name: "keyless caller", wantPlan: "keyless", wantApp: AnonymousApplication},
		{name: "gold key", headers: http.Header{"X-Api-Key": {"gold-key"}}, wantPlan: "gold", wantApp: "app-gold"},
		{name: "silver key skips gold plan", headers: http.Header{"X-Api-Key": {"silver-key"}}, wantPlan: "silver", wantApp: "app-silver"},
		{name: "unknown key", headers: http.Header{"X-Api-Key": {"nope"}}, wantFailure: domain.KeyAPIKeyInvalid},
		{name: "paused subscription", headers: http.Header{"X-Api-Key": {"paused-key"}}, wantFailure: domain.KeyAPIKeyInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			execCtx := newExecCtx(testAPI(), tt.headers)
			require.NoError(t, newChain(testAPI()).Execute(ctx, execCtx))

			if tt.wantFailure != "" {
				require.True(t, execCtx.IsInterrupted())
				require.NotNil(t, execCtx.Failure())
				assert.Equal(t, http.StatusUnauthorized, execCtx.Failure().StatusCode)
				assert.Equal(t, tt.wantFailure, execCtx.Failure().Key)
				return
			}
			require.False(t, execCtx.IsInterrupted())
			assert.Equal(t, tt.wantPlan, execCtx.PlanID())
			assert.Equal(t, tt.wantApp, execCtx.ApplicationID())
			assert.Empty(t, execCtx.Request.Headers.Get("X-Api-Key"), "key is not forwarded")
		})
	}
}

func TestChain_NoPlanIsUnauthorized(t *testing.T) {
	api := &domain.API{ID: "api-1", Plans: []domain.Plan{
		{ID: "gold", Status: domain.PlanPublished, Security: domain.PlanSecurity{Type: domain.SecurityAPIKey}},
	}}
	execCtx := newExecCtx(api, nil)

	require.NoError(t, newChain(api).Execute(context.Background(), execCtx))
	require.NotNil(t, execCtx.Failure())
	assert.Equal(t, domain.KeyPlanUnresolvable, execCtx.Failure().Key)
	assert.Equal(t, "", execCtx.PlanID())
}

func TestChain_SelectionRule(t *testing.T) {
	api := &domain.API{ID: "api-1", Plans: []domain.Plan{
		{ID: "internal", Order: 1, Status: domain.PlanPublished, Security: domain.PlanSecurity{Type: domain.SecurityKeyless},
			SelectionRule: `request.headers["X-Internal"] == "true"`},
		{ID: "public", Order: 2, Status: domain.PlanPublished, Security: domain.PlanSecurity{Type: domain.SecurityKeyless}},
	}}
	ctx := context.Background()

	execCtx := newExecCtx(api, http.Header{"X-Internal": {"true"}})
	require.NoError(t, newChain(api).Execute(ctx, execCtx))
	assert.Equal(t, "internal", execCtx.PlanID())

	execCtx = newExecCtx(api, nil)
	require.NoError(t, newChain(api).Execute(ctx, execCtx))
	assert.Equal(t, "public", execCtx.PlanID())
	assert.Equal(t, "192.0.2.10", execCtx.SubscriptionID())
}

func TestChain_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	execCtx := newExecCtx(testAPI(), nil)
	assert.ErrorIs(t, newChain(testAPI()).Execute(ctx, execCtx), context.Canceled)
}
