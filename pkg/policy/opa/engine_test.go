package opa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tierModule = `package gateway

default decision := {"allow": true}

decision := {"allow": false, "reason": "tier blocked", "metadata": {"rule": "tiers"}} if {
	input.request.headers["x-tier"] == "blocked"
}
`

func newTestEngine(t *testing.T, cacheSize int) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), Options{
		Modules:         map[string]string{"tiers.rego": tierModule},
		CacheMaxEntries: cacheSize,
	})
	require.NoError(t, err)
	return engine
}

func TestEngine_Evaluate(t *testing.T) {
	engine := newTestEngine(t, -1)
	ctx := context.Background()

	allowed, err := engine.Evaluate(ctx, Input{Method: "GET", Path: "/orders", Headers: map[string]string{"x-tier": "gold"}})
	require.NoError(t, err)
	assert.True(t, allowed.Allowed())

	denied, err := engine.Evaluate(ctx, Input{Method: "GET", Path: "/orders", Headers: map[string]string{"x-tier": "blocked"}})
	require.NoError(t, err)
	assert.False(t, denied.Allowed())
	assert.Equal(t, "tier blocked", denied.Reason)
	assert.Equal(t, "tiers", denied.Metadata["rule"])
}

func TestEngine_CachesSubscribedCallers(t *testing.T) {
	engine := newTestEngine(t, 0)
	ctx := context.Background()

	input := Input{APIID: "api-1", PlanID: "plan-1", Method: "GET", Path: "/orders"}
	_, err := engine.Evaluate(ctx, input)
	require.NoError(t, err)
	_, err = engine.Evaluate(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, 1, engine.cache.Len())

	_, err = engine.Evaluate(ctx, Input{Method: "GET", Path: "/orders"})
	require.NoError(t, err)
	assert.Equal(t, 1, engine.cache.Len(), "anonymous callers are not cached")

	engine.FlushCache()
	assert.Equal(t, 0, engine.cache.Len())
}

func TestEngine_Errors(t *testing.T) {
	_, err := NewEngine(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrNoModules)

	_, err = NewEngine(context.Background(), Options{Modules: map[string]string{"bad.rego": "package gateway\n decision := {"}})
	assert.Error(t, err)
}

func TestDecisionCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := newDecisionCache(2)
	cache.Add("a", Decision{Action: ActionAllow})
	cache.Add("b", Decision{Action: ActionDeny})
	_, _ = cache.Get("a")
	cache.Add("c", Decision{Action: ActionAllow})

	_, ok := cache.Get("b")
	assert.False(t, ok)
	_, ok = cache.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, cache.Len())
}

func TestParseDecision(t *testing.T) {
	d, err := parseDecision(false)
	require.NoError(t, err)
	assert.Equal(t, ActionDeny, d.Action)

	d, err = parseDecision(map[string]any{"action": "block", "ttl": 5})
	require.NoError(t, err)
	assert.Equal(t, ActionDeny, d.Action)
	assert.Equal(t, 5, d.Outputs["ttl"])

	_, err = parseDecision(map[string]any{"action": "maybe"})
	assert.Error(t, err)

	_, err = parseDecision("nope")
	assert.Error(t, err)
}
