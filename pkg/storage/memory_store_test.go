package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-gateway/pkg/domain"
)

func sampleSnapshot(generation int64) domain.Snapshot {
	return domain.Snapshot{
		Generation: generation,
		APIs: []domain.API{
			{ID: "payments", Plans: []domain.Plan{{ID: "pay-gold"}}},
			{ID: "orders", Plans: []domain.Plan{{ID: "ord-gold"}, {ID: "ord-free"}}},
		},
		Subscriptions: []domain.Subscription{
			{ID: "sub-1", APIID: "orders", PlanID: "ord-gold", APIKey: "k1", Status: domain.SubscriptionAccepted},
			{ID: "sub-2", APIID: "orders", PlanID: "ord-free"},
		},
		Organization: domain.Organization{ID: "acme", Flows: []domain.Flow{{ID: "platform"}}},
	}
}

func TestMemoryDeploymentStore_Lookups(t *testing.T) {
	store := NewMemoryDeploymentStore()
	require.Equal(t, int64(0), store.Generation())
	require.NoError(t, store.Deploy(context.Background(), sampleSnapshot(0)))

	assert.Equal(t, int64(1), store.Generation())

	apis := store.APIs()
	require.Len(t, apis, 2)
	assert.Equal(t, "orders", apis[0].ID)
	assert.False(t, apis[0].DeployedAt.IsZero())

	api, err := store.API("payments")
	require.NoError(t, err)
	assert.Equal(t, "payments", api.ID)
	_, err = store.API("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	plan, ok := store.GetPlan("ord-free")
	require.True(t, ok)
	assert.Equal(t, "orders", plan.APIID)
	_, ok = store.GetPlan("nope")
	assert.False(t, ok)

	sub, ok := store.SubscriptionByAPIKey("orders", "k1")
	require.True(t, ok)
	assert.Equal(t, "sub-1", sub.ID)
	_, ok = store.SubscriptionByAPIKey("payments", "k1")
	assert.False(t, ok, "keys are scoped to their api")

	assert.Equal(t, "acme", store.Organization().ID)
}

func TestMemoryDeploymentStore_Redeploy(t *testing.T) {
	store := NewMemoryDeploymentStore()
	var notified []int64
	store.OnDeploy(func(s domain.Snapshot) { notified = append(notified, s.Generation) })

	require.NoError(t, store.Deploy(context.Background(), sampleSnapshot(5)))
	require.NoError(t, store.Deploy(context.Background(), domain.Snapshot{Generation: 6}))

	assert.Empty(t, store.APIs())
	_, ok := store.GetPlan("ord-gold")
	assert.False(t, ok, "plans of the previous generation are gone")

	err := store.Deploy(context.Background(), sampleSnapshot(3))
	assert.ErrorIs(t, err, ErrStaleGeneration)
	assert.Equal(t, int64(6), store.Generation())
	assert.Equal(t, []int64{5, 6}, notified)
}

func TestMemoryDeploymentStore_RejectsInvalidSnapshot(t *testing.T) {
	store := NewMemoryDeploymentStore()
	require.NoError(t, store.Deploy(context.Background(), sampleSnapshot(1)))

	err := store.Deploy(context.Background(), domain.Snapshot{APIs: []domain.API{{ID: "a"}, {ID: "a"}}})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	err = store.Deploy(context.Background(), domain.Snapshot{APIs: []domain.API{{}}})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	assert.Len(t, store.APIs(), 2, "failed deployments leave the previous graph in place")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, store.Deploy(ctx, domain.Snapshot{}), context.Canceled)
}

func TestMemoryDeploymentStore_ConcurrentReads(t *testing.T) {
	store := NewMemoryDeploymentStore()
	require.NoError(t, store.Deploy(context.Background(), sampleSnapshot(1)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				plans := 0
				for _, api := range store.APIs() {
					plans += len(api.Plans)
				}
				if plans != 0 && plans != 3 {
					t.Errorf("observed a partial deployment with %d plans", plans)
					return
				}
			}
		}()
	}
	for g := int64(2); g < 20; g++ {
		snapshot := sampleSnapshot(g)
		if g%2 == 0 {
			snapshot = domain.Snapshot{Generation: g}
		}
		require.NoError(t, store.Deploy(context.Background(), snapshot))
	}
	wg.Wait()
}
