package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-gateway/pkg/domain"
)

type deployment struct {
	generation    int64
	apis          map[string]*domain.API
	order         []*domain.API
	plans         map[string]*domain.Plan
	subscriptions map[string]domain.Subscription
	organization  domain.Organization
}

// MemoryDeploymentStore is an in-memory implementation of DeploymentStore.
// Deploy swaps the whole graph at once so readers never observe a mix of
// two generations.
type MemoryDeploymentStore struct {
	current atomic.Pointer[deployment]

	mu        sync.Mutex
	listeners []func(domain.Snapshot)
}

// NewMemoryDeploymentStore creates an empty store.
func NewMemoryDeploymentStore() *MemoryDeploymentStore {
	s := &MemoryDeploymentStore{}
	s.current.Store(&deployment{
		apis:          map[string]*domain.API{},
		plans:         map[string]*domain.Plan{},
		subscriptions: map[string]domain.Subscription{},
	})
	return s
}

func subscriptionKey(apiID, key string) string {
	return apiID + "\x00" + key
}

// Deploy replaces the deployed graph. A snapshot with a non-zero generation
// older than the current one is rejected.
func (s *MemoryDeploymentStore) Deploy(ctx context.Context, snapshot domain.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	if snapshot.Generation != 0 && snapshot.Generation < prev.generation {
		return fmt.Errorf("%w: %d < %d", ErrStaleGeneration, snapshot.Generation, prev.generation)
	}
	if snapshot.Generation == 0 {
		snapshot.Generation = prev.generation + 1
	}

	next := &deployment{
		generation:    snapshot.Generation,
		apis:          make(map[string]*domain.API, len(snapshot.APIs)),
		plans:         map[string]*domain.Plan{},
		subscriptions: make(map[string]domain.Subscription, len(snapshot.Subscriptions)),
		organization:  snapshot.Organization,
	}
	now := time.Now()
	for i := range snapshot.APIs {
		api := snapshot.APIs[i]
		if api.ID == "" {
			return fmt.Errorf("%w: api at index %d has no id", domain.ErrConfigInvalid, i)
		}
		if _, dup := next.apis[api.ID]; dup {
			return fmt.Errorf("%w: duplicate api %q", domain.ErrConfigInvalid, api.ID)
		}
		api.Plans = append([]domain.Plan(nil), api.Plans...)
		if api.DeployedAt.IsZero() {
			api.DeployedAt = now
		}
		next.apis[api.ID] = &api
		next.order = append(next.order, &api)
		for j := range api.Plans {
			plan := &api.Plans[j]
			if plan.APIID == "" {
				plan.APIID = api.ID
			}
			next.plans[plan.ID] = plan
		}
	}
	sort.SliceStable(next.order, func(i, j int) bool { return next.order[i].ID < next.order[j].ID })

	for _, sub := range snapshot.Subscriptions {
		if sub.APIKey == "" {
			continue
		}
		next.subscriptions[subscriptionKey(sub.APIID, sub.APIKey)] = sub
	}

	s.current.Store(next)
	for _, fn := range s.listeners {
		fn(snapshot)
	}
	return nil
}

// OnDeploy registers a callback invoked after every successful deployment.
func (s *MemoryDeploymentStore) OnDeploy(fn func(domain.Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// API returns a deployed API.
func (s *MemoryDeploymentStore) API(id string) (*domain.API, error) {
	api, ok := s.current.Load().apis[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return api, nil
}

// APIs returns the deployed APIs ordered by id.
func (s *MemoryDeploymentStore) APIs() []*domain.API {
	return append([]*domain.API(nil), s.current.Load().order...)
}

// GetPlan implements domain.PlanStore across every deployed API.
func (s *MemoryDeploymentStore) GetPlan(planID string) (*domain.Plan, bool) {
	plan, ok := s.current.Load().plans[planID]
	return plan, ok
}

// SubscriptionByAPIKey returns the subscription holding the key on the API.
func (s *MemoryDeploymentStore) SubscriptionByAPIKey(apiID, key string) (domain.Subscription, bool) {
	sub, ok := s.current.Load().subscriptions[subscriptionKey(apiID, key)]
	return sub, ok
}

// Organization returns the deployed organization.
func (s *MemoryDeploymentStore) Organization() domain.Organization {
	return s.current.Load().organization
}

// Generation returns the deployed generation, zero before the first deployment.
func (s *MemoryDeploymentStore) Generation() int64 {
	return s.current.Load().generation
}
