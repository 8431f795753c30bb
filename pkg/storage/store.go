// Package storage keeps the deployed API graph and answers the lookups the
// request pipeline needs: plans by id, subscriptions by API key and the
// organization flows.
package storage

import (
	"context"
	"errors"

	"github.com/polisai/polis-gateway/pkg/domain"
)

var (
	// ErrNotFound is returned when a requested API does not exist in the store.
	ErrNotFound = errors.New("deployment not found")
	// ErrStaleGeneration is returned when a snapshot older than the deployed one is offered.
	ErrStaleGeneration = errors.New("stale deployment generation")
)

// DeploymentStore exposes the deployed API graph.
type DeploymentStore interface {
	Deploy(ctx context.Context, snapshot domain.Snapshot) error
	API(id string) (*domain.API, error)
	APIs() []*domain.API
	GetPlan(planID string) (*domain.Plan, bool)
	SubscriptionByAPIKey(apiID, key string) (domain.Subscription, bool)
	Organization() domain.Organization
	Generation() int64
}
