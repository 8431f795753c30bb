package security

import (
	"context"
	"net"
	"net/http"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/policy/builtin"
)

// AnonymousApplication is the application id given to keyless callers.
const AnonymousApplication = "anonymous"

// SubscriptionStore resolves api keys to subscriptions.
type SubscriptionStore interface {
	SubscriptionByAPIKey(apiID, key string) (domain.Subscription, bool)
}

// Keyless admits callers that present no credentials.
type Keyless struct{}

// Type implements Handler.
func (Keyless) Type() domain.SecurityType { return domain.SecurityKeyless }

// CanHandle accepts requests without an api key, so that keyed callers are
// never downgraded to a keyless plan.
func (Keyless) CanHandle(_ context.Context, execCtx *domain.ExecutionContext, _ *domain.Plan) bool {
	return builtin.ExtractAPIKey(execCtx.Request, builtin.DefaultAPIKeyHeader, builtin.DefaultAPIKeyQueryParam) == ""
}

// Authenticate records the anonymous application and keys the subscription on the caller address.
func (Keyless) Authenticate(_ context.Context, execCtx *domain.ExecutionContext, _ *domain.Plan) error {
	execCtx.SetAttribute(domain.AttrApplication, AnonymousApplication)
	host, _, err := net.SplitHostPort(execCtx.Request.RemoteAddr)
	if err != nil {
		host = execCtx.Request.RemoteAddr
	}
	execCtx.SetAttribute(domain.AttrSubscription, host)
	return nil
}

// APIKey admits callers presenting the key of an accepted subscription.
type APIKey struct {
	Store      SubscriptionStore
	Header     string
	QueryParam string
}

// NewAPIKey creates an api key handler reading the default header and query parameter.
func NewAPIKey(store SubscriptionStore) *APIKey {
	return &APIKey{Store: store, Header: builtin.DefaultAPIKeyHeader, QueryParam: builtin.DefaultAPIKeyQueryParam}
}

// Type implements Handler.
func (*APIKey) Type() domain.SecurityType { return domain.SecurityAPIKey }

// CanHandle accepts requests carrying a key. A key subscribed to another
// plan of the API is left to that plan.
func (h *APIKey) CanHandle(_ context.Context, execCtx *domain.ExecutionContext, plan *domain.Plan) bool {
	key := h.key(execCtx)
	if key == "" {
		return false
	}
	sub, ok := h.Store.SubscriptionByAPIKey(apiID(execCtx), key)
	if ok && sub.PlanID != plan.ID {
		return false
	}
	return true
}

// Authenticate validates the subscription behind the key.
func (h *APIKey) Authenticate(_ context.Context, execCtx *domain.ExecutionContext, plan *domain.Plan) error {
	key := h.key(execCtx)
	sub, ok := h.Store.SubscriptionByAPIKey(apiID(execCtx), key)
	if !ok || sub.PlanID != plan.ID || sub.Status != domain.SubscriptionAccepted {
		return domain.NewFailure(http.StatusUnauthorized, domain.KeyAPIKeyInvalid, "Unauthorized")
	}

	execCtx.SetAttribute(domain.AttrApplication, sub.Application)
	execCtx.SetAttribute(domain.AttrSubscription, sub.ID)
	execCtx.SetAttribute(domain.AttrAPIKey, key)
	execCtx.Request.Headers.Del(h.Header)
	execCtx.Request.Query.Del(h.QueryParam)
	return nil
}

func (h *APIKey) key(execCtx *domain.ExecutionContext) string {
	return builtin.ExtractAPIKey(execCtx.Request, h.Header, h.QueryParam)
}

func apiID(execCtx *domain.ExecutionContext) string {
	if execCtx.API == nil {
		return ""
	}
	return execCtx.API.ID
}
