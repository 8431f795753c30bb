package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/polis-gateway/pkg/connector"
	"github.com/polisai/polis-gateway/pkg/connector/endpoint"
	"github.com/polisai/polis-gateway/pkg/connector/entrypoint"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/policy"
	"github.com/polisai/polis-gateway/pkg/policy/builtin"
	"github.com/polisai/polis-gateway/pkg/security"
	"github.com/polisai/polis-gateway/pkg/storage"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

type testGateway struct {
	manager    *Manager
	handler    *Handler
	metrics    *telemetry.GatewayMetrics
	store      *storage.MemoryDeploymentStore
	connectors *connector.Registry
	policies   *policy.Registry
}

func newTestGateway(t *testing.T, maxBodyBytes int64) *testGateway {
	t.Helper()

	connectors := connector.NewRegistry()
	require.NoError(t, entrypoint.Register(connectors, nil))
	require.NoError(t, endpoint.Register(connectors, endpoint.Deps{}))

	policies := policy.NewRegistry()
	require.NoError(t, builtin.Register(policies, nil))

	metrics := telemetry.NewGatewayMetrics()
	store := storage.NewMemoryDeploymentStore()
	manager := NewManager(store, Dependencies{
		Connectors: connectors,
		Policies:   policy.NewManager(policy.ManagerConfig{Registry: policies}),
		Ordering:   connector.MostSpecificFirst,
		Metrics:    metrics,
	})

	return &testGateway{
		manager:    manager,
		handler:    NewHandler(HandlerConfig{Manager: manager, Metrics: metrics, MaxBodyBytes: maxBodyBytes}),
		metrics:    metrics,
		store:      store,
		connectors: connectors,
		policies:   policies,
	}
}

func (g *testGateway) deploy(t *testing.T, snapshot domain.Snapshot) {
	t.Helper()
	require.NoError(t, g.manager.Deploy(context.Background(), snapshot))
}

func (g *testGateway) do(method, target string, header http.Header, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://gateway.local"+target, reader)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

type backend struct {
	*httptest.Server
	calls atomic.Int32
	last  atomic.Pointer[http.Request]
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.calls.Add(1)
		b.last.Store(r.Clone(context.Background()))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "backend "+r.URL.Path)
	}))
	t.Cleanup(b.Close)
	return b
}

type errorBody struct {
	Message        string `json:"message"`
	HTTPStatusCode int    `json:"http_status_code"`
	Key            string `json:"key"`
}

func decodeFailure(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	assert.Equal(t, rec.Code, body.HTTPStatusCode)
	return body
}

func step(policyID string, config map[string]any) domain.Step {
	return domain.Step{Policy: policyID, Configuration: config, Enabled: true}
}

func setHeader(scope, header, value string) domain.Step {
	return step(builtin.TransformHeadersID, map[string]any{
		"scope": scope,
		"operations": []any{
			map[string]any{"action": "set", "header": header, "value": value},
		},
	})
}

func mockStep(status int, body string) domain.Step {
	return step(builtin.MockID, map[string]any{"status": status, "body": body})
}

func listener(host, path string, types ...string) domain.Listener {
	l := domain.Listener{
		Type:  domain.ListenerHTTP,
		Paths: []domain.ListenerPath{{Host: host, Path: path}},
	}
	if len(types) == 0 {
		types = []string{entrypoint.HTTPProxyType}
	}
	for _, typ := range types {
		l.Entrypoints = append(l.Entrypoints, domain.Entrypoint{Type: typ})
	}
	return l
}

func proxyAPI(id, path, target string) domain.API {
	return domain.API{
		ID:        id,
		Name:      id,
		Listeners: []domain.Listener{listener("", path)},
		EndpointGroups: []domain.EndpointGroup{{
			Name: "default",
			Type: endpoint.HTTPProxyType,
			Endpoints: []domain.Endpoint{{
				Name:          "backend",
				Type:          endpoint.HTTPProxyType,
				Weight:        1,
				Configuration: map[string]any{"target": target},
			}},
		}},
		Plans: []domain.Plan{{
			ID:       id + "-keyless",
			Status:   domain.PlanPublished,
			Security: domain.PlanSecurity{Type: domain.SecurityKeyless},
		}},
	}
}

func TestGateway_ProxiesToBackend(t *testing.T) {
	g := newTestGateway(t, 0)
	b := newBackend(t)

	api := proxyAPI("orders", "/orders", b.URL)
	api.Flows = []domain.Flow{{
		ID:      "headers",
		Enabled: true,
		Pre:     []domain.Step{setHeader("request", "X-Gateway", "orders")},
		Post:    []domain.Step{setHeader("response", "X-Served-By", "gateway")},
	}}
	g.deploy(t, domain.Snapshot{APIs: []domain.API{api}})

	rec := g.do(http.MethodGet, "/orders/items?page=2", http.Header{HeaderRequestID: {"req-42"}}, "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "backend /items", rec.Body.String())
	assert.Equal(t, "gateway", rec.Header().Get("X-Served-By"))
	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))

	seen := b.last.Load()
	require.NotNil(t, seen)
	assert.Equal(t, "/items", seen.URL.Path)
	assert.Equal(t, "2", seen.URL.Query().Get("page"))
	assert.Equal(t, "orders", seen.Header.Get("X-Gateway"))
}

func TestGateway_GeneratesRequestID(t *testing.T) {
	g := newTestGateway(t, 0)
	b := newBackend(t)
	g.deploy(t, domain.Snapshot{APIs: []domain.API{proxyAPI("orders", "/orders", b.URL)}})

	rec := g.do(http.MethodGet, "/orders", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}

func TestGateway_APIKeyPlan(t *testing.T) {
	g := newTestGateway(t, 0)
	b := newBackend(t)

	api := proxyAPI("orders", "/orders", b.URL)
	api.Plans = []domain.Plan{{
		ID:       "gold",
		Status:   domain.PlanPublished,
		Security: domain.PlanSecurity{Type: domain.SecurityAPIKey},
		Flows: []domain.Flow{{
			ID:      "plan-headers",
			Enabled: true,
			Post:    []domain.Step{setHeader("response", "X-Plan", "gold")},
		}},
	}}
	g.deploy(t, domain.Snapshot{
		APIs: []domain.API{api},
		Subscriptions: []domain.Subscription{
			{ID: "sub-1", APIID: "orders", PlanID: "gold", Application: "app-1", APIKey: "secret", Status: domain.SubscriptionAccepted},
			{ID: "sub-2", APIID: "orders", PlanID: "gold", Application: "app-2", APIKey: "paused", Status: domain.SubscriptionPaused},
		},
	})

	tests := []struct {
		name    string
		header  http.Header
		target  string
		status  int
		key     string
		proxied bool
	}{
		{name: "missing key", target: "/orders", status: http.StatusUnauthorized, key: domain.KeyPlanUnresolvable},
		{name: "unknown key", target: "/orders", header: http.Header{"X-Api-Key": {"nope"}}, status: http.StatusUnauthorized, key: domain.KeyAPIKeyInvalid},
		{name: "paused subscription", target: "/orders", header: http.Header{"X-Api-Key": {"paused"}}, status: http.StatusUnauthorized, key: domain.KeyAPIKeyInvalid},
		{name: "header key", target: "/orders", header: http.Header{"X-Api-Key": {"secret"}}, status: http.StatusOK, proxied: true},
		{name: "query key", target: "/orders?api-key=secret", status: http.StatusOK, proxied: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := b.calls.Load()
			rec := g.do(http.MethodGet, tt.target, tt.header, "")

			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if !tt.proxied {
				assert.Equal(t, before, b.calls.Load(), "backend must not be called")
				assert.Equal(t, tt.key, decodeFailure(t, rec).Key)
				return
			}
			assert.Equal(t, before+1, b.calls.Load())
			assert.Equal(t, "gold", rec.Header().Get("X-Plan"))

			seen := b.last.Load()
			assert.Empty(t, seen.Header.Get("X-Api-Key"), "key is not forwarded")
			assert.Empty(t, seen.URL.Query().Get("api-key"), "key is not forwarded")
		})
	}
}

func TestGateway_InterruptedRequestStillRunsResponseFlows(t *testing.T) {
	g := newTestGateway(t, 0)
	b := newBackend(t)

	api := proxyAPI("orders", "/orders", b.URL)
	api.Flows = []domain.Flow{{
		ID:      "teapot",
		Enabled: true,
		Pre:     []domain.Step{mockStep(http.StatusTeapot, "teapot")},
		Post:    []domain.Step{setHeader("response", "X-Api-Post", "ran")},
	}}
	g.deploy(t, domain.Snapshot{
		APIs: []domain.API{api},
		Organization: domain.Organization{
			ID: "org",
			Flows: []domain.Flow{{
				ID:      "platform",
				Enabled: true,
				Post:    []domain.Step{setHeader("response", "X-Platform", "yes")},
			}},
		},
	})

	rec := g.do(http.MethodGet, "/orders", nil, "")

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "teapot", rec.Body.String())
	assert.Equal(t, "ran", rec.Header().Get("X-Api-Post"))
	assert.Equal(t, "yes", rec.Header().Get("X-Platform"))
	assert.Zero(t, b.calls.Load())
}

type failWith struct {
	policy.RequestOnly
	failure *domain.ExecutionFailure
}

func (p failWith) OnRequest(context.Context, *domain.ExecutionContext) error {
	return p.failure
}

func TestGateway_FailureWithInvalidStatus(t *testing.T) {
	g := newTestGateway(t, 0)
	require.NoError(t, g.policies.Register("fail-with", func(map[string]any) (policy.Handler, error) {
		return failWith{failure: &domain.ExecutionFailure{StatusCode: 0, Key: "BROKEN", Message: "broken"}}, nil
	}))
	b := newBackend(t)

	api := proxyAPI("orders", "/orders", b.URL)
	api.Flows = []domain.Flow{{
		ID:      "broken",
		Enabled: true,
		Pre:     []domain.Step{step("fail-with", nil)},
	}}
	g.deploy(t, domain.Snapshot{APIs: []domain.API{api}})

	rec := g.do(http.MethodGet, "/orders", nil, "")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decodeFailure(t, rec)
	assert.Equal(t, "BROKEN", body.Key)
	assert.Equal(t, "Internal Server Error", body.Message)
	assert.Zero(t, b.calls.Load())
}

func TestGateway_PlatformFlowsRunBeforeSecurity(t *testing.T) {
	g := newTestGateway(t, 0)
	b := newBackend(t)

	api := proxyAPI("orders", "/orders", b.URL)
	api.Plans[0].Security.Type = domain.SecurityAPIKey
	g.deploy(t, domain.Snapshot{
		APIs: []domain.API{api},
		Organization: domain.Organization{
			ID: "org",
			Flows: []domain.Flow{{
				ID:      "maintenance",
				Enabled: true,
				Pre:     []domain.Step{mockStep(http.StatusServiceUnavailable, "maintenance")},
			}},
		},
	})

	rec := g.do(http.MethodGet, "/orders", nil, "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "maintenance", rec.Body.String())
	assert.Zero(t, b.calls.Load())
}

func TestGateway_PlanPathRules(t *testing.T) {
	g := newTestGateway(t, 0)
	b := newBackend(t)

	api := proxyAPI("orders", "/orders", b.URL)
	api.Plans[0].Paths = map[string][]domain.Rule{
		"/": {{
			Methods: []string{http.MethodPost},
			Step:    mockStep(http.StatusCreated, "created"),
			Enabled: true,
		}},
	}
	g.deploy(t, domain.Snapshot{APIs: []domain.API{api}})

	rec := g.do(http.MethodPost, "/orders/items", nil, `{"sku":"a"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "created", rec.Body.String())
	assert.Zero(t, b.calls.Load())

	rec = g.do(http.MethodGet, "/orders/items", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestGateway_UnknownContextPath(t *testing.T) {
	g := newTestGateway(t, 0)
	b := newBackend(t)
	g.deploy(t, domain.Snapshot{APIs: []domain.API{proxyAPI("orders", "/orders", b.URL)}})

	rec := g.do(http.MethodGet, "/users", nil, "")

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, domain.KeyAPINotFound, decodeFailure(t, rec).Key)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}

func TestGateway_NoEndpoint(t *testing.T) {
	g := newTestGateway(t, 0)

	api := proxyAPI("orders", "/orders", "http://unused.invalid")
	api.EndpointGroups = nil
	g.deploy(t, domain.Snapshot{APIs: []domain.API{api}})

	rec := g.do(http.MethodGet, "/orders", nil, "")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, domain.KeyNoEndpoint, decodeFailure(t, rec).Key)
}

func TestGateway_RequestBodyLimit(t *testing.T) {
	g := newTestGateway(t, 8)
	b := newBackend(t)
	g.deploy(t, domain.Snapshot{APIs: []domain.API{proxyAPI("orders", "/orders", b.URL)}})

	rec := g.do(http.MethodPost, "/orders", nil, strings.Repeat("x", 64))

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, KeyRequestTooLarge, decodeFailure(t, rec).Key)
	assert.Zero(t, b.calls.Load())
}

func TestGateway_ServerSentEventsFromMockEndpoint(t *testing.T) {
	g := newTestGateway(t, 0)

	api := domain.API{
		ID:        "ticks",
		Listeners: []domain.Listener{listener("", "/ticks", entrypoint.HTTPProxyType, entrypoint.SSEType)},
		EndpointGroups: []domain.EndpointGroup{{
			Name: "mock",
			Type: endpoint.MockType,
			Endpoints: []domain.Endpoint{{
				Name: "mock",
				Type: endpoint.MockType,
				Configuration: map[string]any{
					"body":     "static",
					"messages": 2,
					"interval": "1ms",
					"message":  "tick {index}",
				},
			}},
		}},
	}
	g.deploy(t, domain.Snapshot{APIs: []domain.API{api}})

	rec := g.do(http.MethodGet, "/ticks", http.Header{"Accept": {"text/event-stream"}}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "data: tick 0\n")
	assert.Contains(t, rec.Body.String(), "data: tick 1\n")

	rec = g.do(http.MethodGet, "/ticks", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "static", rec.Body.String())
}

func TestManager_RedeployReplacesGraph(t *testing.T) {
	g := newTestGateway(t, 0)
	b := newBackend(t)

	g.deploy(t, domain.Snapshot{APIs: []domain.API{proxyAPI("orders", "/orders", b.URL)}})
	require.Equal(t, http.StatusOK, g.do(http.MethodGet, "/orders", nil, "").Code)

	g.deploy(t, domain.Snapshot{APIs: []domain.API{proxyAPI("users", "/users", b.URL)}})

	assert.Equal(t, http.StatusNotFound, g.do(http.MethodGet, "/orders", nil, "").Code)
	assert.Equal(t, http.StatusOK, g.do(http.MethodGet, "/users", nil, "").Code)
	assert.Equal(t, int64(2), g.store.Generation())
	assert.Equal(t, 1, g.manager.Len())
	_, ok := g.manager.Reactor("orders")
	assert.False(t, ok)
}

func TestManager_RejectedDeploymentKeepsPrevious(t *testing.T) {
	g := newTestGateway(t, 0)
	b := newBackend(t)
	g.deploy(t, domain.Snapshot{APIs: []domain.API{proxyAPI("orders", "/orders", b.URL)}})

	noEntrypoint := proxyAPI("broken", "/broken", b.URL)
	noEntrypoint.Listeners[0].Entrypoints = []domain.Entrypoint{{Type: "grpc"}}

	tests := map[string]domain.Snapshot{
		"conflicting context path": {APIs: []domain.API{
			proxyAPI("orders", "/orders", b.URL),
			proxyAPI("orders-copy", "/orders/", b.URL),
		}},
		"no usable entrypoint": {APIs: []domain.API{noEntrypoint}},
	}

	for name, snapshot := range tests {
		t.Run(name, func(t *testing.T) {
			err := g.manager.Deploy(context.Background(), snapshot)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrConfigInvalid), err)

			assert.Equal(t, int64(1), g.store.Generation())
			assert.Equal(t, http.StatusOK, g.do(http.MethodGet, "/orders", nil, "").Code)
		})
	}
}

func TestManager_Match(t *testing.T) {
	g := newTestGateway(t, 0)

	partner := proxyAPI("partner", "/orders", "http://backend.invalid")
	partner.Listeners = []domain.Listener{listener("API.example.com", "/orders")}
	g.deploy(t, domain.Snapshot{APIs: []domain.API{
		proxyAPI("root", "/", "http://backend.invalid"),
		proxyAPI("orders", "/orders", "http://backend.invalid"),
		proxyAPI("orders-v2", "/orders/v2", "http://backend.invalid"),
		partner,
	}})

	tests := []struct {
		host        string
		path        string
		api         string
		contextPath string
	}{
		{host: "gateway.local", path: "/orders/v2/items", api: "orders-v2", contextPath: "/orders/v2"},
		{host: "gateway.local", path: "/orders/v20", api: "orders", contextPath: "/orders"},
		{host: "gateway.local", path: "/orders", api: "orders", contextPath: "/orders"},
		{host: "api.example.com:8443", path: "/orders/1", api: "partner", contextPath: "/orders"},
		{host: "gateway.local", path: "/ordersx", api: "root", contextPath: "/"},
		{host: "gateway.local", path: "/", api: "root", contextPath: "/"},
	}

	for _, tt := range tests {
		t.Run(tt.host+tt.path, func(t *testing.T) {
			reactor, contextPath, ok := g.manager.Match(tt.host, tt.path)
			require.True(t, ok)
			assert.Equal(t, tt.api, reactor.API().ID)
			assert.Equal(t, tt.contextPath, contextPath)
		})
	}
}

func TestReactor_ReachesResponseSent(t *testing.T) {
	g := newTestGateway(t, 0)
	b := newBackend(t)
	g.deploy(t, domain.Snapshot{APIs: []domain.API{proxyAPI("orders", "/orders", b.URL)}})

	reactor, ok := g.manager.Reactor("orders")
	require.True(t, ok)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/orders/a", nil)
	execCtx := domain.NewExecutionContext(&domain.Request{
		ID:          "req-1",
		Method:      http.MethodGet,
		Path:        "/orders/a",
		ContextPath: "/orders",
		PathInfo:    "/a",
	})
	execCtx.Transport = domain.Transport{Writer: rec, Request: req}

	require.NoError(t, reactor.Handle(context.Background(), execCtx))
	assert.Equal(t, StageResponseSent, CurrentStage(execCtx))
	assert.Equal(t, security.AnonymousApplication, execCtx.StringAttribute(domain.AttrApplication))
	assert.Equal(t, "orders-keyless", execCtx.PlanID())
	assert.Equal(t, "backend /a", rec.Body.String())
}

func TestReactor_CancelledRequest(t *testing.T) {
	g := newTestGateway(t, 0)
	b := newBackend(t)
	g.deploy(t, domain.Snapshot{APIs: []domain.API{proxyAPI("orders", "/orders", b.URL)}})

	reactor, ok := g.manager.Reactor("orders")
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	execCtx := domain.NewExecutionContext(&domain.Request{ID: "req-1", Method: http.MethodGet, PathInfo: "/"})
	execCtx.Transport = domain.Transport{Writer: rec, Request: httptest.NewRequest(http.MethodGet, "/orders", nil)}

	err := reactor.Handle(ctx, execCtx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, b.calls.Load())
}

func TestReactor_RecordsFailureOnSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})

	g := newTestGateway(t, 0)
	b := newBackend(t)
	api := proxyAPI("orders", "/orders", b.URL)
	api.Plans[0].Security.Type = domain.SecurityAPIKey
	g.deploy(t, domain.Snapshot{APIs: []domain.API{api}})

	rec := g.do(http.MethodGet, "/orders", http.Header{
		"Authorization": {"Bearer token-1"},
		"Accept":        {"application/json"},
	}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var found bool
	for _, span := range recorder.Ended() {
		if span.Name() != "gateway.request" {
			continue
		}
		found = true
		attrs := map[string]string{}
		for _, attr := range span.Attributes() {
			attrs[string(attr.Key)] = attr.Value.Emit()
		}
		assert.Equal(t, domain.KeyPlanUnresolvable, attrs["gateway.failure.key"])
		assert.Equal(t, "application/json", attrs["http.request.header.accept"])
		assert.NotContains(t, attrs, "http.request.header.authorization")
	}
	assert.True(t, found, "gateway.request span recorded")
}

func TestAdminHandler(t *testing.T) {
	g := newTestGateway(t, 0)
	b := newBackend(t)
	admin := NewAdminHandler(AdminConfig{Manager: g.manager, Metrics: g.metrics})

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready").Code)

	g.deploy(t, domain.Snapshot{APIs: []domain.API{proxyAPI("orders", "/orders", b.URL)}})
	require.Equal(t, http.StatusOK, g.do(http.MethodGet, "/orders", nil, "").Code)

	ready := get("/ready")
	require.Equal(t, http.StatusOK, ready.Code)
	var readiness map[string]any
	require.NoError(t, json.Unmarshal(ready.Body.Bytes(), &readiness))
	assert.EqualValues(t, 1, readiness["generation"])
	assert.EqualValues(t, 1, readiness["apis"])

	var apis []APISummary
	require.NoError(t, json.Unmarshal(get("/apis").Body.Bytes(), &apis))
	require.Len(t, apis, 1)
	assert.Equal(t, "orders", apis[0].ID)
	assert.Equal(t, []string{"/orders"}, apis[0].ContextPaths)
	assert.Equal(t, []string{"orders-keyless"}, apis[0].Plans)
	assert.Equal(t, []string{entrypoint.HTTPProxyType}, apis[0].Entrypoints)

	circuits := get("/circuits")
	assert.Equal(t, http.StatusOK, circuits.Code)
	assert.JSONEq(t, `{}`, circuits.Body.String())

	metrics := get("/metrics")
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "gateway_requests_total")
	assert.Contains(t, metrics.Body.String(), "gateway_deployments_total")
}

func TestValidate(t *testing.T) {
	g := newTestGateway(t, 0)

	valid := proxyAPI("orders", "/orders", "http://backend.invalid")
	valid.Flows = []domain.Flow{{ID: "ok", Enabled: true, Pre: []domain.Step{mockStep(http.StatusOK, "")}}}
	require.NoError(t, Validate(domain.Snapshot{APIs: []domain.API{valid}}, g.connectors, g.policies))

	broken := proxyAPI("broken", "/broken", "http://backend.invalid")
	broken.Listeners[0].Entrypoints = []domain.Entrypoint{{Type: "grpc"}}
	broken.Plans[0].Flows = []domain.Flow{{ID: "bad", Enabled: true, Pre: []domain.Step{step("does-not-exist", nil)}}}

	err := Validate(domain.Snapshot{APIs: []domain.API{broken}}, g.connectors, g.policies)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownConnectorType)
	assert.ErrorIs(t, err, domain.ErrUnknownPolicy)
	assert.Contains(t, err.Error(), "does-not-exist")
}
