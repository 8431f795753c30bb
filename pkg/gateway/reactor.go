// Package gateway runs the per-API request pipeline and dispatches inbound
// HTTP requests to it.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-gateway/pkg/connector"
	"github.com/polisai/polis-gateway/pkg/connector/entrypoint"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/flow"
	"github.com/polisai/polis-gateway/pkg/plan"
	"github.com/polisai/polis-gateway/pkg/policy"
	"github.com/polisai/polis-gateway/pkg/security"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// Stage names the reactor state reached by a request.
type Stage string

const (
	StageReceived          Stage = "RECEIVED"
	StageConnectorResolved Stage = "CONNECTOR_RESOLVED"
	StagePlatformRequest   Stage = "PLATFORM_REQUEST"
	StageSecurity          Stage = "SECURITY"
	StagePlanRequest       Stage = "PLAN_REQUEST"
	StageAPIRequest        Stage = "API_REQUEST"
	StageProxied           Stage = "PROXIED"
	StageAPIResponse       Stage = "API_RESPONSE"
	StagePlanResponse      Stage = "PLAN_RESPONSE"
	StagePlatformResponse  Stage = "PLATFORM_RESPONSE"
	StageResponseSent      Stage = "RESPONSE_SENT"
)

// stageKey holds the last stage reached in the internal attributes.
const stageKey = "gateway.reactor.stage"

// Dependencies are shared by every reactor of a deployment.
type Dependencies struct {
	Connectors    *connector.Registry
	Policies      *policy.Manager
	Organization  flow.OrganizationSource
	Subscriptions security.SubscriptionStore
	Ordering      connector.Ordering
	Hooks         []policy.Hook
	Metrics       *telemetry.GatewayMetrics
	Logger        *slog.Logger
}

// Reactor executes the pipeline of one deployed API. It is built once per
// deployment and shared by all requests.
type Reactor struct {
	api         *domain.API
	entrypoints *connector.EntrypointResolver
	endpoints   *connector.EndpointResolver
	platform    *flow.Chain
	security    *security.Chain
	planPaths   *plan.ChainProvider
	planFlows   *flow.Chain
	apiFlows    *flow.Chain
	metrics     *telemetry.GatewayMetrics
	tracer      trace.Tracer
	logger      *slog.Logger
}

// NewReactor wires the connectors and chains of an API.
func NewReactor(api *domain.API, deps Dependencies) *Reactor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("api_id", api.ID)

	evaluator := deps.Policies.Evaluator()
	mode := api.FlowExecution.Mode
	chainOpts := []flow.Option{flow.WithHooks(deps.Hooks...), flow.WithLogger(logger)}

	// The API doubles as the plan store so that only its own plans resolve.
	return &Reactor{
		api:         api,
		entrypoints: connector.NewEntrypointResolver(api, deps.Connectors, deps.Ordering, logger),
		endpoints:   connector.NewEndpointResolver(api, deps.Connectors, logger),
		platform: flow.NewChain("platform",
			flow.NewFilteringResolver(flow.PlatformResolver{Source: deps.Organization}, evaluator, domain.FlowModeDefault, logger),
			deps.Policies, chainOpts...),
		security: security.NewChain(api, evaluator, logger,
			security.Keyless{},
			security.NewAPIKey(deps.Subscriptions),
		),
		planPaths: plan.NewChainProvider(plan.NewPolicyResolver(api, logger), deps.Policies, logger, deps.Hooks...),
		planFlows: flow.NewChain("plan",
			flow.NewFilteringResolver(flow.PlanResolver{Plans: api}, evaluator, mode, logger),
			deps.Policies, chainOpts...),
		apiFlows: flow.NewChain("api",
			flow.NewFilteringResolver(flow.APIResolver{API: api}, evaluator, mode, logger),
			deps.Policies, chainOpts...),
		metrics: deps.Metrics,
		tracer:  otel.Tracer("gateway.reactor"),
		logger:  logger,
	}
}

// API returns the API served by the reactor.
func (r *Reactor) API() *domain.API { return r.api }

// Entrypoints returns the entrypoint resolver.
func (r *Reactor) Entrypoints() *connector.EntrypointResolver { return r.entrypoints }

// Handle runs the request through the pipeline and writes the response with
// the selected entrypoint connector. Failures are written to the client; only
// cancellation and write errors are returned.
func (r *Reactor) Handle(ctx context.Context, execCtx *domain.ExecutionContext) error {
	ctx, span := r.tracer.Start(ctx, "gateway.request",
		trace.WithAttributes(
			attribute.String("gateway.api.id", r.api.ID),
			attribute.String("gateway.request.id", execCtx.Request.ID),
		),
	)
	defer span.End()
	span.SetAttributes(telemetry.RedactAttributes(headerAttributes(execCtx.Request.Headers), nil)...)

	execCtx.API = r.api
	execCtx.SetAttribute(domain.AttrAPI, r.api.ID)
	execCtx.SetAttribute(domain.AttrAPIName, r.api.Name)
	r.enter(execCtx, StageReceived)

	ep, ok := r.entrypoints.Resolve(execCtx)
	if !ok {
		failure := domain.NewFailure(http.StatusNotFound, domain.KeyNoEntrypoint, "No entrypoint matches the incoming request")
		execCtx.InterruptWith(failure)
		r.recordFailure(span, execCtx)
		return entrypoint.WriteFailure(execCtx.Transport.Writer, execCtx.Response.Headers, failure)
	}
	execCtx.SetEntrypoint(ep)
	r.enter(execCtx, StageConnectorResolved)
	span.SetAttributes(attribute.String("gateway.entrypoint", ep.ID()))

	if err := r.requestPhase(ctx, execCtx); err != nil {
		return r.cancelled(span, execCtx, err)
	}
	if err := r.invokeEndpoint(ctx, execCtx); err != nil {
		return r.cancelled(span, execCtx, err)
	}
	if err := r.responsePhase(ctx, execCtx); err != nil {
		return r.cancelled(span, execCtx, err)
	}

	r.recordFailure(span, execCtx)
	if err := ep.HandleResponse(ctx, execCtx); err != nil {
		span.RecordError(err)
		return err
	}
	r.enter(execCtx, StageResponseSent)
	return nil
}

func (r *Reactor) requestPhase(ctx context.Context, execCtx *domain.ExecutionContext) error {
	execCtx.EnterPhase(domain.PhaseRequest)

	if err := r.technical(ctx, execCtx, execCtx.Entrypoint().HandleRequest(ctx, execCtx)); err != nil {
		return err
	}

	stages := []struct {
		stage Stage
		run   func(context.Context, *domain.ExecutionContext) error
	}{
		{StagePlatformRequest, func(ctx context.Context, execCtx *domain.ExecutionContext) error {
			return r.platform.Execute(ctx, execCtx, domain.PhaseRequest)
		}},
		{StageSecurity, r.authenticate},
		{StagePlanRequest, r.planRequest},
		{StageAPIRequest, func(ctx context.Context, execCtx *domain.ExecutionContext) error {
			return r.apiFlows.Execute(ctx, execCtx, domain.PhaseRequest)
		}},
	}

	for _, s := range stages {
		if execCtx.IsInterruptedIn(domain.PhaseRequest) {
			return nil
		}
		r.enter(execCtx, s.stage)
		if err := r.technical(ctx, execCtx, s.run(ctx, execCtx)); err != nil {
			return err
		}
	}
	return nil
}

// authenticate runs the security chain. APIs without plans are open.
func (r *Reactor) authenticate(ctx context.Context, execCtx *domain.ExecutionContext) error {
	if len(r.api.Plans) == 0 {
		return nil
	}
	return r.security.Execute(ctx, execCtx)
}

func (r *Reactor) planRequest(ctx context.Context, execCtx *domain.ExecutionContext) error {
	paths, err := r.planPaths.Provide(ctx, execCtx, domain.PhaseRequest)
	if err != nil {
		return err
	}
	if err := paths.Execute(ctx, execCtx); err != nil {
		return err
	}
	if execCtx.IsInterruptedIn(domain.PhaseRequest) {
		return nil
	}
	return r.planFlows.Execute(ctx, execCtx, domain.PhaseRequest)
}

func (r *Reactor) invokeEndpoint(ctx context.Context, execCtx *domain.ExecutionContext) error {
	if execCtx.IsInterruptedIn(domain.PhaseRequest) {
		return nil
	}
	endpoint, ok := r.endpoints.Resolve(execCtx)
	if !ok {
		execCtx.InterruptWith(domain.NewFailure(http.StatusServiceUnavailable, domain.KeyNoEndpoint, "No endpoint available"))
		return nil
	}
	execCtx.SetEndpoint(endpoint)
	r.enter(execCtx, StageProxied)
	return r.technical(ctx, execCtx, endpoint.Connect(ctx, execCtx))
}

// responsePhase runs the post steps in reverse scope order, only for the
// scopes whose request phase started.
func (r *Reactor) responsePhase(ctx context.Context, execCtx *domain.ExecutionContext) error {
	execCtx.EnterPhase(domain.PhaseResponse)

	stages := []struct {
		stage Stage
		chain *flow.Chain
	}{
		{StageAPIResponse, r.apiFlows},
		{StagePlanResponse, r.planFlows},
		{StagePlatformResponse, r.platform},
	}
	for _, s := range stages {
		if execCtx.IsInterruptedIn(domain.PhaseResponse) {
			return nil
		}
		if !s.chain.Started(execCtx) {
			continue
		}
		r.enter(execCtx, s.stage)
		if err := r.technical(ctx, execCtx, s.chain.Execute(ctx, execCtx, domain.PhaseResponse)); err != nil {
			return err
		}
	}
	return nil
}

// technical folds a stage error into the context. Failures interrupt with
// their own status, other errors with a 500. Cancellation is returned.
func (r *Reactor) technical(ctx context.Context, execCtx *domain.ExecutionContext, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	if failure, ok := domain.AsFailure(err); ok {
		execCtx.InterruptWith(failure)
		return nil
	}
	r.logger.Error("pipeline stage failed",
		"request_id", execCtx.Request.ID,
		"stage", string(CurrentStage(execCtx)),
		"error", err,
	)
	execCtx.InterruptWith(domain.InternalFailure(domain.KeyInternal, err))
	return nil
}

func (r *Reactor) cancelled(span trace.Span, execCtx *domain.ExecutionContext, err error) error {
	span.SetStatus(codes.Error, "cancelled")
	r.logger.Debug("request cancelled",
		"request_id", execCtx.Request.ID,
		"stage", string(CurrentStage(execCtx)),
		"error", err,
	)
	return err
}

func (r *Reactor) recordFailure(span trace.Span, execCtx *domain.ExecutionContext) {
	failure := execCtx.Failure()
	if failure == nil {
		return
	}
	span.SetAttributes(
		attribute.String("gateway.failure.key", failure.Key),
		attribute.Int("gateway.failure.status", failure.StatusCode),
	)
	if failure.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, failure.Key)
	}
	r.metrics.RecordInterruption(r.api.ID, failure.Key)
}

func (r *Reactor) enter(execCtx *domain.ExecutionContext, stage Stage) {
	execCtx.SetInternalAttribute(stageKey, stage)
}

// CurrentStage returns the last stage the request reached.
func CurrentStage(execCtx *domain.ExecutionContext) Stage {
	stage, _ := execCtx.InternalAttribute(stageKey)
	s, _ := stage.(Stage)
	return s
}

// headerAttributes maps request headers to span attributes. Credentials are
// removed by telemetry.RedactAttributes before they reach the span.
func headerAttributes(h http.Header) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(h))
	for name, values := range h {
		attrs = append(attrs, attribute.String("http.request.header."+strings.ToLower(name), strings.Join(values, ",")))
	}
	return attrs
}
