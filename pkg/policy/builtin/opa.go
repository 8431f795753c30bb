package builtin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/policy"
	"github.com/polisai/polis-gateway/pkg/policy/opa"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

type opaConfig struct {
	Policy     string            `mapstructure:"policy"`
	Modules    map[string]string `mapstructure:"modules"`
	Entrypoint string            `mapstructure:"entrypoint"`
	CacheSize  int               `mapstructure:"cache_size"`
	Headers    []string          `mapstructure:"headers"`
}

// OPA authorizes requests with an embedded Rego policy. A deny decision
// interrupts with 403 and the decision reason.
type OPA struct {
	policy.RequestOnly
	engine  *opa.Engine
	headers []string
	logger  *slog.Logger
}

// NewOPA builds an OPA policy.
func NewOPA(config map[string]any, logger *slog.Logger) (policy.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var cfg opaConfig
	if err := decode(config, &cfg); err != nil {
		return nil, err
	}
	modules := cfg.Modules
	if strings.TrimSpace(cfg.Policy) != "" {
		if modules == nil {
			modules = map[string]string{}
		}
		modules["policy.rego"] = cfg.Policy
	}
	if len(modules) == 0 {
		return nil, errors.New("opa policy requires policy or modules")
	}

	engine, err := opa.NewEngine(context.Background(), opa.Options{
		Entrypoint:      cfg.Entrypoint,
		Modules:         modules,
		CacheMaxEntries: cfg.CacheSize,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opa policy: %w", err)
	}
	return &OPA{engine: engine, headers: cfg.Headers, logger: logger}, nil
}

// OnRequest evaluates the decision for the request.
func (p *OPA) OnRequest(ctx context.Context, execCtx *domain.ExecutionContext) error {
	input := opa.Input{
		PlanID:        execCtx.PlanID(),
		ApplicationID: execCtx.ApplicationID(),
		Method:        execCtx.Request.Method,
		Path:          execCtx.Request.PathInfo,
		Headers:       p.selectHeaders(execCtx.Request.Headers),
		Attributes:    stringAttributes(execCtx.Attributes),
	}
	if execCtx.API != nil {
		input.APIID = execCtx.API.ID
	}

	decision, err := p.engine.Evaluate(ctx, input)
	if err != nil {
		return err
	}

	telemetry.RecordPolicyDecision(trace.SpanFromContext(ctx), string(decision.Action), decision.Reason, decision.Metadata)
	if decision.Allowed() {
		return nil
	}

	p.logger.Debug("opa denied request",
		"api_id", input.APIID,
		"plan_id", input.PlanID,
		"reason", decision.Reason,
	)
	failure := domain.NewFailure(http.StatusForbidden, domain.KeyPolicyDenied, "Forbidden")
	if decision.Reason != "" {
		failure.WithParameter("reason", decision.Reason)
	}
	return failure
}

func (p *OPA) selectHeaders(headers http.Header) map[string]string {
	out := make(map[string]string)
	if len(p.headers) == 0 {
		for name := range headers {
			out[strings.ToLower(name)] = headers.Get(name)
		}
		return out
	}
	for _, name := range p.headers {
		if v := headers.Get(name); v != "" {
			out[strings.ToLower(name)] = v
		}
	}
	return out
}

func stringAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		switch v.(type) {
		case string, bool, int, int64, float64:
			out[k] = v
		}
	}
	return out
}
