package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/policy"
	"github.com/polisai/polis-gateway/pkg/policy/waf"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

type wafConfig struct {
	Rules   []string   `mapstructure:"rules"`
	Custom  []waf.Rule `mapstructure:"custom"`
	Inspect []string   `mapstructure:"inspect"`
	Status  int        `mapstructure:"status"`
}

// WAF rejects requests whose path, query, headers or body match a blocking
// rule. Without explicit rules every builtin rule is active.
type WAF struct {
	policy.RequestOnly
	rules     *waf.Ruleset
	locations map[waf.Location]bool
	status    int
	logger    *slog.Logger
}

// NewWAF builds a WAF policy.
func NewWAF(config map[string]any, logger *slog.Logger) (policy.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := wafConfig{Status: http.StatusForbidden}
	if err := decode(config, &cfg); err != nil {
		return nil, err
	}
	if err := rejectionStatus(cfg.Status); err != nil {
		return nil, err
	}

	var rules []waf.Rule
	for _, name := range cfg.Rules {
		rule, ok := waf.Builtin(name)
		if !ok {
			return nil, fmt.Errorf("unknown waf rule %q", name)
		}
		rules = append(rules, rule)
	}
	rules = append(rules, cfg.Custom...)
	if len(rules) == 0 {
		rules = waf.Builtins()
	}
	compiled, err := waf.Compile(rules)
	if err != nil {
		return nil, err
	}

	locations := map[waf.Location]bool{}
	if len(cfg.Inspect) == 0 {
		cfg.Inspect = []string{string(waf.LocationPath), string(waf.LocationQuery), string(waf.LocationHeader), string(waf.LocationBody)}
	}
	for _, raw := range cfg.Inspect {
		loc := waf.Location(strings.ToLower(strings.TrimSpace(raw)))
		switch loc {
		case waf.LocationPath, waf.LocationQuery, waf.LocationHeader, waf.LocationBody:
			locations[loc] = true
		default:
			return nil, fmt.Errorf("unsupported waf inspect location %q", raw)
		}
	}

	return &WAF{rules: compiled, locations: locations, status: cfg.Status, logger: logger}, nil
}

// OnRequest inspects the request and rejects it on a blocking finding.
func (p *WAF) OnRequest(ctx context.Context, execCtx *domain.ExecutionContext) error {
	verdict, err := p.rules.Inspect(ctx, p.parts(execCtx.Request)...)
	if err != nil {
		return err
	}
	if len(verdict.Findings) == 0 {
		return nil
	}

	finding, blocked := verdict.Blocking()
	if !blocked {
		p.logger.Info("waf findings",
			"request_id", execCtx.Request.ID,
			"rule", verdict.Findings[0].Rule,
			"findings", len(verdict.Findings),
		)
		return nil
	}

	telemetry.RecordSecurityEvent(trace.SpanFromContext(ctx), true, finding.Rule, execCtx.PlanID())
	p.logger.Warn("request blocked by waf",
		"request_id", execCtx.Request.ID,
		"rule", finding.Rule,
		"location", string(finding.Location),
		"severity", string(finding.Severity),
	)
	return domain.NewFailure(p.status, domain.KeyPolicyDenied, "Request blocked").
		WithParameter("rule", finding.Rule).
		WithParameter("location", string(finding.Location))
}

func (p *WAF) parts(req *domain.Request) []waf.Part {
	var parts []waf.Part
	if p.locations[waf.LocationPath] {
		parts = append(parts, waf.Part{Location: waf.LocationPath, Text: req.Path})
	}
	if p.locations[waf.LocationQuery] {
		for _, name := range sortedKeys(req.Query) {
			for _, v := range req.Query[name] {
				parts = append(parts, waf.Part{Location: waf.LocationQuery, Name: name, Text: v})
			}
		}
	}
	if p.locations[waf.LocationHeader] {
		for _, name := range sortedKeys(req.Headers) {
			for _, v := range req.Headers[name] {
				parts = append(parts, waf.Part{Location: waf.LocationHeader, Name: name, Text: v})
			}
		}
	}
	if p.locations[waf.LocationBody] && len(req.Body) > 0 {
		parts = append(parts, waf.Part{Location: waf.LocationBody, Text: string(req.Body)})
	}
	return parts
}

func sortedKeys[M ~map[string][]string](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
