package builtin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/policy"
)

type rateLimitConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Key               string        `mapstructure:"key"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl"`
	AddHeaders        *bool         `mapstructure:"add_headers"`
}

// RateLimit throttles callers with one token bucket per key. The key is
// derived from the caller ip, application, plan, api or a request header
// ("header:X-Tenant").
type RateLimit struct {
	policy.RequestOnly
	limiter    *governance.KeyedRateLimiter
	key        string
	addHeaders bool
}

// NewRateLimit builds a RateLimit policy.
func NewRateLimit(config map[string]any) (policy.Handler, error) {
	cfg := rateLimitConfig{Key: "ip", IdleTTL: 10 * time.Minute}
	if err := decode(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.RequestsPerSecond <= 0 {
		return nil, errors.New("rate-limit policy requires a positive requests_per_second")
	}
	key := strings.TrimSpace(cfg.Key)
	switch {
	case key == "ip", key == "application", key == "plan", key == "api":
	case strings.HasPrefix(key, "header:") && len(key) > len("header:"):
	default:
		return nil, fmt.Errorf("unsupported rate-limit key %q", cfg.Key)
	}

	addHeaders := true
	if cfg.AddHeaders != nil {
		addHeaders = *cfg.AddHeaders
	}

	return &RateLimit{
		limiter: governance.NewKeyedRateLimiter(governance.RateLimiterConfig{
			RequestsPerSecond: cfg.RequestsPerSecond,
			BurstSize:         cfg.Burst,
			IdleTTL:           cfg.IdleTTL,
		}),
		key:        key,
		addHeaders: addHeaders,
	}, nil
}

// OnRequest takes a token for the caller or rejects with 429.
func (p *RateLimit) OnRequest(_ context.Context, execCtx *domain.ExecutionContext) error {
	res := p.limiter.Allow(p.bucketKey(execCtx))
	if p.addHeaders {
		governance.WriteRateLimitHeaders(execCtx.Response.Headers, res)
	}
	if res.Allowed {
		return nil
	}
	return domain.NewFailure(http.StatusTooManyRequests, domain.KeyRateLimited, "Rate limit exceeded").
		WithParameter("limit", res.Limit).
		WithParameter("retry_after_ms", res.RetryAfter.Milliseconds())
}

func (p *RateLimit) bucketKey(execCtx *domain.ExecutionContext) string {
	apiID := ""
	if execCtx.API != nil {
		apiID = execCtx.API.ID
	}
	var value string
	switch {
	case p.key == "application":
		value = execCtx.ApplicationID()
	case p.key == "plan":
		value = execCtx.PlanID()
	case p.key == "api":
		value = apiID
	case strings.HasPrefix(p.key, "header:"):
		value = execCtx.Request.Headers.Get(strings.TrimPrefix(p.key, "header:"))
	default:
		value = clientIP(execCtx.Request)
	}
	return apiID + "|" + value
}

func clientIP(req *domain.Request) string {
	if forwarded := req.Headers.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
