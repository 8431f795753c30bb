// Package endpoint provides the backend-facing connectors.
package endpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/connector"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// Type ids of the endpoint connectors.
const (
	HTTPProxyType = "http-proxy"
	MockType      = "mock"
)

// Deps are shared by the endpoint connectors of every deployment.
type Deps struct {
	Logger *slog.Logger
	// Breakers keeps circuit state per backend host across redeploys.
	Breakers *governance.CircuitBreakerManager
	// Transport is wrapped with otelhttp. Nil uses a clone of http.DefaultTransport.
	Transport http.RoundTripper
}

// Register adds the endpoint connectors to the registry.
func Register(registry *connector.Registry, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Breakers == nil {
		deps.Breakers = governance.NewCircuitBreakerManager(governance.DefaultCircuitBreakerConfig())
	}
	if deps.Transport == nil {
		deps.Transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	client := &http.Client{
		Transport: otelhttp.NewTransport(deps.Transport),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	if err := registry.RegisterEndpoint(HTTPProxyType, func(cfg map[string]any) (domain.EndpointConnector, error) {
		return NewHTTPProxy(cfg, client, deps)
	}); err != nil {
		return err
	}
	return registry.RegisterEndpoint(MockType, func(cfg map[string]any) (domain.EndpointConnector, error) {
		return NewMock(cfg)
	})
}

type circuitConfig struct {
	Enabled        *bool         `mapstructure:"enabled"`
	MaxFailures    int           `mapstructure:"max_failures"`
	FailureRate    float64       `mapstructure:"failure_rate"`
	MinSamples     int           `mapstructure:"min_samples"`
	Window         time.Duration `mapstructure:"window"`
	OpenTimeout    time.Duration `mapstructure:"open_timeout"`
	HalfOpenProbes int           `mapstructure:"half_open_probes"`
}

type httpProxyConfig struct {
	Target         string            `mapstructure:"target"`
	Timeout        time.Duration     `mapstructure:"timeout"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	Retries        *int              `mapstructure:"retries"`
	RetryBackoff   time.Duration     `mapstructure:"retry_backoff"`
	PreserveHost   bool              `mapstructure:"preserve_host"`
	Headers        map[string]string `mapstructure:"headers"`
	CircuitBreaker *circuitConfig    `mapstructure:"circuit_breaker"`

	// MaxResponseBytes caps the buffered backend body. Zero means the default.
	MaxResponseBytes int64 `mapstructure:"max_response_bytes"`
}

// DefaultMaxResponseBytes is the backend body limit when none is configured.
const DefaultMaxResponseBytes = 32 << 20

// ErrResponseTooLarge is returned when the backend body exceeds the limit.
var ErrResponseTooLarge = errors.New("backend response too large")

// errBackendStatus marks 5xx answers so the circuit breaker counts them.
var errBackendStatus = errors.New("backend answered with server error")

type backendResponse struct {
	status  int
	headers http.Header
	body    []byte
}

// HTTPProxy forwards the request to a fixed target URL.
type HTTPProxy struct {
	name     string
	target   *url.URL
	cfg      httpProxyConfig
	client   *http.Client
	retry    *governance.RetryPolicy
	timeouts governance.TimeoutConfig
	breaker  *governance.CircuitBreaker
	logger   *slog.Logger
}

// NewHTTPProxy builds the http-proxy endpoint.
func NewHTTPProxy(config map[string]any, client *http.Client, deps Deps) (*HTTPProxy, error) {
	var cfg httpProxyConfig
	if err := connector.Decode(config, &cfg); err != nil {
		return nil, err
	}
	target, err := url.Parse(strings.TrimSpace(cfg.Target))
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("%w: http-proxy endpoint requires an absolute target, got %q", domain.ErrConfigInvalid, cfg.Target)
	}
	switch {
	case cfg.MaxResponseBytes < 0:
		return nil, fmt.Errorf("%w: max_response_bytes must not be negative", domain.ErrConfigInvalid)
	case cfg.MaxResponseBytes == 0:
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retryCfg := governance.DefaultRetryConfig()
	if cfg.Retries != nil {
		retryCfg.MaxRetries = *cfg.Retries
	}
	if cfg.RetryBackoff > 0 {
		retryCfg.InitialBackoff = cfg.RetryBackoff
	}

	timeouts := governance.DefaultTimeoutConfig()
	if cfg.Timeout > 0 {
		timeouts.AttemptTimeout = cfg.Timeout
	}
	if cfg.RequestTimeout > 0 {
		timeouts.RequestTimeout = cfg.RequestTimeout
	}

	p := &HTTPProxy{
		name:     target.Host,
		target:   target,
		cfg:      cfg,
		client:   client,
		retry:    governance.NewRetryPolicy(retryCfg),
		timeouts: timeouts,
		logger:   logger,
	}

	switch cb := cfg.CircuitBreaker; {
	case cb != nil && cb.Enabled != nil && !*cb.Enabled:
	case cb != nil:
		defaults := governance.DefaultCircuitBreakerConfig()
		override := governance.CircuitBreakerConfig{
			MaxFailures:          pick(cb.MaxFailures, defaults.MaxFailures),
			FailureRateThreshold: cb.FailureRate,
			MinSamples:           pick(cb.MinSamples, defaults.MinSamples),
			Window:               pickDuration(cb.Window, defaults.Window),
			OpenTimeout:          pickDuration(cb.OpenTimeout, defaults.OpenTimeout),
			HalfOpenProbes:       pick(cb.HalfOpenProbes, defaults.HalfOpenProbes),
		}
		p.breaker = governance.NewCircuitBreaker(override)
	case deps.Breakers != nil:
		p.breaker = deps.Breakers.Get(target.Host)
	}
	return p, nil
}

// ID implements domain.EndpointConnector.
func (*HTTPProxy) ID() string { return HTTPProxyType }

// SupportedModes implements domain.EndpointConnector.
func (*HTTPProxy) SupportedModes() []domain.ConnectorMode {
	return []domain.ConnectorMode{domain.ModeRequestResponse}
}

// Connect forwards the request. Idempotent requests are retried on transport
// errors and 502/503/504 answers. Backend problems come back as failures:
// 503 when the circuit is open, 504 on timeout and 502 otherwise.
func (p *HTTPProxy) Connect(ctx context.Context, execCtx *domain.ExecutionContext) error {
	start := time.Now()
	parent := ctx
	ctx, cancel := p.timeouts.WithRequestTimeout(ctx)
	defer cancel()

	req := execCtx.Request
	target := p.targetURL(req)

	var last backendResponse
	attempt := func(ctx context.Context) (int, error) {
		last = backendResponse{}
		call := func(ctx context.Context) error {
			resp, err := p.do(ctx, req, target)
			if err != nil {
				return err
			}
			last = resp
			if resp.status >= http.StatusInternalServerError {
				return errBackendStatus
			}
			return nil
		}

		var err error
		if p.breaker != nil {
			err = p.breaker.ExecuteContext(ctx, call)
		} else {
			err = call(ctx)
		}
		if errors.Is(err, errBackendStatus) {
			return last.status, nil
		}
		return last.status, err
	}

	status, retries, err := p.retry.Execute(ctx, req.Method, attempt)

	metrics := telemetry.EndpointMetrics{Endpoint: p.name, Duration: time.Since(start), Retries: retries}
	if execCtx.API != nil {
		metrics.APIID = execCtx.API.ID
	}

	if err != nil {
		var failure *domain.ExecutionFailure
		switch {
		case parent.Err() != nil:
			return parent.Err()
		case errors.Is(err, governance.ErrCircuitOpen):
			metrics.Outcome = telemetry.EndpointCircuitOpen
			failure = domain.NewFailure(http.StatusServiceUnavailable, domain.KeyCircuitOpen, "Service Unavailable")
		case errors.Is(err, ErrResponseTooLarge):
			metrics.Outcome = telemetry.EndpointFailure
			failure = domain.NewFailure(http.StatusBadGateway, domain.KeyResponseTooLarge, "Bad Gateway")
		case errors.Is(err, governance.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
			metrics.Outcome = telemetry.EndpointTimeout
			failure = domain.NewFailure(http.StatusGatewayTimeout, domain.KeyBackendTimeout, "Gateway Timeout")
		default:
			metrics.Outcome = telemetry.EndpointFailure
			failure = domain.NewFailure(http.StatusBadGateway, domain.KeyBackendUnavailable, "Bad Gateway")
		}
		telemetry.RecordEndpointMetrics(parent, metrics)
		p.logger.Warn("backend call failed",
			"request_id", req.ID,
			"endpoint", p.name,
			"retries", retries,
			"error", err,
		)
		return failure.WithParameter("endpoint", p.name)
	}

	metrics.Outcome = telemetry.EndpointSuccess
	if status >= http.StatusInternalServerError {
		metrics.Outcome = telemetry.EndpointFailure
	}
	telemetry.RecordEndpointMetrics(parent, metrics)

	resp := execCtx.Response
	resp.Status = last.status
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	for key, values := range last.headers {
		if connector.IsHopByHop(key) {
			continue
		}
		resp.Headers[key] = append([]string(nil), values...)
	}
	resp.Body = last.body

	p.logger.Debug("backend call completed",
		"request_id", req.ID,
		"endpoint", p.name,
		"status", last.status,
		"retries", retries,
	)
	return nil
}

func (p *HTTPProxy) do(ctx context.Context, req *domain.Request, target string) (backendResponse, error) {
	attemptCtx, cancel := p.timeouts.WithAttemptTimeout(ctx)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(attemptCtx, req.Method, target, body)
	if err != nil {
		return backendResponse{}, fmt.Errorf("build backend request: %w", err)
	}

	for name, values := range req.Headers {
		if connector.IsHopByHop(name) || http.CanonicalHeaderKey(name) == "Content-Length" {
			continue
		}
		out.Header[name] = append([]string(nil), values...)
	}
	for name, value := range p.cfg.Headers {
		out.Header.Set(name, value)
	}
	if p.cfg.PreserveHost && req.Host != "" {
		out.Host = req.Host
	}
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			host = prior + ", " + host
		}
		out.Header.Set("X-Forwarded-For", host)
	}
	if req.Host != "" {
		out.Header.Set("X-Forwarded-Host", req.Host)
	}

	resp, err := p.client.Do(out)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return backendResponse{}, fmt.Errorf("%w: %w", governance.ErrRequestTimeout, err)
		}
		return backendResponse{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxResponseBytes+1))
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return backendResponse{}, fmt.Errorf("%w: %w", governance.ErrRequestTimeout, err)
		}
		return backendResponse{}, fmt.Errorf("read backend response: %w", err)
	}
	if int64(len(data)) > p.cfg.MaxResponseBytes {
		return backendResponse{}, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, p.cfg.MaxResponseBytes)
	}
	return backendResponse{status: resp.StatusCode, headers: resp.Header, body: data}, nil
}

func (p *HTTPProxy) targetURL(req *domain.Request) string {
	u := *p.target
	u.Path = joinPath(p.target.Path, req.PathInfo)
	u.RawPath = ""
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func joinPath(base, extra string) string {
	if extra == "" || extra == "/" {
		if base == "" {
			return "/"
		}
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(extra, "/")
}

func pick(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func pickDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
