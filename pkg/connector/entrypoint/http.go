// Package entrypoint provides the client-facing connectors: plain HTTP
// proxying, server-sent events and websockets.
package entrypoint

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/polisai/polis-gateway/pkg/connector"
	"github.com/polisai/polis-gateway/pkg/domain"
)

// Type ids of the entrypoint connectors.
const (
	HTTPProxyType = "http-proxy"
	SSEType       = "sse"
	WebSocketType = "websocket"
)

// Register adds the entrypoint connectors to the registry.
func Register(registry *connector.Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	factories := map[string]connector.EntrypointFactory{
		HTTPProxyType: func(cfg map[string]any) (domain.EntrypointConnector, error) {
			return NewHTTPProxy(cfg, logger)
		},
		SSEType: func(cfg map[string]any) (domain.EntrypointConnector, error) {
			return NewSSE(cfg, logger)
		},
		WebSocketType: func(cfg map[string]any) (domain.EntrypointConnector, error) {
			return NewWebSocket(cfg, logger)
		},
	}
	for _, id := range []string{HTTPProxyType, SSEType, WebSocketType} {
		if err := registry.RegisterEntrypoint(id, factories[id]); err != nil {
			return err
		}
	}
	return nil
}

type httpProxyConfig struct {
	// MaxBodyBytes caps the buffered response body written back. Zero means no cap.
	MaxBodyBytes int `mapstructure:"max_body_bytes"`
}

// HTTPProxy accepts every request and writes a single response.
type HTTPProxy struct {
	cfg    httpProxyConfig
	logger *slog.Logger
}

// NewHTTPProxy builds the http-proxy entrypoint.
func NewHTTPProxy(config map[string]any, logger *slog.Logger) (*HTTPProxy, error) {
	var cfg httpProxyConfig
	if err := connector.Decode(config, &cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProxy{cfg: cfg, logger: logger}, nil
}

// ID implements domain.EntrypointConnector.
func (*HTTPProxy) ID() string { return HTTPProxyType }

// Mode implements domain.EntrypointConnector.
func (*HTTPProxy) Mode() domain.ConnectorMode { return domain.ModeRequestResponse }

// MatchCriteriaCount is zero: the connector has no predicate.
func (*HTTPProxy) MatchCriteriaCount() int { return 0 }

// Matches accepts every request.
func (*HTTPProxy) Matches(*domain.ExecutionContext) bool { return true }

// HandleRequest has nothing to negotiate.
func (*HTTPProxy) HandleRequest(context.Context, *domain.ExecutionContext) error { return nil }

// HandleResponse writes the recorded failure or the response.
func (h *HTTPProxy) HandleResponse(_ context.Context, execCtx *domain.ExecutionContext) error {
	w := execCtx.Transport.Writer
	if failure := execCtx.Failure(); failure != nil {
		return WriteFailure(w, execCtx.Response.Headers, failure)
	}

	resp := execCtx.Response
	copyHeaders(w.Header(), resp.Headers)
	body := resp.Body
	if h.cfg.MaxBodyBytes > 0 && len(body) > h.cfg.MaxBodyBytes {
		h.logger.Warn("response body truncated",
			"request_id", execCtx.Request.ID,
			"size", len(body),
			"max", h.cfg.MaxBodyBytes,
		)
		body = body[:h.cfg.MaxBodyBytes]
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))

	status := resp.Status
	switch {
	case status == 0:
		status = http.StatusOK
	case !domain.ValidStatus(status):
		h.logger.Error("invalid response status",
			"request_id", execCtx.Request.ID,
			"status", status,
		)
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// WriteFailure renders a failure as the JSON error body. Headers set by
// policies (rate limit headers for instance) are kept.
func WriteFailure(w http.ResponseWriter, headers http.Header, failure *domain.ExecutionFailure) error {
	copyHeaders(w.Header(), headers)

	contentType := failure.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	payload, err := json.Marshal(failure.ToErrorResponse())
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.Header().Del("Content-Encoding")
	w.WriteHeader(failure.HTTPStatus())
	_, err = w.Write(payload)
	return err
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if connector.IsHopByHop(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

