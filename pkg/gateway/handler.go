package gateway

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-gateway/pkg/connector/entrypoint"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// HeaderRequestID carries the request id to and from clients.
const HeaderRequestID = "X-Request-Id"

// KeyRequestTooLarge is the failure key of bodies above the configured limit.
const KeyRequestTooLarge = "REQUEST_ENTITY_TOO_LARGE"

// Handler dispatches inbound requests to the reactor of the matching API.
type Handler struct {
	manager      *Manager
	metrics      *telemetry.GatewayMetrics
	logger       *slog.Logger
	maxBodyBytes int64
}

// HandlerConfig holds configuration for creating a Handler.
type HandlerConfig struct {
	Manager      *Manager
	Metrics      *telemetry.GatewayMetrics
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// NewHandler constructs the data-plane handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Manager == nil {
		panic("gateway: manager is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager:      cfg.Manager,
		metrics:      cfg.Metrics,
		logger:       logger,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
}

// Instrumented wraps the handler with OpenTelemetry HTTP server instrumentation.
func (h *Handler) Instrumented() http.Handler {
	return otelhttp.NewHandler(h, "gateway.data",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	w = rec

	requestID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
	if requestID == "" {
		requestID = uuid.NewString()
	}

	reactor, contextPath, ok := h.manager.Match(r.Host, r.URL.Path)
	if !ok {
		h.logger.Debug("no api for request", "request_id", requestID, "host", r.Host, "path", r.URL.Path)
		h.reject(w, requestID, domain.NewFailure(http.StatusNotFound, domain.KeyAPINotFound, "No context-path matches the request URI."))
		h.metrics.ObserveRequest("", r.Method, rec.Status(), time.Since(start))
		return
	}
	apiID := reactor.API().ID

	body, err := h.readBody(w, r)
	if err != nil {
		failure := domain.NewFailure(http.StatusBadRequest, domain.KeyInternal, "Unable to read request body")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			failure = domain.NewFailure(http.StatusRequestEntityTooLarge, KeyRequestTooLarge, "Request Entity Too Large").
				WithParameter("limit", tooLarge.Limit)
		}
		h.reject(w, requestID, failure)
		h.metrics.ObserveRequest(apiID, r.Method, rec.Status(), time.Since(start))
		return
	}

	execCtx := domain.NewExecutionContext(&domain.Request{
		ID:          requestID,
		Method:      r.Method,
		Scheme:      scheme(r),
		Host:        r.Host,
		Path:        r.URL.Path,
		ContextPath: contextPath,
		PathInfo:    pathInfo(contextPath, r.URL.Path),
		Headers:     r.Header.Clone(),
		Query:       r.URL.Query(),
		Body:        body,
		RemoteAddr:  r.RemoteAddr,
		Timestamp:   start,
	})
	execCtx.Transport = domain.Transport{Writer: w, Request: r}
	execCtx.SetAttribute(domain.AttrContextPath, contextPath)
	execCtx.Response.Headers.Set(HeaderRequestID, requestID)

	if err := reactor.Handle(r.Context(), execCtx); err != nil {
		h.logger.Debug("request ended early",
			"request_id", requestID,
			"api_id", apiID,
			"stage", string(CurrentStage(execCtx)),
			"error", err,
		)
	}

	status := rec.Status()
	if status == 0 && execCtx.Failure() != nil {
		status = execCtx.Failure().StatusCode
	}
	h.metrics.ObserveRequest(apiID, r.Method, status, time.Since(start))
	h.logger.Debug("request completed",
		"request_id", requestID,
		"api_id", apiID,
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	reader := io.Reader(r.Body)
	if h.maxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	return io.ReadAll(reader)
}

func (h *Handler) reject(w http.ResponseWriter, requestID string, failure *domain.ExecutionFailure) {
	headers := http.Header{}
	headers.Set(HeaderRequestID, requestID)
	if err := entrypoint.WriteFailure(w, headers, failure); err != nil {
		h.logger.Debug("failed to write failure", "request_id", requestID, "error", err)
	}
}

func pathInfo(contextPath, path string) string {
	if contextPath == "/" {
		return domain.NormalizePath(path)
	}
	return domain.NormalizePath(strings.TrimPrefix(domain.NormalizePath(path), contextPath))
}

func scheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// statusRecorder remembers the status written to the client.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Status returns the written status, zero if nothing was written.
func (r *statusRecorder) Status() int {
	return r.status
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return hijacker.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
