package entrypoint

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/polis-gateway/pkg/connector"
	"github.com/polisai/polis-gateway/pkg/domain"
)

type sseConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RetryMillis       int           `mapstructure:"retry_ms"`
	Metadata          bool          `mapstructure:"metadata_as_comment"`
}

// SSE streams endpoint messages to clients asking for text/event-stream.
type SSE struct {
	cfg    sseConfig
	logger *slog.Logger
}

// NewSSE builds the sse entrypoint.
func NewSSE(config map[string]any, logger *slog.Logger) (*SSE, error) {
	cfg := sseConfig{HeartbeatInterval: 15 * time.Second}
	if err := connector.Decode(config, &cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSE{cfg: cfg, logger: logger}, nil
}

// ID implements domain.EntrypointConnector.
func (*SSE) ID() string { return SSEType }

// Mode implements domain.EntrypointConnector.
func (*SSE) Mode() domain.ConnectorMode { return domain.ModeSubscribe }

// MatchCriteriaCount counts the method and Accept checks.
func (*SSE) MatchCriteriaCount() int { return 2 }

// Matches accepts GET requests that accept text/event-stream.
func (*SSE) Matches(execCtx *domain.ExecutionContext) bool {
	req := execCtx.Request
	if req.Method != http.MethodGet {
		return false
	}
	for _, accept := range req.Headers.Values("Accept") {
		if strings.Contains(strings.ToLower(accept), "text/event-stream") {
			return true
		}
	}
	return false
}

// HandleRequest has nothing to negotiate before the flows run.
func (*SSE) HandleRequest(context.Context, *domain.ExecutionContext) error { return nil }

// HandleResponse writes the event stream until the endpoint closes it or the
// client goes away.
func (s *SSE) HandleResponse(ctx context.Context, execCtx *domain.ExecutionContext) error {
	w := execCtx.Transport.Writer
	if failure := execCtx.Failure(); failure != nil {
		return WriteFailure(w, execCtx.Response.Headers, failure)
	}

	copyHeaders(w.Header(), execCtx.Response.Headers)
	w.Header().Del("Content-Length")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	if s.cfg.RetryMillis > 0 {
		if _, err := fmt.Fprintf(w, "retry: %d\n\n", s.cfg.RetryMillis); err != nil {
			return err
		}
	}
	flush()

	messages := execCtx.Response.Messages
	if messages == nil {
		if len(execCtx.Response.Body) > 0 {
			if err := s.writeEvent(w, domain.Message{Content: execCtx.Response.Body}); err != nil {
				return err
			}
			flush()
		}
		return nil
	}

	var heartbeat <-chan time.Time
	if s.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	sent := 0
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse client disconnected",
				"request_id", execCtx.Request.ID,
				"sent", sent,
			)
			return nil
		case <-heartbeat:
			if _, err := fmt.Fprint(w, ":\n\n"); err != nil {
				return err
			}
			flush()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if msg.Err != nil {
				return s.writeError(w, msg.Err, flush)
			}
			if err := s.writeEvent(w, msg); err != nil {
				return err
			}
			sent++
			flush()
		}
	}
}

func (s *SSE) writeEvent(w http.ResponseWriter, msg domain.Message) error {
	var b strings.Builder
	if msg.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", msg.ID)
	}
	b.WriteString("event: message\n")
	for _, line := range strings.Split(string(msg.Content), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	if s.cfg.Metadata {
		for k, v := range msg.Headers {
			fmt.Fprintf(&b, ":%s: %s\n", k, v)
		}
	}
	b.WriteString("\n")
	_, err := w.Write([]byte(b.String()))
	return err
}

func (s *SSE) writeError(w http.ResponseWriter, cause error, flush func()) error {
	if _, err := fmt.Fprintf(w, "event: error\ndata: %s\n\n", strings.ReplaceAll(cause.Error(), "\n", " ")); err != nil {
		return err
	}
	flush()
	return nil
}
