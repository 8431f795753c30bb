package entrypoint

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polisai/polis-gateway/pkg/connector"
	"github.com/polisai/polis-gateway/pkg/domain"
)

type webSocketConfig struct {
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	Binary         bool          `mapstructure:"binary"`
}

// WebSocket pushes endpoint messages to websocket clients. The upgrade
// happens only once the request flows admitted the caller, so rejections are
// plain HTTP errors.
type WebSocket struct {
	cfg      webSocketConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocket builds the websocket entrypoint.
func NewWebSocket(config map[string]any, logger *slog.Logger) (*WebSocket, error) {
	cfg := webSocketConfig{WriteTimeout: 10 * time.Second}
	if err := connector.Decode(config, &cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ws := &WebSocket{cfg: cfg, logger: logger}
	ws.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     ws.checkOrigin,
	}
	return ws, nil
}

// ID implements domain.EntrypointConnector.
func (*WebSocket) ID() string { return WebSocketType }

// Mode implements domain.EntrypointConnector.
func (*WebSocket) Mode() domain.ConnectorMode { return domain.ModeSubscribe }

// MatchCriteriaCount counts the method and Upgrade checks.
func (*WebSocket) MatchCriteriaCount() int { return 2 }

// Matches accepts GET websocket upgrade requests.
func (*WebSocket) Matches(execCtx *domain.ExecutionContext) bool {
	req := execCtx.Request
	return req.Method == http.MethodGet && strings.EqualFold(req.Headers.Get("Upgrade"), "websocket")
}

// HandleRequest has nothing to negotiate before the flows run.
func (*WebSocket) HandleRequest(context.Context, *domain.ExecutionContext) error { return nil }

// HandleResponse upgrades the connection and relays messages until the
// stream ends or the client disconnects.
func (ws *WebSocket) HandleResponse(ctx context.Context, execCtx *domain.ExecutionContext) error {
	w := execCtx.Transport.Writer
	if failure := execCtx.Failure(); failure != nil {
		return WriteFailure(w, execCtx.Response.Headers, failure)
	}
	if execCtx.Transport.Request == nil {
		return errors.New("websocket entrypoint requires the transport request")
	}

	responseHeader := http.Header{}
	copyHeaders(responseHeader, execCtx.Response.Headers)
	for _, h := range []string{"Content-Type", "Content-Encoding", "Sec-Websocket-Extensions"} {
		responseHeader.Del(h)
	}

	conn, err := ws.upgrader.Upgrade(w, execCtx.Transport.Request, responseHeader)
	if err != nil {
		// Upgrade already replied to the client.
		ws.logger.Debug("websocket upgrade failed", "request_id", execCtx.Request.ID, "error", err)
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Drain client frames so close and ping frames are processed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	messageType := websocket.TextMessage
	if ws.cfg.Binary {
		messageType = websocket.BinaryMessage
	}

	write := func(payload []byte) error {
		if ws.cfg.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(ws.cfg.WriteTimeout))
		}
		return conn.WriteMessage(messageType, payload)
	}

	closeWith := func(code int, text string) {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	}

	messages := execCtx.Response.Messages
	if messages == nil {
		if len(execCtx.Response.Body) > 0 {
			if err := write(execCtx.Response.Body); err != nil {
				return nil
			}
		}
		closeWith(websocket.CloseNormalClosure, "")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				closeWith(websocket.CloseNormalClosure, "")
				return nil
			}
			if msg.Err != nil {
				closeWith(websocket.CloseInternalServerErr, "endpoint error")
				return nil
			}
			if err := write(msg.Content); err != nil {
				ws.logger.Debug("websocket write failed", "request_id", execCtx.Request.ID, "error", err)
				return nil
			}
		}
	}
}

func (ws *WebSocket) checkOrigin(r *http.Request) bool {
	if len(ws.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range ws.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
