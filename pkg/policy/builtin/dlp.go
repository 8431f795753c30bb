package builtin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/policy"
	"github.com/polisai/polis-gateway/pkg/policy/dlp"
)

type dlpConfig struct {
	Rules  []string   `mapstructure:"rules"`
	Custom []dlp.Rule `mapstructure:"custom"`
	Scope  string     `mapstructure:"scope"`
	Status int        `mapstructure:"status"`
}

// payloadScanner is the part of dlp.Redactor used by the policy.
type payloadScanner interface {
	Scan(ctx context.Context, text string) (dlp.Result, error)
	Redact(ctx context.Context, text string) (string, error)
}

// DLP redacts sensitive data from request bodies, response bodies and
// streamed messages. A block rule rejects the payload; a blocked streamed
// message is dropped.
type DLP struct {
	redactor payloadScanner
	request  bool
	response bool
	status   int
	logger   *slog.Logger
}

// NewDLP builds a DLP policy. The scope defaults to response.
func NewDLP(config map[string]any, logger *slog.Logger) (policy.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := dlpConfig{Status: http.StatusForbidden}
	if err := decode(config, &cfg); err != nil {
		return nil, err
	}
	if err := rejectionStatus(cfg.Status); err != nil {
		return nil, err
	}

	var rules []dlp.Rule
	for _, name := range cfg.Rules {
		rule, ok := dlp.Builtin(name)
		if !ok {
			return nil, fmt.Errorf("unknown dlp rule %q", name)
		}
		rules = append(rules, rule)
	}
	rules = append(rules, cfg.Custom...)
	if len(rules) == 0 {
		rules = dlp.Builtins()
	}
	redactor, err := dlp.NewRedactor(rules)
	if err != nil {
		return nil, err
	}

	p := &DLP{redactor: redactor, status: cfg.Status, logger: logger}
	switch strings.ToLower(strings.TrimSpace(cfg.Scope)) {
	case "", "response":
		p.response = true
	case "request":
		p.request = true
	case "both":
		p.request, p.response = true, true
	default:
		return nil, fmt.Errorf("unsupported scope %q", cfg.Scope)
	}
	return p, nil
}

// OnRequest redacts the request body.
func (p *DLP) OnRequest(ctx context.Context, execCtx *domain.ExecutionContext) error {
	if !p.request || len(execCtx.Request.Body) == 0 {
		return nil
	}
	body, err := p.redact(ctx, execCtx, execCtx.Request.Body)
	if err != nil {
		return err
	}
	execCtx.Request.Body = body
	return nil
}

// OnResponse redacts the response body and wraps the message stream.
func (p *DLP) OnResponse(ctx context.Context, execCtx *domain.ExecutionContext) error {
	if !p.response {
		return nil
	}
	resp := execCtx.Response
	if resp.Messages != nil {
		resp.Messages = p.redactStream(ctx, execCtx.Request.ID, resp.Messages)
		return nil
	}
	if len(resp.Body) == 0 {
		return nil
	}
	body, err := p.redact(ctx, execCtx, resp.Body)
	if err != nil {
		return err
	}
	resp.Body = body
	return nil
}

func (p *DLP) redact(ctx context.Context, execCtx *domain.ExecutionContext, payload []byte) ([]byte, error) {
	result, err := p.redactor.Scan(ctx, string(payload))
	if err != nil {
		return nil, err
	}
	if result.Blocked {
		p.logger.Warn("payload blocked by dlp",
			"request_id", execCtx.Request.ID,
			"phase", string(execCtx.Phase()),
			"findings", len(result.Findings),
		)
		return nil, domain.NewFailure(p.status, domain.KeyPolicyDenied, "Payload contains restricted data")
	}
	if result.Redacted {
		p.logger.Debug("payload redacted",
			"request_id", execCtx.Request.ID,
			"phase", string(execCtx.Phase()),
			"findings", len(result.Findings),
		)
	}
	return []byte(result.Text), nil
}

func (p *DLP) redactStream(ctx context.Context, requestID string, in <-chan domain.Message) <-chan domain.Message {
	out := make(chan domain.Message)
	go func() {
		defer close(out)
		for {
			var msg domain.Message
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				msg = m
			}

			if msg.Err == nil && len(msg.Content) > 0 {
				text, err := p.redactor.Redact(ctx, string(msg.Content))
				switch {
				case errors.Is(err, dlp.ErrBlocked):
					p.logger.Warn("message dropped by dlp", "request_id", requestID, "message_id", msg.ID)
					continue
				case err != nil:
					p.logger.Error("dlp stream redaction failed", "request_id", requestID, "message_id", msg.ID, "error", err)
					select {
					case out <- domain.Message{ID: msg.ID, Err: fmt.Errorf("dlp redaction: %w", err)}:
					case <-ctx.Done():
					}
					return
				}
				msg.Content = []byte(text)
			}

			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
