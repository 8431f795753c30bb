package endpoint

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-gateway/pkg/connector"
	"github.com/polisai/polis-gateway/pkg/domain"
)

type mockConfig struct {
	Status      int               `mapstructure:"status"`
	Headers     map[string]string `mapstructure:"headers"`
	Body        string            `mapstructure:"body"`
	ContentType string            `mapstructure:"content_type"`
	Messages    int               `mapstructure:"messages"`
	Interval    time.Duration     `mapstructure:"interval"`
	Message     string            `mapstructure:"message"`
}

// Mock answers without a backend. Synchronous calls get a static response and
// subscriptions get a finite stream of generated messages.
type Mock struct {
	cfg mockConfig
}

// NewMock builds the mock endpoint.
func NewMock(config map[string]any) (*Mock, error) {
	var cfg mockConfig
	if err := connector.Decode(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Status == 0 {
		cfg.Status = http.StatusOK
	}
	if !domain.ValidStatus(cfg.Status) {
		return nil, fmt.Errorf("%w: mock status %d", domain.ErrConfigInvalid, cfg.Status)
	}
	if cfg.Messages <= 0 {
		cfg.Messages = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Message == "" {
		cfg.Message = "mock message {index}"
	}
	return &Mock{cfg: cfg}, nil
}

// ID implements domain.EndpointConnector.
func (*Mock) ID() string { return MockType }

// SupportedModes implements domain.EndpointConnector.
func (*Mock) SupportedModes() []domain.ConnectorMode {
	return []domain.ConnectorMode{domain.ModeRequestResponse, domain.ModeSubscribe}
}

// Connect implements domain.EndpointConnector.
func (m *Mock) Connect(ctx context.Context, execCtx *domain.ExecutionContext) error {
	resp := execCtx.Response
	resp.Status = m.cfg.Status
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	for name, value := range m.cfg.Headers {
		resp.Headers.Set(name, value)
	}

	if ep := execCtx.Entrypoint(); ep != nil && ep.Mode() == domain.ModeSubscribe {
		resp.Messages = m.stream(ctx)
		return nil
	}

	if m.cfg.ContentType != "" {
		resp.Headers.Set("Content-Type", m.cfg.ContentType)
	}
	resp.Body = []byte(m.cfg.Body)
	return nil
}

func (m *Mock) stream(ctx context.Context) <-chan domain.Message {
	out := make(chan domain.Message)
	go func() {
		defer close(out)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for i := 0; i < m.cfg.Messages; i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
			msg := domain.Message{
				ID:      uuid.NewString(),
				Content: []byte(strings.ReplaceAll(m.cfg.Message, "{index}", strconv.Itoa(i))),
				Metadata: map[string]any{
					"index": i,
				},
			}
			select {
			case <-ctx.Done():
				return
			case out <- msg:
			}
		}
	}()
	return out
}
