package builtin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/policy"
)

type mockConfig struct {
	Status      int               `mapstructure:"status"`
	Headers     map[string]string `mapstructure:"headers"`
	Body        string            `mapstructure:"body"`
	ContentType string            `mapstructure:"content_type"`
}

// Mock answers the request itself. On requests it writes the configured
// response and interrupts so the backend is never called; on responses it
// overrides what the backend returned.
type Mock struct {
	cfg mockConfig
}

// NewMock builds a Mock policy.
func NewMock(config map[string]any) (policy.Handler, error) {
	cfg := mockConfig{Status: http.StatusOK}
	if err := decode(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Status == 0 {
		cfg.Status = http.StatusOK
	}
	if !domain.ValidStatus(cfg.Status) {
		return nil, fmt.Errorf("invalid mock status %d", cfg.Status)
	}
	return &Mock{cfg: cfg}, nil
}

// OnRequest writes the mock response and interrupts the request phase.
func (m *Mock) OnRequest(_ context.Context, execCtx *domain.ExecutionContext) error {
	m.apply(execCtx)
	execCtx.Interrupt()
	return nil
}

// OnResponse replaces the backend response.
func (m *Mock) OnResponse(_ context.Context, execCtx *domain.ExecutionContext) error {
	m.apply(execCtx)
	return nil
}

func (m *Mock) apply(execCtx *domain.ExecutionContext) {
	resp := execCtx.Response
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	resp.Status = m.cfg.Status
	for k, v := range m.cfg.Headers {
		resp.Headers.Set(k, v)
	}
	if m.cfg.ContentType != "" {
		resp.Headers.Set("Content-Type", m.cfg.ContentType)
	}
	resp.Body = []byte(m.cfg.Body)
}
