// Package builtin provides the policies shipped with the gateway.
package builtin

import (
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"

	"github.com/polisai/polis-gateway/pkg/policy"
)

// Policy ids of the built-in catalog.
const (
	MockID             = "mock"
	APIKeyID           = "api-key"
	TransformHeadersID = "transform-headers"
	RateLimitID        = "rate-limit"
	OPAID              = "opa"
	WAFID              = "waf"
	DLPID              = "dlp"
)

// Register adds every built-in policy to the registry.
func Register(registry *policy.Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	entries := []struct {
		id      string
		factory policy.Factory
		aliases []string
	}{
		{MockID, NewMock, []string{"mock-response"}},
		{APIKeyID, NewAPIKey, []string{"auth-apikey", "apikey"}},
		{TransformHeadersID, func(cfg map[string]any) (policy.Handler, error) {
			return NewTransformHeaders(cfg, logger)
		}, []string{"transform.headers"}},
		{RateLimitID, NewRateLimit, []string{"ratelimit"}},
		{OPAID, func(cfg map[string]any) (policy.Handler, error) {
			return NewOPA(cfg, logger)
		}, []string{"rego"}},
		{WAFID, func(cfg map[string]any) (policy.Handler, error) {
			return NewWAF(cfg, logger)
		}, []string{"firewall"}},
		{DLPID, func(cfg map[string]any) (policy.Handler, error) {
			return NewDLP(cfg, logger)
		}, []string{"data-masking"}},
	}

	for _, e := range entries {
		if err := registry.Register(e.id, e.factory, e.aliases...); err != nil {
			return err
		}
	}
	return nil
}

// rejectionStatus checks the status a policy answers with when it blocks.
func rejectionStatus(status int) error {
	if status < 400 || status > 599 {
		return fmt.Errorf("status %d is not a 4xx or 5xx code", status)
	}
	return nil
}

// decode maps a step configuration onto a typed config struct.
func decode(input map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("decode configuration: %w", err)
	}
	return nil
}
