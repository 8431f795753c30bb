package builtin

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/policy"
)

// Default locations of the api key.
const (
	DefaultAPIKeyHeader     = "X-Api-Key"
	DefaultAPIKeyQueryParam = "api-key"
)

type apiKeyConfig struct {
	Header     string   `mapstructure:"header"`
	QueryParam string   `mapstructure:"query_param"`
	Keys       []string `mapstructure:"keys"`
	Propagate  bool     `mapstructure:"propagate"`
}

// APIKey validates a static list of keys presented in a header or query parameter.
type APIKey struct {
	policy.RequestOnly
	cfg apiKeyConfig
}

// NewAPIKey builds an APIKey policy.
func NewAPIKey(config map[string]any) (policy.Handler, error) {
	cfg := apiKeyConfig{Header: DefaultAPIKeyHeader, QueryParam: DefaultAPIKeyQueryParam}
	if err := decode(config, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Keys) == 0 {
		return nil, errors.New("api-key policy requires at least one key")
	}
	return &APIKey{cfg: cfg}, nil
}

// OnRequest rejects requests without a known key.
func (p *APIKey) OnRequest(_ context.Context, execCtx *domain.ExecutionContext) error {
	key := ExtractAPIKey(execCtx.Request, p.cfg.Header, p.cfg.QueryParam)
	if key == "" {
		return domain.NewFailure(http.StatusUnauthorized, domain.KeyAPIKeyMissing, "Unauthorized")
	}

	valid := false
	for _, candidate := range p.cfg.Keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			valid = true
		}
	}
	if !valid {
		return domain.NewFailure(http.StatusUnauthorized, domain.KeyAPIKeyInvalid, "Unauthorized")
	}

	if !p.cfg.Propagate {
		execCtx.Request.Headers.Del(p.cfg.Header)
		execCtx.Request.Query.Del(p.cfg.QueryParam)
	}
	return nil
}

// ExtractAPIKey reads an api key from the header, falling back to the query parameter.
func ExtractAPIKey(req *domain.Request, header, queryParam string) string {
	if req == nil {
		return ""
	}
	if header != "" {
		if v := strings.TrimSpace(req.Headers.Get(header)); v != "" {
			return v
		}
	}
	if queryParam != "" && req.Query != nil {
		return strings.TrimSpace(req.Query.Get(queryParam))
	}
	return ""
}
