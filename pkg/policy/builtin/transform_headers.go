package builtin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/policy"
)

// HeaderOperation is a single header mutation.
type HeaderOperation struct {
	Action  string            `mapstructure:"action"`
	Header  string            `mapstructure:"header"`
	Headers []string          `mapstructure:"headers"`
	Value   string            `mapstructure:"value"`
	Values  []string          `mapstructure:"values"`
	Set     map[string]string `mapstructure:"set"`
	From    string            `mapstructure:"from"`
	To      string            `mapstructure:"to"`
}

type transformHeadersConfig struct {
	Scope      string            `mapstructure:"scope"`
	Operations []HeaderOperation `mapstructure:"operations"`
}

// TransformHeaders mutates request or response headers. Values may reference
// ${request.method}, ${request.path}, ${request.header.<name>},
// ${response.status} and ${attributes.<key>}.
type TransformHeaders struct {
	scope  domain.Phase
	ops    []HeaderOperation
	logger *slog.Logger
}

// NewTransformHeaders builds a TransformHeaders policy.
func NewTransformHeaders(config map[string]any, logger *slog.Logger) (policy.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var cfg transformHeadersConfig
	if err := decode(config, &cfg); err != nil {
		return nil, err
	}

	var scope domain.Phase
	switch strings.ToLower(strings.TrimSpace(cfg.Scope)) {
	case "", "request":
		scope = domain.PhaseRequest
	case "response":
		scope = domain.PhaseResponse
	default:
		return nil, fmt.Errorf("unsupported scope %q", cfg.Scope)
	}

	ops, err := normalizeOperations(cfg.Operations)
	if err != nil {
		return nil, err
	}
	return &TransformHeaders{scope: scope, ops: ops, logger: logger}, nil
}

// OnRequest applies request-scoped operations.
func (t *TransformHeaders) OnRequest(_ context.Context, execCtx *domain.ExecutionContext) error {
	if t.scope != domain.PhaseRequest {
		return nil
	}
	t.apply(execCtx, execCtx.Request.Headers)
	return nil
}

// OnResponse applies response-scoped operations.
func (t *TransformHeaders) OnResponse(_ context.Context, execCtx *domain.ExecutionContext) error {
	if t.scope != domain.PhaseResponse {
		return nil
	}
	if execCtx.Response.Headers == nil {
		execCtx.Response.Headers = http.Header{}
	}
	t.apply(execCtx, execCtx.Response.Headers)
	return nil
}

func (t *TransformHeaders) apply(execCtx *domain.ExecutionContext, headers http.Header) {
	if len(t.ops) == 0 {
		return
	}
	applyHeaderOperations(t.ops, headers, newTemplateRenderer(execCtx))
	t.logger.Debug("header transform applied",
		"scope", string(t.scope),
		"operations", len(t.ops),
	)
}

func normalizeOperations(raw []HeaderOperation) ([]HeaderOperation, error) {
	ops := make([]HeaderOperation, 0, len(raw))
	for idx, op := range raw {
		op.Action = strings.ToLower(strings.TrimSpace(op.Action))
		switch op.Action {
		case "remove":
			if op.Header != "" {
				op.Headers = append(op.Headers, op.Header)
			}
			if len(op.Headers) == 0 {
				return nil, fmt.Errorf("operation %d remove requires headers", idx)
			}
			ops = append(ops, op)
		case "set", "add":
			if len(op.Set) > 0 {
				keys := make([]string, 0, len(op.Set))
				for k := range op.Set {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					ops = append(ops, HeaderOperation{Action: op.Action, Header: k, Values: []string{op.Set[k]}})
				}
				continue
			}
			if strings.TrimSpace(op.Header) == "" {
				return nil, fmt.Errorf("operation %d %s requires header", idx, op.Action)
			}
			if op.Value != "" {
				op.Values = append([]string{op.Value}, op.Values...)
			}
			if len(op.Values) == 0 {
				return nil, fmt.Errorf("operation %d %s requires value", idx, op.Action)
			}
			ops = append(ops, op)
		case "rename":
			if strings.TrimSpace(op.From) == "" || strings.TrimSpace(op.To) == "" {
				return nil, fmt.Errorf("operation %d rename requires from/to", idx)
			}
			ops = append(ops, op)
		case "":
			return nil, fmt.Errorf("operation %d missing action", idx)
		default:
			return nil, fmt.Errorf("operation %d unsupported action %q", idx, op.Action)
		}
	}
	if len(ops) == 0 && len(raw) > 0 {
		return nil, errors.New("no usable operations")
	}
	return ops, nil
}

func applyHeaderOperations(ops []HeaderOperation, headers http.Header, renderer templateRenderer) {
	if headers == nil {
		return
	}
	for _, op := range ops {
		switch op.Action {
		case "remove":
			for _, name := range op.Headers {
				if canonical := http.CanonicalHeaderKey(strings.TrimSpace(name)); canonical != "" {
					headers.Del(canonical)
				}
			}
		case "set", "add":
			header := http.CanonicalHeaderKey(strings.TrimSpace(op.Header))
			if op.Action == "set" {
				headers.Del(header)
			}
			for _, value := range op.Values {
				if rendered := renderer.render(value); rendered != "" {
					headers.Add(header, rendered)
				}
			}
		case "rename":
			from := http.CanonicalHeaderKey(strings.TrimSpace(op.From))
			to := http.CanonicalHeaderKey(strings.TrimSpace(op.To))
			values := headers.Values(from)
			headers.Del(from)
			for _, value := range values {
				headers.Add(to, value)
			}
		}
	}
}

type templateRenderer struct {
	values map[string]string
}

func newTemplateRenderer(execCtx *domain.ExecutionContext) templateRenderer {
	values := map[string]string{}
	if execCtx == nil {
		return templateRenderer{values: values}
	}

	req := execCtx.Request
	values["request.id"] = req.ID
	values["request.method"] = req.Method
	values["request.path"] = req.Path
	values["request.host"] = req.Host
	values["request.contextPath"] = req.ContextPath
	values["request.pathInfo"] = req.PathInfo
	for name, entries := range req.Headers {
		if len(entries) == 0 {
			continue
		}
		values["request.header."+strings.ToLower(name)] = entries[0]
	}
	if execCtx.Response.Status != 0 {
		values["response.status"] = strconv.Itoa(execCtx.Response.Status)
	}
	for key, val := range execCtx.Attributes {
		if s, ok := val.(string); ok {
			values["attributes."+key] = s
		}
	}
	if execCtx.API != nil {
		values["api.id"] = execCtx.API.ID
		values["api.name"] = execCtx.API.Name
	}
	return templateRenderer{values: values}
}

func (r templateRenderer) render(input string) string {
	if input == "" {
		return ""
	}
	return os.Expand(input, func(key string) string {
		return r.values[key]
	})
}
