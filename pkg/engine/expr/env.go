package expr

import (
	"net/http"
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// Env builds the variables visible to conditions:
//
//	request.{id,method,path,pathInfo,contextPath,host,remoteAddress}
//	request.headers["Name"]  first header value (canonical name)
//	request.params["name"]   first query parameter value
//	response.{status,headers}
//	context.attributes["key"]
//	api.{id,name}
func Env(execCtx *domain.ExecutionContext) map[string]any {
	if execCtx == nil {
		return map[string]any{}
	}

	req := execCtx.Request
	request := map[string]any{
		"id":            req.ID,
		"method":        req.Method,
		"path":          req.Path,
		"pathInfo":      req.PathInfo,
		"contextPath":   req.ContextPath,
		"host":          req.Host,
		"remoteAddress": req.RemoteAddr,
		"headers":       flattenHeaders(req.Headers),
		"params":        flattenValues(req.Query),
	}

	response := map[string]any{
		"status":  0,
		"headers": map[string]string{},
	}
	if execCtx.Response != nil {
		response["status"] = execCtx.Response.Status
		response["headers"] = flattenHeaders(execCtx.Response.Headers)
	}

	api := map[string]any{}
	if execCtx.API != nil {
		api["id"] = execCtx.API.ID
		api["name"] = execCtx.API.Name
		api["version"] = execCtx.API.Version
	}

	attributes := make(map[string]any, len(execCtx.Attributes))
	for key, value := range execCtx.Attributes {
		attributes[key] = value
	}

	return map[string]any{
		"request":  request,
		"response": response,
		"context":  map[string]any{"attributes": attributes},
		"api":      api,
	}
}

func flattenHeaders(headers http.Header) map[string]string {
	flat := make(map[string]string, len(headers)*2)
	for name, values := range headers {
		if len(values) == 0 {
			continue
		}
		flat[http.CanonicalHeaderKey(name)] = values[0]
		flat[strings.ToLower(name)] = values[0]
	}
	return flat
}

func flattenValues(values map[string][]string) map[string]string {
	flat := make(map[string]string, len(values))
	for name, v := range values {
		if len(v) > 0 {
			flat[name] = v[0]
		}
	}
	return flat
}
