package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Common domain errors
var (
	ErrAPINotFound           = errors.New("api not found")
	ErrPlanNotFound          = errors.New("plan not found")
	ErrUnknownConnectorType  = errors.New("unknown connector type")
	ErrUnknownPolicy         = errors.New("unknown policy")
	ErrConfigInvalid         = errors.New("invalid configuration")
	ErrIncompatibleConnector = errors.New("incompatible connector mode")
)

// Failure keys surfaced to clients.
const (
	KeyPlanUnresolvable   = "GATEWAY_PLAN_UNRESOLVABLE"
	KeyNoEntrypoint       = "GATEWAY_NO_ENTRYPOINT_MATCHED"
	KeyNoEndpoint         = "NO_ENDPOINT_FOUND"
	KeyAPINotFound        = "GATEWAY_API_NOT_FOUND"
	KeyPolicyError        = "POLICY_EXECUTION_ERROR"
	KeyConditionError     = "POLICY_CONDITION_EVALUATION_ERROR"
	KeyFlowResolution     = "FLOW_RESOLUTION_ERROR"
	KeyInternal           = "GATEWAY_INTERNAL_ERROR"
	KeyAPIKeyMissing      = "API_KEY_MISSING"
	KeyAPIKeyInvalid      = "API_KEY_INVALID"
	KeyBackendUnavailable = "GATEWAY_BACKEND_UNAVAILABLE"
	KeyBackendTimeout     = "REQUEST_TIMEOUT"
	KeyResponseTooLarge   = "GATEWAY_BACKEND_RESPONSE_TOO_LARGE"
	KeyCircuitOpen        = "GATEWAY_CIRCUIT_OPEN"
	KeyRateLimited        = "RATE_LIMIT_TOO_MANY_REQUESTS"
	KeyPolicyDenied       = "POLICY_DENIED"
)

// ExecutionFailure is the structured outcome of a failed policy or resolution step.
// It is turned into a protocol response by the entrypoint connector.
type ExecutionFailure struct {
	StatusCode  int
	Key         string
	Message     string
	Parameters  map[string]any
	ContentType string
}

// NewFailure constructs a failure with the given status, key and message.
func NewFailure(statusCode int, key, message string) *ExecutionFailure {
	return &ExecutionFailure{StatusCode: statusCode, Key: key, Message: message}
}

// Unauthorized is the terminal failure produced when no plan can be resolved.
func Unauthorized() *ExecutionFailure {
	return NewFailure(http.StatusUnauthorized, KeyPlanUnresolvable, "Unauthorized")
}

// InternalFailure wraps a technical error into a generic 500 failure.
func InternalFailure(key string, err error) *ExecutionFailure {
	failure := NewFailure(http.StatusInternalServerError, key, "Internal Server Error")
	if err != nil {
		failure.Parameters = map[string]any{"cause": err.Error()}
	}
	return failure
}

// WithParameter returns the failure with an extra parameter set.
func (f *ExecutionFailure) WithParameter(key string, value any) *ExecutionFailure {
	if f.Parameters == nil {
		f.Parameters = make(map[string]any)
	}
	f.Parameters[key] = value
	return f
}

func (f *ExecutionFailure) Error() string {
	if f.Key != "" {
		return fmt.Sprintf("%d %s: %s", f.StatusCode, f.Key, f.Message)
	}
	return fmt.Sprintf("%d: %s", f.StatusCode, f.Message)
}

// AsFailure extracts an ExecutionFailure from an error chain.
func AsFailure(err error) (*ExecutionFailure, bool) {
	var failure *ExecutionFailure
	if errors.As(err, &failure) {
		return failure, true
	}
	return nil, false
}

// ErrorResponse defines the JSON error model returned to clients when a request is interrupted.
// It never carries internal parameters such as causes.
type ErrorResponse struct {
	Message        string `json:"message"`
	HTTPStatusCode int    `json:"http_status_code"`
	Key            string `json:"key,omitempty"`
}

// ValidStatus reports whether code can be written as an HTTP status.
func ValidStatus(code int) bool {
	return code >= 100 && code <= 599
}

// HTTPStatus returns the status written to the client. A code that is not a
// valid HTTP status degrades to 500.
func (f *ExecutionFailure) HTTPStatus() int {
	if !ValidStatus(f.StatusCode) {
		return http.StatusInternalServerError
	}
	return f.StatusCode
}

// ToErrorResponse renders the client-facing part of a failure.
func (f *ExecutionFailure) ToErrorResponse() ErrorResponse {
	status := f.HTTPStatus()
	message := f.Message
	if message == "" || status != f.StatusCode {
		message = http.StatusText(status)
	}
	return ErrorResponse{Message: message, HTTPStatusCode: status, Key: f.Key}
}
