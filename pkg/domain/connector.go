package domain

import "context"

// ConnectorMode describes whether a connector exchanges a single response or a message stream.
type ConnectorMode string

const (
	ModeRequestResponse ConnectorMode = "REQUEST_RESPONSE"
	ModeSubscribe       ConnectorMode = "SUBSCRIBE"
)

// EntrypointConnector is the client-facing transport adapter selected per request.
type EntrypointConnector interface {
	ID() string
	Mode() ConnectorMode
	// MatchCriteriaCount reports how specific the Matches predicate is.
	MatchCriteriaCount() int
	Matches(execCtx *ExecutionContext) bool
	// HandleRequest prepares the exchange before flows run (e.g. protocol negotiation).
	HandleRequest(ctx context.Context, execCtx *ExecutionContext) error
	// HandleResponse writes the response or the recorded failure to the client.
	HandleResponse(ctx context.Context, execCtx *ExecutionContext) error
}

// EndpointConnector is the backend-facing transport adapter.
type EndpointConnector interface {
	ID() string
	SupportedModes() []ConnectorMode
	// Connect invokes the backend and populates execCtx.Response.
	Connect(ctx context.Context, execCtx *ExecutionContext) error
}

// SupportsMode reports whether an endpoint connector can serve the given mode.
func SupportsMode(connector EndpointConnector, mode ConnectorMode) bool {
	for _, m := range connector.SupportedModes() {
		if m == mode {
			return true
		}
	}
	return false
}
