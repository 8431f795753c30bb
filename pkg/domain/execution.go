package domain

import (
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// Phase selects which half of a flow is executed.
type Phase string

const (
	// PhaseRequest runs the pre steps of every flow before the endpoint is invoked.
	PhaseRequest Phase = "request"
	// PhaseResponse runs the post steps of every flow after the endpoint answered.
	PhaseResponse Phase = "response"
)

// IsRequest reports whether the phase belongs to the request side of the pipeline.
func (p Phase) IsRequest() bool {
	return p == PhaseRequest
}

// Well-known attribute keys shared between pipeline stages.
const (
	AttrAPI             = "gateway.attribute.api"
	AttrAPIName         = "gateway.attribute.api.name"
	AttrPlan            = "gateway.attribute.plan"
	AttrApplication     = "gateway.attribute.application"
	AttrSubscription    = "gateway.attribute.subscription"
	AttrUser            = "gateway.attribute.user"
	AttrContextPath     = "gateway.attribute.context-path"
	AttrEndpointTarget  = "gateway.attribute.request.endpoint"
	AttrRequestID       = "gateway.attribute.request.id"
	AttrSecurityType    = "gateway.attribute.security.type"
	AttrAPIKey          = "gateway.attribute.api-key"
	AttrResolvedFlowIDs = "gateway.attribute.flows"
)

// Request is the transport-neutral view of the inbound call.
type Request struct {
	ID          string
	Method      string
	Scheme      string
	Host        string
	Path        string
	ContextPath string
	PathInfo    string
	Headers     http.Header
	Query       url.Values
	Body        []byte
	RemoteAddr  string
	Timestamp   time.Time
}

// Message is a single unit of an asynchronous response stream.
type Message struct {
	ID       string
	Headers  map[string]string
	Content  []byte
	Metadata map[string]any
	Err      error
}

// Response is populated by the endpoint connector and shaped by response-phase policies.
type Response struct {
	Status   int
	Headers  http.Header
	Body     []byte
	Messages <-chan Message
}

// Transport exposes the raw transport handles to entrypoint connectors.
type Transport struct {
	Writer  http.ResponseWriter
	Request *http.Request
}

// ExecutionContext holds the mutable per-request state shared by every stage of one
// request pipeline. It is never shared across requests.
type ExecutionContext struct {
	Request    *Request
	Response   *Response
	API        *API
	Transport  Transport
	Attributes map[string]any

	internal    map[string]any
	phase       Phase
	interrupted atomic.Bool
	requestStop atomic.Bool
	respStop    atomic.Bool
	failure     *ExecutionFailure
	entrypoint  EntrypointConnector
	endpoint    EndpointConnector
}

// NewExecutionContext creates the context for an accepted request.
func NewExecutionContext(req *Request) *ExecutionContext {
	if req == nil {
		req = &Request{}
	}
	if req.Headers == nil {
		req.Headers = http.Header{}
	}
	if req.Query == nil {
		req.Query = url.Values{}
	}
	ctx := &ExecutionContext{
		Request:    req,
		Response:   &Response{Headers: http.Header{}},
		Attributes: make(map[string]any),
		internal:   make(map[string]any),
		phase:      PhaseRequest,
	}
	if req.ID != "" {
		ctx.Attributes[AttrRequestID] = req.ID
	}
	return ctx
}

// EnterPhase records the phase currently being executed. Interruptions are
// attributed to the current phase.
func (c *ExecutionContext) EnterPhase(phase Phase) {
	c.phase = phase
}

// Phase returns the phase currently being executed.
func (c *ExecutionContext) Phase() Phase {
	return c.phase
}

// Interrupt marks the context as interrupted in the current phase. The flags are never cleared.
func (c *ExecutionContext) Interrupt() {
	c.interrupted.Store(true)
	if c.phase.IsRequest() {
		c.requestStop.Store(true)
	} else {
		c.respStop.Store(true)
	}
}

// InterruptWith interrupts the context and records the failure that caused it.
// Only the first failure is kept.
func (c *ExecutionContext) InterruptWith(failure *ExecutionFailure) {
	if failure != nil && c.failure == nil {
		c.failure = failure
	}
	c.Interrupt()
}

// IsInterrupted reports whether any stage interrupted the pipeline.
func (c *ExecutionContext) IsInterrupted() bool {
	return c.interrupted.Load()
}

// IsInterruptedIn reports whether the given phase was interrupted. A request-phase
// interruption does not stop response-phase steps of scopes that already ran.
func (c *ExecutionContext) IsInterruptedIn(phase Phase) bool {
	if phase.IsRequest() {
		return c.requestStop.Load()
	}
	return c.respStop.Load()
}

// Failure returns the recorded failure, if any.
func (c *ExecutionContext) Failure() *ExecutionFailure {
	return c.failure
}

// SetAttribute stores a value in the attribute bag.
func (c *ExecutionContext) SetAttribute(key string, value any) {
	c.Attributes[key] = value
}

// Attribute returns a value from the attribute bag.
func (c *ExecutionContext) Attribute(key string) (any, bool) {
	value, ok := c.Attributes[key]
	return value, ok
}

// RemoveAttribute deletes a value from the attribute bag.
func (c *ExecutionContext) RemoveAttribute(key string) {
	delete(c.Attributes, key)
}

// StringAttribute returns a string attribute or "" when absent or not a string.
func (c *ExecutionContext) StringAttribute(key string) string {
	value, _ := c.Attributes[key].(string)
	return value
}

// InternalAttribute returns gateway-private state not exposed to conditions.
func (c *ExecutionContext) InternalAttribute(key string) (any, bool) {
	value, ok := c.internal[key]
	return value, ok
}

// SetInternalAttribute stores gateway-private state.
func (c *ExecutionContext) SetInternalAttribute(key string, value any) {
	c.internal[key] = value
}

// PlanID returns the plan selected for the caller, if resolved.
func (c *ExecutionContext) PlanID() string {
	return c.StringAttribute(AttrPlan)
}

// ApplicationID returns the application selected for the caller, if resolved.
func (c *ExecutionContext) ApplicationID() string {
	return c.StringAttribute(AttrApplication)
}

// SubscriptionID returns the subscription selected for the caller, if resolved.
func (c *ExecutionContext) SubscriptionID() string {
	return c.StringAttribute(AttrSubscription)
}

// Entrypoint returns the resolved entrypoint connector.
func (c *ExecutionContext) Entrypoint() EntrypointConnector {
	return c.entrypoint
}

// SetEntrypoint records the resolved entrypoint connector.
func (c *ExecutionContext) SetEntrypoint(connector EntrypointConnector) {
	c.entrypoint = connector
}

// Endpoint returns the resolved endpoint connector.
func (c *ExecutionContext) Endpoint() EndpointConnector {
	return c.endpoint
}

// SetEndpoint records the resolved endpoint connector.
func (c *ExecutionContext) SetEndpoint(connector EndpointConnector) {
	c.endpoint = connector
}
