package policy

import (
	"context"
	"errors"

	"github.com/polisai/polis-gateway/pkg/domain"
)

var (
	// ErrPolicyPanic is returned when a policy or factory panics.
	ErrPolicyPanic = errors.New("policy panicked")
	// ErrDuplicatePolicy is returned when a policy id is registered twice.
	ErrDuplicatePolicy = errors.New("policy already registered")
)

// Handler is one behavior of the policy catalog. A handler receives the
// execution context in both phases and decides what to do in each.
//
// Returning a *domain.ExecutionFailure interrupts the request with that
// failure. Any other error is treated as a technical failure.
type Handler interface {
	OnRequest(ctx context.Context, execCtx *domain.ExecutionContext) error
	OnResponse(ctx context.Context, execCtx *domain.ExecutionContext) error
}

// Policy is a handler resolved for one phase of one step.
type Policy interface {
	ID() string
	Execute(ctx context.Context, execCtx *domain.ExecutionContext) error
}

// RequestOnly is embedded by handlers that have nothing to do on responses.
type RequestOnly struct{}

// OnResponse is a no-op.
func (RequestOnly) OnResponse(context.Context, *domain.ExecutionContext) error { return nil }

// ResponseOnly is embedded by handlers that have nothing to do on requests.
type ResponseOnly struct{}

// OnRequest is a no-op.
func (ResponseOnly) OnRequest(context.Context, *domain.ExecutionContext) error { return nil }

type boundPolicy struct {
	id      string
	phase   domain.Phase
	handler Handler
}

// Bind resolves a handler for the given phase.
func Bind(id string, phase domain.Phase, handler Handler) Policy {
	return &boundPolicy{id: id, phase: phase, handler: handler}
}

func (p *boundPolicy) ID() string { return p.id }

func (p *boundPolicy) Execute(ctx context.Context, execCtx *domain.ExecutionContext) error {
	if p.phase.IsRequest() {
		return p.handler.OnRequest(ctx, execCtx)
	}
	return p.handler.OnResponse(ctx, execCtx)
}

// Func adapts a plain function to the Policy interface.
type Func struct {
	Name string
	Fn   func(ctx context.Context, execCtx *domain.ExecutionContext) error
}

// ID returns the function name.
func (f Func) ID() string { return f.Name }

// Execute invokes the function.
func (f Func) Execute(ctx context.Context, execCtx *domain.ExecutionContext) error {
	if f.Fn == nil {
		return nil
	}
	return f.Fn(ctx, execCtx)
}

// Terminal returns a policy that always interrupts with a copy of the given failure.
func Terminal(id string, failure domain.ExecutionFailure) Policy {
	return Func{Name: id, Fn: func(context.Context, *domain.ExecutionContext) error {
		f := failure
		return &f
	}}
}
