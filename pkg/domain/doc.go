// Package domain defines the core request-time types of the gateway: the
// per-request execution context, the deployed API graph (APIs, plans, flows,
// steps, subscriptions) and the connector contracts.
//
// This package has ZERO external dependencies outside the Go standard
// library. The dependency direction is always:
//
//	connector, flow, plan, policy, gateway → domain (CORRECT)
//	domain → connector, flow, plan, policy, gateway (FORBIDDEN)
//
// Definitions are immutable once deployed. Only ExecutionContext is mutable,
// and it is owned by exactly one request pipeline at a time.
package domain
