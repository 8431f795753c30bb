// Package policy turns configured steps into executable policies and runs them
// as ordered, interruptible chains.
//
// A Handler is one behavior from the catalog, built by a Factory registered in
// a Registry under a policy id. The Manager binds handlers to a phase and wraps
// conditional steps, producing Policy values. A Chain executes policies strictly
// in order and stops at the first interruption of its phase. Structured failures
// returned by a policy interrupt the execution context instead of failing the
// chain; cancellation of the request context is always propagated.
package policy
