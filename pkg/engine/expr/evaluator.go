// Package expr evaluates boolean condition expressions attached to flows, steps
// and plan selection rules against a request execution context.
package expr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/polisai/polis-gateway/pkg/domain"
)

var (
	// ErrSyntax indicates the expression could not be compiled.
	ErrSyntax = errors.New("condition syntax error")
	// ErrEvaluation indicates the expression failed at runtime.
	ErrEvaluation = errors.New("condition evaluation error")
	// ErrTypeMismatch indicates the expression did not produce a boolean.
	ErrTypeMismatch = errors.New("type mismatch")
)

// Evaluator compiles and caches condition programs. It is safe for concurrent use.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewEvaluator constructs an Evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{programs: make(map[string]*vm.Program)}
}

// Evaluate reports whether the condition holds for the execution context.
// An empty condition always holds.
func (e *Evaluator) Evaluate(ctx context.Context, condition string, execCtx *domain.ExecutionContext) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return true, nil
	}
	return e.EvaluateEnv(ctx, condition, Env(execCtx))
}

// EvaluateEnv evaluates the condition against an explicit environment.
func (e *Evaluator) EvaluateEnv(ctx context.Context, condition string, env map[string]any) (bool, error) {
	source := Normalize(condition)
	if source == "" {
		return true, nil
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}

	program, err := e.compile(source)
	if err != nil {
		return false, err
	}

	out, err := vm.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: condition %q produced %T", ErrTypeMismatch, source, out)
	}
	return result, nil
}

// Compile validates a condition without evaluating it.
func (e *Evaluator) Compile(condition string) error {
	source := Normalize(condition)
	if source == "" {
		return nil
	}
	_, err := e.compile(source)
	return err
}

func (e *Evaluator) compile(source string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[source]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(source, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.programs[source]; ok {
		return existing, nil
	}
	e.programs[source] = program
	return program, nil
}

// Normalize strips the optional {# ... } template wrapper used in API definitions.
func Normalize(condition string) string {
	source := strings.TrimSpace(condition)
	if strings.HasPrefix(source, "{#") && strings.HasSuffix(source, "}") {
		source = strings.TrimSpace(source[2 : len(source)-1])
	}
	return source
}
