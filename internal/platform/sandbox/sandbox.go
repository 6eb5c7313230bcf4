// Package sandbox is the expression-evaluation boundary for configured rule
// predicates (registration bool_expr, alert isReportCounted, alert recipient
// expressions). Expressions are compiled once, run against an explicit
// environment with no ambient process access, and bounded by a timeout.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrTimeout is returned when an expression exceeds the evaluator's budget.
var ErrTimeout = errors.New("sandbox: evaluation timed out")

// DefaultTimeout bounds a single evaluation unless configured otherwise.
const DefaultTimeout = time.Second

// Evaluator compiles and runs sandboxed expressions. Safe for concurrent use.
type Evaluator struct {
	timeout time.Duration

	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an Evaluator. A non-positive timeout falls back to
// DefaultTimeout.
func New(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{timeout: timeout, cache: make(map[string]*vm.Program)}
}

func (e *Evaluator) compile(src string) (*vm.Program, error) {
	e.mu.RLock()
	p, ok := e.cache[src]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}

	e.mu.Lock()
	e.cache[src] = p
	e.mu.Unlock()
	return p, nil
}

// Evaluate runs src against env and returns the resulting value. The
// environment is the only state visible to the expression. Runs longer than
// the evaluator's timeout return ErrTimeout.
func (e *Evaluator) Evaluate(ctx context.Context, src string, env map[string]any) (any, error) {
	program, err := e.compile(src)
	if err != nil {
		return nil, err
	}

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := expr.Run(program, env)
		done <- result{v, err}
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("run expression: %w", r.err)
		}
		return r.value, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EvaluateBool runs src and requires a boolean result.
func (e *Evaluator) EvaluateBool(ctx context.Context, src string, env map[string]any) (bool, error) {
	v, err := e.Evaluate(ctx, src, env)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", v)
	}
	return b, nil
}
