package sandbox

import (
	"context"
	"testing"
	"time"
)

func TestEvaluate_UsesEnvOnly(t *testing.T) {
	e := New(0)
	v, err := e.Evaluate(context.Background(), `report.form == "A"`, map[string]any{
		"report": map[string]any{"form": "A"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v != true {
		t.Errorf("value = %v, want true", v)
	}
}

func TestEvaluate_UndefinedVariableIsNil(t *testing.T) {
	e := New(0)
	v, err := e.Evaluate(context.Background(), `missing`, map[string]any{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v != nil {
		t.Errorf("value = %v, want nil for undefined variable", v)
	}
}

func TestEvaluate_BadSyntax(t *testing.T) {
	e := New(0)
	if _, err := e.Evaluate(context.Background(), `((`, nil); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestEvaluateBool_RejectsNonBool(t *testing.T) {
	e := New(0)
	if _, err := e.EvaluateBool(context.Background(), `1 + 1`, nil); err == nil {
		t.Fatal("expected shape error for non-bool result")
	}
}

func TestEvaluateBool(t *testing.T) {
	e := New(0)
	got, err := e.EvaluateBool(context.Background(), `count > 2`, map[string]any{"count": 3})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !got {
		t.Error("want true")
	}
}

func TestEvaluate_CachesPrograms(t *testing.T) {
	e := New(0)
	src := `x * 2`
	if _, err := e.Evaluate(context.Background(), src, map[string]any{"x": 1}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	e.mu.RLock()
	_, cached := e.cache[src]
	e.mu.RUnlock()
	if !cached {
		t.Error("program was not cached after first run")
	}
}

func TestEvaluate_ContextCancellation(t *testing.T) {
	e := New(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A cancelled context must not block even with a long timeout; the
	// expression itself is trivial so either outcome arrives immediately.
	done := make(chan struct{})
	go func() {
		_, _ = e.Evaluate(ctx, `1`, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Evaluate blocked on cancelled context")
	}
}
