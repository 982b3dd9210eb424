package filter

import (
	"context"
	"testing"
)

func TestMatchEmptyFilterAlwaysMatches(t *testing.T) {
	e := New()
	ok, err := e.Match(context.Background(), "", []byte(`{"level":"debug"}`))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !ok {
		t.Fatalf("expected empty filter to match")
	}
}

func TestMatchFieldComparison(t *testing.T) {
	e := New()
	msg := []byte(`{"level":"error","code":500}`)

	ok, err := e.Match(context.Background(), `message.level === "error"`, msg)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !ok {
		t.Fatalf("expected filter to match")
	}

	ok, err = e.Match(context.Background(), `message.code > 900`, msg)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if ok {
		t.Fatalf("expected filter not to match")
	}
}

func TestMatchCachesCompiledProgram(t *testing.T) {
	e := New()
	expr := `message.code === 1`

	if _, err := e.Match(context.Background(), expr, []byte(`{"code":1}`)); err != nil {
		t.Fatalf("first Match: %v", err)
	}
	if len(e.cache) != 1 {
		t.Fatalf("expected expression to be cached, got %d entries", len(e.cache))
	}
	if _, err := e.Match(context.Background(), expr, []byte(`{"code":2}`)); err != nil {
		t.Fatalf("second Match: %v", err)
	}
	if len(e.cache) != 1 {
		t.Fatalf("expected cache to stay at 1 entry, got %d", len(e.cache))
	}
}

func TestMatchInvalidExpressionErrors(t *testing.T) {
	e := New()
	if _, err := e.Match(context.Background(), "message.(((", []byte(`{}`)); err == nil {
		t.Fatalf("expected a compile error")
	}
}
