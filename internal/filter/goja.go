// Package filter provides the default subscribe-time filter evaluator: a
// JS boolean expression evaluated against the decoded message, in the
// spirit of the fSQL predicates the wire protocol's filter field is named
// after, but backed by a real expression engine instead of a bespoke
// parser.
package filter

import (
	"context"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/rtmbroker/rtmbroker/internal/domain"
)

// Evaluator implements domain.FilterEvaluator by compiling each distinct
// filter expression once and running it against the decoded message body,
// exposed to the expression as the global `message`.
type Evaluator struct {
	mu      sync.Mutex
	cache   map[string]*goja.Program
	runtime *goja.Runtime
}

// New creates an Evaluator. A single goja.Runtime is reused across calls and
// guarded by the Evaluator's mutex, so one Evaluator may be shared across
// goroutines; concurrent evaluations run one at a time.
func New() *Evaluator {
	return &Evaluator{
		cache:   make(map[string]*goja.Program),
		runtime: goja.New(),
	}
}

// Match compiles filter on first use (caching by expression text) and
// evaluates it with the decoded message bound to the `message` global. The
// expression must yield a truthy value to match.
func (e *Evaluator) Match(_ context.Context, filterExpr string, message []byte) (bool, error) {
	if filterExpr == "" {
		return true, nil
	}

	prog, err := e.program(filterExpr)
	if err != nil {
		return false, fmt.Errorf("filter: compile %q: %w", filterExpr, err)
	}

	var decoded any
	if err := json.Unmarshal(message, &decoded); err != nil {
		return false, fmt.Errorf("filter: decode message: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.runtime.Set("message", decoded); err != nil {
		return false, fmt.Errorf("filter: bind message: %w", err)
	}

	val, err := e.runtime.RunProgram(prog)
	if err != nil {
		return false, fmt.Errorf("filter: evaluate %q: %w", filterExpr, err)
	}

	return val.ToBoolean(), nil
}

func (e *Evaluator) program(filterExpr string) (*goja.Program, error) {
	e.mu.Lock()
	if prog, ok := e.cache[filterExpr]; ok {
		e.mu.Unlock()
		return prog, nil
	}
	e.mu.Unlock()

	prog, err := goja.Compile("filter", filterExpr, false)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[filterExpr] = prog
	e.mu.Unlock()

	return prog, nil
}

var _ domain.FilterEvaluator = (*Evaluator)(nil)
