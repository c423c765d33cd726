package expressions

import (
	"context"
	"sort"

	"github.com/rendis/stepflow/pkg/schema"
)

// Engine evaluates expressions against an execution payload.
// Implementations cache compiled programs and are safe for concurrent use.
type Engine interface {
	Name() string
	// Compile checks the expression without evaluating it.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, payload map[string]any) (any, error)
}

// Registry holds the expression engines by name.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry returns a registry with the given engines.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Name()] = e
	}
	return r
}

// NewDefaultRegistry wires cel, expr, jq and jmespath.
func NewDefaultRegistry() (*Registry, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewRegistry(celEngine, NewExprEngine(), NewGoJQEngine(), NewJMESPathEngine()), nil
}

// Get returns the engine registered under name.
func (r *Registry) Get(name string) (Engine, error) {
	e, ok := r.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "expression engine %q not registered", name)
	}
	return e, nil
}

// Names lists registered engines in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func exprError(code, engine, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(code, "%s: %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "engine": engine})
}
