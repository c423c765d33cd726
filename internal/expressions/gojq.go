package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/stepflow/pkg/schema"
)

// GoJQEngine runs jq filters with the payload as input. One output is
// returned as is, several are collected into []any, none gives nil.
type GoJQEngine struct {
	programs *programs[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newPrograms("jq", compileJQ)}
}

func compileJQ(expression string) (*gojq.Code, error) {
	q, err := gojq.Parse(expression)
	if err != nil {
		return nil, err
	}
	// $ENV stays empty
	return gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, payload map[string]any) (any, error) {
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	var input any = map[string]any{}
	if payload != nil {
		input = jqValue(payload)
	}

	var out []any
	iter := code.RunWithContext(ctx, input)
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, isErr := v.(error); isErr {
			return nil, exprError(schema.ErrCodeStepFailed, e.Name(), expression, err)
		}
		out = append(out, v)
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	}
	return out, nil
}

// jqValue widens the Go number types gojq rejects to float64.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = jqValue(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = jqValue(x)
		}
		return out
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case uint:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
