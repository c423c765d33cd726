package expressions

import (
	"context"

	"github.com/jmespath/go-jmespath"

	"github.com/rendis/stepflow/pkg/schema"
)

// JMESPathEngine evaluates JMESPath queries against the payload.
type JMESPathEngine struct {
	programs *programs[*jmespath.JMESPath]
}

func NewJMESPathEngine() *JMESPathEngine {
	return &JMESPathEngine{programs: newPrograms("jmespath", jmespath.Compile)}
}

func (e *JMESPathEngine) Name() string { return "jmespath" }

func (e *JMESPathEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

func (e *JMESPathEngine) Evaluate(_ context.Context, expression string, payload map[string]any) (any, error) {
	q, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	var data any = map[string]any{}
	if payload != nil {
		data = payload
	}
	out, err := q.Search(data)
	if err != nil {
		return nil, exprError(schema.ErrCodeStepFailed, e.Name(), expression, err)
	}
	return out, nil
}

var _ Engine = (*JMESPathEngine)(nil)
