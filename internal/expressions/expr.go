package expressions

import (
	"context"
	"maps"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/stepflow/pkg/schema"
)

// ExprEngine evaluates expr-lang. Top-level payload keys are variables and
// the whole payload is also `payload`; unknown names evaluate to nil.
type ExprEngine struct {
	programs *programs[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newPrograms("expr", func(expression string) (*vm.Program, error) {
		return expr.Compile(expression, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	})}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

func (e *ExprEngine) Evaluate(_ context.Context, expression string, payload map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	env := make(map[string]any, len(payload)+1)
	maps.Copy(env, payload)
	env["payload"] = payload

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, exprError(schema.ErrCodeStepFailed, e.Name(), expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
