// Package conditions evaluates edge and trigger conditions against an execution payload.
//
// Evaluation is total and fails closed: an unknown operator, a missing path, a type
// mismatch or an expression error all evaluate to false.
package conditions

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// OpFunc evaluates one operator variant.
type OpFunc func(ctx context.Context, ev *Evaluator, c *schema.Condition, payload map[string]any) bool

// Evaluator dispatches conditions to registered operators.
type Evaluator struct {
	ops     map[string]OpFunc
	engines *expressions.Registry
	logger  *slog.Logger

	reMu    sync.RWMutex
	regexps map[string]*regexp.Regexp
}

// New creates an evaluator with the comparison, combinator and expression operators.
// engines may be nil, in which case expression operators always evaluate to false.
func New(engines *expressions.Registry, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	ev := &Evaluator{
		ops:     make(map[string]OpFunc),
		engines: engines,
		logger:  logger,
		regexps: make(map[string]*regexp.Regexp),
	}
	ev.Register("eq", func(_ context.Context, _ *Evaluator, c *schema.Condition, p map[string]any) bool {
		v, ok := expressions.Lookup(p, c.Path)
		return ok && equal(v, c.Value)
	})
	ev.Register("neq", func(_ context.Context, _ *Evaluator, c *schema.Condition, p map[string]any) bool {
		v, ok := expressions.Lookup(p, c.Path)
		return ok && !equal(v, c.Value)
	})
	ev.Register("gt", compareOp(func(r int) bool { return r > 0 }))
	ev.Register("gte", compareOp(func(r int) bool { return r >= 0 }))
	ev.Register("lt", compareOp(func(r int) bool { return r < 0 }))
	ev.Register("lte", compareOp(func(r int) bool { return r <= 0 }))
	ev.Register("exists", func(_ context.Context, _ *Evaluator, c *schema.Condition, p map[string]any) bool {
		_, ok := expressions.Lookup(p, c.Path)
		return ok
	})
	ev.Register("contains", containsOp)
	ev.Register("regex", regexOp)
	ev.Register("and", func(ctx context.Context, ev *Evaluator, c *schema.Condition, p map[string]any) bool {
		if len(c.Conditions) == 0 {
			return false
		}
		for i := range c.Conditions {
			if !ev.Evaluate(ctx, &c.Conditions[i], p) {
				return false
			}
		}
		return true
	})
	ev.Register("or", func(ctx context.Context, ev *Evaluator, c *schema.Condition, p map[string]any) bool {
		for i := range c.Conditions {
			if ev.Evaluate(ctx, &c.Conditions[i], p) {
				return true
			}
		}
		return false
	})
	ev.Register("not", func(ctx context.Context, ev *Evaluator, c *schema.Condition, p map[string]any) bool {
		if c.Condition == nil {
			return false
		}
		return !ev.Evaluate(ctx, c.Condition, p)
	})
	for _, name := range ExpressionOps {
		ev.Register(name, expressionOp(name))
	}
	return ev
}

// ExpressionOps are operators whose value is an expression for the engine of the same name.
var ExpressionOps = []string{"cel", "expr", "jq", "jmespath"}

// Register adds or replaces an operator.
func (ev *Evaluator) Register(op string, fn OpFunc) {
	ev.ops[op] = fn
}

// Ops lists the registered operator names.
func (ev *Evaluator) Ops() []string {
	names := make([]string, 0, len(ev.ops))
	for n := range ev.ops {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Supports reports whether op is registered.
func (ev *Evaluator) Supports(op string) bool {
	_, ok := ev.ops[op]
	return ok
}

// Evaluate returns the truth value of c against payload. A nil condition is true.
func (ev *Evaluator) Evaluate(ctx context.Context, c *schema.Condition, payload map[string]any) (result bool) {
	if c == nil {
		return true
	}
	fn, ok := ev.ops[c.Op]
	if !ok {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ev.logger.WarnContext(ctx, "condition operator panicked", "op", c.Op, "panic", r)
			result = false
		}
	}()
	return fn(ctx, ev, c, payload)
}

// Check validates a condition tree statically: known operators, required fields,
// compilable expressions and regular expressions.
func (ev *Evaluator) Check(c *schema.Condition) error {
	if c == nil {
		return nil
	}
	if !ev.Supports(c.Op) {
		return fmt.Errorf("unknown operator %q", c.Op)
	}
	switch c.Op {
	case "and", "or":
		if len(c.Conditions) == 0 {
			return fmt.Errorf("%s requires at least one condition", c.Op)
		}
		for i := range c.Conditions {
			if err := ev.Check(&c.Conditions[i]); err != nil {
				return fmt.Errorf("%s[%d]: %w", c.Op, i, err)
			}
		}
	case "not":
		if c.Condition == nil {
			return fmt.Errorf("not requires a condition")
		}
		return ev.Check(c.Condition)
	case "cel", "expr", "jq", "jmespath":
		s, ok := c.Value.(string)
		if !ok || s == "" {
			return fmt.Errorf("%s requires a string expression in value", c.Op)
		}
		if ev.engines == nil {
			return fmt.Errorf("expression engines are not configured")
		}
		e, err := ev.engines.Get(c.Op)
		if err != nil {
			return err
		}
		return e.Compile(s)
	case "regex":
		s, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("regex requires a string pattern in value")
		}
		if _, err := regexp.Compile(s); err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}
		fallthrough
	default:
		if c.Path == "" {
			return fmt.Errorf("%s requires a path", c.Op)
		}
	}
	return nil
}

func compareOp(accept func(int) bool) OpFunc {
	return func(_ context.Context, _ *Evaluator, c *schema.Condition, p map[string]any) bool {
		v, ok := expressions.Lookup(p, c.Path)
		if !ok {
			return false
		}
		r, ok := compare(v, c.Value)
		return ok && accept(r)
	}
}

func containsOp(_ context.Context, _ *Evaluator, c *schema.Condition, p map[string]any) bool {
	v, ok := expressions.Lookup(p, c.Path)
	if !ok {
		return false
	}
	switch val := v.(type) {
	case string:
		needle, ok := c.Value.(string)
		return ok && strings.Contains(strings.ToLower(val), strings.ToLower(needle))
	case []any:
		for _, item := range val {
			if equal(item, c.Value) {
				return true
			}
		}
	case map[string]any:
		key, ok := c.Value.(string)
		if ok {
			_, has := val[key]
			return has
		}
	}
	return false
}

func regexOp(_ context.Context, ev *Evaluator, c *schema.Condition, p map[string]any) bool {
	v, ok := expressions.Lookup(p, c.Path)
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	pattern, ok := c.Value.(string)
	if !ok {
		return false
	}
	re, err := ev.regexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func (ev *Evaluator) regexp(pattern string) (*regexp.Regexp, error) {
	ev.reMu.RLock()
	re, ok := ev.regexps[pattern]
	ev.reMu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	ev.reMu.Lock()
	ev.regexps[pattern] = re
	ev.reMu.Unlock()
	return re, nil
}

func expressionOp(engine string) OpFunc {
	return func(ctx context.Context, ev *Evaluator, c *schema.Condition, p map[string]any) bool {
		expression, ok := c.Value.(string)
		if !ok || ev.engines == nil {
			return false
		}
		e, err := ev.engines.Get(engine)
		if err != nil {
			return false
		}
		out, err := e.Evaluate(ctx, expression, p)
		if err != nil {
			ev.logger.DebugContext(ctx, "condition expression failed closed", "engine", engine, "error", err)
			return false
		}
		b, ok := out.(bool)
		return ok && b
	}
}

// equal compares JSON-like values, treating all numeric types as float64.
func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !equal(x, y) {
				return false
			}
		}
		return true
	}
	return false
}

// compare orders numbers numerically and strings lexically. Other pairs are incomparable.
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok || math.IsNaN(fa) || math.IsNaN(fb) {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	as, ok := a.(string)
	if !ok {
		return 0, false
	}
	bs, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
