package expressions

import (
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// programs memoises compiled expressions of one engine. Compile errors are
// not cached.
type programs[P any] struct {
	engine  string
	compile func(expression string) (P, error)

	mu sync.RWMutex
	m  map[string]P
}

func newPrograms[P any](engine string, compile func(string) (P, error)) *programs[P] {
	return &programs[P]{engine: engine, compile: compile, m: make(map[string]P)}
}

func (c *programs[P]) get(expression string) (P, error) {
	var zero P
	if expression == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", c.engine)
	}

	c.mu.RLock()
	p, ok := c.m[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.m[expression]; ok {
		return p, nil
	}
	p, err := c.compile(expression)
	if err != nil {
		return zero, exprError(schema.ErrCodeValidation, c.engine, expression, err)
	}
	c.m[expression] = p
	return p, nil
}

func (c *programs[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
