package actions

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// Registry maps step kinds to executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.ActionKind]Executor
	schemas   *validation.SchemaValidator
}

// NewRegistry creates an empty Registry. schemas may be nil, in which case
// params are only checked by their typed struct.
func NewRegistry(schemas *validation.SchemaValidator) *Registry {
	return &Registry{executors: make(map[schema.ActionKind]Executor), schemas: schemas}
}

// Register adds an executor. Kinds are unique.
func (r *Registry) Register(e Executor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	kind := e.Kind()
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor %q already registered", kind)
	}
	r.executors[kind] = e
	return nil
}

// Get returns the executor for kind.
func (r *Registry) Get(kind schema.ActionKind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "executor %q not registered", kind)
	}
	return e, nil
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind schema.ActionKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[kind]
	return ok
}

// KindInfo summarizes a registered kind.
type KindInfo struct {
	Kind schema.ActionKind `json:"kind"`
	Descriptor
}

// List returns all kinds sorted by name.
func (r *Registry) List() []KindInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]KindInfo, 0, len(r.executors))
	for k, e := range r.executors {
		out = append(out, KindInfo{Kind: k, Descriptor: e.Describe()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// ValidateParams checks params against the kind's JSON Schema and typed struct.
func (r *Registry) ValidateParams(kind schema.ActionKind, params json.RawMessage) error {
	e, err := r.Get(kind)
	if err != nil {
		return err
	}
	d := e.Describe()
	if r.schemas != nil && d.ParamsSchema != "" {
		if err := r.schemas.ValidateDocument(d.ParamsSchema, params); err != nil {
			return err
		}
	}
	if d.NewParams != nil {
		if err := DecodeParams(params, d.NewParams()); err != nil {
			fe := err.(*schema.FlowError)
			fe.Code = schema.ErrCodeValidation
			return fe
		}
	}
	return nil
}

var _ validation.ActionLookup = (*Registry)(nil)
