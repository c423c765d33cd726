package validation

import (
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// WorkflowValidator runs the three validation stages:
//  1. structural (JSON Schema)
//  2. semantic (known actions, typed params, edge references, conditions, triggers)
//  3. graph (single entry, acyclic, reachability)
type WorkflowValidator struct {
	schemas    *SchemaValidator
	actions    ActionLookup
	conditions ConditionChecker
	limits     limits
}

// limits are deployment bounds a definition must respect.
type limits struct {
	maxStepTimeout time.Duration
}

// Option configures a WorkflowValidator.
type Option func(*WorkflowValidator)

// WithMaxStepTimeout rejects step timeouts above d. A step that runs longer
// than its job lease is claimed again by another dispatcher while still in flight.
func WithMaxStepTimeout(d time.Duration) Option {
	return func(wv *WorkflowValidator) { wv.limits.maxStepTimeout = d }
}

// NewWorkflowValidator creates a WorkflowValidator. actions and conditions may be
// nil to skip the corresponding checks.
func NewWorkflowValidator(actions ActionLookup, conditions ConditionChecker, opts ...Option) (*WorkflowValidator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	wv := &WorkflowValidator{schemas: sv, actions: actions, conditions: conditions}
	for _, opt := range opts {
		opt(wv)
	}
	return wv, nil
}

// Schemas exposes the shared schema validator.
func (wv *WorkflowValidator) Schemas() *SchemaValidator { return wv.schemas }

// Validate runs every stage and aggregates issues. Structural errors stop the
// pipeline, and graph checks only run on a semantically valid definition.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	if err := wv.schemas.ValidateDefinition(def); err != nil {
		addFlowError(result, "/", err)
		return result
	}

	result.Merge(validateSemantic(def, wv.actions, wv.conditions, wv.limits))
	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateDefinition returns the aggregated result as an error, or nil.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

func addFlowError(result *schema.ValidationResult, path string, err error) {
	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError(path, schema.ErrCodeValidation, err.Error())
		return
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError(path, fe.Code, v)
		}
		return
	}
	result.AddError(path, fe.Code, fe.Message)
}

var _ Validator = (*WorkflowValidator)(nil)
