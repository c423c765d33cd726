package validation

import (
	"encoding/json"

	"github.com/rendis/stepflow/pkg/schema"
)

// ActionLookup resolves step kinds and checks their params.
type ActionLookup interface {
	Has(kind schema.ActionKind) bool
	ValidateParams(kind schema.ActionKind, params json.RawMessage) error
}

// ConditionChecker statically validates a condition tree.
type ConditionChecker interface {
	Check(c *schema.Condition) error
}

// Validator checks workflow definitions before they are stored.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidateDefinition(def *schema.WorkflowDefinition) error
}
