package validation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rendis/stepflow/pkg/schema"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func validateSemantic(def *schema.WorkflowDefinition, actions ActionLookup, conds ConditionChecker, lim limits) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(def.Nodes))
	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if ids[n.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = true

		if n.Timeout != "" {
			d, err := time.ParseDuration(n.Timeout)
			switch {
			case err != nil || d <= 0:
				result.AddError(path+".timeout", schema.ErrCodeValidation, fmt.Sprintf("invalid timeout %q", n.Timeout))
			case lim.maxStepTimeout > 0 && d > lim.maxStepTimeout:
				result.AddError(path+".timeout", schema.ErrCodeValidation,
					fmt.Sprintf("timeout %s exceeds the maximum step timeout %s", d, lim.maxStepTimeout))
			}
		}

		if actions == nil {
			continue
		}
		if !actions.Has(n.Action) {
			result.AddError(path+".action", schema.ErrCodeValidation, fmt.Sprintf("unknown action %q", n.Action))
			continue
		}
		if err := actions.ValidateParams(n.Action, n.Params); err != nil {
			addFlowError(result, path+".params", err)
		}
	}

	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if !ids[e.Source] {
			result.AddError(path+".source", schema.ErrCodeValidation, fmt.Sprintf("references unknown node %q", e.Source))
		}
		if !ids[e.Target] {
			result.AddError(path+".target", schema.ErrCodeValidation, fmt.Sprintf("references unknown node %q", e.Target))
		}
		if e.Source == e.Target && e.Source != "" {
			result.AddError(path, schema.ErrCodeCycleDetected, fmt.Sprintf("self-loop on node %q", e.Source))
		}
		checkCondition(result, conds, path+".condition", e.Condition)
	}

	for i, tr := range def.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		if tr.Schedule != "" {
			if _, err := cronParser.Parse(tr.Schedule); err != nil {
				result.AddError(path+".schedule", schema.ErrCodeValidation, fmt.Sprintf("invalid cron schedule %q: %s", tr.Schedule, err))
			}
		}
		checkCondition(result, conds, path+".condition", tr.Condition)
	}

	return result
}

func checkCondition(result *schema.ValidationResult, conds ConditionChecker, path string, c *schema.Condition) {
	if conds == nil || c == nil {
		return
	}
	if err := conds.Check(c); err != nil {
		result.AddError(path, schema.ErrCodeValidation, err.Error())
	}
}
