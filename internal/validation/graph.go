package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/stepflow/pkg/schema"
)

// validateGraph checks the entry point, rejects cycles (Kahn's algorithm) and
// rejects nodes not reachable from the entry.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	var starts []string
	for _, n := range def.Nodes {
		if n.Action == schema.ActionStart {
			starts = append(starts, n.ID)
		}
	}
	switch len(starts) {
	case 0:
		result.AddError("nodes", schema.ErrCodeValidation, "workflow has no start node")
		return result
	case 1:
	default:
		result.AddError("nodes", schema.ErrCodeValidation, fmt.Sprintf("workflow has %d start nodes, want exactly one", len(starts)))
		return result
	}
	entry := starts[0]

	inDegree := make(map[string]int, len(def.Nodes))
	adj := make(map[string][]string, len(def.Nodes))
	for _, n := range def.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range def.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
		inDegree[e.Target]++
	}
	if inDegree[entry] > 0 {
		result.AddError("edges", schema.ErrCodeValidation, fmt.Sprintf("start node %q has incoming edges", entry))
	}

	remaining := make(map[string]int, len(inDegree))
	var queue []string
	for id, d := range inDegree {
		remaining[id] = d
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range adj[id] {
			remaining[next]--
			if remaining[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed < len(inDegree) {
		var cyclic []string
		for id, d := range remaining {
			if d > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		result.AddError("edges", schema.ErrCodeCycleDetected, fmt.Sprintf("cycle detected among nodes %v", cyclic))
		return result
	}

	reached := map[string]bool{entry: true}
	stack := []string{entry}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[id] {
			if !reached[next] {
				reached[next] = true
				stack = append(stack, next)
			}
		}
	}
	for i, n := range def.Nodes {
		if !reached[n.ID] {
			result.AddError(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is not reachable from start node %q", n.ID, entry))
		}
	}

	for i, n := range def.Nodes {
		out := def.Outgoing(n.ID)
		if n.Action == schema.ActionParallel || len(out) < 2 {
			continue
		}
		for j, e := range out[:len(out)-1] {
			if e.Condition == nil {
				result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
					fmt.Sprintf("edge %d from %q has no condition, so later edges can never match", j, n.ID))
				break
			}
		}
	}
	return result
}
