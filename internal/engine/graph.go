package engine

import (
	"github.com/rendis/stepflow/pkg/schema"
)

// Graph is the read-only adjacency view of one definition version.
type Graph struct {
	def      *schema.WorkflowDefinition
	nodes    map[string]*schema.StepSpec
	outgoing map[string][]schema.EdgeSpec
	entry    string
	order    []string
}

// NewGraph indexes def and rejects dangling edges, a missing or ambiguous
// entry and cycles. Definitions that passed validation always succeed.
func NewGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	g := &Graph{
		def:      def,
		nodes:    make(map[string]*schema.StepSpec, len(def.Nodes)),
		outgoing: make(map[string][]schema.EdgeSpec, len(def.Nodes)),
	}
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if _, dup := g.nodes[n.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", n.ID)
		}
		g.nodes[n.ID] = n
	}

	inDegree := make(map[string]int, len(g.nodes))
	for _, e := range def.Edges {
		if g.nodes[e.Source] == nil || g.nodes[e.Target] == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s -> %s references an unknown node", e.Source, e.Target)
		}
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
		inDegree[e.Target]++
	}

	var roots []string
	for _, n := range def.Nodes {
		if inDegree[n.ID] == 0 && n.Action == schema.ActionStart {
			roots = append(roots, n.ID)
		}
	}
	if len(roots) != 1 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "definition %q needs exactly one start node without incoming edges, found %d", def.ID, len(roots))
	}
	g.entry = roots[0]

	// Kahn's algorithm; leftovers sit on a cycle.
	queue := make([]string, 0, len(def.Nodes))
	for _, n := range def.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		g.order = append(g.order, id)
		for _, e := range g.outgoing[id] {
			inDegree[e.Target]--
			if inDegree[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}
	if len(g.order) != len(def.Nodes) {
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "definition %q contains a cycle", def.ID)
	}
	return g, nil
}

// Definition returns the indexed definition.
func (g *Graph) Definition() *schema.WorkflowDefinition { return g.def }

// Entry returns the start node id.
func (g *Graph) Entry() string { return g.entry }

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *schema.StepSpec { return g.nodes[id] }

// Outgoing returns the edges leaving id in declaration order.
func (g *Graph) Outgoing(id string) []schema.EdgeSpec { return g.outgoing[id] }

// TopoOrder returns the node ids in a topological order.
func (g *Graph) TopoOrder() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}
