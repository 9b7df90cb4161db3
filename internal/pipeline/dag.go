package pipeline

import "fmt"

// Node is one schedulable stage: an id plus the upstream stages whose outputs
// it consumes. Instructions are built at execution time, so the graph only
// carries the topology.
type Node struct {
	ID   string
	Deps []string
}

// Graph is a validated dependency graph over pipeline stages. Construction
// fails on unknown dependencies and cycles; afterwards the topological order
// is fixed and deterministic for equal inputs.
type Graph struct {
	nodes map[string]Node
	order []string
}

// NewGraph validates the nodes and computes an execution order with Kahn's
// algorithm. Ties between ready stages break on insertion order, so the
// pipeline runs the same way on every run.
func NewGraph(nodes []Node) (*Graph, error) {
	g := &Graph{nodes: make(map[string]Node, len(nodes))}

	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("stage with empty id")
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate stage id %q", n.ID)
		}
		g.nodes[n.ID] = n
		ids = append(ids, n.ID)
	}

	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		inDegree[n.ID] += 0
		for _, dep := range n.Deps {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", n.ID, dep)
			}
			inDegree[n.ID]++
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	var ready []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		g.order = append(g.order, id)

		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(g.order) != len(nodes) {
		return nil, fmt.Errorf("dependency cycle among stages")
	}
	return g, nil
}

// Order returns the stage ids in execution order.
func (g *Graph) Order() []string {
	return g.order
}

// Deps returns the dependency ids of a stage.
func (g *Graph) Deps(id string) []string {
	return g.nodes[id].Deps
}
