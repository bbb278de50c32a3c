// Package resolver topologically orders ProcessSpecs and groups them into
// parallel-startable waves. See spec.md §4.1.
//
// The graph construction and cycle-witness recovery are grounded on
// distr1-distri's internal/batch build-order resolver, which builds a
// gonum directed graph and inspects the topo.Unorderable error from
// topo.Sort to find cyclic components. The actual ordering and wave
// assignment is a hand-rolled Kahn's algorithm on top of that graph, since
// gonum's topo.Sort does not guarantee the lexicographic tie-break
// determinism spec.md requires.
package resolver

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"devwave/pkg/spec"
)

// MissingDependencyError reports a ProcessSpec naming a dependency that
// does not exist in the set being resolved.
type MissingDependencyError struct {
	Process string
	Dep     string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("process %q depends on unknown process %q", e.Process, e.Dep)
}

// CircularDependencyError reports a dependency cycle. Cycle lists the
// process names that participate in the reported cycle, in the order
// discovered by the witness DFS (not necessarily the full cyclic
// component — just one concrete back-edge path).
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency: %v", e.Cycle)
}

// namedNode adapts a process name to a gonum graph.Node.
type namedNode struct {
	id   int64
	name string
}

func (n *namedNode) ID() int64 { return n.id }

// graphOf builds a gonum directed graph from specs, edge u -> v meaning
// "u depends on v" (so g.From(u) enumerates u's dependencies, g.To(v)
// enumerates v's dependents — matching distr1-distri's batch scheduler
// convention).
func graphOf(specs []spec.ProcessSpec) (*simple.DirectedGraph, map[string]*namedNode, error) {
	g := simple.NewDirectedGraph()
	nodes := make(map[string]*namedNode, len(specs))

	names := make([]string, 0, len(specs))
	for _, p := range specs {
		names = append(names, p.Name)
	}
	sort.Strings(names)

	specByName := make(map[string]spec.ProcessSpec, len(specs))
	for _, p := range specs {
		specByName[p.Name] = p
	}

	var id int64
	for _, name := range names {
		n := &namedNode{id: id, name: name}
		id++
		nodes[name] = n
		g.AddNode(n)
	}

	for _, name := range names {
		p := specByName[name]
		for _, dep := range p.Dependencies {
			d, ok := nodes[dep]
			if !ok {
				return nil, nil, &MissingDependencyError{Process: p.Name, Dep: dep}
			}
			g.SetEdge(g.NewEdge(nodes[name], d))
		}
	}
	return g, nodes, nil
}

// checkCycles runs topo.Sort purely to detect a cycle; on failure it
// recovers a single concrete cycle witness via DFS over the first
// unorderable component, marking the recursion stack and reporting the
// first back-edge found (spec.md §4.1).
func checkCycles(g *simple.DirectedGraph) error {
	if _, err := topo.Sort(g); err == nil {
		return nil
	} else if uo, ok := err.(topo.Unorderable); ok {
		if len(uo) == 0 {
			return fmt.Errorf("circular dependency detected")
		}
		return &CircularDependencyError{Cycle: witnessCycle(g, uo[0])}
	} else {
		return err
	}
}

// witnessCycle performs a DFS restricted to component's nodes, marking
// on-stack nodes, and returns the path from the first node back to the
// first back-edge encountered.
func witnessCycle(g graph.Directed, component []graph.Node) []string {
	inComponent := make(map[int64]bool, len(component))
	for _, n := range component {
		inComponent[n.ID()] = true
	}

	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)
	state := make(map[int64]int, len(component))
	var stack []string
	var cycle []string

	var dfs func(n graph.Node) bool
	dfs = func(n graph.Node) bool {
		id := n.ID()
		state[id] = onStack
		stack = append(stack, n.(*namedNode).name)

		it := g.From(id)
		for it.Next() {
			next := it.Node()
			if !inComponent[next.ID()] {
				continue
			}
			switch state[next.ID()] {
			case unvisited:
				if dfs(next) {
					return true
				}
			case onStack:
				// Found the back-edge: report the stack from next's
				// first occurrence through the current node.
				start := 0
				for i, name := range stack {
					if name == next.(*namedNode).name {
						start = i
						break
					}
				}
				cycle = append([]string{}, stack[start:]...)
				cycle = append(cycle, next.(*namedNode).name)
				return true
			}
		}

		state[id] = done
		stack = stack[:len(stack)-1]
		return false
	}

	// Deterministic start: lowest id among the component first.
	sorted := append([]graph.Node{}, component...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })
	for _, n := range sorted {
		if state[n.ID()] == unvisited {
			if dfs(n) {
				break
			}
		}
	}
	return cycle
}

// Resolve returns the startup-ordered list of process names: Kahn's
// algorithm with zero-in-degree ties broken by lexicographic name order,
// as spec.md §4.1 requires for determinism.
func Resolve(specs []spec.ProcessSpec) ([]string, error) {
	g, nodes, err := graphOf(specs)
	if err != nil {
		return nil, err
	}
	if err := checkCycles(g); err != nil {
		return nil, err
	}

	// in-degree here means "number of unresolved dependencies" i.e. the
	// out-degree in our u-depends-on-v edge convention.
	remaining := make(map[string]int, len(nodes))
	for name, n := range nodes {
		remaining[name] = g.From(n.ID()).Len()
	}

	order := make([]string, 0, len(nodes))
	for len(order) < len(nodes) {
		var ready []string
		for name, r := range remaining {
			if r == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			// Should be unreachable: checkCycles already validated
			// acyclicity.
			return nil, fmt.Errorf("resolver: internal error, no ready nodes but %d remain", len(nodes)-len(order))
		}
		sort.Strings(ready)
		for _, name := range ready {
			order = append(order, name)
			delete(remaining, name)
		}
		// Recompute remaining for nodes depending on the now-resolved set.
		for name, n := range nodes {
			if _, done := remaining[name]; !done {
				continue
			}
			count := 0
			it := g.From(n.ID())
			for it.Next() {
				dep := it.Node().(*namedNode).name
				if _, stillRemaining := remaining[dep]; stillRemaining {
					count++
				}
			}
			remaining[name] = count
		}
	}
	return order, nil
}

// Waves partitions specs into parallel-startable waves: wave[p] =
// max(wave[dep] for dep in deps(p)) + 1, or 0 if p has no dependencies.
// Determinism invariant: identical inputs always produce identical
// ordering within each wave (lexicographic).
func Waves(specs []spec.ProcessSpec) ([]spec.Wave, error) {
	order, err := Resolve(specs)
	if err != nil {
		return nil, err
	}

	depsByName := make(map[string][]string, len(specs))
	for _, p := range specs {
		depsByName[p.Name] = p.Dependencies
	}

	waveOf := make(map[string]int, len(order))
	maxWave := 0
	for _, name := range order {
		w := 0
		for _, dep := range depsByName[name] {
			if waveOf[dep]+1 > w {
				w = waveOf[dep] + 1
			}
		}
		waveOf[name] = w
		if w > maxWave {
			maxWave = w
		}
	}

	waves := make([]spec.Wave, maxWave+1)
	for _, name := range order {
		waves[waveOf[name]] = append(waves[waveOf[name]], name)
	}
	for i := range waves {
		sort.Strings(waves[i])
	}
	return waves, nil
}
