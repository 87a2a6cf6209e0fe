package strategy

import "fmt"

// TopoOrder computes one valid execution order for g's nodes, combining
// two edge sources: a Dep edge (producer must run before its dependent)
// and an explicit StrategyNext edge (construction-time sequencing that
// carries no value dependency of its own, e.g. independent argument
// assignments before a syscall's branch node). Ties are broken by node
// index, so the order matches construction order whenever the edges
// don't force otherwise — keeping emitted chains readable and
// deterministic across runs.
func TopoOrder(g *Graph) ([]int, error) {
	n := len(g.Nodes)
	indeg := make([]int, n)
	adj := make([][]int, n)
	addEdge := func(from, to int) {
		adj[from] = append(adj[from], to)
		indeg[to]++
	}
	for i, node := range g.Nodes {
		if node.IsDisabled {
			continue
		}
		for _, p := range node.Params {
			for _, dep := range p.Deps {
				addEdge(dep.NodeIdx, i)
			}
		}
		for _, next := range node.StrategyNext {
			addEdge(i, next)
		}
	}

	ready := []int{}
	inQueue := make([]bool, n)
	for i, node := range g.Nodes {
		if node.IsDisabled {
			continue
		}
		if indeg[i] == 0 {
			ready = append(ready, i)
			inQueue[i] = true
		}
	}

	var order []int
	for len(ready) > 0 {
		// smallest-index-first keeps the order close to construction order.
		best := 0
		for i := 1; i < len(ready); i++ {
			if ready[i] < ready[best] {
				best = i
			}
		}
		cur := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, cur)

		for _, next := range adj[cur] {
			indeg[next]--
			if indeg[next] == 0 && !inQueue[next] {
				ready = append(ready, next)
				inQueue[next] = true
			}
		}
	}

	visited := 0
	for _, node := range g.Nodes {
		if !node.IsDisabled {
			visited++
		}
	}
	if len(order) != visited {
		return nil, fmt.Errorf("strategy: node dependency graph has a cycle")
	}
	return order, nil
}

// Validate checks a selected graph's interference: for every dependent
// param, no node scheduled strictly between its producer and itself may
// modify the register carrying the producer's value. This is a
// validate-only pass rather than a re-scheduling search — build.go and
// rewrite.go only ever produce chains where a dependent's producer and
// consumer are already adjacent or separated solely by other nodes this
// same instruction introduced, so a violation here means the rewrite
// itself picked an incompatible relay, not that some independent
// scheduling freedom needs exploring. On violation, the returned Failure
// names the clobbered register so the caller can retry with it added to
// the keep-register set.
//
// It also checks g.Assertions against the same order: interference
// tracking only reasons about register values, never about
// control-flow-shaped constraints like "nothing may be scheduled after
// the gadget that hands control to the kernel", so those ride on
// constraint.Assertion instead and are checked here, once scheduling has
// settled on a concrete order and gadget per node.
func Validate(g *Graph, order []int) *Failure {
	pos := make(map[int]int, len(order))
	for i, idx := range order {
		pos[idx] = i
	}
	for _, idx := range order {
		n := g.Nodes[idx]
		for pi, p := range n.Params {
			for _, dep := range p.Deps {
				prodPos, consPos := pos[dep.NodeIdx], pos[idx]
				for i := prodPos + 1; i < consPos; i++ {
					mid := g.Nodes[order[i]]
					if mid.AssignedGadget == nil {
						continue
					}
					carrier := g.Nodes[dep.NodeIdx].Params[dep.ParamIdx].Reg
					if mid.AssignedGadget.ModifiedRegs[carrier] {
						fail := newFailure(idx, n.Kind, fmt.Sprintf(
							"node %d clobbers register %v before param %q consumes it",
							order[i], carrier, n.Params[pi].Name))
						fail.ModifiedKeepRegs[carrier] = true
						return fail
					}
				}
			}
		}
	}

	for _, a := range g.Assertions {
		n := g.Nodes[a.NodeIdx]
		if n.AssignedGadget == nil {
			continue
		}
		p, ok := pos[a.NodeIdx]
		if !ok {
			continue
		}
		if !a.Holds(n.AssignedGadget, p == len(order)-1) {
			return newFailure(a.NodeIdx, n.Kind, fmt.Sprintf(
				"node %d violates a scheduling assertion (%v): scheduled at position %d of %d, not last",
				a.NodeIdx, a.Kind, p+1, len(order)))
		}
	}
	return nil
}
