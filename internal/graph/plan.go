package graph

import (
	"sort"

	"github.com/me/weft/internal/registry"
	"github.com/me/weft/pkg/model"
)

// PlannedEdge is an edge with its conversion path resolved.
type PlannedEdge struct {
	Edge model.Edge
	From model.FormatRef
	To   model.FormatRef
	Path *registry.Path
}

// PlannedLiteral is a literal binding. Static literals carry their source
// format and conversion path; dynamic literals are resolved when data arrives.
type PlannedLiteral struct {
	Port    string
	Literal model.Literal
	Target  model.FormatRef
	Source  model.FormatRef
	Path    *registry.Path
}

// Plan is a validated, immutable workflow graph.
type Plan struct {
	// Order is the topological order; ties are broken by node id.
	Order []string
	Nodes map[string]*model.Analysis
	// Inbound and Outbound index planned edges by destination and source node.
	Inbound  map[string][]*PlannedEdge
	Outbound map[string][]*PlannedEdge
	// Deps maps a node to the distinct nodes it depends on; Dependents is the reverse.
	Deps       map[string][]string
	Dependents map[string][]string
	Literals   map[string]map[string]*PlannedLiteral
}

func newPlan(nodes map[string]*model.Analysis) *Plan {
	return &Plan{
		Nodes:      nodes,
		Inbound:    make(map[string][]*PlannedEdge),
		Outbound:   make(map[string][]*PlannedEdge),
		Deps:       make(map[string][]string),
		Dependents: make(map[string][]string),
		Literals:   make(map[string]map[string]*PlannedLiteral),
	}
}

func (p *Plan) addEdge(pe *PlannedEdge) {
	e := pe.Edge
	p.Inbound[e.DstNode] = append(p.Inbound[e.DstNode], pe)
	p.Outbound[e.SrcNode] = append(p.Outbound[e.SrcNode], pe)
	if !contains(p.Deps[e.DstNode], e.SrcNode) {
		p.Deps[e.DstNode] = append(p.Deps[e.DstNode], e.SrcNode)
		p.Dependents[e.SrcNode] = append(p.Dependents[e.SrcNode], e.DstNode)
	}
}

func (p *Plan) addLiteral(node string, pl *PlannedLiteral) {
	m, ok := p.Literals[node]
	if !ok {
		m = make(map[string]*PlannedLiteral)
		p.Literals[node] = m
	}
	m[pl.Port] = pl
}

// sort orders nodes with Kahn's algorithm over a sorted ready queue and
// reports a cycle if one remains.
func (p *Plan) sort() error {
	for id := range p.Deps {
		sort.Strings(p.Deps[id])
	}
	for id := range p.Dependents {
		sort.Strings(p.Dependents[id])
	}

	inDegree := make(map[string]int, len(p.Nodes))
	for id := range p.Nodes {
		inDegree[id] = len(p.Deps[id])
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(p.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, succ := range p.Dependents[node] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Strings(queue)
	}

	if len(order) != len(p.Nodes) {
		remaining := make(map[string]bool)
		for id, deg := range inDegree {
			if deg > 0 {
				remaining[id] = true
			}
		}
		return &model.CycleError{Nodes: p.findCycle(remaining)}
	}
	p.Order = order
	return nil
}

// findCycle walks predecessors inside the nodes Kahn could not order. Every
// such node has a predecessor in the set, so the walk must revisit a node.
// The cycle is returned in edge direction, starting at its smallest id, with
// the first node repeated at the end.
func (p *Plan) findCycle(remaining map[string]bool) []string {
	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	walk := []string{ids[0]}
	index := map[string]int{ids[0]: 0}
	cur := ids[0]
	for {
		var pred string
		for _, d := range p.Deps[cur] {
			if remaining[d] {
				pred = d
				break
			}
		}
		if i, seen := index[pred]; seen {
			walk = walk[i:]
			break
		}
		index[pred] = len(walk)
		walk = append(walk, pred)
		cur = pred
	}

	// walk runs against edge direction; reverse it and rotate to the smallest id.
	cycle := make([]string, len(walk))
	for i, id := range walk {
		cycle[len(walk)-1-i] = id
	}
	start := 0
	for i, id := range cycle {
		if id < cycle[start] {
			start = i
		}
	}
	cycle = append(cycle[start:], cycle[:start]...)
	return append(cycle, cycle[0])
}

// Downstream returns every node reachable from id, sorted, excluding id.
func (p *Plan) Downstream(id string) []string {
	seen := map[string]bool{id: true}
	stack := append([]string(nil), p.Dependents[id]...)
	var out []string
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		stack = append(stack, p.Dependents[n]...)
	}
	sort.Strings(out)
	return out
}

// Edges returns every planned edge in source-node order.
func (p *Plan) Edges() []*PlannedEdge {
	var out []*PlannedEdge
	for _, id := range p.Order {
		out = append(out, p.Outbound[id]...)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
