// Package graph builds workflow graphs of analysis instances and validates
// them into an executable Plan.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/me/weft/internal/registry"
	"github.com/me/weft/pkg/model"
)

// Graph is a mutable workflow under construction. It is not safe for
// concurrent use; Validate produces an immutable Plan.
type Graph struct {
	reg       *registry.Registry
	nodes     map[string]*model.Analysis
	nodeOrder []string
	edges     []model.Edge
	literals  map[string]map[string]model.Literal
}

// New returns an empty graph that plans conversions against reg.
func New(reg *registry.Registry) *Graph {
	return &Graph{
		reg:      reg,
		nodes:    make(map[string]*model.Analysis),
		literals: make(map[string]map[string]model.Literal),
	}
}

// AddNode adds an analysis instance under a unique node id.
func (g *Graph) AddNode(id string, a *model.Analysis) error {
	if id == "" {
		return errors.New("node id is required")
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("node id %q must not contain '/'", id)
	}
	if a == nil {
		return fmt.Errorf("node %q: analysis is nil", id)
	}
	if _, ok := g.nodes[id]; ok {
		return fmt.Errorf("duplicate node id %q", id)
	}
	g.nodes[id] = a
	g.nodeOrder = append(g.nodeOrder, id)
	return nil
}

// Connect records an edge from an output port to an input port. Endpoints are
// checked by Validate.
func (g *Graph) Connect(srcNode, srcPort, dstNode, dstPort string) error {
	if srcNode == "" || srcPort == "" || dstNode == "" || dstPort == "" {
		return fmt.Errorf("incomplete edge %s/%s -> %s/%s", srcNode, srcPort, dstNode, dstPort)
	}
	g.edges = append(g.edges, model.Edge{SrcNode: srcNode, SrcPort: srcPort, DstNode: dstNode, DstPort: dstPort})
	return nil
}

// Bind supplies a literal value for an input port.
func (g *Graph) Bind(node, port string, lit model.Literal) error {
	if node == "" || port == "" {
		return errors.New("binding needs a node and a port")
	}
	m, ok := g.literals[node]
	if !ok {
		m = make(map[string]model.Literal)
		g.literals[node] = m
	}
	if _, dup := m[port]; dup {
		return &model.DuplicateBindingError{Node: node, Port: port, Sources: []string{"literal", "literal"}}
	}
	m[port] = lit
	return nil
}

// Validate checks the graph and returns its execution plan. Checks run in a
// fixed order and the first failure is returned:
//
//  1. every referenced node and port exists (DanglingPortError)
//  2. connected ports share a type and a conversion path exists
//     (TypeMismatchError, NotConvertibleError); static literals likewise
//  3. the graph is acyclic (CycleError)
//  4. every required input is bound exactly once (UnboundInputError,
//     DuplicateBindingError)
func (g *Graph) Validate() (*Plan, error) {
	if err := g.checkEndpoints(); err != nil {
		return nil, err
	}

	plan := newPlan(g.nodes)
	if err := g.planEdges(plan); err != nil {
		return nil, err
	}
	if err := g.planLiterals(plan); err != nil {
		return nil, err
	}
	if err := plan.sort(); err != nil {
		return nil, err
	}
	if err := g.checkBindings(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (g *Graph) checkEndpoints() error {
	for _, e := range g.edges {
		src, ok := g.nodes[e.SrcNode]
		if !ok {
			return &model.DanglingPortError{Node: e.SrcNode}
		}
		if _, ok := src.Output(e.SrcPort); !ok {
			return &model.DanglingPortError{Node: e.SrcNode, Port: e.SrcPort, Direction: "output"}
		}
		dst, ok := g.nodes[e.DstNode]
		if !ok {
			return &model.DanglingPortError{Node: e.DstNode}
		}
		if _, ok := dst.Input(e.DstPort); !ok {
			return &model.DanglingPortError{Node: e.DstNode, Port: e.DstPort, Direction: "input"}
		}
	}
	for _, node := range sortedKeys(g.literals) {
		a, ok := g.nodes[node]
		if !ok {
			return &model.DanglingPortError{Node: node}
		}
		for _, port := range sortedKeys(g.literals[node]) {
			if _, ok := a.Input(port); !ok {
				return &model.DanglingPortError{Node: node, Port: port, Direction: "input", Reason: "literal bound to unknown port"}
			}
		}
	}
	return nil
}

func (g *Graph) planEdges(plan *Plan) error {
	for _, e := range g.edges {
		out, _ := g.nodes[e.SrcNode].Output(e.SrcPort)
		in, _ := g.nodes[e.DstNode].Input(e.DstPort)
		if out.Type != in.Type {
			return &model.TypeMismatchError{Edge: e, FromType: out.Type, ToType: in.Type}
		}
		path, err := g.path(out.Ref(), in)
		if err != nil {
			return fmt.Errorf("edge %s: %w", e, err)
		}
		plan.addEdge(&PlannedEdge{Edge: e, From: out.Ref(), To: in.Ref(), Path: path})
	}
	return nil
}

func (g *Graph) planLiterals(plan *Plan) error {
	for _, node := range sortedKeys(g.literals) {
		a := g.nodes[node]
		for _, port := range sortedKeys(g.literals[node]) {
			lit := g.literals[node][port]
			in, _ := a.Input(port)
			pl := &PlannedLiteral{Port: port, Literal: lit, Target: in.Ref()}
			if !lit.Dynamic() {
				src, err := literalRef(lit.Format, in.Type)
				if err != nil {
					return fmt.Errorf("node %q: input %q: %w", node, port, err)
				}
				if src.Type != in.Type {
					return fmt.Errorf("node %q: input %q: %w", node, port,
						&model.TypeMismatchError{FromType: src.Type, ToType: in.Type})
				}
				if _, ok := g.reg.Format(src); !ok {
					return fmt.Errorf("node %q: %w", node, &model.UnknownFormatError{Format: src, Port: port})
				}
				path, err := g.path(src, in)
				if err != nil {
					return fmt.Errorf("node %q: input %q: %w", node, port, err)
				}
				pl.Source = src
				pl.Path = path
			}
			plan.addLiteral(node, pl)
		}
	}
	return nil
}

// path plans the conversion into port in. Ports that opt out of automatic
// conversion only accept their own format.
func (g *Graph) path(src model.FormatRef, in model.Port) (*registry.Path, error) {
	dst := in.Ref()
	if !in.ConvertsAutomatically() && src != dst {
		return nil, &model.NotConvertibleError{Type: src.Type, From: src, To: dst, Reason: "automatic conversion disabled on port " + in.Name}
	}
	return g.reg.FindPath(src, dst)
}

// literalRef accepts either a bare format name scoped to the port's type or a
// full "type/format" reference.
func literalRef(format, portType string) (model.FormatRef, error) {
	if strings.Contains(format, "/") {
		return model.ParseFormatRef(format)
	}
	return model.FormatRef{Type: portType, Format: format}, nil
}

func (g *Graph) checkBindings(plan *Plan) error {
	for _, id := range plan.Order {
		a := g.nodes[id]
		for _, in := range a.Inputs {
			var sources []string
			for _, pe := range plan.Inbound[id] {
				if pe.Edge.DstPort == in.Name {
					sources = append(sources, pe.Edge.SrcNode+"/"+pe.Edge.SrcPort)
				}
			}
			if _, ok := plan.Literals[id][in.Name]; ok {
				sources = append(sources, "literal")
			}
			switch {
			case len(sources) > 1:
				return &model.DuplicateBindingError{Node: id, Port: in.Name, Sources: sources}
			case len(sources) == 0 && in.Required():
				return &model.UnboundInputError{Node: id, Port: in.Name}
			}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
