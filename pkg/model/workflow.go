package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// WorkflowSpec is a submitted workflow document: analysis instances (nodes)
// connected by port-to-port edges, plus literal input bindings on the nodes.
type WorkflowSpec struct {
	ID          string     `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []NodeSpec `json:"nodes" yaml:"nodes"`
	Edges       []EdgeSpec `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// NodeSpec is one node of a WorkflowSpec. It references a catalogued analysis
// by id or carries an inline definition.
type NodeSpec struct {
	ID       string             `json:"id" yaml:"id"`
	Analysis string             `json:"analysis,omitempty" yaml:"analysis,omitempty"`
	Inline   *Analysis          `json:"inline,omitempty" yaml:"inline,omitempty"`
	Inputs   map[string]Literal `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// EdgeSpec connects "node/port" to "node/port".
type EdgeSpec struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Edge returns the parsed edge.
func (e EdgeSpec) Edge() (Edge, error) {
	sn, sp, err := ParseEndpoint(e.From)
	if err != nil {
		return Edge{}, fmt.Errorf("edge from: %w", err)
	}
	dn, dp, err := ParseEndpoint(e.To)
	if err != nil {
		return Edge{}, fmt.Errorf("edge to: %w", err)
	}
	return Edge{SrcNode: sn, SrcPort: sp, DstNode: dn, DstPort: dp}, nil
}

// Edge is a directed port-to-port connection.
type Edge struct {
	SrcNode string `json:"src_node"`
	SrcPort string `json:"src_port"`
	DstNode string `json:"dst_node"`
	DstPort string `json:"dst_port"`
}

func (e Edge) String() string {
	return e.SrcNode + "/" + e.SrcPort + " -> " + e.DstNode + "/" + e.DstPort
}

// ParseEndpoint splits "node/port".
func ParseEndpoint(s string) (node, port string, err error) {
	node, port, ok := strings.Cut(s, "/")
	if !ok || node == "" || port == "" {
		return "", "", fmt.Errorf("invalid endpoint %q (want node/port)", s)
	}
	return node, port, nil
}

// Literal is an externally supplied input value. Format may be empty, in which
// case the value is dynamically typed and its format is inferred on arrival.
// When Location is set the data is fetched from a file://, http(s):// or s3:// URI.
//
// In documents a literal is either a bare value or a mapping with at least one
// of the keys "data" or "location".
type Literal struct {
	Format   string `json:"format,omitempty" yaml:"format,omitempty"`
	Data     any    `json:"data,omitempty" yaml:"data,omitempty"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
}

// Dynamic reports whether the literal's format must be inferred.
func (l Literal) Dynamic() bool {
	return l.Format == ""
}

type literalFields struct {
	Format   string `json:"format,omitempty" yaml:"format,omitempty"`
	Data     any    `json:"data,omitempty" yaml:"data,omitempty"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
}

// UnmarshalJSON accepts both the bare and the structured form.
func (l *Literal) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if m, ok := raw.(map[string]any); ok && isStructuredLiteral(m) {
		var f literalFields
		if err := json.Unmarshal(b, &f); err != nil {
			return err
		}
		*l = Literal(f)
		return nil
	}
	*l = Literal{Data: raw}
	return nil
}

// UnmarshalYAML accepts both the bare and the structured form.
func (l *Literal) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if m, ok := raw.(map[string]any); ok && isStructuredLiteral(m) {
		var f literalFields
		if err := node.Decode(&f); err != nil {
			return err
		}
		*l = Literal(f)
		return nil
	}
	*l = Literal{Data: raw}
	return nil
}

// MarshalJSON writes the bare form when it reads back unchanged and the
// structured form otherwise.
func (l Literal) MarshalJSON() ([]byte, error) {
	if l.Format == "" && l.Location == "" {
		if m, ok := l.Data.(map[string]any); !ok || !isStructuredLiteral(m) {
			return json.Marshal(l.Data)
		}
	}
	if l.Location != "" {
		return json.Marshal(literalFields(l))
	}
	return json.Marshal(struct {
		Format string `json:"format,omitempty"`
		Data   any    `json:"data"`
	}{l.Format, l.Data})
}

func isStructuredLiteral(m map[string]any) bool {
	_, hasData := m["data"]
	_, hasLoc := m["location"]
	return hasData || hasLoc
}

// Value is data tagged with the format it is currently in.
type Value struct {
	Type   string `json:"type"`
	Format string `json:"format"`
	Data   any    `json:"data"`
}

// Ref returns the value's (type, format) pair.
func (v Value) Ref() FormatRef {
	return FormatRef{Type: v.Type, Format: v.Format}
}
