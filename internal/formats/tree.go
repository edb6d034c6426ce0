package formats

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/me/weft/internal/registry"
)

// A nested tree node is a map with an optional "name" string, an optional
// "length" branch length and an optional "children" list of nested nodes.

func checkNested(data any) error {
	m, ok := data.(map[string]any)
	if !ok {
		return fmt.Errorf("want tree node, got %T", data)
	}
	if n, ok := m["name"]; ok {
		if _, ok := n.(string); !ok {
			return fmt.Errorf("node name: want string, got %T", n)
		}
	}
	if l, ok := m["length"]; ok && l != nil {
		if _, err := ToFloat(l); err != nil {
			return fmt.Errorf("node length: %w", err)
		}
	}
	children, err := nestedChildren(m)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := checkNested(c); err != nil {
			return err
		}
	}
	return nil
}

func nestedChildren(m map[string]any) ([]any, error) {
	c, ok := m["children"]
	if !ok || c == nil {
		return nil, nil
	}
	switch v := c.(type) {
	case []any:
		return v, nil
	case []map[string]any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, nil
	}
	return nil, fmt.Errorf("children: want list, got %T", c)
}

// WriteNewick renders a nested tree in Newick notation.
func WriteNewick(tree map[string]any) (string, error) {
	if err := checkNested(tree); err != nil {
		return "", err
	}
	var b strings.Builder
	writeNewickNode(&b, tree)
	b.WriteByte(';')
	return b.String(), nil
}

func writeNewickNode(b *strings.Builder, m map[string]any) {
	children, _ := nestedChildren(m)
	if len(children) > 0 {
		b.WriteByte('(')
		for i, c := range children {
			if i > 0 {
				b.WriteByte(',')
			}
			writeNewickNode(b, c.(map[string]any))
		}
		b.WriteByte(')')
	}
	if name, _ := m["name"].(string); name != "" {
		b.WriteString(quoteNewick(name))
	}
	if l, ok := m["length"]; ok && l != nil {
		f, _ := ToFloat(l)
		b.WriteByte(':')
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
}

func quoteNewick(name string) string {
	if strings.ContainsAny(name, "(),:;' \t\n[]") {
		return "'" + strings.ReplaceAll(name, "'", "''") + "'"
	}
	return name
}

// ParseNewick parses Newick text into a nested tree.
func ParseNewick(text string) (map[string]any, error) {
	p := &newickParser{src: strings.TrimSpace(text)}
	node, err := p.node()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eat(';') {
		return nil, p.errorf("expected ';'")
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("trailing input")
	}
	return node, nil
}

type newickParser struct {
	src string
	pos int
}

func (p *newickParser) errorf(format string, args ...any) error {
	return fmt.Errorf("newick: offset %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *newickParser) skipSpace() {
	for p.pos < len(p.src) && strings.ContainsRune(" \t\r\n", rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *newickParser) peek() byte {
	if p.pos < len(p.src) {
		return p.src[p.pos]
	}
	return 0
}

func (p *newickParser) eat(c byte) bool {
	if p.peek() == c {
		p.pos++
		return true
	}
	return false
}

func (p *newickParser) node() (map[string]any, error) {
	node := map[string]any{}
	p.skipSpace()
	if p.eat('(') {
		var children []any
		for {
			child, err := p.node()
			if err != nil {
				return nil, err
			}
			children = append(children, child)
			p.skipSpace()
			if p.eat(',') {
				continue
			}
			if p.eat(')') {
				break
			}
			return nil, p.errorf("expected ',' or ')'")
		}
		node["children"] = children
	}
	p.skipSpace()
	name, err := p.label()
	if err != nil {
		return nil, err
	}
	if name != "" {
		node["name"] = name
	}
	p.skipSpace()
	if p.eat(':') {
		p.skipSpace()
		start := p.pos
		for p.pos < len(p.src) && strings.IndexByte("0123456789.eE+-", p.src[p.pos]) >= 0 {
			p.pos++
		}
		f, err := strconv.ParseFloat(p.src[start:p.pos], 64)
		if err != nil {
			return nil, p.errorf("bad branch length %q", p.src[start:p.pos])
		}
		node["length"] = f
	}
	return node, nil
}

func (p *newickParser) label() (string, error) {
	if p.eat('\'') {
		var b strings.Builder
		for {
			if p.pos >= len(p.src) {
				return "", p.errorf("unterminated quoted label")
			}
			c := p.src[p.pos]
			p.pos++
			if c == '\'' {
				if p.eat('\'') {
					b.WriteByte('\'')
					continue
				}
				return b.String(), nil
			}
			b.WriteByte(c)
		}
	}
	start := p.pos
	for p.pos < len(p.src) && !strings.ContainsRune("(),:;' \t\r\n", rune(p.src[p.pos])) {
		p.pos++
	}
	return p.src[start:p.pos], nil
}

func isNewick(data any) error {
	s, ok := data.(string)
	if !ok {
		return fmt.Errorf("want Newick text, got %T", data)
	}
	_, err := ParseNewick(s)
	return err
}

func isJSONTree(data any) error {
	var m map[string]any
	if err := fromJSON(data, &m); err != nil {
		return err
	}
	return checkNested(m)
}

func registerTree(reg *registry.Registry) error {
	if err := reg.RegisterType(TypeTree, "Hierarchical data"); err != nil {
		return err
	}
	formats := []struct {
		name      string
		desc      string
		validator registry.ValidateFunc
		codec     *registry.Codec
	}{
		{"nested", "Nested maps with name and children", checkNested, nil},
		{"json", "JSON text of a nested tree", isJSONTree, textCodec(".json", "application/json")},
		{"newick", "Newick text", isNewick, textCodec(".nwk", "text/x-nh")},
	}
	for _, f := range formats {
		if err := reg.RegisterFormat(Ref(TypeTree, f.name),
			registry.WithDescription(f.desc),
			registry.WithValidator(f.validator),
			registry.WithCodec(f.codec),
		); err != nil {
			return err
		}
	}

	return registerPairs(reg, TypeTree, []pair{
		{
			a: "nested", b: "json", cost: 1, lossless: true,
			ab: pure(func(d any) (any, error) {
				if err := checkNested(d); err != nil {
					return nil, err
				}
				return toJSON(d)
			}),
			ba: pure(func(d any) (any, error) {
				var m map[string]any
				if err := fromJSON(d, &m); err != nil {
					return nil, err
				}
				return m, nil
			}),
		},
		{
			// Newick drops any node attribute other than name and length.
			a: "nested", b: "newick", cost: 2,
			ab: pure(func(d any) (any, error) {
				m, ok := d.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("want tree node, got %T", d)
				}
				return WriteNewick(m)
			}),
			ba: pure(func(d any) (any, error) {
				s, ok := d.(string)
				if !ok {
					return nil, fmt.Errorf("want Newick text, got %T", d)
				}
				return ParseNewick(s)
			}),
		},
	})
}
