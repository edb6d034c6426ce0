// Package parser reads workflow and analysis documents. Documents are YAML;
// JSON is accepted as the YAML subset it is.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/weft/pkg/model"
)

// Parser converts raw documents into typed workflow and analysis specs.
type Parser struct {
	logger *slog.Logger
}

// New creates a Parser with the given logger.
func New(logger *slog.Logger) *Parser {
	return &Parser{logger: logger.With("component", "parser")}
}

// ParseWorkflow parses a workflow document. $import directives are resolved
// relative to the working directory.
func (p *Parser) ParseWorkflow(data []byte) (*model.WorkflowSpec, error) {
	return p.ParseWorkflowWithBase(data, ".")
}

// ParseWorkflowWithBase parses a workflow document and resolves $import
// directives relative to baseDir. An empty baseDir rejects $import.
//
// Besides the canonical form, nodes may be given as a mapping keyed by node
// id and edges as "src/port -> dst/port" strings.
func (p *Parser) ParseWorkflowWithBase(data []byte, baseDir string) (*model.WorkflowSpec, error) {
	raw, err := p.load(data, baseDir)
	if err != nil {
		return nil, err
	}
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("workflow document must be a mapping, got %s", kind(raw))
	}
	if err := normalizeWorkflow(doc); err != nil {
		return nil, err
	}

	var spec model.WorkflowSpec
	if err := decodeStrict(doc, &spec); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	p.logger.Debug("parsed workflow", "id", spec.ID, "nodes", len(spec.Nodes), "edges", len(spec.Edges))
	return &spec, nil
}

// ParseWorkflowFile reads and parses a workflow document from path.
func (p *Parser) ParseWorkflowFile(path string) (*model.WorkflowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return p.ParseWorkflowWithBase(data, filepath.Dir(path))
}

// ParseAnalysis parses an analysis definition. Embedded workflow specs accept
// the same shorthand as ParseWorkflow.
func (p *Parser) ParseAnalysis(data []byte, baseDir string) (*model.Analysis, error) {
	raw, err := p.load(data, baseDir)
	if err != nil {
		return nil, err
	}
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("analysis document must be a mapping, got %s", kind(raw))
	}
	if err := normalizeAnalysis(doc); err != nil {
		return nil, err
	}
	var a model.Analysis
	if err := decodeStrict(doc, &a); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	return &a, nil
}

// LoadAnalyses parses every .yaml, .yml and .json file in dir, in file name
// order.
func (p *Parser) LoadAnalyses(dir string) ([]*model.Analysis, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read analyses dir: %w", err)
	}
	var out []*model.Analysis
	for _, e := range entries {
		if e.IsDir() || !isDocument(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		a, err := p.ParseAnalysis(data, dir)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out = append(out, a)
	}
	p.logger.Debug("loaded analyses", "dir", dir, "count", len(out))
	return out, nil
}

// ParseBindings parses an input document mapping "node/port" to literals.
func (p *Parser) ParseBindings(data []byte) (map[string]model.Literal, error) {
	var raw map[string]model.Literal
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	for k := range raw {
		if _, _, err := model.ParseEndpoint(k); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// ApplyBindings binds literals onto the spec's nodes, replacing existing
// bindings for the same port.
func ApplyBindings(spec *model.WorkflowSpec, bindings map[string]model.Literal) error {
	index := make(map[string]int, len(spec.Nodes))
	for i, n := range spec.Nodes {
		index[n.ID] = i
	}
	keys := make([]string, 0, len(bindings))
	for k := range bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		node, port, err := model.ParseEndpoint(k)
		if err != nil {
			return err
		}
		i, ok := index[node]
		if !ok {
			return fmt.Errorf("binding %s: unknown node %q", k, node)
		}
		if spec.Nodes[i].Inputs == nil {
			spec.Nodes[i].Inputs = make(map[string]model.Literal)
		}
		spec.Nodes[i].Inputs[port] = bindings[k]
	}
	return nil
}

func (p *Parser) load(data []byte, baseDir string) (any, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	resolved, err := resolveImports(raw, baseDir, nil)
	if err != nil {
		return nil, fmt.Errorf("resolve imports: %w", err)
	}
	return resolved, nil
}

func normalizeWorkflow(doc map[string]any) error {
	if nodes, ok := doc["nodes"].(map[string]any); ok {
		ids := make([]string, 0, len(nodes))
		for id := range nodes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		list := make([]any, 0, len(ids))
		for _, id := range ids {
			n, ok := nodes[id].(map[string]any)
			if !ok {
				return fmt.Errorf("node %q must be a mapping, got %s", id, kind(nodes[id]))
			}
			if existing, ok := n["id"]; ok && existing != id {
				return fmt.Errorf("node %q declares id %v", id, existing)
			}
			n["id"] = id
			list = append(list, n)
		}
		doc["nodes"] = list
	}

	if nodes, ok := doc["nodes"].([]any); ok {
		for _, n := range nodes {
			m, ok := n.(map[string]any)
			if !ok {
				continue
			}
			if inline, ok := m["inline"].(map[string]any); ok {
				if err := normalizeAnalysis(inline); err != nil {
					return fmt.Errorf("node %v: %w", m["id"], err)
				}
			}
		}
	}

	edges, ok := doc["edges"].([]any)
	if !ok {
		return nil
	}
	for i, e := range edges {
		s, ok := e.(string)
		if !ok {
			continue
		}
		from, to, found := strings.Cut(s, "->")
		if !found {
			return fmt.Errorf("edge %d: %q is not of the form \"src/port -> dst/port\"", i, s)
		}
		edges[i] = map[string]any{"from": strings.TrimSpace(from), "to": strings.TrimSpace(to)}
	}
	return nil
}

func normalizeAnalysis(doc map[string]any) error {
	w, ok := doc["workflow"].(map[string]any)
	if !ok {
		return nil
	}
	spec, ok := w["spec"].(map[string]any)
	if !ok {
		return nil
	}
	return normalizeWorkflow(spec)
}

// decodeStrict re-encodes a normalized document and decodes it into out,
// rejecting unknown fields.
func decodeStrict(doc any, out any) error {
	b, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// resolveImports recursively resolves $import directives, replacing each with
// the parsed content of the referenced file. Import cycles are rejected.
func resolveImports(v any, baseDir string, stack []string) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if importPath, ok := val["$import"].(string); ok && len(val) == 1 {
			if baseDir == "" {
				return nil, fmt.Errorf("$import %q: imports are disabled", importPath)
			}
			fullPath := importPath
			if !filepath.IsAbs(importPath) {
				fullPath = filepath.Join(baseDir, importPath)
			}
			for _, s := range stack {
				if s == fullPath {
					return nil, fmt.Errorf("import cycle: %s", strings.Join(append(stack, fullPath), " -> "))
				}
			}

			data, err := os.ReadFile(fullPath)
			if err != nil {
				return nil, fmt.Errorf("read import %q: %w", importPath, err)
			}
			var imported any
			if err := yaml.Unmarshal(data, &imported); err != nil {
				return nil, fmt.Errorf("parse import %q: %w", importPath, err)
			}
			return resolveImports(imported, filepath.Dir(fullPath), append(stack, fullPath))
		}

		result := make(map[string]any, len(val))
		for k, v := range val {
			resolved, err := resolveImports(v, baseDir, stack)
			if err != nil {
				return nil, err
			}
			result[k] = resolved
		}
		return result, nil

	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveImports(item, baseDir, stack)
			if err != nil {
				return nil, err
			}
			result[i] = resolved
		}
		return result, nil

	default:
		return v, nil
	}
}

func isDocument(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "nothing"
	case []any:
		return "a sequence"
	case map[string]any:
		return "a mapping"
	}
	return fmt.Sprintf("%T", v)
}
