// Package analysis validates analysis definitions against the type registry
// and keeps the catalogue of analyses that workflow nodes refer to by id.
package analysis

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/me/weft/internal/registry"
	"github.com/me/weft/pkg/model"
)

// New validates def against reg and returns a private copy of it.
//
// Every port must name a registered (type, format), port names must be unique
// per direction, the mode must be known and carry exactly its own payload, and
// any default literal must pass the port's format validator.
func New(reg *registry.Registry, def model.Analysis) (*model.Analysis, error) {
	if def.ID == "" {
		return nil, errors.New("analysis id is required")
	}
	if err := checkPorts(reg, def.ID, "input", def.Inputs); err != nil {
		return nil, err
	}
	if err := checkPorts(reg, def.ID, "output", def.Outputs); err != nil {
		return nil, err
	}
	if err := checkPayload(&def); err != nil {
		return nil, fmt.Errorf("analysis %q: %w", def.ID, err)
	}
	return clone(&def), nil
}

func checkPorts(reg *registry.Registry, id, direction string, ports []model.Port) error {
	seen := make(map[string]bool, len(ports))
	for _, p := range ports {
		if p.Name == "" {
			return fmt.Errorf("analysis %q: %s port with empty name", id, direction)
		}
		if seen[p.Name] {
			return fmt.Errorf("analysis %q: duplicate %s port %q", id, direction, p.Name)
		}
		seen[p.Name] = true
		if _, ok := reg.Format(p.Ref()); !ok {
			return fmt.Errorf("analysis %q: %w", id, &model.UnknownFormatError{Format: p.Ref(), Port: p.Name})
		}
		if direction == "input" && p.HasDefault() && p.ValidatesAutomatically() {
			if err := reg.Validate(p.Ref(), p.Default); err != nil {
				var ve *model.ValidationError
				if errors.As(err, &ve) {
					ve.Port = p.Name
				}
				return fmt.Errorf("analysis %q: default: %w", id, err)
			}
		}
	}
	return nil
}

func checkPayload(a *model.Analysis) error {
	if !a.Mode.Valid() {
		return fmt.Errorf("unknown mode %q", a.Mode)
	}
	set := map[model.Mode]bool{
		model.ModeNative:      a.Native != nil,
		model.ModeInterpreter: a.Script != nil,
		model.ModeContainer:   a.Container != nil,
		model.ModeWorkflow:    a.Workflow != nil,
	}
	for m, ok := range set {
		if ok && m != a.Mode {
			return fmt.Errorf("mode %s carries a %s payload", a.Mode, m)
		}
	}
	if !set[a.Mode] {
		return fmt.Errorf("mode %s requires a %s payload", a.Mode, a.Mode)
	}

	switch a.Mode {
	case model.ModeNative:
		if a.Native.Function == "" {
			return errors.New("native payload: function is required")
		}
	case model.ModeInterpreter:
		if a.Script.Language == "" {
			return errors.New("script payload: language is required")
		}
		if a.Script.Script == "" {
			return errors.New("script payload: script is required")
		}
	case model.ModeContainer:
		if a.Container.Image == "" {
			return errors.New("container payload: image is required")
		}
		for name, out := range a.Container.Outputs {
			if _, ok := a.Output(name); !ok {
				return fmt.Errorf("container payload: output %q is not a declared port", name)
			}
			if out.Stream != "" && out.Stream != "stdout" && out.Stream != "stderr" {
				return fmt.Errorf("container payload: output %q: unknown stream %q", name, out.Stream)
			}
		}
	case model.ModeWorkflow:
		return checkWorkflowPayload(a)
	}
	return nil
}

func checkWorkflowPayload(a *model.Analysis) error {
	w := a.Workflow
	if w.Spec == nil {
		return errors.New("workflow payload: spec is required")
	}
	for name, ep := range w.Inputs {
		if _, ok := a.Input(name); !ok {
			return fmt.Errorf("workflow payload: input %q is not a declared port", name)
		}
		if _, _, err := model.ParseEndpoint(ep); err != nil {
			return fmt.Errorf("workflow payload: input %q: %w", name, err)
		}
	}
	for _, p := range a.Outputs {
		ep, ok := w.Outputs[p.Name]
		if !ok {
			return fmt.Errorf("workflow payload: output %q is not mapped to an inner port", p.Name)
		}
		if _, _, err := model.ParseEndpoint(ep); err != nil {
			return fmt.Errorf("workflow payload: output %q: %w", p.Name, err)
		}
	}
	if len(w.Outputs) != len(a.Outputs) {
		return errors.New("workflow payload: outputs map undeclared ports")
	}
	return nil
}

func clone(a *model.Analysis) *model.Analysis {
	c := *a
	c.Inputs = append([]model.Port(nil), a.Inputs...)
	c.Outputs = append([]model.Port(nil), a.Outputs...)
	if a.Native != nil {
		n := *a.Native
		c.Native = &n
	}
	if a.Script != nil {
		s := *a.Script
		c.Script = &s
	}
	if a.Container != nil {
		ct := *a.Container
		ct.Command = append([]string(nil), a.Container.Command...)
		ct.Env = copyMap(a.Container.Env)
		ct.Outputs = copyMap(a.Container.Outputs)
		c.Container = &ct
	}
	if a.Workflow != nil {
		w := *a.Workflow
		w.Inputs = copyMap(a.Workflow.Inputs)
		w.Outputs = copyMap(a.Workflow.Outputs)
		c.Workflow = &w
	}
	return &c
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Catalog holds validated analyses by id. It is safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	analyses map[string]*model.Analysis
}

// NewCatalog returns an empty catalogue.
func NewCatalog() *Catalog {
	return &Catalog{analyses: make(map[string]*model.Analysis)}
}

// Register adds a validated analysis. Ids are unique.
func (c *Catalog) Register(a *model.Analysis) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.analyses[a.ID]; ok {
		return fmt.Errorf("analysis %q already registered", a.ID)
	}
	c.analyses[a.ID] = a
	return nil
}

// Add validates def with New and registers the result.
func (c *Catalog) Add(reg *registry.Registry, def model.Analysis) (*model.Analysis, error) {
	a, err := New(reg, def)
	if err != nil {
		return nil, err
	}
	if err := c.Register(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns the analysis with the given id.
func (c *Catalog) Get(id string) (*model.Analysis, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.analyses[id]
	return a, ok
}

// List returns all analyses sorted by id.
func (c *Catalog) List() []*model.Analysis {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.Analysis, 0, len(c.analyses))
	for _, a := range c.analyses {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered analyses.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.analyses)
}
