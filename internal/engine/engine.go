// Package engine compiles workflow documents into validated plans and runs
// them on a bounded worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"

	"github.com/me/weft/internal/analysis"
	"github.com/me/weft/internal/backend"
	"github.com/me/weft/internal/graph"
	"github.com/me/weft/internal/registry"
	"github.com/me/weft/pkg/model"
)

// Config configures scheduling.
type Config struct {
	// Workers bounds concurrently running tasks. Default: runtime.NumCPU().
	Workers int

	// FailFast skips every not-yet-started node after the first failure.
	FailFast bool

	// MaxDepth bounds workflow nesting. Default: 8.
	MaxDepth int
}

// DefaultConfig returns the default scheduling configuration.
func DefaultConfig() Config {
	return Config{
		Workers:  runtime.NumCPU(),
		MaxDepth: 8,
	}
}

// Fetcher loads the content of a literal's location.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver adds an observer of node transitions.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithMetrics records transitions, task durations and conversions.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithFetcher sets the loader for literal locations.
func WithFetcher(f Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// Engine compiles and executes workflows. It is safe for concurrent use;
// each run owns its own state.
type Engine struct {
	reg        *registry.Registry
	catalog    *analysis.Catalog
	dispatcher *backend.Dispatcher
	config     Config
	observers  Observers
	metrics    *Metrics
	fetcher    Fetcher
	logger     *slog.Logger
}

// New creates an Engine. The registry is frozen. If the dispatcher has no
// executor for nested workflows, one backed by this engine is registered.
func New(reg *registry.Registry, catalog *analysis.Catalog, dispatcher *backend.Dispatcher, config Config, logger *slog.Logger, opts ...Option) *Engine {
	if config.Workers < 1 {
		config.Workers = runtime.NumCPU()
	}
	if config.MaxDepth < 1 {
		config.MaxDepth = DefaultConfig().MaxDepth
	}
	reg.Freeze()
	e := &Engine{
		reg:        reg,
		catalog:    catalog,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger.With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics != nil {
		e.observers = append(e.observers, e.metrics)
	}
	if _, err := dispatcher.Get(model.ModeWorkflow); err != nil {
		dispatcher.Register(backend.NewWorkflowExecutor(reg, e, logger))
	}
	return e
}

// Registry returns the engine's frozen registry.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// Catalog returns the analysis catalogue nodes are resolved against.
func (e *Engine) Catalog() *analysis.Catalog {
	return e.catalog
}

// Compiled is a validated workflow ready to execute.
type Compiled struct {
	Spec  *model.WorkflowSpec
	Plan  *graph.Plan
	depth int
}

// Compile resolves every node's analysis, validates the graph (nested
// workflows included) and loads literal locations. Any error aborts before
// execution.
func (e *Engine) Compile(ctx context.Context, spec *model.WorkflowSpec) (*Compiled, error) {
	return e.compile(ctx, spec, 0, true)
}

func (e *Engine) compile(ctx context.Context, spec *model.WorkflowSpec, depth int, fetch bool) (*Compiled, error) {
	if spec == nil {
		return nil, errors.New("workflow spec is nil")
	}
	if depth > e.config.MaxDepth {
		return nil, fmt.Errorf("workflow nesting exceeds depth %d", e.config.MaxDepth)
	}
	if len(spec.Nodes) == 0 {
		return nil, errors.New("workflow has no nodes")
	}

	g := graph.New(e.reg)
	for _, n := range spec.Nodes {
		a, err := e.resolve(n)
		if err != nil {
			return nil, err
		}
		if err := g.AddNode(n.ID, a); err != nil {
			return nil, err
		}
		if a.Mode == model.ModeWorkflow {
			if err := e.checkNested(ctx, n.ID, a, depth); err != nil {
				return nil, err
			}
		}
	}
	for _, es := range spec.Edges {
		edge, err := es.Edge()
		if err != nil {
			return nil, err
		}
		if err := g.Connect(edge.SrcNode, edge.SrcPort, edge.DstNode, edge.DstPort); err != nil {
			return nil, err
		}
	}
	for _, n := range spec.Nodes {
		ports := make([]string, 0, len(n.Inputs))
		for p := range n.Inputs {
			ports = append(ports, p)
		}
		sort.Strings(ports)
		for _, p := range ports {
			if err := g.Bind(n.ID, p, n.Inputs[p]); err != nil {
				return nil, err
			}
		}
	}

	plan, err := g.Validate()
	if err != nil {
		return nil, err
	}
	if fetch {
		if err := e.loadLocations(ctx, plan); err != nil {
			return nil, err
		}
	}
	return &Compiled{Spec: spec, Plan: plan, depth: depth}, nil
}

func (e *Engine) resolve(n model.NodeSpec) (*model.Analysis, error) {
	switch {
	case n.Inline != nil && n.Analysis != "":
		return nil, fmt.Errorf("node %q: both analysis and inline are set", n.ID)
	case n.Inline != nil:
		a, err := analysis.New(e.reg, *n.Inline)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.ID, err)
		}
		return a, nil
	case n.Analysis != "":
		a, ok := e.catalog.Get(n.Analysis)
		if !ok {
			return nil, fmt.Errorf("node %q: unknown analysis %q", n.ID, n.Analysis)
		}
		return a, nil
	}
	return nil, fmt.Errorf("node %q: no analysis", n.ID)
}

// checkNested validates an embedded workflow as it will run: every mapped
// input that is always supplied (required, or optional with a default) is
// bound with the outer port's format, and every mapped output must convert
// into the outer port's format. An optional input without a default may be
// absent at run time, so it must not satisfy a required inner port.
func (e *Engine) checkNested(ctx context.Context, node string, a *model.Analysis, depth int) error {
	placeholders := make(map[string]any, len(a.Inputs))
	for _, p := range a.Inputs {
		if p.Required() || p.HasDefault() {
			placeholders[p.Name] = nil
		}
	}
	inner, err := backend.BindNested(a, placeholders)
	if err != nil {
		return fmt.Errorf("node %q: %w", node, err)
	}
	c, err := e.compile(ctx, inner, depth+1, false)
	if err != nil {
		return fmt.Errorf("node %q: nested workflow: %w", node, err)
	}
	for _, p := range a.Outputs {
		innerNode, innerPort, err := model.ParseEndpoint(a.Workflow.Outputs[p.Name])
		if err != nil {
			return fmt.Errorf("node %q: output %q: %w", node, p.Name, err)
		}
		ia, ok := c.Plan.Nodes[innerNode]
		if !ok {
			return fmt.Errorf("node %q: output %q: inner node %q not found", node, p.Name, innerNode)
		}
		out, ok := ia.Output(innerPort)
		if !ok {
			return fmt.Errorf("node %q: %w", node, &model.DanglingPortError{Node: innerNode, Port: innerPort, Direction: "output"})
		}
		if _, err := e.reg.FindPath(out.Ref(), p.Ref()); err != nil {
			return fmt.Errorf("node %q: output %q: %w", node, p.Name, err)
		}
	}
	return nil
}

// loadLocations replaces location literals with their decoded content.
// Statically typed literals are decoded with their format's codec; dynamic
// ones arrive as text.
func (e *Engine) loadLocations(ctx context.Context, plan *graph.Plan) error {
	for _, node := range plan.Order {
		lits := plan.Literals[node]
		ports := make([]string, 0, len(lits))
		for p := range lits {
			ports = append(ports, p)
		}
		sort.Strings(ports)
		for _, port := range ports {
			pl := lits[port]
			if pl.Literal.Location == "" {
				continue
			}
			if e.fetcher == nil {
				return fmt.Errorf("node %q: input %q: no fetcher configured for %s", node, port, pl.Literal.Location)
			}
			b, err := e.fetcher.Fetch(ctx, pl.Literal.Location)
			if err != nil {
				return fmt.Errorf("node %q: input %q: %w", node, port, err)
			}
			var data any = string(b)
			if !pl.Literal.Dynamic() {
				f, _ := e.reg.Format(pl.Source)
				if f == nil || f.Codec == nil {
					return fmt.Errorf("node %q: input %q: format %s has no file representation", node, port, pl.Source)
				}
				if data, err = f.Codec.Decode(b); err != nil {
					return fmt.Errorf("node %q: input %q: decode %s: %w", node, port, pl.Literal.Location, err)
				}
			}
			pl.Literal.Data = data
			pl.Literal.Location = ""
		}
	}
	return nil
}

// Submit compiles and executes spec.
func (e *Engine) Submit(ctx context.Context, spec *model.WorkflowSpec) (*model.RunResult, error) {
	c, err := e.Compile(ctx, spec)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, c)
}

// Execute runs a compiled workflow to completion. Node failures are reported
// in the result, not as an error.
func (e *Engine) Execute(ctx context.Context, c *Compiled) (*model.RunResult, error) {
	if c == nil || c.Plan == nil {
		return nil, errors.New("workflow is not compiled")
	}
	return newRun(e, c).execute(ctx), nil
}

// Run is an execution started in the background by Start.
type Run struct {
	ID string

	// Initial is the run as it stood when Start returned: status RUNNING
	// with every node PENDING. It is not updated.
	Initial *model.RunResult

	done   chan struct{}
	result *model.RunResult
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes and returns its result.
func (r *Run) Wait() *model.RunResult {
	<-r.done
	return r.result
}

// Start executes a compiled workflow in a new goroutine. The run id is known
// before the first node is scheduled.
func (e *Engine) Start(ctx context.Context, c *Compiled) (*Run, error) {
	if c == nil || c.Plan == nil {
		return nil, errors.New("workflow is not compiled")
	}
	exec := newRun(e, c)
	r := &Run{ID: exec.result.ID, Initial: snapshot(exec.result), done: make(chan struct{})}
	go func() {
		defer close(r.done)
		r.result = exec.execute(ctx)
	}()
	return r, nil
}

func snapshot(res *model.RunResult) *model.RunResult {
	cp := *res
	cp.Nodes = make(map[string]*model.NodeResult, len(res.Nodes))
	for id, n := range res.Nodes {
		nc := *n
		cp.Nodes[id] = &nc
	}
	return &cp
}

// RunWorkflow compiles and runs an embedded workflow at the given nesting
// depth.
func (e *Engine) RunWorkflow(ctx context.Context, spec *model.WorkflowSpec, depth int) (*model.RunResult, error) {
	c, err := e.compile(ctx, spec, depth, true)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, c)
}
