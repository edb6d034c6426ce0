package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/me/weft/internal/registry"
	"github.com/me/weft/pkg/model"
)

// WorkflowRunner runs an embedded workflow to completion. depth is the nesting
// level of the embedded workflow.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, spec *model.WorkflowSpec, depth int) (*model.RunResult, error)
}

// NestedFailureError reports the inner nodes that failed or were skipped.
type NestedFailureError struct {
	RunID    string
	Failures []*model.NodeResult
}

func (e *NestedFailureError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, n := range e.Failures {
		if n.Error != "" {
			parts = append(parts, fmt.Sprintf("%s %s: %s", n.NodeID, n.State, n.Error))
		} else {
			parts = append(parts, fmt.Sprintf("%s %s", n.NodeID, n.State))
		}
	}
	return fmt.Sprintf("nested workflow run %s failed: %s", e.RunID, strings.Join(parts, "; "))
}

// WorkflowExecutor runs analyses whose payload is an embedded workflow.
type WorkflowExecutor struct {
	reg    *registry.Registry
	runner WorkflowRunner
	logger *slog.Logger
}

// NewWorkflowExecutor creates a WorkflowExecutor that hands embedded
// workflows to runner.
func NewWorkflowExecutor(reg *registry.Registry, runner WorkflowRunner, logger *slog.Logger) *WorkflowExecutor {
	return &WorkflowExecutor{reg: reg, runner: runner, logger: logger.With("component", "workflow-executor")}
}

// Mode returns model.ModeWorkflow.
func (e *WorkflowExecutor) Mode() model.Mode {
	return model.ModeWorkflow
}

// Execute binds this task's inputs as literals on the inner nodes, runs the
// embedded workflow and maps the inner outputs back to this task's outputs.
func (e *WorkflowExecutor) Execute(ctx context.Context, inv *Invocation) (map[string]any, error) {
	a := inv.Analysis
	w := a.Workflow
	if w == nil || w.Spec == nil {
		return nil, fmt.Errorf("analysis %q has no workflow payload", a.ID)
	}

	spec, err := BindNested(a, inv.Inputs)
	if err != nil {
		return nil, err
	}
	res, err := e.runner.RunWorkflow(ctx, spec, inv.Depth+1)
	if err != nil {
		return nil, err
	}
	if res.Status != model.RunStatusSucceeded {
		return nil, &NestedFailureError{RunID: res.ID, Failures: res.Failures()}
	}

	outputs := make(map[string]any, len(a.Outputs))
	for _, p := range a.Outputs {
		node, port, err := model.ParseEndpoint(w.Outputs[p.Name])
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", p.Name, err)
		}
		nr, ok := res.Nodes[node]
		if !ok {
			return nil, fmt.Errorf("output %q: inner node %q not found", p.Name, node)
		}
		v, ok := nr.Outputs[port]
		if !ok {
			return nil, fmt.Errorf("output %q: inner node %q produced no %q", p.Name, node, port)
		}
		conv, err := e.reg.Convert(ctx, v, p.Ref())
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", p.Name, err)
		}
		outputs[p.Name] = conv.Data
	}
	e.logger.Debug("nested workflow finished", "node", inv.NodeID, "inner_run", res.ID)
	return outputs, nil
}

// BindNested copies the embedded spec and binds each supplied input to its
// inner endpoint as a statically typed literal.
func BindNested(a *model.Analysis, inputs map[string]any) (*model.WorkflowSpec, error) {
	w := a.Workflow
	spec := *w.Spec
	spec.Nodes = make([]model.NodeSpec, len(w.Spec.Nodes))
	index := make(map[string]int, len(spec.Nodes))
	for i, n := range w.Spec.Nodes {
		n.Inputs = copyLiterals(n.Inputs)
		spec.Nodes[i] = n
		index[n.ID] = i
	}

	for _, p := range a.Inputs {
		ep, mapped := w.Inputs[p.Name]
		v, bound := inputs[p.Name]
		if !mapped || !bound {
			continue
		}
		node, port, err := model.ParseEndpoint(ep)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", p.Name, err)
		}
		i, ok := index[node]
		if !ok {
			return nil, fmt.Errorf("input %q: inner node %q not found", p.Name, node)
		}
		if spec.Nodes[i].Inputs == nil {
			spec.Nodes[i].Inputs = make(map[string]model.Literal)
		}
		spec.Nodes[i].Inputs[port] = model.Literal{Format: p.Ref().String(), Data: v}
	}
	return &spec, nil
}

func copyLiterals(m map[string]model.Literal) map[string]model.Literal {
	if m == nil {
		return nil
	}
	out := make(map[string]model.Literal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
