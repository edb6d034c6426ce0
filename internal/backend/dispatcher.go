// Package backend executes a single analysis invocation through the executor
// registered for the analysis' mode.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/me/weft/pkg/model"
)

// Invocation is one execution of an analysis on a workflow node. Inputs hold
// fully converted values keyed by input port name, each already in the
// port's declared format. Unbound optional inputs are absent.
type Invocation struct {
	RunID    string
	NodeID   string
	Analysis *model.Analysis
	Inputs   map[string]any
	// Depth is the nesting level of the workflow that owns this node.
	Depth int
}

// Executor runs invocations for one mode. Outputs are keyed by output port
// name and must be in each port's declared format.
type Executor interface {
	Mode() model.Mode
	Execute(ctx context.Context, inv *Invocation) (map[string]any, error)
}

// Dispatcher maps modes to executors. Registration happens at startup before
// concurrent access.
type Dispatcher struct {
	executors map[model.Mode]Executor
	logger    *slog.Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		executors: make(map[model.Mode]Executor),
		logger:    logger.With("component", "dispatcher"),
	}
}

// Register adds an executor keyed by its Mode, replacing any previous one.
func (d *Dispatcher) Register(e Executor) {
	d.executors[e.Mode()] = e
	d.logger.Debug("executor registered", "mode", e.Mode())
}

// Get returns the executor for mode.
func (d *Dispatcher) Get(mode model.Mode) (Executor, error) {
	e, ok := d.executors[mode]
	if !ok {
		return nil, fmt.Errorf("no executor registered for mode %q", mode)
	}
	return e, nil
}

// Modes returns the registered modes, sorted.
func (d *Dispatcher) Modes() []model.Mode {
	out := make([]model.Mode, 0, len(d.executors))
	for m := range d.executors {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch runs inv on the executor for its analysis' mode. Every failure,
// including a panic inside the executor and a missing declared output, is
// returned as a *model.TaskExecutionError. Nothing is retried.
func (d *Dispatcher) Dispatch(ctx context.Context, inv *Invocation) (outputs map[string]any, err error) {
	mode := inv.Analysis.Mode
	fail := func(cause error) error {
		return &model.TaskExecutionError{NodeID: inv.NodeID, Mode: mode, Cause: cause}
	}

	exec, err := d.Get(mode)
	if err != nil {
		return nil, fail(err)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("executor panic", "node", inv.NodeID, "mode", mode, "panic", r, "stack", string(debug.Stack()))
			outputs, err = nil, fail(fmt.Errorf("panic: %v", r))
		}
	}()

	outputs, err = exec.Execute(ctx, inv)
	if err != nil {
		var te *model.TaskExecutionError
		if errors.As(err, &te) && te.NodeID == inv.NodeID {
			return nil, err
		}
		return nil, fail(err)
	}
	for _, p := range inv.Analysis.Outputs {
		if _, ok := outputs[p.Name]; !ok {
			return nil, fail(fmt.Errorf("output %q was not produced", p.Name))
		}
	}

	d.logger.Debug("task executed",
		"run_id", inv.RunID,
		"node", inv.NodeID,
		"mode", mode,
		"duration", time.Since(start),
	)
	return outputs, nil
}
