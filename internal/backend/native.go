package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/weft/pkg/model"
)

// Args carries a native function's inputs: Positional in declared input-port
// order (nil for an unbound optional input), Named keyed by port name.
type Args struct {
	Positional []any
	Named      map[string]any
}

// Get returns the named argument.
func (a Args) Get(name string) (any, bool) {
	v, ok := a.Named[name]
	return v, ok
}

// NativeFunc is an in-process analysis. It returns one value per declared
// output port, in declared order.
type NativeFunc func(ctx context.Context, args Args) ([]any, error)

// NativeExecutor runs analyses implemented as Go functions.
type NativeExecutor struct {
	functions map[string]NativeFunc
	logger    *slog.Logger
}

// NewNativeExecutor creates a NativeExecutor with an empty function table.
func NewNativeExecutor(logger *slog.Logger) *NativeExecutor {
	return &NativeExecutor{
		functions: make(map[string]NativeFunc),
		logger:    logger.With("component", "native-executor"),
	}
}

// Register adds a function under name. Names are unique.
func (e *NativeExecutor) Register(name string, fn NativeFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("native function needs a name and a body")
	}
	if _, ok := e.functions[name]; ok {
		return fmt.Errorf("native function %q already registered", name)
	}
	e.functions[name] = fn
	return nil
}

// Functions returns the registered function names, sorted.
func (e *NativeExecutor) Functions() []string {
	names := make([]string, 0, len(e.functions))
	for n := range e.functions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Mode returns model.ModeNative.
func (e *NativeExecutor) Mode() model.Mode {
	return model.ModeNative
}

// Execute calls the function named by the analysis' native payload.
func (e *NativeExecutor) Execute(ctx context.Context, inv *Invocation) (map[string]any, error) {
	a := inv.Analysis
	if a.Native == nil {
		return nil, fmt.Errorf("analysis %q has no native payload", a.ID)
	}
	fn, ok := e.functions[a.Native.Function]
	if !ok {
		return nil, fmt.Errorf("native function %q is not registered", a.Native.Function)
	}

	args := Args{Positional: make([]any, len(a.Inputs)), Named: make(map[string]any, len(inv.Inputs))}
	for i, p := range a.Inputs {
		if v, ok := inv.Inputs[p.Name]; ok {
			args.Positional[i] = v
			args.Named[p.Name] = v
		}
	}

	results, err := fn(ctx, args)
	if err != nil {
		return nil, err
	}
	if len(results) != len(a.Outputs) {
		return nil, fmt.Errorf("native function %q returned %d values for %d outputs",
			a.Native.Function, len(results), len(a.Outputs))
	}
	outputs := make(map[string]any, len(results))
	for i, p := range a.Outputs {
		outputs[p.Name] = results[i]
	}
	return outputs, nil
}
