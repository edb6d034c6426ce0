package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/weft/internal/analysis"
	"github.com/me/weft/internal/backend"
	"github.com/me/weft/internal/formats"
	"github.com/me/weft/internal/registry"
	"github.com/me/weft/pkg/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func numPort(name string) model.Port {
	return model.Port{Name: name, Type: "number", Format: "number"}
}

// harness wires a registry, catalogue and native executor for engine tests.
type harness struct {
	t       *testing.T
	reg     *registry.Registry
	catalog *analysis.Catalog
	native  *backend.NativeExecutor
	calls   atomic.Int64
	engine  func(cfg Config, opts ...Option) *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := formats.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h := &harness{t: t, reg: reg, catalog: analysis.NewCatalog(), native: backend.NewNativeExecutor(newTestLogger())}
	h.engine = func(cfg Config, opts ...Option) *Engine {
		d := backend.NewDispatcher(newTestLogger())
		d.Register(h.native)
		return New(reg, h.catalog, d, cfg, newTestLogger(), opts...)
	}

	table := func(f string) model.Port { return model.Port{Name: "t", Type: "table", Format: f} }
	optional := numPort("in")
	optional.Optional = true

	h.add("load", nil, []model.Port{{Name: "rows", Type: "table", Format: "rows"}}, func(context.Context, backend.Args) ([]any, error) {
		return []any{[]map[string]any{{"x": 1.0}, {"x": 2.0}}}, nil
	})
	h.add("count", []model.Port{table("columnar")}, []model.Port{numPort("n")}, func(_ context.Context, args backend.Args) ([]any, error) {
		c, ok := args.Positional[0].(*formats.Columnar)
		if !ok {
			return nil, fmt.Errorf("want *Columnar, got %T", args.Positional[0])
		}
		return []any{float64(c.Len())}, nil
	})
	h.add("lines", []model.Port{table("csv")}, []model.Port{numPort("n")}, func(_ context.Context, args backend.Args) ([]any, error) {
		return []any{float64(strings.Count(args.Positional[0].(string), "\n") - 1)}, nil
	})
	h.add("step", []model.Port{optional}, []model.Port{numPort("out")}, func(_ context.Context, args backend.Args) ([]any, error) {
		v, _ := formats.ToFloat(args.Positional[0])
		return []any{v + 1}, nil
	})
	h.add("bad", []model.Port{optional}, []model.Port{numPort("out")}, func(context.Context, backend.Args) ([]any, error) {
		return nil, errors.New("bad input")
	})
	h.add("liar", nil, []model.Port{numPort("n")}, func(context.Context, backend.Args) ([]any, error) {
		return []any{"not a number"}, nil
	})
	return h
}

func (h *harness) add(id string, in, out []model.Port, fn backend.NativeFunc) {
	h.t.Helper()
	if err := h.native.Register(id, func(ctx context.Context, args backend.Args) ([]any, error) {
		h.calls.Add(1)
		return fn(ctx, args)
	}); err != nil {
		h.t.Fatal(err)
	}
	if _, err := h.catalog.Add(h.reg, model.Analysis{
		ID: id, Mode: model.ModeNative, Inputs: in, Outputs: out,
		Native: &model.NativePayload{Function: id},
	}); err != nil {
		h.t.Fatal(err)
	}
}

func node(id, analysis string) model.NodeSpec {
	return model.NodeSpec{ID: id, Analysis: analysis}
}

func edge(from, to string) model.EdgeSpec {
	return model.EdgeSpec{From: from, To: to}
}

func states(res *model.RunResult) map[string]model.NodeState {
	out := make(map[string]model.NodeState, len(res.Nodes))
	for id, n := range res.Nodes {
		out[id] = n.State
	}
	return out
}

func submit(t *testing.T, e *Engine, spec *model.WorkflowSpec) *model.RunResult {
	t.Helper()
	res, err := e.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return res
}

func TestSubmit_ConvertsPerEdge(t *testing.T) {
	h := newHarness(t)
	e := h.engine(Config{Workers: 2})
	res := submit(t, e, &model.WorkflowSpec{
		ID:    "tables",
		Nodes: []model.NodeSpec{node("load", "load"), node("count", "count"), node("lines", "lines")},
		Edges: []model.EdgeSpec{edge("load/rows", "count/t"), edge("load/rows", "lines/t")},
	})
	if res.Status != model.RunStatusSucceeded {
		t.Fatalf("status = %s: %v", res.Status, res.Err())
	}
	if got := res.Nodes["count"].Outputs["n"].Data; got != 2.0 {
		t.Errorf("count n = %v, want 2", got)
	}
	if got := res.Nodes["lines"].Outputs["n"].Data; got != 2.0 {
		t.Errorf("lines n = %v, want 2", got)
	}
	if got := res.Nodes["load"].Outputs["rows"].Format; got != "rows" {
		t.Errorf("load output tagged %q, want rows", got)
	}
	if res.WorkflowID != "tables" || len(res.ID) != 26 || res.CompletedAt == nil {
		t.Errorf("result header = %+v", res)
	}
}

func TestSubmit_FailureSkipsDownstream(t *testing.T) {
	spec := &model.WorkflowSpec{
		Nodes: []model.NodeSpec{node("a", "step"), node("b", "bad"), node("c", "step"), node("d", "step"), node("e", "step")},
		Edges: []model.EdgeSpec{edge("a/out", "b/in"), edge("b/out", "c/in"), edge("a/out", "d/in")},
	}
	want := map[string]model.NodeState{
		"a": model.NodeStateSucceeded,
		"b": model.NodeStateFailed,
		"c": model.NodeStateSkipped,
		"d": model.NodeStateSucceeded,
		"e": model.NodeStateSucceeded,
	}
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			h := newHarness(t)
			res := submit(t, h.engine(Config{Workers: workers}), spec)
			if got := states(res); !reflect.DeepEqual(got, want) {
				t.Errorf("states = %v, want %v", got, want)
			}
			if res.Status != model.RunStatusFailed {
				t.Errorf("status = %s", res.Status)
			}
			var te *model.TaskExecutionError
			if !errors.As(res.Nodes["b"].Err(), &te) || te.NodeID != "b" {
				t.Errorf("b error = %v", res.Nodes["b"].Err())
			}
			if !strings.Contains(res.Nodes["c"].Error, `upstream node "b" failed`) {
				t.Errorf("c error = %q", res.Nodes["c"].Error)
			}
			if got := res.Nodes["d"].Outputs["out"].Data; got != 2.0 {
				t.Errorf("d out = %v, want 2", got)
			}
			if len(res.Failures()) != 2 {
				t.Errorf("Failures = %v", res.Failures())
			}
		})
	}
}

func TestSubmit_RunsIndependentNodesConcurrently(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	running, peak := 0, 0
	release := make(chan struct{})
	var once sync.Once
	h.add("gate", nil, []model.Port{numPort("n")}, func(context.Context, backend.Args) ([]any, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		if running == 2 {
			once.Do(func() { close(release) })
		}
		mu.Unlock()
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		mu.Lock()
		running--
		mu.Unlock()
		return []any{1.0}, nil
	})

	res := submit(t, h.engine(Config{Workers: 2}), &model.WorkflowSpec{
		Nodes: []model.NodeSpec{node("g1", "gate"), node("g2", "gate")},
	})
	if res.Status != model.RunStatusSucceeded {
		t.Fatalf("status = %s: %v", res.Status, res.Err())
	}
	if peak != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak)
	}
}

func TestSubmit_ValidationAbortsBeforeExecution(t *testing.T) {
	tests := []struct {
		name  string
		spec  *model.WorkflowSpec
		check func(error) bool
	}{
		{
			name: "cycle",
			spec: &model.WorkflowSpec{
				Nodes: []model.NodeSpec{node("x", "step"), node("y", "step")},
				Edges: []model.EdgeSpec{edge("x/out", "y/in"), edge("y/out", "x/in")},
			},
			check: func(err error) bool { var ce *model.CycleError; return errors.As(err, &ce) },
		},
		{
			name: "not convertible",
			spec: &model.WorkflowSpec{
				Nodes: []model.NodeSpec{node("a", "step"), node("c", "count")},
				Edges: []model.EdgeSpec{edge("a/out", "c/t")},
			},
			check: func(err error) bool { var te *model.TypeMismatchError; return errors.As(err, &te) },
		},
		{
			name:  "unknown analysis",
			spec:  &model.WorkflowSpec{Nodes: []model.NodeSpec{node("a", "nope")}},
			check: func(err error) bool { return strings.Contains(err.Error(), `unknown analysis "nope"`) },
		},
		{
			name:  "unbound input",
			spec:  &model.WorkflowSpec{Nodes: []model.NodeSpec{node("c", "count")}},
			check: func(err error) bool { var ue *model.UnboundInputError; return errors.As(err, &ue) },
		},
		{
			name:  "empty",
			spec:  &model.WorkflowSpec{},
			check: func(err error) bool { return strings.Contains(err.Error(), "no nodes") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res, err := h.engine(DefaultConfig()).Submit(context.Background(), tt.spec)
			if err == nil || !tt.check(err) {
				t.Fatalf("err = %v", err)
			}
			if res != nil {
				t.Errorf("result = %+v, want nil", res)
			}
			if n := h.calls.Load(); n != 0 {
				t.Errorf("%d tasks executed", n)
			}
		})
	}
}

func TestSubmit_FailFast(t *testing.T) {
	spec := &model.WorkflowSpec{
		Nodes: []model.NodeSpec{node("a", "bad"), node("b", "step"), node("c", "step")},
	}
	tests := []struct {
		failFast bool
		want     model.NodeState
	}{
		{true, model.NodeStateSkipped},
		{false, model.NodeStateSucceeded},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("failfast=%v", tt.failFast), func(t *testing.T) {
			h := newHarness(t)
			res := submit(t, h.engine(Config{Workers: 1, FailFast: tt.failFast}), spec)
			if res.Nodes["a"].State != model.NodeStateFailed {
				t.Errorf("a = %s", res.Nodes["a"].State)
			}
			for _, id := range []string{"b", "c"} {
				if res.Nodes[id].State != tt.want {
					t.Errorf("%s = %s, want %s", id, res.Nodes[id].State, tt.want)
				}
			}
		})
	}
}

func TestSubmit_Cancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.add("stopper", nil, []model.Port{numPort("out")}, func(ctx context.Context, _ backend.Args) ([]any, error) {
		cancel()
		return nil, ctx.Err()
	})

	res, err := h.engine(Config{Workers: 1}).Submit(ctx, &model.WorkflowSpec{
		Nodes: []model.NodeSpec{node("a", "stopper"), node("b", "step"), node("c", "step")},
		Edges: []model.EdgeSpec{edge("a/out", "b/in")},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	want := map[string]model.NodeState{
		"a": model.NodeStateFailed,
		"b": model.NodeStateSkipped,
		"c": model.NodeStateSkipped,
	}
	if got := states(res); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if !errors.Is(res.Nodes["c"].Err(), context.Canceled) {
		t.Errorf("c error = %v", res.Nodes["c"].Err())
	}
	if res.Error != context.Canceled.Error() {
		t.Errorf("run error = %q", res.Error)
	}
}

func TestSubmit_Literals(t *testing.T) {
	tests := []struct {
		name    string
		lit     model.Literal
		fetcher Fetcher
		want    float64
		wantErr string
	}{
		{name: "dynamic csv", lit: model.Literal{Data: "x\n1\n2\n3\n"}, want: 3},
		{name: "static rows", lit: model.Literal{Format: "rows", Data: []any{map[string]any{"x": 1.0}}}, want: 1},
		{name: "location", lit: model.Literal{Format: "table/csv", Location: "mem://t"}, fetcher: memFetcher{"mem://t": "x\n1\n"}, want: 1},
		{name: "no fetcher", lit: model.Literal{Format: "csv", Location: "mem://t"}, wantErr: "no fetcher"},
		{name: "missing location", lit: model.Literal{Format: "csv", Location: "mem://u"}, fetcher: memFetcher{}, wantErr: "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			var opts []Option
			if tt.fetcher != nil {
				opts = append(opts, WithFetcher(tt.fetcher))
			}
			spec := &model.WorkflowSpec{Nodes: []model.NodeSpec{{
				ID: "c", Analysis: "count", Inputs: map[string]model.Literal{"t": tt.lit},
			}}}
			res, err := h.engine(DefaultConfig(), opts...).Submit(context.Background(), spec)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want substring %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if got := res.Nodes["c"].Outputs["n"].Data; got != tt.want {
				t.Errorf("n = %v, want %v (%v)", got, tt.want, res.Err())
			}
		})
	}
}

type memFetcher map[string]string

func (m memFetcher) Fetch(_ context.Context, loc string) ([]byte, error) {
	s, ok := m[loc]
	if !ok {
		return nil, fmt.Errorf("%s not found", loc)
	}
	return []byte(s), nil
}

func TestSubmit_OutputValidation(t *testing.T) {
	h := newHarness(t)
	res := submit(t, h.engine(DefaultConfig()), &model.WorkflowSpec{Nodes: []model.NodeSpec{node("l", "liar")}})
	var ve *model.ValidationError
	if !errors.As(res.Nodes["l"].Err(), &ve) {
		t.Fatalf("err = %v, want ValidationError", res.Nodes["l"].Err())
	}
	if ve.Port != "n" || ve.GoType != "string" {
		t.Errorf("ValidationError = %+v", ve)
	}
}

func TestSubmit_Observer(t *testing.T) {
	h := newHarness(t)
	var got []string
	obs := ObserverFunc(func(ev model.Event) {
		got = append(got, ev.Node+":"+string(ev.To))
	})
	submit(t, h.engine(Config{Workers: 3}, WithObserver(obs)), &model.WorkflowSpec{
		Nodes: []model.NodeSpec{node("a", "step"), node("b", "step")},
		Edges: []model.EdgeSpec{edge("a/out", "b/in")},
	})
	want := []string{"a:READY", "a:RUNNING", "a:SUCCEEDED", "b:READY", "b:RUNNING", "b:SUCCEEDED"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func nestedAnalysis(inner model.NodeSpec, in, out string) *model.Analysis {
	return &model.Analysis{
		ID:      "wrapped",
		Mode:    model.ModeWorkflow,
		Inputs:  []model.Port{numPort("x")},
		Outputs: []model.Port{{Name: "y", Type: "number", Format: "json"}},
		Workflow: &model.WorkflowPayload{
			Spec:    &model.WorkflowSpec{Nodes: []model.NodeSpec{inner}},
			Inputs:  map[string]string{"x": inner.ID + "/" + in},
			Outputs: map[string]string{"y": inner.ID + "/" + out},
		},
	}
}

func TestSubmit_NestedWorkflow(t *testing.T) {
	h := newHarness(t)
	wrapped := nestedAnalysis(node("inner", "step"), "in", "out")
	res := submit(t, h.engine(DefaultConfig()), &model.WorkflowSpec{
		Nodes: []model.NodeSpec{
			{ID: "w", Inline: wrapped, Inputs: map[string]model.Literal{"x": {Data: 2.0}}},
		},
	})
	if res.Status != model.RunStatusSucceeded {
		t.Fatalf("status = %s: %v", res.Status, res.Err())
	}
	if got := res.Nodes["w"].Outputs["y"].Data; got != "3" {
		t.Errorf("y = %v, want JSON text 3", got)
	}
	if res.Nodes["w"].Mode != model.ModeWorkflow {
		t.Errorf("mode = %s", res.Nodes["w"].Mode)
	}
}

func TestCompile_NestedDepthAndValidation(t *testing.T) {
	h := newHarness(t)
	innermost := nestedAnalysis(node("inner", "step"), "in", "out")
	outer := nestedAnalysis(model.NodeSpec{ID: "mid", Inline: innermost}, "x", "y")
	spec := &model.WorkflowSpec{Nodes: []model.NodeSpec{
		{ID: "w", Inline: outer, Inputs: map[string]model.Literal{"x": {Data: 1.0}}},
	}}

	if _, err := h.engine(Config{MaxDepth: 1}).Compile(context.Background(), spec); err == nil || !strings.Contains(err.Error(), "nesting exceeds depth 1") {
		t.Errorf("err = %v, want depth error", err)
	}
	if _, err := h.engine(Config{MaxDepth: 2}).Compile(context.Background(), spec); err != nil {
		t.Errorf("Compile at depth 2: %v", err)
	}

	broken := nestedAnalysis(node("inner", "count"), "in", "out")
	_, err := h.engine(DefaultConfig()).Compile(context.Background(), &model.WorkflowSpec{Nodes: []model.NodeSpec{
		{ID: "w", Inline: broken, Inputs: map[string]model.Literal{"x": {Data: 1.0}}},
	}})
	if err == nil || !strings.Contains(err.Error(), "nested workflow") {
		t.Errorf("err = %v, want nested validation error", err)
	}
}

func TestSubmit_InputsAreIsolated(t *testing.T) {
	h := newHarness(t)
	rowsPort := model.Port{Name: "rows", Type: "table", Format: "rows"}
	h.add("overwrite", []model.Port{rowsPort}, []model.Port{numPort("n")}, func(_ context.Context, args backend.Args) ([]any, error) {
		rows := args.Positional[0].([]map[string]any)
		rows[0]["x"] = 99.0
		rows[1] = map[string]any{"x": -1.0}
		return []any{float64(len(rows))}, nil
	})
	h.add("peek", []model.Port{rowsPort}, []model.Port{numPort("x")}, func(_ context.Context, args backend.Args) ([]any, error) {
		rows := args.Positional[0].([]map[string]any)
		return []any{rows[0]["x"].(float64) + rows[1]["x"].(float64)}, nil
	})

	for _, workers := range []int{1, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			res := submit(t, h.engine(Config{Workers: workers}), &model.WorkflowSpec{
				Nodes: []model.NodeSpec{node("load", "load"), node("overwrite", "overwrite"), node("peek", "peek")},
				Edges: []model.EdgeSpec{edge("load/rows", "overwrite/rows"), edge("load/rows", "peek/rows")},
			})
			if res.Status != model.RunStatusSucceeded {
				t.Fatalf("status = %s: %v", res.Status, res.Err())
			}
			if got := res.Nodes["peek"].Outputs["x"].Data; got != 3.0 {
				t.Errorf("peek saw x sum %v, want 3", got)
			}
			want := []map[string]any{{"x": 1.0}, {"x": 2.0}}
			if got := res.Nodes["load"].Outputs["rows"].Data; !reflect.DeepEqual(got, want) {
				t.Errorf("load outputs changed by a consumer: %v", got)
			}
		})
	}
}

func TestCompile_NestedOptionalInputs(t *testing.T) {
	h := newHarness(t)

	// An optional outer input may be absent, so it cannot feed a required
	// inner port.
	feedsRequired := nestedAnalysis(node("inner", "count"), "t", "n")
	feedsRequired.Inputs = []model.Port{{Name: "x", Type: "table", Format: "rows", Optional: true}}
	_, err := h.engine(DefaultConfig()).Compile(context.Background(), &model.WorkflowSpec{Nodes: []model.NodeSpec{
		{ID: "w", Inline: feedsRequired},
	}})
	var unbound *model.UnboundInputError
	if !errors.As(err, &unbound) {
		t.Fatalf("err = %v, want UnboundInputError at compile time", err)
	}
	if unbound.Node != "inner" || unbound.Port != "t" {
		t.Errorf("unbound = %s/%s, want inner/t", unbound.Node, unbound.Port)
	}

	// Feeding an optional inner port is fine and runs with the input absent.
	feedsOptional := nestedAnalysis(node("inner", "step"), "in", "out")
	x := numPort("x")
	x.Optional = true
	feedsOptional.Inputs = []model.Port{x}
	res := submit(t, h.engine(DefaultConfig()), &model.WorkflowSpec{Nodes: []model.NodeSpec{
		{ID: "w", Inline: feedsOptional},
	}})
	if res.Status != model.RunStatusSucceeded {
		t.Fatalf("status = %s: %v", res.Status, res.Err())
	}
	if got := res.Nodes["w"].Outputs["y"].Data; got != "1" {
		t.Errorf("y = %v, want JSON text 1", got)
	}
}

func TestStart(t *testing.T) {
	h := newHarness(t)
	e := h.engine(DefaultConfig())
	c, err := e.Compile(context.Background(), &model.WorkflowSpec{
		Nodes: []model.NodeSpec{node("a", "step"), node("b", "step")},
		Edges: []model.EdgeSpec{edge("a/out", "b/in")},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	run, err := e.Start(context.Background(), c)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.ID == "" {
		t.Fatal("run has no id")
	}
	if run.Initial.ID != run.ID || run.Initial.Status != model.RunStatusRunning || len(run.Initial.Nodes) != 2 {
		t.Errorf("initial = %+v", run.Initial)
	}
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	res := run.Wait()
	if res.ID != run.ID || res.Status != model.RunStatusSucceeded {
		t.Errorf("result = %s %s", res.ID, res.Status)
	}
	if got := res.Nodes["b"].Outputs["out"].Data; got != 2.0 {
		t.Errorf("b/out = %v, want 2", got)
	}
	if run.Initial.Nodes["b"].State != model.NodeStatePending {
		t.Errorf("initial snapshot changed: b = %s", run.Initial.Nodes["b"].State)
	}

	if _, err := e.Start(context.Background(), nil); err == nil {
		t.Error("Start accepted an uncompiled workflow")
	}
}
