package jsinterp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/me/weft/internal/backend"
	"github.com/me/weft/internal/formats"
	"github.com/me/weft/pkg/model"
)

func openSession(t *testing.T, p *Provider) backend.Session {
	t.Helper()
	s, err := p.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSession_SetEvalGet(t *testing.T) {
	s := openSession(t, &Provider{Prelude: []string{"function twice(x) { return x * 2; }"}})
	if err := s.Set("xs", []any{1.0, 2.0, 3.5}); err != nil {
		t.Fatal(err)
	}
	if err := s.Eval(context.Background(), "total = xs.reduce((a, b) => a + b, 0); doubled = twice(total); obj = {n: 4, list: [1, 2]};"); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	for name, want := range map[string]any{
		"total":   6.5,
		"doubled": 13.0,
		"obj":     map[string]any{"n": 4.0, "list": []any{1.0, 2.0}},
		"missing": nil,
	} {
		got, err := s.Get(name)
		if err != nil {
			t.Fatalf("Get(%s): %v", name, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s = %#v, want %#v", name, got, want)
		}
	}
}

func TestSession_ScriptError(t *testing.T) {
	s := openSession(t, &Provider{})
	if err := s.Eval(context.Background(), "undefinedFunction()"); err == nil {
		t.Error("Eval succeeded on a ReferenceError")
	}
	if _, err := (&Provider{Prelude: []string{"syntax error here"}}).Open(context.Background()); err == nil {
		t.Error("Open succeeded with a broken prelude")
	}
}

func TestSession_Interrupted(t *testing.T) {
	s := openSession(t, &Provider{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Eval(ctx, "while (true) {}")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if err := s.Eval(context.Background(), "x = 1"); err != nil {
		t.Errorf("session unusable after interrupt: %v", err)
	}
}

func TestSession_Closed(t *testing.T) {
	s := openSession(t, &Provider{})
	s.Close()
	if err := s.Eval(context.Background(), "1"); !errors.Is(err, errSessionClosed) {
		t.Errorf("Eval after Close = %v", err)
	}
}

func TestInterpreterExecutor_Columnar(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := backend.NewInterpreterExecutor(logger, &Provider{})
	col := model.Port{Name: "t", Type: "table", Format: "columnar"}
	a := &model.Analysis{
		ID:      "scale",
		Mode:    model.ModeInterpreter,
		Inputs:  []model.Port{col},
		Outputs: []model.Port{{Name: "out", Type: "table", Format: "columnar"}},
		Script:  &model.ScriptPayload{Language: Language, Script: "out = {a: t.a.map(x => x * 10), b: t.b};"},
	}
	in := &formats.Columnar{Fields: []string{"a", "b"}, Columns: map[string][]any{"a": {1.0, 2.0}, "b": {"x", "y"}}}
	out, err := e.Execute(context.Background(), &backend.Invocation{NodeID: "n", Analysis: a, Inputs: map[string]any{"t": in}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := &formats.Columnar{Fields: []string{"a", "b"}, Columns: map[string][]any{"a": {10.0, 20.0}, "b": {"x", "y"}}}
	if !reflect.DeepEqual(out["out"], want) {
		t.Errorf("out = %+v, want %+v", out["out"], want)
	}
}

func TestInterpreterExecutor_RowsCopied(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := backend.NewInterpreterExecutor(logger, &Provider{})
	a := &model.Analysis{
		ID:      "overwrite",
		Mode:    model.ModeInterpreter,
		Inputs:  []model.Port{{Name: "t", Type: "table", Format: "rows"}},
		Outputs: []model.Port{{Name: "n", Type: "number", Format: "number"}},
		Script:  &model.ScriptPayload{Language: Language, Script: "t[0].x = 99; t[0].y = 1; n = t.length;"},
	}
	in := []map[string]any{{"x": 1.0}, {"x": 2.0}}
	out, err := e.Execute(context.Background(), &backend.Invocation{NodeID: "n", Analysis: a, Inputs: map[string]any{"t": in}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["n"] != 2.0 {
		t.Errorf("n = %v, want 2", out["n"])
	}
	want := []map[string]any{{"x": 1.0}, {"x": 2.0}}
	if !reflect.DeepEqual(in, want) {
		t.Errorf("script wrote through to the caller's rows: %v", in)
	}
}
