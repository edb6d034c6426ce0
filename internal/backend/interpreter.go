package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/weft/internal/formats"
	"github.com/me/weft/pkg/model"
)

// Session is one foreign-interpreter instance. A session belongs to a single
// invocation and is never shared.
type Session interface {
	// Set binds a global variable.
	Set(name string, value any) error
	// Eval runs script to completion or until ctx is done.
	Eval(ctx context.Context, script string) error
	// Get reads a global variable; unset variables read as nil.
	Get(name string) (any, error)
	Close() error
}

// SessionProvider opens sessions for one language.
type SessionProvider interface {
	Language() string
	Open(ctx context.Context) (Session, error)
}

// InterpreterExecutor runs script analyses. Inputs are injected as variables
// named after the input ports; outputs are read back from variables named
// after the output ports.
type InterpreterExecutor struct {
	providers map[string]SessionProvider
	exchange  Exchange
	logger    *slog.Logger
}

// NewInterpreterExecutor creates an executor over the given providers.
func NewInterpreterExecutor(logger *slog.Logger, providers ...SessionProvider) *InterpreterExecutor {
	e := &InterpreterExecutor{
		providers: make(map[string]SessionProvider, len(providers)),
		logger:    logger.With("component", "interpreter-executor"),
	}
	for _, p := range providers {
		e.providers[p.Language()] = p
	}
	return e
}

// Languages returns the supported languages, sorted.
func (e *InterpreterExecutor) Languages() []string {
	out := make([]string, 0, len(e.providers))
	for l := range e.providers {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Mode returns model.ModeInterpreter.
func (e *InterpreterExecutor) Mode() model.Mode {
	return model.ModeInterpreter
}

// Execute opens a fresh session, injects inputs, evaluates the script and
// reads the outputs back. The session is closed on every path.
func (e *InterpreterExecutor) Execute(ctx context.Context, inv *Invocation) (_ map[string]any, err error) {
	a := inv.Analysis
	if a.Script == nil {
		return nil, fmt.Errorf("analysis %q has no script payload", a.ID)
	}
	provider, ok := e.providers[a.Script.Language]
	if !ok {
		return nil, fmt.Errorf("no interpreter for language %q", a.Script.Language)
	}

	sess, err := provider.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s session: %w", a.Script.Language, err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			e.logger.Warn("close session", "node", inv.NodeID, "error", cerr)
			err = errors.Join(err, cerr)
		}
	}()

	for _, p := range a.Inputs {
		v, ok := inv.Inputs[p.Name]
		if !ok {
			v = nil
		}
		enc, err := e.exchange.Encode(p, v)
		if err != nil {
			return nil, fmt.Errorf("encode input %q: %w", p.Name, err)
		}
		if err := sess.Set(p.Name, enc); err != nil {
			return nil, fmt.Errorf("set input %q: %w", p.Name, err)
		}
	}

	if err := sess.Eval(ctx, a.Script.Script); err != nil {
		return nil, fmt.Errorf("%s script: %w", a.Script.Language, err)
	}

	outputs := make(map[string]any, len(a.Outputs))
	for _, p := range a.Outputs {
		raw, err := sess.Get(p.Name)
		if err != nil {
			return nil, fmt.Errorf("get output %q: %w", p.Name, err)
		}
		if raw == nil {
			return nil, fmt.Errorf("script did not set output %q", p.Name)
		}
		dec, err := e.exchange.Decode(p, raw)
		if err != nil {
			return nil, fmt.Errorf("decode output %q: %w", p.Name, err)
		}
		outputs[p.Name] = dec
	}
	return outputs, nil
}

// Exchange maps port values to and from the plain values interpreters share
// with Go: maps, slices, strings, float64 and bool. Columnar tables cross the
// boundary as an object of column arrays and row tables as an array of
// objects. Other values pass through unchanged.
type Exchange struct{}

// Encode prepares v, which is in p's format, for an interpreter. Tables are
// copied, since interpreters may write through to Go maps and slices.
func (Exchange) Encode(p model.Port, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch p.Ref() {
	case formats.Ref(formats.TypeTable, "columnar"):
		c, err := formats.AsColumnar(v)
		if err != nil {
			return nil, err
		}
		cols := make(map[string]any, len(c.Fields))
		for _, f := range c.Fields {
			cols[f] = formats.Clone(c.Columns[f])
		}
		return cols, nil
	case formats.Ref(formats.TypeTable, "rows"):
		rows, err := formats.AsRows(v)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(rows))
		for i, r := range rows {
			out[i] = formats.Clone(r)
		}
		return out, nil
	case formats.Ref(formats.TypeNumber, "number"):
		return formats.ToFloat(v)
	}
	return v, nil
}

// Decode converts an interpreter value back into p's format.
func (Exchange) Decode(p model.Port, v any) (any, error) {
	switch p.Ref() {
	case formats.Ref(formats.TypeTable, "columnar"):
		return decodeColumns(v)
	case formats.Ref(formats.TypeTable, "rows"):
		return formats.AsRows(v)
	case formats.Ref(formats.TypeNumber, "number"):
		return formats.ToFloat(v)
	}
	return v, nil
}

// decodeColumns accepts either {"fields": [...], "columns": {...}} or a plain
// object of column arrays, whose fields are then taken in sorted order.
func decodeColumns(v any) (*formats.Columnar, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("want object of columns, got %T", v)
	}
	if _, ok := m["columns"]; ok {
		return formats.AsColumnar(m)
	}
	c := &formats.Columnar{Columns: make(map[string][]any, len(m))}
	for f, col := range m {
		arr, ok := col.([]any)
		if !ok {
			return nil, fmt.Errorf("column %q: want array, got %T", f, col)
		}
		c.Fields = append(c.Fields, f)
		c.Columns[f] = arr
	}
	sort.Strings(c.Fields)
	return formats.AsColumnar(c)
}
