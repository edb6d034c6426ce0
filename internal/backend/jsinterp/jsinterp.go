// Package jsinterp provides JavaScript sessions backed by goja.
package jsinterp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/me/weft/internal/backend"
)

// Language is the script language name this provider serves.
const Language = "javascript"

// Provider opens goja sessions.
type Provider struct {
	// Prelude is evaluated in every new session before the analysis script.
	Prelude []string
}

// Language returns "javascript".
func (p *Provider) Language() string { return Language }

// Open creates a fresh runtime.
func (p *Provider) Open(_ context.Context) (backend.Session, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for i, lib := range p.Prelude {
		if _, err := vm.RunString(lib); err != nil {
			return nil, fmt.Errorf("prelude[%d]: %w", i, err)
		}
	}
	return &session{vm: vm}, nil
}

type session struct {
	mu     sync.Mutex
	vm     *goja.Runtime
	closed bool
}

func (s *session) Set(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	return s.vm.Set(name, value)
}

// Eval runs script. A done ctx interrupts the runtime at its next check.
func (s *session) Eval(ctx context.Context, script string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}

	stop := context.AfterFunc(ctx, func() {
		s.vm.Interrupt(ctx.Err())
	})
	defer stop()
	defer s.vm.ClearInterrupt()

	_, err := s.vm.RunString(script)
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return cause
		}
	}
	return err
}

func (s *session) Get(name string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed
	}
	v := s.vm.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return normalize(v.Export()), nil
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.vm = nil
	return nil
}

var errSessionClosed = errors.New("javascript session is closed")

// normalize copies an exported value, mapping goja's integers to float64 so
// scripts and Go agree on a single number representation.
func normalize(v any) any {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case int:
		return float64(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalize(x[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	}
	return v
}
