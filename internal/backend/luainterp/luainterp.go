// Package luainterp provides sandboxed Lua sessions backed by gopher-lua.
//
// Sessions open only the base, table, string and math libraries; file and
// module loading from the base library are removed.
package luainterp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/me/weft/internal/backend"
)

// Language is the script language name this provider serves.
const Language = "lua"

// Provider opens sandboxed Lua sessions.
type Provider struct {
	// CallStackSize bounds recursion depth; zero uses the gopher-lua default.
	CallStackSize int
}

// Language returns "lua".
func (p *Provider) Language() string { return Language }

// Open creates a fresh sandboxed state.
func (p *Provider) Open(_ context.Context) (backend.Session, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: p.CallStackSize,
	})
	openSafeLibraries(L)
	return &session{L: L}, nil
}

func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
}

type session struct {
	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

var errSessionClosed = errors.New("lua session is closed")

func (s *session) Set(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	lv, err := toLua(s.L, value)
	if err != nil {
		return err
	}
	s.L.SetGlobal(name, lv)
	return nil
}

// Eval runs script with ctx attached to the state, so cancellation stops the
// interpreter loop.
func (s *session) Eval(ctx context.Context, script string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	s.L.SetContext(ctx)
	defer s.L.RemoveContext()
	if err := s.L.DoString(script); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *session) Get(name string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed
	}
	return fromLua(s.L.GetGlobal(name), make(map[*lua.LTable]bool))
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.L.Close()
	}
	return nil
}

func toLua(L *lua.LState, v any) (lua.LValue, error) {
	switch x := v.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(x), nil
	case string:
		return lua.LString(x), nil
	case []byte:
		return lua.LString(x), nil
	case float64:
		return lua.LNumber(x), nil
	case float32:
		return lua.LNumber(x), nil
	case int:
		return lua.LNumber(x), nil
	case int64:
		return lua.LNumber(x), nil
	case int32:
		return lua.LNumber(x), nil
	case []any:
		t := L.NewTable()
		for i, e := range x {
			lv, err := toLua(L, e)
			if err != nil {
				return nil, err
			}
			t.RawSetInt(i+1, lv)
		}
		return t, nil
	case []map[string]any:
		t := L.NewTable()
		for i, e := range x {
			lv, err := toLua(L, e)
			if err != nil {
				return nil, err
			}
			t.RawSetInt(i+1, lv)
		}
		return t, nil
	case map[string]any:
		t := L.NewTable()
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lv, err := toLua(L, x[k])
			if err != nil {
				return nil, err
			}
			t.RawSetString(k, lv)
		}
		return t, nil
	case map[string]string:
		t := L.NewTable()
		for k, s := range x {
			t.RawSetString(k, lua.LString(s))
		}
		return t, nil
	}
	return nil, fmt.Errorf("cannot pass %T to lua", v)
}

// fromLua converts a Lua value to Go. Tables with contiguous integer keys from
// 1 become slices, other tables become maps; numbers become float64.
func fromLua(lv lua.LValue, visited map[*lua.LTable]bool) (any, error) {
	switch v := lv.(type) {
	case nil, *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(v), nil
	case lua.LNumber:
		return float64(v), nil
	case lua.LString:
		return string(v), nil
	case *lua.LTable:
		if visited[v] {
			return nil, errors.New("lua table contains a cycle")
		}
		visited[v] = true
		defer delete(visited, v)
		return tableToGo(v, visited)
	}
	return nil, fmt.Errorf("cannot read lua %s", lv.Type())
}

func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) (any, error) {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })

	if n > 0 && n == count {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			v, err := fromLua(t.RawGetInt(i), visited)
			if err != nil {
				return nil, err
			}
			arr[i-1] = v
		}
		return arr, nil
	}

	m := make(map[string]any, count)
	var err error
	t.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		var gv any
		gv, err = fromLua(v, visited)
		m[k.String()] = gv
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
