// Package lua loads plugin entry points written in Lua.
//
// A plugin directory holds an init.lua that defines a global
// setup(dispatcher, bot, services) function. The host exposes a read-only
// settings table and a log(msg) function before init.lua runs.
package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultExecutionTimeout bounds every call into Lua.
const DefaultExecutionTimeout = 5 * time.Second

// ErrStateClosed is returned when operating on a closed state.
var ErrStateClosed = errors.New("lua state is closed")

// State wraps a restricted gopher-lua state.
//
// gopher-lua's LState is not goroutine-safe; every entry into Lua takes mu.
// Go functions called from Lua run while mu is held and must use the
// *lua.LState they are given, never State methods.
type State struct {
	L *lua.LState

	mu      sync.Mutex
	timeout time.Duration
	closed  bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithExecutionTimeout sets the timeout applied to each call into Lua.
// Zero disables it.
func WithExecutionTimeout(d time.Duration) StateOption {
	return func(s *State) {
		s.timeout = d
	}
}

// NewState creates a Lua state with only the safe standard libraries.
func NewState(opts ...StateOption) *State {
	s := &State{timeout: DefaultExecutionTimeout}
	for _, opt := range opts {
		opt(s)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)
	s.L = L
	return s
}

// openSafeLibraries opens base, table, string, and math.
// io, os, debug, and package are never opened.
func openSafeLibraries(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
}

// DoFile executes a Lua file.
func (s *State) DoFile(ctx context.Context, path string) error {
	return s.with(ctx, func(L *lua.LState) error {
		return L.DoFile(path)
	})
}

// DoString executes a Lua chunk.
func (s *State) DoString(ctx context.Context, code string) error {
	return s.with(ctx, func(L *lua.LState) error {
		return L.DoString(code)
	})
}

// Call calls fn with Go arguments and returns its results as Go values.
func (s *State) Call(ctx context.Context, fn *lua.LFunction, args ...any) ([]any, error) {
	var results []any
	err := s.with(ctx, func(L *lua.LState) error {
		top := L.GetTop()
		L.Push(fn)
		for _, arg := range args {
			L.Push(ToLuaValue(L, arg))
		}
		if err := L.PCall(len(args), lua.MultRet, nil); err != nil {
			return err
		}
		n := L.GetTop() - top
		results = make([]any, 0, n)
		for i := 1; i <= n; i++ {
			results = append(results, ToGoValue(L.Get(top+i)))
		}
		L.Pop(n)
		return nil
	})
	return results, err
}

// Global returns the named global function, if it is one.
func (s *State) Global(name string) (*lua.LFunction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	fn, ok := s.L.GetGlobal(name).(*lua.LFunction)
	return fn, ok
}

// SetGlobal converts v and sets it as a global.
func (s *State) SetGlobal(name string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.L.SetGlobal(name, ToLuaValue(s.L, v))
}

// RegisterFunc registers a Go function as a global Lua function.
func (s *State) RegisterFunc(name string, fn lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.L.SetGlobal(name, s.L.NewFunction(fn))
}

// Close releases the Lua state. Later calls return ErrStateClosed.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}

// with runs fn under the state lock with ctx installed on the LState.
// Panics inside gopher-lua are returned as errors.
func (s *State) with(ctx context.Context, fn func(L *lua.LState) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn(s.L)
}
