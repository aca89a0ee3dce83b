// Package loader turns a discovered extension into a runnable entry point.
//
// Built-ins and plugins live in separate namespaces: built-ins are Go code
// registered with a StaticLoader, plugins are loaded from disk by a
// namespace-specific Loader such as the Lua loader.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/modhost/internal/extension/manifest"
	"github.com/dshills/modhost/internal/host"
	"github.com/dshills/modhost/internal/scheduler"
)

// ErrNotRegistered is returned when a static loader has no constructor for
// the requested name.
var ErrNotRegistered = errors.New("no entry point registered")

// Request describes the extension to load.
type Request struct {
	Name     string
	Path     string
	BuiltIn  bool
	Manifest *manifest.Manifest

	// Settings are the resolved settings; treat as read-only.
	Settings map[string]any
}

// EntryPoint is a loaded extension.
type EntryPoint interface {
	// Setup registers the extension with the host. The orchestrator waits
	// for it to return before setting up the next extension.
	Setup(ctx context.Context, h host.Handles) error
}

// TaskProvider is implemented by entry points that provide background task
// functions declared in their manifest.
type TaskProvider interface {
	Task(name string) (scheduler.TaskFunc, bool)
}

// Loader produces entry points for one namespace.
type Loader interface {
	Load(ctx context.Context, req Request) (EntryPoint, error)
}

// SetupFunc adapts a function to EntryPoint.
type SetupFunc func(ctx context.Context, h host.Handles) error

// Setup calls f.
func (f SetupFunc) Setup(ctx context.Context, h host.Handles) error {
	return f(ctx, h)
}

// Constructor builds a built-in entry point.
type Constructor func(req Request) (EntryPoint, error)

// StaticLoader loads entry points from a registry of Go constructors.
type StaticLoader struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewStatic creates an empty static loader.
func NewStatic() *StaticLoader {
	return &StaticLoader{ctors: make(map[string]Constructor)}
}

// Register adds a constructor for name.
func (l *StaticLoader) Register(name string, ctor Constructor) error {
	if ctor == nil {
		return fmt.Errorf("register %q: constructor is nil", name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.ctors[name]; ok {
		return fmt.Errorf("register %q: already registered", name)
	}
	l.ctors[name] = ctor
	return nil
}

// Names returns the registered names, sorted.
func (l *StaticLoader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.ctors))
	for name := range l.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load calls the constructor registered for req.Name.
func (l *StaticLoader) Load(ctx context.Context, req Request) (EntryPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	ctor, ok := l.ctors[req.Name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %q", ErrNotRegistered, req.Name)
	}

	ep, err := ctor(req)
	if err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, fmt.Errorf("constructor for %q returned no entry point", req.Name)
	}
	return ep, nil
}
