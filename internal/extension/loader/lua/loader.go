package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/modhost/internal/extension/loader"
	"github.com/dshills/modhost/internal/logging"
)

// EntryFile is the script loaded from a plugin directory.
const EntryFile = "init.lua"

// SetupFunction is the global function a plugin must define.
const SetupFunction = "setup"

// ErrNoEntry is returned when a plugin directory has no entry script.
var ErrNoEntry = errors.New("plugin entry script not found")

// Loader loads plugin entry points from Lua scripts.
type Loader struct {
	timeout time.Duration
	log     *logging.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithTimeout sets the per-call execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) {
		l.timeout = d
	}
}

// WithLogger sets the loader's logger.
func WithLogger(log *logging.Logger) Option {
	return func(l *Loader) {
		l.log = log
	}
}

// NewLoader creates a Lua plugin loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		timeout: DefaultExecutionTimeout,
		log:     logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.WithComponent("lua")
	return l
}

// Load runs the plugin's init.lua in a fresh state and returns the plugin.
// The script must define a global setup function.
func (l *Loader) Load(ctx context.Context, req loader.Request) (loader.EntryPoint, error) {
	entry := filepath.Join(req.Path, EntryFile)
	if _, err := os.Stat(entry); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoEntry, entry)
		}
		return nil, err
	}

	log := l.log.WithField("extension", req.Name)
	state := NewState(WithExecutionTimeout(l.timeout))

	state.SetGlobal("settings", req.Settings)
	logFn := func(L *lua.LState) int {
		log.Info("%s", L.CheckString(1))
		return 0
	}
	state.RegisterFunc("log", logFn)
	state.RegisterFunc("print", logFn)

	if err := state.DoFile(ctx, entry); err != nil {
		_ = state.Close()
		return nil, fmt.Errorf("running %s: %w", EntryFile, err)
	}

	setup, ok := state.Global(SetupFunction)
	if !ok {
		_ = state.Close()
		return nil, fmt.Errorf("%s does not define a %s function", EntryFile, SetupFunction)
	}

	return &Plugin{
		name:  req.Name,
		state: state,
		setup: setup,
		log:   log,
	}, nil
}
