// Package app wires the host together: configuration, the extension
// orchestrator with its built-in and Lua loaders, the host handles, the
// background task scheduler, and the re-discovery watcher.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dshills/modhost/internal/builtin"
	"github.com/dshills/modhost/internal/config"
	"github.com/dshills/modhost/internal/config/loader"
	extloader "github.com/dshills/modhost/internal/extension/loader"
	"github.com/dshills/modhost/internal/extension/loader/lua"
	"github.com/dshills/modhost/internal/extension/manifest"
	"github.com/dshills/modhost/internal/extension/orchestrator"
	"github.com/dshills/modhost/internal/extension/registry"
	"github.com/dshills/modhost/internal/host"
	"github.com/dshills/modhost/internal/logging"
	"github.com/dshills/modhost/internal/scheduler"
	"github.com/dshills/modhost/internal/watcher"
)

// App is the running host.
type App struct {
	cfg     *config.Config
	log     *logging.Logger
	bot     host.Bot
	orch    *orchestrator.Orchestrator
	metrics *Metrics

	// cycle serializes activation, reload and shutdown.
	cycle sync.Mutex

	mu       sync.RWMutex
	reg      *registry.Registry
	router   *host.Router
	services *host.Services
	sched    *scheduler.Scheduler
	report   orchestrator.Report
	live     bool

	running atomic.Bool
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the application logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *App) {
		a.log = l
	}
}

// WithBot sets the outbound bot handed to extensions.
// The default writes messages to the log.
func WithBot(b host.Bot) Option {
	return func(a *App) {
		a.bot = b
	}
}

// New creates an App from cfg. A nil cfg uses the defaults.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, &InitError{Component: "config", Err: err}
	}

	a := &App{
		cfg:     cfg,
		log:     logging.GetLogger(),
		metrics: NewMetrics(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithComponent("app")
	if a.bot == nil {
		a.bot = host.NewLogBot(a.log)
	}

	static := extloader.NewStatic()
	if err := builtin.Register(static, a.Registry); err != nil {
		return nil, &InitError{Component: "builtins", Err: err}
	}
	plugins := lua.NewLoader(
		lua.WithTimeout(cfg.Lua.Timeout.Std()),
		lua.WithLogger(a.log),
	)

	orch, err := orchestrator.New(orchestrator.Config{
		BuiltinRoot: cfg.Paths.BuiltinRoot,
		PluginRoot:  cfg.Paths.PluginRoot,
		UserRoot:    cfg.Paths.UserRoot,
		HostVersion: cfg.Host.Version,
	},
		orchestrator.WithBuiltinLoader(static),
		orchestrator.WithPluginLoader(plugins),
		orchestrator.WithLogger(a.log),
	)
	if err != nil {
		return nil, &InitError{Component: "orchestrator", Err: err}
	}
	a.orch = orch
	return a, nil
}

// Config returns the configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Metrics returns the pass and reload metrics.
func (a *App) Metrics() *Metrics {
	return a.metrics
}

// Registry returns the registry of the latest pass, or nil.
func (a *App) Registry() *registry.Registry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reg
}

// Report returns the setup report of the latest pass.
func (a *App) Report() orchestrator.Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.report
}

// Router returns the route table of the latest pass, or nil.
func (a *App) Router() *host.Router {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.router
}

// Services returns the service locator of the latest pass, or nil.
func (a *App) Services() *host.Services {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.services
}

// Tasks returns the scheduled background task keys.
func (a *App) Tasks() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.sched == nil {
		return nil
	}
	return a.sched.Tasks()
}

// Roots returns the directories whose contents define the extension set.
func (a *App) Roots() []string {
	return []string{a.cfg.Paths.BuiltinRoot, a.cfg.Paths.PluginRoot, a.cfg.Paths.UserRoot}
}

// Activate runs one discovery and setup pass without scheduling tasks.
func (a *App) Activate(ctx context.Context) (orchestrator.Report, error) {
	a.cycle.Lock()
	defer a.cycle.Unlock()
	return a.activate(ctx)
}

func (a *App) activate(ctx context.Context) (orchestrator.Report, error) {
	timer := StartTimer()

	reg, err := a.orch.Discover(ctx)
	if err != nil {
		return orchestrator.Report{}, err
	}

	router := host.NewRouter(a.log)
	services := host.NewServices()

	// Built-ins read the registry while they are set up.
	a.mu.Lock()
	a.reg = reg
	a.router = router
	a.services = services
	a.live = true
	a.mu.Unlock()

	report := a.orch.Setup(ctx, reg, host.Handles{
		Dispatcher: router,
		Bot:        a.bot,
		Services:   services,
	})

	a.mu.Lock()
	a.report = report
	a.mu.Unlock()
	a.metrics.RecordPass(timer.Elapsed(), report)
	return report, nil
}

// Start activates extensions and starts their background tasks.
func (a *App) Start(ctx context.Context) error {
	a.cycle.Lock()
	defer a.cycle.Unlock()
	return a.start(ctx)
}

func (a *App) start(ctx context.Context) error {
	if _, err := a.activate(ctx); err != nil {
		return err
	}

	sched := a.schedule(a.Registry())
	sched.Start(ctx)

	a.mu.Lock()
	a.sched = sched
	a.mu.Unlock()
	return nil
}

// schedule registers the declared background tasks of every activated
// extension. Missing task functions are logged and skipped.
func (a *App) schedule(reg *registry.Registry) *scheduler.Scheduler {
	sched := scheduler.New(a.log)
	count := 0

	for _, d := range reg.Activated(true, true) {
		m := d.Manifest()
		if m == nil || len(m.BackgroundTasks) == 0 {
			continue
		}
		log := a.log.WithField("extension", d.Name())

		tp, ok := d.Handle().(extloader.TaskProvider)
		if !ok {
			log.Warn("declares %d background tasks but provides none", len(m.BackgroundTasks))
			continue
		}

		for _, name := range m.TaskNames() {
			spec := m.BackgroundTasks[name]
			entry := spec.Entry
			if entry == "" {
				entry = name
			}
			fn, ok := tp.Task(entry)
			if !ok {
				log.Warn("task %q: entry %q not provided", name, entry)
				continue
			}
			if err := sched.Add(d.Name(), name, spec.Schedule, fn); err != nil {
				log.WithError(err).Warn("task %q not scheduled", name)
				continue
			}
			count++
		}
	}

	a.metrics.RecordTasks(count)
	return sched
}

// Reload stops tasks, releases entry points, and runs a full discovery
// and setup pass again.
func (a *App) Reload(ctx context.Context) error {
	a.cycle.Lock()
	defer a.cycle.Unlock()

	a.stop()
	err := a.start(ctx)
	a.metrics.RecordReload(err)
	return err
}

// Shutdown stops background tasks and releases entry points.
func (a *App) Shutdown() {
	a.cycle.Lock()
	defer a.cycle.Unlock()
	a.stop()
}

func (a *App) stop() {
	a.mu.Lock()
	sched, reg, live := a.sched, a.reg, a.live
	a.sched = nil
	a.live = false
	a.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	if reg == nil || !live {
		return
	}
	for _, d := range reg.Activated(true, true) {
		c, ok := d.Handle().(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			a.log.WithField("extension", d.Name()).WithError(err).Warn("closing entry point")
		}
	}
}

// Run starts the host and blocks until ctx is done. With watching
// enabled, changes under the roots trigger Reload.
func (a *App) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.running.Store(false)

	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Shutdown()

	var watchDone chan struct{}
	if a.cfg.Watch.Enabled {
		w, err := watcher.New(a.Reload,
			watcher.WithDebounce(a.cfg.Watch.Debounce.Std()),
			watcher.WithLogger(a.log),
		)
		if err != nil {
			return &InitError{Component: "watcher", Err: err}
		}
		defer w.Close()

		for _, root := range a.Roots() {
			if err := w.WatchRoot(root); err != nil {
				a.log.WithField("root", root).WithError(err).Warn("cannot watch root")
			}
		}

		watchDone = make(chan struct{})
		go func() {
			defer close(watchDone)
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.WithError(err).Warn("watcher stopped")
			}
		}()
	}

	<-ctx.Done()
	if watchDone != nil {
		<-watchDone
	}
	a.log.Info("shutting down")
	return nil
}

// IsRunning reports whether Run is in progress.
func (a *App) IsRunning() bool {
	return a.running.Load()
}

// Dispatch routes an inbound chat message to the owning extension.
func (a *App) Dispatch(ctx context.Context, chat, text string) error {
	router := a.Router()
	if router == nil {
		return ErrNotStarted
	}
	return router.Dispatch(ctx, chat, text)
}

// EnabledList returns the persisted enabled list.
func (a *App) EnabledList() ([]string, error) {
	return orchestrator.ReadEnabledList(loader.New(), orchestrator.EnabledPath(a.cfg.Paths.UserRoot))
}

// Enable appends name to the enabled list. It reports false when name was
// already listed.
func (a *App) Enable(name string) (bool, error) {
	if !manifest.ValidName(name) {
		return false, fmt.Errorf("invalid extension name %q", name)
	}
	names, err := a.EnabledList()
	if err != nil {
		return false, err
	}
	if slices.Contains(names, name) {
		return false, nil
	}
	names = append(names, name)
	return true, orchestrator.WriteEnabledList(orchestrator.EnabledPath(a.cfg.Paths.UserRoot), names)
}

// Disable removes every occurrence of name from the enabled list. It
// reports false when name was not listed.
func (a *App) Disable(name string) (bool, error) {
	names, err := a.EnabledList()
	if err != nil {
		return false, err
	}
	kept := slices.DeleteFunc(slices.Clone(names), func(n string) bool { return n == name })
	if len(kept) == len(names) {
		return false, nil
	}
	return true, orchestrator.WriteEnabledList(orchestrator.EnabledPath(a.cfg.Paths.UserRoot), kept)
}
