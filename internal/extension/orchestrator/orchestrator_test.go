package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/modhost/internal/config/loader"
	"github.com/dshills/modhost/internal/extension"
	extloader "github.com/dshills/modhost/internal/extension/loader"
	"github.com/dshills/modhost/internal/extension/loader/lua"
	"github.com/dshills/modhost/internal/extension/registry"
	"github.com/dshills/modhost/internal/host"
	"github.com/dshills/modhost/internal/logging"
)

// countingLoader records every load and setup and lets tests inject
// failures per extension.
type countingLoader struct {
	mu       sync.Mutex
	loads    map[string]int
	setups   map[string]int
	order    []string
	loadErr  map[string]error
	setupFns map[string]func() error
}

func newCountingLoader() *countingLoader {
	return &countingLoader{
		loads:    make(map[string]int),
		setups:   make(map[string]int),
		loadErr:  make(map[string]error),
		setupFns: make(map[string]func() error),
	}
}

func (c *countingLoader) Load(_ context.Context, req extloader.Request) (extloader.EntryPoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads[req.Name]++
	if err := c.loadErr[req.Name]; err != nil {
		return nil, err
	}
	name := req.Name
	return extloader.SetupFunc(func(context.Context, host.Handles) error {
		c.mu.Lock()
		c.setups[name]++
		c.order = append(c.order, name)
		fn := c.setupFns[name]
		c.mu.Unlock()
		if fn != nil {
			return fn()
		}
		return nil
	}), nil
}

func (c *countingLoader) setupCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setups[name]
}

type fixture struct {
	t        *testing.T
	builtin  string
	plugins  string
	user     string
	builtins *countingLoader
	plugin   *countingLoader
}

func newFixture(t *testing.T) *fixture {
	root := t.TempDir()
	return &fixture{
		t:        t,
		builtin:  filepath.Join(root, "builtin"),
		plugins:  filepath.Join(root, "plugins"),
		user:     filepath.Join(root, "user"),
		builtins: newCountingLoader(),
		plugin:   newCountingLoader(),
	}
}

func (f *fixture) write(path, content string) {
	f.t.Helper()
	require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) builtinExt(dir, manifest string) {
	f.write(filepath.Join(f.builtin, dir, "manifest.yaml"), manifest)
}

func (f *fixture) pluginExt(dir, manifest string) {
	f.write(filepath.Join(f.plugins, dir, "manifest.yaml"), manifest)
}

func (f *fixture) enable(content string) {
	f.write(EnabledPath(f.user), content)
}

func (f *fixture) orchestrator(hostVersion string) *Orchestrator {
	f.t.Helper()
	o, err := New(Config{
		BuiltinRoot: f.builtin,
		PluginRoot:  f.plugins,
		UserRoot:    f.user,
		HostVersion: hostVersion,
	},
		WithBuiltinLoader(f.builtins),
		WithPluginLoader(f.plugin),
		WithLogger(logging.NullLogger),
	)
	require.NoError(f.t, err)
	return o
}

func (f *fixture) run(hostVersion string) (*registry.Registry, Report) {
	f.t.Helper()
	o := f.orchestrator(hostVersion)
	reg, err := o.Discover(context.Background())
	require.NoError(f.t, err)
	return reg, o.Setup(context.Background(), reg, testHandles())
}

func testHandles() host.Handles {
	return host.Handles{
		Dispatcher: host.NewRouter(logging.NullLogger),
		Bot:        host.NewLogBot(logging.NullLogger),
		Services:   host.NewServices(),
	}
}

func state(t *testing.T, reg *registry.Registry, name string) registry.State {
	t.Helper()
	d, ok := reg.Get(name)
	require.True(t, ok, "descriptor %q not found", name)
	return d.State()
}

func TestBuiltinFailureIsolated(t *testing.T) {
	f := newFixture(t)
	f.builtinExt("core_a", "name: core_a\nversion: 1.0.0\n")
	f.builtinExt("core_b", "name: core_b\nversion: 1.0.0\n")
	f.builtins.setupFns["core_a"] = func() error { panic("core_a exploded") }

	reg, report := f.run("1.0.0")

	assert.Equal(t, registry.StateFailed, state(t, reg, "core_a"))
	assert.Equal(t, registry.StateActivated, state(t, reg, "core_b"))
	assert.Equal(t, []string{"core_b"}, report.Activated)
	assert.Equal(t, []string{"core_a"}, report.Failed)

	d, _ := reg.Get("core_a")
	assert.True(t, errors.Is(d.Err(), extension.ErrActivation))
	assert.Contains(t, d.Err().Error(), "core_a exploded")
}

func TestBuiltinSetupErrorAndLoadError(t *testing.T) {
	f := newFixture(t)
	f.builtinExt("core_a", "name: core_a\nversion: 1.0.0\n")
	f.builtinExt("core_b", "name: core_b\nversion: 1.0.0\n")
	f.builtinExt("core_c", "name: core_c\nversion: 1.0.0\n")
	f.builtins.setupFns["core_a"] = func() error { return errors.New("bad wiring") }
	f.builtins.loadErr["core_b"] = extloader.ErrNotRegistered

	reg, report := f.run("1.0.0")
	assert.Equal(t, []string{"core_c"}, report.Activated)
	assert.ElementsMatch(t, []string{"core_a", "core_b"}, report.Failed)

	a, _ := reg.Get("core_a")
	var actErr *extension.ActivationError
	require.True(t, errors.As(a.Err(), &actErr))
	assert.Equal(t, extension.StageSetup, actErr.Stage)

	b, _ := reg.Get("core_b")
	require.True(t, errors.As(b.Err(), &actErr))
	assert.Equal(t, extension.StageLoad, actErr.Stage)
	assert.Equal(t, 0, f.builtins.setupCount("core_b"))
}

func TestBuiltinsBeforePlugins(t *testing.T) {
	f := newFixture(t)
	f.builtinExt("core_auth", "name: core_auth\nversion: 1.0.0\n")
	f.pluginExt("alerts", "name: alerts\nversion: 1.0.0\ndependencies:\n  modules: [core_auth]\n")
	f.enable("- alerts\n")

	reg, report := f.run("1.0.0")
	assert.Equal(t, []string{"core_auth", "alerts"}, report.Activated)
	assert.Equal(t, registry.StateActivated, state(t, reg, "alerts"))
	assert.Equal(t, 1, f.plugin.setupCount("alerts"))
}

func TestMissingDependencyNeverSetUp(t *testing.T) {
	f := newFixture(t)
	f.pluginExt("alerts", "name: alerts\nversion: 1.0.0\ndependencies:\n  modules: [ghost]\n")
	f.pluginExt("reports", "name: reports\nversion: 1.0.0\ndependencies:\n  modules: [disabled]\n")
	f.pluginExt("disabled", "name: disabled\nversion: 1.0.0\n")
	f.enable("active_modules:\n  - alerts\n  - reports\n")

	reg, report := f.run("1.0.0")

	assert.Equal(t, registry.StateFailed, state(t, reg, "alerts"))
	assert.Equal(t, registry.StateFailed, state(t, reg, "reports"))
	assert.Equal(t, 0, f.plugin.setupCount("alerts"))
	assert.Equal(t, 0, f.plugin.setupCount("reports"))
	assert.Equal(t, 0, f.plugin.loads["alerts"])
	assert.ElementsMatch(t, []string{"alerts", "reports"}, report.Failed)

	d, _ := reg.Get("alerts")
	var depErr *extension.DependencyError
	require.True(t, errors.As(d.Err(), &depErr))
	assert.Equal(t, "ghost", depErr.Dependency)

	assert.Equal(t, registry.StateSettingsResolved, state(t, reg, "disabled"))
}

func TestDependencyOrderFollowsEnabledList(t *testing.T) {
	f := newFixture(t)
	f.pluginExt("base", "name: base\nversion: 1.0.0\n")
	f.pluginExt("child", "name: child\nversion: 1.0.0\ndependencies:\n  modules: [base]\n")
	f.enable("- child\n- base\n")

	reg, report := f.run("1.0.0")
	assert.Equal(t, registry.StateFailed, state(t, reg, "child"))
	assert.Equal(t, registry.StateActivated, state(t, reg, "base"))
	assert.Equal(t, []string{"base"}, report.Activated)
}

func TestBillingHostVersionTooLow(t *testing.T) {
	f := newFixture(t)
	f.pluginExt("billing", "name: billing\nversion: 2.1.0\nmetadata:\n  min_host_version: 9.9.9\n")
	f.enable("- billing\n")

	reg, report := f.run("1.0.0")
	assert.Equal(t, registry.StateFailed, state(t, reg, "billing"))
	assert.Equal(t, []string{"billing"}, report.Failed)
	assert.Equal(t, 0, f.plugin.setupCount("billing"))

	d, _ := reg.Get("billing")
	assert.True(t, errors.Is(d.Err(), extension.ErrDependency))
}

func TestEnabledListEdgeCases(t *testing.T) {
	f := newFixture(t)
	f.builtinExt("core_help", "name: core_help\nversion: 1.0.0\n")
	f.pluginExt("alerts", "name: alerts\nversion: 1.0.0\n")
	f.pluginExt("idle", "name: idle\nversion: 1.0.0\n")
	f.enable("- alerts\n- ghost\n- core_help\n- alerts\n")

	reg, report := f.run("1.0.0")

	assert.Equal(t, 1, f.plugin.setupCount("alerts"))
	assert.Equal(t, 1, f.builtins.setupCount("core_help"))
	assert.Equal(t, 0, f.plugin.setupCount("core_help"))
	assert.Equal(t, 0, f.plugin.loads["idle"])
	assert.Equal(t, []string{"core_help", "alerts"}, report.Activated)
	assert.Equal(t, []string{"ghost", "core_help"}, report.Skipped)

	idle, _ := reg.Get("idle")
	assert.False(t, idle.Enabled())
}

func TestNoEnabledFileMeansNoPlugins(t *testing.T) {
	f := newFixture(t)
	f.pluginExt("alerts", "name: alerts\nversion: 1.0.0\n")

	_, report := f.run("1.0.0")
	assert.Empty(t, report.Activated)
	assert.Equal(t, 0, f.plugin.loads["alerts"])
}

func TestFooCollisionLastWins(t *testing.T) {
	f := newFixture(t)
	f.pluginExt("foo_a", "name: foo\nversion: 1.0.0\ndescription: first\n")
	f.pluginExt("foo_b", "name: foo\nversion: 2.0.0\ndescription: second\n")
	f.enable("- foo\n")

	reg, report := f.run("1.0.0")
	d, ok := reg.Get("foo")
	require.True(t, ok)
	assert.Equal(t, "2.0.0", d.Version())
	assert.Equal(t, filepath.Join(f.plugins, "foo_b"), d.Path())
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, []string{"foo"}, report.Activated)
	assert.Equal(t, 1, f.plugin.setupCount("foo"))
}

func TestManifestFailuresRecorded(t *testing.T) {
	f := newFixture(t)
	f.pluginExt("broken", "name: broken\nversion: not-a-version\n")
	f.write(filepath.Join(f.plugins, "nomanifest", "init.lua"), "function setup() end\n")
	f.pluginExt("good", "name: good\nversion: 1.0.0\n")
	f.write(filepath.Join(f.builtin, "core_bare", "README"), "no manifest\n")
	f.enable("- broken\n- nomanifest\n- good\n")

	reg, report := f.run("1.0.0")

	assert.Equal(t, registry.StateFailed, state(t, reg, "broken"))
	assert.Equal(t, registry.StateFailed, state(t, reg, "nomanifest"))
	assert.Equal(t, registry.StateActivated, state(t, reg, "good"))
	assert.Equal(t, registry.StateActivated, state(t, reg, "core_bare"))
	assert.ElementsMatch(t, []string{"broken", "nomanifest"}, report.Failed)

	d, _ := reg.Get("broken")
	assert.True(t, errors.Is(d.Err(), extension.ErrManifest))
	assert.Nil(t, d.Manifest())
}

func TestSettingsSeededAndApplied(t *testing.T) {
	f := newFixture(t)
	f.pluginExt("alerts", `name: alerts
version: 1.0.0
settings:
  threshold:
    type: int
    default: 5
    min: 1
    max: 10
  channel:
    type: string
`)
	f.write(filepath.Join(f.plugins, "alerts", "settings.yaml"), "channel: \"#ops\"\n")
	f.enable("- alerts\n")

	reg, _ := f.run("1.0.0")
	assert.Equal(t, map[string]any{"threshold": 5, "channel": "#ops"}, reg.Settings("alerts"))

	userFile := filepath.Join(f.user, "settings", "alerts.yaml")
	seeded, err := loader.New().Load(userFile)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"threshold": 5, "channel": "#ops"}, seeded)

	// Operator override wins and is never rewritten.
	f.write(userFile, "threshold: \"7\"\n")
	reg, _ = f.run("1.0.0")
	assert.Equal(t, 7, reg.Settings("alerts")["threshold"])

	data, err := os.ReadFile(userFile)
	require.NoError(t, err)
	assert.Equal(t, "threshold: \"7\"\n", string(data))
}

func TestInvalidSettingsFailDescriptor(t *testing.T) {
	f := newFixture(t)
	f.pluginExt("alerts", "name: alerts\nversion: 1.0.0\nsettings:\n  threshold:\n    type: int\n    default: 5\n    max: 10\n")
	f.write(filepath.Join(f.user, "settings", "alerts.yaml"), "threshold: 50\n")
	f.enable("- alerts\n")

	reg, report := f.run("1.0.0")
	assert.Equal(t, registry.StateFailed, state(t, reg, "alerts"))
	assert.Equal(t, []string{"alerts"}, report.Failed)
	assert.Equal(t, 0, f.plugin.loads["alerts"])

	d, _ := reg.Get("alerts")
	assert.True(t, errors.Is(d.Err(), extension.ErrSettings))
}

func TestDiscoverRootErrors(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator("1.0.0")
	reg, err := o.Discover(context.Background())
	require.NoError(t, err, "missing roots are empty")
	assert.Equal(t, 0, reg.Len())

	f.write(f.plugins, "not a directory")
	_, err = o.Discover(context.Background())
	assert.Error(t, err)
}

func TestNewRequiresLoadersAndVersion(t *testing.T) {
	_, err := New(Config{HostVersion: "1.0.0"}, WithLogger(logging.NullLogger))
	assert.Error(t, err)

	l := newCountingLoader()
	_, err = New(Config{HostVersion: "one"}, WithBuiltinLoader(l), WithPluginLoader(l), WithLogger(logging.NullLogger))
	assert.Error(t, err)
}

func TestSetupCanceledContextSkips(t *testing.T) {
	f := newFixture(t)
	f.builtinExt("core_a", "name: core_a\nversion: 1.0.0\n")
	o := f.orchestrator("1.0.0")
	reg, err := o.Discover(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := o.Setup(ctx, reg, testHandles())
	assert.Equal(t, []string{"core_a"}, report.Skipped)
	assert.Equal(t, 0, f.builtins.setupCount("core_a"))
}

func TestLuaPluginEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.pluginExt("greeter", `name: greeter
version: 1.0.0
settings:
  greeting:
    type: string
    default: hello
`)
	f.write(filepath.Join(f.plugins, "greeter", "init.lua"), `
function setup(dispatcher, bot, services)
  dispatcher.handle("/greet", function(msg)
    return settings.greeting .. " " .. (msg.args[1] or "there")
  end)
end
`)
	f.enable("- greeter\n")

	o, err := New(Config{PluginRoot: f.plugins, UserRoot: f.user, HostVersion: "1.0.0"},
		WithBuiltinLoader(f.builtins),
		WithPluginLoader(lua.NewLoader(lua.WithLogger(logging.NullLogger))),
		WithLogger(logging.NullLogger),
	)
	require.NoError(t, err)

	reg, err := o.Discover(context.Background())
	require.NoError(t, err)

	router := host.NewRouter(logging.NullLogger)
	bot := host.NewLogBot(logging.NullLogger)
	report := o.Setup(context.Background(), reg, host.Handles{Dispatcher: router, Bot: bot, Services: host.NewServices()})
	require.Equal(t, []string{"greeter"}, report.Activated)

	owner, _ := router.Owner("/greet")
	assert.Equal(t, "greeter", owner)

	require.NoError(t, router.Dispatch(context.Background(), "room", "/greet ada"))
	assert.Equal(t, []host.Sent{{Chat: "room", Text: "hello ada"}}, bot.Sent())
}

func TestFailedSetupReleasesRoutes(t *testing.T) {
	f := newFixture(t)
	f.pluginExt("aaa", "name: aaa\nversion: 1.0.0\n")
	f.write(filepath.Join(f.plugins, "aaa", "init.lua"), `
function setup(dispatcher, bot, services)
  dispatcher.handle("/x", function(msg) return "from aaa" end)
  return false, "not ready"
end
`)
	f.pluginExt("bbb", "name: bbb\nversion: 1.0.0\n")
	f.write(filepath.Join(f.plugins, "bbb", "init.lua"), `
function setup(dispatcher, bot, services)
  dispatcher.handle("/x", function(msg) return "from bbb" end)
end
`)
	f.enable("- aaa\n- bbb\n")

	o, err := New(Config{PluginRoot: f.plugins, UserRoot: f.user, HostVersion: "1.0.0"},
		WithBuiltinLoader(f.builtins),
		WithPluginLoader(lua.NewLoader(lua.WithLogger(logging.NullLogger))),
		WithLogger(logging.NullLogger),
	)
	require.NoError(t, err)
	reg, err := o.Discover(context.Background())
	require.NoError(t, err)

	router := host.NewRouter(logging.NullLogger)
	bot := host.NewLogBot(logging.NullLogger)
	report := o.Setup(context.Background(), reg, host.Handles{Dispatcher: router, Bot: bot, Services: host.NewServices()})

	assert.Equal(t, []string{"bbb"}, report.Activated)
	assert.Equal(t, []string{"aaa"}, report.Failed)

	owner, ok := router.Owner("/x")
	require.True(t, ok)
	assert.Equal(t, "bbb", owner)

	require.NoError(t, router.Dispatch(context.Background(), "room", "/x"))
	assert.Equal(t, []host.Sent{{Chat: "room", Text: "from bbb"}}, bot.Sent())
}

// handlesLoader builds entry points that act on the handles they get.
type handlesLoader map[string]func(host.Handles) error

func (l handlesLoader) Load(_ context.Context, req extloader.Request) (extloader.EntryPoint, error) {
	fn := l[req.Name]
	return extloader.SetupFunc(func(_ context.Context, h host.Handles) error {
		return fn(h)
	}), nil
}

func TestFailedSetupReleasesServices(t *testing.T) {
	f := newFixture(t)
	f.builtinExt("core_a", "name: core_a\nversion: 1.0.0\n")
	f.builtinExt("core_b", "name: core_b\nversion: 1.0.0\n")
	noop := func(context.Context, host.Message) error { return nil }
	builtins := handlesLoader{
		"core_a": func(h host.Handles) error {
			if err := h.Services.Register("audit", "a"); err != nil {
				return err
			}
			if err := h.Dispatcher.Handle("/audit", noop); err != nil {
				return err
			}
			return errors.New("half wired")
		},
		"core_b": func(h host.Handles) error {
			if err := h.Services.Register("audit", "b"); err != nil {
				return err
			}
			return h.Dispatcher.Handle("/audit", noop)
		},
	}

	o, err := New(Config{BuiltinRoot: f.builtin, UserRoot: f.user, HostVersion: "1.0.0"},
		WithBuiltinLoader(builtins),
		WithPluginLoader(f.plugin),
		WithLogger(logging.NullLogger),
	)
	require.NoError(t, err)
	reg, err := o.Discover(context.Background())
	require.NoError(t, err)

	handles := testHandles()
	report := o.Setup(context.Background(), reg, handles)
	assert.Equal(t, []string{"core_b"}, report.Activated)
	assert.Equal(t, []string{"core_a"}, report.Failed)

	svc, ok := handles.Services.Get("audit")
	require.True(t, ok)
	assert.Equal(t, "b", svc)
	owner, _ := handles.Services.Owner("audit")
	assert.Equal(t, "core_b", owner)
}
