package lua

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dshills/modhost/internal/extension/loader"
	"github.com/dshills/modhost/internal/host"
	"github.com/dshills/modhost/internal/logging"
)

func writePlugin(t *testing.T, script string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "echo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, EntryFile), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testHandles() (host.Handles, *host.Router, *host.LogBot) {
	router := host.NewRouter(logging.NullLogger)
	bot := host.NewLogBot(logging.NullLogger)
	return host.Handles{Dispatcher: router, Bot: bot, Services: host.NewServices()}, router, bot
}

func load(t *testing.T, dir string, settings map[string]any) *Plugin {
	t.Helper()
	l := NewLoader(WithLogger(logging.NullLogger))
	ep, err := l.Load(context.Background(), loader.Request{Name: "echo", Path: dir, Settings: settings})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	p, ok := ep.(*Plugin)
	if !ok {
		t.Fatalf("Load() returned %T, want *Plugin", ep)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPluginSetupAndDispatch(t *testing.T) {
	dir := writePlugin(t, `
local prefix = settings.prefix

function setup(dispatcher, bot, services)
  dispatcher.handle("/echo", function(msg)
    return prefix .. table.concat(msg.args, " ")
  end)
  bot.send("ops", "echo ready")
end
`)
	p := load(t, dir, map[string]any{"prefix": "> "})
	h, router, bot := testHandles()

	if err := p.Setup(context.Background(), h); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := router.Dispatch(context.Background(), "room", "/echo hello world"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	sent := bot.Sent()
	if len(sent) != 2 {
		t.Fatalf("Sent() = %v, want 2 messages", sent)
	}
	if sent[0] != (host.Sent{Chat: "ops", Text: "echo ready"}) {
		t.Errorf("first message = %+v", sent[0])
	}
	if sent[1] != (host.Sent{Chat: "room", Text: "> hello world"}) {
		t.Errorf("reply = %+v", sent[1])
	}
}

func TestPluginServices(t *testing.T) {
	dir := writePlugin(t, `
function setup(dispatcher, bot, services)
  local perms = services.get("permissions")
  if perms == nil then
    return false, "permissions service missing"
  end
  bot.send("ops", tostring(#perms) .. " " .. perms[1])
  if services.get("nope") ~= nil then
    error("unexpected service")
  end
end
`)
	p := load(t, dir, nil)
	h, _, bot := testHandles()
	_ = h.Services.Register("permissions", []string{"alerts.manage", "alerts.view"})

	if err := p.Setup(context.Background(), h); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if sent := bot.Sent(); len(sent) != 1 || sent[0].Text != "2 alerts.manage" {
		t.Errorf("Sent() = %v", sent)
	}
}

func TestPluginSetupFailures(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantMsg string
	}{
		{"returns false", `function setup() return false, "not configured" end`, "not configured"},
		{"raises", `function setup() error("boom") end`, "boom"},
		{"duplicate route", `function setup(d) d.handle("/x", function() end) d.handle("/x", function() end) end`, "already registered"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := load(t, writePlugin(t, tt.script), nil)
			h, _, _ := testHandles()
			err := p.Setup(context.Background(), h)
			if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Setup() error = %v, want containing %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	l := NewLoader(WithLogger(logging.NullLogger))

	_, err := l.Load(context.Background(), loader.Request{Name: "none", Path: t.TempDir()})
	if !errors.Is(err, ErrNoEntry) {
		t.Errorf("Load(no init.lua) error = %v, want ErrNoEntry", err)
	}

	_, err = l.Load(context.Background(), loader.Request{Name: "nosetup", Path: writePlugin(t, `x = 1`)})
	if err == nil || !strings.Contains(err.Error(), "setup") {
		t.Errorf("Load(no setup) error = %v", err)
	}

	_, err = l.Load(context.Background(), loader.Request{Name: "syntax", Path: writePlugin(t, `function (`)})
	if err == nil {
		t.Error("Load(syntax error) should fail")
	}
}

func TestSandboxHidesUnsafeLibraries(t *testing.T) {
	dir := writePlugin(t, `
function setup()
  if os ~= nil or io ~= nil or debug ~= nil or dofile ~= nil or require ~= nil or load ~= nil then
    return false, "unsafe library exposed"
  end
  if string.upper("ok") ~= "OK" or math.floor(1.5) ~= 1 then
    return false, "safe library missing"
  end
end
`)
	p := load(t, dir, nil)
	h, _, _ := testHandles()
	if err := p.Setup(context.Background(), h); err != nil {
		t.Errorf("Setup() error = %v", err)
	}
}

func TestExecutionTimeout(t *testing.T) {
	dir := writePlugin(t, `function setup() while true do end end`)
	l := NewLoader(WithLogger(logging.NullLogger), WithTimeout(50*time.Millisecond))
	ep, err := l.Load(context.Background(), loader.Request{Name: "spin", Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer ep.(*Plugin).Close()

	h, _, _ := testHandles()
	done := make(chan error, 1)
	go func() { done <- ep.Setup(context.Background(), h) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Setup() should fail on timeout")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Setup() was not interrupted")
	}
}

func TestPluginTask(t *testing.T) {
	dir := writePlugin(t, `
count = 0
function setup() end
function tick()
  count = count + 1
  if count > 1 then return false, "second tick" end
end
`)
	p := load(t, dir, nil)

	fn, ok := p.Task("tick")
	if !ok {
		t.Fatal("Task(tick) not found")
	}
	if err := fn(context.Background()); err != nil {
		t.Errorf("first tick error = %v", err)
	}
	if err := fn(context.Background()); err == nil || err.Error() != "second tick" {
		t.Errorf("second tick error = %v", err)
	}
	if _, ok := p.Task("missing"); ok {
		t.Error("Task(missing) should be false")
	}
}

func TestClosedState(t *testing.T) {
	p := load(t, writePlugin(t, `function setup() end`), nil)
	_ = p.Close()
	h, _, _ := testHandles()
	if err := p.Setup(context.Background(), h); !errors.Is(err, ErrStateClosed) {
		t.Errorf("Setup() after Close error = %v, want ErrStateClosed", err)
	}
}

func TestBridgeRoundTrip(t *testing.T) {
	s := NewState()
	defer s.Close()

	if err := s.DoString(context.Background(), `function id(x) return x end`); err != nil {
		t.Fatal(err)
	}
	fn, ok := s.Global("id")
	if !ok {
		t.Fatal("id not defined")
	}

	in := map[string]any{"n": 7, "f": 1.5, "s": "x", "b": true, "list": []any{"a", "b"}}
	out, err := s.Call(context.Background(), fn, in)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := out[0].(map[string]any)
	if !ok {
		t.Fatalf("result = %T", out[0])
	}
	if got["n"] != 7 || got["f"] != 1.5 || got["s"] != "x" || got["b"] != true {
		t.Errorf("scalars = %v", got)
	}
	if list, ok := got["list"].([]any); !ok || len(list) != 2 || list[0] != "a" {
		t.Errorf("list = %v", got["list"])
	}
}
