package lua

import (
	"context"
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/modhost/internal/host"
	"github.com/dshills/modhost/internal/logging"
	"github.com/dshills/modhost/internal/scheduler"
)

// Plugin is a loaded Lua plugin. It implements loader.EntryPoint,
// loader.TaskProvider, and io.Closer.
type Plugin struct {
	name  string
	state *State
	setup *lua.LFunction
	log   *logging.Logger
}

// Name returns the plugin name.
func (p *Plugin) Name() string { return p.name }

// Setup calls setup(dispatcher, bot, services).
//
// The script fails setup by raising an error or by returning false,
// optionally followed by a message.
func (p *Plugin) Setup(ctx context.Context, h host.Handles) error {
	results, err := p.state.Call(ctx, p.setup,
		p.dispatcherFuncs(h),
		p.botFuncs(h),
		p.servicesFuncs(h),
	)
	if err != nil {
		return err
	}
	return resultError(results)
}

// Task returns the global Lua function named by a background task entry.
func (p *Plugin) Task(entry string) (scheduler.TaskFunc, bool) {
	fn, ok := p.state.Global(entry)
	if !ok {
		return nil, false
	}
	return func(ctx context.Context) error {
		results, err := p.state.Call(ctx, fn)
		if err != nil {
			return err
		}
		return resultError(results)
	}, true
}

// Close releases the Lua state.
func (p *Plugin) Close() error {
	return p.state.Close()
}

func resultError(results []any) error {
	if len(results) == 0 {
		return nil
	}
	if ok, isBool := results[0].(bool); isBool && !ok {
		if len(results) > 1 && results[1] != nil {
			return fmt.Errorf("%v", results[1])
		}
		return errors.New("returned false")
	}
	return nil
}

// dispatcherFuncs exposes dispatcher.handle(route, fn) and
// dispatcher.routes(). fn receives a message table {chat, text, route,
// args}; a non-empty string result is sent back to the chat.
func (p *Plugin) dispatcherFuncs(h host.Handles) map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"handle": func(L *lua.LState) int {
			route := L.CheckString(1)
			fn := L.CheckFunction(2)
			if h.Dispatcher == nil {
				L.RaiseError("no dispatcher available")
				return 0
			}
			if err := h.Dispatcher.Handle(route, p.routeHandler(h, fn)); err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			return 0
		},
		"routes": func(L *lua.LState) int {
			if h.Dispatcher == nil {
				L.Push(L.NewTable())
				return 1
			}
			L.Push(ToLuaValue(L, h.Dispatcher.Routes()))
			return 1
		},
	}
}

func (p *Plugin) routeHandler(h host.Handles, fn *lua.LFunction) host.Handler {
	return func(ctx context.Context, msg host.Message) error {
		args := msg.Args
		if args == nil {
			args = []string{}
		}
		results, err := p.state.Call(ctx, fn, map[string]any{
			"chat":  msg.Chat,
			"text":  msg.Text,
			"route": msg.Route,
			"args":  args,
		})
		if err != nil {
			return err
		}
		if len(results) == 0 {
			return nil
		}
		if reply, ok := results[0].(string); ok && reply != "" && h.Bot != nil {
			return h.Bot.Send(ctx, msg.Chat, reply)
		}
		return resultError(results)
	}
}

// botFuncs exposes bot.send(chat, text), returning true or false, err.
func (p *Plugin) botFuncs(h host.Handles) map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"send": func(L *lua.LState) int {
			chat := L.CheckString(1)
			text := L.CheckString(2)
			if h.Bot == nil {
				L.Push(lua.LFalse)
				L.Push(lua.LString("no bot available"))
				return 2
			}
			if err := h.Bot.Send(luaContext(L), chat, text); err != nil {
				L.Push(lua.LFalse)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LTrue)
			return 1
		},
	}
}

// servicesFuncs exposes services.get(name) and services.names().
func (p *Plugin) servicesFuncs(h host.Handles) map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"get": func(L *lua.LState) int {
			name := L.CheckString(1)
			if h.Services == nil {
				L.Push(lua.LNil)
				return 1
			}
			svc, ok := h.Services.Get(name)
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(ToLuaValue(L, svc))
			return 1
		},
		"names": func(L *lua.LState) int {
			var names []string
			if h.Services != nil {
				names = h.Services.Names()
			}
			L.Push(ToLuaValue(L, names))
			return 1
		},
	}
}

func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
