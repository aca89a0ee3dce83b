package host

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/modhost/internal/logging"
)

// Router is the host's Dispatcher: a flat table of route -> handler.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	owners   map[string]string
	log      *logging.Logger
}

// NewRouter creates an empty router.
func NewRouter(log *logging.Logger) *Router {
	if log == nil {
		log = logging.GetLogger()
	}
	return &Router{
		handlers: make(map[string]Handler),
		owners:   make(map[string]string),
		log:      log.WithComponent("router"),
	}
}

// Handle registers h for route.
func (r *Router) Handle(route string, h Handler) error {
	return r.handle("", route, h)
}

// For returns a Dispatcher that records owner as the registrant of every
// route it adds.
func (r *Router) For(owner string) Dispatcher {
	return &ownedDispatcher{router: r, owner: owner}
}

func (r *Router) handle(owner, route string, h Handler) error {
	route = strings.TrimSpace(route)
	if route == "" || strings.ContainsAny(route, " \t\n") {
		return fmt.Errorf("%w: route %q", ErrInvalidName, route)
	}
	if h == nil {
		return fmt.Errorf("route %q: handler is nil", route)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.owners[route]; ok {
		return fmt.Errorf("%w: %s (owned by %q)", ErrRouteExists, route, prev)
	}
	r.handlers[route] = h
	r.owners[route] = owner
	r.log.WithFields(map[string]any{"route": route, "owner": owner}).Debug("route registered")
	return nil
}

// Routes returns the registered routes, sorted.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make([]string, 0, len(r.handlers))
	for route := range r.handlers {
		routes = append(routes, route)
	}
	sort.Strings(routes)
	return routes
}

// Owner returns the extension that registered route.
func (r *Router) Owner(route string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[route]
	return owner, ok
}

// RemoveOwner drops every route registered by owner and returns them,
// sorted.
func (r *Router) RemoveOwner(owner string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for route, o := range r.owners {
		if o != owner {
			continue
		}
		delete(r.handlers, route)
		delete(r.owners, route)
		removed = append(removed, route)
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		r.log.WithFields(map[string]any{"owner": owner, "routes": removed}).Debug("routes removed")
	}
	return removed
}

// Dispatch parses text and invokes the matching handler.
// Handler panics are recovered and returned as errors.
func (r *Router) Dispatch(ctx context.Context, chat, text string) (err error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty message", ErrNoRoute)
	}
	msg := Message{Chat: chat, Text: text, Route: fields[0], Args: fields[1:]}

	r.mu.RLock()
	h, ok := r.handlers[msg.Route]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, msg.Route)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("route %s: handler panic: %v", msg.Route, rec)
		}
	}()
	return h(ctx, msg)
}

type ownedDispatcher struct {
	router *Router
	owner  string
}

func (d *ownedDispatcher) Handle(route string, h Handler) error {
	return d.router.handle(d.owner, route, h)
}

func (d *ownedDispatcher) Routes() []string {
	return d.router.Routes()
}
