// Package host provides the handles the host passes to every extension's
// setup: a route dispatcher, an outbound bot, and a service locator.
package host

import (
	"context"
	"errors"
)

// Errors returned by host handles.
var (
	// ErrRouteExists is returned when a route is registered twice.
	ErrRouteExists = errors.New("route already registered")

	// ErrNoRoute is returned when no handler matches a message.
	ErrNoRoute = errors.New("no handler for route")

	// ErrServiceExists is returned when a service name is registered twice.
	ErrServiceExists = errors.New("service already registered")

	// ErrInvalidName is returned for an empty route or service name.
	ErrInvalidName = errors.New("invalid name")
)

// Message is an inbound chat message.
type Message struct {
	Chat string
	Text string

	// Route is the leading command word, e.g. "/help".
	Route string

	// Args are the remaining whitespace separated words.
	Args []string
}

// Handler handles one routed message.
type Handler func(ctx context.Context, msg Message) error

// Dispatcher registers route handlers.
type Dispatcher interface {
	Handle(route string, h Handler) error
	Routes() []string
}

// Bot sends outbound messages.
type Bot interface {
	Send(ctx context.Context, chat, text string) error
}

// Handles bundles the host handles passed to extension setup.
type Handles struct {
	Dispatcher Dispatcher
	Bot        Bot
	Services   *Services
}
