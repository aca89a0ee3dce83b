package builtin

import (
	"context"
	"errors"
	"strings"

	"github.com/dshills/modhost/internal/extension/loader"
	"github.com/dshills/modhost/internal/host"
)

// HelpRoute lists every registered route.
const HelpRoute = "/help"

const defaultHelpHeader = "Available commands:"

type help struct {
	header string
}

func newHelp(req loader.Request) *help {
	return &help{header: stringSetting(req.Settings, "header", defaultHelpHeader)}
}

func (hp *help) Setup(ctx context.Context, h host.Handles) error {
	if h.Dispatcher == nil || h.Bot == nil {
		return errors.New("missing host handles")
	}
	d := h.Dispatcher
	return d.Handle(HelpRoute, func(ctx context.Context, msg host.Message) error {
		// Routes are read per call so later extensions show up.
		return h.Bot.Send(ctx, msg.Chat, hp.header+"\n"+strings.Join(d.Routes(), "\n"))
	})
}
