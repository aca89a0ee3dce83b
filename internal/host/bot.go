package host

import (
	"context"
	"sync"

	"github.com/dshills/modhost/internal/logging"
)

// Sent is one message recorded by a LogBot.
type Sent struct {
	Chat string
	Text string
}

// LogBot is a Bot that writes outbound messages to the log and keeps them
// in memory. It stands in for a chat transport.
type LogBot struct {
	mu   sync.Mutex
	sent []Sent
	log  *logging.Logger
}

// NewLogBot creates a LogBot.
func NewLogBot(log *logging.Logger) *LogBot {
	if log == nil {
		log = logging.GetLogger()
	}
	return &LogBot{log: log.WithComponent("bot")}
}

// Send records and logs a message.
func (b *LogBot) Send(ctx context.Context, chat, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.sent = append(b.sent, Sent{Chat: chat, Text: text})
	b.mu.Unlock()

	b.log.WithField("chat", chat).Info("%s", text)
	return nil
}

// Sent returns a copy of every message sent so far.
func (b *LogBot) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Sent, len(b.sent))
	copy(out, b.sent)
	return out
}
