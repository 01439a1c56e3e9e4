// Package eventbus carries domain events from their producers to the hub's
// dispatcher, either in-process or across nodes through Redis pub/sub.
package eventbus

import (
	"context"
	"log"

	"github.com/samhotchkiss/calpush/internal/events"
)

// Handler consumes events delivered by a bus.
type Handler interface {
	HandleEvent(ctx context.Context, event events.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event events.Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, event events.Event) error {
	return f(ctx, event)
}

// Publisher is the producer side of a bus.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Local hands every published event straight to its handler.
type Local struct {
	handler Handler
}

// NewLocal builds a single-node bus.
func NewLocal(handler Handler) *Local {
	return &Local{handler: handler}
}

// Publish delivers the event synchronously on the caller's goroutine.
func (b *Local) Publish(ctx context.Context, event events.Event) error {
	if b == nil || b.handler == nil {
		return nil
	}
	return b.handler.HandleEvent(ctx, event)
}

func logWith(logf func(string, ...any), format string, args ...any) {
	if logf != nil {
		logf(format, args...)
		return
	}
	log.Printf(format, args...)
}
