// Package events is the in-process pub/sub layer downstream consumers
// attach to. Dispatch is synchronous and FIFO per event name; a handler
// failure never reaches the caller.
package events

import (
	"context"
	"log/slog"
	"sync"
)

// Handler receives one published payload.
type Handler func(ctx context.Context, payload any)

// Bus routes payloads to the handlers subscribed under an event name.
// Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event name. Handlers run in
// subscription order.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish delivers the payload to every handler subscribed under name,
// synchronously and in order. A panicking handler is logged and skipped;
// later handlers still run.
func (b *Bus) Publish(ctx context.Context, name string, payload any) {
	b.mu.RLock()
	handlers := b.handlers[name]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, name, h, payload)
	}
}

func (b *Bus) invoke(ctx context.Context, name string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", "event", name, "panic", r)
		}
	}()
	h(ctx, payload)
}
