package pusher

import (
	"context"
	"log/slog"
	"sync"
)

// ChannelState tracks the subscription lifecycle of a channel.
type ChannelState int

const (
	ChannelUnsubscribed ChannelState = iota
	ChannelSubscribing
	ChannelSubscribed
)

// Callback receives one frame delivered on a channel.
type Callback func(ctx context.Context, frame Frame)

// Channel dispatches the frames of one named channel to bound callbacks.
// Dispatch runs on the connection's read goroutine, so callbacks for one
// channel never run concurrently.
type Channel struct {
	name   string
	logger *slog.Logger

	mu    sync.RWMutex
	state ChannelState
	binds map[string][]Callback
}

func newChannel(name string, logger *slog.Logger) *Channel {
	return &Channel{
		name:   name,
		logger: logger.With("channel", name),
		binds:  make(map[string][]Callback),
	}
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// State returns the current subscription state.
func (c *Channel) State() ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Bind registers a callback for an event name. Callbacks run in bind order.
func (c *Channel) Bind(event string, cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binds[event] = append(c.binds[event], cb)
}

// handle dispatches a frame to the callbacks bound to its event. A
// panicking callback is logged; the remaining callbacks still run.
func (c *Channel) handle(ctx context.Context, frame Frame) {
	if frame.Event == eventSubscriptionSucceeded {
		c.setState(ChannelSubscribed)
		c.logger.Info("Channel subscription succeeded")
	}

	c.mu.RLock()
	callbacks := c.binds[frame.Event]
	c.mu.RUnlock()

	for _, cb := range callbacks {
		c.invoke(ctx, frame, cb)
	}
}

func (c *Channel) invoke(ctx context.Context, frame Frame, cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Channel callback panicked", "event", frame.Event, "panic", r)
		}
	}()
	cb(ctx, frame)
}
