package consumer

import (
	"context"

	"go.uber.org/zap"
)

// Subscriber is the broker side of the relay.
type Subscriber interface {
	Subscribe(ctx context.Context, handler func([]byte)) error
}

// Broadcaster is the WebSocket side of the relay.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// StateConsumer bridges the state channel to the WebSocket hub. Frames are
// relayed verbatim: the arbiter already serialized them, and re-encoding here
// could only reorder or corrupt what clients receive.
type StateConsumer struct {
	bus    Subscriber
	hub    Broadcaster
	logger *zap.Logger
}

// NewStateConsumer creates a consumer bound to the given broker and hub.
func NewStateConsumer(bus Subscriber, hub Broadcaster, logger *zap.Logger) *StateConsumer {
	return &StateConsumer{bus: bus, hub: hub, logger: logger}
}

// Start runs the subscribe loop in a background goroutine until ctx is
// cancelled. Reconnection is handled inside the broker client.
func (c *StateConsumer) Start(ctx context.Context) {
	c.logger.Info("State consumer initialized")
	go func() {
		if err := c.bus.Subscribe(ctx, c.hub.Broadcast); err != nil && ctx.Err() == nil {
			c.logger.Error("state consumer stopped", zap.Error(err))
			return
		}
		c.logger.Info("state consumer stopped")
	}()
}
