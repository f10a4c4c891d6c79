// Package bus connects the control plane to Redis pub/sub. State patches go
// out on one channel; the fan-out consumer subscribes to the same channel so
// every replica (and any external listener) sees the same frames.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DMcConnell/mira/internal/model"
)

// Channel carries every state patch the arbiter emits.
const Channel = "mira:state"

const (
	publishQueueSize = 256
	publishTimeout   = 2 * time.Second
	resubscribeDelay = 5 * time.Second
)

// Client wraps the Redis connection behind publish and subscribe operations.
// Publishing is asynchronous: patches are queued in-process and pushed to
// Redis by a single pump goroutine, so a slow or absent broker never blocks
// command handling.
type Client struct {
	rdb     *redis.Client
	logger  *zap.Logger
	queue   chan []byte
	done    chan struct{}
	stopped chan struct{}
}

// NewClient connects to the Redis instance at url. An unreachable broker is
// not fatal: the mirror keeps arbitrating and persisting locally, and the
// pump retries each publish against whatever Redis does next.
func NewClient(url string, logger *zap.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, continuing degraded", zap.Error(err))
	}

	c := &Client{
		rdb:     rdb,
		logger:  logger,
		queue:   make(chan []byte, publishQueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.pump()
	return c, nil
}

// Publish queues a state patch for delivery. It never blocks: when the queue
// is full the patch is dropped with an error log, since WebSocket clients can
// resynchronize from GET /state at any time.
func (c *Client) Publish(_ context.Context, patch model.StatePatch) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal state patch: %w", err)
	}
	select {
	case c.queue <- data:
	case <-c.done:
	default:
		c.logger.Error("publish queue full, dropping patch", zap.String("path", patch.Path))
	}
	return nil
}

// pump is the single goroutine that moves queued patches to Redis, which
// keeps the channel ordering identical to arbitration ordering.
func (c *Client) pump() {
	defer close(c.stopped)
	for {
		select {
		case msg := <-c.queue:
			c.send(msg)
		case <-c.done:
			for {
				select {
				case msg := <-c.queue:
					c.send(msg)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) send(msg []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.rdb.Publish(ctx, Channel, msg).Err(); err != nil {
		c.logger.Error("failed to publish state patch", zap.Error(err))
	}
}

// Subscribe consumes the state channel, invoking handler for each message.
// It blocks until ctx is cancelled, reconnecting with a constant delay when
// the subscription drops.
func (c *Client) Subscribe(ctx context.Context, handler func([]byte)) error {
	op := func() error {
		return c.consume(ctx, handler)
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("state subscription lost, retrying",
			zap.Error(err),
			zap.Duration("retry_in", next),
		)
	}
	return backoff.RetryNotify(op,
		backoff.WithContext(backoff.NewConstantBackOff(resubscribeDelay), ctx), notify)
}

func (c *Client) consume(ctx context.Context, handler func([]byte)) error {
	pubsub := c.rdb.Subscribe(ctx, Channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	c.logger.Info("subscribed to state channel", zap.String("channel", Channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			handler([]byte(msg.Payload))
		}
	}
}

// Close flushes the publish queue and releases the Redis connection.
func (c *Client) Close() error {
	close(c.done)
	<-c.stopped
	return c.rdb.Close()
}
