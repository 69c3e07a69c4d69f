package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perpkeeper/internal/domain"
)

const defaultStreamMaxLen int64 = 10000

// EventBus implements domain.EventPublisher. Pub/Sub carries live
// notifications; a capped stream keeps recent history for consumers that
// were offline.
type EventBus struct {
	c      *Client
	maxLen int64
}

// NewEventBus creates an EventBus. maxLen <= 0 selects the default cap.
func NewEventBus(c *Client, maxLen int) *EventBus {
	n := int64(maxLen)
	if n <= 0 {
		n = defaultStreamMaxLen
	}
	return &EventBus{c: c, maxLen: n}
}

// Publish sends payload on a Pub/Sub channel.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.c.rdb.Publish(ctx, b.c.key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// StreamAppend XADDs payload to stream, trimming approximately to maxLen.
func (b *EventBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: b.c.key(stream),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}
	if err := b.c.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

var _ domain.EventPublisher = (*EventBus)(nil)
