package domain

import (
	"context"
	"time"
)

// LockManager provides short-lived leases shared between keeper instances.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventPublisher fans keeper outcomes out to other processes.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// Channel and stream names used for keeper events.
const (
	ChannelLiquidations = "keeper:liquidations"
	ChannelFunding      = "keeper:funding"
	StreamKeeperEvents  = "keeper:events"
)
