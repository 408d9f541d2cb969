package broadcast

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/redis/go-redis/v9"

	modules "github.com/goliatone/go-tenant-modules"
	"github.com/goliatone/go-tenant-modules/eventmap"
)

// Publisher is the slice of a redis client the broadcaster uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisBroadcaster publishes module state changes on each tenant's private
// Pub/Sub channel. It also implements modules.NavigationPublisher.
type RedisBroadcaster struct {
	client Publisher
	opts   []eventmap.Option
	now    func() time.Time
}

// NewRedisBroadcaster wraps a redis client. Options shape the envelopes.
func NewRedisBroadcaster(client Publisher, opts ...eventmap.Option) *RedisBroadcaster {
	return &RedisBroadcaster{
		client: client,
		opts:   opts,
		now:    time.Now,
	}
}

// NewRedisClient opens a client for addr.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// Broadcast implements modules.Broadcaster.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, event modules.ModuleStateEvent) error {
	return b.publish(ctx, eventmap.Normalize(event, b.opts...))
}

// PublishNavigation implements modules.NavigationPublisher.
func (b *RedisBroadcaster) PublishNavigation(ctx context.Context, tenant modules.Tenant) error {
	return b.publish(ctx, eventmap.Navigation(tenant.ID, b.now(), b.opts...))
}

func (b *RedisBroadcaster) publish(ctx context.Context, env eventmap.Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return modules.NewValidationError("broadcast payload is not encodable", map[string]any{"event": env.Event})
	}

	if err := b.client.Publish(ctx, env.Channel, payload).Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "redis publish to "+env.Channel+" failed")
	}
	return nil
}
