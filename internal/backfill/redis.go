package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix    = "emotes:backfill:"
	defaultGuardTTL     = 24 * time.Hour
	invalidationChannel = "emotes:backfill:clear"
)

// RedisGuard shares the gate between processes with SET NX. Entries expire
// after TTL so a crashed process cannot block a channel forever.
type RedisGuard struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisGuard(rdb *goredis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = defaultGuardTTL
	}
	return &RedisGuard{rdb: rdb, prefix: defaultKeyPrefix, ttl: ttl}
}

// NewRedisGuardFromURL connects to url and verifies the connection.
func NewRedisGuardFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisGuard, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisGuard(rdb, ttl), nil
}

func (g *RedisGuard) key(channel string) string {
	return g.prefix + channelKey(channel)
}

func (g *RedisGuard) ShouldFetch(ctx context.Context, channel string) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, g.key(channel), time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set backfill marker: %w", err)
	}
	return ok, nil
}

func (g *RedisGuard) Clear(ctx context.Context, channel string) error {
	if err := g.rdb.Del(ctx, g.key(channel)).Err(); err != nil {
		return fmt.Errorf("delete backfill marker: %w", err)
	}
	return nil
}

// Client exposes the underlying connection for pub/sub.
func (g *RedisGuard) Client() *goredis.Client {
	return g.rdb
}

func (g *RedisGuard) Close() error {
	return g.rdb.Close()
}

// Invalidator broadcasts channel clears so every process drops its local
// state for that channel.
type Invalidator struct {
	rdb *goredis.Client
}

func NewInvalidator(rdb *goredis.Client) *Invalidator {
	return &Invalidator{rdb: rdb}
}

// Publish announces that channel's backfill state was cleared.
func (i *Invalidator) Publish(ctx context.Context, channel string) error {
	if err := i.rdb.Publish(ctx, invalidationChannel, channelKey(channel)).Err(); err != nil {
		return fmt.Errorf("publish backfill clear: %w", err)
	}
	return nil
}

// Subscribe calls fn for every announced channel until ctx is done. The
// returned channel is closed once the subscription is active.
func (i *Invalidator) Subscribe(ctx context.Context, fn func(channel string)) <-chan struct{} {
	ready := make(chan struct{})
	go func() {
		pubsub := i.rdb.Subscribe(ctx, invalidationChannel)
		defer func() { _ = pubsub.Close() }()

		if _, err := pubsub.Receive(ctx); err != nil {
			slog.Warn("backfill: subscribe failed", "error", err)
			close(ready)
			return
		}
		close(ready)

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == "" {
					continue
				}
				slog.Debug("backfill: clear received", "channel", msg.Payload)
				fn(msg.Payload)
			case <-ctx.Done():
				return
			}
		}
	}()
	return ready
}
