package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"vi-trader/internal/config"
)

// Publisher is the subset of the redis client the channel needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisChannel publishes events as JSON on a Redis pub/sub channel so
// other processes can follow the trading session.
type RedisChannel struct {
	client  Publisher
	channel string
}

// NewRedisChannel connects a redis client from cfg.
func NewRedisChannel(cfg config.RedisConfig) (*RedisChannel, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisChannelWithClient(rdb, cfg.Channel), nil
}

// NewRedisChannelWithClient wraps an existing client.
func NewRedisChannelWithClient(client Publisher, channel string) *RedisChannel {
	if channel == "" {
		channel = "vi-trader:events"
	}
	return &RedisChannel{client: client, channel: channel}
}

// Name returns the name of the channel.
func (r *RedisChannel) Name() string {
	return "redis"
}

// Send publishes the event.
func (r *RedisChannel) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", r.channel, err)
	}
	return nil
}
