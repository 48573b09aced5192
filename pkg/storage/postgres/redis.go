package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/courier/pkg/storage"
	"github.com/platinummonkey/courier/pkg/webhooks"
)

// DefaultRecentNotifications is how many notifications the publisher keeps
// in the replay list
const DefaultRecentNotifications = 1000

// NewRedisClient creates a Redis client from the storage config and checks
// connectivity
func NewRedisClient(ctx context.Context, config storage.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Override with config values if provided
	if config.RedisPassword != "" {
		opts.Password = config.RedisPassword
	}
	if config.RedisDB > 0 {
		opts.DB = config.RedisDB
	}
	if config.RedisMaxRetries > 0 {
		opts.MaxRetries = config.RedisMaxRetries
	}
	if config.RedisPoolSize > 0 {
		opts.PoolSize = config.RedisPoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// NotificationPublisher is an observer that publishes lifecycle
// notifications on a Redis pub/sub channel and keeps the most recent ones in
// a capped list for consumers that were not subscribed at the time.
type NotificationPublisher struct {
	client  *redis.Client
	channel string
	recent  int64
}

var _ webhooks.Observer = (*NotificationPublisher)(nil)

// NewNotificationPublisher creates a publisher on channel. The replay list
// is stored under "<channel>:recent".
func NewNotificationPublisher(client *redis.Client, channel string) *NotificationPublisher {
	if channel == "" {
		channel = storage.DefaultRedisChannel
	}
	return &NotificationPublisher{
		client:  client,
		channel: channel,
		recent:  DefaultRecentNotifications,
	}
}

// Notify publishes n
func (p *NotificationPublisher) Notify(ctx context.Context, n webhooks.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.channel, data)
	pipe.LPush(ctx, p.recentKey(), data)
	pipe.LTrim(ctx, p.recentKey(), 0, p.recent-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Recent returns up to limit notifications, newest first
func (p *NotificationPublisher) Recent(ctx context.Context, limit int64) ([]webhooks.Notification, error) {
	if limit <= 0 || limit > p.recent {
		limit = p.recent
	}

	values, err := p.client.LRange(ctx, p.recentKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}

	out := make([]webhooks.Notification, 0, len(values))
	for _, v := range values {
		var n webhooks.Notification
		if err := json.Unmarshal([]byte(v), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Channel returns the pub/sub channel name
func (p *NotificationPublisher) Channel() string {
	return p.channel
}

// Ping checks Redis connectivity
func (p *NotificationPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *NotificationPublisher) recentKey() string {
	return p.channel + ":recent"
}
