// Package redis dials the Redis instance backing the review queue.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"unify/internal/platform/config"
)

// Client is the process-wide Redis handle. go-redis is embedded so callers
// that outgrow the queue helpers keep the full command surface.
type Client struct {
	*redis.Client
}

// New dials Redis from the configured URL and verifies it answers before
// anything is queued on it. An empty URL means the deployment runs without
// Redis; callers get nil and fall back to the in-memory queue.
func New(cfg config.Redis) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{Client: client}, nil
}

// Health reports whether Redis still answers; wired into /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.Client.Close()
}
