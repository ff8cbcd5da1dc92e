// Package kv connects to the Redis session store.
package kv

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Options parses a redis:// or rediss:// URL into client options.
func Options(redisURL string) (*redis.Options, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return opts, nil
}

// NewClient opens a client and checks the server answers.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := Options(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Pinger adapts a client to the store health check.
type Pinger struct {
	Client *redis.Client
}

func (p Pinger) Ping(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}
