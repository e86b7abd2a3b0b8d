package db

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisKV stores the secondary backend's keys in redis
type RedisKV struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures NewRedisKV
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // prepended to every key
}

// NewRedisKV connects to redis and verifies the connection
func NewRedisKV(ctx context.Context, opts RedisOptions) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisKV{client: client, prefix: opts.Prefix}, nil
}

// Get reads the value stored under key
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

// Set writes value under key without expiry
func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes key
func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Close closes the redis client
func (r *RedisKV) Close() error {
	return r.client.Close()
}
