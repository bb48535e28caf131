// Package infra provides concrete infrastructure adapters for Redis.
//
// The adapter wraps go-redis v9 and implements the gateway.RedisClient
// interface used by the history mirror. When Redis is unreachable the
// gateway falls back to its in-memory ring in main.go.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter wraps go-redis v9 to implement the minimal interface
// expected by the gateway history mirror.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter attempts to connect to Redis using the provided
// options. Returns the adapter and any connection error (caller decides
// whether to fall back to in-memory only).
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	// Ping to verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// LPush prepends a value to the list at key.
func (a *GoRedisAdapter) LPush(ctx context.Context, key string, value []byte) error {
	return a.rdb.LPush(ctx, key, value).Err()
}

// LTrim bounds the list at key to the given range.
func (a *GoRedisAdapter) LTrim(ctx context.Context, key string, start, stop int64) error {
	return a.rdb.LTrim(ctx, key, start, stop).Err()
}

// LRange returns list entries between start and stop inclusive.
func (a *GoRedisAdapter) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := a.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}
