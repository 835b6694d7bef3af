package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis keeps values in a Redis instance so several engine processes can
// share snapshots. Keys are namespaced with Prefix.
type Redis struct {
	Client *redis.Client
	Prefix string
}

// NewRedis wraps an existing client. A nil client yields a nil Store (not a
// nil *Redis) so callers can fall back to another Store with a plain nil check.
func NewRedis(client *redis.Client, prefix string) Store {
	if client == nil {
		return nil
	}
	return &Redis{Client: client, Prefix: prefix}
}

// OpenRedisFromEnv builds a client from REDIS_HOST/REDIS_PORT/REDIS_PASS/REDIS_DB.
// It returns nil when REDIS_HOST is unset so Redis stays opt-in.
func OpenRedisFromEnv() *redis.Client {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		return nil
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	db := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			db = n
		}
	}
	return redis.NewClient(&redis.Options{Addr: host + ":" + port, Password: os.Getenv("REDIS_PASS"), DB: db})
}

func (s *Redis) key(k string) string { return s.Prefix + k }

// Get reads one value; redis.Nil maps to ok=false.
func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.Client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, true, nil
}

// Set writes without expiry; TTLs are enforced by the metadata cache itself.
func (s *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := s.Client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Remove deletes the key.
func (s *Redis) Remove(ctx context.Context, key string) error {
	if err := s.Client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
