package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/comigor/chatrelay/internal/history"
)

const analysisTTL = 24 * time.Hour

// RedisCache keeps pending results under analysis:<sid>. Take uses GETDEL so
// read-and-delete is a single atomic step.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func analysisKey(sessionID string) (string, error) {
	id, err := history.SanitizeID(sessionID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("analysis:%s", id), nil
}

func (c *RedisCache) Write(ctx context.Context, sessionID string, r *Result) error {
	key, err := analysisKey(sessionID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	return c.client.Set(ctx, key, data, analysisTTL).Err()
}

func (c *RedisCache) Take(ctx context.Context, sessionID string) (*Result, error) {
	key, err := analysisKey(sessionID)
	if err != nil {
		return nil, err
	}
	return decodeRedis(c.client.GetDel(ctx, key).Bytes())
}

func (c *RedisCache) Peek(ctx context.Context, sessionID string) (*Result, error) {
	key, err := analysisKey(sessionID)
	if err != nil {
		return nil, err
	}
	return decodeRedis(c.client.Get(ctx, key).Bytes())
}

func (c *RedisCache) Clear(ctx context.Context, sessionID string) error {
	key, err := analysisKey(sessionID)
	if err != nil {
		return err
	}
	return c.client.Del(ctx, key).Err()
}

func decodeRedis(data []byte, err error) (*Result, error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, nil
	}
	return &r, nil
}
