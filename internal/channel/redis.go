package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bmustore/internal/config"
	"bmustore/internal/models"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// ErrMalformedEnvelope means a popped payload could not be decoded. The
// payload is consumed; the connection itself is fine.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Redis carries envelopes over a Redis list so the interception layer and
// the store owner can live in separate processes.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedisClient builds a client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedis(client *redis.Client, key string) *Redis {
	return &Redis{client: client, key: key}
}

func (r *Redis) Publish(ctx context.Context, env *models.Envelope) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := r.client.LPush(ctx, r.key, data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// Poll pops the oldest envelope, blocking up to wait. A nil envelope means
// the list stayed empty.
func (r *Redis) Poll(ctx context.Context, wait time.Duration) (*models.Envelope, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	var raw string
	if wait <= 0 {
		val, err := r.client.RPop(ctx, r.key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to poll envelope: %w", err)
		}
		raw = val
	} else {
		vals, err := r.client.BRPop(ctx, wait, r.key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to poll envelope: %w", err)
		}
		raw = vals[1]
	}

	var env models.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &env, nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
