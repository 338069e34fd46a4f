package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/backstage/plm/config"
	"example.com/backstage/plm/domain"
)

// EntityStatus is the cached lifecycle position of an entity
type EntityStatus struct {
	Kind           domain.Kind   `json:"kind"`
	Identity       string        `json:"identity"`
	Status         domain.Status `json:"status"`
	CurrentVersion int           `json:"current_version"`
	CurrentECN     string        `json:"current_ecn"`
}

// CacheClient defines the interface for cache operations. A miss is redis.Nil.
type CacheClient interface {
	GetEntityStatus(ctx context.Context, kind domain.Kind, identity string) (*EntityStatus, error)
	SetEntityStatus(ctx context.Context, status *EntityStatus) error
	// AddEntityStatus writes status only when no entry exists, so a reader
	// back-filling a miss never overwrites a newer committed status.
	AddEntityStatus(ctx context.Context, status *EntityStatus) error
	DeleteEntityStatus(ctx context.Context, kind domain.Kind, identity string) error
}

// RedisClient implements CacheClient using Redis
type RedisClient struct {
	client  *redis.Client
	enabled bool
	ttl     time.Duration
}

// NewRedisClient creates a new Redis client; a disabled client misses every read
func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	if !cfg.Enabled {
		return &RedisClient{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &RedisClient{
		client:  client,
		enabled: true,
		ttl:     ttl,
	}, nil
}

// NewWithClient wraps an existing connection
func NewWithClient(client *redis.Client, ttl time.Duration) *RedisClient {
	return &RedisClient{client: client, enabled: client != nil, ttl: ttl}
}

// Enabled reports whether Redis is configured
func (c *RedisClient) Enabled() bool {
	return c.enabled
}

// Redis returns the underlying connection, nil when disabled
func (c *RedisClient) Redis() *redis.Client {
	return c.client
}

func entityStatusKey(kind domain.Kind, identity string) string {
	return fmt.Sprintf("plm:entity_status:%s:%s", kind, identity)
}

// GetEntityStatus retrieves an entity status from cache
func (c *RedisClient) GetEntityStatus(ctx context.Context, kind domain.Kind, identity string) (*EntityStatus, error) {
	if !c.enabled {
		return nil, redis.Nil
	}

	data, err := c.client.Get(ctx, entityStatusKey(kind, identity)).Bytes()
	if err != nil {
		return nil, err
	}

	var status EntityStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SetEntityStatus caches an entity status
func (c *RedisClient) SetEntityStatus(ctx context.Context, status *EntityStatus) error {
	if !c.enabled {
		return nil
	}

	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, entityStatusKey(status.Kind, status.Identity), data, c.ttl).Err()
}

// AddEntityStatus caches an entity status unless one is already cached
func (c *RedisClient) AddEntityStatus(ctx context.Context, status *EntityStatus) error {
	if !c.enabled {
		return nil
	}

	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return c.client.SetNX(ctx, entityStatusKey(status.Kind, status.Identity), data, c.ttl).Err()
}

// DeleteEntityStatus removes an entity status from cache
func (c *RedisClient) DeleteEntityStatus(ctx context.Context, kind domain.Kind, identity string) error {
	if !c.enabled {
		return nil
	}
	return c.client.Del(ctx, entityStatusKey(kind, identity)).Err()
}

// Close closes the connection
func (c *RedisClient) Close() error {
	if !c.enabled {
		return nil
	}
	return c.client.Close()
}
