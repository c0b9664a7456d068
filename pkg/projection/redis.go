package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/gatekeeper/pkg/resolver"
)

// Remote is a cache tier shared between replicas. Get returns nil, nil on a miss.
type Remote interface {
	Get(ctx context.Context, tenantID, userID int64) (*resolver.Projection, error)
	Set(ctx context.Context, p *resolver.Projection, ttl time.Duration) error
	Delete(ctx context.Context, tenantID, userID int64) error
	DeleteTenant(ctx context.Context, tenantID int64) error
}

// RedisRemote stores JSON projections in Redis
type RedisRemote struct {
	client *redis.Client
	prefix string
}

// NewRedisRemote creates a Redis-backed remote tier. prefix defaults to "gk:proj".
func NewRedisRemote(client *redis.Client, prefix string) *RedisRemote {
	if prefix == "" {
		prefix = "gk:proj"
	}
	return &RedisRemote{client: client, prefix: prefix}
}

func (r *RedisRemote) key(tenantID, userID int64) string {
	return fmt.Sprintf("%s:%d:%d", r.prefix, tenantID, userID)
}

// Get implements Remote
func (r *RedisRemote) Get(ctx context.Context, tenantID, userID int64) (*resolver.Projection, error) {
	data, err := r.client.Get(ctx, r.key(tenantID, userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read projection: %w", err)
	}

	var p resolver.Projection
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode projection: %w", err)
	}
	return &p, nil
}

// Set implements Remote
func (r *RedisRemote) Set(ctx context.Context, p *resolver.Projection, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode projection: %w", err)
	}
	if err := r.client.Set(ctx, r.key(p.TenantID, p.UserID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write projection: %w", err)
	}
	return nil
}

// Delete implements Remote
func (r *RedisRemote) Delete(ctx context.Context, tenantID, userID int64) error {
	if err := r.client.Del(ctx, r.key(tenantID, userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete projection: %w", err)
	}
	return nil
}

// DeleteTenant implements Remote
func (r *RedisRemote) DeleteTenant(ctx context.Context, tenantID int64) error {
	pattern := fmt.Sprintf("%s:%d:*", r.prefix, tenantID)
	iter := r.client.Scan(ctx, 0, pattern, 500).Iterator()

	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to delete tenant projections: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan tenant projections: %w", err)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to delete tenant projections: %w", err)
		}
	}
	return nil
}
