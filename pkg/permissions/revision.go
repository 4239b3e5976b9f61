package permissions

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
)

// RevisionSource tracks a monotonically increasing grant revision. Every grant
// mutation bumps it; cached permission sets are only served while the revision
// they were computed at is still current.
type RevisionSource interface {
	Current(ctx context.Context) (int64, error)
	Bump(ctx context.Context) error
}

// LocalRevisions is an in-process revision counter for single-instance deployments
type LocalRevisions struct {
	rev atomic.Int64
}

// NewLocalRevisions creates a new in-process revision counter
func NewLocalRevisions() *LocalRevisions {
	return &LocalRevisions{}
}

func (l *LocalRevisions) Current(ctx context.Context) (int64, error) {
	return l.rev.Load(), nil
}

func (l *LocalRevisions) Bump(ctx context.Context) error {
	l.rev.Add(1)
	return nil
}

// DefaultRevisionKey is the Redis key holding the shared grant revision
const DefaultRevisionKey = "iotaccess:grants:revision"

// RedisRevisions shares the grant revision between instances through Redis
type RedisRevisions struct {
	client *redis.Client
	key    string
}

// NewRedisRevisions creates a Redis backed revision source
func NewRedisRevisions(client *redis.Client, key string) *RedisRevisions {
	if key == "" {
		key = DefaultRevisionKey
	}
	return &RedisRevisions{client: client, key: key}
}

func (r *RedisRevisions) Current(ctx context.Context) (int64, error) {
	rev, err := r.client.Get(ctx, r.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read grant revision: %w", err)
	}
	return rev, nil
}

func (r *RedisRevisions) Bump(ctx context.Context) error {
	if err := r.client.Incr(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to increment grant revision: %w", err)
	}
	return nil
}
