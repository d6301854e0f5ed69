package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	renewScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)
)

// Redis keeps leases as expiring keys.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis lease store. Keys are prefix + name.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "blobit:lease:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(name string) string {
	return r.prefix + name
}

// Acquire sets the key if absent; an existing key of ours is renewed.
func (r *Redis) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(name), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if ok {
		return true, nil
	}

	current, err := r.client.Get(ctx, r.key(name)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired between SETNX and GET.
		return r.Acquire(ctx, name, holder, ttl)
	case err != nil:
		return false, fmt.Errorf("failed to check existing lease: %w", err)
	case current != holder:
		return false, nil
	}
	if err := r.Renew(ctx, name, holder, ttl); err != nil {
		if errors.Is(err, ErrLost) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Renew extends the key's TTL if holder still owns it.
func (r *Redis) Renew(ctx context.Context, name, holder string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, r.client, []string{r.key(name)}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to execute renew script: %w", err)
	}
	if res != 1 {
		return ErrLost
	}
	return nil
}

// Release deletes the key if holder still owns it.
func (r *Redis) Release(ctx context.Context, name, holder string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(name)}, holder).Err(); err != nil {
		return fmt.Errorf("failed to execute release script: %w", err)
	}
	return nil
}
