// Package leasemap implements LeaseMap, the best-effort shared hash map the
// Lock Manager coordinates cross-process ownership over.
package leasemap

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/playerstore"
)

// Options configures a Redis-backed LeaseMap connection.
type Options struct {
	Address   string
	Password  string
	DB        int
	TLSConfig *tls.Config
	// KeyPrefix namespaces every lock name written to this Redis instance,
	// so multiple stores can safely share one cluster.
	KeyPrefix string
}

// DefaultOptions returns sensible local-development defaults.
func DefaultOptions() Options {
	return Options{Address: "localhost:6379"}
}

type redisLeaseMap struct {
	client *redis.Client
	prefix string
}

// NewRedis opens a connection to a Redis server and returns a LeaseMap
// backed by it. The caller owns the returned leaseMap and should call Close
// when done.
func NewRedis(opts Options) *redisLeaseMap {
	client := redis.NewClient(&redis.Options{
		Addr:      opts.Address,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	})
	return &redisLeaseMap{client: client, prefix: opts.KeyPrefix}
}

// Close closes the underlying Redis connection.
func (l *redisLeaseMap) Close() error {
	return l.client.Close()
}

func (l *redisLeaseMap) key(name string) string {
	return l.prefix + "L" + name
}

// Acquire implements playerstore.LeaseMap. It uses SetNX to win an absent
// key, then a second Get to confirm ownership (guards against a lost race
// where another process's SetNX landed between our SetNX and our read of
// its result).
func (l *redisLeaseMap) Acquire(ctx context.Context, name string, lockID playerstore.UUID, ttl time.Duration) (bool, playerstore.UUID, error) {
	k := l.key(name)

	current, err := l.client.Get(ctx, k).Result()
	if err != nil && err != redis.Nil {
		return false, playerstore.NilUUID, fmt.Errorf("leasemap: get %q: %w", k, err)
	}
	if err == nil {
		if current == lockID.String() {
			// Refresh: we already hold it, just extend the TTL.
			if err := l.client.Expire(ctx, k, ttl).Err(); err != nil {
				return false, playerstore.NilUUID, fmt.Errorf("leasemap: refresh %q: %w", k, err)
			}
			return true, lockID, nil
		}
		holder, _ := playerstore.ParseUUID(current)
		return false, holder, nil
	}

	ok, err := l.client.SetNX(ctx, k, lockID.String(), ttl).Result()
	if err != nil {
		return false, playerstore.NilUUID, fmt.Errorf("leasemap: setnx %q: %w", k, err)
	}
	if !ok {
		// Lost the race; read back whoever won.
		current, err := l.client.Get(ctx, k).Result()
		if err != nil {
			return false, playerstore.NilUUID, fmt.Errorf("leasemap: get %q after lost race: %w", k, err)
		}
		holder, _ := playerstore.ParseUUID(current)
		return false, holder, nil
	}

	// Double-check we actually won the SetNX.
	current, err = l.client.Get(ctx, k).Result()
	if err != nil {
		return false, playerstore.NilUUID, fmt.Errorf("leasemap: verify %q: %w", k, err)
	}
	if current != lockID.String() {
		holder, _ := playerstore.ParseUUID(current)
		return false, holder, nil
	}
	return true, lockID, nil
}

// Release implements playerstore.LeaseMap.
func (l *redisLeaseMap) Release(ctx context.Context, name string, lockID playerstore.UUID) error {
	k := l.key(name)
	current, err := l.client.Get(ctx, k).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("leasemap: get %q: %w", k, err)
	}
	if current != lockID.String() {
		// Not ours (anymore); nothing to release.
		return nil
	}
	if err := l.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("leasemap: del %q: %w", k, err)
	}
	return nil
}

// Holder implements playerstore.LeaseMap.
func (l *redisLeaseMap) Holder(ctx context.Context, name string) (playerstore.UUID, error) {
	current, err := l.client.Get(ctx, l.key(name)).Result()
	if err == redis.Nil {
		return playerstore.NilUUID, nil
	}
	if err != nil {
		return playerstore.NilUUID, fmt.Errorf("leasemap: get %q: %w", l.key(name), err)
	}
	return playerstore.ParseUUID(current)
}

var _ playerstore.LeaseMap = (*redisLeaseMap)(nil)
