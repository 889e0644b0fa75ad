package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// RedisDeduper stores idempotency keys in Redis so bindings between keys and
// created task ids outlive the process. Reservations expire after
// pendingTTL; committed bindings live for ttl.
type RedisDeduper struct {
	client     *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTLs.
// A pendingTTL of zero or above ttl falls back to ttl.
func NewRedisDeduper(client *redis.Client, ttl, pendingTTL time.Duration) *RedisDeduper {
	if pendingTTL <= 0 || pendingTTL > ttl {
		pendingTTL = ttl
	}
	return &RedisDeduper{client: client, ttl: ttl, pendingTTL: pendingTTL}
}

func (r *RedisDeduper) key(caller, key string) string {
	return fmt.Sprintf("%s:idem:%s", caller, key)
}

// Reserve claims key for caller. When the key is already bound it reports
// the earlier id, or Pending while the earlier request is still running.
func (r *RedisDeduper) Reserve(ctx context.Context, caller, key string) (Reservation, error) {
	k := r.key(caller, key)
	// The key may expire between SETNX and GET; one retry covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.client.SetNX(ctx, k, pendingMarker, r.pendingTTL).Result()
		if err != nil {
			return Reservation{}, err
		}
		if ok {
			return Reservation{Acquired: true}, nil
		}
		val, err := r.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Reservation{}, err
		}
		if val == pendingMarker {
			return Reservation{Pending: true}, nil
		}
		id, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency key %q holds %q: %w", key, val, err)
		}
		return Reservation{ID: id}, nil
	}
	return Reservation{Pending: true}, nil
}

// Commit binds a reserved key to the created task id.
func (r *RedisDeduper) Commit(ctx context.Context, caller, key string, id uint64) error {
	return r.client.Set(ctx, r.key(caller, key), strconv.FormatUint(id, 10), r.ttl).Err()
}

// Release deletes a reservation. It is used when the create fails so the
// caller may retry with the same key.
func (r *RedisDeduper) Release(ctx context.Context, caller, key string) error {
	return r.client.Del(ctx, r.key(caller, key)).Err()
}
