package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisDedupPrefix = "genesis:dedupe:"

// RedisDedupIndex is a DedupIndex backed by Redis, for deployments where
// several producer processes must share one suppression window. SET NX PX
// makes the claim atomic across processes; Redis expires keys itself, so
// there is no sweep.
//
// Tradeoff versus the store's transactional default: the claim and the
// append are no longer one transaction. Record compensates by releasing the
// claim when the append fails, which leaves a small window where a crashed
// producer holds a claim without an event until the TTL runs out.
type RedisDedupIndex struct {
	client *redis.Client
}

// NewRedisDedupIndex creates an index backed by Redis.
func NewRedisDedupIndex(addr string, password string, db int) *RedisDedupIndex {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisDedupIndex{client: rdb}
}

// NewRedisDedupIndexFromClient wraps an existing client.
func NewRedisDedupIndexFromClient(client *redis.Client) *RedisDedupIndex {
	return &RedisDedupIndex{client: client}
}

// Claim atomically claims key for eventID with the given TTL. False means a
// live claim already exists.
func (r *RedisDedupIndex) Claim(ctx context.Context, key, eventID string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, redisDedupPrefix+key, eventID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedupe claim: %w", err)
	}
	return ok, nil
}

// Seen reports whether a live claim covers key.
func (r *RedisDedupIndex) Seen(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, redisDedupPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedupe lookup: %w", err)
	}
	return n > 0, nil
}

// Release drops a claim after a failed append.
func (r *RedisDedupIndex) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisDedupPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis dedupe release: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (r *RedisDedupIndex) Close() error {
	return r.client.Close()
}
