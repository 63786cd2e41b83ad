package documents

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	stateCacheKeyPrefix  = "collab:state:"
	defaultStateCacheTTL = 30 * time.Second
)

// StateCache holds recently read document states so joins do not hit the database.
type StateCache interface {
	Get(ctx context.Context, documentID DocumentID) (State, bool, error)
	Put(ctx context.Context, state State) error
	Evict(ctx context.Context, documentID DocumentID) error
}

// RedisStateCache stores State values as JSON under a per-document key with a TTL.
type RedisStateCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStateCache constructs a cache; a non-positive ttl selects the default.
func NewRedisStateCache(client redis.UniversalClient, ttl time.Duration) *RedisStateCache {
	if ttl <= 0 {
		ttl = defaultStateCacheTTL
	}
	return &RedisStateCache{client: client, ttl: ttl}
}

// Get returns the cached state, if present.
func (cache *RedisStateCache) Get(ctx context.Context, documentID DocumentID) (State, bool, error) {
	payload, err := cache.client.Get(ctx, stateCacheKeyPrefix+documentID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return State{}, false, err
	}
	return state, true, nil
}

// Put stores the state until the TTL elapses or the document changes.
func (cache *RedisStateCache) Put(ctx context.Context, state State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return cache.client.Set(ctx, stateCacheKeyPrefix+state.DocumentID.String(), payload, cache.ttl).Err()
}

// Evict drops the cached state.
func (cache *RedisStateCache) Evict(ctx context.Context, documentID DocumentID) error {
	return cache.client.Del(ctx, stateCacheKeyPrefix+documentID.String()).Err()
}
