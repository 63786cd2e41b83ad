package fanout

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	counterKeyPrefix         = "collab:metrics:"
	documentCounterKeyPrefix = counterKeyPrefix + "doc:"
	documentCounterTTL       = 7 * 24 * time.Hour
)

// Counter names recorded by the gateway.
const (
	CounterUpdates         = "yupdate:count"
	CounterUpdateBytes     = "yupdate:bytes"
	CounterPresenceSent    = "presence:sent"
	CounterPresenceDropped = "presence:dropped"
	CounterRateLimited     = "ratelimit:denied"
	CounterCommitFailures  = "commit:failed"
)

// Counters keeps cluster-wide integer metrics in Redis.
type Counters struct {
	client redis.UniversalClient
}

// NewCounters constructs Counters.
func NewCounters(client redis.UniversalClient) *Counters {
	return &Counters{client: client}
}

// Add increments name by delta.
func (counters *Counters) Add(ctx context.Context, name string, delta int64) error {
	if err := counters.client.IncrBy(ctx, counterKeyPrefix+name, delta).Err(); err != nil {
		return fmt.Errorf("counter %s: %w", name, err)
	}
	return nil
}

// AddDocument increments name by delta both cluster-wide and for documentID. Per-document
// counters expire after a week without activity.
func (counters *Counters) AddDocument(ctx context.Context, documentID string, name string, delta int64) error {
	if documentID == "" {
		return counters.Add(ctx, name, delta)
	}
	key := counters.documentKey(documentID, name)
	pipeline := counters.client.Pipeline()
	pipeline.IncrBy(ctx, counterKeyPrefix+name, delta)
	pipeline.IncrBy(ctx, key, delta)
	pipeline.Expire(ctx, key, documentCounterTTL)
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("counter %s: %w", name, err)
	}
	return nil
}

// Snapshot returns every cluster-wide counter value keyed by name.
func (counters *Counters) Snapshot(ctx context.Context) (map[string]int64, error) {
	keys, err := counters.scan(ctx, counterKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	global := make([]string, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, documentCounterKeyPrefix) {
			global = append(global, key)
		}
	}
	return counters.load(ctx, global, counterKeyPrefix)
}

// DocumentSnapshot returns the counters recorded for one document keyed by name.
func (counters *Counters) DocumentSnapshot(ctx context.Context, documentID string) (map[string]int64, error) {
	prefix := counters.documentKey(documentID, "")
	keys, err := counters.scan(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}
	return counters.load(ctx, keys, prefix)
}

func (counters *Counters) documentKey(documentID string, name string) string {
	return documentCounterKeyPrefix + documentID + ":" + name
}

func (counters *Counters) scan(ctx context.Context, pattern string) ([]string, error) {
	iterator := counters.client.Scan(ctx, 0, pattern, 100).Iterator()
	keys := make([]string, 0)
	for iterator.Next(ctx) {
		keys = append(keys, iterator.Val())
	}
	if err := iterator.Err(); err != nil {
		return nil, fmt.Errorf("counter scan: %w", err)
	}
	return keys, nil
}

func (counters *Counters) load(ctx context.Context, keys []string, prefix string) (map[string]int64, error) {
	values := make(map[string]int64)
	if len(keys) == 0 {
		return values, nil
	}
	raw, err := counters.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("counter load: %w", err)
	}
	for index, value := range raw {
		text, ok := value.(string)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			continue
		}
		values[strings.TrimPrefix(keys[index], prefix)] = parsed
	}
	return values, nil
}
