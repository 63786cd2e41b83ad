// Package offline queues realtime events for recipients that are not in a document's room.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	queueKeyPrefix   = "collab:offline:doc:"
	onlineKeyPrefix  = "collab:online:doc:"
	defaultCapacity  = 1000
	defaultTTL       = 24 * time.Hour
	defaultDrainSize = 1000
	defaultOnlineTTL = 90 * time.Second
	defaultInstance  = "local"
)

var (
	errMissingClient = errors.New("redis client is required")
	noOpLogger       = zap.NewNop()
)

// pruneInstancesScript drops instances whose online hash has expired or emptied. The existence
// check and removal run together so a concurrent MarkOnline is never unindexed.
var pruneInstancesScript = redis.NewScript(`
local removed = 0
for index = 2, #ARGV do
	if redis.call("EXISTS", ARGV[1] .. ARGV[index]) == 0 then
		removed = removed + redis.call("SREM", KEYS[1], ARGV[index])
	end
end
return removed
`)

// Event is one queued realtime event.
type Event struct {
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
	QueuedAt int64           `json:"queuedAt"`
}

// Config wires the queue.
type Config struct {
	Client    redis.UniversalClient
	Capacity  int
	TTL       time.Duration
	DrainSize int
	// InstanceID scopes online counts so a crashed instance's users age out after OnlineTTL.
	InstanceID string
	OnlineTTL  time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Queue keeps a capped, TTL'd list per (document, user). The list head holds the newest event,
// so trimming evicts the oldest entries and draining pops from the tail.
type Queue struct {
	client    redis.UniversalClient
	capacity  int64
	ttl       time.Duration
	drainSize  int
	instanceID string
	onlineTTL  time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

// NewQueue validates the configuration and constructs a Queue.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	drainSize := cfg.DrainSize
	if drainSize <= 0 {
		drainSize = defaultDrainSize
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = defaultInstance
	}
	onlineTTL := cfg.OnlineTTL
	if onlineTTL <= 0 {
		onlineTTL = defaultOnlineTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{
		client:     cfg.Client,
		capacity:   int64(capacity),
		ttl:        ttl,
		drainSize:  drainSize,
		instanceID: instanceID,
		onlineTTL:  onlineTTL,
		clock:      clock,
		logger:     logger,
	}, nil
}

// NewEvent marshals data into a queued event.
func NewEvent(name string, data any) (Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Event: name, Data: payload}, nil
}

// Enqueue appends event for one recipient.
func (queue *Queue) Enqueue(ctx context.Context, documentID string, userID string, event Event) error {
	return queue.EnqueueMany(ctx, documentID, []string{userID}, event)
}

// EnqueueMany appends event for every recipient in one round trip.
func (queue *Queue) EnqueueMany(ctx context.Context, documentID string, userIDs []string, event Event) error {
	if len(userIDs) == 0 {
		return nil
	}
	if event.QueuedAt == 0 {
		event.QueuedAt = queue.clock().UnixMilli()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	pipeline := queue.client.Pipeline()
	for _, userID := range userIDs {
		key := queue.queueKey(documentID, userID)
		pipeline.LPush(ctx, key, payload)
		pipeline.LTrim(ctx, key, 0, queue.capacity-1)
		pipeline.Expire(ctx, key, queue.ttl)
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("offline enqueue: %w", err)
	}
	return nil
}

// Drain removes and returns up to limit events in the order they were queued. A non-positive
// limit selects the configured drain size.
func (queue *Queue) Drain(ctx context.Context, documentID string, userID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > queue.drainSize {
		limit = queue.drainSize
	}
	key := queue.queueKey(documentID, userID)
	events := make([]Event, 0)
	for len(events) < limit {
		raw, err := queue.client.RPop(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return events, fmt.Errorf("offline drain: %w", err)
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			queue.logger.Warn("dropping malformed offline event",
				zap.String("document_id", documentID),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Len reports the queued event count for a recipient.
func (queue *Queue) Len(ctx context.Context, documentID string, userID string) (int64, error) {
	return queue.client.LLen(ctx, queue.queueKey(documentID, userID)).Result()
}

// MarkOnline counts one more live connection of userID in documentID's room on this instance.
func (queue *Queue) MarkOnline(ctx context.Context, documentID string, userID string) error {
	key := queue.onlineKey(documentID, queue.instanceID)
	pipeline := queue.client.TxPipeline()
	pipeline.HIncrBy(ctx, key, userID, 1)
	pipeline.Expire(ctx, key, queue.onlineTTL)
	pipeline.SAdd(ctx, queue.instancesKey(documentID), queue.instanceID)
	pipeline.Expire(ctx, queue.instancesKey(documentID), queue.onlineTTL)
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("offline mark online: %w", err)
	}
	return nil
}

// MarkOffline counts one fewer live connection and forgets the user at zero.
func (queue *Queue) MarkOffline(ctx context.Context, documentID string, userID string) error {
	key := queue.onlineKey(documentID, queue.instanceID)
	remaining, err := queue.client.HIncrBy(ctx, key, userID, -1).Result()
	if err != nil {
		return fmt.Errorf("offline mark offline: %w", err)
	}
	if remaining <= 0 {
		if err := queue.client.HDel(ctx, key, userID).Err(); err != nil {
			return fmt.Errorf("offline mark offline: %w", err)
		}
	}
	return nil
}

// RefreshOnline extends this instance's online counts for the documents it still hosts.
func (queue *Queue) RefreshOnline(ctx context.Context, documentIDs []string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	pipeline := queue.client.Pipeline()
	for _, documentID := range documentIDs {
		pipeline.Expire(ctx, queue.onlineKey(documentID, queue.instanceID), queue.onlineTTL)
		pipeline.SAdd(ctx, queue.instancesKey(documentID), queue.instanceID)
		pipeline.Expire(ctx, queue.instancesKey(documentID), queue.onlineTTL)
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("offline refresh online: %w", err)
	}
	return nil
}

// OnlineRefreshInterval is how often RefreshOnline must run to keep counts alive.
func (queue *Queue) OnlineRefreshInterval() time.Duration {
	return queue.onlineTTL / 3
}

// Online returns users with at least one live connection in the room on any instance whose
// counts are still being refreshed.
func (queue *Queue) Online(ctx context.Context, documentID string) (map[string]bool, error) {
	instances, err := queue.client.SMembers(ctx, queue.instancesKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("offline online set: %w", err)
	}
	online := make(map[string]bool)
	if len(instances) == 0 {
		return online, nil
	}
	pipeline := queue.client.Pipeline()
	reads := make([]*redis.StringStringMapCmd, len(instances))
	for index, instanceID := range instances {
		reads[index] = pipeline.HGetAll(ctx, queue.onlineKey(documentID, instanceID))
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		return nil, fmt.Errorf("offline online set: %w", err)
	}
	stale := make([]any, 0)
	for index, read := range reads {
		counts := read.Val()
		if len(counts) == 0 {
			stale = append(stale, instances[index])
			continue
		}
		for userID, raw := range counts {
			count, parseErr := strconv.ParseInt(raw, 10, 64)
			if parseErr == nil && count > 0 {
				online[userID] = true
			}
		}
	}
	if len(stale) > 0 {
		args := append([]any{queue.onlineKey(documentID, "")}, stale...)
		if err := pruneInstancesScript.Run(ctx, queue.client, []string{queue.instancesKey(documentID)}, args...).Err(); err != nil {
			queue.logger.Debug("online instance prune failed",
				zap.String("document_id", documentID),
				zap.Error(err))
		}
	}
	return online, nil
}

// Absent filters recipients down to those not online in the room.
func (queue *Queue) Absent(ctx context.Context, documentID string, recipients []string) ([]string, error) {
	online, err := queue.Online(ctx, documentID)
	if err != nil {
		return nil, err
	}
	absent := make([]string, 0, len(recipients))
	seen := make(map[string]bool, len(recipients))
	for _, userID := range recipients {
		if userID == "" || online[userID] || seen[userID] {
			continue
		}
		seen[userID] = true
		absent = append(absent, userID)
	}
	return absent, nil
}

func (queue *Queue) queueKey(documentID string, userID string) string {
	return queueKeyPrefix + documentID + ":user:" + userID
}

func (queue *Queue) onlineKey(documentID string, instanceID string) string {
	return onlineKeyPrefix + documentID + ":inst:" + instanceID
}

func (queue *Queue) instancesKey(documentID string) string {
	return onlineKeyPrefix + documentID + ":instances"
}
