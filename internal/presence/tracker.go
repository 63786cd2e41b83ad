// Package presence tracks cursor presence and advisory section claims in Redis.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	presenceKeyPrefix     = "collab:presence:doc:"
	presenceMembersPrefix = "collab:presence:users:"
	minimumPresenceTTL    = 10 * time.Second
	defaultPresenceTTL    = 60 * time.Second
	defaultMinInterval    = 60 * time.Millisecond
	throttleSweepInterval = 1024
)

var (
	errMissingClient = errors.New("redis client is required")
	noOpLogger       = zap.NewNop()
)

// Entry is the last known cursor state of one user in one document.
type Entry struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Anchor     int    `json:"anchor"`
	Head       int    `json:"head"`
	Typing     bool   `json:"typing"`
	Timestamp  int64  `json:"ts"`
}

// TrackerConfig wires the presence tracker.
type TrackerConfig struct {
	Client      redis.UniversalClient
	TTL         time.Duration
	MinInterval time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Tracker stores presence entries under per-user keys with a TTL and keeps a member set per document.
type Tracker struct {
	client      redis.UniversalClient
	ttl         time.Duration
	minInterval time.Duration
	clock       func() time.Time
	logger      *zap.Logger

	throttleMu  sync.Mutex
	lastAccept  map[string]time.Time
	acceptCount int
}

// NewTracker validates the configuration and constructs a Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	if ttl < minimumPresenceTTL {
		ttl = minimumPresenceTTL
	}
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Tracker{
		client:      cfg.Client,
		ttl:         ttl,
		minInterval: minInterval,
		clock:       clock,
		logger:      logger,
		lastAccept:  make(map[string]time.Time),
	}, nil
}

// Allow reports whether an update from userID in documentID is past the minimum interval.
// Accepted calls restart the interval.
func (tracker *Tracker) Allow(documentID string, userID string) bool {
	now := tracker.clock()
	key := documentID + ":" + userID
	tracker.throttleMu.Lock()
	defer tracker.throttleMu.Unlock()
	if last, ok := tracker.lastAccept[key]; ok && now.Sub(last) < tracker.minInterval {
		return false
	}
	tracker.lastAccept[key] = now
	tracker.acceptCount++
	if tracker.acceptCount%throttleSweepInterval == 0 {
		for candidate, last := range tracker.lastAccept {
			if now.Sub(last) > tracker.ttl {
				delete(tracker.lastAccept, candidate)
			}
		}
	}
	return true
}

// Set stores the entry, stamping it with the current time, and refreshes its TTL.
func (tracker *Tracker) Set(ctx context.Context, entry Entry) (Entry, error) {
	entry.Timestamp = tracker.clock().UnixMilli()
	payload, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, err
	}
	membersKey := tracker.membersKey(entry.DocumentID)
	pipeline := tracker.client.TxPipeline()
	pipeline.SAdd(ctx, membersKey, entry.UserID)
	pipeline.Expire(ctx, membersKey, tracker.ttl)
	pipeline.Set(ctx, tracker.entryKey(entry.DocumentID, entry.UserID), payload, tracker.ttl)
	if _, err := pipeline.Exec(ctx); err != nil {
		return Entry{}, fmt.Errorf("presence set: %w", err)
	}
	return entry, nil
}

// List returns live entries for a document ordered by user id. Members whose entry expired are pruned.
func (tracker *Tracker) List(ctx context.Context, documentID string) ([]Entry, error) {
	members, err := tracker.client.SMembers(ctx, tracker.membersKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	sort.Strings(members)
	keys := make([]string, 0, len(members))
	for _, userID := range members {
		keys = append(keys, tracker.entryKey(documentID, userID))
	}
	values, err := tracker.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence entries: %w", err)
	}
	entries := make([]Entry, 0, len(values))
	stale := make([]any, 0)
	for index, value := range values {
		raw, ok := value.(string)
		if !ok {
			stale = append(stale, members[index])
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			tracker.logger.Warn("dropping malformed presence entry",
				zap.String("document_id", documentID),
				zap.String("user_id", members[index]),
				zap.Error(err))
			stale = append(stale, members[index])
			continue
		}
		entries = append(entries, entry)
	}
	if len(stale) > 0 {
		if err := tracker.client.SRem(ctx, tracker.membersKey(documentID), stale...).Err(); err != nil {
			tracker.logger.Warn("presence prune failed", zap.String("document_id", documentID), zap.Error(err))
		}
	}
	return entries, nil
}

// Remove deletes the user's entry in a document.
func (tracker *Tracker) Remove(ctx context.Context, documentID string, userID string) error {
	pipeline := tracker.client.TxPipeline()
	pipeline.SRem(ctx, tracker.membersKey(documentID), userID)
	pipeline.Del(ctx, tracker.entryKey(documentID, userID))
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("presence remove: %w", err)
	}
	tracker.throttleMu.Lock()
	delete(tracker.lastAccept, documentID+":"+userID)
	tracker.throttleMu.Unlock()
	return nil
}

func (tracker *Tracker) membersKey(documentID string) string {
	return presenceMembersPrefix + documentID
}

func (tracker *Tracker) entryKey(documentID string, userID string) string {
	return presenceKeyPrefix + documentID + ":" + userID
}
