// Package fanout relays room events between gateway instances over Redis pub/sub.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const channelPrefix = "collab:fanout:doc:"

// Message types relayed between instances.
const (
	MessageUpdate       = "update"
	MessageReset        = "reset"
	MessagePresence     = "presence"
	MessagePresenceGone = "presence-left"
	MessageClaimed      = "claimed"
	MessageReleased     = "released"
)

var (
	errMissingClient   = errors.New("redis client is required")
	errMissingInstance = errors.New("instance id is required")
	noOpLogger         = zap.NewNop()
)

// Message is the envelope published on a document channel.
type Message struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"documentId"`
	Origin     string          `json:"origin"`
	Payload    json.RawMessage `json:"payload"`
}

// Handler receives messages that originated on other instances.
type Handler func(ctx context.Context, message Message)

// BusConfig wires the bus.
type BusConfig struct {
	Client     redis.UniversalClient
	InstanceID string
	Logger     *zap.Logger
}

// Bus subscribes to a document channel once per process no matter how many local connections
// share the room, and drops messages this instance published itself.
type Bus struct {
	client     redis.UniversalClient
	instanceID string
	logger     *zap.Logger
	pubsub     *redis.PubSub

	mu   sync.Mutex
	refs map[string]int
}

// NewBus opens a pub/sub connection with no channels subscribed.
func NewBus(ctx context.Context, cfg BusConfig) (*Bus, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		return nil, errMissingInstance
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Bus{
		client:     cfg.Client,
		instanceID: cfg.InstanceID,
		logger:     logger,
		pubsub:     cfg.Client.Subscribe(ctx),
		refs:       make(map[string]int),
	}, nil
}

// InstanceID returns the origin tag stamped on published messages.
func (bus *Bus) InstanceID() string {
	return bus.instanceID
}

// Publish stamps the message with this instance's origin and sends it on the document channel.
func (bus *Bus) Publish(ctx context.Context, documentID string, messageType string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	message := Message{Type: messageType, DocumentID: documentID, Origin: bus.instanceID, Payload: encoded}
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	if err := bus.client.Publish(ctx, channelFor(documentID), body).Err(); err != nil {
		return fmt.Errorf("fanout publish: %w", err)
	}
	return nil
}

// Subscribe adds a local reference to the document channel, subscribing on the first one.
func (bus *Bus) Subscribe(ctx context.Context, documentID string) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.refs[documentID]++
	if bus.refs[documentID] > 1 {
		return nil
	}
	if err := bus.pubsub.Subscribe(ctx, channelFor(documentID)); err != nil {
		bus.refs[documentID]--
		if bus.refs[documentID] == 0 {
			delete(bus.refs, documentID)
		}
		return fmt.Errorf("fanout subscribe: %w", err)
	}
	return nil
}

// Unsubscribe drops a local reference and leaves the channel when the last one is gone.
func (bus *Bus) Unsubscribe(ctx context.Context, documentID string) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	count, ok := bus.refs[documentID]
	if !ok {
		return nil
	}
	if count > 1 {
		bus.refs[documentID] = count - 1
		return nil
	}
	delete(bus.refs, documentID)
	if err := bus.pubsub.Unsubscribe(ctx, channelFor(documentID)); err != nil {
		return fmt.Errorf("fanout unsubscribe: %w", err)
	}
	return nil
}

// References reports the local reference count for a document.
func (bus *Bus) References(documentID string) int {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return bus.refs[documentID]
}

// Run delivers foreign messages to handler until ctx is done or the bus is closed.
func (bus *Bus) Run(ctx context.Context, handler Handler) {
	channel := bus.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case received, ok := <-channel:
			if !ok {
				return
			}
			var message Message
			if err := json.Unmarshal([]byte(received.Payload), &message); err != nil {
				bus.logger.Warn("dropping malformed fanout message", zap.String("channel", received.Channel), zap.Error(err))
				continue
			}
			if message.Origin == bus.instanceID {
				continue
			}
			handler(ctx, message)
		}
	}
}

// Close releases the pub/sub connection.
func (bus *Bus) Close() error {
	return bus.pubsub.Close()
}

func channelFor(documentID string) string {
	return channelPrefix + documentID
}
