// Package ratelimit throttles inbound realtime messages per connection and per document.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	documentWindowKeyPrefix = "collab:rate:doc:"
	documentWindow          = time.Second
	defaultConnectionRate   = 10
	defaultDocumentRate     = 200
)

var (
	errMissingClient = errors.New("redis client is required")
	noOpLogger       = zap.NewNop()
)

// Decision is the outcome of a rate check. RetryAfter is a hint for denied callers.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Config wires the governor.
type Config struct {
	Client                  redis.UniversalClient
	ConnectionMsgsPerSecond float64
	DocumentMsgsPerSecond   int
	Clock                   func() time.Time
	Logger                  *zap.Logger
}

// Governor applies a token bucket per connection and a shared fixed window per document.
type Governor struct {
	client          redis.UniversalClient
	connectionLimit rate.Limit
	connectionBurst int
	documentLimit   int64
	clock           func() time.Time
	logger          *zap.Logger

	mu          sync.Mutex
	connections map[string]*rate.Limiter
}

// NewGovernor validates the configuration and constructs a Governor.
func NewGovernor(cfg Config) (*Governor, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	perSecond := cfg.ConnectionMsgsPerSecond
	if perSecond <= 0 {
		perSecond = defaultConnectionRate
	}
	documentLimit := cfg.DocumentMsgsPerSecond
	if documentLimit <= 0 {
		documentLimit = defaultDocumentRate
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &Governor{
		client:          cfg.Client,
		connectionLimit: rate.Limit(perSecond),
		connectionBurst: burst,
		documentLimit:   int64(documentLimit),
		clock:           clock,
		logger:          logger,
		connections:     make(map[string]*rate.Limiter),
	}, nil
}

// AllowConnection charges one message against the connection's bucket.
func (governor *Governor) AllowConnection(connectionID string) Decision {
	limiter := governor.connectionLimiter(connectionID)
	now := governor.clock()
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return Decision{Allowed: false, RetryAfter: time.Second}
	}
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return Decision{Allowed: true}
	}
	reservation.CancelAt(now)
	return Decision{Allowed: false, RetryAfter: delay}
}

// AllowDocument charges one message against the document's window shared by every instance.
// Redis failures fail open so an outage does not silence editing.
func (governor *Governor) AllowDocument(ctx context.Context, documentID string) Decision {
	now := governor.clock()
	window := now.Unix()
	key := fmt.Sprintf("%s%s:%d", documentWindowKeyPrefix, documentID, window)
	pipeline := governor.client.TxPipeline()
	increment := pipeline.Incr(ctx, key)
	pipeline.Expire(ctx, key, 2*documentWindow)
	if _, err := pipeline.Exec(ctx); err != nil {
		governor.logger.Warn("document rate window unavailable", zap.String("document_id", documentID), zap.Error(err))
		return Decision{Allowed: true}
	}
	if increment.Val() <= governor.documentLimit {
		return Decision{Allowed: true}
	}
	nextWindow := time.Unix(window+1, 0)
	return Decision{Allowed: false, RetryAfter: nextWindow.Sub(now)}
}

// Allow applies the connection bucket first and the document window second.
func (governor *Governor) Allow(ctx context.Context, connectionID string, documentID string) Decision {
	if decision := governor.AllowConnection(connectionID); !decision.Allowed {
		return decision
	}
	if documentID == "" {
		return Decision{Allowed: true}
	}
	return governor.AllowDocument(ctx, documentID)
}

// Forget drops the connection's bucket.
func (governor *Governor) Forget(connectionID string) {
	governor.mu.Lock()
	defer governor.mu.Unlock()
	delete(governor.connections, connectionID)
}

func (governor *Governor) connectionLimiter(connectionID string) *rate.Limiter {
	governor.mu.Lock()
	defer governor.mu.Unlock()
	limiter, ok := governor.connections[connectionID]
	if !ok {
		limiter = rate.NewLimiter(governor.connectionLimit, governor.connectionBurst)
		governor.connections[connectionID] = limiter
	}
	return limiter
}
