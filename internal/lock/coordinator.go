// Package lock provides a Redis-backed mutual-exclusion lease with owner tokens.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrLockBusy indicates that the lock stayed held by another owner for the whole wait.
	ErrLockBusy = errors.New("lock: busy")

	errMissingClient = errors.New("redis client is required")
	errInvalidKey    = errors.New("lock key is required")
	errInvalidTTL    = errors.New("lock ttl must be positive")
	noOpLogger       = zap.NewNop()
)

const (
	defaultPollInterval = 25 * time.Millisecond
	maxPollInterval     = 200 * time.Millisecond
)

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config wires the coordinator.
type Config struct {
	Client       redis.UniversalClient
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Coordinator grants exclusive leases on string keys. A lease expires on its own after the ttl,
// so a crashed holder never blocks other owners for longer than that.
type Coordinator struct {
	client       redis.UniversalClient
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewCoordinator validates the configuration and constructs a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{client: cfg.Client, pollInterval: pollInterval, logger: logger}, nil
}

// Acquire makes a single attempt. On success it returns the owner token needed for Release.
func (coordinator *Coordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errInvalidKey
	}
	if ttl <= 0 {
		return "", false, errInvalidTTL
	}
	token, err := uuid.NewV7()
	if err != nil {
		return "", false, fmt.Errorf("lock token: %w", err)
	}
	acquired, err := coordinator.client.SetNX(ctx, key, token.String(), ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock acquire %s: %w", key, err)
	}
	if !acquired {
		return "", false, nil
	}
	return token.String(), true, nil
}

// AcquireWithin polls Acquire with a growing backoff until wait elapses. Running out of wait is
// not an error: it returns acquired=false.
func (coordinator *Coordinator) AcquireWithin(ctx context.Context, key string, ttl time.Duration, wait time.Duration) (string, bool, error) {
	deadline := time.Now().Add(wait)
	interval := coordinator.pollInterval
	for {
		token, acquired, err := coordinator.Acquire(ctx, key, ttl)
		if err != nil {
			return "", false, err
		}
		if acquired {
			return token, true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			coordinator.logger.Debug("lock wait exhausted", zap.String("lock_key", key), zap.Duration("wait", wait))
			return "", false, nil
		}
		sleep := interval
		if sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false, ctx.Err()
		case <-timer.C:
		}
		interval *= 2
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

// Release deletes the key when token still owns it. A false result means the lease had already
// expired and possibly passed to another owner.
func (coordinator *Coordinator) Release(ctx context.Context, key string, token string) (bool, error) {
	if key == "" {
		return false, errInvalidKey
	}
	deleted, err := releaseScript.Run(ctx, coordinator.client, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("lock release %s: %w", key, err)
	}
	return deleted == 1, nil
}

// Holder reports the token currently holding key, or "" when the key is free.
func (coordinator *Coordinator) Holder(ctx context.Context, key string) (string, error) {
	token, err := coordinator.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// WithLock runs critical while holding key. It returns ErrLockBusy when the lease cannot be
// obtained within wait.
func (coordinator *Coordinator) WithLock(ctx context.Context, key string, ttl time.Duration, wait time.Duration, critical func(context.Context) error) error {
	token, acquired, err := coordinator.AcquireWithin(ctx, key, ttl, wait)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrLockBusy, key)
	}
	defer func() {
		released, releaseErr := coordinator.Release(context.WithoutCancel(ctx), key, token)
		if releaseErr != nil {
			coordinator.logger.Error("lock release failed", zap.String("lock_key", key), zap.Error(releaseErr))
			return
		}
		if !released {
			coordinator.logger.Warn("lock expired before release", zap.String("lock_key", key))
		}
	}()
	return critical(ctx)
}
