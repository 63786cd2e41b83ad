// Package jobs runs the background maintenance passes: snapshot rebuilds, log compaction and
// snapshot retention.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers     = 2
	defaultAttempts    = 3
	defaultBaseBackoff = 200 * time.Millisecond
	maxBackoff         = 10 * time.Second
)

var noOpLogger = zap.NewNop()

// Task is one unit of maintenance work.
type Task struct {
	Name       string
	DocumentID string
	Run        func(ctx context.Context) error
}

// RunnerConfig bounds the worker pool.
type RunnerConfig struct {
	Workers     int
	Attempts    int
	BaseBackoff time.Duration
	Logger      *zap.Logger
}

// Runner executes tasks on a bounded pool, retrying failures with exponential backoff.
type Runner struct {
	workers     int
	attempts    int
	baseBackoff time.Duration
	logger      *zap.Logger
}

// Outcome summarizes one Run call.
type Outcome struct {
	Succeeded int
	Failed    int
	Retries   int
	LastError error
}

// NewRunner constructs a Runner with defaults for unset fields.
func NewRunner(cfg RunnerConfig) *Runner {
	runner := &Runner{
		workers:     cfg.Workers,
		attempts:    cfg.Attempts,
		baseBackoff: cfg.BaseBackoff,
		logger:      cfg.Logger,
	}
	if runner.workers <= 0 {
		runner.workers = defaultWorkers
	}
	if runner.attempts <= 0 {
		runner.attempts = defaultAttempts
	}
	if runner.baseBackoff <= 0 {
		runner.baseBackoff = defaultBaseBackoff
	}
	if runner.logger == nil {
		runner.logger = noOpLogger
	}
	return runner
}

// Run executes every task and waits for all of them. Task failures are logged and counted, never
// returned; the only error is ctx cancellation.
func (runner *Runner) Run(ctx context.Context, tasks []Task) (Outcome, error) {
	var (
		mu      sync.Mutex
		outcome Outcome
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(runner.workers)
	for _, task := range tasks {
		task := task
		group.Go(func() error {
			retries, err := runner.execute(groupCtx, task)
			mu.Lock()
			defer mu.Unlock()
			outcome.Retries += retries
			if err != nil {
				outcome.Failed++
				outcome.LastError = err
				return nil
			}
			outcome.Succeeded++
			return nil
		})
	}
	_ = group.Wait()
	if err := ctx.Err(); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (runner *Runner) execute(ctx context.Context, task Task) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= runner.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		lastErr = task.Run(ctx)
		if lastErr == nil {
			return attempt - 1, nil
		}
		if errors.Is(lastErr, context.Canceled) {
			return attempt - 1, lastErr
		}
		runner.logger.Warn("maintenance task failed",
			zap.String("task", task.Name),
			zap.String("document_id", task.DocumentID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt == runner.attempts {
			break
		}
		timer := time.NewTimer(runner.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	runner.logger.Error("maintenance task exhausted attempts",
		zap.String("task", task.Name),
		zap.String("document_id", task.DocumentID),
		zap.Int("attempts", runner.attempts),
		zap.Error(lastErr))
	return runner.attempts - 1, lastErr
}

func (runner *Runner) backoff(attempt int) time.Duration {
	delay := runner.baseBackoff << (attempt - 1)
	if delay <= 0 || delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
