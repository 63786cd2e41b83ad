package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/lock"
	"go.uber.org/zap"
)

const (
	// MaintenanceLockKey serializes maintenance passes across instances.
	MaintenanceLockKey = "collab:lock:jobs:maintenance"

	defaultInterval  = time.Minute
	defaultKeepLast  = 500
	defaultThreshold = 800
	defaultLockTTL   = 5 * time.Minute

	taskRebuild   = "snapshot.rebuild"
	taskCompact   = "log.compact"
	taskRetention = "snapshot.retention"
)

var (
	errMissingStore  = errors.New("jobs: document store is required")
	errMissingLocker = errors.New("jobs: locker is required")
)

// DocumentStore is the maintenance surface of the document service.
type DocumentStore interface {
	HotDocuments(ctx context.Context, threshold int64) ([]documents.DocumentID, error)
	ListDocumentIDs(ctx context.Context) ([]documents.DocumentID, error)
	RebuildSnapshot(ctx context.Context, documentID documents.DocumentID) (documents.RebuildResult, error)
	Compact(ctx context.Context, documentID documents.DocumentID, keepLast int64) (documents.CompactionResult, error)
	EnforceRetention(ctx context.Context, documentID documents.DocumentID, policy documents.RetentionPolicy) (int, error)
}

// Locker guards a pass so only one instance runs it at a time.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, wait time.Duration, critical func(context.Context) error) error
}

// SchedulerConfig wires the scheduler.
type SchedulerConfig struct {
	Documents    DocumentStore
	Locker       Locker
	Runner       *Runner
	Interval     time.Duration
	HotThreshold int64
	KeepLast     int64
	Retention    documents.RetentionPolicy
	LockTTL      time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Health reports the state of the maintenance loop.
type Health struct {
	Passes        int64     `json:"passes"`
	Skipped       int64     `json:"skipped"`
	Succeeded     int64     `json:"succeeded"`
	Failed        int64     `json:"failed"`
	Retries       int64     `json:"retries"`
	LastRunAt     time.Time `json:"lastRunAt,omitempty"`
	LastDuration  string    `json:"lastDuration,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	HotDocuments  int       `json:"hotDocuments"`
	PrunedEntries int64     `json:"prunedEntries"`
	PrunedSnaps   int64     `json:"prunedSnapshots"`
}

// Scheduler drives periodic maintenance passes.
type Scheduler struct {
	documents    DocumentStore
	locker       Locker
	runner       *Runner
	interval     time.Duration
	hotThreshold int64
	keepLast     int64
	retention    documents.RetentionPolicy
	lockTTL      time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	mu     sync.Mutex
	health Health
}

// NewScheduler validates the configuration.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Documents == nil {
		return nil, errMissingStore
	}
	if cfg.Locker == nil {
		return nil, errMissingLocker
	}
	scheduler := &Scheduler{
		documents:    cfg.Documents,
		locker:       cfg.Locker,
		runner:       cfg.Runner,
		interval:     cfg.Interval,
		hotThreshold: cfg.HotThreshold,
		keepLast:     cfg.KeepLast,
		retention:    cfg.Retention,
		lockTTL:      cfg.LockTTL,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}
	if scheduler.logger == nil {
		scheduler.logger = noOpLogger
	}
	if scheduler.runner == nil {
		scheduler.runner = NewRunner(RunnerConfig{Logger: scheduler.logger})
	}
	if scheduler.interval <= 0 {
		scheduler.interval = defaultInterval
	}
	if scheduler.hotThreshold <= 0 {
		scheduler.hotThreshold = defaultThreshold
	}
	if scheduler.keepLast <= 0 {
		scheduler.keepLast = defaultKeepLast
	}
	if scheduler.lockTTL <= 0 {
		scheduler.lockTTL = defaultLockTTL
	}
	if scheduler.clock == nil {
		scheduler.clock = time.Now
	}
	return scheduler, nil
}

// Start runs a pass every interval until ctx is done.
func (scheduler *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(scheduler.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := scheduler.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
					scheduler.logger.Warn("maintenance pass failed", zap.Error(err))
				}
			}
		}
	}()
}

// RunOnce rebuilds snapshots and compacts the log of hot documents, then applies snapshot
// retention to every document. A pass already running on another instance is skipped.
func (scheduler *Scheduler) RunOnce(ctx context.Context) error {
	err := scheduler.locker.WithLock(ctx, MaintenanceLockKey, scheduler.lockTTL, 0, scheduler.runPass)
	if errors.Is(err, lock.ErrLockBusy) {
		scheduler.mu.Lock()
		scheduler.health.Skipped++
		scheduler.mu.Unlock()
		scheduler.logger.Debug("maintenance pass held elsewhere")
		return nil
	}
	return err
}

// Health returns a copy of the current health counters.
func (scheduler *Scheduler) Health() Health {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	return scheduler.health
}

func (scheduler *Scheduler) runPass(ctx context.Context) error {
	started := scheduler.clock()
	hot, err := scheduler.documents.HotDocuments(ctx, scheduler.hotThreshold)
	if err != nil {
		scheduler.finish(started, Outcome{}, 0, err)
		return err
	}

	var (
		mu       sync.Mutex
		pruned   int64
		snapshot int64
	)
	tasks := make([]Task, 0, len(hot))
	for _, documentID := range hot {
		documentID := documentID
		tasks = append(tasks, Task{
			Name:       taskRebuild,
			DocumentID: documentID.String(),
			Run: func(taskCtx context.Context) error {
				rebuilt, err := scheduler.documents.RebuildSnapshot(taskCtx, documentID)
				if err != nil {
					return err
				}
				compacted, err := scheduler.documents.Compact(taskCtx, documentID, scheduler.keepLast)
				if err != nil {
					return err
				}
				scheduler.logger.Info("hot document maintained",
					zap.String("document_id", documentID.String()),
					zap.Int64("seq", rebuilt.Seq),
					zap.Int64("cutoff", compacted.Cutoff),
					zap.Int64("deleted", compacted.Deleted))
				mu.Lock()
				pruned += compacted.Deleted
				mu.Unlock()
				return nil
			},
		})
	}
	hotOutcome, err := scheduler.runner.Run(ctx, tasks)
	if err != nil {
		scheduler.finish(started, hotOutcome, len(hot), err)
		return err
	}

	all, err := scheduler.documents.ListDocumentIDs(ctx)
	if err != nil {
		scheduler.finish(started, hotOutcome, len(hot), err)
		return err
	}
	retentionTasks := make([]Task, 0, len(all))
	for _, documentID := range all {
		documentID := documentID
		retentionTasks = append(retentionTasks, Task{
			Name:       taskRetention,
			DocumentID: documentID.String(),
			Run: func(taskCtx context.Context) error {
				removed, err := scheduler.documents.EnforceRetention(taskCtx, documentID, scheduler.retention)
				if err != nil {
					return err
				}
				mu.Lock()
				snapshot += int64(removed)
				mu.Unlock()
				return nil
			},
		})
	}
	retentionOutcome, err := scheduler.runner.Run(ctx, retentionTasks)

	combined := Outcome{
		Succeeded: hotOutcome.Succeeded + retentionOutcome.Succeeded,
		Failed:    hotOutcome.Failed + retentionOutcome.Failed,
		Retries:   hotOutcome.Retries + retentionOutcome.Retries,
		LastError: retentionOutcome.LastError,
	}
	if combined.LastError == nil {
		combined.LastError = hotOutcome.LastError
	}
	scheduler.mu.Lock()
	scheduler.health.PrunedEntries += pruned
	scheduler.health.PrunedSnaps += snapshot
	scheduler.mu.Unlock()
	scheduler.finish(started, combined, len(hot), err)
	return err
}

func (scheduler *Scheduler) finish(started time.Time, outcome Outcome, hot int, passErr error) {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	scheduler.health.Passes++
	scheduler.health.Succeeded += int64(outcome.Succeeded)
	scheduler.health.Failed += int64(outcome.Failed)
	scheduler.health.Retries += int64(outcome.Retries)
	scheduler.health.LastRunAt = started
	scheduler.health.LastDuration = scheduler.clock().Sub(started).String()
	scheduler.health.HotDocuments = hot
	scheduler.health.LastError = ""
	switch {
	case passErr != nil:
		scheduler.health.LastError = passErr.Error()
	case outcome.LastError != nil:
		scheduler.health.LastError = outcome.LastError.Error()
	}
}
