package documents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrLockContention indicates that the document write lock could not be acquired in time.
	ErrLockContention = errors.New("documents: lock contention")
	// ErrIntegrityMismatch indicates that stored content failed checksum verification.
	ErrIntegrityMismatch = errors.New("documents: integrity mismatch")
	// ErrStorageFailure indicates a transient persistence failure.
	ErrStorageFailure = errors.New("documents: storage failure")
	// ErrInvalidUpdate indicates that an update fragment could not be applied.
	ErrInvalidUpdate = errors.New("documents: invalid update")
	// ErrDocumentNotFound indicates that the document has no registry row.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrSnapshotNotFound indicates that a snapshot does not exist for the document.
	ErrSnapshotNotFound = errors.New("documents: snapshot not found")
	// ErrUnreplayable indicates that the retained log and snapshots cannot reproduce the state.
	ErrUnreplayable = errors.New("documents: update log cannot be replayed")
	// ErrUnsupportedFormat indicates an unknown export format.
	ErrUnsupportedFormat = errors.New("documents: unsupported export format")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingEngine     = errors.New("crdt engine is required")
	errMissingLocker     = errors.New("lock coordinator is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	defaultSnapshotInterval = 100
	defaultLockTTL          = 5 * time.Second
	defaultLockWait         = 2 * time.Second
	defaultReplayBatchSize  = 1000
	lockKeyPrefix           = "collab:lock:doc:"

	fieldDocumentID = "document_id"
	fieldSeq        = "seq"
	fieldSnapshotID = "snapshot_id"

	queryDocumentID         = fieldDocumentID + " = ?"
	queryDocumentSnapshot   = fieldDocumentID + " = ? AND " + fieldSnapshotID + " = ?"
	queryDocumentSeqRange   = fieldDocumentID + " = ? AND seq > ? AND seq <= ?"
	queryDocumentSeqAtMost  = fieldDocumentID + " = ? AND seq <= ?"
	queryDocumentSeqAtLeast = fieldDocumentID + " = ? AND seq >= ?"
	orderSeqAsc             = "seq ASC"
	orderSnapshotNewest     = "seq DESC, snapshot_id DESC"

	reasonMissingDatabase    = "missing_database"
	reasonLockFailed         = "lock_failed"
	reasonLockContention     = "lock_contention"
	reasonDocumentLoadFailed = "document_load_failed"
	reasonVersionFailed      = "version_update_failed"
	reasonLogAppendFailed    = "log_append_failed"
	reasonMergeBaseFailed    = "merge_base_failed"
	reasonApplyFailed        = "apply_failed"
	reasonContentFailed      = "content_upsert_failed"
	reasonSnapshotFailed     = "snapshot_create_failed"
	reasonQueryFailed        = "query_failed"
	reasonDecodeFailed       = "decode_failed"
	reasonIntegrity          = "integrity_mismatch"
	reasonInvalidUpdate      = "invalid_update"
	reasonNotFound           = "not_found"
	reasonReplayFailed       = "replay_failed"
	reasonDeleteFailed       = "delete_failed"
	reasonEncodeFailed       = "encode_failed"
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func storageError(cause error) error {
	return fmt.Errorf("%w: %v", ErrStorageFailure, cause)
}

// IsRetryable reports whether err is transient and the caller may retry with the same fragment.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockContention) || errors.Is(err, ErrStorageFailure)
}

// Locker serializes the merge-persist critical section per document.
type Locker interface {
	AcquireWithin(ctx context.Context, key string, ttl time.Duration, wait time.Duration) (string, bool, error)
	Release(ctx context.Context, key string, token string) (bool, error)
}

// IDProvider issues snapshot identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ChangeKind distinguishes incremental commits from wholesale content replacement.
type ChangeKind string

const (
	// ChangeCommitted reports a merged fragment appended at Seq.
	ChangeCommitted ChangeKind = "committed"
	// ChangeReset reports that the content was replaced by rollback or repair; Update holds the full state.
	ChangeReset ChangeKind = "reset"
)

// Change is delivered to listeners after a durable mutation of document content.
type Change struct {
	Kind       ChangeKind
	DocumentID DocumentID
	Seq        int64
	Update     []byte
	AuthorID   string
}

// ChangeListener observes durable content changes.
type ChangeListener func(ctx context.Context, change Change)

// ServiceConfig wires the state store.
type ServiceConfig struct {
	Database         *gorm.DB
	Engine           crdt.Engine
	Locker           Locker
	Cache            StateCache
	IDProvider       IDProvider
	Clock            func() time.Time
	Logger           *zap.Logger
	SnapshotInterval int64
	LockTTL          time.Duration
	LockWait         time.Duration
	ReplayBatchSize  int
}

// Service owns document content, the update log and snapshots.
type Service struct {
	db               *gorm.DB
	engine           crdt.Engine
	locker           Locker
	cache            StateCache
	idProvider       IDProvider
	clock            func() time.Time
	logger           *zap.Logger
	snapshotInterval int64
	lockTTL          time.Duration
	lockWait         time.Duration
	replayBatchSize  int

	listenersMu sync.RWMutex
	listeners   []ChangeListener
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Engine == nil {
		return nil, newServiceError(opServiceNew, "missing_engine", errMissingEngine)
	}
	if cfg.Locker == nil {
		return nil, newServiceError(opServiceNew, "missing_locker", errMissingLocker)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	snapshotInterval := cfg.SnapshotInterval
	if snapshotInterval <= 0 {
		snapshotInterval = defaultSnapshotInterval
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	lockWait := cfg.LockWait
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	replayBatchSize := cfg.ReplayBatchSize
	if replayBatchSize <= 0 {
		replayBatchSize = defaultReplayBatchSize
	}
	return &Service{
		db:               cfg.Database,
		engine:           cfg.Engine,
		locker:           cfg.Locker,
		cache:            cfg.Cache,
		idProvider:       idProvider,
		clock:            clock,
		logger:           logger,
		snapshotInterval: snapshotInterval,
		lockTTL:          lockTTL,
		lockWait:         lockWait,
		replayBatchSize:  replayBatchSize,
	}, nil
}

// AddChangeListener registers a listener invoked after every committed change.
func (service *Service) AddChangeListener(listener ChangeListener) {
	if listener == nil {
		return
	}
	service.listenersMu.Lock()
	defer service.listenersMu.Unlock()
	service.listeners = append(service.listeners, listener)
}

// Engine exposes the CRDT engine the store merges with.
func (service *Service) Engine() crdt.Engine {
	return service.engine
}

func (service *Service) notify(ctx context.Context, change Change) {
	service.listenersMu.RLock()
	listeners := append([]ChangeListener(nil), service.listeners...)
	service.listenersMu.RUnlock()
	for _, listener := range listeners {
		listener(ctx, change)
	}
}

func (service *Service) evict(ctx context.Context, documentID DocumentID) {
	if service.cache == nil {
		return
	}
	if err := service.cache.Evict(ctx, documentID); err != nil {
		service.logger.Warn("state cache eviction failed",
			zap.String(fieldDocumentID, documentID.String()),
			zap.Error(err))
	}
}

// withDocumentLock runs critical while holding the document write lock. The lock is always
// released afterwards through a compare-and-delete on the owner token.
func (service *Service) withDocumentLock(ctx context.Context, operation string, documentID DocumentID, critical func() error) error {
	key := lockKeyPrefix + documentID.String()
	token, acquired, err := service.locker.AcquireWithin(ctx, key, service.lockTTL, service.lockWait)
	if err != nil {
		service.logError(operation, reasonLockFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return newServiceError(operation, reasonLockFailed, storageError(err))
	}
	if !acquired {
		return newServiceError(operation, reasonLockContention, ErrLockContention)
	}
	defer func() {
		released, releaseErr := service.locker.Release(context.WithoutCancel(ctx), key, token)
		if releaseErr != nil {
			service.logError(operation, "lock_release_failed", releaseErr, zap.String(fieldDocumentID, documentID.String()))
			return
		}
		if !released {
			service.logger.Warn("document lock expired before release",
				zap.String("operation", operation),
				zap.String(fieldDocumentID, documentID.String()))
		}
	}()
	return critical()
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if service == nil || service.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	service.logger.Error("documents service error", allFields...)
}
