// Package batcher coalesces realtime update fragments per document before they are committed.
package batcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	"go.uber.org/zap"
)

const (
	defaultWindow      = 40 * time.Millisecond
	defaultMaxUpdates  = 64
	defaultMaxBytes    = 1 << 20
	defaultAttempts    = 3
	defaultBackoff     = 50 * time.Millisecond
	defaultCommitLimit = 10 * time.Second
)

var (
	// ErrClosed indicates that the batcher no longer accepts fragments.
	ErrClosed = errors.New("batcher: closed")

	errMissingEngine    = errors.New("crdt engine is required")
	errMissingCommitter = errors.New("committer is required")
	noOpLogger          = zap.NewNop()
)

// Committer persists a merged fragment.
type Committer interface {
	Commit(ctx context.Context, request documents.CommitRequest) (documents.CommitResult, error)
}

// Fragment is one accepted client update waiting to be committed.
type Fragment struct {
	Update       []byte
	AuthorID     string
	ConnectionID string
	MsgID        string
}

// Batch is the set of fragments flushed together for one document.
type Batch struct {
	DocumentID documents.DocumentID
	Fragments  []Fragment
	Merged     []byte
}

// Config wires the batcher.
type Config struct {
	Engine      crdt.Engine
	Committer   Committer
	Window      time.Duration
	MaxUpdates  int
	MaxBytes    int
	Attempts    int
	Backoff     time.Duration
	CommitLimit time.Duration
	OnCommitted func(batch Batch, result documents.CommitResult)
	OnFailure   func(batch Batch, err error)
	Logger      *zap.Logger
}

type pendingBatch struct {
	fragments []Fragment
	bytes     int
	timer     *time.Timer
}

// Batcher buffers fragments per document and flushes them when the window elapses or a
// volume threshold is reached, whichever comes first.
type Batcher struct {
	engine      crdt.Engine
	committer   Committer
	window      time.Duration
	maxUpdates  int
	maxBytes    int
	attempts    int
	backoff     time.Duration
	commitLimit time.Duration
	onCommitted func(Batch, documents.CommitResult)
	onFailure   func(Batch, error)
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  map[documents.DocumentID]*pendingBatch
	closed   bool
	inFlight sync.WaitGroup
}

// New validates the configuration and constructs a Batcher.
func New(cfg Config) (*Batcher, error) {
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	if cfg.Committer == nil {
		return nil, errMissingCommitter
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	maxUpdates := cfg.MaxUpdates
	if maxUpdates <= 0 {
		maxUpdates = defaultMaxUpdates
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	commitLimit := cfg.CommitLimit
	if commitLimit <= 0 {
		commitLimit = defaultCommitLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		engine:      cfg.Engine,
		committer:   cfg.Committer,
		window:      window,
		maxUpdates:  maxUpdates,
		maxBytes:    maxBytes,
		attempts:    attempts,
		backoff:     backoff,
		commitLimit: commitLimit,
		onCommitted: cfg.OnCommitted,
		onFailure:   cfg.OnFailure,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[documents.DocumentID]*pendingBatch),
	}, nil
}

// Add buffers a fragment for documentID.
func (batcher *Batcher) Add(documentID documents.DocumentID, fragment Fragment) error {
	batcher.mu.Lock()
	if batcher.closed {
		batcher.mu.Unlock()
		return ErrClosed
	}
	batch, ok := batcher.pending[documentID]
	if !ok {
		batch = &pendingBatch{}
		batcher.pending[documentID] = batch
		batch.timer = time.AfterFunc(batcher.window, func() {
			batcher.flushScheduled(documentID, batch)
		})
	}
	batch.fragments = append(batch.fragments, fragment)
	batch.bytes += len(fragment.Update)
	if len(batch.fragments) < batcher.maxUpdates && batch.bytes < batcher.maxBytes {
		batcher.mu.Unlock()
		return nil
	}
	batch.timer.Stop()
	delete(batcher.pending, documentID)
	batcher.inFlight.Add(1)
	batcher.mu.Unlock()

	go func() {
		defer batcher.inFlight.Done()
		batcher.flush(documentID, batch.fragments)
	}()
	return nil
}

// Pending reports how many fragments are buffered for documentID.
func (batcher *Batcher) Pending(documentID documents.DocumentID) int {
	batcher.mu.Lock()
	defer batcher.mu.Unlock()
	if batch, ok := batcher.pending[documentID]; ok {
		return len(batch.fragments)
	}
	return 0
}

// Close stops accepting fragments, flushes everything buffered and waits for in-flight commits.
func (batcher *Batcher) Close() {
	batcher.mu.Lock()
	if batcher.closed {
		batcher.mu.Unlock()
		return
	}
	batcher.closed = true
	remaining := batcher.pending
	batcher.pending = make(map[documents.DocumentID]*pendingBatch)
	for _, batch := range remaining {
		batch.timer.Stop()
	}
	batcher.inFlight.Add(len(remaining))
	batcher.mu.Unlock()

	for documentID, batch := range remaining {
		go func(documentID documents.DocumentID, fragments []Fragment) {
			defer batcher.inFlight.Done()
			batcher.flush(documentID, fragments)
		}(documentID, batch.fragments)
	}
	batcher.inFlight.Wait()
	batcher.cancel()
}

func (batcher *Batcher) flushScheduled(documentID documents.DocumentID, batch *pendingBatch) {
	batcher.mu.Lock()
	current, ok := batcher.pending[documentID]
	if !ok || current != batch {
		batcher.mu.Unlock()
		return
	}
	delete(batcher.pending, documentID)
	batcher.inFlight.Add(1)
	batcher.mu.Unlock()

	defer batcher.inFlight.Done()
	batcher.flush(documentID, batch.fragments)
}

func (batcher *Batcher) flush(documentID documents.DocumentID, fragments []Fragment) {
	if len(fragments) == 0 {
		return
	}
	batch := Batch{DocumentID: documentID, Fragments: fragments}
	updates := make([][]byte, 0, len(fragments))
	for _, fragment := range fragments {
		updates = append(updates, fragment.Update)
	}
	merged, err := batcher.engine.MergeUpdates(updates...)
	if err != nil {
		batcher.fail(batch, err)
		return
	}
	batch.Merged = merged

	request := documents.CommitRequest{DocumentID: documentID, Fragment: merged, AuthorID: commonAuthor(fragments)}
	var lastErr error
	delay := batcher.backoff
	for attempt := 1; attempt <= batcher.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(batcher.ctx, batcher.commitLimit)
		result, commitErr := batcher.committer.Commit(ctx, request)
		cancel()
		if commitErr == nil {
			if batcher.onCommitted != nil {
				batcher.onCommitted(batch, result)
			}
			return
		}
		lastErr = commitErr
		if !documents.IsRetryable(commitErr) || attempt == batcher.attempts {
			break
		}
		batcher.logger.Warn("batch commit failed; retrying",
			zap.String("document_id", documentID.String()),
			zap.Int("attempt", attempt),
			zap.Int("fragments", len(fragments)),
			zap.Error(commitErr))
		select {
		case <-batcher.ctx.Done():
			batcher.fail(batch, batcher.ctx.Err())
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
	batcher.fail(batch, lastErr)
}

func (batcher *Batcher) fail(batch Batch, err error) {
	batcher.logger.Error("batch commit failed",
		zap.String("document_id", batch.DocumentID.String()),
		zap.Int("fragments", len(batch.Fragments)),
		zap.Error(err))
	if batcher.onFailure != nil {
		batcher.onFailure(batch, err)
	}
}

func commonAuthor(fragments []Fragment) string {
	author := fragments[0].AuthorID
	for _, fragment := range fragments[1:] {
		if fragment.AuthorID != author {
			return ""
		}
	}
	return author
}
