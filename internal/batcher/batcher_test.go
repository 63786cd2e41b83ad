package batcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
)

type recordingCommitter struct {
	mu       sync.Mutex
	doc      *crdt.TextDoc
	requests []documents.CommitRequest
	failures []error
	commits  chan documents.CommitRequest
}

func newRecordingCommitter(failures ...error) *recordingCommitter {
	return &recordingCommitter{
		doc:      crdt.NewTextDoc(),
		failures: failures,
		commits:  make(chan documents.CommitRequest, 64),
	}
}

func (committer *recordingCommitter) Commit(_ context.Context, request documents.CommitRequest) (documents.CommitResult, error) {
	committer.mu.Lock()
	defer committer.mu.Unlock()
	committer.requests = append(committer.requests, request)
	if len(committer.failures) > 0 {
		failure := committer.failures[0]
		committer.failures = committer.failures[1:]
		return documents.CommitResult{}, failure
	}
	if err := committer.doc.ApplyUpdate(request.Fragment); err != nil {
		return documents.CommitResult{}, err
	}
	committer.commits <- request
	return documents.CommitResult{DocumentID: request.DocumentID, Seq: int64(len(committer.requests))}, nil
}

func (committer *recordingCommitter) text() string {
	committer.mu.Lock()
	defer committer.mu.Unlock()
	return committer.doc.Text()
}

func (committer *recordingCommitter) calls() int {
	committer.mu.Lock()
	defer committer.mu.Unlock()
	return len(committer.requests)
}

func mustBatcher(testContext *testing.T, committer Committer, configure func(*Config)) *Batcher {
	testContext.Helper()
	cfg := Config{
		Engine:     crdt.NewTextEngine(),
		Committer:  committer,
		Window:     20 * time.Millisecond,
		MaxUpdates: 64,
		Backoff:    time.Millisecond,
	}
	if configure != nil {
		configure(&cfg)
	}
	batcher, err := New(cfg)
	if err != nil {
		testContext.Fatalf("failed to create batcher: %v", err)
	}
	testContext.Cleanup(batcher.Close)
	return batcher
}

func typedFragments(testContext *testing.T, client uint64, author string, text string) []Fragment {
	testContext.Helper()
	doc := crdt.NewTextDoc()
	fragments := make([]Fragment, 0, len(text))
	for _, character := range text {
		update, err := doc.Insert(client, doc.Len(), string(character))
		if err != nil {
			testContext.Fatalf("insert failed: %v", err)
		}
		fragments = append(fragments, Fragment{Update: update, AuthorID: author})
	}
	return fragments
}

func awaitCommit(testContext *testing.T, committer *recordingCommitter) documents.CommitRequest {
	testContext.Helper()
	select {
	case request := <-committer.commits:
		return request
	case <-time.After(2 * time.Second):
		testContext.Fatalf("expected a commit")
	}
	return documents.CommitRequest{}
}

func TestWindowFlushMergesFragments(testContext *testing.T) {
	committer := newRecordingCommitter()
	batcher := mustBatcher(testContext, committer, nil)
	documentID := documents.DocumentID("doc-window")

	for _, fragment := range typedFragments(testContext, 1, "alice", "abc") {
		if err := batcher.Add(documentID, fragment); err != nil {
			testContext.Fatalf("add failed: %v", err)
		}
	}
	request := awaitCommit(testContext, committer)
	if request.DocumentID != documentID || request.AuthorID != "alice" {
		testContext.Fatalf("unexpected commit request %+v", request)
	}
	if committer.calls() != 1 {
		testContext.Fatalf("expected one merged commit, got %d", committer.calls())
	}
	if committer.text() != "abc" {
		testContext.Fatalf("expected merged text abc, got %q", committer.text())
	}
	if batcher.Pending(documentID) != 0 {
		testContext.Fatalf("expected nothing pending after flush")
	}
}

func TestThresholdFlushesBeforeWindow(testContext *testing.T) {
	committer := newRecordingCommitter()
	batcher := mustBatcher(testContext, committer, func(cfg *Config) {
		cfg.Window = time.Hour
		cfg.MaxUpdates = 2
	})
	documentID := documents.DocumentID("doc-threshold")
	fragments := typedFragments(testContext, 1, "alice", "abc")

	for _, fragment := range fragments[:2] {
		if err := batcher.Add(documentID, fragment); err != nil {
			testContext.Fatalf("add failed: %v", err)
		}
	}
	awaitCommit(testContext, committer)
	if err := batcher.Add(documentID, fragments[2]); err != nil {
		testContext.Fatalf("add failed: %v", err)
	}
	if batcher.Pending(documentID) != 1 {
		testContext.Fatalf("expected third fragment to wait for the window")
	}
}

func TestMixedAuthorsCommitWithoutAuthor(testContext *testing.T) {
	committer := newRecordingCommitter()
	batcher := mustBatcher(testContext, committer, nil)
	documentID := documents.DocumentID("doc-authors")
	if err := batcher.Add(documentID, typedFragments(testContext, 1, "alice", "a")[0]); err != nil {
		testContext.Fatalf("add failed: %v", err)
	}
	if err := batcher.Add(documentID, typedFragments(testContext, 2, "bob", "b")[0]); err != nil {
		testContext.Fatalf("add failed: %v", err)
	}
	if request := awaitCommit(testContext, committer); request.AuthorID != "" {
		testContext.Fatalf("expected no single author, got %q", request.AuthorID)
	}
}

func TestRetryableFailuresAreRetried(testContext *testing.T) {
	committer := newRecordingCommitter(documents.ErrLockContention, documents.ErrStorageFailure)
	committed := make(chan documents.CommitResult, 1)
	batcher := mustBatcher(testContext, committer, func(cfg *Config) {
		cfg.Attempts = 3
		cfg.OnCommitted = func(_ Batch, result documents.CommitResult) {
			committed <- result
		}
	})
	if err := batcher.Add("doc-retry", typedFragments(testContext, 1, "alice", "a")[0]); err != nil {
		testContext.Fatalf("add failed: %v", err)
	}
	select {
	case <-committed:
	case <-time.After(2 * time.Second):
		testContext.Fatalf("expected commit after retries")
	}
	if committer.calls() != 3 {
		testContext.Fatalf("expected 3 attempts, got %d", committer.calls())
	}
}

func TestPermanentFailureIsReported(testContext *testing.T) {
	committer := newRecordingCommitter(documents.ErrInvalidUpdate)
	failed := make(chan error, 1)
	batcher := mustBatcher(testContext, committer, func(cfg *Config) {
		cfg.OnFailure = func(batch Batch, err error) {
			if len(batch.Fragments) != 1 {
				testContext.Errorf("expected failed batch to carry its fragments")
			}
			failed <- err
		}
	})
	if err := batcher.Add("doc-fail", typedFragments(testContext, 1, "alice", "a")[0]); err != nil {
		testContext.Fatalf("add failed: %v", err)
	}
	select {
	case err := <-failed:
		if !errors.Is(err, documents.ErrInvalidUpdate) {
			testContext.Fatalf("unexpected failure %v", err)
		}
	case <-time.After(2 * time.Second):
		testContext.Fatalf("expected failure callback")
	}
	if committer.calls() != 1 {
		testContext.Fatalf("expected non-retryable failure to stop after one attempt, got %d", committer.calls())
	}
}

func TestCloseFlushesPendingAndRejectsNewFragments(testContext *testing.T) {
	committer := newRecordingCommitter()
	batcher, err := New(Config{Engine: crdt.NewTextEngine(), Committer: committer, Window: time.Hour})
	if err != nil {
		testContext.Fatalf("failed to create batcher: %v", err)
	}
	for _, fragment := range typedFragments(testContext, 1, "alice", "xy") {
		if err := batcher.Add("doc-close", fragment); err != nil {
			testContext.Fatalf("add failed: %v", err)
		}
	}
	batcher.Close()
	if committer.text() != "xy" {
		testContext.Fatalf("expected close to flush pending fragments, got %q", committer.text())
	}
	if err := batcher.Add("doc-close", Fragment{Update: []byte{1}}); !errors.Is(err, ErrClosed) {
		testContext.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBatchingBoundariesDoNotChangeResult(testContext *testing.T) {
	first := typedFragments(testContext, 1, "alice", "hello")
	second := typedFragments(testContext, 2, "bob", "world")
	interleaved := make([]Fragment, 0, 10)
	for index := range first {
		interleaved = append(interleaved, first[index], second[index])
	}

	texts := make([]string, 0, 3)
	for _, maxUpdates := range []int{1, 3, 10} {
		committer := newRecordingCommitter()
		batcher, err := New(Config{Engine: crdt.NewTextEngine(), Committer: committer, Window: time.Hour, MaxUpdates: maxUpdates})
		if err != nil {
			testContext.Fatalf("failed to create batcher: %v", err)
		}
		for _, fragment := range interleaved {
			if err := batcher.Add("doc-converge", fragment); err != nil {
				testContext.Fatalf("add failed: %v", err)
			}
		}
		batcher.Close()
		texts = append(texts, committer.text())
	}
	if texts[0] != texts[1] || texts[1] != texts[2] || len(texts[0]) != 10 {
		testContext.Fatalf("expected identical merged text for every batching, got %v", texts)
	}
}
