package documents

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"github.com/goccy/go-yaml"
)

func TestGetStateUnknownDocument(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	_, err := fixture.service.GetState(context.Background(), mustDocumentID(testContext, "doc-unknown"))
	if !errors.Is(err, ErrDocumentNotFound) {
		testContext.Fatalf("expected document not found, got %v", err)
	}
}

func TestGetStateCachesUntilNextCommit(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	documentID := mustDocumentID(testContext, "doc-cache")
	updates := typeText(testContext, crdt.NewTextDoc(), 1, "ab")
	mustCommit(testContext, fixture.service, documentID, updates[0], "")

	first, err := fixture.service.GetState(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("get state failed: %v", err)
	}
	if !fixture.redis.Exists(stateCacheKeyPrefix + documentID.String()) {
		testContext.Fatalf("expected state to be cached")
	}

	mustCommit(testContext, fixture.service, documentID, updates[1], "")
	if fixture.redis.Exists(stateCacheKeyPrefix + documentID.String()) {
		testContext.Fatalf("expected commit to evict the cached state")
	}
	second, err := fixture.service.GetState(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("get state failed: %v", err)
	}
	if second.Seq != first.Seq+1 || second.Checksum == first.Checksum {
		testContext.Fatalf("expected fresh state after commit, got %+v", second)
	}
}

func TestGetStateIgnoresStaleCacheEntry(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	documentID := mustDocumentID(testContext, "doc-stale")
	updates := typeText(testContext, crdt.NewTextDoc(), 1, "ab")
	mustCommit(testContext, fixture.service, documentID, updates[0], "")
	stale, err := fixture.service.GetState(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("get state failed: %v", err)
	}
	mustCommit(testContext, fixture.service, documentID, updates[1], "")

	cache := NewRedisStateCache(fixture.client, 0)
	if err := cache.Put(context.Background(), stale); err != nil {
		testContext.Fatalf("cache put failed: %v", err)
	}
	if text := mustText(testContext, fixture.service, documentID); text != "ab" {
		testContext.Fatalf("expected stale cache entry to be ignored, got %q", text)
	}
}

func TestSyncDiffReturnsMissingChanges(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	documentID := mustDocumentID(testContext, "doc-sync")
	updates := typeText(testContext, crdt.NewTextDoc(), 1, "sync")
	for _, update := range updates {
		mustCommit(testContext, fixture.service, documentID, update, "")
	}

	peer := crdt.NewTextDoc()
	for _, update := range updates[:2] {
		if err := peer.ApplyUpdate(update); err != nil {
			testContext.Fatalf("peer apply failed: %v", err)
		}
	}
	result, err := fixture.service.SyncDiff(context.Background(), documentID, peer.EncodeStateVector())
	if err != nil {
		testContext.Fatalf("sync diff failed: %v", err)
	}
	if result.Seq != 4 {
		testContext.Fatalf("expected seq 4, got %d", result.Seq)
	}
	if err := peer.ApplyUpdate(result.Update); err != nil {
		testContext.Fatalf("apply diff failed: %v", err)
	}
	if peer.Text() != "sync" {
		testContext.Fatalf("expected peer to converge, got %q", peer.Text())
	}

	full, err := fixture.service.SyncDiff(context.Background(), documentID, nil)
	if err != nil {
		testContext.Fatalf("sync without vector failed: %v", err)
	}
	if len(full.Update) <= len(result.Update) {
		testContext.Fatalf("expected empty vector to return the full state")
	}
}

func TestReplayLogPagesInSequenceOrder(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	documentID := mustDocumentID(testContext, "doc-log")
	for _, update := range typeText(testContext, crdt.NewTextDoc(), 1, "abcd") {
		mustCommit(testContext, fixture.service, documentID, update, "author")
	}

	entries, err := fixture.service.ReplayLog(context.Background(), documentID, 1, 2)
	if err != nil {
		testContext.Fatalf("replay log failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Seq != 2 || entries[1].Seq != 3 {
		testContext.Fatalf("expected entries 2 and 3, got %+v", entries)
	}
	if entries[0].AuthorID != "author" || len(entries[0].Update) == 0 {
		testContext.Fatalf("expected decompressed entry with author, got %+v", entries[0])
	}
}

func TestExportFormats(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	documentID := mustDocumentID(testContext, "doc-export")
	for _, update := range typeText(testContext, crdt.NewTextDoc(), 1, "export") {
		mustCommit(testContext, fixture.service, documentID, update, "")
	}

	payload, err := fixture.service.Export(context.Background(), documentID, "json")
	if err != nil {
		testContext.Fatalf("json export failed: %v", err)
	}
	var exported ExportDocument
	if err := json.Unmarshal(payload, &exported); err != nil {
		testContext.Fatalf("json export did not decode: %v", err)
	}
	if exported.Text != "export" || exported.Seq != 6 || exported.Checksum == "" {
		testContext.Fatalf("unexpected json export %+v", exported)
	}

	payload, err = fixture.service.Export(context.Background(), documentID, "YAML")
	if err != nil {
		testContext.Fatalf("yaml export failed: %v", err)
	}
	var decoded map[string]any
	if err := yaml.Unmarshal(payload, &decoded); err != nil {
		testContext.Fatalf("yaml export did not decode: %v", err)
	}
	if decoded["text"] != "export" || !strings.Contains(string(payload), "documentId: doc-export") {
		testContext.Fatalf("unexpected yaml export:\n%s", payload)
	}

	if _, err := fixture.service.Export(context.Background(), documentID, "xml"); !errors.Is(err, ErrUnsupportedFormat) {
		testContext.Fatalf("expected unsupported format, got %v", err)
	}
}

func TestListDocumentIDs(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	for _, raw := range []string{"doc-b", "doc-a"} {
		mustCommit(testContext, fixture.service, mustDocumentID(testContext, raw), typeText(testContext, crdt.NewTextDoc(), 1, "x")[0], "")
	}
	ids, err := fixture.service.ListDocumentIDs(context.Background())
	if err != nil {
		testContext.Fatalf("list ids failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "doc-a" || ids[1] != "doc-b" {
		testContext.Fatalf("expected sorted ids, got %v", ids)
	}
}
