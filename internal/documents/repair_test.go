package documents

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
)

func TestReplayOfLogMatchesStoredChecksum(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	documentID := mustDocumentID(testContext, "doc-replay")
	left := crdt.NewTextDoc()
	right := crdt.NewTextDoc()
	for _, update := range typeText(testContext, left, 1, "hello") {
		mustCommit(testContext, fixture.service, documentID, update, "")
	}
	for _, update := range typeText(testContext, right, 2, "world") {
		mustCommit(testContext, fixture.service, documentID, update, "")
	}

	report, err := fixture.service.Verify(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("verify failed: %v", err)
	}
	if !report.ContentValid || !report.ReplayMatches {
		testContext.Fatalf("expected stored content to match replay, got %+v", report)
	}
	if report.Replayed != 10 || report.Seq != 10 {
		testContext.Fatalf("expected 10 replayed entries at seq 10, got %+v", report)
	}
}

func TestValidateAndRepairRebuildsCorruptState(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	documentID := mustDocumentID(testContext, "doc-repair")
	for _, update := range typeText(testContext, crdt.NewTextDoc(), 1, "repair") {
		mustCommit(testContext, fixture.service, documentID, update, "")
	}
	var resets []Change
	fixture.service.AddChangeListener(func(_ context.Context, change Change) {
		if change.Kind == ChangeReset {
			resets = append(resets, change)
		}
	})

	report, err := fixture.service.ValidateAndRepair(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("validate failed: %v", err)
	}
	if !report.Valid || report.Repaired {
		testContext.Fatalf("expected intact content to validate without repair, got %+v", report)
	}

	garbage, err := codec.Compress([]byte("not a crdt state"))
	if err != nil {
		testContext.Fatalf("compress failed: %v", err)
	}
	if err := fixture.db.Model(&Content{}).Where(queryDocumentID, documentID.String()).Update("state", garbage).Error; err != nil {
		testContext.Fatalf("failed to corrupt state: %v", err)
	}

	report, err = fixture.service.ValidateAndRepair(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("repair failed: %v", err)
	}
	if !report.Repaired || report.Replayed != 6 {
		testContext.Fatalf("expected repair from 6 log entries, got %+v", report)
	}
	if len(resets) != 1 {
		testContext.Fatalf("expected one reset notification, got %d", len(resets))
	}
	if text := mustText(testContext, fixture.service, documentID); text != "repair" {
		testContext.Fatalf("expected repaired text, got %q", text)
	}
}

func TestGetStateRepairsMissingContent(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	documentID := mustDocumentID(testContext, "doc-missing")
	for _, update := range typeText(testContext, crdt.NewTextDoc(), 1, "xyz") {
		mustCommit(testContext, fixture.service, documentID, update, "")
	}
	if err := fixture.db.Where(queryDocumentID, documentID.String()).Delete(&Content{}).Error; err != nil {
		testContext.Fatalf("failed to delete content: %v", err)
	}

	if text := mustText(testContext, fixture.service, documentID); text != "xyz" {
		testContext.Fatalf("expected content rebuilt from log, got %q", text)
	}
}

func TestCompactionKeepsLogReplayable(testContext *testing.T) {
	fixture := mustFixture(testContext, func(cfg *ServiceConfig) {
		cfg.SnapshotInterval = 3
	})
	documentID := mustDocumentID(testContext, "doc-compact")
	for _, update := range typeText(testContext, crdt.NewTextDoc(), 1, "compact") {
		mustCommit(testContext, fixture.service, documentID, update, "")
	}

	result, err := fixture.service.Compact(context.Background(), documentID, 1)
	if err != nil {
		testContext.Fatalf("compact failed: %v", err)
	}
	// latest=7, keepLast=1 would allow 6; the newest snapshot is also at 6.
	if result.Cutoff != 6 || result.Deleted != 6 {
		testContext.Fatalf("expected cutoff 6 deleting 6 entries, got %+v", result)
	}

	if err := fixture.db.Model(&Content{}).Where(queryDocumentID, documentID.String()).Update("checksum", "corrupt").Error; err != nil {
		testContext.Fatalf("failed to corrupt checksum: %v", err)
	}
	report, err := fixture.service.ValidateAndRepair(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("repair after compaction failed: %v", err)
	}
	if !report.Repaired || report.Replayed != 1 {
		testContext.Fatalf("expected repair from snapshot plus one entry, got %+v", report)
	}
	if text := mustText(testContext, fixture.service, documentID); text != "compact" {
		testContext.Fatalf("expected text to survive compaction, got %q", text)
	}
}

func TestCompactionWithoutSnapshotKeepsLog(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	documentID := mustDocumentID(testContext, "doc-nosnap")
	for _, update := range typeText(testContext, crdt.NewTextDoc(), 1, "abcdef") {
		mustCommit(testContext, fixture.service, documentID, update, "")
	}

	result, err := fixture.service.Compact(context.Background(), documentID, 2)
	if err != nil {
		testContext.Fatalf("compact failed: %v", err)
	}
	if result.Deleted != 0 {
		testContext.Fatalf("expected no deletion without a snapshot, got %+v", result)
	}
}

func TestRebuildSnapshotPreservesRollback(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	documentID := mustDocumentID(testContext, "doc-rebuild")
	updates := typeText(testContext, crdt.NewTextDoc(), 1, "abcde")
	for _, update := range updates[:3] {
		mustCommit(testContext, fixture.service, documentID, update, "")
	}
	checkpoint, err := fixture.service.CreateSnapshot(context.Background(), SnapshotRequest{DocumentID: documentID})
	if err != nil {
		testContext.Fatalf("snapshot failed: %v", err)
	}
	for _, update := range updates[3:] {
		mustCommit(testContext, fixture.service, documentID, update, "")
	}
	if _, err := fixture.service.Rollback(context.Background(), documentID, checkpoint.SnapshotID, "owner"); err != nil {
		testContext.Fatalf("rollback failed: %v", err)
	}

	rebuilt, err := fixture.service.RebuildSnapshot(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("rebuild failed: %v", err)
	}
	if rebuilt.Seq != 5 || rebuilt.Replayed != 0 {
		testContext.Fatalf("expected rebuild at seq 5 from the rollback snapshot, got %+v", rebuilt)
	}
	if text := mustText(testContext, fixture.service, documentID); text != "abc" {
		testContext.Fatalf("expected rebuild to keep rolled back text, got %q", text)
	}
}

func TestRebuildSnapshotRequiresCoveringSnapshotAfterLogLoss(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	documentID := mustDocumentID(testContext, "doc-unreplayable")
	for _, update := range typeText(testContext, crdt.NewTextDoc(), 1, "abc") {
		mustCommit(testContext, fixture.service, documentID, update, "")
	}
	if err := fixture.db.Where(queryDocumentSeqAtMost, documentID.String(), 1).Delete(&UpdateLogEntry{}).Error; err != nil {
		testContext.Fatalf("failed to drop log entry: %v", err)
	}

	_, err := fixture.service.RebuildSnapshot(context.Background(), documentID)
	if !errors.Is(err, ErrUnreplayable) {
		testContext.Fatalf("expected unreplayable error, got %v", err)
	}
}

func TestHotDocumentsUsesRetainedLogSize(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	hot := mustDocumentID(testContext, "doc-hot")
	cold := mustDocumentID(testContext, "doc-cold")
	for _, update := range typeText(testContext, crdt.NewTextDoc(), 1, "abcd") {
		mustCommit(testContext, fixture.service, hot, update, "")
	}
	mustCommit(testContext, fixture.service, cold, typeText(testContext, crdt.NewTextDoc(), 2, "z")[0], "")

	ids, err := fixture.service.HotDocuments(context.Background(), 3)
	if err != nil {
		testContext.Fatalf("hot documents failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != hot {
		testContext.Fatalf("expected only the hot document, got %v", ids)
	}
}
