package documents

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
)

func TestRollbackRestoresSnapshotAndKeepsLog(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	documentID := mustDocumentID(testContext, "doc-rollback")
	updates := typeText(testContext, crdt.NewTextDoc(), 1, "abcde")
	for _, update := range updates[:3] {
		mustCommit(testContext, fixture.service, documentID, update, "")
	}
	checkpoint, err := fixture.service.CreateSnapshot(context.Background(), SnapshotRequest{
		DocumentID: documentID,
		Label:      "draft",
		Milestone:  true,
		CreatedBy:  "owner",
	})
	if err != nil {
		testContext.Fatalf("snapshot failed: %v", err)
	}
	if checkpoint.Seq != 3 || checkpoint.CreatedReason != ReasonManual || !checkpoint.IsMilestone || checkpoint.Label != "draft" {
		testContext.Fatalf("unexpected snapshot metadata %+v", checkpoint)
	}
	for _, update := range updates[3:] {
		mustCommit(testContext, fixture.service, documentID, update, "")
	}
	var resets []Change
	fixture.service.AddChangeListener(func(_ context.Context, change Change) {
		if change.Kind == ChangeReset {
			resets = append(resets, change)
		}
	})

	result, err := fixture.service.Rollback(context.Background(), documentID, checkpoint.SnapshotID, "owner")
	if err != nil {
		testContext.Fatalf("rollback failed: %v", err)
	}
	if result.Seq != 5 || result.PreRollbackSnapshotID == "" || result.Checksum != checkpoint.Checksum {
		testContext.Fatalf("unexpected rollback result %+v", result)
	}
	if text := mustText(testContext, fixture.service, documentID); text != "abc" {
		testContext.Fatalf("expected rolled back text abc, got %q", text)
	}
	if len(resets) != 1 {
		testContext.Fatalf("expected one reset notification, got %d", len(resets))
	}

	var logCount int64
	fixture.db.Model(&UpdateLogEntry{}).Where(queryDocumentID, documentID.String()).Count(&logCount)
	if logCount != 5 {
		testContext.Fatalf("expected rollback to leave the log untouched, got %d entries", logCount)
	}

	state, err := fixture.service.GetState(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("get state failed: %v", err)
	}
	editor := crdt.NewTextDoc()
	if err := editor.ApplyUpdate(state.Update); err != nil {
		testContext.Fatalf("apply state failed: %v", err)
	}
	followUp, err := editor.Insert(3, editor.Len(), "X")
	if err != nil {
		testContext.Fatalf("insert failed: %v", err)
	}
	next := mustCommit(testContext, fixture.service, documentID, followUp, "")
	if next.Seq != 6 {
		testContext.Fatalf("expected edits to continue at seq 6, got %d", next.Seq)
	}
	if text := mustText(testContext, fixture.service, documentID); text != "abcX" {
		testContext.Fatalf("expected abcX, got %q", text)
	}

	// The pre-rollback snapshot makes the rollback itself undoable.
	if _, err := fixture.service.Rollback(context.Background(), documentID, result.PreRollbackSnapshotID, "owner"); err != nil {
		testContext.Fatalf("undo rollback failed: %v", err)
	}
	if text := mustText(testContext, fixture.service, documentID); text != "abcde" {
		testContext.Fatalf("expected pre-rollback text, got %q", text)
	}
}

func TestRollbackRejectsUnknownAndCorruptSnapshots(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	documentID := mustDocumentID(testContext, "doc-rollback-bad")
	mustCommit(testContext, fixture.service, documentID, typeText(testContext, crdt.NewTextDoc(), 1, "a")[0], "")

	if _, err := fixture.service.Rollback(context.Background(), documentID, "missing", "owner"); !errors.Is(err, ErrSnapshotNotFound) {
		testContext.Fatalf("expected snapshot not found, got %v", err)
	}

	snapshot, err := fixture.service.CreateSnapshot(context.Background(), SnapshotRequest{DocumentID: documentID})
	if err != nil {
		testContext.Fatalf("snapshot failed: %v", err)
	}
	if err := fixture.db.Model(&Snapshot{}).Where(queryDocumentSnapshot, documentID.String(), snapshot.SnapshotID).Update("checksum", "corrupt").Error; err != nil {
		testContext.Fatalf("failed to corrupt snapshot: %v", err)
	}
	if _, err := fixture.service.Rollback(context.Background(), documentID, snapshot.SnapshotID, "owner"); !errors.Is(err, ErrIntegrityMismatch) {
		testContext.Fatalf("expected integrity mismatch, got %v", err)
	}
}

func TestCreateSnapshotRequiresDocument(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	_, err := fixture.service.CreateSnapshot(context.Background(), SnapshotRequest{DocumentID: mustDocumentID(testContext, "doc-none")})
	if !errors.Is(err, ErrDocumentNotFound) {
		testContext.Fatalf("expected document not found, got %v", err)
	}
}

func TestEnforceRetentionKeepsNewestMilestonesAndAnchor(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	documentID := mustDocumentID(testContext, "doc-retention")
	updates := typeText(testContext, crdt.NewTextDoc(), 1, "abcde")
	created := make([]SnapshotInfo, 0, len(updates))
	for index, update := range updates {
		mustCommit(testContext, fixture.service, documentID, update, "")
		snapshot, err := fixture.service.CreateSnapshot(context.Background(), SnapshotRequest{
			DocumentID: documentID,
			Milestone:  index == 0,
		})
		if err != nil {
			testContext.Fatalf("snapshot failed: %v", err)
		}
		created = append(created, snapshot)
		fixture.now = fixture.now.Add(time.Minute)
	}

	deleted, err := fixture.service.EnforceRetention(context.Background(), documentID, RetentionPolicy{KeepLast: 2, MaxAge: time.Hour})
	if err != nil {
		testContext.Fatalf("retention failed: %v", err)
	}
	if deleted != 0 {
		testContext.Fatalf("expected young snapshots to survive, deleted %d", deleted)
	}

	fixture.now = fixture.now.Add(2 * time.Hour)
	deleted, err = fixture.service.EnforceRetention(context.Background(), documentID, RetentionPolicy{KeepLast: 2, MaxAge: time.Hour})
	if err != nil {
		testContext.Fatalf("retention failed: %v", err)
	}
	if deleted != 2 {
		testContext.Fatalf("expected 2 pruned snapshots, got %d", deleted)
	}

	remaining, err := fixture.service.ListSnapshots(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("list failed: %v", err)
	}
	kept := make(map[string]bool, len(remaining))
	for _, snapshot := range remaining {
		kept[snapshot.SnapshotID] = true
	}
	if !kept[created[0].SnapshotID] || !kept[created[3].SnapshotID] || !kept[created[4].SnapshotID] {
		testContext.Fatalf("expected milestone and newest two snapshots to remain, got %+v", remaining)
	}
}

func TestDiffSnapshotsRendersTextChanges(testContext *testing.T) {
	fixture := mustFixture(testContext, nil)
	documentID := mustDocumentID(testContext, "doc-diff")
	editor := crdt.NewTextDoc()
	for _, update := range typeText(testContext, editor, 1, "hello") {
		mustCommit(testContext, fixture.service, documentID, update, "")
	}
	before, err := fixture.service.CreateSnapshot(context.Background(), SnapshotRequest{DocumentID: documentID})
	if err != nil {
		testContext.Fatalf("snapshot failed: %v", err)
	}
	removal, err := editor.Delete(0, 1)
	if err != nil {
		testContext.Fatalf("delete failed: %v", err)
	}
	mustCommit(testContext, fixture.service, documentID, removal, "")
	for _, update := range typeText(testContext, editor, 1, "!") {
		mustCommit(testContext, fixture.service, documentID, update, "")
	}

	segments, err := fixture.service.DiffSnapshots(context.Background(), documentID, before.SnapshotID, "")
	if err != nil {
		testContext.Fatalf("diff failed: %v", err)
	}
	var inserted, removed strings.Builder
	for _, segment := range segments {
		switch segment.Operation {
		case "insert":
			inserted.WriteString(segment.Text)
		case "delete":
			removed.WriteString(segment.Text)
		}
	}
	if inserted.String() != "!" || removed.String() != "h" {
		testContext.Fatalf("expected insert ! and delete h, got %+v", segments)
	}
}
