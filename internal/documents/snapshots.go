package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opListSnapshots    = "documents.list_snapshots"
	opCreateSnapshot   = "documents.create_snapshot"
	opRollback         = "documents.rollback"
	opEnforceRetention = "documents.enforce_retention"
	opDiffSnapshots    = "documents.diff_snapshots"

	// ReasonRollback marks the snapshot recording the state restored by a rollback.
	ReasonRollback = "rollback"
)

type snapshotMeta struct {
	reason    string
	label     string
	milestone bool
	createdBy string
}

// SnapshotInfo describes a stored snapshot without its payload.
type SnapshotInfo struct {
	SnapshotID    string    `json:"snapshotId"`
	DocumentID    string    `json:"documentId"`
	Seq           int64     `json:"seq"`
	Checksum      string    `json:"checksum"`
	IsMilestone   bool      `json:"isMilestone"`
	Label         string    `json:"label,omitempty"`
	CreatedReason string    `json:"createdReason"`
	CreatedBy     string    `json:"createdBy,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	SizeBytes     int       `json:"sizeBytes"`
}

func newSnapshotInfo(snapshot Snapshot) SnapshotInfo {
	return SnapshotInfo{
		SnapshotID:    snapshot.SnapshotID,
		DocumentID:    snapshot.DocumentID,
		Seq:           snapshot.Seq,
		Checksum:      snapshot.Checksum,
		IsMilestone:   snapshot.IsMilestone,
		Label:         snapshot.Label,
		CreatedReason: snapshot.CreatedReason,
		CreatedBy:     snapshot.CreatedBy,
		CreatedAt:     time.Unix(snapshot.CreatedAtSeconds, 0).UTC(),
		SizeBytes:     len(snapshot.State),
	}
}

// SnapshotRequest asks for an on-demand snapshot of the current content.
type SnapshotRequest struct {
	DocumentID DocumentID
	Reason     string
	Label      string
	Milestone  bool
	CreatedBy  string
}

// RollbackResult describes a completed rollback.
type RollbackResult struct {
	DocumentID            DocumentID `json:"documentId"`
	SnapshotID            string     `json:"snapshotId"`
	Seq                   int64      `json:"seq"`
	Checksum              string     `json:"checksum"`
	PreRollbackSnapshotID string     `json:"preRollbackSnapshotId,omitempty"`
}

// RetentionPolicy bounds how many snapshots survive pruning.
type RetentionPolicy struct {
	KeepLast int
	MaxAge   time.Duration
}

// DiffSegment is one run of a text diff between two snapshots.
type DiffSegment struct {
	Operation string `json:"op"`
	Text      string `json:"text"`
}

func (service *Service) createSnapshot(tx *gorm.DB, documentID DocumentID, seq int64, encoded encodedState, meta snapshotMeta, now int64) (Snapshot, error) {
	snapshotID, err := service.idProvider.NewID()
	if err != nil {
		return Snapshot{}, err
	}
	snapshot := Snapshot{
		SnapshotID:       snapshotID,
		DocumentID:       documentID.String(),
		Seq:              seq,
		State:            encoded.state,
		Vector:           encoded.vector,
		Checksum:         encoded.checksum,
		IsMilestone:      meta.milestone,
		Label:            meta.label,
		CreatedReason:    meta.reason,
		CreatedBy:        meta.createdBy,
		CreatedAtSeconds: now,
	}
	if err := tx.Create(&snapshot).Error; err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// ListSnapshots returns snapshots newest first.
func (service *Service) ListSnapshots(ctx context.Context, documentID DocumentID) ([]SnapshotInfo, error) {
	var snapshots []Snapshot
	if err := service.db.WithContext(ctx).
		Where(queryDocumentID, documentID.String()).
		Order(orderSnapshotNewest).
		Find(&snapshots).Error; err != nil {
		service.logError(opListSnapshots, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newServiceError(opListSnapshots, reasonQueryFailed, storageError(err))
	}
	infos := make([]SnapshotInfo, 0, len(snapshots))
	for _, snapshot := range snapshots {
		infos = append(infos, newSnapshotInfo(snapshot))
	}
	return infos, nil
}

// CreateSnapshot checkpoints the current content at the current seq.
func (service *Service) CreateSnapshot(ctx context.Context, request SnapshotRequest) (SnapshotInfo, error) {
	documentID := request.DocumentID
	reason := request.Reason
	if reason == "" {
		reason = ReasonManual
	}
	var info SnapshotInfo
	err := service.withDocumentLock(ctx, opCreateSnapshot, documentID, func() error {
		return service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			version, found, err := service.documentVersion(tx, documentID)
			if err != nil {
				return newServiceError(opCreateSnapshot, reasonQueryFailed, storageError(err))
			}
			if !found {
				return newServiceError(opCreateSnapshot, reasonNotFound, ErrDocumentNotFound)
			}
			state, repaired, err := service.loadMergeBase(tx, documentID, version)
			if err != nil {
				return newServiceError(opCreateSnapshot, reasonMergeBaseFailed, err)
			}
			doc := service.engine.NewDoc()
			if err := doc.ApplyUpdate(state); err != nil {
				return newServiceError(opCreateSnapshot, reasonDecodeFailed, err)
			}
			now := service.clock().UTC().Unix()
			encoded, _, err := encodeDoc(doc)
			if err != nil {
				return newServiceError(opCreateSnapshot, reasonEncodeFailed, err)
			}
			if repaired {
				if err := service.upsertContent(tx, documentID, encoded, now); err != nil {
					return newServiceError(opCreateSnapshot, reasonContentFailed, storageError(err))
				}
			}
			snapshot, err := service.createSnapshot(tx, documentID, version, encoded, snapshotMeta{
				reason:    reason,
				label:     request.Label,
				milestone: request.Milestone,
				createdBy: request.CreatedBy,
			}, now)
			if err != nil {
				service.logError(opCreateSnapshot, reasonSnapshotFailed, err, zap.String(fieldDocumentID, documentID.String()))
				return newServiceError(opCreateSnapshot, reasonSnapshotFailed, storageError(err))
			}
			info = newSnapshotInfo(snapshot)
			return nil
		})
	})
	if err != nil {
		return SnapshotInfo{}, err
	}
	return info, nil
}

// Rollback replaces the current content with a snapshot's state. The update log is left
// untouched; new edits continue from the current seq. The replaced content is kept as a
// pre-rollback snapshot and the restored state is recorded as a rollback snapshot.
func (service *Service) Rollback(ctx context.Context, documentID DocumentID, snapshotID string, actorID string) (RollbackResult, error) {
	result := RollbackResult{DocumentID: documentID, SnapshotID: snapshotID}
	var restoredState []byte
	err := service.withDocumentLock(ctx, opRollback, documentID, func() error {
		return service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var target Snapshot
			err := tx.Where(queryDocumentSnapshot, documentID.String(), snapshotID).Take(&target).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opRollback, reasonNotFound, ErrSnapshotNotFound)
			}
			if err != nil {
				return newServiceError(opRollback, reasonQueryFailed, storageError(err))
			}
			state, err := codec.Decompress(target.State)
			if err != nil || codec.Checksum(state) != target.Checksum {
				service.logError(opRollback, reasonIntegrity, err,
					zap.String(fieldDocumentID, documentID.String()),
					zap.String(fieldSnapshotID, snapshotID))
				return newServiceError(opRollback, reasonIntegrity, fmt.Errorf("%w: snapshot %s", ErrIntegrityMismatch, snapshotID))
			}

			version, _, err := service.documentVersion(tx, documentID)
			if err != nil {
				return newServiceError(opRollback, reasonQueryFailed, storageError(err))
			}
			now := service.clock().UTC().Unix()

			var current Content
			loadErr := tx.Where(queryDocumentID, documentID.String()).Take(&current).Error
			if loadErr != nil && !errors.Is(loadErr, gorm.ErrRecordNotFound) {
				return newServiceError(opRollback, reasonQueryFailed, storageError(loadErr))
			}
			if loadErr == nil {
				if _, verifyErr := verifyContent(current); verifyErr == nil {
					preRollback, err := service.createSnapshot(tx, documentID, version, encodedState{
						state:    current.State,
						vector:   current.Vector,
						checksum: current.Checksum,
					}, snapshotMeta{reason: ReasonPreRollback, createdBy: actorID}, now)
					if err != nil {
						return newServiceError(opRollback, reasonSnapshotFailed, storageError(err))
					}
					result.PreRollbackSnapshotID = preRollback.SnapshotID
				}
			}

			restored := encodedState{state: target.State, vector: target.Vector, checksum: target.Checksum}
			if err := service.upsertContent(tx, documentID, restored, now); err != nil {
				service.logError(opRollback, reasonContentFailed, err, zap.String(fieldDocumentID, documentID.String()))
				return newServiceError(opRollback, reasonContentFailed, storageError(err))
			}
			if _, err := service.createSnapshot(tx, documentID, version, restored, snapshotMeta{
				reason:    ReasonRollback,
				label:     target.SnapshotID,
				createdBy: actorID,
			}, now); err != nil {
				return newServiceError(opRollback, reasonSnapshotFailed, storageError(err))
			}
			result.Seq = version
			result.Checksum = target.Checksum
			restoredState = state
			return nil
		})
	})
	if err != nil {
		return RollbackResult{}, err
	}
	service.logger.Info("document rolled back",
		zap.String(fieldDocumentID, documentID.String()),
		zap.String(fieldSnapshotID, snapshotID),
		zap.Int64(fieldSeq, result.Seq))
	service.evict(ctx, documentID)
	service.notify(ctx, Change{Kind: ChangeReset, DocumentID: documentID, Seq: result.Seq, Update: restoredState, AuthorID: actorID})
	return result, nil
}

// EnforceRetention prunes snapshots beyond the newest KeepLast that are older than MaxAge and
// not milestones. The newest verified snapshot is always kept because replay may depend on it.
func (service *Service) EnforceRetention(ctx context.Context, documentID DocumentID, policy RetentionPolicy) (int, error) {
	keepLast := policy.KeepLast
	if keepLast < 1 {
		keepLast = 1
	}
	deleted := 0
	err := service.withDocumentLock(ctx, opEnforceRetention, documentID, func() error {
		return service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var snapshots []Snapshot
			if err := tx.Select("snapshot_id", "seq", "is_milestone", "created_at_s").
				Where(queryDocumentID, documentID.String()).
				Order(orderSnapshotNewest).
				Find(&snapshots).Error; err != nil {
				return newServiceError(opEnforceRetention, reasonQueryFailed, storageError(err))
			}
			if len(snapshots) <= keepLast {
				return nil
			}
			anchorID := ""
			if anchor, err := service.latestVerifiedSnapshot(tx, documentID, 0); err == nil {
				anchorID = anchor.SnapshotID
			}
			cutoff := service.clock().UTC().Add(-policy.MaxAge).Unix()
			victims := make([]string, 0)
			for _, snapshot := range snapshots[keepLast:] {
				if snapshot.IsMilestone || snapshot.SnapshotID == anchorID {
					continue
				}
				if policy.MaxAge > 0 && snapshot.CreatedAtSeconds >= cutoff {
					continue
				}
				victims = append(victims, snapshot.SnapshotID)
			}
			if len(victims) == 0 {
				return nil
			}
			deletion := tx.Where(fieldDocumentID+" = ? AND "+fieldSnapshotID+" IN ?", documentID.String(), victims).Delete(&Snapshot{})
			if deletion.Error != nil {
				service.logError(opEnforceRetention, reasonDeleteFailed, deletion.Error, zap.String(fieldDocumentID, documentID.String()))
				return newServiceError(opEnforceRetention, reasonDeleteFailed, storageError(deletion.Error))
			}
			deleted = int(deletion.RowsAffected)
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// DiffSnapshots renders a text diff from one snapshot to another. An empty toID compares
// against the current content.
func (service *Service) DiffSnapshots(ctx context.Context, documentID DocumentID, fromID string, toID string) ([]DiffSegment, error) {
	fromText, err := service.snapshotText(ctx, documentID, fromID)
	if err != nil {
		return nil, err
	}
	var toText string
	if toID == "" {
		state, err := service.GetState(ctx, documentID)
		if err != nil {
			return nil, err
		}
		toText, err = service.render(state.Update)
		if err != nil {
			return nil, newServiceError(opDiffSnapshots, reasonDecodeFailed, err)
		}
	} else {
		toText, err = service.snapshotText(ctx, documentID, toID)
		if err != nil {
			return nil, err
		}
	}

	matcher := diffmatchpatch.New()
	diffs := matcher.DiffCleanupSemantic(matcher.DiffMain(fromText, toText, false))
	segments := make([]DiffSegment, 0, len(diffs))
	for _, diff := range diffs {
		operation := "equal"
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			operation = "insert"
		case diffmatchpatch.DiffDelete:
			operation = "delete"
		}
		segments = append(segments, DiffSegment{Operation: operation, Text: diff.Text})
	}
	return segments, nil
}

func (service *Service) snapshotText(ctx context.Context, documentID DocumentID, snapshotID string) (string, error) {
	var snapshot Snapshot
	err := service.db.WithContext(ctx).Where(queryDocumentSnapshot, documentID.String(), snapshotID).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", newServiceError(opDiffSnapshots, reasonNotFound, ErrSnapshotNotFound)
	}
	if err != nil {
		return "", newServiceError(opDiffSnapshots, reasonQueryFailed, storageError(err))
	}
	state, err := codec.Decompress(snapshot.State)
	if err != nil {
		return "", newServiceError(opDiffSnapshots, reasonDecodeFailed, err)
	}
	text, err := service.render(state)
	if err != nil {
		return "", newServiceError(opDiffSnapshots, reasonDecodeFailed, err)
	}
	return text, nil
}
