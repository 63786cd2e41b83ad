package documents

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opValidateAndRepair = "documents.validate_and_repair"
	opVerify            = "documents.verify"
	opCompact           = "documents.compact"
	opRebuildSnapshot   = "documents.rebuild_snapshot"
)

// RepairReport describes the outcome of ValidateAndRepair.
type RepairReport struct {
	DocumentID DocumentID `json:"documentId"`
	Seq        int64      `json:"seq"`
	Valid      bool       `json:"valid"`
	Repaired   bool       `json:"repaired"`
	Checksum   string     `json:"checksum"`
	Replayed   int        `json:"replayed"`
}

// VerificationReport compares stored content with a replay of the update log without writing.
type VerificationReport struct {
	DocumentID      DocumentID `json:"documentId"`
	Seq             int64      `json:"seq"`
	StoredChecksum  string     `json:"storedChecksum"`
	ContentChecksum string     `json:"contentChecksum"`
	ReplayChecksum  string     `json:"replayChecksum"`
	ContentValid    bool       `json:"contentValid"`
	ReplayMatches   bool       `json:"replayMatches"`
	Replayed        int        `json:"replayed"`
}

// CompactionResult reports pruned update log entries.
type CompactionResult struct {
	DocumentID DocumentID `json:"documentId"`
	Cutoff     int64      `json:"cutoff"`
	Deleted    int64      `json:"deleted"`
}

// RebuildResult reports a scheduled snapshot rebuild.
type RebuildResult struct {
	DocumentID DocumentID `json:"documentId"`
	Seq        int64      `json:"seq"`
	Checksum   string     `json:"checksum"`
	SnapshotID string     `json:"snapshotId"`
	Replayed   int        `json:"replayed"`
}

// ValidateAndRepair verifies the stored content against its checksum and, on mismatch, rebuilds
// it by replaying the update log. The possibly corrupt content is never used as a merge base.
func (service *Service) ValidateAndRepair(ctx context.Context, documentID DocumentID) (RepairReport, error) {
	report := RepairReport{DocumentID: documentID}
	var resetState []byte
	err := service.withDocumentLock(ctx, opValidateAndRepair, documentID, func() error {
		return service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			version, _, err := service.documentVersion(tx, documentID)
			if err != nil {
				return newServiceError(opValidateAndRepair, reasonQueryFailed, storageError(err))
			}
			report.Seq = version

			var content Content
			loadErr := tx.Where(queryDocumentID, documentID.String()).Take(&content).Error
			switch {
			case loadErr == nil:
				_, verifyErr := verifyContent(content)
				if verifyErr == nil {
					report.Valid = true
					report.Checksum = content.Checksum
					return nil
				}
				service.logger.Warn("document content failed verification; repairing",
					zap.String(fieldDocumentID, documentID.String()),
					zap.Error(verifyErr))
			case errors.Is(loadErr, gorm.ErrRecordNotFound):
				if version == 0 {
					report.Valid = true
					return nil
				}
			default:
				return newServiceError(opValidateAndRepair, reasonQueryFailed, storageError(loadErr))
			}

			state, replayed, err := service.replayState(tx, documentID, version)
			if err != nil {
				service.logError(opValidateAndRepair, reasonReplayFailed, err, zap.String(fieldDocumentID, documentID.String()))
				return newServiceError(opValidateAndRepair, reasonReplayFailed, err)
			}
			doc := service.engine.NewDoc()
			if err := doc.ApplyUpdate(state); err != nil {
				return newServiceError(opValidateAndRepair, reasonReplayFailed, err)
			}
			encoded, err := service.storeContent(tx, documentID, doc, service.clock().UTC().Unix())
			if err != nil {
				service.logError(opValidateAndRepair, reasonContentFailed, err, zap.String(fieldDocumentID, documentID.String()))
				return newServiceError(opValidateAndRepair, reasonContentFailed, storageError(err))
			}
			report.Repaired = true
			report.Checksum = encoded.checksum
			report.Replayed = replayed
			resetState = state
			return nil
		})
	})
	if err != nil {
		return RepairReport{}, err
	}
	if report.Repaired {
		service.logger.Info("document content repaired from update log",
			zap.String(fieldDocumentID, documentID.String()),
			zap.Int64(fieldSeq, report.Seq),
			zap.Int("replayed", report.Replayed))
		service.evict(ctx, documentID)
		service.notify(ctx, Change{Kind: ChangeReset, DocumentID: documentID, Seq: report.Seq, Update: resetState})
	}
	return report, nil
}

// Verify compares stored content with a replay of the update log. It does not write.
func (service *Service) Verify(ctx context.Context, documentID DocumentID) (VerificationReport, error) {
	report := VerificationReport{DocumentID: documentID}
	err := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		version, _, err := service.documentVersion(tx, documentID)
		if err != nil {
			return newServiceError(opVerify, reasonQueryFailed, storageError(err))
		}
		report.Seq = version

		var content Content
		loadErr := tx.Where(queryDocumentID, documentID.String()).Take(&content).Error
		if loadErr != nil && !errors.Is(loadErr, gorm.ErrRecordNotFound) {
			return newServiceError(opVerify, reasonQueryFailed, storageError(loadErr))
		}
		if loadErr == nil {
			report.StoredChecksum = content.Checksum
			if state, decodeErr := codec.Decompress(content.State); decodeErr == nil {
				report.ContentChecksum = codec.Checksum(state)
				report.ContentValid = content.Checksum == "" || report.ContentChecksum == content.Checksum
			}
		}

		state, replayed, err := service.replayState(tx, documentID, version)
		if err != nil {
			return newServiceError(opVerify, reasonReplayFailed, err)
		}
		report.Replayed = replayed
		report.ReplayChecksum = codec.Checksum(state)
		report.ReplayMatches = report.ReplayChecksum == report.StoredChecksum
		return nil
	})
	if err != nil {
		return VerificationReport{}, err
	}
	return report, nil
}

// Compact deletes update log entries with seq <= latest-keepLast. The cutoff never passes the
// newest verified snapshot so the retained log plus snapshots stay replayable.
func (service *Service) Compact(ctx context.Context, documentID DocumentID, keepLast int64) (CompactionResult, error) {
	result := CompactionResult{DocumentID: documentID}
	if keepLast < 0 {
		keepLast = 0
	}
	err := service.withDocumentLock(ctx, opCompact, documentID, func() error {
		return service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			version, _, err := service.documentVersion(tx, documentID)
			if err != nil {
				return newServiceError(opCompact, reasonQueryFailed, storageError(err))
			}
			cutoff := version - keepLast
			anchor, err := service.latestVerifiedSnapshot(tx, documentID, 0)
			if errors.Is(err, ErrSnapshotNotFound) {
				return nil
			}
			if err != nil {
				return newServiceError(opCompact, reasonQueryFailed, err)
			}
			if anchor.Seq < cutoff {
				cutoff = anchor.Seq
			}
			if cutoff <= 0 {
				return nil
			}
			deletion := tx.Where(queryDocumentSeqAtMost, documentID.String(), cutoff).Delete(&UpdateLogEntry{})
			if deletion.Error != nil {
				service.logError(opCompact, reasonDeleteFailed, deletion.Error, zap.String(fieldDocumentID, documentID.String()))
				return newServiceError(opCompact, reasonDeleteFailed, storageError(deletion.Error))
			}
			result.Cutoff = cutoff
			result.Deleted = deletion.RowsAffected
			return nil
		})
	})
	if err != nil {
		return CompactionResult{}, err
	}
	return result, nil
}

// RebuildSnapshot replays the newest verified snapshot plus every later log entry into a fresh
// replica, rewrites the content and records a maintenance snapshot at the current seq.
func (service *Service) RebuildSnapshot(ctx context.Context, documentID DocumentID) (RebuildResult, error) {
	result := RebuildResult{DocumentID: documentID}
	err := service.withDocumentLock(ctx, opRebuildSnapshot, documentID, func() error {
		return service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			version, found, err := service.documentVersion(tx, documentID)
			if err != nil {
				return newServiceError(opRebuildSnapshot, reasonQueryFailed, storageError(err))
			}
			if !found {
				return newServiceError(opRebuildSnapshot, reasonNotFound, ErrDocumentNotFound)
			}

			doc := service.engine.NewDoc()
			after := int64(0)
			anchor, err := service.latestVerifiedSnapshot(tx, documentID, 0)
			switch {
			case err == nil:
				state, decodeErr := codec.Decompress(anchor.State)
				if decodeErr != nil {
					return newServiceError(opRebuildSnapshot, reasonDecodeFailed, decodeErr)
				}
				if err := doc.ApplyUpdate(state); err != nil {
					return newServiceError(opRebuildSnapshot, reasonReplayFailed, err)
				}
				after = anchor.Seq
			case errors.Is(err, ErrSnapshotNotFound):
				oldest, oldestErr := service.oldestRetainedSeq(tx, documentID)
				if oldestErr != nil {
					return newServiceError(opRebuildSnapshot, reasonQueryFailed, storageError(oldestErr))
				}
				if oldest.Valid && oldest.Int64 > 1 {
					return newServiceError(opRebuildSnapshot, reasonReplayFailed, ErrUnreplayable)
				}
			default:
				return newServiceError(opRebuildSnapshot, reasonQueryFailed, err)
			}

			replayed, err := service.replayInto(tx, doc, documentID, after, version)
			if err != nil {
				service.logError(opRebuildSnapshot, reasonReplayFailed, err, zap.String(fieldDocumentID, documentID.String()))
				return newServiceError(opRebuildSnapshot, reasonReplayFailed, err)
			}

			now := service.clock().UTC().Unix()
			encoded, err := service.storeContent(tx, documentID, doc, now)
			if err != nil {
				return newServiceError(opRebuildSnapshot, reasonContentFailed, storageError(err))
			}
			snapshot, err := service.createSnapshot(tx, documentID, version, encoded, snapshotMeta{reason: ReasonMaintenance}, now)
			if err != nil {
				return newServiceError(opRebuildSnapshot, reasonSnapshotFailed, storageError(err))
			}
			result.Seq = version
			result.Checksum = encoded.checksum
			result.SnapshotID = snapshot.SnapshotID
			result.Replayed = replayed
			return nil
		})
	})
	if err != nil {
		return RebuildResult{}, err
	}
	service.evict(ctx, documentID)
	return result, nil
}

// replayState rebuilds the state at throughSeq. With an intact log it replays from seq 0; once
// the log has been compacted it starts from the newest verified snapshot covering the gap.
func (service *Service) replayState(tx *gorm.DB, documentID DocumentID, throughSeq int64) ([]byte, int, error) {
	oldest, err := service.oldestRetainedSeq(tx, documentID)
	if err != nil {
		return nil, 0, storageError(err)
	}
	firstRetained := throughSeq + 1
	if oldest.Valid {
		firstRetained = oldest.Int64
	}

	doc := service.engine.NewDoc()
	after := int64(0)
	if firstRetained > 1 {
		anchor, err := service.latestVerifiedSnapshot(tx, documentID, firstRetained-1)
		if errors.Is(err, ErrSnapshotNotFound) {
			return nil, 0, fmt.Errorf("%w: log starts at seq %d without a covering snapshot", ErrUnreplayable, firstRetained)
		}
		if err != nil {
			return nil, 0, err
		}
		state, err := codec.Decompress(anchor.State)
		if err != nil {
			return nil, 0, err
		}
		if err := doc.ApplyUpdate(state); err != nil {
			return nil, 0, err
		}
		after = anchor.Seq
	}

	replayed, err := service.replayInto(tx, doc, documentID, after, throughSeq)
	if err != nil {
		return nil, 0, err
	}
	state, err := doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return nil, 0, err
	}
	return state, replayed, nil
}

// replayInto applies log entries in (after, throughSeq] in ascending seq order, in batches.
func (service *Service) replayInto(tx *gorm.DB, doc crdt.Doc, documentID DocumentID, after int64, throughSeq int64) (int, error) {
	replayed := 0
	cursor := after
	for cursor < throughSeq {
		var entries []UpdateLogEntry
		if err := tx.Where(queryDocumentSeqRange, documentID.String(), cursor, throughSeq).
			Order(orderSeqAsc).
			Limit(service.replayBatchSize).
			Find(&entries).Error; err != nil {
			return replayed, storageError(err)
		}
		for _, entry := range entries {
			fragment, err := codec.Decompress(entry.Fragment)
			if err != nil {
				return replayed, fmt.Errorf("seq %d: %w", entry.Seq, err)
			}
			if err := doc.ApplyUpdate(fragment); err != nil {
				return replayed, fmt.Errorf("seq %d: %w", entry.Seq, err)
			}
			cursor = entry.Seq
			replayed++
		}
		if len(entries) < service.replayBatchSize {
			break
		}
	}
	return replayed, nil
}

// latestVerifiedSnapshot returns the newest snapshot at or after minSeq whose state matches
// its checksum.
func (service *Service) latestVerifiedSnapshot(tx *gorm.DB, documentID DocumentID, minSeq int64) (Snapshot, error) {
	var snapshots []Snapshot
	if err := tx.Where(queryDocumentSeqAtLeast, documentID.String(), minSeq).
		Order(orderSnapshotNewest).
		Find(&snapshots).Error; err != nil {
		return Snapshot{}, storageError(err)
	}
	for _, snapshot := range snapshots {
		state, err := codec.Decompress(snapshot.State)
		if err != nil || codec.Checksum(state) != snapshot.Checksum {
			service.logger.Warn("skipping snapshot that failed verification",
				zap.String(fieldDocumentID, documentID.String()),
				zap.String(fieldSnapshotID, snapshot.SnapshotID))
			continue
		}
		return snapshot, nil
	}
	return Snapshot{}, ErrSnapshotNotFound
}
