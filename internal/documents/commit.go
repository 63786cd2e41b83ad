package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "documents.service.new"
	opCommit     = "documents.commit"
)

// CommitRequest carries one merged fragment for a document.
type CommitRequest struct {
	DocumentID DocumentID
	Fragment   []byte
	AuthorID   string
}

// CommitResult describes a durable commit.
type CommitResult struct {
	DocumentID  DocumentID
	Seq         int64
	Checksum    string
	Snapshotted bool
	Repaired    bool
}

type encodedState struct {
	state    []byte
	vector   []byte
	checksum string
}

// Commit appends the fragment to the update log at the next sequence number and recomputes
// the document content, all inside one transaction guarded by the document write lock.
func (service *Service) Commit(ctx context.Context, request CommitRequest) (CommitResult, error) {
	documentID := request.DocumentID
	if documentID == "" {
		return CommitResult{}, newServiceError(opCommit, reasonInvalidUpdate, fmt.Errorf("%w: empty", ErrInvalidDocumentID))
	}
	if len(request.Fragment) == 0 {
		return CommitResult{}, newServiceError(opCommit, reasonInvalidUpdate, fmt.Errorf("%w: empty fragment", ErrInvalidUpdate))
	}

	var result CommitResult
	err := service.withDocumentLock(ctx, opCommit, documentID, func() error {
		return service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := service.clock().UTC().Unix()
			document, err := service.lockDocumentRow(tx, documentID, request.AuthorID, now)
			if err != nil {
				service.logError(opCommit, reasonDocumentLoadFailed, err, zap.String(fieldDocumentID, documentID.String()))
				return newServiceError(opCommit, reasonDocumentLoadFailed, storageError(err))
			}

			seq := document.Version + 1
			if err := tx.Model(&Document{}).
				Where(queryDocumentID, documentID.String()).
				Updates(map[string]any{"version": seq, "updated_at_s": now}).Error; err != nil {
				service.logError(opCommit, reasonVersionFailed, err, zap.String(fieldDocumentID, documentID.String()))
				return newServiceError(opCommit, reasonVersionFailed, storageError(err))
			}

			compressedFragment, err := codec.Compress(request.Fragment)
			if err != nil {
				return newServiceError(opCommit, reasonEncodeFailed, err)
			}
			entry := UpdateLogEntry{
				DocumentID:       documentID.String(),
				Seq:              seq,
				Fragment:         compressedFragment,
				AuthorID:         request.AuthorID,
				SizeBytes:        len(request.Fragment),
				CreatedAtSeconds: now,
			}
			if err := tx.Create(&entry).Error; err != nil {
				service.logError(opCommit, reasonLogAppendFailed, err,
					zap.String(fieldDocumentID, documentID.String()),
					zap.Int64(fieldSeq, seq))
				return newServiceError(opCommit, reasonLogAppendFailed, storageError(err))
			}

			base, repaired, err := service.loadMergeBase(tx, documentID, seq-1)
			if err != nil {
				service.logError(opCommit, reasonMergeBaseFailed, err, zap.String(fieldDocumentID, documentID.String()))
				return newServiceError(opCommit, reasonMergeBaseFailed, err)
			}

			doc := service.engine.NewDoc()
			if err := doc.ApplyUpdate(base); err != nil {
				service.logError(opCommit, reasonMergeBaseFailed, err, zap.String(fieldDocumentID, documentID.String()))
				return newServiceError(opCommit, reasonMergeBaseFailed, fmt.Errorf("%w: %v", ErrIntegrityMismatch, err))
			}
			if err := doc.ApplyUpdate(request.Fragment); err != nil {
				return newServiceError(opCommit, reasonApplyFailed, fmt.Errorf("%w: %v", ErrInvalidUpdate, err))
			}

			encoded, err := service.storeContent(tx, documentID, doc, now)
			if err != nil {
				service.logError(opCommit, reasonContentFailed, err, zap.String(fieldDocumentID, documentID.String()))
				return newServiceError(opCommit, reasonContentFailed, storageError(err))
			}

			snapshotted := false
			if seq%service.snapshotInterval == 0 {
				if _, err := service.createSnapshot(tx, documentID, seq, encoded, snapshotMeta{reason: ReasonInterval}, now); err != nil {
					service.logError(opCommit, reasonSnapshotFailed, err,
						zap.String(fieldDocumentID, documentID.String()),
						zap.Int64(fieldSeq, seq))
					return newServiceError(opCommit, reasonSnapshotFailed, storageError(err))
				}
				snapshotted = true
			}

			result = CommitResult{
				DocumentID:  documentID,
				Seq:         seq,
				Checksum:    encoded.checksum,
				Snapshotted: snapshotted,
				Repaired:    repaired,
			}
			return nil
		})
	})
	if err != nil {
		return CommitResult{}, err
	}

	service.evict(ctx, documentID)
	service.notify(ctx, Change{
		Kind:       ChangeCommitted,
		DocumentID: documentID,
		Seq:        result.Seq,
		Update:     request.Fragment,
		AuthorID:   request.AuthorID,
	})
	return result, nil
}

// ApplyUpdate validates a client update on a disposable replica and commits it. Re-applying an
// update that is already merged appends a log entry but leaves the state unchanged.
func (service *Service) ApplyUpdate(ctx context.Context, documentID DocumentID, update []byte, authorID string) (CommitResult, error) {
	if err := crdt.Validate(service.engine, update); err != nil || len(update) == 0 {
		if err == nil {
			err = errors.New("empty update")
		}
		return CommitResult{}, newServiceError(opCommit, reasonInvalidUpdate, fmt.Errorf("%w: %v", ErrInvalidUpdate, err))
	}
	return service.Commit(ctx, CommitRequest{DocumentID: documentID, Fragment: update, AuthorID: authorID})
}

func (service *Service) lockDocumentRow(tx *gorm.DB, documentID DocumentID, ownerID string, now int64) (Document, error) {
	var document Document
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryDocumentID, documentID.String()).
		Take(&document).Error
	if err == nil {
		return document, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, err
	}
	document = Document{
		DocumentID:       documentID.String(),
		OwnerID:          ownerID,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := tx.Create(&document).Error; err != nil {
		return Document{}, err
	}
	return document, nil
}

// loadMergeBase returns the decompressed current state. When the stored checksum does not
// match, the state is rebuilt from the update log up to throughSeq instead.
func (service *Service) loadMergeBase(tx *gorm.DB, documentID DocumentID, throughSeq int64) ([]byte, bool, error) {
	var content Content
	err := tx.Where(queryDocumentID, documentID.String()).Take(&content).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if throughSeq <= 0 {
			return nil, false, nil
		}
		service.logger.Warn("document content missing; rebuilding from update log",
			zap.String(fieldDocumentID, documentID.String()),
			zap.Int64(fieldSeq, throughSeq))
		state, _, replayErr := service.replayState(tx, documentID, throughSeq)
		return state, true, replayErr
	}
	if err != nil {
		return nil, false, storageError(err)
	}

	state, verifyErr := verifyContent(content)
	if verifyErr == nil {
		return state, false, nil
	}
	service.logger.Warn("document content failed verification; rebuilding from update log",
		zap.String(fieldDocumentID, documentID.String()),
		zap.Int64(fieldSeq, throughSeq),
		zap.Error(verifyErr))
	rebuilt, _, replayErr := service.replayState(tx, documentID, throughSeq)
	if replayErr != nil {
		return nil, false, replayErr
	}
	return rebuilt, true, nil
}

// verifyContent decompresses stored content and checks it against its checksum.
func verifyContent(content Content) ([]byte, error) {
	state, err := codec.Decompress(content.State)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrityMismatch, err)
	}
	if content.Checksum != "" && codec.Checksum(state) != content.Checksum {
		return nil, fmt.Errorf("%w: checksum does not match state", ErrIntegrityMismatch)
	}
	return state, nil
}

func encodeDoc(doc crdt.Doc) (encodedState, []byte, error) {
	state, err := doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return encodedState{}, nil, err
	}
	compressedState, err := codec.Compress(state)
	if err != nil {
		return encodedState{}, nil, err
	}
	compressedVector, err := codec.Compress(doc.EncodeStateVector())
	if err != nil {
		return encodedState{}, nil, err
	}
	return encodedState{
		state:    compressedState,
		vector:   compressedVector,
		checksum: codec.Checksum(state),
	}, state, nil
}

func (service *Service) storeContent(tx *gorm.DB, documentID DocumentID, doc crdt.Doc, now int64) (encodedState, error) {
	encoded, _, err := encodeDoc(doc)
	if err != nil {
		return encodedState{}, err
	}
	if err := service.upsertContent(tx, documentID, encoded, now); err != nil {
		return encodedState{}, err
	}
	return encoded, nil
}

func (service *Service) upsertContent(tx *gorm.DB, documentID DocumentID, encoded encodedState, now int64) error {
	content := Content{
		DocumentID:       documentID.String(),
		State:            encoded.state,
		Vector:           encoded.vector,
		Checksum:         encoded.checksum,
		UpdatedAtSeconds: now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: fieldDocumentID}},
		UpdateAll: true,
	}).Create(&content).Error
}

func (service *Service) documentVersion(tx *gorm.DB, documentID DocumentID) (int64, bool, error) {
	var document Document
	err := tx.Select("version").Where(queryDocumentID, documentID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return document.Version, true, nil
}

func (service *Service) oldestRetainedSeq(tx *gorm.DB, documentID DocumentID) (sql.NullInt64, error) {
	var oldest sql.NullInt64
	err := tx.Model(&UpdateLogEntry{}).
		Where(queryDocumentID, documentID.String()).
		Select("MIN(seq)").
		Scan(&oldest).Error
	return oldest, err
}
