package documents

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opGetState     = "documents.get_state"
	opSyncDiff     = "documents.sync_diff"
	opExport       = "documents.export"
	opReplayLog    = "documents.replay_log"
	opHotDocuments = "documents.hot_documents"
	opListIDs      = "documents.list_ids"

	// ExportFormatJSON selects a JSON export.
	ExportFormatJSON = "json"
	// ExportFormatYAML selects a YAML export.
	ExportFormatYAML = "yaml"

	defaultReplayLimit = 500
)

// State is the current merged state of a document at Seq.
type State struct {
	DocumentID DocumentID `json:"documentId"`
	Seq        int64      `json:"seq"`
	Update     []byte     `json:"update"`
	Vector     []byte     `json:"vector"`
	Checksum   string     `json:"checksum"`
}

// SyncResult carries the fragment a peer is missing relative to its state vector.
type SyncResult struct {
	DocumentID DocumentID `json:"documentId"`
	Seq        int64      `json:"seq"`
	Update     []byte     `json:"update"`
	Vector     []byte     `json:"vector"`
}

// LogEntry is a decompressed update log entry.
type LogEntry struct {
	Seq       int64     `json:"seq"`
	AuthorID  string    `json:"authorId,omitempty"`
	Update    []byte    `json:"update"`
	SizeBytes int       `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

// ExportDocument is the portable representation produced by Export.
type ExportDocument struct {
	DocumentID string         `json:"documentId" yaml:"documentId"`
	Title      string         `json:"title,omitempty" yaml:"title,omitempty"`
	Seq        int64          `json:"seq" yaml:"seq"`
	Checksum   string         `json:"checksum" yaml:"checksum"`
	Text       string         `json:"text" yaml:"text"`
	State      string         `json:"state" yaml:"state"`
	Snapshots  []SnapshotInfo `json:"snapshots" yaml:"snapshots"`
	ExportedAt time.Time      `json:"exportedAt" yaml:"exportedAt"`
}

// GetState returns the current state. Content failing verification is repaired before returning.
func (service *Service) GetState(ctx context.Context, documentID DocumentID) (State, error) {
	var document Document
	err := service.db.WithContext(ctx).
		Select("document_id", "version").
		Where(queryDocumentID, documentID.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return State{}, newServiceError(opGetState, reasonNotFound, ErrDocumentNotFound)
	}
	if err != nil {
		service.logError(opGetState, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return State{}, newServiceError(opGetState, reasonQueryFailed, storageError(err))
	}

	// A cached entry is only trusted when it matches the current version.
	if service.cache != nil {
		cached, hit, cacheErr := service.cache.Get(ctx, documentID)
		if cacheErr != nil {
			service.logger.Warn("state cache read failed", zap.String(fieldDocumentID, documentID.String()), zap.Error(cacheErr))
		} else if hit && cached.Seq == document.Version {
			return cached, nil
		}
	}

	state, err := service.readState(ctx, documentID)
	if errors.Is(err, ErrIntegrityMismatch) {
		if _, repairErr := service.ValidateAndRepair(ctx, documentID); repairErr != nil {
			return State{}, repairErr
		}
		state, err = service.readState(ctx, documentID)
	}
	if err != nil {
		return State{}, err
	}

	if service.cache != nil {
		if putErr := service.cache.Put(ctx, state); putErr != nil {
			service.logger.Warn("state cache write failed", zap.String(fieldDocumentID, documentID.String()), zap.Error(putErr))
		}
	}
	return state, nil
}

func (service *Service) readState(ctx context.Context, documentID DocumentID) (State, error) {
	var state State
	err := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		version, _, err := service.documentVersion(tx, documentID)
		if err != nil {
			return newServiceError(opGetState, reasonQueryFailed, storageError(err))
		}
		var content Content
		loadErr := tx.Where(queryDocumentID, documentID.String()).Take(&content).Error
		if errors.Is(loadErr, gorm.ErrRecordNotFound) {
			if version > 0 {
				return newServiceError(opGetState, reasonIntegrity, fmt.Errorf("%w: content missing at seq %d", ErrIntegrityMismatch, version))
			}
			empty, encodeErr := service.engine.NewDoc().EncodeStateAsUpdate(nil)
			if encodeErr != nil {
				return newServiceError(opGetState, reasonEncodeFailed, encodeErr)
			}
			state = State{DocumentID: documentID, Update: empty, Checksum: codec.Checksum(empty)}
			return nil
		}
		if loadErr != nil {
			return newServiceError(opGetState, reasonQueryFailed, storageError(loadErr))
		}
		decoded, verifyErr := verifyContent(content)
		if verifyErr != nil {
			service.logError(opGetState, reasonIntegrity, verifyErr, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opGetState, reasonIntegrity, verifyErr)
		}
		vector, err := codec.Decompress(content.Vector)
		if err != nil {
			return newServiceError(opGetState, reasonIntegrity, fmt.Errorf("%w: %v", ErrIntegrityMismatch, err))
		}
		state = State{
			DocumentID: documentID,
			Seq:        version,
			Update:     decoded,
			Vector:     vector,
			Checksum:   codec.Checksum(decoded),
		}
		return nil
	})
	return state, err
}

// SyncDiff returns the part of the current state not covered by the peer's state vector. An
// empty vector yields the full state.
func (service *Service) SyncDiff(ctx context.Context, documentID DocumentID, vector []byte) (SyncResult, error) {
	state, err := service.GetState(ctx, documentID)
	if err != nil {
		return SyncResult{}, err
	}
	diff, err := crdt.Diff(service.engine, state.Update, vector)
	if err != nil {
		return SyncResult{}, newServiceError(opSyncDiff, reasonInvalidUpdate, fmt.Errorf("%w: %v", ErrInvalidUpdate, err))
	}
	return SyncResult{DocumentID: documentID, Seq: state.Seq, Update: diff, Vector: state.Vector}, nil
}

// ReplayLog returns retained log entries with seq greater than afterSeq in ascending order.
func (service *Service) ReplayLog(ctx context.Context, documentID DocumentID, afterSeq int64, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = defaultReplayLimit
	}
	if limit > service.replayBatchSize {
		limit = service.replayBatchSize
	}
	var entries []UpdateLogEntry
	if err := service.db.WithContext(ctx).
		Where(fieldDocumentID+" = ? AND seq > ?", documentID.String(), afterSeq).
		Order(orderSeqAsc).
		Limit(limit).
		Find(&entries).Error; err != nil {
		service.logError(opReplayLog, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newServiceError(opReplayLog, reasonQueryFailed, storageError(err))
	}
	result := make([]LogEntry, 0, len(entries))
	for _, entry := range entries {
		fragment, err := codec.Decompress(entry.Fragment)
		if err != nil {
			return nil, newServiceError(opReplayLog, reasonDecodeFailed, fmt.Errorf("%w: seq %d: %v", ErrIntegrityMismatch, entry.Seq, err))
		}
		result = append(result, LogEntry{
			Seq:       entry.Seq,
			AuthorID:  entry.AuthorID,
			Update:    fragment,
			SizeBytes: entry.SizeBytes,
			CreatedAt: time.Unix(entry.CreatedAtSeconds, 0).UTC(),
		})
	}
	return result, nil
}

// Export renders the document as json or yaml.
func (service *Service) Export(ctx context.Context, documentID DocumentID, format string) ([]byte, error) {
	normalized := strings.ToLower(strings.TrimSpace(format))
	if normalized == "" {
		normalized = ExportFormatJSON
	}
	if normalized != ExportFormatJSON && normalized != ExportFormatYAML {
		return nil, newServiceError(opExport, "unsupported_format", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format))
	}

	state, err := service.GetState(ctx, documentID)
	if err != nil {
		return nil, err
	}
	var document Document
	if err := service.db.WithContext(ctx).Where(queryDocumentID, documentID.String()).Take(&document).Error; err != nil {
		return nil, newServiceError(opExport, reasonQueryFailed, storageError(err))
	}
	text, err := service.render(state.Update)
	if err != nil {
		return nil, newServiceError(opExport, reasonDecodeFailed, err)
	}
	snapshots, err := service.ListSnapshots(ctx, documentID)
	if err != nil {
		return nil, err
	}
	export := ExportDocument{
		DocumentID: documentID.String(),
		Title:      document.Title,
		Seq:        state.Seq,
		Checksum:   state.Checksum,
		Text:       text,
		State:      base64.StdEncoding.EncodeToString(state.Update),
		Snapshots:  snapshots,
		ExportedAt: service.clock().UTC(),
	}
	if normalized == ExportFormatYAML {
		payload, err := yaml.Marshal(export)
		if err != nil {
			return nil, newServiceError(opExport, reasonEncodeFailed, err)
		}
		return payload, nil
	}
	payload, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return nil, newServiceError(opExport, reasonEncodeFailed, err)
	}
	return payload, nil
}

// HotDocuments lists documents whose retained update log holds at least threshold entries.
func (service *Service) HotDocuments(ctx context.Context, threshold int64) ([]DocumentID, error) {
	if threshold <= 0 {
		threshold = 1
	}
	var ids []string
	if err := service.db.WithContext(ctx).
		Model(&UpdateLogEntry{}).
		Select(fieldDocumentID).
		Group(fieldDocumentID).
		Having("COUNT(*) >= ?", threshold).
		Order(fieldDocumentID).
		Pluck(fieldDocumentID, &ids).Error; err != nil {
		service.logError(opHotDocuments, reasonQueryFailed, err)
		return nil, newServiceError(opHotDocuments, reasonQueryFailed, storageError(err))
	}
	return toDocumentIDs(ids), nil
}

// ListDocumentIDs returns every registered document identifier.
func (service *Service) ListDocumentIDs(ctx context.Context) ([]DocumentID, error) {
	var ids []string
	if err := service.db.WithContext(ctx).
		Model(&Document{}).
		Order(fieldDocumentID).
		Pluck(fieldDocumentID, &ids).Error; err != nil {
		service.logError(opListIDs, reasonQueryFailed, err)
		return nil, newServiceError(opListIDs, reasonQueryFailed, storageError(err))
	}
	return toDocumentIDs(ids), nil
}

func toDocumentIDs(ids []string) []DocumentID {
	result := make([]DocumentID, 0, len(ids))
	for _, id := range ids {
		result = append(result, DocumentID(id))
	}
	return result
}

func (service *Service) render(state []byte) (string, error) {
	return crdt.Text(service.engine, state)
}
