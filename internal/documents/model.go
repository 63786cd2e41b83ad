package documents

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// Snapshot creation reasons.
const (
	ReasonInterval    = "auto-interval"
	ReasonManual      = "manual"
	ReasonMaintenance = "maintenance"
	ReasonPreRollback = "pre-rollback"
	ReasonRepair      = "repair"
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// Document is the registry row that owns the per-document version counter.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index"`
	WorkspaceID      string `gorm:"column:workspace_id;size:190;index"`
	Title            string `gorm:"column:title;size:512"`
	MetadataJSON     string `gorm:"column:metadata_json;type:text"`
	Capacity         int    `gorm:"column:capacity;not null;default:0"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Permission grants a user an explicit role on a document.
type Permission struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;index"`
	Role             string `gorm:"column:role;size:32;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Permission) TableName() string {
	return "document_permissions"
}

// Content stores the latest merged state of a document. State and Vector are compressed;
// Checksum covers the decompressed state.
type Content struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190"`
	State            []byte `gorm:"column:state;not null"`
	Vector           []byte `gorm:"column:vector;not null"`
	Checksum         string `gorm:"column:checksum;size:64"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Content) TableName() string {
	return "document_contents"
}

// UpdateLogEntry is one compressed update fragment in the append-only per-document log.
type UpdateLogEntry struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190"`
	Seq              int64  `gorm:"column:seq;primaryKey;autoIncrement:false"`
	Fragment         []byte `gorm:"column:fragment;not null"`
	AuthorID         string `gorm:"column:author_id;size:190"`
	SizeBytes        int    `gorm:"column:size_bytes;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UpdateLogEntry) TableName() string {
	return "document_updates"
}

// Snapshot is a durable checkpoint of a document state at Seq.
type Snapshot struct {
	SnapshotID       string `gorm:"column:snapshot_id;primaryKey;size:26"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;index:idx_document_snapshots_seq,priority:1"`
	Seq              int64  `gorm:"column:seq;not null;index:idx_document_snapshots_seq,priority:2,sort:desc"`
	State            []byte `gorm:"column:state;not null"`
	Vector           []byte `gorm:"column:vector;not null"`
	Checksum         string `gorm:"column:checksum;size:64;not null"`
	IsMilestone      bool   `gorm:"column:is_milestone;not null;default:false"`
	Label            string `gorm:"column:label;size:190"`
	CreatedReason    string `gorm:"column:created_reason;size:32;not null"`
	CreatedBy        string `gorm:"column:created_by;size:190"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "document_snapshots"
}

// Models lists every table owned by this package, in migration order.
func Models() []any {
	return []any{&Document{}, &Permission{}, &Content{}, &UpdateLogEntry{}, &Snapshot{}}
}
