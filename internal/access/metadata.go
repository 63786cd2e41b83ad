package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	jsonpatch "github.com/evanphx/json-patch"
	"gorm.io/gorm"
)

const maxTitleLength = 512

var (
	// ErrInvalidPatch indicates a malformed or disallowed metadata patch.
	ErrInvalidPatch = errors.New("access: invalid metadata patch")
)

// Metadata is the editable description of a document.
type Metadata struct {
	DocumentID  string          `json:"documentId"`
	OwnerID     string          `json:"ownerId"`
	WorkspaceID string          `json:"workspaceId,omitempty"`
	Title       string          `json:"title"`
	Capacity    int             `json:"capacity"`
	Attributes  json.RawMessage `json:"attributes"`
	Version     int64           `json:"version"`
}

// Patch formats accepted by PatchMetadata.
const (
	PatchFormatMerge = "merge"
	PatchFormatJSON  = "json"
)

// Metadata loads a document's metadata.
func (checker *Checker) Metadata(ctx context.Context, documentID documents.DocumentID) (Metadata, error) {
	var document documents.Document
	err := checker.db.WithContext(ctx).Where(queryDocumentID, documentID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Metadata{}, documents.ErrDocumentNotFound
	}
	if err != nil {
		return Metadata{}, err
	}
	return metadataFromDocument(document), nil
}

// PatchMetadata applies an RFC 7386 merge patch or an RFC 6902 JSON patch to the editable
// fields (title, capacity, attributes). Identity fields cannot be changed.
func (checker *Checker) PatchMetadata(ctx context.Context, documentID documents.DocumentID, format string, patch []byte) (Metadata, error) {
	var updated Metadata
	err := checker.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var document documents.Document
		err := tx.Where(queryDocumentID, documentID.String()).Take(&document).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return documents.ErrDocumentNotFound
		}
		if err != nil {
			return err
		}
		current := metadataFromDocument(document)
		original, err := json.Marshal(current)
		if err != nil {
			return err
		}
		patched, err := applyPatch(format, original, patch)
		if err != nil {
			return err
		}
		var next Metadata
		if err := json.Unmarshal(patched, &next); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		if next.DocumentID != current.DocumentID || next.OwnerID != current.OwnerID ||
			next.WorkspaceID != current.WorkspaceID || next.Version != current.Version {
			return fmt.Errorf("%w: identity fields are read-only", ErrInvalidPatch)
		}
		if len(next.Title) > maxTitleLength || next.Capacity < 0 {
			return fmt.Errorf("%w: title or capacity out of range", ErrInvalidPatch)
		}
		attributes := strings.TrimSpace(string(next.Attributes))
		if attributes == "" || attributes == "null" {
			attributes = "{}"
		}
		if !strings.HasPrefix(attributes, "{") {
			return fmt.Errorf("%w: attributes must be an object", ErrInvalidPatch)
		}
		if err := tx.Model(&documents.Document{}).Where(queryDocumentID, documentID.String()).Updates(map[string]any{
			"title":         next.Title,
			"capacity":      next.Capacity,
			"metadata_json": attributes,
			"updated_at_s":  checker.clock().UTC().Unix(),
		}).Error; err != nil {
			return err
		}
		next.Attributes = json.RawMessage(attributes)
		updated = next
		return nil
	})
	if err != nil {
		return Metadata{}, err
	}
	return updated, nil
}

func applyPatch(format string, original []byte, patch []byte) ([]byte, error) {
	switch format {
	case PatchFormatJSON:
		operations, err := jsonpatch.DecodePatch(patch)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		patched, err := operations.Apply(original)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		return patched, nil
	case PatchFormatMerge, "":
		patched, err := jsonpatch.MergePatch(original, patch)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		return patched, nil
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidPatch, format)
	}
}

func metadataFromDocument(document documents.Document) Metadata {
	attributes := strings.TrimSpace(document.MetadataJSON)
	if attributes == "" {
		attributes = "{}"
	}
	return Metadata{
		DocumentID:  document.DocumentID,
		OwnerID:     document.OwnerID,
		WorkspaceID: document.WorkspaceID,
		Title:       document.Title,
		Capacity:    document.Capacity,
		Attributes:  json.RawMessage(attributes),
		Version:     document.Version,
	}
}
