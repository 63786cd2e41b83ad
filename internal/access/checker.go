// Package access answers role checks and serves document metadata for the gateway and HTTP surface.
package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Role is a document access level.
type Role string

// Roles ordered by increasing privilege.
const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

var (
	// ErrAccessDenied indicates that the caller's role is below the required one.
	ErrAccessDenied = errors.New("access: denied")
	// ErrInvalidRole indicates an unknown role name.
	ErrInvalidRole = errors.New("access: invalid role")
	// ErrDocumentExists indicates that a document id is already registered.
	ErrDocumentExists = errors.New("access: document already exists")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const queryDocumentID = "document_id = ?"

// ParseRole validates a role name.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	switch role {
	case RoleViewer, RoleEditor, RoleOwner:
		return role, nil
	default:
		return RoleNone, fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

func (role Role) rank() int {
	switch role {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleOwner:
		return 3
	default:
		return 0
	}
}

// Allows reports whether role meets required.
func (role Role) Allows(required Role) bool {
	return role.rank() > 0 && role.rank() >= required.rank()
}

// Config wires the checker.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Checker resolves roles from the document registry and explicit permissions.
type Checker struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewChecker validates the configuration and constructs a Checker.
func NewChecker(cfg Config) (*Checker, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Checker{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Registration describes a new document.
type Registration struct {
	DocumentID  documents.DocumentID
	OwnerID     string
	WorkspaceID string
	Title       string
	Capacity    int
}

// Register creates the registry row for a document.
func (checker *Checker) Register(ctx context.Context, registration Registration) error {
	if strings.TrimSpace(registration.OwnerID) == "" {
		return fmt.Errorf("%w: owner required", ErrAccessDenied)
	}
	now := checker.clock().UTC().Unix()
	document := documents.Document{
		DocumentID:       registration.DocumentID.String(),
		OwnerID:          registration.OwnerID,
		WorkspaceID:      registration.WorkspaceID,
		Title:            registration.Title,
		Capacity:         registration.Capacity,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	result := checker.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&document)
	if result.Error != nil {
		checker.logger.Error("document registration failed",
			zap.String("document_id", registration.DocumentID.String()),
			zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDocumentExists
	}
	return nil
}

// RoleOf resolves userID's role on documentID. Missing documents yield RoleNone.
func (checker *Checker) RoleOf(ctx context.Context, userID string, documentID documents.DocumentID) (Role, error) {
	var document documents.Document
	err := checker.db.WithContext(ctx).Select("document_id", "owner_id").Where(queryDocumentID, documentID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoleNone, nil
	}
	if err != nil {
		return RoleNone, err
	}
	if document.OwnerID == userID {
		return RoleOwner, nil
	}
	var permission documents.Permission
	err = checker.db.WithContext(ctx).Where("document_id = ? AND user_id = ?", documentID.String(), userID).Take(&permission).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoleNone, nil
	}
	if err != nil {
		return RoleNone, err
	}
	return Role(permission.Role), nil
}

// HasAccess reports whether userID holds at least required on documentID.
func (checker *Checker) HasAccess(ctx context.Context, userID string, documentID documents.DocumentID, required Role) (bool, error) {
	if userID == "" {
		return false, nil
	}
	role, err := checker.RoleOf(ctx, userID, documentID)
	if err != nil {
		return false, err
	}
	return role.Allows(required), nil
}

// Grant sets an explicit role for userID.
func (checker *Checker) Grant(ctx context.Context, documentID documents.DocumentID, userID string, role Role) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	permission := documents.Permission{
		DocumentID:       documentID.String(),
		UserID:           userID,
		Role:             string(role),
		CreatedAtSeconds: checker.clock().UTC().Unix(),
	}
	return checker.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&permission).Error
}

// Revoke removes userID's explicit role.
func (checker *Checker) Revoke(ctx context.Context, documentID documents.DocumentID, userID string) error {
	return checker.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", documentID.String(), userID).
		Delete(&documents.Permission{}).Error
}

// Recipients lists the owner and every user with an explicit role, sorted and deduplicated.
func (checker *Checker) Recipients(ctx context.Context, documentID documents.DocumentID) ([]string, error) {
	var document documents.Document
	err := checker.db.WithContext(ctx).Select("document_id", "owner_id").Where(queryDocumentID, documentID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var userIDs []string
	if err := checker.db.WithContext(ctx).
		Model(&documents.Permission{}).
		Where(queryDocumentID, documentID.String()).
		Pluck("user_id", &userIDs).Error; err != nil {
		return nil, err
	}
	seen := map[string]bool{document.OwnerID: true}
	recipients := []string{document.OwnerID}
	for _, userID := range userIDs {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		recipients = append(recipients, userID)
	}
	sort.Strings(recipients)
	return recipients, nil
}

// Capacity returns the document's room capacity, or fallback when unset.
func (checker *Checker) Capacity(ctx context.Context, documentID documents.DocumentID, fallback int) (int, error) {
	var document documents.Document
	err := checker.db.WithContext(ctx).Select("document_id", "capacity").Where(queryDocumentID, documentID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	if document.Capacity <= 0 {
		return fallback, nil
	}
	return document.Capacity, nil
}
