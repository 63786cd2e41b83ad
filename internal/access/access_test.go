package access

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testDocumentID = documents.DocumentID("doc-access")
	testOwnerID    = "owner-1"
)

func mustChecker(testContext *testing.T) *Checker {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "access.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(documents.Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	checker, err := NewChecker(Config{
		Database: database,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		testContext.Fatalf("failed to build checker: %v", err)
	}
	if err := checker.Register(context.Background(), Registration{
		DocumentID: testDocumentID,
		OwnerID:    testOwnerID,
		Title:      "Design notes",
		Capacity:   5,
	}); err != nil {
		testContext.Fatalf("failed to register document: %v", err)
	}
	return checker
}

func TestRoleRanking(testContext *testing.T) {
	testCases := []struct {
		role     Role
		required Role
		allowed  bool
	}{
		{RoleOwner, RoleEditor, true},
		{RoleEditor, RoleEditor, true},
		{RoleViewer, RoleEditor, false},
		{RoleViewer, RoleViewer, true},
		{RoleNone, RoleViewer, false},
	}
	for _, testCase := range testCases {
		if got := testCase.role.Allows(testCase.required); got != testCase.allowed {
			testContext.Fatalf("%q allows %q: expected %v, got %v", testCase.role, testCase.required, testCase.allowed, got)
		}
	}
	if _, err := ParseRole("admin"); !errors.Is(err, ErrInvalidRole) {
		testContext.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestHasAccessResolvesOwnerAndGrants(testContext *testing.T) {
	checker := mustChecker(testContext)
	ctx := context.Background()

	allowed, err := checker.HasAccess(ctx, testOwnerID, testDocumentID, RoleOwner)
	if err != nil || !allowed {
		testContext.Fatalf("expected owner access, got %v (%v)", allowed, err)
	}
	allowed, err = checker.HasAccess(ctx, "reader", testDocumentID, RoleViewer)
	if err != nil || allowed {
		testContext.Fatalf("expected no access before grant, got %v (%v)", allowed, err)
	}

	if err := checker.Grant(ctx, testDocumentID, "reader", RoleViewer); err != nil {
		testContext.Fatalf("grant failed: %v", err)
	}
	allowed, _ = checker.HasAccess(ctx, "reader", testDocumentID, RoleViewer)
	if !allowed {
		testContext.Fatalf("expected viewer access after grant")
	}
	allowed, _ = checker.HasAccess(ctx, "reader", testDocumentID, RoleEditor)
	if allowed {
		testContext.Fatalf("viewer must not edit")
	}

	if err := checker.Grant(ctx, testDocumentID, "reader", RoleEditor); err != nil {
		testContext.Fatalf("upgrade failed: %v", err)
	}
	allowed, _ = checker.HasAccess(ctx, "reader", testDocumentID, RoleEditor)
	if !allowed {
		testContext.Fatalf("expected editor access after upgrade")
	}

	if err := checker.Revoke(ctx, testDocumentID, "reader"); err != nil {
		testContext.Fatalf("revoke failed: %v", err)
	}
	role, err := checker.RoleOf(ctx, "reader", testDocumentID)
	if err != nil || role != RoleNone {
		testContext.Fatalf("expected no role after revoke, got %q (%v)", role, err)
	}

	role, err = checker.RoleOf(ctx, testOwnerID, documents.DocumentID("missing"))
	if err != nil || role != RoleNone {
		testContext.Fatalf("expected no role on unknown document, got %q (%v)", role, err)
	}
}

func TestRegisterRejectsDuplicates(testContext *testing.T) {
	checker := mustChecker(testContext)
	err := checker.Register(context.Background(), Registration{DocumentID: testDocumentID, OwnerID: "someone-else"})
	if !errors.Is(err, ErrDocumentExists) {
		testContext.Fatalf("expected ErrDocumentExists, got %v", err)
	}
	role, _ := checker.RoleOf(context.Background(), "someone-else", testDocumentID)
	if role != RoleNone {
		testContext.Fatalf("duplicate registration must not transfer ownership")
	}
}

func TestRecipientsIncludeOwnerAndGrantees(testContext *testing.T) {
	checker := mustChecker(testContext)
	ctx := context.Background()
	for _, userID := range []string{"zed", "amy", testOwnerID} {
		if err := checker.Grant(ctx, testDocumentID, userID, RoleViewer); err != nil {
			testContext.Fatalf("grant failed: %v", err)
		}
	}
	recipients, err := checker.Recipients(ctx, testDocumentID)
	if err != nil {
		testContext.Fatalf("recipients failed: %v", err)
	}
	expected := []string{"amy", testOwnerID, "zed"}
	if len(recipients) != len(expected) {
		testContext.Fatalf("expected %v, got %v", expected, recipients)
	}
	for index := range expected {
		if recipients[index] != expected[index] {
			testContext.Fatalf("expected %v, got %v", expected, recipients)
		}
	}
}

func TestCapacityFallsBackWhenUnset(testContext *testing.T) {
	checker := mustChecker(testContext)
	ctx := context.Background()
	capacity, err := checker.Capacity(ctx, testDocumentID, 100)
	if err != nil || capacity != 5 {
		testContext.Fatalf("expected registered capacity 5, got %d (%v)", capacity, err)
	}
	capacity, err = checker.Capacity(ctx, documents.DocumentID("unregistered"), 100)
	if err != nil || capacity != 100 {
		testContext.Fatalf("expected fallback capacity, got %d (%v)", capacity, err)
	}
}

func TestPatchMetadataMergePatch(testContext *testing.T) {
	checker := mustChecker(testContext)
	ctx := context.Background()

	updated, err := checker.PatchMetadata(ctx, testDocumentID, PatchFormatMerge,
		[]byte(`{"title":"Roadmap","attributes":{"color":"blue","pinned":true}}`))
	if err != nil {
		testContext.Fatalf("merge patch failed: %v", err)
	}
	if updated.Title != "Roadmap" || updated.Capacity != 5 {
		testContext.Fatalf("unexpected metadata %+v", updated)
	}

	updated, err = checker.PatchMetadata(ctx, testDocumentID, PatchFormatMerge, []byte(`{"attributes":{"pinned":null}}`))
	if err != nil {
		testContext.Fatalf("second merge patch failed: %v", err)
	}
	var attributes map[string]any
	if err := json.Unmarshal(updated.Attributes, &attributes); err != nil {
		testContext.Fatalf("attributes not json: %v", err)
	}
	if attributes["color"] != "blue" {
		testContext.Fatalf("expected color to survive, got %v", attributes)
	}
	if _, present := attributes["pinned"]; present {
		testContext.Fatalf("expected pinned removed, got %v", attributes)
	}

	loaded, err := checker.Metadata(ctx, testDocumentID)
	if err != nil || loaded.Title != "Roadmap" {
		testContext.Fatalf("expected persisted title, got %+v (%v)", loaded, err)
	}
}

func TestPatchMetadataJSONPatch(testContext *testing.T) {
	checker := mustChecker(testContext)
	updated, err := checker.PatchMetadata(context.Background(), testDocumentID, PatchFormatJSON,
		[]byte(`[{"op":"replace","path":"/capacity","value":12},{"op":"add","path":"/attributes/tag","value":"q3"}]`))
	if err != nil {
		testContext.Fatalf("json patch failed: %v", err)
	}
	if updated.Capacity != 12 {
		testContext.Fatalf("expected capacity 12, got %d", updated.Capacity)
	}
	capacity, _ := checker.Capacity(context.Background(), testDocumentID, 100)
	if capacity != 12 {
		testContext.Fatalf("expected persisted capacity 12, got %d", capacity)
	}
}

func TestPatchMetadataRejectsIdentityChanges(testContext *testing.T) {
	checker := mustChecker(testContext)
	ctx := context.Background()
	testCases := []struct {
		name   string
		format string
		patch  string
	}{
		{name: "owner", format: PatchFormatMerge, patch: `{"ownerId":"attacker"}`},
		{name: "negative capacity", format: PatchFormatMerge, patch: `{"capacity":-1}`},
		{name: "attributes array", format: PatchFormatMerge, patch: `{"attributes":[1,2]}`},
		{name: "malformed", format: PatchFormatJSON, patch: `{"op":"replace"}`},
		{name: "unknown format", format: "xml", patch: `{}`},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(subTest *testing.T) {
			_, err := checker.PatchMetadata(ctx, testDocumentID, testCase.format, []byte(testCase.patch))
			if !errors.Is(err, ErrInvalidPatch) {
				subTest.Fatalf("expected ErrInvalidPatch, got %v", err)
			}
		})
	}
	metadata, _ := checker.Metadata(ctx, testDocumentID)
	if metadata.OwnerID != testOwnerID {
		testContext.Fatalf("owner changed to %q", metadata.OwnerID)
	}
	if _, err := checker.PatchMetadata(ctx, documents.DocumentID("missing"), PatchFormatMerge, []byte(`{}`)); !errors.Is(err, documents.ErrDocumentNotFound) {
		testContext.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}
