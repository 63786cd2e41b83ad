package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/config"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesLegacyRows(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	models := append(documents.Models(), &migrationRecord{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	permission := documents.Permission{DocumentID: "doc-1", UserID: "user-1", Role: " Editor ", CreatedAtSeconds: 1}
	if err := database.Create(&permission).Error; err != nil {
		testContext.Fatalf("failed to insert permission: %v", err)
	}
	snapshot := documents.Snapshot{
		SnapshotID:       "01J0000000000000000000000A",
		DocumentID:       "doc-1",
		Seq:              3,
		State:            []byte{1},
		Vector:           []byte{1},
		Checksum:         "abc",
		CreatedReason:    "",
		CreatedAtSeconds: 1,
	}
	if err := database.Create(&snapshot).Error; err != nil {
		testContext.Fatalf("failed to insert snapshot: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var storedPermission documents.Permission
	if err := database.Where("document_id = ? AND user_id = ?", "doc-1", "user-1").Take(&storedPermission).Error; err != nil {
		testContext.Fatalf("failed to reload permission: %v", err)
	}
	if storedPermission.Role != "editor" {
		testContext.Fatalf("expected normalized role, got %q", storedPermission.Role)
	}

	var storedSnapshot documents.Snapshot
	if err := database.Where("snapshot_id = ?", snapshot.SnapshotID).Take(&storedSnapshot).Error; err != nil {
		testContext.Fatalf("failed to reload snapshot: %v", err)
	}
	if storedSnapshot.CreatedReason != documents.ReasonManual {
		testContext.Fatalf("expected backfilled reason, got %q", storedSnapshot.CreatedReason)
	}

	for _, name := range []string{migrationNormalizePermissionRoles, migrationBackfillSnapshotReasons} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set for %s", name)
		}
	}

	if err := database.Model(&documents.Permission{}).Where("user_id = ?", "user-1").Update("role", "OWNER").Error; err != nil {
		testContext.Fatalf("failed to rewrite role: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	if err := database.Where("user_id = ?", "user-1").Take(&storedPermission).Error; err != nil {
		testContext.Fatalf("failed to reload permission: %v", err)
	}
	if storedPermission.Role != "OWNER" {
		testContext.Fatalf("expected applied migrations to be skipped, got %q", storedPermission.Role)
	}
}

func TestOpenSQLiteIsIdempotent(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "collab.db")
	cfg := config.AppConfig{DatabaseDriver: config.DatabaseDriverSQLite, DatabasePath: databasePath}

	for attempt := 0; attempt < 2; attempt++ {
		database, err := Open(cfg, zap.NewNop())
		if err != nil {
			testContext.Fatalf("open attempt %d failed: %v", attempt, err)
		}
		if err := Ping(database); err != nil {
			testContext.Fatalf("ping failed: %v", err)
		}
		if !database.Migrator().HasTable(&documents.UpdateLogEntry{}) {
			testContext.Fatalf("expected update log table")
		}
		var count int64
		if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
			testContext.Fatalf("failed to count migrations: %v", err)
		}
		if count != 2 {
			testContext.Fatalf("expected 2 migration records, got %d", count)
		}
		sqlDB, err := database.DB()
		if err != nil {
			testContext.Fatalf("failed to access sql db: %v", err)
		}
		_ = sqlDB.Close()
	}
}

func TestOpenRejectsMissingSettings(testContext *testing.T) {
	testCases := []struct {
		name string
		cfg  config.AppConfig
	}{
		{name: "sqlite without path", cfg: config.AppConfig{DatabaseDriver: config.DatabaseDriverSQLite}},
		{name: "postgres without dsn", cfg: config.AppConfig{DatabaseDriver: config.DatabaseDriverPostgres}},
		{name: "unknown driver", cfg: config.AppConfig{DatabaseDriver: "mysql"}},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(subTest *testing.T) {
			if _, err := Open(testCase.cfg, nil); err == nil {
				subTest.Fatalf("expected error")
			}
		})
	}
}
