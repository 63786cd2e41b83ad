package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationNormalizePermissionRoles = "2026-09-14_normalize_permission_roles"
	migrationBackfillSnapshotReasons  = "2026-10-02_backfill_snapshot_reasons"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) (int64, error)
}

var migrations = []migrationDefinition{
	{name: migrationNormalizePermissionRoles, apply: normalizePermissionRoles},
	{name: migrationBackfillSnapshotReasons, apply: backfillSnapshotReasons},
}

// applyMigrations runs each pending migration together with its ledger row in one transaction.
// Instances starting at the same time may race; the ledger insert tolerates a peer that won.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations {
		var affected int64
		applied := false
		err := db.Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&migrationRecord{}).Where("name = ?", migration.name).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return nil
			}
			rows, err := migration.apply(tx)
			if err != nil {
				return fmt.Errorf("migration %s: %w", migration.name, err)
			}
			record := migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
				return err
			}
			affected = rows
			applied = true
			return nil
		})
		if err != nil {
			return err
		}
		if applied && logger != nil {
			logger.Info("database migration applied",
				zap.String("migration", migration.name),
				zap.Int64("rows", affected))
		}
	}
	return nil
}

// normalizePermissionRoles lowercases and trims roles written by older grant clients.
func normalizePermissionRoles(db *gorm.DB) (int64, error) {
	result := db.Model(&documents.Permission{}).
		Where("role <> LOWER(TRIM(role))").
		Update("role", gorm.Expr("LOWER(TRIM(role))"))
	return result.RowsAffected, result.Error
}

func backfillSnapshotReasons(db *gorm.DB) (int64, error) {
	result := db.Model(&documents.Snapshot{}).
		Where("created_reason = ?", "").
		Update("created_reason", documents.ReasonManual)
	return result.RowsAffected, result.Error
}
