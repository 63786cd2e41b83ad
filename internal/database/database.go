// Package database opens the document store and keeps its schema current.
package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/config"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Open selects the driver named by cfg.
func Open(cfg config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	switch cfg.DatabaseDriver {
	case config.DatabaseDriverSQLite:
		return OpenSQLite(cfg.DatabasePath, logger)
	case config.DatabaseDriverPostgres:
		return OpenPostgres(cfg.DatabaseDSN, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}

// Ping reports whether the underlying pool answers.
func Ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(documents.Models(), &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
