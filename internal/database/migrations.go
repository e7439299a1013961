package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillFileDisplayOrder = "2026-08-30_backfill_file_display_order"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillFileDisplayOrder, apply: backfillFileDisplayOrder},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillFileDisplayOrder assigns a stable 1-based position, ordered by
// creation time within each project, to rows written before display_order
// was tracked.
func backfillFileDisplayOrder(db *gorm.DB) error {
	return db.Exec(`
		UPDATE code_files SET display_order = (
			SELECT COUNT(*) FROM code_files AS earlier
			WHERE earlier.project_id = code_files.project_id
			  AND (earlier.created_at_s < code_files.created_at_s
			       OR (earlier.created_at_s = code_files.created_at_s
			           AND earlier.file_id < code_files.file_id))
		) + 1
		WHERE display_order = 0`).Error
}
