package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/offsetledger/internal/credits"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillCreatedEvents = "2026-09-14_backfill_created_events"

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
		{name: migrationBackfillCreatedEvents, apply: backfillCreatedEvents},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// backfillCreatedEvents restores the created event of records imported without one, so every
// record's log starts with its issuance.
func backfillCreatedEvents(db *gorm.DB) error {
	var orphans []credits.Record
	err := db.
		Where("NOT EXISTS (SELECT 1 FROM events WHERE events.record_id = records.id AND events.event_type = ?)", credits.EventTypeCreated).
		Find(&orphans).Error
	if err != nil {
		return err
	}
	for _, record := range orphans {
		event := credits.Event{
			RecordID:  record.ID,
			EventType: credits.EventTypeCreated,
			Amount:    record.Quantity,
			Timestamp: record.CreatedAt,
		}
		if err := db.Create(&event).Error; err != nil {
			return err
		}
	}
	return nil
}
