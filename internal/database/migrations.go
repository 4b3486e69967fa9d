package database

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/guildhall-labs/guildhall/backend/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationSeedReputationSection = "2026-06-20_seed_reputation_section"

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
		{name: migrationSeedReputationSection, apply: seedReputationSection},
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

// seedReputationSection backfills documents written before the reputation
// table existed so every stored snapshot carries all four sections.
func seedReputationSection(db *gorm.DB) error {
	var row ledger.Snapshot
	err := db.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(row.DocumentJSON), &doc); err != nil {
		// Corrupt documents are handled at load time, not here.
		return nil
	}
	if _, ok := doc["reputation"]; ok {
		return nil
	}
	doc["reputation"] = json.RawMessage("{}")

	encoded, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return db.Model(&ledger.Snapshot{}).
		Where("id = ?", row.ID).
		Update("document_json", string(encoded)).Error
}
