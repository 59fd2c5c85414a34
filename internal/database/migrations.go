package database

import (
	"errors"
	"time"

	"github.com/flatupgym/aika/internal/conversation"
	"github.com/flatupgym/aika/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeAssistantRole = "2025-04-01_normalize_assistant_role"
	migrationRepairUserTitles       = "2025-04-08_repair_user_titles"
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
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, titles users.TitleTable, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeAssistantRole, apply: normalizeAssistantRole},
		{name: migrationRepairUserTitles, apply: func(db *gorm.DB) error { return repairUserTitles(db, titles) }},
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

// normalizeAssistantRole rewrites turns stored with the legacy "ai" role.
func normalizeAssistantRole(db *gorm.DB) error {
	return db.Model(&conversation.Turn{}).
		Where("role = ?", "ai").
		Update("role", string(conversation.RoleAssistant)).Error
}

// repairUserTitles recomputes titles for rows imported with a stale or empty title, using the
// same table the user service awards titles from.
func repairUserTitles(db *gorm.DB, titles users.TitleTable) error {
	var records []users.User
	if err := db.Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		title := titles.TitleFor(record.Points)
		if title == record.Title {
			continue
		}
		if err := db.Model(&users.User{}).Where("id = ?", record.ID).Update("title", title).Error; err != nil {
			return err
		}
	}
	return nil
}
