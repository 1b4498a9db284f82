package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/compendium/backend/internal/cards"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRebuildInboundMirrors = "2026-05-12_rebuild_inbound_reference_mirrors"

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
		{name: migrationRebuildInboundMirrors, apply: rebuildInboundMirrors},
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

// rebuildInboundMirrors recomputes every card's inbound reference mirror from
// the outbound maps across the whole store. Repairs mirrors written by older
// deployments that dropped inbound patches on card deletion.
func rebuildInboundMirrors(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var records []cards.CardRecord
		if err := tx.Find(&records).Error; err != nil {
			return err
		}

		cardsByID := make(map[string]cards.Card, len(records))
		for _, record := range records {
			card, err := cards.FromRecord(record)
			if err != nil {
				return err
			}
			cardsByID[card.ID] = card
		}

		inbound := make(map[string]map[string]map[cards.ReferenceType]string)
		for sourceID, source := range cardsByID {
			for targetID, entries := range source.ReferencesInfo {
				if inbound[targetID] == nil {
					inbound[targetID] = make(map[string]map[cards.ReferenceType]string)
				}
				mirror := make(map[cards.ReferenceType]string, len(entries))
				for refType, value := range entries {
					mirror[refType] = value
				}
				inbound[targetID][sourceID] = mirror
			}
		}

		for id, card := range cardsByID {
			rebuilt := card.Clone()
			rebuilt.ReferencesInfoInbound = inbound[id]
			rebuilt.ReferencesInbound = nil
			if len(inbound[id]) > 0 {
				rebuilt.ReferencesInbound = make(map[string]bool, len(inbound[id]))
				for sourceID := range inbound[id] {
					rebuilt.ReferencesInbound[sourceID] = true
				}
			}
			if referencesInboundEqual(card, rebuilt) {
				continue
			}
			record, err := cards.ToRecord(rebuilt)
			if err != nil {
				return err
			}
			if err := tx.Save(&record).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func referencesInboundEqual(left, right cards.Card) bool {
	if len(left.ReferencesInfoInbound) != len(right.ReferencesInfoInbound) {
		return false
	}
	for sourceID, leftEntries := range left.ReferencesInfoInbound {
		rightEntries, ok := right.ReferencesInfoInbound[sourceID]
		if !ok || len(leftEntries) != len(rightEntries) {
			return false
		}
		for refType, value := range leftEntries {
			other, ok := rightEntries[refType]
			if !ok || other != value {
				return false
			}
		}
	}
	return len(left.ReferencesInbound) == len(right.ReferencesInbound)
}
