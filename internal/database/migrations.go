package database

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/gift"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeWalletCase = "2026-10-01_normalize_wallet_case"

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
		{name: migrationNormalizeWalletCase, apply: normalizeWalletCase},
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
		if err := db.Transaction(migration.apply); err != nil {
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

// normalizeWalletCase folds wallet keys to their normalized form. Rows that
// collide after folding are merged into one entry that still satisfies
// reserved+spent <= balance.
func normalizeWalletCase(tx *gorm.DB) error {
	var records []gift.WalletRecord
	if err := tx.Find(&records).Error; err != nil {
		return err
	}

	merged := make(map[string]gift.WalletRecord, len(records))
	dirty := false
	for _, record := range records {
		key := gift.NormalizeWallet(record.Wallet)
		if key != record.Wallet {
			dirty = true
		}
		existing, ok := merged[key]
		if !ok {
			record.Wallet = key
			merged[key] = record
			continue
		}
		dirty = true
		merged[key] = mergeWalletRecords(existing, record)
	}

	if dirty {
		if err := tx.Where("1 = 1").Delete(&gift.WalletRecord{}).Error; err != nil {
			return err
		}
		keys := make([]string, 0, len(merged))
		for key := range merged {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			record := merged[key]
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}
	}

	var events []gift.EventRecord
	if err := tx.Find(&events).Error; err != nil {
		return err
	}
	for _, event := range events {
		var state gift.State
		if err := json.Unmarshal([]byte(event.PayloadJSON), &state); err != nil {
			return err
		}
		changed := normalizeWalletPointer(state.HighestBidder)
		if state.Resolution != nil && normalizeWalletPointer(state.Resolution.Winner) {
			changed = true
		}
		if !changed {
			continue
		}
		payload, err := json.Marshal(state)
		if err != nil {
			return err
		}
		if err := tx.Model(&gift.EventRecord{}).
			Where("name = ?", event.Name).
			Update("payload_json", string(payload)).Error; err != nil {
			return err
		}
	}
	return nil
}

// mergeWalletRecords keeps the larger balance and the larger reservation, which
// backs the restored auction leader's bid. Spent adds up, capped at what the
// balance still covers.
func mergeWalletRecords(existing, other gift.WalletRecord) gift.WalletRecord {
	merged := existing
	merged.Balance = max(existing.Balance, other.Balance)
	merged.Reserved = min(max(existing.Reserved, other.Reserved), merged.Balance)
	merged.Spent = min(existing.Spent+other.Spent, merged.Balance-merged.Reserved)
	return merged
}

func normalizeWalletPointer(wallet *string) bool {
	if wallet == nil {
		return false
	}
	normalized := gift.NormalizeWallet(*wallet)
	if normalized == *wallet {
		return false
	}
	*wallet = normalized
	return true
}
