package gift

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultEventName keys the single auction actor in storage.
const DefaultEventName = "gift-global"

// WalletRecord persists the escrow entry of one wallet.
type WalletRecord struct {
	Wallet   string `gorm:"column:wallet;primaryKey;size:190;not null"`
	Balance  int64  `gorm:"column:balance;not null"`
	Reserved int64  `gorm:"column:reserved;not null"`
	Spent    int64  `gorm:"column:spent;not null"`
}

func (WalletRecord) TableName() string {
	return "gift_wallets"
}

// EventRecord persists the auction state of a named auction actor.
type EventRecord struct {
	Name        string `gorm:"column:name;primaryKey;size:190;not null"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null"`
}

func (EventRecord) TableName() string {
	return "gift_events"
}

// Store snapshots the auction actor through gorm.
type Store struct {
	db   *gorm.DB
	name string
}

// NewStore scopes a store to the named auction. An empty name uses DefaultEventName.
func NewStore(db *gorm.DB, name string) *Store {
	if name == "" {
		name = DefaultEventName
	}
	return &Store{db: db, name: name}
}

// Load returns the stored auction state (nil when none) and every wallet entry.
func (s *Store) Load(ctx context.Context) (*State, map[string]WalletEntry, error) {
	var records []WalletRecord
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, nil, err
	}
	wallets := make(map[string]WalletEntry, len(records))
	for _, record := range records {
		wallets[record.Wallet] = WalletEntry{Balance: record.Balance, Reserved: record.Reserved, Spent: record.Spent}
	}

	var event EventRecord
	err := s.db.WithContext(ctx).Where("name = ?", s.name).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, wallets, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var state State
	if err := json.Unmarshal([]byte(event.PayloadJSON), &state); err != nil {
		return nil, nil, err
	}
	return &state, wallets, nil
}

// Save writes the auction state and the given wallet entries in one transaction.
func (s *Store) Save(ctx context.Context, state *State, wallets map[string]WalletEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, wallet := range sortedWallets(wallets) {
			entry := wallets[wallet]
			record := WalletRecord{Wallet: wallet, Balance: entry.Balance, Reserved: entry.Reserved, Spent: entry.Spent}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "wallet"}},
				DoUpdates: clause.AssignmentColumns([]string{"balance", "reserved", "spent"}),
			}).Create(&record).Error; err != nil {
				return err
			}
		}
		if state == nil {
			return nil
		}
		payload, err := json.Marshal(state)
		if err != nil {
			return err
		}
		record := EventRecord{Name: s.name, PayloadJSON: string(payload)}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload_json"}),
		}).Create(&record).Error
	})
}
