package clock

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/trivia"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultName keys the single show clock in storage.
const DefaultName = "global"

// AnchorRecord persists the anchor a named clock was first started with.
type AnchorRecord struct {
	Name     string `gorm:"column:name;primaryKey;size:190;not null"`
	AnchorMs int64  `gorm:"column:anchor_ms;not null"`
}

func (AnchorRecord) TableName() string {
	return "clock_anchors"
}

// ResultRecord persists the latest trivia result of a named clock.
type ResultRecord struct {
	Name        string `gorm:"column:name;primaryKey;size:190;not null"`
	RoundID     int64  `gorm:"column:round_id;not null"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null"`
}

func (ResultRecord) TableName() string {
	return "clock_results"
}

// Store reads and writes clock snapshots through gorm.
type Store struct {
	db   *gorm.DB
	name string
}

// NewStore scopes a store to the named clock. An empty name uses DefaultName.
func NewStore(db *gorm.DB, name string) *Store {
	if name == "" {
		name = DefaultName
	}
	return &Store{db: db, name: name}
}

// LoadOrInitAnchor returns the stored anchor, persisting candidate when none exists.
func (s *Store) LoadOrInitAnchor(ctx context.Context, candidate int64) (int64, error) {
	var record AnchorRecord
	err := s.db.WithContext(ctx).Where("name = ?", s.name).Take(&record).Error
	if err == nil {
		return record.AnchorMs, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}
	record = AnchorRecord{Name: s.name, AnchorMs: candidate}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return 0, err
	}
	return candidate, nil
}

// LoadLatestResult returns the persisted result, or nil when none was stored.
func (s *Store) LoadLatestResult(ctx context.Context) (*trivia.Result, error) {
	var record ResultRecord
	err := s.db.WithContext(ctx).Where("name = ?", s.name).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var result trivia.Result
	if err := json.Unmarshal([]byte(record.PayloadJSON), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SaveLatestResult replaces the persisted result.
func (s *Store) SaveLatestResult(ctx context.Context, result trivia.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	record := ResultRecord{Name: s.name, RoundID: result.RoundID, PayloadJSON: string(payload)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"round_id", "payload_json"}),
	}).Create(&record).Error
}
