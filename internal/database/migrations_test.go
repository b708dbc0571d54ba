package database

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/gift"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesWalletCase(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&gift.WalletRecord{}, &gift.EventRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	wallets := []gift.WalletRecord{
		{Wallet: "0xABC", Balance: 9000, Reserved: 0, Spent: 1000},
		{Wallet: "0xabc", Balance: 9500, Reserved: 200, Spent: 300},
		{Wallet: "0xDEF", Balance: 10000, Reserved: 0, Spent: 0},
	}
	for _, wallet := range wallets {
		if err := database.Create(&wallet).Error; err != nil {
			testContext.Fatalf("failed to insert wallet: %v", err)
		}
	}

	bidder := "0xDEF"
	state := gift.State{GiftID: 1, Threshold: 100, HighestBid: 150, HighestBidder: &bidder, Status: gift.StatusActive}
	payload, err := json.Marshal(state)
	if err != nil {
		testContext.Fatalf("failed to encode state: %v", err)
	}
	if err := database.Create(&gift.EventRecord{Name: gift.DefaultEventName, PayloadJSON: string(payload)}).Error; err != nil {
		testContext.Fatalf("failed to insert event: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored []gift.WalletRecord
	if err := database.Order("wallet").Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload wallets: %v", err)
	}
	if len(stored) != 2 {
		testContext.Fatalf("expected colliding wallets to merge, got %+v", stored)
	}
	merged := stored[0]
	if merged.Wallet != "0xabc" || merged.Balance != 9500 || merged.Reserved != 200 || merged.Spent != 1300 {
		testContext.Fatalf("unexpected merged wallet %+v", merged)
	}
	if stored[1].Wallet != "0xdef" {
		testContext.Fatalf("expected lowercase wallet, got %q", stored[1].Wallet)
	}

	var event gift.EventRecord
	if err := database.Where("name = ?", gift.DefaultEventName).Take(&event).Error; err != nil {
		testContext.Fatalf("failed to reload event: %v", err)
	}
	var restored gift.State
	if err := json.Unmarshal([]byte(event.PayloadJSON), &restored); err != nil {
		testContext.Fatalf("failed to decode event: %v", err)
	}
	if restored.HighestBidder == nil || *restored.HighestBidder != "0xdef" {
		testContext.Fatalf("expected highest bidder to be normalized, got %v", restored.HighestBidder)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeWalletCase).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsKeepsEscrowInvariantOnMerge(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "merge.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&gift.WalletRecord{}, &gift.EventRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	testCases := []struct {
		name     string
		wallets  []gift.WalletRecord
		expected gift.WalletRecord
	}{
		{
			name: "spent overflow is capped",
			wallets: []gift.WalletRecord{
				{Wallet: "0xABC", Balance: 1000, Reserved: 0, Spent: 700},
				{Wallet: "0xabc", Balance: 1000, Reserved: 200, Spent: 700},
			},
			expected: gift.WalletRecord{Wallet: "0xabc", Balance: 1000, Reserved: 200, Spent: 800},
		},
		{
			name: "larger balance wins",
			wallets: []gift.WalletRecord{
				{Wallet: "0xAB1", Balance: 500, Reserved: 100, Spent: 400},
				{Wallet: "0xab1", Balance: 2000, Reserved: 0, Spent: 300},
			},
			expected: gift.WalletRecord{Wallet: "0xab1", Balance: 2000, Reserved: 100, Spent: 700},
		},
	}

	for _, testCase := range testCases {
		for _, wallet := range testCase.wallets {
			if err := database.Create(&wallet).Error; err != nil {
				testContext.Fatalf("%s: failed to insert wallet: %v", testCase.name, err)
			}
		}
	}

	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			var stored gift.WalletRecord
			if err := database.Where("wallet = ?", testCase.expected.Wallet).Take(&stored).Error; err != nil {
				t.Fatalf("failed to reload wallet: %v", err)
			}
			if stored != testCase.expected {
				t.Fatalf("expected %+v, got %+v", testCase.expected, stored)
			}
			if stored.Reserved+stored.Spent > stored.Balance {
				t.Fatalf("reserved+spent exceeds balance: %+v", stored)
			}
		})
	}

	var count int64
	database.Model(&gift.WalletRecord{}).Count(&count)
	if count != 2 {
		testContext.Fatalf("expected two merged wallets, got %d", count)
	}
}

func TestOpenSQLiteIsIdempotent(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "glimmer.db")

	first, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("first open: %v", err)
	}
	if err := first.Create(&gift.WalletRecord{Wallet: "0xaa", Balance: 10000}).Error; err != nil {
		testContext.Fatalf("insert wallet: %v", err)
	}
	sqlDB, err := first.DB()
	if err != nil {
		testContext.Fatalf("sql db: %v", err)
	}
	sqlDB.Close()

	second, err := OpenSQLite(databasePath, nil)
	if err != nil {
		testContext.Fatalf("second open: %v", err)
	}
	var count int64
	if err := second.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one migration record, got %d", count)
	}
	var wallets int64
	second.Model(&gift.WalletRecord{}).Count(&wallets)
	if wallets != 1 {
		testContext.Fatalf("expected wallet to survive reopen, got %d", wallets)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
