package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/offsetledger/internal/credits"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const orphanRecordID = "56c653ae9078cb83f9d97a0cc76f942a6c21cb9878c656113bf3a793c51e2388"

func openTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "ledger.db")
	database, err := Open(Options{Driver: DriverSQLite, DSN: databasePath, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return database
}

func TestApplyMigrationsBackfillsCreatedEvents(testContext *testing.T) {
	database := openTestDatabase(testContext)
	if err := database.AutoMigrate(&credits.Record{}, &credits.Event{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	orphan := credits.Record{
		ID:           orphanRecordID,
		ProjectName:  "Forest A",
		Registry:     "VCS",
		Vintage:      2020,
		Quantity:     100,
		SerialNumber: "SN-1",
		CreatedAt:    time.Unix(1700000000, 0).UTC(),
	}
	if err := database.Create(&orphan).Error; err != nil {
		testContext.Fatalf("failed to insert record: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var events []credits.Event
	if err := database.Where("record_id = ?", orphanRecordID).Find(&events).Error; err != nil {
		testContext.Fatalf("failed to load events: %v", err)
	}
	if len(events) != 1 {
		testContext.Fatalf("expected one backfilled event, got %d", len(events))
	}
	if events[0].EventType != credits.EventTypeCreated || events[0].Amount != 100 {
		testContext.Fatalf("unexpected backfilled event %+v", events[0])
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillCreatedEvents).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	var count int64
	if err := database.Model(&credits.Event{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count events: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected migrations to run once, got %d events", count)
	}
}

func TestMigrateCreatesSchema(testContext *testing.T) {
	database := openTestDatabase(testContext)

	if err := Migrate(database, nil); err != nil {
		testContext.Fatalf("unexpected migrate error: %v", err)
	}
	for _, table := range []string{"records", "events", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if !database.Migrator().HasIndex(&credits.Record{}, "idx_records_serial_number") {
		testContext.Fatalf("expected unique serial index")
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Options{Driver: "oracle", DSN: "ledger"}); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(Options{Driver: DriverSQLite}); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
}

func TestSQLiteDSNAddsPragmas(testContext *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{input: "ledger.db", expected: "ledger.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"},
		{input: "file:ledger?mode=memory", expected: "file:ledger?mode=memory&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"},
		{input: "ledger.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(100)", expected: "ledger.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(100)"},
	}
	for _, testCase := range testCases {
		if actual := sqliteDSN(testCase.input); actual != testCase.expected {
			testContext.Fatalf("sqliteDSN(%q) = %q, want %q", testCase.input, actual, testCase.expected)
		}
	}
}
