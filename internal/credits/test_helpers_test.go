package credits

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseCounter atomic.Int64

const (
	forestAID = "56c653ae9078cb83f9d97a0cc76f942a6c21cb9878c656113bf3a793c51e2388"
	forestBID = "ee60b4d8016875d2bdc8b6ef23efbd9ad859b4ccc2cbfee70db2cfc32a883f5b"
)

func forestAConfig() RecordAttributesConfig {
	return RecordAttributesConfig{
		ProjectName:  "Forest A",
		Registry:     "VCS",
		Vintage:      2020,
		Quantity:     100,
		SerialNumber: "SN-1",
	}
}

func forestBConfig() RecordAttributesConfig {
	return RecordAttributesConfig{
		ProjectName:  "Forest B",
		Registry:     "Gold Standard",
		Vintage:      2019,
		Quantity:     250,
		SerialNumber: "GS-77",
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:credits_%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", testDatabaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Record{}, &Event{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store, db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	store, db := newTestStore(t)
	service, err := NewService(ServiceConfig{
		Store: store,
		Clock: newStepClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return service, db
}

// newStepClock returns a clock that advances one second per call.
func newStepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := current
		current = current.Add(time.Second)
		return now
	}
}

func mustRecordAttributes(t *testing.T, cfg RecordAttributesConfig) RecordAttributes {
	t.Helper()
	attributes, err := NewRecordAttributes(cfg)
	if err != nil {
		t.Fatalf("unexpected attributes error: %v", err)
	}
	return attributes
}

func mustRecordID(t *testing.T, value string) RecordID {
	t.Helper()
	id, err := NewRecordID(value)
	if err != nil {
		t.Fatalf("unexpected record id error: %v", err)
	}
	return id
}

func countEvents(t *testing.T, db *gorm.DB, recordID string, eventType EventType) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&Event{}).Where("record_id = ? AND event_type = ?", recordID, eventType).Count(&count).Error; err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	return count
}

func requireKind(t *testing.T, err error, kind ErrorKind) *ServiceError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	serviceErr, ok := err.(*ServiceError)
	if !ok {
		t.Fatalf("expected *ServiceError, got %T: %v", err, err)
	}
	if serviceErr.Kind() != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, serviceErr.Kind(), err)
	}
	return serviceErr
}
