package credits

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnID           = "id"
	columnRecordID     = "record_id"
	columnTimestamp    = "timestamp"
	querySerialNumber  = "serial_number = ?"
	queryRecordEvents  = columnRecordID + " = ?"
	queryRecordByType  = columnRecordID + " = ? AND event_type = ?"
	selectSumAmount    = "COALESCE(SUM(amount), 0)"
	lockStrengthUpdate = "UPDATE"
	lockStrengthShare  = "SHARE"
)

var (
	// ErrRecordNotFound is returned by the store when no record matches.
	ErrRecordNotFound = errors.New("credits: store: record not found")
	// ErrConstraintViolation is returned when an insert collides with a unique serial number.
	ErrConstraintViolation = errors.New("credits: store: constraint violation")
	errMissingDatabase     = errors.New("database handle is required")
)

// Store persists records and events. A Store bound to a transaction is handed to the callback of
// Transaction; every method then runs inside that transaction.
type Store struct {
	db *gorm.DB
}

// NewStore wraps the injected connection pool.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// Transaction runs fn inside a database transaction. The transaction commits when fn returns nil
// and rolls back on error or panic; the connection goes back to the pool on every path.
func (store *Store) Transaction(ctx context.Context, fn func(transactional *Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(&Store{db: transaction})
	})
}

// Ping checks connectivity of the underlying pool.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RecordExists reports whether a record with id is stored.
func (store *Store) RecordExists(ctx context.Context, id RecordID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Record{}).
		Where(clause.Eq{Column: clause.Column{Name: columnID}, Value: id.String()}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// InsertRecord stores record unless a record with the same id already exists, in which case
// inserted is false and nothing is written. A serial number held by a different id yields
// ErrConstraintViolation.
func (store *Store) InsertRecord(ctx context.Context, record Record) (bool, error) {
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnID}},
			DoNothing: true,
		}).
		Create(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return false, errors.Join(ErrConstraintViolation, result.Error)
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// InsertEvent appends an event for recordID.
func (store *Store) InsertEvent(ctx context.Context, recordID RecordID, eventType EventType, amount int64, at time.Time) (Event, error) {
	event := Event{
		RecordID:  recordID.String(),
		EventType: eventType,
		Amount:    amount,
		Timestamp: at,
	}
	if err := store.db.WithContext(ctx).Create(&event).Error; err != nil {
		return Event{}, err
	}
	return event, nil
}

// FindRecord loads the record with id.
func (store *Store) FindRecord(ctx context.Context, id RecordID) (Record, error) {
	return store.takeRecord(store.db.WithContext(ctx), clause.Eq{Column: clause.Column{Name: columnID}, Value: id.String()})
}

// FindRecordShared loads the record with id under a shared row lock, observing the latest committed
// version even under snapshot isolation.
func (store *Store) FindRecordShared(ctx context.Context, id RecordID) (Record, error) {
	return store.takeRecord(
		store.db.WithContext(ctx).Clauses(clause.Locking{Strength: lockStrengthShare}),
		clause.Eq{Column: clause.Column{Name: columnID}, Value: id.String()},
	)
}

// LockRecord loads the record with id and holds an exclusive row lock until the surrounding
// transaction ends.
func (store *Store) LockRecord(ctx context.Context, id RecordID) (Record, error) {
	return store.takeRecord(
		store.db.WithContext(ctx).Clauses(clause.Locking{Strength: lockStrengthUpdate}),
		clause.Eq{Column: clause.Column{Name: columnID}, Value: id.String()},
	)
}

// FindRecordBySerial loads the record holding serialNumber.
func (store *Store) FindRecordBySerial(ctx context.Context, serialNumber string) (Record, error) {
	var record Record
	err := store.db.WithContext(ctx).Where(querySerialNumber, serialNumber).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// ListEvents returns the events of recordID ordered by timestamp, then by sequence id.
func (store *Store) ListEvents(ctx context.Context, recordID RecordID) ([]Event, error) {
	var events []Event
	err := store.db.WithContext(ctx).
		Where(queryRecordEvents, recordID.String()).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: columnTimestamp}},
			{Column: clause.Column{Name: columnID}},
		}}).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// SumRetired totals the retired amounts recorded against recordID.
func (store *Store) SumRetired(ctx context.Context, recordID RecordID) (int64, error) {
	var retired int64
	err := store.db.WithContext(ctx).
		Model(&Event{}).
		Select(selectSumAmount).
		Where(queryRecordByType, recordID.String(), EventTypeRetired).
		Scan(&retired).Error
	if err != nil {
		return 0, err
	}
	return retired, nil
}

func (store *Store) takeRecord(query *gorm.DB, condition clause.Expression) (Record, error) {
	var record Record
	err := query.Where(condition).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return record, nil
}
