package credits

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// EventType enumerates the ledger entries a record can accumulate.
type EventType string

const (
	// EventTypeCreated is written exactly once, together with its record.
	EventTypeCreated EventType = "created"
	// EventTypeRetired permanently removes credits from circulation.
	EventTypeRetired EventType = "retired"
)

const (
	// MinVintage is the earliest accepted vintage year.
	MinVintage = 1990
	// MaxVintage is the latest accepted vintage year.
	MaxVintage = 2050

	// maxSerialNumberLength keeps the unique serial index within InnoDB's 767-byte key prefix under utf8mb4.
	maxSerialNumberLength = 190
)

var (
	// ErrInvalidAttributes indicates that record attributes failed shape validation.
	ErrInvalidAttributes = errors.New("credits: invalid record attributes")
	// ErrInvalidVintage indicates that a vintage year is outside the accepted range.
	ErrInvalidVintage = errors.New("credits: invalid vintage")
	// ErrInvalidQuantity indicates that an issued quantity is not strictly positive.
	ErrInvalidQuantity = errors.New("credits: invalid quantity")
	// ErrInvalidAmount indicates that a retirement amount is not strictly positive.
	ErrInvalidAmount = errors.New("credits: invalid amount")
)

// Record models one issued batch of credits. Rows are never updated or deleted.
type Record struct {
	ID           string    `gorm:"column:id;primaryKey;size:64;not null"`
	ProjectName  string    `gorm:"column:project_name;type:text;not null"`
	Registry     string    `gorm:"column:registry;type:text;not null"`
	Vintage      int       `gorm:"column:vintage;not null;check:chk_records_vintage,vintage BETWEEN 1990 AND 2050"`
	Quantity     int64     `gorm:"column:quantity;not null;check:chk_records_quantity,quantity > 0"`
	SerialNumber string    `gorm:"column:serial_number;size:190;not null;uniqueIndex:idx_records_serial_number"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "records"
}

// Event models a single append-only ledger entry against a record.
type Event struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	RecordID  string    `gorm:"column:record_id;size:64;not null;index:idx_events_record_order,priority:1"`
	EventType EventType `gorm:"column:event_type;size:16;not null;check:chk_events_event_type,event_type IN ('created','retired')"`
	Amount    int64     `gorm:"column:amount;not null;check:chk_events_amount,amount > 0"`
	Timestamp time.Time `gorm:"column:timestamp;not null;index:idx_events_record_order,priority:2"`
	Record    *Record   `gorm:"foreignKey:RecordID;references:ID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events"
}

// Vintage is a validated vintage year.
type Vintage int

// NewVintage validates the value and returns a Vintage.
func NewVintage(value int64) (Vintage, error) {
	if value < MinVintage || value > MaxVintage {
		return 0, fmt.Errorf("%w: %d not within [%d, %d]", ErrInvalidVintage, value, MinVintage, MaxVintage)
	}
	return Vintage(value), nil
}

// Int returns the vintage year.
func (v Vintage) Int() int {
	return int(v)
}

// Quantity is a validated, strictly positive number of issued credits.
type Quantity int64

// NewQuantity validates the value and returns a Quantity.
func NewQuantity(value int64) (Quantity, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidQuantity, value)
	}
	return Quantity(value), nil
}

// Int64 returns the quantity.
func (q Quantity) Int64() int64 {
	return int64(q)
}

// Amount is a validated, strictly positive number of credits to retire.
type Amount int64

// NewAmount validates the value and returns an Amount.
func NewAmount(value int64) (Amount, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, value)
	}
	return Amount(value), nil
}

// Int64 returns the amount.
func (a Amount) Int64() int64 {
	return int64(a)
}

// RecordAttributesConfig carries unvalidated creation input.
type RecordAttributesConfig struct {
	ProjectName  string
	Registry     string
	Vintage      int64
	Quantity     int64
	SerialNumber string
}

// RecordAttributes captures the five validated identity attributes of a record.
type RecordAttributes struct {
	projectName  string
	registry     string
	vintage      Vintage
	quantity     Quantity
	serialNumber string
}

// NewRecordAttributes validates the configuration and returns RecordAttributes.
// Every failing field is reported, joined into a single error.
func NewRecordAttributes(cfg RecordAttributesConfig) (RecordAttributes, error) {
	var problems []error

	projectName := strings.TrimSpace(cfg.ProjectName)
	if projectName == "" {
		problems = append(problems, fmt.Errorf("%w: project_name is required", ErrInvalidAttributes))
	}
	registry := strings.TrimSpace(cfg.Registry)
	if registry == "" {
		problems = append(problems, fmt.Errorf("%w: registry is required", ErrInvalidAttributes))
	}
	vintage, vintageErr := NewVintage(cfg.Vintage)
	if vintageErr != nil {
		problems = append(problems, vintageErr)
	}
	quantity, quantityErr := NewQuantity(cfg.Quantity)
	if quantityErr != nil {
		problems = append(problems, quantityErr)
	}
	serialNumber := strings.TrimSpace(cfg.SerialNumber)
	if serialNumber == "" {
		problems = append(problems, fmt.Errorf("%w: serial_number is required", ErrInvalidAttributes))
	} else if utf8.RuneCountInString(serialNumber) > maxSerialNumberLength {
		problems = append(problems, fmt.Errorf("%w: serial_number exceeds %d characters", ErrInvalidAttributes, maxSerialNumberLength))
	}

	if len(problems) > 0 {
		return RecordAttributes{}, errors.Join(problems...)
	}

	return RecordAttributes{
		projectName:  projectName,
		registry:     registry,
		vintage:      vintage,
		quantity:     quantity,
		serialNumber: serialNumber,
	}, nil
}

// ProjectName returns the trimmed project name.
func (a RecordAttributes) ProjectName() string {
	return a.projectName
}

// Registry returns the trimmed registry name.
func (a RecordAttributes) Registry() string {
	return a.registry
}

// Vintage returns the vintage year.
func (a RecordAttributes) Vintage() Vintage {
	return a.vintage
}

// Quantity returns the issued quantity.
func (a RecordAttributes) Quantity() Quantity {
	return a.quantity
}

// SerialNumber returns the trimmed serial number.
func (a RecordAttributes) SerialNumber() string {
	return a.serialNumber
}

func (a RecordAttributes) toRecord(id RecordID, createdAt time.Time) Record {
	return Record{
		ID:           id.String(),
		ProjectName:  a.projectName,
		Registry:     a.registry,
		Vintage:      a.vintage.Int(),
		Quantity:     a.quantity.Int64(),
		SerialNumber: a.serialNumber,
		CreatedAt:    createdAt,
	}
}
