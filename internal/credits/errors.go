package credits

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the service reports. The set is closed.
type ErrorKind string

const (
	KindInvalidInput       ErrorKind = "invalid_input"
	KindNotFound           ErrorKind = "not_found"
	KindDuplicateSerial    ErrorKind = "duplicate_serial"
	KindInsufficientActive ErrorKind = "insufficient_active"
	KindStorageFailure     ErrorKind = "storage_failure"
)

var (
	// ErrInvalidInput matches service errors of kind KindInvalidInput.
	ErrInvalidInput = errors.New("credits: invalid input")
	// ErrNotFound matches service errors of kind KindNotFound.
	ErrNotFound = errors.New("credits: record not found")
	// ErrDuplicateSerial matches service errors of kind KindDuplicateSerial.
	ErrDuplicateSerial = errors.New("credits: serial number already issued")
	// ErrInsufficientActive matches service errors of kind KindInsufficientActive.
	ErrInsufficientActive = errors.New("credits: insufficient active credits")
	// ErrStorageFailure matches service errors of kind KindStorageFailure.
	ErrStorageFailure = errors.New("credits: storage failure")

	// ErrLedgerInconsistent is reported when folded state violates the conservation invariant.
	ErrLedgerInconsistent = errors.New("credits: ledger inconsistent")
)

var kindSentinels = map[ErrorKind]error{
	KindInvalidInput:       ErrInvalidInput,
	KindNotFound:           ErrNotFound,
	KindDuplicateSerial:    ErrDuplicateSerial,
	KindInsufficientActive: ErrInsufficientActive,
	KindStorageFailure:     ErrStorageFailure,
}

// Shortfall describes a rejected retirement.
type Shortfall struct {
	Attempted int64
	Active    int64
}

// ServiceError is the only error type returned across the service boundary.
type ServiceError struct {
	kind      ErrorKind
	code      string
	err       error
	shortfall *Shortfall
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Is reports whether target is the sentinel of this error's kind.
func (e *ServiceError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.kind]
	return ok && target == sentinel
}

// Kind returns the error classification.
func (e *ServiceError) Kind() ErrorKind {
	return e.kind
}

// Code returns the dotted operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

// Shortfall returns the attempted and active amounts of a rejected retirement.
func (e *ServiceError) Shortfall() (Shortfall, bool) {
	if e.shortfall == nil {
		return Shortfall{}, false
	}
	return *e.shortfall, true
}

// Retryable reports whether the caller may retry the operation unchanged.
func (e *ServiceError) Retryable() bool {
	return e.kind == KindStorageFailure && !errors.Is(e.err, ErrLedgerInconsistent)
}

// KindOf extracts the kind from err, defaulting to KindStorageFailure for foreign errors.
func KindOf(err error) ErrorKind {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	return KindStorageFailure
}

func newServiceError(kind ErrorKind, operation, reason string, cause error) *ServiceError {
	return &ServiceError{
		kind: kind,
		code: fmt.Sprintf("%s.%s", operation, reason),
		err:  cause,
	}
}

func newInsufficientActiveError(operation string, attempted, active int64) *ServiceError {
	serviceErr := newServiceError(KindInsufficientActive, operation, reasonInsufficientActive,
		fmt.Errorf("%w: cannot retire %d credits, %d active", ErrInsufficientActive, attempted, active))
	serviceErr.shortfall = &Shortfall{Attempted: attempted, Active: active}
	return serviceErr
}
