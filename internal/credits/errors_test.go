package credits

import (
	"errors"
	"fmt"
	"testing"
)

func TestServiceErrorMatchesKindSentinel(t *testing.T) {
	err := newServiceError(KindNotFound, opRetire, reasonRecordNotFound, ErrRecordNotFound)

	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected error to match ErrNotFound")
	}
	if errors.Is(err, ErrStorageFailure) {
		t.Fatalf("did not expect error to match ErrStorageFailure")
	}
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected cause to remain reachable")
	}
	if err.Code() != "credits.retire.record_not_found" {
		t.Fatalf("unexpected code %s", err.Code())
	}
}

func TestInsufficientActiveCarriesShortfall(t *testing.T) {
	err := newInsufficientActiveError(opRetire, 70, 60)

	shortfall, ok := err.Shortfall()
	if !ok {
		t.Fatalf("expected shortfall details")
	}
	if shortfall.Attempted != 70 || shortfall.Active != 60 {
		t.Fatalf("unexpected shortfall %+v", shortfall)
	}
	if !errors.Is(err, ErrInsufficientActive) {
		t.Fatalf("expected error to match ErrInsufficientActive")
	}
	if err.Retryable() {
		t.Fatalf("insufficient active must not be retryable")
	}
}

func TestRetryableOnlyForTransientStorageFailures(t *testing.T) {
	transient := newServiceError(KindStorageFailure, opRetire, reasonTransactionFailed, errors.New("database is locked"))
	if !transient.Retryable() {
		t.Fatalf("expected transient storage failure to be retryable")
	}

	inconsistent := newServiceError(KindStorageFailure, opFoldState, reasonLedgerInconsistent,
		fmt.Errorf("%w: retired 11 exceeds total 10", ErrLedgerInconsistent))
	if inconsistent.Retryable() {
		t.Fatalf("ledger inconsistency must not be retryable")
	}
}

func TestKindOfDefaultsToStorageFailure(t *testing.T) {
	if kind := KindOf(errors.New("boom")); kind != KindStorageFailure {
		t.Fatalf("expected storage failure, got %s", kind)
	}
	wrapped := fmt.Errorf("wrapped: %w", newServiceError(KindDuplicateSerial, opCreateRecord, reasonDuplicateSerial, ErrDuplicateSerial))
	if kind := KindOf(wrapped); kind != KindDuplicateSerial {
		t.Fatalf("expected duplicate serial, got %s", kind)
	}
}
