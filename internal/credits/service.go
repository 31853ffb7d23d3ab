package credits

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	opServiceNew   = "credits.service.new"
	opCreateRecord = "credits.create_record"
	opFoldState    = "credits.fold_state"
	opRetire       = "credits.retire"
	opGetRecord    = "credits.get_record"

	reasonMissingStore        = "missing_store"
	reasonInvalidAttributes   = "invalid_attributes"
	reasonInvalidRecordID     = "invalid_record_id"
	reasonInvalidAmount       = "invalid_amount"
	reasonRecordNotFound      = "record_not_found"
	reasonDuplicateSerial     = "duplicate_serial"
	reasonInsufficientActive  = "insufficient_active"
	reasonRecordLookupFailed  = "record_lookup_failed"
	reasonSerialLookupFailed  = "serial_lookup_failed"
	reasonRecordInsertFailed  = "record_insert_failed"
	reasonEventInsertFailed   = "event_insert_failed"
	reasonEventsQueryFailed   = "events_query_failed"
	reasonLedgerInconsistent  = "ledger_inconsistent"
	reasonTransactionFailed   = "transaction_failed"
	reasonTransactionTimedOut = "transaction_timed_out"

	fieldRecordID  = "record_id"
	fieldAmount    = "amount"
	fieldOperation = "op"
	fieldReason    = "reason"

	defaultOperationTimeout = 5 * time.Second
)

// ServiceConfig describes the dependencies of the ledger service.
type ServiceConfig struct {
	Store            *Store
	Clock            func() time.Time
	Logger           *zap.Logger
	Cache            RecordCache
	OperationTimeout time.Duration
}

// Service creates records, folds their event logs, and retires credits while holding the
// conservation invariant. It keeps no shared mutable state; coordination happens in the store.
type Service struct {
	store   *Store
	clock   func() time.Time
	logger  *zap.Logger
	cache   RecordCache
	timeout time.Duration
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(KindStorageFailure, opServiceNew, reasonMissingStore, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := cfg.Cache
	if cache == nil {
		cache = noopRecordCache{}
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	return &Service{
		store:   cfg.Store,
		clock:   clock,
		logger:  logger,
		cache:   cache,
		timeout: timeout,
	}, nil
}

// CreateResult is the outcome of CreateRecord.
type CreateResult struct {
	Record Record
	IsNew  bool
}

// RetireResult is the outcome of Retire.
type RetireResult struct {
	Event Event
	State State
}

// RecordView is a consistent read of a record with its derived state and full event log.
type RecordView struct {
	Record     Record
	State      State
	Events     []Event
	EventCount int
}

// CreateRecord stores a record and its created event, or returns the existing record when the
// same attributes were submitted before.
func (s *Service) CreateRecord(ctx context.Context, cfg RecordAttributesConfig) (CreateResult, error) {
	attributes, err := NewRecordAttributes(cfg)
	if err != nil {
		return CreateResult{}, s.reject(KindInvalidInput, opCreateRecord, reasonInvalidAttributes, err)
	}
	id := DeriveRecordID(attributes)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var result CreateResult
	txErr := s.store.Transaction(ctx, func(transactional *Store) error {
		existing, lookupErr := transactional.FindRecord(ctx, id)
		if lookupErr == nil {
			result = CreateResult{Record: existing, IsNew: false}
			return nil
		}
		if !errors.Is(lookupErr, ErrRecordNotFound) {
			return s.fail(opCreateRecord, reasonRecordLookupFailed, lookupErr, id)
		}

		holder, serialErr := transactional.FindRecordBySerial(ctx, attributes.SerialNumber())
		if serialErr == nil {
			return s.reject(KindDuplicateSerial, opCreateRecord, reasonDuplicateSerial,
				errors.Join(ErrDuplicateSerial, errors.New("held by record "+holder.ID)))
		}
		if !errors.Is(serialErr, ErrRecordNotFound) {
			return s.fail(opCreateRecord, reasonSerialLookupFailed, serialErr, id)
		}

		createdAt := s.clock().UTC()
		record := attributes.toRecord(id, createdAt)
		inserted, insertErr := transactional.InsertRecord(ctx, record)
		if errors.Is(insertErr, ErrConstraintViolation) {
			return s.reject(KindDuplicateSerial, opCreateRecord, reasonDuplicateSerial, errors.Join(ErrDuplicateSerial, insertErr))
		}
		if insertErr != nil {
			return s.fail(opCreateRecord, reasonRecordInsertFailed, insertErr, id)
		}
		if !inserted {
			// A concurrent request committed the same id first.
			winner, rereadErr := transactional.FindRecordShared(ctx, id)
			if errors.Is(rereadErr, ErrRecordNotFound) {
				// Dialects that fold every unique conflict into a no-op land here for serial collisions.
				return s.reject(KindDuplicateSerial, opCreateRecord, reasonDuplicateSerial, errors.Join(ErrDuplicateSerial, rereadErr))
			}
			if rereadErr != nil {
				return s.fail(opCreateRecord, reasonRecordLookupFailed, rereadErr, id)
			}
			result = CreateResult{Record: winner, IsNew: false}
			return nil
		}

		if _, eventErr := transactional.InsertEvent(ctx, id, EventTypeCreated, record.Quantity, createdAt); eventErr != nil {
			return s.fail(opCreateRecord, reasonEventInsertFailed, eventErr, id)
		}
		result = CreateResult{Record: record, IsNew: true}
		return nil
	})
	if txErr != nil {
		return CreateResult{}, s.settleTransactionError(ctx, opCreateRecord, txErr, id)
	}

	s.remember(ctx, result.Record)
	s.logger.Debug("record resolved",
		zap.String(fieldRecordID, id.String()),
		zap.Bool("is_new", result.IsNew))
	return result, nil
}

// FoldState derives the total, retired and active credits of a record.
func (s *Service) FoldState(ctx context.Context, rawRecordID string) (State, error) {
	id, err := NewRecordID(rawRecordID)
	if err != nil {
		return State{}, s.reject(KindInvalidInput, opFoldState, reasonInvalidRecordID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	record, err := s.lookupRecord(ctx, s.store, id)
	if errors.Is(err, ErrRecordNotFound) {
		return State{}, s.reject(KindNotFound, opFoldState, reasonRecordNotFound, err)
	}
	if err != nil {
		return State{}, s.settleTransactionError(ctx, opFoldState, err, id)
	}

	retired, err := s.store.SumRetired(ctx, id)
	if err != nil {
		return State{}, s.settleTransactionError(ctx, opFoldState, err, id)
	}

	state, err := settle(State{Total: record.Quantity, Retired: retired})
	if err != nil {
		return State{}, s.fail(opFoldState, reasonLedgerInconsistent, err, id)
	}
	return state, nil
}

// Retire permanently removes amount credits from circulation. The record row stays locked from
// the balance check until the retired event commits, so concurrent retirements of one record are
// serialised while different records proceed in parallel. Retire is not idempotent.
func (s *Service) Retire(ctx context.Context, rawRecordID string, amount int64) (RetireResult, error) {
	id, err := NewRecordID(rawRecordID)
	if err != nil {
		return RetireResult{}, s.reject(KindInvalidInput, opRetire, reasonInvalidRecordID, err)
	}
	validAmount, err := NewAmount(amount)
	if err != nil {
		return RetireResult{}, s.reject(KindInvalidInput, opRetire, reasonInvalidAmount, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var result RetireResult
	txErr := s.store.Transaction(ctx, func(transactional *Store) error {
		record, lockErr := transactional.LockRecord(ctx, id)
		if errors.Is(lockErr, ErrRecordNotFound) {
			return s.reject(KindNotFound, opRetire, reasonRecordNotFound, lockErr)
		}
		if lockErr != nil {
			return s.fail(opRetire, reasonRecordLookupFailed, lockErr, id)
		}

		retired, sumErr := transactional.SumRetired(ctx, id)
		if sumErr != nil {
			return s.fail(opRetire, reasonEventsQueryFailed, sumErr, id)
		}
		current, foldErr := settle(State{Total: record.Quantity, Retired: retired})
		if foldErr != nil {
			return s.fail(opRetire, reasonLedgerInconsistent, foldErr, id)
		}
		if validAmount.Int64() > current.Active {
			s.logger.Debug("retirement rejected",
				zap.String(fieldRecordID, id.String()),
				zap.Int64(fieldAmount, validAmount.Int64()),
				zap.Int64("active", current.Active))
			return newInsufficientActiveError(opRetire, validAmount.Int64(), current.Active)
		}

		event, insertErr := transactional.InsertEvent(ctx, id, EventTypeRetired, validAmount.Int64(), s.clock().UTC())
		if insertErr != nil {
			return s.fail(opRetire, reasonEventInsertFailed, insertErr, id)
		}

		retiredAfter, sumErr := transactional.SumRetired(ctx, id)
		if sumErr != nil {
			return s.fail(opRetire, reasonEventsQueryFailed, sumErr, id)
		}
		after, foldErr := settle(State{Total: record.Quantity, Retired: retiredAfter})
		if foldErr != nil {
			return s.fail(opRetire, reasonLedgerInconsistent, foldErr, id)
		}

		result = RetireResult{Event: event, State: after}
		return nil
	})
	if txErr != nil {
		return RetireResult{}, s.settleTransactionError(ctx, opRetire, txErr, id)
	}

	s.logger.Info("credits retired",
		zap.String(fieldRecordID, id.String()),
		zap.Int64(fieldAmount, validAmount.Int64()),
		zap.Int64("active", result.State.Active))
	return result, nil
}

// GetRecord returns the record, its folded state and its ordered event log as of one snapshot.
func (s *Service) GetRecord(ctx context.Context, rawRecordID string) (RecordView, error) {
	id, err := NewRecordID(rawRecordID)
	if err != nil {
		return RecordView{}, s.reject(KindInvalidInput, opGetRecord, reasonInvalidRecordID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var view RecordView
	txErr := s.store.Transaction(ctx, func(transactional *Store) error {
		record, lookupErr := s.lookupRecord(ctx, transactional, id)
		if errors.Is(lookupErr, ErrRecordNotFound) {
			return s.reject(KindNotFound, opGetRecord, reasonRecordNotFound, lookupErr)
		}
		if lookupErr != nil {
			return s.fail(opGetRecord, reasonRecordLookupFailed, lookupErr, id)
		}

		events, listErr := transactional.ListEvents(ctx, id)
		if listErr != nil {
			return s.fail(opGetRecord, reasonEventsQueryFailed, listErr, id)
		}
		state, foldErr := FoldEvents(record, events)
		if foldErr != nil {
			return s.fail(opGetRecord, reasonLedgerInconsistent, foldErr, id)
		}

		view = RecordView{
			Record:     record,
			State:      state,
			Events:     events,
			EventCount: len(events),
		}
		return nil
	})
	if txErr != nil {
		return RecordView{}, s.settleTransactionError(ctx, opGetRecord, txErr, id)
	}
	return view, nil
}

// Ping reports whether the ledger store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.Ping(ctx)
}

func (s *Service) lookupRecord(ctx context.Context, store *Store, id RecordID) (Record, error) {
	cached, ok, err := s.cache.Get(ctx, id)
	if err != nil {
		s.logger.Warn("record cache read failed", zap.String(fieldRecordID, id.String()), zap.Error(err))
	}
	if ok {
		return cached, nil
	}
	record, err := store.FindRecord(ctx, id)
	if err != nil {
		return Record{}, err
	}
	s.remember(ctx, record)
	return record, nil
}

func (s *Service) remember(ctx context.Context, record Record) {
	if err := s.cache.Set(ctx, record); err != nil {
		s.logger.Warn("record cache write failed", zap.String(fieldRecordID, record.ID), zap.Error(err))
	}
}

// reject builds a caller-facing error that needs no error-level logging.
func (s *Service) reject(kind ErrorKind, operation, reason string, cause error) *ServiceError {
	s.logger.Debug("request rejected",
		zap.String(fieldOperation, operation),
		zap.String(fieldReason, reason),
		zap.Error(cause))
	return newServiceError(kind, operation, reason, cause)
}

// fail builds a storage failure and logs it.
func (s *Service) fail(operation, reason string, cause error, id RecordID) *ServiceError {
	s.logError(operation, reason, cause, zap.String(fieldRecordID, id.String()))
	return newServiceError(KindStorageFailure, operation, reason, cause)
}

// settleTransactionError converts whatever escaped a transaction into a ServiceError. Errors raised
// inside the callback already are; commit failures and timeouts are not.
func (s *Service) settleTransactionError(ctx context.Context, operation string, err error, id RecordID) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return s.fail(operation, reasonTransactionTimedOut, errors.Join(context.DeadlineExceeded, err), id)
	}
	return s.fail(operation, reasonTransactionFailed, err, id)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String(fieldOperation, operation),
		zap.String(fieldReason, reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("ledger operation failed", allFields...)
}
