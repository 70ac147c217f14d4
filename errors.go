package slonik

import (
	"errors"
)

// Sentinels for errors.Is. Every typed error below matches its sentinel, and
// the integrity violations also match ErrIntegrityConstraintViolation.
var (
	ErrConnection                             = errors.New("slonik: connection error")
	ErrInvalidInput                           = errors.New("slonik: invalid input")
	ErrUnexpectedState                        = errors.New("slonik: unexpected state")
	ErrNotFound                               = errors.New("slonik: resource not found")
	ErrDataIntegrity                          = errors.New("slonik: unexpected result")
	ErrSchemaValidation                       = errors.New("slonik: schema validation failed")
	ErrBackendTerminated                      = errors.New("slonik: backend terminated")
	ErrStatementCancelled                     = errors.New("slonik: statement cancelled")
	ErrStatementTimeout                       = errors.New("slonik: statement timeout")
	ErrIntegrityConstraintViolation           = errors.New("slonik: integrity constraint violation")
	ErrNotNullIntegrityConstraintViolation    = errors.New("slonik: not null integrity constraint violation")
	ErrForeignKeyIntegrityConstraintViolation = errors.New("slonik: foreign key integrity constraint violation")
	ErrUniqueIntegrityConstraintViolation     = errors.New("slonik: unique integrity constraint violation")
	ErrCheckIntegrityConstraintViolation      = errors.New("slonik: check integrity constraint violation")
	ErrTupleMovedToAnotherPartition           = errors.New("slonik: tuple moved to another partition")

	// ErrConnectionTerminated is reported by drivers when the session dies
	// underneath a statement.
	ErrConnectionTerminated = errors.New("connection terminated unexpectedly")
)

// ErrorClass groups failures by how callers should react to them.
type ErrorClass int

const (
	ErrClassUnknown ErrorClass = iota
	ErrClassRetryable
	ErrClassTerminated
	ErrClassCancelled
	ErrClassConstraint
	ErrClassInvalidInput
)

func (c ErrorClass) String() string {
	switch c {
	case ErrClassRetryable:
		return "retryable"
	case ErrClassTerminated:
		return "terminated"
	case ErrClassCancelled:
		return "cancelled"
	case ErrClassConstraint:
		return "constraint"
	case ErrClassInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Classify maps an error to its class using the SQLSTATE it carries.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrClassUnknown
	}
	if isConnectionTerminated(err) {
		return ErrClassTerminated
	}
	if errors.Is(err, ErrInvalidInput) {
		return ErrClassInvalidInput
	}
	code := SQLState(err)
	if class, ok := sqlStateClasses[code]; ok {
		return class
	}
	if isRetryableError(err) {
		return ErrClassRetryable
	}
	return ErrClassUnknown
}

// ConnectionError is returned when a session cannot be established.
type ConnectionError struct {
	Message string
	Cause   error
}

func (e *ConnectionError) Error() string        { return e.Message }
func (e *ConnectionError) Unwrap() error        { return e.Cause }
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// InvalidInputError reports a template or argument the library refuses to run.
type InvalidInputError struct {
	Message string
	Cause   error
}

func (e *InvalidInputError) Error() string        { return e.Message }
func (e *InvalidInputError) Unwrap() error        { return e.Cause }
func (e *InvalidInputError) Is(target error) bool { return target == ErrInvalidInput }

// UnexpectedStateError reports API misuse, such as using a stale transaction handle.
type UnexpectedStateError struct {
	Message string
}

func (e *UnexpectedStateError) Error() string        { return e.Message }
func (e *UnexpectedStateError) Is(target error) bool { return target == ErrUnexpectedState }

// QueryError carries the statement that failed. Driver failures that match no
// more specific type are returned as *QueryError.
type QueryError struct {
	Message string
	SQL     string
	Values  []any
	Notices []Notice
	Code    string
	Cause   error
}

func (e *QueryError) Error() string           { return e.Message }
func (e *QueryError) Unwrap() error           { return e.Cause }
func (e *QueryError) queryError() *QueryError { return e }

// AsQueryError returns the statement details carried by err, if any.
func AsQueryError(err error) (*QueryError, bool) {
	type carrier interface{ queryError() *QueryError }
	var c carrier
	if errors.As(err, &c) {
		return c.queryError(), true
	}
	return nil, false
}

type NotFoundError struct{ QueryError }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type DataIntegrityError struct{ QueryError }

func (e *DataIntegrityError) Is(target error) bool { return target == ErrDataIntegrity }

// SchemaValidationError is returned when a row parser rejects a row.
type SchemaValidationError struct {
	QueryError
	Row Row
}

func (e *SchemaValidationError) Is(target error) bool { return target == ErrSchemaValidation }

type BackendTerminatedError struct{ QueryError }

func (e *BackendTerminatedError) Is(target error) bool { return target == ErrBackendTerminated }

type StatementCancelledError struct{ QueryError }

func (e *StatementCancelledError) Is(target error) bool { return target == ErrStatementCancelled }

type StatementTimeoutError struct{ QueryError }

func (e *StatementTimeoutError) Is(target error) bool { return target == ErrStatementTimeout }

type TupleMovedToAnotherPartitionError struct{ QueryError }

func (e *TupleMovedToAnotherPartitionError) Is(target error) bool {
	return target == ErrTupleMovedToAnotherPartition
}

// IntegrityConstraintViolationError is the common shape of the constraint
// violations below.
type IntegrityConstraintViolationError struct {
	QueryError
	Constraint string
	Column     string
	Table      string
}

func (e *IntegrityConstraintViolationError) Is(target error) bool {
	return target == ErrIntegrityConstraintViolation
}

type NotNullIntegrityConstraintViolationError struct {
	IntegrityConstraintViolationError
}

func (e *NotNullIntegrityConstraintViolationError) Is(target error) bool {
	return target == ErrNotNullIntegrityConstraintViolation || target == ErrIntegrityConstraintViolation
}

type ForeignKeyIntegrityConstraintViolationError struct {
	IntegrityConstraintViolationError
}

func (e *ForeignKeyIntegrityConstraintViolationError) Is(target error) bool {
	return target == ErrForeignKeyIntegrityConstraintViolation || target == ErrIntegrityConstraintViolation
}

type UniqueIntegrityConstraintViolationError struct {
	IntegrityConstraintViolationError
}

func (e *UniqueIntegrityConstraintViolationError) Is(target error) bool {
	return target == ErrUniqueIntegrityConstraintViolation || target == ErrIntegrityConstraintViolation
}

type CheckIntegrityConstraintViolationError struct {
	IntegrityConstraintViolationError
}

func (e *CheckIntegrityConstraintViolationError) Is(target error) bool {
	return target == ErrCheckIntegrityConstraintViolation || target == ErrIntegrityConstraintViolation
}
