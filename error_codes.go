package slonik

import (
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	mysql "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// SQLSTATE codes with a dedicated error type.
const (
	codeBackendTerminated         = "57P01"
	codeQueryCanceled             = "57014"
	codeNotNullViolation          = "23502"
	codeForeignKeyViolation       = "23503"
	codeUniqueViolation           = "23505"
	codeCheckViolation            = "23514"
	codeInvalidTextRepresentation = "22P02"

	transactionRollbackClass = "40"

	statementTimeoutMessage = "canceling statement due to statement timeout"
	tupleMovedMessage       = "tuple to be locked was already moved to another partition due to concurrent update"
)

var sqlStateClasses = map[string]ErrorClass{
	codeBackendTerminated:         ErrClassTerminated,
	codeQueryCanceled:             ErrClassCancelled,
	codeNotNullViolation:          ErrClassConstraint,
	codeForeignKeyViolation:       ErrClassConstraint,
	codeUniqueViolation:           ErrClassConstraint,
	codeCheckViolation:            ErrClassConstraint,
	codeInvalidTextRepresentation: ErrClassInvalidInput,
}

// DriverError is the server error shape drivers without their own error type
// report. MockDriver uses it to simulate Postgres failures.
type DriverError struct {
	Code       string
	Message    string
	Constraint string
	Column     string
	Table      string
}

func (e *DriverError) Error() string { return e.Message }

type serverError struct {
	code       string
	message    string
	constraint string
	column     string
	table      string
}

// serverErrorOf extracts the server-side details from any supported driver's error.
func serverErrorOf(err error) (serverError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return serverError{pgErr.Code, pgErr.Message, pgErr.ConstraintName, pgErr.ColumnName, pgErr.TableName}, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return serverError{string(pqErr.Code), pqErr.Message, pqErr.Constraint, pqErr.Column, pqErr.Table}, true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		code := ""
		if myErr.SQLState != [5]byte{} {
			code = string(myErr.SQLState[:])
		}
		return serverError{code: code, message: myErr.Message}, true
	}
	var dErr *DriverError
	if errors.As(err, &dErr) {
		return serverError{dErr.Code, dErr.Message, dErr.Constraint, dErr.Column, dErr.Table}, true
	}
	return serverError{}, false
}

// SQLState returns the five character SQLSTATE carried by err, or "".
func SQLState(err error) string {
	if se, ok := serverErrorOf(err); ok {
		return se.code
	}
	return ""
}

func isTransactionRollback(code string) bool {
	return strings.HasPrefix(code, transactionRollbackClass)
}

// isRetryableError reports whether err is a serialization failure, deadlock
// or other transaction rollback the server expects the client to retry.
func isRetryableError(err error) bool {
	if se, ok := serverErrorOf(err); ok {
		return isTransactionRollback(se.code) && !strings.Contains(se.message, tupleMovedMessage)
	}
	return false
}

func isConnectionTerminated(err error) bool {
	if err == nil {
		return false
	}
	var terminated *BackendTerminatedError
	if errors.As(err, &terminated) {
		return true
	}
	if errors.Is(err, ErrConnectionTerminated) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if SQLState(err) == codeBackendTerminated {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Connection terminated unexpectedly") || strings.Contains(msg, "conn closed")
}

// wrapQueryError turns a driver failure into the library's error taxonomy.
func wrapQueryError(cause error, q Query, notices []Notice) error {
	if cause == nil {
		return nil
	}
	if _, ok := AsQueryError(cause); ok || isLibraryError(cause) {
		return cause
	}
	base := QueryError{
		Message: cause.Error(),
		SQL:     q.SQL,
		Values:  q.Values,
		Notices: notices,
		Cause:   cause,
	}
	se, ok := serverErrorOf(cause)
	if ok {
		base.Code = se.code
	}
	if isConnectionTerminated(cause) {
		base.Message = "Backend has been terminated."
		return &BackendTerminatedError{base}
	}
	if !ok {
		return &base
	}
	integrity := IntegrityConstraintViolationError{
		QueryError: base,
		Constraint: se.constraint,
		Column:     se.column,
		Table:      se.table,
	}
	switch {
	case se.code == codeQueryCanceled && strings.Contains(se.message, statementTimeoutMessage):
		base.Message = "Statement has been cancelled due to a statement_timeout."
		return &StatementTimeoutError{base}
	case se.code == codeQueryCanceled:
		base.Message = "Statement has been cancelled."
		return &StatementCancelledError{base}
	case se.code == codeNotNullViolation:
		integrity.Message = "Query violates a not NULL integrity constraint. " + se.message
		return &NotNullIntegrityConstraintViolationError{integrity}
	case se.code == codeForeignKeyViolation:
		integrity.Message = "Query violates a foreign key integrity constraint. " + se.message
		return &ForeignKeyIntegrityConstraintViolationError{integrity}
	case se.code == codeUniqueViolation:
		integrity.Message = "Query violates a unique integrity constraint. " + se.message
		return &UniqueIntegrityConstraintViolationError{integrity}
	case se.code == codeCheckViolation:
		integrity.Message = "Query violates a check integrity constraint. " + se.message
		return &CheckIntegrityConstraintViolationError{integrity}
	case se.code == codeInvalidTextRepresentation:
		return &InvalidInputError{Message: se.message, Cause: cause}
	case strings.Contains(se.message, tupleMovedMessage):
		base.Message = "Tuple moved to another partition due to concurrent update."
		return &TupleMovedToAnotherPartitionError{base}
	}
	return &base
}

func isLibraryError(err error) bool {
	for _, sentinel := range []error{
		ErrConnection, ErrInvalidInput, ErrUnexpectedState, ErrNotFound, ErrDataIntegrity,
		ErrSchemaValidation, ErrBackendTerminated, ErrStatementCancelled, ErrStatementTimeout,
		ErrIntegrityConstraintViolation, ErrTupleMovedToAnotherPartition,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
