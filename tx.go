package slonik

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TransactionHandler runs inside a transaction. Returning an error rolls the
// transaction (or savepoint) back.
type TransactionHandler func(ctx context.Context, tx *TransactionConnection) error

// TransactionConnection is the handle a TransactionHandler receives. It is
// valid only while its own transaction level is the innermost open one.
type TransactionConnection struct {
	*connectionQueries
	depth int
}

func newTransactionConnection(c *Connection, depth int) *TransactionConnection {
	tx := &TransactionConnection{depth: depth}
	tx.connectionQueries = &connectionQueries{conn: c, guard: tx.assertCurrent}
	return tx
}

// ID returns the underlying connection's identifier.
func (t *TransactionConnection) ID() string { return t.conn.id }

// Depth is 0 for the outermost transaction and n for the n-th savepoint.
func (t *TransactionConnection) Depth() int { return t.depth }

func (t *TransactionConnection) assertCurrent() error {
	depth, _, ok := t.conn.transactionState()
	if !ok || depth != t.depth {
		return &UnexpectedStateError{Message: "Cannot run a query using parent transaction."}
	}
	return nil
}

// Transaction opens a savepoint nested in the current transaction.
func (t *TransactionConnection) Transaction(ctx context.Context, handler TransactionHandler, retryLimit ...int) error {
	if err := t.assertCurrent(); err != nil {
		return err
	}
	return nestedTransaction(ctx, t.conn, handler, t.depth, transactionRetryLimit(t.conn.pool, retryLimit))
}

// Transaction runs handler in a transaction on an implicitly acquired connection.
func (p *Pool) Transaction(ctx context.Context, handler TransactionHandler, retryLimit ...int) error {
	return p.connect(ctx, ImplicitTransactionConnection, func(ctx context.Context, conn *BoundConnection) error {
		return conn.Transaction(ctx, handler, retryLimit...)
	})
}

func transactionRetryLimit(p *Pool, override []int) int {
	if len(override) > 0 {
		return override[0]
	}
	return p.config.TransactionRetryLimit
}

func transaction(ctx context.Context, conn *Connection, handler TransactionHandler, retryLimit int) error {
	id := uuid.NewString()
	if !conn.beginTransactionState(id) {
		return &UnexpectedStateError{Message: "Cannot use the same connection to start a new transaction before completing the last transaction."}
	}
	defer conn.clearTransactionState()

	p := conn.pool
	start := time.Now()
	spanCtx, span := p.startSpan(ctx, "transaction", "")
	err := retryWithLimit(spanCtx, retryLimit, func(attempt int) error {
		if attempt > 1 {
			p.logTransaction(ctx, "retry", id, time.Since(start), nil)
		}
		conn.setTransactionDepth(0)
		return execTransaction(spanCtx, conn, handler)
	}, isRetryableError)
	p.finishSpan(span, err)
	p.logTransaction(ctx, "end", id, time.Since(start), err)
	p.recordTransaction(ctx, time.Since(start), err)
	return err
}

func execTransaction(ctx context.Context, conn *Connection, handler TransactionHandler) error {
	if err := conn.execControl(ctx, "START TRANSACTION"); err != nil {
		return err
	}
	err := handler(ctx, newTransactionConnection(conn, 0))
	if err == nil {
		err = conn.terminatedError()
	}
	if err != nil {
		rollback(ctx, conn, "ROLLBACK")
		return err
	}
	return conn.execControl(ctx, "COMMIT")
}

func nestedTransaction(ctx context.Context, conn *Connection, handler TransactionHandler, depth, retryLimit int) error {
	newDepth := depth + 1
	defer conn.setTransactionDepth(depth)
	return retryWithLimit(ctx, retryLimit, func(attempt int) error {
		conn.setTransactionDepth(newDepth)
		return execNestedTransaction(ctx, conn, handler, newDepth)
	}, isRetryableError)
}

func execNestedTransaction(ctx context.Context, conn *Connection, handler TransactionHandler, depth int) error {
	savepoint := "slonik_savepoint_" + strconv.Itoa(depth)
	if err := conn.execControl(ctx, "SAVEPOINT "+savepoint); err != nil {
		return err
	}
	err := handler(ctx, newTransactionConnection(conn, depth))
	if err == nil {
		err = conn.terminatedError()
	}
	if err != nil {
		rollback(ctx, conn, "ROLLBACK TO SAVEPOINT "+savepoint)
		return err
	}
	return nil
}

// rollback issues sql unless the session is already gone. A failed rollback
// is logged; the handler's error is what the caller sees.
func rollback(ctx context.Context, conn *Connection, sql string) {
	if conn.terminatedError() != nil {
		return
	}
	if err := conn.execControl(context.WithoutCancel(ctx), sql); err != nil {
		_, id, _ := conn.transactionState()
		conn.pool.logTransaction(ctx, "rollback_failed", id, 0, err)
	}
}
