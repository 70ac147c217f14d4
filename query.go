package slonik

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	crdb "github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type queryIDKey struct{}

// withQueryID pins a query id on ctx so every statement run under it reports
// the same id. An id already present is kept.
func withQueryID(ctx context.Context) context.Context {
	if _, ok := ctx.Value(queryIDKey{}).(string); ok {
		return ctx
	}
	return context.WithValue(ctx, queryIDKey{}, uuid.NewString())
}

func queryIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(queryIDKey{}).(string); ok {
		return id
	}
	return uuid.NewString()
}

var onlyValueBinding = regexp.MustCompile(`^\s*\$1\s*$`)

func assertQueryNotEmpty(q Query) error {
	if strings.TrimSpace(q.SQL) == "" {
		return &InvalidInputError{Message: "Unexpected SQL input. Query cannot be empty."}
	}
	if onlyValueBinding.MatchString(q.SQL) {
		return &InvalidInputError{Message: "Unexpected SQL input. Query cannot be empty. Found only value binding."}
	}
	return nil
}

// executionRoutine performs the driver call for one attempt of a statement.
type executionRoutine func(ctx context.Context, qc *QueryContext, client PoolClient, q Query) (*QueryResult, error)

// callbackError marks an error returned by caller code inside a stream so it
// passes through unchanged.
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

func queryRoutine(ctx context.Context, _ *QueryContext, client PoolClient, q Query) (*QueryResult, error) {
	return client.Query(ctx, q.SQL, q.Values)
}

// executeQuery runs one statement through the interceptor pipeline.
func (c *Connection) executeQuery(ctx context.Context, st Statement) (*QueryResult, Query, error) {
	return c.execute(ctx, st, queryRoutine, c.pool.config.QueryRetryLimit)
}

func (c *Connection) execute(ctx context.Context, st Statement, routine executionRoutine, retryLimit int) (*QueryResult, Query, error) {
	p := c.pool
	if err := c.terminatedError(); err != nil {
		return nil, Query{}, err
	}
	query, parser, err := compileStatement(st)
	if err != nil {
		return nil, query, err
	}
	if err := assertQueryNotEmpty(query); err != nil {
		return nil, query, err
	}

	_, transactionID, _ := c.transactionState()
	queryID := queryIDFrom(ctx)
	qc := &QueryContext{
		ConnectionID:   c.id,
		PoolID:         p.id,
		QueryID:        queryID,
		TransactionID:  transactionID,
		QueryInputTime: time.Now(),
		OriginalQuery:  query,
		Sandbox:        map[string]any{},
		Log:            p.queryLogger().With(slog.String("query_id", queryID)),
	}
	if p.config.CaptureStackTrace {
		qc.StackTrace = string(debug.Stack())
	}

	interceptors := p.config.Interceptors
	for _, ic := range interceptors {
		if ic.BeforeTransformQuery == nil {
			continue
		}
		if err := ic.BeforeTransformQuery(ctx, qc, query); err != nil {
			return nil, query, err
		}
	}
	for _, ic := range interceptors {
		if ic.TransformQuery == nil {
			continue
		}
		if query, err = ic.TransformQuery(ctx, qc, query); err != nil {
			return nil, query, err
		}
	}

	var result *QueryResult
	for _, ic := range interceptors {
		if ic.BeforeQueryExecution == nil {
			continue
		}
		short, err := ic.BeforeQueryExecution(ctx, qc, query)
		if err != nil {
			return nil, query, err
		}
		if short != nil {
			result = short
			break
		}
	}

	if result == nil {
		result, err = c.run(ctx, qc, query, routine, retryLimit)
		if err != nil {
			return nil, query, p.decorateError(err)
		}
	}

	for _, ic := range interceptors {
		if ic.AfterQueryExecution == nil {
			continue
		}
		replacement, err := ic.AfterQueryExecution(ctx, qc, query, result)
		if err != nil {
			return nil, query, err
		}
		if replacement != nil {
			result = replacement
		}
	}

	for i, row := range result.Rows {
		row = transformRow(ctx, interceptors, qc, query, row, result.Fields)
		if parser != nil {
			parsed, err := parser(row)
			if err != nil {
				return nil, query, schemaValidationError(query, row, err)
			}
			row = parsed
		}
		result.Rows[i] = row
	}

	for _, ic := range interceptors {
		if ic.BeforeQueryResult == nil {
			continue
		}
		if err := ic.BeforeQueryResult(ctx, qc, query, result); err != nil {
			return nil, query, err
		}
	}
	return result, query, nil
}

// run performs the driver call behind the connection's statement queue,
// retrying transaction-rollback failures outside of transactions.
func (c *Connection) run(ctx context.Context, qc *QueryContext, query Query, routine executionRoutine, retryLimit int) (*QueryResult, error) {
	p := c.pool
	release, err := c.beginQuery(ctx)
	if err != nil {
		return nil, err
	}
	retryable := func(err error) bool {
		_, _, inTransaction := c.transactionState()
		return !inTransaction && isRetryableError(err)
	}

	var result *QueryResult
	start := time.Now()
	spanCtx, span := p.startSpan(ctx, "query", query.SQL)
	p.annotateSpan(span, attribute.String("db.query_id", qc.QueryID))
	err = retryWithLimit(ctx, retryLimit, func(attempt int) error {
		c.resetNotices()
		r, err := routine(spanCtx, qc, c.client, query)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, retryable)
	notices := c.takeNotices()
	release()
	duration := time.Since(start)

	if err != nil {
		var cbErr *callbackError
		if errors.As(err, &cbErr) {
			p.finishSpan(span, cbErr.err)
			p.recordQuery(ctx, "query", duration, cbErr.err)
			return nil, cbErr.err
		}
		if isConnectionTerminated(err) {
			c.markTerminated(err)
		}
		// A server-reported error leaves the session usable.
		if !isLibraryError(err) && SQLState(err) == "" {
			c.markFailed(err)
		}
		for _, ic := range p.config.Interceptors {
			if ic.QueryExecutionError == nil {
				continue
			}
			if herr := ic.QueryExecutionError(ctx, qc, query, err, notices); herr != nil {
				err = herr
				break
			}
		}
		wrapped := wrapQueryError(err, query, notices)
		p.finishSpan(span, wrapped)
		p.logQuery(ctx, qc, query, duration, wrapped)
		p.recordQuery(ctx, "query", duration, wrapped)
		return nil, wrapped
	}

	if len(notices) > 0 {
		result.Notices = append(result.Notices, notices...)
	}
	p.finishSpan(span, nil)
	p.logQuery(ctx, qc, query, duration, nil)
	p.recordQuery(ctx, "query", duration, nil)
	return result, nil
}

func transformRow(ctx context.Context, interceptors []Interceptor, qc *QueryContext, q Query, row Row, fields []Field) Row {
	for _, ic := range interceptors {
		if ic.TransformRow != nil {
			row = ic.TransformRow(ctx, qc, q, row, fields)
		}
	}
	return row
}

func schemaValidationError(q Query, row Row, cause error) error {
	return &SchemaValidationError{
		QueryError: QueryError{
			Message: "Query returned rows that do not conform with the schema.",
			SQL:     q.SQL,
			Values:  q.Values,
			Cause:   cause,
		},
		Row: row,
	}
}

// decorateError attaches a stack trace when the pool is configured to capture one.
func (p *Pool) decorateError(err error) error {
	if p.config.CaptureStackTrace {
		return crdb.WithStack(err)
	}
	return err
}

// stream runs st and hands each row to fn as it arrives. Streams are not retried.
func (c *Connection) stream(ctx context.Context, st Statement, fn func(StreamRow) error) error {
	_, parser := statementParser(st)
	routine := func(ctx context.Context, qc *QueryContext, client PoolClient, q Query) (*QueryResult, error) {
		rows, err := client.Stream(ctx, q.SQL, q.Values)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		fields := rows.Fields()
		var count int64
		for rows.Next() {
			row := transformRow(ctx, c.pool.config.Interceptors, qc, q, rows.Row(), fields)
			if parser != nil {
				parsed, err := parser(row)
				if err != nil {
					return nil, schemaValidationError(q, row, err)
				}
				row = parsed
			}
			count++
			if err := fn(StreamRow{Fields: fields, Row: row}); err != nil {
				return nil, &callbackError{err: err}
			}
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return &QueryResult{Command: "SELECT", Fields: fields, RowCount: count}, nil
	}
	// The parser is applied per row above; strip it so the pipeline does not
	// apply it a second time.
	_, _, err := c.execute(ctx, stripParser(st), routine, 0)
	return err
}

func statementParser(st Statement) (FragmentToken, RowParser) {
	if st == nil {
		return FragmentToken{}, nil
	}
	return st.statement()
}

func stripParser(st Statement) Statement {
	if st == nil {
		return nil
	}
	fragment, _ := st.statement()
	return fragment
}

// execControl runs a transaction control statement. Control statements skip
// interceptors and are never retried.
func (c *Connection) execControl(ctx context.Context, sql string) error {
	if err := c.terminatedError(); err != nil {
		return err
	}
	release, err := c.beginQuery(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	spanCtx, span := c.pool.startSpan(ctx, "query", sql)
	_, err = c.client.Query(spanCtx, sql, nil)
	release()
	query := Query{SQL: sql}
	if err != nil {
		if isConnectionTerminated(err) {
			c.markTerminated(err)
		}
		if SQLState(err) == "" {
			c.markFailed(err)
		}
		err = wrapQueryError(err, query, nil)
	}
	c.pool.finishSpan(span, err)
	c.pool.logQuery(ctx, nil, query, time.Since(start), err)
	return err
}
