package slonik

import (
	"context"
	"log/slog"
	"time"
)

// ConnectionType tells interceptors why a connection was acquired.
type ConnectionType string

const (
	ExplicitConnection            ConnectionType = "EXPLICIT"
	ImplicitQueryConnection       ConnectionType = "IMPLICIT_QUERY"
	ImplicitTransactionConnection ConnectionType = "IMPLICIT_TRANSACTION"
)

// ConnectionContext describes a connection lifecycle event.
type ConnectionContext struct {
	ConnectionID   string
	ConnectionType ConnectionType
	PoolID         string
}

// QueryContext is created for every statement and handed to each interceptor
// hook. Sandbox is scratch space interceptors may share for the duration of
// one statement.
type QueryContext struct {
	ConnectionID   string
	PoolID         string
	QueryID        string
	TransactionID  string
	QueryInputTime time.Time
	OriginalQuery  Query
	Sandbox        map[string]any
	StackTrace     string
	Log            *slog.Logger
}

// Interceptor is a set of optional hooks. Hooks run in the order the
// interceptors were configured; a nil hook is skipped.
type Interceptor struct {
	Name string

	// BeforePoolConnection may return another pool to serve the request.
	BeforePoolConnection        func(ctx context.Context, cc ConnectionContext) (*Pool, error)
	AfterPoolConnection         func(ctx context.Context, cc ConnectionContext, conn *BoundConnection) error
	BeforePoolConnectionRelease func(ctx context.Context, cc ConnectionContext, conn *BoundConnection) error

	BeforeTransformQuery func(ctx context.Context, qc *QueryContext, q Query) error
	TransformQuery       func(ctx context.Context, qc *QueryContext, q Query) (Query, error)
	// BeforeQueryExecution short-circuits the driver when it returns a result.
	BeforeQueryExecution func(ctx context.Context, qc *QueryContext, q Query) (*QueryResult, error)
	// AfterQueryExecution may return a replacement result; nil keeps the current one.
	AfterQueryExecution func(ctx context.Context, qc *QueryContext, q Query, result *QueryResult) (*QueryResult, error)
	TransformRow        func(ctx context.Context, qc *QueryContext, q Query, row Row, fields []Field) Row
	BeforeQueryResult   func(ctx context.Context, qc *QueryContext, q Query, result *QueryResult) error
	QueryExecutionError func(ctx context.Context, qc *QueryContext, q Query, err error, notices []Notice) error
}
