package slonik

import (
	"context"
)

// Field describes one column of a result set.
type Field struct {
	Name       string
	DataTypeID uint32
}

// Row is a single result row keyed by column name.
type Row map[string]any

// Notice is an informational message the server emitted while a statement ran.
type Notice struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
}

// QueryResult is the outcome of one statement.
type QueryResult struct {
	Command  string
	Fields   []Field
	Notices  []Notice
	RowCount int64
	Rows     []Row
}

// ClientEvents are the callbacks a PoolClient uses to report asynchronous
// activity on its session.
type ClientEvents struct {
	OnNotice func(Notice)
	OnError  func(error)
}

// Driver creates database sessions. It is the only place that talks to a
// wire protocol.
type Driver interface {
	CreateClient(events ClientEvents) PoolClient
}

// PoolClient is one database session as seen by the pool.
type PoolClient interface {
	ID() string
	Connect(ctx context.Context) error
	Query(ctx context.Context, sql string, values []any) (*QueryResult, error)
	Stream(ctx context.Context, sql string, values []any) (RowStream, error)
	End(ctx context.Context) error
}

// RowStream yields rows one at a time. Close must be called once the caller
// is done with the stream.
type RowStream interface {
	Fields() []Field
	Next() bool
	Row() Row
	Err() error
	Close() error
}

// StreamRow is what a Stream callback receives for each row.
type StreamRow struct {
	Fields []Field
	Row    Row
}

// QueryMethods is the convenience surface shared by Pool, BoundConnection
// and TransactionConnection.
type QueryMethods interface {
	Query(ctx context.Context, q Statement) (*QueryResult, error)
	Any(ctx context.Context, q Statement) ([]Row, error)
	AnyFirst(ctx context.Context, q Statement) ([]any, error)
	Exists(ctx context.Context, q Statement) (bool, error)
	Many(ctx context.Context, q Statement) ([]Row, error)
	ManyFirst(ctx context.Context, q Statement) ([]any, error)
	MaybeOne(ctx context.Context, q Statement) (Row, error)
	MaybeOneFirst(ctx context.Context, q Statement) (any, error)
	One(ctx context.Context, q Statement) (Row, error)
	OneFirst(ctx context.Context, q Statement) (any, error)
	Stream(ctx context.Context, q Statement, fn func(StreamRow) error) error
	Transaction(ctx context.Context, handler TransactionHandler, retryLimit ...int) error
}

// Ensure our concrete types implement the interfaces at compile time
var (
	_ QueryMethods = (*Pool)(nil)
	_ QueryMethods = (*BoundConnection)(nil)
	_ QueryMethods = (*TransactionConnection)(nil)

	_ Driver = (*PgxDriver)(nil)
	_ Driver = (*SQLDriver)(nil)
	_ Driver = (*MockDriver)(nil)
)
