package slonik

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// SQLDriver adapts a database/sql handle. Every pool client pins one
// *sql.Conn for its lifetime, so session state behaves as it does on a
// dedicated connection.
//
// database/sql reports no affected-row count for Query, so RowCount is the
// number of rows returned.
type SQLDriver struct {
	db      *sql.DB
	open    func(events ClientEvents) (*sql.DB, error)
	parsers map[string]func(string) (any, error)
}

// NewSQLDriver wraps db. Column values are passed through the type parsers
// matched by the driver-reported database type name.
func NewSQLDriver(db *sql.DB, parsers ...TypeParser) *SQLDriver {
	return &SQLDriver{db: db, parsers: typeParserMap(parsers)}
}

// NewPQDriver opens sessions with lib/pq. Each client gets its own
// connector so server notices reach that client's OnNotice.
func NewPQDriver(connectionURI string, parsers ...TypeParser) *SQLDriver {
	return &SQLDriver{
		parsers: typeParserMap(parsers),
		open: func(events ClientEvents) (*sql.DB, error) {
			base, err := pq.NewConnector(connectionURI)
			if err != nil {
				return nil, &InvalidInputError{Message: "Invalid connection URI.", Cause: err}
			}
			var connector driver.Connector = base
			if events.OnNotice != nil {
				connector = pq.ConnectorWithNoticeHandler(base, func(n *pq.Error) {
					events.OnNotice(Notice{
						Severity: n.Severity,
						Code:     string(n.Code),
						Message:  n.Message,
						Detail:   n.Detail,
						Hint:     n.Hint,
					})
				})
			}
			db := sql.OpenDB(connector)
			db.SetMaxOpenConns(1)
			return db, nil
		},
	}
}

func (d *SQLDriver) CreateClient(events ClientEvents) PoolClient {
	return &sqlClient{id: uuid.NewString(), driver: d, events: events}
}

type sqlClient struct {
	id     string
	driver *SQLDriver
	events ClientEvents
	db     *sql.DB
	owned  bool
	conn   *sql.Conn
}

func (c *sqlClient) ID() string { return c.id }

func (c *sqlClient) Connect(ctx context.Context) error {
	db := c.driver.db
	if c.driver.open != nil {
		var err error
		if db, err = c.driver.open(c.events); err != nil {
			return err
		}
		c.owned = true
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		if c.owned {
			_ = db.Close()
		}
		return err
	}
	c.db = db
	c.conn = conn
	return nil
}

func (c *sqlClient) Query(ctx context.Context, query string, values []any) (*QueryResult, error) {
	s, err := c.open(ctx, query, values)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	result := &QueryResult{Command: commandOf(query), Fields: s.fields, Rows: []Row{}}
	for s.Next() {
		result.Rows = append(result.Rows, s.Row())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	result.RowCount = int64(len(result.Rows))
	return result, nil
}

func (c *sqlClient) Stream(ctx context.Context, query string, values []any) (RowStream, error) {
	return c.open(ctx, query, values)
}

func (c *sqlClient) End(context.Context) error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	if errors.Is(err, sql.ErrConnDone) {
		err = nil
	}
	if c.owned {
		if cerr := c.db.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (c *sqlClient) open(ctx context.Context, query string, values []any) (*sqlStream, error) {
	if c.conn == nil {
		return nil, ErrConnectionTerminated
	}
	rows, err := c.conn.QueryContext(ctx, query, sqlArgs(values)...)
	if err != nil {
		return nil, c.check(err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		_ = rows.Close()
		return nil, c.check(err)
	}
	s := &sqlStream{client: c, rows: rows, fields: make([]Field, len(types)), parsers: make([]func(string) (any, error), len(types))}
	for i, t := range types {
		s.fields[i] = Field{Name: t.Name()}
		s.parsers[i] = c.driver.parsers[strings.ToLower(t.DatabaseTypeName())]
	}
	return s, nil
}

// sqlArgs wraps slice bindings with pq.Array; database/sql has no native
// array parameters.
func sqlArgs(values []any) []any {
	args := make([]any, len(values))
	for i, v := range values {
		switch v.(type) {
		case nil, []byte, driver.Valuer:
			args[i] = v
			continue
		}
		if k := reflect.TypeOf(v).Kind(); k == reflect.Slice || k == reflect.Array {
			args[i] = pq.Array(v)
			continue
		}
		args[i] = v
	}
	return args
}

func (c *sqlClient) check(err error) error {
	if !errors.Is(err, driver.ErrBadConn) && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	if !errors.Is(err, ErrConnectionTerminated) {
		err = fmt.Errorf("%w: %w", ErrConnectionTerminated, err)
	}
	if c.events.OnError != nil {
		c.events.OnError(err)
	}
	return err
}

type sqlStream struct {
	client  *sqlClient
	rows    *sql.Rows
	fields  []Field
	parsers []func(string) (any, error)
	row     Row
	err     error
}

func (s *sqlStream) Fields() []Field { return s.fields }

func (s *sqlStream) Next() bool {
	if s.err != nil || !s.rows.Next() {
		return false
	}
	dest := make([]any, len(s.fields))
	ptrs := make([]any, len(s.fields))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := s.rows.Scan(ptrs...); err != nil {
		s.err = err
		return false
	}
	row := make(Row, len(s.fields))
	for i, f := range s.fields {
		v := dest[i]
		if b, ok := v.([]byte); ok && s.parsers[i] != nil {
			v = string(b)
		}
		if text, ok := v.(string); ok && s.parsers[i] != nil {
			parsed, err := s.parsers[i](text)
			if err != nil {
				s.err = fmt.Errorf("parse column %q: %w", f.Name, err)
				return false
			}
			v = parsed
		}
		row[f.Name] = v
	}
	s.row = row
	return true
}

func (s *sqlStream) Row() Row { return s.row }

func (s *sqlStream) Err() error {
	if s.err != nil {
		return s.err
	}
	if err := s.rows.Err(); err != nil {
		return s.client.check(err)
	}
	return nil
}

func (s *sqlStream) Close() error { return s.rows.Close() }
