package slonik

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DriverConfig is what a production driver needs from the pool configuration.
type DriverConfig struct {
	ConnectionURI                   string
	ConnectionTimeout               time.Duration
	StatementTimeout                time.Duration
	IdleInTransactionSessionTimeout time.Duration
	TypeParsers                     []TypeParser
}

// PgxDriver opens one pgx connection per pool client.
type PgxDriver struct {
	config  DriverConfig
	parsers map[string]func(string) (any, error)
}

// NewPgxDriver returns the default Postgres driver.
func NewPgxDriver(cfg DriverConfig) *PgxDriver {
	return &PgxDriver{config: cfg, parsers: typeParserMap(cfg.TypeParsers)}
}

func (d *PgxDriver) CreateClient(events ClientEvents) PoolClient {
	return &pgxClient{id: uuid.NewString(), driver: d, events: events}
}

// connConfig builds the pgx configuration for one session.
func (d *PgxDriver) connConfig(events ClientEvents) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(d.config.ConnectionURI)
	if err != nil {
		return nil, &InvalidInputError{Message: "Invalid connection URI.", Cause: err}
	}
	if timeoutEnabled(d.config.ConnectionTimeout) {
		cfg.ConnectTimeout = d.config.ConnectionTimeout
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	if timeoutEnabled(d.config.StatementTimeout) {
		cfg.RuntimeParams["statement_timeout"] = strconv.FormatInt(d.config.StatementTimeout.Milliseconds(), 10)
	}
	if timeoutEnabled(d.config.IdleInTransactionSessionTimeout) {
		cfg.RuntimeParams["idle_in_transaction_session_timeout"] = strconv.FormatInt(d.config.IdleInTransactionSessionTimeout.Milliseconds(), 10)
	}
	if events.OnNotice != nil {
		cfg.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
			events.OnNotice(Notice{
				Severity: n.Severity,
				Code:     n.Code,
				Message:  n.Message,
				Detail:   n.Detail,
				Hint:     n.Hint,
			})
		}
	}
	return cfg, nil
}

type pgxClient struct {
	id     string
	driver *PgxDriver
	events ClientEvents
	conn   *pgx.Conn
}

func (c *pgxClient) ID() string { return c.id }

func (c *pgxClient) Connect(ctx context.Context) error {
	cfg, err := c.driver.connConfig(c.events)
	if err != nil {
		return err
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *pgxClient) Query(ctx context.Context, sql string, values []any) (*QueryResult, error) {
	rows, err := c.query(ctx, sql, values)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := pgxFields(rows.FieldDescriptions())
	result := &QueryResult{Fields: fields, Rows: []Row{}}
	for rows.Next() {
		row, err := c.decodeRow(rows, fields)
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, c.check(err)
	}
	tag := rows.CommandTag()
	result.Command = commandOf(tag.String())
	result.RowCount = tag.RowsAffected()
	return result, nil
}

func (c *pgxClient) Stream(ctx context.Context, sql string, values []any) (RowStream, error) {
	rows, err := c.query(ctx, sql, values)
	if err != nil {
		return nil, err
	}
	return &pgxStream{client: c, rows: rows, fields: pgxFields(rows.FieldDescriptions())}, nil
}

func (c *pgxClient) End(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close(ctx)
}

func (c *pgxClient) query(ctx context.Context, sql string, values []any) (pgx.Rows, error) {
	if c.conn == nil || c.conn.IsClosed() {
		return nil, ErrConnectionTerminated
	}
	args := make([]any, 0, len(values)+1)
	args = append(args, pgx.QueryResultFormats{pgtype.TextFormatCode})
	args = append(args, values...)
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, c.check(err)
	}
	return rows, nil
}

// decodeRow applies a configured type parser to the text form of a column
// when one is registered for its type, and pgx's own decoding otherwise.
func (c *pgxClient) decodeRow(rows pgx.Rows, fields []Field) (Row, error) {
	decoded, err := rows.Values()
	if err != nil {
		return nil, err
	}
	raw := rows.RawValues()
	row := make(Row, len(fields))
	for i, f := range fields {
		value := decoded[i]
		if parse := c.parserFor(f.DataTypeID); parse != nil {
			if raw[i] == nil {
				value = nil
			} else if value, err = parse(string(raw[i])); err != nil {
				return nil, fmt.Errorf("parse column %q: %w", f.Name, err)
			}
		}
		row[f.Name] = value
	}
	return row, nil
}

func (c *pgxClient) parserFor(oid uint32) func(string) (any, error) {
	if len(c.driver.parsers) == 0 {
		return nil
	}
	t, ok := c.conn.TypeMap().TypeForOID(oid)
	if !ok {
		return nil
	}
	return c.driver.parsers[t.Name]
}

// check reports a lost session through OnError and tags the error so the
// pool stops using the connection.
func (c *pgxClient) check(err error) error {
	if err == nil || !c.conn.IsClosed() {
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

type pgxStream struct {
	client *pgxClient
	rows   pgx.Rows
	fields []Field
	row    Row
	err    error
}

func (s *pgxStream) Fields() []Field { return s.fields }

func (s *pgxStream) Next() bool {
	if s.err != nil || !s.rows.Next() {
		return false
	}
	s.row, s.err = s.client.decodeRow(s.rows, s.fields)
	return s.err == nil
}

func (s *pgxStream) Row() Row { return s.row }

func (s *pgxStream) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.client.check(s.rows.Err())
}

func (s *pgxStream) Close() error {
	s.rows.Close()
	return nil
}

func pgxFields(descriptions []pgconn.FieldDescription) []Field {
	fields := make([]Field, len(descriptions))
	for i, fd := range descriptions {
		fields[i] = Field{Name: fd.Name, DataTypeID: fd.DataTypeOID}
	}
	return fields
}

// commandOf returns the verb of a command tag or statement, e.g. "INSERT".
func commandOf(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t\n("); i >= 0 {
		s = s[:i]
	}
	return strings.ToUpper(s)
}
