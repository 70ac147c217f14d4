package slonik

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockDriver is a scripted in-memory Driver for tests and examples.
// Statements that match no expectation succeed with an empty result.
type MockDriver struct {
	mu           sync.Mutex
	expectations []*MockExpectation
	statements   []MockStatement
	clients      []*mockClient

	connectFailures int
	connectErr      error
	connectDelay    time.Duration

	created  int
	connects int
	ends     int
	overlaps int
}

// MockStatement is one statement a mock client received.
type MockStatement struct {
	ClientID string
	SQL      string
	Values   []any
}

// MockExpectation scripts the response to statements matching a pattern.
type MockExpectation struct {
	driver    *MockDriver
	pattern   *regexp.Regexp
	source    string
	args      []any
	matchArgs bool

	rows      *MockRows
	command   string
	rowCount  int64
	err       error
	delay     time.Duration
	notices   []Notice
	terminate bool

	times int // 0 is unlimited
	used  int
}

// MockRows is the row set a MockExpectation returns.
type MockRows struct {
	columns []string
	rows    [][]any
}

// NewMockRows starts a row set with the given column names.
func NewMockRows(columns ...string) *MockRows {
	return &MockRows{columns: columns}
}

// AddRow appends a row; values are positional by column.
func (r *MockRows) AddRow(values ...any) *MockRows {
	r.rows = append(r.rows, values)
	return r
}

func NewMockDriver() *MockDriver {
	return &MockDriver{}
}

// ExpectQuery registers an expectation for statements matching pattern, a
// case-insensitive regular expression. Expectations are tried in the order
// they were added; exhausted ones are skipped.
func (d *MockDriver) ExpectQuery(pattern string) *MockExpectation {
	e := &MockExpectation{driver: d, pattern: regexp.MustCompile("(?is)" + pattern), source: pattern}
	d.mu.Lock()
	d.expectations = append(d.expectations, e)
	d.mu.Unlock()
	return e
}

func (e *MockExpectation) WithArgs(args ...any) *MockExpectation {
	e.driver.mu.Lock()
	defer e.driver.mu.Unlock()
	e.args = args
	e.matchArgs = true
	return e
}

func (e *MockExpectation) WillReturnRows(rows *MockRows) *MockExpectation {
	e.driver.mu.Lock()
	defer e.driver.mu.Unlock()
	e.rows = rows
	return e
}

// WillReturnResult sets the command tag and affected row count.
func (e *MockExpectation) WillReturnResult(command string, rowCount int64) *MockExpectation {
	e.driver.mu.Lock()
	defer e.driver.mu.Unlock()
	e.command = command
	e.rowCount = rowCount
	return e
}

func (e *MockExpectation) WillReturnError(err error) *MockExpectation {
	e.driver.mu.Lock()
	defer e.driver.mu.Unlock()
	e.err = err
	return e
}

// WillDelay holds the statement for d, or until its context is done.
func (e *MockExpectation) WillDelay(d time.Duration) *MockExpectation {
	e.driver.mu.Lock()
	defer e.driver.mu.Unlock()
	e.delay = d
	return e
}

func (e *MockExpectation) WillEmitNotice(notices ...Notice) *MockExpectation {
	e.driver.mu.Lock()
	defer e.driver.mu.Unlock()
	e.notices = append(e.notices, notices...)
	return e
}

// WillTerminate makes the session die while running the statement.
func (e *MockExpectation) WillTerminate() *MockExpectation {
	e.driver.mu.Lock()
	defer e.driver.mu.Unlock()
	e.terminate = true
	return e
}

// Times limits how many statements the expectation answers.
func (e *MockExpectation) Times(n int) *MockExpectation {
	e.driver.mu.Lock()
	defer e.driver.mu.Unlock()
	e.times = n
	return e
}

// ExpectationsWereMet reports expectations that were never (or not fully) used.
func (d *MockDriver) ExpectationsWereMet() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.expectations {
		if e.used == 0 || (e.times > 0 && e.used < e.times) {
			return fmt.Errorf("expectation %d was not matched: %s (used %d)", i, e.source, e.used)
		}
	}
	return nil
}

// FailConnects makes the next n Connect calls fail with err.
func (d *MockDriver) FailConnects(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectFailures = n
	d.connectErr = err
}

// SetConnectDelay makes every Connect take d.
func (d *MockDriver) SetConnectDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectDelay = delay
}

// TerminateAll kills every open session, as a server restart would.
func (d *MockDriver) TerminateAll() {
	d.mu.Lock()
	clients := append([]*mockClient(nil), d.clients...)
	d.mu.Unlock()
	for _, c := range clients {
		c.terminate()
	}
}

// Statements returns every statement received so far, in order.
func (d *MockDriver) Statements() []MockStatement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]MockStatement(nil), d.statements...)
}

// StatementSQL is Statements reduced to the SQL text.
func (d *MockDriver) StatementSQL() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.statements))
	for i, s := range d.statements {
		out[i] = s.SQL
	}
	return out
}

func (d *MockDriver) ResetStatements() {
	d.mu.Lock()
	d.statements = nil
	d.mu.Unlock()
}

// ClientsCreated, Connects and Ends count driver calls.
func (d *MockDriver) ClientsCreated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created
}

func (d *MockDriver) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

func (d *MockDriver) Ends() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ends
}

// Overlaps counts statements that started while another statement was
// still running on the same session.
func (d *MockDriver) Overlaps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overlaps
}

func (d *MockDriver) CreateClient(events ClientEvents) PoolClient {
	c := &mockClient{id: uuid.NewString(), driver: d, events: events}
	d.mu.Lock()
	d.created++
	d.mu.Unlock()
	return c
}

func (d *MockDriver) match(sql string, values []any) *MockExpectation {
	for _, e := range d.expectations {
		if e.times > 0 && e.used >= e.times {
			continue
		}
		if !e.pattern.MatchString(sql) {
			continue
		}
		if e.matchArgs && !reflect.DeepEqual(e.args, values) {
			continue
		}
		e.used++
		return e
	}
	return nil
}

type mockClient struct {
	id     string
	driver *MockDriver
	events ClientEvents

	mu        sync.Mutex
	connected bool
	closed    bool
	running   int
}

func (c *mockClient) ID() string { return c.id }

func (c *mockClient) Connect(ctx context.Context) error {
	d := c.driver
	d.mu.Lock()
	d.connects++
	delay := d.connectDelay
	var err error
	if d.connectFailures > 0 {
		d.connectFailures--
		err = d.connectErr
		if err == nil {
			err = &DriverError{Code: "08006", Message: "connection failure"}
		}
	}
	d.mu.Unlock()

	if delay > 0 {
		if werr := sleepContext(ctx, delay); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	return nil
}

func (c *mockClient) Query(ctx context.Context, sql string, values []any) (*QueryResult, error) {
	c.mu.Lock()
	if !c.connected || c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionTerminated
	}
	c.running++
	overlap := c.running > 1
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running--
		c.mu.Unlock()
	}()

	d := c.driver
	d.mu.Lock()
	d.statements = append(d.statements, MockStatement{ClientID: c.id, SQL: sql, Values: values})
	if overlap {
		d.overlaps++
	}
	e := d.match(sql, values)
	var (
		delay     time.Duration
		notices   []Notice
		err       error
		terminate bool
		result    = &QueryResult{Command: commandOf(sql), Rows: []Row{}}
	)
	if e != nil {
		delay, err, terminate = e.delay, e.err, e.terminate
		notices = append(notices, e.notices...)
		if e.command != "" {
			result.Command = e.command
		}
		result.RowCount = e.rowCount
		if e.rows != nil {
			result.Fields, result.Rows = e.rows.materialize()
			if e.rowCount == 0 {
				result.RowCount = int64(len(result.Rows))
			}
		}
	}
	d.mu.Unlock()

	if delay > 0 {
		if werr := sleepContext(ctx, delay); werr != nil {
			return nil, werr
		}
	}
	for _, n := range notices {
		if c.events.OnNotice != nil {
			c.events.OnNotice(n)
		}
	}
	if terminate {
		return nil, c.terminate()
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *mockClient) Stream(ctx context.Context, sql string, values []any) (RowStream, error) {
	result, err := c.Query(ctx, sql, values)
	if err != nil {
		return nil, err
	}
	return &mockStream{fields: result.Fields, rows: result.Rows, pos: -1}, nil
}

func (c *mockClient) End(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	d := c.driver
	d.mu.Lock()
	d.ends++
	for i, other := range d.clients {
		if other == c {
			d.clients = append(d.clients[:i], d.clients[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	return nil
}

func (c *mockClient) terminate() error {
	err := fmt.Errorf("%w: %w", ErrConnectionTerminated, &DriverError{
		Code:    "57P01",
		Message: "terminating connection due to administrator command",
	})
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if !already && c.events.OnError != nil {
		c.events.OnError(err)
	}
	return err
}

func (r *MockRows) materialize() ([]Field, []Row) {
	fields := make([]Field, len(r.columns))
	for i, name := range r.columns {
		fields[i] = Field{Name: name}
	}
	rows := make([]Row, 0, len(r.rows))
	for _, values := range r.rows {
		row := make(Row, len(r.columns))
		for i, name := range r.columns {
			if i < len(values) {
				row[name] = values[i]
			}
		}
		rows = append(rows, row)
	}
	return fields, rows
}

type mockStream struct {
	fields []Field
	rows   []Row
	pos    int
}

func (s *mockStream) Fields() []Field { return s.fields }

func (s *mockStream) Next() bool {
	s.pos++
	return s.pos < len(s.rows)
}

func (s *mockStream) Row() Row     { return s.rows[s.pos] }
func (s *mockStream) Err() error   { return nil }
func (s *mockStream) Close() error { return nil }

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
