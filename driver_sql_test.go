package slonik

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLMockPool(t *testing.T, opts ...Option) (*Pool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Driver = NewSQLDriver(db, DefaultTypeParsers()...)
	for _, opt := range opts {
		opt(&cfg)
	}
	p, err := NewPool(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, p.End(context.Background()))
		mock.ExpectClose()
		require.NoError(t, db.Close())
		require.NoError(t, mock.ExpectationsWereMet())
	})
	return p, mock
}

func TestSQLDriver_Query(t *testing.T) {
	p, mock := newSQLMockPool(t)
	mock.ExpectQuery("SELECT id, name FROM person WHERE id = $1").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRowsWithColumnDefinition(
			sqlmock.NewColumn("id").OfType("INT8", int64(0)),
			sqlmock.NewColumn("name").OfType("TEXT", ""),
		).AddRow("9007199254740993", "foo"))

	result, err := p.Query(context.Background(), SQL("SELECT id, name FROM person WHERE id = ?", 1))
	require.NoError(t, err)
	assert.Equal(t, "SELECT", result.Command)
	assert.Equal(t, int64(1), result.RowCount)
	require.Len(t, result.Fields, 2)
	assert.Equal(t, "id", result.Fields[0].Name)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, int64(9007199254740993), result.Rows[0]["id"])
	assert.Equal(t, "foo", result.Rows[0]["name"])
}

func TestSQLDriver_Transaction(t *testing.T) {
	p, mock := newSQLMockPool(t)
	mock.ExpectQuery("START TRANSACTION").WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectQuery("INSERT INTO person (name) VALUES ($1)").WithArgs("foo").WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectQuery("COMMIT").WillReturnRows(sqlmock.NewRows(nil))

	err := p.Transaction(context.Background(), func(ctx context.Context, tx *TransactionConnection) error {
		_, err := tx.Query(ctx, SQL("INSERT INTO person (name) VALUES (?)", "foo"))
		return err
	})
	require.NoError(t, err)
}

func TestSQLDriver_ServerError(t *testing.T) {
	p, mock := newSQLMockPool(t)
	mock.ExpectQuery("INSERT INTO person (email) VALUES ($1)").
		WithArgs("a@b").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value", Constraint: "person_email_key"})

	_, err := p.Query(context.Background(), SQL("INSERT INTO person (email) VALUES (?)", "a@b"))
	var unique *UniqueIntegrityConstraintViolationError
	require.ErrorAs(t, err, &unique)
	assert.Equal(t, "person_email_key", unique.Constraint)
	// server errors leave the session in the pool
	assert.Equal(t, 1, p.State().IdleConnections)
}

func TestSQLDriver_Stream(t *testing.T) {
	p, mock := newSQLMockPool(t)
	mock.ExpectQuery("SELECT n FROM generate_series(1, 3) n").
		WillReturnRows(sqlmock.NewRowsWithColumnDefinition(sqlmock.NewColumn("n").OfType("INT8", int64(0))).
			AddRow("1").AddRow("2").AddRow("3"))

	var got []any
	err := p.Stream(context.Background(), Raw("SELECT n FROM generate_series(1, 3) n"), func(r StreamRow) error {
		got = append(got, r.Row["n"])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, got)
}

func TestSQLArgs(t *testing.T) {
	args := sqlArgs([]any{1, "a", nil, []byte("x"), []int64{1, 2}, []string{"a"}})
	assert.Equal(t, 1, args[0])
	assert.Equal(t, "a", args[1])
	assert.Nil(t, args[2])
	assert.Equal(t, []byte("x"), args[3])
	assert.Equal(t, pq.Array([]int64{1, 2}), args[4])
	assert.Equal(t, pq.Array([]string{"a"}), args[5])
}
