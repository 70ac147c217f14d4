package slonik

import (
	"context"
)

// connectionQueries implements the query methods for a single connection.
// guard, when set, runs before every statement.
type connectionQueries struct {
	conn  *Connection
	guard func() error
}

func (q *connectionQueries) run(ctx context.Context, st Statement) (*QueryResult, Query, error) {
	if q.guard != nil {
		if err := q.guard(); err != nil {
			return nil, Query{}, err
		}
	}
	return q.conn.executeQuery(withQueryID(ctx), st)
}

// Query returns the full result of st.
func (q *connectionQueries) Query(ctx context.Context, st Statement) (*QueryResult, error) {
	res, _, err := q.run(ctx, st)
	return res, err
}

// Any returns all rows, possibly none.
func (q *connectionQueries) Any(ctx context.Context, st Statement) ([]Row, error) {
	res, _, err := q.run(ctx, st)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// AnyFirst returns the only column of every row.
func (q *connectionQueries) AnyFirst(ctx context.Context, st Statement) ([]any, error) {
	res, query, err := q.run(ctx, st)
	if err != nil {
		return nil, err
	}
	return firstColumn(res, query)
}

// Exists wraps st in SELECT EXISTS(...) and reports the answer.
func (q *connectionQueries) Exists(ctx context.Context, st Statement) (bool, error) {
	if st == nil {
		return false, &InvalidInputError{Message: "Unexpected SQL input. Query cannot be empty."}
	}
	fragment, _ := st.statement()
	if len(fragment.Parts) != len(fragment.Values)+1 {
		return false, &InvalidInputError{Message: "Unexpected SQL input. Query cannot be empty."}
	}
	res, query, err := q.run(ctx, existsFragment(fragment))
	if err != nil {
		return false, err
	}
	if len(res.Rows) != 1 {
		return false, dataIntegrityError(query)
	}
	v, _ := res.Rows[0]["exists"].(bool)
	return v, nil
}

// Many returns all rows and fails with NotFoundError when there are none.
func (q *connectionQueries) Many(ctx context.Context, st Statement) ([]Row, error) {
	res, query, err := q.run(ctx, st)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, notFoundError(query)
	}
	return res.Rows, nil
}

// ManyFirst is Many restricted to a single column.
func (q *connectionQueries) ManyFirst(ctx context.Context, st Statement) ([]any, error) {
	res, query, err := q.run(ctx, st)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, notFoundError(query)
	}
	return firstColumn(res, query)
}

// MaybeOne returns the single row, nil when there is none, and fails when
// there is more than one.
func (q *connectionQueries) MaybeOne(ctx context.Context, st Statement) (Row, error) {
	res, query, err := q.run(ctx, st)
	if err != nil {
		return nil, err
	}
	switch len(res.Rows) {
	case 0:
		return nil, nil
	case 1:
		return res.Rows[0], nil
	default:
		return nil, dataIntegrityError(query)
	}
}

// MaybeOneFirst is MaybeOne restricted to a single column.
func (q *connectionQueries) MaybeOneFirst(ctx context.Context, st Statement) (any, error) {
	res, query, err := q.run(ctx, st)
	if err != nil {
		return nil, err
	}
	switch len(res.Rows) {
	case 0:
		return nil, nil
	case 1:
		values, err := firstColumn(res, query)
		if err != nil {
			return nil, err
		}
		return values[0], nil
	default:
		return nil, dataIntegrityError(query)
	}
}

// One returns exactly one row.
func (q *connectionQueries) One(ctx context.Context, st Statement) (Row, error) {
	res, query, err := q.run(ctx, st)
	if err != nil {
		return nil, err
	}
	switch len(res.Rows) {
	case 0:
		return nil, notFoundError(query)
	case 1:
		return res.Rows[0], nil
	default:
		return nil, dataIntegrityError(query)
	}
}

// OneFirst returns the single column of exactly one row.
func (q *connectionQueries) OneFirst(ctx context.Context, st Statement) (any, error) {
	res, query, err := q.run(ctx, st)
	if err != nil {
		return nil, err
	}
	switch len(res.Rows) {
	case 0:
		return nil, notFoundError(query)
	case 1:
		values, err := firstColumn(res, query)
		if err != nil {
			return nil, err
		}
		return values[0], nil
	default:
		return nil, dataIntegrityError(query)
	}
}

// Stream calls fn for every row as it is received.
func (q *connectionQueries) Stream(ctx context.Context, st Statement, fn func(StreamRow) error) error {
	if q.guard != nil {
		if err := q.guard(); err != nil {
			return err
		}
	}
	return q.conn.stream(withQueryID(ctx), st, fn)
}

func firstColumn(res *QueryResult, query Query) ([]any, error) {
	if len(res.Fields) != 1 {
		return nil, dataIntegrityError(query)
	}
	name := res.Fields[0].Name
	values := make([]any, len(res.Rows))
	for i, row := range res.Rows {
		values[i] = row[name]
	}
	return values, nil
}

func existsFragment(f FragmentToken) FragmentToken {
	parts := make([]string, len(f.Parts))
	copy(parts, f.Parts)
	parts[0] = "SELECT EXISTS(" + parts[0]
	parts[len(parts)-1] += ")"
	return FragmentToken{Parts: parts, Values: f.Values}
}

func notFoundError(q Query) error {
	return &NotFoundError{QueryError{Message: "Resource not found.", SQL: q.SQL, Values: q.Values}}
}

func dataIntegrityError(q Query) error {
	return &DataIntegrityError{QueryError{Message: "Query returned an unexpected result.", SQL: q.SQL, Values: q.Values}}
}

// The Pool variants run on an implicitly acquired connection.

func (p *Pool) Query(ctx context.Context, st Statement) (res *QueryResult, err error) {
	err = p.connect(withQueryID(ctx), ImplicitQueryConnection, func(ctx context.Context, c *BoundConnection) error {
		res, err = c.Query(ctx, st)
		return err
	})
	return res, err
}

func (p *Pool) Any(ctx context.Context, st Statement) (rows []Row, err error) {
	err = p.connect(withQueryID(ctx), ImplicitQueryConnection, func(ctx context.Context, c *BoundConnection) error {
		rows, err = c.Any(ctx, st)
		return err
	})
	return rows, err
}

func (p *Pool) AnyFirst(ctx context.Context, st Statement) (values []any, err error) {
	err = p.connect(withQueryID(ctx), ImplicitQueryConnection, func(ctx context.Context, c *BoundConnection) error {
		values, err = c.AnyFirst(ctx, st)
		return err
	})
	return values, err
}

func (p *Pool) Exists(ctx context.Context, st Statement) (exists bool, err error) {
	err = p.connect(withQueryID(ctx), ImplicitQueryConnection, func(ctx context.Context, c *BoundConnection) error {
		exists, err = c.Exists(ctx, st)
		return err
	})
	return exists, err
}

func (p *Pool) Many(ctx context.Context, st Statement) (rows []Row, err error) {
	err = p.connect(withQueryID(ctx), ImplicitQueryConnection, func(ctx context.Context, c *BoundConnection) error {
		rows, err = c.Many(ctx, st)
		return err
	})
	return rows, err
}

func (p *Pool) ManyFirst(ctx context.Context, st Statement) (values []any, err error) {
	err = p.connect(withQueryID(ctx), ImplicitQueryConnection, func(ctx context.Context, c *BoundConnection) error {
		values, err = c.ManyFirst(ctx, st)
		return err
	})
	return values, err
}

func (p *Pool) MaybeOne(ctx context.Context, st Statement) (row Row, err error) {
	err = p.connect(withQueryID(ctx), ImplicitQueryConnection, func(ctx context.Context, c *BoundConnection) error {
		row, err = c.MaybeOne(ctx, st)
		return err
	})
	return row, err
}

func (p *Pool) MaybeOneFirst(ctx context.Context, st Statement) (value any, err error) {
	err = p.connect(withQueryID(ctx), ImplicitQueryConnection, func(ctx context.Context, c *BoundConnection) error {
		value, err = c.MaybeOneFirst(ctx, st)
		return err
	})
	return value, err
}

func (p *Pool) One(ctx context.Context, st Statement) (row Row, err error) {
	err = p.connect(withQueryID(ctx), ImplicitQueryConnection, func(ctx context.Context, c *BoundConnection) error {
		row, err = c.One(ctx, st)
		return err
	})
	return row, err
}

func (p *Pool) OneFirst(ctx context.Context, st Statement) (value any, err error) {
	err = p.connect(withQueryID(ctx), ImplicitQueryConnection, func(ctx context.Context, c *BoundConnection) error {
		value, err = c.OneFirst(ctx, st)
		return err
	})
	return value, err
}

func (p *Pool) Stream(ctx context.Context, st Statement, fn func(StreamRow) error) error {
	return p.connect(withQueryID(ctx), ImplicitQueryConnection, func(ctx context.Context, c *BoundConnection) error {
		return c.Stream(ctx, st, fn)
	})
}
