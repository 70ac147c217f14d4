package slonik

import (
	sq "github.com/Masterminds/squirrel"
)

// FromSqlizer turns a squirrel builder into a fragment. Build the statement
// with the default ? placeholders; the compiler numbers them.
func FromSqlizer(s sq.Sqlizer) (FragmentToken, error) {
	text, args, err := s.ToSql()
	if err != nil {
		return FragmentToken{}, &InvalidInputError{Message: "Cannot build SQL from builder.", Cause: err}
	}
	return SQL(text, args...), nil
}

// StatementBuilder is a squirrel builder preset for fragments from FromSqlizer.
func StatementBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}
