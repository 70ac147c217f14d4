package slonik

import (
	"strings"
	"time"
)

// TokenKind tags every SQL token variant.
type TokenKind string

const (
	ArrayTokenKind      TokenKind = "SLONIK_TOKEN_ARRAY"
	BinaryTokenKind     TokenKind = "SLONIK_TOKEN_BINARY"
	DateTokenKind       TokenKind = "SLONIK_TOKEN_DATE"
	FragmentTokenKind   TokenKind = "SLONIK_TOKEN_FRAGMENT"
	IdentifierTokenKind TokenKind = "SLONIK_TOKEN_IDENTIFIER"
	IntervalTokenKind   TokenKind = "SLONIK_TOKEN_INTERVAL"
	JSONTokenKind       TokenKind = "SLONIK_TOKEN_JSON"
	JSONBTokenKind      TokenKind = "SLONIK_TOKEN_JSONB"
	ListTokenKind       TokenKind = "SLONIK_TOKEN_LIST"
	QueryTokenKind      TokenKind = "SLONIK_TOKEN_QUERY"
	TimestampTokenKind  TokenKind = "SLONIK_TOKEN_TIMESTAMP"
	UnnestTokenKind     TokenKind = "SLONIK_TOKEN_UNNEST"
)

// Token is a typed value that compiles to SQL text plus bound values.
// The set of implementations is closed.
type Token interface {
	Kind() TokenKind
	sqlToken()
}

// Statement is anything that can be executed: a FragmentToken or a QueryToken.
type Statement interface {
	Token
	statement() (FragmentToken, RowParser)
}

// RowParser validates and optionally reshapes a result row. A returned error
// surfaces as a SchemaValidationError.
type RowParser func(Row) (Row, error)

// ArrayToken binds a slice as a single Postgres array parameter.
type ArrayToken struct {
	Values         any
	MemberType     string
	MemberFragment *FragmentToken
}

// BinaryToken binds raw bytes.
type BinaryToken struct {
	Data any
}

// DateToken binds the calendar date of a time, in UTC.
type DateToken struct {
	Date time.Time
}

// FragmentToken is a piece of SQL text with interleaved values.
// len(Parts) is always len(Values)+1.
type FragmentToken struct {
	Parts  []string
	Values []any
}

// IdentifierToken renders a dot separated, double-quoted identifier.
type IdentifierToken struct {
	Names []string
}

// IntervalInput holds the components of an interval. Zero components are
// omitted from the rendered expression.
type IntervalInput struct {
	Years   int
	Months  int
	Weeks   int
	Days    int
	Hours   int
	Minutes int
	Seconds float64
}

// IntervalToken renders a make_interval call.
type IntervalToken struct {
	Interval IntervalInput
}

// JSONToken binds a value serialized as JSON text.
type JSONToken struct {
	Value  any
	Binary bool
}

// ListToken joins its members with Glue.
type ListToken struct {
	Members []any
	Glue    FragmentToken
}

// QueryToken is an executable fragment with an optional row parser.
type QueryToken struct {
	Fragment FragmentToken
	Parser   RowParser
}

// TimestampToken binds a time as to_timestamp(seconds).
type TimestampToken struct {
	Time time.Time
}

// UnnestToken binds a set of tuples as one array per column.
// Each entry of ColumnTypes is a type name string, a []string of qualified
// name parts, or a FragmentToken.
type UnnestToken struct {
	Tuples      [][]any
	ColumnTypes []any
}

func (ArrayToken) Kind() TokenKind      { return ArrayTokenKind }
func (BinaryToken) Kind() TokenKind     { return BinaryTokenKind }
func (DateToken) Kind() TokenKind       { return DateTokenKind }
func (FragmentToken) Kind() TokenKind   { return FragmentTokenKind }
func (IdentifierToken) Kind() TokenKind { return IdentifierTokenKind }
func (IntervalToken) Kind() TokenKind   { return IntervalTokenKind }
func (QueryToken) Kind() TokenKind      { return QueryTokenKind }
func (ListToken) Kind() TokenKind       { return ListTokenKind }
func (TimestampToken) Kind() TokenKind  { return TimestampTokenKind }
func (UnnestToken) Kind() TokenKind     { return UnnestTokenKind }

func (t JSONToken) Kind() TokenKind {
	if t.Binary {
		return JSONBTokenKind
	}
	return JSONTokenKind
}

func (ArrayToken) sqlToken()      {}
func (BinaryToken) sqlToken()     {}
func (DateToken) sqlToken()       {}
func (FragmentToken) sqlToken()   {}
func (IdentifierToken) sqlToken() {}
func (IntervalToken) sqlToken()   {}
func (JSONToken) sqlToken()       {}
func (ListToken) sqlToken()       {}
func (QueryToken) sqlToken()      {}
func (TimestampToken) sqlToken()  {}
func (UnnestToken) sqlToken()     {}

func (t FragmentToken) statement() (FragmentToken, RowParser) { return t, nil }
func (t QueryToken) statement() (FragmentToken, RowParser)    { return t.Fragment, t.Parser }

// Array binds values (a slice of primitives) as memberType[].
func Array(values any, memberType string) ArrayToken {
	return ArrayToken{Values: values, MemberType: memberType}
}

// ArrayOf is Array with the member type given as a fragment, e.g. SQL("int4").
func ArrayOf(values any, memberType FragmentToken) ArrayToken {
	return ArrayToken{Values: values, MemberFragment: &memberType}
}

// Binary binds data as bytea.
func Binary(data []byte) BinaryToken {
	return BinaryToken{Data: data}
}

// Date binds the date part of t.
func Date(t time.Time) DateToken {
	return DateToken{Date: t}
}

// Identifier renders names as "a"."b"."c".
func Identifier(names ...string) IdentifierToken {
	return IdentifierToken{Names: names}
}

// Interval renders make_interval(...) from the non-zero components of in.
func Interval(in IntervalInput) IntervalToken {
	return IntervalToken{Interval: in}
}

// JSON binds v serialized as JSON text.
func JSON(v any) JSONToken {
	return JSONToken{Value: v}
}

// JSONB binds v serialized as JSON text and cast to jsonb.
func JSONB(v any) JSONToken {
	return JSONToken{Value: v, Binary: true}
}

// Join renders members separated by glue.
func Join(members []any, glue FragmentToken) ListToken {
	return ListToken{Members: members, Glue: glue}
}

// Template builds a fragment from pre-split text parts.
func Template(parts []string, values ...any) FragmentToken {
	return FragmentToken{Parts: parts, Values: values}
}

// SQL builds a fragment from text where each ? marks a value slot.
// Write ?? for a literal question mark.
func SQL(text string, values ...any) FragmentToken {
	parts := make([]string, 0, len(values)+1)
	var b strings.Builder
	for i := 0; i < len(text); i++ {
		if text[i] != '?' {
			b.WriteByte(text[i])
			continue
		}
		if i+1 < len(text) && text[i+1] == '?' {
			b.WriteByte('?')
			i++
			continue
		}
		parts = append(parts, b.String())
		b.Reset()
	}
	parts = append(parts, b.String())
	return FragmentToken{Parts: parts, Values: values}
}

// Typed attaches a row parser to a fragment.
func Typed(parser RowParser, fragment FragmentToken) QueryToken {
	return QueryToken{Fragment: fragment, Parser: parser}
}

// Timestamp binds t as to_timestamp(seconds since epoch).
func Timestamp(t time.Time) TimestampToken {
	return TimestampToken{Time: t}
}

// Unnest binds tuples as unnest($1::"t1"[], $2::"t2"[], ...).
func Unnest(tuples [][]any, columnTypes ...any) UnnestToken {
	return UnnestToken{Tuples: tuples, ColumnTypes: columnTypes}
}

// UnnestOf is Unnest with every column type given as a fragment.
func UnnestOf(tuples [][]any, columnTypes ...FragmentToken) UnnestToken {
	types := make([]any, len(columnTypes))
	for i, t := range columnTypes {
		types[i] = t
	}
	return UnnestToken{Tuples: tuples, ColumnTypes: types}
}

// Raw is a fragment with no values. Text is inserted verbatim.
func Raw(text string) FragmentToken {
	return FragmentToken{Parts: []string{text}}
}
