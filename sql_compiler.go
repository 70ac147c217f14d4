package slonik

import (
	"database/sql/driver"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Query is a compiled statement: text with $1..$N placeholders and the
// values they bind.
type Query struct {
	SQL    string
	Values []any
}

// Compile renders a template into SQL text and an ordered value list.
// Placeholders are numbered contiguously from $1.
func Compile(parts []string, values []any) (Query, error) {
	sql, bound, err := compileTemplate(parts, values, 0)
	if err != nil {
		return Query{}, err
	}
	return Query{SQL: sql, Values: bound}, nil
}

// CompileToken renders a single token as if it were the only value of a
// template, with placeholders starting after greatestParameterPosition.
func CompileToken(token Token, greatestParameterPosition int) (Query, error) {
	sql, bound, err := compileToken(token, greatestParameterPosition)
	if err != nil {
		return Query{}, err
	}
	return Query{SQL: sql, Values: bound}, nil
}

func compileStatement(st Statement) (Query, RowParser, error) {
	if st == nil {
		return Query{}, nil, &InvalidInputError{Message: "Unexpected SQL input. Query cannot be empty."}
	}
	fragment, parser := st.statement()
	q, err := Compile(fragment.Parts, fragment.Values)
	return q, parser, err
}

func compileTemplate(parts []string, values []any, greatest int) (string, []any, error) {
	if len(parts) != len(values)+1 {
		return "", nil, &InvalidInputError{
			Message: "SQL tag cannot be bound to undefined value: template has " +
				strconv.Itoa(len(parts)-1) + " slots for " + strconv.Itoa(len(values)) + " values.",
		}
	}
	var b strings.Builder
	bound := make([]any, 0, len(values))
	for i, part := range parts {
		b.WriteString(part)
		if i == len(values) {
			break
		}
		sql, vs, err := compileValue(values[i], greatest+len(bound))
		if err != nil {
			return "", nil, err
		}
		b.WriteString(sql)
		bound = append(bound, vs...)
	}
	return b.String(), bound, nil
}

func compileValue(v any, greatest int) (string, []any, error) {
	if t, ok := v.(Token); ok {
		return compileToken(t, greatest)
	}
	if !isBindableValue(v) {
		return "", nil, &InvalidInputError{Message: "Unexpected value expression of type " + reflect.TypeOf(v).String() + "."}
	}
	return placeholder(greatest + 1), []any{v}, nil
}

func compileToken(token Token, greatest int) (string, []any, error) {
	switch t := token.(type) {
	case ArrayToken:
		return compileArray(t, greatest)
	case BinaryToken:
		data, ok := t.Data.([]byte)
		if !ok {
			return "", nil, &InvalidInputError{Message: "Binary token value must be a byte slice."}
		}
		return placeholder(greatest + 1), []any{data}, nil
	case DateToken:
		return placeholder(greatest+1) + "::date", []any{t.Date.UTC().Format("2006-01-02")}, nil
	case FragmentToken:
		return compileTemplate(t.Parts, t.Values, greatest)
	case IdentifierToken:
		sql, err := compileIdentifier(t.Names)
		return sql, nil, err
	case IntervalToken:
		return compileInterval(t.Interval, greatest)
	case JSONToken:
		return compileJSON(t, greatest)
	case ListToken:
		return compileList(t, greatest)
	case QueryToken:
		return compileTemplate(t.Fragment.Parts, t.Fragment.Values, greatest)
	case TimestampToken:
		seconds := strconv.FormatFloat(float64(t.Time.UnixMilli())/1000, 'f', -1, 64)
		return "to_timestamp(" + placeholder(greatest+1) + ")", []any{seconds}, nil
	case UnnestToken:
		return compileUnnest(t, greatest)
	default:
		return "", nil, &InvalidInputError{Message: "Unexpected token type."}
	}
}

func compileArray(t ArrayToken, greatest int) (string, []any, error) {
	rv := reflect.ValueOf(t.Values)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return "", nil, &InvalidInputError{Message: "Array token values must be a slice."}
	}
	allowBytes := strings.TrimSuffix(t.MemberType, "[]") == "bytea"
	for i := 0; i < rv.Len(); i++ {
		member := rv.Index(i).Interface()
		if _, ok := member.([]byte); ok && allowBytes {
			continue
		}
		if !isPrimitive(member) {
			return "", nil, &InvalidInputError{Message: "Invalid array member type. Must be a primitive value expression."}
		}
	}
	sql := placeholder(greatest+1) + "::"
	switch {
	case t.MemberFragment != nil:
		typeSQL, typeValues, err := compileTemplate(t.MemberFragment.Parts, t.MemberFragment.Values, greatest)
		if err != nil {
			return "", nil, err
		}
		if len(typeValues) > 0 {
			return "", nil, &InvalidInputError{Message: "Array member type fragment cannot bind values."}
		}
		sql += typeSQL + "[]"
	case t.MemberType != "":
		sql += typeName(t.MemberType) + "[]"
	default:
		return "", nil, &InvalidInputError{Message: "Array token requires a member type."}
	}
	return sql, []any{t.Values}, nil
}

func compileIdentifier(names []string) (string, error) {
	if len(names) == 0 {
		return "", &InvalidInputError{Message: "Identifier token requires at least one name."}
	}
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = escapeIdentifier(name)
	}
	return strings.Join(quoted, "."), nil
}

func compileInterval(in IntervalInput, greatest int) (string, []any, error) {
	type component struct {
		name  string
		value any
		set   bool
	}
	components := []component{
		{"years", in.Years, in.Years != 0},
		{"months", in.Months, in.Months != 0},
		{"weeks", in.Weeks, in.Weeks != 0},
		{"days", in.Days, in.Days != 0},
		{"hours", in.Hours, in.Hours != 0},
		{"mins", in.Minutes, in.Minutes != 0},
		{"secs", in.Seconds, in.Seconds != 0},
	}
	args := make([]string, 0, len(components))
	values := make([]any, 0, len(components))
	for _, c := range components {
		if !c.set {
			continue
		}
		values = append(values, c.value)
		args = append(args, `"`+c.name+`" := `+placeholder(greatest+len(values)))
	}
	return "make_interval(" + strings.Join(args, ", ") + ")", values, nil
}

func compileJSON(t JSONToken, greatest int) (string, []any, error) {
	if !isJSONPayload(t.Value) {
		return "", nil, &InvalidInputError{Message: "JSON payload must be null, an object or an array."}
	}
	payload, err := json.Marshal(t.Value)
	if err != nil {
		return "", nil, &InvalidInputError{Message: "JSON payload cannot be serialized.", Cause: err}
	}
	sql := placeholder(greatest + 1)
	if t.Binary {
		sql += "::jsonb"
	}
	return sql, []any{string(payload)}, nil
}

func compileList(t ListToken, greatest int) (string, []any, error) {
	if len(t.Members) == 0 {
		return "", nil, &InvalidInputError{Message: "List token must contain at least one member."}
	}
	var b strings.Builder
	var bound []any
	for i, member := range t.Members {
		if i > 0 {
			sql, vs, err := compileTemplate(t.Glue.Parts, t.Glue.Values, greatest+len(bound))
			if err != nil {
				return "", nil, err
			}
			b.WriteString(sql)
			bound = append(bound, vs...)
		}
		sql, vs, err := compileValue(member, greatest+len(bound))
		if err != nil {
			return "", nil, err
		}
		b.WriteString(sql)
		bound = append(bound, vs...)
	}
	return b.String(), bound, nil
}

func compileUnnest(t UnnestToken, greatest int) (string, []any, error) {
	if len(t.ColumnTypes) == 0 {
		return "", nil, &InvalidInputError{Message: "Unnest token requires at least one column type."}
	}
	columns := make([][]any, len(t.ColumnTypes))
	for i := range columns {
		columns[i] = make([]any, 0, len(t.Tuples))
	}
	for _, tuple := range t.Tuples {
		if len(tuple) != len(t.ColumnTypes) {
			return "", nil, &InvalidInputError{Message: "Column types length must match tuple member length."}
		}
		for i, v := range tuple {
			columns[i] = append(columns[i], v)
		}
	}
	args := make([]string, len(t.ColumnTypes))
	values := make([]any, len(t.ColumnTypes))
	for i, columnType := range t.ColumnTypes {
		var cast string
		switch ct := columnType.(type) {
		case string:
			cast = typeName(ct)
		case []string:
			name, err := compileIdentifier(ct)
			if err != nil {
				return "", nil, err
			}
			cast = name
		case FragmentToken:
			sql, vs, err := compileTemplate(ct.Parts, ct.Values, greatest)
			if err != nil {
				return "", nil, err
			}
			if len(vs) > 0 {
				return "", nil, &InvalidInputError{Message: "Unnest column type fragment cannot bind values."}
			}
			cast = sql
		default:
			return "", nil, &InvalidInputError{Message: "Unnest column type must be a string, a name path or a fragment."}
		}
		args[i] = placeholder(greatest+i+1) + "::" + cast + "[]"
		values[i] = columns[i]
	}
	return "unnest(" + strings.Join(args, ", ") + ")", values, nil
}

func placeholder(position int) string {
	return "$" + strconv.Itoa(position)
}

func escapeIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// typeName quotes a type name, keeping any trailing [] outside the quotes.
func typeName(name string) string {
	suffix := ""
	for strings.HasSuffix(name, "[]") {
		name = strings.TrimSuffix(name, "[]")
		suffix += "[]"
	}
	return escapeIdentifier(name) + suffix
}

func isPrimitive(v any) bool {
	if v == nil {
		return true
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func isBindableValue(v any) bool {
	if isPrimitive(v) {
		return true
	}
	switch v.(type) {
	case []byte, time.Time, driver.Valuer:
		return true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return true
		}
		return isBindableValue(rv.Elem().Interface())
	}
	return false
}

func isJSONPayload(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return true
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice:
		// encoding/json renders byte slices as base64 strings.
		return rv.Type().Elem().Kind() != reflect.Uint8
	case reflect.Map, reflect.Struct, reflect.Array:
		return true
	}
	return false
}
