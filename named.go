package slonik

import (
	"fmt"
	"reflect"
	"strings"
)

// NamedSQL builds a fragment from SQL with :name placeholders, binding each
// name from arg (a map[string]any or a struct using `db` tags). Postgres
// casts (::type) and quoted text are left alone. Bound values may be tokens.
func NamedSQL(query string, arg any) (FragmentToken, error) {
	parts, names := parseNamed(query)
	m, err := structOrMapToMap(arg)
	if err != nil {
		return FragmentToken{}, &InvalidInputError{Message: err.Error()}
	}
	values := make([]any, len(names))
	for i, n := range names {
		v, ok := m[n]
		if !ok {
			return FragmentToken{}, &InvalidInputError{Message: fmt.Sprintf("Missing value for named parameter %q.", n)}
		}
		values[i] = v
	}
	return FragmentToken{Parts: parts, Values: values}, nil
}

// parseNamed splits query at :identifier sequences outside quotes and
// returns the text parts and the names in order.
func parseNamed(query string) (parts []string, names []string) {
	var b strings.Builder
	b.Grow(len(query))
	inSingle, inDouble := false, false
	i := 0
	for i < len(query) {
		ch := query[i]
		switch ch {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case ':':
			if inSingle || inDouble {
				break
			}
			if i+1 < len(query) && query[i+1] == ':' {
				b.WriteString("::")
				i += 2
				continue
			}
			j := i + 1
			for j < len(query) && isIdentByte(query[j]) {
				j++
			}
			if j > i+1 {
				names = append(names, query[i+1:j])
				parts = append(parts, b.String())
				b.Reset()
				i = j
				continue
			}
		}
		b.WriteByte(ch)
		i++
	}
	parts = append(parts, b.String())
	return parts, names
}

func isIdentByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

// structOrMapToMap flattens a struct (using `db` tags) or passes map[string]any.
func structOrMapToMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct or map, got %T", v)
	}
	rt := rv.Type()
	out := make(map[string]any, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		name := f.Tag.Get("db")
		if name == "-" {
			continue
		}
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		out[name] = rv.Field(i).Interface()
	}
	return out, nil
}
