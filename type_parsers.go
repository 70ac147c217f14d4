package slonik

import (
	"encoding/json"
	"strconv"
)

// DefaultTypeParsers returns the parsers a pool installs unless configured
// otherwise: int8 as int64, numeric and floats as float64, json and jsonb
// decoded, date kept as its YYYY-MM-DD text.
func DefaultTypeParsers() []TypeParser {
	return []TypeParser{
		{Name: "int8", Parse: parseInt8},
		{Name: "float4", Parse: parseFloat},
		{Name: "float8", Parse: parseFloat},
		{Name: "numeric", Parse: parseFloat},
		{Name: "json", Parse: parseJSON},
		{Name: "jsonb", Parse: parseJSON},
		{Name: "date", Parse: func(v string) (any, error) { return v, nil }},
	}
}

func parseInt8(v string) (any, error) { return strconv.ParseInt(v, 10, 64) }

func parseFloat(v string) (any, error) { return strconv.ParseFloat(v, 64) }

func parseJSON(v string) (any, error) {
	var out any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func typeParserMap(parsers []TypeParser) map[string]func(string) (any, error) {
	m := make(map[string]func(string) (any, error), len(parsers))
	for _, p := range parsers {
		if p.Parse != nil {
			m[p.Name] = p.Parse
		}
	}
	return m
}
