package search

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prefix is a comparison prefix on ordered values, e.g. "ge2025-01-01".
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
)

// Modifier follows a parameter name after a colon, e.g. "name:contains".
type Modifier string

const (
	ModifierExact    Modifier = "exact"
	ModifierContains Modifier = "contains"
)

// Parsed holds a search value with its comparison prefix removed.
type Parsed struct {
	Prefix Prefix
	Value  string
}

// ParseValue extracts the prefix from a search value.
// "gt2025-01-01" -> (gt, "2025-01-01"), "100" -> (eq, "100")
func ParseValue(raw string) Parsed {
	if len(raw) >= 2 {
		p := Prefix(strings.ToLower(raw[:2]))
		switch p {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe:
			return Parsed{Prefix: p, Value: raw[2:]}
		}
	}
	return Parsed{Prefix: PrefixEq, Value: raw}
}

// ParseModifier splits a parameter name from its modifier.
func ParseModifier(name string) (string, Modifier) {
	base, mod, ok := strings.Cut(name, ":")
	if !ok {
		return name, ""
	}
	return base, Modifier(mod)
}

func operator(p Prefix) string {
	switch p {
	case PrefixNe:
		return "!="
	case PrefixGt:
		return ">"
	case PrefixLt:
		return "<"
	case PrefixGe:
		return ">="
	case PrefixLe:
		return "<="
	default:
		return "="
	}
}

// DateClause builds SQL for a date parameter. A bare YYYY-MM-DD with the eq
// prefix matches the whole day.
func DateClause(column, value string, argIdx int) (string, []interface{}, int, error) {
	parsed := ParseValue(value)
	t, err := parseDate(parsed.Value)
	if err != nil {
		return "", nil, argIdx, err
	}
	if parsed.Prefix == PrefixEq && len(parsed.Value) == 10 {
		end := t.Add(24 * time.Hour)
		clause := fmt.Sprintf("(%s >= $%d AND %s < $%d)", column, argIdx, column, argIdx+1)
		return clause, []interface{}{t, end}, argIdx + 2, nil
	}
	return fmt.Sprintf("%s %s $%d", column, operator(parsed.Prefix), argIdx), []interface{}{t}, argIdx + 1, nil
}

// NumberClause builds SQL for an integer parameter with prefix support.
func NumberClause(column, value string, argIdx int) (string, []interface{}, int, error) {
	parsed := ParseValue(value)
	var n int64
	if _, err := fmt.Sscan(parsed.Value, &n); err != nil {
		return "", nil, argIdx, fmt.Errorf("invalid number %q", parsed.Value)
	}
	return fmt.Sprintf("%s %s $%d", column, operator(parsed.Prefix), argIdx), []interface{}{n}, argIdx + 1, nil
}

// StringClause builds a case-insensitive prefix match unless a modifier
// asks for an exact or substring match.
func StringClause(column, value string, modifier Modifier, argIdx int) (string, []interface{}, int) {
	switch modifier {
	case ModifierExact:
		return fmt.Sprintf("%s = $%d", column, argIdx), []interface{}{value}, argIdx + 1
	case ModifierContains:
		return fmt.Sprintf("%s ILIKE $%d", column, argIdx), []interface{}{"%" + value + "%"}, argIdx + 1
	default:
		return fmt.Sprintf("%s ILIKE $%d", column, argIdx), []interface{}{value + "%"}, argIdx + 1
	}
}

// IDClause matches a uuid column.
func IDClause(column, value string, argIdx int) (string, []interface{}, int, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return "", nil, argIdx, fmt.Errorf("invalid id %q", value)
	}
	return fmt.Sprintf("%s = $%d", column, argIdx), []interface{}{id}, argIdx + 1, nil
}

func parseDate(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", s)
}
