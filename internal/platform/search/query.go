package search

import (
	"fmt"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
)

// ParamType selects how a query parameter is turned into SQL.
type ParamType int

const (
	ParamToken  ParamType = iota // exact match on a text column
	ParamString                  // case-insensitive prefix, supports :exact and :contains
	ParamDate                    // date with comparison prefixes
	ParamNumber                  // integer with comparison prefixes
	ParamID                      // uuid column
	ParamBool                    // true/false
)

// ParamConfig maps a query parameter to its column.
type ParamConfig struct {
	Type   ParamType
	Column string
}

// Query accumulates a WHERE clause and its positional arguments for one
// table. Invalid values are collected and reported by Err.
type Query struct {
	table   string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
	errs    []string
}

func NewQuery(table, cols string) *Query {
	return &Query{table: table, cols: cols, idx: 1}
}

// Idx returns the next available parameter index.
func (q *Query) Idx() int { return q.idx }

// Add appends a raw clause (without leading "AND") using $Idx() placeholders.
func (q *Query) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

func (q *Query) append(clause string, args []interface{}, next int) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx = next
}

// Apply adds the clause for a single parameter.
func (q *Query) Apply(name string, cfg ParamConfig, modifier Modifier, value string) {
	switch cfg.Type {
	case ParamString:
		q.append(StringClause(cfg.Column, value, modifier, q.idx))
	case ParamDate:
		clause, args, next, err := DateClause(cfg.Column, value, q.idx)
		if err != nil {
			q.errs = append(q.errs, name+": "+err.Error())
			return
		}
		q.append(clause, args, next)
	case ParamNumber:
		clause, args, next, err := NumberClause(cfg.Column, value, q.idx)
		if err != nil {
			q.errs = append(q.errs, name+": "+err.Error())
			return
		}
		q.append(clause, args, next)
	case ParamID:
		clause, args, next, err := IDClause(cfg.Column, value, q.idx)
		if err != nil {
			q.errs = append(q.errs, name+": "+err.Error())
			return
		}
		q.append(clause, args, next)
	case ParamBool:
		switch strings.ToLower(value) {
		case "true", "1":
			q.append(cfg.Column+" = TRUE", nil, q.idx)
		case "false", "0":
			q.append(cfg.Column+" = FALSE", nil, q.idx)
		default:
			q.errs = append(q.errs, name+": invalid boolean "+value)
		}
	default:
		q.append(fmt.Sprintf("%s = $%d", cfg.Column, q.idx), []interface{}{value}, q.idx+1)
	}
}

// ApplyParams applies every parameter that has a config. Names may carry a
// modifier ("name:contains"). Keys are visited in sorted order so the
// generated SQL is stable.
func (q *Query) ApplyParams(params map[string]string, configs map[string]ParamConfig) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		base, mod := ParseModifier(k)
		if cfg, ok := configs[base]; ok {
			q.Apply(base, cfg, mod, params[k])
		}
	}
}

// Err reports the parameters that could not be parsed.
func (q *Query) Err() error {
	if len(q.errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid search parameters: %s", strings.Join(q.errs, "; "))
}

// OrderBy sets the ORDER BY clause (without the keyword).
func (q *Query) OrderBy(orderBy string) { q.orderBy = orderBy }

// ApplySort handles a comma-separated sort list, "-" prefix for DESC.
func (q *Query) ApplySort(sortParam, defaultOrder string, configs map[string]ParamConfig) {
	var parts []string
	for _, field := range strings.Split(sortParam, ",") {
		field = strings.TrimSpace(field)
		dir := " ASC"
		if strings.HasPrefix(field, "-") {
			dir = " DESC"
			field = field[1:]
		}
		if cfg, ok := configs[field]; ok {
			parts = append(parts, cfg.Column+dir)
		}
	}
	if len(parts) == 0 {
		q.orderBy = defaultOrder
		return
	}
	q.orderBy = strings.Join(parts, ", ")
}

func (q *Query) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

func (q *Query) CountArgs() []interface{} { return q.args }

func (q *Query) DataSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	return sql + fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
}

func (q *Query) DataArgs(limit, offset int) []interface{} {
	out := make([]interface{}, len(q.args), len(q.args)+2)
	copy(out, q.args)
	return append(out, limit, offset)
}

// ExtractParams returns the first value of every query parameter except
// the reserved ones starting with "_" and the pagination keys.
func ExtractParams(c echo.Context) map[string]string {
	params := map[string]string{}
	for k, v := range c.QueryParams() {
		if len(v) == 0 || strings.HasPrefix(k, "_") || k == "limit" || k == "offset" || k == "tenant_id" {
			continue
		}
		params[k] = v[0]
	}
	return params
}
