package sqlite

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/rbaliyan/convstore/store"
)

// buildWhereClause converts filters into a WHERE clause and its arguments.
// Filters built for another scope are rejected.
func buildWhereClause(scope store.Scope, filters []store.Filter) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	conds := make([]string, 0, len(filters))
	var args []any
	for _, f := range filters {
		if f.Scope() != scope {
			return "", nil, fmt.Errorf("%w: %s filter %q used on %s", store.ErrFilterInvalid, f.Scope(), f.Key(), scope)
		}
		if _, ok := store.FieldKey(scope, f.Key()); !ok {
			return "", nil, fmt.Errorf("%w: unsupported %s field: %s", store.ErrFilterInvalid, scope, f.Key())
		}
		cond, a, err := filterToCondition(f)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, cond)
		args = append(args, a...)
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func filterToCondition(f store.Filter) (string, []any, error) {
	col := f.Key()
	switch f.Operator() {
	case "eq":
		return col + " = ?", []any{sqlValue(f.Value())}, nil
	case "ne":
		return col + " <> ?", []any{sqlValue(f.Value())}, nil
	case "gt":
		return col + " > ?", []any{sqlValue(f.Value())}, nil
	case "gte":
		return col + " >= ?", []any{sqlValue(f.Value())}, nil
	case "lt":
		return col + " < ?", []any{sqlValue(f.Value())}, nil
	case "lte":
		return col + " <= ?", []any{sqlValue(f.Value())}, nil
	case "in", "nin":
		vals, ok := f.Value().([]any)
		if !ok || len(vals) == 0 {
			if f.Operator() == "in" {
				return "0", nil, nil
			}
			return "1", nil, nil
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")
		args := make([]any, len(vals))
		for i, v := range vals {
			args[i] = sqlValue(v)
		}
		op := "IN"
		if f.Operator() == "nin" {
			op = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col, op, marks), args, nil
	case "exists":
		want, _ := f.Value().(bool)
		if want {
			return col + " IS NOT NULL", nil, nil
		}
		return col + " IS NULL", nil, nil
	case "contains":
		s, ok := f.Value().(string)
		if !ok {
			return "", nil, fmt.Errorf("%w: contains needs a string for %s", store.ErrFilterInvalid, col)
		}
		return col + ` LIKE ? ESCAPE '\'`, []any{"%" + escapeLike(s) + "%"}, nil
	default:
		return "", nil, fmt.Errorf("%w: unsupported operator: %s", store.ErrFilterInvalid, f.Operator())
	}
}

// sqlValue converts named integer kinds and bools to values the driver
// accepts.
func sqlValue(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		if rv.Bool() {
			return int64(1)
		}
		return int64(0)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.String:
		return rv.String()
	}
	return v
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

// orderClause builds ORDER BY from the list options. Unknown sort fields
// fall back to the default column. _id breaks ties so paging is stable.
func orderClause(scope store.Scope, opts store.ListOptions, defaultCol string, defaultOrder store.SortOrder) string {
	col := defaultCol
	if opts.SortBy != "" {
		if k, ok := store.FieldKey(scope, opts.SortBy); ok {
			col = k
		}
	}
	order := defaultOrder
	if opts.SortOrder != 0 {
		order = opts.SortOrder
	}
	dir := "ASC"
	if order == store.SortDesc {
		dir = "DESC"
	}
	if col == "_id" {
		return fmt.Sprintf(" ORDER BY _id %s", dir)
	}
	return fmt.Sprintf(" ORDER BY %s %s, _id %s", col, dir, dir)
}

func limitClause(opts store.ListOptions) string {
	switch {
	case opts.Limit > 0 && opts.Offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", opts.Limit, opts.Offset)
	case opts.Limit > 0:
		return fmt.Sprintf(" LIMIT %d", opts.Limit)
	case opts.Offset > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", opts.Offset)
	}
	return ""
}
