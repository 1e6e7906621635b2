package sqltpl

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	nullLiteral = "NULL"
	// An IN clause must stay syntactically valid when the list is
	// empty; this subquery matches no rows.
	emptyList = "(SELECT 1 WHERE 1=0)"

	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02 15:04:05"
)

type filterFunc func(v any) (string, error)

var filterFuncs = map[string]filterFunc{
	"sql_string":     filterString,
	"sql_int":        filterInt,
	"sql_float":      filterFloat,
	"sql_bool":       filterBool,
	"sql_date":       filterDate,
	"sql_datetime":   filterDatetime,
	"in_list":        filterInList,
	"sql_like":       likeFilter("%", "%"),
	"sql_like_start": likeFilter("", "%"),
	"sql_like_end":   likeFilter("%", ""),
	"json":           filterJSON,
}

func applyFilters(v any, filters []string) (string, error) {
	if len(filters) == 0 {
		return defaultEscape(v), nil
	}
	// filters terminate the chain: each produces final SQL text, so
	// only the last one applies to the value
	f := filterFuncs[filters[len(filters)-1]]
	return f(v)
}

// defaultEscape is what a bare {{ expr }} renders through: numbers and
// booleans as literals, everything else as a quoted string.
func defaultEscape(v any) string {
	switch x := v.(type) {
	case nil:
		return nullLiteral
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return quote(x.Format(datetimeLayout))
	case string:
		// strings always quote, even when they look numeric
		return quote(x)
	}
	if n, ok := toInt64(v); ok {
		return strconv.FormatInt(n, 10)
	}
	if f, ok := toFloat64(v); ok {
		return formatFloat(f)
	}
	return quote(stringify(v))
}

func filterString(v any) (string, error) {
	if v == nil {
		return nullLiteral, nil
	}
	return quote(stringify(v)), nil
}

func filterInt(v any) (string, error) {
	if v == nil {
		return nullLiteral, nil
	}
	if _, isBool := v.(bool); isBool {
		return nullLiteral, nil
	}
	if n, ok := toInt64(v); ok {
		return strconv.FormatInt(n, 10), nil
	}
	return nullLiteral, nil
}

func filterFloat(v any) (string, error) {
	if v == nil {
		return nullLiteral, nil
	}
	if _, isBool := v.(bool); isBool {
		return nullLiteral, nil
	}
	if f, ok := toFloat64(v); ok {
		return formatFloat(f), nil
	}
	return nullLiteral, nil
}

func filterBool(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return nullLiteral, nil
	case bool:
		if x {
			return "TRUE", nil
		}
		return "FALSE", nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1":
			return "TRUE", nil
		case "false", "0":
			return "FALSE", nil
		}
		return nullLiteral, nil
	}
	if f, ok := toFloat64(v); ok {
		if f != 0 {
			return "TRUE", nil
		}
		return "FALSE", nil
	}
	return nullLiteral, nil
}

func filterDate(v any) (string, error) {
	return timeFilter(v, dateLayout)
}

func filterDatetime(v any) (string, error) {
	return timeFilter(v, datetimeLayout)
}

func timeFilter(v any, layout string) (string, error) {
	switch x := v.(type) {
	case nil:
		return nullLiteral, nil
	case time.Time:
		return quote(x.Format(layout)), nil
	case string:
		return quote(x), nil
	}
	return nullLiteral, nil
}

func filterInList(v any) (string, error) {
	if v == nil {
		return emptyList, nil
	}
	items := toList(v)
	if len(items) == 0 {
		return emptyList, nil
	}
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = defaultEscape(it)
	}
	return "(" + strings.Join(parts, ", ") + ")", nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likeFilter(prefix, suffix string) filterFunc {
	return func(v any) (string, error) {
		if v == nil {
			return nullLiteral, nil
		}
		s := likeEscaper.Replace(stringify(v))
		return quote(prefix + s + suffix), nil
	}
}

func filterJSON(v any) (string, error) {
	if v == nil {
		return nullLiteral, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("json filter: %w", err)
	}
	return quote(string(b)), nil
}

// quote wraps s in single quotes, doubling embedded single quotes.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if n, ok := toInt64(v); ok {
		return strconv.FormatInt(n, 10)
	}
	if f, ok := toFloat64(v); ok {
		return formatFloat(f)
	}
	return fmt.Sprint(v)
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float32:
		if float32(int64(x)) == x {
			return int64(x), true
		}
	case float64:
		if x == math.Trunc(x) {
			return int64(x), true
		}
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f, true
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func toList(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out
	case []int64:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = f
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, m := range x {
			out[i] = m
		}
		return out
	}
	return []any{v}
}
