package core

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// BuildEnvelope shapes any runner result into the canonical response
// envelope: success, message, data (always an array), with unknown
// keys of envelope-shaped results riding along as extras.
func BuildEnvelope(result any, camel bool) map[string]any {
	env := normalizeResult(result)
	if camel {
		env = convertKeys(env, snakeToCamel).(map[string]any)
	}
	return env
}

// ErrorEnvelope is the envelope for a failed request.
func ErrorEnvelope(message string, camel bool) map[string]any {
	env := map[string]any{
		"success": false,
		"message": message,
		"data":    []any{},
	}
	if camel {
		env = convertKeys(env, snakeToCamel).(map[string]any)
	}
	return env
}

func normalizeResult(result any) map[string]any {
	result = jsonSafe(result)

	switch v := result.(type) {
	case nil:
		return map[string]any{"success": true, "message": nil, "data": []any{}}

	case []any:
		return map[string]any{"success": true, "message": nil, "data": unwrapList(v)}

	case map[string]any:
		_, hasSuccess := v["success"]
		_, hasData := v["data"]
		if !hasSuccess && !hasData {
			return map[string]any{"success": true, "message": nil, "data": []any{v}}
		}

		env := map[string]any{"success": true, "message": nil}
		for k, val := range v {
			switch k {
			case "success", "message":
				env[k] = val
			case "data":
				env[k] = coerceToList(val)
			default:
				env[k] = val
			}
		}
		if _, ok := env["data"]; !ok {
			env["data"] = []any{}
		}
		return env

	default:
		return map[string]any{"success": true, "message": nil, "data": []any{v}}
	}
}

// unwrapList flattens a single-element list whose one element is
// itself a list.
func unwrapList(v []any) []any {
	if len(v) == 1 {
		if inner, ok := v[0].([]any); ok {
			return inner
		}
	}
	return v
}

func coerceToList(v any) []any {
	switch x := v.(type) {
	case nil:
		return []any{}
	case []any:
		return x
	default:
		return []any{x}
	}
}

// jsonSafe rewrites a result tree so json.Marshal cannot fail on it:
// times, uuids, byte slices and non-finite floats become strings, and
// map keys are stringified.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case nil, bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32:
		return x
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Sprint(x)
		}
		return x
	case time.Time:
		return x.Format(time.RFC3339)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.Format(time.RFC3339)
	case uuid.UUID:
		return x.String()
	case [16]byte:
		return uuid.UUID(x).String()
	case []byte:
		return strings.ToValidUTF8(string(x), "�")
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jsonSafe(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jsonSafe(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = jsonSafe(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = jsonSafe(e)
		}
		return out
	default:
		return fmt.Sprint(x)
	}
}

// convertKeys applies a key conversion to every map key in the tree.
func convertKeys(v any, conv func(string) string) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[conv(k)] = convertKeys(e, conv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = convertKeys(e, conv)
		}
		return out
	default:
		return v
	}
}

// ConvertKeysToSnake rewrites camelCase keys to snake_case across a
// params tree; used on request naming conversion.
func ConvertKeysToSnake(v any) any {
	return convertKeys(v, camelToSnake)
}

func snakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 0 {
		return s
	}

	var b strings.Builder
	b.WriteString(parts[0])

	for i := 1; i < len(parts); i++ {
		p := parts[i]
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		if len(p) > 1 {
			b.WriteString(p[1:])
		}
	}
	return b.String()
}

func camelToSnake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for _, r := range s {
		if unicode.IsUpper(r) {
			b.WriteByte('_')
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
