package core

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEnvelope(t *testing.T) {
	t.Run("nil result", func(t *testing.T) {
		env := BuildEnvelope(nil, false)
		assert.Equal(t, true, env["success"])
		assert.Nil(t, env["message"])
		assert.Equal(t, []any{}, env["data"])
	})

	t.Run("row list", func(t *testing.T) {
		env := BuildEnvelope([]map[string]any{{"id": 1}, {"id": 2}}, false)
		assert.Equal(t, true, env["success"])
		assert.Len(t, env["data"], 2)
	})

	t.Run("single element list of list unwraps", func(t *testing.T) {
		env := BuildEnvelope([]any{[]any{"a", "b"}}, false)
		assert.Equal(t, []any{"a", "b"}, env["data"])
	})

	t.Run("scalar wraps", func(t *testing.T) {
		env := BuildEnvelope(42, false)
		assert.Equal(t, []any{42}, env["data"])
	})

	t.Run("plain map wraps as one row", func(t *testing.T) {
		env := BuildEnvelope(map[string]any{"rows_affected": int64(3)}, false)
		assert.Equal(t, []any{map[string]any{"rows_affected": int64(3)}}, env["data"])
	})

	t.Run("envelope shaped map passes through with extras", func(t *testing.T) {
		env := BuildEnvelope(map[string]any{
			"success": false,
			"message": "nope",
			"data":    map[string]any{"id": 1},
			"total":   7,
		}, false)
		assert.Equal(t, false, env["success"])
		assert.Equal(t, "nope", env["message"])
		assert.Equal(t, []any{map[string]any{"id": 1}}, env["data"])
		assert.Equal(t, 7, env["total"])
	})

	t.Run("envelope with data only gets success", func(t *testing.T) {
		env := BuildEnvelope(map[string]any{"data": []any{"x"}}, false)
		assert.Equal(t, true, env["success"])
		assert.Equal(t, []any{"x"}, env["data"])
	})
}

func TestErrorEnvelope(t *testing.T) {
	env := ErrorEnvelope("request blocked", false)
	assert.Equal(t, false, env["success"])
	assert.Equal(t, "request blocked", env["message"])
	assert.Equal(t, []any{}, env["data"])
}

func TestEnvelopeCamelNaming(t *testing.T) {
	env := BuildEnvelope([]map[string]any{
		{"user_id": 1, "created_at": "now", "nested": map[string]any{"line_total": 2}},
	}, true)

	data := env["data"].([]any)
	row := data[0].(map[string]any)
	assert.Contains(t, row, "userId")
	assert.Contains(t, row, "createdAt")
	assert.NotContains(t, row, "user_id")
	assert.Contains(t, row["nested"].(map[string]any), "lineTotal")
}

func TestJSONSafe(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")

	env := BuildEnvelope(map[string]any{
		"when":  ts,
		"id":    id,
		"blob":  []byte("bytes"),
		"bad":   math.NaN(),
		"mixed": map[any]any{1: "one"},
	}, false)

	row := env["data"].([]any)[0].(map[string]any)
	assert.Equal(t, "2024-05-01T12:00:00Z", row["when"])
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", row["id"])
	assert.Equal(t, "bytes", row["blob"])
	assert.Equal(t, "NaN", row["bad"])
	assert.Equal(t, map[string]any{"1": "one"}, row["mixed"])
}

func TestNamingConversions(t *testing.T) {
	cases := map[string]string{
		"user_id":      "userId",
		"created_at":   "createdAt",
		"a_b_c":        "aBC",
		"simple":       "simple",
		"line__total":  "lineTotal",
		"total_amount": "totalAmount",
	}
	for snake, camel := range cases {
		assert.Equal(t, camel, snakeToCamel(snake), snake)
	}

	// Round trip holds for ordinary keys.
	for _, k := range []string{"user_id", "created_at", "total_amount", "simple"} {
		require.Equal(t, k, camelToSnake(snakeToCamel(k)), k)
	}

	assert.Equal(t, map[string]any{"user_id": 1},
		ConvertKeysToSnake(map[string]any{"userId": 1}))
}
