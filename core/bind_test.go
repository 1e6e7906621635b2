package core

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sqljin/sqljin/core/internal/sandbox"
)

func testEngine(t *testing.T) *gatewayEngine {
	t.Helper()
	sb, err := sandbox.New(sandbox.Config{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return &gatewayEngine{sandbox: sb, log: zap.NewNop().Sugar()}
}

func TestCoerceValue(t *testing.T) {
	tests := []struct {
		name     string
		raw      any
		dataType string
		want     any
		wantErr  bool
	}{
		{name: "string trims", raw: "  hi ", dataType: "string", want: "hi"},
		{name: "string from number", raw: float64(7), dataType: "string", want: "7"},

		{name: "integer from string", raw: "42", dataType: "integer", want: int64(42)},
		{name: "integer from float", raw: float64(42), dataType: "integer", want: int64(42)},
		{name: "integer rejects fraction", raw: float64(4.2), dataType: "integer", wantErr: true},
		{name: "integer rejects bool", raw: true, dataType: "integer", wantErr: true},
		{name: "integer rejects words", raw: "forty", dataType: "integer", wantErr: true},

		{name: "number from string", raw: "4.5", dataType: "number", want: 4.5},
		{name: "number rejects bool", raw: false, dataType: "number", wantErr: true},

		{name: "boolean true word", raw: "yes", dataType: "boolean", want: true},
		{name: "boolean zero", raw: "0", dataType: "boolean", want: false},
		{name: "boolean rejects other", raw: "maybe", dataType: "boolean", wantErr: true},

		{name: "array from json", raw: `[1, 2]`, dataType: "array", want: []any{float64(1), float64(2)}},
		{name: "array from csv", raw: "a, b ,c", dataType: "array", want: []any{"a", "b", "c"}},
		{name: "array empty string", raw: "", dataType: "array", want: []any{}},
		{name: "array passthrough", raw: []any{"x"}, dataType: "array", want: []any{"x"}},

		{name: "object from json", raw: `{"a": 1}`, dataType: "object", want: map[string]any{"a": float64(1)}},
		{name: "object rejects list", raw: []any{}, dataType: "object", wantErr: true},

		{name: "any passthrough", raw: 3, dataType: "", want: 3},
		{name: "unknown type", raw: 3, dataType: "widget", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coerceValue(tt.raw, tt.dataType)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBindWithSchema(t *testing.T) {
	schema := []ParamSpec{
		{Name: "id", Location: "path", DataType: "integer", Required: true},
		{Name: "limit", Location: "query", DataType: "integer", DefaultValue: "20"},
		{Name: "note", Location: "body", DataType: "string"},
		{Name: "tenant", Location: "header", DataType: "string"},
	}

	headers := http.Header{}
	headers.Set("Tenant", "acme")

	params, err := bindWithSchema(schema,
		map[string]any{"note": " hello "},
		map[string]any{},
		map[string]string{"id": "7"},
		headers)
	require.NoError(t, err)

	assert.Equal(t, int64(7), params["id"])
	assert.Equal(t, int64(20), params["limit"])
	assert.Equal(t, "hello", params["note"])
	assert.Equal(t, "acme", params["tenant"])
}

func TestBindWithSchemaEmptyValueTakesDefault(t *testing.T) {
	schema := []ParamSpec{
		{Name: "limit", Location: "query", DataType: "integer", DefaultValue: "20"},
		{Name: "tag", Location: "body", DataType: "string", DefaultValue: "all"},
	}

	// ?limit= sends the key with an empty value.
	params, err := bindWithSchema(schema,
		map[string]any{"tag": ""},
		map[string]any{"limit": ""},
		nil, http.Header{})
	require.NoError(t, err)

	assert.Equal(t, int64(20), params["limit"])
	assert.Equal(t, "all", params["tag"])
}

func TestBindWithSchemaMissingRequired(t *testing.T) {
	schema := []ParamSpec{
		{Name: "first", Location: "query", DataType: "string", Required: true},
		{Name: "second", Location: "body", DataType: "string", Required: true},
	}

	_, err := bindWithSchema(schema, map[string]any{}, map[string]any{}, nil, http.Header{})
	require.Error(t, err)
	require.Equal(t, MissingParameter, AsError(err).Kind)
	assert.Equal(t, "Missing required parameters: first, second", AsError(err).Error())
}

func TestBindWithSchemaValidationMessage(t *testing.T) {
	schema := []ParamSpec{
		{Name: "age", Location: "query", DataType: "integer", ValidationMessage: "age must be a whole number"},
	}

	_, err := bindWithSchema(schema, map[string]any{}, map[string]any{"age": "old"}, nil, http.Header{})
	require.Error(t, err)
	require.Equal(t, BadParameter, AsError(err).Kind)
	assert.Equal(t, "age must be a whole number", AsError(err).Error())
}

func TestBindParamsPrecedenceWithoutSchema(t *testing.T) {
	ge := testEngine(t)

	req := &Request{
		Method:      "POST",
		Path:        "/orders/9",
		Headers:     http.Header{},
		Query:       url.Values{"id": {"5"}, "q": {"abc"}},
		Body:        []byte(`{"id": 1, "note": "n"}`),
		ContentType: "application/json",
	}

	params, logged, err := ge.bindParams(context.Background(), req,
		&Bundle{}, map[string]string{"id": "9"})
	require.NoError(t, err)

	// Path beats query beats body.
	assert.Equal(t, "9", params["id"])
	assert.Equal(t, "abc", params["q"])
	assert.Equal(t, "n", params["note"])
	assert.NotEmpty(t, logged)
}

func TestBindParamsCamelRequest(t *testing.T) {
	ge := testEngine(t)

	req := &Request{
		Method:      "POST",
		Path:        "/orders",
		Headers:     http.Header{"X-Request-Naming": {"camel"}},
		Query:       url.Values{},
		Body:        []byte(`{"userId": 3, "orderNote": "x"}`),
		ContentType: "application/json",
	}

	params, _, err := ge.bindParams(context.Background(), req, &Bundle{}, nil)
	require.NoError(t, err)

	assert.Equal(t, float64(3), params["user_id"])
	assert.Equal(t, "x", params["order_note"])
}

func TestBindParamsValidators(t *testing.T) {
	ge := testEngine(t)

	bundle := &Bundle{
		Validators: []Validator{{
			Name:            "age",
			Script:          `function validate(value) { return value > 0; }`,
			MessageWhenFail: "age must be positive",
		}},
	}

	req := &Request{
		Method:      "POST",
		Path:        "/p",
		Headers:     http.Header{},
		Query:       url.Values{},
		Body:        []byte(`{"age": 5}`),
		ContentType: "application/json",
	}
	_, _, err := ge.bindParams(context.Background(), req, bundle, nil)
	require.NoError(t, err)

	req.Body = []byte(`{"age": -1}`)
	_, _, err = ge.bindParams(context.Background(), req, bundle, nil)
	require.Error(t, err)
	assert.Equal(t, "age must be positive", AsError(err).Error())
}

func TestParseBodyMap(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		m := parseBodyMap([]byte(`{"a": 1}`), "application/json; charset=utf-8")
		assert.Equal(t, map[string]any{"a": float64(1)}, m)
	})

	t.Run("form", func(t *testing.T) {
		m := parseBodyMap([]byte("a=1&b=x"), "application/x-www-form-urlencoded")
		assert.Equal(t, map[string]any{"a": "1", "b": "x"}, m)
	})

	t.Run("broken json contributes nothing", func(t *testing.T) {
		assert.Empty(t, parseBodyMap([]byte(`{"a":`), "application/json"))
	})

	t.Run("non object json contributes nothing", func(t *testing.T) {
		assert.Empty(t, parseBodyMap([]byte(`[1,2]`), "application/json"))
	})
}

func TestQueryMapSkipsNamingKey(t *testing.T) {
	m := queryMap(url.Values{"naming": {"camel"}, "a": {"1"}, "tags": {"x", "y"}})
	assert.Equal(t, map[string]any{"a": "1", "tags": []any{"x", "y"}}, m)
}

func TestRequestNamingFlags(t *testing.T) {
	r := &Request{Query: url.Values{"naming": {"camel"}}, Headers: http.Header{}}
	assert.True(t, r.requestCamel())
	assert.True(t, r.responseCamel())

	r = &Request{Query: url.Values{}, Headers: http.Header{"X-Request-Naming": {"camel"}}}
	assert.True(t, r.requestCamel())
	assert.False(t, r.responseCamel())

	r = &Request{Query: url.Values{}, Headers: http.Header{"X-Response-Naming": {"camel"}}}
	assert.False(t, r.requestCamel())
	assert.True(t, r.responseCamel())
}
