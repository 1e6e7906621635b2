package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqljin/sqljin/core/internal/dialect"
)

func TestDatasourceTarget(t *testing.T) {
	ds := &Datasource{
		ID:           "ds1",
		Name:         "reporting",
		Kind:         "postgres",
		Host:         "db.internal",
		Port:         5432,
		DatabaseName: "reports",
		Username:     "reader",
		UseSSL:       true,
		Params:       map[string]string{"search_path": "app"},
	}

	got := ds.target("s3cret")
	assert.Equal(t, dialect.Target{
		ID:       "ds1",
		Kind:     "postgres",
		Host:     "db.internal",
		Port:     5432,
		Database: "reports",
		User:     "reader",
		Password: "s3cret",
		UseSSL:   true,
		Params:   map[string]string{"search_path": "app"},
	}, got)
}

func TestParamSchemaColumnShape(t *testing.T) {
	raw := `[{"name": "id", "location": "path", "data_type": "integer",
	          "required": true, "default_value": "1",
	          "validation_message": "id must be a number"}]`

	var schema []ParamSpec
	require.NoError(t, json.Unmarshal([]byte(raw), &schema))
	require.Len(t, schema, 1)
	assert.Equal(t, ParamSpec{
		Name:              "id",
		Location:          "path",
		DataType:          "integer",
		Required:          true,
		DefaultValue:      "1",
		ValidationMessage: "id must be a number",
	}, schema[0])
}

func TestValidatorsColumnShape(t *testing.T) {
	raw := `[{"name": "age", "script": "function validate(v) { return v > 0; }",
	          "message_when_fail": "age must be positive"}]`

	var validators []Validator
	require.NoError(t, json.Unmarshal([]byte(raw), &validators))
	require.Len(t, validators, 1)
	assert.Equal(t, "age", validators[0].Name)
	assert.Equal(t, "age must be positive", validators[0].MessageWhenFail)
}
