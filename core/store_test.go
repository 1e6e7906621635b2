package core

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	pg := newStore(nil, "postgres")
	my := newStore(nil, "mysql")

	q := "SELECT * FROM t WHERE a = ? AND b = ?"
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind(q))
	assert.Equal(t, q, my.rebind(q))
}

func TestClientByClientIDNotFound(t *testing.T) {
	st, mock := mockStore(t)
	mock.ExpectQuery(`FROM app_client`).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	c, err := st.ClientByClientID(context.Background(), "ghost")
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestClientByClientID(t *testing.T) {
	st, mock := mockStore(t)
	mock.ExpectQuery(`FROM app_client`).WithArgs("client-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "client_id", "client_secret_hash", "name", "active",
			"rate_limit_per_minute", "max_concurrent",
		}).AddRow("row-1", "client-1", "$2a$10$hash", "Acme", true, 120, 4))

	c, err := st.ClientByClientID(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, "row-1", c.ID)
	assert.Equal(t, 120, c.RateLimitPerMinute)
	assert.Equal(t, 4, c.MaxConcurrent)
}

func TestClientCanReach(t *testing.T) {
	st, mock := mockStore(t)

	mock.ExpectQuery(`app_client_api_link`).WithArgs("row-1", "ep1", "row-1", "ep1").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	ok, err := st.ClientCanReach(context.Background(), "row-1", "ep1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery(`app_client_api_link`).WithArgs("row-1", "ep2", "row-1", "ep2").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	ok, err = st.ClientCanReach(context.Background(), "row-1", "ep2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContentForEndpointParsesColumns(t *testing.T) {
	st, mock := mockStore(t)
	mock.ExpectQuery(`FROM api_context`).WithArgs("ep1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "api_assignment_id", "content", "param_schema", "validators", "result_transform",
		}).AddRow("c1", "ep1", "SELECT 1",
			`[{"name": "id", "location": "path", "data_type": "integer", "required": true}]`,
			nil, "transform(r)"))

	c, err := st.ContentForEndpoint(context.Background(), "ep1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", c.Content)
	require.Len(t, c.ParamSchema, 1)
	assert.Equal(t, "id", c.ParamSchema[0].Name)
	assert.True(t, c.ParamSchema[0].Required)
	assert.Empty(t, c.Validators)
	assert.Equal(t, "transform(r)", c.ResultTransform)
}

func TestDatasourceOptionsFold(t *testing.T) {
	st, mock := mockStore(t)
	now := time.Now()

	mock.ExpectQuery(`FROM datasource`).WithArgs("ds1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "kind", "host", "port", "database_name", "username",
			"password_encrypted", "options", "active", "close_after_each_execute", "use_ssl",
			"created_at", "updated_at",
		}).AddRow("ds1", "main", "postgres", "db.local", 5432, "app", "svc",
			"enc", `{"ssl": true, "params": {"search_path": "public"}}`,
			true, false, false, now, now))

	d, err := st.DatasourceByID(context.Background(), "ds1")
	require.NoError(t, err)
	assert.True(t, d.UseSSL)
	assert.Equal(t, map[string]string{"search_path": "public"}, d.Params)
}

func TestLoadAccessLogConfigDefault(t *testing.T) {
	st, mock := mockStore(t)
	mock.ExpectQuery(`FROM access_log_config`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	cfg, err := st.LoadAccessLogConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.ID)
	assert.Empty(t, cfg.StorageDatasourceID)
	assert.False(t, cfg.UseAuditDialect)
}
