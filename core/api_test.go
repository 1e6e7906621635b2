package core

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sqljin/sqljin/auth"
)

func newTestGateway(t *testing.T) (*Gateway, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)
	t.Cleanup(func() { db.Close() })

	conf := &Config{Debug: true, SecretKey: "unit-test-secret"}
	g, err := NewGateway(conf, db, "mysql", zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(g.Close)

	return g, mock
}

func emptyDatasourceRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "kind", "host", "port", "database_name", "username",
		"password_encrypted", "options", "active", "close_after_each_execute", "use_ssl",
		"created_at", "updated_at",
	})
}

func expectAccessInsert(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`FROM access_log_config`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO access_record`).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func getRequest(path, ip string) *Request {
	return &Request{
		Method:   "GET",
		Path:     path,
		Headers:  http.Header{},
		Query:    url.Values{},
		ClientIP: ip,
	}
}

func TestDispatchPublicScriptEndpoint(t *testing.T) {
	g, mock := newTestGateway(t)

	mock.ExpectQuery(`FROM api_module`).WillReturnRows(moduleRows(
		Module{ID: "m1", Name: "Demo", PathPrefix: "demo"},
	))
	mock.ExpectQuery(`FROM api_assignment`).WithArgs("m1", "GET").WillReturnRows(endpointRows(
		Endpoint{ID: "ep1", ModuleID: "m1", Name: "ping", PathPattern: "ping/{name}",
			HTTPMethod: "GET", EngineKind: EngineScript, AccessType: AccessPublic},
	))
	mock.ExpectQuery(`FROM firewall_rule`).WillReturnRows(firewallRuleRows())
	mock.ExpectQuery(`FROM api_context`).WithArgs("ep1").WillReturnRows(contentRows(
		`function execute(req) {
		   return { success: true, message: "pong", data: [{ caller: req.name }] };
		 }`))
	mock.ExpectQuery(`FROM api_macro_def`).WithArgs("m1").WillReturnRows(macroRows())
	mock.ExpectQuery(`FROM datasource`).WillReturnRows(emptyDatasourceRows())
	expectAccessInsert(mock)

	out := g.Dispatch(context.Background(), getRequest("/demo/ping/world", "10.0.0.1"))

	require.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, true, out.Body["success"])
	assert.Equal(t, "pong", out.Body["message"])

	data, ok := out.Body["data"].([]any)
	require.True(t, ok)
	require.Len(t, data, 1)
	assert.Equal(t, "world", data[0].(map[string]any)["caller"])
}

func TestDispatchUnknownEndpoint(t *testing.T) {
	g, mock := newTestGateway(t)

	mock.ExpectQuery(`FROM api_module`).WillReturnRows(moduleRows())
	expectAccessInsert(mock)

	out := g.Dispatch(context.Background(), getRequest("/nope", "10.0.0.1"))

	require.Equal(t, http.StatusNotFound, out.Status)
	assert.Equal(t, false, out.Body["success"])
	assert.Equal(t, []any{}, out.Body["data"])
}

func TestDispatchFirewallBlocks(t *testing.T) {
	g, mock := newTestGateway(t)

	mock.ExpectQuery(`FROM api_module`).WillReturnRows(moduleRows(
		Module{ID: "m1", Name: "Demo", PathPrefix: "demo"},
	))
	mock.ExpectQuery(`FROM api_assignment`).WithArgs("m1", "GET").WillReturnRows(endpointRows(
		Endpoint{ID: "ep1", ModuleID: "m1", PathPattern: "ping",
			HTTPMethod: "GET", EngineKind: EngineScript, AccessType: AccessPublic},
	))
	mock.ExpectQuery(`FROM firewall_rule`).WillReturnRows(firewallRuleRows(
		FirewallRule{ID: "r1", Action: "deny", CIDR: "10.0.0.0/8"},
	))
	expectAccessInsert(mock)

	out := g.Dispatch(context.Background(), getRequest("/demo/ping", "10.9.9.9"))

	require.Equal(t, http.StatusForbidden, out.Status)
	assert.Equal(t, "request blocked", out.Body["message"])
}

func TestDispatchPrivateEndpointAuth(t *testing.T) {
	hash, err := auth.HashSecret("s3cret")
	require.NoError(t, err)

	clientRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "client_id", "client_secret_hash", "name", "active",
			"rate_limit_per_minute", "max_concurrent",
		}).AddRow("row-1", "client-1", hash, "Acme", true, 0, 0)
	}

	expectResolution := func(mock sqlmock.Sqlmock) {
		mock.ExpectQuery(`FROM api_module`).WillReturnRows(moduleRows(
			Module{ID: "m1", Name: "Demo", PathPrefix: "demo"},
		))
		mock.ExpectQuery(`FROM api_assignment`).WithArgs("m1", "GET").WillReturnRows(endpointRows(
			Endpoint{ID: "ep1", ModuleID: "m1", PathPattern: "secret",
				HTTPMethod: "GET", EngineKind: EngineScript, AccessType: AccessPrivate},
		))
		mock.ExpectQuery(`FROM firewall_rule`).WillReturnRows(firewallRuleRows())
	}

	basicAuth := func(r *Request) *Request {
		pair := base64.StdEncoding.EncodeToString([]byte("client-1:s3cret"))
		r.Headers.Set("Authorization", "Basic "+pair)
		return r
	}

	t.Run("no credentials", func(t *testing.T) {
		g, mock := newTestGateway(t)
		expectResolution(mock)
		expectAccessInsert(mock)

		out := g.Dispatch(context.Background(), getRequest("/demo/secret", "10.0.0.1"))
		require.Equal(t, http.StatusUnauthorized, out.Status)
	})

	t.Run("wrong secret", func(t *testing.T) {
		g, mock := newTestGateway(t)
		expectResolution(mock)
		pair := base64.StdEncoding.EncodeToString([]byte("client-1:wrong"))
		mock.ExpectQuery(`FROM app_client`).WithArgs("client-1").WillReturnRows(clientRows())
		expectAccessInsert(mock)

		req := getRequest("/demo/secret", "10.0.0.1")
		req.Headers.Set("Authorization", "Basic "+pair)
		out := g.Dispatch(context.Background(), req)
		require.Equal(t, http.StatusUnauthorized, out.Status)
	})

	t.Run("no grant", func(t *testing.T) {
		g, mock := newTestGateway(t)
		expectResolution(mock)
		mock.ExpectQuery(`FROM app_client`).WithArgs("client-1").WillReturnRows(clientRows())
		mock.ExpectQuery(`app_client_api_link`).WithArgs("row-1", "ep1", "row-1", "ep1").
			WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
		expectAccessInsert(mock)

		out := g.Dispatch(context.Background(), basicAuth(getRequest("/demo/secret", "10.0.0.1")))
		require.Equal(t, http.StatusForbidden, out.Status)
	})

	t.Run("granted", func(t *testing.T) {
		g, mock := newTestGateway(t)
		expectResolution(mock)
		mock.ExpectQuery(`FROM app_client`).WithArgs("client-1").WillReturnRows(clientRows())
		mock.ExpectQuery(`app_client_api_link`).WithArgs("row-1", "ep1", "row-1", "ep1").
			WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
		mock.ExpectQuery(`FROM api_context`).WithArgs("ep1").WillReturnRows(contentRows(
			`function execute(req) { return { data: [{ ok: true }] }; }`))
		mock.ExpectQuery(`FROM api_macro_def`).WithArgs("m1").WillReturnRows(macroRows())
		mock.ExpectQuery(`FROM datasource`).WillReturnRows(emptyDatasourceRows())
		expectAccessInsert(mock)

		out := g.Dispatch(context.Background(), basicAuth(getRequest("/demo/secret", "10.0.0.1")))
		require.Equal(t, http.StatusOK, out.Status)
		assert.Equal(t, true, out.Body["success"])
	})
}

func TestDispatchBadParameter(t *testing.T) {
	g, mock := newTestGateway(t)

	mock.ExpectQuery(`FROM api_module`).WillReturnRows(moduleRows(
		Module{ID: "m1", Name: "Demo", PathPrefix: "demo"},
	))
	mock.ExpectQuery(`FROM api_assignment`).WithArgs("m1", "GET").WillReturnRows(endpointRows(
		Endpoint{ID: "ep1", ModuleID: "m1", PathPattern: "orders",
			HTTPMethod: "GET", EngineKind: EngineScript, AccessType: AccessPublic},
	))
	mock.ExpectQuery(`FROM firewall_rule`).WillReturnRows(firewallRuleRows())
	mock.ExpectQuery(`FROM api_context`).WithArgs("ep1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "api_assignment_id", "content", "param_schema", "validators", "result_transform",
		}).AddRow("c1", "ep1", "result.data = [];",
			`[{"name": "limit", "location": "query", "data_type": "integer", "required": true}]`,
			nil, nil))
	mock.ExpectQuery(`FROM api_macro_def`).WithArgs("m1").WillReturnRows(macroRows())
	expectAccessInsert(mock)

	req := getRequest("/demo/orders", "10.0.0.1")
	req.Query.Set("limit", "lots")

	out := g.Dispatch(context.Background(), req)
	require.Equal(t, http.StatusBadRequest, out.Status)
	assert.Equal(t, false, out.Body["success"])
}

func TestDispatchCamelResponse(t *testing.T) {
	g, mock := newTestGateway(t)

	mock.ExpectQuery(`FROM api_module`).WillReturnRows(moduleRows(
		Module{ID: "m1", Name: "Demo", PathPrefix: "demo"},
	))
	mock.ExpectQuery(`FROM api_assignment`).WithArgs("m1", "GET").WillReturnRows(endpointRows(
		Endpoint{ID: "ep1", ModuleID: "m1", PathPattern: "rows",
			HTTPMethod: "GET", EngineKind: EngineScript, AccessType: AccessPublic},
	))
	mock.ExpectQuery(`FROM firewall_rule`).WillReturnRows(firewallRuleRows())
	mock.ExpectQuery(`FROM api_context`).WithArgs("ep1").WillReturnRows(contentRows(
		`function execute(req) { return { data: [{ user_id: 7 }] }; }`))
	mock.ExpectQuery(`FROM api_macro_def`).WithArgs("m1").WillReturnRows(macroRows())
	mock.ExpectQuery(`FROM datasource`).WillReturnRows(emptyDatasourceRows())
	expectAccessInsert(mock)

	req := getRequest("/demo/rows", "10.0.0.1")
	req.Query.Set("naming", "camel")

	out := g.Dispatch(context.Background(), req)
	require.Equal(t, http.StatusOK, out.Status)

	row := out.Body["data"].([]any)[0].(map[string]any)
	assert.Contains(t, row, "userId")
	assert.NotContains(t, row, "user_id")
}

func TestIssueToken(t *testing.T) {
	g, mock := newTestGateway(t)

	hash, err := auth.HashSecret("s3cret")
	require.NoError(t, err)

	rows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "client_id", "client_secret_hash", "name", "active",
			"rate_limit_per_minute", "max_concurrent",
		}).AddRow("row-1", "client-1", hash, "Acme", true, 0, 0)
	}

	mock.ExpectQuery(`FROM app_client`).WithArgs("client-1").WillReturnRows(rows())
	token, expires, err := g.IssueToken(context.Background(), "client-1", "s3cret")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.False(t, expires.IsZero())

	sub, err := auth.VerifyToken([]byte("unit-test-secret"), token)
	require.NoError(t, err)
	require.Equal(t, "client-1", sub)

	mock.ExpectQuery(`FROM app_client`).WithArgs("client-1").WillReturnRows(rows())
	_, _, err = g.IssueToken(context.Background(), "client-1", "wrong")
	require.Error(t, err)
	require.Equal(t, AuthFailed, AsError(err).Kind)

	mock.ExpectQuery(`FROM app_client`).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, _, err = g.IssueToken(context.Background(), "ghost", "s3cret")
	require.Error(t, err)
}

func TestDispatchBearerToken(t *testing.T) {
	g, mock := newTestGateway(t)

	hash, err := auth.HashSecret("s3cret")
	require.NoError(t, err)
	clientRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "client_id", "client_secret_hash", "name", "active",
			"rate_limit_per_minute", "max_concurrent",
		}).AddRow("row-1", "client-1", hash, "Acme", true, 0, 0)
	}

	mock.ExpectQuery(`FROM app_client`).WithArgs("client-1").WillReturnRows(clientRows())
	token, _, err := g.IssueToken(context.Background(), "client-1", "s3cret")
	require.NoError(t, err)

	mock.ExpectQuery(`FROM api_module`).WillReturnRows(moduleRows(
		Module{ID: "m1", Name: "Demo", PathPrefix: "demo"},
	))
	mock.ExpectQuery(`FROM api_assignment`).WithArgs("m1", "GET").WillReturnRows(endpointRows(
		Endpoint{ID: "ep1", ModuleID: "m1", PathPattern: "secret",
			HTTPMethod: "GET", EngineKind: EngineScript, AccessType: AccessPrivate},
	))
	mock.ExpectQuery(`FROM firewall_rule`).WillReturnRows(firewallRuleRows())
	mock.ExpectQuery(`FROM app_client`).WithArgs("client-1").WillReturnRows(clientRows())
	mock.ExpectQuery(`app_client_api_link`).WithArgs("row-1", "ep1", "row-1", "ep1").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectQuery(`FROM api_context`).WithArgs("ep1").WillReturnRows(contentRows(
		`function execute(req) { return { data: [] }; }`))
	mock.ExpectQuery(`FROM api_macro_def`).WithArgs("m1").WillReturnRows(macroRows())
	mock.ExpectQuery(`FROM datasource`).WillReturnRows(emptyDatasourceRows())
	expectAccessInsert(mock)

	req := getRequest("/demo/secret", "10.0.0.1")
	req.Headers.Set("Authorization", "Bearer "+token)

	out := g.Dispatch(context.Background(), req)
	require.Equal(t, http.StatusOK, out.Status)
}
