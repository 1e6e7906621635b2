package core

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func moduleRows(modules ...Module) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "name", "path_prefix", "description", "active", "sort_order"})
	for _, m := range modules {
		rows.AddRow(m.ID, m.Name, m.PathPrefix, m.Description, true, m.SortOrder)
	}
	return rows
}

func endpointRows(endpoints ...Endpoint) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "module_id", "name", "path_pattern", "http_method", "engine_kind",
		"datasource_id", "published", "published_version_id",
		"access_type", "rate_limit_per_minute", "close_after_each_execute", "sort_order",
	})
	for _, e := range endpoints {
		rows.AddRow(e.ID, e.ModuleID, e.Name, e.PathPattern, e.HTTPMethod, e.EngineKind,
			e.DatasourceID, true, e.PublishedVersionID,
			e.AccessType, e.RateLimitPerMinute, e.CloseAfterEachExecute, e.SortOrder)
	}
	return rows
}

func TestResolvePrefixAndPathVars(t *testing.T) {
	ctx := context.Background()
	st, mock := mockStore(t)

	mock.ExpectQuery(`FROM api_module`).WillReturnRows(moduleRows(
		Module{ID: "m1", Name: "Shop", PathPrefix: "/shop/"},
	))
	mock.ExpectQuery(`FROM api_assignment`).WithArgs("m1", "GET").WillReturnRows(endpointRows(
		Endpoint{ID: "ep1", ModuleID: "m1", Name: "item", PathPattern: "items/{id}",
			HTTPMethod: "GET", EngineKind: EngineSQL, AccessType: AccessPublic},
	))

	rv, err := newResolver(st, time.Minute, zap.NewNop().Sugar())
	require.NoError(t, err)

	res, err := rv.Resolve(ctx, "GET", "/shop/items/42")
	require.NoError(t, err)
	assert.Equal(t, "ep1", res.Endpoint.ID)
	assert.Equal(t, map[string]string{"id": "42"}, res.PathVars)

	// Cached reads serve the second lookup; no further queries.
	res, err = rv.Resolve(ctx, "GET", "/shop/items/43")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"id": "43"}, res.PathVars)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveEndpointOrderBreaksTies(t *testing.T) {
	ctx := context.Background()
	st, mock := mockStore(t)

	mock.ExpectQuery(`FROM api_module`).WillReturnRows(moduleRows(
		Module{ID: "m1", Name: "Shop", PathPrefix: "shop"},
	))
	// Both patterns match items/latest; the row order decides.
	mock.ExpectQuery(`FROM api_assignment`).WithArgs("m1", "GET").WillReturnRows(endpointRows(
		Endpoint{ID: "ep-exact", ModuleID: "m1", PathPattern: "items/latest",
			HTTPMethod: "GET", EngineKind: EngineSQL, AccessType: AccessPublic},
		Endpoint{ID: "ep-var", ModuleID: "m1", PathPattern: "items/{id}",
			HTTPMethod: "GET", EngineKind: EngineSQL, AccessType: AccessPublic},
	))

	rv, err := newResolver(st, time.Minute, zap.NewNop().Sugar())
	require.NoError(t, err)

	res, err := rv.Resolve(ctx, "GET", "/shop/items/latest")
	require.NoError(t, err)
	assert.Equal(t, "ep-exact", res.Endpoint.ID)
}

func TestResolveRootModuleFallback(t *testing.T) {
	ctx := context.Background()
	st, mock := mockStore(t)

	mock.ExpectQuery(`FROM api_module`).WillReturnRows(moduleRows(
		Module{ID: "m1", Name: "Shop", PathPrefix: "shop"},
		Module{ID: "m2", Name: "Root Tools", PathPrefix: ""},
	))
	// First segment matches no module key, so root modules see the
	// full path.
	mock.ExpectQuery(`FROM api_assignment`).WithArgs("m2", "GET").WillReturnRows(endpointRows(
		Endpoint{ID: "ep-root", ModuleID: "m2", PathPattern: "status/{region}",
			HTTPMethod: "GET", EngineKind: EngineSQL, AccessType: AccessPublic},
	))

	rv, err := newResolver(st, time.Minute, zap.NewNop().Sugar())
	require.NoError(t, err)

	res, err := rv.Resolve(ctx, "GET", "/status/eu")
	require.NoError(t, err)
	assert.Equal(t, "ep-root", res.Endpoint.ID)
	assert.Equal(t, map[string]string{"region": "eu"}, res.PathVars)
}

func TestResolveModuleSlugKey(t *testing.T) {
	ctx := context.Background()
	st, mock := mockStore(t)

	// An empty prefix answers to the slug of the module name.
	mock.ExpectQuery(`FROM api_module`).WillReturnRows(moduleRows(
		Module{ID: "m1", Name: "Order Tools", PathPrefix: ""},
	))
	mock.ExpectQuery(`FROM api_assignment`).WithArgs("m1", "GET").WillReturnRows(endpointRows(
		Endpoint{ID: "ep1", ModuleID: "m1", PathPattern: "list",
			HTTPMethod: "GET", EngineKind: EngineSQL, AccessType: AccessPublic},
	))

	rv, err := newResolver(st, time.Minute, zap.NewNop().Sugar())
	require.NoError(t, err)

	res, err := rv.Resolve(ctx, "GET", "/order-tools/list")
	require.NoError(t, err)
	assert.Equal(t, "ep1", res.Endpoint.ID)
}

func TestResolveUnknown(t *testing.T) {
	ctx := context.Background()
	st, mock := mockStore(t)

	mock.ExpectQuery(`FROM api_module`).WillReturnRows(moduleRows())

	rv, err := newResolver(st, time.Minute, zap.NewNop().Sugar())
	require.NoError(t, err)

	_, err = rv.Resolve(ctx, "GET", "/nothing/here")
	require.Error(t, err)
	assert.Equal(t, UnknownEndpoint, AsError(err).Kind)

	_, err = rv.Resolve(ctx, "GET", "/")
	require.Error(t, err)
	assert.Equal(t, UnknownEndpoint, AsError(err).Kind)
}

func TestCompilePathPattern(t *testing.T) {
	re, err := compilePathPattern("/items/{id}/notes/{note_id}/")
	require.NoError(t, err)

	m := re.FindStringSubmatch("items/7/notes/abc")
	require.NotNil(t, m)

	require.Nil(t, re.FindStringSubmatch("items/7/notes/abc/extra"))
	require.Nil(t, re.FindStringSubmatch("items//notes/abc"))
}
