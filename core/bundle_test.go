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

func contentRows(content string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "api_assignment_id", "content", "param_schema", "validators", "result_transform",
	}).AddRow("c1", "ep1", content, nil, nil, nil)
}

func macroRows(macros ...Macro) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "module_id", "name", "kind", "content", "published", "published_version_id",
	})
	for _, m := range macros {
		rows.AddRow(m.ID, m.ModuleID, m.Name, m.Kind, m.Content, m.Published, m.PublishedVersionID)
	}
	return rows
}

func TestLoadBundleCurrentContent(t *testing.T) {
	st, mock := mockStore(t)
	ge := &gatewayEngine{store: st, log: zap.NewNop().Sugar()}

	mock.ExpectQuery(`FROM api_context`).WithArgs("ep1").
		WillReturnRows(contentRows("SELECT * FROM orders WHERE tenant_clause"))
	mock.ExpectQuery(`FROM api_macro_def`).WithArgs("m1").WillReturnRows(macroRows(
		Macro{ID: "mac1", Name: "tenant_clause", Kind: MacroSQL, Published: true},
		Macro{ID: "mac2", Name: "unused_macro", Kind: MacroSQL, Published: false},
	))
	mock.ExpectQuery(`FROM macro_def_version_commit`).WithArgs("mac1").
		WillReturnRows(sqlmock.NewRows([]string{"content"}).AddRow("-- tenant filter body"))

	b, err := ge.loadBundle(context.Background(),
		&Endpoint{ID: "ep1", ModuleID: "m1"})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM orders WHERE tenant_clause", b.Content)
	assert.Equal(t, "-- tenant filter body", b.SQLMacros)
	assert.Empty(t, b.ScriptMacros)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadBundleSnapshotWins(t *testing.T) {
	st, mock := mockStore(t)
	ge := &gatewayEngine{store: st, log: zap.NewNop().Sugar()}

	mock.ExpectQuery(`FROM version_commit`).WithArgs("v9").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "api_assignment_id", "content", "param_schema", "validators",
			"result_transform", "note", "created_at",
		}).AddRow("v9", "ep1", "SELECT 2", nil, nil, nil, "pinned", time.Now()))
	mock.ExpectQuery(`FROM api_macro_def`).WithArgs("m1").WillReturnRows(macroRows())

	b, err := ge.loadBundle(context.Background(),
		&Endpoint{ID: "ep1", ModuleID: "m1", PublishedVersionID: "v9"})
	require.NoError(t, err)

	// The snapshot body is served even though a current content row
	// may exist.
	assert.Equal(t, "SELECT 2", b.Content)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadBundleUnpublishedReferencedMacro(t *testing.T) {
	st, mock := mockStore(t)
	ge := &gatewayEngine{store: st, log: zap.NewNop().Sugar()}

	mock.ExpectQuery(`FROM api_context`).WithArgs("ep1").
		WillReturnRows(contentRows("SELECT draft_macro FROM t"))
	mock.ExpectQuery(`FROM api_macro_def`).WithArgs("m1").WillReturnRows(macroRows(
		Macro{ID: "mac1", Name: "draft_macro", Kind: MacroSQL, Published: false},
	))

	_, err := ge.loadBundle(context.Background(),
		&Endpoint{ID: "ep1", ModuleID: "m1"})
	require.Error(t, err)
	assert.Equal(t, MacroUnpublished, AsError(err).Kind)
}

func TestMacroReferenced(t *testing.T) {
	assert.True(t, macroReferenced("SELECT tenant_clause FROM t", "tenant_clause"))
	assert.True(t, macroReferenced("a\n tenant_clause\nb", "tenant_clause"))

	// Substring hits are not references.
	assert.False(t, macroReferenced("SELECT tenant_clauses FROM t", "tenant_clause"))
	assert.False(t, macroReferenced("my_tenant_clause", "tenant_clause"))
	assert.False(t, macroReferenced("", "tenant_clause"))
}

func TestBundleCacheTiers(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	bc, err := newBundleCache(kv, time.Minute, zap.NewNop().Sugar())
	require.NoError(t, err)

	loads := 0
	load := func(context.Context) (*Bundle, error) {
		loads++
		return &Bundle{EndpointID: "ep1", Content: "SELECT 1"}, nil
	}

	b, err := bc.Get(ctx, "ep1", load)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", b.Content)
	assert.Equal(t, 1, loads)

	_, err = bc.Get(ctx, "ep1", load)
	require.NoError(t, err)
	assert.Equal(t, 1, loads)

	// A fresh local tier still finds the KV copy.
	bc2, err := newBundleCache(kv, time.Minute, zap.NewNop().Sugar())
	require.NoError(t, err)
	b, err = bc2.Get(ctx, "ep1", load)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", b.Content)
	assert.Equal(t, 1, loads)

	// A generation bump makes every node's KV entries stale.
	bc.InvalidateAll(ctx)
	bc3, err := newBundleCache(kv, time.Minute, zap.NewNop().Sugar())
	require.NoError(t, err)
	_, err = bc3.Get(ctx, "ep1", load)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}

func TestBundleCacheInvalidateOne(t *testing.T) {
	ctx := context.Background()
	bc, err := newBundleCache(NewMemoryKV(), time.Minute, zap.NewNop().Sugar())
	require.NoError(t, err)

	loads := 0
	load := func(context.Context) (*Bundle, error) {
		loads++
		return &Bundle{EndpointID: "ep1"}, nil
	}

	_, err = bc.Get(ctx, "ep1", load)
	require.NoError(t, err)
	bc.Invalidate(ctx, "ep1")
	_, err = bc.Get(ctx, "ep1", load)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}
