package core

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/sqljin/sqljin/core/internal/dialect"
	"github.com/sqljin/sqljin/core/internal/pool"
	"github.com/sqljin/sqljin/core/internal/sandbox"
	"github.com/sqljin/sqljin/core/internal/sqltpl"
)

// run executes a bound request on its endpoint's engine, on a bounded
// worker so slow backends cannot starve the accept loop.
func (ge *gatewayEngine) run(ctx context.Context, e *Endpoint, b *Bundle, params map[string]any) (any, error) {
	if err := ge.workers.Acquire(ctx, 1); err != nil {
		return nil, wrapError(Timeout, err, "request canceled while queued")
	}
	defer ge.workers.Release(1)

	var result any
	var err error
	switch e.EngineKind {
	case EngineScript:
		result, err = ge.runScript(ctx, e, b, params)
	default:
		result, err = ge.runSQL(ctx, e, b, params)
	}
	if err != nil {
		return nil, err
	}

	if b.ResultTransform != "" {
		result, err = ge.sandbox.RunTransform(ctx, b.ResultTransform, result, params)
		if err != nil {
			return nil, wrapError(TransformFailed, err, "result transform failed: %v", err)
		}
	}
	return result, nil
}

func (ge *gatewayEngine) runSQL(ctx context.Context, e *Endpoint, b *Bundle, params map[string]any) (any, error) {
	ds, target, err := ge.datasourceTarget(ctx, e.DatasourceID)
	if err != nil {
		return nil, err
	}

	src := b.Content
	if b.SQLMacros != "" {
		src = b.SQLMacros + "\n" + src
	}

	tmpl, err := ge.template(src)
	if err != nil {
		return nil, wrapError(RenderFailed, err, "template parse failed: %v", err)
	}
	rendered, err := tmpl.Render(params)
	if err != nil {
		return nil, wrapError(RenderFailed, err, "template render failed: %v", err)
	}

	conn, dedicated, err := ge.acquireConn(ctx, e, ds, target)
	if err != nil {
		return nil, wrapError(Connection, err, "datasource %s unavailable", ds.Name)
	}
	defer ge.pools.Release(conn)

	ge.pools.ApplyStatementTimeout(ctx, conn)
	if !dedicated {
		defer ge.pools.ResetStatementTimeout(ctx, conn)
	}

	if selectLike(rendered) {
		rows, err := conn.QueryContext(ctx, rendered)
		if err != nil {
			return nil, classifyQueryError(err)
		}
		defer rows.Close()

		out, err := rowsToMaps(rows)
		if err != nil {
			return nil, classifyQueryError(err)
		}
		return out, nil
	}

	res, err := conn.ExecContext(ctx, rendered)
	if err != nil {
		return nil, classifyQueryError(err)
	}
	n, _ := res.RowsAffected()
	return map[string]any{"rows_affected": n}, nil
}

func (ge *gatewayEngine) runScript(ctx context.Context, e *Endpoint, b *Bundle, params map[string]any) (any, error) {
	src := b.Content
	if b.ScriptMacros != "" {
		src = b.ScriptMacros + "\n" + src
	}

	inv := sandbox.Invocation{
		Script: src,
		Params: params,
		KV:     ge.scriptKV(),
	}

	dss, err := ge.store.ActiveDatasources(ctx)
	if err == nil {
		for _, d := range dss {
			inv.Datasources = append(inv.Datasources, sandbox.Datasource{
				Name: d.Name, Kind: d.Kind, Active: d.Active,
			})
		}
	}

	if e.DatasourceID != "" {
		ds, target, err := ge.datasourceTarget(ctx, e.DatasourceID)
		if err != nil {
			return nil, err
		}
		conn, _, err := ge.acquireConn(ctx, e, ds, target)
		if err != nil {
			return nil, wrapError(Connection, err, "datasource %s unavailable", ds.Name)
		}
		defer ge.pools.Release(conn)
		inv.DB = &scriptConn{conn: conn}
	}

	result, err := ge.sandbox.Run(ctx, inv)
	if err != nil {
		switch {
		case sandbox.IsCompile(err):
			return nil, wrapError(CompileScript, err, "script rejected: %v", err)
		case sandbox.IsTimeout(err):
			return nil, wrapError(Timeout, err, "script timed out")
		default:
			return nil, wrapError(ScriptRuntime, err, "script failed: %v", err)
		}
	}
	return result, nil
}

// datasourceTarget loads and checks a datasource and decrypts its
// password into a pool target.
func (ge *gatewayEngine) datasourceTarget(ctx context.Context, id string) (*Datasource, dialect.Target, error) {
	if id == "" {
		return nil, dialect.Target{}, newError(DatasourceInactive, "endpoint has no datasource")
	}
	ds, err := ge.store.DatasourceByID(ctx, id)
	if err != nil {
		return nil, dialect.Target{}, err
	}
	if !ds.Active {
		return nil, dialect.Target{}, newError(DatasourceInactive, "datasource %s is inactive", ds.Name)
	}

	password, err := DecryptSecret(ds.PasswordEncrypted, ge.encryptionKey)
	if err != nil {
		return nil, dialect.Target{}, wrapError(Connection, err, "datasource %s credentials unreadable", ds.Name)
	}
	return ds, ds.target(password), nil
}

func (ge *gatewayEngine) acquireConn(ctx context.Context, e *Endpoint, ds *Datasource, target dialect.Target) (*pool.Conn, bool, error) {
	if ds.CloseAfterEachExecute || e.CloseAfterEachExecute {
		c, err := ge.pools.AcquireDedicated(ctx, target)
		return c, true, err
	}
	c, err := ge.pools.Acquire(ctx, target)
	return c, false, err
}

// template parses SQL template text, caching by content hash.
func (ge *gatewayEngine) template(src string) (*sqltpl.Template, error) {
	sum := sha256.Sum256([]byte(src))
	key := hex.EncodeToString(sum[:])

	if t, ok := ge.templates.Get(key); ok {
		return t, nil
	}
	t, err := sqltpl.Parse(src)
	if err != nil {
		return nil, err
	}
	ge.templates.Add(key, t)
	return t, nil
}

// selectLike reports whether rendered SQL starts a row-returning
// statement: the first token after whitespace and stray semicolons is
// SELECT or WITH.
func selectLike(q string) bool {
	s := strings.TrimLeft(q, " \t\r\n;")
	end := 0
	for end < len(s) {
		c := s[end]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			break
		}
		end++
	}
	switch strings.ToUpper(s[:end]) {
	case "SELECT", "WITH":
		return true
	}
	return false
}

// classifyQueryError separates timeout-origin failures from plain
// backend errors.
func classifyQueryError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapError(Timeout, err, "query timed out")
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"statement timeout",
		"canceling statement due to statement timeout",
		"max_execution_time",
		"query exceeded",
	} {
		if strings.Contains(msg, marker) {
			return wrapError(Timeout, err, "query timed out")
		}
	}
	return wrapError(BackendQuery, err, "query failed: %v", err)
}

// rowsToMaps drains a result set into column-keyed maps.
func rowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// scriptConn adapts a pooled connection to the sandbox db interface.
type scriptConn struct {
	conn *pool.Conn
}

func (sc *scriptConn) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := sc.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return rowsToMaps(rows)
}

func (sc *scriptConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := sc.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (sc *scriptConn) Begin(ctx context.Context) error { return sc.conn.Begin(ctx) }
func (sc *scriptConn) Commit() error                   { return sc.conn.Commit() }
func (sc *scriptConn) Rollback() error                 { return sc.conn.Rollback() }
func (sc *scriptConn) InTx() bool                      { return sc.conn.InTx() }

// scriptKV exposes the shared KV to scripts when enabled.
func (ge *gatewayEngine) scriptKV() sandbox.KV {
	if ge.kv == nil {
		return nil
	}
	return ge.kv
}
