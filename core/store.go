package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// store reads the control-plane tables from the main database. SQL is
// written with ? placeholders and rebound for postgres.
type store struct {
	db     *sql.DB
	dbtype string // postgres or mysql
}

func newStore(db *sql.DB, dbtype string) *store {
	return &store{db: db, dbtype: dbtype}
}

// rebind converts ? placeholders to $n for postgres.
func (s *store) rebind(query string) string {
	if s.dbtype != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *store) ActiveModules(ctx context.Context) ([]Module, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, name, path_prefix, COALESCE(description, ''), active, sort_order
		 FROM api_module WHERE active = true ORDER BY sort_order ASC, id ASC`))
	if err != nil {
		return nil, fmt.Errorf("load modules: %w", err)
	}
	defer rows.Close()

	var out []Module
	for rows.Next() {
		var m Module
		if err := rows.Scan(&m.ID, &m.Name, &m.PathPrefix, &m.Description, &m.Active, &m.SortOrder); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *store) PublishedEndpoints(ctx context.Context, moduleID, method string) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, module_id, name, path_pattern, http_method, engine_kind,
		        COALESCE(datasource_id, ''), published, COALESCE(published_version_id, ''),
		        access_type, COALESCE(rate_limit_per_minute, 0), close_after_each_execute, sort_order
		 FROM api_assignment
		 WHERE module_id = ? AND published = true AND UPPER(http_method) = ?
		 ORDER BY sort_order ASC, id ASC`),
		moduleID, strings.ToUpper(method))
	if err != nil {
		return nil, fmt.Errorf("load endpoints: %w", err)
	}
	defer rows.Close()

	var out []Endpoint
	for rows.Next() {
		var e Endpoint
		if err := rows.Scan(&e.ID, &e.ModuleID, &e.Name, &e.PathPattern, &e.HTTPMethod,
			&e.EngineKind, &e.DatasourceID, &e.Published, &e.PublishedVersionID,
			&e.AccessType, &e.RateLimitPerMinute, &e.CloseAfterEachExecute, &e.SortOrder); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *store) EndpointByID(ctx context.Context, id string) (*Endpoint, error) {
	var e Endpoint
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, module_id, name, path_pattern, http_method, engine_kind,
		        COALESCE(datasource_id, ''), published, COALESCE(published_version_id, ''),
		        access_type, COALESCE(rate_limit_per_minute, 0), close_after_each_execute, sort_order
		 FROM api_assignment WHERE id = ?`), id).
		Scan(&e.ID, &e.ModuleID, &e.Name, &e.PathPattern, &e.HTTPMethod,
			&e.EngineKind, &e.DatasourceID, &e.Published, &e.PublishedVersionID,
			&e.AccessType, &e.RateLimitPerMinute, &e.CloseAfterEachExecute, &e.SortOrder)
	if err == sql.ErrNoRows {
		return nil, newError(UnknownEndpoint, "endpoint %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *store) ContentForEndpoint(ctx context.Context, endpointID string) (*EndpointContent, error) {
	var (
		c          EndpointContent
		schemaJSON sql.NullString
		validJSON  sql.NullString
		transform  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, api_assignment_id, content, param_schema, validators, result_transform
		 FROM api_context WHERE api_assignment_id = ?`), endpointID).
		Scan(&c.ID, &c.EndpointID, &c.Content, &schemaJSON, &validJSON, &transform)
	if err == sql.ErrNoRows {
		return nil, newError(UnknownEndpoint, "endpoint %s has no content", endpointID)
	}
	if err != nil {
		return nil, err
	}

	if err := parseJSONColumn(schemaJSON, &c.ParamSchema); err != nil {
		return nil, fmt.Errorf("param_schema of endpoint %s: %w", endpointID, err)
	}
	if err := parseJSONColumn(validJSON, &c.Validators); err != nil {
		return nil, fmt.Errorf("validators of endpoint %s: %w", endpointID, err)
	}
	c.ResultTransform = transform.String
	return &c, nil
}

func (s *store) SnapshotByID(ctx context.Context, id string) (*VersionSnapshot, error) {
	var (
		v          VersionSnapshot
		endpointID sql.NullString
		schemaJSON sql.NullString
		validJSON  sql.NullString
		transform  sql.NullString
		note       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, api_assignment_id, content, param_schema, validators, result_transform,
		        note, created_at
		 FROM version_commit WHERE id = ?`), id).
		Scan(&v.ID, &endpointID, &v.Content, &schemaJSON, &validJSON, &transform, &note, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("version snapshot %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	v.EndpointID = endpointID.String
	if err := parseJSONColumn(schemaJSON, &v.ParamSchema); err != nil {
		return nil, fmt.Errorf("param_schema of snapshot %s: %w", id, err)
	}
	if err := parseJSONColumn(validJSON, &v.Validators); err != nil {
		return nil, fmt.Errorf("validators of snapshot %s: %w", id, err)
	}
	v.ResultTransform = transform.String
	v.Note = note.String
	return &v, nil
}

// MacrosInScope returns the macros visible to an endpoint: global ones
// plus those scoped to its module.
func (s *store) MacrosInScope(ctx context.Context, moduleID string) ([]Macro, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, COALESCE(module_id, ''), name, kind, content, published,
		        COALESCE(published_version_id, '')
		 FROM api_macro_def
		 WHERE module_id IS NULL OR module_id = ?
		 ORDER BY name ASC`), moduleID)
	if err != nil {
		return nil, fmt.Errorf("load macros: %w", err)
	}
	defer rows.Close()

	var out []Macro
	for rows.Next() {
		var m Macro
		if err := rows.Scan(&m.ID, &m.ModuleID, &m.Name, &m.Kind, &m.Content,
			&m.Published, &m.PublishedVersionID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestMacroBody returns the most recent snapshot body of a macro,
// which is the body its published state refers to.
func (s *store) LatestMacroBody(ctx context.Context, macroID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT content FROM macro_def_version_commit
		 WHERE api_macro_def_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`), macroID).
		Scan(&content)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("macro %s has no snapshots", macroID)
	}
	return content, err
}

func (s *store) ClientByClientID(ctx context.Context, clientID string) (*Client, error) {
	var c Client
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, client_id, client_secret_hash, name, active,
		        COALESCE(rate_limit_per_minute, 0), COALESCE(max_concurrent, 0)
		 FROM app_client WHERE client_id = ?`), clientID).
		Scan(&c.ID, &c.ClientID, &c.ClientSecretHash, &c.Name, &c.Active,
			&c.RateLimitPerMinute, &c.MaxConcurrent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ClientCanReach reports whether a client reaches an endpoint through
// a direct grant or a shared group.
func (s *store) ClientCanReach(ctx context.Context, clientRowID, endpointID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM (
		   SELECT 1 FROM app_client_api_link
		   WHERE app_client_id = ? AND api_assignment_id = ?
		   UNION ALL
		   SELECT 1 FROM app_client_group_link cg
		   JOIN api_assignment_group_link ag ON ag.api_group_id = cg.api_group_id
		   WHERE cg.app_client_id = ? AND ag.api_assignment_id = ?
		 ) grants`),
		clientRowID, endpointID, clientRowID, endpointID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *store) ActiveFirewallRules(ctx context.Context) ([]FirewallRule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, action, cidr, COALESCE(description, ''), active, sort_order
		 FROM firewall_rule WHERE active = true ORDER BY sort_order ASC, id ASC`))
	if err != nil {
		return nil, fmt.Errorf("load firewall rules: %w", err)
	}
	defer rows.Close()

	var out []FirewallRule
	for rows.Next() {
		var r FirewallRule
		if err := rows.Scan(&r.ID, &r.Action, &r.CIDR, &r.Description, &r.Active, &r.SortOrder); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *store) DatasourceByID(ctx context.Context, id string) (*Datasource, error) {
	var (
		d       Datasource
		options sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, kind, host, port, database_name, username,
		        password_encrypted, options, active, close_after_each_execute, use_ssl,
		        created_at, updated_at
		 FROM datasource WHERE id = ?`), id).
		Scan(&d.ID, &d.Name, &d.Kind, &d.Host, &d.Port, &d.DatabaseName, &d.Username,
			&d.PasswordEncrypted, &options, &d.Active, &d.CloseAfterEachExecute, &d.UseSSL,
			&d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, newError(DatasourceInactive, "datasource %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	if err := parseDatasourceOptions(options, &d); err != nil {
		return nil, fmt.Errorf("options of datasource %s: %w", id, err)
	}
	return &d, nil
}

func (s *store) ActiveDatasources(ctx context.Context) ([]Datasource, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, name, kind, host, port, database_name, username,
		        password_encrypted, options, active, close_after_each_execute, use_ssl,
		        created_at, updated_at
		 FROM datasource WHERE active = true ORDER BY name ASC`))
	if err != nil {
		return nil, fmt.Errorf("load datasources: %w", err)
	}
	defer rows.Close()

	var out []Datasource
	for rows.Next() {
		var (
			d       Datasource
			options sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.Kind, &d.Host, &d.Port, &d.DatabaseName,
			&d.Username, &d.PasswordEncrypted, &options, &d.Active,
			&d.CloseAfterEachExecute, &d.UseSSL, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if err := parseDatasourceOptions(options, &d); err != nil {
			return nil, fmt.Errorf("options of datasource %s: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DatasourceFingerprint changes whenever any datasource row changes;
// the watcher polls it.
func (s *store) DatasourceFingerprint(ctx context.Context) (string, error) {
	var (
		n    int
		last sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(updated_at) FROM datasource`).Scan(&n, &last)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d/%s", n, last.String), nil
}

func (s *store) LoadAccessLogConfig(ctx context.Context) (*AccessLogConfig, error) {
	var (
		c  AccessLogConfig
		ds sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, storage_datasource_id, use_audit_dialect
		 FROM access_log_config WHERE id = 1`)).
		Scan(&c.ID, &ds, &c.UseAuditDialect)
	if err == sql.ErrNoRows {
		return &AccessLogConfig{ID: 1}, nil
	}
	if err != nil {
		return nil, err
	}
	c.StorageDatasourceID = ds.String
	return &c, nil
}

func (s *store) InsertAccessRecord(ctx context.Context, rec AccessRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO access_record
		   (id, api_assignment_id, app_client_id, ip_address, http_method, path,
		    status_code, request_body, request_headers, request_params, created_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, nullString(rec.EndpointID), nullString(rec.ClientID), rec.IPAddress,
		rec.HTTPMethod, rec.Path, rec.StatusCode, rec.RequestBody, rec.RequestHeaders,
		rec.RequestParams, rec.CreatedAt, rec.DurationMS)
	return err
}

// Ping verifies the main database connection for health checks.
func (s *store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func parseJSONColumn[T any](col sql.NullString, dst *T) error {
	if !col.Valid || strings.TrimSpace(col.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

// parseDatasourceOptions folds the options json column (ssl, params)
// into the row fields.
func parseDatasourceOptions(col sql.NullString, d *Datasource) error {
	if !col.Valid || strings.TrimSpace(col.String) == "" {
		return nil
	}
	var opts struct {
		SSL    *bool             `json:"ssl"`
		Params map[string]string `json:"params"`
	}
	if err := json.Unmarshal([]byte(col.String), &opts); err != nil {
		return err
	}
	if opts.SSL != nil {
		d.UseSSL = *opts.SSL
	}
	d.Params = opts.Params
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
