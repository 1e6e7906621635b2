// Package pool keeps per-datasource caches of pinned database
// connections. The idle list is a cache, not a semaphore: when it is
// empty a fresh connection is opened, and only the idle side is
// bounded.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"go.uber.org/zap"

	"github.com/sqljin/sqljin/core/internal/dialect"
)

// probeIdleAfter is how long a connection may sit idle before reuse
// requires a liveness probe.
const probeIdleAfter = 30 * time.Second

type Config struct {
	// MaxIdlePerDatasource bounds the idle list of each pool.
	MaxIdlePerDatasource int

	// MaxAge retires connections regardless of health.
	MaxAge time.Duration

	// ConnectTimeout bounds opening a new connection.
	ConnectTimeout time.Duration

	// StatementTimeout is applied as a session setting around each
	// user query.
	StatementTimeout time.Duration
}

// Conn is one pinned connection checked out of a pool.
type Conn struct {
	sc        *sql.Conn
	d         dialect.Dialect
	key       string
	dedicated bool
	openedAt  time.Time
	lastUsed  time.Time
	tx        *sql.Tx
}

// DB returns the underlying pinned connection.
func (c *Conn) DB() *sql.Conn { return c.sc }

// Dialect returns the connection's database dialect.
func (c *Conn) Dialect() dialect.Dialect { return c.d }

// Begin opens a transaction on the pinned connection. Only one may be
// open at a time.
func (c *Conn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return fmt.Errorf("transaction already open")
	}
	tx, err := c.sc.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *Conn) Commit() error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	err := c.tx.Commit()
	c.tx = nil
	return err
}

func (c *Conn) Rollback() error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	err := c.tx.Rollback()
	c.tx = nil
	return err
}

// InTx reports whether a script-managed transaction is open.
func (c *Conn) InTx() bool { return c.tx != nil }

// QueryContext routes through the open transaction when one exists.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.tx != nil {
		return c.tx.QueryContext(ctx, query, args...)
	}
	return c.sc.QueryContext(ctx, query, args...)
}

// ExecContext routes through the open transaction when one exists.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.tx != nil {
		return c.tx.ExecContext(ctx, query, args...)
	}
	return c.sc.ExecContext(ctx, query, args...)
}

type handle struct {
	db   *sql.DB
	d    dialect.Dialect
	idle []*Conn // front is oldest
}

type Stats struct {
	DatasourceID string `json:"datasource_id"`
	Kind         string `json:"kind"`
	Idle         int    `json:"idle"`
	Open         int    `json:"open"`
	InUse        int    `json:"in_use"`
	WaitCount    int64  `json:"wait_count"`
}

// Manager owns one pool per datasource. Pools are keyed by datasource
// id plus a hash of the connection-relevant fields, so an edited
// datasource gets a fresh pool and the stale one drains away.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	log     *zap.SugaredLogger
	handles map[string]*handle
}

func NewManager(cfg Config, log *zap.SugaredLogger) *Manager {
	if cfg.MaxIdlePerDatasource <= 0 {
		cfg.MaxIdlePerDatasource = 8
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Minute
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Manager{cfg: cfg, log: log, handles: make(map[string]*handle)}
}

// Key derives the pool key for a target.
func Key(t dialect.Target) string {
	h, err := hashstructure.Hash(t, hashstructure.FormatV2, nil)
	if err != nil {
		return t.ID
	}
	return fmt.Sprintf("%s/%x", t.ID, h)
}

// Acquire returns a healthy pooled connection for the target, opening
// a new one when the idle list is empty or every candidate is dead.
func (m *Manager) Acquire(ctx context.Context, t dialect.Target) (*Conn, error) {
	key := Key(t)

	for {
		c, expired, err := m.popIdle(key, t)
		for _, e := range expired {
			e.close()
		}
		if err != nil {
			return nil, err
		}
		if c == nil {
			return m.open(ctx, key, t, false)
		}

		if time.Since(c.lastUsed) >= probeIdleAfter {
			if err := c.sc.PingContext(ctx); err != nil {
				m.log.Debugw("discarding dead pooled connection", "datasource", t.ID, "error", err)
				c.close()
				continue
			}
			if _, err := c.sc.ExecContext(ctx, c.d.ProbeQuery()); err != nil {
				m.log.Debugw("pooled connection failed probe", "datasource", t.ID, "error", err)
				c.close()
				continue
			}
		}
		return c, nil
	}
}

// AcquireDedicated opens a connection that bypasses the idle pool; its
// release always closes it.
func (m *Manager) AcquireDedicated(ctx context.Context, t dialect.Target) (*Conn, error) {
	c, err := m.open(ctx, Key(t), t, true)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// popIdle evicts age-expired connections from the front of the idle
// list, then pops the freshest candidate from the back.
func (m *Manager) popIdle(key string, t dialect.Target) (c *Conn, expired []*Conn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.handleLocked(key, t)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	for len(h.idle) > 0 && now.Sub(h.idle[0].openedAt) > m.cfg.MaxAge {
		expired = append(expired, h.idle[0])
		h.idle = h.idle[1:]
	}
	if len(h.idle) > 0 {
		c = h.idle[len(h.idle)-1]
		h.idle = h.idle[:len(h.idle)-1]
	}
	return c, expired, nil
}

// handleLocked gets or creates the driver-level handle for a pool key.
// The handle keeps no idle connections of its own: this pool is the
// only pool.
func (m *Manager) handleLocked(key string, t dialect.Target) (*handle, error) {
	if h, ok := m.handles[key]; ok {
		return h, nil
	}

	d, err := dialect.ForKind(t.Kind)
	if err != nil {
		return nil, err
	}
	dsn, err := d.DSN(t)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(0)

	h := &handle{db: db, d: d}
	m.handles[key] = h
	m.log.Debugw("opened datasource pool", "datasource", t.ID, "kind", t.Kind)
	return h, nil
}

func (m *Manager) open(ctx context.Context, key string, t dialect.Target, dedicated bool) (*Conn, error) {
	m.mu.Lock()
	h, err := m.handleLocked(key, t)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	sc, err := h.db.Conn(cctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Conn{
		sc:        sc,
		d:         h.d,
		key:       key,
		dedicated: dedicated,
		openedAt:  now,
		lastUsed:  now,
	}, nil
}

// Release rolls back any open transaction and either returns the
// connection to the idle list or closes it.
func (m *Manager) Release(c *Conn) {
	if c == nil {
		return
	}
	if c.tx != nil {
		if err := c.Rollback(); err != nil {
			m.log.Debugw("rollback on release", "error", err)
		}
	}
	if c.dedicated {
		c.close()
		return
	}

	m.mu.Lock()
	h, ok := m.handles[c.key]
	if ok && len(h.idle) < m.cfg.MaxIdlePerDatasource {
		c.lastUsed = time.Now()
		h.idle = append(h.idle, c)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	c.close()
}

// Discard closes the connection without pooling it; used after errors
// that leave session state in doubt.
func (m *Manager) Discard(c *Conn) {
	if c == nil {
		return
	}
	if c.tx != nil {
		c.Rollback() //nolint:errcheck
	}
	c.close()
}

// ApplyStatementTimeout sets the session statement timeout before a
// user query. Failures are logged, never returned: they must not mask
// the query's own error.
func (m *Manager) ApplyStatementTimeout(ctx context.Context, c *Conn) {
	stmt := c.d.StatementTimeoutSet(m.cfg.StatementTimeout)
	if stmt == "" {
		return
	}
	if _, err := c.sc.ExecContext(ctx, stmt); err != nil {
		m.log.Debugw("set statement timeout", "error", err)
	}
}

// ResetStatementTimeout undoes ApplyStatementTimeout after the query.
func (m *Manager) ResetStatementTimeout(ctx context.Context, c *Conn) {
	if c.d.StatementTimeoutSet(m.cfg.StatementTimeout) == "" {
		return
	}
	if _, err := c.sc.ExecContext(ctx, c.d.StatementTimeoutReset()); err != nil {
		m.log.Debugw("reset statement timeout", "error", err)
	}
}

// Dispose drains every pool belonging to the datasource id.
func (m *Manager) Dispose(datasourceID string) {
	m.mu.Lock()
	var drained []*handle
	for key, h := range m.handles {
		if strings.HasPrefix(key, datasourceID+"/") || key == datasourceID {
			drained = append(drained, h)
			delete(m.handles, key)
		}
	}
	m.mu.Unlock()

	for _, h := range drained {
		drainHandle(h)
	}
}

// DisposeAll drains every pool.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*handle)
	m.mu.Unlock()

	for _, h := range handles {
		drainHandle(h)
	}
}

// Stats reports per-pool connection counts.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Stats, 0, len(m.handles))
	for key, h := range m.handles {
		dbs := h.db.Stats()
		out = append(out, Stats{
			DatasourceID: strings.SplitN(key, "/", 2)[0],
			Kind:         h.d.Name(),
			Idle:         len(h.idle),
			Open:         dbs.OpenConnections,
			InUse:        dbs.InUse,
			WaitCount:    dbs.WaitCount,
		})
	}
	return out
}

func drainHandle(h *handle) {
	for _, c := range h.idle {
		c.close()
	}
	h.idle = nil
	h.db.Close() //nolint:errcheck
}

func (c *Conn) close() {
	if c.sc != nil {
		c.sc.Close() //nolint:errcheck
	}
}
