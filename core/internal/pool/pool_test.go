package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sqljin/sqljin/core/internal/dialect"
)

func TestKeyTracksConnectionFields(t *testing.T) {
	a := dialect.Target{ID: "ds1", Kind: "postgres", Host: "db1", Port: 5432, Database: "app", User: "u"}
	b := a
	require.Equal(t, Key(a), Key(b))

	b.Host = "db2"
	assert.NotEqual(t, Key(a), Key(b))

	b = a
	b.Password = "changed"
	assert.NotEqual(t, Key(a), Key(b))
}

func TestManagerDefaults(t *testing.T) {
	m := NewManager(Config{}, zap.NewNop().Sugar())
	assert.Equal(t, 8, m.cfg.MaxIdlePerDatasource)
	assert.Equal(t, 30*time.Minute, m.cfg.MaxAge)
	assert.Equal(t, 10*time.Second, m.cfg.ConnectTimeout)
}

func TestIdleListEvictsExpiredFromFront(t *testing.T) {
	m := NewManager(Config{MaxAge: time.Minute}, zap.NewNop().Sugar())
	h := &handle{d: &dialect.Postgres{}}
	m.handles["ds1/abc"] = h

	old := &Conn{key: "ds1/abc", openedAt: time.Now().Add(-2 * time.Minute)}
	fresh := &Conn{key: "ds1/abc", openedAt: time.Now(), lastUsed: time.Now()}
	h.idle = []*Conn{old, fresh}

	c, expired, err := m.popIdle("ds1/abc", dialect.Target{ID: "ds1", Kind: "postgres"})
	require.NoError(t, err)
	assert.Same(t, fresh, c)
	require.Len(t, expired, 1)
	assert.Same(t, old, expired[0])
	assert.Empty(t, h.idle)
}

func TestReleaseBoundsIdleList(t *testing.T) {
	m := NewManager(Config{MaxIdlePerDatasource: 1}, zap.NewNop().Sugar())
	h := &handle{d: &dialect.Postgres{}}
	m.handles["ds1/abc"] = h
	h.idle = []*Conn{{key: "ds1/abc", openedAt: time.Now()}}

	// Second release finds the idle list full; the connection must
	// not be pooled.
	extra := &Conn{key: "ds1/abc", openedAt: time.Now()}
	m.Release(extra)
	assert.Len(t, h.idle, 1)
}
