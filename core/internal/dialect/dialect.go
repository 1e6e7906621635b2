// Package dialect captures the per-engine specifics of the external
// databases a datasource can point at: driver selection, DSN building,
// the liveness probe and the session-level statement timeout.
package dialect

import (
	"fmt"
	"strings"
	"time"
)

// Target is the connection-relevant view of a datasource. Credentials
// arrive already decrypted.
type Target struct {
	ID       string
	Kind     string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	UseSSL   bool
	Params   map[string]string
}

type Dialect interface {
	Name() string

	// DriverName is the database/sql driver to open handles with.
	DriverName() string

	// DSN builds the driver connection string for the target.
	DSN(t Target) (string, error)

	// ProbeQuery is the trivial liveness check run on idle reuse.
	ProbeQuery() string

	// StatementTimeoutSet returns the session statement to bound query
	// runtime, or "" when d is zero.
	StatementTimeoutSet(d time.Duration) string

	// StatementTimeoutReset returns the session statement that undoes
	// StatementTimeoutSet.
	StatementTimeoutReset() string
}

// ForKind returns the dialect for a datasource kind.
func ForKind(kind string) (Dialect, error) {
	switch strings.ToLower(kind) {
	case "postgres":
		return &Postgres{}, nil
	case "mysql":
		return &MySQL{}, nil
	case "trino":
		return &Trino{}, nil
	}
	return nil, fmt.Errorf("unsupported datasource kind %q", kind)
}

// MySQLCompatible reports whether the kind speaks the MySQL wire
// protocol; the audit access-log dialect requires it.
func MySQLCompatible(kind string) bool {
	return strings.ToLower(kind) == "mysql"
}
