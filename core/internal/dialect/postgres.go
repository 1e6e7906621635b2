package dialect

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

type Postgres struct{}

func (d *Postgres) Name() string { return "postgres" }

func (d *Postgres) DriverName() string { return "pgx" }

func (d *Postgres) DSN(t Target) (string, error) {
	sslmode := "disable"
	if t.UseSSL {
		sslmode = "require"
	}

	cs := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		urlEscape(t.User), urlEscape(t.Password), t.Host, t.Port, t.Database, sslmode)

	config, err := pgx.ParseConfig(cs)
	if err != nil {
		return "", fmt.Errorf("postgres dsn: %w", err)
	}

	if config.RuntimeParams == nil {
		config.RuntimeParams = map[string]string{}
	}
	for k, v := range t.Params {
		config.RuntimeParams[k] = v
	}

	return stdlib.RegisterConnConfig(config), nil
}

func (d *Postgres) ProbeQuery() string { return "SELECT 1" }

func (d *Postgres) StatementTimeoutSet(timeout time.Duration) string {
	if timeout <= 0 {
		return ""
	}
	return fmt.Sprintf("SET statement_timeout = %d", timeout.Milliseconds())
}

func (d *Postgres) StatementTimeoutReset() string {
	return "SET statement_timeout = 0"
}
