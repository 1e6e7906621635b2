package dialect

import (
	"fmt"
	"time"

	"github.com/trinodb/trino-go-client/trino"
)

type Trino struct{}

func (d *Trino) Name() string { return "trino" }

func (d *Trino) DriverName() string { return "trino" }

func (d *Trino) DSN(t Target) (string, error) {
	scheme := "http"
	if t.UseSSL {
		scheme = "https"
	}

	config := trino.Config{
		ServerURI: fmt.Sprintf("%s://%s:%s@%s:%d", scheme,
			urlEscape(t.User), urlEscape(t.Password), t.Host, t.Port),
		Catalog: t.Database,
	}
	if s, ok := t.Params["schema"]; ok {
		config.Schema = s
	}

	dsn, err := config.FormatDSN()
	if err != nil {
		return "", fmt.Errorf("trino dsn: %w", err)
	}
	return dsn, nil
}

func (d *Trino) ProbeQuery() string { return "SELECT 1" }

func (d *Trino) StatementTimeoutSet(timeout time.Duration) string {
	if timeout <= 0 {
		return ""
	}
	return fmt.Sprintf("SET SESSION query_max_execution_time = '%ds'", int(timeout.Seconds()))
}

func (d *Trino) StatementTimeoutReset() string {
	return "RESET SESSION query_max_execution_time"
}
