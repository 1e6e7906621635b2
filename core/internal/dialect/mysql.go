package dialect

import (
	"fmt"
	"net/url"
	"time"
)

type MySQL struct{}

func (d *MySQL) Name() string { return "mysql" }

func (d *MySQL) DriverName() string { return "mysql" }

func (d *MySQL) DSN(t Target) (string, error) {
	cs := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		t.User, t.Password, t.Host, t.Port, t.Database)
	if t.UseSSL {
		cs += "&tls=true"
	}
	for k, v := range t.Params {
		cs += "&" + url.QueryEscape(k) + "=" + url.QueryEscape(v)
	}
	return cs, nil
}

func (d *MySQL) ProbeQuery() string { return "SELECT 1" }

func (d *MySQL) StatementTimeoutSet(timeout time.Duration) string {
	if timeout <= 0 {
		return ""
	}
	return fmt.Sprintf("SET SESSION max_execution_time = %d", timeout.Milliseconds())
}

func (d *MySQL) StatementTimeoutReset() string {
	return "SET SESSION max_execution_time = 0"
}

func urlEscape(s string) string {
	return url.QueryEscape(s)
}
