package serv

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const devYAML = `
app_name: sqljin-dev
host_port: 0.0.0.0:8080
secret_key: dev-secret-0123456789
rate_limit_per_minute: 120

database:
  type: postgres
  host: localhost
  dbname: sqljin_dev
  user: postgres
`

const prodYAML = `
inherits: dev
production: true
log_format: json
secret_key: prod-secret-0123456789

database:
  host: db.internal
`

func writeConfigFS(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/conf/dev.yml", []byte(devYAML), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/conf/prod.yml", []byte(prodYAML), 0o644))
	return fs
}

func TestReadInConfig(t *testing.T) {
	fs := writeConfigFS(t)

	c, err := ReadInConfigFS("/conf/dev.yml", fs)
	require.NoError(t, err)

	assert.Equal(t, "sqljin-dev", c.AppName)
	assert.Equal(t, "dev-secret-0123456789", c.SecretKey)
	assert.Equal(t, 120, c.RateLimitPerMinute)
	assert.False(t, c.Serv.Production)

	// Defaults fill in what the file leaves out.
	assert.Equal(t, "postgres", c.DB.Type)
	assert.Equal(t, 3600, c.JWTExpireSeconds)
	assert.Equal(t, 10, c.DatasourcePollSeconds)
	assert.True(t, c.HTTPGZip)
}

func TestReadInConfigInherits(t *testing.T) {
	fs := writeConfigFS(t)

	c, err := ReadInConfigFS("/conf/prod.yml", fs)
	require.NoError(t, err)

	// Child values win over the inherited ones.
	assert.True(t, c.Serv.Production)
	assert.Equal(t, "prod-secret-0123456789", c.SecretKey)
	assert.Equal(t, "db.internal", c.DB.Host)

	// Untouched parent values survive.
	assert.Equal(t, "sqljin-dev", c.AppName)
	assert.Equal(t, 120, c.RateLimitPerMinute)

	assert.True(t, c.ShouldUseJSONLogs())
}

func TestConfigEnvOverrides(t *testing.T) {
	fs := writeConfigFS(t)

	t.Setenv("SECRET_KEY", "env-secret-0123456789")
	t.Setenv("FLOW_CONTROL_RATE_LIMIT_PER_MINUTE", "45")
	t.Setenv("SJ_DATABASE__USER", "svc_user")
	t.Setenv("SJ_APP_NAME", "sqljin-env")

	c, err := ReadInConfigFS("/conf/dev.yml", fs)
	require.NoError(t, err)

	assert.Equal(t, "env-secret-0123456789", c.SecretKey)
	assert.Equal(t, 45, c.RateLimitPerMinute)
	assert.Equal(t, "svc_user", c.DB.User)
	assert.Equal(t, "sqljin-env", c.AppName)
}

func TestNewConfigFromString(t *testing.T) {
	c, err := NewConfig(`secret_key: inline-secret-0123456789`, "yaml")
	require.NoError(t, err)
	assert.Equal(t, "inline-secret-0123456789", c.SecretKey)
	assert.Equal(t, "0.0.0.0:8080", c.HostPort)
}

func TestValidateConfProduction(t *testing.T) {
	mk := func(secret, connString string) *sqljinService {
		c := &Config{}
		c.Serv.Production = true
		c.SecretKey = secret
		c.DB.Type = "postgres"
		c.DB.ConnString = connString
		return &sqljinService{conf: c}
	}

	err := validateConf(mk("short", "postgres://db/app"))
	require.Error(t, err)

	err = validateConf(mk("a-long-enough-secret", ""))
	require.Error(t, err)

	err = validateConf(mk("a-long-enough-secret", "postgres://db/app"))
	require.NoError(t, err)
}

func TestShouldUseJSONLogs(t *testing.T) {
	c := &Config{}
	c.LogFormat = "auto"
	assert.False(t, c.ShouldUseJSONLogs())

	c.Serv.Production = true
	assert.True(t, c.ShouldUseJSONLogs())

	c.LogFormat = "simple"
	assert.False(t, c.ShouldUseJSONLogs())

	c.LogFormat = "json"
	c.Serv.Production = false
	assert.True(t, c.ShouldUseJSONLogs())
}
