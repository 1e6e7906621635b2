package serv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/sqljin/sqljin/core"
	"github.com/sqljin/sqljin/serv/internal/util"
)

type Core = core.Config

// Config is the full service configuration: the engine config plus
// the HTTP-service settings, both squashed into one YAML document.
type Config struct {
	// Configuration for the gateway engine
	Core `mapstructure:",squash" jsonschema:"title=Engine Configuration"`

	// Configuration for the HTTP service
	Serv `mapstructure:",squash" jsonschema:"title=Service Configuration"`

	hostPort string
	viper    *viper.Viper
}

// Serv holds the HTTP-service settings.
type Serv struct {
	// Application name is used in log and debug messages
	AppName string `mapstructure:"app_name" jsonschema:"title=Application Name"`

	// When enabled runs the service with production level security
	// defaults
	Production bool `jsonschema:"title=Production Mode,default=false"`

	// The default path to find all configuration files
	ConfigPath string `mapstructure:"config_path" jsonschema:"title=Config Path"`

	// Logging level must be one of debug, error, warn, info
	LogLevel string `mapstructure:"log_level" jsonschema:"title=Log Level,enum=debug,enum=error,enum=warn,enum=info"`

	// Logging Format: "auto" (default, colored console in dev, JSON in
	// production), "json" (always JSON), or "simple" (always colored
	// console)
	LogFormat string `mapstructure:"log_format" jsonschema:"title=Logging Format,enum=auto,enum=json,enum=simple"`

	// The host and port the service runs on. Example localhost:8080
	HostPort string `mapstructure:"host_port" jsonschema:"title=Host and Port"`

	// Host to run the service on
	Host string `jsonschema:"title=Host"`

	// Port to run the service on
	Port string `jsonschema:"title=Port"`

	// Enables HTTP compression
	HTTPGZip bool `mapstructure:"http_compress" jsonschema:"title=Enable Compression,default=true"`

	// Enables reloading the service on config changes. Disabled in
	// production
	WatchAndReload bool `mapstructure:"reload_on_config_change" jsonschema:"title=Reload Config"`

	// Secret that guards the admin API. Falls back to secret_key.
	AdminSecretKey string `mapstructure:"admin_secret_key" jsonschema:"title=Admin API Secret Key"`

	// Sets the HTTP CORS Access-Control-Allow-Origin header
	AllowedOrigins []string `mapstructure:"cors_allowed_origins" jsonschema:"title=HTTP CORS Allowed Origins"`

	// Sets the HTTP CORS Access-Control-Allow-Headers header
	AllowedHeaders []string `mapstructure:"cors_allowed_headers" jsonschema:"title=HTTP CORS Allowed Headers"`

	// Enables debug logs for CORS
	DebugCORS bool `mapstructure:"cors_debug" jsonschema:"title=Log CORS"`

	// Main (control-plane) database configuration
	DB Database `mapstructure:"database" jsonschema:"title=Database"`
}

// Database configures the main database holding the control-plane
// tables.
type Database struct {
	ConnString string `mapstructure:"connection_string" jsonschema:"title=Connection String"`
	Type       string `jsonschema:"title=Type,enum=postgres,enum=mysql"`
	Host       string `jsonschema:"title=Host"`
	Port       uint16 `jsonschema:"title=Port"`
	DBName     string `mapstructure:"dbname" jsonschema:"title=Database Name"`
	User       string `jsonschema:"title=User"`
	Password   string `jsonschema:"title=Password"`
	Schema     string `jsonschema:"title=Postgres Schema"`

	// Size of database connection pool
	PoolSize int `mapstructure:"pool_size" jsonschema:"title=Connection Pool Size"`

	// Max number of active database connections allowed
	MaxConnections int `mapstructure:"max_connections" jsonschema:"title=Maximum Connections"`

	// Max time after which idle database connections are closed
	MaxConnIdleTime time.Duration `mapstructure:"max_connection_idle_time" jsonschema:"title=Connection Idle Time"`

	// Max time after which database connections are not reused
	MaxConnLifeTime time.Duration `mapstructure:"max_connection_life_time" jsonschema:"title=Connection Life Time"`

	// Set up an secure TLS encrypted database connection
	EnableTLS bool `mapstructure:"enable_tls" jsonschema:"title=Enable TLS"`

	// Required for TLS. For example with Google Cloud SQL it's
	// <gcp-project-id>:<cloud-sql-instance>
	ServerName string `mapstructure:"server_name" jsonschema:"title=TLS Server Name"`

	// Required for TLS. Can be a file path or the contents of the PEM file
	ServerCert string `mapstructure:"server_cert" jsonschema:"title=Server Certificate"`

	// Required for TLS. Can be a file path or the contents of the PEM file
	ClientCert string `mapstructure:"client_cert" jsonschema:"title=Client Certificate"`

	// Required for TLS. Can be a file path or the contents of the pem file
	ClientKey string `mapstructure:"client_key" jsonschema:"title=Client Key"`
}

// ReadInConfig reads in the config file for the environment specified
// in the GO_ENV environment variable.
func ReadInConfig(configFile string) (*Config, error) {
	return readInConfig(configFile, nil)
}

// ReadInConfigFS is the same as ReadInConfig but it also takes a
// filesystem as an argument.
func ReadInConfigFS(configFile string, fs afero.Fs) (*Config, error) {
	return readInConfig(configFile, fs)
}

func readInConfig(configFile string, fs afero.Fs) (*Config, error) {
	cp := filepath.Dir(configFile)
	vi := newViper(cp, filepath.Base(configFile))

	if fs != nil {
		vi.SetFs(fs)
	}

	if err := vi.ReadInConfig(); err != nil {
		return nil, err
	}

	if pcf := vi.GetString("inherits"); pcf != "" {
		cf := vi.ConfigFileUsed()
		vi = newViper(cp, pcf)
		if fs != nil {
			vi.SetFs(fs)
		}

		if err := vi.ReadInConfig(); err != nil {
			return nil, err
		}

		if value := vi.GetString("inherits"); value != "" {
			return nil, fmt.Errorf("inherited config '%s' cannot itself inherit '%s'", pcf, value)
		}

		vi.SetConfigFile(cf)

		if err := vi.MergeInConfig(); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(vi)

	config := &Config{viper: vi}
	config.ConfigPath = cp

	if err := vi.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}

	return config, nil
}

// NewConfig creates a configuration from the provided config string.
func NewConfig(config, format string) (*Config, error) {
	if format == "" {
		format = "yaml"
	}

	vi := newViperWithDefaults()
	vi.SetConfigType(format)

	if err := vi.ReadConfig(strings.NewReader(config)); err != nil {
		return nil, err
	}

	applyEnvOverrides(vi)

	c := &Config{viper: vi}

	if err := vi.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}

	return c, nil
}

// applyEnvOverrides folds SJ_-prefixed environment variables over any
// config key. The normative names are bound explicitly in
// newViperWithDefaults.
func applyEnvOverrides(vi *viper.Viper) {
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "SJ_") {
			kv := strings.SplitN(e, "=", 2)
			util.SetKeyValue(vi, kv[0], kv[1])
		}
	}
}

// newViperWithDefaults returns a new viper instance with the default
// settings.
func newViperWithDefaults() *viper.Viper {
	vi := viper.New()

	vi.SetDefault("host_port", "0.0.0.0:8080")
	vi.SetDefault("http_compress", true)

	vi.SetDefault("log_level", "info")
	vi.SetDefault("log_format", "auto")

	vi.SetDefault("database.type", "postgres")
	vi.SetDefault("database.host", "localhost")
	vi.SetDefault("database.port", 5432)
	vi.SetDefault("database.user", "postgres")
	vi.SetDefault("database.password", "")
	vi.SetDefault("database.schema", "public")
	vi.SetDefault("database.pool_size", 10)

	vi.SetDefault("jwt_expire_seconds", 3600)
	vi.SetDefault("access_log_body", true)
	vi.SetDefault("config_cache_ttl_seconds", 10)
	vi.SetDefault("firewall_default_allow", true)
	vi.SetDefault("rate_limit_per_minute", 600)
	vi.SetDefault("max_concurrent_per_client", 64)
	vi.SetDefault("pool_size", 8)
	vi.SetDefault("pool_max_age_seconds", 1800)
	vi.SetDefault("connect_timeout_seconds", 10)
	vi.SetDefault("statement_timeout_seconds", 30)
	vi.SetDefault("script_exec_timeout_seconds", 10)
	vi.SetDefault("cache_enabled", true)
	vi.SetDefault("datasource_poll_seconds", 10)

	vi.SetDefault("env", "development")

	vi.BindEnv("env", "GO_ENV") //nolint:errcheck
	vi.BindEnv("host", "HOST")  //nolint:errcheck
	vi.BindEnv("port", "PORT")  //nolint:errcheck

	// The normative environment names.
	vi.BindEnv("secret_key", "SECRET_KEY")                                              //nolint:errcheck
	vi.BindEnv("admin_secret_key", "ADMIN_SECRET_KEY")                                  //nolint:errcheck
	vi.BindEnv("jwt_expire_seconds", "GATEWAY_JWT_EXPIRE_SECONDS")                      //nolint:errcheck
	vi.BindEnv("auth_x_api_key_enabled", "GATEWAY_AUTH_X_API_KEY_ENABLED")              //nolint:errcheck
	vi.BindEnv("access_log_body", "GATEWAY_ACCESS_LOG_BODY")                            //nolint:errcheck
	vi.BindEnv("config_cache_ttl_seconds", "GATEWAY_CONFIG_CACHE_TTL_SECONDS")          //nolint:errcheck
	vi.BindEnv("firewall_default_allow", "GATEWAY_FIREWALL_DEFAULT_ALLOW")              //nolint:errcheck
	vi.BindEnv("rate_limit_enabled", "FLOW_CONTROL_RATE_LIMIT_ENABLED")                 //nolint:errcheck
	vi.BindEnv("rate_limit_per_minute", "FLOW_CONTROL_RATE_LIMIT_PER_MINUTE")           //nolint:errcheck
	vi.BindEnv("max_concurrent_per_client", "FLOW_CONTROL_MAX_CONCURRENT_PER_CLIENT")   //nolint:errcheck
	vi.BindEnv("pool_size", "EXTERNAL_DB_POOL_SIZE")                                    //nolint:errcheck
	vi.BindEnv("pool_max_age_seconds", "EXTERNAL_DB_POOL_MAX_AGE_SEC")                  //nolint:errcheck
	vi.BindEnv("connect_timeout_seconds", "EXTERNAL_DB_CONNECT_TIMEOUT")                //nolint:errcheck
	vi.BindEnv("statement_timeout_seconds", "EXTERNAL_DB_STATEMENT_TIMEOUT")            //nolint:errcheck
	vi.BindEnv("script_exec_timeout_seconds", "SCRIPT_EXEC_TIMEOUT")                    //nolint:errcheck
	vi.BindEnv("script_extra_modules", "SCRIPT_EXTRA_MODULES")                          //nolint:errcheck
	vi.BindEnv("script_http_allowed_hosts", "SCRIPT_HTTP_ALLOWED_HOSTS")                //nolint:errcheck
	vi.BindEnv("cache_enabled", "CACHE_ENABLED")                                        //nolint:errcheck
	vi.BindEnv("redis_url", "REDIS_URL")                                                //nolint:errcheck
	vi.BindEnv("database.connection_string", "DATABASE_URL")                            //nolint:errcheck

	return vi
}

// newViper returns a new viper instance with the default settings.
func newViper(configPath, configFile string) *viper.Viper {
	vi := newViperWithDefaults()
	vi.SetConfigName(strings.TrimSuffix(configFile, filepath.Ext(configFile)))

	if configPath == "" {
		vi.AddConfigPath("./config")
	} else {
		vi.AddConfigPath(configPath)
	}

	return vi
}

// AbsolutePath returns the absolute path of the file.
func (c *Config) AbsolutePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ConfigPath, p)
}

// adminSecret is the secret the admin API compares against.
func (c *Config) adminSecret() string {
	if c.AdminSecretKey != "" {
		return c.AdminSecretKey
	}
	return c.SecretKey
}

// ShouldUseJSONLogs returns true if logs should be in JSON format:
// log_format is "json", or "auto" with production mode enabled.
func (c *Config) ShouldUseJSONLogs() bool {
	if c.LogFormat == "json" {
		return true
	}
	if c.LogFormat == "auto" && c.Serv.Production {
		return true
	}
	return false
}

// GetConfigName returns the name of the configuration for the
// current GO_ENV.
func GetConfigName() string {
	goEnv := strings.TrimSpace(strings.ToLower(os.Getenv("GO_ENV")))

	switch goEnv {
	case "production", "prod":
		return "prod"

	case "staging", "stage":
		return "stage"

	case "testing", "test":
		return "test"

	case "development", "dev", "":
		return "dev"

	default:
		return goEnv
	}
}
