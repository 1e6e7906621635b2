package core

import "time"

// Config holds the engine-side settings. The service layer embeds it
// and feeds it from config files and environment variables.
type Config struct {
	// Signs bearer tokens and encrypts stored datasource passwords.
	// Auto-generated in dev when not set; required in production.
	SecretKey string `mapstructure:"secret_key" json:"secret_key" yaml:"secret_key" jsonschema:"title=Secret Key"`

	// Production hardens error output and config validation.
	Production bool `jsonschema:"title=Production Mode,default=false"`

	Debug bool `jsonschema:"title=Debug,default=false"`

	// Bearer token lifetime in seconds.
	JWTExpireSeconds int `mapstructure:"jwt_expire_seconds" json:"jwt_expire_seconds" yaml:"jwt_expire_seconds" jsonschema:"title=JWT Expiry Seconds,default=3600"`

	// Accept base64(client_id:client_secret) in X-API-Key.
	AuthXAPIKeyEnabled bool `mapstructure:"auth_x_api_key_enabled" json:"auth_x_api_key_enabled" yaml:"auth_x_api_key_enabled" jsonschema:"title=Enable X-API-Key,default=false"`

	// Record request bodies in access records.
	AccessLogBody bool `mapstructure:"access_log_body" json:"access_log_body" yaml:"access_log_body" jsonschema:"title=Log Request Bodies,default=true"`

	// Local bundle cache TTL in seconds.
	ConfigCacheTTLSeconds int `mapstructure:"config_cache_ttl_seconds" json:"config_cache_ttl_seconds" yaml:"config_cache_ttl_seconds" jsonschema:"title=Config Cache TTL Seconds,default=10"`

	// Verdict when no firewall rule matches.
	FirewallDefaultAllow *bool `mapstructure:"firewall_default_allow" json:"firewall_default_allow" yaml:"firewall_default_allow" jsonschema:"title=Firewall Default Allow,default=true"`

	// Global rate limiter applied when neither endpoint nor client
	// sets one.
	RateLimitEnabled   bool `mapstructure:"rate_limit_enabled" json:"rate_limit_enabled" yaml:"rate_limit_enabled" jsonschema:"title=Enable Global Rate Limit,default=false"`
	RateLimitPerMinute int  `mapstructure:"rate_limit_per_minute" json:"rate_limit_per_minute" yaml:"rate_limit_per_minute" jsonschema:"title=Global Rate Limit Per Minute,default=600"`

	// Per-client concurrency ceiling; 0 disables.
	MaxConcurrentPerClient int `mapstructure:"max_concurrent_per_client" json:"max_concurrent_per_client" yaml:"max_concurrent_per_client" jsonschema:"title=Max Concurrent Per Client,default=64"`

	// External datasource pool knobs.
	PoolSize            int `mapstructure:"pool_size" json:"pool_size" yaml:"pool_size" jsonschema:"title=Max Idle Conns Per Datasource,default=8"`
	PoolMaxAgeSeconds   int `mapstructure:"pool_max_age_seconds" json:"pool_max_age_seconds" yaml:"pool_max_age_seconds" jsonschema:"title=Conn Max Age Seconds,default=1800"`
	ConnectTimeoutSecs  int `mapstructure:"connect_timeout_seconds" json:"connect_timeout_seconds" yaml:"connect_timeout_seconds" jsonschema:"title=Dial Timeout Seconds,default=10"`
	StatementTimeoutSec int `mapstructure:"statement_timeout_seconds" json:"statement_timeout_seconds" yaml:"statement_timeout_seconds" jsonschema:"title=Statement Timeout Seconds,default=30"`

	// Script sandbox knobs.
	ScriptExecTimeoutSec   int      `mapstructure:"script_exec_timeout_seconds" json:"script_exec_timeout_seconds" yaml:"script_exec_timeout_seconds" jsonschema:"title=Script Timeout Seconds,default=10"`
	ScriptExtraModules     []string `mapstructure:"script_extra_modules" json:"script_extra_modules" yaml:"script_extra_modules" jsonschema:"title=Script Extra Modules"`
	ScriptHTTPAllowedHosts []string `mapstructure:"script_http_allowed_hosts" json:"script_http_allowed_hosts" yaml:"script_http_allowed_hosts" jsonschema:"title=Script HTTP Allowed Hosts"`
	ScriptAllowedEnv       []string `mapstructure:"script_allowed_env" json:"script_allowed_env" yaml:"script_allowed_env" jsonschema:"title=Script Allowed Env Keys"`

	// Shared KV. Empty RedisURL falls back to the in-process store.
	CacheEnabled *bool  `mapstructure:"cache_enabled" json:"cache_enabled" yaml:"cache_enabled" jsonschema:"title=Enable Shared KV,default=true"`
	RedisURL     string `mapstructure:"redis_url" json:"redis_url" yaml:"redis_url" jsonschema:"title=Redis URL"`

	// MaxWorkers bounds concurrently running backend executions.
	MaxWorkers int `mapstructure:"max_workers" json:"max_workers" yaml:"max_workers" jsonschema:"title=Max Worker Executions,default=256"`

	// DatasourcePollSeconds drives the datasource change watcher;
	// 0 disables it.
	DatasourcePollSeconds int `mapstructure:"datasource_poll_seconds" json:"datasource_poll_seconds" yaml:"datasource_poll_seconds" jsonschema:"title=Datasource Poll Seconds,default=10"`
}

// setDefaults fills zero values with the documented defaults.
func (c *Config) setDefaults() {
	if c.JWTExpireSeconds <= 0 {
		c.JWTExpireSeconds = 3600
	}
	if c.ConfigCacheTTLSeconds <= 0 {
		c.ConfigCacheTTLSeconds = 10
	}
	if c.FirewallDefaultAllow == nil {
		v := true
		c.FirewallDefaultAllow = &v
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = 600
	}
	if c.MaxConcurrentPerClient == 0 {
		c.MaxConcurrentPerClient = 64
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	if c.PoolMaxAgeSeconds <= 0 {
		c.PoolMaxAgeSeconds = 1800
	}
	if c.ConnectTimeoutSecs <= 0 {
		c.ConnectTimeoutSecs = 10
	}
	if c.StatementTimeoutSec <= 0 {
		c.StatementTimeoutSec = 30
	}
	if c.ScriptExecTimeoutSec <= 0 {
		c.ScriptExecTimeoutSec = 10
	}
	if c.CacheEnabled == nil {
		v := true
		c.CacheEnabled = &v
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 256
	}
}

func (c *Config) configCacheTTL() time.Duration {
	return time.Duration(c.ConfigCacheTTLSeconds) * time.Second
}

func (c *Config) statementTimeout() time.Duration {
	return time.Duration(c.StatementTimeoutSec) * time.Second
}

func (c *Config) scriptExecTimeout() time.Duration {
	return time.Duration(c.ScriptExecTimeoutSec) * time.Second
}

func (c *Config) firewallDefaultAllow() bool {
	return c.FirewallDefaultAllow == nil || *c.FirewallDefaultAllow
}

func (c *Config) cacheEnabled() bool {
	return c.CacheEnabled == nil || *c.CacheEnabled
}
