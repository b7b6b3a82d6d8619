// Package config loads coordinator configuration from file and environment.
// Precedence: environment (KUBENTLY_*) over config file over defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every recognized coordinator option.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// State store (required): address of the key/value + pub/sub server,
	// e.g. "redis://localhost:6379/0" or "localhost:6379".
	StateStoreURL string `mapstructure:"state_store_url"`

	SessionTTLSeconds      int `mapstructure:"session_ttl_seconds"`       // default session TTL
	CommandTimeoutSeconds  int `mapstructure:"command_timeout_seconds"`   // default sync-execute budget; hard cap 30
	ResultTTLSeconds       int `mapstructure:"result_ttl_seconds"`        // result + tracking record TTL
	MaxCommandsPerFetch    int `mapstructure:"max_commands_per_fetch"`    // batch size for wait=0 pulls
	LongPollTimeoutSeconds int `mapstructure:"long_poll_timeout_seconds"` // max wait= accepted on /agent/commands

	// APIKeys is the static credential set: entries of form "identity:key"
	// or plain "key". Comma-separated when supplied via environment.
	APIKeys []string `mapstructure:"api_keys"`

	// AdminIdentities may issue and revoke executor tokens. Empty list means
	// any authenticated caller (single-tenant deployments).
	AdminIdentities []string `mapstructure:"admin_identities"`

	// OIDC bearer-token verification. When enabled, issuer and client id are
	// required; jwks_uri defaults to the issuer's published value.
	OIDCEnabled  bool   `mapstructure:"oidc_enabled"`
	OIDCIssuer   string `mapstructure:"oidc_issuer"`
	OIDCClientID string `mapstructure:"oidc_client_id"`
	OIDCJWKSURI  string `mapstructure:"oidc_jwks_uri"`
	OIDCAudience string `mapstructure:"oidc_audience"`
	OIDCScopes   string `mapstructure:"oidc_scopes"`

	// A2AExternalURL is advertised in the discovery document for the LLM
	// transport boundary. The coordinator never calls it.
	A2AExternalURL string `mapstructure:"a2a_external_url"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`

	LogLevel  string `mapstructure:"log_level"`  // debug | info | warn | error
	LogFormat string `mapstructure:"log_format"` // json | text

	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec"`
	PingIntervalSec    int `mapstructure:"ping_interval_sec"`  // SSE keepalive cadence
	SweepIntervalSec   int `mapstructure:"sweep_interval_sec"` // expired-session sweep cadence
	MaxBodyBytes       int `mapstructure:"max_body_bytes"`

	// Rate limits, per caller identity (falls back to client IP pre-auth).
	RateLimitExecutePerMin  float64 `mapstructure:"rate_limit_execute_per_min"`
	RateLimitExecuteBurst   int     `mapstructure:"rate_limit_execute_burst"`
	RateLimitStandardPerMin float64 `mapstructure:"rate_limit_standard_per_min"`
	RateLimitStandardBurst  int     `mapstructure:"rate_limit_standard_burst"`

	// Tracing (OTLP). Disabled unless an endpoint is set.
	TracingEnabled      bool    `mapstructure:"tracing_enabled"`
	TracingEndpoint     string  `mapstructure:"tracing_endpoint"`
	TracingServiceName  string  `mapstructure:"tracing_service_name"`
	TracingSamplingRate float64 `mapstructure:"tracing_sampling_rate"`
}

// Load reads configuration from /etc/kubently/config.yaml (or ./config.yaml)
// and KUBENTLY_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/kubently/")
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvPrefix("KUBENTLY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.APIKeys = normalizeList(cfg.APIKeys)
	cfg.AdminIdentities = normalizeList(cfg.AdminIdentities)
	cfg.AllowedOrigins = normalizeList(cfg.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("state_store_url", "")
	v.SetDefault("session_ttl_seconds", 300)
	v.SetDefault("command_timeout_seconds", 10)
	v.SetDefault("result_ttl_seconds", 60)
	v.SetDefault("max_commands_per_fetch", 10)
	v.SetDefault("long_poll_timeout_seconds", 30)
	v.SetDefault("api_keys", []string{})
	v.SetDefault("admin_identities", []string{})
	v.SetDefault("oidc_enabled", false)
	v.SetDefault("oidc_issuer", "")
	v.SetDefault("oidc_client_id", "")
	v.SetDefault("oidc_jwks_uri", "")
	v.SetDefault("oidc_audience", "")
	v.SetDefault("oidc_scopes", "openid profile email")
	v.SetDefault("a2a_external_url", "")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("shutdown_timeout_sec", 10)
	v.SetDefault("ping_interval_sec", 15)
	v.SetDefault("sweep_interval_sec", 60)
	v.SetDefault("max_body_bytes", 512*1024)
	v.SetDefault("rate_limit_execute_per_min", 30.0)
	v.SetDefault("rate_limit_execute_burst", 10)
	v.SetDefault("rate_limit_standard_per_min", 120.0)
	v.SetDefault("rate_limit_standard_burst", 30)
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("tracing_endpoint", "")
	v.SetDefault("tracing_service_name", "kubently-api")
	v.SetDefault("tracing_sampling_rate", 1.0)
}

// Validate rejects configurations the server cannot run safely with.
func (c *Config) Validate() error {
	if c.StateStoreURL == "" {
		return fmt.Errorf("state_store_url is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.SessionTTLSeconds < 60 || c.SessionTTLSeconds > 3600 {
		return fmt.Errorf("session_ttl_seconds %d out of range [60,3600]", c.SessionTTLSeconds)
	}
	if c.CommandTimeoutSeconds < 1 || c.CommandTimeoutSeconds > 30 {
		return fmt.Errorf("command_timeout_seconds %d out of range [1,30]", c.CommandTimeoutSeconds)
	}
	if c.ResultTTLSeconds < 10 || c.ResultTTLSeconds > 600 {
		return fmt.Errorf("result_ttl_seconds %d out of range [10,600]", c.ResultTTLSeconds)
	}
	if c.MaxCommandsPerFetch < 1 || c.MaxCommandsPerFetch > 100 {
		return fmt.Errorf("max_commands_per_fetch %d out of range [1,100]", c.MaxCommandsPerFetch)
	}
	if c.LongPollTimeoutSeconds < 1 || c.LongPollTimeoutSeconds > 30 {
		return fmt.Errorf("long_poll_timeout_seconds %d out of range [1,30]", c.LongPollTimeoutSeconds)
	}
	for _, k := range c.APIKeys {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("api_keys contains an empty entry")
		}
	}
	if c.OIDCEnabled {
		if c.OIDCIssuer == "" {
			return fmt.Errorf("oidc_issuer is required when oidc_enabled")
		}
		if c.OIDCClientID == "" && c.OIDCAudience == "" {
			return fmt.Errorf("oidc_client_id or oidc_audience is required when oidc_enabled")
		}
	}
	if c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1 {
		return fmt.Errorf("tracing_sampling_rate %v out of range [0,1]", c.TracingSamplingRate)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Audience returns the expected JWT audience: oidc_audience when set,
// otherwise the client id.
func (c *Config) Audience() string {
	if c.OIDCAudience != "" {
		return c.OIDCAudience
	}
	return c.OIDCClientID
}

// normalizeList flattens comma-separated single entries (common when the
// value arrives via environment) and trims whitespace.
func normalizeList(in []string) []string {
	if len(in) == 1 && strings.Contains(in[0], ",") {
		in = strings.Split(in[0], ",")
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
