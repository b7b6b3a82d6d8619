// Package executor is the in-cluster runtime: it authenticates to the
// coordinator, receives commands over the event stream (long-poll as
// fallback), validates each against the hot-reloadable whitelist, forks
// kubectl, and reports structured results.
package executor

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/kubently/kubently/internal/pkg/validate"
)

// Config holds every recognized executor option. Environment prefix is
// KUBENTLY (e.g. KUBENTLY_COORDINATOR_URL), with an optional YAML file at
// /etc/kubently-executor/config.yaml.
type Config struct {
	CoordinatorURL string `mapstructure:"coordinator_url"`
	ClusterID      string `mapstructure:"cluster_id"`
	ExecutorToken  string `mapstructure:"executor_token"`

	KubectlBin string `mapstructure:"kubectl_bin"`

	// WhitelistPath is the mounted allowlist file; empty keeps the readOnly
	// defaults with no reloading.
	WhitelistPath                  string `mapstructure:"whitelist_path"`
	WhitelistReloadIntervalSeconds int    `mapstructure:"whitelist_reload_interval_seconds"`

	// Workers bounds concurrent command execution off one stream.
	Workers int `mapstructure:"workers"`

	// Long-poll waits chosen by cluster activity (seconds).
	ActivePollWaitSeconds int `mapstructure:"active_poll_wait_seconds"`
	IdlePollWaitSeconds   int `mapstructure:"idle_poll_wait_seconds"`
}

// LoadConfig reads executor configuration from file and environment.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/kubently-executor/")
	v.AddConfigPath(".")

	v.SetDefault("coordinator_url", "")
	v.SetDefault("cluster_id", "")
	v.SetDefault("executor_token", "")
	v.SetDefault("kubectl_bin", "kubectl")
	v.SetDefault("whitelist_path", "")
	v.SetDefault("whitelist_reload_interval_seconds", 30)
	v.SetDefault("workers", 4)
	v.SetDefault("active_poll_wait_seconds", 1)
	v.SetDefault("idle_poll_wait_seconds", 20)

	v.SetEnvPrefix("KUBENTLY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read executor config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal executor config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the executor cannot run with.
func (c *Config) Validate() error {
	if c.CoordinatorURL == "" {
		return fmt.Errorf("coordinator_url is required")
	}
	if !validate.ClusterID(c.ClusterID) {
		return fmt.Errorf("cluster_id %q must be a lowercase DNS label", c.ClusterID)
	}
	if c.ExecutorToken == "" {
		return fmt.Errorf("executor_token is required")
	}
	if c.Workers < 1 || c.Workers > 64 {
		return fmt.Errorf("workers %d out of range [1,64]", c.Workers)
	}
	if c.WhitelistReloadIntervalSeconds < 1 {
		return fmt.Errorf("whitelist_reload_interval_seconds must be positive")
	}
	if c.ActivePollWaitSeconds < 1 || c.ActivePollWaitSeconds > 30 {
		return fmt.Errorf("active_poll_wait_seconds %d out of range [1,30]", c.ActivePollWaitSeconds)
	}
	if c.IdlePollWaitSeconds < 1 || c.IdlePollWaitSeconds > 30 {
		return fmt.Errorf("idle_poll_wait_seconds %d out of range [1,30]", c.IdlePollWaitSeconds)
	}
	return nil
}
