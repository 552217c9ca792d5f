// Package config loads the host daemon's configuration, layered the same
// way the teacher's config package layers viper defaults, pflags, and
// environment variables — generalized from a single-process HTTP server's
// options to the daemon's socket, queue, and lifecycle knobs.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the host daemon's configuration.
type Config struct {
	SocketPath     string `mapstructure:"socket-path"`
	DatagramPath   string `mapstructure:"datagram-path"`
	SpoolDir       string `mapstructure:"spool-dir"`
	MemLimit       int    `mapstructure:"mem-limit"`
	FlushInterval  int    `mapstructure:"flush-interval-seconds"`
	CentralURL     string `mapstructure:"central-url"`
	AuthToken      string `mapstructure:"auth-token"`
	ProjectName    string `mapstructure:"project"`
	MaxRequests    int    `mapstructure:"max-requests"`
	MemoryLimitMB  int    `mapstructure:"memory-limit-mb"`
	GCIntervalSec  int    `mapstructure:"gc-interval-seconds"`
	HealthAddr     string `mapstructure:"health-addr"`
	BreakerStateFp string `mapstructure:"breaker-state-path"`
	LogLevel       string `mapstructure:"log-level"`
}

// New builds a Config from defaults, then pflags, then APM_DAEMON_*
// environment variables — mirroring the teacher's DUMMYBOX_* layering.
func New(args []string) (*Config, error) {
	v := viper.New()
	fs := pflag.NewFlagSet("apmd", pflag.ContinueOnError)

	v.SetDefault("socket-path", "/var/run/apm/daemon.sock")
	v.SetDefault("datagram-path", "")
	v.SetDefault("spool-dir", "/var/lib/apm/spool")
	v.SetDefault("mem-limit", 100)
	v.SetDefault("flush-interval-seconds", 5)
	v.SetDefault("central-url", "http://localhost:9090")
	v.SetDefault("auth-token", "")
	v.SetDefault("project", "default")
	v.SetDefault("max-requests", 1000)
	v.SetDefault("memory-limit-mb", 256)
	v.SetDefault("gc-interval-seconds", 300)
	v.SetDefault("health-addr", "127.0.0.1:9091")
	v.SetDefault("breaker-state-path", "/var/lib/apm/breaker.json")
	v.SetDefault("log-level", "info")

	fs.String("socket-path", v.GetString("socket-path"), "Unix stream socket the daemon listens on")
	fs.String("datagram-path", v.GetString("datagram-path"), "optional Unix datagram socket, in addition to the stream socket")
	fs.String("spool-dir", v.GetString("spool-dir"), "directory for queue overflow spill and replay")
	fs.Int("mem-limit", v.GetInt("mem-limit"), "in-memory queue capacity before spilling to disk")
	fs.Int("flush-interval-seconds", v.GetInt("flush-interval-seconds"), "interval between forwarder drains")
	fs.String("central-url", v.GetString("central-url"), "base URL of the central ingest server")
	fs.String("auth-token", v.GetString("auth-token"), "bearer token presented to the central ingest server")
	fs.String("project", v.GetString("project"), "default project name stamped on forwarded records")
	fs.Int("max-requests", v.GetInt("max-requests"), "voluntary restart threshold, in handled records")
	fs.Int("memory-limit-mb", v.GetInt("memory-limit-mb"), "voluntary restart threshold, in resident memory")
	fs.Int("gc-interval-seconds", v.GetInt("gc-interval-seconds"), "forced GC interval")
	fs.String("health-addr", v.GetString("health-addr"), "loopback address for the health endpoint")
	fs.String("breaker-state-path", v.GetString("breaker-state-path"), "path for persisted circuit breaker state")
	fs.String("log-level", v.GetString("log-level"), "logging level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	v.SetEnvPrefix("APM_DAEMON")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate applies the same bounds-checking shape as the central config.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket-path must not be empty")
	}
	if c.MemLimit <= 0 {
		return fmt.Errorf("invalid mem-limit: %d, must be positive", c.MemLimit)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("invalid flush-interval-seconds: %d, must be positive", c.FlushInterval)
	}
	if c.CentralURL == "" {
		return fmt.Errorf("central-url must not be empty")
	}
	if c.MaxRequests <= 0 {
		return fmt.Errorf("invalid max-requests: %d, must be positive", c.MaxRequests)
	}
	if c.MemoryLimitMB <= 0 {
		return fmt.Errorf("invalid memory-limit-mb: %d, must be positive", c.MemoryLimitMB)
	}
	validLevels := []string{"debug", "info", "warn", "error"}
	ok := false
	for _, l := range validLevels {
		if c.LogLevel == l {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid log-level: %s, must be one of %v", c.LogLevel, validLevels)
	}
	return nil
}
