// Package config loads the central ingest server's configuration from
// environment variables, following the same viper/pflag layering shape as
// the daemon's config package — generalized here to the env-only surface
// §6 of the spec describes for the central component (PORT, TLS paths,
// DB_PATH, UDP_PORT, RATE_LIMIT, API_KEY_<PROJECT>, GRAYLOG_*, STATE_PATH).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the central server's configuration.
type Config struct {
	Port         int    `mapstructure:"port"`
	TLSKeyPath   string `mapstructure:"tls-key-path"`
	TLSCertPath  string `mapstructure:"tls-cert-path"`
	DBPath       string `mapstructure:"db-path"`
	UDPPort      int    `mapstructure:"udp-port"`
	RateLimit    int    `mapstructure:"rate-limit"`
	StatePath    string `mapstructure:"state-path"`
	LogLevel     string `mapstructure:"log-level"`

	GraylogEnabled  bool   `mapstructure:"graylog-enabled"`
	GraylogHost     string `mapstructure:"graylog-host"`
	GraylogPort     int    `mapstructure:"graylog-port"`
	GraylogFacility string `mapstructure:"graylog-facility"`

	// APIKeys maps an authenticated bearer token to the project it
	// authenticates, assembled from API_KEY_<PROJECT> environment
	// variables rather than bound through viper/pflag (their names are
	// dynamic, unlike every other option here).
	APIKeys map[string]string
}

// New builds a Config from defaults, then pflags, then environment
// variables, the same layering central/config's sibling daemon/config uses.
func New(args []string) (*Config, error) {
	v := viper.New()
	fs := pflag.NewFlagSet("apm-central", pflag.ContinueOnError)

	v.SetDefault("port", 9090)
	v.SetDefault("tls-key-path", "")
	v.SetDefault("tls-cert-path", "")
	v.SetDefault("db-path", "/var/lib/apm/central.db")
	v.SetDefault("udp-port", 0)
	v.SetDefault("rate-limit", 100)
	v.SetDefault("state-path", "/var/lib/apm/shipper-breaker.json")
	v.SetDefault("log-level", "info")
	v.SetDefault("graylog-enabled", false)
	v.SetDefault("graylog-host", "")
	v.SetDefault("graylog-port", 12201)
	v.SetDefault("graylog-facility", "apm-pipeline")

	fs.Int("port", v.GetInt("port"), "HTTP listen port")
	fs.String("tls-key-path", v.GetString("tls-key-path"), "TLS private key path; empty falls back to plaintext")
	fs.String("tls-cert-path", v.GetString("tls-cert-path"), "TLS certificate path; empty falls back to plaintext")
	fs.String("db-path", v.GetString("db-path"), "embedded store file path")
	fs.Int("udp-port", v.GetInt("udp-port"), "UDP ingest port; 0 disables the UDP listener")
	fs.Int("rate-limit", v.GetInt("rate-limit"), "requests per minute, per client IP")
	fs.String("state-path", v.GetString("state-path"), "persisted shipper circuit-breaker state path")
	fs.String("log-level", v.GetString("log-level"), "logging level (debug, info, warn, error)")
	fs.Bool("graylog-enabled", v.GetBool("graylog-enabled"), "enable the log-aggregator shipper")
	fs.String("graylog-host", v.GetString("graylog-host"), "log aggregator TCP host")
	fs.Int("graylog-port", v.GetInt("graylog-port"), "log aggregator TCP port")
	fs.String("graylog-facility", v.GetString("graylog-facility"), "log aggregator facility tag")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.APIKeys = loadAPIKeys(os.Environ())

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// loadAPIKeys scans env for API_KEY_<PROJECT>=<key> pairs, lower-casing the
// project name as spec.md §4.5 requires, and inverts them into key->project
// so auth can do an O(1) bearer-token lookup.
func loadAPIKeys(environ []string) map[string]string {
	keys := make(map[string]string)
	const prefix = "API_KEY_"
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) || value == "" {
			continue
		}
		project := strings.ToLower(strings.TrimPrefix(name, prefix))
		if project == "" {
			continue
		}
		keys[value] = project
	}
	return keys
}

// Validate applies the same bounds-checking shape as the daemon's config.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if (c.TLSKeyPath == "") != (c.TLSCertPath == "") {
		return fmt.Errorf("tls-key-path and tls-cert-path must both be set or both be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db-path must not be empty")
	}
	if c.UDPPort < 0 || c.UDPPort > 65535 {
		return fmt.Errorf("invalid udp-port: %d", c.UDPPort)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("invalid rate-limit: %d, must be positive", c.RateLimit)
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

// TLSEnabled reports whether both TLS paths are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSKeyPath != "" && c.TLSCertPath != ""
}

// Addr formats the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}
