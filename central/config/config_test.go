package config

import "testing"

func TestNewDefaults(t *testing.T) {
	cfg, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.RateLimit != 100 {
		t.Errorf("RateLimit = %d, want 100", cfg.RateLimit)
	}
	if cfg.TLSEnabled() {
		t.Error("TLSEnabled() = true with no TLS paths set")
	}
}

func TestLoadAPIKeys(t *testing.T) {
	environ := []string{
		"API_KEY_ACME=secret-1",
		"API_KEY_Wonka=secret-2",
		"PATH=/usr/bin",
		"API_KEY_=ignored",
	}
	keys := loadAPIKeys(environ)
	if keys["secret-1"] != "acme" {
		t.Errorf("keys[secret-1] = %q, want acme", keys["secret-1"])
	}
	if keys["secret-2"] != "wonka" {
		t.Errorf("keys[secret-2] = %q, want wonka (lower-cased)", keys["secret-2"])
	}
	if len(keys) != 2 {
		t.Errorf("len(keys) = %d, want 2", len(keys))
	}
}

func TestValidateRejectsMismatchedTLSPaths(t *testing.T) {
	cfg := Config{Port: 9090, DBPath: "x", RateLimit: 1, LogLevel: "info", TLSKeyPath: "key.pem"}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for one-sided TLS config")
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Config{Port: 0, DBPath: "x", RateLimit: 1, LogLevel: "info"}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for port 0")
	}
}

func TestAddr(t *testing.T) {
	cfg := Config{Port: 9090}
	if got := cfg.Addr(); got != ":9090" {
		t.Errorf("Addr() = %q, want :9090", got)
	}
}
