package config

import "testing"

func TestNew_DefaultsAreValid(t *testing.T) {
	cfg, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.MemLimit != 100 {
		t.Fatalf("expected default mem-limit 100, got %d", cfg.MemLimit)
	}
	if cfg.MaxRequests != 1000 {
		t.Fatalf("expected default max-requests 1000, got %d", cfg.MaxRequests)
	}
	if cfg.MemoryLimitMB != 256 {
		t.Fatalf("expected default memory-limit-mb 256, got %d", cfg.MemoryLimitMB)
	}
}

func TestNew_FlagsOverrideDefaults(t *testing.T) {
	cfg, err := New([]string{"--mem-limit=50", "--central-url=http://central:9090"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.MemLimit != 50 {
		t.Fatalf("expected mem-limit 50, got %d", cfg.MemLimit)
	}
	if cfg.CentralURL != "http://central:9090" {
		t.Fatalf("expected central-url override, got %s", cfg.CentralURL)
	}
}

func TestNew_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("APM_DAEMON_MEM_LIMIT", "7")
	cfg, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.MemLimit != 7 {
		t.Fatalf("expected env override mem-limit 7, got %d", cfg.MemLimit)
	}
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	cfg, err := New([]string{"--log-level=verbose"})
	if err == nil {
		t.Fatalf("expected error for invalid log-level, got config %+v", cfg)
	}
}

func TestValidate_RejectsNonPositiveMemLimit(t *testing.T) {
	cfg, err := New([]string{"--mem-limit=0"})
	if err == nil {
		t.Fatalf("expected error for non-positive mem-limit, got config %+v", cfg)
	}
}
