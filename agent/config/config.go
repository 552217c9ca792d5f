// Package config loads the in-process collector's configuration from a
// key=value file, memoized once per process. A missing file or a parse
// error yields the safe default set, in which profiling is off — the
// collector must never fail a host request over a bad config file.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Config holds the options recognized in spec.md §4.1.
type Config struct {
	ProfilingEnabled         bool
	ThresholdMS              int
	FunctionProfilingEnabled bool
	SQLCaptureEnabled        bool
	SQLRedactSensitive       bool
	SQLStackTraceLimit       int
	MemoryTrackingEnabled    bool
	RequestMetadataEnabled   bool
	ListenerSocketPath       string
	ListenerTimeoutMS        int
	DiskBufferPath           string
	ProjectName              string
}

// Default returns the safe-default configuration: profiling off.
func Default() Config {
	return Config{
		ProfilingEnabled:         false,
		ThresholdMS:              500,
		FunctionProfilingEnabled: false,
		SQLCaptureEnabled:        false,
		SQLRedactSensitive:       true,
		SQLStackTraceLimit:       10,
		MemoryTrackingEnabled:    false,
		RequestMetadataEnabled:   true,
		ListenerSocketPath:       "/var/run/apm/agent.sock",
		ListenerTimeoutMS:        50,
		DiskBufferPath:           "",
		ProjectName:              "",
	}
}

var (
	once     sync.Once
	cached   Config
	loadPath string
)

// Load reads and memoizes the configuration for this process. Only the
// first call for a given path actually parses the file; subsequent calls
// return the cached result, matching the "parsed once per process" rule in
// spec.md §4.1. A different path than the one first used is ignored once
// the cache is warm.
func Load(path string) Config {
	once.Do(func() {
		loadPath = path
		cached = parseFile(path)
		applyEnvOverrides(&cached)
	})
	return cached
}

// parseFile parses a key=value file, falling back to defaults for a
// missing file or any parse error on an individual line (unknown keys are
// ignored rather than treated as fatal).
func parseFile(path string) Config {
	cfg := Default()
	if path == "" {
		return cfg
	}

	f, err := os.Open(path)
	if err != nil {
		return Default()
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		applyOption(&cfg, strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return cfg
}

func applyOption(cfg *Config, key, value string) {
	switch key {
	case "profiling_enabled":
		cfg.ProfilingEnabled = parseBool(value, cfg.ProfilingEnabled)
	case "threshold_ms":
		cfg.ThresholdMS = parseInt(value, cfg.ThresholdMS)
	case "function_profiling_enabled":
		cfg.FunctionProfilingEnabled = parseBool(value, cfg.FunctionProfilingEnabled)
	case "sql_capture_enabled":
		cfg.SQLCaptureEnabled = parseBool(value, cfg.SQLCaptureEnabled)
	case "sql_redact_sensitive":
		cfg.SQLRedactSensitive = parseBool(value, cfg.SQLRedactSensitive)
	case "sql_stack_trace_limit":
		cfg.SQLStackTraceLimit = parseInt(value, cfg.SQLStackTraceLimit)
	case "memory_tracking_enabled":
		cfg.MemoryTrackingEnabled = parseBool(value, cfg.MemoryTrackingEnabled)
	case "request_metadata_enabled":
		cfg.RequestMetadataEnabled = parseBool(value, cfg.RequestMetadataEnabled)
	case "listener_socket_path":
		cfg.ListenerSocketPath = value
	case "listener_timeout_ms":
		cfg.ListenerTimeoutMS = parseInt(value, cfg.ListenerTimeoutMS)
	case "disk_buffer_path":
		cfg.DiskBufferPath = value
	case "project_name":
		cfg.ProjectName = value
	}
}

// applyEnvOverrides lets APM_<OPTION> environment variables win over the
// file, mirroring the teacher's viper layering (env overrides file
// overrides default) without pulling viper into the in-process agent's
// dependency footprint.
func applyEnvOverrides(cfg *Config) {
	for _, opt := range []string{
		"profiling_enabled", "threshold_ms", "function_profiling_enabled",
		"sql_capture_enabled", "sql_redact_sensitive", "sql_stack_trace_limit",
		"memory_tracking_enabled", "request_metadata_enabled",
		"listener_socket_path", "listener_timeout_ms", "disk_buffer_path",
		"project_name",
	} {
		envKey := "APM_" + strings.ToUpper(opt)
		if v, ok := os.LookupEnv(envKey); ok {
			applyOption(cfg, opt, v)
		}
	}
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// resetForTest clears the memoization so tests can exercise Load multiple
// times within the same process.
func resetForTest() {
	once = sync.Once{}
	cached = Config{}
	loadPath = ""
}
