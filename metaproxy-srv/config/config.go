package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BindingConfig describes a listener created at startup.
type BindingConfig struct {
	Port     int    // Local port to listen on
	Upstream string // Upstream proxy URL, empty for direct
}

// StatisticsConfig configures the traffic statistics collector.
type StatisticsConfig struct {
	Enabled     bool
	Backend     string // sqlite, postgres or dummy
	SQLitePath  string
	PostgresDSN string
}

// Config represents the main configuration structure for metaproxy.
type Config struct {
	ControlAddress           string   // Address of the REST control API
	ListenHost               string   // Host every proxy binding listens on
	ProxyToHeader            string   // Request header naming a cascading upstream
	AllowDirect              bool     // Connect directly when no upstream is known
	DirectHosts              []string // Domains always reached directly
	BlockedHosts             []string // Domains rejected with 403
	TimeoutSeconds           int      // Bound for a whole forwarded request
	ConnectTimeoutSeconds    int      // Bound for dialing a target or upstream
	TunnelIdleTimeoutSeconds int      // Tunnel is closed after this long without traffic
	TunnelMaxDurationSeconds int      // 0 means unlimited
	HeaderTimeoutSeconds     int      // Bound for reading a request head
	MaxHeaderBytes           int
	LogLevel                 string
	Bindings                 []BindingConfig
	Statistics               StatisticsConfig
}

// Default returns the configuration used when nothing else is specified.
func Default() *Config {
	return &Config{
		ControlAddress:           "127.0.0.1:8000",
		ListenHost:               "0.0.0.0",
		ProxyToHeader:            "X-Proxy-To",
		TimeoutSeconds:           30,
		ConnectTimeoutSeconds:    10,
		TunnelIdleTimeoutSeconds: 300,
		HeaderTimeoutSeconds:     30,
		MaxHeaderBytes:           8192,
		LogLevel:                 "INFO",
		Statistics: StatisticsConfig{
			Backend:    "sqlite",
			SQLitePath: "metaproxy_stats.db",
		},
	}
}

// LoadConfig loads configuration in the order defaults, environment, file.
// An empty configPath skips the file. Command line flags are applied on top
// by the caller, see Flags.Apply.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		data, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := applyConfigMap(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(configPath string) (map[string]any, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}

	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	ext := filepath.Ext(cleanPath)
	switch strings.ToLower(ext) {
	case ".json":
		return decodeJSON(raw)
	case ".yaml", ".yml":
		return decodeYAML(raw)
	case ".hcl":
		return decodeHCL(cleanPath, raw)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}
}

// Validate checks value ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.ControlAddress == "" {
		return fmt.Errorf("control-address must not be empty")
	}
	if strings.TrimSpace(c.ProxyToHeader) == "" {
		return fmt.Errorf("proxy-to-header must not be empty")
	}
	for name, v := range map[string]int{
		"timeout-seconds":             c.TimeoutSeconds,
		"connect-timeout-seconds":     c.ConnectTimeoutSeconds,
		"tunnel-idle-timeout-seconds": c.TunnelIdleTimeoutSeconds,
		"header-timeout-seconds":      c.HeaderTimeoutSeconds,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.TunnelMaxDurationSeconds < 0 {
		return fmt.Errorf("tunnel-max-duration-seconds must not be negative")
	}
	if c.MaxHeaderBytes < 1024 {
		return fmt.Errorf("max-header-bytes must be at least 1024, got %d", c.MaxHeaderBytes)
	}

	seen := make(map[int]bool, len(c.Bindings))
	for i, b := range c.Bindings {
		if b.Port < 1 || b.Port > 65535 {
			return fmt.Errorf("binding at index %d: port %d out of range", i, b.Port)
		}
		if seen[b.Port] {
			return fmt.Errorf("binding at index %d: duplicate port %d", i, b.Port)
		}
		seen[b.Port] = true
	}

	switch c.Statistics.Backend {
	case "", "sqlite", "postgres", "dummy":
	default:
		return fmt.Errorf("unsupported statistics backend: %s", c.Statistics.Backend)
	}
	if c.Statistics.Enabled && c.Statistics.Backend == "postgres" && c.Statistics.PostgresDSN == "" {
		return fmt.Errorf("statistics postgres-dsn is required for postgres backend")
	}
	return nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c *Config) TunnelIdleTimeout() time.Duration {
	return time.Duration(c.TunnelIdleTimeoutSeconds) * time.Second
}

// TunnelMaxDuration returns 0 when tunnels may live forever.
func (c *Config) TunnelMaxDuration() time.Duration {
	return time.Duration(c.TunnelMaxDurationSeconds) * time.Second
}

func (c *Config) HeaderTimeout() time.Duration {
	return time.Duration(c.HeaderTimeoutSeconds) * time.Second
}
