package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/numbata/metaproxy/metaproxy-srv/logger"
)

// EnvPrefix prefixes every environment variable read by loadConfigFromEnv.
const EnvPrefix = "METAPROXY_"

func loadConfigFromEnv(cfg *Config) {
	envString := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	envInt := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				*dst = i
			} else {
				fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s%s: %s\n", EnvPrefix, name, v)
			}
		}
	}
	envBool := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}

	envString("CONTROLADDRESS", &cfg.ControlAddress)
	envString("LISTENHOST", &cfg.ListenHost)
	envString("PROXYTOHEADER", &cfg.ProxyToHeader)
	envBool("ALLOWDIRECT", &cfg.AllowDirect)
	if v := os.Getenv(EnvPrefix + "DIRECTHOSTS"); v != "" {
		cfg.DirectHosts = splitList(v)
	}
	if v := os.Getenv(EnvPrefix + "BLOCKEDHOSTS"); v != "" {
		cfg.BlockedHosts = splitList(v)
	}
	envInt("TIMEOUTSECONDS", &cfg.TimeoutSeconds)
	envInt("CONNECTTIMEOUTSECONDS", &cfg.ConnectTimeoutSeconds)
	envInt("TUNNELIDLETIMEOUTSECONDS", &cfg.TunnelIdleTimeoutSeconds)
	envInt("TUNNELMAXDURATIONSECONDS", &cfg.TunnelMaxDurationSeconds)
	envInt("HEADERTIMEOUTSECONDS", &cfg.HeaderTimeoutSeconds)
	envInt("MAXHEADERBYTES", &cfg.MaxHeaderBytes)
	envString("LOGLEVEL", &cfg.LogLevel)

	envBool("STATISTICS_ENABLED", &cfg.Statistics.Enabled)
	envString("STATISTICS_BACKEND", &cfg.Statistics.Backend)
	envString("STATISTICS_SQLITEPATH", &cfg.Statistics.SQLitePath)
	envString("STATISTICS_POSTGRESDSN", &cfg.Statistics.PostgresDSN)
}

// LoadEnvFile reads a .env-style file and sets environment variables
func LoadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
