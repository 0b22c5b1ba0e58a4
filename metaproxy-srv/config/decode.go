package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
	"gopkg.in/yaml.v3"

	"github.com/numbata/metaproxy/metaproxy-srv/logger"
)

// All file formats decode into the same generic map so that key names and
// value coercion are shared between JSON, YAML and HCL.

func decodeJSON(raw []byte) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return data, nil
}

func decodeYAML(raw []byte) (map[string]any, error) {
	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode YAML config: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// decodeHCL evaluates every top-level attribute. Expressions may reference
// environment variables through the env object, e.g. env.PG_DSN.
func decodeHCL(filename string, raw []byte) (map[string]any, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(raw, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL config: %s", diags.Error())
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": envObject(),
		},
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(evalCtx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to evaluate %s: %s", name, diags.Error())
		}
		goVal, err := ctyToGo(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", name, err)
		}
		data[name] = goVal
	}
	return data, nil
}

func envObject() cty.Value {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		vars[key] = cty.StringVal(value)
	}
	if len(vars) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(vars)
}

// ctyToGo converts through cty's JSON encoding, which yields the same shapes
// encoding/json produces (float64 numbers, []any, map[string]any).
func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	raw, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// applyConfigMap copies recognised keys from a decoded config file into cfg.
func applyConfigMap(data map[string]any, cfg *Config) error {
	for key, val := range data {
		var err error
		switch key {
		case "control-address":
			err = setValue(&cfg.ControlAddress, val)
		case "listen-host":
			err = setValue(&cfg.ListenHost, val)
		case "proxy-to-header":
			err = setValue(&cfg.ProxyToHeader, val)
		case "allow-direct":
			err = setValue(&cfg.AllowDirect, val)
		case "direct-hosts":
			cfg.DirectHosts, err = parseStringList(val)
		case "blocked-hosts":
			cfg.BlockedHosts, err = parseStringList(val)
		case "timeout-seconds":
			err = setValue(&cfg.TimeoutSeconds, val)
		case "connect-timeout-seconds":
			err = setValue(&cfg.ConnectTimeoutSeconds, val)
		case "tunnel-idle-timeout-seconds":
			err = setValue(&cfg.TunnelIdleTimeoutSeconds, val)
		case "tunnel-max-duration-seconds":
			err = setValue(&cfg.TunnelMaxDurationSeconds, val)
		case "header-timeout-seconds":
			err = setValue(&cfg.HeaderTimeoutSeconds, val)
		case "max-header-bytes":
			err = setValue(&cfg.MaxHeaderBytes, val)
		case "log-level":
			err = setValue(&cfg.LogLevel, val)
		case "bindings":
			cfg.Bindings, err = parseBindings(val)
		case "statistics":
			err = parseStatistics(val, &cfg.Statistics)
		default:
			logger.Warn("Ignoring unknown config key %q", key)
		}
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func parseBindings(val any) ([]BindingConfig, error) {
	list, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("must be an array")
	}

	bindings := make([]BindingConfig, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("binding at index %d must be an object", i)
		}
		var b BindingConfig
		portVal, exists := m["port"]
		if !exists {
			return nil, fmt.Errorf("binding at index %d is missing port", i)
		}
		if err := setValue(&b.Port, portVal); err != nil {
			return nil, fmt.Errorf("port at index %d: %w", i, err)
		}
		if upstreamVal, exists := m["upstream"]; exists && upstreamVal != nil {
			if err := setValue(&b.Upstream, upstreamVal); err != nil {
				return nil, fmt.Errorf("upstream at index %d: %w", i, err)
			}
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

func parseStatistics(val any, sc *StatisticsConfig) error {
	m, ok := val.(map[string]any)
	if !ok {
		return fmt.Errorf("must be an object")
	}
	for key, v := range m {
		var err error
		switch key {
		case "enabled":
			err = setValue(&sc.Enabled, v)
		case "backend":
			err = setValue(&sc.Backend, v)
		case "sqlite-path":
			err = setValue(&sc.SQLitePath, v)
		case "postgres-dsn":
			err = setValue(&sc.PostgresDSN, v)
		default:
			logger.Warn("Ignoring unknown statistics key %q", key)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}
