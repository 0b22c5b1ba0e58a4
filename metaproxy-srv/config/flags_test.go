package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideConfig(t *testing.T) {
	cfg := Default()
	cfg.TimeoutSeconds = 99
	cfg.Bindings = []BindingConfig{{Port: 9000}}

	f := NewFlags("metaproxy")
	require.NoError(t, f.Parse([]string{
		"--control-address", "127.0.0.1:7000",
		"--allow-direct",
		"--blocked-host", "a.example",
		"--blocked-host", "b.example",
		"-b", "9001=http://127.0.0.1:3128",
		"--bind", "9002",
		"-d",
	}))
	require.NoError(t, f.Apply(cfg))

	assert.Equal(t, "127.0.0.1:7000", cfg.ControlAddress)
	assert.True(t, cfg.AllowDirect)
	assert.Equal(t, []string{"a.example", "b.example"}, cfg.BlockedHosts)
	assert.Equal(t, 99, cfg.TimeoutSeconds, "unset flags must not override")
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, []BindingConfig{
		{Port: 9000},
		{Port: 9001, Upstream: "http://127.0.0.1:3128"},
		{Port: 9002},
	}, cfg.Bindings)
}

func TestFlagsMetaOptions(t *testing.T) {
	f := NewFlags("metaproxy")
	require.NoError(t, f.Parse([]string{"-c", "cfg.hcl", "--envfile", ".env", "-v"}))

	assert.Equal(t, "cfg.hcl", f.ConfigPath)
	assert.Equal(t, ".env", f.EnvFile)
	assert.True(t, f.Version)
	assert.Contains(t, f.Usage(), "--control-address")
}

func TestFlagsInvalidBinding(t *testing.T) {
	f := NewFlags("metaproxy")
	require.NoError(t, f.Parse([]string{"--bind", "abc=http://x"}))
	assert.Error(t, f.Apply(Default()))

	f = NewFlags("metaproxy")
	require.NoError(t, f.Parse([]string{"--bind", "9000", "--bind", "9000"}))
	err := f.Apply(Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate port")
}
