package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-io/metalprov/pkg/conductor"
)

func isolate(t *testing.T) string {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := load(viper.New())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sudo", cfg.RootHelper)
	assert.Equal(t, 10, cfg.IPMIRetryAttempts)
	assert.Equal(t, time.Second, cfg.IPMIRetryInterval)
	assert.Equal(t, 3, cfg.IPMICommandAttempts)
	assert.Equal(t, 60, cfg.RemoteMaxRetries)
	assert.Equal(t, 2*time.Second, cfg.RemoteRetryInterval)
	assert.Equal(t, conductor.FailFast, cfg.Conductor().LockPolicy)
}

func TestLoadEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("METALPROV_IPMI_RETRY_ATTEMPTS", "4")
	t.Setenv("METALPROV_NOTIFY_SETTLE", "250ms")
	t.Setenv("METALPROV_ROOT_HELPER", "")

	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.IPMI().RetryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Deploy().NotifySettle)
	assert.Empty(t, cfg.RootHelper)
}

func TestLoadConfigFile(t *testing.T) {
	dir := isolate(t)
	data := "lock-policy: wait\nlock-timeout: 5s\nconsole-host: bmc.example.net\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(data), 0o644))

	cfg, err := load(viper.New())
	require.NoError(t, err)

	c := cfg.Conductor()
	assert.Equal(t, conductor.Wait, c.LockPolicy)
	assert.Equal(t, 5*time.Second, c.LockTimeout)
	assert.Equal(t, "bmc.example.net", cfg.Console().Host)
}

func TestValidate(t *testing.T) {
	isolate(t)
	base, err := load(viper.New())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty sqlite path", func(c *Config) { c.SQLitePath = "" }},
		{"zero image size", func(c *Config) { c.MaxImageSize = 0 }},
		{"no ipmi attempts", func(c *Config) { c.IPMIRetryAttempts = 0 }},
		{"bad port", func(c *Config) { c.NotifyPort = 70000 }},
		{"bad lock policy", func(c *Config) { c.LockPolicy = "spin" }},
		{"no parallelism", func(c *Config) { c.DriverParallelism = 0 }},
		{"negative interval", func(c *Config) { c.RemoteRetryInterval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
