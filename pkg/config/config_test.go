package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrepp/simbridge/pkg/simerr"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps the developer's ~/.simbridge.yaml out of the test
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 9000, cfg.Pool.BasePort)
	assert.True(t, cfg.Pool.Managed)
	assert.False(t, cfg.Pool.DebugPorts)
	assert.Equal(t, 600*time.Second, cfg.Bridge.HandshakeBudget)
	assert.Equal(t, 20, cfg.Bridge.ConnectAttempts)
	assert.Equal(t, ":50151", cfg.Manager.Listen)
	assert.Equal(t, 5*time.Second, cfg.Manager.KeepAliveInterval)
}

func TestLoad_File(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "simbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
  format: json
pool:
  base_port: 10000
  max_instances: 4
bridge:
  handshake_budget: 30s
  busy_interval: 250ms
`), 0o644))

	v := viper.New()
	v.SetConfigFile(path)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 10000, cfg.Pool.BasePort)
	assert.Equal(t, 4, cfg.Pool.MaxInstances)
	assert.Equal(t, 30*time.Second, cfg.Bridge.HandshakeBudget)
	assert.Equal(t, 250*time.Millisecond, cfg.Bridge.BusyInterval)
}

func TestLoad_Environment(t *testing.T) {
	isolate(t)
	logDir := t.TempDir()

	t.Setenv("SIMBRIDGE_BASE_PORT", "11000")
	t.Setenv("SIMBRIDGE_DEBUG_PORTS", "true")
	t.Setenv("SIMBRIDGE_DEBUG_LOG", "true")
	t.Setenv("SIMBRIDGE_LOG_DIR", logDir)
	t.Setenv("SIMBRIDGE_POOL_MAX_INSTANCES", "2")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 11000, cfg.Pool.BasePort)
	assert.True(t, cfg.Pool.DebugPorts)
	assert.True(t, cfg.Engine.DebugLog)
	assert.Equal(t, logDir, cfg.Log.Dir)
	assert.Equal(t, 2, cfg.Pool.MaxInstances)
}

func TestLoad_MissingFileIsAnError(t *testing.T) {
	isolate(t)

	v := viper.New()
	v.SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load(v)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	isolate(t)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"port too high", func(c *Config) { c.Pool.BasePort = 70000 }},
		{"negative capacity", func(c *Config) { c.Pool.MaxInstances = -1 }},
		{"zero socket timeout", func(c *Config) { c.Bridge.SocketTimeout = 0 }},
		{"no connect attempts", func(c *Config) { c.Bridge.ConnectAttempts = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(viper.New())
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.True(t, simerr.IsCode(err, simerr.CodeInvalidConfiguration))
		})
	}
}

func TestSubConfigs(t *testing.T) {
	isolate(t)
	t.Setenv("SIMBRIDGE_BASE_PORT", "12000")
	t.Setenv("SIMBRIDGE_BRIDGE_CONNECT_ATTEMPTS", "3")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	pc, err := cfg.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, 12000, pc.BasePort)
	assert.Equal(t, 12000, pc.Engine.BasePort)
	assert.True(t, filepath.IsAbs(pc.Engine.Manifest.Assets[0].Source))
	assert.Equal(t, "Minecraft", pc.Engine.Manifest.Assets[0].Name)
	assert.Equal(t, 10*time.Minute, pc.Engine.Manifest.ReadyTimeout)

	bc := cfg.BridgeConfig()
	assert.Equal(t, 3, bc.Retry.MaxAttempts)
	require.NoError(t, bc.Validate())
}

func TestEngineConfig_Manifest(t *testing.T) {
	isolate(t)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "mc"), 0o755))
	manifest := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte(`
name: test
assets:
  - source: mc
    name: Minecraft
ready_timeout: 1m
`), 0o644))

	cfg, err := Load(viper.New())
	require.NoError(t, err)
	cfg.Engine.Manifest = manifest

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, "test", ec.Manifest.Name)
	assert.Equal(t, filepath.Join(dir, "mc"), ec.Manifest.Assets[0].Source)
	assert.Equal(t, 10*time.Minute, ec.Manifest.ReadyTimeout, "configured ready timeout wins")

	cfg.Engine.Manifest = filepath.Join(dir, "missing.yaml")
	_, err = cfg.EngineConfig()
	assert.True(t, simerr.IsCode(err, simerr.CodeInvalidConfiguration))
}

func TestLogger(t *testing.T) {
	cfg := &Config{Log: LogSection{Level: "warn", Format: "json"}}

	var buf bytes.Buffer
	log := cfg.Logger(&buf)
	log.Info("hidden")
	log.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}

func TestEngineConfig_Watchdog(t *testing.T) {
	isolate(t)

	cfg, err := Load(viper.New())
	require.NoError(t, err)
	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.False(t, ec.DisableWatchdog, "engines are supervised by default")

	cfg.Engine.Watchdog = false
	ec, err = cfg.EngineConfig()
	require.NoError(t, err)
	assert.True(t, ec.DisableWatchdog)
}
