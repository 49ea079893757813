// Package config loads simbridge configuration from file, environment and
// flags, and hands typed settings to the libraries.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jrepp/simbridge/pkg/bridge"
	"github.com/jrepp/simbridge/pkg/engine"
	"github.com/jrepp/simbridge/pkg/pool"
	"github.com/jrepp/simbridge/pkg/simerr"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SIMBRIDGE"

// Config holds the simbridge configuration
type Config struct {
	Log           LogSection           `mapstructure:"log"`
	Pool          PoolSection          `mapstructure:"pool"`
	Engine        EngineSection        `mapstructure:"engine"`
	Bridge        BridgeSection        `mapstructure:"bridge"`
	Manager       ManagerSection       `mapstructure:"manager"`
	Observability ObservabilitySection `mapstructure:"observability"`
}

// LogSection configures the process logger and the engine log directory
type LogSection struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Dir    string `mapstructure:"dir"`
}

// PoolSection configures the local instance pool
type PoolSection struct {
	BasePort     int  `mapstructure:"base_port"`
	MaxInstances int  `mapstructure:"max_instances"`
	Managed      bool `mapstructure:"managed"`
	DebugPorts   bool `mapstructure:"debug_ports"`
}

// EngineSection locates the engine assets and tunes its processes
type EngineSection struct {
	Manifest      string        `mapstructure:"manifest"`
	MinecraftDir  string        `mapstructure:"minecraft_dir"`
	SchemasDir    string        `mapstructure:"schemas_dir"`
	Host          string        `mapstructure:"host"`
	DebugLog      bool          `mapstructure:"debug_log"`
	Watchdog      bool          `mapstructure:"watchdog"`
	ReadyTimeout  time.Duration `mapstructure:"ready_timeout"`
	LogMaxSizeMB  int           `mapstructure:"log_max_size_mb"`
	LogMaxBackups int           `mapstructure:"log_max_backups"`
}

// BridgeSection tunes sessions
type BridgeSection struct {
	SocketTimeout   time.Duration `mapstructure:"socket_timeout"`
	HandshakeBudget time.Duration `mapstructure:"handshake_budget"`
	BusyInterval    time.Duration `mapstructure:"busy_interval"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	FaultTolerant   bool          `mapstructure:"fault_tolerant"`
}

// ManagerSection configures the remote pool manager, both ends
type ManagerSection struct {
	Listen            string        `mapstructure:"listen"`
	Addr              string        `mapstructure:"addr"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	KeepWarm          bool          `mapstructure:"keep_warm"`
}

// ObservabilitySection configures metrics and tracing
type ObservabilitySection struct {
	MetricsPort int  `mapstructure:"metrics_port"`
	Tracing     bool `mapstructure:"tracing"`
}

// envAliases are short environment names accepted alongside the derived
// SIMBRIDGE_SECTION_KEY names.
var envAliases = map[string]string{
	"engine.debug_log": "SIMBRIDGE_DEBUG_LOG",
	"log.dir":          "SIMBRIDGE_LOG_DIR",
	"pool.base_port":   "SIMBRIDGE_BASE_PORT",
	"pool.debug_ports": "SIMBRIDGE_DEBUG_PORTS",
}

// SetDefaults registers every key with its default value. Keys without a
// default are invisible to AutomaticEnv during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.dir", ".")

	v.SetDefault("pool.base_port", 9000)
	v.SetDefault("pool.max_instances", 0)
	v.SetDefault("pool.managed", true)
	v.SetDefault("pool.debug_ports", false)

	v.SetDefault("engine.manifest", "")
	v.SetDefault("engine.minecraft_dir", "Minecraft")
	v.SetDefault("engine.schemas_dir", "Schemas")
	v.SetDefault("engine.host", "127.0.0.1")
	v.SetDefault("engine.debug_log", false)
	v.SetDefault("engine.watchdog", true)
	v.SetDefault("engine.ready_timeout", 10*time.Minute)
	v.SetDefault("engine.log_max_size_mb", 50)
	v.SetDefault("engine.log_max_backups", 3)

	v.SetDefault("bridge.socket_timeout", engine.DefaultSocketTimeout)
	v.SetDefault("bridge.handshake_budget", 600*time.Second)
	v.SetDefault("bridge.busy_interval", time.Second)
	v.SetDefault("bridge.connect_attempts", 20)
	v.SetDefault("bridge.fault_tolerant", true)

	v.SetDefault("manager.listen", ":50151")
	v.SetDefault("manager.addr", "")
	v.SetDefault("manager.keepalive_interval", 5*time.Second)
	v.SetDefault("manager.keep_warm", false)

	v.SetDefault("observability.metrics_port", 0)
	v.SetDefault("observability.tracing", false)
}

// BindEnv enables SIMBRIDGE_* overrides on v.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s: %w", env, err)
		}
	}
	return nil
}

// Load reads configuration from v. A config file is optional: when v has
// none set, $HOME/.simbridge.yaml and ./.simbridge.yaml are tried.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	if err := BindEnv(v); err != nil {
		return nil, err
	}

	if v.ConfigFileUsed() == "" {
		home, _ := os.UserHomeDir()
		if home != "" {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigName(".simbridge")
		v.SetConfigType("yaml")
	}

	// Read config file (ignore if not found - use defaults)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return simerr.Newf(simerr.CodeInvalidConfiguration, format, args...)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return invalid("%v", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Pool.BasePort < 1 || c.Pool.BasePort > 65535 {
		return invalid("pool.base_port out of range: %d", c.Pool.BasePort)
	}
	if c.Pool.MaxInstances < 0 {
		return invalid("pool.max_instances must not be negative")
	}
	if c.Bridge.SocketTimeout <= 0 || c.Bridge.HandshakeBudget <= 0 || c.Bridge.BusyInterval <= 0 {
		return invalid("bridge timeouts must be positive")
	}
	if c.Bridge.ConnectAttempts < 1 {
		return invalid("bridge.connect_attempts must be at least 1")
	}
	if c.Manager.KeepAliveInterval < 0 {
		return invalid("manager.keepalive_interval must not be negative")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// EngineConfig resolves the manifest and returns the engine settings.
func (c *Config) EngineConfig() (engine.Config, error) {
	ec := engine.DefaultConfig()
	ec.Host = c.Engine.Host
	ec.BasePort = c.Pool.BasePort
	ec.LogDir = c.Log.Dir
	ec.DebugLog = c.Engine.DebugLog
	ec.DisableWatchdog = !c.Engine.Watchdog
	if c.Engine.DebugLog {
		ec.Console = os.Stdout
	}
	if c.Engine.LogMaxSizeMB > 0 {
		ec.LogMaxSizeMB = c.Engine.LogMaxSizeMB
	}
	ec.LogMaxBackups = c.Engine.LogMaxBackups

	if c.Engine.Manifest != "" {
		m, err := engine.LoadManifest(c.Engine.Manifest)
		if err != nil {
			return engine.Config{}, simerr.Wrap(simerr.CodeInvalidConfiguration, err, "load engine manifest")
		}
		ec.Manifest = *m
	} else {
		ec.Manifest = engine.DefaultManifest(absPath(c.Engine.MinecraftDir), absPath(c.Engine.SchemasDir))
	}
	if c.Engine.ReadyTimeout > 0 {
		ec.Manifest.ReadyTimeout = c.Engine.ReadyTimeout
	}
	return ec, nil
}

// PoolConfig returns the pool settings including the engine settings.
func (c *Config) PoolConfig() (pool.Config, error) {
	ec, err := c.EngineConfig()
	if err != nil {
		return pool.Config{}, err
	}
	return pool.Config{
		BasePort:     c.Pool.BasePort,
		MaxInstances: c.Pool.MaxInstances,
		Managed:      c.Pool.Managed,
		DebugPorts:   c.Pool.DebugPorts,
		Engine:       ec,
	}, nil
}

// BridgeConfig returns the session settings.
func (c *Config) BridgeConfig() bridge.Config {
	bc := bridge.DefaultConfig()
	bc.SocketTimeout = c.Bridge.SocketTimeout
	bc.HandshakeBudget = c.Bridge.HandshakeBudget
	bc.BusyInterval = c.Bridge.BusyInterval
	bc.FaultTolerant = c.Bridge.FaultTolerant
	bc.Retry.MaxAttempts = c.Bridge.ConnectAttempts
	return bc
}

func absPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
