package engine

import (
	"io"
	"time"
)

// Config holds settings shared by every instance of a pool.
type Config struct {
	Manifest Manifest

	// Host the engines listen on
	Host string

	// BasePort is subtracted from the target port to name log files
	BasePort int

	// LogDir is the root for logs/mc_<n>.log
	LogDir string

	// DebugLog mirrors engine output to Console
	DebugLog bool
	Console  io.Writer

	// LogMaxSizeMB and LogMaxBackups configure log rotation
	LogMaxSizeMB  int
	LogMaxBackups int

	// DisableWatchdog launches engines without the supervisor daemon, so a
	// zero Config is supervised. WatchdogCommand overrides the binary lookup.
	DisableWatchdog bool
	WatchdogCommand []string

	// ExitTimeout bounds the protocol-level exit command
	ExitTimeout time.Duration

	// ExitGrace is how long a process gets to leave after a successful exit
	// command before it is reaped
	ExitGrace time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Host:          "127.0.0.1",
		BasePort:      9000,
		LogDir:        ".",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,
		ExitTimeout:   time.Second,
		ExitGrace:     2 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.LogDir == "" {
		c.LogDir = d.LogDir
	}
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = d.LogMaxSizeMB
	}
	if c.ExitTimeout == 0 {
		c.ExitTimeout = d.ExitTimeout
	}
	if c.ExitGrace == 0 {
		c.ExitGrace = d.ExitGrace
	}
	if c.Manifest.ReadyTimeout == 0 || c.Manifest.Markers.ClientReady == "" {
		c.Manifest.applyDefaults()
	}
}
