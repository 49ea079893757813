package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest declares how an engine is laid out on disk and launched.
type Manifest struct {
	// Name of the engine (informational)
	Name string `yaml:"name"`

	// Assets are copied into each instance's working directory
	Assets []Asset `yaml:"assets"`

	// EngineAsset names the asset holding the launch script and run dir
	EngineAsset string `yaml:"engine_asset"`

	// LaunchScript is relative to the engine asset
	LaunchScript string `yaml:"launch_script"`

	// RunDir is relative to the engine asset
	RunDir string `yaml:"run_dir"`

	// Markers recognised in the engine's output
	Markers Markers `yaml:"markers"`

	// ReadyTimeout bounds the wait for the client-ready marker
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// Environment variables added to the engine process
	Environment map[string]string `yaml:"environment"`

	// Internal: absolute path to the manifest file (populated during load)
	manifestPath string `yaml:"-"`
}

// Asset is one directory copied into the working directory.
type Asset struct {
	// Source directory (relative paths resolve against the manifest file)
	Source string `yaml:"source"`

	// Name of the copy inside the working directory
	Name string `yaml:"name"`
}

// Markers are the readiness substrings scanned for in engine output.
type Markers struct {
	Port        string `yaml:"port"`
	ClientReady string `yaml:"client_ready"`
	ServerReady string `yaml:"server_ready"`
}

// Default marker strings printed by the Malmo mod.
const (
	DefaultPortMarker        = "***** Start MalmoEnvServer on port "
	DefaultClientReadyMarker = "CLIENT enter state: DORMANT"
	DefaultServerReadyMarker = "SERVER enter state: DORMANT"
)

// DefaultManifest describes the standard Minecraft + Schemas layout.
func DefaultManifest(minecraftDir, schemasDir string) Manifest {
	m := Manifest{
		Name: "minecraft",
		Assets: []Asset{
			{Source: minecraftDir, Name: "Minecraft"},
			{Source: schemasDir, Name: "Schemas"},
		},
	}
	m.applyDefaults()
	return m
}

// LoadManifest reads and validates a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest YAML: %w", err)
	}
	m.manifestPath = absPath

	baseDir := filepath.Dir(absPath)
	for i := range m.Assets {
		if m.Assets[i].Source != "" && !filepath.IsAbs(m.Assets[i].Source) {
			m.Assets[i].Source = filepath.Join(baseDir, m.Assets[i].Source)
		}
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.EngineAsset == "" && len(m.Assets) > 0 {
		m.EngineAsset = m.Assets[0].Name
	}
	if m.LaunchScript == "" {
		m.LaunchScript = "launchClient.sh"
	}
	if m.RunDir == "" {
		m.RunDir = "run"
	}
	if m.Markers.Port == "" {
		m.Markers.Port = DefaultPortMarker
	}
	if m.Markers.ClientReady == "" {
		m.Markers.ClientReady = DefaultClientReadyMarker
	}
	if m.Markers.ServerReady == "" {
		m.Markers.ServerReady = DefaultServerReadyMarker
	}
	if m.ReadyTimeout == 0 {
		m.ReadyTimeout = 10 * time.Minute
	}
}

// Validate checks that the manifest can be launched.
func (m *Manifest) Validate() error {
	if len(m.Assets) == 0 {
		return fmt.Errorf("at least one asset is required")
	}
	seen := make(map[string]bool)
	engineFound := false
	for _, a := range m.Assets {
		if a.Source == "" || a.Name == "" {
			return fmt.Errorf("asset needs both source and name: %+v", a)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate asset name %q", a.Name)
		}
		seen[a.Name] = true
		if a.Name == m.EngineAsset {
			engineFound = true
		}
	}
	if !engineFound {
		return fmt.Errorf("engine_asset %q is not among the assets", m.EngineAsset)
	}
	if m.Markers.ClientReady == "" {
		return fmt.Errorf("markers.client_ready is required")
	}
	return nil
}

// ManifestPath returns the file the manifest was loaded from, if any.
func (m *Manifest) ManifestPath() string {
	return m.manifestPath
}
