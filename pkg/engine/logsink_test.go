package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		line string
		want slog.Level
	}{
		{"[Client thread/ERROR]: Failed to load texture", slog.LevelError},
		{"java.lang.NullPointerException", slog.LevelError},
		{"    at net.minecraft.client.Minecraft.run(Minecraft.java:42)", slog.LevelError},
		{"Error: could not find java", slog.LevelError},
		{"[STDERR]: something", slog.LevelError},
		{"[Thread/ERROR]: connection closed, likely by peer", slog.LevelDebug},
		{"[Server thread/WARN]: Can't keep up!", slog.LevelWarn},
		{"LOGTOPY episode started", slog.LevelInfo},
		{"[Client thread/INFO]: Setting user: Player", slog.LevelDebug},
		{"", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyLine(tt.line))
		})
	}
}

func TestReadinessScanner(t *testing.T) {
	s := NewReadinessScanner(DefaultManifest("a", "b").Markers)

	assert.False(t, s.Feed("[main/INFO]: Loading"))
	assert.False(t, s.Feed("***** Start MalmoEnvServer on port 9007  "))
	assert.Equal(t, 9007, s.Port)
	assert.False(t, s.Feed("***** Start MalmoEnvServer on port garbage"))
	assert.Equal(t, 9007, s.Port)

	assert.False(t, s.Feed("[Server thread/INFO]: SERVER enter state: DORMANT"))
	assert.True(t, s.ServerReady)
	assert.False(t, s.ClientReady)

	assert.True(t, s.Feed("[Client thread/INFO]: CLIENT enter state: DORMANT"))
}

// TestReadinessScanner_ClientMarkerAlone is enough for readiness
func TestReadinessScanner_ClientMarkerAlone(t *testing.T) {
	s := NewReadinessScanner(DefaultManifest("a", "b").Markers)
	assert.True(t, s.Feed("CLIENT enter state: DORMANT"))
	assert.False(t, s.ServerReady)
	assert.Equal(t, 0, s.Port)
}

func TestRing(t *testing.T) {
	r := newRing(3)
	assert.Empty(t, r.lines())

	r.add("a")
	r.add("b")
	assert.Equal(t, []string{"a", "b"}, r.lines())

	for i := 0; i < 5; i++ {
		r.add(fmt.Sprint(i))
	}
	assert.Equal(t, []string{"2", "3", "4"}, r.lines())
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: minecraft
assets:
  - source: assets/Minecraft
    name: Minecraft
  - source: /opt/schemas
    name: Schemas
ready_timeout: 90s
environment:
  JAVA_OPTS: -Xmx4G
`), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "assets", "Minecraft"), m.Assets[0].Source)
	assert.Equal(t, "/opt/schemas", m.Assets[1].Source)
	assert.Equal(t, "Minecraft", m.EngineAsset)
	assert.Equal(t, "launchClient.sh", m.LaunchScript)
	assert.Equal(t, 90*time.Second, m.ReadyTimeout)
	assert.Equal(t, DefaultClientReadyMarker, m.Markers.ClientReady)
	assert.Equal(t, "-Xmx4G", m.Environment["JAVA_OPTS"])
	assert.Equal(t, path, m.ManifestPath())
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name     string
		manifest Manifest
	}{
		{"no assets", Manifest{}},
		{"missing source", Manifest{Assets: []Asset{{Name: "Minecraft"}}}},
		{"duplicate", Manifest{Assets: []Asset{{Source: "a", Name: "x"}, {Source: "b", Name: "x"}}}},
		{"unknown engine asset", Manifest{EngineAsset: "Other", Assets: []Asset{{Source: "a", Name: "x"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.manifest
			m.applyDefaults()
			assert.Error(t, m.Validate())
		})
	}

	ok := DefaultManifest("/mc", "/schemas")
	assert.NoError(t, ok.Validate())
}
