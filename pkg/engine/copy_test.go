package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "run", "saves"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "launch.sh"), []byte("#!/bin/sh\n"), 0o555))
	require.NoError(t, os.WriteFile(filepath.Join(src, "run", "session.lock"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "run", "saves", "level.dat"), []byte("world"), 0o444))
	require.NoError(t, os.Symlink("launch.sh", filepath.Join(src, "start")))

	dst := filepath.Join(t.TempDir(), "Minecraft")
	require.NoError(t, copyTree(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "run", "saves", "level.dat"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
	assert.NoFileExists(t, filepath.Join(dst, "run", "session.lock"))

	info, err := os.Stat(filepath.Join(dst, "launch.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100, "launch script stays executable")
	assert.NotZero(t, info.Mode().Perm()&0o200, "copies are owner-writable")

	link, err := os.Readlink(filepath.Join(dst, "start"))
	require.NoError(t, err)
	assert.Equal(t, "launch.sh", link)

	require.NoError(t, os.RemoveAll(dst))
}

func TestCopyTree_MissingSource(t *testing.T) {
	err := copyTree(filepath.Join(t.TempDir(), "absent"), filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
}
