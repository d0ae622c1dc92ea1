package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(file, []byte("speakerphone = \"auto\"\n"), 0o644))

	assert.True(t, FileExists(file))
	assert.False(t, FileExists(dir), "directories aren't files")
	assert.False(t, FileExists(filepath.Join(dir, "missing.toml")))
}

func TestEnsureDirExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nested")

	require.NoError(t, EnsureDirExists(path))
	require.NoError(t, EnsureDirExists(path), "existing directories are fine")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
