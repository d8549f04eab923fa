package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/materialsearch/server/config"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	// A mistyped -c must not silently fall back to the defaults
	_, err := loadConfig(filepath.Join(dir, "materialsearh.json"))
	require.ErrorIs(t, err, os.ErrNotExist)

	fn := filepath.Join(dir, "custom.json")
	require.NoError(t, os.WriteFile(fn, []byte(`{"port": 9123}`), 0644))
	cfg, err := loadConfig(fn)
	require.NoError(t, err)
	require.Equal(t, 9123, cfg.Port)

	// Without -c, a missing default file gives the defaults
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)
	cfg, err = loadConfig("")
	require.NoError(t, err)
	require.Equal(t, config.Default().Port, cfg.Port)
}

func TestResetTempPath(t *testing.T) {
	cfg := config.Default()
	cfg.TempPath = filepath.Join(t.TempDir(), "tmp")
	require.NoError(t, os.MkdirAll(cfg.UploadDir(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.UploadDir(), "old"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.TempPath, "assets.json"), []byte(`["a"]`), 0644))

	require.NoError(t, resetTempPath(cfg))
	_, err := os.Stat(filepath.Join(cfg.UploadDir(), "old"))
	require.ErrorIs(t, err, os.ErrNotExist)
	st, err := os.Stat(cfg.ClipDir())
	require.NoError(t, err)
	require.True(t, st.IsDir())
	raw, err := os.ReadFile(filepath.Join(cfg.TempPath, "assets.json"))
	require.NoError(t, err)
	require.Equal(t, `["a"]`, string(raw))
}
