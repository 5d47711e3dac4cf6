package config_test

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/lethe/internal/config"
)

func TestLoadAppliesDefaultsWhenNoFilesPresent(t *testing.T) {
	dir := t.TempDir()

	cfg, err := config.Load(config.LoadInput{
		WorkDir: dir,
		Overrides: config.Overrides{
			DiskPath:    filepath.Join(dir, "disk.img"),
			HasDiskPath: true,
		},
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "disk.img"), cfg.DiskPath)
	require.Empty(t, cfg.Sources.Global)
	require.Empty(t, cfg.Sources.Project)
}

func TestLoadMissingDiskPathIsInvalid(t *testing.T) {
	dir := t.TempDir()

	_, err := config.Load(config.LoadInput{WorkDir: dir})
	require.ErrorIs(t, err, config.ErrDiskPathEmpty)
}

func TestLoadReadsProjectConfigFile(t *testing.T) {
	dir := t.TempDir()

	projectFile := filepath.Join(dir, config.ConfigFileName)
	require.NoError(t, os.WriteFile(projectFile, []byte(`{
		// trailing comments are fine, it's JWCC
		"disk_path": "/var/lib/lethe/disk.img",
	}`), 0o600))

	cfg, err := config.Load(config.LoadInput{WorkDir: dir})
	require.NoError(t, err)
	require.Equal(t, "/var/lib/lethe/disk.img", cfg.DiskPath)
	require.Equal(t, projectFile, cfg.Sources.Project)
}

func TestLoadOverrideWinsOverProjectFile(t *testing.T) {
	dir := t.TempDir()

	projectFile := filepath.Join(dir, config.ConfigFileName)
	require.NoError(t, os.WriteFile(projectFile, []byte(`{"disk_path": "/from/file"}`), 0o600))

	cfg, err := config.Load(config.LoadInput{
		WorkDir: dir,
		Overrides: config.Overrides{
			DiskPath:    "/from/flag",
			HasDiskPath: true,
		},
	})
	require.NoError(t, err)
	require.Equal(t, "/from/flag", cfg.DiskPath)
}

func TestLoadExplicitConfigPathMustExist(t *testing.T) {
	dir := t.TempDir()

	_, err := config.Load(config.LoadInput{
		WorkDir:    dir,
		ConfigPath: "does-not-exist.json",
	})
	require.ErrorIs(t, err, config.ErrConfigFileNotFound)
}

func TestResolveRootKeyFromHex(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}

	cfg := config.Config{RootKeyHex: hex.EncodeToString(raw)}

	key, err := config.ResolveRootKey(cfg)
	require.NoError(t, err)
	require.Equal(t, raw, key[:])
}

func TestResolveRootKeyFromFileBinary(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "root.key")

	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(31 - i)
	}

	require.NoError(t, os.WriteFile(keyPath, raw, 0o600))

	cfg := config.Config{RootKeyFile: keyPath}

	key, err := config.ResolveRootKey(cfg)
	require.NoError(t, err)
	require.Equal(t, raw, key[:])
}

func TestResolveRootKeyInvalidLength(t *testing.T) {
	cfg := config.Config{RootKeyHex: "deadbeef"}

	_, err := config.ResolveRootKey(cfg)
	require.ErrorIs(t, err, config.ErrRootKeyInvalid)
}

func TestWriteDefaultProjectConfigDoesNotOverwriteExisting(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, config.WriteDefaultProjectConfig(dir, "/disk/one.img"))

	cfg, err := config.Load(config.LoadInput{WorkDir: dir})
	require.NoError(t, err)
	require.Equal(t, "/disk/one.img", cfg.DiskPath)

	require.NoError(t, config.WriteDefaultProjectConfig(dir, "/disk/two.img"))

	cfg, err = config.Load(config.LoadInput{WorkDir: dir})
	require.NoError(t, err)
	require.Equal(t, "/disk/one.img", cfg.DiskPath, "existing config must not be clobbered")
}
