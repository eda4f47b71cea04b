package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)

	require.Equal(t, defaultConfig(), cfg)
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	require.Equal(t, defaultConfig(), cfg)
}

func TestLoadConfigOverridesDefaultsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sxmd.yaml")
	yaml := "persist_root: /var/lib/sxmd\nlisten: :9000\nnbd_handoff_listen: :9001\ninsecure_skip_verify: true\nremote_timeout: 10s\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "/var/lib/sxmd", cfg.PersistRoot)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, ":9001", cfg.NBDHandoffListen)
	require.True(t, cfg.InsecureSkipVerify)
	require.Equal(t, 10*time.Second, time.Duration(cfg.RemoteTimeout))
}

func TestLoadConfigPartialYAMLKeepsDefaultsForOmittedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sxmd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: :1234\n"), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	require.Equal(t, ":1234", cfg.Listen)
	require.Equal(t, defaultConfig().PersistRoot, cfg.PersistRoot)
	require.Equal(t, defaultConfig().NBDHandoffListen, cfg.NBDHandoffListen)
}

func TestLoadConfigMalformedYAMLReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sxmd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [this is not valid"), 0o600))

	_, err := loadConfig(path)
	require.Error(t, err)
}
