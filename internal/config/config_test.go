package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadYAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
shell: /bin/bash
workdir: /srv/work
default_timeout_ms: 5000
max_timeout_ms: 60000
truncate_bytes: 1048576
log_level: debug
`), 0o644))

	cfg, err := Load(p)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "/bin/bash", cfg.Shell)
	assert.Equal(t, "/srv/work", cfg.WorkDir)
	assert.Equal(t, 5000, cfg.DefaultTimeoutMS)
	assert.Equal(t, "debug", cfg.LogLevel)

	def, max, _, _, _ := cfg.Durations()
	assert.Equal(t, 5*time.Second, def)
	assert.Equal(t, time.Minute, max)
}

func TestLoadRejectsGarbage(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("shell: [unclosed"), 0o644))
	_, err := Load(p)
	require.Error(t, err)
}

func TestLoadWithEnvOverridesFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("shell: /bin/bash\nlog_level: info\n"), 0o644))

	t.Setenv("SHELLBOX_SHELL", "/bin/zsh")
	t.Setenv("SHELLBOX_DEFAULT_TIMEOUT_MS", "1234")

	cfg, err := LoadWithEnv(p)
	require.NoError(t, err)
	assert.Equal(t, "/bin/zsh", cfg.Shell)
	assert.Equal(t, 1234, cfg.DefaultTimeoutMS)
	assert.Equal(t, "info", cfg.LogLevel, "file value survives when env is unset")
}

func TestLoadWithEnvNoFile(t *testing.T) {
	t.Setenv("SHELLBOX_WORKDIR", "/tmp/anywhere")
	cfg, err := LoadWithEnv(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/anywhere", cfg.WorkDir)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandPath("~/x/y.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x", "y.yaml"), got)

	got, err = expandPath("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)
}
