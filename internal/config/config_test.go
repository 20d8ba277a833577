package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithOverrides(writeConfig(t, "{}\n"), nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "/home/codespace", cfg.BaseDir)
	assert.Equal(t, "/bin/bash", cfg.Shell)
	assert.Equal(t, "codespace", cfg.HostSuffix)
	assert.Equal(t, 30000, cfg.StepTimeoutMs)
	assert.False(t, cfg.AuthDisabled)
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
listenAddr: ":9090"
baseDir: /srv/codespaces
shell: /usr/sbin/nologin
stepTimeoutMs: 5000
authDisabled: true
`)

	cfg, err := LoadWithOverrides(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "/srv/codespaces", cfg.BaseDir)
	assert.Equal(t, "/usr/sbin/nologin", cfg.Shell)
	assert.Equal(t, 5000, cfg.StepTimeoutMs)
	assert.True(t, cfg.AuthDisabled)
}

func TestLoad_FlagOverridesWin(t *testing.T) {
	path := writeConfig(t, "listenAddr: \":9090\"\n")

	cfg, err := LoadWithOverrides(path, map[string]interface{}{
		"listenAddr": ":7070",
		"baseDir":    "", // empty values must not override
	})
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, "/home/codespace", cfg.BaseDir)
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"relative base dir", "baseDir: home/codespace\n", "baseDir must be an absolute path"},
		{"relative shell", "shell: bash\n", "shell must be an absolute path"},
		{"negative timeout", "stepTimeoutMs: -1\n", "stepTimeoutMs must be non-negative"},
		{"auth without key path", "keyPath: \"\"\n", "keyPath is required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadWithOverrides(writeConfig(t, tc.content), nil)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}
