package installer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/deviceio/relay/config"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstall_writes_default_config_once(t *testing.T) {
	logger, hook := test.NewNullLogger()
	dir := filepath.Join(t.TempDir(), "relay")

	path, err := Install(&Options{ConfigDir: dir, Logger: logger})

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.yaml"), path)
	assert.True(t, Exists(filepath.Join(dir, "ssl")))
	assert.Equal(t, "default config written", hook.LastEntry().Message)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8975", cfg.Hub.Bind)

	require.NoError(t, os.WriteFile(path, []byte("hub:\n  bind: :1\n"), 0600))

	_, err = Install(&Options{ConfigDir: dir, Logger: logger})

	require.NoError(t, err)
	assert.Equal(t, "config exists, leaving it untouched", hook.LastEntry().Message)

	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":1", cfg.Hub.Bind)
}

func TestCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	require.NoError(t, os.WriteFile(src, []byte("payload"), 0600))
	require.NoError(t, Copy(dst, src))

	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))

	assert.Error(t, Copy(dst, filepath.Join(dir, "missing")))
}

func TestExists(t *testing.T) {
	dir := t.TempDir()

	assert.True(t, Exists(dir))
	assert.False(t, Exists(filepath.Join(dir, "nope")))
}
