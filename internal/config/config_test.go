package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Store.MaxOpenConns)
	assert.Equal(t, 90*time.Second, cfg.Consult.Timeout)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Store.Path, cfg.Store.Path)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	content := `
store:
  path: ${LOOM_TEST_DB_PATH}
  busy_timeout: 5s
  max_open_conns: 1
exec_pool:
  per_scope_cap: 4
  global_cap: 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("LOOM_TEST_DB_PATH", "/tmp/custom.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", cfg.Store.Path)
	assert.Equal(t, 4, cfg.ExecPool.PerScopeCap)
	assert.Equal(t, 8, cfg.ExecPool.GlobalCap)
	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Research.MaxRounds, cfg.Research.MaxRounds)
}

func TestValidateRejectsBadExecPoolCaps(t *testing.T) {
	cfg := Default()
	cfg.ExecPool.PerScopeCap = 20
	cfg.ExecPool.GlobalCap = 8
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestApprovalSecretMissingIsError(t *testing.T) {
	cfg := Default()
	_, err := cfg.ApprovalSecret(func(string) (string, bool) { return "", false })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}

func TestApprovalSecretResolved(t *testing.T) {
	cfg := Default()
	secret, err := cfg.ApprovalSecret(func(k string) (string, bool) {
		if k == cfg.Approval.SecretEnv {
			return "shh", true
		}
		return "", false
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("shh"), secret)
}
