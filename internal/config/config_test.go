package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithLegacyEnv(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/settle")
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/settle", cfg.Database.URL)
	assert.Equal(t, "9090", cfg.HTTP.Port)
	assert.Equal(t, 500, cfg.Settlement.PageSize)
	assert.Equal(t, 200*time.Millisecond, cfg.Settlement.PageDelay)
	assert.Equal(t, "settlement:batch", cfg.Settlement.LockKey)
}

func TestLoadFileAndPrefixedEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: memory
settlement:
  page_size: 25
  concurrency: 1
`), 0o600))
	t.Setenv("SETTLEOPS_SETTLEMENT_CONCURRENCY", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 25, cfg.Settlement.PageSize)
	assert.Equal(t, 8, cfg.Settlement.Concurrency)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	_, err := Load("")
	assert.Error(t, err)
}
