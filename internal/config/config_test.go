package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
	assert.Equal(t, "sqlite", cfg.Cache.Driver)
	assert.Equal(t, 2*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 600*time.Millisecond, cfg.Reveal.Stagger)
	assert.Equal(t, 120, cfg.Reveal.MinChunk)
	assert.Equal(t, int64(4.5*1024*1024), cfg.MaxSnapshotBytes())
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guideflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
cache:
  driver: redis
  redis:
    addr: cache:6379
backend:
  base_url: https://content.internal/api
  timeout: 15s
reveal:
  typewriter: true
`), 0o600))
	t.Setenv("GUIDEFLOW_ADMIN_API_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Cache.Driver)
	assert.Equal(t, "cache:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, "https://content.internal/api", cfg.Backend.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.Backend.Timeout)
	assert.True(t, cfg.Reveal.Typewriter)
	// untouched keys keep their defaults
	assert.Equal(t, "guideflow:snapshot:", cfg.Cache.Redis.Prefix)
	assert.Equal(t, "from-env", cfg.Admin.APIKey)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
