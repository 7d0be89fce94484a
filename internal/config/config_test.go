package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/hotlog/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 48*time.Hour, cfg.Cache.Retention)
	assert.Equal(t, []string{"*.log", "*.txt"}, cfg.Watch.Patterns)
	assert.Equal(t, "**********", cfg.Watch.Marker)
	assert.Equal(t, 50, cfg.Query.DefaultPageSize)
	assert.Equal(t, 500, cfg.Query.MaxPageSize)
	assert.Equal(t, 5*time.Millisecond, cfg.Cache.EnqueueWait)
	assert.Equal(t, "log_entries", cfg.Cold.Table)
	assert.Equal(t, ":8088", cfg.Server.Addr)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hotlog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
watch:
  base_path: /srv/logs
cache:
  retention: 2h
  shards: 4
`), 0o644))

	t.Setenv("HOTLOG_CACHE_SHARDS", "8")
	t.Setenv("HOTLOG_QUERY_COLD_TIMEOUT", "750ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/logs", cfg.Watch.BasePath)
	assert.Equal(t, 2*time.Hour, cfg.Cache.Retention)
	assert.Equal(t, 8, cfg.Cache.Shards)
	assert.Equal(t, 750*time.Millisecond, cfg.Query.ColdTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		cfg.Watch.BasePath = t.TempDir()
		return cfg
	}

	require.NoError(t, valid(t).Validate())

	cases := map[string]func(*Config){
		"missing base path": func(c *Config) { c.Watch.BasePath = "/definitely/not/here" },
		"zero retention":    func(c *Config) { c.Cache.Retention = 0 },
		"zero shards":       func(c *Config) { c.Cache.Shards = 0 },
		"page size bounds":  func(c *Config) { c.Query.DefaultPageSize = 1000 },
		"zero queue":        func(c *Config) { c.Cache.QueueCapacity = 0 },
		"empty marker":      func(c *Config) { c.Watch.Marker = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid(t)
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), model.ErrInvalidConfig)
		})
	}
}
