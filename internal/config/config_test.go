package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varmetrics/varmetrics/internal/materialize"
)

const sample = `
warehouse:
  dialect: postgres
  dsn: postgres://report:${TEST_DB_PASSWORD}@db:5432/ab
  statement_timeout_seconds: 45
sources:
  assignment: ab.assignment
  sessions: ab.sessions
metadata:
  source: file
  file: experiments.yaml
executor:
  workers: 6
jobs:
  suite: engagement
  prepare: create-truncate
  overrides:
    continue:
      trimming: none
      prepare: drop-recreate
schedule:
  cron: "0 3 * * *"
  tags: [new_ui, pricing_v2]
`

func TestParse(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "s3cret")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "postgres://report:s3cret@db:5432/ab", cfg.Warehouse.DSN)
	assert.Equal(t, 45*time.Second, cfg.Warehouse.Options().StatementTimeout)
	assert.Equal(t, 8, cfg.Warehouse.MaxOpenConns, "default applied")
	assert.Equal(t, 6, cfg.Executor.Workers)

	tables := cfg.Sources.Tables()
	assert.Equal(t, "ab.assignment", tables.Assignment.Name)
	assert.Equal(t, "ab.sessions", tables.Sessions)
	assert.Equal(t, "timestamp_assigned", tables.Assignment.AssignedAt)
	assert.NotEmpty(t, tables.ChatSend, "unset sources keep defaults")

	assert.Equal(t, materialize.DropRecreate, cfg.Jobs.PrepareMode("continue"))
	assert.Equal(t, materialize.CreateTruncate, cfg.Jobs.PrepareMode("regen"))
	assert.Equal(t, "none", cfg.Jobs.FormulaOverrides()["continue"].Trimming)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "starrocks", cfg.Warehouse.Dialect)
	assert.Equal(t, 4, cfg.Executor.Workers)
	assert.Equal(t, 30, cfg.Warehouse.StatementTimeoutSeconds)
	assert.Equal(t, "all", cfg.Jobs.Suite)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "varmetrics.yaml")
	require.NoError(t, os.WriteFile(path, []byte("warehouse:\n  dialect: mysql\n"), 0644))

	t.Setenv("VARMETRICS_WAREHOUSE_DIALECT", "sqlite")
	t.Setenv("VARMETRICS_WAREHOUSE_DSN", ":memory:")
	t.Setenv("VARMETRICS_WORKERS", "2")
	t.Setenv("VARMETRICS_REDIS_ADDR", "localhost:6379")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Warehouse.Dialect)
	assert.Equal(t, ":memory:", cfg.Warehouse.DSN)
	assert.Equal(t, 2, cfg.Executor.Workers)
	assert.True(t, cfg.Redis.Enabled())

	t.Setenv("VARMETRICS_WORKERS", "many")
	_, err = LoadFromEnv(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown dialect", func(c *Config) { c.Warehouse.Dialect = "oracle" }},
		{"zero workers", func(c *Config) { c.Executor.Workers = 0 }},
		{"metadata source", func(c *Config) { c.Metadata.Source = "consul" }},
		{"bad source table", func(c *Config) { c.Sources.Geo = "geo; DROP TABLE x" }},
		{"prepare mode", func(c *Config) { c.Jobs.Prepare = "append" }},
		{"unknown metric override", func(c *Config) { c.Jobs.Overrides = map[string]JobOverride{"nps": {Trimming: "none"}} }},
		{"bad trimming", func(c *Config) { c.Jobs.Overrides = map[string]JobOverride{"arpu": {Trimming: "sometimes"}} }},
		{"bad scope", func(c *Config) { c.Jobs.Overrides = map[string]JobOverride{"arpu": {Scope: "per-week"}} }},
		{"unknown enabled metric", func(c *Config) { c.Jobs.Enabled = []string{"nps"} }},
		{"unknown suite", func(c *Config) { c.Jobs.Suite = "growth" }},
		{"bad tag", func(c *Config) { c.Schedule.Tags = []string{"new-ui"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
