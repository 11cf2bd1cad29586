package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/varmetrics/varmetrics/internal/assignment"
	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/formula"
	"github.com/varmetrics/varmetrics/internal/materialize"
	"github.com/varmetrics/varmetrics/internal/warehouse"
)

const DefaultPath = "varmetrics.yaml"

// Config holds all configuration for varmetrics
type Config struct {
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Sources   SourcesConfig   `yaml:"sources"`
	Metadata  MetadataConfig  `yaml:"metadata"`
	Redis     RedisConfig     `yaml:"redis"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Export    ExportConfig    `yaml:"export"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Jobs      JobsConfig      `yaml:"jobs"`
}

type WarehouseConfig struct {
	Dialect                 string `yaml:"dialect"`
	DSN                     string `yaml:"dsn"`
	MaxOpenConns            int    `yaml:"max_open_conns"`
	MaxIdleConns            int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds  int    `yaml:"conn_max_lifetime_seconds"`
	StatementTimeoutSeconds int    `yaml:"statement_timeout_seconds"`
}

func (c WarehouseConfig) Options() warehouse.Options {
	return warehouse.Options{
		Dialect:          c.Dialect,
		DSN:              c.DSN,
		MaxOpenConns:     c.MaxOpenConns,
		MaxIdleConns:     c.MaxIdleConns,
		ConnMaxLifetime:  time.Duration(c.ConnMaxLifetimeSeconds) * time.Second,
		StatementTimeout: time.Duration(c.StatementTimeoutSeconds) * time.Second,
	}
}

// SourcesConfig names the upstream tables. Empty entries keep the production default.
type SourcesConfig struct {
	Assignment       string `yaml:"assignment"`
	AssignedAt       string `yaml:"assigned_at_column"`
	FirstVisit       string `yaml:"first_visit"`
	Geo              string `yaml:"geo"`
	Sessions         string `yaml:"sessions"`
	Subscribe        string `yaml:"subscribe"`
	CurrencyPurchase string `yaml:"currency_purchase"`
	AllPurchase      string `yaml:"all_purchase"`
	AdsImpression    string `yaml:"ads_impression"`
	ChatSend         string `yaml:"chat_send"`
	BotFollow        string `yaml:"bot_follow"`
	MethodColumn     string `yaml:"method_column"`
}

func (s SourcesConfig) Tables() formula.Tables {
	t := formula.DefaultTables()
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&t.Assignment.Name, s.Assignment)
	set(&t.Assignment.AssignedAt, s.AssignedAt)
	set(&t.FirstVisit, s.FirstVisit)
	set(&t.Geo, s.Geo)
	set(&t.Sessions, s.Sessions)
	set(&t.Subscribe, s.Subscribe)
	set(&t.CurrencyPurchase, s.CurrencyPurchase)
	set(&t.AllPurchase, s.AllPurchase)
	set(&t.AdsImpression, s.AdsImpression)
	set(&t.ChatSend, s.ChatSend)
	set(&t.BotFollow, s.BotFollow)
	set(&t.MethodColumn, s.MethodColumn)
	return t
}

type MetadataConfig struct {
	// Source is "growthbook" or "file"
	Source          string `yaml:"source"`
	GrowthBookURL   string `yaml:"growthbook_url"`
	APIKey          string `yaml:"api_key"`
	File            string `yaml:"file"`
	MaxRetries      int    `yaml:"max_retries"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

func (c MetadataConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

type RedisConfig struct {
	Addr           string `yaml:"addr"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

func (c RedisConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

type ExecutorConfig struct {
	Workers int `yaml:"workers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

type ExportConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

type ScheduleConfig struct {
	Cron   string   `yaml:"cron"`
	Tags   []string `yaml:"tags"`
	Listen string   `yaml:"listen"`
}

type JobsConfig struct {
	Suite     string                 `yaml:"suite"`
	Enabled   []string               `yaml:"enabled"`
	Prepare   string                 `yaml:"prepare"`
	Overrides map[string]JobOverride `yaml:"overrides"`
}

type JobOverride struct {
	Trimming      string `yaml:"trimming"`
	Scope         string `yaml:"scope"`
	Ordering      string `yaml:"ordering"`
	AdAttribution string `yaml:"ad_attribution"`
	Prepare       string `yaml:"prepare"`
}

// FormulaOverrides converts the per-metric overrides for the formula registry.
func (j JobsConfig) FormulaOverrides() map[string]formula.Override {
	out := make(map[string]formula.Override, len(j.Overrides))
	for name, o := range j.Overrides {
		out[name] = formula.Override{
			Trimming:      o.Trimming,
			Scope:         o.Scope,
			Ordering:      o.Ordering,
			AdAttribution: o.AdAttribution,
		}
	}
	return out
}

// PrepareMode returns the prepare mode for metric.
func (j JobsConfig) PrepareMode(metric string) materialize.Mode {
	if o, ok := j.Overrides[metric]; ok && o.Prepare != "" {
		return materialize.Mode(o.Prepare)
	}
	return materialize.Mode(j.Prepare)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Warehouse.Dialect == "" {
		c.Warehouse.Dialect = "starrocks"
	}
	if c.Warehouse.MaxOpenConns == 0 {
		c.Warehouse.MaxOpenConns = 8
	}
	if c.Warehouse.MaxIdleConns == 0 {
		c.Warehouse.MaxIdleConns = 4
	}
	if c.Warehouse.ConnMaxLifetimeSeconds == 0 {
		c.Warehouse.ConnMaxLifetimeSeconds = 300
	}
	if c.Warehouse.StatementTimeoutSeconds == 0 {
		c.Warehouse.StatementTimeoutSeconds = int(warehouse.DefaultStatementTimeout / time.Second)
	}
	if c.Metadata.Source == "" {
		c.Metadata.Source = "growthbook"
	}
	if c.Metadata.MaxRetries == 0 {
		c.Metadata.MaxRetries = 3
	}
	if c.Metadata.CacheTTLSeconds == 0 {
		c.Metadata.CacheTTLSeconds = 600
	}
	if c.Redis.LockTTLSeconds == 0 {
		c.Redis.LockTTLSeconds = 3600
	}
	if c.Executor.Workers == 0 {
		c.Executor.Workers = 4
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = "varmetrics"
	}
	if c.Schedule.Listen == "" {
		c.Schedule.Listen = ":8080"
	}
	if c.Jobs.Suite == "" {
		c.Jobs.Suite = formula.SuiteAll
	}
	if c.Jobs.Prepare == "" {
		c.Jobs.Prepare = string(materialize.DropRecreate)
	}
}

// Parse reads YAML, expanding ${VAR} references first so secrets can stay in
// the environment.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Load reads the config file at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// LoadFromEnv loads .env when present, then the config file, then applies
// VARMETRICS_* overrides.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("VARMETRICS_WAREHOUSE_DIALECT"); v != "" {
		c.Warehouse.Dialect = v
	}
	if v := os.Getenv("VARMETRICS_WAREHOUSE_DSN"); v != "" {
		c.Warehouse.DSN = v
	}
	if v := os.Getenv("VARMETRICS_METADATA_SOURCE"); v != "" {
		c.Metadata.Source = v
	}
	if v := os.Getenv("VARMETRICS_METADATA_FILE"); v != "" {
		c.Metadata.File = v
	}
	if v := os.Getenv("VARMETRICS_GROWTHBOOK_URL"); v != "" {
		c.Metadata.GrowthBookURL = v
	}
	if v := os.Getenv("VARMETRICS_GROWTHBOOK_API_KEY"); v != "" {
		c.Metadata.APIKey = v
	}
	if v := os.Getenv("VARMETRICS_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("VARMETRICS_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("VARMETRICS_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("VARMETRICS_PUSHGATEWAY_URL"); v != "" {
		c.Metrics.PushgatewayURL = v
	}
	if v := os.Getenv("VARMETRICS_EXPORT_BUCKET"); v != "" {
		c.Export.Bucket = v
	}
	if v := os.Getenv("VARMETRICS_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid VARMETRICS_WORKERS %q: %w", v, err)
		}
		c.Executor.Workers = n
	}
	return nil
}

// Validate checks the settings every command depends on. Warehouse DSN and
// metadata credentials are checked by the commands that need them.
func (c *Config) Validate() error {
	if _, err := warehouse.LookupDialect(c.Warehouse.Dialect); err != nil {
		return err
	}
	if c.Warehouse.MaxOpenConns < 0 || c.Warehouse.MaxIdleConns < 0 {
		return fmt.Errorf("warehouse pool sizes must not be negative")
	}
	if c.Warehouse.StatementTimeoutSeconds < 0 {
		return fmt.Errorf("statement timeout must not be negative")
	}
	if c.Executor.Workers < 1 {
		return fmt.Errorf("executor workers must be at least 1, got %d", c.Executor.Workers)
	}

	switch c.Metadata.Source {
	case "growthbook", "file":
	default:
		return fmt.Errorf("unknown metadata source %q (supported: growthbook, file)", c.Metadata.Source)
	}

	for _, name := range []string{
		c.Sources.Assignment, c.Sources.AssignedAt, c.Sources.FirstVisit, c.Sources.Geo,
		c.Sources.Sessions, c.Sources.Subscribe, c.Sources.CurrencyPurchase, c.Sources.AllPurchase,
		c.Sources.AdsImpression, c.Sources.ChatSend, c.Sources.BotFollow, c.Sources.MethodColumn,
	} {
		if name == "" {
			continue
		}
		if err := warehouse.ValidateIdent(name); err != nil {
			return fmt.Errorf("sources: %w", err)
		}
	}

	if _, err := materialize.ParseMode(c.Jobs.Prepare); err != nil {
		return err
	}
	for name, o := range c.Jobs.Overrides {
		if o.Prepare != "" {
			if _, err := materialize.ParseMode(o.Prepare); err != nil {
				return fmt.Errorf("jobs.overrides.%s: %w", name, err)
			}
		}
		if o.Scope != "" {
			if err := (assignment.Policy{Scope: assignment.Scope(o.Scope), Ordering: assignment.LatestEventDate}).Validate(); err != nil {
				return fmt.Errorf("jobs.overrides.%s: %w", name, err)
			}
		}
	}

	reg, err := formula.NewRegistry(c.Jobs.FormulaOverrides())
	if err != nil {
		return fmt.Errorf("jobs: %w", err)
	}
	if _, err := reg.Select(c.Jobs.Suite, c.Jobs.Enabled); err != nil {
		return fmt.Errorf("jobs: %w", err)
	}

	for _, tag := range c.Schedule.Tags {
		if err := experiment.ValidateTag(tag); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}
	return nil
}
