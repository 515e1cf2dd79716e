package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/sentinel/internal/domain"
	"github.com/sawpanic/sentinel/internal/infrastructure/db"
	"github.com/sawpanic/sentinel/internal/optimizer"
)

// Config is the complete process configuration. It is loaded once at startup
// and treated as read-only afterwards.
type Config struct {
	Reference ReferenceConfig  `yaml:"reference"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Policy    optimizer.Policy `yaml:"policy"`
	Redis     RedisConfig      `yaml:"redis"`
	Database  db.Config        `yaml:"database"`
	Queue     QueueConfig      `yaml:"queue"`
	Workers   WorkersConfig    `yaml:"workers"`
	Dispatch  DispatchConfig   `yaml:"dispatch"`
	Reconcile ReconcileConfig  `yaml:"reconcile"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	HTTP      HTTPConfig       `yaml:"http"`
	Log       LogConfig        `yaml:"log"`
	Weights   WeightsConfig    `yaml:"weights"`
}

// ReferenceConfig holds the material and country enumerations.
type ReferenceConfig struct {
	Materials []domain.Material `yaml:"materials"`
	Countries []domain.Country  `yaml:"countries"`
}

// PipelineConfig tunes inference and simulation.
type PipelineConfig struct {
	HorizonDays       int     `yaml:"horizon_days"`
	Trials            int     `yaml:"trials"`
	Seed              uint64  `yaml:"seed"`
	LeadTimeStdDev    float64 `yaml:"lead_time_std_dev"`
	RegressionLagDays int     `yaml:"regression_lag_days"`
	LogisticsSeries   string  `yaml:"logistics_series"`
	SequenceWindow    int     `yaml:"sequence_window"`
	CrostonAlpha      float64 `yaml:"croston_alpha"`
	ElevatedMargin    float64 `yaml:"elevated_margin_days"`
	InitialInterval   float64 `yaml:"initial_interval_days"`
	HistoryRetention  int     `yaml:"history_retention"`
}

// RedisConfig configures the hot store, state stores and the work queue.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// BackoffConfig represents exponential backoff configuration
type BackoffConfig struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// QueueConfig configures task delivery.
type QueueConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BlockTimeout  time.Duration `yaml:"block_timeout"`
	MarketUpdates string        `yaml:"market_updates"`
	DeadLetter    string        `yaml:"dead_letter"`
	Backoff       BackoffConfig `yaml:"backoff"`
}

// WorkersConfig sizes one pool per category.
type WorkersConfig struct {
	Pools      map[string]int `yaml:"pools"`
	ConsumerID string         `yaml:"consumer_id"`
}

// PoolSize returns the configured pool size for a category.
func (w WorkersConfig) PoolSize(c domain.Category) int {
	return w.Pools[string(c)]
}

// DispatchConfig throttles task publication. RateLimit 0 disables throttling.
type DispatchConfig struct {
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// ReconcileConfig drives the periodic reconciliation pass.
type ReconcileConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Direction     string        `yaml:"direction"`
	Weighted      bool          `yaml:"weighted"`
	Tolerance     float64       `yaml:"tolerance"`
	Interval      time.Duration `yaml:"interval"`
	Window        time.Duration `yaml:"window"`
	ShareLookback time.Duration `yaml:"share_lookback"`
	Materials     []string      `yaml:"materials"`
}

// BreakerConfig configures breakers around external collaborators.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
}

// HTTPConfig configures the monitoring server.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // auto, console, json
}

// WeightsConfig points at model weight files.
type WeightsConfig struct {
	Regression string `yaml:"regression"`
	Sequence   string `yaml:"sequence"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Database: db.DefaultConfig()}
	applyDefaults(cfg)
	return cfg
}

// Load reads configuration from a YAML file (if present), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{Database: db.DefaultConfig()}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if mode := os.Getenv("SENTINEL_POLICY"); mode != "" {
		cfg.Policy.Mode = optimizer.PolicyMode(mode)
	}
	if port := os.Getenv("SENTINEL_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.HTTP.Port = p
		}
	}
	db.ApplyEnvOverrides(&cfg.Database)
}

func applyDefaults(cfg *Config) {
	if len(cfg.Reference.Materials) == 0 && len(cfg.Reference.Countries) == 0 {
		cfg.Reference = DefaultReference()
	}

	p := &cfg.Pipeline
	if p.HorizonDays == 0 {
		p.HorizonDays = 30
	}
	if p.Trials == 0 {
		p.Trials = 1000
	}
	if p.Seed == 0 {
		p.Seed = 42
	}
	if p.LeadTimeStdDev == 0 {
		p.LeadTimeStdDev = 2.0
	}
	if p.RegressionLagDays == 0 {
		p.RegressionLagDays = 30
	}
	if p.LogisticsSeries == "" {
		p.LogisticsSeries = "logistics"
	}
	if p.SequenceWindow == 0 {
		p.SequenceWindow = 60
	}
	if p.CrostonAlpha == 0 {
		p.CrostonAlpha = 0.15
	}
	if p.ElevatedMargin == 0 {
		p.ElevatedMargin = 5
	}
	if p.InitialInterval == 0 {
		p.InitialInterval = 1
	}
	if p.HistoryRetention == 0 {
		p.HistoryRetention = 500
	}

	cfg.Policy = cfg.Policy.WithDefaults()

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "sentinel"
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}

	q := &cfg.Queue
	if q.MaxAttempts == 0 {
		q.MaxAttempts = 5
	}
	if q.BlockTimeout == 0 {
		q.BlockTimeout = 5 * time.Second
	}
	if q.MarketUpdates == "" {
		q.MarketUpdates = "market_updates"
	}
	if q.DeadLetter == "" {
		q.DeadLetter = "tasks:dead"
	}
	if q.Backoff.Base == 0 {
		q.Backoff.Base = 200 * time.Millisecond
	}
	if q.Backoff.Max == 0 {
		q.Backoff.Max = 10 * time.Second
	}

	if cfg.Workers.Pools == nil {
		cfg.Workers.Pools = map[string]int{}
	}
	defaults := map[domain.Category]int{
		domain.CategoryVolatileMetal:         8,
		domain.CategoryOilLinked:             4,
		domain.CategoryIntermittentSpecialty: 1,
	}
	for c, n := range defaults {
		if _, ok := cfg.Workers.Pools[string(c)]; !ok {
			cfg.Workers.Pools[string(c)] = n
		}
	}
	if cfg.Workers.ConsumerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		cfg.Workers.ConsumerID = host
	}

	r := &cfg.Reconcile
	if r.Direction == "" {
		r.Direction = domain.DirectionBottomUp
	}
	if r.Tolerance == 0 {
		r.Tolerance = 1e-6
	}
	if r.Interval == 0 {
		r.Interval = 15 * time.Minute
	}
	if r.Window == 0 {
		r.Window = time.Hour
	}
	if r.ShareLookback == 0 {
		r.ShareLookback = 90 * 24 * time.Hour
	}

	b := &cfg.Breaker
	if b.ConsecutiveFailures == 0 {
		b.ConsecutiveFailures = 3
	}
	if b.Interval == 0 {
		b.Interval = 60 * time.Second
	}
	if b.Timeout == 0 {
		b.Timeout = 30 * time.Second
	}

	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "127.0.0.1"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "auto"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := c.Registry(); err != nil {
		return err
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	if c.Pipeline.CrostonAlpha <= 0 || c.Pipeline.CrostonAlpha >= 1 {
		return fmt.Errorf("croston_alpha must be in (0,1), got %v", c.Pipeline.CrostonAlpha)
	}
	if c.Pipeline.ElevatedMargin < 0 {
		return fmt.Errorf("elevated_margin_days cannot be negative")
	}
	if c.Pipeline.Trials <= 0 {
		return fmt.Errorf("trials must be positive")
	}
	if c.Pipeline.SequenceWindow < 2 {
		return fmt.Errorf("sequence_window must be at least 2")
	}
	if c.Pipeline.RegressionLagDays < 0 {
		return fmt.Errorf("regression_lag_days cannot be negative")
	}
	for name, n := range c.Workers.Pools {
		if _, err := domain.ParseCategory(name); err != nil {
			return fmt.Errorf("invalid worker pool: %w", err)
		}
		if n < 0 {
			return fmt.Errorf("worker pool %s cannot be negative", name)
		}
	}
	switch c.Reconcile.Direction {
	case domain.DirectionBottomUp, domain.DirectionTopDown:
	default:
		return fmt.Errorf("invalid reconcile direction: %s", c.Reconcile.Direction)
	}
	if c.Reconcile.Tolerance < 0 {
		return fmt.Errorf("reconcile tolerance cannot be negative")
	}
	if c.Dispatch.RateLimit < 0 {
		return fmt.Errorf("dispatch rate_limit cannot be negative")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max_attempts must be positive")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("invalid database config: %w", err)
	}
	return nil
}

// Registry builds the immutable reference registry.
func (c *Config) Registry() (*Registry, error) {
	return NewRegistry(c.Reference.Materials, c.Reference.Countries)
}
