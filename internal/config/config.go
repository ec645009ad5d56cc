package config

import (
	"errors"
	"io/fs"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Checkpoint backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// knownSources get env-bindable defaults so CRAWL_SOURCES_<NAME>_<KEY>
// overrides work without a config file.
var knownSources = []string{"daad", "studyinnl", "universitystudy"}

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig             `yaml:"store" mapstructure:"store"`
	Crawl    CrawlConfig             `yaml:"crawl" mapstructure:"crawl"`
	Sources  map[string]SourceConfig `yaml:"sources" mapstructure:"sources"`
	Schedule ScheduleConfig          `yaml:"schedule" mapstructure:"schedule"`
	Monitor  MonitoringConfig        `yaml:"monitoring" mapstructure:"monitoring"`
	Log      LogConfig               `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres target.
type StoreConfig struct {
	DatabaseURL      string `yaml:"database_url" mapstructure:"database_url"`
	PostgresUser     string `yaml:"postgres_user" mapstructure:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password" mapstructure:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db" mapstructure:"postgres_db"`
	PostgresHost     string `yaml:"postgres_host" mapstructure:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port" mapstructure:"postgres_port"`
	Schema           string `yaml:"schema" mapstructure:"schema"`
	ParentTable      string `yaml:"parent_table" mapstructure:"parent_table"`
	ChildTable       string `yaml:"child_table" mapstructure:"child_table"`
	MaxConns         int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns         int32  `yaml:"min_conns" mapstructure:"min_conns"`
	WaitTimeoutSecs  int    `yaml:"wait_timeout_secs" mapstructure:"wait_timeout_secs"`
	ParentMinScore   int    `yaml:"parent_min_score" mapstructure:"parent_min_score"`
	ChildMinScore    int    `yaml:"child_min_score" mapstructure:"child_min_score"`
}

// CrawlConfig configures the ingestion runs.
type CrawlConfig struct {
	BatchSize            int           `yaml:"batch_size" mapstructure:"batch_size"`
	StateDir             string        `yaml:"state_dir" mapstructure:"state_dir"`
	MaxConcurrentSources int           `yaml:"max_concurrent_sources" mapstructure:"max_concurrent_sources"`
	CheckpointBackend    string        `yaml:"checkpoint_backend" mapstructure:"checkpoint_backend"`
	UserAgent            string        `yaml:"user_agent" mapstructure:"user_agent"`
	Retry                RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Breaker              BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// RetryConfig configures fetch retries.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// BreakerConfig configures the per-source circuit breaker. A zero
// failure threshold disables it.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// SourceConfig holds the per-source overrides. Zero values keep the
// source's built-in defaults.
type SourceConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Lang        string  `yaml:"lang" mapstructure:"lang"`
	RPS         float64 `yaml:"rps" mapstructure:"rps"`
	PageSize    int     `yaml:"page_size" mapstructure:"page_size"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxItems    int     `yaml:"max_items" mapstructure:"max_items"`
	MaxPages    int     `yaml:"max_pages" mapstructure:"max_pages"`
}

// ScheduleConfig configures the cron-driven schedule command.
type ScheduleConfig struct {
	Cron    string   `yaml:"cron" mapstructure:"cron"`
	Sources []string `yaml:"sources" mapstructure:"sources"`
	Resume  bool     `yaml:"resume" mapstructure:"resume"`
}

// MonitoringConfig configures post-run health alerts. An empty webhook
// URL disables delivery.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinItems             int     `yaml:"min_items" mapstructure:"min_items"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and CRAWL_* environment
// variables, later sources winning.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.postgres_user", "")
	v.SetDefault("store.postgres_password", "")
	v.SetDefault("store.postgres_db", "")
	v.SetDefault("store.postgres_host", "database")
	v.SetDefault("store.postgres_port", 5432)
	v.SetDefault("store.schema", "public")
	v.SetDefault("store.parent_table", "universities")
	v.SetDefault("store.child_table", "courses")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.wait_timeout_secs", 120)
	v.SetDefault("store.parent_min_score", 90)
	v.SetDefault("store.child_min_score", 92)
	v.SetDefault("crawl.batch_size", 50)
	v.SetDefault("crawl.state_dir", "/state")
	v.SetDefault("crawl.max_concurrent_sources", 2)
	v.SetDefault("crawl.checkpoint_backend", BackendFile)
	v.SetDefault("crawl.user_agent", "ghadam-crawler/2.0 (+https://github.com/ghadam-app; respectful-crawler)")
	v.SetDefault("crawl.retry.max_attempts", 8)
	v.SetDefault("crawl.retry.initial_backoff_ms", 1000)
	v.SetDefault("crawl.retry.max_backoff_ms", 20000)
	v.SetDefault("crawl.breaker.failure_threshold", 10)
	v.SetDefault("crawl.breaker.reset_timeout_secs", 60)
	for _, name := range knownSources {
		for _, key := range []string{"base_url", "lang"} {
			v.SetDefault("sources."+name+"."+key, "")
		}
		for _, key := range []string{"rps", "page_size", "timeout_secs", "max_items", "max_pages"} {
			v.SetDefault("sources."+name+"."+key, 0)
		}
	}
	v.SetDefault("schedule.cron", "0 3 * * *")
	v.SetDefault("schedule.sources", knownSources)
	v.SetDefault("schedule.resume", true)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.min_items", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings no run could work with.
func (c *Config) Validate() error {
	switch c.Crawl.CheckpointBackend {
	case BackendFile, BackendSQLite:
	default:
		return eris.Errorf("config: unknown checkpoint backend %q", c.Crawl.CheckpointBackend)
	}
	if c.Crawl.BatchSize < 1 {
		return eris.Errorf("config: batch_size must be positive, got %d", c.Crawl.BatchSize)
	}
	if c.Crawl.MaxConcurrentSources < 1 {
		return eris.Errorf("config: max_concurrent_sources must be positive, got %d", c.Crawl.MaxConcurrentSources)
	}
	if t := c.Monitor.FailureRateThreshold; t < 0 || t > 1 {
		return eris.Errorf("config: failure_rate_threshold must be within 0..1, got %g", t)
	}
	for name, score := range map[string]int{
		"parent_min_score": c.Store.ParentMinScore,
		"child_min_score":  c.Store.ChildMinScore,
	} {
		if score < 0 || score > 100 {
			return eris.Errorf("config: %s must be within 0..100, got %d", name, score)
		}
	}
	return nil
}

// EffectiveDatabaseURL returns store.database_url, or a DSN assembled from
// the postgres_* settings when it is unset.
func (c *Config) EffectiveDatabaseURL() (string, error) {
	s := c.Store
	if s.DatabaseURL != "" {
		return s.DatabaseURL, nil
	}
	if s.PostgresUser == "" || s.PostgresDB == "" {
		return "", eris.New("config: set store.database_url or store.postgres_user and store.postgres_db")
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(s.PostgresUser, s.PostgresPassword),
		Host:   net.JoinHostPort(s.PostgresHost, strconv.Itoa(s.PostgresPort)),
		Path:   "/" + s.PostgresDB,
	}
	return u.String(), nil
}

// FailureLogPath is the JSONL file failed items of source are appended to.
func (c *Config) FailureLogPath(source string) string {
	return filepath.Join(c.Crawl.StateDir, source+"_failed_items.jsonl")
}

// CheckpointPath is the JSON checkpoint file of source.
func (c *Config) CheckpointPath(source string) string {
	return filepath.Join(c.Crawl.StateDir, source+"_checkpoint.json")
}

// CheckpointDBPath is the SQLite database shared by every source when the
// sqlite backend is selected.
func (c *Config) CheckpointDBPath() string {
	return filepath.Join(c.Crawl.StateDir, "checkpoints.db")
}

// Source returns the overrides for name, zero when none are configured.
func (c *Config) Source(name string) SourceConfig {
	return c.Sources[name]
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
