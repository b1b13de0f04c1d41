// Package config loads seoflow settings from the environment.
// An optional .env file in the working directory is read first; variables
// already present in the environment win over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "SEOFLOW_"

type Config struct {
	Addr     string
	Debug    bool
	Database DatabaseConfig
	Engine   EngineConfig
	Batch    BatchConfig
	Fetch    FetchConfig
	Alerts   AlertConfig

	RedisURL  string
	NATSURL   string
	LogLevel  string
	LogFormat string
	Location  *time.Location
}

type DatabaseConfig struct {
	Driver string // sqlite or postgres
	DSN    string // file path for sqlite, connection string for postgres
}

type EngineConfig struct {
	TickInterval      time.Duration
	TaskWorkers       int
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	RetentionDays     int
	TaskRetry         RetryConfig
}

type BatchConfig struct {
	HTTPConcurrency    int
	BrowserConcurrency int
	MinRequestDelay    time.Duration
	MaxRequestDelay    time.Duration
	ContentCacheTTL    time.Duration
	KeywordCacheTTL    time.Duration
	FetchRetry         RetryConfig
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64
}

type FetchConfig struct {
	Timeout    time.Duration
	UserAgents []string
	SERPURL    string
}

type AlertConfig struct {
	CheckInterval  time.Duration
	MaxErrorRate   float64 // percent
	MinSuccessRate float64 // percent
	MaxHeapMB      float64 // 0 disables the check
	MaxGoroutines  int     // 0 disables the check
	HistorySize    int
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:     ":8080",
		Database: DatabaseConfig{Driver: "sqlite", DSN: "seoflow.db"},
		Engine: EngineConfig{
			TickInterval:      time.Second,
			TaskWorkers:       8,
			DefaultTimeout:    time.Hour,
			DefaultMaxRetries: 3,
			RetentionDays:     30,
			TaskRetry:         RetryConfig{MaxAttempts: 1, Multiplier: 2, MaxDelay: time.Minute},
		},
		Batch: BatchConfig{
			HTTPConcurrency:    10,
			BrowserConcurrency: 3,
			MinRequestDelay:    time.Second,
			MaxRequestDelay:    3 * time.Second,
			ContentCacheTTL:    24 * time.Hour,
			KeywordCacheTTL:    7 * 24 * time.Hour,
			FetchRetry: RetryConfig{
				MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second, Jitter: 0.5,
			},
		},
		Fetch: FetchConfig{
			Timeout:    15 * time.Second,
			UserAgents: defaultUserAgents,
			SERPURL:    "https://www.google.com/search",
		},
		Alerts: AlertConfig{
			CheckInterval:  30 * time.Second,
			MaxErrorRate:   10,
			MinSuccessRate: 90,
			MaxHeapMB:      1024,
			MaxGoroutines:  10000,
			HistorySize:    2880,
		},
		LogLevel:  "info",
		LogFormat: "console",
		Location:  time.Local,
	}
}

// Load reads .env (when present) and SEOFLOW_* variables on top of Default.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv applies SEOFLOW_* variables on top of Default.
func FromEnv() (Config, error) {
	c := Default()
	var err error
	p := parser{}

	c.Addr = getEnv("ADDR", c.Addr)
	c.Debug = p.boolean("DEBUG", c.Debug)
	c.Database.Driver = strings.ToLower(getEnv("DB_DRIVER", c.Database.Driver))
	c.Database.DSN = getEnv("DB_DSN", c.Database.DSN)

	c.Engine.TickInterval = p.duration("TICK_INTERVAL", c.Engine.TickInterval)
	c.Engine.TaskWorkers = p.integer("TASK_WORKERS", c.Engine.TaskWorkers)
	c.Engine.DefaultTimeout = p.millis("DEFAULT_TASK_TIMEOUT_MS", c.Engine.DefaultTimeout)
	c.Engine.DefaultMaxRetries = p.integer("DEFAULT_MAX_RETRIES", c.Engine.DefaultMaxRetries)
	c.Engine.RetentionDays = p.integer("TASK_RETENTION_DAYS", c.Engine.RetentionDays)
	c.Engine.TaskRetry = p.retry("TASK_RETRY", c.Engine.TaskRetry)

	c.Batch.HTTPConcurrency = p.integer("HTTP_CONCURRENCY", c.Batch.HTTPConcurrency)
	c.Batch.BrowserConcurrency = p.integer("BROWSER_CONCURRENCY", c.Batch.BrowserConcurrency)
	c.Batch.MinRequestDelay = p.millis("MIN_REQUEST_DELAY_MS", c.Batch.MinRequestDelay)
	c.Batch.MaxRequestDelay = p.millis("MAX_REQUEST_DELAY_MS", c.Batch.MaxRequestDelay)
	c.Batch.ContentCacheTTL = p.days("CONTENT_CACHE_TTL_DAYS", c.Batch.ContentCacheTTL)
	c.Batch.KeywordCacheTTL = p.days("KEYWORD_CACHE_TTL_DAYS", c.Batch.KeywordCacheTTL)
	c.Batch.FetchRetry = p.retry("FETCH_RETRY", c.Batch.FetchRetry)

	c.Fetch.Timeout = p.duration("FETCH_TIMEOUT", c.Fetch.Timeout)
	if ua := getEnv("USER_AGENT", ""); ua != "" {
		c.Fetch.UserAgents = []string{ua}
	}
	c.Fetch.SERPURL = getEnv("SERP_URL", c.Fetch.SERPURL)

	c.Alerts.CheckInterval = p.duration("ALERT_CHECK_INTERVAL", c.Alerts.CheckInterval)
	c.Alerts.MaxErrorRate = p.float("ALERT_MAX_ERROR_RATE", c.Alerts.MaxErrorRate)
	c.Alerts.MinSuccessRate = p.float("ALERT_MIN_SUCCESS_RATE", c.Alerts.MinSuccessRate)
	c.Alerts.MaxHeapMB = p.float("ALERT_MAX_HEAP_MB", c.Alerts.MaxHeapMB)
	c.Alerts.MaxGoroutines = p.integer("ALERT_MAX_GOROUTINES", c.Alerts.MaxGoroutines)
	c.Alerts.HistorySize = p.integer("METRICS_HISTORY_SIZE", c.Alerts.HistorySize)

	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	if tz := getEnv("TIMEZONE", ""); tz != "" {
		if c.Location, err = time.LoadLocation(tz); err != nil {
			p.errs = append(p.errs, fmt.Errorf("invalid %sTIMEZONE: %w", envPrefix, err))
		}
	}

	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Engine.TaskWorkers < 1 {
		return fmt.Errorf("task workers must be at least 1")
	}
	if c.Batch.HTTPConcurrency < 1 || c.Batch.BrowserConcurrency < 1 {
		return fmt.Errorf("concurrency caps must be at least 1")
	}
	if c.Batch.MaxRequestDelay < c.Batch.MinRequestDelay {
		return fmt.Errorf("max request delay %s is below min request delay %s",
			c.Batch.MaxRequestDelay, c.Batch.MinRequestDelay)
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	return nil
}

// getEnv returns the prefixed variable or defaultValue when it is unset.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// parser collects every malformed variable so one run reports them all.
type parser struct{ errs []error }

func (p *parser) fail(key string, err error) {
	p.errs = append(p.errs, fmt.Errorf("invalid %s%s: %w", envPrefix, key, err))
}

func (p *parser) integer(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}

func (p *parser) millis(key string, def time.Duration) time.Duration {
	n := p.integer(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func (p *parser) days(key string, def time.Duration) time.Duration {
	n := p.integer(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * 24 * time.Hour
}

func (p *parser) retry(prefix string, def RetryConfig) RetryConfig {
	def.MaxAttempts = p.integer(prefix+"_MAX_ATTEMPTS", def.MaxAttempts)
	def.BaseDelay = p.duration(prefix+"_BASE_DELAY", def.BaseDelay)
	def.Multiplier = p.float(prefix+"_MULTIPLIER", def.Multiplier)
	def.MaxDelay = p.duration(prefix+"_MAX_DELAY", def.MaxDelay)
	def.Jitter = p.float(prefix+"_JITTER", def.Jitter)
	return def
}
