// Package config loads importer settings from defaults, an optional TOML file,
// an optional .env file and IMPORTER_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/Sternrassler/scm-target-importer/pkg/client"
	"github.com/Sternrassler/scm-target-importer/pkg/importer"
	"github.com/Sternrassler/scm-target-importer/pkg/journal"
	"github.com/Sternrassler/scm-target-importer/pkg/ratelimit"
)

// Duration wraps time.Duration so TOML files can use "90s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds all importer settings.
type Config struct {
	APIURL    string `toml:"api_url"`
	Token     string `toml:"token"`
	UserAgent string `toml:"user_agent"`

	Concurrency    int      `toml:"concurrency"`
	BatchSize      int      `toml:"batch_size"`
	RateLimitSleep Duration `toml:"rate_limit_sleep"`
	PollInterval   Duration `toml:"poll_interval"`
	// zero means batches are polled until every job is terminal
	BatchTimeout Duration `toml:"batch_timeout"`
	// zero leaves each submission bounded only by the executor's retries
	SubmitTimeout Duration `toml:"submit_timeout"`

	MaxInFlight         int      `toml:"max_in_flight"`
	MinDispatchInterval Duration `toml:"min_dispatch_interval"`

	JournalDir     string `toml:"journal_dir"`
	JournalBackend string `toml:"journal_backend"`
	RedisAddr      string `toml:"redis_addr"`

	LogLevel  string `toml:"log_level"`
	LogPretty bool   `toml:"log_pretty"`

	// MetricsAddr enables a /metrics listener while a run is active.
	MetricsAddr string `toml:"metrics_addr"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		UserAgent:           client.DefaultConfig("").UserAgent,
		Concurrency:         importer.DefaultConcurrency,
		BatchSize:           importer.DefaultBatchSize,
		RateLimitSleep:      Duration{client.DefaultRateLimitSleep},
		PollInterval:        Duration{importer.DefaultPollInterval},
		MaxInFlight:         ratelimit.DefaultMaxInFlight,
		MinDispatchInterval: Duration{ratelimit.DefaultMinInterval},
		JournalBackend:      journal.BackendFile,
		LogLevel:            "info",
	}
}

// Load builds a Config. An empty path skips that source; a named file that
// cannot be read is an error.
func Load(configFile, envFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if _, err := toml.DecodeFile(configFile, &cfg); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file %s not found", configFile)
			}
			return nil, fmt.Errorf("parse config file %s: %w", configFile, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("env file %s not found", envFile)
			}
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.APIURL = getEnv("IMPORTER_API_URL", c.APIURL)
	c.Token = getEnv("IMPORTER_TOKEN", c.Token)
	c.UserAgent = getEnv("IMPORTER_USER_AGENT", c.UserAgent)
	c.JournalDir = getEnv("IMPORTER_JOURNAL_DIR", c.JournalDir)
	c.JournalBackend = getEnv("IMPORTER_JOURNAL_BACKEND", c.JournalBackend)
	c.RedisAddr = getEnv("IMPORTER_REDIS_ADDR", c.RedisAddr)
	c.LogLevel = getEnv("IMPORTER_LOG_LEVEL", c.LogLevel)
	c.MetricsAddr = getEnv("IMPORTER_METRICS_ADDR", c.MetricsAddr)

	var errs []error
	var err error
	if c.Concurrency, err = getEnvAsInt("IMPORTER_CONCURRENCY", c.Concurrency); err != nil {
		errs = append(errs, err)
	}
	if c.BatchSize, err = getEnvAsInt("IMPORTER_BATCH_SIZE", c.BatchSize); err != nil {
		errs = append(errs, err)
	}
	if c.MaxInFlight, err = getEnvAsInt("IMPORTER_MAX_IN_FLIGHT", c.MaxInFlight); err != nil {
		errs = append(errs, err)
	}
	if c.LogPretty, err = getEnvAsBool("IMPORTER_LOG_PRETTY", c.LogPretty); err != nil {
		errs = append(errs, err)
	}

	sleepMs, err := getEnvAsInt("IMPORTER_RATE_LIMIT_SLEEP_MS", int(c.RateLimitSleep.Milliseconds()))
	if err != nil {
		errs = append(errs, err)
	} else {
		c.RateLimitSleep.Duration = time.Duration(sleepMs) * time.Millisecond
	}

	if c.PollInterval.Duration, err = getEnvAsDuration("IMPORTER_POLL_INTERVAL", c.PollInterval.Duration); err != nil {
		errs = append(errs, err)
	}
	if c.BatchTimeout.Duration, err = getEnvAsDuration("IMPORTER_BATCH_TIMEOUT", c.BatchTimeout.Duration); err != nil {
		errs = append(errs, err)
	}
	if c.SubmitTimeout.Duration, err = getEnvAsDuration("IMPORTER_SUBMIT_TIMEOUT", c.SubmitTimeout.Duration); err != nil {
		errs = append(errs, err)
	}
	if c.MinDispatchInterval.Duration, err = getEnvAsDuration("IMPORTER_MIN_DISPATCH_INTERVAL", c.MinDispatchInterval.Duration); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Token) == "" {
		errs = append(errs, errors.New("api token is required (IMPORTER_TOKEN)"))
	}
	if strings.TrimSpace(c.APIURL) == "" {
		errs = append(errs, errors.New("api url is required (IMPORTER_API_URL)"))
	} else if _, err := client.EncodeURL(c.APIURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid api url: %w", err))
	}
	if strings.TrimSpace(c.JournalDir) == "" {
		errs = append(errs, errors.New("journal directory is required (IMPORTER_JOURNAL_DIR)"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 1 (got %d)", c.Concurrency))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be >= 1 (got %d)", c.BatchSize))
	}
	if c.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("max in flight must be >= 1 (got %d)", c.MaxInFlight))
	}
	switch c.JournalBackend {
	case journal.BackendFile:
	case journal.BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis journal backend requires a redis address (IMPORTER_REDIS_ADDR)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown journal backend %q", c.JournalBackend))
	}
	return errors.Join(errs...)
}

// ClientConfig returns the executor configuration.
func (c *Config) ClientConfig() client.Config {
	cc := client.DefaultConfig(c.Token)
	if c.UserAgent != "" {
		cc.UserAgent = c.UserAgent
	}
	cc.RateLimitSleep = c.RateLimitSleep.Duration
	return cc
}

// GateConfig returns the admission gate configuration.
func (c *Config) GateConfig() ratelimit.Config {
	gc := ratelimit.DefaultConfig()
	gc.MaxInFlight = c.MaxInFlight
	gc.MinInterval = c.MinDispatchInterval.Duration
	return gc
}

// OrchestratorConfig returns the batch orchestrator configuration.
func (c *Config) OrchestratorConfig() importer.Config {
	return importer.Config{
		BatchSize:     c.BatchSize,
		Concurrency:   c.Concurrency,
		BatchTimeout:  c.BatchTimeout.Duration,
		SubmitTimeout: c.SubmitTimeout.Duration,
	}
}

// JournalOptions returns the options for journal.Open.
func (c *Config) JournalOptions() journal.Options {
	return journal.Options{
		Backend:   c.JournalBackend,
		Dir:       c.JournalDir,
		RedisAddr: c.RedisAddr,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid integer %q", key, valueStr)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid boolean %q", key, valueStr)
	}
	return value, nil
}

// getEnvAsDuration accepts Go durations ("5s") or plain milliseconds.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid duration %q", key, valueStr)
	}
	return value, nil
}
