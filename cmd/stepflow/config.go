package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	cli "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/email"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/telemetry"
)

// Config holds all server settings.
// Priority: flags > STEPFLOW_* env > YAML file > defaults.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	StreamAddr string `yaml:"stream_addr"`
	AccessLog  bool   `yaml:"access_log"`

	Store StoreConfig `yaml:"store"`
	Redis RedisConfig `yaml:"redis"`
	Bus   BusConfig   `yaml:"bus"`

	PoolSize    int              `yaml:"pool_size"`
	StepTimeout time.Duration    `yaml:"step_timeout"`
	FailFast    bool             `yaml:"fail_fast"`
	Backoff     BackoffConfig    `yaml:"backoff"`
	Dispatch    scheduler.Config `yaml:"dispatch"`

	SMTP      email.SMTPConfig  `yaml:"smtp"`
	EmailMode actions.EmailMode `yaml:"email_mode"`

	Tracing telemetry.Config `yaml:"tracing"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StoreConfig selects the persistence driver.
type StoreConfig struct {
	Driver string `yaml:"driver"` // libsql or postgres
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables the definition cache and the shared execution lock.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BusConfig selects the transport that carries stream events between processes.
type BusConfig struct {
	Driver  string   `yaml:"driver"` // gochannel or kafka
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// BackoffConfig is the retry delay policy.
type BackoffConfig struct {
	Strategy string        `yaml:"strategy"`
	Base     time.Duration `yaml:"base"`
	Max      time.Duration `yaml:"max"`
	Floor    time.Duration `yaml:"floor"`
}

func defaultConfig() Config {
	backoff := engine.DefaultBackoffPolicy()
	return Config{
		ListenAddr:  ":8080",
		StreamAddr:  ":8081",
		Store:       StoreConfig{Driver: "libsql", DSN: "file:stepflow.db"},
		Bus:         BusConfig{Driver: "gochannel"},
		PoolSize:    10,
		StepTimeout: 30 * time.Second,
		FailFast:    true,
		Backoff: BackoffConfig{
			Strategy: backoff.Strategy,
			Base:     backoff.Base,
			Max:      backoff.Max,
			Floor:    backoff.Floor,
		},
		Dispatch:  scheduler.DefaultConfig(),
		EmailMode: actions.EmailAsync,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// loadConfig layers the YAML file at path (if any) and the flags and
// environment variables set on cmd over the defaults.
func loadConfig(path string, cmd *cli.Command) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if cmd != nil {
		applyFlags(&cfg, cmd)
	}
	if cfg.Dispatch.Lease < 2*cfg.StepTimeout {
		cfg.Dispatch.Lease = 2 * cfg.StepTimeout
	}
	return cfg, cfg.validate()
}

func applyFlags(cfg *Config, cmd *cli.Command) {
	str := func(name string, dst *string) {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if cmd.IsSet(name) {
			*dst = cmd.Duration(name)
		}
	}
	str("listen", &cfg.ListenAddr)
	str("stream-listen", &cfg.StreamAddr)
	str("store-driver", &cfg.Store.Driver)
	str("store-dsn", &cfg.Store.DSN)
	str("redis-addr", &cfg.Redis.Addr)
	str("bus", &cfg.Bus.Driver)
	str("smtp-host", &cfg.SMTP.Host)
	str("smtp-username", &cfg.SMTP.Username)
	str("smtp-password", &cfg.SMTP.Password)
	str("smtp-from", &cfg.SMTP.From)
	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)
	str("otlp-endpoint", &cfg.Tracing.Endpoint)
	dur("step-timeout", &cfg.StepTimeout)
	dur("dispatch-interval", &cfg.Dispatch.Interval)
	dur("retention", &cfg.Dispatch.Retention)
	if cmd.IsSet("kafka-brokers") {
		cfg.Bus.Brokers = cmd.StringSlice("kafka-brokers")
	}
	if cmd.IsSet("pool-size") {
		cfg.PoolSize = int(cmd.Int("pool-size"))
	}
	if cmd.IsSet("smtp-port") {
		cfg.SMTP.Port = int(cmd.Int("smtp-port"))
	}
	if cmd.IsSet("dispatch-rate") {
		cfg.Dispatch.Rate = cmd.Float("dispatch-rate")
	}
	if cmd.IsSet("fail-fast") {
		cfg.FailFast = cmd.Bool("fail-fast")
	}
	if cmd.IsSet("email-mode") {
		cfg.EmailMode = actions.EmailMode(cmd.String("email-mode"))
	}
	if cmd.IsSet("tracing") {
		cfg.Tracing.Enabled = cmd.Bool("tracing")
	}
	if cmd.IsSet("access-log") {
		cfg.AccessLog = cmd.Bool("access-log")
	}
}

func (c Config) validate() error {
	switch c.Store.Driver {
	case "libsql", "postgres":
	default:
		return fmt.Errorf("store driver %q: want libsql or postgres", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store dsn is required")
	}
	switch c.Bus.Driver {
	case "gochannel":
	case "kafka":
		if len(c.Bus.Brokers) == 0 {
			return fmt.Errorf("kafka bus needs at least one broker")
		}
	default:
		return fmt.Errorf("bus driver %q: want gochannel or kafka", c.Bus.Driver)
	}
	switch c.EmailMode {
	case actions.EmailAsync, actions.EmailSync:
	default:
		return fmt.Errorf("email mode %q: want async or sync", c.EmailMode)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive")
	}
	return c.backoff().Validate()
}

func (c Config) backoff() engine.BackoffPolicy {
	return engine.BackoffPolicy{
		Strategy: strings.ToLower(c.Backoff.Strategy),
		Base:     c.Backoff.Base,
		Max:      c.Backoff.Max,
		Floor:    c.Backoff.Floor,
	}
}

// maxStepTimeout bounds per-step timeouts so a running attempt finishes
// well inside its job lease.
func (c Config) maxStepTimeout() time.Duration {
	return c.Dispatch.Lease / 2
}

func (c Config) engineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.StepTimeout = c.StepTimeout
	cfg.MaxStepTimeout = c.maxStepTimeout()
	cfg.FailFast = c.FailFast
	cfg.Backoff = c.backoff()
	return cfg
}
