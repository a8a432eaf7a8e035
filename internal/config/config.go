// Package config resolves relay configuration from the environment, with an
// optional YAML file overlay for deployments that prefer files over env.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/labelworks/print-relay/internal/logging"
	"github.com/labelworks/print-relay/internal/metrics"
)

// Parity filters which order numbers this instance prints.
type Parity string

const (
	ParityAll  Parity = "all"
	ParityOdd  Parity = "odd"
	ParityEven Parity = "even"
)

// Matches reports whether this instance should print the given order number.
func (p Parity) Matches(orderNumber int64) bool {
	switch p {
	case ParityOdd:
		return orderNumber%2 == 1
	case ParityEven:
		return orderNumber%2 == 0
	default:
		return true
	}
}

// Valid reports whether p is a recognized parity value.
func (p Parity) Valid() bool {
	return p == ParityAll || p == ParityOdd || p == ParityEven
}

type Config struct {
	Log        logging.Config   `yaml:"log"`
	Queue      QueueConfig      `yaml:"queue"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Printer    PrinterConfig    `yaml:"printer"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Metrics    metrics.Config   `yaml:"metrics"`
}

type QueueConfig struct {
	// SubscriptionURL is a gocloud.dev/pubsub URL, e.g.
	// gcppubsub://projects/my-project/subscriptions/print_queue or
	// mem://print_queue for local mode.
	SubscriptionURL string `yaml:"subscription_url"`
}

type LedgerConfig struct {
	// Backend is "postgres" or "memory". Memory is single-instance only.
	Backend          string        `yaml:"backend"`
	PostgresDSN      string        `yaml:"postgres_dsn"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

type PrinterConfig struct {
	// Name is the CUPS destination. Empty resolves the system default.
	Name string `yaml:"name"`
	// Parity limits this instance to odd or even order numbers.
	Parity Parity `yaml:"parity"`
	// SpoolDir holds rendered documents until submission completes.
	SpoolDir string `yaml:"spool_dir"`
	// DeepValidate parses the full PDF structure before spooling.
	DeepValidate bool `yaml:"deep_validate"`
	// SkipCheck disables the startup lpstat probe.
	SkipCheck bool `yaml:"skip_check"`
}

type DispatchConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	MaxRedeliveries int           `yaml:"max_redeliveries"`
	NackBackoff     time.Duration `yaml:"nack_backoff"`
	MaxNackBackoff  time.Duration `yaml:"max_nack_backoff"`
	MaxPayloadBytes int64         `yaml:"max_payload_bytes"`
}

type DeadLetterConfig struct {
	// BucketURL is a gocloud.dev/blob URL; empty disables dead-lettering.
	BucketURL string `yaml:"bucket_url"`
	Prefix    string `yaml:"prefix"`
}

const (
	defaultConcurrency     = 4
	defaultMaxRedeliveries = 5
	defaultNackBackoff     = 3 * time.Second
	defaultMaxNackBackoff  = 2 * time.Minute
	defaultMaxPayloadBytes = 10 << 20 // 10 MiB
	defaultStaleAfter      = 5 * time.Minute
	defaultRecoveryEvery   = time.Minute
)

// Load builds the configuration: defaults, then the YAML file (if any),
// then environment variables on top.
func Load(file string) (*Config, error) {
	cfg := &Config{
		Log: logging.Config{Format: "text", Level: "info"},
		Queue: QueueConfig{
			SubscriptionURL: "mem://print_queue",
		},
		Ledger: LedgerConfig{
			Backend:          "memory",
			StaleAfter:       defaultStaleAfter,
			RecoveryInterval: defaultRecoveryEvery,
		},
		Printer: PrinterConfig{
			Parity: ParityAll,
		},
		Dispatch: DispatchConfig{
			Concurrency:     defaultConcurrency,
			MaxRedeliveries: defaultMaxRedeliveries,
			NackBackoff:     defaultNackBackoff,
			MaxNackBackoff:  defaultMaxNackBackoff,
			MaxPayloadBytes: defaultMaxPayloadBytes,
		},
		DeadLetter: DeadLetterConfig{
			Prefix: "dead-letter/",
		},
		Metrics: metrics.Config{
			Enabled: true,
			Address: ":9090",
		},
	}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", file, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Log.Format = getenvDefault("PRINT_RELAY_LOG_FORMAT", cfg.Log.Format)
	cfg.Log.Level = getenvDefault("PRINT_RELAY_LOG_LEVEL", cfg.Log.Level)

	cfg.Queue.SubscriptionURL = getenvDefault("PRINT_RELAY_SUBSCRIPTION_URL", cfg.Queue.SubscriptionURL)

	cfg.Ledger.Backend = getenvDefault("PRINT_RELAY_LEDGER_BACKEND", cfg.Ledger.Backend)
	cfg.Ledger.PostgresDSN = getenvDefault("PRINT_RELAY_LEDGER_DSN", cfg.Ledger.PostgresDSN)
	cfg.Ledger.StaleAfter = parseDuration("PRINT_RELAY_STALE_AFTER", cfg.Ledger.StaleAfter)
	cfg.Ledger.RecoveryInterval = parseDuration("PRINT_RELAY_RECOVERY_INTERVAL", cfg.Ledger.RecoveryInterval)

	cfg.Printer.Name = getenvDefault("PRINT_RELAY_PRINTER", cfg.Printer.Name)
	cfg.Printer.Parity = Parity(getenvDefault("PRINT_RELAY_PARITY", string(cfg.Printer.Parity)))
	cfg.Printer.SpoolDir = getenvDefault("PRINT_RELAY_SPOOL_DIR", cfg.Printer.SpoolDir)
	cfg.Printer.DeepValidate = parseBool("PRINT_RELAY_DEEP_VALIDATE", cfg.Printer.DeepValidate)
	cfg.Printer.SkipCheck = parseBool("PRINT_RELAY_SKIP_PRINTER_CHECK", cfg.Printer.SkipCheck)

	cfg.Dispatch.Concurrency = parseInt("PRINT_RELAY_CONCURRENCY", cfg.Dispatch.Concurrency)
	cfg.Dispatch.MaxRedeliveries = parseInt("PRINT_RELAY_MAX_REDELIVERIES", cfg.Dispatch.MaxRedeliveries)
	cfg.Dispatch.NackBackoff = parseDuration("PRINT_RELAY_NACK_BACKOFF", cfg.Dispatch.NackBackoff)
	cfg.Dispatch.MaxNackBackoff = parseDuration("PRINT_RELAY_MAX_NACK_BACKOFF", cfg.Dispatch.MaxNackBackoff)
	cfg.Dispatch.MaxPayloadBytes = parseInt64("PRINT_RELAY_MAX_PAYLOAD_BYTES", cfg.Dispatch.MaxPayloadBytes)

	cfg.DeadLetter.BucketURL = getenvDefault("PRINT_RELAY_DEADLETTER_URL", cfg.DeadLetter.BucketURL)
	cfg.DeadLetter.Prefix = getenvDefault("PRINT_RELAY_DEADLETTER_PREFIX", cfg.DeadLetter.Prefix)

	cfg.Metrics.Enabled = parseBool("PRINT_RELAY_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Address = getenvDefault("PRINT_RELAY_METRICS_ADDR", cfg.Metrics.Address)
}

func (c *Config) validate() error {
	if c.Queue.SubscriptionURL == "" {
		return fmt.Errorf("queue subscription URL is required")
	}
	if !c.Printer.Parity.Valid() {
		return fmt.Errorf("parity must be one of all, odd, even; got %q", c.Printer.Parity)
	}
	switch c.Ledger.Backend {
	case "postgres":
		if c.Ledger.PostgresDSN == "" {
			return fmt.Errorf("ledger DSN is required for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.Dispatch.Concurrency < 1 {
		c.Dispatch.Concurrency = 1
	}
	if c.Dispatch.MaxRedeliveries < 1 {
		c.Dispatch.MaxRedeliveries = 1
	}
	if c.Dispatch.NackBackoff <= 0 {
		c.Dispatch.NackBackoff = defaultNackBackoff
	}
	if c.Dispatch.MaxNackBackoff < c.Dispatch.NackBackoff {
		c.Dispatch.MaxNackBackoff = defaultMaxNackBackoff
	}
	if c.Ledger.StaleAfter <= 0 {
		c.Ledger.StaleAfter = defaultStaleAfter
	}
	if c.Ledger.RecoveryInterval <= 0 {
		c.Ledger.RecoveryInterval = defaultRecoveryEvery
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func parseInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
