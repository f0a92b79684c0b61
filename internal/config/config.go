package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config holds application configuration.
type Config struct {
	HTTP   HTTPConfig   `toml:"http" envPrefix:"HTTP_"`
	Queue  QueueConfig  `toml:"queue" envPrefix:"QUEUE_"`
	SMS    SMSConfig    `toml:"sms" envPrefix:"SMS_"`
	Email  EmailConfig  `toml:"email" envPrefix:"EMAIL_"`
	Redis  RedisConfig  `toml:"redis" envPrefix:"REDIS_"`
	Notify NotifyConfig `toml:"notify" envPrefix:"NOTIFY_"`
	Log    LogConfig    `toml:"log" envPrefix:"LOG_"`
}

type HTTPConfig struct {
	Port int `toml:"port" env:"PORT"`
	// Secret, when set, requires signed job submissions.
	Secret string `toml:"secret" env:"SECRET"`
}

// QueueConfig configures the job store and dispatcher.
type QueueConfig struct {
	// Driver selects the job store: "sqlite", "postgres" or "memory".
	Driver         string        `toml:"driver" env:"DRIVER"`
	DBPath         string        `toml:"db_path" env:"DB"`
	PostgresDSN    string        `toml:"postgres_dsn" env:"POSTGRES_DSN"`
	MaxAttempts    int           `toml:"max_attempts" env:"MAX_ATTEMPTS"`
	PollInterval   time.Duration `toml:"poll_interval" env:"POLL_INTERVAL"`
	BatchSize      int           `toml:"batch_size" env:"BATCH_SIZE"`
	HandlerTimeout time.Duration `toml:"handler_timeout" env:"HANDLER_TIMEOUT"`
	// Backoff is one of "immediate", "constant", "exponential".
	Backoff        string        `toml:"backoff" env:"BACKOFF"`
	BackoffInitial time.Duration `toml:"backoff_initial" env:"BACKOFF_INITIAL"`
	BackoffMax     time.Duration `toml:"backoff_max" env:"BACKOFF_MAX"`
	StaleAfter     time.Duration `toml:"stale_after" env:"STALE_AFTER"`
	// MaintenanceSchedule is a cron expression for stale-job recovery.
	MaintenanceSchedule string `toml:"maintenance_schedule" env:"MAINTENANCE_SCHEDULE"`
}

// SMSConfig selects the active SMS gateway and holds every gateway's
// credential set.
type SMSConfig struct {
	Provider   string        `toml:"provider" env:"PROVIDER"`
	BatchSize  int           `toml:"batch_size" env:"BATCH_SIZE"`
	BatchDelay time.Duration `toml:"batch_delay" env:"BATCH_DELAY"`
	// RateLimit is requests per second to the gateway; 0 disables pacing.
	RateLimit float64       `toml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst int           `toml:"rate_burst" env:"RATE_BURST"`
	Timeout   time.Duration `toml:"timeout" env:"TIMEOUT"`

	Twilio   ProviderCredentials `toml:"twilio" envPrefix:"TWILIO_"`
	Teletalk ProviderCredentials `toml:"teletalk" envPrefix:"TELETALK_"`
	ZamanIT  ProviderCredentials `toml:"zamanit" envPrefix:"ZAMANIT_"`
}

// ProviderCredentials is one gateway's credential set. Gateways use the
// subset they need.
type ProviderCredentials struct {
	AccountID string `toml:"account_id" env:"ACCOUNT_ID"`
	APIKey    string `toml:"api_key" env:"API_KEY"`
	Secret    string `toml:"secret" env:"SECRET"`
	SenderID  string `toml:"sender_id" env:"SENDER_ID"`
	BaseURL   string `toml:"base_url" env:"BASE_URL"`
}

// EmailConfig configures SMTP delivery. An empty Host logs emails instead
// of sending them.
type EmailConfig struct {
	Host     string `toml:"host" env:"HOST"`
	Port     int    `toml:"port" env:"PORT"`
	Username string `toml:"username" env:"USERNAME"`
	Password string `toml:"password" env:"PASSWORD"`
	From     string `toml:"from" env:"FROM"`
	// TLS is one of "mandatory", "opportunistic", "none".
	TLS string `toml:"tls" env:"TLS"`
}

// RedisConfig configures the delivery ledger. An empty Addr keeps the
// ledger in memory.
type RedisConfig struct {
	Addr      string        `toml:"addr" env:"ADDR"`
	Password  string        `toml:"password" env:"PASSWORD"`
	DB        int           `toml:"db" env:"DB"`
	LedgerTTL time.Duration `toml:"ledger_ttl" env:"LEDGER_TTL"`
}

// NotifyConfig lists who receives internal alerts and where invoices go.
type NotifyConfig struct {
	StaffEmails []string `toml:"staff_emails" env:"STAFF_EMAILS"`
	StaffPhones []string `toml:"staff_phones" env:"STAFF_PHONES"`
	InvoiceDir  string   `toml:"invoice_dir" env:"INVOICE_DIR"`
	ShopName    string   `toml:"shop_name" env:"SHOP_NAME"`
}

type LogConfig struct {
	Level       string `toml:"level" env:"LEVEL"`
	Development bool   `toml:"development" env:"DEVELOPMENT"`
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "herald", "jobs.db")
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "herald", "config.toml")
}

// DefaultInvoiceDir returns the default invoice output directory.
func DefaultInvoiceDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "herald", "invoices")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Port: 8080},
		Queue: QueueConfig{
			Driver:              "sqlite",
			DBPath:              DefaultDBPath(),
			MaxAttempts:         3,
			PollInterval:        5 * time.Second,
			BatchSize:           10,
			HandlerTimeout:      30 * time.Second,
			Backoff:             "immediate",
			BackoffInitial:      5 * time.Second,
			BackoffMax:          5 * time.Minute,
			StaleAfter:          10 * time.Minute,
			MaintenanceSchedule: "@every 1m",
		},
		SMS: SMSConfig{
			Provider:   "log",
			BatchSize:  10,
			BatchDelay: time.Second,
			RateBurst:  10,
			Timeout:    10 * time.Second,
		},
		Email: EmailConfig{
			Port: 587,
			From: "herald@localhost",
			TLS:  "mandatory",
		},
		Redis: RedisConfig{
			LedgerTTL: 7 * 24 * time.Hour,
		},
		Notify: NotifyConfig{
			InvoiceDir: DefaultInvoiceDir(),
			ShopName:   "Herald Shop",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds Config from defaults, an optional TOML file, command-line
// flags and HERALD_* environment variables, in increasing precedence.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("herald", flag.ContinueOnError)
	configPath := fs.String("config", DefaultConfigPath(), "TOML config file")
	port := fs.Int("port", cfg.HTTP.Port, "HTTP server port")
	dbPath := fs.String("db", cfg.Queue.DBPath, "SQLite database path")
	pollInterval := fs.Duration("poll-interval", cfg.Queue.PollInterval, "Worker poll interval")
	maxAttempts := fs.Int("max-attempts", cfg.Queue.MaxAttempts, "Maximum attempts per job")
	provider := fs.String("sms-provider", cfg.SMS.Provider, "Active SMS provider (twilio, teletalk, zamanit, log)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if err := loadFile(cfg, *configPath, explicit["config"]); err != nil {
		return nil, err
	}

	// Flags given on the command line override the file
	if explicit["port"] {
		cfg.HTTP.Port = *port
	}
	if explicit["db"] {
		cfg.Queue.DBPath = *dbPath
	}
	if explicit["poll-interval"] {
		cfg.Queue.PollInterval = *pollInterval
	}
	if explicit["max-attempts"] {
		cfg.Queue.MaxAttempts = *maxAttempts
	}
	if explicit["sms-provider"] {
		cfg.SMS.Provider = *provider
	}

	// Env overrides
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "HERALD_"}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile decodes path into cfg. A missing file is only an error when the
// path was given explicitly.
func loadFile(cfg *Config, path string, required bool) error {
	if path == "" {
		return nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("load config %s: %w", path, err)
	}
	return nil
}

// Validate checks values that would otherwise fail later at wiring time.
func (c *Config) Validate() error {
	var errs []error
	switch c.Queue.Driver {
	case "sqlite":
		if c.Queue.DBPath == "" {
			errs = append(errs, errors.New("queue.db_path is required for the sqlite driver"))
		}
	case "postgres":
		if c.Queue.PostgresDSN == "" {
			errs = append(errs, errors.New("queue.postgres_dsn is required for the postgres driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("queue.driver %q: want sqlite, postgres or memory", c.Queue.Driver))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts))
	}
	if c.Queue.PollInterval <= 0 {
		errs = append(errs, errors.New("queue.poll_interval must be positive"))
	}
	if c.Queue.HandlerTimeout > 0 && c.Queue.StaleAfter > 0 && c.Queue.StaleAfter <= c.Queue.HandlerTimeout {
		errs = append(errs, errors.New("queue.stale_after must exceed queue.handler_timeout"))
	}
	if c.SMS.BatchSize < 1 {
		errs = append(errs, errors.New("sms.batch_size must be at least 1"))
	}
	c.SMS.Provider = strings.ToLower(c.SMS.Provider)
	return errors.Join(errs...)
}
