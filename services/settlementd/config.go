package settlementd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"p2pescrow/services/settlementd/models"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settlementd.
type Config struct {
	Env                   string         `yaml:"env" toml:"env"`
	RequiredConfirmations uint64         `yaml:"required_confirmations" toml:"required_confirmations"`
	SettlementFeeBps      *uint32        `yaml:"settlement_fee_bps" toml:"settlement_fee_bps"`
	JournalPath           string         `yaml:"journal_path" toml:"journal_path"`
	Database              DatabaseConfig `yaml:"database" toml:"database"`
	Wallet                WalletConfig   `yaml:"wallet" toml:"wallet"`
	Jobs                  JobsConfig     `yaml:"jobs" toml:"jobs"`
	Admin                 AdminConfig    `yaml:"admin" toml:"admin"`
	Recon                 ReconConfig    `yaml:"recon" toml:"recon"`
	Log                   LogConfig      `yaml:"log" toml:"log"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" toml:"driver"`
	DSN          string `yaml:"dsn" toml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
}

// WalletConfig points at the escrow wallet and daemon RPC endpoints.
type WalletConfig struct {
	URL          string   `yaml:"url" toml:"url"`
	DaemonURL    string   `yaml:"daemon_url" toml:"daemon_url"`
	Username     string   `yaml:"username" toml:"username"`
	Token        string   `yaml:"token" toml:"token"`
	RateLimit    float64  `yaml:"rate_limit" toml:"rate_limit"`
	Burst        int      `yaml:"burst" toml:"burst"`
	Timeout      Duration `yaml:"timeout" toml:"timeout"`
	MaxRetries   uint64   `yaml:"max_retries" toml:"max_retries"`
	AccountIndex uint32   `yaml:"account_index" toml:"account_index"`
	Priority     uint32   `yaml:"priority" toml:"priority"`
}

// JobsConfig tunes the worker pool and poller.
type JobsConfig struct {
	Workers       int      `yaml:"workers" toml:"workers"`
	QueueCapacity int      `yaml:"queue_capacity" toml:"queue_capacity"`
	MaxAttempts   int      `yaml:"max_attempts" toml:"max_attempts"`
	RetryInitial  Duration `yaml:"retry_initial" toml:"retry_initial"`
	RetryMax      Duration `yaml:"retry_max" toml:"retry_max"`
	PollInterval  Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// AdminConfig captures the admin API listener and its authentication.
type AdminConfig struct {
	Listen    string   `yaml:"listen" toml:"listen"`
	JWTSecret string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	Audience  string   `yaml:"audience" toml:"audience"`
	ClockSkew Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// ReconConfig configures periodic reconciliation reports.
type ReconConfig struct {
	OutputDir  string   `yaml:"output_dir" toml:"output_dir"`
	Interval   Duration `yaml:"interval" toml:"interval"`
	StaleAfter Duration `yaml:"stale_after" toml:"stale_after"`
}

// LogConfig optionally mirrors logs into a rotating file.
type LogConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// Policy returns the settlement policy derived from configuration.
func (c Config) Policy() models.Policy {
	policy := models.DefaultPolicy()
	policy.RequiredConfirmations = c.RequiredConfirmations
	if c.SettlementFeeBps != nil {
		policy.FeeBasisPoints = *c.SettlementFeeBps
	}
	return policy
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, everything else as YAML. A .env file next to the
// working directory is loaded first so environment overrides can live there.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	_ = godotenv.Load()
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if value := strings.TrimSpace(os.Getenv("SETTLEMENTD_ENV")); value != "" {
		cfg.Env = value
	}
	if value := strings.TrimSpace(os.Getenv("SETTLEMENTD_DB_DSN")); value != "" {
		cfg.Database.DSN = value
	}
	if value := strings.TrimSpace(os.Getenv("SETTLEMENTD_WALLET_TOKEN")); value != "" {
		cfg.Wallet.Token = value
	}
	if value := strings.TrimSpace(os.Getenv("SETTLEMENTD_ADMIN_JWT_SECRET")); value != "" {
		cfg.Admin.JWTSecret = value
	}
	if value := strings.TrimSpace(os.Getenv("SETTLEMENTD_REQUIRED_CONFIRMATIONS")); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			cfg.RequiredConfirmations = parsed
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = models.DefaultPolicy().RequiredConfirmations
	}
	if cfg.SettlementFeeBps == nil {
		bps := models.DefaultPolicy().FeeBasisPoints
		cfg.SettlementFeeBps = &bps
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "data/settlementd/journal"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN == "" {
		cfg.Database.DSN = "data/settlementd/settlement.db"
	}
	if cfg.Wallet.Timeout.Duration == 0 {
		cfg.Wallet.Timeout.Duration = 30 * time.Second
	}
	if cfg.Wallet.RateLimit == 0 {
		cfg.Wallet.RateLimit = 10
	}
	if cfg.Wallet.Burst <= 0 {
		cfg.Wallet.Burst = 5
	}
	if cfg.Wallet.MaxRetries == 0 {
		cfg.Wallet.MaxRetries = 3
	}
	if cfg.Jobs.Workers <= 0 {
		cfg.Jobs.Workers = 4
	}
	if cfg.Jobs.QueueCapacity <= 0 {
		cfg.Jobs.QueueCapacity = 1024
	}
	if cfg.Jobs.MaxAttempts <= 0 {
		cfg.Jobs.MaxAttempts = 5
	}
	if cfg.Jobs.RetryInitial.Duration == 0 {
		cfg.Jobs.RetryInitial.Duration = 2 * time.Second
	}
	if cfg.Jobs.RetryMax.Duration == 0 {
		cfg.Jobs.RetryMax.Duration = time.Minute
	}
	if cfg.Jobs.PollInterval.Duration == 0 {
		cfg.Jobs.PollInterval.Duration = 30 * time.Second
	}
	if cfg.Admin.Listen == "" {
		cfg.Admin.Listen = ":7090"
	}
	if cfg.Admin.ClockSkew.Duration == 0 {
		cfg.Admin.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Recon.Interval.Duration == 0 {
		cfg.Recon.Interval.Duration = time.Hour
	}
	if cfg.Recon.StaleAfter.Duration == 0 {
		cfg.Recon.StaleAfter.Duration = 15 * time.Minute
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database driver must be sqlite or postgres")
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if strings.TrimSpace(cfg.Wallet.URL) == "" {
		return fmt.Errorf("wallet url must be configured")
	}
	if strings.TrimSpace(cfg.Wallet.DaemonURL) == "" {
		return fmt.Errorf("wallet daemon_url must be configured")
	}
	if cfg.SettlementFeeBps != nil && *cfg.SettlementFeeBps > 10_000 {
		return fmt.Errorf("settlement_fee_bps must not exceed 10000")
	}
	if strings.TrimSpace(cfg.Admin.JWTSecret) == "" {
		return fmt.Errorf("admin jwt_secret must be configured")
	}
	if cfg.Wallet.RateLimit < 0 {
		return fmt.Errorf("wallet rate_limit must not be negative")
	}
	return nil
}
