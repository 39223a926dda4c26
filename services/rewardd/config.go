package rewardd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"vendorvote/core/voting"
	"vendorvote/services/rewardd/retry"
	"vendorvote/services/rewardd/store"
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

// UnmarshalText parses durations for TOML and environment overrides.
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

// Config captures the runtime configuration for rewardd.
type Config struct {
	ListenAddress string             `yaml:"listen" toml:"listen"`
	Environment   string             `yaml:"environment" toml:"environment"`
	Timezone      string             `yaml:"timezone" toml:"timezone"`
	Log           LogConfig          `yaml:"log" toml:"log"`
	Database      DatabaseConfig     `yaml:"database" toml:"database"`
	Chain         ChainConfig        `yaml:"chain" toml:"chain"`
	Rewards       RewardsConfig      `yaml:"rewards" toml:"rewards"`
	Retry         RetryConfig        `yaml:"retry" toml:"retry"`
	Distribution  DistributionConfig `yaml:"distribution" toml:"distribution"`
	Auth          AuthConfig         `yaml:"auth" toml:"auth"`
	Admin         AdminConfig        `yaml:"admin" toml:"admin"`
	RateLimit     RateLimitConfig    `yaml:"rate_limit" toml:"rate_limit"`
	Telemetry     TelemetryConfig    `yaml:"telemetry" toml:"telemetry"`
}

// LogConfig controls the slog sink.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// DatabaseConfig selects the gorm driver.
type DatabaseConfig struct {
	Driver          string   `yaml:"driver" toml:"driver"`
	DSN             string   `yaml:"dsn" toml:"dsn"`
	DSNEnv          string   `yaml:"dsn_env" toml:"dsn_env"`
	Path            string   `yaml:"path" toml:"path"`
	MaxOpenConns    int      `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
	SlowThreshold   Duration `yaml:"slow_threshold" toml:"slow_threshold"`
}

// ChainConfig describes the token contract and the signing account.
type ChainConfig struct {
	RPCURL           string       `yaml:"rpc_url" toml:"rpc_url"`
	ChainID          int64        `yaml:"chain_id" toml:"chain_id"`
	TokenAddress     string       `yaml:"token_address" toml:"token_address"`
	TokenDecimals    *uint8       `yaml:"token_decimals" toml:"token_decimals"`
	GasLimit         uint64       `yaml:"gas_limit" toml:"gas_limit"`
	GasBufferPercent *int64       `yaml:"gas_buffer_percent" toml:"gas_buffer_percent"`
	ConfirmTimeout   Duration     `yaml:"confirm_timeout" toml:"confirm_timeout"`
	ProbeTimeout     Duration     `yaml:"probe_timeout" toml:"probe_timeout"`
	ReceiptPoll      Duration     `yaml:"receipt_poll" toml:"receipt_poll"`
	Signer           SignerConfig `yaml:"signer" toml:"signer"`
}

// SignerConfig locates the signer private key. Exactly one source is used:
// an inline/env/file hex key or an encrypted keystore.
type SignerConfig struct {
	Key      string `yaml:"key" toml:"key"`
	KeyEnv   string `yaml:"key_env" toml:"key_env"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
	Keystore string `yaml:"keystore" toml:"keystore"`
}

// RewardsConfig captures the vote economy.
type RewardsConfig struct {
	DailyCap            int   `yaml:"daily_cap" toml:"daily_cap"`
	Base                int64 `yaml:"base" toml:"base"`
	Step                int64 `yaml:"step" toml:"step"`
	VerifiedMultiplier  int64 `yaml:"verified_multiplier" toml:"verified_multiplier"`
	AutoRegisterVendors bool  `yaml:"auto_register_vendors" toml:"auto_register_vendors"`
	PauseOnStart        bool  `yaml:"pause" toml:"pause"`
}

// RetryConfig mirrors retry.Policy.
type RetryConfig struct {
	MaxRetries *int     `yaml:"max_retries" toml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay" toml:"max_delay"`
	Jitter     float64  `yaml:"jitter" toml:"jitter"`
}

// DistributionConfig sizes the background workers.
type DistributionConfig struct {
	SignerQueue     int      `yaml:"signer_queue" toml:"signer_queue"`
	DispatchBuffer  int      `yaml:"dispatch_buffer" toml:"dispatch_buffer"`
	DispatchWorkers int      `yaml:"dispatch_workers" toml:"dispatch_workers"`
	SweepInterval   Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	// SweepBatchSize caps records per sweep batch transaction; 1 disables batching.
	SweepBatchSize  int      `yaml:"sweep_batch_size" toml:"sweep_batch_size"`
}

// AuthConfig configures JWT verification for the public API.
type AuthConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	HMACSecret     string   `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	HMACSecretFile string   `yaml:"hmac_secret_file" toml:"hmac_secret_file"`
	Issuer         string   `yaml:"issuer" toml:"issuer"`
	Audience       string   `yaml:"audience" toml:"audience"`
	ScopeClaim     string   `yaml:"scope_claim" toml:"scope_claim"`
	ClockSkew      Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenEnv  string `yaml:"bearer_token_env" toml:"bearer_token_env"`
	BearerTokenFile string `yaml:"bearer_token_file" toml:"bearer_token_file"`
}

// RateLimitConfig throttles the write endpoints per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Traces   bool   `yaml:"traces" toml:"traces"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml", ".tml":
		meta, err := toml.DecodeReader(bytes.NewReader(data), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("decode config: unknown fields %v", undecoded)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Chain.Signer.normalise(); err != nil {
		return cfg, fmt.Errorf("chain signer: %w", err)
	}
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = store.DriverPostgres
	}
	if cfg.Chain.TokenDecimals == nil {
		decimals := uint8(18)
		cfg.Chain.TokenDecimals = &decimals
	}
	if cfg.Chain.GasBufferPercent == nil {
		buffer := int64(20)
		cfg.Chain.GasBufferPercent = &buffer
	}
	if cfg.Chain.ConfirmTimeout.Duration == 0 {
		cfg.Chain.ConfirmTimeout.Duration = 60 * time.Second
	}
	if cfg.Chain.ProbeTimeout.Duration == 0 {
		cfg.Chain.ProbeTimeout.Duration = 5 * time.Second
	}
	if cfg.Chain.ReceiptPoll.Duration == 0 {
		cfg.Chain.ReceiptPoll.Duration = 2 * time.Second
	}
	defaults := voting.DefaultSchedule()
	if cfg.Rewards.DailyCap == 0 {
		cfg.Rewards.DailyCap = defaults.DailyCap
	}
	if cfg.Rewards.Base == 0 {
		cfg.Rewards.Base = defaults.Base
	}
	if cfg.Rewards.Step == 0 {
		cfg.Rewards.Step = defaults.Step
	}
	if cfg.Rewards.VerifiedMultiplier == 0 {
		cfg.Rewards.VerifiedMultiplier = defaults.VerifiedMultiplier
	}
	policy := retry.DefaultPolicy()
	if cfg.Retry.MaxRetries == nil {
		cfg.Retry.MaxRetries = &policy.MaxRetries
	}
	if cfg.Retry.BaseDelay.Duration == 0 {
		cfg.Retry.BaseDelay.Duration = policy.BaseDelay
	}
	if cfg.Retry.MaxDelay.Duration == 0 {
		cfg.Retry.MaxDelay.Duration = policy.MaxDelay
	}
	if cfg.Distribution.SignerQueue <= 0 {
		cfg.Distribution.SignerQueue = 64
	}
	if cfg.Distribution.DispatchBuffer <= 0 {
		cfg.Distribution.DispatchBuffer = 256
	}
	if cfg.Distribution.DispatchWorkers <= 0 {
		cfg.Distribution.DispatchWorkers = 2
	}
	if cfg.Distribution.SweepInterval.Duration == 0 {
		cfg.Distribution.SweepInterval.Duration = 5 * time.Minute
	}
	if cfg.Distribution.SweepBatchSize <= 0 {
		cfg.Distribution.SweepBatchSize = 20
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
}

func validateConfig(cfg Config) error {
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if err := cfg.Schedule().Validate(); err != nil {
		return err
	}
	if err := cfg.RetryPolicy().Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	if cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("chain chain_id must be configured")
	}
	if strings.TrimSpace(cfg.Chain.TokenAddress) == "" {
		return fmt.Errorf("chain token_address must be configured")
	}
	if *cfg.Chain.GasBufferPercent < 0 {
		return fmt.Errorf("chain gas_buffer_percent must not be negative")
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth enabled without hmac_secret")
	}
	if cfg.Database.Driver == store.DriverPostgres && cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn must be configured for postgres")
	}
	return nil
}

// Schedule converts the reward settings into a voting schedule.
func (c Config) Schedule() voting.Schedule {
	return voting.Schedule{
		DailyCap:           c.Rewards.DailyCap,
		Base:               c.Rewards.Base,
		Step:               c.Rewards.Step,
		VerifiedMultiplier: c.Rewards.VerifiedMultiplier,
	}
}

// RetryPolicy converts the retry settings into a scheduler policy.
func (c Config) RetryPolicy() retry.Policy {
	policy := retry.Policy{
		BaseDelay: c.Retry.BaseDelay.Duration,
		MaxDelay:  c.Retry.MaxDelay.Duration,
		Jitter:    c.Retry.Jitter,
	}
	if c.Retry.MaxRetries != nil {
		policy.MaxRetries = *c.Retry.MaxRetries
	}
	return policy
}

// Location returns the calendar-day timezone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s *SignerConfig) normalise() error {
	s.Key = strings.TrimSpace(s.Key)
	s.KeyEnv = strings.TrimSpace(s.KeyEnv)
	s.KeyFile = strings.TrimSpace(s.KeyFile)
	s.Keystore = strings.TrimSpace(s.Keystore)
	if s.Key != "" || s.Keystore != "" {
		return nil
	}
	switch {
	case s.KeyEnv != "":
		value := strings.TrimSpace(os.Getenv(s.KeyEnv))
		if value == "" {
			return fmt.Errorf("key_env %s is empty", s.KeyEnv)
		}
		s.Key = value
	case s.KeyFile != "":
		contents, err := os.ReadFile(s.KeyFile)
		if err != nil {
			return fmt.Errorf("read key_file: %w", err)
		}
		s.Key = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("one of key, key_env, key_file or keystore is required")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	secret, err := resolveSecret(a.HMACSecret, a.HMACSecretEnv, a.HMACSecretFile)
	if err != nil {
		return fmt.Errorf("hmac secret: %w", err)
	}
	a.HMACSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	return nil
}

func (a *AdminConfig) normalise() error {
	token, err := resolveSecret(a.BearerToken, a.BearerTokenEnv, a.BearerTokenFile)
	if err != nil {
		return fmt.Errorf("bearer token: %w", err)
	}
	a.BearerToken = token
	return nil
}

func (d *DatabaseConfig) normalise() error {
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	switch d.Driver {
	case store.DriverPostgres:
		dsn, err := resolveSecret(d.DSN, d.DSNEnv, "")
		if err != nil {
			return fmt.Errorf("dsn: %w", err)
		}
		d.DSN = dsn
	case store.DriverSQLite:
		if strings.TrimSpace(d.DSN) != "" {
			return nil
		}
		path := strings.TrimSpace(d.Path)
		if path == "" {
			return fmt.Errorf("sqlite requires dsn or path")
		}
		dsn, err := store.FileDSN(path)
		if err != nil {
			return err
		}
		d.DSN = dsn
	default:
		return fmt.Errorf("unsupported driver %q", d.Driver)
	}
	return nil
}

// resolveSecret prefers a file, then an environment variable, then the inline value.
func resolveSecret(inline, envVar, file string) (string, error) {
	if path := strings.TrimSpace(file); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	if name := strings.TrimSpace(envVar); name != "" {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return "", fmt.Errorf("%s is empty", name)
		}
		return value, nil
	}
	return strings.TrimSpace(inline), nil
}
