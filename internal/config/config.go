// Package config defines the top-level configuration for mirrorbot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by MIRROR_* environment variables.
type Config struct {
	Copy       CopyConfig       `toml:"copy"`
	Sizing     SizingConfig     `toml:"sizing"`
	Execution  ExecutionConfig  `toml:"execution"`
	KillSwitch KillSwitchConfig `toml:"kill_switch"`
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// CopyConfig identifies the observed wallet and the coalescing policy.
type CopyConfig struct {
	SourceWallet      string   `toml:"source_wallet"`
	CoalesceWindow    duration `toml:"coalesce_window"`
	NetOppositeTrades bool     `toml:"net_opposite_trades"`
	// DedupeRetention bounds the in-memory recency set; the durable dedupe
	// store keeps keys until pruned.
	DedupeRetention duration `toml:"dedupe_retention"`
}

// SizingConfig holds the sizing transform and the hard notional caps.
// All notional values are USD.
type SizingConfig struct {
	Mode                 string  `toml:"mode"` // fixed | proportional | capped_proportional
	FixedNotionalUSD     float64 `toml:"fixed_notional_usd"`
	SizeMultiplier       float64 `toml:"size_multiplier"`
	MinOrderNotionalUSD  float64 `toml:"min_order_notional_usd"`
	MaxOrderNotionalUSD  float64 `toml:"max_order_notional_usd"`
	MaxMarketNotionalUSD float64 `toml:"max_market_notional_usd"`
	MaxWindowNotionalUSD float64 `toml:"max_window_notional_usd"`
	// RollingWindow is the trailing span the window cap applies over.
	RollingWindow duration `toml:"rolling_window"`
}

// ExecutionConfig holds order submission parameters.
type ExecutionConfig struct {
	OrderType               string   `toml:"order_type"` // marketable_limit
	MaxSlippageBps          int      `toml:"max_slippage_bps"`
	NearExpiryCutoff        duration `toml:"near_expiry_cutoff"`
	DryRun                  bool     `toml:"dry_run"`
	MaxAttempts             int      `toml:"max_attempts"`
	RetryBackoff            duration `toml:"retry_backoff"`
	SubmitTimeout           duration `toml:"submit_timeout"`
	ExpirySweepInterval     duration `toml:"expiry_sweep_interval"`
	CancelRemainderAtExpiry bool     `toml:"cancel_remainder_at_expiry"`
	RateLimitPerSecond      int      `toml:"rate_limit_per_second"`
}

// KillSwitchConfig holds the automatic trip thresholds. The trailing window
// is the span over which reject rate and latency are measured.
type KillSwitchConfig struct {
	MaxRejectRate   float64  `toml:"max_reject_rate"`
	MaxP95LatencyMs int      `toml:"max_p95_latency_ms"`
	TrailingWindow  duration `toml:"trailing_window"`
	MinSamples      int      `toml:"min_samples"`
}

// WalletConfig holds destination wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	Funder           string `toml:"funder"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	DataHost      string `toml:"data_host"`
	WsHost        string `toml:"ws_host"`
	ChainID       int    `toml:"chain_id"`
	SignatureType int    `toml:"signature_type"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
	GoldskyURL    string `toml:"goldsky_url"`
	GoldskyAPIKey string `toml:"goldsky_api_key"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the audit
// archiver.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
}

// ServerConfig holds the operator HTTP API parameters.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "300ms", "15m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "300ms" or "15m".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Copy: CopyConfig{
			SourceWallet:      "",
			CoalesceWindow:    duration{300 * time.Millisecond},
			NetOppositeTrades: true,
			DedupeRetention:   duration{30 * time.Minute},
		},
		Sizing: SizingConfig{
			Mode:                 "capped_proportional",
			FixedNotionalUSD:     5.0,
			SizeMultiplier:       1.0,
			MinOrderNotionalUSD:  1.0,
			MaxOrderNotionalUSD:  25.0,
			MaxMarketNotionalUSD: 150.0,
			MaxWindowNotionalUSD: 400.0,
			RollingWindow:        duration{15 * time.Minute},
		},
		Execution: ExecutionConfig{
			OrderType:               "marketable_limit",
			MaxSlippageBps:          120,
			NearExpiryCutoff:        duration{25 * time.Second},
			DryRun:                  true,
			MaxAttempts:             3,
			RetryBackoff:            duration{200 * time.Millisecond},
			SubmitTimeout:           duration{3 * time.Second},
			ExpirySweepInterval:     duration{time.Second},
			CancelRemainderAtExpiry: true,
			RateLimitPerSecond:      10,
		},
		KillSwitch: KillSwitchConfig{
			MaxRejectRate:   0.2,
			MaxP95LatencyMs: 1200,
			TrailingWindow:  duration{5 * time.Minute},
			MinSamples:      10,
		},
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			GammaHost:     "https://gamma-api.polymarket.com",
			DataHost:      "https://data-api.polymarket.com",
			WsHost:        "wss://ws-subscriptions-clob.polymarket.com/ws",
			ChainID:       137,
			SignatureType: 2,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "mirrorbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "mirrorbot-audit",
			UseSSL:         false,
			ForcePathStyle: true,
			RetentionDays:  90,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Notify: NotifyConfig{
			Events: []string{"kill_switch", "order_failed", "ledger_fault"},
		},
		Mode:     "shadow",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"copy":    true,
	"shadow":  true,
	"monitor": true,
	"server":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validSizingModes enumerates the accepted values for Sizing.Mode.
var validSizingModes = map[string]bool{
	"fixed":               true,
	"proportional":        true,
	"capped_proportional": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: copy, shadow, monitor, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	needsSource := c.Mode == "copy" || c.Mode == "shadow" || c.Mode == "monitor" || c.Mode == "full"
	if needsSource && c.Copy.SourceWallet == "" {
		errs = append(errs, "copy: source_wallet must be set for mode "+c.Mode)
	}
	if c.Copy.CoalesceWindow.Duration <= 0 {
		errs = append(errs, "copy: coalesce_window must be > 0")
	}

	if !validSizingModes[c.Sizing.Mode] {
		errs = append(errs, fmt.Sprintf("sizing: unknown mode %q (valid: fixed, proportional, capped_proportional)", c.Sizing.Mode))
	}
	if c.Sizing.Mode == "fixed" && c.Sizing.FixedNotionalUSD <= 0 {
		errs = append(errs, "sizing: fixed_notional_usd must be > 0 for fixed mode")
	}
	if c.Sizing.Mode != "fixed" && c.Sizing.SizeMultiplier <= 0 {
		errs = append(errs, "sizing: size_multiplier must be > 0")
	}
	if c.Sizing.MinOrderNotionalUSD < 0 {
		errs = append(errs, "sizing: min_order_notional_usd must be >= 0")
	}
	if c.Sizing.MaxOrderNotionalUSD <= 0 {
		errs = append(errs, "sizing: max_order_notional_usd must be > 0")
	}
	if c.Sizing.MaxMarketNotionalUSD < c.Sizing.MaxOrderNotionalUSD {
		errs = append(errs, "sizing: max_market_notional_usd must be >= max_order_notional_usd")
	}
	if c.Sizing.MaxWindowNotionalUSD < c.Sizing.MaxOrderNotionalUSD {
		errs = append(errs, "sizing: max_window_notional_usd must be >= max_order_notional_usd")
	}
	if c.Sizing.RollingWindow.Duration <= 0 {
		errs = append(errs, "sizing: rolling_window must be > 0")
	}

	if c.Execution.OrderType != "marketable_limit" {
		errs = append(errs, fmt.Sprintf("execution: unsupported order_type %q", c.Execution.OrderType))
	}
	if c.Execution.MaxAttempts < 1 {
		errs = append(errs, "execution: max_attempts must be >= 1")
	}
	if c.Execution.MaxSlippageBps < 0 || c.Execution.MaxSlippageBps > 10_000 {
		errs = append(errs, "execution: max_slippage_bps must be 0-10000")
	}

	if c.KillSwitch.MaxRejectRate <= 0 || c.KillSwitch.MaxRejectRate > 1 {
		errs = append(errs, "kill_switch: max_reject_rate must be in (0, 1]")
	}
	if c.KillSwitch.MaxP95LatencyMs <= 0 {
		errs = append(errs, "kill_switch: max_p95_latency_ms must be > 0")
	}

	// Live copy mode needs destination credentials.
	if c.Mode == "copy" || (c.Mode == "full" && !c.Execution.DryRun) {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
