package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MIRROR_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MIRROR_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Copy ──
	setStr(&cfg.Copy.SourceWallet, "MIRROR_COPY_SOURCE_WALLET")
	setDuration(&cfg.Copy.CoalesceWindow, "MIRROR_COPY_COALESCE_WINDOW")
	setBool(&cfg.Copy.NetOppositeTrades, "MIRROR_COPY_NET_OPPOSITE_TRADES")
	setDuration(&cfg.Copy.DedupeRetention, "MIRROR_COPY_DEDUPE_RETENTION")

	// ── Sizing ──
	setStr(&cfg.Sizing.Mode, "MIRROR_SIZING_MODE")
	setFloat64(&cfg.Sizing.FixedNotionalUSD, "MIRROR_SIZING_FIXED_NOTIONAL_USD")
	setFloat64(&cfg.Sizing.SizeMultiplier, "MIRROR_SIZING_SIZE_MULTIPLIER")
	setFloat64(&cfg.Sizing.MinOrderNotionalUSD, "MIRROR_SIZING_MIN_ORDER_NOTIONAL_USD")
	setFloat64(&cfg.Sizing.MaxOrderNotionalUSD, "MIRROR_SIZING_MAX_ORDER_NOTIONAL_USD")
	setFloat64(&cfg.Sizing.MaxMarketNotionalUSD, "MIRROR_SIZING_MAX_MARKET_NOTIONAL_USD")
	setFloat64(&cfg.Sizing.MaxWindowNotionalUSD, "MIRROR_SIZING_MAX_WINDOW_NOTIONAL_USD")
	setDuration(&cfg.Sizing.RollingWindow, "MIRROR_SIZING_ROLLING_WINDOW")

	// ── Execution ──
	setStr(&cfg.Execution.OrderType, "MIRROR_EXECUTION_ORDER_TYPE")
	setInt(&cfg.Execution.MaxSlippageBps, "MIRROR_EXECUTION_MAX_SLIPPAGE_BPS")
	setDuration(&cfg.Execution.NearExpiryCutoff, "MIRROR_EXECUTION_NEAR_EXPIRY_CUTOFF")
	setBool(&cfg.Execution.DryRun, "MIRROR_EXECUTION_DRY_RUN")
	setInt(&cfg.Execution.MaxAttempts, "MIRROR_EXECUTION_MAX_ATTEMPTS")
	setDuration(&cfg.Execution.RetryBackoff, "MIRROR_EXECUTION_RETRY_BACKOFF")
	setDuration(&cfg.Execution.SubmitTimeout, "MIRROR_EXECUTION_SUBMIT_TIMEOUT")
	setBool(&cfg.Execution.CancelRemainderAtExpiry, "MIRROR_EXECUTION_CANCEL_REMAINDER_AT_EXPIRY")
	setInt(&cfg.Execution.RateLimitPerSecond, "MIRROR_EXECUTION_RATE_LIMIT_PER_SECOND")

	// ── Kill switch ──
	setFloat64(&cfg.KillSwitch.MaxRejectRate, "MIRROR_KILL_SWITCH_MAX_REJECT_RATE")
	setInt(&cfg.KillSwitch.MaxP95LatencyMs, "MIRROR_KILL_SWITCH_MAX_P95_LATENCY_MS")
	setDuration(&cfg.KillSwitch.TrailingWindow, "MIRROR_KILL_SWITCH_TRAILING_WINDOW")
	setInt(&cfg.KillSwitch.MinSamples, "MIRROR_KILL_SWITCH_MIN_SAMPLES")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "MIRROR_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.Funder, "MIRROR_WALLET_FUNDER")
	setStr(&cfg.Wallet.EncryptedKeyPath, "MIRROR_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "MIRROR_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "MIRROR_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "MIRROR_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.DataHost, "MIRROR_POLYMARKET_DATA_HOST")
	setStr(&cfg.Polymarket.WsHost, "MIRROR_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "MIRROR_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "MIRROR_POLYMARKET_SIGNATURE_TYPE")
	setStr(&cfg.Polymarket.ApiKey, "MIRROR_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "MIRROR_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "MIRROR_POLYMARKET_API_PASSPHRASE")
	setStr(&cfg.Polymarket.GoldskyURL, "MIRROR_POLYMARKET_GOLDSKY_URL")
	setStr(&cfg.Polymarket.GoldskyAPIKey, "MIRROR_POLYMARKET_GOLDSKY_API_KEY")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MIRROR_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "MIRROR_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MIRROR_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MIRROR_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MIRROR_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MIRROR_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MIRROR_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MIRROR_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MIRROR_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MIRROR_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MIRROR_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MIRROR_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MIRROR_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MIRROR_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MIRROR_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MIRROR_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.StreamMaxLen, "MIRROR_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "MIRROR_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "MIRROR_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MIRROR_S3_REGION")
	setStr(&cfg.S3.Bucket, "MIRROR_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MIRROR_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MIRROR_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MIRROR_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MIRROR_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "MIRROR_S3_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MIRROR_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MIRROR_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "MIRROR_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MIRROR_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MIRROR_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MIRROR_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MIRROR_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MIRROR_MODE")
	setStr(&cfg.LogLevel, "MIRROR_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
