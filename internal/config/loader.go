package config

import (
	"bytes"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LMSRBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse is Load over bytes already read, so the reload watcher decodes
// exactly the content it hashed.
func Parse(raw []byte) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.NewDecoder(bytes.NewReader(raw)).Decode(&cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LMSRBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "LMSRBOT_MODE")
	setStr(&cfg.LogLevel, "LMSRBOT_LOG_LEVEL")
	setBool(&cfg.DryRun, "LMSRBOT_DRY_RUN")

	// ── Engine ──
	setFloat64(&cfg.Engine.MakerEdgeThreshold, "LMSRBOT_ENGINE_MAKER_EDGE_THRESHOLD")
	setFloat64(&cfg.Engine.TakerEdgeThreshold, "LMSRBOT_ENGINE_TAKER_EDGE_THRESHOLD")
	setFloat64(&cfg.Engine.KellyFraction, "LMSRBOT_ENGINE_KELLY_FRACTION")
	setFloat64(&cfg.Engine.MaxPositionFraction, "LMSRBOT_ENGINE_MAX_POSITION_FRACTION")
	setFloat64(&cfg.Engine.ReferenceSize, "LMSRBOT_ENGINE_REFERENCE_SIZE")
	setFloat64(&cfg.Engine.Bankroll, "LMSRBOT_ENGINE_BANKROLL")
	setFloat64(&cfg.Engine.AllocationFraction, "LMSRBOT_ENGINE_ALLOCATION_FRACTION")
	setDuration(&cfg.Engine.StaleAfter, "LMSRBOT_ENGINE_STALE_AFTER")
	setInt(&cfg.Engine.InboxSize, "LMSRBOT_ENGINE_INBOX_SIZE")
	setDuration(&cfg.Engine.SnapshotInterval, "LMSRBOT_ENGINE_SNAPSHOT_INTERVAL")

	// ── Risk ──
	setFloat64(&cfg.Risk.TradeLossPct, "LMSRBOT_RISK_TRADE_LOSS_PCT")
	setFloat64(&cfg.Risk.HourLossPct, "LMSRBOT_RISK_HOUR_LOSS_PCT")
	setFloat64(&cfg.Risk.DayLossPct, "LMSRBOT_RISK_DAY_LOSS_PCT")
	setDuration(&cfg.Risk.TradeWindow, "LMSRBOT_RISK_TRADE_WINDOW")
	setInt(&cfg.Risk.MaxConsecutiveLosses, "LMSRBOT_RISK_MAX_CONSECUTIVE_LOSSES")
	setDuration(&cfg.Risk.Cooldown, "LMSRBOT_RISK_COOLDOWN")
	setFloat64(&cfg.Risk.MinTradeSize, "LMSRBOT_RISK_MIN_TRADE_SIZE")

	// ── Belief ──
	setFloat64(&cfg.Belief.EvidenceWeight, "LMSRBOT_BELIEF_EVIDENCE_WEIGHT")
	setDuration(&cfg.Belief.HalfLife, "LMSRBOT_BELIEF_HALF_LIFE")
	setFloat64(&cfg.Belief.DivergenceThreshold, "LMSRBOT_BELIEF_DIVERGENCE_THRESHOLD")
	setFloat64(&cfg.Belief.DebouncePct, "LMSRBOT_BELIEF_DEBOUNCE_PCT")

	// ── Fees ──
	setStr(&cfg.Fees.Schedule, "LMSRBOT_FEES_SCHEDULE")
	setFloat64(&cfg.Fees.TakerRate, "LMSRBOT_FEES_TAKER_RATE")
	setFloat64(&cfg.Fees.MakerRebate, "LMSRBOT_FEES_MAKER_REBATE")

	// ── Feeds ──
	setStr(&cfg.Feeds.BinanceURL, "LMSRBOT_FEEDS_BINANCE_URL")
	setStr(&cfg.Feeds.CoinbaseURL, "LMSRBOT_FEEDS_COINBASE_URL")
	setStr(&cfg.Feeds.PolymarketURL, "LMSRBOT_FEEDS_POLYMARKET_URL")
	setBool(&cfg.Feeds.EnablePrimary, "LMSRBOT_FEEDS_ENABLE_PRIMARY")
	setBool(&cfg.Feeds.EnableCross, "LMSRBOT_FEEDS_ENABLE_CROSS")
	setBool(&cfg.Feeds.EnableMarket, "LMSRBOT_FEEDS_ENABLE_MARKET")
	setDuration(&cfg.Feeds.ReconnectDelay, "LMSRBOT_FEEDS_RECONNECT_DELAY")
	setStr(&cfg.Feeds.BusChannel, "LMSRBOT_FEEDS_BUS_CHANNEL")
	setBool(&cfg.Feeds.RecordPrices, "LMSRBOT_FEEDS_RECORD_PRICES")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "LMSRBOT_CHAIN_RPC_URL")
	setInt(&cfg.Chain.ChainID, "LMSRBOT_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.CTFExchange, "LMSRBOT_CHAIN_CTF_EXCHANGE")
	setStr(&cfg.Chain.USDC, "LMSRBOT_CHAIN_USDC")
	setStr(&cfg.Chain.NegRiskAdapter, "LMSRBOT_CHAIN_NEG_RISK_ADAPTER")
	setStringSlice(&cfg.Chain.Required, "LMSRBOT_CHAIN_REQUIRED")
	setBool(&cfg.Chain.Skip, "LMSRBOT_CHAIN_SKIP")

	// ── Executor ──
	setStr(&cfg.Executor.Venue, "LMSRBOT_EXECUTOR_VENUE")
	setInt(&cfg.Executor.OrdersPerMinute, "LMSRBOT_EXECUTOR_ORDERS_PER_MINUTE")
	setDuration(&cfg.Executor.MinInterval, "LMSRBOT_EXECUTOR_MIN_INTERVAL")
	setDuration(&cfg.Executor.IntentTTL, "LMSRBOT_EXECUTOR_INTENT_TTL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "LMSRBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "LMSRBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "LMSRBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LMSRBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LMSRBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LMSRBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LMSRBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LMSRBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LMSRBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LMSRBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LMSRBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "LMSRBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "LMSRBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LMSRBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LMSRBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LMSRBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LMSRBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LMSRBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.LeaderKey, "LMSRBOT_REDIS_LEADER_KEY")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LMSRBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LMSRBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LMSRBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "LMSRBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LMSRBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LMSRBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LMSRBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LMSRBOT_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "LMSRBOT_S3_PREFIX")

	// ── Persistence ──
	setStr(&cfg.Persistence.Backend, "LMSRBOT_PERSISTENCE_BACKEND")
	setStr(&cfg.Persistence.DataDir, "LMSRBOT_PERSISTENCE_DATA_DIR")
	setDuration(&cfg.Persistence.ArchiveInterval, "LMSRBOT_PERSISTENCE_ARCHIVE_INTERVAL")

	// ── Server / metrics ──
	setBool(&cfg.Server.Enabled, "LMSRBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LMSRBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "LMSRBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "LMSRBOT_SERVER_CORS_ORIGINS")
	setFloat64(&cfg.Server.RateLimit, "LMSRBOT_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "LMSRBOT_SERVER_RATE_BURST")
	setBool(&cfg.Metrics.Enabled, "LMSRBOT_METRICS_ENABLED")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LMSRBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LMSRBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LMSRBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LMSRBOT_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "LMSRBOT_NOTIFY_COOLDOWN")

	// ── Reload ──
	setBool(&cfg.Reload.Enabled, "LMSRBOT_RELOAD_ENABLED")
	setDuration(&cfg.Reload.Interval, "LMSRBOT_RELOAD_INTERVAL")
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
