// Package config defines the top-level configuration for the LMSR arbitrage
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LMSRBOT_* environment variables.
type Config struct {
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`
	// DryRun routes every intent to the paper venue.
	DryRun bool `toml:"dry_run"`

	Engine      EngineConfig      `toml:"engine"`
	Risk        RiskConfig        `toml:"risk"`
	Belief      BeliefConfig      `toml:"belief"`
	Fees        FeesConfig        `toml:"fees"`
	Markets     []MarketConfig    `toml:"markets"`
	Feeds       FeedsConfig       `toml:"feeds"`
	Chain       ChainConfig       `toml:"chain"`
	Executor    ExecutorConfig    `toml:"executor"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Persistence PersistenceConfig `toml:"persistence"`
	Server      ServerConfig      `toml:"server"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Notify      NotifyConfig      `toml:"notify"`
	Reload      ReloadConfig      `toml:"reload"`
}

// EngineConfig holds the decision thresholds and sizing inputs. Everything
// here is hot-reloadable.
type EngineConfig struct {
	// MakerEdgeThreshold is the minimum net edge for a maker intent.
	MakerEdgeThreshold float64 `toml:"maker_edge_threshold"`
	// TakerEdgeThreshold is the stricter minimum for a taker intent.
	TakerEdgeThreshold  float64 `toml:"taker_edge_threshold"`
	KellyFraction       float64 `toml:"kelly_fraction"`
	MaxPositionFraction float64 `toml:"max_position_fraction"`
	// ReferenceSize is the share count the marginal LMSR price is taken at.
	ReferenceSize float64 `toml:"reference_size"`
	// Bankroll is the USDC capital the engine sizes against.
	Bankroll float64 `toml:"bankroll"`
	// AllocationFraction is the share of bankroll any one asset may hold.
	AllocationFraction float64  `toml:"allocation_fraction"`
	StaleAfter         duration `toml:"stale_after"`
	InboxSize          int      `toml:"inbox_size"`
	SnapshotInterval   duration `toml:"snapshot_interval"`
}

// RiskConfig holds the circuit-breaker limits, as fractions of the asset's
// allocated capital.
type RiskConfig struct {
	TradeLossPct         float64  `toml:"trade_loss_pct"`
	HourLossPct          float64  `toml:"hour_loss_pct"`
	DayLossPct           float64  `toml:"day_loss_pct"`
	TradeWindow          duration `toml:"trade_window"`
	MaxConsecutiveLosses int      `toml:"max_consecutive_losses"`
	Cooldown             duration `toml:"cooldown"`
	MinTradeSize         float64  `toml:"min_trade_size"`
}

// BeliefConfig tunes the Bayesian estimator.
type BeliefConfig struct {
	PriorAlpha          float64  `toml:"prior_alpha"`
	PriorBeta           float64  `toml:"prior_beta"`
	EvidenceWeight      float64  `toml:"evidence_weight"`
	HalfLife            duration `toml:"half_life"`
	DivergenceThreshold float64  `toml:"divergence_threshold"`
	DebouncePct         float64  `toml:"debounce_pct"`
	MaxConcentration    float64  `toml:"max_concentration"`
	CrossMaxAge         duration `toml:"cross_max_age"`
}

// FeesConfig selects the venue fee schedule.
type FeesConfig struct {
	// Schedule is "standard", "crypto_short" or "custom".
	Schedule    string  `toml:"schedule"`
	TakerRate   float64 `toml:"taker_rate"`
	Exponent    int     `toml:"exponent"`
	MakerRebate float64 `toml:"maker_rebate"`
}

// MarketConfig describes one traded market and its per-market overrides.
// A nil override inherits the global value.
type MarketConfig struct {
	Asset       string  `toml:"asset"`
	Name        string  `toml:"name"`
	ConditionID string  `toml:"condition_id"`
	YesTokenID  string  `toml:"yes_token_id"`
	NoTokenID   string  `toml:"no_token_id"`
	Strike      float64 `toml:"strike"`
	VolBps      float64 `toml:"vol_bps"`
	Liquidity   float64 `toml:"liquidity"`
	Active      bool    `toml:"active"`
	// MakerEnabled allows resting orders; when false only taker intents
	// are considered.
	MakerEnabled *bool `toml:"maker_enabled"`

	// PrimarySymbol is the Binance stream symbol, e.g. "btcusdt".
	PrimarySymbol string `toml:"primary_symbol"`
	// CrossSymbol is the Coinbase product, e.g. "BTC-USD".
	CrossSymbol string `toml:"cross_symbol"`

	MakerEdgeThreshold  *float64 `toml:"maker_edge_threshold"`
	TakerEdgeThreshold  *float64 `toml:"taker_edge_threshold"`
	KellyFraction       *float64 `toml:"kelly_fraction"`
	DivergenceThreshold *float64 `toml:"divergence_threshold"`
	DebouncePct         *float64 `toml:"debounce_pct"`
	Capital             *float64 `toml:"capital"`
}

// FeedsConfig holds the websocket endpoints of the three feeds.
type FeedsConfig struct {
	BinanceURL     string   `toml:"binance_url"`
	CoinbaseURL    string   `toml:"coinbase_url"`
	PolymarketURL  string   `toml:"polymarket_url"`
	EnablePrimary  bool     `toml:"enable_primary"`
	EnableCross    bool     `toml:"enable_cross"`
	EnableMarket   bool     `toml:"enable_market"`
	ReconnectDelay duration `toml:"reconnect_delay"`
	PingInterval   duration `toml:"ping_interval"`
	BufferSize     int      `toml:"buffer_size"`
	// BusChannel, when set, also accepts ticks published on this Redis
	// channel.
	BusChannel string `toml:"bus_channel"`
	// RecordPrices mirrors every tick into the Redis price cache.
	RecordPrices bool `toml:"record_prices"`
}

// ChainConfig holds the Polygon RPC and the contracts checked at startup.
type ChainConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	ChainID        int      `toml:"chain_id"`
	CTFExchange    string   `toml:"ctf_exchange"`
	USDC           string   `toml:"usdc"`
	NegRiskAdapter string   `toml:"neg_risk_adapter"`
	Required       []string `toml:"required"`
	Timeout        duration `toml:"timeout"`
	Skip           bool     `toml:"skip"`
	// CodeHashes optionally pins the keccak256 of a contract's runtime code,
	// keyed by contract name (ctf_exchange, usdc, neg_risk_adapter).
	CodeHashes map[string]string `toml:"code_hashes"`
}

// ExecutorConfig holds the execution venue and its order-rate limits.
type ExecutorConfig struct {
	// Venue is "paper" or "redis".
	Venue           string   `toml:"venue"`
	OrdersPerMinute int      `toml:"orders_per_minute"`
	MinInterval     duration `toml:"min_interval"`
	IntentTTL       duration `toml:"intent_ttl"`
	DedupTTL        duration `toml:"dedup_ttl"`
	BreakerFailures int      `toml:"breaker_failures"`
	BreakerTimeout  duration `toml:"breaker_timeout"`
	IntentStream    string   `toml:"intent_stream"`
	ReportStream    string   `toml:"report_stream"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// RedisConfig holds Redis connection parameters and the keys the engine uses.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	StatusTTL  duration `toml:"status_ttl"`
	LeaderKey  string   `toml:"leader_key"`
	LeaderTTL  duration `toml:"leader_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// PersistenceConfig selects where snapshots and fills are written.
type PersistenceConfig struct {
	// Backend is "postgres" or "file".
	Backend         string   `toml:"backend"`
	DataDir         string   `toml:"data_dir"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
	// APIKey protects /api and /ws; empty disables authentication.
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is the per-client request rate on /api, zero disables it.
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`
}

// MetricsConfig holds Prometheus exporter parameters.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Path      string `toml:"path"`
	Namespace string `toml:"namespace"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// Cooldown suppresses repeats of the same alert for one asset.
	Cooldown duration `toml:"cooldown"`
}

// ReloadConfig controls polling of the config file.
type ReloadConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// Duration builds a duration value; handy in tests and defaults.
func Duration(d time.Duration) duration { return duration{d} }

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
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
func Defaults() Config {
	return Config{
		Mode:     "trade",
		LogLevel: "info",
		DryRun:   true,
		Engine: EngineConfig{
			MakerEdgeThreshold:  0.02,
			TakerEdgeThreshold:  0.04,
			KellyFraction:       0.25,
			MaxPositionFraction: 0.0625,
			ReferenceSize:       10,
			Bankroll:            1000,
			AllocationFraction:  0.25,
			StaleAfter:          duration{5 * time.Second},
			InboxSize:           256,
			SnapshotInterval:    duration{30 * time.Second},
		},
		Risk: RiskConfig{
			TradeLossPct:         0.05,
			HourLossPct:          0.10,
			DayLossPct:           0.30,
			TradeWindow:          duration{5 * time.Minute},
			MaxConsecutiveLosses: 5,
			Cooldown:             duration{5 * time.Minute},
			MinTradeSize:         1,
		},
		Belief: BeliefConfig{
			PriorAlpha:          1,
			PriorBeta:           1,
			EvidenceWeight:      4,
			HalfLife:            duration{5 * time.Second},
			DivergenceThreshold: 0.02,
			DebouncePct:         0.005,
			MaxConcentration:    200,
			CrossMaxAge:         duration{10 * time.Second},
		},
		Fees: FeesConfig{
			Schedule:    "standard",
			TakerRate:   0.25,
			Exponent:    2,
			MakerRebate: 0.002,
		},
		Feeds: FeedsConfig{
			BinanceURL:     "wss://stream.binance.com:9443/ws",
			CoinbaseURL:    "wss://ws-feed.exchange.coinbase.com",
			PolymarketURL:  "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			EnablePrimary:  true,
			EnableCross:    true,
			EnableMarket:   true,
			ReconnectDelay: duration{2 * time.Second},
			PingInterval:   duration{10 * time.Second},
			BufferSize:     1024,
		},
		Chain: ChainConfig{
			RPCURL:         "https://polygon-rpc.com",
			ChainID:        137,
			CTFExchange:    "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E",
			USDC:           "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
			NegRiskAdapter: "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296",
			Timeout:        duration{10 * time.Second},
		},
		Executor: ExecutorConfig{
			Venue:           "paper",
			OrdersPerMinute: 50,
			MinInterval:     duration{100 * time.Millisecond},
			IntentTTL:       duration{10 * time.Second},
			DedupTTL:        duration{time.Minute},
			BreakerFailures: 5,
			BreakerTimeout:  duration{30 * time.Second},
			IntentStream:    "exec:intents",
			ReportStream:    "exec:reports",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			StatusTTL:  duration{5 * time.Minute},
			LeaderKey:  "engine:leader",
			LeaderTTL:  duration{15 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "lmsrbot-data",
			ForcePathStyle: true,
			Prefix:         "lmsrbot",
		},
		Persistence: PersistenceConfig{
			Backend:         "file",
			DataDir:         "./data",
			ArchiveInterval: duration{time.Hour},
		},
		Server: ServerConfig{
			Enabled:   true,
			Port:      8000,
			RateLimit: 20,
			RateBurst: 40,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "lmsrbot",
		},
		Notify: NotifyConfig{
			Events:   []string{"breaker_tripped", "divergence", "order_filled", "error"},
			Cooldown: duration{5 * time.Minute},
		},
		Reload: ReloadConfig{
			Enabled:  true,
			Interval: duration{60 * time.Second},
		},
	}
}

// ActiveMarkets returns the markets marked active.
func (c *Config) ActiveMarkets() []MarketConfig {
	out := make([]MarketConfig, 0, len(c.Markets))
	for _, m := range c.Markets {
		if m.Active {
			out = append(out, m)
		}
	}
	return out
}

// Market looks up a market by asset.
func (c *Config) Market(asset string) (MarketConfig, bool) {
	for _, m := range c.Markets {
		if strings.EqualFold(m.Asset, asset) {
			return m, true
		}
	}
	return MarketConfig{}, false
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":    true,
	"paper":    true,
	"validate": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	fraction := func(name string, v float64, allowZero bool) {
		if v < 0 || v > 1 || (!allowZero && v == 0) {
			errs = append(errs, fmt.Sprintf("%s must be in (0, 1], got %v", name, v))
		}
	}

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, paper, validate)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.MakerEdgeThreshold < 0 {
		errs = append(errs, "engine: maker_edge_threshold must be >= 0")
	}
	if c.Engine.TakerEdgeThreshold < c.Engine.MakerEdgeThreshold {
		errs = append(errs, "engine: taker_edge_threshold must be >= maker_edge_threshold")
	}
	fraction("engine: kelly_fraction", c.Engine.KellyFraction, false)
	fraction("engine: max_position_fraction", c.Engine.MaxPositionFraction, false)
	fraction("engine: allocation_fraction", c.Engine.AllocationFraction, false)
	if c.Engine.ReferenceSize <= 0 {
		errs = append(errs, "engine: reference_size must be > 0")
	}
	if c.Engine.Bankroll <= 0 {
		errs = append(errs, "engine: bankroll must be > 0")
	}
	if c.Engine.InboxSize < 1 {
		errs = append(errs, "engine: inbox_size must be >= 1")
	}
	if c.Engine.StaleAfter.Duration <= 0 {
		errs = append(errs, "engine: stale_after must be > 0")
	}

	// Risk
	fraction("risk: trade_loss_pct", c.Risk.TradeLossPct, false)
	fraction("risk: hour_loss_pct", c.Risk.HourLossPct, false)
	fraction("risk: day_loss_pct", c.Risk.DayLossPct, false)
	if c.Risk.TradeWindow.Duration <= 0 {
		errs = append(errs, "risk: trade_window must be > 0")
	}
	if c.Risk.MaxConsecutiveLosses < 0 {
		errs = append(errs, "risk: max_consecutive_losses must be >= 0")
	}
	if c.Risk.MinTradeSize < 0 {
		errs = append(errs, "risk: min_trade_size must be >= 0")
	}

	// Belief
	if c.Belief.PriorAlpha <= 0 || c.Belief.PriorBeta <= 0 {
		errs = append(errs, "belief: prior_alpha and prior_beta must be > 0")
	}
	if c.Belief.EvidenceWeight <= 0 {
		errs = append(errs, "belief: evidence_weight must be > 0")
	}
	fraction("belief: divergence_threshold", c.Belief.DivergenceThreshold, false)
	fraction("belief: debounce_pct", c.Belief.DebouncePct, true)

	// Fees
	switch c.Fees.Schedule {
	case "standard", "crypto_short", "custom":
	default:
		errs = append(errs, fmt.Sprintf("fees: unknown schedule %q (valid: standard, crypto_short, custom)", c.Fees.Schedule))
	}
	if c.Fees.TakerRate < 0 || c.Fees.Exponent < 0 {
		errs = append(errs, "fees: taker_rate and exponent must be >= 0")
	}

	// Markets
	if c.Mode != "validate" && len(c.ActiveMarkets()) == 0 {
		errs = append(errs, "markets: at least one active market is required")
	}
	seen := make(map[string]bool)
	for i, m := range c.Markets {
		where := fmt.Sprintf("markets[%d]", i)
		if m.Asset == "" {
			errs = append(errs, where+": asset must not be empty")
		}
		key := strings.ToUpper(m.Asset)
		if seen[key] {
			errs = append(errs, fmt.Sprintf("%s: duplicate asset %q", where, m.Asset))
		}
		seen[key] = true
		if m.Liquidity <= 0 {
			errs = append(errs, where+": liquidity must be > 0")
		}
		if m.Strike < 0 {
			errs = append(errs, where+": strike must be >= 0")
		}
		if m.Strike > 0 && m.VolBps <= 0 {
			errs = append(errs, where+": vol_bps must be > 0 for strike markets")
		}
		if m.Active && c.Feeds.EnableMarket && m.YesTokenID == "" {
			errs = append(errs, where+": yes_token_id is required when the market feed is enabled")
		}
		if m.MakerEdgeThreshold != nil && m.TakerEdgeThreshold != nil && *m.TakerEdgeThreshold < *m.MakerEdgeThreshold {
			errs = append(errs, where+": taker_edge_threshold must be >= maker_edge_threshold")
		}
	}

	// Feeds
	if (c.Feeds.BusChannel != "" || c.Feeds.RecordPrices) && !c.Redis.Enabled {
		errs = append(errs, "feeds: bus_channel and record_prices require redis.enabled")
	}

	// Chain
	if !c.Chain.Skip {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must not be empty (or set chain.skip)")
		}
		if c.Chain.CTFExchange == "" {
			errs = append(errs, "chain: ctf_exchange must not be empty")
		}
	}

	// Executor
	switch c.Executor.Venue {
	case "paper":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "executor: venue redis requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("executor: unknown venue %q (valid: paper, redis)", c.Executor.Venue))
	}
	if c.Executor.OrdersPerMinute < 1 {
		errs = append(errs, "executor: orders_per_minute must be >= 1")
	}

	// Postgres
	if c.Postgres.Enabled {
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
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be in [0, pool_max_conns]")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Persistence
	switch c.Persistence.Backend {
	case "file":
		if c.Persistence.DataDir == "" {
			errs = append(errs, "persistence: data_dir must not be empty")
		}
	case "postgres":
		if !c.Postgres.Enabled {
			errs = append(errs, "persistence: backend postgres requires postgres.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("persistence: unknown backend %q (valid: postgres, file)", c.Persistence.Backend))
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Reload
	if c.Reload.Enabled && c.Reload.Interval.Duration <= 0 {
		errs = append(errs, "reload: interval must be > 0 when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
