package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "paper"
log_level = "debug"

[engine]
maker_edge_threshold = 0.025
stale_after = "3s"

[risk]
hour_loss_pct = 0.08

[[markets]]
asset = "BTC"
name = "BTC above 100k"
condition_id = "0xabc"
yes_token_id = "111"
no_token_id = "222"
strike = 100000
vol_bps = 40
liquidity = 150
active = true
primary_symbol = "btcusdt"
cross_symbol = "BTC-USD"
taker_edge_threshold = 0.06

[[markets]]
asset = "ETH"
yes_token_id = "333"
liquidity = 80
active = false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadMergesOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, 0.025, cfg.Engine.MakerEdgeThreshold)
	assert.Equal(t, 0.04, cfg.Engine.TakerEdgeThreshold, "default kept")
	assert.Equal(t, 3*time.Second, cfg.Engine.StaleAfter.Duration)
	assert.Equal(t, 0.08, cfg.Risk.HourLossPct)
	assert.Equal(t, 0.30, cfg.Risk.DayLossPct)

	require.Len(t, cfg.Markets, 2)
	btc := cfg.Markets[0]
	assert.Nil(t, btc.MakerEdgeThreshold)
	require.NotNil(t, btc.TakerEdgeThreshold)
	assert.Equal(t, 0.06, *btc.TakerEdgeThreshold)

	active := cfg.ActiveMarkets()
	require.Len(t, active, 1)
	assert.Equal(t, "BTC", active[0].Asset)

	m, ok := cfg.Market("eth")
	assert.True(t, ok)
	assert.Equal(t, 80.0, m.Liquidity)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LMSRBOT_ENGINE_KELLY_FRACTION", "0.5")
	t.Setenv("LMSRBOT_RISK_COOLDOWN", "90s")
	t.Setenv("LMSRBOT_CHAIN_REQUIRED", " ctf_exchange, usdc ,")
	t.Setenv("LMSRBOT_DRY_RUN", "false")
	t.Setenv("LMSRBOT_SERVER_PORT", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Engine.KellyFraction)
	assert.Equal(t, 90*time.Second, cfg.Risk.Cooldown.Duration)
	assert.Equal(t, []string{"ctf_exchange", "usdc"}, cfg.Chain.Required)
	assert.False(t, cfg.DryRun)
	assert.Equal(t, 8000, cfg.Server.Port, "unparsable values are ignored")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "yolo"
	cfg.Engine.TakerEdgeThreshold = 0.01
	cfg.Risk.HourLossPct = 1.5
	cfg.Executor.Venue = "rest"
	cfg.Persistence.Backend = "postgres"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "config validation failed:")
	assert.Contains(t, msg, `unknown mode "yolo"`)
	assert.Contains(t, msg, "taker_edge_threshold must be >= maker_edge_threshold")
	assert.Contains(t, msg, "risk: hour_loss_pct")
	assert.Contains(t, msg, `unknown venue "rest"`)
	assert.Contains(t, msg, "requires postgres.enabled")
	assert.Contains(t, msg, "at least one active market")
}

func TestValidateMarkets(t *testing.T) {
	cfg := Defaults()
	cfg.Markets = []MarketConfig{
		{Asset: "BTC", Liquidity: 100, Strike: 100_000, Active: true, YesTokenID: "1"},
		{Asset: "btc", Liquidity: 0, Active: true},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vol_bps must be > 0")
	assert.Contains(t, err.Error(), `duplicate asset "btc"`)
	assert.Contains(t, err.Error(), "markets[1]: liquidity must be > 0")
	assert.Contains(t, err.Error(), "markets[1]: yes_token_id is required")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.S3.SecretKey = "s3cret"
	cfg.Notify.Events = []string{"error"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "", out.S3.AccessKey, "empty secrets stay empty")
	assert.Equal(t, "hunter2", cfg.Postgres.Password)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "error", cfg.Notify.Events[0])
}

func TestBroadcasterLatestWins(t *testing.T) {
	base := Defaults()
	bc := NewBroadcaster(&base)
	assert.Equal(t, uint64(1), bc.Current().Version)

	ch, cancel := bc.Subscribe()
	defer cancel()

	a, b := Defaults(), Defaults()
	a.Engine.KellyFraction = 0.3
	b.Engine.KellyFraction = 0.4
	bc.Publish(&a)
	bc.Publish(&b)

	got := <-ch
	assert.Equal(t, uint64(3), got.Version)
	assert.Equal(t, 0.4, got.Config.Engine.KellyFraction)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected snapshot %d", extra.Version)
	default:
	}
}

func TestBroadcasterCancelClosesChannel(t *testing.T) {
	base := Defaults()
	bc := NewBroadcaster(&base)
	ch, cancel := bc.Subscribe()
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	bc.Publish(&base)
}

func TestWatcherPublishesValidChanges(t *testing.T) {
	path := writeConfig(t, sampleTOML)
	cfg, err := Load(path)
	require.NoError(t, err)
	bc := NewBroadcaster(cfg)
	w := NewWatcher(path, time.Minute, bc, discard())
	ctx := context.Background()

	changed, err := w.Check(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "unchanged file is not republished")

	require.NoError(t, os.WriteFile(path, []byte(sampleTOML+"\n[belief]\ndebounce_pct = 0.01\n"), 0o600))
	changed, err = w.Check(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint64(2), bc.Current().Version)
	assert.Equal(t, 0.01, bc.Current().Config.Belief.DebouncePct)
}

func TestWatcherKeepsCurrentOnInvalidConfig(t *testing.T) {
	path := writeConfig(t, sampleTOML)
	cfg, err := Load(path)
	require.NoError(t, err)
	bc := NewBroadcaster(cfg)
	w := NewWatcher(path, time.Minute, bc, discard())

	require.NoError(t, os.WriteFile(path, []byte(sampleTOML+"\n[belief]\nevidence_weight = -1\n"), 0o600))
	changed, err := w.Check(context.Background())
	assert.False(t, changed)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("mode = [broken"), 0o600))
	changed, err = w.Check(context.Background())
	assert.False(t, changed)
	assert.Error(t, err)
	assert.Equal(t, uint64(1), bc.Current().Version)
}
