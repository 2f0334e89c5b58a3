package redis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

func newMock(t *testing.T) (*Client, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return Wrap(db), mock
}

func TestLockAcquireRefreshRelease(t *testing.T) {
	c, mock := newMock(t)
	lm := NewLockManager(c)
	lm.newToken = func() string { return "tok" }
	ctx := context.Background()
	ttl := 15 * time.Second

	mock.ExpectSetNX("lock:engine:leader", "tok", ttl).SetVal(true)
	unlock, err := lm.Acquire(ctx, "engine:leader", ttl)
	require.NoError(t, err)

	refreshSHA := redis.NewScript(refreshLua).Hash()
	mock.ExpectEvalSha(refreshSHA, []string{"lock:engine:leader"}, "tok", ttl.Milliseconds()).SetVal(int64(1))
	require.NoError(t, lm.Refresh(ctx, "engine:leader", ttl))

	unlockSHA := redis.NewScript(unlockLua).Hash()
	mock.ExpectEvalSha(unlockSHA, []string{"lock:engine:leader"}, "tok").SetVal(int64(1))
	unlock()
	unlock()

	err = lm.Refresh(ctx, "engine:leader", ttl)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLockHeldElsewhere(t *testing.T) {
	c, mock := newMock(t)
	lm := NewLockManager(c)
	lm.newToken = func() string { return "tok" }

	mock.ExpectSetNX("lock:engine:leader", "tok", time.Second).SetVal(false)
	_, err := lm.Acquire(context.Background(), "engine:leader", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestLockRefreshAfterExpiry(t *testing.T) {
	c, mock := newMock(t)
	lm := NewLockManager(c)
	lm.newToken = func() string { return "tok" }
	ctx := context.Background()

	mock.ExpectSetNX("lock:k", "tok", time.Second).SetVal(true)
	_, err := lm.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	sha := redis.NewScript(refreshLua).Hash()
	mock.ExpectEvalSha(sha, []string{"lock:k"}, "tok", int64(1000)).SetVal(int64(0))
	err = lm.Refresh(ctx, "k", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestStatusCacheRoundTrip(t *testing.T) {
	c, mock := newMock(t)
	sc := NewStatusCache(c, time.Minute)
	ctx := context.Background()

	status := domain.AssetStatus{
		Asset:         "BTC",
		Phase:         "idle",
		BeliefMean:    0.62,
		ConfigVersion: 4,
		UpdatedAt:     time.Date(2026, 3, 2, 14, 20, 0, 0, time.UTC),
	}
	data, err := json.Marshal(status)
	require.NoError(t, err)

	mock.ExpectSet("status:BTC", data, time.Minute).SetVal("OK")
	require.NoError(t, sc.SetStatus(ctx, status))

	mock.ExpectGet("status:BTC").SetVal(string(data))
	got, err := sc.GetStatus(ctx, "btc")
	require.NoError(t, err)
	assert.Equal(t, status, got)

	mock.ExpectGet("status:ETH").RedisNil()
	_, err = sc.GetStatus(ctx, "ETH")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	mock.ExpectGet("status:SOL").SetErr(errors.New("connection reset"))
	_, err = sc.GetStatus(ctx, "SOL")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestPriceCacheGet(t *testing.T) {
	c, mock := newMock(t)
	pc := NewPriceCache(c)
	ctx := context.Background()
	ts := time.Date(2026, 3, 2, 14, 20, 0, 0, time.UTC)
	key := domain.FeedKey("BTC", domain.SourcePrimary)
	assert.Equal(t, "BTC:primary", key)

	mock.ExpectHGetAll("price:BTC:primary").SetVal(map[string]string{
		"price": "0.62",
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	})
	price, at, err := pc.GetPrice(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, 0.62, price, 1e-12)
	assert.True(t, ts.Equal(at))

	mock.ExpectHGetAll("price:BTC:cross").SetVal(map[string]string{})
	_, _, err = pc.GetPrice(ctx, "BTC:cross")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPriceCacheGetPrices(t *testing.T) {
	c, mock := newMock(t)
	pc := NewPriceCache(c)

	mock.ExpectHGetAll("price:BTC:primary").SetVal(map[string]string{"price": "0.61"})
	mock.ExpectHGetAll("price:BTC:market").SetVal(map[string]string{})
	got, err := pc.GetPrices(context.Background(), []string{"BTC:primary", "BTC:market"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"BTC:primary": 0.61}, got)

	empty, err := pc.GetPrices(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSignalBusStreams(t *testing.T) {
	c, mock := newMock(t)
	bus := NewSignalBus(c)
	ctx := context.Background()
	payload := []byte(`{"id":"intent-1"}`)

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "exec:intents",
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}).SetVal("1-0")
	require.NoError(t, bus.StreamAppend(ctx, "exec:intents", payload))

	mock.ExpectXRead(&redis.XReadArgs{
		Streams: []string{"exec:reports", "0"},
		Count:   10,
		Block:   -1,
	}).SetVal([]redis.XStream{{
		Stream: "exec:reports",
		Messages: []redis.XMessage{
			{ID: "1-0", Values: map[string]interface{}{"payload": `{"fill":null}`}},
			{ID: "2-0", Values: map[string]interface{}{"other": "x"}},
		},
	}})
	msgs, err := bus.StreamRead(ctx, "exec:reports", "0", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "1-0", msgs[0].ID)
	assert.JSONEq(t, `{"fill":null}`, string(msgs[0].Payload))

	mock.ExpectXRead(&redis.XReadArgs{
		Streams: []string{"exec:reports", "1-0"},
		Count:   10,
		Block:   time.Second,
	}).RedisNil()
	msgs, err = bus.StreamRead(ctx, "exec:reports", "1-0", 10, time.Second)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSignalBusPublish(t *testing.T) {
	c, mock := newMock(t)
	bus := NewSignalBus(c)

	mock.ExpectPublish(ChannelDecisions, []byte("x")).SetVal(1)
	require.NoError(t, bus.Publish(context.Background(), ChannelDecisions, []byte("x")))

	mock.ExpectPublish(ChannelDecisions, []byte("y")).SetErr(errors.New("down"))
	assert.Error(t, bus.Publish(context.Background(), ChannelDecisions, []byte("y")))
}

type fakeLocks struct {
	mu         sync.Mutex
	held       int
	refreshErr error
	acquired   bool
}

func (f *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held > 0 {
		f.held--
		return nil, domain.ErrLockHeld
	}
	f.acquired = true
	return func() {}, nil
}

func (f *fakeLocks) Refresh(context.Context, string, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshErr
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLeaderCampaignWaitsForLock(t *testing.T) {
	locks := &fakeLocks{held: 2}
	l := NewLeader(locks, "engine:leader", 30*time.Millisecond, discard())

	release, err := l.Campaign(context.Background())
	require.NoError(t, err)
	require.NotNil(t, release)
	assert.True(t, locks.acquired)
}

func TestLeaderCampaignCancelled(t *testing.T) {
	locks := &fakeLocks{held: 1000}
	l := NewLeader(locks, "engine:leader", 30*time.Millisecond, discard())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := l.Campaign(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLeaderKeepReturnsWhenLost(t *testing.T) {
	locks := &fakeLocks{refreshErr: domain.ErrLockHeld}
	l := NewLeader(locks, "engine:leader", 30*time.Millisecond, discard())

	err := l.Keep(context.Background())
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestLeaderKeepToleratesOneFailure(t *testing.T) {
	locks := &fakeLocks{refreshErr: errors.New("timeout")}
	l := NewLeader(locks, "engine:leader", 30*time.Millisecond, discard())

	start := time.Now()
	err := l.Keep(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrLockHeld)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}
