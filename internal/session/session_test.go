package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/folio/errs"
	"github.com/coachpo/folio/internal/cache"
	"github.com/coachpo/folio/internal/config"
	"github.com/coachpo/folio/internal/marketdata"
	"github.com/coachpo/folio/internal/notify"
	"github.com/coachpo/folio/internal/refresh"
	"github.com/coachpo/folio/internal/schema"
)

type fakeVenue struct {
	balances    []map[string]string
	failAccount atomic.Bool
	accountHits atomic.Int32
	cancels     atomic.Int32
	bulkPrices  atomic.Int32
	widestBulk  atomic.Int32
	historyHits atomic.Int32
}

func (f *fakeVenue) handler(t *testing.T) http.Handler {
	t.Helper()
	write := func(w http.ResponseWriter, payload any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}
	prices := map[string]string{"BTCUSDT": "50000", "ETHUSDT": "3000", "BNBUSDT": "500", "SOLUSDT": "100"}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/time":
			write(w, map[string]int64{"serverTime": time.Now().UnixMilli()})
		case "/api/v3/account":
			f.accountHits.Add(1)
			if f.failAccount.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				write(w, map[string]any{"code": -1000, "msg": "internal"})
				return
			}
			balances := f.balances
			if balances == nil {
				balances = []map[string]string{
					{"asset": "USDT", "free": "100", "locked": "0"},
					{"asset": "BTC", "free": "0.01", "locked": "0"},
				}
			}
			write(w, map[string]any{"balances": balances})
		case "/api/v3/openOrders":
			write(w, []map[string]any{{
				"orderId": 1, "symbol": "BTCUSDT", "side": "BUY", "type": "LIMIT",
				"origQty": "0.1", "executedQty": "0", "price": "40000", "status": "NEW",
				"time": time.Now().UnixMilli(),
			}})
		case "/api/v3/order":
			f.cancels.Add(1)
			write(w, map[string]any{"orderId": 1, "status": "CANCELED"})
		case "/api/v3/ticker/price":
			if raw := r.URL.Query().Get("symbols"); raw != "" {
				f.bulkPrices.Add(1)
				var symbols []string
				_ = json.Unmarshal([]byte(raw), &symbols)
				for {
					widest := f.widestBulk.Load()
					if int32(len(symbols)) <= widest || f.widestBulk.CompareAndSwap(widest, int32(len(symbols))) {
						break
					}
				}
				out := make([]map[string]string, 0, len(symbols))
				for _, symbol := range symbols {
					price, ok := prices[symbol]
					if !ok {
						price = "2"
					}
					out = append(out, map[string]string{"symbol": symbol, "price": price})
				}
				write(w, out)
				return
			}
			symbol := r.URL.Query().Get("symbol")
			write(w, map[string]string{"symbol": symbol, "price": prices[symbol]})
		case "/api/v3/allOrders", "/api/v3/myTrades", "/fapi/v1/income":
			f.historyHits.Add(1)
			write(w, []any{})
		case "/fapi/v1/openOrders":
			write(w, []any{})
		case "/fapi/v2/account":
			write(w, map[string]any{"totalWalletBalance": "0", "assets": []any{}, "positions": []any{}})
		default:
			http.NotFound(w, r)
		}
	})
}

func newTestSession(t *testing.T, venue *fakeVenue, mutate func(*config.AppConfig)) *Session {
	t.Helper()
	srv := httptest.NewServer(venue.handler(t))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Venue.APIKey = "key"
	cfg.Venue.APISecret = "secret"
	cfg.Venue.Endpoints.Public = []string{srv.URL}
	cfg.Venue.Endpoints.Account = []string{srv.URL}
	cfg.Venue.Endpoints.Derivatives = []string{srv.URL}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSessionRefreshComposesValuation(t *testing.T) {
	venue := &fakeVenue{}
	s := newTestSession(t, venue, nil)

	require.NoError(t, s.Refresh(context.Background(), refresh.ModeFull))
	snap := s.Snapshot()
	require.True(t, snap.Valuation.Total.Equal(decimal.NewFromInt(600)), snap.Valuation.Total.String())
	require.True(t, snap.Valuation.PricesComplete)
	require.Len(t, snap.OpenOrders, 1)
	require.Equal(t, refresh.StateIdle, s.State())
	require.Equal(t, int32(1), venue.bulkPrices.Load(), "prices fetched in one bulk call")

	require.NoError(t, s.Refresh(context.Background(), refresh.ModeFast))
	require.Equal(t, int32(1), venue.accountHits.Load(), "account served from the hot tier")

	status := s.Status()
	require.Equal(t, refresh.StateIdle, status.State)
	require.True(t, status.Credentials)
	require.NotEmpty(t, status.Endpoints["account"])
	require.Positive(t, status.CacheEntries["hot"])
}

func TestSessionCancelHidesOrderAndNotifies(t *testing.T) {
	venue := &fakeVenue{}
	s := newTestSession(t, venue, nil)
	require.NoError(t, s.Refresh(context.Background(), refresh.ModeFast))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := s.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, s.CancelOrder(context.Background(), schema.MarketSpot, "BTCUSDT", "1"))
	require.Equal(t, int32(1), venue.cancels.Load())
	require.Empty(t, s.Snapshot().OpenOrders)

	select {
	case change := <-changes:
		require.Equal(t, notify.KindOrders, change.Kind)
		require.Empty(t, change.Snapshot.OpenOrders)
	case <-time.After(time.Second):
		t.Fatal("no orders notification")
	}

	err = s.CancelOrder(context.Background(), schema.MarketSpot, "BTCUSDT", "1")
	require.True(t, errs.Is(err, errs.CodeCooldown))
	require.Equal(t, int32(1), venue.cancels.Load())
}

func TestSessionRefreshFailureSurfacesError(t *testing.T) {
	venue := &fakeVenue{}
	venue.failAccount.Store(true)
	s := newTestSession(t, venue, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := s.Subscribe(ctx)
	require.NoError(t, err)

	err = s.Refresh(context.Background(), refresh.ModeFull)
	require.Error(t, err)
	require.Equal(t, refresh.StateError, s.State())
	require.Equal(t, err, s.LastError())
	require.NotEmpty(t, s.Status().Remediation)

	sawError := false
	for !sawError {
		select {
		case change := <-changes:
			sawError = change.Kind == notify.KindError
		case <-time.After(time.Second):
			t.Fatal("no error notification")
		}
	}
}

func TestSessionClearCacheForcesRefetch(t *testing.T) {
	venue := &fakeVenue{}
	s := newTestSession(t, venue, nil)
	require.NoError(t, s.Refresh(context.Background(), refresh.ModeFast))
	s.ClearCache()
	require.NoError(t, s.Refresh(context.Background(), refresh.ModeFast))
	require.Equal(t, int32(2), venue.accountHits.Load())
}

func TestSessionRunRefreshesUntilCancelled(t *testing.T) {
	venue := &fakeVenue{}
	s := newTestSession(t, venue, func(cfg *config.AppConfig) {
		cfg.Refresh.Interval = 20 * time.Millisecond
		cfg.Cache.HotTTL = time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return venue.accountHits.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	require.False(t, s.Snapshot().LastUpdated.IsZero())
}

func TestNewRejectsInvalidMinBalance(t *testing.T) {
	cfg := config.Default()
	cfg.Aggregator.MinBalance = "abc"
	_, err := New(cfg)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestRefreshWithoutCredentialsFailsLocally(t *testing.T) {
	s, err := New(config.Default())
	require.NoError(t, err)
	defer func() { _ = s.Close(context.Background()) }()

	err = s.Refresh(context.Background(), refresh.ModeFast)
	require.True(t, errs.Is(err, errs.CodeAuth))
	require.False(t, s.Status().Credentials)
	require.Equal(t, refresh.StateError, s.State())
}

func altBalances(n int) []map[string]string {
	out := []map[string]string{{"asset": "USDT", "free": "100", "locked": "0"}}
	for i := 1; i <= n; i++ {
		out = append(out, map[string]string{"asset": fmt.Sprintf("ALT%02d", i), "free": "1", "locked": "0"})
	}
	return out
}

func TestSessionFullRefreshWithinDefaultBudget(t *testing.T) {
	venue := &fakeVenue{balances: altBalances(5)}
	s := newTestSession(t, venue, nil)

	start := time.Now()
	require.NoError(t, s.Refresh(context.Background(), refresh.ModeFull))
	require.Less(t, time.Since(start), time.Second, "critical phase is not throttled by the local budget")

	// five symbols with order and trade history each, plus funding
	require.Eventually(t, func() bool { return venue.historyHits.Load() == 11 }, 5*time.Second, 10*time.Millisecond)
	s.runner.Wait()
	require.Equal(t, refresh.StateIdle, s.State())
	require.NoError(t, s.LastError())
}

func TestSessionFlushLoopPricesAssetsBeyondBulkCap(t *testing.T) {
	venue := &fakeVenue{balances: altBalances(24)}
	s := newTestSession(t, venue, func(cfg *config.AppConfig) {
		cfg.Aggregator.FlushInterval = 10 * time.Millisecond
		cfg.Cache.Capacity = 200
	})

	require.NoError(t, s.Refresh(context.Background(), refresh.ModeFast))
	require.Equal(t, int32(1), venue.bulkPrices.Load())
	require.Positive(t, s.prices.Pending(), "assets past the bulk cap wait for the flush loop")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.prices.Start(ctx)
	defer s.prices.Stop()

	wanted := s.prices.PricedAssets([]string{"ALT01"})
	for i := 2; i <= 24; i++ {
		wanted = append(wanted, fmt.Sprintf("ALT%02d", i))
	}
	require.Eventually(t, func() bool {
		for _, asset := range wanted {
			if _, ok := s.cache.Get(cache.Hot, marketdata.PriceKey(asset)); !ok {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, s.prices.Pending())
	require.LessOrEqual(t, venue.widestBulk.Load(), int32(20))
	require.Equal(t, int32(1), venue.accountHits.Load(), "prices arrived without another refresh")
}
