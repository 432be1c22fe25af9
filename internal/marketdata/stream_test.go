package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/folio/internal/cache"
)

func TestStreamApplyParsesMiniTickers(t *testing.T) {
	c := cache.New(cache.Options{})
	s := NewStream("", "usdt", c, nil)

	n := s.apply([]byte(`[
		{"e":"24hrMiniTicker","s":"BTCUSDT","c":"50000.10"},
		{"e":"24hrMiniTicker","s":"ETHBTC","c":"0.05"},
		{"e":"24hrMiniTicker","s":"USDT","c":"1"},
		{"e":"24hrMiniTicker","s":"SOLUSDT","c":"bad"}
	]`))
	require.Equal(t, 1, n)
	price, ok := cache.Lookup[decimal.Decimal](c, cache.Hot, PriceKey("BTC"))
	require.True(t, ok)
	require.Equal(t, "50000.1", price.String())

	require.Equal(t, 1, s.apply([]byte(`{"e":"24hrMiniTicker","s":"ETHUSDT","c":"3000"}`)))
	require.Zero(t, s.apply([]byte(`garbage`)))
}

func TestStreamRunWritesPricesUntilCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`[{"e":"24hrMiniTicker","s":"BNBUSDT","c":"600"}]`))
		_, _, _ = conn.Read(context.Background())
	}))
	t.Cleanup(srv.Close)

	c := cache.New(cache.Options{})
	s := NewStream("ws"+strings.TrimPrefix(srv.URL, "http"), "USDT", c, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := c.Get(cache.Hot, PriceKey("BNB"))
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
}
