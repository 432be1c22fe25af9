package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/folio/internal/cache"
	"github.com/coachpo/folio/internal/observability"
)

const (
	streamReadLimit       = 4 << 20
	streamMaxReconnect    = 30 * time.Second
	defaultMiniTickerURL  = "wss://stream.binance.com:9443/ws/!miniTicker@arr"
	streamInitialInterval = 500 * time.Millisecond
)

// Stream keeps hot-tier price entries current from the venue's mini-ticker websocket feed.
type Stream struct {
	url    string
	quote  string
	cache  *cache.MultiTier
	logger observability.Logger
	dial   func(ctx context.Context, url string) (*websocket.Conn, error)

	metrics *aggregatorMetrics
}

// NewStream constructs a price stream writing into c. An empty url uses the Binance
// all-market mini-ticker stream.
func NewStream(url, quoteAsset string, c *cache.MultiTier, logger observability.Logger) *Stream {
	url = strings.TrimSpace(url)
	if url == "" {
		url = defaultMiniTickerURL
	}
	quoteAsset = strings.ToUpper(strings.TrimSpace(quoteAsset))
	if quoteAsset == "" {
		quoteAsset = "USDT"
	}
	return &Stream{
		url:    url,
		quote:  quoteAsset,
		cache:  c,
		logger: observability.OrDefault(logger),
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, url, nil)
			return conn, err
		},
		metrics: newAggregatorMetrics(),
	}
}

type miniTicker struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Close  string `json:"c"`
}

// Run maintains the connection until ctx ends, reconnecting with exponential backoff.
func (s *Stream) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = streamInitialInterval
	policy.MaxInterval = streamMaxReconnect

	for {
		if ctx.Err() != nil {
			return context.Canceled
		}
		conn, err := s.dial(ctx, s.url)
		if err != nil {
			s.metrics.recordReconnect("error")
			s.logger.Warn("price stream dial failed", observability.F("url", s.url), observability.Err(err))
		} else {
			s.metrics.recordReconnect("success")
			policy.Reset()
			conn.SetReadLimit(streamReadLimit)
			err = s.readLoop(ctx, conn)
			_ = conn.Close(websocket.StatusNormalClosure, "")
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("price stream disconnected", observability.Err(err))
			}
		}

		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			sleep = streamMaxReconnect
		}
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		s.apply(data)
	}
}

// apply stores prices from one mini-ticker payload, either an array or a single event.
func (s *Stream) apply(data []byte) int {
	var tickers []miniTicker
	if err := json.Unmarshal(data, &tickers); err != nil {
		var single miniTicker
		if err := json.Unmarshal(data, &single); err != nil {
			s.logger.Debug("price stream payload ignored", observability.Err(err))
			return 0
		}
		tickers = []miniTicker{single}
	}
	stored := 0
	for _, ticker := range tickers {
		symbol := strings.ToUpper(strings.TrimSpace(ticker.Symbol))
		asset, ok := strings.CutSuffix(symbol, s.quote)
		if !ok || asset == "" {
			continue
		}
		price, err := decimal.NewFromString(strings.TrimSpace(ticker.Close))
		if err != nil || !price.IsPositive() {
			continue
		}
		s.cache.Set(cache.Hot, PriceKey(asset), price, 0)
		stored++
	}
	return stored
}
