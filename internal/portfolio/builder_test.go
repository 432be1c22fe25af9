package portfolio

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/folio/errs"
	"github.com/coachpo/folio/internal/cache"
	"github.com/coachpo/folio/internal/schema"
	"github.com/coachpo/folio/internal/venue"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeVenue struct {
	spot       []schema.Balance
	spotErr    error
	futures    venue.FuturesAccount
	futuresErr error
	open       map[schema.Market][]schema.OrderRecord
	openErr    map[schema.Market]error
	history    map[string][]schema.OrderRecord
	historyErr map[string]error
	trades     map[string][]schema.Trade
	tradesErr  error
	funding    []schema.FundingEntry
	fundingErr error

	accountCalls atomic.Int32
}

func (f *fakeVenue) Account(context.Context) ([]schema.Balance, error) {
	f.accountCalls.Add(1)
	return f.spot, f.spotErr
}

func (f *fakeVenue) FuturesAccount(context.Context) (venue.FuturesAccount, error) {
	return f.futures, f.futuresErr
}

func (f *fakeVenue) OpenOrders(_ context.Context, market schema.Market) ([]schema.OrderRecord, error) {
	return f.open[market], f.openErr[market]
}

func (f *fakeVenue) OrderHistory(_ context.Context, _ schema.Market, symbol string, _ int) ([]schema.OrderRecord, error) {
	return f.history[symbol], f.historyErr[symbol]
}

func (f *fakeVenue) TradeHistory(_ context.Context, _ schema.Market, symbol string, _ int) ([]schema.Trade, error) {
	return f.trades[symbol], f.tradesErr
}

func (f *fakeVenue) FundingHistory(context.Context, string, int) ([]schema.FundingEntry, error) {
	return f.funding, f.fundingErr
}

func (f *fakeVenue) PlaceOrder(context.Context, schema.OrderRequest) (schema.OrderRecord, error) {
	return schema.OrderRecord{}, errors.New("not used")
}

func (f *fakeVenue) CancelOrder(context.Context, schema.Market, string, string) error { return nil }

func (f *fakeVenue) SetLeverage(context.Context, string, int) error { return nil }

func (f *fakeVenue) TickerPrices(context.Context, []string) (map[string]decimal.Decimal, error) {
	return nil, errors.New("not used")
}

func (f *fakeVenue) TickerPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("not used")
}

type fakePricer struct {
	prices map[string]decimal.Decimal
	err    error
}

func (p fakePricer) Prices(context.Context, []string) (map[string]decimal.Decimal, error) {
	return p.prices, p.err
}

func (p fakePricer) IsStable(asset string) bool {
	switch asset {
	case "USDT", "USDC", "FDUSD":
		return true
	}
	return false
}

func (p fakePricer) QuoteAsset() string { return "USDT" }

func newTestBuilder(api venue.API, pricer Pricer, derivatives bool) *Builder {
	return NewBuilder(api, pricer, cache.New(cache.Options{}), nil, Options{
		MinBalance:  dec("0.00000001"),
		Derivatives: derivatives,
		Clock:       func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
}

func TestValueMixesStableAndPricedAssets(t *testing.T) {
	balances := []schema.Balance{
		{Asset: "USDT", Free: dec("100")},
		{Asset: "BTC", Free: dec("0.01")},
	}
	v := Value(balances, map[string]decimal.Decimal{"BTC": dec("50000")}, fakePricer{}.IsStable, "USDT")
	require.True(t, v.SpotValue.Equal(dec("600")), v.SpotValue.String())
	require.True(t, v.StableValue.Equal(dec("100")))
	require.True(t, v.PricesComplete)
}

func TestValueMissingPriceCountsZero(t *testing.T) {
	balances := []schema.Balance{
		{Asset: "USDC", Free: dec("10"), Locked: dec("5")},
		{Asset: "DOGE", Free: dec("1000")},
	}
	v := Value(balances, nil, fakePricer{}.IsStable, "USDT")
	require.True(t, v.SpotValue.Equal(dec("15")))
	require.False(t, v.PricesComplete)
}

func TestUnrealizedPnLPrefersAggregate(t *testing.T) {
	aggregate := dec("-2")
	positions := []schema.Position{
		{Symbol: "BTCUSDT", Size: dec("0.1"), UnrealizedProfit: dec("5")},
		{Symbol: "ETHUSDT", Size: dec("0"), UnrealizedProfit: dec("100")},
		{Symbol: "SOLUSDT", Size: dec("-3"), UnrealizedProfit: dec("-1.5")},
	}
	require.True(t, UnrealizedPnL(venue.FuturesAccount{Positions: positions, TotalUnrealizedProfit: &aggregate}).Equal(aggregate))
	require.True(t, UnrealizedPnL(venue.FuturesAccount{Positions: positions}).Equal(dec("3.5")))
}

func TestBuildValuationComposesSnapshot(t *testing.T) {
	pnl := dec("12.5")
	api := &fakeVenue{
		spot: []schema.Balance{
			{Asset: "USDT", Free: dec("100"), Market: schema.MarketSpot},
			{Asset: "BTC", Free: dec("0.01"), Market: schema.MarketSpot},
			{Asset: "DUST", Free: dec("0"), Market: schema.MarketSpot},
		},
		futures: venue.FuturesAccount{
			WalletBalance:         dec("200"),
			TotalUnrealizedProfit: &pnl,
			Assets:                []schema.Balance{{Asset: "USDT", Free: dec("200"), Market: schema.MarketFutures}},
			Positions: []schema.Position{
				{Symbol: "BTCUSDT", Size: dec("0.5")},
				{Symbol: "ETHUSDT", Size: dec("0")},
			},
		},
	}
	b := newTestBuilder(api, fakePricer{prices: map[string]decimal.Decimal{"BTC": dec("50000")}}, true)

	snap, err := b.BuildValuation(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Balances, 3, "zero balance dropped, futures wallet kept")
	require.Len(t, snap.Positions, 1)
	require.True(t, snap.Valuation.SpotValue.Equal(dec("600")))
	require.True(t, snap.Valuation.DerivativesWallet.Equal(dec("200")))
	require.True(t, snap.Valuation.Total.Equal(dec("812.5")))
	require.Equal(t, "USDT", snap.Valuation.ReferenceAsset)

	_, err = b.BuildValuation(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), api.accountCalls.Load(), "account read served from hot tier")
}

func TestBuildValuationSpotFailureIsCritical(t *testing.T) {
	api := &fakeVenue{spotErr: errs.New("account", errs.CodeAuth)}
	b := newTestBuilder(api, fakePricer{}, true)
	_, err := b.BuildValuation(context.Background())
	require.True(t, errs.Is(err, errs.CodeAuth))
}

func TestBuildValuationDegradesDerivativesAndPrices(t *testing.T) {
	api := &fakeVenue{
		spot:       []schema.Balance{{Asset: "USDT", Free: dec("50")}, {Asset: "ETH", Free: dec("1")}},
		futuresErr: errs.New("futures account", errs.CodeForbidden),
	}
	b := newTestBuilder(api, fakePricer{err: errors.New("prices down")}, true)

	snap, err := b.BuildValuation(context.Background())
	require.NoError(t, err)
	require.Empty(t, snap.Positions)
	require.True(t, snap.Valuation.StableValue.Equal(dec("50")))
	require.True(t, snap.Valuation.Total.Equal(dec("50")))
	require.False(t, snap.Valuation.PricesComplete)
}

func TestOpenOrdersMergesMarkets(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	api := &fakeVenue{
		open: map[schema.Market][]schema.OrderRecord{
			schema.MarketSpot:    {{ID: "1", SubmittedAt: older}},
			schema.MarketFutures: {{ID: "2", SubmittedAt: newer}},
		},
	}
	b := newTestBuilder(api, fakePricer{}, true)
	orders, err := b.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2", orders[0].ID)
	require.Len(t, orders, 2)

	api2 := &fakeVenue{
		open:    map[schema.Market][]schema.OrderRecord{schema.MarketSpot: {{ID: "1"}}},
		openErr: map[schema.Market]error{schema.MarketFutures: errors.New("down")},
	}
	orders, err = newTestBuilder(api2, fakePricer{}, true).OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)

	api3 := &fakeVenue{openErr: map[schema.Market]error{schema.MarketSpot: errs.New("open orders", errs.CodeTimeout)}}
	_, err = newTestBuilder(api3, fakePricer{}, false).OpenOrders(context.Background())
	require.True(t, errs.Is(err, errs.CodeTimeout))
}

func TestHistoryIsolatesFailingSources(t *testing.T) {
	api := &fakeVenue{
		history: map[string][]schema.OrderRecord{
			"BTCUSDT": {{ID: "h1", Status: schema.OrderStatusFilled}},
		},
		historyErr: map[string]error{"ETHUSDT": errors.New("timeout")},
		trades:     map[string][]schema.Trade{"BTCUSDT": {{ID: "t1"}}},
		fundingErr: errors.New("forbidden"),
	}
	b := newTestBuilder(api, fakePricer{}, true)

	var updates atomic.Int32
	h := b.History(context.Background(), []string{"BTCUSDT", "ethusdt"}, func(History) { updates.Add(1) })
	require.Len(t, h.Orders, 1)
	require.Equal(t, "h1", h.Orders[0].ID)
	require.Len(t, h.Trades, 1)
	require.Empty(t, h.Funding)
	require.Equal(t, int32(3), updates.Load(), "one update per successful source")
}

func TestHistorySymbolsDerivedFromBalances(t *testing.T) {
	b := newTestBuilder(&fakeVenue{}, fakePricer{}, false)
	snap := &schema.AccountSnapshot{Balances: []schema.Balance{
		{Asset: "USDT", Market: schema.MarketSpot},
		{Asset: "btc", Market: schema.MarketSpot},
		{Asset: "ETH", Market: schema.MarketSpot},
		{Asset: "BNB", Market: schema.MarketFutures},
	}}
	require.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, b.HistorySymbols(snap))

	configured := NewBuilder(&fakeVenue{}, fakePricer{}, cache.New(cache.Options{}), nil, Options{HistorySymbols: []string{"SOLUSDT"}})
	require.Equal(t, []string{"SOLUSDT"}, configured.HistorySymbols(snap))
}
