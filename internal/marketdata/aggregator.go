// Package marketdata resolves asset prices with batched, cached and coalesced venue lookups.
package marketdata

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/iter"

	"github.com/coachpo/folio/errs"
	"github.com/coachpo/folio/internal/cache"
	"github.com/coachpo/folio/internal/coalesce"
	"github.com/coachpo/folio/internal/observability"
)

// PriceSource is the subset of the venue API used for prices.
type PriceSource interface {
	TickerPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Options configures an Aggregator.
type Options struct {
	QuoteAsset          string
	StableAssets        []string
	TrackedAssets       []string
	BulkLimit           int
	FallbackLimit       int
	FallbackParallelism int
	FlushInterval       time.Duration
	Logger              observability.Logger
}

func (o Options) withDefaults() Options {
	o.QuoteAsset = strings.ToUpper(strings.TrimSpace(o.QuoteAsset))
	if o.QuoteAsset == "" {
		o.QuoteAsset = "USDT"
	}
	if len(o.StableAssets) == 0 {
		o.StableAssets = []string{"USDT", "USDC", "BUSD", "FDUSD", "DAI", "TUSD"}
	}
	if o.BulkLimit <= 0 {
		o.BulkLimit = 20
	}
	if o.FallbackLimit <= 0 {
		o.FallbackLimit = 10
	}
	if o.FallbackParallelism <= 0 {
		o.FallbackParallelism = 3
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	o.Logger = observability.OrDefault(o.Logger)
	return o
}

const (
	pricesKeyPrefix = "prices:"
	priceKeyPrefix  = "price:"
)

// PriceKey is the hot-tier key holding the last price of one asset.
func PriceKey(asset string) string {
	return priceKeyPrefix + strings.ToUpper(asset)
}

// Aggregator batches price lookups into bulk venue queries.
type Aggregator struct {
	src    PriceSource
	cache  *cache.MultiTier
	group  *coalesce.Group
	opts   Options
	stable map[string]struct{}

	mu      sync.Mutex
	pending map[string]struct{}
	stop    chan struct{}
	wg      conc.WaitGroup

	metrics *aggregatorMetrics
}

// NewAggregator constructs an Aggregator.
func NewAggregator(src PriceSource, c *cache.MultiTier, group *coalesce.Group, opts Options) *Aggregator {
	opts = opts.withDefaults()
	stable := make(map[string]struct{}, len(opts.StableAssets))
	for _, asset := range opts.StableAssets {
		stable[strings.ToUpper(strings.TrimSpace(asset))] = struct{}{}
	}
	if group == nil {
		group = coalesce.NewGroup()
	}
	return &Aggregator{
		src:     src,
		cache:   c,
		group:   group,
		opts:    opts,
		stable:  stable,
		pending: make(map[string]struct{}),
		metrics: newAggregatorMetrics(),
	}
}

// IsStable reports whether asset is valued 1:1 against the reference asset.
func (a *Aggregator) IsStable(asset string) bool {
	_, ok := a.stable[strings.ToUpper(strings.TrimSpace(asset))]
	return ok
}

// QuoteAsset returns the reference asset prices are expressed in.
func (a *Aggregator) QuoteAsset() string {
	return a.opts.QuoteAsset
}

// PricedAssets returns the sorted set of assets that need a price: the given assets plus the
// always-tracked majors, without stable assets.
func (a *Aggregator) PricedAssets(assets []string) []string {
	seen := make(map[string]struct{}, len(assets)+len(a.opts.TrackedAssets))
	out := make([]string, 0, len(assets)+len(a.opts.TrackedAssets))
	add := func(asset string) {
		asset = strings.ToUpper(strings.TrimSpace(asset))
		if asset == "" || a.IsStable(asset) || asset == a.opts.QuoteAsset {
			return
		}
		if _, ok := seen[asset]; ok {
			return
		}
		seen[asset] = struct{}{}
		out = append(out, asset)
	}
	for _, asset := range assets {
		add(asset)
	}
	for _, asset := range a.opts.TrackedAssets {
		add(asset)
	}
	sort.Strings(out)
	return out
}

// Prices resolves prices for assets in the quote asset. Missing prices are simply absent from
// the result. Assets cut off by the bulk cap are queued for the flush loop. An error is
// returned only when nothing could be priced.
func (a *Aggregator) Prices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	wanted := a.PricedAssets(assets)
	if len(wanted) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	combinedKey := pricesKeyPrefix + strings.Join(wanted, ",")
	if cached, ok := cache.Lookup[map[string]decimal.Decimal](a.cache, cache.Hot, combinedKey); ok {
		a.metrics.recordLookup("cache")
		return copyPrices(cached), nil
	}

	out := make(map[string]decimal.Decimal, len(wanted))
	missing := make([]string, 0, len(wanted))
	for _, asset := range wanted {
		if price, ok := cache.Lookup[decimal.Decimal](a.cache, cache.Hot, PriceKey(asset)); ok {
			out[asset] = price
			continue
		}
		missing = append(missing, asset)
	}

	var fetchErr error
	if len(missing) > 0 {
		fetched, deferred, err := a.fetch(ctx, missing)
		fetchErr = err
		for asset, price := range fetched {
			out[asset] = price
		}
		a.Request(deferred...)
	}

	if len(out) == len(wanted) {
		a.cache.Set(cache.Hot, combinedKey, copyPrices(out), 0)
	}
	if len(out) == 0 && fetchErr != nil {
		return out, fetchErr
	}
	return out, nil
}

// fetch prices assets with one bulk query, falling back to bounded per-asset lookups.
// Every obtained price is stored in the hot tier. Assets beyond the bulk or fallback caps are
// returned as deferred; they were never queried.
func (a *Aggregator) fetch(ctx context.Context, assets []string) (map[string]decimal.Decimal, []string, error) {
	bulk, deferred := split(assets, a.opts.BulkLimit)
	prices, err := a.bulk(ctx, bulk)
	if err == nil {
		a.metrics.recordLookup("bulk")
		a.store(prices)
		return prices, deferred, nil
	}
	a.opts.Logger.Warn("bulk price query failed, falling back to per-asset lookups",
		observability.F("assets", len(bulk)),
		observability.Err(err))

	fallback, skipped := split(bulk, a.opts.FallbackLimit)
	deferred = append(skipped, deferred...)
	prices = a.individual(ctx, fallback)
	a.metrics.recordLookup("fallback")
	a.store(prices)
	if len(prices) == 0 {
		return prices, deferred, errs.New("prices", errs.CodePartial,
			errs.WithMessage("no price could be resolved"), errs.WithCause(err))
	}
	return prices, deferred, nil
}

func split(assets []string, limit int) ([]string, []string) {
	if len(assets) <= limit {
		return assets, nil
	}
	return assets[:limit], append([]string(nil), assets[limit:]...)
}

func (a *Aggregator) bulk(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	symbols := make([]string, 0, len(assets))
	bySymbol := make(map[string]string, len(assets))
	for _, asset := range assets {
		symbol := asset + a.opts.QuoteAsset
		symbols = append(symbols, symbol)
		bySymbol[symbol] = asset
	}
	params := url.Values{"symbols": symbols}
	key := coalesce.Key("GET", "/ticker/price", params)
	bySymbolPrice, err := coalesce.Do(ctx, a.group, key, func(callCtx context.Context) (map[string]decimal.Decimal, error) {
		return a.src.TickerPrices(callCtx, symbols)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(bySymbolPrice))
	for symbol, price := range bySymbolPrice {
		if asset, ok := bySymbol[strings.ToUpper(symbol)]; ok && price.IsPositive() {
			out[asset] = price
		}
	}
	return out, nil
}

func (a *Aggregator) individual(ctx context.Context, assets []string) map[string]decimal.Decimal {
	type result struct {
		asset string
		price decimal.Decimal
		ok    bool
	}
	mapper := iter.Mapper[string, result]{MaxGoroutines: a.opts.FallbackParallelism}
	results := mapper.Map(assets, func(asset *string) result {
		symbol := *asset + a.opts.QuoteAsset
		key := coalesce.Key("GET", "/ticker/price", url.Values{"symbol": {symbol}})
		price, err := coalesce.Do(ctx, a.group, key, func(callCtx context.Context) (decimal.Decimal, error) {
			return a.src.TickerPrice(callCtx, symbol)
		})
		if err != nil {
			a.opts.Logger.Debug("price lookup skipped",
				observability.F("symbol", symbol),
				observability.Err(err))
			return result{asset: *asset}
		}
		return result{asset: *asset, price: price, ok: price.IsPositive()}
	})
	out := make(map[string]decimal.Decimal, len(results))
	for _, r := range results {
		if r.ok {
			out[r.asset] = r.price
		}
	}
	return out
}

func (a *Aggregator) store(prices map[string]decimal.Decimal) {
	for asset, price := range prices {
		a.cache.Set(cache.Hot, PriceKey(asset), price, 0)
	}
}

// Request queues assets for the next batched flush.
func (a *Aggregator) Request(assets ...string) {
	if len(assets) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, asset := range assets {
		asset = strings.ToUpper(strings.TrimSpace(asset))
		if asset == "" || a.IsStable(asset) || asset == a.opts.QuoteAsset {
			continue
		}
		a.pending[asset] = struct{}{}
	}
}

// Pending returns the number of assets queued for the next flush.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Flush prices queued assets in one bulk call. Assets beyond the bulk cap stay queued for the
// next flush.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return nil
	}
	assets := make([]string, 0, len(a.pending))
	for asset := range a.pending {
		assets = append(assets, asset)
	}
	a.pending = make(map[string]struct{})
	a.mu.Unlock()

	sort.Strings(assets)
	_, deferred, err := a.fetch(ctx, assets)
	a.Request(deferred...)
	return err
}

// Start launches the periodic flush loop. Calling Start twice without Stop is a no-op.
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	if a.stop != nil {
		a.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	a.stop = stop
	a.mu.Unlock()

	a.wg.Go(func() {
		ticker := time.NewTicker(a.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := a.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
					a.opts.Logger.Warn("price flush failed", observability.Err(err))
				}
			}
		}
	})
}

// Stop halts the flush loop and waits for it to exit.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	stop := a.stop
	a.stop = nil
	a.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	a.wg.Wait()
}

func copyPrices(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
