// Package portfolio composes venue responses into normalized account snapshots.
package portfolio

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/folio/errs"
	"github.com/coachpo/folio/internal/cache"
	"github.com/coachpo/folio/internal/coalesce"
	"github.com/coachpo/folio/internal/observability"
	"github.com/coachpo/folio/internal/schema"
	"github.com/coachpo/folio/internal/venue"
)

// Cache key prefixes. Mutations clear them to force fresh reads.
const (
	KeyPrefixAccount = "account:"
	KeyPrefixOrders  = "orders:"
	KeyPrefixHistory = "history:"

	keySpotAccount    = KeyPrefixAccount + "spot"
	keyFuturesAccount = KeyPrefixAccount + "futures"
)

// Pricer resolves prices and tells stable assets apart.
type Pricer interface {
	Prices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error)
	IsStable(asset string) bool
	QuoteAsset() string
}

// Options configures a Builder.
type Options struct {
	MinBalance     decimal.Decimal
	Derivatives    bool
	HistoryLimit   int
	HistorySymbols []string
	MaxHistory     int
	Logger         observability.Logger
	Clock          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = 5
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	o.Logger = observability.OrDefault(o.Logger)
	return o
}

// Builder fetches and composes account data. All venue reads are cached and coalesced.
type Builder struct {
	api    venue.API
	prices Pricer
	cache  *cache.MultiTier
	group  *coalesce.Group
	opts   Options
}

// NewBuilder constructs a Builder.
func NewBuilder(api venue.API, prices Pricer, c *cache.MultiTier, group *coalesce.Group, opts Options) *Builder {
	if group == nil {
		group = coalesce.NewGroup()
	}
	return &Builder{api: api, prices: prices, cache: c, group: group, opts: opts.withDefaults()}
}

// load serves key from the cache tier or through a coalesced venue call.
func load[T any](ctx context.Context, b *Builder, tier cache.Tier, key string, fn func(context.Context) (T, error)) (T, error) {
	return cache.ReadThrough(ctx, b.cache, tier, key, func(ctx context.Context) (T, error) {
		return coalesce.Do(ctx, b.group, coalesce.Key(http.MethodGet, key, nil), fn)
	})
}

// BuildValuation fetches balances, positions and prices. A spot account failure is returned;
// a derivatives failure or a price failure degrades the snapshot instead.
func (b *Builder) BuildValuation(ctx context.Context) (*schema.AccountSnapshot, error) {
	var (
		spot       []schema.Balance
		spotErr    error
		futures    venue.FuturesAccount
		futuresErr error
		wg         conc.WaitGroup
	)
	wg.Go(func() {
		spot, spotErr = load(ctx, b, cache.Hot, keySpotAccount, b.api.Account)
	})
	if b.opts.Derivatives {
		wg.Go(func() {
			futures, futuresErr = load(ctx, b, cache.Hot, keyFuturesAccount, b.api.FuturesAccount)
		})
	}
	wg.Wait()

	if spotErr != nil {
		return nil, spotErr
	}
	if futuresErr != nil {
		b.opts.Logger.Warn("derivatives account unavailable, continuing without positions",
			observability.F("code", string(errs.CodeOf(futuresErr))),
			observability.Err(futuresErr))
		futures = venue.FuturesAccount{}
	}

	balances := b.significant(spot)
	assets := make([]string, 0, len(balances))
	for _, balance := range balances {
		assets = append(assets, balance.Asset)
	}
	prices, err := b.prices.Prices(ctx, assets)
	if err != nil {
		b.opts.Logger.Warn("prices unavailable, using stable-asset valuation",
			observability.Err(err))
		prices = nil
	}

	valuation := withDerivatives(Value(balances, prices, b.prices.IsStable, b.prices.QuoteAsset()), futures)

	snapshot := &schema.AccountSnapshot{
		Balances:    append(balances, b.significant(futures.Assets)...),
		Positions:   openPositions(futures.Positions),
		Valuation:   valuation,
		LastUpdated: b.opts.Clock(),
	}
	return snapshot, nil
}

// OpenOrders returns open orders across markets, newest first. The spot list is critical;
// the derivatives list degrades to empty.
func (b *Builder) OpenOrders(ctx context.Context) ([]schema.OrderRecord, error) {
	var (
		spot       []schema.OrderRecord
		spotErr    error
		futures    []schema.OrderRecord
		futuresErr error
		wg         conc.WaitGroup
	)
	wg.Go(func() {
		spot, spotErr = load(ctx, b, cache.Warm, KeyPrefixOrders+"open:spot", func(ctx context.Context) ([]schema.OrderRecord, error) {
			return b.api.OpenOrders(ctx, schema.MarketSpot)
		})
	})
	if b.opts.Derivatives {
		wg.Go(func() {
			futures, futuresErr = load(ctx, b, cache.Warm, KeyPrefixOrders+"open:futures", func(ctx context.Context) ([]schema.OrderRecord, error) {
				return b.api.OpenOrders(ctx, schema.MarketFutures)
			})
		})
	}
	wg.Wait()

	if spotErr != nil {
		return nil, spotErr
	}
	if futuresErr != nil {
		b.opts.Logger.Warn("derivatives open orders unavailable", observability.Err(futuresErr))
	}
	out := make([]schema.OrderRecord, 0, len(spot)+len(futures))
	out = append(out, spot...)
	out = append(out, futures...)
	sortOrders(out)
	return out, nil
}

// History is the secondary, non-critical data set.
type History struct {
	Orders  []schema.OrderRecord
	Trades  []schema.Trade
	Funding []schema.FundingEntry
}

func (h History) clone() History {
	return History{
		Orders:  append([]schema.OrderRecord(nil), h.Orders...),
		Trades:  append([]schema.Trade(nil), h.Trades...),
		Funding: append([]schema.FundingEntry(nil), h.Funding...),
	}
}

// HistorySymbols returns the configured history symbols, or those derived from the non-stable
// balances of snapshot, capped at MaxHistory.
func (b *Builder) HistorySymbols(snapshot *schema.AccountSnapshot) []string {
	if len(b.opts.HistorySymbols) > 0 {
		return append([]string(nil), b.opts.HistorySymbols...)
	}
	if snapshot == nil {
		return nil
	}
	seen := make(map[string]struct{})
	out := make([]string, 0, b.opts.MaxHistory)
	for _, balance := range snapshot.Balances {
		if balance.Market != schema.MarketSpot || b.prices.IsStable(balance.Asset) {
			continue
		}
		symbol := strings.ToUpper(balance.Asset) + b.prices.QuoteAsset()
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
		if len(out) == b.opts.MaxHistory {
			break
		}
	}
	return out
}

// History fans out over order history, trade history and funding history. Every source either
// succeeds or contributes nothing; it never fails. onUpdate, when set, receives the
// accumulated history after each source resolves.
func (b *Builder) History(ctx context.Context, symbols []string, onUpdate func(History)) History {
	var (
		mu       sync.Mutex
		acc      History
		failures []error
	)
	absorb := func(source, symbol string, err error) {
		b.opts.Logger.Debug("history source unavailable",
			observability.F("source", source),
			observability.F("symbol", symbol),
			observability.Err(err))
		mu.Lock()
		failures = append(failures, fmt.Errorf("%s %s: %w", source, symbol, err))
		mu.Unlock()
	}
	merge := func(apply func(*History)) {
		mu.Lock()
		apply(&acc)
		sortOrders(acc.Orders)
		snapshot := acc.clone()
		mu.Unlock()
		if onUpdate != nil {
			onUpdate(snapshot)
		}
	}

	p := pool.New().WithContext(ctx)
	for _, symbol := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		p.Go(func(ctx context.Context) error {
			orders, err := load(ctx, b, cache.Warm, KeyPrefixOrders+"history:"+symbol, func(ctx context.Context) ([]schema.OrderRecord, error) {
				return b.api.OrderHistory(ctx, schema.MarketSpot, symbol, b.opts.HistoryLimit)
			})
			if err != nil {
				absorb("order history", symbol, err)
				return nil
			}
			merge(func(h *History) { h.Orders = append(h.Orders, orders...) })
			return nil
		})
		p.Go(func(ctx context.Context) error {
			trades, err := load(ctx, b, cache.Warm, KeyPrefixHistory+"trades:"+symbol, func(ctx context.Context) ([]schema.Trade, error) {
				return b.api.TradeHistory(ctx, schema.MarketSpot, symbol, b.opts.HistoryLimit)
			})
			if err != nil {
				absorb("trade history", symbol, err)
				return nil
			}
			merge(func(h *History) {
				h.Trades = append(h.Trades, trades...)
				sort.SliceStable(h.Trades, func(i, j int) bool { return h.Trades[i].Time.After(h.Trades[j].Time) })
			})
			return nil
		})
	}
	if b.opts.Derivatives {
		p.Go(func(ctx context.Context) error {
			funding, err := load(ctx, b, cache.Warm, KeyPrefixHistory+"funding", func(ctx context.Context) ([]schema.FundingEntry, error) {
				return b.api.FundingHistory(ctx, "", b.opts.HistoryLimit)
			})
			if err != nil {
				absorb("funding history", "", err)
				return nil
			}
			merge(func(h *History) { h.Funding = append(h.Funding, funding...) })
			return nil
		})
	}
	_ = p.Wait()
	_ = observability.AggregateErrors("load history", failures, observability.F("symbols", len(symbols)))

	mu.Lock()
	defer mu.Unlock()
	return acc.clone()
}

func (b *Builder) significant(balances []schema.Balance) []schema.Balance {
	out := make([]schema.Balance, 0, len(balances))
	for _, balance := range balances {
		total := balance.Total()
		if !total.IsPositive() || total.LessThan(b.opts.MinBalance) {
			continue
		}
		out = append(out, balance)
	}
	return out
}

func openPositions(positions []schema.Position) []schema.Position {
	out := make([]schema.Position, 0, len(positions))
	for _, position := range positions {
		if !position.Size.IsZero() {
			out = append(out, position)
		}
	}
	return out
}

func sortOrders(orders []schema.OrderRecord) {
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].SubmittedAt.After(orders[j].SubmittedAt)
	})
}
