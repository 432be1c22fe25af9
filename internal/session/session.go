// Package session assembles the caching, coalescing and refresh components into the
// consumer-facing account session.
package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/folio/errs"
	"github.com/coachpo/folio/internal/cache"
	"github.com/coachpo/folio/internal/coalesce"
	"github.com/coachpo/folio/internal/config"
	"github.com/coachpo/folio/internal/marketdata"
	"github.com/coachpo/folio/internal/mutation"
	"github.com/coachpo/folio/internal/notify"
	"github.com/coachpo/folio/internal/observability"
	"github.com/coachpo/folio/internal/portfolio"
	"github.com/coachpo/folio/internal/refresh"
	"github.com/coachpo/folio/internal/schema"
	"github.com/coachpo/folio/internal/transport"
	"github.com/coachpo/folio/internal/venue"
	"github.com/coachpo/folio/lib/async"
)

const (
	defaultHubBuffer = 32
	historyWorkers   = 2
)

// Option customises session construction.
type Option func(*settings)

type settings struct {
	logger     observability.Logger
	httpClient *http.Client
	clock      func() time.Time
	api        venue.API
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger observability.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithHTTPClient overrides the HTTP client used by the transport.
func WithHTTPClient(client *http.Client) Option {
	return func(s *settings) { s.httpClient = client }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) { s.clock = clock }
}

// WithAPI replaces the venue client built from configuration.
func WithAPI(api venue.API) Option {
	return func(s *settings) { s.api = api }
}

// Session is one credential set's view of the venue account.
type Session struct {
	cfg    config.AppConfig
	logger observability.Logger
	clock  func() time.Time

	transport *transport.Transport
	api       venue.API
	cache     *cache.MultiTier
	group     *coalesce.Group
	prices    *marketdata.Aggregator
	stream    *marketdata.Stream
	builder   *portfolio.Builder
	mutations *mutation.Manager
	scheduler *refresh.Scheduler
	hub       *notify.Hub
	runner    *async.Pool
}

// New wires a session from cfg.
func New(cfg config.AppConfig, opts ...Option) (*Session, error) {
	st := settings{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&st)
		}
	}
	logger := observability.OrDefault(st.logger)

	minBalance, err := decimal.NewFromString(cfg.Aggregator.MinBalance)
	if err != nil {
		return nil, errs.New("session", errs.CodeInvalid, errs.WithMessage("invalid minBalance"), errs.WithCause(err))
	}

	s := &Session{cfg: cfg, logger: logger, clock: st.clock}
	s.api = st.api
	if s.api == nil {
		s.transport = transport.New(transport.Options{
			Endpoints: map[transport.Category][]string{
				transport.CategoryPublic:      cfg.Venue.Endpoints.Public,
				transport.CategoryAccount:     cfg.Venue.Endpoints.Account,
				transport.CategoryDerivatives: cfg.Venue.Endpoints.Derivatives,
			},
			APIKey:            cfg.Venue.APIKey,
			APISecret:         cfg.Venue.APISecret,
			RecvWindow:        cfg.Venue.RecvWindow,
			Timeout:           cfg.Venue.RequestTimeout,
			RequestsPerSecond: cfg.Venue.RequestsPerSecond,
			Burst:             cfg.Venue.Burst,
			HTTPClient:        st.httpClient,
			Clock:             st.clock,
			Logger:            logger,
		})
		s.api = venue.NewBinance(s.transport)
	}

	s.cache = cache.New(cache.Options{
		Capacity: cfg.Cache.Capacity,
		HotTTL:   cfg.Cache.HotTTL,
		WarmTTL:  cfg.Cache.WarmTTL,
		ColdTTL:  cfg.Cache.ColdTTL,
		Clock:    st.clock,
	})
	s.group = coalesce.NewGroup(coalesce.WithTimeout(cfg.Venue.RequestTimeout))
	s.prices = marketdata.NewAggregator(s.api, s.cache, s.group, marketdata.Options{
		QuoteAsset:          cfg.Aggregator.QuoteAsset,
		StableAssets:        cfg.Aggregator.StableAssets,
		TrackedAssets:       cfg.Aggregator.TrackedAssets,
		BulkLimit:           cfg.Aggregator.BulkLimit,
		FallbackLimit:       cfg.Aggregator.FallbackLimit,
		FallbackParallelism: cfg.Aggregator.FallbackParallelism,
		FlushInterval:       cfg.Aggregator.FlushInterval,
		Logger:              logger,
	})
	if cfg.Stream.Enabled {
		s.stream = marketdata.NewStream(cfg.Stream.URL, cfg.Aggregator.QuoteAsset, s.cache, logger)
	}
	s.builder = portfolio.NewBuilder(s.api, s.prices, s.cache, s.group, portfolio.Options{
		MinBalance:     minBalance,
		Derivatives:    len(cfg.Venue.Endpoints.Derivatives) > 0,
		HistoryLimit:   cfg.Refresh.HistoryLimit,
		HistorySymbols: cfg.Refresh.HistorySymbols,
		Logger:         logger,
		Clock:          st.clock,
	})
	s.mutations = mutation.NewManager(s.api, s.cache, mutation.Options{
		Cooldown:     cfg.Mutation.Cooldown,
		BackupWindow: cfg.Mutation.BackupWindow,
		Clock:        st.clock,
		Logger:       logger,
	})
	s.hub = notify.NewHub(defaultHubBuffer)
	s.runner, err = async.NewPool(historyWorkers, logger)
	if err != nil {
		return nil, err
	}
	s.scheduler = refresh.NewScheduler(s.builder, s.mutations, s.hub, s.runner, s.cache, refresh.Options{
		FullInterval: cfg.Refresh.FullInterval,
		Clock:        st.clock,
		Logger:       logger,
	})
	return s, nil
}

// Snapshot returns the published snapshot with optimistically removed orders hidden.
func (s *Session) Snapshot() *schema.AccountSnapshot {
	snap := s.scheduler.Snapshot()
	visible := s.mutations.FilterOrders(snap.OpenOrders)
	if len(visible) == len(snap.OpenOrders) {
		return snap
	}
	out := snap.Clone()
	out.OpenOrders = visible
	return out
}

// Refresh runs one refresh in the given mode.
func (s *Session) Refresh(ctx context.Context, mode refresh.Mode) error {
	return s.scheduler.Trigger(ctx, mode)
}

// ForceRefresh clears every cache tier and runs a full refresh.
func (s *Session) ForceRefresh(ctx context.Context) error {
	return s.scheduler.ForceRefresh(ctx)
}

// CancelOrder cancels an order and hides it from the snapshot until the venue confirms.
func (s *Session) CancelOrder(ctx context.Context, market schema.Market, symbol, orderID string) error {
	if err := s.mutations.CancelOrder(ctx, market, symbol, orderID); err != nil {
		s.hub.Publish(notify.ErrorChange(err, s.clock()))
		return err
	}
	s.hub.Publish(notify.Change{Kind: notify.KindOrders, Snapshot: s.Snapshot(), At: s.clock()})
	return nil
}

// PlaceOrder submits a new order.
func (s *Session) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderRecord, error) {
	order, err := s.mutations.PlaceOrder(ctx, req)
	if err != nil {
		s.hub.Publish(notify.ErrorChange(err, s.clock()))
		return schema.OrderRecord{}, err
	}
	return order, nil
}

// SetLeverage changes the derivatives leverage of symbol.
func (s *Session) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := s.mutations.SetLeverage(ctx, symbol, leverage); err != nil {
		s.hub.Publish(notify.ErrorChange(err, s.clock()))
		return err
	}
	return nil
}

// ClearCache empties every cache tier without refreshing.
func (s *Session) ClearCache() {
	s.cache.ClearAll()
	s.logger.Info("cache cleared")
}

// Subscribe streams change notifications until ctx ends or the session closes.
func (s *Session) Subscribe(ctx context.Context) (<-chan notify.Change, error) {
	return s.hub.Subscribe(ctx)
}

// State returns the scheduler state.
func (s *Session) State() refresh.State {
	return s.scheduler.State()
}

// LastError returns the error of the last failed refresh, or nil.
func (s *Session) LastError() error {
	return s.scheduler.LastError()
}

// Status summarises the session for operators.
type Status struct {
	State           refresh.State     `json:"state"`
	Error           string            `json:"error,omitempty"`
	Code            errs.Code         `json:"code,omitempty"`
	Remediation     string            `json:"remediation,omitempty"`
	LastUpdated     time.Time         `json:"lastUpdated"`
	LastFullRefresh time.Time         `json:"lastFullRefresh"`
	Restored        bool              `json:"restored"`
	LastOrderAction time.Time         `json:"lastOrderAction"`
	ClockOffsetMS   int64             `json:"clockOffsetMs"`
	Endpoints       map[string]string `json:"endpoints,omitempty"`
	CacheEntries    map[string]int    `json:"cacheEntries"`
	Subscribers     int               `json:"subscribers"`
	Credentials     bool              `json:"credentials"`
}

// Status reports the current session state.
func (s *Session) Status() Status {
	snap := s.scheduler.Snapshot()
	st := Status{
		State:           s.scheduler.State(),
		LastUpdated:     snap.LastUpdated,
		LastFullRefresh: s.scheduler.LastFullRefresh(),
		Restored:        snap.Restored,
		LastOrderAction: s.mutations.LastAttempt(),
		CacheEntries:    make(map[string]int, len(cache.Tiers)),
		Subscribers:     s.hub.Subscribers(),
		Credentials:     s.cfg.HasCredentials(),
	}
	if err := s.scheduler.LastError(); err != nil {
		st.Error = err.Error()
		st.Code = errs.CodeOf(err)
		st.Remediation = errs.Remediation(err)
	}
	for _, tier := range cache.Tiers {
		st.CacheEntries[tier.String()] = s.cache.Len(tier)
	}
	if s.transport != nil {
		st.ClockOffsetMS = s.transport.ClockOffset().Milliseconds()
		st.Endpoints = make(map[string]string, 3)
		for _, category := range []transport.Category{transport.CategoryPublic, transport.CategoryAccount, transport.CategoryDerivatives} {
			if preferred := s.transport.Preferred(category); preferred != "" {
				st.Endpoints[string(category)] = preferred
			}
		}
	}
	return st
}

// Run refreshes on the configured interval until ctx ends. Consecutive failures stretch the
// interval with exponential backoff; a success resets it. The price flush loop and the
// optional price stream run for the lifetime of the call.
func (s *Session) Run(ctx context.Context) error {
	s.prices.Start(ctx)
	defer s.prices.Stop()

	var wg conc.WaitGroup
	defer wg.Wait()
	if s.stream != nil {
		wg.Go(func() {
			if err := s.stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("price stream stopped", observability.Err(err))
			}
		})
	}

	interval := s.cfg.Refresh.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = interval
	policy.MaxInterval = s.cfg.Refresh.MaxBackoff
	if policy.MaxInterval < interval {
		policy.MaxInterval = interval
	}
	policy.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		next := interval
		if err := s.scheduler.Trigger(ctx, refresh.ModeAuto); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			next = policy.NextBackOff()
			if next == backoff.Stop {
				next = policy.MaxInterval
			}
			s.logger.Warn("auto refresh failed",
				observability.F("retry_in", next.String()),
				observability.Err(err))
		} else {
			policy.Reset()
		}
		timer.Reset(next)
	}
}

// CloseSubscriptions closes every subscriber channel and rejects new subscribers.
func (s *Session) CloseSubscriptions() {
	s.hub.Close()
}

// Close stops background work and closes subscriber channels.
func (s *Session) Close(ctx context.Context) error {
	s.hub.Close()
	return s.runner.Shutdown(ctx)
}
