// Package refresh drives fast and full account refreshes and owns the published snapshot.
package refresh

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/folio/errs"
	"github.com/coachpo/folio/internal/cache"
	"github.com/coachpo/folio/internal/notify"
	"github.com/coachpo/folio/internal/observability"
	"github.com/coachpo/folio/internal/portfolio"
	"github.com/coachpo/folio/internal/schema"
	"github.com/coachpo/folio/lib/async"
)

// State is the scheduler lifecycle state.
type State string

const (
	StateIdle           State = "idle"
	StateFullRefreshing State = "full_refreshing"
	StateFastRefreshing State = "fast_refreshing"
	StateError          State = "error"
)

// Mode selects how much data a refresh fetches.
type Mode string

const (
	// ModeAuto picks full when no full refresh succeeded within the full interval, else fast.
	ModeAuto Mode = "auto"
	// ModeFull fetches valuation and open orders, then history in the background.
	ModeFull Mode = "full"
	// ModeFast fetches valuation and open orders only and keeps loaded history.
	ModeFast Mode = "fast"
)

// ParseMode maps a user-supplied string to a Mode. Empty input means auto.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeFull:
		return ModeFull, nil
	case ModeFast:
		return ModeFast, nil
	default:
		return "", errs.New("refresh", errs.CodeInvalid, errs.WithMessage("mode must be auto, fast or full"))
	}
}

// Source fetches account data.
type Source interface {
	BuildValuation(ctx context.Context) (*schema.AccountSnapshot, error)
	OpenOrders(ctx context.Context) ([]schema.OrderRecord, error)
	HistorySymbols(snapshot *schema.AccountSnapshot) []string
	History(ctx context.Context, symbols []string, onUpdate func(portfolio.History)) portfolio.History
}

// Recovery maintains the backup and the optimistic removal set.
type Recovery interface {
	SaveBackup(snapshot *schema.AccountSnapshot, at time.Time) bool
	Restore(now time.Time) (*schema.AccountSnapshot, bool)
	Reconcile(open []schema.OrderRecord)
}

// Publisher receives change notifications.
type Publisher interface {
	Publish(change notify.Change) int
}

// Options configures a Scheduler.
type Options struct {
	FullInterval time.Duration
	Clock        func() time.Time
	Logger       observability.Logger
}

func (o Options) withDefaults() Options {
	if o.FullInterval <= 0 {
		o.FullInterval = 5 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	o.Logger = observability.OrDefault(o.Logger)
	return o
}

// Scheduler runs refreshes and publishes snapshots by pointer replacement. Overlapping
// refreshes are allowed; each gets a generation and an older one never replaces the result of
// a newer one that already completed.
type Scheduler struct {
	src      Source
	recovery Recovery
	hub      Publisher
	runner   *async.Pool
	cache    *cache.MultiTier
	opts     Options

	snapshot atomic.Pointer[schema.AccountSnapshot]

	mu           sync.Mutex
	state        State
	lastErr      error
	lastFull     time.Time
	issued       uint64
	committed    uint64
	historyOwner uint64
	running      int
	outcome      State

	metrics *schedulerMetrics
}

// NewScheduler constructs a Scheduler. runner executes the background history phase.
func NewScheduler(src Source, recovery Recovery, hub Publisher, runner *async.Pool, c *cache.MultiTier, opts Options) *Scheduler {
	s := &Scheduler{
		src:      src,
		recovery: recovery,
		hub:      hub,
		runner:   runner,
		cache:    c,
		opts:     opts.withDefaults(),
		state:    StateIdle,
		outcome:  StateIdle,
		metrics:  newSchedulerMetrics(),
	}
	s.snapshot.Store(&schema.AccountSnapshot{})
	return s
}

// Snapshot returns the currently published snapshot. It never blocks and never returns nil.
func (s *Scheduler) Snapshot() *schema.AccountSnapshot {
	return s.snapshot.Load()
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error surfaced by the last failed refresh, or nil.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LastFullRefresh returns when the last full refresh completed.
func (s *Scheduler) LastFullRefresh() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFull
}

// Resolve maps ModeAuto to the mode the next refresh would use.
func (s *Scheduler) Resolve(mode Mode) Mode {
	if mode == ModeFull || mode == ModeFast {
		return mode
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked()
}

func (s *Scheduler) resolveLocked() Mode {
	if s.lastFull.IsZero() || s.opts.Clock().Sub(s.lastFull) > s.opts.FullInterval {
		return ModeFull
	}
	return ModeFast
}

// Trigger runs one refresh. The valuation and open orders are fetched synchronously; a full
// refresh then loads history in the background. When the critical phase fails, a recent backup
// is shown instead and nil is returned; otherwise the scheduler enters the error state.
func (s *Scheduler) Trigger(ctx context.Context, mode Mode) error {
	gen, mode := s.begin(mode)
	start := s.opts.Clock()

	snapshot, err := s.src.BuildValuation(ctx)
	var open []schema.OrderRecord
	if err == nil {
		open, err = s.src.OpenOrders(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return s.abandon(gen, mode, errs.FromTransport("refresh", err))
		}
		s.metrics.recordRefresh(mode, s.opts.Clock().Sub(start), errs.CodeOf(err))
		return s.fail(gen, mode, err)
	}

	next := snapshot.Clone()
	next.OpenOrders = open
	if mode == ModeFast {
		current := s.snapshot.Load()
		next.OrderHistory = current.OrderHistory
		next.Trades = current.Trades
		next.Funding = current.Funding
	}
	s.recovery.Reconcile(open)

	now := s.opts.Clock()
	if !s.commit(gen, mode, next, now) {
		s.opts.Logger.Debug("discarding refresh result superseded by a newer refresh",
			observability.F("mode", string(mode)),
			observability.F("generation", gen))
		return nil
	}
	s.metrics.recordRefresh(mode, now.Sub(start), "")
	s.recovery.SaveBackup(next, now)
	s.hub.Publish(notify.Change{Kind: notify.KindSnapshot, Snapshot: next, At: now})

	if mode == ModeFull {
		s.scheduleHistory(gen, next)
	}
	return nil
}

// ForceRefresh clears every cache tier and runs a full refresh.
func (s *Scheduler) ForceRefresh(ctx context.Context) error {
	if s.cache != nil {
		s.cache.ClearAll()
	}
	s.mu.Lock()
	s.lastFull = time.Time{}
	s.mu.Unlock()
	return s.Trigger(ctx, ModeFull)
}

func (s *Scheduler) begin(mode Mode) (uint64, Mode) {
	s.mu.Lock()
	if mode != ModeFull && mode != ModeFast {
		mode = s.resolveLocked()
	}
	s.issued++
	gen := s.issued
	s.running++
	state := StateFastRefreshing
	if mode == ModeFull {
		state = StateFullRefreshing
	}
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.publishState(state)
	}
	return gen, mode
}

// commit publishes next unless a newer refresh already did.
func (s *Scheduler) commit(gen uint64, mode Mode, next *schema.AccountSnapshot, now time.Time) bool {
	s.mu.Lock()
	s.running--
	stale := gen < s.committed
	if !stale {
		s.committed = gen
		s.snapshot.Store(next)
		s.lastErr = nil
		s.outcome = StateIdle
		if mode == ModeFull {
			s.lastFull = now
			s.historyOwner = gen
		}
	}
	state, changed := s.settleLocked()
	s.mu.Unlock()
	if changed {
		s.publishState(state)
	}
	return !stale
}

func (s *Scheduler) fail(gen uint64, mode Mode, cause error) error {
	now := s.opts.Clock()
	restored, ok := s.recovery.Restore(now)

	s.mu.Lock()
	s.running--
	if gen < s.committed {
		state, changed := s.settleLocked()
		s.mu.Unlock()
		if changed {
			s.publishState(state)
		}
		s.opts.Logger.Debug("ignoring failure of superseded refresh", observability.Err(cause))
		return cause
	}
	if ok {
		s.committed = gen
		s.snapshot.Store(restored)
		s.lastErr = nil
		s.outcome = StateIdle
	} else {
		s.lastErr = cause
		s.outcome = StateError
	}
	state, changed := s.settleLocked()
	s.mu.Unlock()

	if ok {
		s.metrics.recordRestore(mode)
		s.opts.Logger.Warn("refresh failed, showing backup snapshot",
			observability.F("mode", string(mode)),
			observability.Err(cause))
		s.hub.Publish(notify.Change{Kind: notify.KindSnapshot, Snapshot: restored, At: now})
	} else {
		s.opts.Logger.Error("refresh failed",
			observability.F("mode", string(mode)),
			observability.F("code", string(errs.CodeOf(cause))),
			observability.Err(cause))
		s.hub.Publish(notify.ErrorChange(cause, now))
	}
	if changed {
		s.publishState(state)
	}
	if ok {
		return nil
	}
	return cause
}

// abandon settles a refresh whose caller went away. The published snapshot, the last error
// and subscribers are left untouched.
func (s *Scheduler) abandon(gen uint64, mode Mode, cause error) error {
	s.mu.Lock()
	s.running--
	state, changed := s.settleLocked()
	s.mu.Unlock()
	if changed {
		s.publishState(state)
	}
	s.opts.Logger.Debug("refresh abandoned by caller",
		observability.F("mode", string(mode)),
		observability.F("generation", gen),
		observability.Err(cause))
	return cause
}

// settleLocked moves the state to the last committed outcome once no refresh is running.
// Caller holds mu.
func (s *Scheduler) settleLocked() (State, bool) {
	if s.running > 0 || s.state == s.outcome {
		return s.state, false
	}
	s.state = s.outcome
	return s.state, true
}

func (s *Scheduler) scheduleHistory(gen uint64, base *schema.AccountSnapshot) {
	symbols := s.src.HistorySymbols(base)
	task := func(ctx context.Context) error {
		final := s.src.History(ctx, symbols, func(h portfolio.History) {
			s.applyHistory(gen, h)
		})
		if current, ok := s.applyHistory(gen, final); ok {
			s.recovery.SaveBackup(current, s.opts.Clock())
		}
		return nil
	}
	if s.runner == nil {
		_ = task(context.Background())
		return
	}
	if err := s.runner.Submit("history", task); err != nil {
		s.opts.Logger.Warn("history phase not scheduled", observability.Err(err))
	}
}

// applyHistory replaces the history lists of the published snapshot while gen still owns the
// history phase.
func (s *Scheduler) applyHistory(gen uint64, h portfolio.History) (*schema.AccountSnapshot, bool) {
	s.mu.Lock()
	if s.historyOwner != gen {
		s.mu.Unlock()
		return nil, false
	}
	next := s.snapshot.Load().Clone()
	next.OrderHistory = h.Orders
	next.Trades = h.Trades
	next.Funding = h.Funding
	s.snapshot.Store(next)
	s.mu.Unlock()
	s.hub.Publish(notify.Change{Kind: notify.KindSnapshot, Snapshot: next, At: s.opts.Clock()})
	return next, true
}

func (s *Scheduler) publishState(state State) {
	s.hub.Publish(notify.Change{Kind: notify.KindState, State: string(state), At: s.opts.Clock()})
}
