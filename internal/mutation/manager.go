// Package mutation guards order-mutating calls and keeps displayed order state coherent
// across optimistic updates, failed refreshes and backups.
package mutation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/folio/errs"
	"github.com/coachpo/folio/internal/cache"
	"github.com/coachpo/folio/internal/observability"
	"github.com/coachpo/folio/internal/portfolio"
	"github.com/coachpo/folio/internal/schema"
)

const (
	defaultCooldown     = 3 * time.Second
	defaultBackupWindow = 10 * time.Minute
)

// Executor is the subset of the venue API that changes account state.
type Executor interface {
	PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderRecord, error)
	CancelOrder(ctx context.Context, market schema.Market, symbol, orderID string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// Options configures a Manager.
type Options struct {
	Cooldown     time.Duration
	BackupWindow time.Duration
	Clock        func() time.Time
	NewID        func() string
	Logger       observability.Logger
}

func (o Options) withDefaults() Options {
	if o.Cooldown <= 0 {
		o.Cooldown = defaultCooldown
	}
	if o.BackupWindow <= 0 {
		o.BackupWindow = defaultBackupWindow
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.NewString() }
	}
	o.Logger = observability.OrDefault(o.Logger)
	return o
}

// Manager serialises mutating calls behind a cooldown and tracks optimistically removed orders
// and the last known-good backup. One Manager serves one credential set.
type Manager struct {
	exec  Executor
	cache *cache.MultiTier
	opts  Options

	mu          sync.Mutex
	lastAttempt time.Time
	removed     map[string]struct{}
	backup      *schema.BackupSnapshot

	metrics *mutationMetrics
}

// NewManager constructs a Manager.
func NewManager(exec Executor, c *cache.MultiTier, opts Options) *Manager {
	return &Manager{
		exec:    exec,
		cache:   c,
		opts:    opts.withDefaults(),
		removed: make(map[string]struct{}),
		metrics: newMutationMetrics(),
	}
}

// guard admits a mutating call when the cooldown has elapsed and records the attempt.
// A rejected call does not move the timestamp.
func (m *Manager) guard(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Clock()
	if !m.lastAttempt.IsZero() {
		if elapsed := now.Sub(m.lastAttempt); elapsed < m.opts.Cooldown {
			remaining := (m.opts.Cooldown - elapsed).Round(100 * time.Millisecond)
			m.metrics.record(op, string(errs.CodeCooldown))
			return errs.New(op, errs.CodeCooldown,
				errs.WithMessage(fmt.Sprintf("wait %s before the next order action", remaining)))
		}
	}
	m.lastAttempt = now
	return nil
}

// LastAttempt returns when the last admitted mutating call started.
func (m *Manager) LastAttempt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAttempt
}

// CancelOrder cancels an order. On success the order is hidden from rendered lists right away;
// on failure it stays visible and the error is returned.
func (m *Manager) CancelOrder(ctx context.Context, market schema.Market, symbol, orderID string) error {
	const op = "cancel order"
	if strings.TrimSpace(orderID) == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	if err := m.guard(op); err != nil {
		return err
	}
	key := removedKey(market, orderID)
	if err := m.exec.CancelOrder(ctx, market, symbol, orderID); err != nil {
		m.mu.Lock()
		delete(m.removed, key)
		m.mu.Unlock()
		m.metrics.record(op, string(errs.CodeOf(err)))
		m.opts.Logger.Warn("cancel order failed",
			observability.F("symbol", symbol),
			observability.F("order_id", orderID),
			observability.Err(err))
		return err
	}
	m.mu.Lock()
	m.removed[key] = struct{}{}
	m.mu.Unlock()
	m.invalidate()
	m.metrics.record(op, "")
	return nil
}

// PlaceOrder submits an order with a generated client order id when none is set.
func (m *Manager) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderRecord, error) {
	const op = "place order"
	if err := m.guard(op); err != nil {
		return schema.OrderRecord{}, err
	}
	if strings.TrimSpace(req.ClientOrderID) == "" {
		req.ClientOrderID = m.opts.NewID()
	}
	order, err := m.exec.PlaceOrder(ctx, req)
	if err != nil {
		m.metrics.record(op, string(errs.CodeOf(err)))
		return schema.OrderRecord{}, err
	}
	m.invalidate()
	m.metrics.record(op, "")
	return order, nil
}

// SetLeverage changes the leverage of a derivatives symbol.
func (m *Manager) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	const op = "set leverage"
	if err := m.guard(op); err != nil {
		return err
	}
	if err := m.exec.SetLeverage(ctx, symbol, leverage); err != nil {
		m.metrics.record(op, string(errs.CodeOf(err)))
		return err
	}
	if m.cache != nil {
		m.cache.DeletePrefix(portfolio.KeyPrefixAccount)
	}
	m.metrics.record(op, "")
	return nil
}

func (m *Manager) invalidate() {
	if m.cache == nil {
		return
	}
	m.cache.DeletePrefix(portfolio.KeyPrefixOrders)
	m.cache.DeletePrefix(portfolio.KeyPrefixAccount)
}

// IsRemoved reports whether an order is hidden by an optimistic cancel.
func (m *Manager) IsRemoved(market schema.Market, orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.removed[removedKey(market, orderID)]
	return ok
}

// FilterOrders returns orders without optimistically removed ones. The input is not modified.
func (m *Manager) FilterOrders(orders []schema.OrderRecord) []schema.OrderRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.removed) == 0 {
		return orders
	}
	out := make([]schema.OrderRecord, 0, len(orders))
	for _, order := range orders {
		if _, hidden := m.removed[removedKey(order.Market, order.ID)]; hidden {
			continue
		}
		out = append(out, order)
	}
	return out
}

// Reconcile forgets removed ids the venue no longer reports as open.
func (m *Manager) Reconcile(open []schema.OrderRecord) {
	live := make(map[string]struct{}, len(open))
	for _, order := range open {
		live[removedKey(order.Market, order.ID)] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.removed {
		if _, ok := live[key]; !ok {
			delete(m.removed, key)
		}
	}
}

// SaveBackup records snapshot as the last known-good state when it carries order data.
func (m *Manager) SaveBackup(snapshot *schema.AccountSnapshot, at time.Time) bool {
	if !snapshot.HasOrderData() {
		return false
	}
	backup := &schema.BackupSnapshot{
		Account:         snapshot.Clone(),
		OpenOrders:      append([]schema.OrderRecord(nil), snapshot.OpenOrders...),
		OrderHistory:    append([]schema.OrderRecord(nil), snapshot.OrderHistory...),
		LastValidUpdate: at,
	}
	m.mu.Lock()
	m.backup = backup
	m.mu.Unlock()
	return true
}

// Restore returns a display snapshot built from the backup when it is younger than the backup
// window and holds order data.
func (m *Manager) Restore(now time.Time) (*schema.AccountSnapshot, bool) {
	m.mu.Lock()
	backup := m.backup
	m.mu.Unlock()
	if backup == nil || !backup.HasOrderData() || backup.Age(now) >= m.opts.BackupWindow {
		return nil, false
	}
	restored := backup.Account.Clone()
	restored.OpenOrders = append([]schema.OrderRecord(nil), backup.OpenOrders...)
	restored.OrderHistory = append([]schema.OrderRecord(nil), backup.OrderHistory...)
	restored.Restored = true
	return restored, true
}

// Backup returns a copy of the current backup, if any.
func (m *Manager) Backup() (schema.BackupSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backup == nil {
		return schema.BackupSnapshot{}, false
	}
	return *m.backup, true
}

func removedKey(market schema.Market, orderID string) string {
	if market == "" {
		market = schema.MarketSpot
	}
	return string(market) + "/" + strings.TrimSpace(orderID)
}
