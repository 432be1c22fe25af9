package mutation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/folio/errs"
	"github.com/coachpo/folio/internal/cache"
	"github.com/coachpo/folio/internal/schema"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeExecutor struct {
	cancelErr   error
	placeErr    error
	leverageErr error
	cancels     int
	placed      []schema.OrderRequest
}

func (f *fakeExecutor) CancelOrder(context.Context, schema.Market, string, string) error {
	f.cancels++
	return f.cancelErr
}

func (f *fakeExecutor) PlaceOrder(_ context.Context, req schema.OrderRequest) (schema.OrderRecord, error) {
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return schema.OrderRecord{}, f.placeErr
	}
	return schema.OrderRecord{ID: "new", ClientOrderID: req.ClientOrderID, Symbol: req.Symbol}, nil
}

func (f *fakeExecutor) SetLeverage(context.Context, string, int) error {
	return f.leverageErr
}

func newTestManager(exec Executor) (*Manager, *fakeClock, *cache.MultiTier) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	c := cache.New(cache.Options{Clock: clock.Now})
	m := NewManager(exec, c, Options{Clock: clock.Now, NewID: func() string { return "client-1" }})
	return m, clock, c
}

func openOrders() []schema.OrderRecord {
	return []schema.OrderRecord{
		{ID: "1", Symbol: "BTCUSDT", Market: schema.MarketSpot, Status: schema.OrderStatusNew},
		{ID: "2", Symbol: "ETHUSDT", Market: schema.MarketSpot, Status: schema.OrderStatusNew},
	}
}

func TestCooldownRejectsWithinWindow(t *testing.T) {
	exec := &fakeExecutor{}
	m, clock, _ := newTestManager(exec)

	require.NoError(t, m.CancelOrder(context.Background(), schema.MarketSpot, "BTCUSDT", "1"))

	clock.Advance(time.Second)
	err := m.CancelOrder(context.Background(), schema.MarketSpot, "ETHUSDT", "2")
	require.True(t, errs.Is(err, errs.CodeCooldown))
	require.Contains(t, err.Error(), "wait 2s")
	require.Equal(t, 1, exec.cancels, "no network call while cooling down")

	clock.Advance(3 * time.Second)
	require.NoError(t, m.CancelOrder(context.Background(), schema.MarketSpot, "ETHUSDT", "2"))
	require.Equal(t, 2, exec.cancels)
}

func TestCancelSuccessHidesOrderImmediately(t *testing.T) {
	m, _, c := newTestManager(&fakeExecutor{})
	c.Set(cache.Warm, "orders:open:spot", openOrders(), 0)
	c.Set(cache.Hot, "account:spot", "balances", 0)

	require.NoError(t, m.CancelOrder(context.Background(), schema.MarketSpot, "BTCUSDT", "1"))

	visible := m.FilterOrders(openOrders())
	require.Len(t, visible, 1)
	require.Equal(t, "2", visible[0].ID)
	require.True(t, m.IsRemoved(schema.MarketSpot, "1"))
	require.False(t, m.IsRemoved(schema.MarketFutures, "1"), "removal is scoped by market")

	_, ok := c.Get(cache.Warm, "orders:open:spot")
	require.False(t, ok, "order cache invalidated")
	_, ok = c.Get(cache.Hot, "account:spot")
	require.False(t, ok)
}

func TestCancelFailureKeepsOrderAndStillStartsCooldown(t *testing.T) {
	exec := &fakeExecutor{cancelErr: errs.New("cancel order", errs.CodeNotFound, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))}
	m, clock, _ := newTestManager(exec)

	err := m.CancelOrder(context.Background(), schema.MarketSpot, "BTCUSDT", "1")
	require.True(t, errs.Is(err, errs.CodeNotFound))
	require.Len(t, m.FilterOrders(openOrders()), 2)
	require.Equal(t, clock.Now(), m.LastAttempt())

	clock.Advance(time.Second)
	err = m.CancelOrder(context.Background(), schema.MarketSpot, "BTCUSDT", "1")
	require.True(t, errs.Is(err, errs.CodeCooldown))
}

func TestReconcileForgetsConfirmedRemovals(t *testing.T) {
	m, clock, _ := newTestManager(&fakeExecutor{})
	require.NoError(t, m.CancelOrder(context.Background(), schema.MarketSpot, "BTCUSDT", "1"))
	clock.Advance(4 * time.Second)
	require.NoError(t, m.CancelOrder(context.Background(), schema.MarketSpot, "ETHUSDT", "2"))

	// The venue still lists order 2 but no longer lists order 1.
	m.Reconcile([]schema.OrderRecord{{ID: "2", Market: schema.MarketSpot}})
	require.False(t, m.IsRemoved(schema.MarketSpot, "1"))
	require.True(t, m.IsRemoved(schema.MarketSpot, "2"))
}

func TestPlaceOrderAssignsClientID(t *testing.T) {
	exec := &fakeExecutor{}
	m, _, _ := newTestManager(exec)
	order, err := m.PlaceOrder(context.Background(), schema.OrderRequest{Symbol: "BTCUSDT", Side: schema.SideBuy, Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	require.Equal(t, "client-1", order.ClientOrderID)
	require.Equal(t, "client-1", exec.placed[0].ClientOrderID)
}

func TestDefaultClientIDIsUUID(t *testing.T) {
	m := NewManager(&fakeExecutor{}, nil, Options{})
	require.Len(t, m.opts.NewID(), 36)
}

func TestSetLeveragePropagatesFailure(t *testing.T) {
	exec := &fakeExecutor{leverageErr: errs.New("set leverage", errs.CodeInvalid)}
	m, _, _ := newTestManager(exec)
	require.True(t, errs.Is(m.SetLeverage(context.Background(), "BTCUSDT", 5), errs.CodeInvalid))
}

func TestBackupRestoreWindow(t *testing.T) {
	m, clock, _ := newTestManager(&fakeExecutor{})
	saved := clock.Now()
	snap := &schema.AccountSnapshot{
		OpenOrders:  openOrders(),
		Valuation:   schema.Valuation{Total: decimal.NewFromInt(600)},
		LastUpdated: saved,
	}
	require.True(t, m.SaveBackup(snap, saved))

	restored, ok := m.Restore(saved.Add(9 * time.Minute))
	require.True(t, ok)
	require.True(t, restored.Restored)
	require.Len(t, restored.OpenOrders, 2)
	require.True(t, restored.Valuation.Total.Equal(decimal.NewFromInt(600)))

	_, ok = m.Restore(saved.Add(11 * time.Minute))
	require.False(t, ok)
}

func TestBackupIgnoresEmptyOrderData(t *testing.T) {
	m, clock, _ := newTestManager(&fakeExecutor{})
	require.False(t, m.SaveBackup(&schema.AccountSnapshot{}, clock.Now()))
	require.False(t, m.SaveBackup(nil, clock.Now()))
	_, ok := m.Restore(clock.Now())
	require.False(t, ok)

	require.True(t, m.SaveBackup(&schema.AccountSnapshot{OpenOrders: openOrders()}, clock.Now()))
	require.False(t, m.SaveBackup(&schema.AccountSnapshot{}, clock.Now().Add(time.Minute)))
	backup, ok := m.Backup()
	require.True(t, ok)
	require.Equal(t, clock.Now(), backup.LastValidUpdate, "empty refresh does not overwrite backup")
}
