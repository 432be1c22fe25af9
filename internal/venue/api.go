// Package venue defines the trading venue REST surface used by folio and its Binance implementation.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coachpo/folio/internal/schema"
	"github.com/coachpo/folio/internal/transport"
)

// API is the set of venue calls the client depends on.
type API interface {
	Account(ctx context.Context) ([]schema.Balance, error)
	FuturesAccount(ctx context.Context) (FuturesAccount, error)
	OpenOrders(ctx context.Context, market schema.Market) ([]schema.OrderRecord, error)
	OrderHistory(ctx context.Context, market schema.Market, symbol string, limit int) ([]schema.OrderRecord, error)
	TradeHistory(ctx context.Context, market schema.Market, symbol string, limit int) ([]schema.Trade, error)
	FundingHistory(ctx context.Context, symbol string, limit int) ([]schema.FundingEntry, error)
	PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderRecord, error)
	CancelOrder(ctx context.Context, market schema.Market, symbol, orderID string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	TickerPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// FuturesAccount is the derivatives wallet state.
type FuturesAccount struct {
	Assets        []schema.Balance
	Positions     []schema.Position
	WalletBalance decimal.Decimal
	// TotalUnrealizedProfit is nil when the venue omits the account-level aggregate.
	TotalUnrealizedProfit *decimal.Decimal
}

// Doer sends one logical request. *transport.Transport satisfies it.
type Doer interface {
	Do(ctx context.Context, req transport.Request) ([]byte, error)
}
