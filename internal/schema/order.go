// Package schema defines the normalized account, order and market types shared by folio components.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies the venue segment an order or balance belongs to.
type Market string

const (
	// MarketSpot marks spot account data.
	MarketSpot Market = "spot"
	// MarketFutures marks derivatives (margined futures) data.
	MarketFutures Market = "futures"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopLoss   OrderType = "STOP_LOSS_LIMIT"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT_LIMIT"
)

// OrderStatus enumerates venue order states.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// ParseOrderStatus maps a venue status string; unknown values default to NEW.
func ParseOrderStatus(raw string) OrderStatus {
	switch OrderStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case OrderStatusPartiallyFilled:
		return OrderStatusPartiallyFilled
	case OrderStatusFilled:
		return OrderStatusFilled
	case OrderStatusCanceled, "CANCELLED", "PENDING_CANCEL":
		return OrderStatusCanceled
	case OrderStatusRejected:
		return OrderStatusRejected
	case OrderStatusExpired, "EXPIRED_IN_MATCH":
		return OrderStatusExpired
	default:
		return OrderStatusNew
	}
}

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// OrderRecord is a venue-acknowledged order.
type OrderRecord struct {
	ID            string           `json:"id"`
	ClientOrderID string           `json:"clientOrderId,omitempty"`
	Symbol        string           `json:"symbol"`
	Side          Side             `json:"side"`
	Type          OrderType        `json:"type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	ExecutedQty   decimal.Decimal  `json:"executedQty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Status        OrderStatus      `json:"status"`
	Market        Market           `json:"market"`
	SubmittedAt   time.Time        `json:"submittedAt"`
}

// OrderRequest describes a new order submission.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         *decimal.Decimal
	TimeInForce   string
	ClientOrderID string
	Market        Market
}

// Trade is a single fill from trade history.
type Trade struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"orderId"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	Market          Market          `json:"market"`
	Time            time.Time       `json:"time"`
}

// FundingEntry is a funding fee or other derivatives income record.
type FundingEntry struct {
	Symbol     string          `json:"symbol"`
	Asset      string          `json:"asset"`
	IncomeType string          `json:"incomeType"`
	Amount     decimal.Decimal `json:"amount"`
	Time       time.Time       `json:"time"`
}
