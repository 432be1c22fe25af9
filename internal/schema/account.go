package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is the holding of one asset. Missing venue fields decode to zero.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
	Market Market          `json:"market"`
}

// Total returns free plus locked quantity.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Position is an open derivatives position.
type Position struct {
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	MarkPrice        decimal.Decimal `json:"markPrice"`
	UnrealizedProfit decimal.Decimal `json:"unrealizedProfit"`
	Leverage         int             `json:"leverage"`
}

// Valuation is the account value expressed in the reference asset.
// StableValue only counts reference stable assets and is always computed; SpotValue adds
// priced assets on top of it.
type Valuation struct {
	ReferenceAsset    string          `json:"referenceAsset"`
	StableValue       decimal.Decimal `json:"stableValue"`
	SpotValue         decimal.Decimal `json:"spotValue"`
	DerivativesWallet decimal.Decimal `json:"derivativesWallet"`
	UnrealizedPnL     decimal.Decimal `json:"unrealizedPnl"`
	Total             decimal.Decimal `json:"total"`
	PricesComplete    bool            `json:"pricesComplete"`
}

// AccountSnapshot is an immutable composed view of the account. It is replaced, never
// mutated, once published.
type AccountSnapshot struct {
	Balances     []Balance      `json:"balances"`
	Positions    []Position     `json:"positions"`
	Valuation    Valuation      `json:"valuation"`
	OpenOrders   []OrderRecord  `json:"openOrders"`
	OrderHistory []OrderRecord  `json:"orderHistory"`
	Trades       []Trade        `json:"trades"`
	Funding      []FundingEntry `json:"funding"`
	LastUpdated  time.Time      `json:"lastUpdated"`
	Restored     bool           `json:"restored"`
}

// Clone returns a copy whose slices can be replaced without affecting the original.
func (s *AccountSnapshot) Clone() *AccountSnapshot {
	if s == nil {
		return &AccountSnapshot{}
	}
	out := *s
	out.Balances = append([]Balance(nil), s.Balances...)
	out.Positions = append([]Position(nil), s.Positions...)
	out.OpenOrders = append([]OrderRecord(nil), s.OpenOrders...)
	out.OrderHistory = append([]OrderRecord(nil), s.OrderHistory...)
	out.Trades = append([]Trade(nil), s.Trades...)
	out.Funding = append([]FundingEntry(nil), s.Funding...)
	return &out
}

// HasOrderData reports whether the snapshot carries any open or historical orders.
func (s *AccountSnapshot) HasOrderData() bool {
	return s != nil && (len(s.OpenOrders) > 0 || len(s.OrderHistory) > 0)
}

// BackupSnapshot is the last known-good display state used for failure recovery.
type BackupSnapshot struct {
	Account         *AccountSnapshot
	OpenOrders      []OrderRecord
	OrderHistory    []OrderRecord
	LastValidUpdate time.Time
}

// HasOrderData reports whether the backup holds any order data.
func (b BackupSnapshot) HasOrderData() bool {
	return len(b.OpenOrders) > 0 || len(b.OrderHistory) > 0
}

// Age returns how old the backup is at now.
func (b BackupSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(b.LastValidUpdate)
}
