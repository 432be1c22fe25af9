package venue

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/folio/internal/schema"
)

type accountResponse struct {
	Balances []balanceEntry `json:"balances"`
}

type balanceEntry struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type futuresAccountResponse struct {
	TotalWalletBalance    string                `json:"totalWalletBalance"`
	TotalUnrealizedProfit *string               `json:"totalUnrealizedProfit"`
	Assets                []futuresAssetEntry   `json:"assets"`
	Positions             []futuresPositionItem `json:"positions"`
}

type futuresAssetEntry struct {
	Asset            string `json:"asset"`
	WalletBalance    string `json:"walletBalance"`
	UnrealizedProfit string `json:"unrealizedProfit"`
}

type futuresPositionItem struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedProfit string `json:"unrealizedProfit"`
	Leverage         string `json:"leverage"`
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Price         string `json:"price"`
	Status        string `json:"status"`
	Time          int64  `json:"time"`
	TransactTime  int64  `json:"transactTime"`
	UpdateTime    int64  `json:"updateTime"`
}

type tradeResponse struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         *bool  `json:"isBuyer"`
	Buyer           *bool  `json:"buyer"`
}

type incomeResponse struct {
	Symbol     string `json:"symbol"`
	IncomeType string `json:"incomeType"`
	Income     string `json:"income"`
	Asset      string `json:"asset"`
	Time       int64  `json:"time"`
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// parseDecimal returns zero for empty or malformed venue numbers.
func parseDecimal(raw string) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return value
}

// millisToTime returns the zero time for non-positive timestamps.
func millisToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func firstPositive(values ...int64) int64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func (b balanceEntry) toSchema() schema.Balance {
	return schema.Balance{
		Asset:  strings.ToUpper(strings.TrimSpace(b.Asset)),
		Free:   parseDecimal(b.Free),
		Locked: parseDecimal(b.Locked),
		Market: schema.MarketSpot,
	}
}

func (p futuresPositionItem) toSchema() schema.Position {
	size := parseDecimal(p.PositionAmt)
	side := strings.ToUpper(strings.TrimSpace(p.PositionSide))
	if side == "" || side == "BOTH" {
		switch size.Sign() {
		case 1:
			side = "LONG"
		case -1:
			side = "SHORT"
		default:
			side = "FLAT"
		}
	}
	leverage, _ := strconv.Atoi(strings.TrimSpace(p.Leverage))
	return schema.Position{
		Symbol:           strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Side:             side,
		Size:             size,
		EntryPrice:       parseDecimal(p.EntryPrice),
		MarkPrice:        parseDecimal(p.MarkPrice),
		UnrealizedProfit: parseDecimal(p.UnrealizedProfit),
		Leverage:         leverage,
	}
}

func (r futuresAccountResponse) toAccount() FuturesAccount {
	out := FuturesAccount{
		Assets:                make([]schema.Balance, 0, len(r.Assets)),
		Positions:             make([]schema.Position, 0, len(r.Positions)),
		WalletBalance:         parseDecimal(r.TotalWalletBalance),
		TotalUnrealizedProfit: nil,
	}
	if r.TotalUnrealizedProfit != nil && strings.TrimSpace(*r.TotalUnrealizedProfit) != "" {
		total := parseDecimal(*r.TotalUnrealizedProfit)
		out.TotalUnrealizedProfit = &total
	}
	for _, asset := range r.Assets {
		out.Assets = append(out.Assets, schema.Balance{
			Asset:  strings.ToUpper(strings.TrimSpace(asset.Asset)),
			Free:   parseDecimal(asset.WalletBalance),
			Locked: decimal.Zero,
			Market: schema.MarketFutures,
		})
	}
	for _, position := range r.Positions {
		out.Positions = append(out.Positions, position.toSchema())
	}
	return out
}

func (o orderResponse) toSchema(market schema.Market) schema.OrderRecord {
	var price *decimal.Decimal
	if p := parseDecimal(o.Price); !p.IsZero() {
		price = &p
	}
	return schema.OrderRecord{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        strings.ToUpper(strings.TrimSpace(o.Symbol)),
		Side:          schema.Side(strings.ToUpper(strings.TrimSpace(o.Side))),
		Type:          schema.OrderType(strings.ToUpper(strings.TrimSpace(o.Type))),
		Quantity:      parseDecimal(o.OrigQty),
		ExecutedQty:   parseDecimal(o.ExecutedQty),
		Price:         price,
		Status:        schema.ParseOrderStatus(o.Status),
		Market:        market,
		SubmittedAt:   millisToTime(firstPositive(o.Time, o.TransactTime, o.UpdateTime)),
	}
}

func (t tradeResponse) toSchema(market schema.Market) schema.Trade {
	side := schema.Side(strings.ToUpper(strings.TrimSpace(t.Side)))
	if side == "" {
		buyer := t.IsBuyer
		if buyer == nil {
			buyer = t.Buyer
		}
		side = schema.SideSell
		if buyer != nil && *buyer {
			side = schema.SideBuy
		}
	}
	return schema.Trade{
		ID:              strconv.FormatInt(t.ID, 10),
		OrderID:         strconv.FormatInt(t.OrderID, 10),
		Symbol:          strings.ToUpper(strings.TrimSpace(t.Symbol)),
		Side:            side,
		Price:           parseDecimal(t.Price),
		Quantity:        parseDecimal(t.Qty),
		Commission:      parseDecimal(t.Commission),
		CommissionAsset: strings.ToUpper(strings.TrimSpace(t.CommissionAsset)),
		Market:          market,
		Time:            millisToTime(t.Time),
	}
}

func (i incomeResponse) toSchema() schema.FundingEntry {
	return schema.FundingEntry{
		Symbol:     strings.ToUpper(strings.TrimSpace(i.Symbol)),
		Asset:      strings.ToUpper(strings.TrimSpace(i.Asset)),
		IncomeType: strings.TrimSpace(i.IncomeType),
		Amount:     parseDecimal(i.Income),
		Time:       millisToTime(i.Time),
	}
}
