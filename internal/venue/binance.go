package venue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/folio/errs"
	"github.com/coachpo/folio/internal/schema"
	"github.com/coachpo/folio/internal/transport"
)

const (
	pathAccount        = "/api/v3/account"
	pathOpenOrders     = "/api/v3/openOrders"
	pathAllOrders      = "/api/v3/allOrders"
	pathMyTrades       = "/api/v3/myTrades"
	pathOrder          = "/api/v3/order"
	pathTickerPrice    = "/api/v3/ticker/price"
	pathFuturesAccount = "/fapi/v2/account"
	pathFuturesOpen    = "/fapi/v1/openOrders"
	pathFuturesAll     = "/fapi/v1/allOrders"
	pathFuturesTrades  = "/fapi/v1/userTrades"
	pathFuturesOrder   = "/fapi/v1/order"
	pathFuturesIncome  = "/fapi/v1/income"
	pathLeverage       = "/fapi/v1/leverage"

	defaultHistoryLimit = 50
)

// Binance implements API against Binance spot and USDⓈ-M futures REST endpoints.
type Binance struct {
	doer Doer
}

// NewBinance constructs a Binance API over the supplied transport.
func NewBinance(doer Doer) *Binance {
	return &Binance{doer: doer}
}

var _ API = (*Binance)(nil)

// Account returns spot balances.
func (b *Binance) Account(ctx context.Context) ([]schema.Balance, error) {
	params := url.Values{}
	params.Set("omitZeroBalances", "true")
	var payload accountResponse
	if err := b.call(ctx, transport.Request{
		Method:   http.MethodGet,
		Path:     pathAccount,
		Params:   params,
		Signed:   true,
		Category: transport.CategoryAccount,
		Weight:   20,
	}, &payload); err != nil {
		return nil, err
	}
	out := make([]schema.Balance, 0, len(payload.Balances))
	for _, entry := range payload.Balances {
		out = append(out, entry.toSchema())
	}
	return out, nil
}

// FuturesAccount returns the derivatives wallet and positions.
func (b *Binance) FuturesAccount(ctx context.Context) (FuturesAccount, error) {
	var payload futuresAccountResponse
	if err := b.call(ctx, transport.Request{
		Method:   http.MethodGet,
		Path:     pathFuturesAccount,
		Signed:   true,
		Category: transport.CategoryDerivatives,
		Weight:   5,
	}, &payload); err != nil {
		return FuturesAccount{}, err
	}
	return payload.toAccount(), nil
}

// OpenOrders returns all open orders of a market.
func (b *Binance) OpenOrders(ctx context.Context, market schema.Market) ([]schema.OrderRecord, error) {
	req := transport.Request{
		Method:   http.MethodGet,
		Path:     pathOpenOrders,
		Signed:   true,
		Category: transport.CategoryAccount,
		Weight:   80,
	}
	if market == schema.MarketFutures {
		req.Path = pathFuturesOpen
		req.Category = transport.CategoryDerivatives
		req.Weight = 40
	}
	return b.orders(ctx, req, market)
}

// OrderHistory returns the most recent orders for a symbol.
func (b *Binance) OrderHistory(ctx context.Context, market schema.Market, symbol string, limit int) ([]schema.OrderRecord, error) {
	params, err := symbolParams(symbol, limit)
	if err != nil {
		return nil, errs.New("order history", errs.CodeInvalid, errs.WithCause(err))
	}
	req := transport.Request{
		Method:   http.MethodGet,
		Path:     pathAllOrders,
		Params:   params,
		Signed:   true,
		Category: transport.CategoryAccount,
		Weight:   20,
	}
	if market == schema.MarketFutures {
		req.Path = pathFuturesAll
		req.Category = transport.CategoryDerivatives
		req.Weight = 5
	}
	return b.orders(ctx, req, market)
}

// TradeHistory returns the most recent fills for a symbol.
func (b *Binance) TradeHistory(ctx context.Context, market schema.Market, symbol string, limit int) ([]schema.Trade, error) {
	params, err := symbolParams(symbol, limit)
	if err != nil {
		return nil, errs.New("trade history", errs.CodeInvalid, errs.WithCause(err))
	}
	req := transport.Request{
		Method:   http.MethodGet,
		Path:     pathMyTrades,
		Params:   params,
		Signed:   true,
		Category: transport.CategoryAccount,
		Weight:   20,
	}
	if market == schema.MarketFutures {
		req.Path = pathFuturesTrades
		req.Category = transport.CategoryDerivatives
		req.Weight = 5
	}
	var payload []tradeResponse
	if err := b.call(ctx, req, &payload); err != nil {
		return nil, err
	}
	out := make([]schema.Trade, 0, len(payload))
	for _, trade := range payload {
		out = append(out, trade.toSchema(market))
	}
	return out, nil
}

// FundingHistory returns funding fee income, optionally filtered by symbol.
func (b *Binance) FundingHistory(ctx context.Context, symbol string, limit int) ([]schema.FundingEntry, error) {
	params := url.Values{}
	params.Set("incomeType", "FUNDING_FEE")
	params.Set("limit", strconv.Itoa(historyLimit(limit)))
	if symbol = strings.ToUpper(strings.TrimSpace(symbol)); symbol != "" {
		params.Set("symbol", symbol)
	}
	var payload []incomeResponse
	if err := b.call(ctx, transport.Request{
		Method:   http.MethodGet,
		Path:     pathFuturesIncome,
		Params:   params,
		Signed:   true,
		Category: transport.CategoryDerivatives,
		Weight:   30,
	}, &payload); err != nil {
		return nil, err
	}
	out := make([]schema.FundingEntry, 0, len(payload))
	for _, entry := range payload {
		out = append(out, entry.toSchema())
	}
	return out, nil
}

// PlaceOrder submits a new order.
func (b *Binance) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderRecord, error) {
	params, err := orderParams(req)
	if err != nil {
		return schema.OrderRecord{}, errs.New("place order", errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	call := transport.Request{
		Method:   http.MethodPost,
		Path:     pathOrder,
		Params:   params,
		Signed:   true,
		Category: transport.CategoryAccount,
		Weight:   1,
	}
	if req.Market == schema.MarketFutures {
		call.Path = pathFuturesOrder
		call.Category = transport.CategoryDerivatives
	}
	var payload orderResponse
	if err := b.call(ctx, call, &payload); err != nil {
		return schema.OrderRecord{}, err
	}
	market := req.Market
	if market == "" {
		market = schema.MarketSpot
	}
	return payload.toSchema(market), nil
}

// CancelOrder cancels an open order by venue id.
func (b *Binance) CancelOrder(ctx context.Context, market schema.Market, symbol, orderID string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	orderID = strings.TrimSpace(orderID)
	if symbol == "" || orderID == "" {
		return errs.New("cancel order", errs.CodeInvalid, errs.WithMessage("symbol and order id required"))
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	req := transport.Request{
		Method:   http.MethodDelete,
		Path:     pathOrder,
		Params:   params,
		Signed:   true,
		Category: transport.CategoryAccount,
		Weight:   1,
	}
	if market == schema.MarketFutures {
		req.Path = pathFuturesOrder
		req.Category = transport.CategoryDerivatives
	}
	return b.call(ctx, req, nil)
}

// SetLeverage changes the initial leverage of a futures symbol.
func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" || leverage < 1 || leverage > 125 {
		return errs.New("set leverage", errs.CodeInvalid, errs.WithMessage("symbol and leverage between 1 and 125 required"))
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return b.call(ctx, transport.Request{
		Method:   http.MethodPost,
		Path:     pathLeverage,
		Params:   params,
		Signed:   true,
		Category: transport.CategoryDerivatives,
		Weight:   1,
	}, nil)
}

// TickerPrices returns last prices for the given symbols in one call.
func (b *Binance) TickerPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	cleaned := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		if symbol = strings.ToUpper(strings.TrimSpace(symbol)); symbol != "" {
			cleaned = append(cleaned, symbol)
		}
	}
	if len(cleaned) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	encoded, err := json.Marshal(cleaned)
	if err != nil {
		return nil, errs.New("ticker prices", errs.CodeInvalid, errs.WithCause(err))
	}
	params := url.Values{}
	params.Set("symbols", string(encoded))
	var payload []tickerPriceResponse
	if err := b.call(ctx, transport.Request{
		Method:   http.MethodGet,
		Path:     pathTickerPrice,
		Params:   params,
		Category: transport.CategoryPublic,
		Weight:   4,
	}, &payload); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(payload))
	for _, ticker := range payload {
		price := parseDecimal(ticker.Price)
		if price.IsPositive() {
			out[strings.ToUpper(ticker.Symbol)] = price
		}
	}
	return out, nil
}

// TickerPrice returns the last price of one symbol.
func (b *Binance) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return decimal.Zero, errs.New("ticker price", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	var payload tickerPriceResponse
	if err := b.call(ctx, transport.Request{
		Method:   http.MethodGet,
		Path:     pathTickerPrice,
		Params:   params,
		Category: transport.CategoryPublic,
		Weight:   2,
	}, &payload); err != nil {
		return decimal.Zero, err
	}
	price := parseDecimal(payload.Price)
	if !price.IsPositive() {
		return decimal.Zero, errs.New("ticker price", errs.CodeExchange,
			errs.WithMessage(fmt.Sprintf("no price for %s", symbol)))
	}
	return price, nil
}

func (b *Binance) orders(ctx context.Context, req transport.Request, market schema.Market) ([]schema.OrderRecord, error) {
	var payload []orderResponse
	if err := b.call(ctx, req, &payload); err != nil {
		return nil, err
	}
	out := make([]schema.OrderRecord, 0, len(payload))
	for _, order := range payload {
		out = append(out, order.toSchema(market))
	}
	return out, nil
}

func (b *Binance) call(ctx context.Context, req transport.Request, dst any) error {
	body, err := b.doer.Do(ctx, req)
	if err != nil {
		return err
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errs.New(req.Path, errs.CodeExchange, errs.WithMessage("decode response"), errs.WithCause(err))
	}
	return nil
}

func symbolParams(symbol string, limit int) (url.Values, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errors.New("symbol required")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(historyLimit(limit)))
	return params, nil
}

func historyLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func orderParams(req schema.OrderRequest) (url.Values, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, errors.New("symbol required")
	}
	if req.Side != schema.SideBuy && req.Side != schema.SideSell {
		return nil, fmt.Errorf("unsupported side %q", req.Side)
	}
	if !req.Quantity.IsPositive() {
		return nil, errors.New("quantity must be positive")
	}
	orderType := req.Type
	if orderType == "" {
		orderType = schema.OrderTypeLimit
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(orderType))
	params.Set("quantity", req.Quantity.String())
	if orderType != schema.OrderTypeMarket {
		if req.Price == nil || !req.Price.IsPositive() {
			return nil, fmt.Errorf("%s order requires price", strings.ToLower(string(orderType)))
		}
		params.Set("price", req.Price.String())
		tif := strings.ToUpper(strings.TrimSpace(req.TimeInForce))
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	return params, nil
}
