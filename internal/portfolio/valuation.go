package portfolio

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/folio/internal/schema"
	"github.com/coachpo/folio/internal/venue"
)

// Value computes the spot valuation of balances in the reference asset. Stable assets count
// 1:1; other assets count quantity × price, or zero when no price is known. StableValue is
// always populated; PricesComplete is false when any non-stable balance lacked a price.
func Value(balances []schema.Balance, prices map[string]decimal.Decimal, isStable func(string) bool, reference string) schema.Valuation {
	out := schema.Valuation{
		ReferenceAsset: strings.ToUpper(reference),
		StableValue:    decimal.Zero,
		SpotValue:      decimal.Zero,
		PricesComplete: true,
	}
	for _, balance := range balances {
		asset := strings.ToUpper(balance.Asset)
		qty := balance.Total()
		if asset == out.ReferenceAsset || (isStable != nil && isStable(asset)) {
			out.StableValue = out.StableValue.Add(qty)
			out.SpotValue = out.SpotValue.Add(qty)
			continue
		}
		price, ok := prices[asset]
		if !ok || !price.IsPositive() {
			if qty.IsPositive() {
				out.PricesComplete = false
			}
			continue
		}
		out.SpotValue = out.SpotValue.Add(qty.Mul(price))
	}
	out.Total = out.SpotValue
	return out
}

// UnrealizedPnL returns the venue aggregate when reported, otherwise the sum over positions
// with non-zero size.
func UnrealizedPnL(account venue.FuturesAccount) decimal.Decimal {
	if account.TotalUnrealizedProfit != nil {
		return *account.TotalUnrealizedProfit
	}
	total := decimal.Zero
	for _, position := range account.Positions {
		if position.Size.IsZero() {
			continue
		}
		total = total.Add(position.UnrealizedProfit)
	}
	return total
}

// withDerivatives layers the derivatives wallet and unrealized PnL on a spot valuation.
func withDerivatives(v schema.Valuation, account venue.FuturesAccount) schema.Valuation {
	v.DerivativesWallet = account.WalletBalance
	v.UnrealizedPnL = UnrealizedPnL(account)
	v.Total = v.SpotValue.Add(v.DerivativesWallet).Add(v.UnrealizedPnL)
	return v
}
