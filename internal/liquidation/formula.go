package liquidation

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpkeeper/internal/domain"
)

// fundingScale converts a funding-rate delta into a fraction of collateral.
var fundingScale = decimal.NewFromInt(10000)

// DefaultMaintenanceMargin is the fraction of collateral below which a
// position is liquidatable.
var DefaultMaintenanceMargin = decimal.NewFromFloat(0.05)

// MarketData is the global state the local formula needs. Load it once per
// staleness pass.
type MarketData struct {
	Price                  decimal.Decimal
	AccumulatedFundingRate decimal.Decimal
}

// Assessment is the result of evaluating a position locally.
type Assessment struct {
	PriceChangePct    decimal.Decimal
	PnL               decimal.Decimal
	FundingPayment    decimal.Decimal
	RemainingValue    decimal.Decimal
	MaintenanceMargin decimal.Decimal
	Liquidatable      bool
}

// Assess mirrors the contract's liquidation math. It is a pre-filter only;
// the contract's isLiquidatable stays authoritative. ok is false when the
// position cannot be evaluated (zero entry price).
func Assess(p domain.Position, m MarketData, marginRatio decimal.Decimal) (a Assessment, ok bool) {
	if p.EntryPrice.IsZero() {
		return Assessment{}, false
	}
	one := decimal.NewFromInt(1)
	ratio := m.Price.Div(p.EntryPrice)

	if p.IsLong {
		a.PriceChangePct = ratio.Sub(one)
	} else {
		a.PriceChangePct = one.Sub(ratio)
	}
	a.PnL = p.Collateral.Mul(p.Leverage).Mul(a.PriceChangePct)

	delta := m.AccumulatedFundingRate.Sub(p.EntryFundingRate)
	a.FundingPayment = p.Collateral.Mul(delta).Div(fundingScale)
	if p.IsLong {
		a.FundingPayment = a.FundingPayment.Neg()
	}

	a.RemainingValue = p.Collateral.Add(a.PnL).Add(a.FundingPayment)
	a.MaintenanceMargin = p.Collateral.Mul(marginRatio)
	a.Liquidatable = a.RemainingValue.LessThanOrEqual(a.MaintenanceMargin)
	return a, true
}
