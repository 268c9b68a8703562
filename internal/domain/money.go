package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

// CentEpsilon absorbs float noise when comparing prices rounded to cents.
const CentEpsilon = 0.005

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// RoundCents rounds half away from zero to two decimals.
func RoundCents(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// MarginPercent is (price-cost)/price as a percentage.
func MarginPercent(price, cost float64) float64 {
	if price <= 0 {
		return -100
	}
	f, _ := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(cost)).
		Div(decimal.NewFromFloat(price)).Mul(hundred).Float64()
	return f
}

// PriceForMargin returns the lowest cent price whose margin over cost is at
// least marginPercent. A margin of 100% or more has no finite price.
func PriceForMargin(cost, marginPercent float64) float64 {
	q, ok := marginQuotient(cost, marginPercent)
	if !ok {
		return math.Inf(1)
	}
	f, _ := q.RoundCeil(2).Float64()
	return f
}

// MaxPriceForMargin returns the highest cent price whose margin over cost
// does not exceed marginPercent.
func MaxPriceForMargin(cost, marginPercent float64) float64 {
	q, ok := marginQuotient(cost, marginPercent)
	if !ok {
		return math.Inf(1)
	}
	f, _ := q.RoundFloor(2).Float64()
	return f
}

func marginQuotient(cost, marginPercent float64) (decimal.Decimal, bool) {
	if marginPercent >= 100 {
		return decimal.Zero, false
	}
	denom := one.Sub(decimal.NewFromFloat(marginPercent).Div(hundred))
	return decimal.NewFromFloat(cost).Div(denom), true
}

// PercentChange is (to-from)/from as a percentage; zero when from is not positive.
func PercentChange(from, to float64) float64 {
	if from <= 0 {
		return 0
	}
	f, _ := decimal.NewFromFloat(to).Sub(decimal.NewFromFloat(from)).
		Div(decimal.NewFromFloat(from)).Mul(hundred).Round(4).Float64()
	return f
}

// ApplyPercent returns price adjusted by pct percent, rounded to cents.
func ApplyPercent(price, pct float64) float64 {
	f, _ := decimal.NewFromFloat(price).
		Mul(one.Add(decimal.NewFromFloat(pct).Div(hundred))).Round(2).Float64()
	return f
}

// SamePrice compares two prices at cent precision.
func SamePrice(a, b float64) bool {
	return math.Abs(a-b) < CentEpsilon
}
