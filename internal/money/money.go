// Package money holds the fixed-point arithmetic shared by the engines.
// Amounts are decimal values denominated in asset base units.
package money

import (
	"time"

	"github.com/shopspring/decimal"
)

// BasisPoints is the denominator of a bps ratio.
const BasisPoints = 10000

// Year is the accrual year used for APY and interest rates.
const Year = 365 * 24 * time.Hour

// accrualPlaces bounds the precision kept for fractional yield.
const accrualPlaces = 18

var bpsDenominator = decimal.NewFromInt(BasisPoints)

// Positive reports whether d > 0.
func Positive(d decimal.Decimal) bool {
	return d.Sign() > 0
}

// ApplyBps returns floor(amount * bps / 10000).
func ApplyBps(amount decimal.Decimal, bps int64) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(bps)).Div(bpsDenominator).Floor()
}

// SplitBps splits amount into (payout, fee) where fee = ApplyBps(amount, bps)
// and payout + fee == amount.
func SplitBps(amount decimal.Decimal, bps int64) (payout, fee decimal.Decimal) {
	fee = ApplyBps(amount, bps)
	return amount.Sub(fee), fee
}

// AnnualAccrual returns principal * rateBps/10000 * elapsed/Year, truncated to
// 18 decimal places. Non-positive inputs accrue nothing.
func AnnualAccrual(principal decimal.Decimal, rateBps int64, elapsed time.Duration) decimal.Decimal {
	if !Positive(principal) || rateBps <= 0 || elapsed <= 0 {
		return decimal.Zero
	}
	num := principal.
		Mul(decimal.NewFromInt(rateBps)).
		Mul(decimal.NewFromInt(int64(elapsed / time.Second)))
	den := bpsDenominator.Mul(decimal.NewFromInt(int64(Year / time.Second)))
	return num.DivRound(den, accrualPlaces+2).Truncate(accrualPlaces)
}

// Sum adds all values.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
