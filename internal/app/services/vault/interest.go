package vault

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/savings_layer/internal/money"
)

// InterestPolicy computes the interest owed on principal held for a duration.
// Implementations must be non-decreasing in both arguments.
type InterestPolicy interface {
	Name() string
	Accrue(principal decimal.Decimal, held time.Duration) decimal.Decimal
}

// NoInterest pays nothing.
type NoInterest struct{}

func (NoInterest) Name() string { return "none" }

func (NoInterest) Accrue(decimal.Decimal, time.Duration) decimal.Decimal { return decimal.Zero }

// SimpleInterest pays RateBps per year on the original principal.
type SimpleInterest struct {
	RateBps int64
}

func (SimpleInterest) Name() string { return "simple" }

func (p SimpleInterest) Accrue(principal decimal.Decimal, held time.Duration) decimal.Decimal {
	return money.AnnualAccrual(principal, p.RateBps, held)
}

// MinCompoundPeriod is the shortest accepted compounding period.
const MinCompoundPeriod = time.Minute

// factorPlaces bounds intermediate precision while compounding.
const factorPlaces = 24

// CompoundInterest capitalizes RateBps per year every Period. A trailing
// partial period earns simple interest on the compounded balance.
type CompoundInterest struct {
	RateBps int64
	Period  time.Duration
}

func (CompoundInterest) Name() string { return "compound" }

func (p CompoundInterest) Accrue(principal decimal.Decimal, held time.Duration) decimal.Decimal {
	if !money.Positive(principal) || p.RateBps <= 0 || held <= 0 || p.Period <= 0 {
		return decimal.Zero
	}
	step := money.AnnualAccrual(decimal.NewFromInt(1), p.RateBps, p.Period)
	growth := pow(decimal.NewFromInt(1).Add(step), int64(held/p.Period))
	balance := principal.Mul(growth).Truncate(18)
	balance = balance.Add(money.AnnualAccrual(balance, p.RateBps, held%p.Period))
	return balance.Sub(principal)
}

// pow raises base to n by repeated squaring.
func pow(base decimal.Decimal, n int64) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(base).Truncate(factorPlaces)
		}
		base = base.Mul(base).Truncate(factorPlaces)
		n >>= 1
	}
	return result
}

// NewInterestPolicy builds a policy by name.
func NewInterestPolicy(name string, rateBps int64, period time.Duration) (InterestPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return NoInterest{}, nil
	case "simple":
		if rateBps < 0 {
			return nil, fmt.Errorf("interest rate cannot be negative")
		}
		return SimpleInterest{RateBps: rateBps}, nil
	case "compound":
		if rateBps < 0 || period < MinCompoundPeriod {
			return nil, fmt.Errorf("compound interest needs a non-negative rate and a period of at least %s", MinCompoundPeriod)
		}
		return CompoundInterest{RateBps: rateBps, Period: period}, nil
	default:
		return nil, fmt.Errorf("unknown interest policy %q", name)
	}
}
