// Package pool defines yield pools and the per-owner positions held in them.
package pool

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxRiskScore is the highest risk a pool may carry.
const MaxRiskScore = 10

// Pool is a yield venue for one asset.
type Pool struct {
	ID        string          `json:"id" db:"id"`
	Asset     string          `json:"asset" db:"asset"`
	Name      string          `json:"name" db:"name"`
	APYBps    int64           `json:"apy_bps" db:"apy_bps"`
	Capacity  decimal.Decimal `json:"capacity" db:"capacity"`
	TVL       decimal.Decimal `json:"tvl" db:"tvl"`
	RiskScore int             `json:"risk_score" db:"risk_score"`
	Active    bool            `json:"active" db:"active"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Remaining returns the capacity not yet taken by TVL.
func (p Pool) Remaining() decimal.Decimal {
	r := p.Capacity.Sub(p.TVL)
	if r.Sign() < 0 {
		return decimal.Zero
	}
	return r
}

// Position is an owner's principal in a pool plus settled yield.
type Position struct {
	Owner        string          `json:"owner" db:"owner"`
	PoolID       string          `json:"pool_id" db:"pool_id"`
	Asset        string          `json:"asset" db:"asset"`
	Principal    decimal.Decimal `json:"principal" db:"principal"`
	YieldAccrued decimal.Decimal `json:"yield_accrued" db:"yield_accrued"`
	LastAccrual  time.Time       `json:"last_accrual" db:"last_accrual"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Empty reports whether the position holds nothing.
func (p Position) Empty() bool {
	return p.Principal.IsZero() && p.YieldAccrued.IsZero()
}

// Leg is one pool's share of a deposit or rebalance.
type Leg struct {
	PoolID string          `json:"pool_id"`
	Amount decimal.Decimal `json:"amount"`
}
