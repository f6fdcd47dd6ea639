// Package plan defines recurring investment plans executed by the schedule
// engine.
package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/savings_layer/internal/engine/state"
)

// Frequency is the execution cadence of a plan.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Interval returns the minimum gap between two executions. Monthly is a fixed
// 30 days.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether f is a known cadence.
func (f Frequency) Valid() bool {
	return f.Interval() > 0
}

// ParseFrequency normalizes a frequency name.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("unknown frequency %q", s)
	}
	return f, nil
}

// Plan is a recurring pull of AmountPerPeriod from Owner into engine custody.
type Plan struct {
	ID                int64           `json:"id" db:"id"`
	Owner             string          `json:"owner" db:"owner"`
	Asset             string          `json:"asset" db:"asset"`
	AmountPerPeriod   decimal.Decimal `json:"amount_per_period" db:"amount_per_period"`
	Frequency         Frequency       `json:"frequency" db:"frequency"`
	MaxExecutions     int             `json:"max_executions" db:"max_executions"`
	ExecutionCount    int             `json:"execution_count" db:"execution_count"`
	NextEligibleTime  time.Time       `json:"next_eligible_time" db:"next_eligible_time"`
	Status            state.Status    `json:"status" db:"status"`
	PenaltyBps        int64           `json:"penalty_bps" db:"penalty_bps"`
	TotalDeposited    decimal.Decimal `json:"total_deposited" db:"total_deposited"`
	TotalWithdrawn    decimal.Decimal `json:"total_withdrawn" db:"total_withdrawn"`
	PenaltiesRetained decimal.Decimal `json:"penalties_retained" db:"penalties_retained"`
	LastExecutedAt    *time.Time      `json:"last_executed_at,omitempty" db:"last_executed_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Available returns what the owner may still withdraw early.
func (p Plan) Available() decimal.Decimal {
	return p.TotalDeposited.Sub(p.TotalWithdrawn)
}

// Due reports whether the plan may execute at now.
func (p Plan) Due(now time.Time) bool {
	return p.Status == state.StatusActive && !now.Before(p.NextEligibleTime)
}

// Withdrawal is the outcome of an early withdrawal.
type Withdrawal struct {
	PlanID  int64           `json:"plan_id"`
	Amount  decimal.Decimal `json:"amount"`
	Penalty decimal.Decimal `json:"penalty"`
	Payout  decimal.Decimal `json:"payout"`
}
