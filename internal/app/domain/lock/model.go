// Package lock defines time-locked vault entries and the governance override
// requests that can release them early.
package lock

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/savings_layer/internal/engine/state"
)

// Release reasons recorded on unlocked entries.
const (
	ReleasedAtMaturity = "maturity"
	ReleasedByOverride = "override"
)

// Lock is custody of Amount until UnlockTime.
type Lock struct {
	ID              int64           `json:"id" db:"id"`
	Owner           string          `json:"owner" db:"owner"`
	Asset           string          `json:"asset" db:"asset"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	Reason          string          `json:"reason,omitempty" db:"reason"`
	Status          state.Status    `json:"status" db:"status"`
	UnlockTime      time.Time       `json:"unlock_time" db:"unlock_time"`
	InterestAccrued decimal.Decimal `json:"interest_accrued" db:"interest_accrued"`
	InterestUnpaid  decimal.Decimal `json:"interest_unpaid" db:"interest_unpaid"`
	ReleasedVia     string          `json:"released_via,omitempty" db:"released_via"`
	ReleasedAt      *time.Time      `json:"released_at,omitempty" db:"released_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Matured reports whether the lock period has elapsed at now.
func (l Lock) Matured(now time.Time) bool {
	return !now.Before(l.UnlockTime)
}

// OverrideStatus is the lifecycle of an override request.
type OverrideStatus string

const (
	OverridePending  OverrideStatus = "pending"
	OverrideApproved OverrideStatus = "approved"
	OverrideExecuted OverrideStatus = "executed"
	OverrideExpired  OverrideStatus = "expired"
)

// Override asks the signer set to release a lock before maturity.
type Override struct {
	ID         int64          `json:"id" db:"id"`
	LockID     int64          `json:"lock_id" db:"lock_id"`
	Requester  string         `json:"requester" db:"requester"`
	Reason     string         `json:"reason,omitempty" db:"reason"`
	Approvals  []string       `json:"approvals" db:"-"`
	Status     OverrideStatus `json:"status" db:"status"`
	Deadline   time.Time      `json:"deadline" db:"deadline"`
	ExecutedAt *time.Time     `json:"executed_at,omitempty" db:"executed_at"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" db:"updated_at"`
}

// HasApproval reports whether signer already approved.
func (o Override) HasApproval(signer string) bool {
	for _, a := range o.Approvals {
		if a == signer {
			return true
		}
	}
	return false
}

// Executable reports whether the request can release its lock at now.
func (o Override) Executable(now time.Time) bool {
	return o.Status == OverrideApproved && !now.After(o.Deadline)
}

// Release is the outcome of a withdrawal from the vault.
// Unpaid is interest the reserve could not cover at release time.
type Release struct {
	LockID   int64           `json:"lock_id"`
	Amount   decimal.Decimal `json:"amount"`
	Interest decimal.Decimal `json:"interest"`
	Unpaid   decimal.Decimal `json:"unpaid"`
	Via      string          `json:"via"`
}
