// Package ledger provides the authorize-then-transfer account primitive the
// engines move value through.
//
// Flow:
// 1. Funds arrive on an owner's account (Credit)
// 2. The owner authorizes an engine to pull up to an amount (Approve)
// 3. The engine pulls within that allowance into its custody account (TransferFrom)
// 4. Custody pays out with holder-initiated transfers (Transfer)
//
// Every movement is all-or-nothing: a failed transfer leaves balances,
// allowances and the journal untouched.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/savings_layer/internal/clock"
	"github.com/R3E-Network/savings_layer/internal/errors"
	"github.com/R3E-Network/savings_layer/internal/money"
)

// Ledger is the value-moving surface the engines depend on.
type Ledger interface {
	TransferFrom(ctx context.Context, spender, owner, to, asset string, amount decimal.Decimal, reference string) error
	ReverseFrom(ctx context.Context, spender, owner, from, asset string, amount decimal.Decimal, reference string) error
	Transfer(ctx context.Context, from, to, asset string, amount decimal.Decimal, reference string) error
	Balance(ctx context.Context, owner, asset string) decimal.Decimal
}

// Manager is the in-process ledger. It is safe for concurrent use.
type Manager struct {
	clock      clock.Clock
	mu         sync.RWMutex
	balances   map[balanceKey]decimal.Decimal
	allowances map[allowanceKey]decimal.Decimal
	journal    map[string][]Entry
}

var _ Ledger = (*Manager)(nil)

// NewManager creates an empty ledger.
func NewManager(clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.System()
	}
	return &Manager{
		clock:      clk,
		balances:   make(map[balanceKey]decimal.Decimal),
		allowances: make(map[allowanceKey]decimal.Decimal),
		journal:    make(map[string][]Entry),
	}
}

// =============================================================================
// Balance Operations
// =============================================================================

// Credit adds externally sourced funds to an account.
func (m *Manager) Credit(_ context.Context, owner, asset string, amount decimal.Decimal) error {
	if err := validate(owner, asset, amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := balanceKey{owner: owner, asset: asset}
	m.balances[key] = m.balances[key].Add(amount)
	m.appendLocked(owner, "", asset, TxTypeCredit, amount, m.balances[key], "")
	return nil
}

// Balance returns the account balance for an asset.
func (m *Manager) Balance(_ context.Context, owner, asset string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[balanceKey{owner: owner, asset: asset}]
}

// =============================================================================
// Authorization
// =============================================================================

// Approve sets the amount spender may pull from owner. It replaces any
// previous allowance; zero revokes.
func (m *Manager) Approve(_ context.Context, owner, spender, asset string, amount decimal.Decimal) error {
	owner = strings.TrimSpace(owner)
	spender = strings.TrimSpace(spender)
	if owner == "" || spender == "" {
		return errors.Validation(errors.CodeInvalidOwner, "owner and spender are required")
	}
	if strings.TrimSpace(asset) == "" {
		return errors.Validation(errors.CodeUnsupportedAsset, "asset is required")
	}
	if amount.Sign() < 0 {
		return errors.Validation(errors.CodeInvalidAmount, "allowance cannot be negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := allowanceKey{owner: owner, spender: spender, asset: asset}
	if amount.IsZero() {
		delete(m.allowances, key)
	} else {
		m.allowances[key] = amount
	}
	m.appendLocked(owner, spender, asset, TxTypeApprove, amount, m.balances[balanceKey{owner: owner, asset: asset}], "")
	return nil
}

// Allowance returns what spender may still pull from owner.
func (m *Manager) Allowance(_ context.Context, owner, spender, asset string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allowances[allowanceKey{owner: owner, spender: spender, asset: asset}]
}

// =============================================================================
// Transfers
// =============================================================================

// TransferFrom moves amount from owner to `to` on behalf of spender, consuming
// allowance.
func (m *Manager) TransferFrom(_ context.Context, spender, owner, to, asset string, amount decimal.Decimal, reference string) error {
	if err := validate(owner, asset, amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	akey := allowanceKey{owner: owner, spender: spender, asset: asset}
	allowed := m.allowances[akey]
	if allowed.LessThan(amount) {
		return errors.ErrInsufficientAllowance.
			WithDetails("allowance", allowed.String()).
			WithDetails("requested", amount.String())
	}
	if err := m.moveLocked(owner, to, asset, amount, reference); err != nil {
		return err
	}

	remaining := allowed.Sub(amount)
	if remaining.IsZero() {
		delete(m.allowances, akey)
	} else {
		m.allowances[akey] = remaining
	}
	return nil
}

// ReverseFrom undoes a TransferFrom: amount moves from `from` back to owner
// and spender's allowance is restored, in one step.
func (m *Manager) ReverseFrom(_ context.Context, spender, owner, from, asset string, amount decimal.Decimal, reference string) error {
	if err := validate(from, asset, amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.moveLocked(from, owner, asset, amount, reference); err != nil {
		return err
	}
	akey := allowanceKey{owner: owner, spender: spender, asset: asset}
	m.allowances[akey] = m.allowances[akey].Add(amount)
	return nil
}

// Transfer moves amount between accounts at the holder's request.
func (m *Manager) Transfer(_ context.Context, from, to, asset string, amount decimal.Decimal, reference string) error {
	if err := validate(from, asset, amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveLocked(from, to, asset, amount, reference)
}

func (m *Manager) moveLocked(from, to, asset string, amount decimal.Decimal, reference string) error {
	if strings.TrimSpace(to) == "" {
		return errors.Validation(errors.CodeInvalidOwner, "destination account is required")
	}
	src := balanceKey{owner: from, asset: asset}
	available := m.balances[src]
	if available.LessThan(amount) {
		return errors.ErrInsufficientBalance.
			WithDetails("available", available.String()).
			WithDetails("requested", amount.String())
	}
	dst := balanceKey{owner: to, asset: asset}

	m.balances[src] = available.Sub(amount)
	m.balances[dst] = m.balances[dst].Add(amount)

	m.appendLocked(from, to, asset, TxTypeTransferOut, amount.Neg(), m.balances[src], reference)
	m.appendLocked(to, from, asset, TxTypeTransferIn, amount, m.balances[dst], reference)
	return nil
}

// Transactions returns the most recent journal entries for an account, newest
// first. A non-positive limit returns everything.
func (m *Manager) Transactions(_ context.Context, owner string, limit int) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.journal[owner]
	n := len(entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, entries[i])
	}
	return out
}

func (m *Manager) appendLocked(account, counterparty, asset, txType string, amount, balanceAfter decimal.Decimal, reference string) {
	m.journal[account] = append(m.journal[account], Entry{
		ID:           uuid.New().String(),
		Account:      account,
		Counterparty: counterparty,
		Asset:        asset,
		TxType:       txType,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		ReferenceID:  reference,
		CreatedAt:    m.clock.Now(),
	})
}

func validate(owner, asset string, amount decimal.Decimal) error {
	if strings.TrimSpace(owner) == "" {
		return errors.Validation(errors.CodeInvalidOwner, "account is required")
	}
	if strings.TrimSpace(asset) == "" {
		return errors.Validation(errors.CodeUnsupportedAsset, "asset is required")
	}
	if !money.Positive(amount) {
		return errors.Validation(errors.CodeInvalidAmount, fmt.Sprintf("amount must be positive, got %s", amount))
	}
	return nil
}
