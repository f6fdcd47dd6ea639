// Package testutil provides common testing utilities shared by engine tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/savings_layer/internal/ledger"
	"github.com/R3E-Network/savings_layer/internal/roles"
)

// Epoch is the fixed start time used by engine tests.
var Epoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// Clock is a manually advanced clock. It is safe for concurrent use.
type Clock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewClock creates a clock frozen at start (Epoch when zero).
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = Epoch
	}
	return &Clock{now: start}
}

// Now implements clock.Clock.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Amount parses a decimal literal and fails the test on error.
func Amount(t testing.TB, v string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	if err != nil {
		t.Fatalf("parse amount %q: %v", v, err)
	}
	return d
}

// FundAndApprove credits owner and authorizes spender for the same amount.
func FundAndApprove(t testing.TB, l *ledger.Manager, owner, spender, asset string, amount decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	if err := l.Credit(ctx, owner, asset, amount); err != nil {
		t.Fatalf("credit %s: %v", owner, err)
	}
	if err := l.Approve(ctx, owner, spender, asset, amount); err != nil {
		t.Fatalf("approve %s -> %s: %v", owner, spender, err)
	}
}

// Authority is a static role and asset table for engine tests.
type Authority struct {
	mu      sync.RWMutex
	members map[roles.Role]map[string]struct{}
	assets  map[string]struct{}
}

// NewAuthority creates an authority supporting the given assets.
func NewAuthority(assets ...string) *Authority {
	a := &Authority{members: make(map[roles.Role]map[string]struct{}), assets: make(map[string]struct{})}
	for _, asset := range assets {
		a.assets[asset] = struct{}{}
	}
	return a
}

// Grant gives identity a role.
func (a *Authority) Grant(role roles.Role, identity string) *Authority {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.members[role] == nil {
		a.members[role] = make(map[string]struct{})
	}
	a.members[role][identity] = struct{}{}
	return a
}

// HasRole reports whether identity holds role.
func (a *Authority) HasRole(role roles.Role, identity string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.members[role][identity]
	return ok
}

var _ roles.Authority = (*Authority)(nil)

// IsSupportedAsset reports whether asset is configured.
func (a *Authority) IsSupportedAsset(asset string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.assets[asset]
	return ok
}
