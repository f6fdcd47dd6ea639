// Package portfolio composes read-only views over the savings engines.
package portfolio

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/savings_layer/internal/app/domain/lock"
	"github.com/R3E-Network/savings_layer/internal/app/domain/plan"
	"github.com/R3E-Network/savings_layer/internal/app/domain/pool"
	"github.com/R3E-Network/savings_layer/internal/app/services/yield"
	"github.com/R3E-Network/savings_layer/internal/engine/state"
)

// PlanReader lists an owner's recurring plans.
type PlanReader interface {
	ListPlans(ctx context.Context, owner string) ([]plan.Plan, error)
}

// PositionReader values an owner's pool positions.
type PositionReader interface {
	ListPositions(ctx context.Context, owner string) ([]pool.Position, error)
	Value(ctx context.Context, owner, asset string) (yield.Valuation, error)
}

// LockReader lists an owner's vault locks.
type LockReader interface {
	ListLocks(ctx context.Context, owner string) ([]lock.Lock, error)
	AccruedInterest(ctx context.Context, lockID int64) (decimal.Decimal, error)
}

// Holding is one asset's slice of a portfolio.
type Holding struct {
	Asset           string          `json:"asset"`
	Scheduled       decimal.Decimal `json:"scheduled"`
	Invested        decimal.Decimal `json:"invested"`
	Yield           decimal.Decimal `json:"yield"`
	Locked          decimal.Decimal `json:"locked"`
	PendingInterest decimal.Decimal `json:"pending_interest"`
}

// Total sums every component of the holding.
func (h Holding) Total() decimal.Decimal {
	return h.Scheduled.Add(h.Invested).Add(h.Yield).Add(h.Locked).Add(h.PendingInterest)
}

// Portfolio is an owner's holdings across the engines, sorted by asset.
type Portfolio struct {
	Owner       string    `json:"owner"`
	Holdings    []Holding `json:"holdings"`
	ActivePlans int       `json:"active_plans"`
	ActiveLocks int       `json:"active_locks"`
	Positions   int       `json:"positions"`
}

// Holding returns the entry for asset, or a zero holding.
func (p Portfolio) Holding(asset string) Holding {
	for _, h := range p.Holdings {
		if h.Asset == asset {
			return h
		}
	}
	return newHolding(asset)
}

// Service reads the engines. It never mutates them.
type Service struct {
	plans     PlanReader
	positions PositionReader
	locks     LockReader
}

// New creates a portfolio reader. Any reader may be nil.
func New(plans PlanReader, positions PositionReader, locks LockReader) *Service {
	return &Service{plans: plans, positions: positions, locks: locks}
}

func newHolding(asset string) Holding {
	return Holding{
		Asset:           asset,
		Scheduled:       decimal.Zero,
		Invested:        decimal.Zero,
		Yield:           decimal.Zero,
		Locked:          decimal.Zero,
		PendingInterest: decimal.Zero,
	}
}

// Summary builds the owner's portfolio.
func (s *Service) Summary(ctx context.Context, owner string) (Portfolio, error) {
	out := Portfolio{Owner: owner}
	holdings := make(map[string]*Holding)
	get := func(asset string) *Holding {
		h, ok := holdings[asset]
		if !ok {
			nh := newHolding(asset)
			h = &nh
			holdings[asset] = h
		}
		return h
	}

	if s.plans != nil {
		plans, err := s.plans.ListPlans(ctx, owner)
		if err != nil {
			return Portfolio{}, fmt.Errorf("list plans: %w", err)
		}
		for _, p := range plans {
			h := get(p.Asset)
			h.Scheduled = h.Scheduled.Add(p.Available())
			if p.Status == state.StatusActive || p.Status == state.StatusPaused {
				out.ActivePlans++
			}
		}
	}

	if s.positions != nil {
		positions, err := s.positions.ListPositions(ctx, owner)
		if err != nil {
			return Portfolio{}, fmt.Errorf("list positions: %w", err)
		}
		seen := make(map[string]bool)
		for _, pos := range positions {
			if !pos.Empty() {
				out.Positions++
			}
			if seen[pos.Asset] {
				continue
			}
			seen[pos.Asset] = true
			v, err := s.positions.Value(ctx, owner, pos.Asset)
			if err != nil {
				return Portfolio{}, fmt.Errorf("value %s positions: %w", pos.Asset, err)
			}
			h := get(pos.Asset)
			h.Invested = h.Invested.Add(v.Principal)
			h.Yield = h.Yield.Add(v.Yield)
		}
	}

	if s.locks != nil {
		locks, err := s.locks.ListLocks(ctx, owner)
		if err != nil {
			return Portfolio{}, fmt.Errorf("list locks: %w", err)
		}
		for _, l := range locks {
			if l.Status != state.StatusActive {
				continue
			}
			interest, err := s.locks.AccruedInterest(ctx, l.ID)
			if err != nil {
				return Portfolio{}, fmt.Errorf("accrued interest for lock %d: %w", l.ID, err)
			}
			h := get(l.Asset)
			h.Locked = h.Locked.Add(l.Amount)
			h.PendingInterest = h.PendingInterest.Add(interest)
			out.ActiveLocks++
		}
	}

	out.Holdings = make([]Holding, 0, len(holdings))
	for _, h := range holdings {
		out.Holdings = append(out.Holdings, *h)
	}
	sort.Slice(out.Holdings, func(i, j int) bool { return out.Holdings[i].Asset < out.Holdings[j].Asset })
	return out, nil
}

// Total returns the owner's combined value in asset.
func (s *Service) Total(ctx context.Context, owner, asset string) (decimal.Decimal, error) {
	p, err := s.Summary(ctx, owner)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Holding(asset).Total(), nil
}
