// Package yield routes deposits across yield pools by APY under a risk
// ceiling and rebalances existing allocations.
package yield

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/savings_layer/internal/app/domain/pool"
	"github.com/R3E-Network/savings_layer/internal/app/metrics"
	"github.com/R3E-Network/savings_layer/internal/app/storage"
	"github.com/R3E-Network/savings_layer/internal/clock"
	"github.com/R3E-Network/savings_layer/internal/errors"
	"github.com/R3E-Network/savings_layer/internal/ledger"
	"github.com/R3E-Network/savings_layer/internal/money"
	"github.com/R3E-Network/savings_layer/internal/roles"
	"github.com/R3E-Network/savings_layer/pkg/logger"
)

// Config tunes the router.
type Config struct {
	// CustodyAccount is the ledger account holding pooled principal.
	CustodyAccount string
}

// PoolSpec describes a pool to register.
type PoolSpec struct {
	ID        string
	Asset     string
	Name      string
	APYBps    int64
	Capacity  decimal.Decimal
	RiskScore int
}

// PoolUpdate changes pool parameters. Nil fields are left as they are.
type PoolUpdate struct {
	Name      *string
	APYBps    *int64
	Capacity  *decimal.Decimal
	RiskScore *int
	Active    *bool
}

// Service is the yield router. Pools are shared by every depositor, so one
// mutex covers capacity checks and the allocation writes that depend on them.
type Service struct {
	store  storage.PoolStore
	ledger ledger.Ledger
	auth   roles.Authority
	clock  clock.Clock
	cfg    Config
	mu     sync.RWMutex
	log    *logger.Logger
}

// New creates a configured router.
func New(store storage.PoolStore, l ledger.Ledger, auth roles.Authority, clk clock.Clock, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("yield")
	}
	if clk == nil {
		clk = clock.System()
	}
	if cfg.CustodyAccount == "" {
		cfg.CustodyAccount = "yield-custody"
	}
	return &Service{store: store, ledger: l, auth: auth, clock: clk, cfg: cfg, log: log}
}

// CustodyAccount returns the ledger account deposits are pulled into.
func (s *Service) CustodyAccount() string {
	return s.cfg.CustodyAccount
}

func (s *Service) requireAdmin(caller string) error {
	if !s.auth.HasRole(roles.Admin, caller) {
		return errors.ErrNotAdmin.WithDetails("caller", caller)
	}
	return nil
}

func validRisk(risk int) bool {
	return risk >= 0 && risk <= pool.MaxRiskScore
}

// AddPool registers an active pool.
func (s *Service) AddPool(ctx context.Context, caller string, spec PoolSpec) (pool.Pool, error) {
	if err := s.requireAdmin(caller); err != nil {
		return pool.Pool{}, err
	}
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return pool.Pool{}, errors.Validation(errors.CodeInvalidPool, "pool id is required")
	}
	if !s.auth.IsSupportedAsset(spec.Asset) {
		return pool.Pool{}, errors.Validation(errors.CodeUnsupportedAsset, fmt.Sprintf("asset %q is not supported", spec.Asset))
	}
	if spec.APYBps < 0 {
		return pool.Pool{}, errors.Validation(errors.CodeInvalidPool, "apy cannot be negative")
	}
	if !money.Positive(spec.Capacity) {
		return pool.Pool{}, errors.Validation(errors.CodeInvalidAmount, "capacity must be positive")
	}
	if !validRisk(spec.RiskScore) {
		return pool.Pool{}, errors.Validation(errors.CodeInvalidRiskScore, fmt.Sprintf("risk score %d outside [0, %d]", spec.RiskScore, pool.MaxRiskScore))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	p, err := s.store.CreatePool(ctx, pool.Pool{
		ID:        id,
		Asset:     spec.Asset,
		Name:      spec.Name,
		APYBps:    spec.APYBps,
		Capacity:  spec.Capacity,
		TVL:       decimal.Zero,
		RiskScore: spec.RiskScore,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return pool.Pool{}, err
	}
	s.log.WithField("pool_id", p.ID).
		WithField("asset", p.Asset).
		WithField("apy_bps", p.APYBps).
		WithField("risk", p.RiskScore).
		Info("pool added")
	return p, nil
}

// UpdatePool changes pool parameters. Yield earned at the old APY is settled
// onto every position first.
func (s *Service) UpdatePool(ctx context.Context, caller, id string, upd PoolUpdate) (pool.Pool, error) {
	if err := s.requireAdmin(caller); err != nil {
		return pool.Pool{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetPool(ctx, id)
	if err != nil {
		return pool.Pool{}, err
	}
	now := s.clock.Now()

	var settled []pool.Position
	if upd.APYBps != nil && *upd.APYBps != p.APYBps {
		if *upd.APYBps < 0 {
			return pool.Pool{}, errors.Validation(errors.CodeInvalidPool, "apy cannot be negative")
		}
		positions, err := s.store.ListPositionsByPool(ctx, id)
		if err != nil {
			return pool.Pool{}, err
		}
		for _, pos := range positions {
			settled = append(settled, settle(pos, p.APYBps, now))
		}
		p.APYBps = *upd.APYBps
	}
	if upd.Capacity != nil {
		if !money.Positive(*upd.Capacity) || upd.Capacity.LessThan(p.TVL) {
			return pool.Pool{}, errors.Validation(errors.CodeInvalidPool,
				fmt.Sprintf("capacity %s must be positive and at least tvl %s", upd.Capacity, p.TVL))
		}
		p.Capacity = *upd.Capacity
	}
	if upd.RiskScore != nil {
		if !validRisk(*upd.RiskScore) {
			return pool.Pool{}, errors.Validation(errors.CodeInvalidRiskScore, fmt.Sprintf("risk score %d outside [0, %d]", *upd.RiskScore, pool.MaxRiskScore))
		}
		p.RiskScore = *upd.RiskScore
	}
	if upd.Active != nil {
		p.Active = *upd.Active
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	p.UpdatedAt = now

	if err := s.store.ApplyAllocation(ctx, []pool.Pool{p}, settled); err != nil {
		return pool.Pool{}, errors.Internal("persist pool update", err)
	}
	s.log.WithField("pool_id", p.ID).
		WithField("apy_bps", p.APYBps).
		WithField("active", p.Active).
		Info("pool updated")
	return p, nil
}

// GetOptimalPools lists active pools for asset with risk at most maxRisk,
// ordered by APY descending, then risk ascending, then id ascending.
func (s *Service) GetOptimalPools(ctx context.Context, asset string, maxRisk int) ([]pool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.optimalPools(ctx, asset, maxRisk)
}

func (s *Service) optimalPools(ctx context.Context, asset string, maxRisk int) ([]pool.Pool, error) {
	all, err := s.store.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	return rankPools(all, asset, maxRisk), nil
}

func rankPools(all []pool.Pool, asset string, maxRisk int) []pool.Pool {
	var eligible []pool.Pool
	for _, p := range all {
		if p.Asset == asset && p.Active && p.RiskScore <= maxRisk {
			eligible = append(eligible, p)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.APYBps != b.APYBps {
			return a.APYBps > b.APYBps
		}
		if a.RiskScore != b.RiskScore {
			return a.RiskScore < b.RiskScore
		}
		return a.ID < b.ID
	})
	return eligible
}

// fill assigns amount greedily over ranked pools. room reports how much a pool
// can still take. It returns the legs and whatever could not be placed.
func fill(ranked []pool.Pool, amount decimal.Decimal, room func(pool.Pool) decimal.Decimal) ([]pool.Leg, decimal.Decimal) {
	var legs []pool.Leg
	left := amount
	for _, p := range ranked {
		if !money.Positive(left) {
			break
		}
		take := money.Min(room(p), left)
		if !money.Positive(take) {
			continue
		}
		legs = append(legs, pool.Leg{PoolID: p.ID, Amount: take})
		left = left.Sub(take)
	}
	return legs, left
}

// settle moves yield earned since the last accrual into YieldAccrued.
func settle(pos pool.Position, apyBps int64, now time.Time) pool.Position {
	if now.After(pos.LastAccrual) {
		pos.YieldAccrued = pos.YieldAccrued.Add(money.AnnualAccrual(pos.Principal, apyBps, now.Sub(pos.LastAccrual)))
	}
	pos.LastAccrual = now
	pos.UpdatedAt = now
	return pos
}

// Deposit pulls amount from caller and spreads it over the best pools.
func (s *Service) Deposit(ctx context.Context, caller, asset string, amount decimal.Decimal, maxRisk int) ([]pool.Leg, error) {
	legs, err := s.deposit(ctx, caller, asset, amount, maxRisk)
	metrics.RecordRouterOperation("deposit", len(legs), err)
	return legs, err
}

func (s *Service) deposit(ctx context.Context, caller, asset string, amount decimal.Decimal, maxRisk int) ([]pool.Leg, error) {
	if strings.TrimSpace(caller) == "" {
		return nil, errors.Validation(errors.CodeInvalidOwner, "owner is required")
	}
	if !money.Positive(amount) {
		return nil, errors.Validation(errors.CodeInvalidAmount, "deposit amount must be positive")
	}
	if !s.auth.IsSupportedAsset(asset) {
		return nil, errors.Validation(errors.CodeUnsupportedAsset, fmt.Sprintf("asset %q is not supported", asset))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ranked, err := s.optimalPools(ctx, asset, maxRisk)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, errors.Resource(errors.CodeNoEligiblePool, fmt.Sprintf("no active %s pool with risk <= %d", asset, maxRisk))
	}
	legs, left := fill(ranked, amount, pool.Pool.Remaining)
	if money.Positive(left) {
		return nil, errors.Resource(errors.CodeInsufficientCapacity,
			fmt.Sprintf("eligible capacity %s is below %s", amount.Sub(left), amount)).
			WithDetails("available", amount.Sub(left).String())
	}

	ref := fmt.Sprintf("yield/deposit/%s/%s", caller, asset)
	if err := s.ledger.TransferFrom(ctx, s.cfg.CustodyAccount, caller, s.cfg.CustodyAccount, asset, amount, ref); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	byID := make(map[string]pool.Pool, len(ranked))
	for _, p := range ranked {
		byID[p.ID] = p
	}
	pools := make([]pool.Pool, 0, len(legs))
	positions := make([]pool.Position, 0, len(legs))
	for _, leg := range legs {
		p := byID[leg.PoolID]
		pos, err := s.position(ctx, caller, p, now)
		if err != nil {
			s.refund(ctx, caller, asset, amount, ref)
			return nil, err
		}
		pos.Principal = pos.Principal.Add(leg.Amount)
		p.TVL = p.TVL.Add(leg.Amount)
		p.UpdatedAt = now
		pools = append(pools, p)
		positions = append(positions, pos)
	}
	if err := s.store.ApplyAllocation(ctx, pools, positions); err != nil {
		s.refund(ctx, caller, asset, amount, ref)
		return nil, errors.Internal("persist deposit", err)
	}

	s.log.WithField("owner", caller).
		WithField("asset", asset).
		WithField("amount", amount.String()).
		WithField("legs", len(legs)).
		Info("deposit allocated")
	return legs, nil
}

// position loads the caller's position in p settled to now, or a fresh one.
func (s *Service) position(ctx context.Context, owner string, p pool.Pool, now time.Time) (pool.Position, error) {
	pos, err := s.store.GetPosition(ctx, owner, p.ID)
	switch {
	case err == nil:
		return settle(pos, p.APYBps, now), nil
	case errors.IsNotFound(err):
		return pool.Position{
			Owner:        owner,
			PoolID:       p.ID,
			Asset:        p.Asset,
			Principal:    decimal.Zero,
			YieldAccrued: decimal.Zero,
			LastAccrual:  now,
			UpdatedAt:    now,
		}, nil
	default:
		return pool.Position{}, err
	}
}

// refund undoes a deposit pull, restoring the owner's funds and allowance.
func (s *Service) refund(ctx context.Context, owner, asset string, amount decimal.Decimal, ref string) {
	if err := s.ledger.ReverseFrom(ctx, s.cfg.CustodyAccount, owner, s.cfg.CustodyAccount, asset, amount, ref+"/refund"); err != nil {
		s.log.WithField("reference", ref).WithError(err).Error("refund after failed persist did not complete")
	}
}

// Rebalance moves the caller's principal in asset to the allocation a fresh
// deposit would get today. The whole target is validated before anything is
// written; principal is preserved exactly and accrued yield stays on the
// settled positions.
func (s *Service) Rebalance(ctx context.Context, caller, asset string, maxRisk int) ([]pool.Leg, error) {
	legs, err := s.rebalance(ctx, caller, asset, maxRisk)
	metrics.RecordRouterOperation("rebalance", len(legs), err)
	return legs, err
}

func (s *Service) rebalance(ctx context.Context, caller, asset string, maxRisk int) ([]pool.Leg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.store.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	pools := make(map[string]pool.Pool, len(all))
	for _, p := range all {
		pools[p.ID] = p
	}
	owned, err := s.store.ListPositionsByOwner(ctx, caller)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	current := make(map[string]pool.Position)
	total := decimal.Zero
	for _, pos := range owned {
		if pos.Asset != asset {
			continue
		}
		settled := settle(pos, pools[pos.PoolID].APYBps, now)
		current[pos.PoolID] = settled
		total = total.Add(settled.Principal)
	}
	if !money.Positive(total) {
		return nil, nil
	}

	ranked := rankPools(all, asset, maxRisk)
	if len(ranked) == 0 {
		return nil, errors.Resource(errors.CodeNoEligiblePool, fmt.Sprintf("no active %s pool with risk <= %d", asset, maxRisk))
	}
	room := func(p pool.Pool) decimal.Decimal {
		own := decimal.Zero
		if pos, ok := current[p.ID]; ok {
			own = pos.Principal
		}
		r := p.Capacity.Sub(p.TVL.Sub(own))
		if r.Sign() < 0 {
			return decimal.Zero
		}
		return r
	}
	legs, left := fill(ranked, total, room)
	if money.Positive(left) {
		return nil, errors.Resource(errors.CodeInsufficientCapacity,
			fmt.Sprintf("target pools can absorb %s of %s", total.Sub(left), total)).
			WithDetails("principal", total.String())
	}

	target := make(map[string]decimal.Decimal, len(legs))
	for _, leg := range legs {
		target[leg.PoolID] = leg.Amount
	}

	touched := make(map[string]struct{})
	for id := range current {
		touched[id] = struct{}{}
	}
	for id := range target {
		touched[id] = struct{}{}
	}
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		poolUpdates     []pool.Pool
		positionUpdates []pool.Position
	)
	for _, id := range ids {
		p := pools[id]
		pos, held := current[id]
		if !held {
			pos = pool.Position{
				Owner:        caller,
				PoolID:       id,
				Asset:        asset,
				Principal:    decimal.Zero,
				YieldAccrued: decimal.Zero,
				LastAccrual:  now,
				UpdatedAt:    now,
			}
		}
		next := target[id]
		if next.Equal(pos.Principal) && held {
			positionUpdates = append(positionUpdates, pos)
			continue
		}
		p.TVL = p.TVL.Sub(pos.Principal).Add(next)
		p.UpdatedAt = now
		pos.Principal = next
		poolUpdates = append(poolUpdates, p)
		positionUpdates = append(positionUpdates, pos)
	}

	if err := s.store.ApplyAllocation(ctx, poolUpdates, positionUpdates); err != nil {
		return nil, errors.Internal("persist rebalance", err)
	}
	s.log.WithField("owner", caller).
		WithField("asset", asset).
		WithField("principal", total.String()).
		WithField("legs", len(legs)).
		Info("allocation rebalanced")
	return legs, nil
}

// Withdraw returns principal from one pool position to the caller.
func (s *Service) Withdraw(ctx context.Context, caller, poolID string, amount decimal.Decimal) error {
	err := s.withdraw(ctx, caller, poolID, amount)
	metrics.RecordRouterOperation("withdraw", 1, err)
	return err
}

func (s *Service) withdraw(ctx context.Context, caller, poolID string, amount decimal.Decimal) error {
	if !money.Positive(amount) {
		return errors.Validation(errors.CodeInvalidAmount, "withdrawal amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	pos, err := s.position(ctx, caller, p, now)
	if err != nil {
		return err
	}
	if amount.GreaterThan(pos.Principal) {
		return errors.Resource(errors.CodeInsufficientAvailable,
			fmt.Sprintf("requested %s exceeds principal %s", amount, pos.Principal)).
			WithDetails("available", pos.Principal.String())
	}

	ref := fmt.Sprintf("yield/withdraw/%s/%s", caller, poolID)
	if err := s.ledger.Transfer(ctx, s.cfg.CustodyAccount, caller, p.Asset, amount, ref); err != nil {
		return err
	}
	pos.Principal = pos.Principal.Sub(amount)
	p.TVL = p.TVL.Sub(amount)
	p.UpdatedAt = now
	if err := s.store.ApplyAllocation(ctx, []pool.Pool{p}, []pool.Position{pos}); err != nil {
		if rerr := s.ledger.Transfer(ctx, caller, s.cfg.CustodyAccount, p.Asset, amount, ref+"/revert"); rerr != nil {
			s.log.WithField("reference", ref).WithError(rerr).Error("revert after failed persist did not complete")
		}
		return errors.Internal("persist withdrawal", err)
	}
	s.log.WithField("owner", caller).
		WithField("pool_id", poolID).
		WithField("amount", amount.String()).
		Info("principal withdrawn")
	return nil
}

// Valuation is an owner's standing in one asset.
type Valuation struct {
	Principal decimal.Decimal `json:"principal"`
	Yield     decimal.Decimal `json:"yield"`
}

// Total returns principal plus yield.
func (v Valuation) Total() decimal.Decimal {
	return v.Principal.Add(v.Yield)
}

// Value sums the owner's positions in asset, including yield not yet settled.
func (s *Service) Value(ctx context.Context, owner, asset string) (Valuation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions, err := s.store.ListPositionsByOwner(ctx, owner)
	if err != nil {
		return Valuation{}, err
	}
	now := s.clock.Now()
	v := Valuation{Principal: decimal.Zero, Yield: decimal.Zero}
	for _, pos := range positions {
		if pos.Asset != asset {
			continue
		}
		p, err := s.store.GetPool(ctx, pos.PoolID)
		if err != nil {
			return Valuation{}, err
		}
		pos = settle(pos, p.APYBps, now)
		v.Principal = v.Principal.Add(pos.Principal)
		v.Yield = v.Yield.Add(pos.YieldAccrued)
	}
	return v, nil
}

// GetUserTotalValue returns principal plus yield for owner in asset.
func (s *Service) GetUserTotalValue(ctx context.Context, owner, asset string) (decimal.Decimal, error) {
	v, err := s.Value(ctx, owner, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Total(), nil
}

// GetUserYield returns the yield earned by owner in asset.
func (s *Service) GetUserYield(ctx context.Context, owner, asset string) (decimal.Decimal, error) {
	v, err := s.Value(ctx, owner, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Yield, nil
}

// ListPositions lists every position held by owner.
func (s *Service) ListPositions(ctx context.Context, owner string) ([]pool.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.ListPositionsByOwner(ctx, owner)
}

// GetPool fetches a pool by id.
func (s *Service) GetPool(ctx context.Context, id string) (pool.Pool, error) {
	return s.store.GetPool(ctx, id)
}

// ListPools lists all pools by id.
func (s *Service) ListPools(ctx context.Context) ([]pool.Pool, error) {
	return s.store.ListPools(ctx)
}
