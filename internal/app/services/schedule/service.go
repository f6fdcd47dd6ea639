// Package schedule runs recurring investment plans: periodic pulls from the
// owner's ledger account into engine custody, with penalized early exit.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/savings_layer/internal/app/domain/plan"
	"github.com/R3E-Network/savings_layer/internal/app/metrics"
	"github.com/R3E-Network/savings_layer/internal/app/storage"
	"github.com/R3E-Network/savings_layer/internal/clock"
	"github.com/R3E-Network/savings_layer/internal/engine/state"
	"github.com/R3E-Network/savings_layer/internal/errors"
	"github.com/R3E-Network/savings_layer/internal/ledger"
	"github.com/R3E-Network/savings_layer/internal/locker"
	"github.com/R3E-Network/savings_layer/internal/money"
	"github.com/R3E-Network/savings_layer/internal/roles"
	"github.com/R3E-Network/savings_layer/pkg/logger"
)

// DefaultMaxPenaltyBps caps early withdrawal penalties when no cap is configured.
const DefaultMaxPenaltyBps = 1000

// Config tunes the engine.
type Config struct {
	// CustodyAccount is the ledger account holding plan deposits.
	CustodyAccount string
	MaxPenaltyBps  int64
}

// PlanSpec describes a plan to create.
type PlanSpec struct {
	Asset           string
	AmountPerPeriod decimal.Decimal
	Frequency       plan.Frequency
	MaxExecutions   int
	PenaltyBps      int64
}

// Service coordinates recurring plans.
type Service struct {
	store  storage.PlanStore
	ledger ledger.Ledger
	auth   roles.Authority
	clock  clock.Clock
	cfg    Config
	locks  locker.Keyed
	log    *logger.Logger
}

// New creates a configured schedule service.
func New(store storage.PlanStore, l ledger.Ledger, auth roles.Authority, clk clock.Clock, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("schedule")
	}
	if clk == nil {
		clk = clock.System()
	}
	if cfg.MaxPenaltyBps == 0 {
		cfg.MaxPenaltyBps = DefaultMaxPenaltyBps
	}
	if cfg.CustodyAccount == "" {
		cfg.CustodyAccount = "schedule-custody"
	}
	return &Service{
		store:  store,
		ledger: l,
		auth:   auth,
		clock:  clk,
		cfg:    cfg,
		log:    log,
	}
}

// CustodyAccount returns the ledger account the engine pulls into.
func (s *Service) CustodyAccount() string {
	return s.cfg.CustodyAccount
}

func lockKey(id int64) string {
	return fmt.Sprintf("plan/%d", id)
}

// CreatePlan registers an Active plan owned by caller.
func (s *Service) CreatePlan(ctx context.Context, caller string, spec PlanSpec) (plan.Plan, error) {
	p, err := s.createPlan(ctx, caller, spec)
	metrics.RecordPlanOperation("create", err)
	return p, err
}

func (s *Service) createPlan(ctx context.Context, caller string, spec PlanSpec) (plan.Plan, error) {
	caller = strings.TrimSpace(caller)
	asset := strings.TrimSpace(spec.Asset)
	if caller == "" {
		return plan.Plan{}, errors.Validation(errors.CodeInvalidOwner, "owner is required")
	}
	if !s.auth.IsSupportedAsset(asset) {
		return plan.Plan{}, errors.Validation(errors.CodeUnsupportedAsset, fmt.Sprintf("asset %q is not supported", spec.Asset))
	}
	if !money.Positive(spec.AmountPerPeriod) {
		return plan.Plan{}, errors.Validation(errors.CodeInvalidAmount, "amount per period must be positive")
	}
	if !spec.Frequency.Valid() {
		return plan.Plan{}, errors.Validation(errors.CodeInvalidFrequency, fmt.Sprintf("unknown frequency %q", spec.Frequency))
	}
	if spec.MaxExecutions < 1 {
		return plan.Plan{}, errors.Validation(errors.CodeInvalidMaxExecutions, "max executions must be at least 1")
	}
	if spec.PenaltyBps < 0 || spec.PenaltyBps > s.cfg.MaxPenaltyBps {
		return plan.Plan{}, errors.Validation(errors.CodePenaltyTooHigh,
			fmt.Sprintf("penalty %d bps outside [0, %d]", spec.PenaltyBps, s.cfg.MaxPenaltyBps)).
			WithDetails("max_penalty_bps", s.cfg.MaxPenaltyBps)
	}

	now := s.clock.Now()
	p := plan.Plan{
		Owner:             caller,
		Asset:             asset,
		AmountPerPeriod:   spec.AmountPerPeriod,
		Frequency:         spec.Frequency,
		MaxExecutions:     spec.MaxExecutions,
		NextEligibleTime:  now,
		Status:            state.StatusActive,
		PenaltyBps:        spec.PenaltyBps,
		TotalDeposited:    decimal.Zero,
		TotalWithdrawn:    decimal.Zero,
		PenaltiesRetained: decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	p, err := s.store.CreatePlan(ctx, p)
	if err != nil {
		return plan.Plan{}, errors.Internal("create plan", err)
	}
	s.log.WithField("plan_id", p.ID).
		WithField("owner", p.Owner).
		WithField("asset", p.Asset).
		WithField("frequency", p.Frequency).
		Info("plan created")
	return p, nil
}

// CanExecute reports whether the plan is Active and its interval has elapsed.
func (s *Service) CanExecute(ctx context.Context, id int64) (bool, error) {
	p, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return false, err
	}
	return p.Due(s.clock.Now()), nil
}

// Execute pulls one period's amount into custody. Anyone may trigger it; the
// eligibility check and the update happen under the plan's lock so concurrent
// triggers produce at most one execution per interval.
func (s *Service) Execute(ctx context.Context, caller string, id int64) (plan.Plan, error) {
	p, err := s.execute(ctx, caller, id)
	metrics.RecordPlanExecution(err)
	return p, err
}

func (s *Service) execute(ctx context.Context, caller string, id int64) (plan.Plan, error) {
	unlock := s.locks.Lock(lockKey(id))
	defer unlock()

	p, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return plan.Plan{}, err
	}
	now := s.clock.Now()
	if p.Status != state.StatusActive {
		return plan.Plan{}, errors.State(errors.CodeInvalidTransition,
			fmt.Sprintf("plan %d is %s", id, p.Status)).WithDetails("status", p.Status.String())
	}
	if !p.Due(now) {
		return plan.Plan{}, errors.State(errors.CodeNotEligible,
			fmt.Sprintf("plan %d is not eligible until %s", id, p.NextEligibleTime.Format(time.RFC3339))).
			WithDetails("next_eligible_time", p.NextEligibleTime)
	}

	ref := fmt.Sprintf("plan/%d/execution/%d", p.ID, p.ExecutionCount+1)
	if err := s.ledger.TransferFrom(ctx, s.cfg.CustodyAccount, p.Owner, s.cfg.CustodyAccount, p.Asset, p.AmountPerPeriod, ref); err != nil {
		s.log.WithField("plan_id", p.ID).WithField("trigger", caller).WithError(err).Warn("plan execution transfer failed")
		return plan.Plan{}, err
	}

	next := p
	next.TotalDeposited = p.TotalDeposited.Add(p.AmountPerPeriod)
	next.ExecutionCount = p.ExecutionCount + 1
	next.NextEligibleTime = now.Add(p.Frequency.Interval())
	next.LastExecutedAt = &now
	next.UpdatedAt = now
	if next.ExecutionCount >= next.MaxExecutions {
		if err := state.Transition(p.Status, state.StatusCompleted); err != nil {
			return plan.Plan{}, err
		}
		next.Status = state.StatusCompleted
	}

	saved, err := s.store.UpdatePlan(ctx, next)
	if err != nil {
		s.restore(ctx, p.Owner, p.Asset, p.AmountPerPeriod, ref)
		return plan.Plan{}, errors.Internal("persist plan execution", err)
	}

	s.log.WithField("plan_id", saved.ID).
		WithField("trigger", caller).
		WithField("execution", saved.ExecutionCount).
		WithField("status", saved.Status).
		Info("plan executed")
	return saved, nil
}

// restore undoes an execution pull whose bookkeeping could not be persisted,
// giving the owner back both the funds and the allowance.
func (s *Service) restore(ctx context.Context, owner, asset string, amount decimal.Decimal, ref string) {
	if err := s.ledger.ReverseFrom(ctx, s.cfg.CustodyAccount, owner, s.cfg.CustodyAccount, asset, amount, ref+"/refund"); err != nil {
		s.log.WithField("reference", ref).WithError(err).Error("refund after failed persist did not complete")
	}
}

// refund reverses a transfer whose bookkeeping could not be persisted.
func (s *Service) refund(ctx context.Context, from, to, asset string, amount decimal.Decimal, ref string) {
	if !money.Positive(amount) {
		return
	}
	if err := s.ledger.Transfer(ctx, from, to, asset, amount, ref+"/refund"); err != nil {
		s.log.WithField("reference", ref).WithError(err).Error("refund after failed persist did not complete")
	}
}

// Pause suspends an Active plan.
func (s *Service) Pause(ctx context.Context, caller string, id int64) (plan.Plan, error) {
	p, err := s.transition(ctx, caller, id, state.StatusPaused)
	metrics.RecordPlanOperation("pause", err)
	return p, err
}

// Resume reactivates a Paused plan. The next eligible time is kept.
func (s *Service) Resume(ctx context.Context, caller string, id int64) (plan.Plan, error) {
	p, err := s.transition(ctx, caller, id, state.StatusActive)
	metrics.RecordPlanOperation("resume", err)
	return p, err
}

// Cancel terminates a plan. Deposited funds stay withdrawable.
func (s *Service) Cancel(ctx context.Context, caller string, id int64) (plan.Plan, error) {
	p, err := s.transition(ctx, caller, id, state.StatusCancelled)
	metrics.RecordPlanOperation("cancel", err)
	return p, err
}

func (s *Service) transition(ctx context.Context, caller string, id int64, to state.Status) (plan.Plan, error) {
	unlock := s.locks.Lock(lockKey(id))
	defer unlock()

	p, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return plan.Plan{}, err
	}
	if p.Owner != caller {
		return plan.Plan{}, errors.ErrNotOwner.WithDetails("plan_id", id)
	}
	if err := state.Transition(p.Status, to); err != nil {
		return plan.Plan{}, errors.State(errors.CodeInvalidTransition, err.Error()).
			WithDetails("from", p.Status.String()).
			WithDetails("to", to.String())
	}

	from := p.Status
	p.Status = to
	p.UpdatedAt = s.clock.Now()
	saved, err := s.store.UpdatePlan(ctx, p)
	if err != nil {
		return plan.Plan{}, errors.Internal("persist plan status", err)
	}
	s.log.WithField("plan_id", id).
		WithField("from", from).
		WithField("to", to).
		Info("plan state changed")
	return saved, nil
}

// EarlyWithdrawal returns part of the deposited amount to the owner minus the
// plan's penalty, which stays in custody.
func (s *Service) EarlyWithdrawal(ctx context.Context, caller string, id int64, amount decimal.Decimal) (plan.Withdrawal, error) {
	w, err := s.earlyWithdrawal(ctx, caller, id, amount)
	metrics.RecordPlanOperation("early_withdrawal", err)
	return w, err
}

func (s *Service) earlyWithdrawal(ctx context.Context, caller string, id int64, amount decimal.Decimal) (plan.Withdrawal, error) {
	if !money.Positive(amount) {
		return plan.Withdrawal{}, errors.Validation(errors.CodeInvalidAmount, "withdrawal amount must be positive")
	}

	unlock := s.locks.Lock(lockKey(id))
	defer unlock()

	p, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return plan.Withdrawal{}, err
	}
	if p.Owner != caller {
		return plan.Withdrawal{}, errors.ErrNotOwner.WithDetails("plan_id", id)
	}
	available := p.Available()
	if amount.GreaterThan(available) {
		return plan.Withdrawal{}, errors.Resource(errors.CodeInsufficientAvailable,
			fmt.Sprintf("requested %s exceeds available %s", amount, available)).
			WithDetails("available", available.String())
	}

	payout, penalty := money.SplitBps(amount, p.PenaltyBps)
	ref := fmt.Sprintf("plan/%d/withdrawal/%s", p.ID, amount)
	if money.Positive(payout) {
		if err := s.ledger.Transfer(ctx, s.cfg.CustodyAccount, p.Owner, p.Asset, payout, ref); err != nil {
			return plan.Withdrawal{}, err
		}
	}

	p.TotalWithdrawn = p.TotalWithdrawn.Add(amount)
	p.PenaltiesRetained = p.PenaltiesRetained.Add(penalty)
	p.UpdatedAt = s.clock.Now()
	if _, err := s.store.UpdatePlan(ctx, p); err != nil {
		s.refund(ctx, p.Owner, s.cfg.CustodyAccount, p.Asset, payout, ref)
		return plan.Withdrawal{}, errors.Internal("persist early withdrawal", err)
	}

	s.log.WithField("plan_id", id).
		WithField("amount", amount.String()).
		WithField("penalty", penalty.String()).
		Info("early withdrawal")
	return plan.Withdrawal{PlanID: id, Amount: amount, Penalty: penalty, Payout: payout}, nil
}

// GetPlan fetches a plan by id.
func (s *Service) GetPlan(ctx context.Context, id int64) (plan.Plan, error) {
	return s.store.GetPlan(ctx, id)
}

// ListPlans lists plans created by owner in creation order.
func (s *Service) ListPlans(ctx context.Context, owner string) ([]plan.Plan, error) {
	return s.store.ListPlansByOwner(ctx, owner)
}

// ListDuePlans lists Active plans eligible for execution now.
func (s *Service) ListDuePlans(ctx context.Context) ([]plan.Plan, error) {
	active, err := s.store.ListPlansByStatus(ctx, state.StatusActive)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	due := active[:0]
	for _, p := range active {
		if p.Due(now) {
			due = append(due, p)
		}
	}
	return due, nil
}
