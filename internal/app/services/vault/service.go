// Package vault holds time-locked deposits. A lock releases to its owner at
// maturity, or earlier once enough signers approve a governance override.
package vault

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/savings_layer/internal/app/domain/lock"
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

// Defaults applied when the configuration leaves a field empty.
const (
	DefaultRequiredSignatures = 3
	DefaultGovernanceDelay    = 48 * time.Hour
)

// Config tunes the vault.
type Config struct {
	CustodyAccount string
	// ReserveAccount funds interest payouts.
	ReserveAccount     string
	RequiredSignatures int
	GovernanceDelay    time.Duration
	Interest           InterestPolicy
}

// Service is the lock vault.
type Service struct {
	store  storage.LockStore
	ledger ledger.Ledger
	auth   roles.Authority
	clock  clock.Clock
	cfg    Config
	locks  locker.Keyed
	log    *logger.Logger
}

// New creates a configured vault.
func New(store storage.LockStore, l ledger.Ledger, auth roles.Authority, clk clock.Clock, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("vault")
	}
	if clk == nil {
		clk = clock.System()
	}
	if cfg.CustodyAccount == "" {
		cfg.CustodyAccount = "vault-custody"
	}
	if cfg.ReserveAccount == "" {
		cfg.ReserveAccount = "vault-reserve"
	}
	if cfg.RequiredSignatures < 1 {
		cfg.RequiredSignatures = DefaultRequiredSignatures
	}
	if cfg.GovernanceDelay <= 0 {
		cfg.GovernanceDelay = DefaultGovernanceDelay
	}
	if cfg.Interest == nil {
		cfg.Interest = NoInterest{}
	}
	return &Service{store: store, ledger: l, auth: auth, clock: clk, cfg: cfg, log: log}
}

// CustodyAccount returns the ledger account locked funds are pulled into.
func (s *Service) CustodyAccount() string { return s.cfg.CustodyAccount }

// ReserveAccount returns the ledger account interest is paid from.
func (s *Service) ReserveAccount() string { return s.cfg.ReserveAccount }

func lockKey(id int64) string {
	return fmt.Sprintf("lock/%d", id)
}

// LockFunds pulls amount from caller and holds it for duration.
func (s *Service) LockFunds(ctx context.Context, caller, asset string, amount decimal.Decimal, duration time.Duration, reason string) (lock.Lock, error) {
	l, err := s.lockFunds(ctx, caller, asset, amount, duration, reason)
	metrics.RecordVaultOperation("lock", err)
	return l, err
}

func (s *Service) lockFunds(ctx context.Context, caller, asset string, amount decimal.Decimal, duration time.Duration, reason string) (lock.Lock, error) {
	if strings.TrimSpace(caller) == "" {
		return lock.Lock{}, errors.Validation(errors.CodeInvalidOwner, "owner is required")
	}
	if !money.Positive(amount) {
		return lock.Lock{}, errors.Validation(errors.CodeInvalidAmount, "lock amount must be positive")
	}
	if duration < 0 {
		return lock.Lock{}, errors.Validation(errors.CodeInvalidDuration, "lock duration cannot be negative")
	}
	if !s.auth.IsSupportedAsset(asset) {
		return lock.Lock{}, errors.Validation(errors.CodeUnsupportedAsset, fmt.Sprintf("asset %q is not supported", asset))
	}

	ref := fmt.Sprintf("vault/lock/%s/%s", caller, asset)
	if err := s.ledger.TransferFrom(ctx, s.cfg.CustodyAccount, caller, s.cfg.CustodyAccount, asset, amount, ref); err != nil {
		return lock.Lock{}, err
	}

	now := s.clock.Now()
	l, err := s.store.CreateLock(ctx, lock.Lock{
		Owner:           caller,
		Asset:           asset,
		Amount:          amount,
		Reason:          strings.TrimSpace(reason),
		Status:          state.StatusActive,
		UnlockTime:      now.Add(duration),
		InterestAccrued: decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		if rerr := s.ledger.ReverseFrom(ctx, s.cfg.CustodyAccount, caller, s.cfg.CustodyAccount, asset, amount, ref+"/reverse"); rerr != nil {
			s.log.WithField("reference", ref).WithError(rerr).Error("reversal after failed persist did not complete")
		}
		return lock.Lock{}, errors.Internal("create lock", err)
	}
	s.log.WithField("lock_id", l.ID).
		WithField("owner", caller).
		WithField("amount", amount.String()).
		WithField("unlock_time", l.UnlockTime).
		Info("funds locked")
	return l, nil
}

func (s *Service) reverse(ctx context.Context, from, to, asset string, amount decimal.Decimal, ref string) {
	if !money.Positive(amount) {
		return
	}
	if err := s.ledger.Transfer(ctx, from, to, asset, amount, ref+"/reverse"); err != nil {
		s.log.WithField("reference", ref).WithError(err).Error("reversal after failed persist did not complete")
	}
}

// WithdrawFunds releases an Active lock to its owner with interest, either at
// maturity or through an approved override whose deadline has not passed.
func (s *Service) WithdrawFunds(ctx context.Context, caller string, lockID int64) (lock.Release, error) {
	r, err := s.withdrawFunds(ctx, caller, lockID)
	metrics.RecordVaultOperation("withdraw", err)
	return r, err
}

func (s *Service) withdrawFunds(ctx context.Context, caller string, lockID int64) (lock.Release, error) {
	unlock := s.locks.Lock(lockKey(lockID))
	defer unlock()

	l, err := s.store.GetLock(ctx, lockID)
	if err != nil {
		return lock.Release{}, err
	}
	if l.Owner != caller {
		return lock.Release{}, errors.ErrNotOwner.WithDetails("lock_id", lockID)
	}
	if l.Status != state.StatusActive {
		return lock.Release{}, errors.State(errors.CodeInvalidTransition, fmt.Sprintf("lock %d is %s", lockID, l.Status)).
			WithDetails("status", l.Status.String())
	}

	now := s.clock.Now()
	via := lock.ReleasedAtMaturity
	var override *lock.Override
	if !l.Matured(now) {
		o, err := s.executableOverride(ctx, lockID, now)
		if err != nil {
			return lock.Release{}, err
		}
		if o == nil {
			return lock.Release{}, errors.State(errors.CodeNotUnlockable,
				fmt.Sprintf("lock %d is not unlockable until %s", lockID, l.UnlockTime.Format(time.RFC3339))).
				WithDetails("unlock_time", l.UnlockTime)
		}
		override = o
		via = lock.ReleasedByOverride
	}

	// Principal is always released; interest is paid up to what the reserve
	// holds and the remainder is recorded on the lock.
	accrued := s.cfg.Interest.Accrue(l.Amount, now.Sub(l.CreatedAt))
	interest := accrued
	if money.Positive(accrued) {
		reserve := s.ledger.Balance(ctx, s.cfg.ReserveAccount, l.Asset)
		interest = decimal.Min(accrued, reserve)
	}
	unpaid := accrued.Sub(interest)
	if money.Positive(unpaid) {
		s.log.WithField("lock_id", lockID).
			WithField("accrued", accrued.String()).
			WithField("unpaid", unpaid.String()).
			Warn("interest reserve short; releasing principal with partial interest")
	}

	ref := fmt.Sprintf("vault/release/%d", lockID)
	if err := s.ledger.Transfer(ctx, s.cfg.CustodyAccount, l.Owner, l.Asset, l.Amount, ref); err != nil {
		return lock.Release{}, err
	}
	if money.Positive(interest) {
		if err := s.ledger.Transfer(ctx, s.cfg.ReserveAccount, l.Owner, l.Asset, interest, ref+"/interest"); err != nil {
			s.reverse(ctx, l.Owner, s.cfg.CustodyAccount, l.Asset, l.Amount, ref)
			return lock.Release{}, err
		}
	}
	undo := func() {
		s.reverse(ctx, l.Owner, s.cfg.CustodyAccount, l.Asset, l.Amount, ref)
		s.reverse(ctx, l.Owner, s.cfg.ReserveAccount, l.Asset, interest, ref+"/interest")
	}

	original := l
	l.Status = state.StatusUnlocked
	l.InterestAccrued = interest
	l.InterestUnpaid = unpaid
	l.ReleasedVia = via
	l.ReleasedAt = &now
	l.UpdatedAt = now
	if _, err := s.store.UpdateLock(ctx, l); err != nil {
		undo()
		return lock.Release{}, errors.Internal("persist lock release", err)
	}
	if override != nil {
		override.Status = lock.OverrideExecuted
		override.ExecutedAt = &now
		override.UpdatedAt = now
		if _, err := s.store.UpdateOverride(ctx, *override); err != nil {
			if _, rerr := s.store.UpdateLock(ctx, original); rerr != nil {
				s.log.WithField("lock_id", lockID).WithError(rerr).Error("restore lock after failed override update")
			}
			undo()
			return lock.Release{}, errors.Internal("persist override execution", err)
		}
	}

	s.log.WithField("lock_id", lockID).
		WithField("via", via).
		WithField("interest", interest.String()).
		Info("lock released")
	return lock.Release{LockID: lockID, Amount: l.Amount, Interest: interest, Unpaid: unpaid, Via: via}, nil
}

func (s *Service) executableOverride(ctx context.Context, lockID int64, now time.Time) (*lock.Override, error) {
	overrides, err := s.store.ListOverridesByLock(ctx, lockID)
	if err != nil {
		return nil, err
	}
	for i := range overrides {
		if overrides[i].Executable(now) {
			return &overrides[i], nil
		}
	}
	return nil, nil
}

// OpenOverride starts a governance request to release lockID early.
func (s *Service) OpenOverride(ctx context.Context, caller string, lockID int64, reason string) (lock.Override, error) {
	o, err := s.openOverride(ctx, caller, lockID, reason)
	metrics.RecordVaultOperation("open_override", err)
	return o, err
}

func (s *Service) openOverride(ctx context.Context, caller string, lockID int64, reason string) (lock.Override, error) {
	if !s.auth.HasRole(roles.Governance, caller) {
		return lock.Override{}, errors.Authorization(errors.CodeNotSigner, "caller does not hold the governance role").
			WithDetails("caller", caller)
	}

	unlock := s.locks.Lock(lockKey(lockID))
	defer unlock()

	l, err := s.store.GetLock(ctx, lockID)
	if err != nil {
		return lock.Override{}, err
	}
	if l.Status != state.StatusActive {
		return lock.Override{}, errors.State(errors.CodeInvalidTransition, fmt.Sprintf("lock %d is %s", lockID, l.Status))
	}

	now := s.clock.Now()
	o, err := s.store.CreateOverride(ctx, lock.Override{
		LockID:    lockID,
		Requester: caller,
		Reason:    strings.TrimSpace(reason),
		Approvals: []string{},
		Status:    lock.OverridePending,
		Deadline:  now.Add(s.cfg.GovernanceDelay),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return lock.Override{}, errors.Internal("create override", err)
	}
	s.log.WithField("override_id", o.ID).
		WithField("lock_id", lockID).
		WithField("requester", caller).
		WithField("deadline", o.Deadline).
		Info("override opened")
	return o, nil
}

// ApproveOverride records caller's approval. The request becomes approved
// once it holds the required number of distinct approvals.
func (s *Service) ApproveOverride(ctx context.Context, caller string, requestID int64) (lock.Override, error) {
	o, err := s.approveOverride(ctx, caller, requestID)
	metrics.RecordVaultOperation("approve_override", err)
	return o, err
}

func (s *Service) approveOverride(ctx context.Context, caller string, requestID int64) (lock.Override, error) {
	if !s.auth.HasRole(roles.Emergency, caller) && !s.auth.HasRole(roles.Governance, caller) {
		return lock.Override{}, errors.Authorization(errors.CodeNotSigner, "caller is not a recognized signer").
			WithDetails("caller", caller)
	}

	peek, err := s.store.GetOverride(ctx, requestID)
	if err != nil {
		return lock.Override{}, err
	}
	unlock := s.locks.Lock(lockKey(peek.LockID))
	defer unlock()

	o, err := s.store.GetOverride(ctx, requestID)
	if err != nil {
		return lock.Override{}, err
	}
	now := s.clock.Now()
	o = s.effective(o, now)
	switch o.Status {
	case lock.OverrideExecuted:
		return lock.Override{}, errors.State(errors.CodeInvalidTransition, fmt.Sprintf("override %d was already executed", requestID))
	case lock.OverrideExpired:
		return lock.Override{}, errors.ErrRequestExpired.WithDetails("deadline", o.Deadline)
	}
	if o.HasApproval(caller) {
		return lock.Override{}, errors.ErrAlreadyApproved.WithDetails("override_id", requestID)
	}
	l, err := s.store.GetLock(ctx, o.LockID)
	if err != nil {
		return lock.Override{}, err
	}
	if l.Status != state.StatusActive {
		return lock.Override{}, errors.State(errors.CodeInvalidTransition, fmt.Sprintf("lock %d is %s", l.ID, l.Status))
	}

	o.Approvals = append(o.Approvals, caller)
	if len(o.Approvals) >= s.cfg.RequiredSignatures {
		o.Status = lock.OverrideApproved
	}
	o.UpdatedAt = now
	saved, err := s.store.UpdateOverride(ctx, o)
	if err != nil {
		return lock.Override{}, errors.Internal("persist override approval", err)
	}
	s.log.WithField("override_id", requestID).
		WithField("signer", caller).
		WithField("approvals", len(saved.Approvals)).
		WithField("status", saved.Status).
		Info("override approved")
	return saved, nil
}

// effective reports a pending or approved request past its deadline as
// expired. The stored record is left as is.
func (s *Service) effective(o lock.Override, now time.Time) lock.Override {
	if (o.Status == lock.OverridePending || o.Status == lock.OverrideApproved) && now.After(o.Deadline) {
		o.Status = lock.OverrideExpired
	}
	return o
}

// FundInterestReserve pulls amount from an admin into the interest reserve.
func (s *Service) FundInterestReserve(ctx context.Context, caller, asset string, amount decimal.Decimal) error {
	err := s.fundInterestReserve(ctx, caller, asset, amount)
	metrics.RecordVaultOperation("fund_reserve", err)
	return err
}

func (s *Service) fundInterestReserve(ctx context.Context, caller, asset string, amount decimal.Decimal) error {
	if !s.auth.HasRole(roles.Admin, caller) {
		return errors.ErrNotAdmin.WithDetails("caller", caller)
	}
	if !money.Positive(amount) {
		return errors.Validation(errors.CodeInvalidAmount, "reserve amount must be positive")
	}
	if !s.auth.IsSupportedAsset(asset) {
		return errors.Validation(errors.CodeUnsupportedAsset, fmt.Sprintf("asset %q is not supported", asset))
	}
	ref := fmt.Sprintf("vault/reserve/%s", asset)
	if err := s.ledger.TransferFrom(ctx, s.cfg.ReserveAccount, caller, s.cfg.ReserveAccount, asset, amount, ref); err != nil {
		return err
	}
	s.log.WithField("asset", asset).WithField("amount", amount.String()).Info("interest reserve funded")
	return nil
}

// ReserveBalance returns the interest reserve for asset.
func (s *Service) ReserveBalance(ctx context.Context, asset string) decimal.Decimal {
	return s.ledger.Balance(ctx, s.cfg.ReserveAccount, asset)
}

// AccruedInterest returns interest earned so far on an Active lock, or the
// interest paid on a released one.
func (s *Service) AccruedInterest(ctx context.Context, lockID int64) (decimal.Decimal, error) {
	l, err := s.store.GetLock(ctx, lockID)
	if err != nil {
		return decimal.Zero, err
	}
	return s.accrued(l, s.clock.Now()), nil
}

func (s *Service) accrued(l lock.Lock, now time.Time) decimal.Decimal {
	if l.Status != state.StatusActive {
		return l.InterestAccrued
	}
	return s.cfg.Interest.Accrue(l.Amount, now.Sub(l.CreatedAt))
}

// GetLock fetches a lock by id.
func (s *Service) GetLock(ctx context.Context, id int64) (lock.Lock, error) {
	return s.store.GetLock(ctx, id)
}

// ListLocks lists locks created by owner.
func (s *Service) ListLocks(ctx context.Context, owner string) ([]lock.Lock, error) {
	return s.store.ListLocksByOwner(ctx, owner)
}

// GetOverride fetches an override request with its effective status.
func (s *Service) GetOverride(ctx context.Context, id int64) (lock.Override, error) {
	o, err := s.store.GetOverride(ctx, id)
	if err != nil {
		return lock.Override{}, err
	}
	return s.effective(o, s.clock.Now()), nil
}

// ListOverrides lists the override requests opened against a lock.
func (s *Service) ListOverrides(ctx context.Context, lockID int64) ([]lock.Override, error) {
	overrides, err := s.store.ListOverridesByLock(ctx, lockID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	for i := range overrides {
		overrides[i] = s.effective(overrides[i], now)
	}
	return overrides, nil
}
