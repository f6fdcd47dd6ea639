package schedule

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/savings_layer/internal/app/domain/plan"
	"github.com/R3E-Network/savings_layer/internal/app/storage/memory"
	"github.com/R3E-Network/savings_layer/internal/engine/state"
	"github.com/R3E-Network/savings_layer/internal/errors"
	"github.com/R3E-Network/savings_layer/internal/ledger"
	"github.com/R3E-Network/savings_layer/pkg/logger"
	"github.com/R3E-Network/savings_layer/pkg/testutil"
)

const custody = "schedule-custody"

type fixture struct {
	svc    *Service
	ledger *ledger.Manager
	clock  *testutil.Clock
	store  *memory.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clk := testutil.NewClock(time.Time{})
	l := ledger.NewManager(clk)
	store := memory.New()
	auth := testutil.NewAuthority("USDC")
	svc := New(store, l, auth, clk, Config{CustodyAccount: custody}, logger.NewDiscard())
	return fixture{svc: svc, ledger: l, clock: clk, store: store}
}

func amt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func weekly(penalty int64) PlanSpec {
	return PlanSpec{Asset: "USDC", AmountPerPeriod: amt(100), Frequency: plan.FrequencyWeekly, MaxExecutions: 12, PenaltyBps: penalty}
}

func TestCreatePlanValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*PlanSpec)
		code   errors.Code
	}{
		{"unsupported asset", func(s *PlanSpec) { s.Asset = "DOGE" }, errors.CodeUnsupportedAsset},
		{"zero amount", func(s *PlanSpec) { s.AmountPerPeriod = decimal.Zero }, errors.CodeInvalidAmount},
		{"negative amount", func(s *PlanSpec) { s.AmountPerPeriod = amt(-5) }, errors.CodeInvalidAmount},
		{"unknown frequency", func(s *PlanSpec) { s.Frequency = "hourly" }, errors.CodeInvalidFrequency},
		{"no executions", func(s *PlanSpec) { s.MaxExecutions = 0 }, errors.CodeInvalidMaxExecutions},
		{"penalty above cap", func(s *PlanSpec) { s.PenaltyBps = 1500 }, errors.CodePenaltyTooHigh},
		{"negative penalty", func(s *PlanSpec) { s.PenaltyBps = -1 }, errors.CodePenaltyTooHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := weekly(200)
			tc.mutate(&spec)
			_, err := f.svc.CreatePlan(ctx, "alice", spec)
			if errors.CodeOf(err) != tc.code {
				t.Fatalf("code = %s, want %s (err %v)", errors.CodeOf(err), tc.code, err)
			}
			if errors.KindOf(err) != errors.KindValidation {
				t.Fatalf("kind = %s, want validation", errors.KindOf(err))
			}
		})
	}

	if _, err := f.svc.CreatePlan(ctx, "  ", weekly(200)); errors.CodeOf(err) != errors.CodeInvalidOwner {
		t.Fatalf("blank owner: code = %s, want %s", errors.CodeOf(err), errors.CodeInvalidOwner)
	}

	p, err := f.svc.CreatePlan(ctx, "alice", weekly(200))
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if p.Status != state.StatusActive || p.ExecutionCount != 0 || !p.TotalDeposited.IsZero() {
		t.Fatalf("unexpected new plan: %+v", p)
	}
	if !p.NextEligibleTime.Equal(testutil.Epoch) {
		t.Fatalf("next eligible = %s, want creation time", p.NextEligibleTime)
	}
}

func TestPenaltyCapIsConfigurable(t *testing.T) {
	clk := testutil.NewClock(time.Time{})
	svc := New(memory.New(), ledger.NewManager(clk), testutil.NewAuthority("USDC"), clk,
		Config{CustodyAccount: custody, MaxPenaltyBps: 2000}, logger.NewDiscard())

	if _, err := svc.CreatePlan(context.Background(), "alice", weekly(1500)); err != nil {
		t.Fatalf("1500 bps should pass under a 2000 cap: %v", err)
	}
}

func TestExecuteWeeklyPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.FundAndApprove(t, f.ledger, "alice", custody, "USDC", amt(1000))

	p, _ := f.svc.CreatePlan(ctx, "alice", weekly(200))
	ok, _ := f.svc.CanExecute(ctx, p.ID)
	if !ok {
		t.Fatalf("new plan should be executable")
	}

	p, err := f.svc.Execute(ctx, "anyone", p.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !p.TotalDeposited.Equal(amt(100)) || p.ExecutionCount != 1 {
		t.Fatalf("counters not updated: %+v", p)
	}
	if want := testutil.Epoch.Add(7 * 24 * time.Hour); !p.NextEligibleTime.Equal(want) {
		t.Fatalf("next eligible = %s, want %s", p.NextEligibleTime, want)
	}
	if got := f.ledger.Balance(ctx, custody, "USDC"); !got.Equal(amt(100)) {
		t.Fatalf("custody = %s", got)
	}
	if ok, _ := f.svc.CanExecute(ctx, p.ID); ok {
		t.Fatalf("plan should not be executable right after execution")
	}

	f.clock.Advance(time.Hour)
	_, err = f.svc.Execute(ctx, "anyone", p.ID)
	if errors.CodeOf(err) != errors.CodeNotEligible || errors.KindOf(err) != errors.KindState {
		t.Fatalf("expected NotEligible state error, got %v", err)
	}
	after, _ := f.svc.GetPlan(ctx, p.ID)
	if after.ExecutionCount != 1 || !after.TotalDeposited.Equal(amt(100)) {
		t.Fatalf("failed execute mutated plan: %+v", after)
	}

	f.clock.Advance(7*24*time.Hour - time.Hour)
	if ok, _ := f.svc.CanExecute(ctx, p.ID); !ok {
		t.Fatalf("plan should be executable once the interval elapsed")
	}
}

func TestExecuteCompletesAtMaxExecutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.FundAndApprove(t, f.ledger, "alice", custody, "USDC", amt(1000))

	spec := PlanSpec{Asset: "USDC", AmountPerPeriod: amt(50), Frequency: plan.FrequencyDaily, MaxExecutions: 2}
	p, _ := f.svc.CreatePlan(ctx, "alice", spec)

	if _, err := f.svc.Execute(ctx, "k", p.ID); err != nil {
		t.Fatalf("day 0: %v", err)
	}
	f.clock.Advance(24 * time.Hour)
	p, err := f.svc.Execute(ctx, "k", p.ID)
	if err != nil {
		t.Fatalf("day 1: %v", err)
	}
	if p.Status != state.StatusCompleted || p.ExecutionCount != 2 {
		t.Fatalf("plan should be completed: %+v", p)
	}

	f.clock.Advance(48 * time.Hour)
	_, err = f.svc.Execute(ctx, "k", p.ID)
	if errors.KindOf(err) != errors.KindState {
		t.Fatalf("execute on completed plan should be a state error, got %v", err)
	}
	if ok, _ := f.svc.CanExecute(ctx, p.ID); ok {
		t.Fatalf("completed plan is never executable")
	}
}

func TestExecuteWithoutAllowance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.ledger.Credit(ctx, "alice", "USDC", amt(1000))

	p, _ := f.svc.CreatePlan(ctx, "alice", weekly(0))
	_, err := f.svc.Execute(ctx, "k", p.ID)
	if !stderrors.Is(err, errors.ErrInsufficientAllowance) {
		t.Fatalf("expected InsufficientAllowance, got %v", err)
	}
	after, _ := f.svc.GetPlan(ctx, p.ID)
	if after.ExecutionCount != 0 || !after.NextEligibleTime.Equal(p.NextEligibleTime) {
		t.Fatalf("failed transfer mutated plan: %+v", after)
	}
	if got := f.ledger.Balance(ctx, "alice", "USDC"); !got.Equal(amt(1000)) {
		t.Fatalf("owner balance changed: %s", got)
	}
}

func TestExecutePersistFailureReturnsFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.FundAndApprove(t, f.ledger, "alice", custody, "USDC", amt(1000))
	p, _ := f.svc.CreatePlan(ctx, "alice", weekly(0))

	f.store.SetFault(func(op string) error {
		if op == "UpdatePlan" {
			return stderrors.New("write failed")
		}
		return nil
	})
	_, err := f.svc.Execute(ctx, "k", p.ID)
	if errors.KindOf(err) != errors.KindInternal {
		t.Fatalf("expected internal error, got %v", err)
	}
	if got := f.ledger.Balance(ctx, "alice", "USDC"); !got.Equal(amt(1000)) {
		t.Fatalf("owner not refunded: %s", got)
	}
	if got := f.ledger.Balance(ctx, custody, "USDC"); !got.IsZero() {
		t.Fatalf("custody kept funds: %s", got)
	}
	if got := f.ledger.Allowance(ctx, "alice", custody, "USDC"); !got.Equal(amt(1000)) {
		t.Fatalf("allowance not restored: %s", got)
	}

	f.store.SetFault(nil)
	retried, err := f.svc.Execute(ctx, "k", p.ID)
	if err != nil {
		t.Fatalf("retry after failed persist: %v", err)
	}
	if retried.ExecutionCount != 1 || !retried.TotalDeposited.Equal(amt(100)) {
		t.Fatalf("unexpected plan after retry: %+v", retried)
	}
}

func TestConcurrentExecuteSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.FundAndApprove(t, f.ledger, "alice", custody, "USDC", amt(10000))
	p, _ := f.svc.CreatePlan(ctx, "alice", weekly(0))

	const callers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		noElig  int
		unknown []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Execute(ctx, "racer", p.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.CodeOf(err) == errors.CodeNotEligible:
				noElig++
			default:
				unknown = append(unknown, err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || noElig != callers-1 || len(unknown) != 0 {
		t.Fatalf("wins=%d notEligible=%d unknown=%v", wins, noElig, unknown)
	}
	if got := f.ledger.Balance(ctx, custody, "USDC"); !got.Equal(amt(100)) {
		t.Fatalf("custody = %s, want exactly one pull", got)
	}
}

func TestPauseResumeCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.FundAndApprove(t, f.ledger, "alice", custody, "USDC", amt(1000))
	p, _ := f.svc.CreatePlan(ctx, "alice", weekly(0))

	if _, err := f.svc.Pause(ctx, "mallory", p.ID); !stderrors.Is(err, errors.ErrNotOwner) {
		t.Fatalf("expected NotOwner, got %v", err)
	}
	if _, err := f.svc.Resume(ctx, "alice", p.ID); errors.CodeOf(err) != errors.CodeInvalidTransition {
		t.Fatalf("resume of active plan should fail, got %v", err)
	}

	paused, err := f.svc.Pause(ctx, "alice", p.ID)
	if err != nil || paused.Status != state.StatusPaused {
		t.Fatalf("pause: %v %+v", err, paused)
	}
	if _, err := f.svc.Execute(ctx, "k", p.ID); errors.CodeOf(err) != errors.CodeInvalidTransition {
		t.Fatalf("paused plan must not execute, got %v", err)
	}
	if ok, _ := f.svc.CanExecute(ctx, p.ID); ok {
		t.Fatalf("paused plan is not executable")
	}

	resumed, err := f.svc.Resume(ctx, "alice", p.ID)
	if err != nil || resumed.Status != state.StatusActive {
		t.Fatalf("resume: %v %+v", err, resumed)
	}
	if !resumed.NextEligibleTime.Equal(p.NextEligibleTime) {
		t.Fatalf("resume must keep the schedule")
	}

	cancelled, err := f.svc.Cancel(ctx, "alice", p.ID)
	if err != nil || cancelled.Status != state.StatusCancelled {
		t.Fatalf("cancel: %v %+v", err, cancelled)
	}
	for name, op := range map[string]func(context.Context, string, int64) (plan.Plan, error){
		"cancel": f.svc.Cancel, "resume": f.svc.Resume, "pause": f.svc.Pause,
	} {
		if _, err := op(ctx, "alice", p.ID); errors.KindOf(err) != errors.KindState {
			t.Fatalf("%s on cancelled plan should be a state error, got %v", name, err)
		}
	}
}

func TestEarlyWithdrawal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.FundAndApprove(t, f.ledger, "alice", custody, "USDC", amt(1000))
	p, _ := f.svc.CreatePlan(ctx, "alice", weekly(200))
	if _, err := f.svc.Execute(ctx, "k", p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if _, err := f.svc.EarlyWithdrawal(ctx, "mallory", p.ID, amt(10)); !stderrors.Is(err, errors.ErrNotOwner) {
		t.Fatalf("expected NotOwner, got %v", err)
	}
	if _, err := f.svc.EarlyWithdrawal(ctx, "alice", p.ID, decimal.Zero); errors.CodeOf(err) != errors.CodeInvalidAmount {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}
	if _, err := f.svc.EarlyWithdrawal(ctx, "alice", p.ID, amt(101)); errors.CodeOf(err) != errors.CodeInsufficientAvailable {
		t.Fatalf("expected InsufficientAvailable, got %v", err)
	}

	w, err := f.svc.EarlyWithdrawal(ctx, "alice", p.ID, amt(100))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !w.Payout.Equal(amt(98)) || !w.Penalty.Equal(amt(2)) {
		t.Fatalf("payout=%s penalty=%s, want 98/2", w.Payout, w.Penalty)
	}
	if got := f.ledger.Balance(ctx, "alice", "USDC"); !got.Equal(amt(998)) {
		t.Fatalf("alice = %s, want 998", got)
	}
	if got := f.ledger.Balance(ctx, custody, "USDC"); !got.Equal(amt(2)) {
		t.Fatalf("custody = %s, want retained penalty 2", got)
	}

	after, _ := f.svc.GetPlan(ctx, p.ID)
	if !after.Available().IsZero() || !after.PenaltiesRetained.Equal(amt(2)) {
		t.Fatalf("plan bookkeeping wrong: %+v", after)
	}
	if _, err := f.svc.EarlyWithdrawal(ctx, "alice", p.ID, amt(1)); errors.KindOf(err) != errors.KindResource {
		t.Fatalf("nothing left to withdraw, got %v", err)
	}
}

func TestEarlyWithdrawalSplitsExactly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.FundAndApprove(t, f.ledger, "alice", custody, "USDC", amt(100000))

	spec := PlanSpec{Asset: "USDC", AmountPerPeriod: amt(10000), Frequency: plan.FrequencyDaily, MaxExecutions: 1, PenaltyBps: 333}
	p, _ := f.svc.CreatePlan(ctx, "alice", spec)
	if _, err := f.svc.Execute(ctx, "k", p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	for _, a := range []string{"1", "7", "99", "1234.5", "3000"} {
		amount := testutil.Amount(t, a)
		w, err := f.svc.EarlyWithdrawal(ctx, "alice", p.ID, amount)
		if err != nil {
			t.Fatalf("withdraw %s: %v", a, err)
		}
		if !w.Payout.Add(w.Penalty).Equal(amount) {
			t.Fatalf("payout+penalty != amount for %s", a)
		}
		want := amount.Mul(amt(333)).Div(amt(10000)).Floor()
		if !w.Penalty.Equal(want) {
			t.Fatalf("penalty for %s = %s, want %s", a, w.Penalty, want)
		}
	}
}

func TestListPlansAndDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.FundAndApprove(t, f.ledger, "alice", custody, "USDC", amt(1000))

	a, _ := f.svc.CreatePlan(ctx, "alice", weekly(0))
	b, _ := f.svc.CreatePlan(ctx, "alice", weekly(0))
	_, _ = f.svc.CreatePlan(ctx, "bob", weekly(0))
	_, _ = f.svc.Execute(ctx, "k", a.ID)

	plans, _ := f.svc.ListPlans(ctx, "alice")
	if len(plans) != 2 || plans[0].ID != a.ID || plans[1].ID != b.ID {
		t.Fatalf("ListPlans = %+v", plans)
	}
	due, _ := f.svc.ListDuePlans(ctx)
	if len(due) != 2 {
		t.Fatalf("due plans = %d, want 2", len(due))
	}
	for _, p := range due {
		if p.ID == a.ID {
			t.Fatalf("executed plan should not be due")
		}
	}
}
