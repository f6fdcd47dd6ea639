package yield

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/savings_layer/internal/app/domain/pool"
	"github.com/R3E-Network/savings_layer/internal/app/storage/memory"
	"github.com/R3E-Network/savings_layer/internal/errors"
	"github.com/R3E-Network/savings_layer/internal/ledger"
	"github.com/R3E-Network/savings_layer/internal/roles"
	"github.com/R3E-Network/savings_layer/pkg/logger"
	"github.com/R3E-Network/savings_layer/pkg/testutil"
)

const custody = "yield-custody"

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
	auth := testutil.NewAuthority("USDC", "DAI").Grant(roles.Admin, "admin")
	svc := New(store, l, auth, clk, Config{CustodyAccount: custody}, logger.NewDiscard())
	return fixture{svc: svc, ledger: l, clock: clk, store: store}
}

func amt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func (f fixture) addPool(t *testing.T, id, asset string, apy int64, capacity int64, risk int) {
	t.Helper()
	_, err := f.svc.AddPool(context.Background(), "admin", PoolSpec{
		ID: id, Asset: asset, Name: id, APYBps: apy, Capacity: amt(capacity), RiskScore: risk,
	})
	require.NoError(t, err)
}

func ids(pools []pool.Pool) []string {
	out := make([]string, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.ID)
	}
	return out
}

func TestAddPoolValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := PoolSpec{ID: "A", Asset: "USDC", APYBps: 500, Capacity: amt(100), RiskScore: 3}

	_, err := f.svc.AddPool(ctx, "mallory", base)
	assert.True(t, stderrors.Is(err, errors.ErrNotAdmin), "got %v", err)

	cases := map[string]struct {
		mutate func(*PoolSpec)
		code   errors.Code
	}{
		"risk too high":  {func(s *PoolSpec) { s.RiskScore = 11 }, errors.CodeInvalidRiskScore},
		"negative risk":  {func(s *PoolSpec) { s.RiskScore = -1 }, errors.CodeInvalidRiskScore},
		"zero capacity":  {func(s *PoolSpec) { s.Capacity = decimal.Zero }, errors.CodeInvalidAmount},
		"negative apy":   {func(s *PoolSpec) { s.APYBps = -1 }, errors.CodeInvalidPool},
		"blank id":       {func(s *PoolSpec) { s.ID = " " }, errors.CodeInvalidPool},
		"unknown asset":  {func(s *PoolSpec) { s.Asset = "DOGE" }, errors.CodeUnsupportedAsset},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			spec := base
			tc.mutate(&spec)
			_, err := f.svc.AddPool(ctx, "admin", spec)
			assert.Equal(t, tc.code, errors.CodeOf(err))
		})
	}

	p, err := f.svc.AddPool(ctx, "admin", base)
	require.NoError(t, err)
	assert.True(t, p.Active)
	assert.True(t, p.TVL.IsZero())

	_, err = f.svc.AddPool(ctx, "admin", base)
	assert.Equal(t, errors.CodePoolExists, errors.CodeOf(err))
}

func TestGetOptimalPoolsOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPool(t, "A", "USDC", 500, 100, 3)
	f.addPool(t, "D", "USDC", 500, 100, 2)
	f.addPool(t, "B", "USDC", 500, 100, 2)
	f.addPool(t, "C", "USDC", 700, 100, 8)
	f.addPool(t, "E", "USDC", 900, 100, 1)
	f.addPool(t, "F", "DAI", 900, 100, 1)
	inactive := false
	_, err := f.svc.UpdatePool(ctx, "admin", "E", PoolUpdate{Active: &inactive})
	require.NoError(t, err)

	low, err := f.svc.GetOptimalPools(ctx, "USDC", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "D", "A"}, ids(low))

	all, _ := f.svc.GetOptimalPools(ctx, "USDC", 10)
	assert.Equal(t, []string{"C", "B", "D", "A"}, ids(all))

	for i := 0; i < 5; i++ {
		again, _ := f.svc.GetOptimalPools(ctx, "USDC", 10)
		assert.Equal(t, ids(all), ids(again))
	}

	none, _ := f.svc.GetOptimalPools(ctx, "USDC", 1)
	assert.Empty(t, none)
}

func TestDepositSpillsAcrossPools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPool(t, "X", "USDC", 800, 100, 2)
	f.addPool(t, "Y", "USDC", 500, 1000, 2)
	testutil.FundAndApprove(t, f.ledger, "alice", custody, "USDC", amt(1000))

	legs, err := f.svc.Deposit(ctx, "alice", "USDC", amt(250), 5)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	assert.Equal(t, "X", legs[0].PoolID)
	assert.True(t, legs[0].Amount.Equal(amt(100)))
	assert.Equal(t, "Y", legs[1].PoolID)
	assert.True(t, legs[1].Amount.Equal(amt(150)))

	x, _ := f.svc.GetPool(ctx, "X")
	y, _ := f.svc.GetPool(ctx, "Y")
	assert.True(t, x.TVL.Equal(amt(100)))
	assert.True(t, y.TVL.Equal(amt(150)))
	assert.True(t, f.ledger.Balance(ctx, custody, "USDC").Equal(amt(250)))

	total, err := f.svc.GetUserTotalValue(ctx, "alice", "USDC")
	require.NoError(t, err)
	assert.True(t, total.Equal(amt(250)), "total = %s", total)
}

func TestDepositFailuresMoveNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPool(t, "X", "USDC", 800, 100, 2)
	f.addPool(t, "Y", "USDC", 500, 1000, 6)
	testutil.FundAndApprove(t, f.ledger, "alice", custody, "USDC", amt(5000))

	_, err := f.svc.Deposit(ctx, "alice", "USDC", amt(2000), 10)
	assert.Equal(t, errors.CodeInsufficientCapacity, errors.CodeOf(err))
	assert.Equal(t, errors.KindResource, errors.KindOf(err))

	_, err = f.svc.Deposit(ctx, "alice", "USDC", amt(10), 1)
	assert.Equal(t, errors.CodeNoEligiblePool, errors.CodeOf(err))

	_, err = f.svc.Deposit(ctx, "alice", "USDC", amt(200), 5)
	assert.Equal(t, errors.CodeInsufficientCapacity, errors.CodeOf(err), "low-risk capacity is only 100")

	_, err = f.svc.Deposit(ctx, "alice", "USDC", decimal.Zero, 5)
	assert.Equal(t, errors.CodeInvalidAmount, errors.CodeOf(err))

	_, err = f.svc.Deposit(ctx, "", "USDC", amt(10), 5)
	assert.Equal(t, errors.CodeInvalidOwner, errors.CodeOf(err))

	_, err = f.svc.Deposit(ctx, "bob", "USDC", amt(50), 5)
	assert.True(t, stderrors.Is(err, errors.ErrInsufficientAllowance), "got %v", err)

	assert.True(t, f.ledger.Balance(ctx, "alice", "USDC").Equal(amt(5000)))
	x, _ := f.svc.GetPool(ctx, "X")
	assert.True(t, x.TVL.IsZero())
}

func TestDepositPersistFailureRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPool(t, "X", "USDC", 800, 100, 2)
	testutil.FundAndApprove(t, f.ledger, "alice", custody, "USDC", amt(100))

	f.store.SetFault(func(op string) error {
		if op == "ApplyAllocation" {
			return stderrors.New("write failed")
		}
		return nil
	})
	_, err := f.svc.Deposit(ctx, "alice", "USDC", amt(50), 5)
	assert.Equal(t, errors.KindInternal, errors.KindOf(err))
	assert.True(t, f.ledger.Balance(ctx, "alice", "USDC").Equal(amt(100)))
	assert.True(t, f.ledger.Balance(ctx, custody, "USDC").IsZero())
	assert.True(t, f.ledger.Allowance(ctx, "alice", custody, "USDC").Equal(amt(100)))

	f.store.SetFault(nil)
	legs, err := f.svc.Deposit(ctx, "alice", "USDC", amt(50), 5)
	require.NoError(t, err)
	assert.Len(t, legs, 1)
}

func TestRebalancePreservesPrincipal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPool(t, "X", "USDC", 500, 1000, 2)
	testutil.FundAndApprove(t, f.ledger, "alice", custody, "USDC", amt(1000))

	_, err := f.svc.Deposit(ctx, "alice", "USDC", amt(600), 5)
	require.NoError(t, err)

	f.clock.Advance(30 * 24 * time.Hour)
	f.addPool(t, "Y", "USDC", 900, 400, 3)

	before, err := f.svc.Value(ctx, "alice", "USDC")
	require.NoError(t, err)

	legs, err := f.svc.Rebalance(ctx, "alice", "USDC", 5)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	assert.Equal(t, "Y", legs[0].PoolID)
	assert.True(t, legs[0].Amount.Equal(amt(400)))
	assert.Equal(t, "X", legs[1].PoolID)
	assert.True(t, legs[1].Amount.Equal(amt(200)))

	after, err := f.svc.Value(ctx, "alice", "USDC")
	require.NoError(t, err)
	assert.True(t, after.Principal.Equal(amt(600)), "principal = %s", after.Principal)
	assert.True(t, after.Yield.Equal(before.Yield), "yield %s != %s", after.Yield, before.Yield)
	assert.True(t, after.Yield.IsPositive())

	x, _ := f.svc.GetPool(ctx, "X")
	y, _ := f.svc.GetPool(ctx, "Y")
	assert.True(t, x.TVL.Equal(amt(200)))
	assert.True(t, y.TVL.Equal(amt(400)))
	assert.True(t, f.ledger.Balance(ctx, custody, "USDC").Equal(amt(600)), "rebalance moves no ledger funds")
}

func TestRebalanceCountsOwnPrincipalAsRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPool(t, "X", "USDC", 500, 100, 2)
	testutil.FundAndApprove(t, f.ledger, "alice", custody, "USDC", amt(100))

	_, err := f.svc.Deposit(ctx, "alice", "USDC", amt(100), 5)
	require.NoError(t, err)

	// X is full, but only with alice's own principal
	legs, err := f.svc.Rebalance(ctx, "alice", "USDC", 5)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.True(t, legs[0].Amount.Equal(amt(100)))
}

func TestRebalanceAbortsWhenTargetCannotAbsorb(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPool(t, "X", "USDC", 500, 1000, 2)
	testutil.FundAndApprove(t, f.ledger, "alice", custody, "USDC", amt(600))
	_, err := f.svc.Deposit(ctx, "alice", "USDC", amt(600), 5)
	require.NoError(t, err)

	f.addPool(t, "Y", "USDC", 900, 100, 2)
	inactive := false
	_, err = f.svc.UpdatePool(ctx, "admin", "X", PoolUpdate{Active: &inactive})
	require.NoError(t, err)

	_, err = f.svc.Rebalance(ctx, "alice", "USDC", 5)
	assert.Equal(t, errors.CodeInsufficientCapacity, errors.CodeOf(err))

	pos, err := f.store.GetPosition(ctx, "alice", "X")
	require.NoError(t, err)
	assert.True(t, pos.Principal.Equal(amt(600)))
	y, _ := f.svc.GetPool(ctx, "Y")
	assert.True(t, y.TVL.IsZero())
}

func TestYieldAccrualAndAPYChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPool(t, "X", "USDC", 1000, 5000, 2)
	testutil.FundAndApprove(t, f.ledger, "alice", custody, "USDC", amt(1000))
	_, err := f.svc.Deposit(ctx, "alice", "USDC", amt(1000), 5)
	require.NoError(t, err)

	f.clock.Advance(365 * 24 * time.Hour)
	earned, err := f.svc.GetUserYield(ctx, "alice", "USDC")
	require.NoError(t, err)
	assert.True(t, earned.Equal(amt(100)), "yield = %s", earned)

	zero := int64(0)
	_, err = f.svc.UpdatePool(ctx, "admin", "X", PoolUpdate{APYBps: &zero})
	require.NoError(t, err)

	f.clock.Advance(365 * 24 * time.Hour)
	total, _ := f.svc.GetUserTotalValue(ctx, "alice", "USDC")
	assert.True(t, total.Equal(amt(1100)), "total = %s", total)

	tooSmall := amt(500)
	_, err = f.svc.UpdatePool(ctx, "admin", "X", PoolUpdate{Capacity: &tooSmall})
	assert.Equal(t, errors.CodeInvalidPool, errors.CodeOf(err))
	_, err = f.svc.UpdatePool(ctx, "bob", "X", PoolUpdate{Capacity: &tooSmall})
	assert.True(t, stderrors.Is(err, errors.ErrNotAdmin))
}

func TestWithdrawPrincipal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPool(t, "X", "USDC", 500, 1000, 2)
	testutil.FundAndApprove(t, f.ledger, "alice", custody, "USDC", amt(300))
	_, err := f.svc.Deposit(ctx, "alice", "USDC", amt(300), 5)
	require.NoError(t, err)

	err = f.svc.Withdraw(ctx, "alice", "X", amt(301))
	assert.Equal(t, errors.CodeInsufficientAvailable, errors.CodeOf(err))
	err = f.svc.Withdraw(ctx, "bob", "X", amt(1))
	assert.Equal(t, errors.CodeInsufficientAvailable, errors.CodeOf(err))

	require.NoError(t, f.svc.Withdraw(ctx, "alice", "X", amt(120)))
	assert.True(t, f.ledger.Balance(ctx, "alice", "USDC").Equal(amt(120)))
	x, _ := f.svc.GetPool(ctx, "X")
	assert.True(t, x.TVL.Equal(amt(180)))

	positions, _ := f.svc.ListPositions(ctx, "alice")
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Principal.Equal(amt(180)))
}
