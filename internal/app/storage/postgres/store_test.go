package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/savings_layer/internal/app/domain/lock"
	"github.com/R3E-Network/savings_layer/internal/app/domain/plan"
	"github.com/R3E-Network/savings_layer/internal/app/domain/pool"
	"github.com/R3E-Network/savings_layer/internal/engine/state"
	"github.com/R3E-Network/savings_layer/internal/errors"
	"github.com/R3E-Network/savings_layer/internal/platform/migrations"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

var ts = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func TestCreatePlanReturnsID(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO savings_plans")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	p, err := store.CreatePlan(context.Background(), plan.Plan{
		Owner:           "alice",
		Asset:           "USDC",
		AmountPerPeriod: decimal.NewFromInt(100),
		Frequency:       plan.FrequencyDaily,
		MaxExecutions:   3,
		Status:          state.StatusActive,
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if p.ID != 7 || p.CreatedAt.IsZero() {
		t.Fatalf("unexpected plan: %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetPlanScansRow(t *testing.T) {
	store, mock := newMock(t)

	cols := []string{"id", "owner", "asset", "amount_per_period", "frequency", "max_executions",
		"execution_count", "next_eligible_time", "status", "penalty_bps", "total_deposited",
		"total_withdrawn", "penalties_retained", "last_executed_at", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM savings_plans WHERE id = $1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(1), "alice", "USDC", "100", "weekly", 4, 1, ts, "active", int64(200),
			"100", "0", "0", ts, ts, ts))

	p, err := store.GetPlan(context.Background(), 1)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if p.Frequency != plan.FrequencyWeekly || p.Status != state.StatusActive {
		t.Fatalf("unexpected enums: %+v", p)
	}
	if !p.AmountPerPeriod.Equal(decimal.NewFromInt(100)) || p.LastExecutedAt == nil {
		t.Fatalf("unexpected values: %+v", p)
	}
}

func TestGetPlanNotFound(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM savings_plans WHERE id = $1")).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	if _, err := store.GetPlan(context.Background(), 9); !errors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdatePlanMissingRow(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE savings_plans")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if _, err := store.UpdatePlan(context.Background(), plan.Plan{ID: 3}); !errors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreatePoolDuplicate(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO yield_pools")).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	_, err := store.CreatePool(context.Background(), pool.Pool{ID: "A", Asset: "USDC"})
	if errors.CodeOf(err) != errors.CodePoolExists {
		t.Fatalf("expected PoolExists, got %v", err)
	}
}

func TestApplyAllocationCommits(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE yield_pools")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO yield_positions")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.ApplyAllocation(context.Background(),
		[]pool.Pool{{ID: "A", TVL: decimal.NewFromInt(10)}},
		[]pool.Position{{Owner: "alice", PoolID: "A", Principal: decimal.NewFromInt(10), LastAccrual: ts}},
	)
	if err != nil {
		t.Fatalf("apply allocation: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyAllocationRollsBack(t *testing.T) {
	store, mock := newMock(t)
	boom := stderrors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE yield_pools")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO yield_positions")).WillReturnError(boom)
	mock.ExpectRollback()

	err := store.ApplyAllocation(context.Background(),
		[]pool.Pool{{ID: "A"}},
		[]pool.Position{{Owner: "alice", PoolID: "A"}},
	)
	if !stderrors.Is(err, boom) {
		t.Fatalf("expected driver error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetOverrideDecodesApprovals(t *testing.T) {
	store, mock := newMock(t)

	cols := []string{"id", "lock_id", "requester", "reason", "approvals", "status", "deadline",
		"executed_at", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM vault_overrides WHERE id = $1")).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(2), int64(1), "gov", "medical", "{s1,s2}", "pending", ts, nil, ts, ts))

	o, err := store.GetOverride(context.Background(), 2)
	if err != nil {
		t.Fatalf("get override: %v", err)
	}
	if len(o.Approvals) != 2 || o.Approvals[1] != "s2" || o.Status != lock.OverridePending {
		t.Fatalf("unexpected override: %+v", o)
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := New(db)

	p, err := store.CreatePlan(ctx, plan.Plan{
		Owner: "owner", Asset: "USDC", AmountPerPeriod: decimal.NewFromInt(1),
		Frequency: plan.FrequencyDaily, MaxExecutions: 1, Status: state.StatusActive,
		NextEligibleTime: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	l, err := store.CreateLock(ctx, lock.Lock{Owner: "owner", Asset: "USDC", Amount: decimal.NewFromInt(1), Status: state.StatusActive})
	if err != nil {
		t.Fatalf("create lock: %v", err)
	}
	if _, err := store.CreateOverride(ctx, lock.Override{LockID: l.ID, Requester: "gov", Status: lock.OverridePending}); err != nil {
		t.Fatalf("create override: %v", err)
	}
	if _, err := store.GetPlan(ctx, p.ID); err != nil {
		t.Fatalf("get plan: %v", err)
	}
}
