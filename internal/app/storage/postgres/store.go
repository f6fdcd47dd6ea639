package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/savings_layer/internal/app/domain/lock"
	"github.com/R3E-Network/savings_layer/internal/app/domain/plan"
	"github.com/R3E-Network/savings_layer/internal/app/domain/pool"
	"github.com/R3E-Network/savings_layer/internal/app/storage"
	"github.com/R3E-Network/savings_layer/internal/engine/state"
	"github.com/R3E-Network/savings_layer/internal/errors"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.PlanStore = (*Store)(nil)
var _ storage.PoolStore = (*Store)(nil)
var _ storage.LockStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open wraps an existing *sql.DB opened with the postgres driver.
func Open(db *sql.DB) *Store {
	return New(sqlx.NewDb(db, "postgres"))
}

const uniqueViolation = "23505"

func notFound(err error, resource string, id any) error {
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NotFound(resource, id)
	}
	return err
}

func now() time.Time { return time.Now().UTC() }

// --- PlanStore --------------------------------------------------------------

const planColumns = `id, owner, asset, amount_per_period, frequency, max_executions, execution_count,
	next_eligible_time, status, penalty_bps, total_deposited, total_withdrawn, penalties_retained,
	last_executed_at, created_at, updated_at`

func (s *Store) CreatePlan(ctx context.Context, p plan.Plan) (plan.Plan, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}

	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO savings_plans (owner, asset, amount_per_period, frequency, max_executions,
			execution_count, next_eligible_time, status, penalty_bps, total_deposited,
			total_withdrawn, penalties_retained, last_executed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`, p.Owner, p.Asset, p.AmountPerPeriod, p.Frequency, p.MaxExecutions, p.ExecutionCount,
		p.NextEligibleTime, p.Status, p.PenaltyBps, p.TotalDeposited, p.TotalWithdrawn,
		p.PenaltiesRetained, p.LastExecutedAt, p.CreatedAt, p.UpdatedAt).Scan(&p.ID)
	if err != nil {
		return plan.Plan{}, err
	}
	return p, nil
}

func (s *Store) UpdatePlan(ctx context.Context, p plan.Plan) (plan.Plan, error) {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE savings_plans
		SET execution_count = $2, next_eligible_time = $3, status = $4, total_deposited = $5,
			total_withdrawn = $6, penalties_retained = $7, last_executed_at = $8, updated_at = $9
		WHERE id = $1
	`, p.ID, p.ExecutionCount, p.NextEligibleTime, p.Status, p.TotalDeposited,
		p.TotalWithdrawn, p.PenaltiesRetained, p.LastExecutedAt, p.UpdatedAt)
	if err != nil {
		return plan.Plan{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return plan.Plan{}, errors.NotFound("plan", p.ID)
	}
	return s.GetPlan(ctx, p.ID)
}

func (s *Store) GetPlan(ctx context.Context, id int64) (plan.Plan, error) {
	var p plan.Plan
	err := s.db.GetContext(ctx, &p, `SELECT `+planColumns+` FROM savings_plans WHERE id = $1`, id)
	if err != nil {
		return plan.Plan{}, notFound(err, "plan", id)
	}
	return p, nil
}

func (s *Store) ListPlansByOwner(ctx context.Context, owner string) ([]plan.Plan, error) {
	var result []plan.Plan
	err := s.db.SelectContext(ctx, &result, `
		SELECT `+planColumns+` FROM savings_plans WHERE owner = $1 ORDER BY id
	`, owner)
	return result, err
}

func (s *Store) ListPlansByStatus(ctx context.Context, status state.Status) ([]plan.Plan, error) {
	var result []plan.Plan
	err := s.db.SelectContext(ctx, &result, `
		SELECT `+planColumns+` FROM savings_plans WHERE status = $1 ORDER BY id
	`, status)
	return result, err
}

// --- PoolStore --------------------------------------------------------------

const poolColumns = `id, asset, name, apy_bps, capacity, tvl, risk_score, active, created_at, updated_at`

const positionColumns = `owner, pool_id, asset, principal, yield_accrued, last_accrual, updated_at`

func (s *Store) CreatePool(ctx context.Context, p pool.Pool) (pool.Pool, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO yield_pools (id, asset, name, apy_bps, capacity, tvl, risk_score, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.Asset, p.Name, p.APYBps, p.Capacity, p.TVL, p.RiskScore, p.Active, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return pool.Pool{}, errors.Validation(errors.CodePoolExists, "pool "+p.ID+" already exists")
		}
		return pool.Pool{}, err
	}
	return p, nil
}

func (s *Store) UpdatePool(ctx context.Context, p pool.Pool) (pool.Pool, error) {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now()
	}
	if err := updatePool(ctx, s.db, p); err != nil {
		return pool.Pool{}, err
	}
	return s.GetPool(ctx, p.ID)
}

func (s *Store) GetPool(ctx context.Context, id string) (pool.Pool, error) {
	var p pool.Pool
	err := s.db.GetContext(ctx, &p, `SELECT `+poolColumns+` FROM yield_pools WHERE id = $1`, id)
	if err != nil {
		return pool.Pool{}, notFound(err, "pool", id)
	}
	return p, nil
}

func (s *Store) ListPools(ctx context.Context) ([]pool.Pool, error) {
	var result []pool.Pool
	err := s.db.SelectContext(ctx, &result, `SELECT `+poolColumns+` FROM yield_pools ORDER BY id`)
	return result, err
}

func (s *Store) GetPosition(ctx context.Context, owner, poolID string) (pool.Position, error) {
	var pos pool.Position
	err := s.db.GetContext(ctx, &pos, `
		SELECT `+positionColumns+` FROM yield_positions WHERE owner = $1 AND pool_id = $2
	`, owner, poolID)
	if err != nil {
		return pool.Position{}, notFound(err, "position", owner+"/"+poolID)
	}
	return pos, nil
}

func (s *Store) ListPositionsByOwner(ctx context.Context, owner string) ([]pool.Position, error) {
	var result []pool.Position
	err := s.db.SelectContext(ctx, &result, `
		SELECT `+positionColumns+` FROM yield_positions WHERE owner = $1 ORDER BY pool_id
	`, owner)
	return result, err
}

func (s *Store) ListPositionsByPool(ctx context.Context, poolID string) ([]pool.Position, error) {
	var result []pool.Position
	err := s.db.SelectContext(ctx, &result, `
		SELECT `+positionColumns+` FROM yield_positions WHERE pool_id = $1 ORDER BY owner
	`, poolID)
	return result, err
}

func (s *Store) ApplyAllocation(ctx context.Context, pools []pool.Pool, positions []pool.Position) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ts := now()
	for _, p := range pools {
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = ts
		}
		if err = updatePool(ctx, tx, p); err != nil {
			return err
		}
	}
	for _, pos := range positions {
		if pos.UpdatedAt.IsZero() {
			pos.UpdatedAt = ts
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO yield_positions (owner, pool_id, asset, principal, yield_accrued, last_accrual, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (owner, pool_id) DO UPDATE
			SET principal = EXCLUDED.principal, yield_accrued = EXCLUDED.yield_accrued,
				last_accrual = EXCLUDED.last_accrual, updated_at = EXCLUDED.updated_at
		`, pos.Owner, pos.PoolID, pos.Asset, pos.Principal, pos.YieldAccrued, pos.LastAccrual, pos.UpdatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func updatePool(ctx context.Context, db sqlx.ExecerContext, p pool.Pool) error {
	result, err := db.ExecContext(ctx, `
		UPDATE yield_pools
		SET name = $2, apy_bps = $3, capacity = $4, tvl = $5, risk_score = $6, active = $7, updated_at = $8
		WHERE id = $1
	`, p.ID, p.Name, p.APYBps, p.Capacity, p.TVL, p.RiskScore, p.Active, p.UpdatedAt)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return errors.NotFound("pool", p.ID)
	}
	return nil
}

// --- LockStore --------------------------------------------------------------

const lockColumns = `id, owner, asset, amount, reason, status, unlock_time, interest_accrued,
	interest_unpaid, released_via, released_at, created_at, updated_at`

const overrideColumns = `id, lock_id, requester, reason, approvals, status, deadline, executed_at, created_at, updated_at`

// overrideRow carries the approvals array through the driver.
type overrideRow struct {
	lock.Override
	Approvals pq.StringArray `db:"approvals"`
}

func (r overrideRow) toDomain() lock.Override {
	o := r.Override
	o.Approvals = []string(r.Approvals)
	if o.Approvals == nil {
		o.Approvals = []string{}
	}
	return o
}

func (s *Store) CreateLock(ctx context.Context, l lock.Lock) (lock.Lock, error) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now()
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}

	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO vault_locks (owner, asset, amount, reason, status, unlock_time, interest_accrued,
			interest_unpaid, released_via, released_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`, l.Owner, l.Asset, l.Amount, l.Reason, l.Status, l.UnlockTime, l.InterestAccrued,
		l.InterestUnpaid, l.ReleasedVia, l.ReleasedAt, l.CreatedAt, l.UpdatedAt).Scan(&l.ID)
	if err != nil {
		return lock.Lock{}, err
	}
	return l, nil
}

func (s *Store) UpdateLock(ctx context.Context, l lock.Lock) (lock.Lock, error) {
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = now()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE vault_locks
		SET status = $2, interest_accrued = $3, interest_unpaid = $4, released_via = $5, released_at = $6, updated_at = $7
		WHERE id = $1
	`, l.ID, l.Status, l.InterestAccrued, l.InterestUnpaid, l.ReleasedVia, l.ReleasedAt, l.UpdatedAt)
	if err != nil {
		return lock.Lock{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return lock.Lock{}, errors.NotFound("lock", l.ID)
	}
	return s.GetLock(ctx, l.ID)
}

func (s *Store) GetLock(ctx context.Context, id int64) (lock.Lock, error) {
	var l lock.Lock
	err := s.db.GetContext(ctx, &l, `SELECT `+lockColumns+` FROM vault_locks WHERE id = $1`, id)
	if err != nil {
		return lock.Lock{}, notFound(err, "lock", id)
	}
	return l, nil
}

func (s *Store) ListLocksByOwner(ctx context.Context, owner string) ([]lock.Lock, error) {
	var result []lock.Lock
	err := s.db.SelectContext(ctx, &result, `
		SELECT `+lockColumns+` FROM vault_locks WHERE owner = $1 ORDER BY id
	`, owner)
	return result, err
}

func (s *Store) CreateOverride(ctx context.Context, o lock.Override) (lock.Override, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	if o.Approvals == nil {
		o.Approvals = []string{}
	}

	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO vault_overrides (lock_id, requester, reason, approvals, status, deadline,
			executed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, o.LockID, o.Requester, o.Reason, pq.Array(o.Approvals), o.Status, o.Deadline,
		o.ExecutedAt, o.CreatedAt, o.UpdatedAt).Scan(&o.ID)
	if err != nil {
		return lock.Override{}, err
	}
	return o, nil
}

func (s *Store) UpdateOverride(ctx context.Context, o lock.Override) (lock.Override, error) {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE vault_overrides
		SET approvals = $2, status = $3, executed_at = $4, updated_at = $5
		WHERE id = $1
	`, o.ID, pq.Array(o.Approvals), o.Status, o.ExecutedAt, o.UpdatedAt)
	if err != nil {
		return lock.Override{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return lock.Override{}, errors.NotFound("override", o.ID)
	}
	return s.GetOverride(ctx, o.ID)
}

func (s *Store) GetOverride(ctx context.Context, id int64) (lock.Override, error) {
	var row overrideRow
	err := s.db.GetContext(ctx, &row, `SELECT `+overrideColumns+` FROM vault_overrides WHERE id = $1`, id)
	if err != nil {
		return lock.Override{}, notFound(err, "override", id)
	}
	return row.toDomain(), nil
}

func (s *Store) ListOverridesByLock(ctx context.Context, lockID int64) ([]lock.Override, error) {
	var rows []overrideRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+overrideColumns+` FROM vault_overrides WHERE lock_id = $1 ORDER BY id
	`, lockID)
	if err != nil {
		return nil, err
	}
	result := make([]lock.Override, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}
