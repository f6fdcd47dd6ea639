package storage

import (
	"context"

	"github.com/R3E-Network/savings_layer/internal/app/domain/lock"
	"github.com/R3E-Network/savings_layer/internal/app/domain/plan"
	"github.com/R3E-Network/savings_layer/internal/app/domain/pool"
	"github.com/R3E-Network/savings_layer/internal/engine/state"
)

// PlanStore persists recurring investment plans.
type PlanStore interface {
	CreatePlan(ctx context.Context, p plan.Plan) (plan.Plan, error)
	UpdatePlan(ctx context.Context, p plan.Plan) (plan.Plan, error)
	GetPlan(ctx context.Context, id int64) (plan.Plan, error)
	ListPlansByOwner(ctx context.Context, owner string) ([]plan.Plan, error)
	ListPlansByStatus(ctx context.Context, status state.Status) ([]plan.Plan, error)
}

// PoolStore persists yield pools and owner positions.
type PoolStore interface {
	CreatePool(ctx context.Context, p pool.Pool) (pool.Pool, error)
	UpdatePool(ctx context.Context, p pool.Pool) (pool.Pool, error)
	GetPool(ctx context.Context, id string) (pool.Pool, error)
	ListPools(ctx context.Context) ([]pool.Pool, error)

	GetPosition(ctx context.Context, owner, poolID string) (pool.Position, error)
	ListPositionsByOwner(ctx context.Context, owner string) ([]pool.Position, error)
	ListPositionsByPool(ctx context.Context, poolID string) ([]pool.Position, error)

	// ApplyAllocation writes pool and position updates as one unit. Either
	// every record is written or none is.
	ApplyAllocation(ctx context.Context, pools []pool.Pool, positions []pool.Position) error
}

// LockStore persists vault locks and their override requests.
type LockStore interface {
	CreateLock(ctx context.Context, l lock.Lock) (lock.Lock, error)
	UpdateLock(ctx context.Context, l lock.Lock) (lock.Lock, error)
	GetLock(ctx context.Context, id int64) (lock.Lock, error)
	ListLocksByOwner(ctx context.Context, owner string) ([]lock.Lock, error)

	CreateOverride(ctx context.Context, o lock.Override) (lock.Override, error)
	UpdateOverride(ctx context.Context, o lock.Override) (lock.Override, error)
	GetOverride(ctx context.Context, id int64) (lock.Override, error)
	ListOverridesByLock(ctx context.Context, lockID int64) ([]lock.Override, error)
}
