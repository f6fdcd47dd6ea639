package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/savings_layer/internal/app/domain/lock"
	"github.com/R3E-Network/savings_layer/internal/app/domain/plan"
	"github.com/R3E-Network/savings_layer/internal/app/domain/pool"
	"github.com/R3E-Network/savings_layer/internal/app/storage"
	"github.com/R3E-Network/savings_layer/internal/engine/state"
	"github.com/R3E-Network/savings_layer/internal/errors"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
//
// Records live in tables keyed by auto-incrementing ids; owner indices are
// append-only lists of those ids.
type Store struct {
	mu sync.RWMutex

	nextPlanID     int64
	nextLockID     int64
	nextOverrideID int64

	plans        map[int64]plan.Plan
	plansByOwner map[string][]int64

	pools           map[string]pool.Pool
	positions       map[positionKey]pool.Position
	positionsByUser map[string][]positionKey
	positionsByPool map[string][]positionKey

	locks             map[int64]lock.Lock
	locksByOwner      map[string][]int64
	overrides         map[int64]lock.Override
	overridesByLockID map[int64][]int64

	fault func(op string) error
}

type positionKey struct {
	owner  string
	poolID string
}

var _ storage.PlanStore = (*Store)(nil)
var _ storage.PoolStore = (*Store)(nil)
var _ storage.LockStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextPlanID:        1,
		nextLockID:        1,
		nextOverrideID:    1,
		plans:             make(map[int64]plan.Plan),
		plansByOwner:      make(map[string][]int64),
		pools:             make(map[string]pool.Pool),
		positions:         make(map[positionKey]pool.Position),
		positionsByUser:   make(map[string][]positionKey),
		positionsByPool:   make(map[string][]positionKey),
		locks:             make(map[int64]lock.Lock),
		locksByOwner:      make(map[string][]int64),
		overrides:         make(map[int64]lock.Override),
		overridesByLockID: make(map[int64][]int64),
	}
}

// SetFault installs a hook consulted before every write. A non-nil error
// returned for an operation name aborts that write. Pass nil to clear.
func (s *Store) SetFault(fn func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

func (s *Store) faultLocked(op string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op)
}

func stamp(created, updated time.Time) (time.Time, time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = created
	}
	return created, updated
}

// PlanStore implementation ----------------------------------------------------

func (s *Store) CreatePlan(_ context.Context, p plan.Plan) (plan.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked("CreatePlan"); err != nil {
		return plan.Plan{}, err
	}
	p.ID = s.nextPlanID
	s.nextPlanID++
	p.CreatedAt, p.UpdatedAt = stamp(p.CreatedAt, p.UpdatedAt)

	s.plans[p.ID] = clonePlan(p)
	s.plansByOwner[p.Owner] = append(s.plansByOwner[p.Owner], p.ID)
	return clonePlan(p), nil
}

func (s *Store) UpdatePlan(_ context.Context, p plan.Plan) (plan.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked("UpdatePlan"); err != nil {
		return plan.Plan{}, err
	}
	original, ok := s.plans[p.ID]
	if !ok {
		return plan.Plan{}, errors.NotFound("plan", p.ID)
	}
	p.Owner = original.Owner
	p.CreatedAt = original.CreatedAt
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.plans[p.ID] = clonePlan(p)
	return clonePlan(p), nil
}

func (s *Store) GetPlan(_ context.Context, id int64) (plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[id]
	if !ok {
		return plan.Plan{}, errors.NotFound("plan", id)
	}
	return clonePlan(p), nil
}

func (s *Store) ListPlansByOwner(_ context.Context, owner string) ([]plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.plansByOwner[owner]
	result := make([]plan.Plan, 0, len(ids))
	for _, id := range ids {
		result = append(result, clonePlan(s.plans[id]))
	}
	return result, nil
}

func (s *Store) ListPlansByStatus(_ context.Context, status state.Status) ([]plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []plan.Plan
	for _, p := range s.plans {
		if p.Status == status {
			result = append(result, clonePlan(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// PoolStore implementation ----------------------------------------------------

func (s *Store) CreatePool(_ context.Context, p pool.Pool) (pool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked("CreatePool"); err != nil {
		return pool.Pool{}, err
	}
	if _, exists := s.pools[p.ID]; exists {
		return pool.Pool{}, errors.Validation(errors.CodePoolExists, "pool "+p.ID+" already exists")
	}
	p.CreatedAt, p.UpdatedAt = stamp(p.CreatedAt, p.UpdatedAt)
	s.pools[p.ID] = p
	return p, nil
}

func (s *Store) UpdatePool(_ context.Context, p pool.Pool) (pool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked("UpdatePool"); err != nil {
		return pool.Pool{}, err
	}
	original, ok := s.pools[p.ID]
	if !ok {
		return pool.Pool{}, errors.NotFound("pool", p.ID)
	}
	p.CreatedAt = original.CreatedAt
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.pools[p.ID] = p
	return p, nil
}

func (s *Store) GetPool(_ context.Context, id string) (pool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return pool.Pool{}, errors.NotFound("pool", id)
	}
	return p, nil
}

func (s *Store) ListPools(_ context.Context) ([]pool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]pool.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) GetPosition(_ context.Context, owner, poolID string) (pool.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[positionKey{owner: owner, poolID: poolID}]
	if !ok {
		return pool.Position{}, errors.NotFound("position", owner+"/"+poolID)
	}
	return pos, nil
}

func (s *Store) ListPositionsByOwner(_ context.Context, owner string) ([]pool.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.positionsByUser[owner]
	result := make([]pool.Position, 0, len(keys))
	for _, key := range keys {
		result = append(result, s.positions[key])
	}
	return result, nil
}

func (s *Store) ListPositionsByPool(_ context.Context, poolID string) ([]pool.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.positionsByPool[poolID]
	result := make([]pool.Position, 0, len(keys))
	for _, key := range keys {
		result = append(result, s.positions[key])
	}
	return result, nil
}

func (s *Store) ApplyAllocation(_ context.Context, pools []pool.Pool, positions []pool.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked("ApplyAllocation"); err != nil {
		return err
	}
	// validate the whole batch before touching any table
	for _, p := range pools {
		if _, ok := s.pools[p.ID]; !ok {
			return errors.NotFound("pool", p.ID)
		}
	}
	for _, pos := range positions {
		if _, ok := s.pools[pos.PoolID]; !ok {
			return errors.NotFound("pool", pos.PoolID)
		}
	}

	now := time.Now().UTC()
	for _, p := range pools {
		p.CreatedAt = s.pools[p.ID].CreatedAt
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
		s.pools[p.ID] = p
	}
	for _, pos := range positions {
		key := positionKey{owner: pos.Owner, poolID: pos.PoolID}
		if _, exists := s.positions[key]; !exists {
			s.positionsByUser[pos.Owner] = append(s.positionsByUser[pos.Owner], key)
			s.positionsByPool[pos.PoolID] = append(s.positionsByPool[pos.PoolID], key)
		}
		if pos.UpdatedAt.IsZero() {
			pos.UpdatedAt = now
		}
		s.positions[key] = pos
	}
	return nil
}

// LockStore implementation ----------------------------------------------------

func (s *Store) CreateLock(_ context.Context, l lock.Lock) (lock.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked("CreateLock"); err != nil {
		return lock.Lock{}, err
	}
	l.ID = s.nextLockID
	s.nextLockID++
	l.CreatedAt, l.UpdatedAt = stamp(l.CreatedAt, l.UpdatedAt)

	s.locks[l.ID] = cloneLock(l)
	s.locksByOwner[l.Owner] = append(s.locksByOwner[l.Owner], l.ID)
	return cloneLock(l), nil
}

func (s *Store) UpdateLock(_ context.Context, l lock.Lock) (lock.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked("UpdateLock"); err != nil {
		return lock.Lock{}, err
	}
	original, ok := s.locks[l.ID]
	if !ok {
		return lock.Lock{}, errors.NotFound("lock", l.ID)
	}
	l.Owner = original.Owner
	l.CreatedAt = original.CreatedAt
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now().UTC()
	}
	s.locks[l.ID] = cloneLock(l)
	return cloneLock(l), nil
}

func (s *Store) GetLock(_ context.Context, id int64) (lock.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.locks[id]
	if !ok {
		return lock.Lock{}, errors.NotFound("lock", id)
	}
	return cloneLock(l), nil
}

func (s *Store) ListLocksByOwner(_ context.Context, owner string) ([]lock.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.locksByOwner[owner]
	result := make([]lock.Lock, 0, len(ids))
	for _, id := range ids {
		result = append(result, cloneLock(s.locks[id]))
	}
	return result, nil
}

func (s *Store) CreateOverride(_ context.Context, o lock.Override) (lock.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked("CreateOverride"); err != nil {
		return lock.Override{}, err
	}
	if _, ok := s.locks[o.LockID]; !ok {
		return lock.Override{}, errors.NotFound("lock", o.LockID)
	}
	o.ID = s.nextOverrideID
	s.nextOverrideID++
	o.CreatedAt, o.UpdatedAt = stamp(o.CreatedAt, o.UpdatedAt)

	s.overrides[o.ID] = cloneOverride(o)
	s.overridesByLockID[o.LockID] = append(s.overridesByLockID[o.LockID], o.ID)
	return cloneOverride(o), nil
}

func (s *Store) UpdateOverride(_ context.Context, o lock.Override) (lock.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked("UpdateOverride"); err != nil {
		return lock.Override{}, err
	}
	original, ok := s.overrides[o.ID]
	if !ok {
		return lock.Override{}, errors.NotFound("override", o.ID)
	}
	o.LockID = original.LockID
	o.CreatedAt = original.CreatedAt
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now().UTC()
	}
	s.overrides[o.ID] = cloneOverride(o)
	return cloneOverride(o), nil
}

func (s *Store) GetOverride(_ context.Context, id int64) (lock.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.overrides[id]
	if !ok {
		return lock.Override{}, errors.NotFound("override", id)
	}
	return cloneOverride(o), nil
}

func (s *Store) ListOverridesByLock(_ context.Context, lockID int64) ([]lock.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.overridesByLockID[lockID]
	result := make([]lock.Override, 0, len(ids))
	for _, id := range ids {
		result = append(result, cloneOverride(s.overrides[id]))
	}
	return result, nil
}

// helpers ---------------------------------------------------------------------

func clonePlan(p plan.Plan) plan.Plan {
	p.LastExecutedAt = cloneTime(p.LastExecutedAt)
	return p
}

func cloneLock(l lock.Lock) lock.Lock {
	l.ReleasedAt = cloneTime(l.ReleasedAt)
	return l
}

func cloneOverride(o lock.Override) lock.Override {
	if o.Approvals != nil {
		o.Approvals = append([]string(nil), o.Approvals...)
	}
	o.ExecutedAt = cloneTime(o.ExecutedAt)
	return o
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
