// Package migrations holds the ordered schema statements for the postgres
// store.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// Execer is satisfied by *sql.DB, *sql.Tx and *sqlx.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var statements = []string{
	`CREATE TABLE IF NOT EXISTS savings_plans (
		id                 BIGSERIAL PRIMARY KEY,
		owner              TEXT NOT NULL,
		asset              TEXT NOT NULL,
		amount_per_period  NUMERIC(78, 18) NOT NULL,
		frequency          TEXT NOT NULL,
		max_executions     INTEGER NOT NULL,
		execution_count    INTEGER NOT NULL DEFAULT 0,
		next_eligible_time TIMESTAMPTZ NOT NULL,
		status             TEXT NOT NULL,
		penalty_bps        BIGINT NOT NULL,
		total_deposited    NUMERIC(78, 18) NOT NULL DEFAULT 0,
		total_withdrawn    NUMERIC(78, 18) NOT NULL DEFAULT 0,
		penalties_retained NUMERIC(78, 18) NOT NULL DEFAULT 0,
		last_executed_at   TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS savings_plans_owner_idx ON savings_plans (owner, id)`,
	`CREATE INDEX IF NOT EXISTS savings_plans_status_idx ON savings_plans (status, next_eligible_time)`,
	`CREATE TABLE IF NOT EXISTS yield_pools (
		id         TEXT PRIMARY KEY,
		asset      TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		apy_bps    BIGINT NOT NULL,
		capacity   NUMERIC(78, 18) NOT NULL,
		tvl        NUMERIC(78, 18) NOT NULL DEFAULT 0,
		risk_score INTEGER NOT NULL,
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS yield_positions (
		owner         TEXT NOT NULL,
		pool_id       TEXT NOT NULL REFERENCES yield_pools (id),
		asset         TEXT NOT NULL,
		principal     NUMERIC(78, 18) NOT NULL DEFAULT 0,
		yield_accrued NUMERIC(78, 18) NOT NULL DEFAULT 0,
		last_accrual  TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (owner, pool_id)
	)`,
	`CREATE INDEX IF NOT EXISTS yield_positions_pool_idx ON yield_positions (pool_id)`,
	`CREATE TABLE IF NOT EXISTS vault_locks (
		id               BIGSERIAL PRIMARY KEY,
		owner            TEXT NOT NULL,
		asset            TEXT NOT NULL,
		amount           NUMERIC(78, 18) NOT NULL,
		reason           TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		unlock_time      TIMESTAMPTZ NOT NULL,
		interest_accrued NUMERIC(78, 18) NOT NULL DEFAULT 0,
		interest_unpaid  NUMERIC(78, 18) NOT NULL DEFAULT 0,
		released_via     TEXT NOT NULL DEFAULT '',
		released_at      TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS vault_locks_owner_idx ON vault_locks (owner, id)`,
	`CREATE TABLE IF NOT EXISTS vault_overrides (
		id          BIGSERIAL PRIMARY KEY,
		lock_id     BIGINT NOT NULL REFERENCES vault_locks (id),
		requester   TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		approvals   TEXT[] NOT NULL DEFAULT '{}',
		status      TEXT NOT NULL,
		deadline    TIMESTAMPTZ NOT NULL,
		executed_at TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS vault_overrides_lock_idx ON vault_overrides (lock_id, id)`,
}

// Statements returns the migration statements in execution order.
func Statements() []string {
	return append([]string(nil), statements...)
}

// Apply executes every statement in order, stopping at the first failure.
func Apply(ctx context.Context, db Execer) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
