package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthChecker reports whether the audit database is usable: the pool
// must answer a ping and the manager_audit table must exist, so a
// reachable database that never had migrations applied still reads as
// unhealthy rather than failing on the first Log call.
type HealthChecker struct {
	pool *pgxpool.Pool
}

// NewHealthChecker creates an audit-database health checker backed by the given pool.
func NewHealthChecker(pool *pgxpool.Pool) *HealthChecker {
	return &HealthChecker{pool: pool}
}

// HealthCheck pings the pool and verifies the audit schema is in place.
func (h *HealthChecker) HealthCheck(ctx context.Context) error {
	if err := h.pool.Ping(ctx); err != nil {
		return fmt.Errorf("audit db ping: %w", err)
	}

	var table *string
	if err := h.pool.QueryRow(ctx, `SELECT to_regclass('manager_audit')::text`).Scan(&table); err != nil {
		return fmt.Errorf("audit db schema check: %w", err)
	}
	if table == nil {
		return errors.New("audit db: manager_audit table missing (migrations not applied)")
	}
	return nil
}
