package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/EsupPortail/esup-runner/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxAuditDetailLen caps the persisted detail field. Restart-selected
// requests carry the full task_id list in detail, which an operator can
// make arbitrarily long; the audit row records the head of it, not an
// unbounded blob.
const maxAuditDetailLen = 4096

// AuditStore persists the Manager's admin audit trail to the
// manager_audit table.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore backed by the given pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log records one administrative action.
func (s *AuditStore) Log(ctx context.Context, adminUser, action, resource, detail, remoteIP string) error {
	if len(detail) > maxAuditDetailLen {
		detail = detail[:maxAuditDetailLen]
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO manager_audit (admin_user, action, resource, detail, remote_ip)
		 VALUES ($1, $2, $3, $4, $5)`,
		adminUser, action, resource, detail, remoteIP,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns recent audit entries, newest first. Ordering is by id
// rather than created_at: ids are assigned in insert order, so two
// actions landing in the same microsecond still list deterministically.
func (s *AuditStore) List(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, admin_user, action, resource, detail, remote_ip, created_at
		 FROM manager_audit ORDER BY id DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []domain.AuditEntry{}
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.AdminUser, &e.Action, &e.Resource, &e.Detail, &e.RemoteIP, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// DeleteOlderThan removes audit entries older than the given time.
// Returns the number of entries deleted. The day-bucket retention sweep
// does not call it, so audit rows are kept until a caller invokes it.
func (s *AuditStore) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM manager_audit WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete old audit entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
