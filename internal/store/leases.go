package store

import (
	"context"
	"fmt"
	"time"

	"github.com/opencron/condwatch/internal/models"
)

// Lease is a time-bounded exclusive claim on a task id.
type Lease struct {
	TaskID     string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

type leaseRow struct {
	TaskID     string `db:"task_id"`
	Holder     string `db:"holder"`
	AcquiredAt int64  `db:"acquired_at"`
	ExpiresAt  int64  `db:"expires_at"`
}

// AcquireLease claims the task for holder until now+ttl. It succeeds when
// no lease exists, the existing lease has expired, or holder already owns it
// (renewal). Holders must be unique per run.
func (s *Store) AcquireLease(ctx context.Context, taskID, holder string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_leases (task_id, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE task_leases.expires_at <= excluded.acquired_at OR task_leases.holder = excluded.holder`,
		taskID, holder, toMillis(now), toMillis(now.Add(ttl)),
	)
	if err != nil {
		return false, fmt.Errorf("acquiring lease on task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, taskID, holder string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM task_leases WHERE task_id = ? AND holder = ?", taskID, holder)
	if err != nil {
		return fmt.Errorf("releasing lease on task %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) GetLease(ctx context.Context, taskID string) (*Lease, error) {
	var row leaseRow
	err := s.db.GetContext(ctx, &row, "SELECT task_id, holder, acquired_at, expires_at FROM task_leases WHERE task_id = ?", taskID)
	if err != nil {
		return nil, fmt.Errorf("getting lease on task %s: %w", taskID, notFound(err))
	}
	return &Lease{
		TaskID:     row.TaskID,
		Holder:     row.Holder,
		AcquiredAt: time.UnixMilli(row.AcquiredAt).UTC(),
		ExpiresAt:  time.UnixMilli(row.ExpiresAt).UTC(),
	}, nil
}

// PurgeExpiredLeases removes leases that can no longer block anyone.
func (s *Store) PurgeExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM task_leases WHERE expires_at <= ?", toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("purging expired leases: %w", err)
	}
	return res.RowsAffected()
}

// IsOrphaned reports whether a running execution lost its lease, meaning
// its worker crashed or overran the TTL.
func (s *Store) IsOrphaned(ctx context.Context, exec *models.Execution, now time.Time) (bool, error) {
	lease, err := s.GetLease(ctx, exec.TaskID)
	if err != nil {
		if isNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return lease.Holder != exec.WorkerID || lease.Expired(now), nil
}
