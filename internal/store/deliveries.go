package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opencron/condwatch/internal/models"
)

type deliveryRow struct {
	ID                 string         `db:"id"`
	ExecutionID        string         `db:"execution_id"`
	TaskID             string         `db:"task_id"`
	Channel            string         `db:"channel"`
	Target             string         `db:"target"`
	Status             string         `db:"status"`
	Attempts           int            `db:"attempts"`
	NextRetryAt        sql.NullInt64  `db:"next_retry_at"`
	HTTPStatusCode     sql.NullInt64  `db:"http_status_code"`
	ErrorMessage       sql.NullString `db:"error_message"`
	SignatureTimestamp sql.NullInt64  `db:"signature_timestamp"`
	SecretVersion      sql.NullInt64  `db:"secret_version"`
	LockedUntil        sql.NullInt64  `db:"locked_until"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r deliveryRow) toModel() models.NotificationDelivery {
	d := models.NotificationDelivery{
		ID:           r.ID,
		ExecutionID:  r.ExecutionID,
		TaskID:       r.TaskID,
		Channel:      models.Channel(r.Channel),
		Target:       r.Target,
		Status:       models.DeliveryStatus(r.Status),
		Attempts:     r.Attempts,
		NextRetryAt:  fromNullMillis(r.NextRetryAt),
		ErrorMessage: fromNullString(r.ErrorMessage),
		LockedUntil:  fromNullMillis(r.LockedUntil),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if r.HTTPStatusCode.Valid {
		code := int(r.HTTPStatusCode.Int64)
		d.HTTPStatusCode = &code
	}
	if r.SignatureTimestamp.Valid {
		ts := r.SignatureTimestamp.Int64
		d.SignatureTimestamp = &ts
	}
	if r.SecretVersion.Valid {
		v := int(r.SecretVersion.Int64)
		d.SecretVersion = &v
	}
	return d
}

const deliveryColumns = `id, execution_id, task_id, channel, target, status, attempts, next_retry_at,
	http_status_code, error_message, signature_timestamp, secret_version, locked_until,
	created_at, updated_at`

func insertDelivery(ctx context.Context, tx *sqlx.Tx, d *models.NotificationDelivery) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO notification_deliveries (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ExecutionID, d.TaskID, string(d.Channel), d.Target, string(d.Status), d.Attempts,
		nullMillis(d.NextRetryAt), nullInt(d.HTTPStatusCode), nullString(d.ErrorMessage),
		nullInt64(d.SignatureTimestamp), nullInt(d.SecretVersion), nullMillis(d.LockedUntil),
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting delivery for execution %s: %w", d.ExecutionID, err)
	}
	return nil
}

// ClaimDueDeliveries locks up to limit deliveries that are waiting for an
// attempt. A claim expires after lockFor so a crashed worker does not keep
// the delivery forever.
func (s *Store) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int, lockFor time.Duration) ([]models.NotificationDelivery, error) {
	nowMs := toMillis(now)
	lockedUntil := toMillis(now.Add(lockFor))
	var claimed []models.NotificationDelivery

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var rows []deliveryRow
		err := tx.SelectContext(ctx, &rows, `
			SELECT `+deliveryColumns+` FROM notification_deliveries
			WHERE status IN ('pending', 'retrying')
				AND (next_retry_at IS NULL OR next_retry_at <= ?)
				AND (locked_until IS NULL OR locked_until <= ?)
			ORDER BY created_at
			LIMIT ?`,
			nowMs, nowMs, limit,
		)
		if err != nil {
			return fmt.Errorf("selecting due deliveries: %w", err)
		}
		for _, r := range rows {
			res, err := tx.ExecContext(ctx, `
				UPDATE notification_deliveries SET locked_until = ?
				WHERE id = ? AND (locked_until IS NULL OR locked_until <= ?)`,
				lockedUntil, r.ID, nowMs,
			)
			if err != nil {
				return fmt.Errorf("claiming delivery %s: %w", r.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			r.LockedUntil = sql.NullInt64{Int64: lockedUntil, Valid: true}
			claimed = append(claimed, r.toModel())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateDelivery writes the dispatcher's bookkeeping and releases the claim.
func (s *Store) UpdateDelivery(ctx context.Context, d *models.NotificationDelivery) error {
	d.UpdatedAt = time.Now().UTC()
	d.LockedUntil = nil
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_deliveries
		SET target = ?, status = ?, attempts = ?, next_retry_at = ?, http_status_code = ?,
			error_message = ?, signature_timestamp = ?, secret_version = ?, locked_until = NULL,
			updated_at = ?
		WHERE id = ?`,
		d.Target, string(d.Status), d.Attempts, nullMillis(d.NextRetryAt), nullInt(d.HTTPStatusCode),
		nullString(d.ErrorMessage), nullInt64(d.SignatureTimestamp), nullInt(d.SecretVersion),
		d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating delivery %s: %w", d.ID, err)
	}
	return expectOne(res, fmt.Sprintf("delivery %s", d.ID))
}

func (s *Store) GetDeliveryByID(ctx context.Context, id string) (*models.NotificationDelivery, error) {
	var row deliveryRow
	if err := s.db.GetContext(ctx, &row, "SELECT "+deliveryColumns+" FROM notification_deliveries WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("getting delivery %s: %w", id, notFound(err))
	}
	d := row.toModel()
	return &d, nil
}

func (s *Store) GetDeliveries(ctx context.Context, executionID string) ([]models.NotificationDelivery, error) {
	var rows []deliveryRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+deliveryColumns+" FROM notification_deliveries WHERE execution_id = ? ORDER BY created_at, channel",
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	out := make([]models.NotificationDelivery, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
