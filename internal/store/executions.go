package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/opencron/condwatch/internal/models"
)

type executionRow struct {
	ID           string         `db:"id"`
	TaskID       string         `db:"task_id"`
	StartedAt    time.Time      `db:"started_at"`
	FinishedAt   sql.NullTime   `db:"finished_at"`
	Status       string         `db:"status"`
	ConditionMet bool           `db:"condition_met"`
	Answer       string         `db:"answer"`
	Reasoning    string         `db:"reasoning"`
	Sources      string         `db:"sources"`
	ErrorMessage sql.NullString `db:"error_message"`
	RetryCount   int            `db:"retry_count"`
	Notified     bool           `db:"notified"`
	WorkerID     string         `db:"worker_id"`
}

func (r executionRow) toModel() (models.Execution, error) {
	e := models.Execution{
		ID:           r.ID,
		TaskID:       r.TaskID,
		StartedAt:    r.StartedAt.UTC(),
		FinishedAt:   fromNullTime(r.FinishedAt),
		Status:       models.ExecutionStatus(r.Status),
		ConditionMet: r.ConditionMet,
		Answer:       r.Answer,
		Reasoning:    r.Reasoning,
		ErrorMessage: fromNullString(r.ErrorMessage),
		RetryCount:   r.RetryCount,
		Notified:     r.Notified,
		WorkerID:     r.WorkerID,
	}
	if r.Sources != "" {
		if err := json.Unmarshal([]byte(r.Sources), &e.Sources); err != nil {
			return models.Execution{}, fmt.Errorf("unmarshaling sources of execution %s: %w", r.ID, err)
		}
	}
	return e, nil
}

const executionColumns = `id, task_id, started_at, finished_at, status, condition_met, answer,
	reasoning, sources, error_message, retry_count, notified, worker_id`

// BeginExecution records that the task fired: it inserts a running
// execution and stamps tasks.last_fired_at in one transaction, so the fire
// decision survives a crash.
func (s *Store) BeginExecution(ctx context.Context, taskID string, firedAt time.Time, workerID string, retryCount int) (*models.Execution, error) {
	exec := &models.Execution{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		StartedAt:  firedAt.UTC(),
		Status:     models.ExecutionRunning,
		RetryCount: retryCount,
		WorkerID:   workerID,
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE tasks SET last_fired_at = ? WHERE id = ?",
			exec.StartedAt, taskID,
		)
		if err != nil {
			return fmt.Errorf("stamping last_fired_at: %w", err)
		}
		if err := expectOne(res, fmt.Sprintf("task %s", taskID)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO executions (id, task_id, started_at, status, sources, retry_count, worker_id)
			VALUES (?, ?, ?, ?, '[]', ?, ?)`,
			exec.ID, exec.TaskID, exec.StartedAt, string(exec.Status), exec.RetryCount, exec.WorkerID,
		)
		if err != nil {
			return fmt.Errorf("inserting execution: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// FailExecution closes a running execution with an error.
func (s *Store) FailExecution(ctx context.Context, id, message string, retryCount int, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = 'failed', error_message = ?, retry_count = ?, finished_at = ?
		WHERE id = ? AND status = 'running'`,
		message, retryCount, finishedAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failing execution %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("execution %s: %w", id, ErrExecutionClosed)
	}
	return nil
}

// CompleteExecutionParams carries everything written when an execution
// succeeds.
type CompleteExecutionParams struct {
	ExecutionID     string
	TaskID          string
	ExpectedVersion int64
	ConditionMet    bool
	Answer          string
	Reasoning       string
	Sources         []string
	FinishedAt      time.Time
	// Notify records last_notified_at and inserts Deliveries.
	Notify     bool
	Deactivate bool
	Deliveries []models.NotificationDelivery
}

// CompleteExecution marks the execution successful, overwrites the task's
// last known state under an optimistic version check, and when notifying
// stamps last_notified_at and enqueues the deliveries. All of it commits
// together or not at all.
func (s *Store) CompleteExecution(ctx context.Context, p CompleteExecutionParams) ([]models.NotificationDelivery, error) {
	sources := p.Sources
	if sources == nil {
		sources = []string{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("marshaling sources: %w", err)
	}
	stateJSON, err := json.Marshal(models.TaskState{
		Answer:       p.Answer,
		ConditionMet: p.ConditionMet,
		Sources:      sources,
		Timestamp:    p.FinishedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling task state: %w", err)
	}

	finished := p.FinishedAt.UTC()
	var deliveries []models.NotificationDelivery

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET status = 'success', condition_met = ?, answer = ?, reasoning = ?, sources = ?,
				notified = ?, finished_at = ?, error_message = NULL
			WHERE id = ? AND status = 'running'`,
			p.ConditionMet, p.Answer, p.Reasoning, string(sourcesJSON), p.Notify, finished, p.ExecutionID,
		)
		if err != nil {
			return fmt.Errorf("completing execution %s: %w", p.ExecutionID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("execution %s: %w", p.ExecutionID, ErrExecutionClosed)
		}

		query := "UPDATE tasks SET last_known_state = ?, version = version + 1, updated_at = ?"
		args := []any{string(stateJSON), finished}
		if p.Notify {
			query += ", last_notified_at = ?"
			args = append(args, finished)
		}
		if p.Deactivate {
			query += ", is_active = 0"
		}
		query += " WHERE id = ? AND version = ?"
		args = append(args, p.TaskID, p.ExpectedVersion)

		res, err = tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("updating task state %s: %w", p.TaskID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s at version %d: %w", p.TaskID, p.ExpectedVersion, ErrVersionConflict)
		}

		if !p.Notify {
			return nil
		}
		for _, d := range p.Deliveries {
			d.ID = uuid.NewString()
			d.ExecutionID = p.ExecutionID
			d.TaskID = p.TaskID
			d.Status = models.DeliveryPending
			d.Attempts = 0
			d.CreatedAt = finished
			d.UpdatedAt = finished
			if err := insertDelivery(ctx, tx, &d); err != nil {
				return err
			}
			deliveries = append(deliveries, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deliveries, nil
}

func (s *Store) GetExecutionByID(ctx context.Context, id string) (*models.Execution, error) {
	var row executionRow
	if err := s.db.GetContext(ctx, &row, "SELECT "+executionColumns+" FROM executions WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("getting execution %s: %w", id, notFound(err))
	}
	e, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetExecutions returns the task's history, newest first. A limit <= 0
// returns everything.
func (s *Store) GetExecutions(ctx context.Context, taskID string, limit int) ([]models.Execution, error) {
	query := "SELECT " + executionColumns + " FROM executions WHERE task_id = ? ORDER BY started_at DESC, rowid DESC"
	args := []any{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.selectExecutions(ctx, query, args...)
}

// GetRunningExecutions returns executions not yet closed, used for crash
// recovery.
func (s *Store) GetRunningExecutions(ctx context.Context) ([]models.Execution, error) {
	return s.selectExecutions(ctx, "SELECT "+executionColumns+" FROM executions WHERE status = 'running' ORDER BY started_at")
}

func (s *Store) selectExecutions(ctx context.Context, query string, args ...any) ([]models.Execution, error) {
	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	out := make([]models.Execution, 0, len(rows))
	for _, r := range rows {
		e, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
