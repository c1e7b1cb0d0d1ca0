package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opencron/condwatch/internal/models"
)

type taskRow struct {
	ID                   string         `db:"id"`
	OwnerID              string         `db:"owner_id"`
	Name                 string         `db:"name"`
	SearchQuery          string         `db:"search_query"`
	ConditionDescription string         `db:"condition_description"`
	Schedule             string         `db:"schedule"`
	NotifyBehavior       string         `db:"notify_behavior"`
	NotifyEmail          string         `db:"notify_email"`
	IsActive             bool           `db:"is_active"`
	LastKnownState       sql.NullString `db:"last_known_state"`
	LastNotifiedAt       sql.NullTime   `db:"last_notified_at"`
	LastFiredAt          sql.NullTime   `db:"last_fired_at"`
	Version              int64          `db:"version"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

func (r taskRow) toModel() (models.Task, error) {
	t := models.Task{
		ID:                   r.ID,
		OwnerID:              r.OwnerID,
		Name:                 r.Name,
		SearchQuery:          r.SearchQuery,
		ConditionDescription: r.ConditionDescription,
		Schedule:             r.Schedule,
		NotifyBehavior:       models.NotifyBehavior(r.NotifyBehavior),
		NotifyEmail:          r.NotifyEmail,
		IsActive:             r.IsActive,
		LastNotifiedAt:       fromNullTime(r.LastNotifiedAt),
		LastFiredAt:          fromNullTime(r.LastFiredAt),
		Version:              r.Version,
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
	}
	if r.LastKnownState.Valid && r.LastKnownState.String != "" {
		var state models.TaskState
		if err := json.Unmarshal([]byte(r.LastKnownState.String), &state); err != nil {
			return models.Task{}, fmt.Errorf("unmarshaling last_known_state of task %s: %w", r.ID, err)
		}
		t.LastKnownState = &state
	}
	return t, nil
}

const taskColumns = `id, owner_id, name, search_query, condition_description, schedule,
	notify_behavior, notify_email, is_active, last_known_state, last_notified_at,
	last_fired_at, version, created_at, updated_at`

// CreateTask validates and inserts a task definition. Invalid definitions
// never reach the scheduler.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Version = 0

	var state sql.NullString
	if task.LastKnownState != nil {
		data, err := json.Marshal(task.LastKnownState)
		if err != nil {
			return fmt.Errorf("marshaling last_known_state: %w", err)
		}
		state = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.OwnerID, task.Name, task.SearchQuery, task.ConditionDescription, task.Schedule,
		string(task.NotifyBehavior), task.NotifyEmail, task.IsActive, state, nullTime(task.LastNotifiedAt),
		nullTime(task.LastFiredAt), task.Version, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	return nil
}

func (s *Store) GetTaskByID(ctx context.Context, id string) (*models.Task, error) {
	var row taskRow
	if err := s.db.GetContext(ctx, &row, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("getting task %s: %w", id, notFound(err))
	}
	t, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetTasks(ctx context.Context) ([]models.Task, error) {
	return s.selectTasks(ctx, "SELECT "+taskColumns+" FROM tasks ORDER BY created_at")
}

// GetActiveTasks returns the tasks the scheduler may fire.
func (s *Store) GetActiveTasks(ctx context.Context) ([]models.Task, error) {
	return s.selectTasks(ctx, "SELECT "+taskColumns+" FROM tasks WHERE is_active = 1 ORDER BY created_at")
}

func (s *Store) selectTasks(ctx context.Context, query string, args ...any) ([]models.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	tasks := make([]models.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// SetTaskActive pauses or resumes a task. It does not bump the state
// version, so an in-flight execution can still record its result.
func (s *Store) SetTaskActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET is_active = ?, updated_at = ? WHERE id = ?",
		active, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}
	return expectOne(res, fmt.Sprintf("task %s", id))
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	return expectOne(res, fmt.Sprintf("task %s", id))
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
