package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencron/condwatch/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func seedTask(t *testing.T, s *Store, behavior models.NotifyBehavior) *models.Task {
	t.Helper()

	task := &models.Task{
		OwnerID:              "owner-1",
		Name:                 "launch watch",
		SearchQuery:          "product launch date",
		ConditionDescription: "a launch date has been announced",
		Schedule:             "*/5 * * * *",
		NotifyBehavior:       behavior,
		IsActive:             true,
	}
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}

func TestStoreMigratesFileDatabaseOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := New(path)
	require.NoError(t, err)
	seedTask(t, s, models.NotifyAlways)
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	tasks, err := s.GetTasks(context.Background())
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestCreateTaskRejectsInvalidDefinition(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateTask(context.Background(), &models.Task{
		OwnerID:              "o",
		SearchQuery:          "q",
		ConditionDescription: "c",
		Schedule:             "* * * * *",
		NotifyBehavior:       "sometimes",
	})
	require.Error(t, err)

	tasks, err := s.GetTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestActiveTasksAndPause(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := seedTask(t, s, models.NotifyOnce)
	seedTask(t, s, models.NotifyAlways)

	require.NoError(t, s.SetTaskActive(ctx, a.ID, false))

	active, err := s.GetActiveTasks(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.NotEqual(t, a.ID, active[0].ID)

	assert.ErrorIs(t, s.SetTaskActive(ctx, "missing", true), ErrNotFound)
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTaskByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBeginExecutionStampsLastFired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := seedTask(t, s, models.NotifyAlways)
	firedAt := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	exec, err := s.BeginExecution(ctx, task.ID, firedAt, "worker-a", 0)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, exec.Status)

	stored, err := s.GetTaskByID(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastFiredAt)
	assert.True(t, firedAt.Equal(*stored.LastFiredAt))

	running, err := s.GetRunningExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, exec.ID, running[0].ID)

	_, err = s.BeginExecution(ctx, "missing", firedAt, "worker-a", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteExecutionWritesStateAndDeliveries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := seedTask(t, s, models.NotifyOnce)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	exec, err := s.BeginExecution(ctx, task.ID, now, "worker-a", 0)
	require.NoError(t, err)

	deliveries, err := s.CompleteExecution(ctx, CompleteExecutionParams{
		ExecutionID:     exec.ID,
		TaskID:          task.ID,
		ExpectedVersion: task.Version,
		ConditionMet:    true,
		Answer:          "June 15 confirmed",
		Reasoning:       "press release",
		Sources:         []string{"https://example.com/a"},
		FinishedAt:      now.Add(time.Second),
		Notify:          true,
		Deactivate:      true,
		Deliveries:      []models.NotificationDelivery{{Channel: models.ChannelWebhook}},
	})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.DeliveryPending, deliveries[0].Status)

	stored, err := s.GetTaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Equal(t, int64(1), stored.Version)
	require.NotNil(t, stored.LastKnownState)
	assert.Equal(t, "June 15 confirmed", stored.LastKnownState.Answer)
	assert.True(t, stored.LastKnownState.ConditionMet)
	assert.Equal(t, []string{"https://example.com/a"}, stored.LastKnownState.Sources)
	require.NotNil(t, stored.LastNotifiedAt)

	gotExec, err := s.GetExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, gotExec.Status)
	assert.True(t, gotExec.Notified)
	assert.NotNil(t, gotExec.FinishedAt)

	stored2, err := s.GetDeliveries(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, stored2, 1)
}

func TestCompleteExecutionVersionConflictRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := seedTask(t, s, models.NotifyAlways)
	now := time.Now().UTC()

	exec, err := s.BeginExecution(ctx, task.ID, now, "worker-a", 0)
	require.NoError(t, err)

	_, err = s.CompleteExecution(ctx, CompleteExecutionParams{
		ExecutionID:     exec.ID,
		TaskID:          task.ID,
		ExpectedVersion: task.Version + 7,
		Answer:          "stale",
		FinishedAt:      now,
		Notify:          true,
		Deliveries:      []models.NotificationDelivery{{Channel: models.ChannelWebhook}},
	})
	require.ErrorIs(t, err, ErrVersionConflict)

	gotExec, err := s.GetExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, gotExec.Status)

	deliveries, err := s.GetDeliveries(ctx, exec.ID)
	require.NoError(t, err)
	assert.Empty(t, deliveries)

	stored, err := s.GetTaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastKnownState)
}

func TestFailExecutionOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := seedTask(t, s, models.NotifyAlways)

	exec, err := s.BeginExecution(ctx, task.ID, time.Now(), "w", 0)
	require.NoError(t, err)

	require.NoError(t, s.FailExecution(ctx, exec.ID, "provider timeout", 1, time.Now()))
	assert.ErrorIs(t, s.FailExecution(ctx, exec.ID, "again", 2, time.Now()), ErrExecutionClosed)

	got, err := s.GetExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "provider timeout", *got.ErrorMessage)
}

func TestGetExecutionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := seedTask(t, s, models.NotifyAlways)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := s.BeginExecution(ctx, task.ID, base.Add(time.Duration(i)*time.Minute), "w", 0)
		require.NoError(t, err)
	}

	all, err := s.GetExecutions(ctx, task.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].StartedAt.After(all[2].StartedAt))

	limited, err := s.GetExecutions(ctx, task.ID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestLeaseExclusionAndExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	ok, err := s.AcquireLease(ctx, "task-1", "a", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "task-1", "b", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live lease must block another holder")

	ok, err = s.AcquireLease(ctx, "task-1", "a", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder may renew")

	ok, err = s.AcquireLease(ctx, "task-1", "b", now.Add(3*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be reclaimed")

	lease, err := s.GetLease(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "b", lease.Holder)

	require.NoError(t, s.ReleaseLease(ctx, "task-1", "a"))
	_, err = s.GetLease(ctx, "task-1")
	require.NoError(t, err, "release by a stale holder is a no-op")

	require.NoError(t, s.ReleaseLease(ctx, "task-1", "b"))
	_, err = s.GetLease(ctx, "task-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeExpiredLeases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.AcquireLease(ctx, "old", "a", now.Add(-time.Hour), time.Minute)
	require.NoError(t, err)
	_, err = s.AcquireLease(ctx, "live", "a", now, time.Hour)
	require.NoError(t, err)

	n, err := s.PurgeExpiredLeases(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIsOrphaned(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := seedTask(t, s, models.NotifyAlways)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.AcquireLease(ctx, task.ID, "run-1", now, time.Minute)
	require.NoError(t, err)
	exec, err := s.BeginExecution(ctx, task.ID, now, "run-1", 0)
	require.NoError(t, err)

	orphan, err := s.IsOrphaned(ctx, exec, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, orphan)

	orphan, err = s.IsOrphaned(ctx, exec, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, orphan)

	require.NoError(t, s.ReleaseLease(ctx, task.ID, "run-1"))
	orphan, err = s.IsOrphaned(ctx, exec, now)
	require.NoError(t, err)
	assert.True(t, orphan)
}

func TestClaimDueDeliveries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := seedTask(t, s, models.NotifyAlways)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	exec, err := s.BeginExecution(ctx, task.ID, now, "w", 0)
	require.NoError(t, err)
	_, err = s.CompleteExecution(ctx, CompleteExecutionParams{
		ExecutionID: exec.ID, TaskID: task.ID, ExpectedVersion: 0, ConditionMet: true,
		Answer: "x", FinishedAt: now, Notify: true,
		Deliveries: []models.NotificationDelivery{
			{Channel: models.ChannelWebhook},
			{Channel: models.ChannelEmail, Target: "me@example.com"},
		},
	})
	require.NoError(t, err)

	claimed, err := s.ClaimDueDeliveries(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	again, err := s.ClaimDueDeliveries(ctx, now.Add(10*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed deliveries stay locked")

	d := claimed[0]
	next := now.Add(5 * time.Minute)
	code := 500
	msg := "HTTP 500"
	d.Status = models.DeliveryRetrying
	d.Attempts = 1
	d.NextRetryAt = &next
	d.HTTPStatusCode = &code
	d.ErrorMessage = &msg
	require.NoError(t, s.UpdateDelivery(ctx, &d))

	due, err := s.ClaimDueDeliveries(ctx, now.Add(30*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, due, "retry not yet due and the other claim is still locked")

	due, err = s.ClaimDueDeliveries(ctx, next, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 2, "retry is due and the stale claim expired")

	got, err := s.GetDeliveryByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.HTTPStatusCode)
	assert.Equal(t, 500, *got.HTTPStatusCode)
}

func TestWebhookConfigResolutionAndRotation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	owner := &models.WebhookConfig{OwnerID: "owner-1", URL: "https://hooks.example.com/owner", Secret: "one", Enabled: true}
	require.NoError(t, s.UpsertWebhookConfig(ctx, owner))
	assert.Equal(t, 1, owner.SecretVersion)

	cfg, err := s.GetWebhookConfig(ctx, "task-1", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/owner", cfg.URL)

	perTask := &models.WebhookConfig{OwnerID: "owner-1", TaskID: "task-1", URL: "https://hooks.example.com/task", Secret: "t", Enabled: true}
	require.NoError(t, s.UpsertWebhookConfig(ctx, perTask))

	cfg, err = s.GetWebhookConfig(ctx, "task-1", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/task", cfg.URL)

	rotated := &models.WebhookConfig{OwnerID: "owner-1", URL: "https://hooks.example.com/owner", Secret: "two", Enabled: true}
	require.NoError(t, s.UpsertWebhookConfig(ctx, rotated))
	assert.Equal(t, 2, rotated.SecretVersion)
	assert.Equal(t, owner.ID, rotated.ID)

	require.NoError(t, s.MarkWebhookConfigInvalid(ctx, rotated.ID, "secret missing"))
	cfg, err = s.GetWebhookConfig(ctx, "", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "secret missing", cfg.InvalidReason)

	_, err = s.GetWebhookConfig(ctx, "task-1", "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
