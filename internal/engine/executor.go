package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/opencron/condwatch/internal/evaluator"
	"github.com/opencron/condwatch/internal/failure"
	"github.com/opencron/condwatch/internal/metrics"
	"github.com/opencron/condwatch/internal/models"
	"github.com/opencron/condwatch/internal/store"
)

// ConditionEvaluator judges a task's condition against live search results.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, query, condition string) (*evaluator.Verdict, error)
}

// Notifier is woken when new deliveries are queued.
type Notifier interface {
	Wake()
}

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerRecovery Trigger = "recovery"
)

type RunOptions struct {
	Trigger Trigger
	// FiredAt is recorded as the execution start and the task's last fire
	// time. Zero means now.
	FiredAt time.Time
	// WorkerID is the lease holder running the execution.
	WorkerID string
	// RetryCount carries consecutive retryable failures into this run.
	RetryCount int
}

// Executor runs one evaluation cycle for one task.
type Executor struct {
	store     *store.Store
	evaluator ConditionEvaluator
	notifier  Notifier
	clock     clockwork.Clock
	logger    *zap.Logger
}

type ExecutorOption func(*Executor)

func WithNotifier(n Notifier) ExecutorOption {
	return func(e *Executor) { e.notifier = n }
}

func WithExecutorClock(c clockwork.Clock) ExecutorOption {
	return func(e *Executor) { e.clock = c }
}

func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

func NewExecutor(s *store.Store, ev ConditionEvaluator, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:     s,
		evaluator: ev,
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run records an execution, evaluates the condition, applies the notify
// policy and persists the outcome. Evaluation failures close the execution
// as failed and are not returned; the error result is reserved for store
// failures.
func (e *Executor) Run(ctx context.Context, task *models.Task, opts RunOptions) (*models.Execution, error) {
	if opts.Trigger == "" {
		opts.Trigger = TriggerSchedule
	}
	firedAt := opts.FiredAt
	if firedAt.IsZero() {
		firedAt = e.clock.Now()
	}
	logger := e.logger.With(
		zap.String("task_id", task.ID),
		zap.String("task", task.Name),
		zap.String("trigger", string(opts.Trigger)),
	)

	exec, err := e.store.BeginExecution(ctx, task.ID, firedAt, opts.WorkerID, opts.RetryCount)
	if err != nil {
		return nil, fmt.Errorf("starting execution of task %s: %w", task.ID, err)
	}
	logger = logger.With(zap.String("execution_id", exec.ID))
	logger.Info("execution started", zap.Int("retry_count", opts.RetryCount))

	// The outcome must be recorded even when the caller is shutting down.
	persistCtx := context.WithoutCancel(ctx)

	started := e.clock.Now()
	verdict, err := e.evaluator.Evaluate(ctx, task.SearchQuery, task.ConditionDescription)
	metrics.EvaluationDuration.Observe(e.clock.Since(started).Seconds())
	if err != nil {
		retryCount := opts.RetryCount
		if failure.IsRetryable(err) {
			retryCount++
		}
		logger.Warn("evaluation failed",
			zap.Error(err),
			zap.Stringer("class", failure.Classify(err)),
			zap.Int("retry_count", retryCount),
		)
		return e.fail(persistCtx, exec.ID, err.Error(), retryCount, opts.Trigger)
	}

	decision := Decide(task.NotifyBehavior, verdict.ConditionMet, verdict.Answer, task.LastKnownState)
	params := store.CompleteExecutionParams{
		ExecutionID:     exec.ID,
		TaskID:          task.ID,
		ExpectedVersion: task.Version,
		ConditionMet:    verdict.ConditionMet,
		Answer:          verdict.Answer,
		Reasoning:       verdict.Reasoning,
		Sources:         verdict.Sources,
		FinishedAt:      e.clock.Now(),
		Notify:          decision.Notify,
		Deactivate:      decision.Deactivate,
	}
	if decision.Notify {
		params.Deliveries = deliveriesFor(task)
	}

	deliveries, err := e.store.CompleteExecution(persistCtx, params)
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		// Another worker recorded a newer observation; ours is stale.
		logger.Warn("task state changed during execution, discarding result", zap.Error(err))
		return e.fail(persistCtx, exec.ID, err.Error(), opts.RetryCount, opts.Trigger)
	case errors.Is(err, store.ErrExecutionClosed):
		logger.Warn("execution was closed by recovery before it finished", zap.Error(err))
		return nil, err
	case err != nil:
		logger.Error("recording execution result failed", zap.Error(err))
		if _, ferr := e.fail(persistCtx, exec.ID, err.Error(), opts.RetryCount, opts.Trigger); ferr != nil {
			logger.Error("failing execution", zap.Error(ferr))
		}
		return nil, fmt.Errorf("completing execution %s: %w", exec.ID, err)
	}

	metrics.Executions.WithLabelValues(string(models.ExecutionSuccess), string(opts.Trigger)).Inc()
	logger.Info("execution finished",
		zap.Bool("condition_met", verdict.ConditionMet),
		zap.Bool("notify", decision.Notify),
		zap.Bool("deactivated", decision.Deactivate),
		zap.String("reason", decision.Reason),
	)

	if decision.Notify {
		metrics.Notifications.WithLabelValues(string(task.NotifyBehavior)).Inc()
		if len(deliveries) > 0 && e.notifier != nil {
			e.notifier.Wake()
		}
	}

	return e.store.GetExecutionByID(persistCtx, exec.ID)
}

func (e *Executor) fail(ctx context.Context, id, message string, retryCount int, trigger Trigger) (*models.Execution, error) {
	if err := e.store.FailExecution(ctx, id, message, retryCount, e.clock.Now()); err != nil {
		return nil, fmt.Errorf("failing execution %s: %w", id, err)
	}
	metrics.Executions.WithLabelValues(string(models.ExecutionFailed), string(trigger)).Inc()
	return e.store.GetExecutionByID(ctx, id)
}

// deliveriesFor lists the notification channels of a task. The webhook
// target is resolved by the dispatcher at send time so config changes
// apply to queued deliveries.
func deliveriesFor(task *models.Task) []models.NotificationDelivery {
	out := []models.NotificationDelivery{{Channel: models.ChannelWebhook}}
	if task.NotifyEmail != "" {
		out = append(out, models.NotificationDelivery{Channel: models.ChannelEmail, Target: task.NotifyEmail})
	}
	return out
}
