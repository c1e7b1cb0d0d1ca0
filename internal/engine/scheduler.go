package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/opencron/condwatch/internal/metrics"
	"github.com/opencron/condwatch/internal/models"
	"github.com/opencron/condwatch/internal/store"
)

var (
	// ErrTaskBusy is returned by RunTaskNow when another run holds the task's lease.
	ErrTaskBusy = errors.New("task is already running")
	// ErrSchedulerStopped is returned by RunTaskNow once Stop was called.
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

const abandonedMessage = "abandoned: worker lost its lease before finishing"

// Runner executes one evaluation cycle. *Executor implements it.
type Runner interface {
	Run(ctx context.Context, task *models.Task, opts RunOptions) (*models.Execution, error)
}

type SchedulerConfig struct {
	TickInterval  time.Duration
	LeaseTTL      time.Duration
	WorkerID      string
	MaxConcurrent int
}

// Scheduler fires due tasks. Every fire decision is derived from persisted
// state (tasks.last_fired_at, execution rows and leases), so a restarted
// process neither drops nor doubles a due task.
type Scheduler struct {
	cron   *cron.Cron
	store  *store.Store
	runner Runner
	cfg    SchedulerConfig
	clock  clockwork.Clock
	logger *zap.Logger

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	tickMu sync.Mutex

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(c clockwork.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

func WithSchedulerLogger(l *zap.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

func NewScheduler(st *store.Store, runner Runner, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}

	s := &Scheduler{
		store:  st,
		runner: runner,
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	for _, o := range opts {
		o(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	cl := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s
}

// Start registers the tick and housekeeping jobs and runs a first tick,
// which also recovers executions abandoned by a previous process.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	if s.stopped {
		return ErrSchedulerStopped
	}

	if _, err := s.cron.AddFunc("@every "+s.cfg.TickInterval.String(), func() { s.Tick(s.ctx) }); err != nil {
		return fmt.Errorf("scheduling tick: %w", err)
	}
	if _, err := s.cron.AddFunc("@hourly", func() { s.PurgeExpiredLeases(s.ctx) }); err != nil {
		return fmt.Errorf("scheduling lease housekeeping: %w", err)
	}

	s.started = true
	s.cron.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Tick(s.ctx)
	}()

	s.logger.Info("scheduler started",
		zap.String("worker_id", s.cfg.WorkerID),
		zap.Duration("tick", s.cfg.TickInterval),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent),
	)
	return nil
}

// Stop stops firing new runs and waits for in-flight ones. When ctx ends
// first, in-flight evaluations are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.stopped = true
	s.mu.Unlock()

	if started {
		<-s.cron.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// Tick recovers abandoned executions and dispatches every active task whose
// next fire time has passed.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.clock.Now().UTC()

	redispatched, _, err := s.recoverAbandoned(ctx, now)
	if err != nil {
		s.logger.Error("recovering abandoned executions", zap.Error(err))
	}

	tasks, err := s.store.GetActiveTasks(ctx)
	if err != nil {
		s.logger.Error("loading active tasks", zap.Error(err))
		return
	}

	for i := range tasks {
		t := &tasks[i]
		if redispatched[t.ID] {
			continue
		}
		next, err := NextFire(t)
		if err != nil {
			metrics.SchedulerSkips.WithLabelValues("invalid_schedule").Inc()
			s.logger.Warn("skipping task with invalid schedule", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if now.Before(next) {
			continue
		}
		s.dispatch(ctx, t, RunOptions{Trigger: TriggerSchedule, FiredAt: now})
	}
}

// NextFire returns the first fire time of the task after its last recorded
// fire, or after its creation when it never fired.
func NextFire(t *models.Task) (time.Time, error) {
	sched, err := models.ParseSchedule(t.Schedule)
	if err != nil {
		return time.Time{}, err
	}
	base := t.CreatedAt
	if t.LastFiredAt != nil {
		base = *t.LastFiredAt
	}
	return sched.Next(base.UTC()), nil
}

func isDue(t *models.Task, now time.Time) bool {
	next, err := NextFire(t)
	return err == nil && !now.Before(next)
}

// dispatch runs the task in the background when a worker slot and the
// task's lease are both available. Otherwise the tick is skipped and the
// task stays due for the next one.
func (s *Scheduler) dispatch(ctx context.Context, t *models.Task, opts RunOptions) bool {
	logger := s.logger.With(zap.String("task_id", t.ID))

	if !s.sem.TryAcquire(1) {
		metrics.SchedulerSkips.WithLabelValues("at_capacity").Inc()
		logger.Debug("all workers busy, deferring task")
		return false
	}

	holder, ok, err := s.acquire(ctx, t.ID, opts.FiredAt)
	if err != nil || !ok {
		s.sem.Release(1)
		if err != nil {
			logger.Error("acquiring task lease", zap.Error(err))
		} else {
			metrics.SchedulerSkips.WithLabelValues("lease_held").Inc()
			logger.Debug("task still running, skipping tick")
		}
		return false
	}
	opts.WorkerID = holder

	if opts.Trigger == TriggerSchedule {
		// Re-read under the lease: a run that finished since the task list
		// was loaded has already moved last_fired_at.
		fresh, err := s.store.GetTaskByID(ctx, t.ID)
		if err != nil || !fresh.IsActive || !isDue(fresh, opts.FiredAt) {
			s.release(t.ID, holder)
			s.sem.Release(1)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				logger.Error("reloading task", zap.Error(err))
			}
			return false
		}
		t = fresh

		retries, err := s.carriedRetries(ctx, t.ID)
		if err != nil {
			s.release(t.ID, holder)
			s.sem.Release(1)
			logger.Error("loading last execution", zap.Error(err))
			return false
		}
		opts.RetryCount = retries
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer s.release(t.ID, holder)

		if _, err := s.runner.Run(s.ctx, t, opts); err != nil {
			logger.Error("task run failed", zap.Error(err))
		}
	}()
	return true
}

// carriedRetries returns the retry count a new run continues from: the
// count of the latest execution when it failed, zero otherwise.
func (s *Scheduler) carriedRetries(ctx context.Context, taskID string) (int, error) {
	last, err := s.store.GetExecutions(ctx, taskID, 1)
	if err != nil {
		return 0, err
	}
	if len(last) == 0 || last[0].Status != models.ExecutionFailed {
		return 0, nil
	}
	return last[0].RetryCount, nil
}

func (s *Scheduler) acquire(ctx context.Context, taskID string, now time.Time) (string, bool, error) {
	holder := s.cfg.WorkerID + "/" + uuid.NewString()
	ok, err := s.store.AcquireLease(ctx, taskID, holder, now, s.cfg.LeaseTTL)
	return holder, ok, err
}

func (s *Scheduler) release(taskID, holder string) {
	if err := s.store.ReleaseLease(context.Background(), taskID, holder); err != nil {
		s.logger.Error("releasing task lease", zap.String("task_id", taskID), zap.Error(err))
	}
}

// Recover closes running executions whose worker lost its lease and
// re-dispatches their tasks when still active. It returns how many
// executions were closed.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	_, closed, err := s.recoverAbandoned(ctx, s.clock.Now().UTC())
	return closed, err
}

// recoverAbandoned returns the ids of tasks whose abandoned executions it
// closed and the number of executions closed. Each task is re-dispatched
// at most once.
func (s *Scheduler) recoverAbandoned(ctx context.Context, now time.Time) (map[string]bool, int, error) {
	running, err := s.store.GetRunningExecutions(ctx)
	if err != nil {
		return nil, 0, err
	}

	recovered := make(map[string]bool)
	closed := 0
	for i := range running {
		exec := &running[i]
		orphaned, err := s.store.IsOrphaned(ctx, exec, now)
		if err != nil {
			return recovered, closed, err
		}
		if !orphaned {
			continue
		}

		retryCount := exec.RetryCount + 1
		if err := s.store.FailExecution(ctx, exec.ID, abandonedMessage, retryCount, now); err != nil {
			if errors.Is(err, store.ErrExecutionClosed) {
				continue
			}
			return recovered, closed, err
		}
		closed++
		metrics.RecoveredExecutions.Inc()
		s.logger.Warn("recovered abandoned execution",
			zap.String("task_id", exec.TaskID),
			zap.String("execution_id", exec.ID),
			zap.String("worker_id", exec.WorkerID),
		)

		if recovered[exec.TaskID] {
			continue
		}
		recovered[exec.TaskID] = true

		task, err := s.store.GetTaskByID(ctx, exec.TaskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return recovered, closed, err
		}
		if !task.IsActive {
			continue
		}
		s.dispatch(ctx, task, RunOptions{Trigger: TriggerRecovery, FiredAt: now, RetryCount: retryCount})
	}
	return recovered, closed, nil
}

// RunTaskNow runs the task immediately, outside its schedule, through the
// same lease as scheduled runs. Stop waits for it like for scheduled runs.
func (s *Scheduler) RunTaskNow(ctx context.Context, taskID string) (*models.Execution, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrSchedulerStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	task, err := s.store.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	holder, ok, err := s.acquire(ctx, taskID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrTaskBusy)
	}
	defer s.release(taskID, holder)

	retries, err := s.carriedRetries(ctx, taskID)
	if err != nil {
		return nil, err
	}

	// A Stop that runs out of time cancels manual runs too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.ctx, cancel)()

	return s.runner.Run(ctx, task, RunOptions{Trigger: TriggerManual, FiredAt: now, WorkerID: holder, RetryCount: retries})
}

// PurgeExpiredLeases drops leases nobody can hold any more.
func (s *Scheduler) PurgeExpiredLeases(ctx context.Context) {
	n, err := s.store.PurgeExpiredLeases(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("purging expired leases", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("purged expired leases", zap.Int64("count", n))
	}
}

// cronLogger routes robfig/cron's logging through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
