package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencron/condwatch/internal/evaluator"
	"github.com/opencron/condwatch/internal/models"
	"github.com/opencron/condwatch/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func seedTask(t *testing.T, s *store.Store, behavior models.NotifyBehavior, mutate ...func(*models.Task)) *models.Task {
	t.Helper()

	task := &models.Task{
		OwnerID:              "owner-1",
		Name:                 "launch watch",
		SearchQuery:          "iphone 17 launch date",
		ConditionDescription: "apple announced a launch date",
		Schedule:             "* * * * *",
		NotifyBehavior:       behavior,
		IsActive:             true,
	}
	for _, m := range mutate {
		m(task)
	}
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}

func reload(t *testing.T, s *store.Store, id string) *models.Task {
	t.Helper()
	task, err := s.GetTaskByID(context.Background(), id)
	require.NoError(t, err)
	return task
}

type step struct {
	verdict *evaluator.Verdict
	err     error
}

// scriptedEvaluator replays verdicts in order, then repeats the last one.
type scriptedEvaluator struct {
	mu    sync.Mutex
	steps []step
	calls int
	block chan struct{}
}

func (e *scriptedEvaluator) Evaluate(ctx context.Context, _, _ string) (*evaluator.Verdict, error) {
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.calls
	if i >= len(e.steps) {
		i = len(e.steps) - 1
	}
	e.calls++
	st := e.steps[i]
	if st.err != nil {
		return nil, st.err
	}
	v := *st.verdict
	return &v, nil
}

func (e *scriptedEvaluator) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func met(answer string) step {
	return step{verdict: &evaluator.Verdict{ConditionMet: true, Answer: answer, Reasoning: "r", Sources: []string{"https://src.example"}}}
}

func notMet(answer string) step {
	return step{verdict: &evaluator.Verdict{ConditionMet: false, Answer: answer, Reasoning: "r"}}
}

type countingNotifier struct {
	mu    sync.Mutex
	wakes int
}

func (n *countingNotifier) Wake() {
	n.mu.Lock()
	n.wakes++
	n.mu.Unlock()
}

func (n *countingNotifier) Wakes() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.wakes
}

var baseTime = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
