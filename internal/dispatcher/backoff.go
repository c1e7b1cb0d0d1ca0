package dispatcher

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetrySteps are the delays after the first, second and third failed
// attempt. A fourth failure is terminal.
var RetrySteps = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// StepBackOff hands out fixed delays in order, then backoff.Stop.
type StepBackOff struct {
	steps []time.Duration
	next  int
}

var _ backoff.BackOff = (*StepBackOff)(nil)

func NewRetryBackoff() *StepBackOff {
	return &StepBackOff{steps: RetrySteps}
}

func (b *StepBackOff) NextBackOff() time.Duration {
	if b.next >= len(b.steps) {
		return backoff.Stop
	}
	d := b.steps[b.next]
	b.next++
	return d
}

func (b *StepBackOff) Reset() {
	b.next = 0
}

// RetryAt returns when the next attempt is due after the given number of
// failed attempts, measured from now. ok is false when the retry budget is
// spent.
func RetryAt(b backoff.BackOff, now time.Time, attempts int) (at time.Time, ok bool) {
	b.Reset()
	var delay time.Duration
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
		if delay == backoff.Stop {
			return time.Time{}, false
		}
	}
	return now.Add(delay), true
}
