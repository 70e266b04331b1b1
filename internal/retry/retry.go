// Package retry holds the backoff math shared by command-level and task-level retries.
package retry

import (
	"context"
	"time"
)

// Backoff doubles from Base on every attempt and never exceeds Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given retry attempt (1-based). Attempt 0 or less gets Base.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt <= 1 {
		return b.clamp(b.Base)
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	return b.clamp(d)
}

func (b Backoff) clamp(d time.Duration) time.Duration {
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Policy bundles the two retry levels.
type Policy struct {
	Command Backoff
	Task    Backoff
}

// DefaultPolicy mirrors the 1s, 2s, 4s... capped at 60s schedule for task retries
// and a shorter schedule for commands.
func DefaultPolicy() Policy {
	return Policy{
		Command: Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
		Task:    Backoff{Base: time.Second, Max: time.Minute},
	}
}

// Decision is the outcome of applying the task-level policy to a failure.
type Decision struct {
	Requeue    bool
	RetryCount int
	Delay      time.Duration
}

// OnTaskFailure decides whether a failed task goes back to the queue.
func (p Policy) OnTaskFailure(retryCount, maxRetries int) Decision {
	if retryCount >= maxRetries {
		return Decision{RetryCount: retryCount}
	}
	next := retryCount + 1
	return Decision{Requeue: true, RetryCount: next, Delay: p.Task.Delay(next)}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
