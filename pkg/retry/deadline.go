package retry

import "time"

// Deadline is an immutable time budget. All queries are relative to the
// monotonic clock reading taken at creation.
type Deadline struct {
	startedAt time.Time
	expiresAt time.Time
	now       func() time.Time
}

// NewDeadline starts a budget of timeout from now. Negative timeouts are
// treated as zero, which is expired immediately.
func NewDeadline(timeout time.Duration) *Deadline {
	return newDeadline(timeout, time.Now)
}

func newDeadline(timeout time.Duration, now func() time.Time) *Deadline {
	if timeout < 0 {
		timeout = 0
	}
	start := now()
	return &Deadline{startedAt: start, expiresAt: start.Add(timeout), now: now}
}

// StartedAt returns when the budget began.
func (d *Deadline) StartedAt() time.Time { return d.startedAt }

// ExpiresAt returns the instant the budget runs out.
func (d *Deadline) ExpiresAt() time.Time { return d.expiresAt }

// Elapsed returns time spent since the budget began.
func (d *Deadline) Elapsed() time.Duration {
	return d.now().Sub(d.startedAt)
}

// Remaining returns the budget left, never negative.
func (d *Deadline) Remaining() time.Duration {
	left := d.expiresAt.Sub(d.now())
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether the budget is used up.
func (d *Deadline) Expired() bool {
	return !d.now().Before(d.expiresAt)
}

// Timeout caps want to the remaining budget. A nil deadline leaves want
// untouched.
func (d *Deadline) Timeout(want time.Duration) time.Duration {
	if d == nil {
		return want
	}
	if left := d.Remaining(); want <= 0 || left < want {
		return left
	}
	return want
}
