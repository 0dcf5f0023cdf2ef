package watch

import "time"

// Timer is a handle to a scheduled callback, returned by Reactor.AddTimer.
// Cancel removes it before it fires; firing an already-cancelled timer is a
// no-op.
type Timer struct {
	cb       func()
	interval time.Duration
	repeat   bool
	deadline time.Time
	cancel   bool
}

// Cancel prevents the timer from firing again. Safe to call from within the
// timer's own callback.
func (t *Timer) Cancel() {
	t.cancel = true
}

func (t *Timer) reschedule(now time.Time) {
	t.deadline = now.Add(t.interval)
}
