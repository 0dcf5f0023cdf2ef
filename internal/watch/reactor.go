// Package watch implements the single-threaded reactor the router runs on:
// readiness-driven reads with flow-control suspension, AIO-backed write
// queues with one submission in flight per fd, and millisecond timers.
// Everything hangs off a single select() wait; handlers run to completion
// on the loop goroutine.
package watch

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	"github.com/linux-msm/diag/internal/mbuf"
)

type readWatch struct {
	fd   int
	flow *Flow
	cb   func(fd int) error
}

type writeWatch struct {
	fd      int
	queue   *mbuf.Queue
	pending *mbuf.Buf
}

// Reactor is the event loop a diag router process runs on. It is not safe
// for concurrent use: every call except Post, including Run, is expected
// to happen from the single goroutine that owns the router.
type Reactor struct {
	backend Backend

	reads  []*readWatch
	writes []*writeWatch
	timers []*Timer

	quitHooks []func()
	quit      bool

	postMu sync.Mutex
	posted []func()
}

// New constructs a reactor with the platform-appropriate Backend (kernel
// AIO on Linux, falling back to synchronous writes if unavailable).
func New() (*Reactor, error) {
	backend, err := newBackend()
	if err != nil {
		return nil, err
	}

	return &Reactor{backend: backend}, nil
}

// AddReadFD registers fd for readability notifications. cb is invoked with
// fd whenever it becomes readable; a non-nil return removes the watch.
// flow may be nil for sources that carry no flow control (e.g. the control
// socket listener).
func (r *Reactor) AddReadFD(fd int, flow *Flow, cb func(fd int) error) {
	r.reads = append(r.reads, &readWatch{fd: fd, flow: flow, cb: cb})
}

// RemoveReadFD unregisters fd. Idempotent: removing an fd that is not
// registered, or removing it twice, is a no-op.
func (r *Reactor) RemoveReadFD(fd int) {
	for i, w := range r.reads {
		if w.fd == fd {
			r.reads = append(r.reads[:i], r.reads[i+1:]...)
			return
		}
	}
}

// AddWriteQueue registers fd as the sink for an AIO-backed write queue.
// Buffers pushed onto q are drained one at a time, respecting one
// submission in flight per fd; each buffer's Flow token (if any) is
// decremented on completion via mbuf.Buf.Release.
func (r *Reactor) AddWriteQueue(fd int, q *mbuf.Queue) {
	r.writes = append(r.writes, &writeWatch{fd: fd, queue: q})
}

// RemoveWriteQueue unregisters fd's write queue. Idempotent. Any buffers
// still queued are purged, releasing their flow tokens.
func (r *Reactor) RemoveWriteQueue(fd int) {
	for i, w := range r.writes {
		if w.fd == fd {
			w.queue.Purge()
			if w.pending != nil {
				w.pending.Release()
			}

			r.writes = append(r.writes[:i], r.writes[i+1:]...)

			return
		}
	}
}

// AddTimer schedules cb to run after interval. If repeat is true it
// reschedules itself after every firing until cancelled.
func (r *Reactor) AddTimer(interval time.Duration, repeat bool, cb func()) *Timer {
	t := &Timer{
		cb:       cb,
		interval: interval,
		repeat:   repeat,
		deadline: time.Now().Add(interval),
	}

	r.timers = append(r.timers, t)

	return t
}

// AddQuitHook registers cb to run once, after the last iteration of Run,
// in registration order. Used for peripheral and client teardown.
func (r *Reactor) AddQuitHook(cb func()) {
	r.quitHooks = append(r.quitHooks, cb)
}

// Quit requests that Run return after completing its current iteration.
func (r *Reactor) Quit() {
	r.quit = true
}

// Post schedules fn to run on the reactor goroutine at the start of the
// next loop iteration. This is the only Reactor method safe to call from
// another goroutine; accept loops and hotplug monitors use it to hand
// their registrations back to the single-threaded loop. Latency is
// bounded by maxPollInterval.
func (r *Reactor) Post(fn func()) {
	r.postMu.Lock()
	r.posted = append(r.posted, fn)
	r.postMu.Unlock()
}

func (r *Reactor) runPosted() {
	r.postMu.Lock()
	fns := r.posted
	r.posted = nil
	r.postMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Run drives the event loop until Quit is called, ctx is cancelled, or an
// unrecoverable select error occurs.
func (r *Reactor) Run(ctx context.Context) error {
	defer r.backend.Close()

	for !r.quit {
		select {
		case <-ctx.Done():
			r.runQuitHooks()
			return ctx.Err()
		default:
		}

		r.runPosted()
		r.pumpWrites()

		var rfds unix.FdSet
		fdSet(&rfds, r.backend.EventFD())
		maxFD := r.backend.EventFD()

		for _, w := range r.reads {
			if w.flow.Blocked() {
				continue
			}

			fdSet(&rfds, w.fd)
			if w.fd > maxFD {
				maxFD = w.fd
			}
		}

		timeout := r.selectTimeout(time.Now())

		if _, err := unix.Select(maxFD+1, &rfds, nil, nil, timeout); err != nil {
			if err == unix.EINTR {
				continue
			}

			r.runQuitHooks()
			return err
		}

		r.fireTimers(time.Now())

		if fdIsSet(&rfds, r.backend.EventFD()) {
			r.backend.Drain(r.completeWrite)
		}

		// Callbacks may add or remove watches (a peripheral closing
		// itself mid-read), so walk a snapshot and skip entries that
		// are no longer registered by the time their turn comes.
		snapshot := slices.Clone(r.reads)
		for _, w := range snapshot {
			if !fdIsSet(&rfds, w.fd) || !slices.Contains(r.reads, w) {
				continue
			}

			if err := w.cb(w.fd); err != nil {
				log.Debug("read watch removed itself", "fd", w.fd, "err", err)
				r.RemoveReadFD(w.fd)
			}
		}
	}

	r.runQuitHooks()

	return nil
}

func (r *Reactor) runQuitHooks() {
	for _, hook := range r.quitHooks {
		hook()
	}
}

func (r *Reactor) pumpWrites() {
	for _, w := range r.writes {
		if w.pending != nil || w.queue.Empty() {
			continue
		}

		buf := w.queue.Pop()
		w.pending = buf

		if err := r.backend.Submit(w.fd, buf.Bytes()); err != nil {
			log.Error("write submission failed", "fd", w.fd, "err", err)
			buf.Release()
			w.pending = nil
		}
	}
}

func (r *Reactor) completeWrite(fd int, n int, err error) {
	for _, w := range r.writes {
		if w.fd != fd || w.pending == nil {
			continue
		}

		switch {
		case err != nil:
			log.Error("write failed", "fd", fd, "err", err)
		case n != w.pending.Len():
			log.Warn("short write", "fd", fd, "want", w.pending.Len(), "got", n)
		}

		w.pending.Release()
		w.pending = nil

		return
	}
}

func (r *Reactor) fireTimers(now time.Time) {
	var due []*Timer

	for _, t := range r.timers {
		if !t.cancel && !now.Before(t.deadline) {
			due = append(due, t)
		}
	}

	// Expired timers fire in deadline order, not registration order.
	slices.SortStableFunc(due, func(a, b *Timer) int {
		return a.deadline.Compare(b.deadline)
	})

	for _, t := range due {
		if t.cancel {
			continue
		}

		t.cb()

		if t.repeat && !t.cancel {
			t.reschedule(now)
		} else {
			t.cancel = true
		}
	}

	// Compact from the current list, not a pre-callback snapshot:
	// callbacks may have added timers of their own.
	live := make([]*Timer, 0, len(r.timers))
	for _, t := range r.timers {
		if !t.cancel {
			live = append(live, t)
		}
	}

	r.timers = live
}

// maxPollInterval bounds how long Run can sit inside select with nothing
// scheduled, so that Quit and context cancellation are noticed promptly
// even though neither wakes a blocked select directly.
const maxPollInterval = 200 * time.Millisecond

func (r *Reactor) selectTimeout(now time.Time) *unix.Timeval {
	d := maxPollInterval

	for _, t := range r.timers {
		if t.cancel {
			continue
		}

		if rem := t.deadline.Sub(now); rem < d {
			d = rem
		}
	}

	if d < 0 {
		d = 0
	}

	tv := unix.NsecToTimeval(d.Nanoseconds())

	return &tv
}
