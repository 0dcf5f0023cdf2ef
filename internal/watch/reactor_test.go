package watch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/linux-msm/diag/internal/mbuf"
)

// newTestReactor builds a reactor around the portable synchronous backend,
// independent of the host's kernel AIO support, so these tests exercise
// the reactor's bookkeeping rather than the Linux AIO plumbing.
func newTestReactor(t *testing.T) *Reactor {
	t.Helper()

	b, err := newSyncBackend()
	require.NoError(t, err)

	r := &Reactor{backend: b}
	t.Cleanup(func() { _ = b.Close() })

	return r
}

func TestFlowWatermark(t *testing.T) {
	f := NewFlow()
	assert.False(t, f.Blocked())

	for i := 0; i < Watermark+1; i++ {
		f.Inc()
	}

	assert.True(t, f.Blocked())

	f.Dec()
	assert.False(t, f.Blocked())
}

func TestFlowNilIsUnblocked(t *testing.T) {
	var f *Flow
	assert.False(t, f.Blocked())
	f.Inc() // must not panic
	f.Dec() // must not panic
}

func TestWriteQueueDrainsOnCompletion(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); w.Close() })

	flow := NewFlow()
	flow.Inc()
	flow.Inc()

	var q mbuf.Queue
	b1 := mbuf.New([]byte("first"))
	b1.Flow = flow
	b2 := mbuf.New([]byte("second"))
	b2.Flow = flow
	q.Push(b1)
	q.Push(b2)

	react := newTestReactor(t)
	react.AddWriteQueue(int(w.Fd()), &q)

	react.pumpWrites()
	assert.Equal(t, 1, q.Len(), "second buffer stays queued until the first completes")

	react.backend.(*syncBackend).Drain(react.completeWrite)
	assert.Equal(t, 1, flow.Outstanding())

	react.pumpWrites()
	react.backend.(*syncBackend).Drain(react.completeWrite)
	assert.Equal(t, 0, flow.Outstanding())
	assert.True(t, q.Empty())

	out := make([]byte, 11)
	n, _ := r.Read(out)
	assert.Equal(t, "firstsecond", string(out[:n]))
}

func TestRemoveWriteQueuePurgesFlow(t *testing.T) {
	_, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	flow := NewFlow()
	flow.Inc()

	var q mbuf.Queue
	buf := mbuf.New([]byte("x"))
	buf.Flow = flow
	q.Push(buf)

	react := newTestReactor(t)
	react.AddWriteQueue(int(w.Fd()), &q)
	react.RemoveWriteQueue(int(w.Fd()))

	assert.Equal(t, 0, flow.Outstanding())
	assert.Empty(t, react.writes)
}

func TestTimerFiresOnce(t *testing.T) {
	react := newTestReactor(t)

	fired := 0
	react.AddTimer(time.Millisecond, false, func() { fired++ })

	react.fireTimers(time.Now().Add(time.Hour))
	react.fireTimers(time.Now().Add(time.Hour))

	assert.Equal(t, 1, fired)
	assert.Empty(t, react.timers)
}

func TestTimerRepeatsUntilCancelled(t *testing.T) {
	react := newTestReactor(t)

	var fired int
	var handle *Timer
	handle = react.AddTimer(time.Millisecond, true, func() {
		fired++
		if fired == 3 {
			handle.Cancel()
		}
	})

	now := time.Now()
	for i := 0; i < 5; i++ {
		now = now.Add(time.Hour)
		react.fireTimers(now)
	}

	assert.Equal(t, 3, fired)
	assert.Empty(t, react.timers)
}

func TestReadWatchRemovedOnError(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); w.Close() })

	react := newTestReactor(t)
	react.AddReadFD(int(r.Fd()), nil, func(fd int) error {
		buf := make([]byte, 1)
		_, _ = unix.Read(fd, buf)
		return assert.AnError
	})

	_, werr := w.Write([]byte{1})
	require.NoError(t, werr)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		react.Post(react.Quit)
	}()

	_ = react.Run(ctx)

	assert.Empty(t, react.reads)
}

func TestQuitHooksRunOnce(t *testing.T) {
	react := newTestReactor(t)

	var ran int
	react.AddQuitHook(func() { ran++ })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	react.Quit()
	_ = react.Run(ctx)

	assert.Equal(t, 1, ran)
}
