package watch

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// syncBackend is the portable Backend fallback: it performs the write
// inline in Submit and signals completion through a self-pipe standing in
// for an eventfd. Used on non-Linux build targets and wired into Reactor
// tests, where pipes and sockets are the fds under write.
type syncBackend struct {
	mu          sync.Mutex
	completions []completion

	notifyR *os.File
	notifyW *os.File
}

func newSyncBackend() (*syncBackend, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	return &syncBackend{notifyR: r, notifyW: w}, nil
}

func (b *syncBackend) EventFD() int {
	return int(b.notifyR.Fd())
}

func (b *syncBackend) Submit(fd int, data []byte) error {
	n, err := unix.Write(fd, data)

	b.mu.Lock()
	b.completions = append(b.completions, completion{fd: fd, n: n, err: err})
	b.mu.Unlock()

	_, werr := b.notifyW.Write([]byte{1})

	return werr
}

func (b *syncBackend) Drain(handle func(fd int, n int, err error)) {
	drain := make([]byte, 64)
	for {
		n, err := b.notifyR.Read(drain)
		if err != nil || n < len(drain) {
			break
		}
	}

	b.mu.Lock()
	cs := b.completions
	b.completions = nil
	b.mu.Unlock()

	for _, c := range cs {
		handle(c.fd, c.n, c.err)
	}
}

func (b *syncBackend) Close() error {
	werr := b.notifyW.Close()
	rerr := b.notifyR.Close()

	if werr != nil {
		return werr
	}

	return rerr
}
