//go:build linux

package watch

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Legacy Linux kernel AIO (io_setup/io_submit/io_getevents).
// golang.org/x/sys/unix does not wrap these; the syscall numbers come from
// aio_numbers_$GOARCH.go, covering the two architectures diag routers
// actually run on.

const (
	iocbCmdPwrite = 1
	iocbFlagResFD = 1 << 0
)

// iocb mirrors struct iocb from linux/aio_abi.h.
type iocb struct {
	aioData      uint64
	aioKey       uint32
	aioRWFlags   uint32
	aioLioOpcode uint16
	aioReqPrio   int16
	aioFildes    uint32
	aioBuf       uint64
	aioNbytes    uint64
	aioOffset    int64
	aioReserved2 uint64
	aioFlags     uint32
	aioResFD     uint32
}

// ioEvent mirrors struct io_event from linux/aio_abi.h.
type ioEvent struct {
	data uint64
	obj  uint64
	res  int64
	res2 int64
}

// aioContextT mirrors aio_context_t, an opaque kernel handle.
type aioContextT uintptr

func ioSetup(nr int) (aioContextT, error) {
	var ctx aioContextT

	_, _, errno := unix.Syscall(sysIoSetup, uintptr(nr), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return 0, errno
	}

	return ctx, nil
}

func ioDestroy(ctx aioContextT) error {
	_, _, errno := unix.Syscall(sysIoDestroy, uintptr(ctx), 0, 0)
	if errno != 0 {
		return errno
	}

	return nil
}

func ioSubmit(ctx aioContextT, cbs []*iocb) (int, error) {
	if len(cbs) == 0 {
		return 0, nil
	}

	n, _, errno := unix.Syscall(sysIoSubmit, uintptr(ctx), uintptr(len(cbs)), uintptr(unsafe.Pointer(&cbs[0])))
	if errno != 0 {
		return 0, errno
	}

	return int(n), nil
}

func ioGetEvents(ctx aioContextT, minNr, maxNr int, events []ioEvent, timeout *unix.Timespec) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	n, _, errno := unix.Syscall6(sysIoGetevents, uintptr(ctx), uintptr(minNr), uintptr(maxNr),
		uintptr(unsafe.Pointer(&events[0])), uintptr(unsafe.Pointer(timeout)), 0)
	if errno != 0 {
		return 0, errno
	}

	return int(n), nil
}

// linuxAIOBackend is the real Backend used when the kernel AIO interface is
// available (the normal case on the Linux hosts a DIAG router runs on).
type linuxAIOBackend struct {
	ctx  aioContextT
	evfd int

	inflight map[uint64]int
	pending  map[uint64]*pendingSubmit
	nextKey  uint64
}

type pendingSubmit struct {
	cb   *iocb
	data []byte
}

func newLinuxAIOBackend(maxEvents int) (*linuxAIOBackend, error) {
	ctx, err := ioSetup(maxEvents)
	if err != nil {
		return nil, fmt.Errorf("io_setup: %w", err)
	}

	evfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = ioDestroy(ctx)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	return &linuxAIOBackend{
		ctx:      ctx,
		evfd:     evfd,
		inflight: make(map[uint64]int),
		pending:  make(map[uint64]*pendingSubmit),
	}, nil
}

func (b *linuxAIOBackend) EventFD() int {
	return b.evfd
}

func (b *linuxAIOBackend) Submit(fd int, data []byte) error {
	if len(data) == 0 {
		data = []byte{0} // io_submit requires a non-nil buffer; zero-length writes never occur on DIAG wire formats.
		data = data[:0]
	}

	key := b.nextKey
	b.nextKey++

	cb := &iocb{
		aioData:      key,
		aioLioOpcode: iocbCmdPwrite,
		aioFildes:    uint32(fd),
		aioNbytes:    uint64(len(data)),
		aioFlags:     iocbFlagResFD,
		aioResFD:     uint32(b.evfd),
	}
	if len(data) > 0 {
		cb.aioBuf = uint64(uintptr(unsafe.Pointer(&data[0])))
	}

	b.inflight[key] = fd
	b.pending[key] = &pendingSubmit{cb: cb, data: data}

	n, err := ioSubmit(b.ctx, []*iocb{cb})
	if err != nil || n != 1 {
		delete(b.inflight, key)
		delete(b.pending, key)

		if err == nil {
			err = fmt.Errorf("io_submit: short submit")
		}

		return err
	}

	return nil
}

func (b *linuxAIOBackend) Drain(handle func(fd int, n int, err error)) {
	var drain [8]byte
	_, _ = unix.Read(b.evfd, drain[:])

	events := make([]ioEvent, 32)

	for {
		n, err := ioGetEvents(b.ctx, 0, len(events), events, &unix.Timespec{})
		if err != nil || n <= 0 {
			return
		}

		for i := 0; i < n; i++ {
			ev := events[i]

			fd, ok := b.inflight[ev.data]
			delete(b.inflight, ev.data)
			delete(b.pending, ev.data)

			if !ok {
				continue
			}

			if ev.res < 0 {
				handle(fd, 0, unix.Errno(-ev.res))
			} else {
				handle(fd, int(ev.res), nil)
			}
		}

		if n < len(events) {
			return
		}
	}
}

func (b *linuxAIOBackend) Close() error {
	_ = unix.Close(b.evfd)
	return ioDestroy(b.ctx)
}
