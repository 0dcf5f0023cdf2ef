package watch

// Backend performs asynchronous writes on behalf of the reactor and
// delivers their completions through a single pollable descriptor. The
// reactor holds it to one submission per fd at a time (see writeWatch in
// reactor.go); Backend itself is free-threaded with respect to fd reuse.
//
// Two implementations exist: the Linux kernel-AIO backend
// (io_setup/io_submit/io_getevents plus an eventfd completion notifier),
// and a portable synchronous backend used on non-Linux build targets and
// in tests, which performs the write inline and synthesizes a completion.
// Either satisfies the write-queue contract.
type Backend interface {
	// EventFD returns a descriptor that becomes readable when one or more
	// completions are available to Drain.
	EventFD() int

	// Submit starts an asynchronous write of data to fd. The caller must
	// keep data alive until the matching completion is delivered.
	Submit(fd int, data []byte) error

	// Drain consumes the completion notification and invokes handle once
	// per completed submission with the byte count written (or an error).
	Drain(handle func(fd int, n int, err error))

	// Close releases the backend's kernel resources.
	Close() error
}

type completion struct {
	fd  int
	n   int
	err error
}
