package transport

import "golang.org/x/sys/unix"

// AbstractName is the router's well-known UNIX abstract-namespace socket
// name. The leading NUL prepended at bind time is what makes it abstract
// rather than a pathname.
const AbstractName = "diag"

// ListenUnixSeqpacket opens the router's local-host listener: a
// SOCK_SEQPACKET socket bound to the abstract namespace, so clients
// already on the device (rather than arriving over TCP or UART) can
// attach without a filesystem path to clean up.
func ListenUnixSeqpacket() (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return -1, err
	}

	addr := &unix.SockaddrUnix{Name: "\x00" + AbstractName}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, err
	}

	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return -1, err
	}

	return fd, nil
}

// AcceptSeqpacket accepts one connection off listenFD, returning the
// new connection's file descriptor.
func AcceptSeqpacket(listenFD int) (int, error) {
	nfd, _, err := unix.Accept(listenFD)
	if err != nil {
		return -1, err
	}

	return nfd, nil
}
