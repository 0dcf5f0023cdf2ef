package transport

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/pkg/term"
	"golang.org/x/sys/unix"
)

// DefaultBaud is used when a UART spec ("-u dev[@baud]") omits the rate.
const DefaultBaud = 115200

// UART is an opened serial host-client transport. The serial port itself
// is driven by a pair of pump goroutines, since its raw-mode reads block;
// the router side sees one end of a socketpair, which behaves like any
// other client socket under the reactor.
type UART struct {
	term     *term.Term
	routerFD int
	pumpFD   int
}

// OpenUART opens dev (optionally suffixed "@baud") in raw mode and
// bridges it onto a socketpair. Callers register Fd() with the reactor
// as a bidirectional HDLC client.
func OpenUART(spec string) (*UART, error) {
	dev, baud := spec, DefaultBaud

	if idx := strings.IndexByte(spec, '@'); idx >= 0 {
		dev = spec[:idx]

		if b, err := strconv.Atoi(spec[idx+1:]); err == nil {
			baud = b
		}
	}

	t, err := term.Open(dev, term.Speed(baud), term.RawMode)
	if err != nil {
		return nil, err
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Close()
		return nil, err
	}

	u := &UART{term: t, routerFD: fds[0], pumpFD: fds[1]}

	go u.pumpFromSerial()
	go u.pumpToSerial()

	return u, nil
}

// Fd returns the router-side descriptor of the bridge.
func (u *UART) Fd() int {
	return u.routerFD
}

// pumpFromSerial moves bytes from the serial port into the bridge. A
// serial read error closes the pump side, which the reactor sees as EOF
// on the client.
func (u *UART) pumpFromSerial() {
	buf := make([]byte, 4096)

	for {
		n, err := u.term.Read(buf)
		if err != nil {
			unix.Close(u.pumpFD)
			return
		}

		if writeFull(u.pumpFD, buf[:n]) != nil {
			return
		}
	}
}

// pumpToSerial moves router-originated bytes out to the serial port.
func (u *UART) pumpToSerial() {
	buf := make([]byte, 4096)

	for {
		n, err := unix.Read(u.pumpFD, buf)
		if err != nil || n == 0 {
			u.term.Close()
			return
		}

		if _, err := u.term.Write(buf[:n]); err != nil {
			log.Warn("serial write failed", "err", err)
			return
		}
	}
}

func writeFull(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			return err
		}

		data = data[n:]
	}

	return nil
}

// Close tears the bridge down: both socketpair ends and the port itself.
func (u *UART) Close() error {
	unix.Close(u.routerFD)
	unix.Close(u.pumpFD)
	return u.term.Close()
}
