package transport

import (
	"testing"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOpenUARTParsesBaudSuffix(t *testing.T) {
	ptm, tty, err := pty.Open()
	require.NoError(t, err)
	defer ptm.Close()
	defer tty.Close()

	u, err := OpenUART(tty.Name() + "@9600")
	require.NoError(t, err)
	defer u.Close()
}

func TestOpenUARTDefaultsBaud(t *testing.T) {
	ptm, tty, err := pty.Open()
	require.NoError(t, err)
	defer ptm.Close()
	defer tty.Close()

	u, err := OpenUART(tty.Name())
	require.NoError(t, err)
	defer u.Close()
}

func TestUARTBridgeRoundTrip(t *testing.T) {
	ptm, tty, err := pty.Open()
	require.NoError(t, err)
	defer ptm.Close()
	defer tty.Close()

	u, err := OpenUART(tty.Name())
	require.NoError(t, err)
	defer u.Close()

	// Serial -> router direction.
	_, err = ptm.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := unix.Read(u.Fd(), buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	// Router -> serial direction.
	_, err = unix.Write(u.Fd(), []byte("pong"))
	require.NoError(t, err)

	n, err = ptm.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))
}
