// Package transport opens the physical transports the router speaks
// over. Each opener's job ends at handing the router a file descriptor
// (or, for rpmsg, an opened channel set); none of them touch dispatch or
// framing state.
package transport

import (
	"fmt"
	"net"
	"strings"
)

// DefaultTCPPort is the router's default host-client listening port.
const DefaultTCPPort = 2500

// ListenTCP opens a TCP listener on hostPort, defaulting the port to
// DefaultTCPPort when hostPort names a bare host.
func ListenTCP(hostPort string) (*net.TCPListener, error) {
	addr := hostPort
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, DefaultTCPPort)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	return net.ListenTCP("tcp", tcpAddr)
}
