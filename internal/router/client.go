package router

import (
	"io"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	"github.com/linux-msm/diag/internal/hdlc"
	"github.com/linux-msm/diag/internal/mbuf"
	"github.com/linux-msm/diag/internal/watch"
)

// clientReadBuf is the scratch size for one client read, generous enough
// for any single DIAG command frame.
const clientReadBuf = 16384

// Client is an attached host endpoint (a DM): a DIAG tool, debug UI, or
// test harness talking to the router over TCP, UART, USB, or the UNIX
// listener.
type Client struct {
	name    string
	inFD    int
	outFD   int
	hdlc    bool
	enabled bool

	decoder *hdlc.Decoder
	queue   mbuf.Queue

	router *Router
}

// AddClient registers a new client, initially disabled. inFD/outFD may
// be equal (a bidirectional socket) or -1 (no read side, or no write
// side). When hdlcEncoded is true, inbound bytes are HDLC-decoded before
// dispatch and outbound bytes are HDLC-encoded; otherwise bytes pass
// through raw, as on the UNIX SOCK_SEQPACKET listener. Socket and UART
// callers enable the client right after adding it; USB clients stay
// disabled until the gadget reports FUNCTIONFS_ENABLE.
func (r *Router) AddClient(name string, inFD, outFD int, hdlcEncoded bool) *Client {
	c := &Client{
		name:   name,
		inFD:   inFD,
		outFD:  outFD,
		hdlc:   hdlcEncoded,
		router: r,
	}

	if hdlcEncoded {
		c.decoder = hdlc.NewDecoder()
	}

	r.clients = append(r.clients, c)

	if outFD >= 0 {
		r.Reactor.AddWriteQueue(outFD, &c.queue)
	}

	if inFD >= 0 {
		r.Reactor.AddReadFD(inFD, nil, c.onReadable)
	}

	return c
}

// RemoveClient tears a client down: purges its queue, unregisters its
// fds, and drops it from the broadcast list.
func (r *Router) RemoveClient(c *Client) {
	if c.outFD >= 0 {
		r.Reactor.RemoveWriteQueue(c.outFD)
	}

	if c.inFD >= 0 {
		r.Reactor.RemoveReadFD(c.inFD)
	}

	for i, e := range r.clients {
		if e == c {
			r.clients = append(r.clients[:i], r.clients[i+1:]...)
			return
		}
	}
}

// Send enqueues bytes for this client, encoding them first if the client
// speaks HDLC. A disabled client silently drops the send.
func (c *Client) Send(data []byte) error {
	return c.sendWithFlow(data, nil)
}

func (c *Client) sendWithFlow(data []byte, flow *watch.Flow) error {
	if !c.enabled {
		return nil
	}

	var out []byte
	if c.hdlc {
		out = hdlc.Encode(data)
	} else {
		out = append([]byte(nil), data...)
	}

	buf := mbuf.New(out)
	buf.Flow = flow
	flow.Inc()

	c.queue.Push(buf)

	return nil
}

// Enable marks the client eligible to receive broadcasts and sends
// again.
func (c *Client) Enable() {
	c.enabled = true
}

// Disable marks the client as dropping all outbound traffic and purges
// its write queue.
func (c *Client) Disable() {
	c.enabled = false
	c.queue.Purge()
}

// Enabled reports the client's current enable state.
func (c *Client) Enabled() bool {
	return c.enabled
}

func (c *Client) onReadable(fd int) error {
	buf := make([]byte, clientReadBuf)

	n, err := unix.Read(fd, buf)
	if err == unix.EAGAIN {
		return nil
	}

	if err != nil {
		c.router.RemoveClient(c)
		return err
	}

	if n == 0 {
		c.router.RemoveClient(c)
		return io.EOF
	}

	data := buf[:n]

	if c.hdlc {
		c.decoder.Feed(data, func(frame []byte) {
			if !hdlc.CRCValid(frame) {
				log.Debug("hdlc crc mismatch", "client", c.name)
			}

			c.router.Dispatch(c, hdlc.StripCRC(frame))
		})

		return nil
	}

	c.router.Dispatch(c, data)

	return nil
}
