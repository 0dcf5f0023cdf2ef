// Command diagrouter is the DIAG protocol router: it HDLC-decodes frames
// from attached host clients (TCP, UART, USB, or the local UNIX
// listener), dispatches them across the common/peripheral/fallback
// handler tiers, and ferries peripheral traffic (rpmsg, QRTR) back out
// to whichever clients are enabled.
//
// Usage:
//
//	diagrouter [options]
//
// With no transport option, diagrouter opens the USB functionfs gadget
// and the local UNIX listener unconditionally.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	"github.com/linux-msm/diag/internal/config"
	"github.com/linux-msm/diag/internal/router"
	"github.com/linux-msm/diag/internal/transport"
	"github.com/linux-msm/diag/internal/watch"
)

func main() {
	os.Exit(run())
}

func run() int {
	cli, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		log.Error("parsing flags", "err", err)
		return 1
	}

	if cli.Server != "" && cli.UART != "" {
		log.Error("at most one of -s and -u may be given")
		return 1
	}

	staticPeripherals, err := config.LoadStaticPeripherals(cli.Config)
	if err != nil {
		log.Error("loading static peripheral list", "err", err)
		return 1
	}

	reactor, err := watch.New()
	if err != nil {
		log.Error("initializing reactor", "err", err)
		return 1
	}

	r := router.New(reactor)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var mdnsResponder dnssd.Responder
	if cli.MDNS {
		mdnsResponder, err = dnssd.NewResponder()
		if err != nil {
			log.Error("starting mDNS responder", "err", err)
			return 1
		}
		go func() {
			if err := mdnsResponder.Respond(ctx); err != nil && ctx.Err() == nil {
				log.Error("mDNS responder exited", "err", err)
			}
		}()
	}

	switch {
	case cli.Server != "":
		if err := serveTCP(r, cli.Server, mdnsResponder); err != nil {
			log.Error("tcp listener", "err", err)
			return 1
		}
	case cli.UART != "":
		if err := serveUART(r, cli.UART); err != nil {
			log.Error("uart open", "err", err)
			return 1
		}
	default:
		if err := serveUnixListener(r); err != nil {
			log.Error("unix listener", "err", err)
			return 1
		}
		if err := serveUSB(r); err != nil {
			log.Warn("usb functionfs gadget unavailable", "err", err)
		}
	}

	attachStaticPeripherals(r, staticPeripherals)
	attachQRTRPeripherals(r)
	runRpmsgMonitor(ctx, r, reactor)

	if err := reactor.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("reactor exited", "err", err)
		return 1
	}

	return 0
}

func serveTCP(r *router.Router, hostPort string, responder dnssd.Responder) error {
	listener, err := transport.ListenTCP(hostPort)
	if err != nil {
		return err
	}

	if responder != nil {
		cfg := dnssd.Config{
			Name: "diagrouter",
			Type: "_qcdiag._tcp",
			Port: listener.Addr().(*net.TCPAddr).Port,
		}

		svc, err := dnssd.NewService(cfg)
		if err != nil {
			return fmt.Errorf("building dnssd service: %w", err)
		}

		if _, err := responder.Add(svc); err != nil {
			return fmt.Errorf("announcing dnssd service: %w", err)
		}
	}

	go acceptTCPLoop(r, listener)

	return nil
}

// acceptTCPLoop runs on its own goroutine; registrations are handed back
// to the reactor, which owns all router state.
func acceptTCPLoop(r *router.Router, listener *net.TCPListener) {
	for {
		conn, err := listener.AcceptTCP()
		if err != nil {
			log.Error("tcp accept", "err", err)
			return
		}

		f, err := conn.File()
		if err != nil {
			log.Error("tcp conn to fd", "err", err)
			conn.Close()
			continue
		}

		// Take a bare duplicate of the descriptor, so neither the
		// net.Conn's poller nor the os.File finalizer can close it
		// out from under the reactor.
		fd, err := unix.Dup(int(f.Fd()))
		name := conn.RemoteAddr().String()

		f.Close()
		conn.Close()

		if err != nil {
			log.Error("tcp fd dup", "err", err)
			continue
		}

		r.Reactor.Post(func() {
			_ = unix.SetNonblock(fd, true)
			r.AddClient(name, fd, fd, true).Enable()
		})
	}
}

func serveUART(r *router.Router, spec string) error {
	u, err := transport.OpenUART(spec)
	if err != nil {
		return err
	}

	fd := u.Fd()
	_ = unix.SetNonblock(fd, true)
	r.AddClient("uart:"+spec, fd, fd, true).Enable()
	r.Reactor.AddQuitHook(func() { _ = u.Close() })

	return nil
}

func serveUnixListener(r *router.Router) error {
	listenFD, err := transport.ListenUnixSeqpacket()
	if err != nil {
		return err
	}

	r.Reactor.AddReadFD(listenFD, nil, func(fd int) error {
		connFD, err := transport.AcceptSeqpacket(fd)
		if err != nil {
			log.Error("unix seqpacket accept", "err", err)
			return nil
		}

		_ = unix.SetNonblock(connFD, true)
		r.AddClient("local", connFD, connFD, false).Enable()

		return nil
	})

	return nil
}

// serveUSB opens the functionfs gadget and attaches it as an HDLC client
// that stays disabled until the host configures the function; ep0 events
// toggle it from there.
func serveUSB(r *router.Router) error {
	const mountPoint = "/dev/usb-ffs/diag"

	f, err := transport.OpenFunctionFS(mountPoint)
	if err != nil {
		return err
	}

	client := r.AddClient("usb", int(f.EPOut.Fd()), int(f.EPIn.Fd()), true)

	// The quit hook also anchors f for the reactor's lifetime; the
	// endpoint descriptors stay valid as long as their os.Files do.
	r.Reactor.AddQuitHook(func() { _ = f.Close() })

	ep0 := int(f.EP0.Fd())
	r.Reactor.AddReadFD(ep0, nil, func(fd int) error {
		buf := make([]byte, 4*12)

		n, err := unix.Read(fd, buf)
		if err != nil || n <= 0 {
			log.Error("usb ep0 read failed", "err", err)
			return err
		}

		for _, ev := range transport.ParseFFSEvents(buf[:n]) {
			switch ev {
			case transport.FFSEventEnable:
				client.Enable()
			case transport.FFSEventDisable:
				client.Disable()
			}
		}

		return nil
	})

	return nil
}

func attachStaticPeripherals(r *router.Router, static *config.StaticPeripherals) {
	for _, p := range static.Peripherals {
		if p.DataDev != "" && p.CntlDev != "" {
			attachStaticRpmsg(r, p)
			continue
		}

		// No device nodes named: a socket peripheral at the given
		// instance base (0 is the modem's).
		if _, err := r.AddQRTRPeripheral(p.Name, p.QRTRInstance); err != nil {
			log.Error("attaching qrtr peripheral", "name", p.Name, "err", err)
		}
	}
}

func attachStaticRpmsg(r *router.Router, spec config.PeripheralSpec) {
	ch := &transport.RpmsgChannels{}

	var err error
	if ch.Data, err = os.OpenFile(spec.DataDev, os.O_RDWR, 0); err != nil {
		log.Error("opening data device", "name", spec.Name, "err", err)
		return
	}

	if ch.Cntl, err = os.OpenFile(spec.CntlDev, os.O_RDWR, 0); err != nil {
		log.Error("opening control device", "name", spec.Name, "err", err)
		ch.Data.Close()

		return
	}

	if spec.CmdDev != "" {
		if ch.Cmd, err = os.OpenFile(spec.CmdDev, os.O_RDWR, 0); err != nil {
			log.Warn("opening command device", "name", spec.Name, "err", err)
		}
	}

	attachRpmsgPeripheral(r, spec.Name, ch)
}

func attachRpmsgPeripheral(r *router.Router, name string, ch *transport.RpmsgChannels) {
	cmdFD := -1
	if ch.Cmd != nil {
		cmdFD = int(ch.Cmd.Fd())
	}

	dataFD := int(ch.Data.Fd())
	cntlFD := int(ch.Cntl.Fd())

	for _, fd := range []int{dataFD, cntlFD, cmdFD} {
		if fd >= 0 {
			_ = unix.SetNonblock(fd, true)
		}
	}

	r.AddPeripheral(name, ch, cmdFD, cntlFD, dataFD)
}

// attachQRTRPeripherals publishes the DIAG services for every on-chip
// processor that could attach over sockets. Kernels without QRTR refuse
// the first socket, which downgrades this to a log line.
func attachQRTRPeripherals(r *router.Router) {
	bases := []struct {
		name string
		base uint32
	}{
		{"modem", transport.QRTRInstanceBaseModem},
		{"lpass", transport.QRTRInstanceBaseLPASS},
		{"wcnss", transport.QRTRInstanceBaseWCNSS},
		{"sensors", transport.QRTRInstanceBaseSensors},
		{"cdsp", transport.QRTRInstanceBaseCDSP},
		{"wdsp", transport.QRTRInstanceBaseWDSP},
	}

	for _, b := range bases {
		if _, err := r.AddQRTRPeripheral(b.name, b.base); err != nil {
			log.Warn("qrtr peripheral unavailable", "name", b.name, "err", err)
			return
		}
	}
}

func runRpmsgMonitor(ctx context.Context, r *router.Router, reactor *watch.Reactor) {
	mon := transport.NewRpmsgMonitor(reactor, func(rproc string, ch *transport.RpmsgChannels) {
		attachRpmsgPeripheral(r, rproc, ch)
	})

	go func() {
		if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn("rpmsg hotplug monitor exited", "err", err)
		}
	}()
}
