package router

import (
	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	"github.com/linux-msm/diag/internal/transport"
	"github.com/linux-msm/diag/internal/watch"
)

// qrtrSockets closes a socket peripheral's four descriptors.
type qrtrSockets struct {
	fds []int
}

func (s *qrtrSockets) Close() error {
	var first error

	for _, fd := range s.fds {
		if err := unix.Close(fd); err != nil && first == nil {
			first = err
		}
	}

	return first
}

// AddQRTRPeripheral registers a socket-transport peripheral: four QRTR
// sockets publishing the control, data and dci-command services at the
// peripheral's instance base and looking up the command service. The
// control and data sockets start unconnected; the first datagram from
// the far side promotes each to connected and enables its write queue.
func (r *Router) AddQRTRPeripheral(name string, instanceBase uint32) (*Peripheral, error) {
	fds := make([]int, 4)

	for i := range fds {
		fd, err := transport.OpenQRTRSocket()
		if err != nil {
			for _, open := range fds[:i] {
				unix.Close(open)
			}

			return nil, err
		}

		fds[i] = fd
	}

	cntlFD, dataFD, cmdFD, dciCmdFD := fds[0], fds[1], fds[2], fds[3]

	steps := []error{
		transport.PublishQRTR(cntlFD, transport.QRTRServiceDiag, instanceBase+transport.QRTRInstanceCntl),
		transport.PublishQRTR(dataFD, transport.QRTRServiceDiag, instanceBase+transport.QRTRInstanceData),
		transport.PublishQRTR(dciCmdFD, transport.QRTRServiceDiag, instanceBase+transport.QRTRInstanceDCI),
		transport.LookupQRTR(cmdFD, transport.QRTRServiceDiag, instanceBase+transport.QRTRInstanceCmd),
	}
	for _, err := range steps {
		if err != nil {
			for _, fd := range fds {
				unix.Close(fd)
			}

			return nil, err
		}
	}

	p := &Peripheral{
		Name:      name,
		sockets:   true,
		flow:      watch.NewFlow(),
		transport: &qrtrSockets{fds: fds},
		cmdFD:     cmdFD,
		cntlFD:    cntlFD,
		dataFD:    dataFD,
		dciCmdFD:  dciCmdFD,
		router:    r,
	}

	r.Reactor.AddReadFD(cntlFD, nil, p.onQRTRCntlReadable)
	r.Reactor.AddReadFD(cmdFD, nil, p.onQRTRCmdReadable)
	r.Reactor.AddReadFD(dataFD, p.flow, p.onQRTRDataReadable)

	r.addPeripheral(p)

	return p, nil
}

func (p *Peripheral) qrtrRecv(fd int) (transport.QRTRPacket, error) {
	pkt, err := transport.RecvQRTR(fd)
	if err != nil {
		log.Warn("qrtr receive failed", "peripheral", p.Name, "err", err)
		p.Close()
	}

	return pkt, err
}

// The control socket: data promotes it to connected and feeds the CNTL
// parser; BYE tears the connection state back down.
func (p *Peripheral) onQRTRCntlReadable(fd int) error {
	pkt, err := p.qrtrRecv(fd)
	if err != nil {
		return err
	}

	switch pkt.Type {
	case transport.QRTRPacketData:
		if !p.cntlOpen {
			if err := transport.ConnectQRTR(fd, pkt.Node, pkt.Port); err != nil {
				log.Warn("qrtr cntl connect failed", "peripheral", p.Name, "err", err)
				return nil
			}

			p.cntlOpen = true
			p.router.Reactor.AddWriteQueue(fd, &p.cntlq)
		}

		p.HandleCNTL(pkt.Data)
	case transport.QRTRPacketBye:
		p.router.Reactor.RemoveWriteQueue(fd)
		p.cntlOpen = false
	case transport.QRTRPacketDelClient:
	default:
		log.Debug("unhandled cntl packet", "peripheral", p.Name, "type", pkt.Type)
	}

	return nil
}

// The command socket: a NewServer notification names the peer to connect
// to; data carries record-framed command responses.
func (p *Peripheral) onQRTRCmdReadable(fd int) error {
	pkt, err := p.qrtrRecv(fd)
	if err != nil {
		return err
	}

	switch pkt.Type {
	case transport.QRTRPacketNewServer:
		if pkt.Node == 0 && pkt.Port == 0 {
			return nil
		}

		if err := transport.ConnectQRTR(fd, pkt.Node, pkt.Port); err != nil {
			log.Warn("qrtr cmd connect failed", "peripheral", p.Name, "err", err)
			return nil
		}

		p.router.Reactor.AddWriteQueue(fd, &p.cmdq)
	case transport.QRTRPacketDelServer:
		p.router.Reactor.RemoveWriteQueue(fd)
	case transport.QRTRPacketData:
		p.recvQRTRRecord(pkt.Data, nil)
	case transport.QRTRPacketDelClient:
	default:
		log.Debug("unhandled cmd packet", "peripheral", p.Name, "type", pkt.Type)
	}

	return nil
}

// The data socket: the first datagram promotes it and enables the data
// write queue; every data payload is one record to broadcast under flow
// control.
func (p *Peripheral) onQRTRDataReadable(fd int) error {
	pkt, err := p.qrtrRecv(fd)
	if err != nil {
		return err
	}

	switch pkt.Type {
	case transport.QRTRPacketData:
		if !p.dataOpen {
			if err := transport.ConnectQRTR(fd, pkt.Node, pkt.Port); err != nil {
				log.Warn("qrtr data connect failed", "peripheral", p.Name, "err", err)
				return nil
			}

			p.dataOpen = true
			p.router.Reactor.AddWriteQueue(fd, &p.dataq)
		}

		p.recvQRTRRecord(pkt.Data, p.flow)
	case transport.QRTRPacketBye:
		p.router.Reactor.RemoveWriteQueue(fd)
		p.dataOpen = false
	case transport.QRTRPacketDelClient:
	default:
		log.Debug("unhandled data packet", "peripheral", p.Name, "type", pkt.Type)
	}

	return nil
}

func (p *Peripheral) recvQRTRRecord(data []byte, flow *watch.Flow) {
	payload, _, ok := transport.DecodeQRTRRecord(data)
	if !ok {
		log.Warn("invalid non-HDLC frame", "peripheral", p.Name)
		return
	}

	p.router.Broadcast(payload, flow)
}
