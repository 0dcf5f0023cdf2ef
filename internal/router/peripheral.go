package router

import (
	"encoding/binary"
	"io"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	"github.com/linux-msm/diag/internal/hdlc"
	"github.com/linux-msm/diag/internal/mbuf"
	"github.com/linux-msm/diag/internal/watch"
)

// Feature bits negotiated over the CNTL FEATURE_MASK exchange. The bit
// positions are fixed on the wire; peripherals advertise theirs and the
// router answers with the intersection.
const (
	FeatureMaskSupport          uint32 = 1 << 0
	FeatureMasterSetsCommonMask uint32 = 1 << 1
	FeatureReqRspSupport        uint32 = 1 << 4
	FeatureAppsHDLCEncode       uint32 = 1 << 6
	FeatureSocketsEnabled       uint32 = 1 << 13
	FeatureDiagID               uint32 = 1 << 15
	FeatureDiagIDFeatureMask    uint32 = 1 << 17
)

// Transport is the capability a peripheral's underlying collaborator
// (QRTR socket set, rpmsg character devices, ...) must provide. The
// dispatcher and control protocol never branch on which kind backs a
// given Peripheral.
type Transport interface {
	Close() error
}

// perifReadBuf is the scratch size for one peripheral channel read.
const perifReadBuf = 16384

// Peripheral is an on-chip processor's DIAG endpoint: modem, audio DSP,
// compute DSP, sensor hub, WLAN. It owns up to four channel descriptors
// (control, data, command, dci-command), three write queues, and one
// flow token shared by every outbound broadcast copy of its traffic.
type Peripheral struct {
	Name string

	FeatureMask uint32
	DiagID      byte
	HasDiagID   bool

	cmdq  mbuf.Queue
	cntlq mbuf.Queue
	dataq mbuf.Queue

	cmdFD    int
	cntlFD   int
	dataFD   int
	dciCmdFD int

	// Socket channels connect lazily, on the first datagram from the
	// far side.
	sockets  bool
	cntlOpen bool
	dataOpen bool

	flow    *watch.Flow
	decoder *hdlc.Decoder

	transport Transport

	processNames map[string]byte
	processOrder []string
	nextDiagID   byte

	router *Router
}

// AddPeripheral registers a character-device peripheral backed by
// transport: its channels are byte streams read with plain reads (any fd
// may be -1 if that channel is absent). Write queues and channel readers
// are wired onto the reactor; the data channel's reader carries the flow
// token, so a backed-up broadcast suspends it.
func (r *Router) AddPeripheral(name string, transport Transport, cmdFD, cntlFD, dataFD int) *Peripheral {
	p := &Peripheral{
		Name:      name,
		flow:      watch.NewFlow(),
		decoder:   hdlc.NewDecoder(),
		transport: transport,
		cmdFD:     cmdFD,
		cntlFD:    cntlFD,
		dataFD:    dataFD,
		dciCmdFD:  -1,
		router:    r,
	}

	if cmdFD >= 0 {
		r.Reactor.AddWriteQueue(cmdFD, &p.cmdq)
		r.Reactor.AddReadFD(cmdFD, nil, p.onCmdReadable)
	}

	if cntlFD >= 0 {
		r.Reactor.AddWriteQueue(cntlFD, &p.cntlq)
		r.Reactor.AddReadFD(cntlFD, nil, p.onCNTLReadable)
	}

	if dataFD >= 0 {
		r.Reactor.AddWriteQueue(dataFD, &p.dataq)
		r.Reactor.AddReadFD(dataFD, p.flow, p.onDataReadable)
	}

	r.addPeripheral(p)

	return p
}

// Send chooses the outbound queue and encoding for one command frame: a
// peripheral with REQ_RSP_SUPPORT gets commands on its dedicated command
// queue, others on the data queue; a peripheral whose apps side performs
// the HDLC encoding (APPS_HDLC_ENCODE) receives the frame raw, otherwise
// it expects HDLC on the wire and the frame is encoded here.
func (p *Peripheral) Send(data []byte) error {
	q := &p.dataq
	if p.FeatureMask&FeatureReqRspSupport != 0 {
		q = &p.cmdq
	}

	var out []byte
	if p.FeatureMask&FeatureAppsHDLCEncode != 0 {
		out = append([]byte(nil), data...)
	} else {
		out = hdlc.Encode(data)
	}

	buf := mbuf.New(out)
	buf.Flow = p.flow
	p.flow.Inc()

	q.Push(buf)

	return nil
}

// RecvData broadcasts one record received on the data channel to every
// enabled client, carrying this peripheral's flow token.
func (p *Peripheral) RecvData(payload []byte) {
	p.router.Broadcast(payload, p.flow)
}

// RecvCmd broadcasts one command-channel response. Responses are not
// flow-controlled; only the data stream can outrun the host.
func (p *Peripheral) RecvCmd(payload []byte) {
	p.router.Broadcast(payload, nil)
}

func (p *Peripheral) readChannel(fd int) ([]byte, error) {
	buf := make([]byte, perifReadBuf)

	n, err := unix.Read(fd, buf)
	if err == unix.EAGAIN {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if n == 0 {
		return nil, io.EOF
	}

	return buf[:n], nil
}

func (p *Peripheral) onCNTLReadable(fd int) error {
	data, err := p.readChannel(fd)
	if err != nil {
		log.Warn("control channel read failed", "peripheral", p.Name, "err", err)
		p.Close()

		return err
	}

	if data != nil {
		p.HandleCNTL(data)
	}

	return nil
}

func (p *Peripheral) onDataReadable(fd int) error {
	data, err := p.readChannel(fd)
	if err != nil {
		log.Warn("data channel read failed", "peripheral", p.Name, "err", err)
		p.Close()

		return err
	}

	if data == nil {
		return nil
	}

	if p.FeatureMask&FeatureAppsHDLCEncode != 0 {
		// The peripheral emits raw records; encoding toward the host
		// happens per client.
		p.RecvData(data)
		return nil
	}

	// Legacy peripheral speaking HDLC on its data channel: reassemble
	// frames and hand the payloads on.
	p.decoder.Feed(data, func(frame []byte) {
		p.RecvData(hdlc.StripCRC(frame))
	})

	return nil
}

func (p *Peripheral) onCmdReadable(fd int) error {
	data, err := p.readChannel(fd)
	if err != nil {
		log.Warn("command channel read failed", "peripheral", p.Name, "err", err)
		p.Close()

		return err
	}

	if data != nil {
		p.recvCmdRecord(data)
	}

	return nil
}

// recvCmdRecord unwraps one non-HDLC record ({0x7E, version=1,
// length:u16_le}, payload, 0x7E) and broadcasts the payload.
func (p *Peripheral) recvCmdRecord(data []byte) {
	if len(data) < 5 || data[0] != 0x7E || data[1] != 1 {
		log.Warn("invalid non-HDLC frame", "peripheral", p.Name)
		return
	}

	length := int(binary.LittleEndian.Uint16(data[2:4]))
	if 4+length+1 > len(data) {
		log.Warn("truncated non-HDLC frame", "peripheral", p.Name)
		return
	}

	if data[4+length] != 0x7E {
		log.Warn("non-HDLC frame not terminated", "peripheral", p.Name)
		return
	}

	p.RecvCmd(data[4 : 4+length])
}

// Close tears the peripheral down: unregisters and drains all channels,
// removes its dispatch registrations, and closes its transport. Safe to
// call from within one of its own read callbacks.
func (p *Peripheral) Close() {
	for _, fd := range []int{p.cmdFD, p.cntlFD, p.dataFD, p.dciCmdFD} {
		if fd >= 0 {
			p.router.Reactor.RemoveReadFD(fd)
			p.router.Reactor.RemoveWriteQueue(fd)
		}
	}

	p.cmdq.Purge()
	p.cntlq.Purge()
	p.dataq.Purge()

	if p.transport != nil {
		if err := p.transport.Close(); err != nil {
			log.Error("peripheral transport close failed", "peripheral", p.Name, "err", err)
		}
	}

	p.router.registry.RemoveAllForPeripheral(p)
	p.router.removePeripheral(p)
}

// sendCNTL frames and enqueues one outbound CNTL packet on the control
// queue: a {cmd:u32_le, len:u32_le} header followed by body.
func (p *Peripheral) sendCNTL(cmd uint32, body []byte) {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], cmd)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(body)))

	out := append(header, body...)

	p.cntlq.Push(mbuf.New(out))
}

func (p *Peripheral) assignDiagID(name string) byte {
	if p.processNames == nil {
		p.processNames = make(map[string]byte)
	}

	if id, ok := p.processNames[name]; ok {
		return id
	}

	p.nextDiagID++
	id := p.nextDiagID

	p.recordDiagID(name, id)

	return id
}

// adoptDiagID stores a peripheral-proposed id for name, keeping the
// local counter ahead of it so later assignments do not collide.
func (p *Peripheral) adoptDiagID(name string, id byte) byte {
	if p.processNames == nil {
		p.processNames = make(map[string]byte)
	}

	if existing, ok := p.processNames[name]; ok {
		return existing
	}

	if id > p.nextDiagID {
		p.nextDiagID = id
	}

	p.recordDiagID(name, id)

	return id
}

func (p *Peripheral) recordDiagID(name string, id byte) {
	p.processNames[name] = id
	p.processOrder = append(p.processOrder, name)

	// The first process registered on a peripheral is the peripheral
	// itself; its id tags the v2 mode and buffering packets.
	if !p.HasDiagID {
		p.DiagID = id
		p.HasDiagID = true
	}
}
