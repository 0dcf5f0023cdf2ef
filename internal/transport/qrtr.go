package transport

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// QRTR carries the DIAG channels of socket-transport peripherals. Each
// peripheral publishes its control, data and dci services and looks up
// the command service, all under one DIAG service id with per-peripheral
// instance bases. golang.org/x/sys/unix stops at the AF_QIPCRTR address
// family constant, so the sockaddr plumbing is done by hand here.
const (
	// QRTRServiceDiag is the DIAG service id in the QRTR nameservice.
	QRTRServiceDiag = 4097

	qrtrPortCtrl = 0xfffffffe
)

// Per-peripheral instance bases within the DIAG service.
const (
	QRTRInstanceBaseModem   = 0
	QRTRInstanceBaseLPASS   = 64
	QRTRInstanceBaseWCNSS   = 128
	QRTRInstanceBaseSensors = 192
	QRTRInstanceBaseCDSP    = 256
	QRTRInstanceBaseWDSP    = 320
)

// Channel instance offsets from a peripheral's base.
const (
	QRTRInstanceCntl = iota
	QRTRInstanceCmd
	QRTRInstanceData
	QRTRInstanceDCICmd
	QRTRInstanceDCI
)

// QRTRPacketType classifies a received QRTR message. Data carries a
// payload from the connected peer; the rest are nameservice control
// notifications arriving from the kernel's control port.
type QRTRPacketType uint32

const (
	QRTRPacketData      QRTRPacketType = 1
	QRTRPacketHello     QRTRPacketType = 2
	QRTRPacketBye       QRTRPacketType = 3
	QRTRPacketNewServer QRTRPacketType = 4
	QRTRPacketDelServer QRTRPacketType = 5
	QRTRPacketDelClient QRTRPacketType = 6
)

// QRTRPacket is one received QRTR message: its classification, the
// relevant peer address (the sender for data, the announced server for
// nameservice notifications), and the payload for data packets.
type QRTRPacket struct {
	Type QRTRPacketType
	Node uint32
	Port uint32
	Data []byte
}

// sockaddrQrtr mirrors struct sockaddr_qrtr from linux/qrtr.h.
type sockaddrQrtr struct {
	family uint16
	_      uint16
	node   uint32
	port   uint32
}

// OpenQRTRSocket opens an AF_QIPCRTR datagram socket bound to an
// ephemeral port.
func OpenQRTRSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_QIPCRTR, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, fmt.Errorf("qrtr socket: %w", err)
	}

	return fd, nil
}

func qrtrSockname(fd int) (node, port uint32, err error) {
	var sa sockaddrQrtr
	salen := uint32(unsafe.Sizeof(sa))

	_, _, errno := unix.Syscall(unix.SYS_GETSOCKNAME, uintptr(fd),
		uintptr(unsafe.Pointer(&sa)), uintptr(unsafe.Pointer(&salen)))
	if errno != 0 {
		return 0, 0, fmt.Errorf("qrtr getsockname: %w", errno)
	}

	return sa.node, sa.port, nil
}

func qrtrSendTo(fd int, data []byte, node, port uint32) error {
	sa := sockaddrQrtr{family: unix.AF_QIPCRTR, node: node, port: port}

	var p unsafe.Pointer
	if len(data) > 0 {
		p = unsafe.Pointer(&data[0])
	}

	_, _, errno := unix.Syscall6(unix.SYS_SENDTO, uintptr(fd), uintptr(p),
		uintptr(len(data)), 0, uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa))
	if errno != 0 {
		return fmt.Errorf("qrtr sendto %d:%d: %w", node, port, errno)
	}

	return nil
}

// ConnectQRTR connects fd to a peer, so subsequent queue writes go
// straight to it without an explicit address.
func ConnectQRTR(fd int, node, port uint32) error {
	sa := sockaddrQrtr{family: unix.AF_QIPCRTR, node: node, port: port}

	_, _, errno := unix.Syscall(unix.SYS_CONNECT, uintptr(fd),
		uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa))
	if errno != 0 {
		return fmt.Errorf("qrtr connect %d:%d: %w", node, port, errno)
	}

	return nil
}

// qrtrCtrlPkt mirrors struct qrtr_ctrl_pkt: a command word followed by
// the server (service/instance/node/port) or client (node/port) fields.
const qrtrCtrlPktLen = 20

func qrtrCtrlServer(cmd QRTRPacketType, service, instance, node, port uint32) []byte {
	pkt := make([]byte, qrtrCtrlPktLen)
	binary.LittleEndian.PutUint32(pkt[0:4], uint32(cmd))
	binary.LittleEndian.PutUint32(pkt[4:8], service)
	binary.LittleEndian.PutUint32(pkt[8:12], instance)
	binary.LittleEndian.PutUint32(pkt[12:16], node)
	binary.LittleEndian.PutUint32(pkt[16:20], port)

	return pkt
}

// PublishQRTR announces fd as a server for (service, instance) in the
// QRTR nameservice, so the peripheral's matching client can find and
// address it.
func PublishQRTR(fd int, service, instance uint32) error {
	node, port, err := qrtrSockname(fd)
	if err != nil {
		return err
	}

	pkt := qrtrCtrlServer(QRTRPacketNewServer, service, instance, node, port)

	return qrtrSendTo(fd, pkt, node, qrtrPortCtrl)
}

// LookupQRTR asks the nameservice for servers of (service, instance);
// matches arrive on fd as NewServer packets.
func LookupQRTR(fd int, service, instance uint32) error {
	node, _, err := qrtrSockname(fd)
	if err != nil {
		return err
	}

	pkt := make([]byte, qrtrCtrlPktLen)
	binary.LittleEndian.PutUint32(pkt[0:4], 10) // QRTR_TYPE_NEW_LOOKUP
	binary.LittleEndian.PutUint32(pkt[4:8], service)
	binary.LittleEndian.PutUint32(pkt[8:12], instance)

	return qrtrSendTo(fd, pkt, node, qrtrPortCtrl)
}

// RecvQRTR reads one message off fd and classifies it: datagrams from
// the control port are nameservice notifications, everything else is
// data from the sending peer.
func RecvQRTR(fd int) (QRTRPacket, error) {
	buf := make([]byte, 4096)

	var sa sockaddrQrtr
	salen := uint32(unsafe.Sizeof(sa))

	n, _, errno := unix.Syscall6(unix.SYS_RECVFROM, uintptr(fd),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0,
		uintptr(unsafe.Pointer(&sa)), uintptr(unsafe.Pointer(&salen)))
	if errno != 0 {
		return QRTRPacket{}, fmt.Errorf("qrtr recvfrom: %w", errno)
	}

	if sa.port != qrtrPortCtrl {
		return QRTRPacket{
			Type: QRTRPacketData,
			Node: sa.node,
			Port: sa.port,
			Data: buf[:n],
		}, nil
	}

	if n < qrtrCtrlPktLen {
		return QRTRPacket{}, fmt.Errorf("qrtr: short control packet (%d bytes)", n)
	}

	cmd := QRTRPacketType(binary.LittleEndian.Uint32(buf[0:4]))

	pkt := QRTRPacket{Type: cmd}

	switch cmd {
	case QRTRPacketNewServer, QRTRPacketDelServer:
		pkt.Node = binary.LittleEndian.Uint32(buf[12:16])
		pkt.Port = binary.LittleEndian.Uint32(buf[16:20])
	case QRTRPacketDelClient, QRTRPacketBye:
		pkt.Node = binary.LittleEndian.Uint32(buf[4:8])
		pkt.Port = binary.LittleEndian.Uint32(buf[8:12])
	}

	return pkt, nil
}

// Data and command channels of socket peripherals do not speak HDLC;
// they wrap each record as {0x7E, version=1, length:u16_le}, payload,
// 0x7E.
const (
	qrtrRecordVersion = 1
	qrtrDelim         = 0x7E
)

// EncodeQRTRRecord wraps payload in the socket-channel record framing.
func EncodeQRTRRecord(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+5)
	out = append(out, qrtrDelim, qrtrRecordVersion)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(payload)))
	out = append(out, payload...)
	out = append(out, qrtrDelim)

	return out
}

// DecodeQRTRRecord strips the record framing, returning the payload and
// the number of bytes consumed from buf. It reports ok=false if buf does
// not hold a complete record.
func DecodeQRTRRecord(buf []byte) (payload []byte, consumed int, ok bool) {
	if len(buf) < 4 || buf[0] != qrtrDelim || buf[1] != qrtrRecordVersion {
		return nil, 0, false
	}

	length := int(binary.LittleEndian.Uint16(buf[2:4]))
	total := 4 + length + 1

	if len(buf) < total {
		return nil, 0, false
	}

	if buf[total-1] != qrtrDelim {
		return nil, 0, false
	}

	return buf[4 : 4+length], total, true
}
