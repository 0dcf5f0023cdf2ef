package router

import (
	"bytes"
	"encoding/binary"

	"github.com/charmbracelet/log"
)

// CNTL command numbers. REGISTER through DIAG_ID arrive from the
// peripheral; DIAG_MODE, the mask packets and BUFFERING_TX_MODE only
// ever leave the router.
const (
	cntlCmdRegister      = 1
	cntlCmdDiagMode      = 3
	cntlCmdFeatureMask   = 8
	cntlCmdLogMask       = 9
	cntlCmdEventMask     = 10
	cntlCmdMsgMask       = 11
	cntlCmdNumPresets    = 12
	cntlCmdBufferingMode = 17
	cntlCmdDeregister    = 27
	cntlCmdDiagID        = 33
)

const bufferingModeStreaming = 0

// HandleCNTL parses and dispatches one control datagram, a sequence of
// {cmd:u32_le, len:u32_le} TLVs. A truncated TLV — either a short header
// or a declared length exceeding what remains — aborts the rest of the
// buffer without affecting the stream.
func (p *Peripheral) HandleCNTL(data []byte) {
	for len(data) > 0 {
		if len(data) < 8 {
			log.Debug("truncated cntl header", "peripheral", p.Name)
			return
		}

		cmd := binary.LittleEndian.Uint32(data[0:4])
		length := binary.LittleEndian.Uint32(data[4:8])
		data = data[8:]

		if uint64(length) > uint64(len(data)) {
			log.Debug("truncated cntl body", "peripheral", p.Name, "cmd", cmd)
			return
		}

		body := data[:length]
		data = data[length:]

		switch cmd {
		case cntlCmdRegister:
			p.handleRegister(body)
		case cntlCmdFeatureMask:
			p.handleFeatureMask(body)
		case cntlCmdDeregister:
			p.handleDeregister(body)
		case cntlCmdDiagID:
			p.handleDiagID(body)
		case cntlCmdNumPresets:
			// No-op; body ignored.
		default:
			log.Debug("unsupported control packet", "peripheral", p.Name, "cmd", cmd)
		}
	}
}

// REGISTER body: version:u32, cmd:u16, subsys:u16, count_entries:u16,
// port:u16, then count_entries {first:u16, last:u16, data:u32} entries.
// DEREGISTER repeats the header without the port and with 4-byte
// {first:u16, last:u16} entries.
const (
	registerHeaderLen   = 12
	registerEntryLen    = 8
	deregisterHeaderLen = 10
	deregisterEntryLen  = 4
)

func rangeKeys(cmd, subsys uint16, first, last uint16) Range {
	if cmd == 0xFF && subsys != 0xFF {
		cmd = subsysDispatchSentinel
	}

	base := uint32(cmd)<<24 | uint32(subsys)<<16

	return Range{First: base | uint32(first), Last: base | uint32(last)}
}

func (p *Peripheral) handleRegister(body []byte) {
	if len(body) < registerHeaderLen {
		log.Warn("truncated REGISTER body", "peripheral", p.Name)
		return
	}

	cmd := binary.LittleEndian.Uint16(body[4:6])
	subsys := binary.LittleEndian.Uint16(body[6:8])
	count := int(binary.LittleEndian.Uint16(body[8:10]))

	entries := body[registerHeaderLen:]

	for i := 0; i < count; i++ {
		off := i * registerEntryLen
		if off+registerEntryLen > len(entries) {
			break
		}

		first := binary.LittleEndian.Uint16(entries[off : off+2])
		last := binary.LittleEndian.Uint16(entries[off+2 : off+4])

		p.router.registry.RegisterPeripheral(rangeKeys(cmd, subsys, first, last), p)
	}
}

func (p *Peripheral) handleDeregister(body []byte) {
	if len(body) < deregisterHeaderLen {
		log.Warn("truncated DEREGISTER body", "peripheral", p.Name)
		return
	}

	cmd := binary.LittleEndian.Uint16(body[4:6])
	subsys := binary.LittleEndian.Uint16(body[6:8])
	count := int(binary.LittleEndian.Uint16(body[8:10]))

	entries := body[deregisterHeaderLen:]

	for i := 0; i < count; i++ {
		off := i * deregisterEntryLen
		if off+deregisterEntryLen > len(entries) {
			break
		}

		first := binary.LittleEndian.Uint16(entries[off : off+2])
		last := binary.LittleEndian.Uint16(entries[off+2 : off+4])

		p.router.registry.DeregisterPeripheral(p, rangeKeys(cmd, subsys, first, last))
	}
}

// localFeatureMask is the feature set this router can honor for p.
// REQ_RSP_SUPPORT is only granted when the peripheral actually has a
// command channel, and SOCKETS_ENABLED only on the socket transport;
// granting REQ_RSP to a peripheral without a cmdq sink would route
// every outbound command onto a queue nothing drains.
func (p *Peripheral) localFeatureMask() uint32 {
	mask := FeatureMaskSupport | FeatureMasterSetsCommonMask | FeatureAppsHDLCEncode |
		FeatureDiagID | FeatureDiagIDFeatureMask

	if p.cmdFD >= 0 {
		mask |= FeatureReqRspSupport
	}

	if p.sockets {
		mask |= FeatureSocketsEnabled
	}

	return mask
}

// FEATURE_MASK body: mask_len:u32 followed by the little-endian bitmap.
// The reply carries the intersection with the locally-supported set,
// then the current filter masks and the mode and buffering packets.
func (p *Peripheral) handleFeatureMask(body []byte) {
	if len(body) < 8 {
		log.Warn("truncated FEATURE_MASK body", "peripheral", p.Name)
		return
	}

	remote := binary.LittleEndian.Uint32(body[4:8])
	p.FeatureMask = remote & p.localFeatureMask()

	p.sendFeatureMask()
	p.router.Masks.SendAll(p)
	p.sendDiagMode()
	p.sendBufferingMode()
}

func (p *Peripheral) sendFeatureMask() {
	body := appendLE32(nil, 4) // mask_len
	body = appendLE32(body, p.FeatureMask)
	p.sendCNTL(cntlCmdFeatureMask, body)
}

// DIAG_MODE: version, sleep_vote, real_time, use_nrt_values,
// commit_threshold, sleep_threshold, sleep_time, drain_timer_val,
// event_stale_time_val, all u32; the v2 variant appends the
// peripheral's diag id.
func (p *Peripheral) sendDiagMode() {
	version := uint32(1)
	if p.HasDiagID {
		version = 2
	}

	body := appendLE32(nil, version)
	body = appendLE32(body, 1) // sleep_vote
	body = appendLE32(body, 1) // real_time
	for i := 0; i < 6; i++ {
		body = appendLE32(body, 0) // use_nrt_values through event_stale_time_val
	}

	if p.HasDiagID {
		body = append(body, p.DiagID)
	}

	p.sendCNTL(cntlCmdDiagMode, body)
}

// BUFFERING_TX_MODE: version:u32, then {stream_id, tx_mode} for v1 or
// {diag_id, stream_id, tx_mode} for v2.
func (p *Peripheral) sendBufferingMode() {
	var body []byte
	if p.HasDiagID {
		body = appendLE32(nil, 2)
		body = append(body, p.DiagID, 0, bufferingModeStreaming)
	} else {
		body = appendLE32(nil, 1)
		body = append(body, 0, bufferingModeStreaming)
	}

	p.sendCNTL(cntlCmdBufferingMode, body)
}

// DIAG_ID body: version:u32, then the process name. Version 3 carries a
// peripheral-proposed id byte ahead of the name and the router adopts
// it; earlier versions get the next locally-assigned id. The reply
// echoes the version and carries {id, name\0}.
func (p *Peripheral) handleDiagID(body []byte) {
	if len(body) < 4 {
		log.Warn("truncated DIAG_ID body", "peripheral", p.Name)
		return
	}

	version := binary.LittleEndian.Uint32(body[0:4])

	var id byte
	var name string

	if version >= 3 {
		if len(body) < 5 {
			log.Warn("truncated DIAG_ID v3 body", "peripheral", p.Name)
			return
		}

		name = extractProcessName(body[5:])
		id = p.adoptDiagID(name, body[4])
	} else {
		name = extractProcessName(body[4:])
		id = p.assignDiagID(name)
	}

	reply := appendLE32(nil, version)
	reply = append(reply, id)
	reply = append(reply, name...)
	reply = append(reply, 0)

	p.sendCNTL(cntlCmdDiagID, reply)
}

// extractProcessName reads the NUL-terminated process name from the
// DIAG_ID body's trailing variable region.
func extractProcessName(body []byte) string {
	if i := bytes.IndexByte(body, 0); i >= 0 {
		return string(body[:i])
	}

	return string(body)
}
