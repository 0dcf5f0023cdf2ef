package router

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawClient(t *testing.T, r *Router, name string) *Client {
	t.Helper()

	c := r.AddClient(name, -1, -1, false)
	c.Enable()

	return c
}

func popOne(t *testing.T, c *Client) []byte {
	t.Helper()

	require.Equal(t, 1, c.queue.Len())
	buf := c.queue.Pop()
	require.NotNil(t, buf)

	return buf.Bytes()
}

func TestCommandKeyConstruction(t *testing.T) {
	key := CommandKey([]byte{0x4B, 0x32, 0x03, 0x00})
	assert.Equal(t, uint32(0x4B320003), key)
}

func TestCommandKeyOrdinary(t *testing.T) {
	key := CommandKey([]byte{0x1C})
	assert.Equal(t, uint32(0xFFFF0000)|0x1C, key)
}

func TestDispatchCommonWinsOverPeripheralAndFallback(t *testing.T) {
	r := New(nil)
	client := rawClient(t, r, "dm0")

	var commonCalled, fallbackCalled bool

	key := simpleKey(0xF0)
	r.registry.RegisterCommon(singleKeyRange(key), func(r *Router, req []byte) ([]byte, error) {
		commonCalled = true
		return []byte{0x00}, nil
	})
	r.registry.RegisterFallback(singleKeyRange(key), func(r *Router, req []byte) ([]byte, error) {
		fallbackCalled = true
		return []byte{0x01}, nil
	})

	peripheral := r.AddPeripheral("modem", nil, -1, -1, -1)
	r.registry.RegisterPeripheral(singleKeyRange(key), peripheral)

	r.Dispatch(client, []byte{0xF0})

	assert.True(t, commonCalled)
	assert.False(t, fallbackCalled)
	assert.Equal(t, 0, peripheral.dataq.Len())

	resp := popOne(t, client)
	assert.Equal(t, []byte{0x00}, resp)
}

func TestDispatchPeripheralOnlyWhenMatchedOverFallback(t *testing.T) {
	r := New(nil)
	client := rawClient(t, r, "dm0")

	var fallbackCalled bool

	key := simpleKey(0xF1)
	r.registry.RegisterFallback(singleKeyRange(key), func(r *Router, req []byte) ([]byte, error) {
		fallbackCalled = true
		return []byte{0x01}, nil
	})

	peripheral := r.AddPeripheral("modem", nil, -1, -1, -1)
	r.registry.RegisterPeripheral(singleKeyRange(key), peripheral)

	r.Dispatch(client, []byte{0xF1})

	assert.False(t, fallbackCalled)
	assert.Equal(t, 0, client.queue.Len())
	assert.Equal(t, 1, peripheral.dataq.Len())
}

func TestDispatchFallbackOnlyWhenNoPeripheralMatches(t *testing.T) {
	r := New(nil)
	client := rawClient(t, r, "dm0")

	r.Dispatch(client, []byte{0x1C})

	resp := popOne(t, client)
	assert.Equal(t, []byte{0x1C, 0x02}, resp)
}

func TestDispatchUnmatchedProducesBadCommand(t *testing.T) {
	r := New(nil)
	client := rawClient(t, r, "dm0")

	r.Dispatch(client, []byte{0xFE})

	resp := popOne(t, client)
	assert.Equal(t, []byte{0x13, 0xFE}, resp)
}

func TestKeepAliveScenario(t *testing.T) {
	r := New(nil)
	client := rawClient(t, r, "dm0")

	r.Dispatch(client, []byte{0x4B, 0x32, 0x03, 0x00})

	resp := popOne(t, client)
	want := make([]byte, 16)
	copy(want, []byte{0x4B, 0x32, 0x03, 0x00})
	assert.Equal(t, want, resp)
}

func TestKeepAliveIgnoresTrailingRequestBytes(t *testing.T) {
	r := New(nil)
	client := rawClient(t, r, "dm0")

	r.Dispatch(client, []byte{0x4B, 0x32, 0x03, 0x00, 0xDE, 0xAD})

	resp := popOne(t, client)
	want := make([]byte, 16)
	copy(want, []byte{0x4B, 0x32, 0x03, 0x00})
	assert.Equal(t, want, resp)
}

func TestLogRangeQueryScenario(t *testing.T) {
	r := New(nil)
	client := rawClient(t, r, "dm0")

	r.Masks.Log.Equip[3].LastItem = 7

	req := []byte{0x73, 0, 0, 0, 1, 0, 0, 0}
	r.Dispatch(client, req)

	resp := popOne(t, client)
	require.Len(t, resp, 8+4+16*4)
	assert.Equal(t, req, resp[:8])
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(resp[8:12]))
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(resp[12+3*4:12+4*4]))
}

func TestBroadcastDisable(t *testing.T) {
	r := New(nil)
	client := rawClient(t, r, "dm0")

	client.Disable()
	r.Broadcast([]byte{1, 2, 3}, nil)

	assert.Equal(t, 0, client.queue.Len())
}

func TestRegisterThenDispatchForwardsToPeripheral(t *testing.T) {
	r := New(nil)
	client := rawClient(t, r, "dm0")
	peripheral := r.AddPeripheral("modem", nil, -1, -1, -1)

	// cmd=0xFF, subsys=0xFF registers a plain (non-subsystem) command
	// range: the base key collapses to 0xFFFF0000, matching CommandKey's
	// plain-byte formula. Range [0x007B,0x007B] owns command byte 0x7B.
	registerBody := appendLE32(nil, 1) // version
	registerBody = appendLE16(registerBody, 0xFF)
	registerBody = appendLE16(registerBody, 0xFF)
	registerBody = appendLE16(registerBody, 1) // count_entries
	registerBody = appendLE16(registerBody, 0) // port
	registerBody = appendLE16(registerBody, 0x007B)
	registerBody = appendLE16(registerBody, 0x007B)
	registerBody = appendLE32(registerBody, 0) // entry data

	cntl := make([]byte, 0, 8+len(registerBody))
	cntl = appendLE32(cntl, cntlCmdRegister)
	cntl = appendLE32(cntl, uint32(len(registerBody)))
	cntl = append(cntl, registerBody...)

	peripheral.HandleCNTL(cntl)

	r.Dispatch(client, []byte{0x7B, 0x00, 0x00})

	assert.Equal(t, 1, peripheral.dataq.Len())
	assert.Equal(t, 0, client.queue.Len())
}

func TestCNTLTruncationAbortsBufferNotStream(t *testing.T) {
	r := New(nil)
	peripheral := r.AddPeripheral("modem", nil, -1, -1, -1)

	truncated := make([]byte, 0, 48)
	truncated = appendLE32(truncated, cntlCmdRegister)
	truncated = appendLE32(truncated, 100)
	truncated = append(truncated, make([]byte, 40)...)

	assert.NotPanics(t, func() { peripheral.HandleCNTL(truncated) })

	peripheral.HandleCNTL(featureMaskTLV(FeatureMaskSupport | FeatureAppsHDLCEncode | FeatureReqRspSupport))

	// REQ_RSP is advertised but the peripheral has no command channel,
	// so the intersection drops it.
	assert.Equal(t, FeatureMaskSupport|FeatureAppsHDLCEncode, peripheral.FeatureMask)
}

func featureMaskTLV(mask uint32) []byte {
	body := appendLE32(nil, 4) // mask_len
	body = appendLE32(body, mask)

	tlv := appendLE32(nil, cntlCmdFeatureMask)
	tlv = appendLE32(tlv, uint32(len(body)))

	return append(tlv, body...)
}

func TestFeatureMaskNegotiationSendsMasksAndModePackets(t *testing.T) {
	r := New(nil)
	peripheral := r.AddPeripheral("modem", nil, -1, -1, -1)

	peripheral.HandleCNTL(featureMaskTLV(FeatureMaskSupport | FeatureAppsHDLCEncode))

	// With all three mask tables still invalid, each collapses to one
	// packet: feature mask reply + log + msg + event + diag mode +
	// buffering mode.
	assert.Equal(t, 6, peripheral.cntlq.Len())
}

func TestFeatureMaskNegotiationSendsValidMasksPerEntry(t *testing.T) {
	r := New(nil)
	peripheral := r.AddPeripheral("modem", nil, -1, -1, -1)

	r.Masks.Log.Status = StatusValid
	r.Masks.Msg.Status = StatusValid
	r.Masks.Event.Status = StatusValid

	peripheral.HandleCNTL(featureMaskTLV(FeatureMaskSupport | FeatureAppsHDLCEncode))

	// Feature mask reply + 16 log-mask + 25 msg-mask + 1 event-mask +
	// diag mode + buffering mode.
	assert.Equal(t, 1+logEquipCount+msgRangeCount+1+2, peripheral.cntlq.Len())
}

func TestReqRspGrantedOnlyWithCommandChannel(t *testing.T) {
	r := New(nil)
	peripheral := r.AddPeripheral("modem", nil, -1, -1, -1)

	peripheral.HandleCNTL(featureMaskTLV(FeatureMaskSupport | FeatureReqRspSupport))

	assert.Zero(t, peripheral.FeatureMask&FeatureReqRspSupport)

	// Commands keep flowing on the data queue, which has a reactor sink.
	require.NoError(t, peripheral.Send([]byte{0x7B}))
	assert.Equal(t, 1, peripheral.dataq.Len())
	assert.Equal(t, 0, peripheral.cmdq.Len())

	withCmd := &Peripheral{Name: "cdsp", cmdFD: 3, cntlFD: -1, dataFD: -1, dciCmdFD: -1, router: r}
	assert.NotZero(t, withCmd.localFeatureMask()&FeatureReqRspSupport)
}

func TestSocketsEnabledGrantedOnlyOnSocketTransport(t *testing.T) {
	r := New(nil)
	peripheral := r.AddPeripheral("modem", nil, -1, -1, -1)

	assert.Zero(t, peripheral.localFeatureMask()&FeatureSocketsEnabled)

	peripheral.sockets = true
	assert.NotZero(t, peripheral.localFeatureMask()&FeatureSocketsEnabled)
}

func TestMaskPacketsCarryStreamID(t *testing.T) {
	r := New(nil)
	peripheral := r.AddPeripheral("modem", nil, -1, -1, -1)

	r.Masks.sendEventMask(peripheral)

	buf := peripheral.cntlq.Pop()
	require.NotNil(t, buf)

	pkt := buf.Bytes()
	require.GreaterOrEqual(t, len(pkt), 11)
	assert.Equal(t, uint32(cntlCmdEventMask), binary.LittleEndian.Uint32(pkt[0:4]))
	assert.Equal(t, byte(1), pkt[8], "stream_id")
	assert.Equal(t, byte(StatusInvalid), pkt[9])
	assert.Equal(t, byte(0), pkt[10], "event_config off while mask invalid")
}

func TestDiagIDAssignmentIsStablePerProcessName(t *testing.T) {
	r := New(nil)
	peripheral := r.AddPeripheral("modem", nil, -1, -1, -1)

	first := peripheral.assignDiagID("rild")
	second := peripheral.assignDiagID("netmgrd")
	third := peripheral.assignDiagID("rild")

	assert.Equal(t, first, third)
	assert.NotEqual(t, first, second)
	assert.Equal(t, []string{"rild", "netmgrd"}, peripheral.processOrder)
}

func diagIDTLV(version uint32, proposed byte, name string) []byte {
	body := appendLE32(nil, version)
	if version >= 3 {
		body = append(body, proposed)
	}
	body = append(body, name...)
	body = append(body, 0)

	tlv := appendLE32(nil, cntlCmdDiagID)
	tlv = appendLE32(tlv, uint32(len(body)))

	return append(tlv, body...)
}

func TestDiagIDv1AssignsIncrementingIDs(t *testing.T) {
	r := New(nil)
	peripheral := r.AddPeripheral("modem", nil, -1, -1, -1)

	peripheral.HandleCNTL(diagIDTLV(1, 0, "modem/root_pd"))

	require.True(t, peripheral.HasDiagID)
	assert.Equal(t, byte(1), peripheral.DiagID)

	reply := peripheral.cntlq.Pop()
	require.NotNil(t, reply)

	pkt := reply.Bytes()
	require.GreaterOrEqual(t, len(pkt), 13)
	assert.Equal(t, uint32(cntlCmdDiagID), binary.LittleEndian.Uint32(pkt[0:4]))
	assert.Equal(t, byte(1), pkt[12], "assigned id")
}

func TestDiagIDv3AdoptsProposedID(t *testing.T) {
	r := New(nil)
	peripheral := r.AddPeripheral("modem", nil, -1, -1, -1)

	peripheral.HandleCNTL(diagIDTLV(3, 0x2A, "modem/root_pd"))

	require.True(t, peripheral.HasDiagID)
	assert.Equal(t, byte(0x2A), peripheral.DiagID)

	// Later local assignments must not collide with the adopted id.
	assert.Greater(t, peripheral.assignDiagID("rild"), byte(0x2A))
}

func TestEventReportControlTogglesAndBroadcasts(t *testing.T) {
	r := New(nil)
	client := rawClient(t, r, "dm0")
	peripheral := r.AddPeripheral("modem", nil, -1, -1, -1)

	r.Dispatch(client, []byte{cmdEventReportControl, 1})

	assert.Equal(t, StatusAllEnabled, r.Masks.Event.Status)
	assert.Equal(t, []byte{cmdEventReportControl, 0, 0}, popOne(t, client))
	assert.Equal(t, 1, peripheral.cntlq.Len(), "event mask broadcast to peripheral")
}

func TestEventGetMaskEchoesBitmap(t *testing.T) {
	r := New(nil)
	client := rawClient(t, r, "dm0")

	r.Dispatch(client, []byte{cmdEventGetMask, 0, 0, 0})

	resp := popOne(t, client)
	require.Len(t, resp, 6+eventMaskInitLen)
	assert.Equal(t, byte(cmdEventGetMask), resp[0])
	assert.Equal(t, byte(eventErrorOK), resp[1])
	assert.Equal(t, uint16(eventMaskInitLen*8), binary.LittleEndian.Uint16(resp[4:6]))
}

func TestDiagIDQueryListsProcessTable(t *testing.T) {
	r := New(nil)
	client := rawClient(t, r, "dm0")
	peripheral := r.AddPeripheral("modem", nil, -1, -1, -1)

	id := peripheral.assignDiagID("modem/root_pd")

	r.Dispatch(client, []byte{0x4B, diagSubsys, 0x22, 0x02, 1})

	resp := popOne(t, client)
	require.Greater(t, len(resp), 6)
	assert.Equal(t, []byte{0x4B, diagSubsys, 0x22, 0x02, 1, 1}, resp[:6])
	assert.Equal(t, id, resp[6])
	assert.Equal(t, byte(len("modem/root_pd")+1), resp[7])
}

func TestDeregisterRemovesMatchingRange(t *testing.T) {
	r := New(nil)
	peripheral := r.AddPeripheral("modem", nil, -1, -1, -1)

	rng := rangeKeys(0xFF, 0xFF, 0x7B, 0x7B)
	r.registry.RegisterPeripheral(rng, peripheral)

	body := appendLE32(nil, 1) // version
	body = appendLE16(body, 0xFF)
	body = appendLE16(body, 0xFF)
	body = appendLE16(body, 1) // count_entries
	body = appendLE16(body, 0x007B)
	body = appendLE16(body, 0x007B)

	tlv := appendLE32(nil, cntlCmdDeregister)
	tlv = appendLE32(tlv, uint32(len(body)))
	peripheral.HandleCNTL(append(tlv, body...))

	assert.Empty(t, r.registry.peripheral)
}

func TestPeripheralCloseDropsRegistrations(t *testing.T) {
	r := New(nil)
	peripheral := r.AddPeripheral("modem", nil, -1, -1, -1)
	r.registry.RegisterPeripheral(rangeKeys(0xFF, 0xFF, 0, 0xFFFF), peripheral)

	peripheral.Close()

	assert.Empty(t, r.registry.peripheral)
	assert.Empty(t, r.peripherals)
}
