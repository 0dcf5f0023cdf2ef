package transport

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
)

// USB functionfs descriptor constants: the v2 descriptor header magic,
// per-speed descriptor counts, and a vendor-specific interface carrying
// a bulk-in/bulk-out pair (no interrupt or isochronous endpoints; the
// diag gadget only ever needs two bulk pipes).
const (
	ffsDescMagicV2 = 0x00000003
	ffsFlagsV2     = 0x00000001 // FUNCTIONFS_HAS_FS_DESC

	ffsStringsMagic = 0x00000002

	usbClassVendorSpec    = 0xFF
	usbSubclassVendorSpec = 0xFF
	usbProtocolDiag       = 0x30
)

// functionfs event types delivered on ep0.
const (
	FFSEventBind    = 0
	FFSEventUnbind  = 1
	FFSEventEnable  = 2
	FFSEventDisable = 3
	FFSEventSetup   = 4
	FFSEventSuspend = 5
	FFSEventResume  = 6
)

// ffsEventLen is the size of one struct usb_functionfs_event: an 8-byte
// setup union, a type byte, and 3 bytes of padding.
const ffsEventLen = 12

// ParseFFSEvents splits one ep0 read into its event type bytes.
func ParseFFSEvents(buf []byte) []byte {
	var events []byte

	for len(buf) >= ffsEventLen {
		events = append(events, buf[8])
		buf = buf[ffsEventLen:]
	}

	return events
}

// FunctionFS is an open USB functionfs gadget function: ep0 (control)
// plus one bulk-in and one bulk-out endpoint file.
type FunctionFS struct {
	EP0    *os.File
	EPIn   *os.File
	EPOut  *os.File
	mount  string
}

// OpenFunctionFS mounts (opens, in functionfs's case — the gadget
// function is expected to already be bound via configfs) the functionfs
// instance rooted at mountPoint, writes its descriptor and strings
// blocks to ep0, and opens the bulk endpoint files. Closing EP0 before
// the endpoint files are open aborts the gadget binding, so descriptor
// writes happen first.
func OpenFunctionFS(mountPoint string) (*FunctionFS, error) {
	ep0, err := os.OpenFile(mountPoint+"/ep0", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open ep0: %w", err)
	}

	if _, err := ep0.Write(diagDescriptors()); err != nil {
		ep0.Close()
		return nil, fmt.Errorf("write descriptors: %w", err)
	}

	if _, err := ep0.Write(diagStrings()); err != nil {
		ep0.Close()
		return nil, fmt.Errorf("write strings: %w", err)
	}

	epOut, err := os.OpenFile(mountPoint+"/ep1", os.O_RDWR, 0)
	if err != nil {
		ep0.Close()
		return nil, fmt.Errorf("open ep1: %w", err)
	}

	epIn, err := os.OpenFile(mountPoint+"/ep2", os.O_RDWR, 0)
	if err != nil {
		epOut.Close()
		ep0.Close()
		return nil, fmt.Errorf("open ep2: %w", err)
	}

	log.Info("functionfs gadget bound", "mount", mountPoint)

	return &FunctionFS{EP0: ep0, EPIn: epIn, EPOut: epOut, mount: mountPoint}, nil
}

// Close releases the endpoint files in reverse-open order; ep0 last, so
// the kernel tears the function down only after the bulk pipes are gone.
func (f *FunctionFS) Close() error {
	f.EPIn.Close()
	f.EPOut.Close()
	return f.EP0.Close()
}

func diagDescriptors() []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, ffsDescMagicV2)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // total length patched below
	buf = binary.LittleEndian.AppendUint32(buf, ffsFlagsV2)
	buf = binary.LittleEndian.AppendUint32(buf, 3) // full-speed descriptor count

	buf = append(buf, diagInterfaceDescriptor()...)
	buf = append(buf, bulkEndpointDescriptor(0x01, 64)...) // OUT (ep1)
	buf = append(buf, bulkEndpointDescriptor(0x82, 64)...) // IN (ep2)

	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)))

	return buf
}

func diagInterfaceDescriptor() []byte {
	d := make([]byte, 9)
	d[0] = 9    // bLength
	d[1] = 0x04 // bDescriptorType: INTERFACE
	d[2] = 0    // bInterfaceNumber
	d[3] = 0    // bAlternateSetting
	d[4] = 2    // bNumEndpoints
	d[5] = usbClassVendorSpec
	d[6] = usbSubclassVendorSpec
	d[7] = usbProtocolDiag
	d[8] = 1 // iInterface

	return d
}

func bulkEndpointDescriptor(addr byte, maxPacket uint16) []byte {
	d := make([]byte, 7)
	d[0] = 7    // bLength
	d[1] = 0x05 // bDescriptorType: ENDPOINT
	d[2] = addr
	d[3] = 0x02 // bmAttributes: bulk
	binary.LittleEndian.PutUint16(d[4:6], maxPacket)
	d[6] = 0 // bInterval

	return d
}

func diagStrings() []byte {
	const lang = 0x0409 // en-US

	name := "Diag interface\x00"

	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, ffsStringsMagic)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // total length patched below
	buf = binary.LittleEndian.AppendUint32(buf, 1) // str_count
	buf = binary.LittleEndian.AppendUint32(buf, 1) // lang_count
	buf = binary.LittleEndian.AppendUint16(buf, lang)
	buf = append(buf, name...)

	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)))

	return buf
}
