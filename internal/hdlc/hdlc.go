// Package hdlc implements the byte-stuffed HDLC framing used on every DIAG
// channel: variable-length frames terminated by 0x7E, with 0x7D escaping and
// a trailing CRC-16/CCITT. The decoder carries its state across calls so
// frames can be reassembled from arbitrarily fragmented reads.
package hdlc

const (
	terminator = 0x7E
	escape     = 0x7D
	escapeXor  = 0x20

	// MaxFrameLen is the maximum decoded (payload+CRC) length the decoder
	// will accumulate before discarding a frame as oversized.
	MaxFrameLen = 16384
)

// Encode appends the CRC-16/CCITT trailer to payload, byte-stuffs the
// result, and terminates it with a single 0x7E. The worst case output
// length is 2*(len(payload)+2) + 1.
func Encode(payload []byte) []byte {
	c := crc(payload)
	c = ^c

	trailer := [2]byte{byte(c), byte(c >> 8)}

	out := make([]byte, 0, 2*(len(payload)+2)+1)
	out = appendStuffed(out, payload)
	out = appendStuffed(out, trailer[:])
	out = append(out, terminator)

	return out
}

func appendStuffed(out []byte, in []byte) []byte {
	for _, b := range in {
		if b == escape || b == terminator {
			out = append(out, escape, b^escapeXor)
		} else {
			out = append(out, b)
		}
	}

	return out
}

// Decoder is a streaming HDLC unstuffer. It tolerates arbitrary
// fragmentation of the input across calls to Feed, reassembling complete
// frames as they terminate.
type Decoder struct {
	pendingEscape bool
	oversized     bool
	buf           []byte
}

// NewDecoder returns a ready-to-use streaming decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed processes additional input bytes, invoking emit once per complete,
// non-empty decoded frame (CRC trailer still attached; callers that care
// about CRC use CRCValid on the result). Malformed frames (fewer than two
// emitted bytes before a terminator) and empty frames (bare 0x7E, the idle
// marker) are discarded silently.
func (d *Decoder) Feed(in []byte, emit func(frame []byte)) {
	for _, b := range in {
		switch {
		case d.pendingEscape:
			if !d.oversized {
				d.buf = append(d.buf, b^escapeXor)
			}
			d.pendingEscape = false
		case b == escape:
			d.pendingEscape = true
		case b == terminator:
			if !d.oversized && len(d.buf) >= 2 {
				frame := make([]byte, len(d.buf))
				copy(frame, d.buf)
				emit(frame)
			}
			d.buf = d.buf[:0]
			d.oversized = false
		default:
			if !d.oversized {
				d.buf = append(d.buf, b)
			}
		}

		if len(d.buf) > MaxFrameLen {
			// Oversized frame. Drop it and wait for the next
			// terminator.
			d.buf = d.buf[:0]
			d.oversized = true
		}
	}
}

// CRCValid reports whether the last two bytes of a decoded frame (as
// produced by Feed, trailer included) match the expected CRC-16/CCITT
// trailer over the remaining payload. The decoder never drops frames on
// CRC mismatch; callers may use this to log, never to discard.
func CRCValid(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}

	payload := frame[:len(frame)-2]
	want := ^crc(payload)
	got := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8

	return want == got
}

// StripCRC returns the frame payload with its trailing 2-byte CRC removed.
// Panics if frame is shorter than 2 bytes; callers must only pass frames
// already validated by Feed's emit callback (which only fires for frames
// of length >= 2).
func StripCRC(frame []byte) []byte {
	return frame[:len(frame)-2]
}
