package watch

import "github.com/charmbracelet/log"

// Watermark is the outstanding-packet count above which a flow-controlled
// read registration is suspended.
const Watermark = 10

// Flow is a per-peripheral outstanding-packet counter. It is incremented
// when a message is enqueued on a downstream queue on behalf of the
// upstream fd, and decremented on write completion.
type Flow struct {
	packets int
}

// NewFlow returns a zeroed flow token.
func NewFlow() *Flow {
	return &Flow{}
}

// Inc records one more outstanding packet. A nil receiver is a no-op, so
// sources without flow control can pass a nil token.
func (f *Flow) Inc() {
	if f == nil {
		return
	}

	f.packets++
}

// Dec retires one outstanding packet. Decrementing past zero is a non-fatal
// consistency error: it is reported and clamped at zero rather than going
// negative.
func (f *Flow) Dec() {
	if f == nil {
		return
	}

	if f.packets == 0 {
		log.Error("unbalanced flow control: decrement below zero")
		return
	}

	f.packets--
}

// Blocked reports whether the token is above the watermark.
func (f *Flow) Blocked() bool {
	return f != nil && f.packets > Watermark
}

// Outstanding reports the current outstanding-packet count, for tests and
// diagnostics.
func (f *Flow) Outstanding() int {
	if f == nil {
		return 0
	}

	return f.packets
}
