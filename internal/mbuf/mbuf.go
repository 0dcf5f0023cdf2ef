// Package mbuf implements the owned byte buffer used to carry frames through
// router and reactor write queues.
package mbuf

import "fmt"

// Flow is the back-reference a buffer carries to the flow-control token of
// the peripheral that produced it. It is an opaque counter to this package;
// see package watch for the token semantics.
type Flow interface {
	Dec()
}

// Buf is a fixed-capacity byte container with an append cursor. A Buf is
// single-owner: it moves through queues by reference, never by copy.
type Buf struct {
	data   []byte
	cursor int

	// Flow is the outstanding-packet token this buffer should decrement
	// when a write queue finishes consuming it. Nil for buffers that
	// aren't flow-controlled (e.g. client-originated traffic).
	Flow Flow
}

// Alloc returns a new buffer of exactly size capacity with cursor 0.
func Alloc(size int) *Buf {
	return &Buf{data: make([]byte, size)}
}

// New wraps an existing byte slice as a fully-appended buffer, useful for
// one-shot sends where the caller already has the bytes in hand (e.g. an
// encoded HDLC frame).
func New(b []byte) *Buf {
	return &Buf{data: b, cursor: len(b)}
}

// Append returns a writable slice of length n and advances the cursor. It
// fails if cursor+n would exceed capacity.
func (b *Buf) Append(n int) ([]byte, error) {
	if b.cursor+n > len(b.data) {
		return nil, fmt.Errorf("mbuf: append %d would exceed capacity %d (cursor %d)", n, len(b.data), b.cursor)
	}

	s := b.data[b.cursor : b.cursor+n]
	b.cursor += n

	return s, nil
}

// Bytes returns the portion of the buffer written so far.
func (b *Buf) Bytes() []byte {
	return b.data[:b.cursor]
}

// Len reports how much of the buffer has been written.
func (b *Buf) Len() int {
	return b.cursor
}

// Cap reports the buffer's total capacity.
func (b *Buf) Cap() int {
	return len(b.data)
}

// Release decrements the buffer's flow token, if any. Called once by the
// queue consumer (the reactor, on write completion) when the buffer is
// retired.
func (b *Buf) Release() {
	if b.Flow != nil {
		b.Flow.Dec()
	}
}
