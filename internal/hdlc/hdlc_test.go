package hdlc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/linux-msm/diag/internal/hdlc"
)

func decodeOne(t require.TestingT, encoded []byte) []byte {
	d := hdlc.NewDecoder()

	var frames [][]byte
	d.Feed(encoded, func(f []byte) { frames = append(frames, f) })

	require.Len(t, frames, 1)

	return hdlc.StripCRC(frames[0])
}

func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOf(rapid.Byte()).Draw(t, "payload")

		encoded := hdlc.Encode(payload)
		got := decodeOne(t, encoded)

		assert.Equal(t, payload, got)
	})
}

func TestEscapeIdempotence(t *testing.T) {
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}

	encoded := hdlc.Encode(payload)
	got := decodeOne(t, encoded)

	assert.Equal(t, payload, got)
}

func TestFragmentationInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(t, "n")
		payloads := make([][]byte, n)

		var whole []byte
		for i := 0; i < n; i++ {
			p := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "payload")
			payloads[i] = p
			whole = append(whole, hdlc.Encode(p)...)
		}

		// Single-shot decode.
		var oneShot [][]byte
		d1 := hdlc.NewDecoder()
		d1.Feed(whole, func(f []byte) { oneShot = append(oneShot, hdlc.StripCRC(f)) })

		// Chunked decode at an arbitrary partition.
		var chunked [][]byte
		d2 := hdlc.NewDecoder()

		pos := 0
		for pos < len(whole) {
			step := rapid.IntRange(1, max(1, len(whole)-pos)).Draw(t, "step")
			d2.Feed(whole[pos:pos+step], func(f []byte) { chunked = append(chunked, hdlc.StripCRC(f)) })
			pos += step
		}

		require.Len(t, oneShot, n)
		require.Len(t, chunked, n)
		assert.Equal(t, oneShot, chunked)

		for i, p := range payloads {
			assert.Equal(t, p, chunked[i])
		}
	})
}

func TestZeroLengthFrameDiscarded(t *testing.T) {
	d := hdlc.NewDecoder()

	var frames [][]byte
	d.Feed([]byte{0x7E, 0x7E}, func(f []byte) { frames = append(frames, f) })

	assert.Empty(t, frames)
}

func TestMalformedFrameDiscarded(t *testing.T) {
	d := hdlc.NewDecoder()

	var frames [][]byte
	// Single byte before terminator: fewer than 2 emitted bytes.
	d.Feed([]byte{0x01, 0x7E}, func(f []byte) { frames = append(frames, f) })

	assert.Empty(t, frames)
}

func TestCRCContract(t *testing.T) {
	payload := []byte{0x1C, 0x02, 0xAB, 0xCD}

	encoded := hdlc.Encode(payload)

	d := hdlc.NewDecoder()

	var frames [][]byte
	d.Feed(encoded, func(f []byte) { frames = append(frames, f) })

	require.Len(t, frames, 1)
	assert.True(t, hdlc.CRCValid(frames[0]))
}
