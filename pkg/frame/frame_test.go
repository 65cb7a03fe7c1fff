package frame

import (
	"testing"

	"github.com/iceisfun/minirevd/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeForward_RoundTrip(t *testing.T) {
	hdr, err := EncodeForward(7, 3)
	require.NoError(t, err)

	got := Header{
		Target: uint16(hdr[0]) | uint16(hdr[1])<<8,
		Length: uint16(hdr[2]) | uint16(hdr[3])<<8,
	}
	assert.Equal(t, Header{Target: 7, Length: 3}, got)
}

func TestEncodeForward_RejectsOversizedPayload(t *testing.T) {
	_, err := EncodeForward(7, MaxPayload+1)
	assert.Error(t, err)
}

func TestEncodeForward_RejectsOutOfRangeFD(t *testing.T) {
	_, err := EncodeForward(0x10000, 1)
	assert.Error(t, err)
}

// TestDecodeInto_WholeHeaderOneShot checks a single read carrying a
// complete header plus payload. DecodeInto only consumes the header
// bytes; the caller is responsible for the payload half.
func TestDecodeInto_WholeHeaderOneShot(t *testing.T) {
	src := registry.NewControlConnection(100)
	buf := []byte{0x07, 0x00, 0x02, 0x00, 0x5A, 0x5A}

	res := DecodeInto(src, buf)
	require.True(t, res.HeaderComplete)
	assert.Equal(t, 4, res.Consumed)
	assert.Equal(t, Header{Target: 7, Length: 2}, res.Header)
	assert.Equal(t, 7, src.Target)
	assert.Equal(t, 2, src.MPLength)
	assert.False(t, src.AwaitingHeader())
}

// TestDecodeInto_SplitHeader checks that a header arriving as two
// separate reads, [07 00] then [02 00], reassembles identically to the
// one-shot case.
func TestDecodeInto_SplitHeader(t *testing.T) {
	src := registry.NewControlConnection(100)

	res1 := DecodeInto(src, []byte{0x07, 0x00})
	assert.False(t, res1.HeaderComplete)
	assert.Equal(t, 2, res1.Consumed)
	assert.True(t, src.AwaitingHeader())

	res2 := DecodeInto(src, []byte{0x02, 0x00, 0x5A, 0x5A})
	require.True(t, res2.HeaderComplete)
	assert.Equal(t, 2, res2.Consumed) // only the 2 header bytes, not the payload
	assert.Equal(t, Header{Target: 7, Length: 2}, res2.Header)
}

// TestDecodeInto_ByteAtATime covers property 4 (byte-boundary
// resilience): feeding one byte per call still reassembles the header.
func TestDecodeInto_ByteAtATime(t *testing.T) {
	src := registry.NewControlConnection(100)
	wire := []byte{0x07, 0x00, 0x02, 0x00}

	var last DecodeResult
	for i, b := range wire {
		last = DecodeInto(src, []byte{b})
		if i < len(wire)-1 {
			assert.False(t, last.HeaderComplete)
			assert.Equal(t, 1, last.Consumed)
		}
	}

	require.True(t, last.HeaderComplete)
	assert.Equal(t, Header{Target: 7, Length: 2}, last.Header)
}

func TestDecodeInto_PanicsMidPayload(t *testing.T) {
	src := registry.NewControlConnection(100)
	src.MPLength = 5 // pretend we're mid-payload

	assert.Panics(t, func() {
		DecodeInto(src, []byte{0x01})
	})
}
