// Package frame implements the multiplex framing codec: the 4-byte,
// little-endian (target, length) header that precedes every payload on
// the control connection, and the state machine that advances a
// registry.Source's header/payload cursor across arbitrary read
// boundaries.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/iceisfun/minirevd/pkg/registry"
)

// HeaderSize is the size in bytes of a frame header.
const HeaderSize = registry.HeaderSize

// MaxPayload is the largest payload a single frame can carry; the
// length field is a 16-bit count.
const MaxPayload = 0xFFFF

// OpenPortTarget is the sentinel target value meaning "no payload
// follows; length is the TCP port the device must bind".
const OpenPortTarget = 0

// Header is a decoded (target, length) pair.
type Header struct {
	Target uint16
	Length uint16
}

// EncodeHeader renders a frame header as 4 little-endian bytes.
func EncodeHeader(target, length uint16) [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint16(b[0:2], target)
	binary.LittleEndian.PutUint16(b[2:4], length)
	return b
}

// EncodeForward builds the wire bytes for a frame announcing `n` bytes
// of payload read from a ForwardConnection identified by fd: target is
// the ForwardConnection's own descriptor. Callers write the returned
// header immediately followed by the payload.
func EncodeForward(fd int, n int) ([HeaderSize]byte, error) {
	if n < 0 || n > MaxPayload {
		return [HeaderSize]byte{}, fmt.Errorf("frame: payload length %d exceeds max %d", n, MaxPayload)
	}
	if fd <= 0 || fd > 0xFFFF {
		return [HeaderSize]byte{}, fmt.Errorf("frame: descriptor %d out of multiplex identifier range", fd)
	}
	return EncodeHeader(uint16(fd), uint16(n)), nil
}

// DecodeResult describes what a single call to DecodeInto accomplished.
type DecodeResult struct {
	// Consumed is how many bytes of the input buffer were used.
	Consumed int
	// HeaderComplete is true when this call completed a pending header;
	// Header holds the decoded (target, length) pair in that case.
	HeaderComplete bool
	Header         Header
}

// DecodeInto advances src's header-collection state machine using up to
// len(buf) bytes, consuming only as many as are needed to complete the
// header (never more). It must be called in a loop by the caller to
// drain an entire read buffer; it processes at most one header per
// call by design, to keep the byte accounting exact across arbitrary
// read boundaries.
//
// Precondition: src.AwaitingHeader() is true. Calling this while the
// source is mid-payload is a programmer error.
func DecodeInto(src *registry.Source, buf []byte) DecodeResult {
	if !src.AwaitingHeader() {
		panic("frame: DecodeInto called while source is not awaiting a header")
	}

	need := -src.MPLength
	take := len(buf)
	if take > need {
		take = need
	}

	copy(src.Header[HeaderSize+src.MPLength:], buf[:take])
	src.MPLength += take

	if src.MPLength != 0 {
		return DecodeResult{Consumed: take}
	}

	target := binary.LittleEndian.Uint16(src.Header[0:2])
	length := binary.LittleEndian.Uint16(src.Header[2:4])
	src.Target = int(target)
	src.MPLength = int(length)

	return DecodeResult{
		Consumed:       take,
		HeaderComplete: true,
		Header:         Header{Target: target, Length: length},
	}
}
