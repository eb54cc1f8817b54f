// Package wire implements the GRAIL binary protocol: length-prefixed
// framing over TCP, the handshake byte strings for each connection role,
// and encoders/decoders for every message a client, solver, or
// aggregator peer exchanges with its server.
//
// A frame carries a uint32 big-endian payload length followed by the
// payload. Decoded frames are passed around the SDK with the 4-byte
// prefix still attached, so the message id is always the byte at offset
// 4 and the smallest meaningful frame is 5 bytes long. Strings travel as
// UTF-16BE code units with a uint32 code-unit count.
package wire

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// HeaderLen is the size of the frame length prefix.
const HeaderLen = 4

// MinFrameLen is the smallest frame that carries a message id.
const MinFrameLen = HeaderLen + 1

func appendUint32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

func appendUint64(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}

func appendInt64(b []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(v))
}

// appendString appends a uint32 code-unit count and the UTF-16BE
// encoding of s.
func appendString(b []byte, s string) []byte {
	units := utf16.Encode([]rune(s))
	b = appendUint32(b, uint32(len(units)))
	for _, u := range units {
		b = binary.BigEndian.AppendUint16(b, u)
	}
	return b
}

// appendData appends a uint32 byte count and the raw bytes.
func appendData(b, data []byte) []byte {
	b = appendUint32(b, uint32(len(data)))
	return append(b, data...)
}

// finishFrame prepends the length header to a payload, producing a
// complete frame ready for FramedSocket.Send.
func finishFrame(payload []byte) []byte {
	frame := make([]byte, 0, HeaderLen+len(payload))
	frame = appendUint32(frame, uint32(len(payload)))
	return append(frame, payload...)
}

// reader consumes primitives from a frame buffer, tracking an offset and
// failing on truncation instead of panicking on short reads.
type reader struct {
	buf []byte
	off int
	err error
}

func newFrameReader(frame []byte) *reader {
	// Skip the length prefix; callers dispatch on frame[4] themselves.
	return &reader{buf: frame, off: HeaderLen}
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("truncated message: missing %s at offset %d", what, r.off)
	}
}

func (r *reader) uint8() uint8 {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.fail("uint8")
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) uint32() uint32 {
	if r.err != nil || r.off+4 > len(r.buf) {
		r.fail("uint32")
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) uint64() uint64 {
	if r.err != nil || r.off+8 > len(r.buf) {
		r.fail("uint64")
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) int64() int64 {
	return int64(r.uint64())
}

func (r *reader) bool() bool {
	return r.uint8() != 0
}

func (r *reader) string() string {
	count := r.uint32()
	if r.err != nil || r.off+2*int(count) > len(r.buf) {
		r.fail("string")
		return ""
	}
	units := make([]uint16, count)
	for i := range units {
		units[i] = binary.BigEndian.Uint16(r.buf[r.off:])
		r.off += 2
	}
	return string(utf16.Decode(units))
}

func (r *reader) data() []byte {
	count := r.uint32()
	if r.err != nil || r.off+int(count) > len(r.buf) {
		r.fail("data")
		return nil
	}
	out := make([]byte, count)
	copy(out, r.buf[r.off:])
	r.off += int(count)
	return out
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}
