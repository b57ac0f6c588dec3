// Package proto implements the framed duplex message protocol shared by the
// cdba client and server: a 4-byte header (kind, length) followed by a
// payload, decoded off a pkg/ring.Buffer.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"cdba/pkg/ring"
)

// HeaderSize is the wire size of a frame header: two uint16 fields.
const HeaderSize = 4

// MaxPayload bounds a single frame's payload. Larger payloads (the boot
// image) are chunked by the sender into multiple frames; see
// pkg/client/session's image streamer.
const MaxPayload = 8 * 1024

// ErrUnknownKind is fatal: per spec.md §4.2 an unrecognized message kind
// terminates the session.
var ErrUnknownKind = errors.New("proto: unknown message kind")

// ErrPayloadTooLarge is fatal: a header claiming more than MaxPayload bytes
// indicates a misbehaving peer.
var ErrPayloadTooLarge = errors.New("proto: payload exceeds maximum frame size")

// Header is the fixed-size prefix of every frame.
type Header struct {
	Kind Kind
	Len  uint16
}

// Frame is a fully decoded message: header plus payload bytes.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Encode appends the wire representation of kind+payload to dst and returns
// the extended slice. Header fields are always little-endian
// (encoding/binary.LittleEndian, also used by Decoder), whatever the host's
// byte order; on little-endian hosts this is the native order.
func Encode(dst []byte, kind Kind, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	return dst, nil
}

// Decoder peels frames off a ring buffer as bytes arrive. It is not safe for
// concurrent use.
type Decoder struct {
	buf *ring.Buffer
}

// NewDecoder wraps a ring buffer for frame decoding.
func NewDecoder(buf *ring.Buffer) *Decoder {
	return &Decoder{buf: buf}
}

// Next attempts to decode one complete frame from the buffer. It returns
// (frame, true, nil) on success, (zero, false, nil) if only a partial frame
// is currently buffered, and a non-nil error for a fatal protocol violation
// (unknown kind, over-length payload). The caller is expected to call Next
// in a loop until it returns false, draining every complete frame currently
// available.
func (d *Decoder) Next() (Frame, bool, error) {
	hdrBytes, ok := d.buf.Peek(HeaderSize)
	if !ok {
		return Frame{}, false, nil
	}
	kind := Kind(binary.LittleEndian.Uint16(hdrBytes[0:2]))
	length := binary.LittleEndian.Uint16(hdrBytes[2:4])

	if !kind.Valid() {
		return Frame{}, false, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	if int(length) > MaxPayload {
		return Frame{}, false, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}
	if d.buf.Available() < HeaderSize+int(length) {
		return Frame{}, false, nil
	}

	full, ok := d.buf.Read(HeaderSize + int(length))
	if !ok {
		// unreachable given the Available() check above
		return Frame{}, false, nil
	}
	payload := append([]byte(nil), full[HeaderSize:]...)
	return Frame{Kind: kind, Payload: payload}, true, nil
}
