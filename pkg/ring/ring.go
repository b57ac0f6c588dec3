// Package ring implements the fixed-capacity byte ring buffer shared by the
// client and server frame decoders.
package ring

import (
	"errors"
	"io"
)

// ErrOverflow is returned when fill would need more free space than the
// buffer has left. The caller treats this as a fatal protocol error: either
// the peer is misbehaving or the buffer is undersized for the traffic.
var ErrOverflow = errors.New("ring: buffer overflow")

// MinCapacity is the smallest capacity callers should configure; below this
// even a single maximum-size frame header plus payload may not fit.
const MinCapacity = 16 * 1024

// Buffer is a single-producer, single-consumer circular byte buffer. It is
// not safe for concurrent use; callers run it from one event loop goroutine.
type Buffer struct {
	buf      []byte
	readPos  int
	writePos int
	used     int
}

// New allocates a ring buffer with the given capacity in bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = MinCapacity
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Capacity returns the total number of bytes the buffer can hold.
func (b *Buffer) Capacity() int {
	return len(b.buf)
}

// Available reports how many unread bytes are currently buffered.
func (b *Buffer) Available() int {
	return b.used
}

func (b *Buffer) free() int {
	return len(b.buf) - b.used
}

// Fill reads from r into the buffer's free space and returns the number of
// bytes appended. A return of (0, nil) means r reported EOF; the caller
// treats EOF on the transport as session end. Fill never blocks beyond what
// the underlying reader does: r is expected to be configured non-blocking by
// the caller's event loop registration.
func (b *Buffer) Fill(r io.Reader) (int, error) {
	if b.free() == 0 {
		return 0, ErrOverflow
	}
	// Read into at most the contiguous span starting at writePos; free space
	// past the wrap point is left for the next Fill.
	total := 0
	for {
		space := b.free()
		if space == 0 {
			break
		}
		end := b.writePos + space
		var n int
		var err error
		if end <= len(b.buf) {
			n, err = r.Read(b.buf[b.writePos:end])
		} else {
			n, err = r.Read(b.buf[b.writePos:])
		}
		if n > 0 {
			b.writePos = (b.writePos + n) % len(b.buf)
			b.used += n
			total += n
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
		// A single Read call is enough per Fill invocation; the event loop
		// will call Fill again once more readiness is signaled. Returning
		// here avoids spinning on readers that always return fewer bytes
		// than requested (e.g. pipes).
		break
	}
	return total, nil
}

// Peek returns the next n bytes without consuming them. It returns false if
// fewer than n bytes are currently available.
func (b *Buffer) Peek(n int) ([]byte, bool) {
	if n > b.used {
		return nil, false
	}
	out := make([]byte, n)
	pos := b.readPos
	for i := 0; i < n; i++ {
		out[i] = b.buf[pos]
		pos++
		if pos == len(b.buf) {
			pos = 0
		}
	}
	return out, true
}

// Read consumes exactly n bytes and returns them, or refuses (returns false)
// if fewer than n bytes are available.
func (b *Buffer) Read(n int) ([]byte, bool) {
	out, ok := b.Peek(n)
	if !ok {
		return nil, false
	}
	b.readPos = (b.readPos + n) % len(b.buf)
	b.used -= n
	return out, true
}

// Discard consumes and drops n bytes, which must not exceed Available().
func (b *Buffer) Discard(n int) {
	if n > b.used {
		n = b.used
	}
	b.readPos = (b.readPos + n) % len(b.buf)
	b.used -= n
}
