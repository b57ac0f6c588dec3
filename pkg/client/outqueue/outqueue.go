// Package outqueue implements the client's outbound work queue (spec.md
// §4.4): an ordered queue of pending sends, drained whenever the transport
// is writable. A write that blocks mid-frame re-queues its item at the
// head, so the frame finishes before any other item's bytes can land in the
// middle of it; an item that finishes a whole frame but has more queued
// work (e.g. the image streamer between chunks) re-queues at the tail so it
// does not starve items already behind it. It replaces the teacher's
// single-static-transmit-buffer pattern
// (sdo.SDOClient.txBuffer, reused under the assumption only one SDO request
// is ever outstanding) with independent per-request items, per spec.md §9's
// explicit redesign note.
package outqueue

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"cdba/pkg/reactor"
)

// Status reports how an Item's Attempt call left the item, so the queue
// knows whether it is safe to let another item take a turn before this one
// is retried.
type Status int

const (
	// Done reports the item has fully sent everything it owns; the queue
	// drops it.
	Done Status = iota
	// Blocked reports a partial write in progress that has not reached a
	// frame boundary (the underlying write returned less than requested,
	// or "would block"). The queue retries this exact item next, ahead of
	// every other item: letting another item go first would interleave
	// its bytes into the middle of this one's frame, corrupting the wire
	// format (spec.md §4.4, §5).
	Blocked
	// Yielded reports the item finished one self-contained unit (a whole
	// frame) but has more to send; it is safe to requeue at the tail so
	// other pending items are not starved (spec.md §4.4, §4.5.1).
	Yielded
)

// Item is one pending unit of outbound work. Attempt writes as much as it
// can to w without blocking and reports how far it got.
type Item interface {
	// Attempt tries to send on w. See Status for the three outcomes.
	Attempt(w io.Writer) (Status, error)
}

// Queue is the FIFO outbound work queue for one transport file descriptor.
type Queue struct {
	log   *logrus.Logger
	loop  *reactor.Loop
	fd    int
	w     io.Writer
	items []Item
	armed bool
}

// New creates a work queue bound to fd, which the caller has already set
// non-blocking; the queue only arms write-readiness on it.
func New(log *logrus.Logger, loop *reactor.Loop, fd int, w io.Writer) *Queue {
	return &Queue{log: log, loop: loop, fd: fd, w: w}
}

// Enqueue appends an item to the tail and arms write-readiness if this is
// the first pending item (spec.md §4.4: "if the queue is non-empty, the
// loop requests write-readiness").
func (q *Queue) Enqueue(item Item) {
	q.items = append(q.items, item)
	q.arm()
}

func (q *Queue) arm() {
	if q.armed || len(q.items) == 0 {
		return
	}
	if err := q.loop.RequestWrite(q.fd, q.onWritable); err != nil {
		q.log.WithError(err).Error("[OUTQUEUE] failed to arm write-readiness")
		return
	}
	q.armed = true
}

func (q *Queue) disarm() {
	if !q.armed {
		return
	}
	_ = q.loop.CancelWrite(q.fd)
	q.armed = false
}

// onWritable drains items in FIFO order. An item that yields at a frame
// boundary (e.g. the image streamer between chunks, spec.md §4.5.1) is
// appended to the tail and does not reorder items already behind it, since
// it is removed from the front before being appended back. An item that
// blocks mid-frame is instead put back at the head: it owns the transport
// until its current frame is fully sent, or a later item's bytes would land
// in the middle of it (spec.md §4.4, §5).
func (q *Queue) onWritable(fd int) reactor.Action {
drain:
	for len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]

		status, err := item.Attempt(q.w)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				// Would block mid-frame: retry this exact item first, next
				// time the fd is writable; stop this pass since the fd is
				// not currently writable.
				q.items = append([]Item{item}, q.items...)
				break drain
			}
			q.log.WithError(err).Error("[OUTQUEUE] fatal write error")
			return reactor.Terminate
		}

		switch status {
		case Done:
			// fully sent; drop
		case Blocked:
			q.items = append([]Item{item}, q.items...)
			break drain
		case Yielded:
			q.items = append(q.items, item)
		}
	}

	if len(q.items) == 0 {
		q.disarm()
	}
	return reactor.Continue
}

// Len reports the number of items currently pending (tests, diagnostics).
func (q *Queue) Len() int {
	return len(q.items)
}

// BytesItem is a work item that sends a fixed byte slice, resuming from
// where a previous partial write left off. Each item owns its buffer until
// fully sent (spec.md §3).
type BytesItem struct {
	buf []byte
	off int
}

// NewBytesItem wraps buf for queued delivery.
func NewBytesItem(buf []byte) *BytesItem {
	return &BytesItem{buf: buf}
}

func (b *BytesItem) Attempt(w io.Writer) (Status, error) {
	for b.off < len(b.buf) {
		n, err := w.Write(b.buf[b.off:])
		b.off += n
		if err != nil {
			return Blocked, err
		}
		if n == 0 {
			return Blocked, nil
		}
	}
	return Done, nil
}
