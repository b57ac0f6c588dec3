// Package reactor implements the single-threaded, cooperative, readiness
// driven event loop shared by the cdba client and server (spec.md §4.3,
// §5). It generalizes the teacher's goroutine-plus-ticker background
// processing (bus_manager.go's dispatch table, pkg/nmt's time.Timer-driven
// heartbeat) into one real OS-readiness loop using golang.org/x/sys/unix
// epoll, the same dependency the teacher already imports in
// bus_manager.go for unix.CAN_SFF_MASK.
package reactor

import (
	"container/heap"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Action is returned by every callback the loop invokes: read-watch
// handlers, timer handlers. It tells the loop whether to keep running.
type Action int

const (
	// Continue lets the loop proceed to its next iteration.
	Continue Action = iota
	// Terminate propagates out of Run, ending the loop.
	Terminate
)

// ReadFunc handles readiness on a registered file descriptor.
type ReadFunc func(fd int) Action

// WriteFunc handles write-readiness on a registered file descriptor.
type WriteFunc func(fd int) Action

// TimerFunc handles an expired timer.
type TimerFunc func() Action

// ErrReentrant is returned by Run if a callback attempts to call it again
// from within itself.
var ErrReentrant = errors.New("reactor: Run called re-entrantly")

type readWatch struct {
	fd int
	cb ReadFunc
}

type writeWatch struct {
	fd int
	cb WriteFunc
}

// timerEntry is one entry in the min-heap, ordered by deadline, ties broken
// by insertion sequence (spec.md §4.3: "ties break by insertion order").
type timerEntry struct {
	deadline time.Time
	seq      uint64
	cb       TimerFunc
	canceled bool
	index    int // heap index, maintained by container/heap
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Timer is a handle to a scheduled timer, returned by AddTimer so callers
// can cancel it.
type Timer struct {
	entry *timerEntry
	loop  *Loop
}

// Cancel removes the timer if it has not already fired. Safe to call more
// than once.
func (t *Timer) Cancel() {
	if t.entry.index >= 0 {
		heap.Remove(&t.loop.timers, t.entry.index)
	}
	t.entry.canceled = true
}

// Loop is the event loop: a set of read-watches, an optional write-watch per
// fd, and a priority queue of timers.
type Loop struct {
	log       *logrus.Logger
	epfd      int
	reads     map[int]readWatch
	writes    map[int]writeWatch
	timers    timerHeap
	timerSeq  uint64
	running   bool
}

// New creates an event loop backed by an epoll instance.
func New(log *logrus.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loop{
		log:    log,
		epfd:   epfd,
		reads:  make(map[int]readWatch),
		writes: make(map[int]writeWatch),
	}, nil
}

// Close releases the underlying epoll descriptor. Callers must have already
// stopped Run.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

func (l *Loop) epollCtl(fd int, hasRead, hasWrite bool) error {
	var events uint32
	if hasRead {
		events |= unix.EPOLLIN
	}
	if hasWrite {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}

	op := unix.EPOLL_CTL_MOD
	if !hasRead && !hasWrite {
		op = unix.EPOLL_CTL_DEL
	} else if _, existedRead := l.reads[fd]; !existedRead {
		if _, existedWrite := l.writes[fd]; !existedWrite {
			op = unix.EPOLL_CTL_ADD
		}
	}
	if op == unix.EPOLL_CTL_DEL {
		return unix.EpollCtl(l.epfd, op, fd, nil)
	}
	return unix.EpollCtl(l.epfd, op, fd, &ev)
}

// RegisterRead arms a read-watch on fd. fd must already be set non-blocking
// by the caller (spec.md §5: "every file descriptor used by the loop is set
// non-blocking at registration").
func (l *Loop) RegisterRead(fd int, cb ReadFunc) error {
	_, hadWrite := l.writes[fd]
	// epollCtl picks ADD vs MOD from the maps, so update them only after.
	if err := l.epollCtl(fd, true, hadWrite); err != nil {
		return err
	}
	l.reads[fd] = readWatch{fd: fd, cb: cb}
	return nil
}

// UnregisterRead removes the read-watch on fd.
func (l *Loop) UnregisterRead(fd int) error {
	delete(l.reads, fd)
	_, hasWrite := l.writes[fd]
	return l.epollCtl(fd, false, hasWrite)
}

// RequestWrite arms a write-watch on fd. Per spec.md §4.4 this is requested
// on demand by the outbound work queue whenever it holds pending items, not
// left permanently armed.
func (l *Loop) RequestWrite(fd int, cb WriteFunc) error {
	_, hadRead := l.reads[fd]
	if err := l.epollCtl(fd, hadRead, true); err != nil {
		return err
	}
	l.writes[fd] = writeWatch{fd: fd, cb: cb}
	return nil
}

// CancelWrite disarms the write-watch on fd.
func (l *Loop) CancelWrite(fd int) error {
	delete(l.writes, fd)
	_, hasRead := l.reads[fd]
	return l.epollCtl(fd, hasRead, false)
}

// AddTimer schedules cb to fire at deadline. Returns a handle usable to
// cancel it before it fires.
func (l *Loop) AddTimer(deadline time.Time, cb TimerFunc) *Timer {
	l.timerSeq++
	e := &timerEntry{deadline: deadline, seq: l.timerSeq, cb: cb}
	heap.Push(&l.timers, e)
	return &Timer{entry: e, loop: l}
}

// nextDeadline returns the earliest still-armed timer deadline, if any.
func (l *Loop) nextDeadline() (time.Time, bool) {
	for l.timers.Len() > 0 {
		top := l.timers[0]
		if top.canceled {
			heap.Pop(&l.timers)
			continue
		}
		return top.deadline, true
	}
	return time.Time{}, false
}

// popExpired removes and returns every timer whose deadline is <= now,
// ordered earliest-first (ties by insertion order), removing each from the
// heap before returning so that a callback re-arming itself is safe
// (spec.md §4.3: "remove from the set before invoking the callback to make
// re-arming idempotent").
func (l *Loop) popExpired(now time.Time) []*timerEntry {
	var expired []*timerEntry
	for l.timers.Len() > 0 {
		top := l.timers[0]
		if top.canceled {
			heap.Pop(&l.timers)
			continue
		}
		if top.deadline.After(now) {
			break
		}
		heap.Pop(&l.timers)
		expired = append(expired, top)
	}
	return expired
}

const maxEpollEvents = 64

// Run blocks until a callback returns Terminate or an unrecoverable error
// occurs. It must not be called re-entrantly from within a callback.
func (l *Loop) Run() error {
	if l.running {
		return ErrReentrant
	}
	l.running = true
	defer func() { l.running = false }()
	l.log.Debug("[REACTOR] loop starting")
	defer l.log.Debug("[REACTOR] loop exited")

	var events [maxEpollEvents]unix.EpollEvent

	for {
		deadline, hasDeadline := l.nextDeadline()
		timeoutMs := -1
		if hasDeadline {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			timeoutMs = int(d.Milliseconds())
		}

		n, err := unix.EpollWait(l.epfd, events[:], timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		// Timers fire in deadline order regardless of why EpollWait
		// returned, giving callbacks a consistent snapshot for this
		// iteration.
		for _, t := range l.popExpired(time.Now()) {
			if t.canceled {
				continue
			}
			if t.cb() == Terminate {
				return nil
			}
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			readyIn := events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0
			readyOut := events[i].Events&unix.EPOLLOUT != 0

			if readyIn {
				if w, ok := l.reads[fd]; ok {
					if w.cb(fd) == Terminate {
						return nil
					}
				}
			}
			if readyOut {
				if w, ok := l.writes[fd]; ok {
					if w.cb(fd) == Terminate {
						return nil
					}
				}
			}
		}
	}
}
