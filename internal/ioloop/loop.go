// Package ioloop implements the single-threaded, epoll-backed cooperative
// scheduler that fd-driven device handlers in this core (vio/net's tap
// queues) run under (spec §4.1, §5). There is no work-stealing: one Loop owns one OS thread's worth of
// fd-driven callbacks, and the only suspension point is the wait inside
// RunOnce.
//
// The teacher (tinyrange-cc) has no epoll loop of its own to adapt — its
// event sources are hypervisor vCPU exits, not host fds — so this package
// is built directly against golang.org/x/sys/unix, in the same thin
// ioctl/syscall-wrapper style as internal/hv/kvm/kvm_bindings.go.
package ioloop

import (
	"container/heap"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// Disposition is the action to take on one notifier's membership in the
// interest set (spec §3 "Event notifier").
type Disposition int

const (
	// AddShared registers the fd for the given interest mask.
	AddShared Disposition = iota
	// Modify changes the interest mask of an already-registered fd.
	Modify
	// Park removes the fd from epoll's interest set without forgetting
	// its callback, so Resume can re-arm it later.
	Park
	// Resume re-adds a previously Parked fd with its last interest mask.
	Resume
	// Delete forgets the fd and its callback entirely.
	Delete
)

// Callback is invoked when fd becomes ready for the events in Events. It
// may return a batch of follow-up operations, applied atomically before
// the loop's next wait (spec §4.1 ordering guarantee (i)).
type Callback func(fd int, events uint32) []Op

// Op is one notifier mutation, either submitted via Update or returned by
// a Callback.
type Op struct {
	FD          int
	Disposition Disposition
	Events      uint32 // epoll interest mask (EPOLLIN etc.), used by AddShared/Modify/Resume
	Callback    Callback
}

type notifier struct {
	fd       int
	events   uint32
	callback Callback
	parked   bool
}

// Loop is one I/O thread's cooperative dispatcher.
type Loop struct {
	epfd      int
	notifiers map[int]*notifier
	timers    timerHeap
	log       *slog.Logger
	pending   []Op
}

// New creates a Loop with its own epoll instance. Close releases the epoll
// fd.
func New(log *slog.Logger) (*Loop, error) {
	if log == nil {
		log = slog.Default()
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ioloop: epoll_create1: %w", err)
	}
	return &Loop{
		epfd:      epfd,
		notifiers: make(map[int]*notifier),
		log:       log,
	}, nil
}

// Close releases the loop's epoll fd. Registered fds are not closed; the
// caller owns them.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

// Register adds fd to the interest set with the given callback and
// interest mask. It is equivalent to Update with a single AddShared op.
func (l *Loop) Register(fd int, events uint32, cb Callback) error {
	return l.Update([]Op{{FD: fd, Disposition: AddShared, Events: events, Callback: cb}})
}

// Update applies a batch of notifier operations. Operations within a batch
// are applied in order; a Delete of an fd that is also mutated earlier in
// the same batch wins (last write, matching the "applied atomically
// relative to the next wait" guarantee — nothing partially lands in
// epoll's interest set across a RunOnce boundary).
func (l *Loop) Update(ops []Op) error {
	for _, op := range ops {
		if err := l.apply(op); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) apply(op Op) error {
	switch op.Disposition {
	case AddShared:
		n := &notifier{fd: op.FD, events: op.Events, callback: op.Callback}
		l.notifiers[op.FD] = n
		return l.epollCtl(unix.EPOLL_CTL_ADD, op.FD, op.Events)
	case Modify:
		n, ok := l.notifiers[op.FD]
		if !ok {
			return fmt.Errorf("ioloop: modify of unregistered fd %d", op.FD)
		}
		n.events = op.Events
		if n.parked {
			return nil
		}
		return l.epollCtl(unix.EPOLL_CTL_MOD, op.FD, op.Events)
	case Park:
		n, ok := l.notifiers[op.FD]
		if !ok {
			return fmt.Errorf("ioloop: park of unregistered fd %d", op.FD)
		}
		if n.parked {
			return nil
		}
		n.parked = true
		return l.epollCtl(unix.EPOLL_CTL_DEL, op.FD, 0)
	case Resume:
		n, ok := l.notifiers[op.FD]
		if !ok {
			return fmt.Errorf("ioloop: resume of unregistered fd %d", op.FD)
		}
		if !n.parked {
			return nil
		}
		n.parked = false
		return l.epollCtl(unix.EPOLL_CTL_ADD, op.FD, n.events)
	case Delete:
		n, ok := l.notifiers[op.FD]
		if !ok {
			return nil
		}
		delete(l.notifiers, op.FD)
		if n.parked {
			return nil
		}
		return l.epollCtl(unix.EPOLL_CTL_DEL, op.FD, 0)
	default:
		return fmt.Errorf("ioloop: unknown disposition %d", op.Disposition)
	}
}

func (l *Loop) epollCtl(op int, fd int, events uint32) error {
	if op == unix.EPOLL_CTL_DEL {
		if err := unix.EpollCtl(l.epfd, op, fd, nil); err != nil {
			return fmt.Errorf("ioloop: epoll_ctl(del, %d): %w", fd, err)
		}
		return nil
	}
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, op, fd, ev); err != nil {
		return fmt.Errorf("ioloop: epoll_ctl(%d, %d): %w", op, fd, err)
	}
	return nil
}

// RegisterTimer arms a one-shot timer that fires cb no earlier than
// deadline. RunOnce's wait is capped by the nearest armed timer (spec
// §4.1 "Timeouts").
func (l *Loop) RegisterTimer(deadline time.Time, cb func()) {
	heap.Push(&l.timers, &timerEntry{deadline: deadline, cb: cb})
}

// RunOnce waits for at most timeout (or the nearest timer, if sooner) for
// ready fds, dispatches their callbacks, applies the follow-up ops they
// return, and fires any timers whose deadline has passed. It returns the
// number of fd callbacks invoked.
func (l *Loop) RunOnce(timeout time.Duration) (int, error) {
	waitMS := int(timeout / time.Millisecond)
	if len(l.timers) > 0 {
		next := time.Until(l.timers[0].deadline)
		if next < 0 {
			next = 0
		}
		nextMS := int((next + time.Millisecond - 1) / time.Millisecond)
		if waitMS < 0 || nextMS < waitMS {
			waitMS = nextMS
		}
	}

	var events [64]unix.EpollEvent
	n, err := unix.EpollWait(l.epfd, events[:], waitMS)
	if err != nil {
		if err == unix.EINTR {
			n = 0
		} else {
			return 0, fmt.Errorf("ioloop: epoll_wait: %w", err)
		}
	}

	l.pending = l.pending[:0]
	fired := 0
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		nt, ok := l.notifiers[fd]
		cancelled := false
		for _, op := range l.pending {
			if op.FD == fd {
				cancelled = op.Disposition == Delete
			}
		}
		if !ok || nt.parked || cancelled {
			// Delete of an fd currently pending in the ready list
			// cancels its callback (spec §4.1 ordering guarantee (ii)).
			continue
		}
		fired++
		ops := nt.callback(fd, events[i].Events)
		l.pending = append(l.pending, ops...)
	}

	l.fireExpiredTimers()

	if err := l.Update(l.pending); err != nil {
		return fired, err
	}
	return fired, nil
}

func (l *Loop) fireExpiredTimers() {
	now := time.Now()
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		entry := heap.Pop(&l.timers).(*timerEntry)
		entry.cb()
	}
}

type timerEntry struct {
	deadline time.Time
	cb       func()
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)        { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// DeactivateBatch builds the Delete-all operation batch a device's
// deactivate_evt handler returns when signaled (spec §4.1 "Cancellation").
func DeactivateBatch(fds []int) []Op {
	ops := make([]Op, 0, len(fds))
	for _, fd := range fds {
		ops = append(ops, Op{FD: fd, Disposition: Delete})
	}
	return ops
}
