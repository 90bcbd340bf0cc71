// Package waiter owns idle-keepalive file descriptors between requests. A
// single waiter thread (goroutine, locked to nothing in particular — Go's
// scheduler plays the OS-thread role the spec assigns to a dedicated
// thread) uses the host's event facility plus a self-pipe for
// cross-thread wakeups, backed by a per-fd deadline min-heap from
// internal/binheap.
//
// Grounded on the teacher's internal/uring Ring/Batch/Result abstraction
// (a pluggable event-completion facility behind one interface, picked at
// build time) generalized from "batches of block I/O completions" to
// "readiness events plus a deadline heap", and on golang.org/x/sys/unix
// for the underlying epoll/kqueue/poll syscalls the teacher already
// depends on for mmap and CPU affinity.
package waiter

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/cachecore/cachecore/internal/binheap"
	"github.com/cachecore/cachecore/internal/syncstats"
)

// Reason distinguishes why a Waited callback fired.
type Reason int

const (
	// ReasonTimeout fires when a Waited entry's deadline passed with no
	// readiness event.
	ReasonTimeout Reason = iota
	// ReasonAction fires when the fd became readable with real data.
	ReasonAction
	// ReasonRemClose fires when the peer closed the connection (EOF/HUP/ERR).
	ReasonRemClose
)

func (r Reason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonAction:
		return "action"
	case ReasonRemClose:
		return "remclose"
	default:
		return "unknown"
	}
}

// Callback is invoked exactly once per Enter, with the reason it fired.
type Callback func(fd int, reason Reason)

// Waited is one caller's registration: an fd, a deadline, and a callback.
type Waited struct {
	Fd       int
	Deadline time.Time
	Cb       Callback
	Ctx      any

	heapIdx int
}

// Key implements binheap.Item.
func (w *Waited) Key() int64 { return w.Deadline.UnixNano() }

// SetIndex implements binheap.Item.
func (w *Waited) SetIndex(i int) { w.heapIdx = i }

// Event is one readiness notification from a Facility.
type Event struct {
	Fd  int
	Hup bool // the facility itself observed HUP/ERR, independent of peek
}

// Facility is the host's kernel event mechanism: epoll on Linux, kqueue on
// Darwin, a poll(2) fallback elsewhere, and (per SPEC_FULL's domain stack wiring) an
// io_uring-based alternate facility on Linux kernels new enough to batch
// IORING_OP_POLL_ADD.
type Facility interface {
	Add(fd int) error
	Remove(fd int) error
	Wait(timeout time.Duration) ([]Event, error)
	Close() error
}

// Waiter multiplexes tens of thousands of idle fds on one goroutine.
type Waiter struct {
	mu       *syncstats.Mutex
	heap     *binheap.Heap
	byFd     map[int]*Waited
	facility Facility

	wakeR, wakeW *os.File
	wakeFd       int

	die   atomic.Bool
	count atomic.Int64

	doneCh chan struct{}
}

// New creates a Waiter over the given Facility, arming the self-pipe's
// read end against it immediately.
func New(facility Facility) (*Waiter, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("waiter: self-pipe: %w", err)
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	if err := facility.Add(int(r.Fd())); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("waiter: arm self-pipe: %w", err)
	}
	return &Waiter{
		mu:       syncstats.NewMutex(syncstats.NewClass("waiter")),
		heap:     binheap.New(),
		byFd:     make(map[int]*Waited),
		facility: facility,
		wakeR:    r,
		wakeW:    w,
		wakeFd:   int(r.Fd()),
		doneCh:   make(chan struct{}),
	}, nil
}

// Enter registers wt. Under the waiter mutex: bump count, insert into the
// deadline heap, arm the facility for read+hup, and if the new deadline is
// earlier than the currently scheduled wake, write a byte to the
// self-pipe so the scheduler loop recomputes its timeout immediately.
func (w *Waiter) Enter(wt *Waited) error {
	w.mu.Lock()
	w.count.Add(1)
	w.byFd[wt.Fd] = wt
	prevRoot := w.heap.Peek()
	w.heap.Insert(wt)
	if err := w.facility.Add(wt.Fd); err != nil {
		w.heap.Remove(wt.heapIdx)
		delete(w.byFd, wt.Fd)
		w.count.Add(-1)
		w.mu.Unlock()
		return err
	}
	becameEarliest := prevRoot == nil || wt.Deadline.Before(prevRoot.(*Waited).Deadline)
	w.mu.Unlock()

	if becameEarliest {
		w.wake()
	}
	return nil
}

func (w *Waiter) wake() {
	_, _ = w.wakeW.Write([]byte{0})
}

func (w *Waiter) drainSelfPipe() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(w.wakeFd, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

// Run is the scheduler loop: repeatedly fire every past-deadline entry
// with reason timeout, then wait on the facility for the remaining time
// until the next deadline (or 100s if the heap is empty), dispatching
// ready fds with reason action or remclose. Run returns once Shutdown has
// been called and the wait set has drained.
func (w *Waiter) Run() {
	defer close(w.doneCh)
	for {
		w.fireExpired()

		w.mu.Lock()
		var timeout time.Duration
		if root := w.heap.Peek(); root != nil {
			timeout = time.Until(root.(*Waited).Deadline)
			if timeout < 0 {
				timeout = 0
			}
		} else {
			timeout = 100 * time.Second
		}
		dying := w.die.Load()
		count := w.count.Load()
		w.mu.Unlock()

		if dying && count == 0 {
			return
		}

		events, err := w.facility.Wait(timeout)
		if err != nil {
			// EINTR and similar transient errors just re-evaluate
			// deadlines on the next loop iteration.
			continue
		}

		for _, ev := range events {
			if ev.Fd == w.wakeFd {
				w.drainSelfPipe()
				// One-shot facilities disarm the self-pipe on delivery.
				_ = w.facility.Add(w.wakeFd)
				continue
			}
			w.dispatch(ev)
		}
	}
}

func (w *Waiter) fireExpired() {
	now := time.Now()
	for {
		w.mu.Lock()
		root := w.heap.Peek()
		if root == nil {
			w.mu.Unlock()
			return
		}
		wt := root.(*Waited)
		if wt.Deadline.After(now) {
			w.mu.Unlock()
			return
		}
		w.heap.Pop()
		delete(w.byFd, wt.Fd)
		_ = w.facility.Remove(wt.Fd)
		w.count.Add(-1)
		w.mu.Unlock()

		wt.Cb(wt.Fd, ReasonTimeout)
	}
}

func (w *Waiter) dispatch(ev Event) {
	w.mu.Lock()
	wt, ok := w.byFd[ev.Fd]
	if !ok {
		w.mu.Unlock()
		return
	}
	w.heap.Remove(wt.heapIdx)
	delete(w.byFd, ev.Fd)
	_ = w.facility.Remove(ev.Fd)
	w.count.Add(-1)
	w.mu.Unlock()

	reason := ReasonAction
	if ev.Hup || remoteClosed(ev.Fd) {
		reason = ReasonRemClose
	}
	wt.Cb(ev.Fd, reason)
}

// remoteClosed peeks one byte with MSG_PEEK: zero bytes read (or a
// connection reset) means the remote end closed the connection,
// distinguishing remclose from action the way the spec requires.
func remoteClosed(fd int) bool {
	buf := make([]byte, 1)
	n, _, err := unix.Recvfrom(fd, buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err != nil {
		return err == unix.ECONNRESET
	}
	return n == 0
}

// Count returns the number of fds currently waited on.
func (w *Waiter) Count() int64 { return w.count.Load() }

// Shutdown sets the die flag, wakes the scheduler loop, and blocks until
// the wait set has fully drained and Run has returned.
func (w *Waiter) Shutdown() {
	w.die.Store(true)
	w.wake()
	<-w.doneCh
	w.wakeR.Close()
	w.wakeW.Close()
	w.facility.Close()
}
